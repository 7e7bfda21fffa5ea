package quota

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Units is the internal accounting unit ("credits"). Stored values are never negative.
type Units int64

// SignedUnits is a ledger delta.
type SignedUnits int64

// ByteSize is a declared upload size in bytes.
type ByteSize int64

// UserID identifies an account owner.
type UserID struct {
	value string
}

// UploadID identifies an upload attempt.
type UploadID struct {
	value string
}

// IdempotencyKey scopes Begin replays to a single user.
type IdempotencyKey struct {
	value string
}

// ContentID is the identifier returned by the content-addressed store.
type ContentID struct {
	value string
}

// MediaPostID links an upload to a user-visible post.
type MediaPostID struct {
	value string
}

// ExternalReference identifies the origin of a grant (payment id, ticket number).
type ExternalReference struct {
	value string
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// NewUnits validates a non-negative unit amount.
func NewUnits(raw int64) (Units, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidUnits)
	}
	return Units(raw), nil
}

// NewPositiveUnits validates a strictly positive unit amount.
func NewPositiveUnits(raw int64) (Units, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidUnits)
	}
	return Units(raw), nil
}

// Int64 returns the raw value.
func (units Units) Int64() int64 {
	return int64(units)
}

// Signed converts to a positive delta.
func (units Units) Signed() SignedUnits {
	return SignedUnits(units)
}

// Negated converts to a negative delta.
func (units Units) Negated() SignedUnits {
	return SignedUnits(-units)
}

// NewSignedUnits validates a non-zero delta.
func NewSignedUnits(raw int64) (SignedUnits, error) {
	if raw == 0 {
		return 0, fmt.Errorf("%w: delta must not be zero", ErrInvalidUnits)
	}
	return SignedUnits(raw), nil
}

// Int64 returns the raw value.
func (delta SignedUnits) Int64() int64 {
	return int64(delta)
}

// NewByteSize validates a declared upload size.
func NewByteSize(raw int64) (ByteSize, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidByteSize)
	}
	return ByteSize(raw), nil
}

// Int64 returns the raw value.
func (size ByteSize) Int64() int64 {
	return int64(size)
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	value, err := normalizeIdentifier(raw)
	if err != nil {
		return UserID{}, fmt.Errorf("%w: %v", ErrInvalidUserID, err)
	}
	return UserID{value: value}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewUploadID validates and normalizes an upload id.
func NewUploadID(raw string) (UploadID, error) {
	value, err := normalizeIdentifier(raw)
	if err != nil {
		return UploadID{}, fmt.Errorf("%w: %v", ErrInvalidUploadID, err)
	}
	return UploadID{value: value}, nil
}

// String returns the normalized identifier.
func (id UploadID) String() string {
	return id.value
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	value, err := normalizeIdentifier(raw)
	if err != nil {
		return IdempotencyKey{}, fmt.Errorf("%w: %v", ErrInvalidIdempotencyKey, err)
	}
	return IdempotencyKey{value: value}, nil
}

// NewOptionalIdempotencyKey returns nil for blank input.
func NewOptionalIdempotencyKey(raw string) (*IdempotencyKey, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	key, err := NewIdempotencyKey(raw)
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// NewContentID validates a content identifier.
func NewContentID(raw string) (ContentID, error) {
	value, err := normalizeIdentifier(raw)
	if err != nil {
		return ContentID{}, fmt.Errorf("%w: %v", ErrInvalidContentID, err)
	}
	return ContentID{value: value}, nil
}

// String returns the normalized identifier.
func (id ContentID) String() string {
	return id.value
}

// NewMediaPostID validates a media post identifier.
func NewMediaPostID(raw string) (MediaPostID, error) {
	value, err := normalizeIdentifier(raw)
	if err != nil {
		return MediaPostID{}, fmt.Errorf("%w: %v", ErrInvalidMediaPostID, err)
	}
	return MediaPostID{value: value}, nil
}

// NewOptionalMediaPostID returns nil for blank input.
func NewOptionalMediaPostID(raw string) (*MediaPostID, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	id, err := NewMediaPostID(raw)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// String returns the normalized identifier.
func (id MediaPostID) String() string {
	return id.value
}

// NewExternalReference validates an external reference.
func NewExternalReference(raw string) (ExternalReference, error) {
	value, err := normalizeIdentifier(raw)
	if err != nil {
		return ExternalReference{}, fmt.Errorf("%w: %v", ErrInvalidReference, err)
	}
	return ExternalReference{value: value}, nil
}

// NewOptionalExternalReference returns nil for blank input.
func NewOptionalExternalReference(raw string) (*ExternalReference, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	reference, err := NewExternalReference(raw)
	if err != nil {
		return nil, err
	}
	return &reference, nil
}

// String returns the normalized reference.
func (reference ExternalReference) String() string {
	return reference.value
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob, "{}" for the zero value.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// NormalizeReason trims a failure reason and applies the default.
func NormalizeReason(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ReasonClientReported, nil
	}
	if len(trimmed) > maxReasonLength {
		return "", fmt.Errorf("%w: reason exceeds %d bytes", ErrInvalidRequest, maxReasonLength)
	}
	return trimmed, nil
}

func normalizeIdentifier(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("empty value")
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("exceeds %d bytes", maxIdentifierLength)
	}
	return trimmed, nil
}

// UploadStatus is the closed set of upload lifecycle states.
type UploadStatus string

const (
	UploadStatusPending  UploadStatus = "pending"
	UploadStatusComplete UploadStatus = "complete"
	UploadStatusFailed   UploadStatus = "failed"
)

// ParseUploadStatus validates a stored status.
func ParseUploadStatus(raw string) (UploadStatus, error) {
	switch UploadStatus(strings.TrimSpace(raw)) {
	case UploadStatusPending:
		return UploadStatusPending, nil
	case UploadStatusComplete:
		return UploadStatusComplete, nil
	case UploadStatusFailed:
		return UploadStatusFailed, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidUploadStatus, raw)
	}
}

// String returns the stored representation.
func (status UploadStatus) String() string {
	return string(status)
}

// IsTerminal reports whether no further transition is allowed.
func (status UploadStatus) IsTerminal() bool {
	return status == UploadStatusComplete || status == UploadStatusFailed
}

// CanTransitionTo reports whether status -> next is a legal lifecycle edge.
func (status UploadStatus) CanTransitionTo(next UploadStatus) bool {
	return status == UploadStatusPending && next.IsTerminal()
}

// EntryType enumerates ledger entry kinds.
type EntryType string

const (
	EntryGrant           EntryType = "grant"
	EntryCharge          EntryType = "charge"
	EntryPurchase        EntryType = "purchase"
	EntryAdminAdjustment EntryType = "admin_adjustment"
	EntryRefund          EntryType = "refund"
)

// ParseEntryType validates a stored entry type.
func ParseEntryType(raw string) (EntryType, error) {
	switch EntryType(strings.TrimSpace(raw)) {
	case EntryGrant:
		return EntryGrant, nil
	case EntryCharge:
		return EntryCharge, nil
	case EntryPurchase:
		return EntryPurchase, nil
	case EntryAdminAdjustment:
		return EntryAdminAdjustment, nil
	case EntryRefund:
		return EntryRefund, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEntryType, raw)
	}
}

// ParseGrantSource validates the entry types accepted by Grant. Charges are
// produced only by Commit.
func ParseGrantSource(raw string) (EntryType, error) {
	entryType, err := ParseEntryType(raw)
	if err != nil {
		return "", err
	}
	if entryType == EntryCharge {
		return "", fmt.Errorf("%w: charge is not a grant source", ErrInvalidEntryType)
	}
	return entryType, nil
}

// String returns the stored representation.
func (entryType EntryType) String() string {
	return string(entryType)
}

// Account is the durable per-user balance record.
type Account struct {
	UserID         UserID
	Total          Units
	Spent          Units
	Balance        Units
	Reserved       Units
	CreatedUnixUTC int64
	UpdatedUnixUTC int64
}

// Available returns the capacity left for new reservations.
func (account Account) Available() Units {
	if account.Reserved >= account.Balance {
		return 0
	}
	return account.Balance - account.Reserved
}

// Upload is a single upload attempt.
type Upload struct {
	UploadID         UploadID
	UserID           UserID
	ByteSize         ByteSize
	RequiredUnits    Units
	MediaType        MediaType
	Status           UploadStatus
	IdempotencyKey   *IdempotencyKey
	ContentID        *ContentID
	MediaPostID      *MediaPostID
	FailureReason    string
	CreatedUnixUTC   int64
	CompletedUnixUTC int64
}

// UploadTransition moves an upload out of pending.
type UploadTransition struct {
	UserID           UserID
	UploadID         UploadID
	From             UploadStatus
	To               UploadStatus
	ContentID        *ContentID
	MediaPostID      *MediaPostID
	FailureReason    string
	CompletedUnixUTC int64
}

// Apply returns the upload after the transition.
func (transition UploadTransition) Apply(upload Upload) Upload {
	upload.Status = transition.To
	upload.ContentID = transition.ContentID
	upload.MediaPostID = transition.MediaPostID
	upload.FailureReason = transition.FailureReason
	upload.CompletedUnixUTC = transition.CompletedUnixUTC
	return upload
}

// EntryInput is a ledger line about to be appended.
type EntryInput struct {
	UserID         UserID
	Type           EntryType
	Delta          SignedUnits
	UploadID       *UploadID
	Reference      *ExternalReference
	Metadata       MetadataJSON
	CreatedUnixUTC int64
}

// NewEntryInput validates the sign rules for each entry type. Zero deltas are
// only legal for refund audit lines.
func NewEntryInput(userID UserID, entryType EntryType, delta SignedUnits, uploadID *UploadID, reference *ExternalReference, metadata MetadataJSON, createdUnixUTC int64) (EntryInput, error) {
	if _, err := ParseEntryType(entryType.String()); err != nil {
		return EntryInput{}, err
	}
	switch entryType {
	case EntryGrant, EntryPurchase:
		if delta <= 0 {
			return EntryInput{}, fmt.Errorf("%w: %s delta must be positive", ErrInvalidUnits, entryType)
		}
	case EntryCharge:
		if delta >= 0 || uploadID == nil {
			return EntryInput{}, fmt.Errorf("%w: charge requires a negative delta and an upload", ErrInvalidUnits)
		}
	case EntryRefund:
		if delta < 0 {
			return EntryInput{}, fmt.Errorf("%w: refund delta must not be negative", ErrInvalidUnits)
		}
	case EntryAdminAdjustment:
		if delta == 0 {
			return EntryInput{}, fmt.Errorf("%w: adjustment delta must not be zero", ErrInvalidUnits)
		}
	}
	return EntryInput{
		UserID:         userID,
		Type:           entryType,
		Delta:          delta,
		UploadID:       uploadID,
		Reference:      reference,
		Metadata:       metadata,
		CreatedUnixUTC: createdUnixUTC,
	}, nil
}

// Entry is a single immutable line in the ledger.
type Entry struct {
	EntryID        string
	UserID         UserID
	Type           EntryType
	Delta          SignedUnits
	UploadID       *UploadID
	Reference      *ExternalReference
	Metadata       MetadataJSON
	CreatedUnixUTC int64
}
