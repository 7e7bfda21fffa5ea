package quota

import "context"

// Store persists accounts, uploads, and the append-only ledger.
//
// LockAccount and GetUpload take row locks when called on a transaction store.
// Conflicting inserts surface as ErrDuplicateIdempotencyKey or ErrDuplicateEntry.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	// CreateAccount inserts the account when absent and reports whether it did.
	CreateAccount(ctx context.Context, account Account) (bool, error)
	GetAccount(ctx context.Context, userID UserID) (Account, error)
	LockAccount(ctx context.Context, userID UserID) (Account, error)
	UpdateAccount(ctx context.Context, account Account) error

	InsertEntry(ctx context.Context, entry EntryInput) (Entry, error)
	SumEntries(ctx context.Context, userID UserID) (SignedUnits, error)
	// ListEntries returns entries after the cursor ordered by (created, entry id) descending.
	ListEntries(ctx context.Context, userID UserID, after EntryCursor, limit int) ([]Entry, error)
	FindEntryByReference(ctx context.Context, entryType EntryType, reference ExternalReference) (Entry, error)

	CreateUpload(ctx context.Context, upload Upload) error
	GetUpload(ctx context.Context, userID UserID, uploadID UploadID) (Upload, error)
	FindUploadByIdempotencyKey(ctx context.Context, userID UserID, key IdempotencyKey) (Upload, error)
	// TransitionUpload applies the change only while the stored status equals From.
	TransitionUpload(ctx context.Context, transition UploadTransition) error
	// ListStaleUploads returns pending uploads created before the cutoff and
	// after the cursor, ordered by (created, upload id) ascending.
	ListStaleUploads(ctx context.Context, createdBeforeUnixUTC int64, after UploadCursor, limit int) ([]Upload, error)
}
