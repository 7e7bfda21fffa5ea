package quota

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Service is the upload lifecycle controller. All account mutations run
// inside Store.WithTx with the owner's account row locked.
type Service struct {
	store        Store
	nowFn        func() int64
	reservations *ReservationManager
	loggers      []OperationLogger
	freeGrant    Units
	newUploadID  func() (UploadID, error)
}

// QuotaCheck answers whether an upload of a given size would be accepted.
type QuotaCheck struct {
	Allowed        bool
	RequiredUnits  Units
	AvailableUnits Units
	Message        string
}

// BeginResult describes the pending upload created (or replayed) by Begin.
type BeginResult struct {
	UploadID      UploadID
	RequiredUnits Units
	Status        UploadStatus
	Replayed      bool
}

// Summary is the user-facing quota view. Callers render it in GB.
type Summary struct {
	TotalUnits     Units
	UsedUnits      Units
	ReservedUnits  Units
	AvailableUnits Units
	PercentageUsed decimal.Decimal
}

// GrantResult reports the balance after a grant.
type GrantResult struct {
	NewBalance Units
	Replayed   bool
}

// Reconciliation compares the ledger against the account counters.
type Reconciliation struct {
	Account   Account
	LedgerSum SignedUnits
	Drift     SignedUnits
	Balanced  bool
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	reservations, err := NewReservationManager(now)
	if err != nil {
		return nil, err
	}
	service := &Service{
		store:        store,
		nowFn:        now,
		reservations: reservations,
		freeGrant:    DefaultFreeGrantUnits,
		newUploadID:  newUUIDUploadID,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if service.freeGrant < 0 {
		return nil, fmt.Errorf("%w: free grant must not be negative", ErrInvalidServiceConfig)
	}
	return service, nil
}

// OpenAccount provisions the account with its free grant. Calling it again is a no-op.
func (service *Service) OpenAccount(ctx context.Context, userID UserID) (Account, error) {
	var (
		account Account
		created bool
	)
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		var err error
		account, created, err = service.openAccount(ctx, txStore, userID)
		return err
	})
	entry := OperationLog{
		Operation: operationOpenAccount,
		UserID:    userID,
		Units:     service.freeGrant,
		Error:     operationError,
	}
	if operationError == nil {
		entry.Account = &account
		if !created {
			entry.Status = operationStatusReplay
		}
	}
	service.logOperation(ctx, entry)
	if operationError != nil {
		return Account{}, operationError
	}
	return account, nil
}

// CheckQuota reports whether size fits the available capacity. It never mutates state.
func (service *Service) CheckQuota(ctx context.Context, userID UserID, size ByteSize) (QuotaCheck, error) {
	account, err := service.readAccount(ctx, userID)
	if err != nil {
		return QuotaCheck{}, err
	}
	required := RequiredUnits(size)
	available := account.Available()
	check := QuotaCheck{
		Allowed:        available >= required,
		RequiredUnits:  required,
		AvailableUnits: available,
	}
	if !check.Allowed {
		check.Message = fmt.Sprintf("storage limit reached: upload needs %s GB, %s GB available", FormatGB(required), FormatGB(available))
	}
	return check, nil
}

// Begin reserves capacity and records a pending upload. A repeated
// idempotency key returns the original upload unchanged.
func (service *Service) Begin(ctx context.Context, userID UserID, size ByteSize, mediaType MediaType, idempotencyKey *IdempotencyKey) (BeginResult, error) {
	var (
		upload   Upload
		replayed bool
		account  Account
	)
	var required Units
	operationError := validateBegin(userID, size, mediaType)
	if operationError == nil {
		required = RequiredUnits(size)
		operationError = service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			return service.beginLocked(ctx, txStore, userID, size, mediaType, idempotencyKey, required, &upload, &replayed, &account)
		})
	}
	if errors.Is(operationError, ErrDuplicateIdempotencyKey) && idempotencyKey != nil {
		existing, err := service.store.FindUploadByIdempotencyKey(ctx, userID, *idempotencyKey)
		if err == nil {
			upload = existing
			replayed = true
			operationError = nil
		}
	}
	entry := OperationLog{
		Operation:      operationBegin,
		UserID:         userID,
		Units:          required,
		IdempotencyKey: idempotencyKey,
		Error:          operationError,
	}
	if account.UserID == userID {
		entry.Account = &account
	}
	if operationError == nil {
		uploadRef := upload.UploadID
		entry.UploadID = &uploadRef
		if replayed {
			entry.Status = operationStatusReplay
		}
	}
	service.logOperation(ctx, entry)
	if operationError != nil {
		return BeginResult{}, operationError
	}
	return BeginResult{
		UploadID:      upload.UploadID,
		RequiredUnits: upload.RequiredUnits,
		Status:        upload.Status,
		Replayed:      replayed,
	}, nil
}

// beginLocked runs inside the Begin transaction. Results are written through
// the pointers so the caller can log partial state on failure.
func (service *Service) beginLocked(ctx context.Context, txStore Store, userID UserID, size ByteSize, mediaType MediaType, idempotencyKey *IdempotencyKey, required Units, upload *Upload, replayed *bool, account *Account) error {
	if _, err := service.lockOrOpenAccount(ctx, txStore, userID); err != nil {
		return err
	}
	if idempotencyKey != nil {
		existing, err := txStore.FindUploadByIdempotencyKey(ctx, userID, *idempotencyKey)
		if err == nil {
			*upload = existing
			*replayed = true
			return nil
		}
		if !errors.Is(err, ErrUploadNotFound) {
			return err
		}
	}
	uploadID, err := service.newUploadID()
	if err != nil {
		return err
	}
	reservedAccount, err := service.reservations.Reserve(ctx, txStore, userID, required)
	if err != nil {
		if errors.Is(err, ErrInsufficientCapacity) {
			*account = reservedAccount
			return fmt.Errorf("%w: need %d units, available %d", ErrStorageLimitReached, required, reservedAccount.Available())
		}
		return err
	}
	*account = reservedAccount
	*upload = Upload{
		UploadID:       uploadID,
		UserID:         userID,
		ByteSize:       size,
		RequiredUnits:  required,
		MediaType:      mediaType,
		Status:         UploadStatusPending,
		IdempotencyKey: idempotencyKey,
		CreatedUnixUTC: service.nowFn(),
	}
	return txStore.CreateUpload(ctx, *upload)
}

func validateBegin(userID UserID, size ByteSize, mediaType MediaType) error {
	if userID.String() == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if size <= 0 {
		return fmt.Errorf("%w: must be greater than zero", ErrInvalidByteSize)
	}
	if mediaType.String() == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidMediaType)
	}
	return nil
}

// Finalize commits the reservation of a pending upload. Finalizing a complete
// upload again returns it unchanged.
func (service *Service) Finalize(ctx context.Context, userID UserID, uploadID UploadID, contentID ContentID, mediaPostID *MediaPostID) (Upload, error) {
	var (
		result   Upload
		replayed bool
		account  Account
	)
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		upload, err := lockOwnedUpload(ctx, txStore, userID, uploadID)
		if err != nil {
			return err
		}
		switch upload.Status {
		case UploadStatusComplete:
			result = upload
			replayed = true
			return nil
		case UploadStatusFailed:
			return ErrUploadAlreadyFailed
		}
		account, err = service.reservations.Commit(ctx, txStore, userID, uploadID, upload.RequiredUnits)
		if err != nil {
			return err
		}
		contentRef := contentID
		transition := UploadTransition{
			UserID:           userID,
			UploadID:         uploadID,
			From:             UploadStatusPending,
			To:               UploadStatusComplete,
			ContentID:        &contentRef,
			MediaPostID:      mediaPostID,
			CompletedUnixUTC: service.nowFn(),
		}
		if err := txStore.TransitionUpload(ctx, transition); err != nil {
			return err
		}
		result = transition.Apply(upload)
		return nil
	})
	service.logTransition(ctx, operationFinalize, userID, uploadID, result, account, "", replayed, operationError)
	if operationError != nil {
		return Upload{}, operationError
	}
	return result, nil
}

// Fail releases the reservation of a pending upload. Failing a failed upload
// again returns it unchanged.
func (service *Service) Fail(ctx context.Context, userID UserID, uploadID UploadID, reason string) (Upload, error) {
	upload, _, err := service.fail(ctx, userID, uploadID, reason)
	return upload, err
}

func (service *Service) fail(ctx context.Context, userID UserID, uploadID UploadID, reason string) (Upload, bool, error) {
	var (
		result   Upload
		replayed bool
		account  Account
	)
	normalizedReason, operationError := NormalizeReason(reason)
	if operationError == nil {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			upload, err := lockOwnedUpload(ctx, txStore, userID, uploadID)
			if err != nil {
				return err
			}
			switch upload.Status {
			case UploadStatusFailed:
				result = upload
				replayed = true
				return nil
			case UploadStatusComplete:
				return ErrUploadAlreadyComplete
			}
			account, err = service.reservations.Release(ctx, txStore, userID, uploadID, upload.RequiredUnits, normalizedReason)
			if err != nil {
				return err
			}
			transition := UploadTransition{
				UserID:           userID,
				UploadID:         uploadID,
				From:             UploadStatusPending,
				To:               UploadStatusFailed,
				FailureReason:    normalizedReason,
				CompletedUnixUTC: service.nowFn(),
			}
			if err := txStore.TransitionUpload(ctx, transition); err != nil {
				return err
			}
			result = transition.Apply(upload)
			return nil
		})
	}
	service.logTransition(ctx, operationFail, userID, uploadID, result, account, normalizedReason, replayed, operationError)
	if operationError != nil {
		return Upload{}, false, operationError
	}
	return result, replayed, nil
}

// GetUpload returns an upload owned by userID.
func (service *Service) GetUpload(ctx context.Context, userID UserID, uploadID UploadID) (Upload, error) {
	return service.store.GetUpload(ctx, userID, uploadID)
}

// Summary returns the quota totals for display.
func (service *Service) Summary(ctx context.Context, userID UserID) (Summary, error) {
	account, err := service.readAccount(ctx, userID)
	if err != nil {
		return Summary{}, err
	}
	return Summary{
		TotalUnits:     account.Total,
		UsedUnits:      account.Spent,
		ReservedUnits:  account.Reserved,
		AvailableUnits: account.Available(),
		PercentageUsed: PercentageUsed(account.Spent, account.Total),
	}, nil
}

// Grant credits an account. With a reference, the (source, reference) pair is
// applied at most once and later calls replay the current balance.
func (service *Service) Grant(ctx context.Context, userID UserID, delta SignedUnits, source EntryType, reference *ExternalReference, metadata MetadataJSON) (GrantResult, error) {
	var (
		result  GrantResult
		account Account
	)
	operationError := validateGrant(delta, source)
	if operationError == nil {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			locked, err := service.lockOrOpenAccount(ctx, txStore, userID)
			if err != nil {
				return err
			}
			if reference != nil {
				replayed, err := replayGrant(ctx, txStore, userID, source, *reference)
				if err != nil {
					return err
				}
				if replayed {
					account = locked
					result = GrantResult{NewBalance: locked.Balance, Replayed: true}
					return nil
				}
			}
			updated, err := locked.credit(delta)
			if err != nil {
				return err
			}
			nowUnixUTC := service.nowFn()
			updated.UpdatedUnixUTC = nowUnixUTC
			if err := txStore.UpdateAccount(ctx, updated); err != nil {
				return err
			}
			entry, err := NewEntryInput(userID, source, delta, nil, reference, metadata, nowUnixUTC)
			if err != nil {
				return err
			}
			if _, err := txStore.InsertEntry(ctx, entry); err != nil {
				return err
			}
			account = updated
			result = GrantResult{NewBalance: updated.Balance}
			return nil
		})
	}
	if errors.Is(operationError, ErrDuplicateEntry) && reference != nil {
		replayed, err := replayGrant(ctx, service.store, userID, source, *reference)
		switch {
		case err != nil:
			operationError = err
		case replayed:
			current, readErr := service.store.GetAccount(ctx, userID)
			if readErr == nil {
				account = current
				result = GrantResult{NewBalance: current.Balance, Replayed: true}
				operationError = nil
			}
		}
	}
	units := Units(delta)
	if delta < 0 {
		units = Units(-delta)
	}
	entry := OperationLog{
		Operation: operationGrant,
		UserID:    userID,
		Units:     units,
		Reference: reference,
		Reason:    source.String(),
		Error:     operationError,
	}
	if operationError == nil {
		entry.Account = &account
		if result.Replayed {
			entry.Status = operationStatusReplay
		}
	}
	service.logOperation(ctx, entry)
	if operationError != nil {
		return GrantResult{}, operationError
	}
	return result, nil
}

// ListEntries returns one page of ledger entries newest first, continuing
// after the cursor. Pass EntryCursorAt(last entry) to fetch the next page.
func (service *Service) ListEntries(ctx context.Context, userID UserID, after EntryCursor, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	return service.store.ListEntries(ctx, userID, after, limit)
}

// Account returns the raw account record.
func (service *Service) Account(ctx context.Context, userID UserID) (Account, error) {
	return service.store.GetAccount(ctx, userID)
}

// Reconcile checks sum(ledger) == total - spent == balance under the account lock.
func (service *Service) Reconcile(ctx context.Context, userID UserID) (Reconciliation, error) {
	var report Reconciliation
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		account, err := txStore.LockAccount(ctx, userID)
		if err != nil {
			return err
		}
		sum, err := txStore.SumEntries(ctx, userID)
		if err != nil {
			return err
		}
		net := SignedUnits(account.Total) - SignedUnits(account.Spent)
		report = Reconciliation{
			Account:   account,
			LedgerSum: sum,
			Drift:     sum - SignedUnits(account.Balance),
			Balanced:  sum == net && net == SignedUnits(account.Balance),
		}
		return nil
	})
	entry := OperationLog{
		Operation: operationReconcile,
		UserID:    userID,
		Error:     operationError,
	}
	if operationError == nil {
		entry.Account = &report.Account
		if !report.Balanced {
			entry.Status = "drift"
		}
	}
	service.logOperation(ctx, entry)
	if operationError != nil {
		return Reconciliation{}, operationError
	}
	return report, nil
}

func (service *Service) openAccount(ctx context.Context, txStore Store, userID UserID) (Account, bool, error) {
	nowUnixUTC := service.nowFn()
	created, err := txStore.CreateAccount(ctx, NewAccount(userID, nowUnixUTC))
	if err != nil {
		return Account{}, false, err
	}
	account, err := txStore.LockAccount(ctx, userID)
	if err != nil {
		return Account{}, false, err
	}
	if !created || service.freeGrant == 0 {
		return account, created, nil
	}
	granted, err := account.credit(service.freeGrant.Signed())
	if err != nil {
		return Account{}, false, err
	}
	if err := txStore.UpdateAccount(ctx, granted); err != nil {
		return Account{}, false, err
	}
	metadata, err := NewMetadataJSON(`{"source":"` + openAccountReference + `"}`)
	if err != nil {
		return Account{}, false, err
	}
	entry, err := NewEntryInput(userID, EntryGrant, service.freeGrant.Signed(), nil, nil, metadata, nowUnixUTC)
	if err != nil {
		return Account{}, false, err
	}
	if _, err := txStore.InsertEntry(ctx, entry); err != nil {
		return Account{}, false, err
	}
	return granted, true, nil
}

func (service *Service) lockOrOpenAccount(ctx context.Context, txStore Store, userID UserID) (Account, error) {
	account, err := txStore.LockAccount(ctx, userID)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return Account{}, err
	}
	account, _, err = service.openAccount(ctx, txStore, userID)
	return account, err
}

// readAccount returns the stored account or the view a new account would have.
func (service *Service) readAccount(ctx context.Context, userID UserID) (Account, error) {
	account, err := service.store.GetAccount(ctx, userID)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return Account{}, err
	}
	return Account{
		UserID:  userID,
		Total:   service.freeGrant,
		Balance: service.freeGrant,
	}, nil
}

func (service *Service) logTransition(ctx context.Context, operation string, userID UserID, uploadID UploadID, upload Upload, account Account, reason string, replayed bool, operationError error) {
	uploadRef := uploadID
	entry := OperationLog{
		Operation: operation,
		UserID:    userID,
		UploadID:  &uploadRef,
		Units:     upload.RequiredUnits,
		Reason:    reason,
		Error:     operationError,
	}
	if account.UserID == userID {
		entry.Account = &account
	}
	if operationError == nil && replayed {
		entry.Status = operationStatusReplay
	}
	service.logOperation(ctx, entry)
}

// lockOwnedUpload serializes on the owner's account before reading the upload.
// Uploads of users without an account cannot exist, so that case is not found.
func lockOwnedUpload(ctx context.Context, txStore Store, userID UserID, uploadID UploadID) (Upload, error) {
	if _, err := txStore.LockAccount(ctx, userID); err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return Upload{}, ErrUploadNotFound
		}
		return Upload{}, err
	}
	return txStore.GetUpload(ctx, userID, uploadID)
}

func replayGrant(ctx context.Context, store Store, userID UserID, source EntryType, reference ExternalReference) (bool, error) {
	existing, err := store.FindEntryByReference(ctx, source, reference)
	if errors.Is(err, ErrEntryNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if existing.UserID != userID {
		return false, ErrReferenceConflict
	}
	return true, nil
}

func validateGrant(delta SignedUnits, source EntryType) error {
	if _, err := ParseGrantSource(source.String()); err != nil {
		return err
	}
	if delta == 0 {
		return fmt.Errorf("%w: grant delta must not be zero", ErrInvalidUnits)
	}
	if delta < 0 && source != EntryAdminAdjustment {
		return fmt.Errorf("%w: only admin adjustments may be negative", ErrInvalidUnits)
	}
	return nil
}

func newUUIDUploadID() (UploadID, error) {
	return NewUploadID(uuid.NewString())
}
