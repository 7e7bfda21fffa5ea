// Package memstore is an in-memory quota.Store for tests and local runs.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/MarkoPoloResearchLab/mediaquota/pkg/quota"
	"github.com/google/uuid"
)

const (
	errorOperationStore = "memstore"
	errorSubjectAccount = "account"
	errorSubjectEntry   = "entry"
	errorSubjectUpload  = "upload"
	errorCodeCreate     = "create"
	errorCodeDuplicate  = "duplicate"
	errorCodeGet        = "get"
	errorCodeTransition = "transition"
)

// Store keeps all state behind one RWMutex. WithTx holds the write lock for
// the whole callback, so transactions are serialized and roll back to a
// snapshot on error.
type Store struct {
	mu    sync.RWMutex
	state *state
}

type entryKey struct {
	entryType quota.EntryType
	reference string
}

type uploadEntryKey struct {
	uploadID  quota.UploadID
	entryType quota.EntryType
}

type idempotencyKey struct {
	userID quota.UserID
	key    quota.IdempotencyKey
}

type state struct {
	accounts     map[quota.UserID]quota.Account
	uploads      map[quota.UploadID]quota.Upload
	uploadKeys   map[idempotencyKey]quota.UploadID
	entries      []quota.Entry
	references   map[entryKey]int
	uploadEntity map[uploadEntryKey]int
}

// New returns an empty Store.
func New() *Store {
	return &Store{state: newState()}
}

func newState() *state {
	return &state{
		accounts:     make(map[quota.UserID]quota.Account),
		uploads:      make(map[quota.UploadID]quota.Upload),
		uploadKeys:   make(map[idempotencyKey]quota.UploadID),
		references:   make(map[entryKey]int),
		uploadEntity: make(map[uploadEntryKey]int),
	}
}

func (current *state) snapshot() *state {
	copied := newState()
	for key, value := range current.accounts {
		copied.accounts[key] = value
	}
	for key, value := range current.uploads {
		copied.uploads[key] = value
	}
	for key, value := range current.uploadKeys {
		copied.uploadKeys[key] = value
	}
	for key, value := range current.references {
		copied.references[key] = value
	}
	for key, value := range current.uploadEntity {
		copied.uploadEntity[key] = value
	}
	copied.entries = append([]quota.Entry(nil), current.entries...)
	return copied
}

// WithTx executes fn against a transactional view.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore quota.Store) error) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	snapshot := store.state.snapshot()
	if err := fn(ctx, &txView{state: store.state}); err != nil {
		store.state = snapshot
		return err
	}
	return nil
}

func (store *Store) read(fn func(current *state) error) error {
	store.mu.RLock()
	defer store.mu.RUnlock()
	return fn(store.state)
}

func (store *Store) write(ctx context.Context, fn func(view *txView) error) error {
	return store.WithTx(ctx, func(_ context.Context, txStore quota.Store) error {
		return fn(txStore.(*txView))
	})
}

func (store *Store) CreateAccount(ctx context.Context, account quota.Account) (bool, error) {
	var created bool
	err := store.write(ctx, func(view *txView) error {
		var err error
		created, err = view.CreateAccount(ctx, account)
		return err
	})
	return created, err
}

func (store *Store) GetAccount(_ context.Context, userID quota.UserID) (quota.Account, error) {
	var account quota.Account
	err := store.read(func(current *state) error {
		var err error
		account, err = current.getAccount(userID)
		return err
	})
	return account, err
}

// LockAccount outside a transaction is a plain read.
func (store *Store) LockAccount(ctx context.Context, userID quota.UserID) (quota.Account, error) {
	return store.GetAccount(ctx, userID)
}

func (store *Store) UpdateAccount(ctx context.Context, account quota.Account) error {
	return store.write(ctx, func(view *txView) error {
		return view.UpdateAccount(ctx, account)
	})
}

func (store *Store) InsertEntry(ctx context.Context, input quota.EntryInput) (quota.Entry, error) {
	var entry quota.Entry
	err := store.write(ctx, func(view *txView) error {
		var err error
		entry, err = view.InsertEntry(ctx, input)
		return err
	})
	return entry, err
}

func (store *Store) SumEntries(_ context.Context, userID quota.UserID) (quota.SignedUnits, error) {
	var sum quota.SignedUnits
	err := store.read(func(current *state) error {
		sum = current.sumEntries(userID)
		return nil
	})
	return sum, err
}

func (store *Store) ListEntries(_ context.Context, userID quota.UserID, after quota.EntryCursor, limit int) ([]quota.Entry, error) {
	var entries []quota.Entry
	err := store.read(func(current *state) error {
		entries = current.listEntries(userID, after, limit)
		return nil
	})
	return entries, err
}

func (store *Store) FindEntryByReference(_ context.Context, entryType quota.EntryType, reference quota.ExternalReference) (quota.Entry, error) {
	var entry quota.Entry
	err := store.read(func(current *state) error {
		var err error
		entry, err = current.findEntryByReference(entryType, reference)
		return err
	})
	return entry, err
}

func (store *Store) CreateUpload(ctx context.Context, upload quota.Upload) error {
	return store.write(ctx, func(view *txView) error {
		return view.CreateUpload(ctx, upload)
	})
}

func (store *Store) GetUpload(_ context.Context, userID quota.UserID, uploadID quota.UploadID) (quota.Upload, error) {
	var upload quota.Upload
	err := store.read(func(current *state) error {
		var err error
		upload, err = current.getUpload(userID, uploadID)
		return err
	})
	return upload, err
}

func (store *Store) FindUploadByIdempotencyKey(_ context.Context, userID quota.UserID, key quota.IdempotencyKey) (quota.Upload, error) {
	var upload quota.Upload
	err := store.read(func(current *state) error {
		var err error
		upload, err = current.findUploadByKey(userID, key)
		return err
	})
	return upload, err
}

func (store *Store) TransitionUpload(ctx context.Context, transition quota.UploadTransition) error {
	return store.write(ctx, func(view *txView) error {
		return view.TransitionUpload(ctx, transition)
	})
}

func (store *Store) ListStaleUploads(_ context.Context, createdBeforeUnixUTC int64, after quota.UploadCursor, limit int) ([]quota.Upload, error) {
	var uploads []quota.Upload
	err := store.read(func(current *state) error {
		uploads = current.listStaleUploads(createdBeforeUnixUTC, after, limit)
		return nil
	})
	return uploads, err
}

// txView operates on the locked state directly.
type txView struct {
	state *state
}

func (view *txView) WithTx(ctx context.Context, fn func(ctx context.Context, txStore quota.Store) error) error {
	return fn(ctx, view)
}

func (view *txView) CreateAccount(_ context.Context, account quota.Account) (bool, error) {
	if _, exists := view.state.accounts[account.UserID]; exists {
		return false, nil
	}
	view.state.accounts[account.UserID] = account
	return true, nil
}

func (view *txView) GetAccount(_ context.Context, userID quota.UserID) (quota.Account, error) {
	return view.state.getAccount(userID)
}

func (view *txView) LockAccount(_ context.Context, userID quota.UserID) (quota.Account, error) {
	return view.state.getAccount(userID)
}

func (view *txView) UpdateAccount(_ context.Context, account quota.Account) error {
	if _, exists := view.state.accounts[account.UserID]; !exists {
		return quota.WrapError(errorOperationStore, errorSubjectAccount, errorCodeGet, quota.ErrAccountNotFound)
	}
	view.state.accounts[account.UserID] = account
	return nil
}

func (view *txView) InsertEntry(_ context.Context, input quota.EntryInput) (quota.Entry, error) {
	var referenceKey *entryKey
	if input.Reference != nil {
		referenceKey = &entryKey{entryType: input.Type, reference: input.Reference.String()}
		if _, exists := view.state.references[*referenceKey]; exists {
			return quota.Entry{}, quota.WrapError(errorOperationStore, errorSubjectEntry, errorCodeDuplicate, quota.ErrDuplicateEntry)
		}
	}
	var uploadKey *uploadEntryKey
	if input.UploadID != nil {
		uploadKey = &uploadEntryKey{uploadID: *input.UploadID, entryType: input.Type}
		if _, exists := view.state.uploadEntity[*uploadKey]; exists {
			return quota.Entry{}, quota.WrapError(errorOperationStore, errorSubjectEntry, errorCodeDuplicate, quota.ErrDuplicateEntry)
		}
	}
	entryID, err := uuid.NewV7()
	if err != nil {
		return quota.Entry{}, quota.WrapError(errorOperationStore, errorSubjectEntry, errorCodeCreate, err)
	}
	entry := quota.Entry{
		EntryID:        entryID.String(),
		UserID:         input.UserID,
		Type:           input.Type,
		Delta:          input.Delta,
		UploadID:       input.UploadID,
		Reference:      input.Reference,
		Metadata:       input.Metadata,
		CreatedUnixUTC: input.CreatedUnixUTC,
	}
	position := len(view.state.entries)
	view.state.entries = append(view.state.entries, entry)
	if referenceKey != nil {
		view.state.references[*referenceKey] = position
	}
	if uploadKey != nil {
		view.state.uploadEntity[*uploadKey] = position
	}
	return entry, nil
}

func (view *txView) SumEntries(_ context.Context, userID quota.UserID) (quota.SignedUnits, error) {
	return view.state.sumEntries(userID), nil
}

func (view *txView) ListEntries(_ context.Context, userID quota.UserID, after quota.EntryCursor, limit int) ([]quota.Entry, error) {
	return view.state.listEntries(userID, after, limit), nil
}

func (view *txView) FindEntryByReference(_ context.Context, entryType quota.EntryType, reference quota.ExternalReference) (quota.Entry, error) {
	return view.state.findEntryByReference(entryType, reference)
}

func (view *txView) CreateUpload(_ context.Context, upload quota.Upload) error {
	if _, exists := view.state.uploads[upload.UploadID]; exists {
		return quota.WrapError(errorOperationStore, errorSubjectUpload, errorCodeDuplicate, quota.ErrDuplicateEntry)
	}
	if upload.IdempotencyKey != nil {
		key := idempotencyKey{userID: upload.UserID, key: *upload.IdempotencyKey}
		if _, exists := view.state.uploadKeys[key]; exists {
			return quota.WrapError(errorOperationStore, errorSubjectUpload, errorCodeDuplicate, quota.ErrDuplicateIdempotencyKey)
		}
		view.state.uploadKeys[key] = upload.UploadID
	}
	view.state.uploads[upload.UploadID] = upload
	return nil
}

func (view *txView) GetUpload(_ context.Context, userID quota.UserID, uploadID quota.UploadID) (quota.Upload, error) {
	return view.state.getUpload(userID, uploadID)
}

func (view *txView) FindUploadByIdempotencyKey(_ context.Context, userID quota.UserID, key quota.IdempotencyKey) (quota.Upload, error) {
	return view.state.findUploadByKey(userID, key)
}

func (view *txView) TransitionUpload(_ context.Context, transition quota.UploadTransition) error {
	upload, err := view.state.getUpload(transition.UserID, transition.UploadID)
	if err != nil {
		return err
	}
	if upload.Status != transition.From || !transition.From.CanTransitionTo(transition.To) {
		return quota.WrapError(errorOperationStore, errorSubjectUpload, errorCodeTransition, quota.ErrInvalidTransition)
	}
	view.state.uploads[upload.UploadID] = transition.Apply(upload)
	return nil
}

func (view *txView) ListStaleUploads(_ context.Context, createdBeforeUnixUTC int64, after quota.UploadCursor, limit int) ([]quota.Upload, error) {
	return view.state.listStaleUploads(createdBeforeUnixUTC, after, limit), nil
}

func (current *state) getAccount(userID quota.UserID) (quota.Account, error) {
	account, exists := current.accounts[userID]
	if !exists {
		return quota.Account{}, quota.WrapError(errorOperationStore, errorSubjectAccount, errorCodeGet, quota.ErrAccountNotFound)
	}
	return account, nil
}

func (current *state) getUpload(userID quota.UserID, uploadID quota.UploadID) (quota.Upload, error) {
	upload, exists := current.uploads[uploadID]
	if !exists || upload.UserID != userID {
		return quota.Upload{}, quota.WrapError(errorOperationStore, errorSubjectUpload, errorCodeGet, quota.ErrUploadNotFound)
	}
	return upload, nil
}

func (current *state) findUploadByKey(userID quota.UserID, key quota.IdempotencyKey) (quota.Upload, error) {
	uploadID, exists := current.uploadKeys[idempotencyKey{userID: userID, key: key}]
	if !exists {
		return quota.Upload{}, quota.WrapError(errorOperationStore, errorSubjectUpload, errorCodeGet, quota.ErrUploadNotFound)
	}
	return current.getUpload(userID, uploadID)
}

func (current *state) findEntryByReference(entryType quota.EntryType, reference quota.ExternalReference) (quota.Entry, error) {
	position, exists := current.references[entryKey{entryType: entryType, reference: reference.String()}]
	if !exists {
		return quota.Entry{}, quota.WrapError(errorOperationStore, errorSubjectEntry, errorCodeGet, quota.ErrEntryNotFound)
	}
	return current.entries[position], nil
}

func (current *state) sumEntries(userID quota.UserID) quota.SignedUnits {
	var sum quota.SignedUnits
	for _, entry := range current.entries {
		if entry.UserID == userID {
			sum += entry.Delta
		}
	}
	return sum
}

// listEntries orders by (created, entry id) descending to match the SQL stores.
func (current *state) listEntries(userID quota.UserID, after quota.EntryCursor, limit int) []quota.Entry {
	entries := make([]quota.Entry, 0)
	for _, entry := range current.entries {
		if entry.UserID == userID && after.Admits(entry) {
			entries = append(entries, entry)
		}
	}
	sort.Slice(entries, func(left, right int) bool {
		if entries[left].CreatedUnixUTC == entries[right].CreatedUnixUTC {
			return entries[left].EntryID > entries[right].EntryID
		}
		return entries[left].CreatedUnixUTC > entries[right].CreatedUnixUTC
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}

func (current *state) listStaleUploads(createdBeforeUnixUTC int64, after quota.UploadCursor, limit int) []quota.Upload {
	uploads := make([]quota.Upload, 0)
	for _, upload := range current.uploads {
		if upload.Status == quota.UploadStatusPending && upload.CreatedUnixUTC < createdBeforeUnixUTC && after.Admits(upload) {
			uploads = append(uploads, upload)
		}
	}
	sort.Slice(uploads, func(left, right int) bool {
		if uploads[left].CreatedUnixUTC == uploads[right].CreatedUnixUTC {
			return uploads[left].UploadID.String() < uploads[right].UploadID.String()
		}
		return uploads[left].CreatedUnixUTC < uploads[right].CreatedUnixUTC
	})
	if len(uploads) > limit {
		uploads = uploads[:limit]
	}
	return uploads
}
