package pgstore

import (
	"context"
	_ "embed"
	"errors"

	"github.com/MarkoPoloResearchLab/mediaquota/pkg/quota"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintUploadIdempotency = "uniq_quota_uploads_user_idem"
	constraintReservedInBalance = "quota_accounts_reserved_within_balance"
	pgUniqueViolationCode       = "23505"
	pgCheckViolationCode        = "23514"
	errorOperationStore         = "store"
	errorSubjectAccount         = "account"
	errorSubjectBalance         = "balance"
	errorSubjectEntry           = "entry"
	errorSubjectSchema          = "schema"
	errorSubjectTransaction     = "transaction"
	errorSubjectUpload          = "upload"
	errorCodeApply              = "apply"
	errorCodeBegin              = "begin"
	errorCodeCommit             = "commit"
	errorCodeCreate             = "create"
	errorCodeDuplicate          = "duplicate"
	errorCodeGet                = "get"
	errorCodeInsert             = "insert"
	errorCodeInvalid            = "invalid"
	errorCodeList               = "list"
	errorCodeLock               = "lock"
	errorCodeLookup             = "lookup"
	errorCodeSum                = "sum"
	errorCodeTransition         = "transition"
	errorCodeUpdate             = "update"

	sqlInsertAccount = `
		insert into quota_accounts(user_id, total, spent, balance, reserved, created_at, updated_at)
		values($1, $2, $3, $4, $5, to_timestamp($6), to_timestamp($7))
		on conflict (user_id) do nothing
	`

	sqlSelectAccount = `
		select user_id, total, spent, balance, reserved,
			extract(epoch from created_at)::bigint, extract(epoch from updated_at)::bigint
		from quota_accounts
		where user_id = $1
	`

	sqlUpdateAccount = `
		update quota_accounts
		set total = $2, spent = $3, balance = $4, reserved = $5, updated_at = to_timestamp($6)
		where user_id = $1
	`

	sqlInsertEntry = `
		insert into quota_ledger_entries(
			entry_id, user_id, type, delta, upload_id, external_reference, metadata, created_at
		)
		values($1, $2, $3, $4, nullif($5,''), nullif($6,''), coalesce(nullif($7,''),'{}')::jsonb, to_timestamp($8))
	`

	sqlSumEntries = `
		select coalesce(sum(delta),0)::bigint from quota_ledger_entries where user_id = $1
	`

	sqlEntryColumns = `
		select entry_id, user_id, type, delta, coalesce(upload_id,''), coalesce(external_reference,''),
			coalesce(metadata::text,'{}'), extract(epoch from created_at)::bigint
		from quota_ledger_entries
	`

	sqlListEntriesAfter = sqlEntryColumns + `
		where user_id = $1
			and ($2::bigint = 0 or (created_at, entry_id) < (to_timestamp($2::bigint), $3::varchar))
		order by created_at desc, entry_id desc
		limit $4
	`

	sqlSelectEntryByReference = sqlEntryColumns + `
		where type = $1 and external_reference = $2
	`

	sqlInsertUpload = `
		insert into quota_uploads(
			upload_id, user_id, idempotency_key, byte_size, required_units, media_type, status,
			content_id, media_post_id, failure_reason, created_at
		)
		values($1, $2, nullif($3,''), $4, $5, $6, $7, nullif($8,''), nullif($9,''), $10, to_timestamp($11))
	`

	sqlUploadColumns = `
		select upload_id, user_id, coalesce(idempotency_key,''), byte_size, required_units, media_type, status,
			coalesce(content_id,''), coalesce(media_post_id,''), failure_reason,
			extract(epoch from created_at)::bigint, coalesce(extract(epoch from completed_at)::bigint,0)
		from quota_uploads
	`

	sqlSelectUploadForUpdate = sqlUploadColumns + `
		where upload_id = $1 and user_id = $2
		for update
	`

	sqlSelectUploadByKey = sqlUploadColumns + `
		where user_id = $1 and idempotency_key = $2
	`

	sqlListStaleUploads = sqlUploadColumns + `
		where status = 'pending' and created_at < to_timestamp($1)
			and ($2::bigint = 0 or (created_at, upload_id) > (to_timestamp($2::bigint), $3::varchar))
		order by created_at asc, upload_id asc
		limit $4
	`

	sqlTransitionUpload = `
		update quota_uploads
		set status = $4, content_id = nullif($5,''), media_post_id = nullif($6,''),
			failure_reason = $7, completed_at = to_timestamp($8)
		where upload_id = $1 and user_id = $2 and status = $3
	`
)

//go:embed schema.sql
var schemaSQL string

// queryer is satisfied by both *pgxpool.Pool and pgx.Tx.
type queryer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

// Store implements quota.Store over pgx. The pool-backed Store autocommits;
// WithTx hands fn a Store bound to the transaction.
type Store struct {
	pool *pgxpool.Pool
	db   queryer
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

// ApplySchema creates the quota tables and indexes when missing.
func ApplySchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeApply, err)
	}
	return nil
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore quota.Store) error) error {
	if store.pool == nil {
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	if err := fn(ctx, &Store{db: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) CreateAccount(ctx context.Context, account quota.Account) (bool, error) {
	tag, err := store.db.Exec(ctx, sqlInsertAccount,
		account.UserID.String(),
		account.Total.Int64(),
		account.Spent.Int64(),
		account.Balance.Int64(),
		account.Reserved.Int64(),
		account.CreatedUnixUTC,
		account.UpdatedUnixUTC,
	)
	if err != nil {
		return false, wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (store *Store) GetAccount(ctx context.Context, userID quota.UserID) (quota.Account, error) {
	return store.selectAccount(ctx, sqlSelectAccount, userID, errorCodeGet)
}

func (store *Store) LockAccount(ctx context.Context, userID quota.UserID) (quota.Account, error) {
	return store.selectAccount(ctx, sqlSelectAccount+" for update", userID, errorCodeLock)
}

func (store *Store) selectAccount(ctx context.Context, query string, userID quota.UserID, code string) (quota.Account, error) {
	var (
		userIDValue      string
		total            int64
		spent            int64
		balance          int64
		reserved         int64
		createdAtUnixUTC int64
		updatedAtUnixUTC int64
	)
	err := store.db.QueryRow(ctx, query, userID.String()).Scan(
		&userIDValue, &total, &spent, &balance, &reserved, &createdAtUnixUTC, &updatedAtUnixUTC,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return quota.Account{}, wrapStoreError(errorSubjectAccount, code, quota.ErrAccountNotFound)
		}
		return quota.Account{}, wrapStoreError(errorSubjectAccount, code, err)
	}
	parsedUserID, err := quota.NewUserID(userIDValue)
	if err != nil {
		return quota.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return quota.Account{
		UserID:         parsedUserID,
		Total:          quota.Units(total),
		Spent:          quota.Units(spent),
		Balance:        quota.Units(balance),
		Reserved:       quota.Units(reserved),
		CreatedUnixUTC: createdAtUnixUTC,
		UpdatedUnixUTC: updatedAtUnixUTC,
	}, nil
}

func (store *Store) UpdateAccount(ctx context.Context, account quota.Account) error {
	tag, err := store.db.Exec(ctx, sqlUpdateAccount,
		account.UserID.String(),
		account.Total.Int64(),
		account.Spent.Int64(),
		account.Balance.Int64(),
		account.Reserved.Int64(),
		account.UpdatedUnixUTC,
	)
	if isConstraintViolation(err, pgCheckViolationCode, constraintReservedInBalance) {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, quota.ErrInsufficientCapacity)
	}
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, quota.ErrAccountNotFound)
	}
	return nil
}

func (store *Store) InsertEntry(ctx context.Context, entryInput quota.EntryInput) (quota.Entry, error) {
	entryUUID, err := uuid.NewV7()
	if err != nil {
		return quota.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	entryID := entryUUID.String()
	_, err = store.db.Exec(ctx, sqlInsertEntry,
		entryID,
		entryInput.UserID.String(),
		entryInput.Type.String(),
		entryInput.Delta.Int64(),
		stringOrEmpty(entryInput.UploadID),
		stringOrEmpty(entryInput.Reference),
		entryInput.Metadata.String(),
		entryInput.CreatedUnixUTC,
	)
	if isConstraintViolation(err, pgUniqueViolationCode, "") {
		return quota.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeDuplicate, quota.ErrDuplicateEntry)
	}
	if err != nil {
		return quota.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return quota.Entry{
		EntryID:        entryID,
		UserID:         entryInput.UserID,
		Type:           entryInput.Type,
		Delta:          entryInput.Delta,
		UploadID:       entryInput.UploadID,
		Reference:      entryInput.Reference,
		Metadata:       entryInput.Metadata,
		CreatedUnixUTC: entryInput.CreatedUnixUTC,
	}, nil
}

func (store *Store) SumEntries(ctx context.Context, userID quota.UserID) (quota.SignedUnits, error) {
	var sum int64
	if err := store.db.QueryRow(ctx, sqlSumEntries, userID.String()).Scan(&sum); err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSum, err)
	}
	return quota.SignedUnits(sum), nil
}

func (store *Store) ListEntries(ctx context.Context, userID quota.UserID, after quota.EntryCursor, limit int) ([]quota.Entry, error) {
	rows, err := store.db.Query(ctx, sqlListEntriesAfter, userID.String(), after.CreatedUnixUTC, after.EntryID, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	entries := make([]quota.Entry, 0)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return entries, nil
}

func (store *Store) FindEntryByReference(ctx context.Context, entryType quota.EntryType, reference quota.ExternalReference) (quota.Entry, error) {
	entry, err := scanEntry(store.db.QueryRow(ctx, sqlSelectEntryByReference, entryType.String(), reference.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return quota.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeLookup, quota.ErrEntryNotFound)
		}
		return quota.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeLookup, err)
	}
	return entry, nil
}

func (store *Store) CreateUpload(ctx context.Context, upload quota.Upload) error {
	_, err := store.db.Exec(ctx, sqlInsertUpload,
		upload.UploadID.String(),
		upload.UserID.String(),
		stringOrEmpty(upload.IdempotencyKey),
		upload.ByteSize.Int64(),
		upload.RequiredUnits.Int64(),
		upload.MediaType.String(),
		upload.Status.String(),
		stringOrEmpty(upload.ContentID),
		stringOrEmpty(upload.MediaPostID),
		upload.FailureReason,
		upload.CreatedUnixUTC,
	)
	if isConstraintViolation(err, pgUniqueViolationCode, constraintUploadIdempotency) {
		return wrapStoreError(errorSubjectUpload, errorCodeDuplicate, quota.ErrDuplicateIdempotencyKey)
	}
	if isConstraintViolation(err, pgUniqueViolationCode, "") {
		return wrapStoreError(errorSubjectUpload, errorCodeDuplicate, quota.ErrDuplicateEntry)
	}
	if err != nil {
		return wrapStoreError(errorSubjectUpload, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetUpload(ctx context.Context, userID quota.UserID, uploadID quota.UploadID) (quota.Upload, error) {
	return store.selectUpload(ctx, errorCodeGet, sqlSelectUploadForUpdate, uploadID.String(), userID.String())
}

func (store *Store) FindUploadByIdempotencyKey(ctx context.Context, userID quota.UserID, key quota.IdempotencyKey) (quota.Upload, error) {
	return store.selectUpload(ctx, errorCodeLookup, sqlSelectUploadByKey, userID.String(), key.String())
}

func (store *Store) selectUpload(ctx context.Context, code string, query string, arguments ...any) (quota.Upload, error) {
	upload, err := scanUpload(store.db.QueryRow(ctx, query, arguments...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return quota.Upload{}, wrapStoreError(errorSubjectUpload, code, quota.ErrUploadNotFound)
		}
		return quota.Upload{}, wrapStoreError(errorSubjectUpload, code, err)
	}
	return upload, nil
}

func (store *Store) TransitionUpload(ctx context.Context, transition quota.UploadTransition) error {
	if !transition.From.CanTransitionTo(transition.To) {
		return wrapStoreError(errorSubjectUpload, errorCodeTransition, quota.ErrInvalidTransition)
	}
	tag, err := store.db.Exec(ctx, sqlTransitionUpload,
		transition.UploadID.String(),
		transition.UserID.String(),
		transition.From.String(),
		transition.To.String(),
		stringOrEmpty(transition.ContentID),
		stringOrEmpty(transition.MediaPostID),
		transition.FailureReason,
		transition.CompletedUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectUpload, errorCodeTransition, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectUpload, errorCodeTransition, quota.ErrInvalidTransition)
	}
	return nil
}

func (store *Store) ListStaleUploads(ctx context.Context, createdBeforeUnixUTC int64, after quota.UploadCursor, limit int) ([]quota.Upload, error) {
	rows, err := store.db.Query(ctx, sqlListStaleUploads, createdBeforeUnixUTC, after.CreatedUnixUTC, after.UploadID, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectUpload, errorCodeList, err)
	}
	defer rows.Close()
	uploads := make([]quota.Upload, 0)
	for rows.Next() {
		upload, err := scanUpload(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectUpload, errorCodeInvalid, err)
		}
		uploads = append(uploads, upload)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectUpload, errorCodeList, err)
	}
	return uploads, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return quota.WrapError(errorOperationStore, subject, code, err)
}

// isConstraintViolation matches a Postgres error code and, when constraint is
// non-empty, the violated constraint name.
func isConstraintViolation(err error, code string, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	if pgErr.Code != code {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}
