package gormstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/mediaquota/pkg/quota"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON   = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	errorOperationStore   = "store"
	errorSubjectAccount   = "account"
	errorSubjectBalance   = "balance"
	errorSubjectEntry     = "entry"
	errorSubjectUpload    = "upload"
	errorCodeCreate       = "create"
	errorCodeDuplicate    = "duplicate"
	errorCodeGet          = "get"
	errorCodeInsert       = "insert"
	errorCodeInvalid      = "invalid"
	errorCodeList         = "list"
	errorCodeLock         = "lock"
	errorCodeLookup       = "lookup"
	errorCodeSum          = "sum"
	errorCodeTransition   = "transition"
	errorCodeUpdate       = "update"
)

// Store implements quota.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore quota.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) CreateAccount(ctx context.Context, account quota.Account) (bool, error) {
	model := Account{
		UserID:    account.UserID.String(),
		Total:     account.Total.Int64(),
		Spent:     account.Spent.Int64(),
		Balance:   account.Balance.Int64(),
		Reserved:  account.Reserved.Int64(),
		CreatedAt: unixToTime(account.CreatedUnixUTC),
		UpdatedAt: unixToTime(account.UpdatedUnixUTC),
	}
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&model)
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectAccount, errorCodeCreate, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (store *Store) GetAccount(ctx context.Context, userID quota.UserID) (quota.Account, error) {
	return store.findAccount(store.db.WithContext(ctx), userID, errorCodeGet)
}

func (store *Store) LockAccount(ctx context.Context, userID quota.UserID) (quota.Account, error) {
	return store.findAccount(store.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), userID, errorCodeLock)
}

func (store *Store) findAccount(query *gorm.DB, userID quota.UserID, code string) (quota.Account, error) {
	var model Account
	err := query.Where("user_id = ?", userID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return quota.Account{}, wrapStoreError(errorSubjectAccount, code, quota.ErrAccountNotFound)
		}
		return quota.Account{}, wrapStoreError(errorSubjectAccount, code, err)
	}
	account, err := mapAccount(model)
	if err != nil {
		return quota.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return account, nil
}

func (store *Store) UpdateAccount(ctx context.Context, account quota.Account) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("user_id = ?", account.UserID.String()).
		Updates(map[string]interface{}{
			"total":      account.Total.Int64(),
			"spent":      account.Spent.Int64(),
			"balance":    account.Balance.Int64(),
			"reserved":   account.Reserved.Int64(),
			"updated_at": unixToTime(account.UpdatedUnixUTC),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, quota.ErrAccountNotFound)
	}
	return nil
}

func (store *Store) InsertEntry(ctx context.Context, entryInput quota.EntryInput) (quota.Entry, error) {
	model := LedgerEntry{
		UserID:            entryInput.UserID.String(),
		Type:              entryInput.Type.String(),
		Delta:             entryInput.Delta.Int64(),
		UploadID:          optionalString(entryInput.UploadID),
		ExternalReference: optionalString(entryInput.Reference),
		Metadata:          datatypesJSON(entryInput.Metadata.String()),
		CreatedAt:         unixToTime(entryInput.CreatedUnixUTC),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if _, conflict := uniqueViolation(err); conflict {
		return quota.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeDuplicate, quota.ErrDuplicateEntry)
	}
	if err != nil {
		return quota.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	entry, err := mapLedgerEntry(model)
	if err != nil {
		return quota.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entry, nil
}

func (store *Store) SumEntries(ctx context.Context, userID quota.UserID) (quota.SignedUnits, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Select("coalesce(sum(delta),0) as total").
		Where("user_id = ?", userID.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSum, err)
	}
	return quota.SignedUnits(sum.Total), nil
}

func (store *Store) ListEntries(ctx context.Context, userID quota.UserID, after quota.EntryCursor, limit int) ([]quota.Entry, error) {
	var rows []LedgerEntry
	query := store.db.WithContext(ctx).Where("user_id = ?", userID.String())
	if !after.IsZero() {
		createdAt := unixToTime(after.CreatedUnixUTC)
		query = query.Where("(created_at < ? OR (created_at = ? AND entry_id < ?))", createdAt, createdAt, after.EntryID)
	}
	err := query.
		Order("created_at DESC").
		Order("entry_id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	entries := make([]quota.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (store *Store) FindEntryByReference(ctx context.Context, entryType quota.EntryType, reference quota.ExternalReference) (quota.Entry, error) {
	var row LedgerEntry
	err := store.db.WithContext(ctx).
		Where("type = ? AND external_reference = ?", entryType.String(), reference.String()).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return quota.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeLookup, quota.ErrEntryNotFound)
		}
		return quota.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeLookup, err)
	}
	entry, err := mapLedgerEntry(row)
	if err != nil {
		return quota.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entry, nil
}

func (store *Store) CreateUpload(ctx context.Context, upload quota.Upload) error {
	model := Upload{
		UploadID:       upload.UploadID.String(),
		UserID:         upload.UserID.String(),
		IdempotencyKey: optionalString(upload.IdempotencyKey),
		ByteSize:       upload.ByteSize.Int64(),
		RequiredUnits:  upload.RequiredUnits.Int64(),
		MediaType:      upload.MediaType.String(),
		Status:         upload.Status.String(),
		ContentID:      optionalString(upload.ContentID),
		MediaPostID:    optionalString(upload.MediaPostID),
		FailureReason:  upload.FailureReason,
		CreatedAt:      unixToTime(upload.CreatedUnixUTC),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if constraint, conflict := uniqueViolation(err); conflict {
		if isIdempotencyConstraint(constraint) {
			return wrapStoreError(errorSubjectUpload, errorCodeDuplicate, quota.ErrDuplicateIdempotencyKey)
		}
		return wrapStoreError(errorSubjectUpload, errorCodeDuplicate, quota.ErrDuplicateEntry)
	}
	if err != nil {
		return wrapStoreError(errorSubjectUpload, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetUpload(ctx context.Context, userID quota.UserID, uploadID quota.UploadID) (quota.Upload, error) {
	query := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("upload_id = ? AND user_id = ?", uploadID.String(), userID.String())
	return findUpload(query, errorCodeGet)
}

func (store *Store) FindUploadByIdempotencyKey(ctx context.Context, userID quota.UserID, key quota.IdempotencyKey) (quota.Upload, error) {
	query := store.db.WithContext(ctx).
		Where("user_id = ? AND idempotency_key = ?", userID.String(), key.String())
	return findUpload(query, errorCodeLookup)
}

func (store *Store) TransitionUpload(ctx context.Context, transition quota.UploadTransition) error {
	if !transition.From.CanTransitionTo(transition.To) {
		return wrapStoreError(errorSubjectUpload, errorCodeTransition, quota.ErrInvalidTransition)
	}
	completedAt := unixToTime(transition.CompletedUnixUTC)
	result := store.db.WithContext(ctx).
		Model(&Upload{}).
		Where("upload_id = ? AND user_id = ? AND status = ?", transition.UploadID.String(), transition.UserID.String(), transition.From.String()).
		Updates(map[string]interface{}{
			"status":         transition.To.String(),
			"content_id":     optionalString(transition.ContentID),
			"media_post_id":  optionalString(transition.MediaPostID),
			"failure_reason": transition.FailureReason,
			"completed_at":   &completedAt,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectUpload, errorCodeTransition, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectUpload, errorCodeTransition, quota.ErrInvalidTransition)
	}
	return nil
}

func (store *Store) ListStaleUploads(ctx context.Context, createdBeforeUnixUTC int64, after quota.UploadCursor, limit int) ([]quota.Upload, error) {
	var rows []Upload
	query := store.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", quota.UploadStatusPending.String(), unixToTime(createdBeforeUnixUTC))
	if !after.IsZero() {
		createdAt := unixToTime(after.CreatedUnixUTC)
		query = query.Where("(created_at > ? OR (created_at = ? AND upload_id > ?))", createdAt, createdAt, after.UploadID)
	}
	err := query.
		Order("created_at ASC").
		Order("upload_id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectUpload, errorCodeList, err)
	}
	uploads := make([]quota.Upload, 0, len(rows))
	for _, row := range rows {
		upload, err := mapUpload(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectUpload, errorCodeInvalid, err)
		}
		uploads = append(uploads, upload)
	}
	return uploads, nil
}

func findUpload(query *gorm.DB, code string) (quota.Upload, error) {
	var row Upload
	if err := query.Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return quota.Upload{}, wrapStoreError(errorSubjectUpload, code, quota.ErrUploadNotFound)
		}
		return quota.Upload{}, wrapStoreError(errorSubjectUpload, code, err)
	}
	upload, err := mapUpload(row)
	if err != nil {
		return quota.Upload{}, wrapStoreError(errorSubjectUpload, errorCodeInvalid, err)
	}
	return upload, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return quota.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapAccount(row Account) (quota.Account, error) {
	userID, err := quota.NewUserID(row.UserID)
	if err != nil {
		return quota.Account{}, err
	}
	return quota.Account{
		UserID:         userID,
		Total:          quota.Units(row.Total),
		Spent:          quota.Units(row.Spent),
		Balance:        quota.Units(row.Balance),
		Reserved:       quota.Units(row.Reserved),
		CreatedUnixUTC: row.CreatedAt.Unix(),
		UpdatedUnixUTC: row.UpdatedAt.Unix(),
	}, nil
}

func mapUpload(row Upload) (quota.Upload, error) {
	uploadID, err := quota.NewUploadID(row.UploadID)
	if err != nil {
		return quota.Upload{}, err
	}
	userID, err := quota.NewUserID(row.UserID)
	if err != nil {
		return quota.Upload{}, err
	}
	byteSize, err := quota.NewByteSize(row.ByteSize)
	if err != nil {
		return quota.Upload{}, err
	}
	requiredUnits, err := quota.NewUnits(row.RequiredUnits)
	if err != nil {
		return quota.Upload{}, err
	}
	mediaType, err := quota.NewMediaType(row.MediaType)
	if err != nil {
		return quota.Upload{}, err
	}
	status, err := quota.ParseUploadStatus(row.Status)
	if err != nil {
		return quota.Upload{}, err
	}
	upload := quota.Upload{
		UploadID:       uploadID,
		UserID:         userID,
		ByteSize:       byteSize,
		RequiredUnits:  requiredUnits,
		MediaType:      mediaType,
		Status:         status,
		FailureReason:  row.FailureReason,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}
	if row.IdempotencyKey != nil {
		key, err := quota.NewIdempotencyKey(*row.IdempotencyKey)
		if err != nil {
			return quota.Upload{}, err
		}
		upload.IdempotencyKey = &key
	}
	if row.ContentID != nil {
		contentID, err := quota.NewContentID(*row.ContentID)
		if err != nil {
			return quota.Upload{}, err
		}
		upload.ContentID = &contentID
	}
	if row.MediaPostID != nil {
		mediaPostID, err := quota.NewMediaPostID(*row.MediaPostID)
		if err != nil {
			return quota.Upload{}, err
		}
		upload.MediaPostID = &mediaPostID
	}
	if row.CompletedAt != nil {
		upload.CompletedUnixUTC = row.CompletedAt.Unix()
	}
	return upload, nil
}

func mapLedgerEntry(row LedgerEntry) (quota.Entry, error) {
	userID, err := quota.NewUserID(row.UserID)
	if err != nil {
		return quota.Entry{}, err
	}
	entryType, err := quota.ParseEntryType(row.Type)
	if err != nil {
		return quota.Entry{}, err
	}
	metadata, err := quota.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return quota.Entry{}, err
	}
	entry := quota.Entry{
		EntryID:        row.EntryID,
		UserID:         userID,
		Type:           entryType,
		Delta:          quota.SignedUnits(row.Delta),
		Metadata:       metadata,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}
	if row.UploadID != nil {
		uploadID, err := quota.NewUploadID(*row.UploadID)
		if err != nil {
			return quota.Entry{}, err
		}
		entry.UploadID = &uploadID
	}
	if row.ExternalReference != nil {
		reference, err := quota.NewExternalReference(*row.ExternalReference)
		if err != nil {
			return quota.Entry{}, err
		}
		entry.Reference = &reference
	}
	return entry, nil
}

type stringer interface {
	String() string
}

func optionalString[T stringer](value *T) *string {
	if value == nil {
		return nil
	}
	raw := (*value).String()
	return &raw
}

func unixToTime(unixUTC int64) time.Time {
	return time.Unix(unixUTC, 0).UTC()
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

// uniqueViolation reports a unique-index conflict and, when the driver exposes
// it, the violated constraint (Postgres) or the failure message (SQLite).
func uniqueViolation(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.ConstraintName, pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Error(), sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return "", true
	}
	return "", false
}

func isIdempotencyConstraint(constraint string) bool {
	return constraint == indexUploadIdempotency || strings.Contains(constraint, "idempotency_key")
}
