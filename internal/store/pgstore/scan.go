package pgstore

import (
	"github.com/MarkoPoloResearchLab/mediaquota/pkg/quota"
	"github.com/jackc/pgx/v5"
)

type stringer interface {
	String() string
}

func stringOrEmpty[T stringer](value *T) string {
	if value == nil {
		return ""
	}
	return (*value).String()
}

func scanEntry(row pgx.Row) (quota.Entry, error) {
	var (
		entryIDValue     string
		userIDValue      string
		entryTypeValue   string
		deltaValue       int64
		uploadIDValue    string
		referenceValue   string
		metadataValue    string
		createdAtUnixUTC int64
	)
	if err := row.Scan(
		&entryIDValue,
		&userIDValue,
		&entryTypeValue,
		&deltaValue,
		&uploadIDValue,
		&referenceValue,
		&metadataValue,
		&createdAtUnixUTC,
	); err != nil {
		return quota.Entry{}, err
	}
	userID, err := quota.NewUserID(userIDValue)
	if err != nil {
		return quota.Entry{}, err
	}
	entryType, err := quota.ParseEntryType(entryTypeValue)
	if err != nil {
		return quota.Entry{}, err
	}
	metadata, err := quota.NewMetadataJSON(metadataValue)
	if err != nil {
		return quota.Entry{}, err
	}
	entry := quota.Entry{
		EntryID:        entryIDValue,
		UserID:         userID,
		Type:           entryType,
		Delta:          quota.SignedUnits(deltaValue),
		Metadata:       metadata,
		CreatedUnixUTC: createdAtUnixUTC,
	}
	if uploadIDValue != "" {
		uploadID, err := quota.NewUploadID(uploadIDValue)
		if err != nil {
			return quota.Entry{}, err
		}
		entry.UploadID = &uploadID
	}
	reference, err := quota.NewOptionalExternalReference(referenceValue)
	if err != nil {
		return quota.Entry{}, err
	}
	entry.Reference = reference
	return entry, nil
}

func scanUpload(row pgx.Row) (quota.Upload, error) {
	var (
		uploadIDValue      string
		userIDValue        string
		keyValue           string
		byteSizeValue      int64
		requiredUnitsValue int64
		mediaTypeValue     string
		statusValue        string
		contentIDValue     string
		mediaPostIDValue   string
		failureReason      string
		createdAtUnixUTC   int64
		completedAtUnixUTC int64
	)
	if err := row.Scan(
		&uploadIDValue,
		&userIDValue,
		&keyValue,
		&byteSizeValue,
		&requiredUnitsValue,
		&mediaTypeValue,
		&statusValue,
		&contentIDValue,
		&mediaPostIDValue,
		&failureReason,
		&createdAtUnixUTC,
		&completedAtUnixUTC,
	); err != nil {
		return quota.Upload{}, err
	}
	uploadID, err := quota.NewUploadID(uploadIDValue)
	if err != nil {
		return quota.Upload{}, err
	}
	userID, err := quota.NewUserID(userIDValue)
	if err != nil {
		return quota.Upload{}, err
	}
	key, err := quota.NewOptionalIdempotencyKey(keyValue)
	if err != nil {
		return quota.Upload{}, err
	}
	byteSize, err := quota.NewByteSize(byteSizeValue)
	if err != nil {
		return quota.Upload{}, err
	}
	requiredUnits, err := quota.NewUnits(requiredUnitsValue)
	if err != nil {
		return quota.Upload{}, err
	}
	mediaType, err := quota.NewMediaType(mediaTypeValue)
	if err != nil {
		return quota.Upload{}, err
	}
	status, err := quota.ParseUploadStatus(statusValue)
	if err != nil {
		return quota.Upload{}, err
	}
	mediaPostID, err := quota.NewOptionalMediaPostID(mediaPostIDValue)
	if err != nil {
		return quota.Upload{}, err
	}
	upload := quota.Upload{
		UploadID:         uploadID,
		UserID:           userID,
		ByteSize:         byteSize,
		RequiredUnits:    requiredUnits,
		MediaType:        mediaType,
		Status:           status,
		IdempotencyKey:   key,
		MediaPostID:      mediaPostID,
		FailureReason:    failureReason,
		CreatedUnixUTC:   createdAtUnixUTC,
		CompletedUnixUTC: completedAtUnixUTC,
	}
	if contentIDValue != "" {
		contentID, err := quota.NewContentID(contentIDValue)
		if err != nil {
			return quota.Upload{}, err
		}
		upload.ContentID = &contentID
	}
	return upload, nil
}
