package quota

import (
	"fmt"
	"strconv"
	"strings"
)

const cursorSeparator = ":"

// EntryCursor is the keyset position of the last ledger entry a caller has
// seen. Pages are ordered by (CreatedUnixUTC, EntryID) descending, so entries
// sharing a second are neither skipped nor repeated. The zero value starts
// at the newest entry.
type EntryCursor struct {
	CreatedUnixUTC int64
	EntryID        string
}

// EntryCursorAt returns the cursor that continues after entry.
func EntryCursorAt(entry Entry) EntryCursor {
	return EntryCursor{CreatedUnixUTC: entry.CreatedUnixUTC, EntryID: entry.EntryID}
}

// ParseEntryCursor decodes the "<unix>:<entry_id>" form produced by String.
// An empty string yields the zero cursor.
func ParseEntryCursor(raw string) (EntryCursor, error) {
	createdUnixUTC, id, err := parseCursor(raw)
	if err != nil {
		return EntryCursor{}, err
	}
	return EntryCursor{CreatedUnixUTC: createdUnixUTC, EntryID: id}, nil
}

func (cursor EntryCursor) IsZero() bool {
	return cursor.EntryID == "" && cursor.CreatedUnixUTC == 0
}

func (cursor EntryCursor) String() string {
	return formatCursor(cursor.CreatedUnixUTC, cursor.EntryID)
}

// UploadCursor is the keyset position of the last stale upload a sweep has
// examined. Stale listings are ordered by (CreatedUnixUTC, UploadID)
// ascending. The zero value starts at the oldest upload.
type UploadCursor struct {
	CreatedUnixUTC int64
	UploadID       string
}

// UploadCursorAt returns the cursor that continues after upload.
func UploadCursorAt(upload Upload) UploadCursor {
	return UploadCursor{CreatedUnixUTC: upload.CreatedUnixUTC, UploadID: upload.UploadID.String()}
}

func (cursor UploadCursor) IsZero() bool {
	return cursor.UploadID == "" && cursor.CreatedUnixUTC == 0
}

func formatCursor(createdUnixUTC int64, id string) string {
	if id == "" && createdUnixUTC == 0 {
		return ""
	}
	return strconv.FormatInt(createdUnixUTC, 10) + cursorSeparator + id
}

func parseCursor(raw string) (int64, string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, "", nil
	}
	unixPart, id, found := strings.Cut(trimmed, cursorSeparator)
	if !found || id == "" {
		return 0, "", fmt.Errorf("%w: expected <unix>:<id>", ErrInvalidCursor)
	}
	createdUnixUTC, err := strconv.ParseInt(unixPart, 10, 64)
	if err != nil || createdUnixUTC <= 0 {
		return 0, "", fmt.Errorf("%w: bad timestamp %q", ErrInvalidCursor, unixPart)
	}
	return createdUnixUTC, id, nil
}

// Admits reports whether entry sorts strictly after the cursor in descending
// page order.
func (cursor EntryCursor) Admits(entry Entry) bool {
	if cursor.IsZero() {
		return true
	}
	if entry.CreatedUnixUTC != cursor.CreatedUnixUTC {
		return entry.CreatedUnixUTC < cursor.CreatedUnixUTC
	}
	return entry.EntryID < cursor.EntryID
}

// Admits reports whether upload sorts strictly after the cursor in ascending
// sweep order.
func (cursor UploadCursor) Admits(upload Upload) bool {
	if cursor.IsZero() {
		return true
	}
	if upload.CreatedUnixUTC != cursor.CreatedUnixUTC {
		return upload.CreatedUnixUTC > cursor.CreatedUnixUTC
	}
	return upload.UploadID.String() > cursor.UploadID
}
