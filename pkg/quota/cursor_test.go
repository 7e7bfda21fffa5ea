package quota

import (
	"errors"
	"testing"
)

func TestParseEntryCursor(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name    string
		raw     string
		want    EntryCursor
		wantErr bool
	}{
		{name: "empty", raw: "", want: EntryCursor{}},
		{name: "blank", raw: "  ", want: EntryCursor{}},
		{name: "valid", raw: "1700000000:0190b6c4-aaaa", want: EntryCursor{CreatedUnixUTC: 1_700_000_000, EntryID: "0190b6c4-aaaa"}},
		{name: "legacy timestamp only", raw: "1700000000", wantErr: true},
		{name: "missing id", raw: "1700000000:", wantErr: true},
		{name: "bad timestamp", raw: "yesterday:abc", wantErr: true},
		{name: "negative timestamp", raw: "-5:abc", wantErr: true},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			cursor, err := ParseEntryCursor(testCase.raw)
			if testCase.wantErr {
				if !errors.Is(err, ErrInvalidCursor) || KindOf(err) != KindInvalidRequest {
					test.Fatalf("expected ErrInvalidCursor, got %v", err)
				}
				return
			}
			if err != nil {
				test.Fatalf("parse: %v", err)
			}
			if cursor != testCase.want {
				test.Fatalf("cursor = %+v, want %+v", cursor, testCase.want)
			}
		})
	}
}

func TestEntryCursorRoundTripsThroughString(test *testing.T) {
	test.Parallel()
	cursor := EntryCursorAt(Entry{EntryID: "0190b6c4-bbbb", CreatedUnixUTC: 1_700_000_123})
	parsed, err := ParseEntryCursor(cursor.String())
	if err != nil || parsed != cursor {
		test.Fatalf("round trip = %+v %v, want %+v", parsed, err, cursor)
	}
	if (EntryCursor{}).String() != "" {
		test.Fatalf("zero cursor should format as empty")
	}
}

func TestCursorAdmitsOrdering(test *testing.T) {
	test.Parallel()
	entryCursor := EntryCursor{CreatedUnixUTC: 100, EntryID: "m"}
	entryCases := []struct {
		entry Entry
		want  bool
	}{
		{entry: Entry{CreatedUnixUTC: 99, EntryID: "z"}, want: true},
		{entry: Entry{CreatedUnixUTC: 100, EntryID: "a"}, want: true},
		{entry: Entry{CreatedUnixUTC: 100, EntryID: "m"}, want: false},
		{entry: Entry{CreatedUnixUTC: 100, EntryID: "z"}, want: false},
		{entry: Entry{CreatedUnixUTC: 101, EntryID: "a"}, want: false},
	}
	for _, testCase := range entryCases {
		if got := entryCursor.Admits(testCase.entry); got != testCase.want {
			test.Fatalf("entry %+v admitted = %v, want %v", testCase.entry, got, testCase.want)
		}
	}

	uploadCursor := UploadCursor{CreatedUnixUTC: 100, UploadID: "m"}
	uploadCases := []struct {
		created int64
		id      string
		want    bool
	}{
		{created: 101, id: "a", want: true},
		{created: 100, id: "z", want: true},
		{created: 100, id: "m", want: false},
		{created: 100, id: "a", want: false},
		{created: 99, id: "z", want: false},
	}
	for _, testCase := range uploadCases {
		upload := Upload{UploadID: UploadID{value: testCase.id}, CreatedUnixUTC: testCase.created}
		if got := uploadCursor.Admits(upload); got != testCase.want {
			test.Fatalf("upload %d/%s admitted = %v, want %v", testCase.created, testCase.id, got, testCase.want)
		}
	}
	if !(UploadCursor{}).Admits(Upload{}) || !(EntryCursor{}).Admits(Entry{}) {
		test.Fatalf("zero cursors must admit everything")
	}
}
