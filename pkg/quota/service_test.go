package quota_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/MarkoPoloResearchLab/mediaquota/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/mediaquota/pkg/quota"
)

const (
	oneMegabyte   = 1 << 20
	startUnixUTC  = 1_700_000_000
	userAlice     = "alice"
	userBob       = "bob"
	mediaTypeJPEG = "image/jpeg"
)

type fakeClock struct {
	now atomic.Int64
}

func newFakeClock() *fakeClock {
	clock := &fakeClock{}
	clock.now.Store(startUnixUTC)
	return clock
}

func (clock *fakeClock) Now() int64 {
	return clock.now.Load()
}

func (clock *fakeClock) Advance(seconds int64) {
	clock.now.Add(seconds)
}

type harness struct {
	store   *memstore.Store
	clock   *fakeClock
	service *quota.Service
}

func newHarness(test *testing.T, options ...quota.ServiceOption) harness {
	test.Helper()
	store := memstore.New()
	clock := newFakeClock()
	service, err := quota.NewService(store, clock.Now, options...)
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	return harness{store: store, clock: clock, service: service}
}

func mustUserID(test *testing.T, raw string) quota.UserID {
	test.Helper()
	userID, err := quota.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustMediaType(test *testing.T, raw string) quota.MediaType {
	test.Helper()
	mediaType, err := quota.NewMediaType(raw)
	if err != nil {
		test.Fatalf("media type: %v", err)
	}
	return mediaType
}

func mustKey(test *testing.T, raw string) *quota.IdempotencyKey {
	test.Helper()
	key, err := quota.NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	return &key
}

func mustContentID(test *testing.T, raw string) quota.ContentID {
	test.Helper()
	contentID, err := quota.NewContentID(raw)
	if err != nil {
		test.Fatalf("content id: %v", err)
	}
	return contentID
}

func mustReference(test *testing.T, raw string) *quota.ExternalReference {
	test.Helper()
	reference, err := quota.NewExternalReference(raw)
	if err != nil {
		test.Fatalf("reference: %v", err)
	}
	return &reference
}

func mustAccount(test *testing.T, h harness, userID quota.UserID) quota.Account {
	test.Helper()
	account, err := h.service.Account(context.Background(), userID)
	if err != nil {
		test.Fatalf("account lookup failed: %v", err)
	}
	return account
}

func mustBegin(test *testing.T, h harness, userID quota.UserID, size quota.ByteSize, key *quota.IdempotencyKey) quota.BeginResult {
	test.Helper()
	result, err := h.service.Begin(context.Background(), userID, size, mustMediaType(test, mediaTypeJPEG), key)
	if err != nil {
		test.Fatalf("begin failed: %v", err)
	}
	return result
}

func assertCounters(test *testing.T, account quota.Account, total, balance, spent, reserved quota.Units) {
	test.Helper()
	if account.Total != total || account.Balance != balance || account.Spent != spent || account.Reserved != reserved {
		test.Fatalf("expected total=%d balance=%d spent=%d reserved=%d, got %+v", total, balance, spent, reserved, account)
	}
}

func assertReconciled(test *testing.T, h harness, userID quota.UserID) {
	test.Helper()
	report, err := h.service.Reconcile(context.Background(), userID)
	if err != nil {
		test.Fatalf("reconcile failed: %v", err)
	}
	if !report.Balanced || report.Drift != 0 {
		test.Fatalf("expected balanced ledger, got %+v", report)
	}
	if report.Account.Reserved > report.Account.Balance {
		test.Fatalf("reserved exceeds balance: %+v", report.Account)
	}
}

func TestNewAccountReceivesFreeGrant(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	user := mustUserID(test, userAlice)
	account, err := h.service.OpenAccount(context.Background(), user)
	if err != nil {
		test.Fatalf("open account failed: %v", err)
	}
	assertCounters(test, account, 307200, 307200, 0, 0)

	again, err := h.service.OpenAccount(context.Background(), user)
	if err != nil {
		test.Fatalf("second open failed: %v", err)
	}
	assertCounters(test, again, 307200, 307200, 0, 0)

	entries, err := h.service.ListEntries(context.Background(), user, quota.EntryCursor{}, 0)
	if err != nil {
		test.Fatalf("list entries failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Type != quota.EntryGrant || entries[0].Delta != 307200 {
		test.Fatalf("expected a single free grant entry, got %+v", entries)
	}
	assertReconciled(test, h, user)
}

func TestBeginThenFinalizeChargesReservedUnits(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	user := mustUserID(test, userAlice)
	ctx := context.Background()

	begin := mustBegin(test, h, user, oneMegabyte, nil)
	if begin.RequiredUnits != 100 || begin.Status != quota.UploadStatusPending || begin.Replayed {
		test.Fatalf("unexpected begin result: %+v", begin)
	}
	afterBegin := mustAccount(test, h, user)
	assertCounters(test, afterBegin, 307200, 307200, 0, 100)
	if afterBegin.Available() != 307100 {
		test.Fatalf("expected 307100 available, got %d", afterBegin.Available())
	}

	h.clock.Advance(30)
	postID, err := quota.NewOptionalMediaPostID("post-9")
	if err != nil {
		test.Fatalf("media post id: %v", err)
	}
	upload, err := h.service.Finalize(ctx, user, begin.UploadID, mustContentID(test, "bafy-content"), postID)
	if err != nil {
		test.Fatalf("finalize failed: %v", err)
	}
	if upload.Status != quota.UploadStatusComplete || upload.ContentID == nil || upload.ContentID.String() != "bafy-content" {
		test.Fatalf("unexpected upload after finalize: %+v", upload)
	}
	if upload.MediaPostID == nil || upload.MediaPostID.String() != "post-9" || upload.CompletedUnixUTC != startUnixUTC+30 {
		test.Fatalf("expected media post id and completion time, got %+v", upload)
	}
	assertCounters(test, mustAccount(test, h, user), 307200, 307100, 100, 0)

	replay, err := h.service.Finalize(ctx, user, begin.UploadID, mustContentID(test, "other-content"), nil)
	if err != nil {
		test.Fatalf("second finalize failed: %v", err)
	}
	if replay.ContentID.String() != "bafy-content" {
		test.Fatalf("expected finalize replay to return the stored upload, got %+v", replay)
	}
	assertCounters(test, mustAccount(test, h, user), 307200, 307100, 100, 0)

	entries, err := h.service.ListEntries(ctx, user, quota.EntryCursor{}, 10)
	if err != nil {
		test.Fatalf("list entries failed: %v", err)
	}
	if len(entries) != 2 || entries[0].Type != quota.EntryCharge || entries[0].Delta != -100 {
		test.Fatalf("expected charge entry first, got %+v", entries)
	}
	if entries[0].UploadID == nil || *entries[0].UploadID != begin.UploadID {
		test.Fatalf("expected charge linked to upload, got %+v", entries[0])
	}
	assertReconciled(test, h, user)
}

func TestConcurrentBeginsReserveAtMostBalance(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	user := mustUserID(test, userAlice)
	if _, err := h.service.OpenAccount(context.Background(), user); err != nil {
		test.Fatalf("open account failed: %v", err)
	}
	const size = 2000 * oneMegabyte
	mediaType := mustMediaType(test, mediaTypeJPEG)

	var (
		waitGroup sync.WaitGroup
		start     = make(chan struct{})
		results   = make([]error, 2)
	)
	for index := range results {
		waitGroup.Add(1)
		go func(index int) {
			defer waitGroup.Done()
			<-start
			_, results[index] = h.service.Begin(context.Background(), user, size, mediaType, nil)
		}(index)
	}
	close(start)
	waitGroup.Wait()

	succeeded, limited := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, quota.ErrStorageLimitReached):
			limited++
			if quota.KindOf(err) != quota.KindStorageLimitReached {
				test.Fatalf("expected storage_limit_reached kind, got %s", quota.KindOf(err))
			}
		default:
			test.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 || limited != 1 {
		test.Fatalf("expected one success and one limit error, got %d and %d", succeeded, limited)
	}
	account := mustAccount(test, h, user)
	assertCounters(test, account, 307200, 307200, 0, 200000)
	if account.Available() != 107200 {
		test.Fatalf("expected 107200 available, got %d", account.Available())
	}
	stale, err := h.store.ListStaleUploads(context.Background(), startUnixUTC+1, quota.UploadCursor{}, 10)
	if err != nil {
		test.Fatalf("list uploads failed: %v", err)
	}
	if len(stale) != 1 {
		test.Fatalf("expected exactly one pending upload row, got %d", len(stale))
	}
}

func TestManyConcurrentBeginsNeverOverReserve(test *testing.T) {
	test.Parallel()
	h := newHarness(test, quota.WithFreeGrant(1000))
	user := mustUserID(test, userBob)
	mediaType := mustMediaType(test, mediaTypeJPEG)
	var (
		waitGroup sync.WaitGroup
		accepted  atomic.Int64
	)
	for worker := 0; worker < 25; worker++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			if _, err := h.service.Begin(context.Background(), user, oneMegabyte, mediaType, nil); err == nil {
				accepted.Add(1)
			}
		}()
	}
	waitGroup.Wait()
	if accepted.Load() != 10 {
		test.Fatalf("expected exactly 10 reservations of 100 units, got %d", accepted.Load())
	}
	account := mustAccount(test, h, user)
	assertCounters(test, account, 1000, 1000, 0, 1000)
	assertReconciled(test, h, user)
}

func TestBeginThenFailRestoresAvailability(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	user := mustUserID(test, userAlice)
	ctx := context.Background()
	begin := mustBegin(test, h, user, oneMegabyte, nil)

	upload, err := h.service.Fail(ctx, user, begin.UploadID, "")
	if err != nil {
		test.Fatalf("fail failed: %v", err)
	}
	if upload.Status != quota.UploadStatusFailed || upload.FailureReason != quota.ReasonClientReported {
		test.Fatalf("unexpected upload after fail: %+v", upload)
	}
	assertCounters(test, mustAccount(test, h, user), 307200, 307200, 0, 0)

	again, err := h.service.Fail(ctx, user, begin.UploadID, "network")
	if err != nil {
		test.Fatalf("second fail should be idempotent: %v", err)
	}
	if again.FailureReason != quota.ReasonClientReported {
		test.Fatalf("expected original reason preserved, got %q", again.FailureReason)
	}
	assertCounters(test, mustAccount(test, h, user), 307200, 307200, 0, 0)

	if _, err := h.service.Finalize(ctx, user, begin.UploadID, mustContentID(test, "late"), nil); !errors.Is(err, quota.ErrUploadAlreadyFailed) {
		test.Fatalf("expected ErrUploadAlreadyFailed, got %v", err)
	}
	entries, err := h.service.ListEntries(ctx, user, quota.EntryCursor{}, 0)
	if err != nil {
		test.Fatalf("list entries failed: %v", err)
	}
	if entries[0].Type != quota.EntryRefund || entries[0].Delta != 0 {
		test.Fatalf("expected zero-delta refund audit entry, got %+v", entries[0])
	}
	assertReconciled(test, h, user)
}

func TestFailAfterFinalizeIsRejected(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	user := mustUserID(test, userAlice)
	ctx := context.Background()
	begin := mustBegin(test, h, user, 3*oneMegabyte, nil)
	if _, err := h.service.Finalize(ctx, user, begin.UploadID, mustContentID(test, "cid"), nil); err != nil {
		test.Fatalf("finalize failed: %v", err)
	}
	_, err := h.service.Fail(ctx, user, begin.UploadID, "too late")
	if !errors.Is(err, quota.ErrUploadAlreadyComplete) || quota.KindOf(err) != quota.KindUploadAlreadyComplete {
		test.Fatalf("expected ErrUploadAlreadyComplete, got %v", err)
	}
	assertCounters(test, mustAccount(test, h, user), 307200, 306900, 300, 0)
}

func TestBeginReplaysIdempotencyKey(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	user := mustUserID(test, userAlice)
	first := mustBegin(test, h, user, oneMegabyte, mustKey(test, "k1"))
	second := mustBegin(test, h, user, 5*oneMegabyte, mustKey(test, "k1"))
	if second.UploadID != first.UploadID || second.RequiredUnits != 100 || !second.Replayed {
		test.Fatalf("expected replay of %+v, got %+v", first, second)
	}
	assertCounters(test, mustAccount(test, h, user), 307200, 307200, 0, 100)

	other := mustUserID(test, userBob)
	foreign := mustBegin(test, h, other, oneMegabyte, mustKey(test, "k1"))
	if foreign.UploadID == first.UploadID || foreign.Replayed {
		test.Fatalf("expected idempotency keys to be scoped per user, got %+v", foreign)
	}
}

func TestBeginRejectsOversizedUploadWithoutSideEffects(test *testing.T) {
	test.Parallel()
	h := newHarness(test, quota.WithFreeGrant(150))
	user := mustUserID(test, userAlice)
	_, err := h.service.Begin(context.Background(), user, 2*oneMegabyte, mustMediaType(test, mediaTypeJPEG), mustKey(test, "too-big"))
	if !errors.Is(err, quota.ErrStorageLimitReached) {
		test.Fatalf("expected ErrStorageLimitReached, got %v", err)
	}
	if _, err := h.store.FindUploadByIdempotencyKey(context.Background(), user, *mustKey(test, "too-big")); !errors.Is(err, quota.ErrUploadNotFound) {
		test.Fatalf("expected no upload row, got %v", err)
	}
	if _, err := h.service.Account(context.Background(), user); !errors.Is(err, quota.ErrAccountNotFound) {
		test.Fatalf("expected the lazily opened account to roll back, got %v", err)
	}
	exact := mustBegin(test, h, user, quota.ByteSize(oneMegabyte+oneMegabyte/2), nil)
	if exact.RequiredUnits != 150 {
		test.Fatalf("expected 150 units, got %d", exact.RequiredUnits)
	}
	assertCounters(test, mustAccount(test, h, user), 150, 150, 0, 150)
}

func TestBeginRejectsInvalidInputBeforeReserving(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name      string
		size      quota.ByteSize
		mediaType quota.MediaType
		wantErr   error
	}{
		{name: "zero size", size: 0, mediaType: mustMediaType(test, mediaTypeJPEG), wantErr: quota.ErrInvalidByteSize},
		{name: "negative size", size: -1, mediaType: mustMediaType(test, mediaTypeJPEG), wantErr: quota.ErrInvalidByteSize},
		{name: "zero media type", size: oneMegabyte, mediaType: quota.MediaType{}, wantErr: quota.ErrInvalidMediaType},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			h := newHarness(test)
			user := mustUserID(test, userAlice)
			ctx := context.Background()
			if _, err := h.service.OpenAccount(ctx, user); err != nil {
				test.Fatalf("open account failed: %v", err)
			}
			_, err := h.service.Begin(ctx, user, testCase.size, testCase.mediaType, mustKey(test, "invalid"))
			if !errors.Is(err, testCase.wantErr) || quota.KindOf(err) != quota.KindInvalidRequest {
				test.Fatalf("expected %v with invalid_request kind, got %v (%s)", testCase.wantErr, err, quota.KindOf(err))
			}
			if _, err := h.store.FindUploadByIdempotencyKey(ctx, user, *mustKey(test, "invalid")); !errors.Is(err, quota.ErrUploadNotFound) {
				test.Fatalf("expected no upload row, got %v", err)
			}
			account := mustAccount(test, h, user)
			assertCounters(test, account, quota.DefaultFreeGrantUnits, quota.DefaultFreeGrantUnits, 0, 0)
		})
	}
	if _, err := newHarness(test).service.Begin(context.Background(), quota.UserID{}, oneMegabyte, mustMediaType(test, mediaTypeJPEG), nil); !errors.Is(err, quota.ErrInvalidUserID) {
		test.Fatalf("expected ErrInvalidUserID for a zero user, got %v", err)
	}
}

func TestUploadsAreOwnerScoped(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	owner := mustUserID(test, userAlice)
	intruder := mustUserID(test, userBob)
	ctx := context.Background()
	begin := mustBegin(test, h, owner, oneMegabyte, nil)
	if _, err := h.service.OpenAccount(ctx, intruder); err != nil {
		test.Fatalf("open intruder account failed: %v", err)
	}

	if _, err := h.service.Finalize(ctx, intruder, begin.UploadID, mustContentID(test, "cid"), nil); !errors.Is(err, quota.ErrUploadNotFound) {
		test.Fatalf("finalize: expected ErrUploadNotFound, got %v", err)
	}
	if _, err := h.service.Fail(ctx, intruder, begin.UploadID, ""); !errors.Is(err, quota.ErrUploadNotFound) {
		test.Fatalf("fail: expected ErrUploadNotFound, got %v", err)
	}
	if _, err := h.service.GetUpload(ctx, intruder, begin.UploadID); !errors.Is(err, quota.ErrUploadNotFound) {
		test.Fatalf("get: expected ErrUploadNotFound, got %v", err)
	}
	stranger := mustUserID(test, "carol")
	if _, err := h.service.Finalize(ctx, stranger, begin.UploadID, mustContentID(test, "cid"), nil); !errors.Is(err, quota.ErrUploadNotFound) {
		test.Fatalf("finalize without account: expected ErrUploadNotFound, got %v", err)
	}
	upload, err := h.service.GetUpload(ctx, owner, begin.UploadID)
	if err != nil || upload.Status != quota.UploadStatusPending {
		test.Fatalf("expected owner to see pending upload, got %+v %v", upload, err)
	}
}

func TestCheckQuotaIsReadOnly(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	user := mustUserID(test, userAlice)
	ctx := context.Background()

	check, err := h.service.CheckQuota(ctx, user, oneMegabyte)
	if err != nil {
		test.Fatalf("check quota failed: %v", err)
	}
	if !check.Allowed || check.RequiredUnits != 100 || check.AvailableUnits != 307200 || check.Message != "" {
		test.Fatalf("unexpected check for a new user: %+v", check)
	}
	if _, err := h.service.Account(ctx, user); !errors.Is(err, quota.ErrAccountNotFound) {
		test.Fatalf("expected check quota not to create the account, got %v", err)
	}

	denied, err := h.service.CheckQuota(ctx, user, 4096*oneMegabyte)
	if err != nil {
		test.Fatalf("check quota failed: %v", err)
	}
	if denied.Allowed || denied.Message == "" {
		test.Fatalf("expected denial with message, got %+v", denied)
	}
}

func TestSummaryReportsUsage(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	user := mustUserID(test, userAlice)
	ctx := context.Background()
	finalized := mustBegin(test, h, user, 1024*oneMegabyte, nil)
	if _, err := h.service.Finalize(ctx, user, finalized.UploadID, mustContentID(test, "cid"), nil); err != nil {
		test.Fatalf("finalize failed: %v", err)
	}
	mustBegin(test, h, user, 512*oneMegabyte, nil)

	summary, err := h.service.Summary(ctx, user)
	if err != nil {
		test.Fatalf("summary failed: %v", err)
	}
	if summary.TotalUnits != 307200 || summary.UsedUnits != 102400 || summary.ReservedUnits != 51200 || summary.AvailableUnits != 153600 {
		test.Fatalf("unexpected summary: %+v", summary)
	}
	if quota.FormatGB(summary.UsedUnits) != "1.00" || summary.PercentageUsed.StringFixed(2) != "33.33" {
		test.Fatalf("unexpected display values: %s GB, %s%%", quota.FormatGB(summary.UsedUnits), summary.PercentageUsed.StringFixed(2))
	}
}

func TestGrantIsIdempotentOnReference(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	user := mustUserID(test, userAlice)
	ctx := context.Background()
	reference := mustReference(test, "cs_test_123")

	first, err := h.service.Grant(ctx, user, 102400, quota.EntryPurchase, reference, quota.MetadataJSON{})
	if err != nil {
		test.Fatalf("grant failed: %v", err)
	}
	if first.NewBalance != 409600 || first.Replayed {
		test.Fatalf("unexpected first grant: %+v", first)
	}
	second, err := h.service.Grant(ctx, user, 102400, quota.EntryPurchase, reference, quota.MetadataJSON{})
	if err != nil {
		test.Fatalf("replayed grant failed: %v", err)
	}
	if second.NewBalance != 409600 || !second.Replayed {
		test.Fatalf("unexpected replay: %+v", second)
	}
	assertCounters(test, mustAccount(test, h, user), 409600, 409600, 0, 0)

	other := mustUserID(test, userBob)
	if _, err := h.service.Grant(ctx, other, 102400, quota.EntryPurchase, reference, quota.MetadataJSON{}); !errors.Is(err, quota.ErrReferenceConflict) {
		test.Fatalf("expected ErrReferenceConflict, got %v", err)
	}
	if _, err := h.service.Grant(ctx, user, 500, quota.EntryAdminAdjustment, reference, quota.MetadataJSON{}); err != nil {
		test.Fatalf("same reference under another source type should apply: %v", err)
	}
	assertReconciled(test, h, user)
}

func TestGrantValidation(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	user := mustUserID(test, userAlice)
	ctx := context.Background()
	cases := []struct {
		name   string
		delta  quota.SignedUnits
		source quota.EntryType
	}{
		{name: "charge source", delta: 10, source: quota.EntryCharge},
		{name: "zero delta", delta: 0, source: quota.EntryGrant},
		{name: "negative purchase", delta: -10, source: quota.EntryPurchase},
		{name: "unknown source", delta: 10, source: quota.EntryType("bonus")},
	}
	for _, testCase := range cases {
		if _, err := h.service.Grant(ctx, user, testCase.delta, testCase.source, nil, quota.MetadataJSON{}); quota.KindOf(err) != quota.KindInvalidRequest {
			test.Fatalf("%s: expected invalid request, got %v", testCase.name, err)
		}
	}
}

func TestAdminAdjustmentCorrectsTotals(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	user := mustUserID(test, userAlice)
	ctx := context.Background()
	mustBegin(test, h, user, 1000*oneMegabyte, nil)

	result, err := h.service.Grant(ctx, user, -7200, quota.EntryAdminAdjustment, nil, quota.MetadataJSON{})
	if err != nil {
		test.Fatalf("negative adjustment failed: %v", err)
	}
	if result.NewBalance != 300000 {
		test.Fatalf("expected balance 300000, got %d", result.NewBalance)
	}
	if _, err := h.service.Grant(ctx, user, -250000, quota.EntryAdminAdjustment, nil, quota.MetadataJSON{}); !errors.Is(err, quota.ErrInsufficientCapacity) {
		test.Fatalf("expected adjustment below reserved to fail, got %v", err)
	}
	assertCounters(test, mustAccount(test, h, user), 300000, 300000, 0, 100000)
	assertReconciled(test, h, user)
}

func TestListEntriesPagesThroughSameSecondEntries(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	user := mustUserID(test, userAlice)
	ctx := context.Background()
	if _, err := h.service.OpenAccount(ctx, user); err != nil {
		test.Fatalf("open account failed: %v", err)
	}
	for index := 0; index < 4; index++ {
		if _, err := h.service.Grant(ctx, user, quota.SignedUnits(10+index), quota.EntryGrant, nil, quota.MetadataJSON{}); err != nil {
			test.Fatalf("grant failed: %v", err)
		}
	}
	h.clock.Advance(10)
	if _, err := h.service.Grant(ctx, user, 99, quota.EntryGrant, nil, quota.MetadataJSON{}); err != nil {
		test.Fatalf("grant failed: %v", err)
	}

	var listed []quota.Entry
	cursor := quota.EntryCursor{}
	for page := 0; page < 5; page++ {
		batch, err := h.service.ListEntries(ctx, user, cursor, 2)
		if err != nil {
			test.Fatalf("list failed: %v", err)
		}
		if len(batch) == 0 {
			break
		}
		if len(batch) > 2 {
			test.Fatalf("page %d exceeds limit: %d", page, len(batch))
		}
		listed = append(listed, batch...)
		cursor = quota.EntryCursorAt(batch[len(batch)-1])
	}
	if len(listed) != 6 {
		test.Fatalf("expected 6 entries across pages, got %d: %+v", len(listed), listed)
	}
	if listed[0].Delta != 99 || listed[0].CreatedUnixUTC != startUnixUTC+10 {
		test.Fatalf("expected the newest grant first, got %+v", listed[0])
	}
	seen := make(map[string]bool)
	for _, entry := range listed {
		if seen[entry.EntryID] {
			test.Fatalf("entry %s listed twice", entry.EntryID)
		}
		seen[entry.EntryID] = true
	}
	wantSameSecond := []quota.SignedUnits{13, 12, 11, 10}
	for index, want := range wantSameSecond {
		if got := listed[index+1].Delta; got != want {
			test.Fatalf("same-second entry %d: delta %d, want %d", index, got, want)
		}
	}
	if listed[5].Type != quota.EntryGrant || listed[5].Delta != quota.SignedUnits(quota.DefaultFreeGrantUnits) {
		test.Fatalf("expected the free grant last, got %+v", listed[5])
	}
}
