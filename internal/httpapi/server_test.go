package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/mediaquota/internal/metrics"
	"github.com/MarkoPoloResearchLab/mediaquota/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/mediaquota/pkg/quota"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	testSigningKey    = "secret-key"
	testStripeSecret  = "whsec_test_secret"
	testStartUnixUTC  = int64(1_700_000_000)
	oneMegabyte       = int64(1 << 20)
	fiveHundredMBytes = 500 * oneMegabyte
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type apiHarness struct {
	server  *httptest.Server
	service *quota.Service
	cfg     Config
	clock   *atomic.Int64
}

func newAPIHarness(test *testing.T) *apiHarness {
	test.Helper()
	clock := &atomic.Int64{}
	clock.Store(testStartUnixUTC)
	service, err := quota.NewService(memstore.New(), clock.Load)
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	cfg := Config{
		AllowedOrigins:      []string{"http://localhost:8000"},
		SessionSigningKey:   testSigningKey,
		SessionIssuer:       "tauth",
		SessionCookieName:   "app_session",
		StripeWebhookSecret: testStripeSecret,
		RequestTimeout:      2 * time.Second,
	}
	apiServer, err := NewServer(cfg, service, metrics.NewMetrics(prometheus.NewRegistry()), zap.NewNop())
	if err != nil {
		test.Fatalf("server init failed: %v", err)
	}
	server := httptest.NewServer(apiServer.Handler())
	test.Cleanup(server.Close)
	return &apiHarness{server: server, service: service, cfg: cfg, clock: clock}
}

func (harness *apiHarness) sessionCookie(test *testing.T, userID string) *http.Cookie {
	test.Helper()
	claims := &sessionvalidator.Claims{
		UserID:          userID,
		UserEmail:       userID + "@example.com",
		UserDisplayName: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    harness.cfg.SessionIssuer,
			IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(harness.cfg.SessionSigningKey))
	if err != nil {
		test.Fatalf("token signing failed: %v", err)
	}
	return &http.Cookie{Name: harness.cfg.SessionCookieName, Value: signed}
}

func (harness *apiHarness) do(test *testing.T, method string, path string, cookie *http.Cookie, payload any, headers map[string]string) (int, []byte) {
	test.Helper()
	var body *bytes.Buffer
	if payload != nil {
		body = bytes.NewBuffer(mustJSONMarshal(test, payload))
	} else {
		body = &bytes.Buffer{}
	}
	request, err := http.NewRequest(method, harness.server.URL+path, body)
	if err != nil {
		test.Fatalf("request init failed: %v", err)
	}
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	for name, value := range headers {
		request.Header.Set(name, value)
	}
	if cookie != nil {
		request.AddCookie(cookie)
	}
	response, err := harness.server.Client().Do(request)
	if err != nil {
		test.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	raw := &bytes.Buffer{}
	if _, err := raw.ReadFrom(response.Body); err != nil {
		test.Fatalf("read body: %v", err)
	}
	return response.StatusCode, raw.Bytes()
}

func mustJSONMarshal(test *testing.T, payload any) []byte {
	test.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		test.Fatalf("marshal failed: %v", err)
	}
	return raw
}

func mustDecode[T any](test *testing.T, raw []byte) T {
	test.Helper()
	var value T
	if err := json.Unmarshal(raw, &value); err != nil {
		test.Fatalf("decode %s: %v", string(raw), err)
	}
	return value
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type summaryEnvelope struct {
	Summary summaryPayload `json:"summary"`
}

func assertErrorCode(test *testing.T, status int, raw []byte, wantStatus int, wantCode string) {
	test.Helper()
	if status != wantStatus {
		test.Fatalf("expected status %d, got %d: %s", wantStatus, status, string(raw))
	}
	envelope := mustDecode[errorEnvelope](test, raw)
	if envelope.Error.Code != wantCode {
		test.Fatalf("expected code %s, got %+v", wantCode, envelope.Error)
	}
}

func TestUploadLifecycleOverHTTP(test *testing.T) {
	harness := newAPIHarness(test)
	cookie := harness.sessionCookie(test, "alice")

	status, raw := harness.do(test, http.MethodPost, "/api/account", cookie, nil, nil)
	if status != http.StatusOK {
		test.Fatalf("open account: %d %s", status, raw)
	}
	opened := mustDecode[summaryEnvelope](test, raw)
	if opened.Summary.TotalGB != "3.00" || opened.Summary.AvailableGB != "3.00" || opened.Summary.PercentageUsed != "0.00" {
		test.Fatalf("unexpected opening summary: %+v", opened.Summary)
	}

	status, raw = harness.do(test, http.MethodGet, "/api/quota?bytes=10485760", cookie, nil, nil)
	if status != http.StatusOK {
		test.Fatalf("check quota: %d %s", status, raw)
	}
	check := mustDecode[quotaCheckPayload](test, raw)
	if !check.Allowed || check.RequiredUnits != 1000 || check.AvailableUnits != 307200 {
		test.Fatalf("unexpected quota check: %+v", check)
	}

	beginBody := map[string]any{"byte_size": 10 * oneMegabyte, "media_type": "image/jpeg; charset=binary"}
	status, raw = harness.do(test, http.MethodPost, "/api/uploads", cookie, beginBody, map[string]string{idempotencyHeader: "post-1"})
	if status != http.StatusCreated {
		test.Fatalf("begin: %d %s", status, raw)
	}
	begun := mustDecode[beginPayload](test, raw)
	if begun.RequiredUnits != 1000 || begun.Status != "pending" || begun.Replayed {
		test.Fatalf("unexpected begin: %+v", begun)
	}

	status, raw = harness.do(test, http.MethodPost, "/api/uploads", cookie, beginBody, map[string]string{idempotencyHeader: "post-1"})
	if status != http.StatusOK {
		test.Fatalf("replayed begin: %d %s", status, raw)
	}
	if replay := mustDecode[beginPayload](test, raw); replay.UploadID != begun.UploadID || !replay.Replayed {
		test.Fatalf("expected replay of %s, got %+v", begun.UploadID, replay)
	}

	status, raw = harness.do(test, http.MethodGet, "/api/summary", cookie, nil, nil)
	if status != http.StatusOK {
		test.Fatalf("summary: %d %s", status, raw)
	}
	if pending := mustDecode[summaryEnvelope](test, raw); pending.Summary.ReservedGB != "0.01" || pending.Summary.AvailableGB != "2.99" {
		test.Fatalf("unexpected pending summary: %+v", pending.Summary)
	}

	finalizeBody := map[string]any{"content_id": "bafybeigdyrzt", "media_post_id": "post-77"}
	status, raw = harness.do(test, http.MethodPost, "/api/uploads/"+begun.UploadID+"/finalize", cookie, finalizeBody, nil)
	if status != http.StatusOK {
		test.Fatalf("finalize: %d %s", status, raw)
	}
	finalized := mustDecode[uploadPayload](test, raw)
	if finalized.Status != "complete" || finalized.ContentID != "bafybeigdyrzt" || finalized.MediaPostID != "post-77" || finalized.MediaType != "image/jpeg" {
		test.Fatalf("unexpected finalized upload: %+v", finalized)
	}

	status, raw = harness.do(test, http.MethodPost, "/api/uploads/"+begun.UploadID+"/fail", cookie, map[string]any{"reason": "late"}, nil)
	assertErrorCode(test, status, raw, http.StatusConflict, "upload_already_complete")

	status, raw = harness.do(test, http.MethodGet, "/api/uploads/"+begun.UploadID, cookie, nil, nil)
	if status != http.StatusOK || mustDecode[uploadPayload](test, raw).Status != "complete" {
		test.Fatalf("get upload: %d %s", status, raw)
	}

	status, raw = harness.do(test, http.MethodGet, "/api/summary", cookie, nil, nil)
	if status != http.StatusOK {
		test.Fatalf("summary: %d %s", status, raw)
	}
	final := mustDecode[summaryEnvelope](test, raw).Summary
	if final.UsedGB != "0.01" || final.ReservedGB != "0.00" || final.AvailableGB != "2.99" || final.TotalGB != "3.00" {
		test.Fatalf("unexpected final summary: %+v", final)
	}

	status, raw = harness.do(test, http.MethodGet, "/api/ledger?limit=10", cookie, nil, nil)
	if status != http.StatusOK {
		test.Fatalf("ledger: %d %s", status, raw)
	}
	ledger := mustDecode[ledgerPayload](test, raw)
	types := map[string]int64{}
	for _, entry := range ledger.Entries {
		types[entry.Type] += entry.Delta
	}
	if len(ledger.Entries) != 2 || types["grant"] != 307200 || types["charge"] != -1000 {
		test.Fatalf("unexpected ledger: %+v", ledger.Entries)
	}
	if ledger.NextCursor != "" {
		test.Fatalf("expected no next cursor on a short page, got %q", ledger.NextCursor)
	}

	status, raw = harness.do(test, http.MethodGet, "/api/ledger?limit=1", cookie, nil, nil)
	firstPage := mustDecode[ledgerPayload](test, raw)
	if status != http.StatusOK || len(firstPage.Entries) != 1 || firstPage.NextCursor == "" {
		test.Fatalf("first page: %d %s", status, raw)
	}
	status, raw = harness.do(test, http.MethodGet, "/api/ledger?limit=1&cursor="+url.QueryEscape(firstPage.NextCursor), cookie, nil, nil)
	secondPage := mustDecode[ledgerPayload](test, raw)
	if status != http.StatusOK || len(secondPage.Entries) != 1 {
		test.Fatalf("second page: %d %s", status, raw)
	}
	if secondPage.Entries[0].EntryID == firstPage.Entries[0].EntryID || firstPage.Entries[0].CreatedUnixUTC != secondPage.Entries[0].CreatedUnixUTC {
		test.Fatalf("expected two distinct same-second entries, got %+v and %+v", firstPage.Entries[0], secondPage.Entries[0])
	}
}

func TestSummaryReportsOnlyGigabyteFields(test *testing.T) {
	harness := newAPIHarness(test)
	cookie := harness.sessionCookie(test, "carol")
	status, raw := harness.do(test, http.MethodGet, "/api/summary", cookie, nil, nil)
	if status != http.StatusOK {
		test.Fatalf("summary: %d %s", status, raw)
	}
	var envelope struct {
		Summary map[string]json.RawMessage `json:"summary"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		test.Fatalf("decode: %v", err)
	}
	want := []string{"total_gb", "used_gb", "reserved_gb", "available_gb", "percentage_used"}
	if len(envelope.Summary) != len(want) {
		test.Fatalf("expected exactly %v, got %s", want, raw)
	}
	for _, key := range want {
		if _, ok := envelope.Summary[key]; !ok {
			test.Fatalf("missing %s in %s", key, raw)
		}
	}
}

func TestStorageLimitAndFailOverHTTP(test *testing.T) {
	harness := newAPIHarness(test)
	cookie := harness.sessionCookie(test, "bob")

	var uploadIDs []string
	for index := 0; index < 6; index++ {
		status, raw := harness.do(test, http.MethodPost, "/api/uploads", cookie, map[string]any{"byte_size": fiveHundredMBytes, "media_type": "video/mp4"}, nil)
		if status != http.StatusCreated {
			test.Fatalf("begin %d: %d %s", index, status, raw)
		}
		uploadIDs = append(uploadIDs, mustDecode[beginPayload](test, raw).UploadID)
	}

	status, raw := harness.do(test, http.MethodGet, "/api/quota?bytes="+strconv.FormatInt(fiveHundredMBytes, 10), cookie, nil, nil)
	if status != http.StatusOK {
		test.Fatalf("check quota: %d %s", status, raw)
	}
	if check := mustDecode[quotaCheckPayload](test, raw); check.Allowed || check.Message == "" {
		test.Fatalf("expected quota refusal, got %+v", check)
	}

	status, raw = harness.do(test, http.MethodPost, "/api/uploads", cookie, map[string]any{"byte_size": fiveHundredMBytes, "media_type": "video/mp4"}, nil)
	assertErrorCode(test, status, raw, http.StatusConflict, "storage_limit_reached")

	status, raw = harness.do(test, http.MethodPost, "/api/uploads/"+uploadIDs[0]+"/fail", cookie, nil, nil)
	if status != http.StatusOK {
		test.Fatalf("fail: %d %s", status, raw)
	}
	failed := mustDecode[uploadPayload](test, raw)
	if failed.Status != "failed" || failed.FailureReason != quota.ReasonClientReported {
		test.Fatalf("unexpected failed upload: %+v", failed)
	}

	status, raw = harness.do(test, http.MethodPost, "/api/uploads/"+uploadIDs[0]+"/finalize", cookie, map[string]any{"content_id": "bafy-late"}, nil)
	assertErrorCode(test, status, raw, http.StatusConflict, "upload_already_failed")

	status, raw = harness.do(test, http.MethodPost, "/api/uploads", cookie, map[string]any{"byte_size": fiveHundredMBytes, "media_type": "video/mp4"}, nil)
	if status != http.StatusCreated {
		test.Fatalf("expected capacity after fail, got %d %s", status, raw)
	}
}

func TestOwnershipAndValidationOverHTTP(test *testing.T) {
	harness := newAPIHarness(test)
	owner := harness.sessionCookie(test, "owner")
	intruder := harness.sessionCookie(test, "intruder")

	status, raw := harness.do(test, http.MethodPost, "/api/uploads", owner, map[string]any{"byte_size": oneMegabyte, "media_type": "audio/mpeg"}, nil)
	if status != http.StatusCreated {
		test.Fatalf("begin: %d %s", status, raw)
	}
	uploadID := mustDecode[beginPayload](test, raw).UploadID

	status, raw = harness.do(test, http.MethodGet, "/api/uploads/"+uploadID, intruder, nil, nil)
	assertErrorCode(test, status, raw, http.StatusNotFound, "upload_not_found")
	status, raw = harness.do(test, http.MethodPost, "/api/uploads/"+uploadID+"/finalize", intruder, map[string]any{"content_id": "bafy"}, nil)
	assertErrorCode(test, status, raw, http.StatusNotFound, "upload_not_found")

	testCases := []struct {
		name   string
		method string
		path   string
		body   any
	}{
		{name: "zero size", method: http.MethodPost, path: "/api/uploads", body: map[string]any{"byte_size": 0, "media_type": "image/png"}},
		{name: "document type", method: http.MethodPost, path: "/api/uploads", body: map[string]any{"byte_size": 10, "media_type": "application/pdf"}},
		{name: "unknown type", method: http.MethodPost, path: "/api/uploads", body: map[string]any{"byte_size": 10, "media_type": "image/not-a-thing"}},
		{name: "missing bytes", method: http.MethodGet, path: "/api/quota"},
		{name: "negative bytes", method: http.MethodGet, path: "/api/quota?bytes=-4"},
		{name: "blank content id", method: http.MethodPost, path: "/api/uploads/" + uploadID + "/finalize", body: map[string]any{"content_id": " "}},
		{name: "limit too large", method: http.MethodGet, path: "/api/ledger?limit=1000"},
		{name: "timestamp cursor", method: http.MethodGet, path: "/api/ledger?cursor=1700000000"},
		{name: "garbage cursor", method: http.MethodGet, path: "/api/ledger?cursor=abc:def"},
	}
	for _, testCase := range testCases {
		status, raw := harness.do(test, testCase.method, testCase.path, owner, testCase.body, nil)
		if status != http.StatusBadRequest {
			test.Fatalf("%s: expected 400, got %d %s", testCase.name, status, raw)
		}
		if code := mustDecode[errorEnvelope](test, raw).Error.Code; code != "invalid_request" {
			test.Fatalf("%s: expected invalid_request, got %s", testCase.name, code)
		}
	}
}

func TestAPIRequiresSession(test *testing.T) {
	harness := newAPIHarness(test)
	status, _ := harness.do(test, http.MethodGet, "/api/summary", nil, nil, nil)
	if status != http.StatusUnauthorized {
		test.Fatalf("expected 401 without session, got %d", status)
	}
	forged := &http.Cookie{Name: harness.cfg.SessionCookieName, Value: "forged"}
	status, _ = harness.do(test, http.MethodGet, "/api/summary", forged, nil, nil)
	if status != http.StatusUnauthorized {
		test.Fatalf("expected 401 with forged session, got %d", status)
	}
	status, raw := harness.do(test, http.MethodGet, "/healthz", nil, nil, nil)
	if status != http.StatusOK || !bytes.Contains(raw, []byte("ok")) {
		test.Fatalf("healthz: %d %s", status, raw)
	}
	status, raw = harness.do(test, http.MethodGet, "/metrics", nil, nil, nil)
	if status != http.StatusOK || !bytes.Contains(raw, []byte("quota_http_requests_total")) {
		test.Fatalf("metrics: %d", status)
	}
}

func TestConfigValidate(test *testing.T) {
	test.Parallel()
	cfg := Config{}
	if err := cfg.Validate(); err == nil {
		test.Fatalf("expected signing key requirement")
	}
	cfg = Config{SessionSigningKey: "k"}
	if err := cfg.Validate(); err != nil {
		test.Fatalf("validate: %v", err)
	}
	if cfg.ListenAddr != defaultListenAddr || cfg.SessionCookieName != defaultSessionCookie || cfg.RequestTimeout != defaultRequestTimeout {
		test.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.StripeEnabled() {
		test.Fatalf("stripe should be disabled without a secret")
	}
	origins := ParseAllowedOrigins(" http://a.test, ,http://b.test ")
	if len(origins) != 2 || origins[0] != "http://a.test" || origins[1] != "http://b.test" {
		test.Fatalf("unexpected origins: %v", origins)
	}
}
