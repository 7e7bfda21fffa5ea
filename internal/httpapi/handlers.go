package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/MarkoPoloResearchLab/mediaquota/pkg/quota"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type httpHandler struct {
	logger  *zap.Logger
	service QuotaService
	cfg     Config
}

func (handler *httpHandler) handleOpenAccount(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	if _, err := handler.service.OpenAccount(requestCtx, userID); err != nil {
		handler.respondError(ctx, "open account", err)
		return
	}
	handler.respondWithSummary(ctx, requestCtx, userID)
}

func (handler *httpHandler) handleCheckQuota(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	size, err := parseByteSize(ctx.Query("bytes"))
	if err != nil {
		handler.respondError(ctx, "check quota", err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	check, err := handler.service.CheckQuota(requestCtx, userID, size)
	if err != nil {
		handler.respondError(ctx, "check quota", err)
		return
	}
	ctx.JSON(http.StatusOK, quotaCheckPayload{
		Allowed:        check.Allowed,
		RequiredUnits:  check.RequiredUnits.Int64(),
		AvailableUnits: check.AvailableUnits.Int64(),
		RequiredGB:     quota.FormatGB(check.RequiredUnits),
		AvailableGB:    quota.FormatGB(check.AvailableUnits),
		Message:        check.Message,
	})
}

func (handler *httpHandler) handleSummary(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	handler.respondWithSummary(ctx, requestCtx, userID)
}

func (handler *httpHandler) handleLedger(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	cursor, err := quota.ParseEntryCursor(ctx.Query("cursor"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(quota.KindInvalidRequest.String(), "cursor must be a next_cursor value from a previous page"))
		return
	}
	limit, err := parseOptionalInt(ctx.Query("limit"))
	if err != nil || limit < 0 || limit > quota.MaxListLimit {
		ctx.JSON(http.StatusBadRequest, errorResponse(quota.KindInvalidRequest.String(), "limit must be between 1 and "+strconv.Itoa(quota.MaxListLimit)))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	entries, err := handler.service.ListEntries(requestCtx, userID, cursor, int(limit))
	if err != nil {
		handler.respondError(ctx, "list entries", err)
		return
	}
	payload := ledgerPayload{Entries: make([]entryPayload, 0, len(entries))}
	for _, entry := range entries {
		payload.Entries = append(payload.Entries, newEntryPayload(entry))
	}
	pageSize := int(limit)
	if pageSize == 0 {
		pageSize = quota.DefaultListLimit
	}
	if len(entries) == pageSize {
		payload.NextCursor = quota.EntryCursorAt(entries[len(entries)-1]).String()
	}
	ctx.JSON(http.StatusOK, payload)
}

func (handler *httpHandler) handleBegin(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	var request beginRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(quota.KindInvalidRequest.String(), "expected JSON body"))
		return
	}
	size, err := quota.NewByteSize(request.ByteSize)
	if err != nil {
		handler.respondError(ctx, "begin", err)
		return
	}
	mediaType, err := quota.NewMediaType(request.MediaType)
	if err != nil {
		handler.respondError(ctx, "begin", err)
		return
	}
	rawKey := request.IdempotencyKey
	if headerKey := ctx.GetHeader(idempotencyHeader); headerKey != "" {
		rawKey = headerKey
	}
	idempotencyKey, err := quota.NewOptionalIdempotencyKey(rawKey)
	if err != nil {
		handler.respondError(ctx, "begin", err)
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.service.Begin(requestCtx, userID, size, mediaType, idempotencyKey)
	if err != nil {
		handler.respondError(ctx, "begin", err)
		return
	}
	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	ctx.JSON(status, beginPayload{
		UploadID:      result.UploadID.String(),
		RequiredUnits: result.RequiredUnits.Int64(),
		Status:        result.Status.String(),
		Replayed:      result.Replayed,
	})
}

func (handler *httpHandler) handleGetUpload(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	uploadID, err := quota.NewUploadID(ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, "get upload", err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	upload, err := handler.service.GetUpload(requestCtx, userID, uploadID)
	if err != nil {
		handler.respondError(ctx, "get upload", err)
		return
	}
	ctx.JSON(http.StatusOK, newUploadPayload(upload))
}

func (handler *httpHandler) handleFinalize(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	uploadID, err := quota.NewUploadID(ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, "finalize", err)
		return
	}
	var request finalizeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(quota.KindInvalidRequest.String(), "expected JSON body"))
		return
	}
	contentID, err := quota.NewContentID(request.ContentID)
	if err != nil {
		handler.respondError(ctx, "finalize", err)
		return
	}
	mediaPostID, err := quota.NewOptionalMediaPostID(request.MediaPostID)
	if err != nil {
		handler.respondError(ctx, "finalize", err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	upload, err := handler.service.Finalize(requestCtx, userID, uploadID, contentID, mediaPostID)
	if err != nil {
		handler.respondError(ctx, "finalize", err)
		return
	}
	ctx.JSON(http.StatusOK, newUploadPayload(upload))
}

func (handler *httpHandler) handleFail(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	uploadID, err := quota.NewUploadID(ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, "fail", err)
		return
	}
	var request failRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse(quota.KindInvalidRequest.String(), "expected JSON body"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	upload, err := handler.service.Fail(requestCtx, userID, uploadID, request.Reason)
	if err != nil {
		handler.respondError(ctx, "fail", err)
		return
	}
	ctx.JSON(http.StatusOK, newUploadPayload(upload))
}

func (handler *httpHandler) respondWithSummary(ctx *gin.Context, requestCtx context.Context, userID quota.UserID) {
	summary, err := handler.service.Summary(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, "summary", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"summary": newSummaryPayload(summary)})
}

func (handler *httpHandler) sessionUser(ctx *gin.Context) (quota.UserID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse(quota.KindUnauthorized.String(), "missing session"))
		return quota.UserID{}, false
	}
	userID, err := quota.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse(quota.KindUnauthorized.String(), "session has no user"))
		return quota.UserID{}, false
	}
	return userID, true
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
}

// respondError sends only the kind and its fixed message; details stay in the log.
func (handler *httpHandler) respondError(ctx *gin.Context, operation string, err error) {
	kind := quota.KindOf(err)
	if kind == quota.KindInternal {
		handler.logger.Error(operation+" failed", zap.Error(err), zap.String("path", ctx.FullPath()))
	} else {
		handler.logger.Debug(operation+" rejected", zap.Error(err), zap.String("kind", kind.String()))
	}
	ctx.JSON(statusForKind(kind), errorResponse(kind.String(), kind.Message()))
}

func parseByteSize(raw string) (quota.ByteSize, error) {
	value, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, quota.ErrInvalidByteSize
	}
	return quota.NewByteSize(value)
}

func parseOptionalInt(raw string) (int64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}
	return strconv.ParseInt(trimmed, 10, 64)
}

type beginRequest struct {
	ByteSize       int64  `json:"byte_size"`
	MediaType      string `json:"media_type"`
	IdempotencyKey string `json:"idempotency_key"`
}

type finalizeRequest struct {
	ContentID   string `json:"content_id"`
	MediaPostID string `json:"media_post_id"`
}

type failRequest struct {
	Reason string `json:"reason"`
}

type quotaCheckPayload struct {
	Allowed        bool   `json:"allowed"`
	RequiredUnits  int64  `json:"required_units"`
	AvailableUnits int64  `json:"available_units"`
	RequiredGB     string `json:"required_gb"`
	AvailableGB    string `json:"available_gb"`
	Message        string `json:"message,omitempty"`
}

type beginPayload struct {
	UploadID      string `json:"upload_id"`
	RequiredUnits int64  `json:"required_units"`
	Status        string `json:"status"`
	Replayed      bool   `json:"replayed"`
}

type summaryPayload struct {
	TotalGB        string `json:"total_gb"`
	UsedGB         string `json:"used_gb"`
	ReservedGB     string `json:"reserved_gb"`
	AvailableGB    string `json:"available_gb"`
	PercentageUsed string `json:"percentage_used"`
}

func newSummaryPayload(summary quota.Summary) summaryPayload {
	return summaryPayload{
		TotalGB:        quota.FormatGB(summary.TotalUnits),
		UsedGB:         quota.FormatGB(summary.UsedUnits),
		ReservedGB:     quota.FormatGB(summary.ReservedUnits),
		AvailableGB:    quota.FormatGB(summary.AvailableUnits),
		PercentageUsed: summary.PercentageUsed.StringFixed(2),
	}
}

type uploadPayload struct {
	UploadID         string `json:"upload_id"`
	ByteSize         int64  `json:"byte_size"`
	RequiredUnits    int64  `json:"required_units"`
	MediaType        string `json:"media_type"`
	Status           string `json:"status"`
	ContentID        string `json:"content_id,omitempty"`
	MediaPostID      string `json:"media_post_id,omitempty"`
	FailureReason    string `json:"failure_reason,omitempty"`
	CreatedUnixUTC   int64  `json:"created_unix_utc"`
	CompletedUnixUTC int64  `json:"completed_unix_utc,omitempty"`
}

func newUploadPayload(upload quota.Upload) uploadPayload {
	payload := uploadPayload{
		UploadID:         upload.UploadID.String(),
		ByteSize:         upload.ByteSize.Int64(),
		RequiredUnits:    upload.RequiredUnits.Int64(),
		MediaType:        upload.MediaType.String(),
		Status:           upload.Status.String(),
		FailureReason:    upload.FailureReason,
		CreatedUnixUTC:   upload.CreatedUnixUTC,
		CompletedUnixUTC: upload.CompletedUnixUTC,
	}
	if upload.ContentID != nil {
		payload.ContentID = upload.ContentID.String()
	}
	if upload.MediaPostID != nil {
		payload.MediaPostID = upload.MediaPostID.String()
	}
	return payload
}

type ledgerPayload struct {
	Entries    []entryPayload `json:"entries"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type entryPayload struct {
	EntryID        string          `json:"entry_id"`
	Type           string          `json:"type"`
	Delta          int64           `json:"delta"`
	UploadID       string          `json:"upload_id,omitempty"`
	Reference      string          `json:"reference,omitempty"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}

func newEntryPayload(entry quota.Entry) entryPayload {
	payload := entryPayload{
		EntryID:        entry.EntryID,
		Type:           entry.Type.String(),
		Delta:          entry.Delta.Int64(),
		Metadata:       json.RawMessage(entry.Metadata.String()),
		CreatedUnixUTC: entry.CreatedUnixUTC,
	}
	if entry.UploadID != nil {
		payload.UploadID = entry.UploadID.String()
	}
	if entry.Reference != nil {
		payload.Reference = entry.Reference.String()
	}
	return payload
}
