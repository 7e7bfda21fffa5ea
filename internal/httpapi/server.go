// Package httpapi is the end-user HTTP surface of the quota engine.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/mediaquota/internal/metrics"
	"github.com/MarkoPoloResearchLab/mediaquota/pkg/quota"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	claimsContextKey    = "auth_claims"
	idempotencyHeader   = "Idempotency-Key"
	shutdownGracePeriod = 5 * time.Second
)

// QuotaService is the part of *quota.Service the HTTP API calls.
type QuotaService interface {
	OpenAccount(ctx context.Context, userID quota.UserID) (quota.Account, error)
	CheckQuota(ctx context.Context, userID quota.UserID, size quota.ByteSize) (quota.QuotaCheck, error)
	Begin(ctx context.Context, userID quota.UserID, size quota.ByteSize, mediaType quota.MediaType, idempotencyKey *quota.IdempotencyKey) (quota.BeginResult, error)
	Finalize(ctx context.Context, userID quota.UserID, uploadID quota.UploadID, contentID quota.ContentID, mediaPostID *quota.MediaPostID) (quota.Upload, error)
	Fail(ctx context.Context, userID quota.UserID, uploadID quota.UploadID, reason string) (quota.Upload, error)
	GetUpload(ctx context.Context, userID quota.UserID, uploadID quota.UploadID) (quota.Upload, error)
	Summary(ctx context.Context, userID quota.UserID) (quota.Summary, error)
	Grant(ctx context.Context, userID quota.UserID, delta quota.SignedUnits, source quota.EntryType, reference *quota.ExternalReference, metadata quota.MetadataJSON) (quota.GrantResult, error)
	ListEntries(ctx context.Context, userID quota.UserID, after quota.EntryCursor, limit int) ([]quota.Entry, error)
}

// Server owns the HTTP listener.
type Server struct {
	cfg    Config
	logger *zap.Logger
	router *gin.Engine
}

// NewServer validates cfg and builds the router.
func NewServer(cfg Config, service QuotaService, m *metrics.Metrics, logger *zap.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if service == nil {
		return nil, errors.New("quota service is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return nil, fmt.Errorf("session validator: %w", err)
	}
	handler := &httpHandler{
		logger:  logger,
		service: service,
		cfg:     cfg,
	}
	return &Server{
		cfg:    cfg,
		logger: logger,
		router: setupRouter(cfg, handler, validator, m),
	}, nil
}

// Handler exposes the router, mainly for tests.
func (server *Server) Handler() http.Handler {
	return server.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              server.cfg.ListenAddr,
		Handler:           server.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("http api listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler, validator *sessionvalidator.Validator, m *metrics.Metrics) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(m.GinMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", idempotencyHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(m.Handler()))

	if cfg.StripeEnabled() {
		router.POST("/webhooks/stripe", handler.handleStripeWebhook)
	}

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey))

	api.POST("/account", handler.handleOpenAccount)
	api.GET("/quota", handler.handleCheckQuota)
	api.GET("/summary", handler.handleSummary)
	api.GET("/ledger", handler.handleLedger)
	api.POST("/uploads", handler.handleBegin)
	api.GET("/uploads/:id", handler.handleGetUpload)
	api.POST("/uploads/:id/finalize", handler.handleFinalize)
	api.POST("/uploads/:id/fail", handler.handleFail)

	return router
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

func statusForKind(kind quota.ErrorKind) int {
	switch kind {
	case quota.KindInvalidRequest:
		return http.StatusBadRequest
	case quota.KindUnauthorized:
		return http.StatusUnauthorized
	case quota.KindStorageLimitReached, quota.KindUploadAlreadyFailed, quota.KindUploadAlreadyComplete:
		return http.StatusConflict
	case quota.KindUploadNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
