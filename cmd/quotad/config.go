package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/mediaquota/internal/httpapi"
	"github.com/MarkoPoloResearchLab/mediaquota/internal/sweeper"
	"github.com/MarkoPoloResearchLab/mediaquota/pkg/quota"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	envPrefix = "QUOTAD"

	flagDatabaseURL         = "database-url"
	flagStoreDriver         = "store-driver"
	flagHTTPListenAddr      = "http-listen-addr"
	flagGRPCListenAddr      = "grpc-listen-addr"
	flagAllowedOrigins      = "allowed-origins"
	flagSessionSigningKey   = "session-signing-key"
	flagSessionIssuer       = "session-issuer"
	flagSessionCookie       = "session-cookie"
	flagServiceTokenSecret  = "service-token-secret"
	flagServiceTokenIssuer  = "service-token-issuer"
	flagStripeWebhookSecret = "stripe-webhook-secret"
	flagRedisURL            = "redis-url"
	flagSweepInterval       = "sweep-interval"
	flagStaleAfter          = "stale-after"
	flagSweepBatchSize      = "sweep-batch-size"
	flagFreeGrantUnits      = "free-grant-units"
	flagRequestTimeout      = "request-timeout"
	flagLogLevel            = "log-level"

	storeDriverGorm   = "gorm"
	storeDriverPgx    = "pgx"
	storeDriverMemory = "memory"

	defaultDatabaseURL    = "sqlite:///tmp/mediaquota.db"
	defaultHTTPListenAddr = ":8080"
	defaultGRPCListenAddr = ":7000"
	defaultSweepInterval  = 10 * time.Minute
	defaultLogLevel       = "info"
)

type runtimeConfig struct {
	DatabaseURL         string
	StoreDriver         string
	HTTPListenAddr      string
	GRPCListenAddr      string
	AllowedOrigins      []string
	SessionSigningKey   string
	SessionIssuer       string
	SessionCookieName   string
	ServiceTokenSecret  string
	ServiceTokenIssuer  string
	StripeWebhookSecret string
	RedisURL            string
	SweepInterval       time.Duration
	StaleAfter          time.Duration
	SweepBatchSize      int
	FreeGrantUnits      int64
	RequestTimeout      time.Duration
	LogLevel            string
}

func registerFlags(flags *pflag.FlagSet) {
	flags.String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL URL, sqlite:// URL or sqlite file path")
	flags.String(flagStoreDriver, storeDriverGorm, "store implementation: gorm, pgx or memory")
	flags.String(flagHTTPListenAddr, defaultHTTPListenAddr, "HTTP API listen address")
	flags.String(flagGRPCListenAddr, defaultGRPCListenAddr, "admin gRPC listen address")
	flags.String(flagAllowedOrigins, "", "comma-separated CORS origins")
	flags.String(flagSessionSigningKey, "", "tauth session signing key")
	flags.String(flagSessionIssuer, "tauth", "tauth session issuer")
	flags.String(flagSessionCookie, "app_session", "tauth session cookie name")
	flags.String(flagServiceTokenSecret, "", "HS256 secret for admin service tokens")
	flags.String(flagServiceTokenIssuer, "mediaquota", "issuer for admin service tokens")
	flags.String(flagStripeWebhookSecret, "", "Stripe webhook signing secret; empty disables the webhook")
	flags.String(flagRedisURL, "", "redis URL for the sweep lock; empty sweeps without a lock")
	flags.Duration(flagSweepInterval, defaultSweepInterval, "sweep period in whole minutes (under an hour) or whole hours dividing a day")
	flags.Duration(flagStaleAfter, quota.DefaultStaleAfter, "age after which pending uploads are reclaimed")
	flags.Int(flagSweepBatchSize, quota.DefaultSweepBatchSize, "uploads fetched per sweep page")
	flags.Int64(flagFreeGrantUnits, int64(quota.DefaultFreeGrantUnits), "units granted when an account opens")
	flags.Duration(flagRequestTimeout, 5*time.Second, "per-request store timeout")
	flags.String(flagLogLevel, defaultLogLevel, "zap log level")
}

// loadConfig layers flags over QUOTAD_* environment variables over defaults.
func loadConfig(cmd *cobra.Command) (runtimeConfig, error) {
	settings := viper.New()
	settings.SetEnvPrefix(envPrefix)
	settings.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	settings.AutomaticEnv()
	if err := settings.BindPFlags(cmd.Flags()); err != nil {
		return runtimeConfig{}, err
	}
	if err := settings.BindEnv(flagDatabaseURL, envPrefix+"_DATABASE_URL", "DATABASE_URL"); err != nil {
		return runtimeConfig{}, err
	}

	cfg := runtimeConfig{
		DatabaseURL:         settings.GetString(flagDatabaseURL),
		StoreDriver:         strings.ToLower(strings.TrimSpace(settings.GetString(flagStoreDriver))),
		HTTPListenAddr:      settings.GetString(flagHTTPListenAddr),
		GRPCListenAddr:      settings.GetString(flagGRPCListenAddr),
		AllowedOrigins:      httpapi.ParseAllowedOrigins(settings.GetString(flagAllowedOrigins)),
		SessionSigningKey:   settings.GetString(flagSessionSigningKey),
		SessionIssuer:       settings.GetString(flagSessionIssuer),
		SessionCookieName:   settings.GetString(flagSessionCookie),
		ServiceTokenSecret:  settings.GetString(flagServiceTokenSecret),
		ServiceTokenIssuer:  settings.GetString(flagServiceTokenIssuer),
		StripeWebhookSecret: settings.GetString(flagStripeWebhookSecret),
		RedisURL:            settings.GetString(flagRedisURL),
		SweepInterval:       settings.GetDuration(flagSweepInterval),
		StaleAfter:          settings.GetDuration(flagStaleAfter),
		SweepBatchSize:      settings.GetInt(flagSweepBatchSize),
		FreeGrantUnits:      settings.GetInt64(flagFreeGrantUnits),
		RequestTimeout:      settings.GetDuration(flagRequestTimeout),
		LogLevel:            settings.GetString(flagLogLevel),
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	return cfg, cfg.Validate()
}

// Validate checks the settings every command needs.
func (cfg runtimeConfig) Validate() error {
	switch cfg.StoreDriver {
	case storeDriverGorm, storeDriverPgx, storeDriverMemory:
	default:
		return fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}
	if cfg.StoreDriver == storeDriverPgx && !isPostgresURL(cfg.DatabaseURL) {
		return fmt.Errorf("store driver pgx requires a postgres database url")
	}
	if _, err := sweeper.CronSchedule(cfg.SweepInterval); err != nil {
		return err
	}
	if cfg.FreeGrantUnits < 0 {
		return fmt.Errorf("free grant units must not be negative")
	}
	if _, err := zapcore.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	return nil
}

func (cfg runtimeConfig) httpConfig() httpapi.Config {
	return httpapi.Config{
		ListenAddr:          cfg.HTTPListenAddr,
		AllowedOrigins:      cfg.AllowedOrigins,
		SessionSigningKey:   cfg.SessionSigningKey,
		SessionIssuer:       cfg.SessionIssuer,
		SessionCookieName:   cfg.SessionCookieName,
		StripeWebhookSecret: cfg.StripeWebhookSecret,
		RequestTimeout:      cfg.RequestTimeout,
	}
}

func newLogger(level string) (*zap.Logger, error) {
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zapConfig := zap.NewProductionConfig()
	zapConfig.Level = zap.NewAtomicLevelAt(parsed)
	return zapConfig.Build()
}
