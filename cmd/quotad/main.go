package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/mediaquota/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/mediaquota/internal/servicetoken"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	flagTokenSubject = "subject"
	flagTokenTTL     = "ttl"
	flagTokenScope   = "scope"
	flagAdminAddr    = "admin-addr"
	flagGrantUser    = "user"
	flagGrantUnits   = "units"
	flagGrantSource  = "source"
	flagGrantRef     = "reference"

	defaultTokenTTL  = time.Hour
	adminCallTimeout = 10 * time.Second
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd := newRootCommand()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "quotad: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "quotad",
		Short:         "Media storage quota service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServeCommand,
	}
	registerFlags(cmd.PersistentFlags())

	cmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API, the admin gRPC server and the sweep scheduler",
			RunE:  runServeCommand,
		},
		&cobra.Command{
			Use:   "sweep",
			Short: "Reclaim stale pending uploads once and exit",
			RunE:  runSweepCommand,
		},
		newTokenCommand(),
		newGrantCommand(),
	)
	return cmd
}

func runServeCommand(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	return runServe(cmd.Context(), cfg, logger)
}

func runSweepCommand(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	return runSweep(cmd.Context(), cfg, logger, cmd.OutOrStdout())
}

func newTokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an admin service token signed with the service token secret",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			subject, _ := cmd.Flags().GetString(flagTokenSubject)
			ttl, _ := cmd.Flags().GetDuration(flagTokenTTL)
			scopes, _ := cmd.Flags().GetStringSlice(flagTokenScope)
			authority, err := servicetoken.NewAuthority(servicetoken.Config{
				Secret: cfg.ServiceTokenSecret,
				Issuer: cfg.ServiceTokenIssuer,
			}, time.Now)
			if err != nil {
				return err
			}
			token, err := authority.Issue(subject, ttl, scopes...)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().String(flagTokenSubject, "quotactl", "token subject")
	cmd.Flags().Duration(flagTokenTTL, defaultTokenTTL, "token lifetime")
	cmd.Flags().StringSlice(flagTokenScope, []string{servicetoken.ScopeAdmin}, "granted scopes")
	return cmd
}

// newGrantCommand calls a running quotad's admin gRPC Grant method.
func newGrantCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Credit or correct an account through the admin gRPC API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			address, _ := cmd.Flags().GetString(flagAdminAddr)
			request := &grpcserver.GrantRequest{}
			request.UserID, _ = cmd.Flags().GetString(flagGrantUser)
			request.Units, _ = cmd.Flags().GetInt64(flagGrantUnits)
			request.Source, _ = cmd.Flags().GetString(flagGrantSource)
			request.Reference, _ = cmd.Flags().GetString(flagGrantRef)

			authority, err := servicetoken.NewAuthority(servicetoken.Config{
				Secret: cfg.ServiceTokenSecret,
				Issuer: cfg.ServiceTokenIssuer,
			}, time.Now)
			if err != nil {
				return err
			}
			token, err := authority.Issue("quotad-cli", adminCallTimeout, servicetoken.ScopeAdmin)
			if err != nil {
				return err
			}
			conn, err := grpc.NewClient(address,
				grpc.WithTransportCredentials(insecure.NewCredentials()),
				grpc.WithPerRPCCredentials(grpcserver.BearerToken{Token: token, Insecure: true}),
			)
			if err != nil {
				return fmt.Errorf("dial admin api: %w", err)
			}
			defer func() { _ = conn.Close() }()

			ctx, cancel := context.WithTimeout(cmd.Context(), adminCallTimeout)
			defer cancel()
			response, err := grpcserver.NewClient(conn).Grant(ctx, request)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), response)
		},
	}
	cmd.Flags().String(flagAdminAddr, "localhost"+defaultGRPCListenAddr, "admin gRPC address")
	cmd.Flags().String(flagGrantUser, "", "account owner")
	cmd.Flags().Int64(flagGrantUnits, 0, "signed unit delta")
	cmd.Flags().String(flagGrantSource, "grant", "entry type: grant, purchase or admin_adjustment")
	cmd.Flags().String(flagGrantRef, "", "external reference used for idempotency")
	return cmd
}

func writeJSON(out io.Writer, value any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func logStartup(logger *zap.Logger, cfg runtimeConfig) {
	logger.Info("quotad starting",
		zap.String("store_driver", cfg.StoreDriver),
		zap.String("http_addr", cfg.HTTPListenAddr),
		zap.String("grpc_addr", cfg.GRPCListenAddr),
		zap.Bool("admin_api", cfg.ServiceTokenSecret != ""),
		zap.Bool("stripe_webhook", cfg.StripeWebhookSecret != ""),
		zap.Bool("sweep_lock", cfg.RedisURL != ""),
		zap.Duration("sweep_interval", cfg.SweepInterval),
	)
}
