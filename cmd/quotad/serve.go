package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/MarkoPoloResearchLab/mediaquota/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/mediaquota/internal/httpapi"
	"github.com/MarkoPoloResearchLab/mediaquota/internal/metrics"
	"github.com/MarkoPoloResearchLab/mediaquota/internal/oplog"
	"github.com/MarkoPoloResearchLab/mediaquota/internal/servicetoken"
	"github.com/MarkoPoloResearchLab/mediaquota/internal/sweeper"
	"github.com/MarkoPoloResearchLab/mediaquota/internal/sweeplock"
	"github.com/MarkoPoloResearchLab/mediaquota/internal/uploadid"
	"github.com/MarkoPoloResearchLab/mediaquota/pkg/quota"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

// application holds the wired components shared by serve and sweep.
type application struct {
	service   *quota.Service
	scheduler *sweeper.Scheduler
	metrics   *metrics.Metrics
	closers   []func() error
	logger    *zap.Logger
}

func buildApplication(ctx context.Context, cfg runtimeConfig, logger *zap.Logger, registry *prometheus.Registry) (*application, error) {
	app := &application{logger: logger}
	if registry != nil {
		app.metrics = metrics.NewMetrics(registry)
	}

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, closeStore)

	clock := func() int64 { return time.Now().UTC().Unix() }
	ids := uploadid.NewGenerator(time.Now)
	options := []quota.ServiceOption{
		quota.WithOperationLogger(oplog.New(logger)),
		quota.WithFreeGrant(quota.Units(cfg.FreeGrantUnits)),
		quota.WithUploadIDGenerator(ids.UploadID),
	}
	if app.metrics != nil {
		options = append(options, quota.WithOperationLogger(app.metrics))
	}
	app.service, err = quota.NewService(store, clock, options...)
	if err != nil {
		_ = app.Close()
		return nil, fmt.Errorf("quota service init: %w", err)
	}

	quotaSweeper, err := quota.NewSweeper(app.service,
		quota.WithStaleAfter(cfg.StaleAfter),
		quota.WithSweepBatchSize(cfg.SweepBatchSize),
	)
	if err != nil {
		_ = app.Close()
		return nil, fmt.Errorf("sweeper init: %w", err)
	}

	schedulerOptions := []sweeper.Option{
		sweeper.WithInterval(cfg.SweepInterval),
		sweeper.WithMetrics(app.metrics),
		sweeper.WithLogger(logger.Named("sweeper")),
	}
	if cfg.RedisURL != "" {
		client, err := sweeplock.NewClient(cfg.RedisURL)
		if err != nil {
			_ = app.Close()
			return nil, err
		}
		app.closers = append(app.closers, client.Close)
		locker, err := sweeplock.NewRedisLocker(client, "")
		if err != nil {
			_ = app.Close()
			return nil, err
		}
		schedulerOptions = append(schedulerOptions, sweeper.WithLocker(locker))
	}
	app.scheduler, err = sweeper.New(quotaSweeper, schedulerOptions...)
	if err != nil {
		_ = app.Close()
		return nil, err
	}
	return app, nil
}

// Close releases connections in reverse order of acquisition.
func (app *application) Close() error {
	var closeErr error
	for index := len(app.closers) - 1; index >= 0; index-- {
		closeErr = errors.Join(closeErr, app.closers[index]())
	}
	app.closers = nil
	return closeErr
}

func runServe(ctx context.Context, cfg runtimeConfig, logger *zap.Logger) error {
	logStartup(logger, cfg)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	app, err := buildApplication(ctx, cfg, logger, registry)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := app.Close(); closeErr != nil {
			logger.Warn("close failed", zap.Error(closeErr))
		}
	}()

	httpServer, err := httpapi.NewServer(cfg.httpConfig(), app.service, app.metrics, logger.Named("http"))
	if err != nil {
		return fmt.Errorf("http api init: %w", err)
	}

	var grpcServer *grpc.Server
	if cfg.ServiceTokenSecret != "" {
		grpcServer, err = app.newAdminServer(cfg)
		if err != nil {
			return err
		}
	} else {
		logger.Warn("service token secret not set; admin gRPC API disabled")
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return httpServer.Run(groupCtx)
	})
	group.Go(func() error {
		return app.scheduler.Run(groupCtx)
	})
	if grpcServer != nil {
		group.Go(func() error {
			return serveGRPC(groupCtx, grpcServer, cfg.GRPCListenAddr, logger)
		})
	}

	err = group.Wait()
	logger.Info("quotad stopped")
	return err
}

func (app *application) newAdminServer(cfg runtimeConfig) (*grpc.Server, error) {
	authority, err := servicetoken.NewAuthority(servicetoken.Config{
		Secret: cfg.ServiceTokenSecret,
		Issuer: cfg.ServiceTokenIssuer,
	}, time.Now)
	if err != nil {
		return nil, fmt.Errorf("service token authority: %w", err)
	}
	adminLogger := app.logger.Named("admin")
	server := grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpcserver.UnaryAuthInterceptor(authority, servicetoken.ScopeAdmin, adminLogger)),
	)
	grpcserver.RegisterQuotaAdminServer(server, grpcserver.NewQuotaAdmin(app.service, app.scheduler, adminLogger))
	return server, nil
}

func serveGRPC(ctx context.Context, server *grpc.Server, address string, logger *zap.Logger) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("admin gRPC server listening", zap.String("addr", address))
		errCh <- server.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		server.GracefulStop()
		if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			return serveErr
		}
		return nil
	case serveErr := <-errCh:
		if errors.Is(serveErr, grpc.ErrServerStopped) {
			return nil
		}
		return serveErr
	}
}

type sweepReport struct {
	CutoffUnixUTC int64  `json:"cutoff_unix_utc"`
	Examined      int    `json:"examined"`
	Reclaimed     int    `json:"reclaimed"`
	Skipped       int    `json:"skipped"`
	Failed        int    `json:"failed"`
	LastError     string `json:"last_error,omitempty"`
}

func runSweep(ctx context.Context, cfg runtimeConfig, logger *zap.Logger, out io.Writer) error {
	app, err := buildApplication(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	result, err := app.scheduler.RunOnce(ctx)
	if err != nil && !errors.Is(err, sweeper.ErrLockHeld) {
		return err
	}
	if errors.Is(err, sweeper.ErrLockHeld) {
		logger.Info("another sweep holds the lock; nothing to do")
	}
	report := sweepReport{
		CutoffUnixUTC: result.CutoffUnixUTC,
		Examined:      result.Examined,
		Reclaimed:     result.Reclaimed,
		Skipped:       result.Skipped,
		Failed:        result.Failed,
	}
	if result.LastError != nil {
		report.LastError = result.LastError.Error()
	}
	return writeJSON(out, report)
}
