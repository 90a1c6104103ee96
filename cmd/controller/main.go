package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danielpatrickdp/capture-engine/go-core/internal/audit"
	"github.com/danielpatrickdp/capture-engine/go-core/internal/buffer"
	"github.com/danielpatrickdp/capture-engine/go-core/internal/config"
	"github.com/danielpatrickdp/capture-engine/go-core/internal/control"
	"github.com/danielpatrickdp/capture-engine/go-core/internal/recovery"
	"github.com/danielpatrickdp/capture-engine/go-core/internal/snapstore"
	"github.com/danielpatrickdp/capture-engine/go-core/internal/statesync"
	"github.com/danielpatrickdp/capture-engine/go-core/internal/telemetry"
	"github.com/danielpatrickdp/capture-engine/go-core/internal/txn"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	_ "modernc.org/sqlite"
)

// #region main
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	logger := cfg.Logger(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error().Err(err).Msg("controller stopped")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	shutdown, err := telemetry.Setup(ctx, "capture-controller", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			logger.Warn().Err(err).Msg("telemetry shutdown")
		}
	}()

	auditDB, err := sql.Open("sqlite", cfg.AuditDBPath)
	if err != nil {
		return fmt.Errorf("open audit db: %w", err)
	}
	defer auditDB.Close()
	auditDB.SetMaxOpenConns(1)
	auditLog, err := audit.Open(auditDB)
	if err != nil {
		return err
	}

	store, closer, err := snapstore.Open[string](cfg.SnapshotBackend, cfg.SnapshotPath, logger)
	if err != nil {
		return fmt.Errorf("open snapshot store: %w", err)
	}
	defer closer.Close()

	bufReporter, txReporter, conn, err := reporters(cfg, logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	syncCfg := statesync.DefaultConfig()
	syncCfg.RetryAttempts = cfg.SyncRetryAttempts
	syncCfg.RetryDelay = cfg.SyncRetryDelay
	syncCfg.MaxSyncLag = cfg.SyncMaxLag

	bufSync, err := statesync.New[buffer.State](syncCfg, bufReporter,
		statesync.WithLogger[buffer.State](logger),
		statesync.WithObserver[buffer.State](audit.NewObserver[buffer.State](auditLog)))
	if err != nil {
		return err
	}
	defer bufSync.Close()
	txSync, err := statesync.New[txn.State](syncCfg, txReporter,
		statesync.WithLogger[txn.State](logger),
		statesync.WithObserver[txn.State](audit.NewObserver[txn.State](auditLog)))
	if err != nil {
		return err
	}
	defer txSync.Close()

	pool, err := buffer.NewPool(buffer.Config{MaxBuffers: cfg.MaxBuffers, HistorySize: cfg.StateHistorySize}, bufSync, buffer.WithLogger(logger))
	if err != nil {
		return err
	}

	recCfg := recovery.DefaultConfig()
	recCfg.SnapshotInterval = cfg.SnapshotInterval
	recCfg.MaxSnapshots = cfg.MaxSnapshots
	recCfg.RetentionPeriod = cfg.RetentionPeriod
	mgr, err := recovery.New[string](recCfg, store, recovery.WithLogger[string](logger))
	if err != nil {
		return err
	}
	if err := mgr.LoadPoints(ctx); err != nil {
		logger.Warn().Err(err).Msg("recovery point index not loaded")
	}

	coord, err := txn.NewCoordinator(
		txn.WithLogger(logger),
		txn.WithExecutor(txn.KindBufferAllocation, pool),
		txn.WithStateSync(txSync),
		txn.WithRecovery(mgr),
	)
	if err != nil {
		return err
	}
	if err := mgr.Track("buffers", recovery.Named[buffer.State](bufSync)); err != nil {
		return err
	}
	if err := mgr.Track("transactions", recovery.Named[txn.State](coord)); err != nil {
		return err
	}

	go bufSync.Run(ctx)
	go txSync.Run(ctx)
	go mgr.Run(ctx)

	logger.Info().
		Str("snapshot_backend", cfg.SnapshotBackend).
		Str("snapshot_path", cfg.SnapshotPath).
		Str("control_plane", cfg.ControlPlaneAddr).
		Int("recovery_points", len(mgr.RecoveryPoints())).
		Msg("capture controller ready")

	if err := allocateCaptureBuffer(ctx, cfg, coord, pool, logger); err != nil {
		logger.Error().Err(err).Msg("startup allocation failed")
	}

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	fctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if p, err := mgr.CreateRecoveryPoint(fctx, map[string]string{"trigger": "shutdown"}); err != nil {
		logger.Error().Err(err).Msg("final recovery point failed")
	} else {
		logger.Info().Str("point_id", p.ID).Msg("final recovery point created")
	}
	if n, err := mgr.CleanupOldSnapshots(fctx); err != nil {
		logger.Warn().Err(err).Msg("snapshot cleanup failed")
	} else if n > 0 {
		logger.Info().Int("deleted", n).Msg("old snapshots removed")
	}
	coord.CleanupFinished(0)
	return nil
}

// #endregion main

// #region wiring
// reporters returns control-plane reporters sharing one connection, or log
// reporters when no address is configured.
func reporters(cfg config.Config, logger zerolog.Logger) (statesync.Reporter[buffer.State], statesync.Reporter[txn.State], io.Closer, error) {
	if cfg.ControlPlaneAddr == "" {
		return control.LogReporter[buffer.State](logger), control.LogReporter[txn.State](logger), noConn{}, nil
	}
	conn, err := grpc.NewClient(cfg.ControlPlaneAddr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("grpc dial %s: %w", cfg.ControlPlaneAddr, err)
	}
	opts := []control.Option{control.WithTimeout(cfg.ControlPlaneTimeout), control.WithLogger(logger)}
	return control.NewGRPCReporterWithConn[buffer.State](conn, opts...),
		control.NewGRPCReporterWithConn[txn.State](conn, opts...),
		conn, nil
}

// allocateCaptureBuffer runs the startup allocation as a two-phase
// transaction with a pre-commit recovery point.
func allocateCaptureBuffer(ctx context.Context, cfg config.Config, coord *txn.Coordinator, pool *buffer.Pool, logger zerolog.Logger) error {
	txCfg, err := txn.NewConfigBuilder().
		Timeout(cfg.TxTimeout).
		MaxRetries(cfg.TxMaxRetries).
		Recovery(txn.RetryPolicy{MaxAttempts: cfg.TxMaxRetries + 1, Delay: 50 * time.Millisecond}).
		RecoveryEnabled(true).
		Metadata("purpose", "startup").
		Build()
	if err != nil {
		return err
	}
	tx, err := coord.Begin(ctx, txCfg, txn.BufferAllocation{BufferID: "rx0", Size: 64 << 10, Memory: txn.MemoryHeap})
	if err != nil {
		return err
	}
	if err := coord.Prepare(ctx, tx); err != nil {
		return err
	}
	if err := coord.Commit(ctx, tx); err != nil {
		return err
	}
	logger.Info().
		Str("transaction_id", tx.ID).
		Str("recovery_point", tx.RecoveryPointID()).
		Interface("buffers", pool.States()).
		Msg("capture buffer allocated")
	return nil
}

type noConn struct{}

func (noConn) Close() error { return nil }

// #endregion wiring
