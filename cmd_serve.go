package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"pipeline-board/api"
	"pipeline-board/board"
	"pipeline-board/config"
	"pipeline-board/domain"
	"pipeline-board/hub"
	"pipeline-board/storage"
)

func serveCmd(envFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the primary board node",
		Long: `serve owns the board: it accepts intents over HTTP, applies them in one
order, streams events to viewers, persists them through the outbox and, when
Redis is configured, relays them to stream nodes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*envFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runPrimary(ctx, cfg, newLogger(cfg))
		},
	}
}

func runPrimary(ctx context.Context, cfg config.Config, logger *log.Logger) error {
	backend, closeBackend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBackend()

	rc, err := newRedis(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if rc != nil {
		defer rc.Close()
		backend = storage.NewCache(backend, rc, cfg.SnapshotCacheTTL, logger)
	}

	outbox, err := storage.OpenOutbox(cfg.Outbox, backend, logger)
	if err != nil {
		return fmt.Errorf("outbox: %w", err)
	}
	defer func() {
		if err := outbox.Close(); err != nil {
			logger.WithError(err).Error("outbox close failed")
		}
	}()
	// Events left from the previous run must reach the backend before the
	// board is loaded from it.
	if err := outbox.Drain(ctx); err != nil {
		return fmt.Errorf("drain outbox: %w", err)
	}

	h := hub.New(logger, cfg.SessionBuffer)
	defer h.Close()

	opts := []board.Option{
		board.WithSink(outbox),
		board.WithLogger(logger),
		board.WithMutationTimeout(cfg.MutationTimeout),
		board.WithFreshnessPolicy(cfg.Freshness),
	}
	var relay *hub.Relay
	var engine *board.Engine
	if rc != nil {
		relay = hub.NewRelay(rc, cfg.RelayChannel, cfg.RelaySnapshotKey, cfg.RelayBuffer,
			func(ctx context.Context) (domain.Snapshot, error) { return engine.Snapshot(ctx) }, logger)
		opts = append(opts, board.WithSink(relay))
	}
	engine = board.NewEngine(board.NewStore(cfg.DefaultThreshold), h, opts...)
	outbox.SetSnapshotSource(engine.Snapshot)

	if err := engine.Bootstrap(ctx, backend, cfg.Seed); err != nil {
		return err
	}
	if relay != nil {
		if err := hub.StoreSnapshot(ctx, rc, cfg.RelaySnapshotKey, engine.Snapshot); err != nil {
			logger.WithError(err).Warn("initial snapshot mirror failed")
		}
		go relay.Run(ctx)
	}

	apiCfg := api.Config{
		Board:     engine,
		Mutator:   engine,
		Outbox:    outbox,
		Sessions:  h,
		Heartbeat: cfg.Heartbeat,
		Logger:    logger,
	}
	if apiCfg.Auth, err = newAuthenticator(cfg.Auth); err != nil {
		return err
	}
	if rc != nil {
		apiCfg.Deduper = api.NewRedisDeduper(rc, cfg.DedupeTTL)
	}

	e := newEcho(cfg)
	api.Register(e, apiCfg)

	logger.WithFields(log.Fields{
		"epoch":   engine.Epoch(),
		"backend": cfg.Backend,
		"relay":   relay != nil,
	}).Info("primary node started")
	return serveHTTP(ctx, e, cfg.ListenAddr, logger, h.Shutdown)
}
