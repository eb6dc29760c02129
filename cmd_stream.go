package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"pipeline-board/api"
	"pipeline-board/config"
	"pipeline-board/domain"
	"pipeline-board/hub"
	"pipeline-board/reconcile"
)

func streamCmd(envFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stream",
		Short: "Run a read-only stream node",
		Long: `stream replicates the primary board from the Redis relay and serves the
board and the live event stream to viewers. It accepts no intents.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*envFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runStream(ctx, cfg, newLogger(cfg))
		},
	}
}

func runStream(ctx context.Context, cfg config.Config, logger *log.Logger) error {
	rc, err := newRedis(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if rc == nil {
		return errors.New("stream nodes require REDIS_CONNECTION_STRING")
	}
	defer rc.Close()

	h := hub.New(logger, cfg.SessionBuffer)
	defer h.Close()

	fetch := func(ctx context.Context) (domain.Snapshot, error) {
		return hub.FetchSnapshot(ctx, rc, cfg.RelaySnapshotKey)
	}
	follower := reconcile.NewFollower(fetch, h, cfg.Freshness, logger)

	// Subscribe before the first snapshot so no relayed event is missed;
	// events older than the snapshot are ignored by the replica.
	ready := make(chan struct{})
	go hub.SubscribeRelay(ctx, logger, rc, cfg.RelayChannel, ready, follower.Handle)
	select {
	case <-ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := follower.Start(ctx); err != nil {
		return fmt.Errorf("follower: %w", err)
	}

	auth, err := newAuthenticator(cfg.Auth)
	if err != nil {
		return err
	}
	e := newEcho(cfg)
	api.Register(e, api.Config{
		Board:     follower,
		Auth:      auth,
		Sessions:  h,
		Heartbeat: cfg.Heartbeat,
		Logger:    logger,
	})

	logger.WithField("channel", cfg.RelayChannel).Info("stream node started")
	return serveHTTP(ctx, e, cfg.StreamListenAddr, logger, h.Shutdown)
}
