package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo-contrib/pprof"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"pipeline-board/api"
	"pipeline-board/config"
	"pipeline-board/domain"
	"pipeline-board/storage"
)

func newLogger(cfg config.Config) *log.Logger {
	logger := log.New()
	if cfg.Debug {
		logger.SetLevel(log.DebugLevel)
	}
	if cfg.LogFormat == "json" {
		logger.SetFormatter(&log.JSONFormatter{})
	}
	return logger
}

// redisOptions accepts both redis:// URLs and the Azure Cache style
// "host:port,password=...,ssl=True" connection string.
func redisOptions(conn string) *redis.Options {
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(strings.TrimSpace(kv[1]), "true") {
				opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			}
		}
	}
	return opts
}

// newRedis returns nil when no connection string is configured.
func newRedis(ctx context.Context, cfg config.Config, logger *log.Logger) (*redis.Client, error) {
	if cfg.RedisConnString == "" {
		return nil, nil
	}
	rc := redis.NewClient(redisOptions(cfg.RedisConnString))
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rc.Ping(pingCtx).Err(); err != nil {
		rc.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	logger.WithField("addr", rc.Options().Addr).Info("redis connected")
	return rc, nil
}

func newAuthenticator(cfg config.Auth) (api.Authenticator, error) {
	switch {
	case !cfg.Configured():
		return nil, errors.New("missing Auth0 config: set AUTH0_AUDIENCE and AUTH0_DOMAIN, AUTH0_TEST_MODE=1 or LOCAL_AUTH_MODE=true")
	case cfg.Anonymous:
		return api.AnonymousAuth{ActorID: cfg.AnonymousActor}, nil
	case cfg.TestMode:
		return api.NewAuth(nil, api.AuthOptions{
			Audience:   cfg.Audience,
			Issuer:     cfg.Issuer(),
			RoleClaim:  cfg.RoleClaim,
			TestSecret: []byte(cfg.TestSecret),
		}), nil
	}
	jwks, err := keyfunc.Get(cfg.JWKSURL(), keyfunc.Options{
		RefreshInterval:   time.Hour,
		RefreshUnknownKID: true,
	})
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	return api.NewAuth(jwks, api.AuthOptions{
		Audience:  cfg.Audience,
		Issuer:    cfg.Issuer(),
		RoleClaim: cfg.RoleClaim,
	}), nil
}

// openBackend connects the configured persistence backend. The returned
// closer releases its connections.
func openBackend(ctx context.Context, cfg config.Config) (storage.Backend, func(), error) {
	switch cfg.Backend {
	case storage.KindPostgres:
		db, err := storage.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := storage.ApplyMigrations(ctx, db); err != nil {
			db.Close()
			return nil, nil, err
		}
		return storage.NewPostgres(db), func() { db.Close() }, nil
	case storage.KindAzure:
		t, err := storage.NewTables(cfg.StorageConnString, cfg.Tables)
		if err != nil {
			return nil, nil, fmt.Errorf("storage: %w", err)
		}
		return t, func() {}, nil
	}
	m, err := storage.NewMemory(domain.BoardState{})
	if err != nil {
		return nil, nil, err
	}
	return m, func() {}, nil
}

func newEcho(cfg config.Config) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowHeaders: []string{
			echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept,
			echo.HeaderAuthorization, "Idempotency-Key",
		},
	}))
	e.Use(middleware.Decompress())
	if cfg.Debug {
		pprof.Register(e)
	}
	return e
}

// serveHTTP runs e until ctx is cancelled, then shuts it down gracefully.
// The onShutdown hooks run as the shutdown starts, before open connections
// are waited for.
func serveHTTP(ctx context.Context, e *echo.Echo, addr string, logger *log.Logger, onShutdown ...func()) error {
	for _, fn := range onShutdown {
		e.Server.RegisterOnShutdown(fn)
	}
	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", addr).Info("http server listening")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
