package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/spf13/cobra"

	"pipeline-board/config"
)

func tokenCmd(envFile *string) *cobra.Command {
	var role string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <actor-id>",
		Short: "Issue a bearer token for AUTH0_TEST_MODE",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*envFile)
			if err != nil {
				return err
			}
			if !cfg.Auth.TestMode {
				return errors.New("tokens can only be issued when AUTH0_TEST_MODE=1")
			}
			token, err := testToken(cfg.Auth, args[0], role, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", "", `role claim; "viewer" is read-only`)
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}

func testToken(cfg config.Auth, actorID, role string, ttl time.Duration, now time.Time) (string, error) {
	if cfg.TestSecret == "" {
		return "", errors.New("TEST_JWT_SECRET must be set")
	}
	claims := jwt.MapClaims{
		"sub": actorID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if cfg.Audience != "" {
		claims["aud"] = cfg.Audience
	}
	if iss := cfg.Issuer(); iss != "" {
		claims["iss"] = iss
	}
	if role != "" {
		claim := cfg.RoleClaim
		if claim == "" {
			claim = "role"
		}
		claims[claim] = role
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.TestSecret))
}

type loadStats struct {
	attempts  atomic.Uint64
	failures  atomic.Uint64
	snapshots atomic.Uint64
	events    atomic.Uint64
}

func loadCmd() *cobra.Command {
	var (
		streamURL   string
		bearer      string
		conns       int
		duration    time.Duration
		maxFailRate float64
	)
	cmd := &cobra.Command{
		Use:   "load",
		Short: "Hold many viewer streams open and count delivered frames",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), duration)
			defer cancel()
			stats := runLoad(ctx, &http.Client{}, streamURL, bearer, conns)

			attempts, failures := stats.attempts.Load(), stats.failures.Load()
			failureRate := 0.0
			if attempts > 0 {
				failureRate = float64(failures) / float64(attempts)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "connections=%d duration_sec=%d snapshots=%d events_received=%d connection_failures=%d\n",
				conns, int(duration.Seconds()), stats.snapshots.Load(), stats.events.Load(), failures)
			if stats.snapshots.Load() == 0 {
				return errors.New("no snapshot received")
			}
			if failureRate > maxFailRate {
				return fmt.Errorf("connection failure rate %.3f exceeds %.3f", failureRate, maxFailRate)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&streamURL, "url", "http://localhost:8080/api/stream", "stream endpoint")
	cmd.Flags().StringVar(&bearer, "bearer", "", "bearer token sent with every stream")
	cmd.Flags().IntVar(&conns, "connections", 200, "concurrent viewer streams")
	cmd.Flags().DurationVar(&duration, "duration", 2*time.Minute, "test duration")
	cmd.Flags().Float64Var(&maxFailRate, "max-failure-rate", 0.01, "fail when more connection attempts fail")
	return cmd
}

// runLoad keeps conns streams connected until ctx ends, reconnecting with
// backoff after each failure.
func runLoad(ctx context.Context, client *http.Client, streamURL, bearer string, conns int) *loadStats {
	stats := &loadStats{}
	var wg sync.WaitGroup
	wg.Add(conns)
	for range conns {
		go func() {
			defer wg.Done()
			backoff := time.Second
			for ctx.Err() == nil {
				stats.attempts.Add(1)
				if err := consumeStream(ctx, client, streamURL, bearer, stats); err != nil && ctx.Err() == nil {
					stats.failures.Add(1)
					select {
					case <-time.After(backoff):
					case <-ctx.Done():
					}
					backoff = min(backoff*2, 5*time.Second)
					continue
				}
				backoff = time.Second
			}
		}()
	}
	wg.Wait()
	return stats
}

func consumeStream(ctx context.Context, client *http.Client, streamURL, bearer string, stats *loadStats) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return err
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream status %d", resp.StatusCode)
	}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)
	for scanner.Scan() {
		name, ok := strings.CutPrefix(scanner.Text(), "event: ")
		if !ok {
			continue
		}
		if name == "snapshot" {
			stats.snapshots.Add(1)
		} else {
			stats.events.Add(1)
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return errors.New("stream ended")
}
