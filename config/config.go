// Package config loads service settings from the environment, an optional
// .env file and an optional YAML stage seed.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"pipeline-board/domain"
	"pipeline-board/storage"
)

// Auth selects how bearer tokens are verified.
type Auth struct {
	Audience   string
	Domain     string
	RoleClaim  string
	TestMode   bool
	TestSecret string
	// Anonymous skips token verification entirely. Every caller is an
	// editor named AnonymousActor.
	Anonymous      bool
	AnonymousActor string
}

// Issuer is the expected iss claim for the configured Auth0 domain.
func (a Auth) Issuer() string {
	if a.Domain == "" {
		return ""
	}
	return "https://" + a.Domain + "/"
}

// Configured reports whether tokens can be verified in some mode.
func (a Auth) Configured() bool {
	return a.Anonymous || a.TestMode || (a.Audience != "" && a.Domain != "")
}

// JWKSURL is the key set location for the configured Auth0 domain.
func (a Auth) JWKSURL() string {
	return fmt.Sprintf("https://%s/.well-known/jwks.json", a.Domain)
}

type Config struct {
	ListenAddr       string
	StreamListenAddr string
	Debug            bool
	LogFormat        string
	CORSOrigins      []string

	Backend           storage.Kind
	DatabaseURL       string
	StorageConnString string
	Tables            storage.TableNames

	RedisConnString  string
	DedupeTTL        time.Duration
	SnapshotCacheTTL time.Duration
	RelayChannel     string
	RelaySnapshotKey string
	RelayBuffer      int

	Auth   Auth
	Outbox storage.OutboxConfig

	SessionBuffer    int
	Heartbeat        time.Duration
	MutationTimeout  time.Duration
	DefaultThreshold time.Duration
	Freshness        domain.FreshnessPolicy

	SeedFile string
	Seed     []domain.StageDraft
}

// Load reads an optional env file (missing files are ignored), then the
// process environment. Variables already set in the environment win over
// the file. Every malformed value is reported, not just the first.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	p := &parser{}
	cfg := Config{
		ListenAddr:       envString("LISTEN_ADDR", portAddr("FUNCTIONS_CUSTOMHANDLER_PORT", "8080")),
		StreamListenAddr: envString("STREAM_LISTEN_ADDR", portAddr("STREAM_SERVICE_PORT", "9000")),
		Debug:            p.envBool("DEBUG", false),
		LogFormat:        strings.ToLower(envString("LOG_FORMAT", "text")),
		CORSOrigins:      envList("CORS_ALLOW_ORIGINS", []string{"*"}),

		DatabaseURL:       os.Getenv("DATABASE_URL"),
		StorageConnString: os.Getenv("STORAGE_CONNECTION_STRING"),
		Tables: storage.TableNames{
			Stages:      envString("STAGES_TABLE", "stages"),
			Items:       envString("ITEMS_TABLE", "items"),
			EventsQueue: os.Getenv("DOMAIN_EVENTS_QUEUE"),
		},

		RedisConnString:  os.Getenv("REDIS_CONNECTION_STRING"),
		DedupeTTL:        p.envDur("DEDUPER_TTL", 24*time.Hour),
		SnapshotCacheTTL: p.envDur("SNAPSHOT_CACHE_TTL", 10*time.Minute),
		RelayChannel:     envString("RELAY_CHANNEL", "board-events"),
		RelaySnapshotKey: envString("RELAY_SNAPSHOT_KEY", "board:snapshot"),
		RelayBuffer:      p.envInt("RELAY_BUFFER", 1024),

		Auth: Auth{
			Audience:       os.Getenv("AUTH0_AUDIENCE"),
			Domain:         os.Getenv("AUTH0_DOMAIN"),
			RoleClaim:      envString("AUTH0_ROLE_CLAIM", "role"),
			TestMode:       os.Getenv("AUTH0_TEST_MODE") == "1",
			TestSecret:     envString("TEST_JWT_SECRET", "test-secret"),
			Anonymous:      p.envBool("LOCAL_AUTH_MODE", false),
			AnonymousActor: envString("LOCAL_AUTH_ACTOR", "anonymous"),
		},
		Outbox: storage.OutboxConfig{
			Dir:            envString("OUTBOX_DIR", "data/outbox"),
			SegmentBytes:   int64(p.envInt("OUTBOX_SEGMENT_BYTES", 4<<20)),
			SyncEvery:      p.envInt("OUTBOX_SYNC_EVERY", 1),
			SyncInterval:   p.envDur("OUTBOX_SYNC_INTERVAL", 0),
			BufferSize:     p.envInt("OUTBOX_BUFFER", 4096),
			BatchSize:      p.envInt("OUTBOX_BATCH_SIZE", 32),
			FlushInterval:  p.envDur("OUTBOX_FLUSH_INTERVAL", 5*time.Millisecond),
			PersistTimeout: p.envDur("OUTBOX_PERSIST_TIMEOUT", 30*time.Second),
			RetryInitial:   p.envDur("OUTBOX_RETRY_INITIAL", 100*time.Millisecond),
			RetryMax:       p.envDur("OUTBOX_RETRY_MAX", 30*time.Second),
		},

		SessionBuffer:    p.envInt("SESSION_BUFFER", 256),
		Heartbeat:        p.envDur("STREAM_HEARTBEAT", 15*time.Second),
		MutationTimeout:  p.envDur("MUTATION_TIMEOUT", 5*time.Second),
		DefaultThreshold: p.envDur("DEFAULT_STAGE_THRESHOLD", 24*time.Hour),
		Freshness: domain.FreshnessPolicy{
			WarningRatio: p.envFloat("FRESHNESS_WARNING_RATIO", domain.DefaultFreshnessPolicy.WarningRatio),
			OverdueRatio: p.envFloat("FRESHNESS_OVERDUE_RATIO", domain.DefaultFreshnessPolicy.OverdueRatio),
		},
		SeedFile: os.Getenv("STAGE_SEED_FILE"),
	}

	kind, err := storage.ParseKind(os.Getenv("PERSISTENCE_BACKEND"))
	p.add(err)
	cfg.Backend = kind

	if cfg.SeedFile != "" {
		seed, err := LoadSeed(cfg.SeedFile)
		p.add(err)
		cfg.Seed = seed
	} else {
		cfg.Seed = DefaultSeed()
	}

	if err := errors.Join(p.errs...); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Validate checks cross-field requirements that depend on the selected
// backend.
func (c Config) Validate() error {
	var errs []error
	switch c.Backend {
	case storage.KindPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres backend"))
		}
	case storage.KindAzure:
		if c.StorageConnString == "" {
			errs = append(errs, errors.New("STORAGE_CONNECTION_STRING is required for the azure backend"))
		}
	}
	if err := c.Freshness.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Outbox.BatchSize <= 0 {
		errs = append(errs, errors.New("OUTBOX_BATCH_SIZE must be greater than zero"))
	}
	if c.Outbox.BufferSize < c.Outbox.BatchSize {
		errs = append(errs, fmt.Errorf("OUTBOX_BUFFER %d is smaller than OUTBOX_BATCH_SIZE %d", c.Outbox.BufferSize, c.Outbox.BatchSize))
	}
	if c.SessionBuffer <= 0 {
		errs = append(errs, errors.New("SESSION_BUFFER must be greater than zero"))
	}
	if c.MutationTimeout <= 0 {
		errs = append(errs, errors.New("MUTATION_TIMEOUT must be greater than zero"))
	}
	return errors.Join(errs...)
}

type parser struct {
	errs []error
}

func (p *parser) add(err error) {
	if err != nil {
		p.errs = append(p.errs, err)
	}
}

func (p *parser) envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.add(fmt.Errorf("invalid %s: %w", key, err))
		return fallback
	}
	if n <= 0 {
		p.add(fmt.Errorf("invalid %s: must be greater than zero", key))
		return fallback
	}
	return n
}

func (p *parser) envDur(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.add(fmt.Errorf("invalid %s: %w", key, err))
		return fallback
	}
	if d < 0 {
		p.add(fmt.Errorf("invalid %s: must not be negative", key))
		return fallback
	}
	return d
}

func (p *parser) envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.add(fmt.Errorf("invalid %s: %w", key, err))
		return fallback
	}
	return f
}

func (p *parser) envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.add(fmt.Errorf("invalid %s: %w", key, err))
		return fallback
	}
	return b
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func portAddr(key, fallback string) string {
	return ":" + envString(key, fallback)
}
