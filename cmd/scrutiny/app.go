package main

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/lib/pq" // postgres driver for the cost meter
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/veritas-labs/scrutiny/pkg/audit"
	"github.com/veritas-labs/scrutiny/pkg/cache"
	"github.com/veritas-labs/scrutiny/pkg/checkpoint"
	"github.com/veritas-labs/scrutiny/pkg/compliance"
	"github.com/veritas-labs/scrutiny/pkg/config"
	"github.com/veritas-labs/scrutiny/pkg/consent"
	"github.com/veritas-labs/scrutiny/pkg/costmeter"
	"github.com/veritas-labs/scrutiny/pkg/entity"
	"github.com/veritas-labs/scrutiny/pkg/erasure"
	"github.com/veritas-labs/scrutiny/pkg/evolution"
	"github.com/veritas-labs/scrutiny/pkg/gateway"
	"github.com/veritas-labs/scrutiny/pkg/inconsistency"
	"github.com/veritas-labs/scrutiny/pkg/investigation"
	"github.com/veritas-labs/scrutiny/pkg/observability"
	"github.com/veritas-labs/scrutiny/pkg/profile"
	"github.com/veritas-labs/scrutiny/pkg/provider"
	"github.com/veritas-labs/scrutiny/pkg/review"
	"github.com/veritas-labs/scrutiny/pkg/risk"
	"github.com/veritas-labs/scrutiny/pkg/sar"
	"github.com/veritas-labs/scrutiny/pkg/vault"
	"github.com/veritas-labs/scrutiny/pkg/vigilance"
)

// app is the fully wired platform behind every subcommand.
type app struct {
	cfg      *config.Config
	manager  *config.Manager
	snapshot *config.Snapshot

	auditLog  *audit.Log
	providers *provider.Registry
	gw        *gateway.Gateway
	svc       *investigation.Service
	eraser    *erasure.Eraser
	scheduler *vigilance.Scheduler
	schedules vigilance.Store
	reviews   *review.Manager
	consent   *consent.Manager
	telemetry *observability.Provider

	logger  *slog.Logger
	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// newApp loads configuration and wires the platform. Everything persists
// under DATA_DIR; the operational tables come from CONFIG_DIR.
func newApp(ctx context.Context) (*app, error) {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	a := &app{cfg: cfg, logger: logger}

	telemetry, err := observability.New(ctx, &observability.Config{
		ServiceName:    "scrutiny",
		ServiceVersion: version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		Enabled:        cfg.OTLPEndpoint != "",
		Insecure:       cfg.Environment != "production",
	})
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}
	a.telemetry = telemetry
	a.closers = append(a.closers, func() { _ = telemetry.Shutdown(context.Background()) })

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(cfg.DataDir, "scrutiny.db"))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)
	a.closers = append(a.closers, func() { _ = db.Close() })

	auditStore, err := audit.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	a.auditLog, err = audit.New(ctx, auditStore)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}

	a.manager = config.NewManager(config.Paths{
		Rules:     filepath.Join(cfg.ConfigDir, "rules.yaml"),
		Freshness: optionalPath(cfg.ConfigDir, "freshness.yaml"),
		Weights:   optionalPath(cfg.ConfigDir, "weights.yaml"),
		Providers: optionalPath(cfg.ConfigDir, "providers.yaml"),
	}, config.WithAuditSink(a.auditLog))
	a.snapshot, err = a.manager.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	engine, err := compliance.NewEngine(a.snapshot.Rules, a.auditLog, nil)
	if err != nil {
		return nil, fmt.Errorf("building compliance engine: %w", err)
	}

	a.providers = provider.NewRegistry()
	for _, spec := range a.snapshot.Providers {
		p, err := spec.Build()
		if err != nil {
			logger.Warn("skipping provider", "provider", spec.ID, "error", err)
			continue
		}
		if err := a.providers.Register(p); err != nil {
			return nil, err
		}
	}

	cacheStore, err := cache.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}

	var gwOpts []gateway.Option
	v, err := buildVault(ctx, a.auditLog)
	if err != nil {
		return nil, err
	}
	if v != nil {
		gwOpts = append(gwOpts, gateway.WithVault(v))
	}
	if strings.EqualFold(os.Getenv("LIMITER"), "redis") {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		a.closers = append(a.closers, func() { _ = client.Close() })
		gwOpts = append(gwOpts, gateway.WithLimiter(gateway.NewRedisLimiter(client)))
	}
	a.gw = gateway.New(a.providers, cacheStore, a.snapshot.Freshness, a.auditLog, buildMeter(a), gwOpts...)

	entityStore, err := entity.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	// The registry enqueues ambiguous enhanced-tier matches; the review
	// manager resolves them against the same registry. The func adapter
	// breaks the construction cycle.
	var reviews *review.Manager
	entities := entity.NewRegistry(entityStore, a.auditLog,
		entity.WithReviewEnqueuer(enqueuerFunc(func(ctx context.Context, name, provisionalID, candidateID string, score float64) (string, error) {
			return reviews.EnqueueMatchReview(ctx, name, provisionalID, candidateID, score)
		})))
	reviews = review.NewManager(entities,
		review.WithAuditSink(a.auditLog),
		review.WithLogger(logger))
	a.reviews = reviews

	if key := os.Getenv("CONSENT_SIGNING_KEY"); key != "" {
		a.consent, err = consent.NewManager([]byte(key), a.auditLog)
		if err != nil {
			return nil, fmt.Errorf("building consent manager: %w", err)
		}
	}

	profileStore, err := profile.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	checkpointStore, err := checkpoint.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}

	cycle := sar.NewCycle(
		sar.NewPlanner(engine, nil),
		sar.NewExecutor(a.gw, 4),
		sar.NewAssessor(compliance.NewRedactor(nil), nil),
	)
	a.svc = investigation.NewService(
		entities,
		cycle,
		a.gw,
		a.providers,
		inconsistency.New(),
		risk.NewScorer(a.snapshot.Weights),
		evolution.NewDetector(),
		profileStore,
		checkpoint.NewManager(checkpointStore),
		a.auditLog,
		investigation.WithLogger(logger),
	)

	a.schedules, err = vigilance.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	a.scheduler = vigilance.NewScheduler(a.schedules, a.svc,
		vigilance.WithAuditSink(a.auditLog),
		vigilance.WithLogger(logger))

	eraserOpts := []erasure.Option{erasure.WithLogger(logger)}
	if v != nil {
		eraserOpts = append(eraserOpts, erasure.WithBlobDeleter(v))
	}
	if salt := os.Getenv("ERASURE_SALT"); salt != "" {
		eraserOpts = append(eraserOpts, erasure.WithSalt([]byte(salt)))
	}
	a.eraser = erasure.New(entityStore, profileStore, cacheStore, checkpointStore,
		a.schedules, a.auditLog, eraserOpts...)

	return a, nil
}

// buildVault assembles the raw-payload vault when a master key is
// configured. Without one the platform runs vault-less: raw payloads are
// not retained.
func buildVault(ctx context.Context, sink vault.AuditSink) (*vault.Vault, error) {
	keyHex := os.Getenv("VAULT_MASTER_KEY")
	if keyHex == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("decoding VAULT_MASTER_KEY: %w", err)
	}
	cipher, err := vault.NewCipher(key)
	if err != nil {
		return nil, err
	}
	blobs, err := vault.NewBlobStoreFromEnv(ctx)
	if err != nil {
		return nil, err
	}
	return vault.New(blobs, cipher, sink), nil
}

// buildMeter picks the billing meter: postgres when a DSN is configured,
// in-process otherwise.
func buildMeter(a *app) costmeter.Meter {
	dsn := os.Getenv("COST_METER_DSN")
	if dsn == "" {
		return costmeter.NewMemoryMeter()
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		a.logger.Warn("cost meter DSN rejected, falling back to memory", "error", err)
		return costmeter.NewMemoryMeter()
	}
	a.closers = append(a.closers, func() { _ = db.Close() })
	return costmeter.NewPostgresMeter(db)
}

// enqueuerFunc adapts a function to entity.ReviewEnqueuer.
type enqueuerFunc func(ctx context.Context, subjectName, provisionalID, candidateID string, score float64) (string, error)

func (f enqueuerFunc) EnqueueMatchReview(ctx context.Context, subjectName, provisionalID, candidateID string, score float64) (string, error) {
	return f(ctx, subjectName, provisionalID, candidateID, score)
}

func optionalPath(dir, name string) string {
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
