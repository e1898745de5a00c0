package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/fsnotify/fsnotify"

	"github.com/veritas-labs/scrutiny/pkg/audit"
	"github.com/veritas-labs/scrutiny/pkg/cache"
	"github.com/veritas-labs/scrutiny/pkg/compliance"
	"github.com/veritas-labs/scrutiny/pkg/risk"
)

// ErrRuleSetDowngrade is returned when a reload would move the rule pack
// version backwards.
var ErrRuleSetDowngrade = errors.New("config: rule set version moved backwards")

// Paths names the operational table files. Rules is required; the others
// fall back to shipped defaults when empty.
type Paths struct {
	Rules     string
	Freshness string
	Weights   string
	Providers string
}

// Snapshot is one immutable, internally consistent view of the loaded
// tables. Readers pin a snapshot for the duration of an operation.
type Snapshot struct {
	Version   int
	LoadedAt  time.Time
	Rules     *compliance.RuleSet
	Freshness *cache.PolicyTable
	Weights   risk.Weights
	Providers []ProviderSpec
}

// AuditSink receives reload events. *audit.Log satisfies it.
type AuditSink interface {
	Append(ctx context.Context, rec audit.Record) (*audit.Event, error)
}

// Manager loads the tables and swaps snapshots atomically. A failed reload
// keeps the previous snapshot serving.
type Manager struct {
	paths  Paths
	cur    atomic.Pointer[Snapshot]
	mu     sync.Mutex // serializes Reload
	sink   AuditSink
	clock  func() time.Time
	logger *slog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithAuditSink records config reloads in the audit trail.
func WithAuditSink(sink AuditSink) ManagerOption {
	return func(m *Manager) { m.sink = sink }
}

// WithManagerClock overrides the time source.
func WithManagerClock(clock func() time.Time) ManagerOption {
	return func(m *Manager) { m.clock = clock }
}

// WithManagerLogger overrides the slog logger.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates a manager for the given paths. Call Load before
// serving.
func NewManager(paths Paths, opts ...ManagerOption) *Manager {
	m := &Manager{
		paths:  paths,
		clock:  time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "config")
	return m
}

// Load performs the initial load. It fails hard: a process must not start
// on a broken table.
func (m *Manager) Load(ctx context.Context) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, err := m.build(1)
	if err != nil {
		return nil, err
	}
	m.cur.Store(snap)
	m.record(ctx, snap, "config_loaded")
	return snap, nil
}

// Current returns the active snapshot, or nil before Load.
func (m *Manager) Current() *Snapshot {
	return m.cur.Load()
}

// Reload builds a new snapshot and swaps it in. The rule pack version must
// not move backwards; any load error leaves the current snapshot in place.
func (m *Manager) Reload(ctx context.Context) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.cur.Load()
	if prev == nil {
		return nil, fmt.Errorf("config: reload before initial load")
	}
	next, err := m.build(prev.Version + 1)
	if err != nil {
		return nil, err
	}
	// Loaders guarantee both versions parse.
	prevVer := semver.MustParse(prev.Rules.Version)
	nextVer := semver.MustParse(next.Rules.Version)
	if nextVer.LessThan(prevVer) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrRuleSetDowngrade, prev.Rules.Version, next.Rules.Version)
	}
	m.cur.Store(next)
	m.record(ctx, next, "config_reloaded")
	m.logger.Info("configuration reloaded",
		"snapshot", next.Version,
		"rule_set", next.Rules.Version,
		"providers", len(next.Providers))
	return next, nil
}

func (m *Manager) build(version int) (*Snapshot, error) {
	snap := &Snapshot{
		Version:   version,
		LoadedAt:  m.clock().UTC(),
		Freshness: cache.DefaultPolicyTable(),
		Weights:   risk.DefaultWeights(),
	}

	rules, err := LoadRuleSet(m.paths.Rules)
	if err != nil {
		return nil, err
	}
	snap.Rules = rules

	if m.paths.Freshness != "" {
		if snap.Freshness, err = LoadFreshnessPolicy(m.paths.Freshness); err != nil {
			return nil, err
		}
	}
	if m.paths.Weights != "" {
		if snap.Weights, err = LoadWeights(m.paths.Weights); err != nil {
			return nil, err
		}
	}
	if m.paths.Providers != "" {
		if snap.Providers, err = LoadProviderCatalog(m.paths.Providers); err != nil {
			return nil, err
		}
	}
	return snap, nil
}

func (m *Manager) record(ctx context.Context, snap *Snapshot, action string) {
	if m.sink == nil {
		return
	}
	if _, err := m.sink.Append(ctx, audit.Record{
		Actor:    audit.ActorSystem,
		Category: audit.CategoryConfig,
		Subject:  m.paths.Rules,
		Action:   action,
		Payload: map[string]any{
			"snapshot":         snap.Version,
			"rule_set_version": snap.Rules.Version,
			"rules":            len(snap.Rules.Rules),
			"providers":        len(snap.Providers),
		},
	}); err != nil {
		m.logger.Warn("config audit append failed", "error", err)
	}
}

// debounce is how long the watcher waits after the last filesystem event
// before reloading, so editors that write in several steps trigger once.
const debounce = 250 * time.Millisecond

// Watch reloads whenever a watched table file changes. It blocks until ctx
// is cancelled. Reload failures are logged; the old snapshot keeps serving.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: starting watcher: %w", err)
	}
	defer watcher.Close()

	watched := make(map[string]bool)
	dirs := make(map[string]bool)
	for _, p := range []string{m.paths.Rules, m.paths.Freshness, m.paths.Weights, m.paths.Providers} {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			return fmt.Errorf("config: resolving %s: %w", p, err)
		}
		watched[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	// Watch directories, not files: editors and config rollouts replace
	// files, which drops a file-level watch.
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("config: watching %s: %w", dir, err)
		}
	}

	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			abs, err := filepath.Abs(ev.Name)
			if err != nil || !watched[abs] {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounce)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			if _, err := m.Reload(ctx); err != nil {
				m.logger.Error("configuration reload failed, keeping previous snapshot", "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn("config watcher error", "error", err)
		}
	}
}
