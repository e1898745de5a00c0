package vigilance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/veritas-labs/scrutiny/pkg/audit"
	"github.com/veritas-labs/scrutiny/pkg/contracts"
	"github.com/veritas-labs/scrutiny/pkg/profile"
)

// Config tunes the scheduler loop.
type Config struct {
	PollInterval   time.Duration `json:"poll_interval"`
	MaxConcurrency int           `json:"max_concurrency"`
	RetryDelay     time.Duration `json:"retry_delay"`
	AlertBuffer    int           `json:"alert_buffer"`
}

// DefaultConfig returns the standard scheduler settings. The one-minute
// poll keeps real-time events well inside their five-minute deadline.
func DefaultConfig() Config {
	return Config{
		PollInterval:   time.Minute,
		MaxConcurrency: 4,
		RetryDelay:     time.Hour,
		AlertBuffer:    64,
	}
}

// Alert is emitted when a recheck surfaces new findings at or above
// medium severity.
type Alert struct {
	EntityID        string              `json:"entity_id"`
	Level           Level               `json:"level"`
	InvestigationID string              `json:"investigation_id,omitempty"`
	ProfileVersion  int                 `json:"profile_version,omitempty"`
	Findings        []contracts.Finding `json:"findings"`
	Signals         []profile.Signal    `json:"evolution_signals,omitempty"`
	EmittedAt       time.Time           `json:"emitted_at"`
}

// AuditSink receives vigilance alert events. *audit.Log satisfies it.
type AuditSink interface {
	Append(ctx context.Context, rec audit.Record) (*audit.Event, error)
}

// Scheduler runs rechecks when schedules come due.
type Scheduler struct {
	mu      sync.Mutex
	store   Store
	runner  Runner
	sink    AuditSink
	cfg     Config
	alerts  chan *Alert
	kick    chan struct{}
	stopCh  chan struct{}
	running bool
	clock   func() time.Time
	logger  *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithConfig overrides the scheduler settings.
func WithConfig(cfg Config) Option {
	return func(s *Scheduler) { s.cfg = cfg }
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) { s.clock = clock }
}

// WithLogger overrides the slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithAuditSink records vigilance alerts.
func WithAuditSink(sink AuditSink) Option {
	return func(s *Scheduler) { s.sink = sink }
}

// NewScheduler creates a scheduler over store, running rechecks through
// runner.
func NewScheduler(store Store, runner Runner, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:  store,
		runner: runner,
		cfg:    DefaultConfig(),
		kick:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		clock:  time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.alerts = make(chan *Alert, s.cfg.AlertBuffer)
	s.logger = s.logger.With("component", "vigilance")
	return s
}

// Enroll creates or updates an entity's schedule. The last run anchors
// at enrollment time for new schedules and is preserved on level
// changes, so upgrading vigilance can make an entity immediately due.
func (s *Scheduler) Enroll(ctx context.Context, entityID, customerID string, level Level, tier contracts.Tier) (*ScheduledCheck, error) {
	now := s.clock().UTC()
	sc := &ScheduledCheck{
		EntityID:   entityID,
		CustomerID: customerID,
		Level:      level,
		Tier:       tier,
		LastRun:    now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if existing, err := s.store.Get(ctx, entityID); err == nil {
		sc.CreatedAt = existing.CreatedAt
		sc.LastRun = existing.LastRun
		sc.RealtimePending = existing.RealtimePending
	} else if err != ErrScheduleNotFound {
		return nil, err
	}
	sc.NextDue = NextDueAt(entityID, level, sc.LastRun)

	if err := s.store.Put(ctx, sc); err != nil {
		return nil, err
	}
	s.logger.Info("entity enrolled",
		"entity_id", entityID,
		"level", level,
		"next_due", sc.NextDue)
	return sc, nil
}

// Unenroll removes an entity's schedule.
func (s *Scheduler) Unenroll(ctx context.Context, entityID string) error {
	_, err := s.store.Purge(ctx, entityID)
	return err
}

// NotifySanctionsEvent marks a V3 entity for an immediate delta check.
// The next poll picks it up; the kick wakes a running loop right away.
func (s *Scheduler) NotifySanctionsEvent(ctx context.Context, entityID string) error {
	sc, err := s.store.Get(ctx, entityID)
	if err != nil {
		return err
	}
	if sc.Level != LevelV3 {
		return fmt.Errorf("%w: entity %s is %s", ErrRealtimeUnsupported, entityID, sc.Level)
	}
	sc.RealtimePending = true
	sc.UpdatedAt = s.clock().UTC()
	if err := s.store.Put(ctx, sc); err != nil {
		return err
	}
	select {
	case s.kick <- struct{}{}:
	default:
	}
	s.logger.Info("real-time sanctions event queued", "entity_id", entityID)
	return nil
}

// Alerts returns the channel of emitted alerts.
func (s *Scheduler) Alerts() <-chan *Alert {
	return s.alerts
}

// Start begins the scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("vigilance: scheduler already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	go s.loop(ctx)
	return nil
}

// Stop halts the scheduling loop.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	close(s.stopCh)
	s.running = false
}

func (s *Scheduler) loop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.runDue(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-s.kick:
			s.runDue(ctx)
		case <-ticker.C:
			s.runDue(ctx)
		}
	}
}

func (s *Scheduler) runDue(ctx context.Context) {
	if _, err := s.RunDue(ctx); err != nil {
		s.logger.Error("poll failed", "error", err)
	}
}

// RunDue runs every schedule that is due right now and returns how many
// rechecks were attempted.
func (s *Scheduler) RunDue(ctx context.Context) (int, error) {
	due, err := s.store.Due(ctx, s.clock().UTC())
	if err != nil {
		return 0, fmt.Errorf("vigilance: listing due schedules: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	sem := make(chan struct{}, s.cfg.MaxConcurrency)
	var wg sync.WaitGroup
	for _, sc := range due {
		wg.Add(1)
		go func(sc *ScheduledCheck) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			s.runOne(ctx, sc)
		}(sc)
	}
	wg.Wait()
	return len(due), nil
}

func (s *Scheduler) runOne(ctx context.Context, sc *ScheduledCheck) {
	trigger := profile.TriggerVigilance
	if sc.RealtimePending {
		trigger = profile.TriggerRealtime
	}

	res, runErr := s.runner.Recheck(ctx, RecheckRequest{
		Schedule: sc,
		Checks:   DeltaChecks(sc.Level),
		Trigger:  trigger,
	})

	now := s.clock().UTC()
	sc.RealtimePending = false
	sc.UpdatedAt = now
	if runErr != nil {
		// Retry well before the regular interval instead of silently
		// skipping a whole cycle.
		sc.NextDue = now.Add(s.cfg.RetryDelay)
	} else {
		sc.LastRun = now
		sc.NextDue = NextDueAt(sc.EntityID, sc.Level, now)
	}
	if err := s.store.Put(ctx, sc); err != nil {
		s.logger.Error("failed to reschedule", "entity_id", sc.EntityID, "error", err)
	}

	if runErr != nil {
		s.logger.Warn("recheck failed",
			"entity_id", sc.EntityID,
			"level", sc.Level,
			"error", runErr)
		return
	}

	s.maybeAlert(ctx, sc, res, now)
}

func (s *Scheduler) maybeAlert(ctx context.Context, sc *ScheduledCheck, res *Result, now time.Time) {
	if res == nil || res.Delta == nil {
		return
	}
	var alerting []contracts.Finding
	for _, f := range res.Delta.NewFindings {
		if f.Severity.Rank() >= contracts.SeverityMedium.Rank() {
			alerting = append(alerting, f)
		}
	}
	if len(alerting) == 0 {
		return
	}

	alert := &Alert{
		EntityID:        sc.EntityID,
		Level:           sc.Level,
		InvestigationID: res.InvestigationID,
		ProfileVersion:  res.ProfileVersion,
		Findings:        alerting,
		Signals:         res.Delta.Signals,
		EmittedAt:       now,
	}

	if s.sink != nil {
		ids := make([]string, 0, len(alerting))
		for _, f := range alerting {
			ids = append(ids, f.ID)
		}
		_, err := s.sink.Append(ctx, audit.Record{
			Actor:    audit.ActorSystem,
			Category: audit.CategoryVigilanceAlert,
			Subject:  sc.EntityID,
			Action:   "vigilance_alert",
			Payload: map[string]any{
				"level":            sc.Level,
				"investigation_id": res.InvestigationID,
				"profile_version":  res.ProfileVersion,
				"finding_ids":      ids,
			},
		})
		if err != nil {
			s.logger.Error("alert audit failed", "entity_id", sc.EntityID, "error", err)
			return
		}
	}

	select {
	case s.alerts <- alert:
	default:
		s.logger.Warn("alert channel full, dropping", "entity_id", sc.EntityID)
	}
	s.logger.Info("vigilance alert",
		"entity_id", sc.EntityID,
		"level", sc.Level,
		"findings", len(alerting))
}
