// Package investigation orchestrates a screening end to end: resolve
// the subject to a canonical entity, drive the phased pipeline
// (foundation, records, intelligence, network, reconciliation) with one
// SAR cycle per information type, and fold the outcome into a versioned
// entity profile with a composite risk score. Checkpoints are taken at
// every phase boundary so an interrupted screening resumes instead of
// restarting.
package investigation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/veritas-labs/scrutiny/pkg/audit"
	"github.com/veritas-labs/scrutiny/pkg/cache"
	"github.com/veritas-labs/scrutiny/pkg/checkpoint"
	"github.com/veritas-labs/scrutiny/pkg/contracts"
	"github.com/veritas-labs/scrutiny/pkg/entity"
	"github.com/veritas-labs/scrutiny/pkg/evolution"
	"github.com/veritas-labs/scrutiny/pkg/gateway"
	"github.com/veritas-labs/scrutiny/pkg/inconsistency"
	"github.com/veritas-labs/scrutiny/pkg/knowledge"
	"github.com/veritas-labs/scrutiny/pkg/profile"
	"github.com/veritas-labs/scrutiny/pkg/provider"
	"github.com/veritas-labs/scrutiny/pkg/risk"
	"github.com/veritas-labs/scrutiny/pkg/sar"
)

var (
	ErrInvalidRequest = errors.New("investigation: invalid request")
	ErrNotResumable   = errors.New("investigation: no checkpoint to resume")
)

// IntakeProviderID is the provenance source for facts seeded from the
// screening request itself.
const IntakeProviderID = "subject-intake"

// Config bounds one investigation's depth and concurrency.
type Config struct {
	// FoundationThreshold is the stricter completion bar for the
	// sequential foundation types.
	FoundationThreshold float64 `json:"foundation_threshold"`
	// FoundationMaxIterations caps foundation SAR iterations.
	FoundationMaxIterations int `json:"foundation_max_iterations"`
	// TypeConcurrency bounds concurrent types within a parallel phase.
	TypeConcurrency int `json:"type_concurrency"`
	// TypeTimeout bounds one type's whole SAR cycle.
	TypeTimeout time.Duration `json:"type_timeout"`
	// InvestigationTimeout bounds the whole screening.
	InvestigationTimeout time.Duration `json:"investigation_timeout"`
	// NetworkMaxEntitiesPerDegree caps how many related entities each
	// network degree investigates; the rest are recorded as deferred.
	NetworkMaxEntitiesPerDegree int `json:"network_max_entities_per_degree"`
	// ReconcileMaxQueries caps targeted cross-reference queries during
	// reconciliation.
	ReconcileMaxQueries int `json:"reconcile_max_queries"`
	// EventBuffer sizes the progress event channel.
	EventBuffer int `json:"event_buffer"`
}

// DefaultConfig returns the standard orchestration bounds.
func DefaultConfig() Config {
	return Config{
		FoundationThreshold:         0.90,
		FoundationMaxIterations:     4,
		TypeConcurrency:             6,
		TypeTimeout:                 5 * time.Minute,
		InvestigationTimeout:        60 * time.Minute,
		NetworkMaxEntitiesPerDegree: 20,
		ReconcileMaxQueries:         10,
		EventBuffer:                 64,
	}
}

// Request asks for one screening.
type Request struct {
	Subject    contracts.Subject       `json:"subject"`
	CustomerID string                  `json:"customer_id,omitempty"`
	Service    contracts.ServiceConfig `json:"service"`
	// ConsentScopes are the verified consent scopes granted by the
	// subject, as produced by the consent verifier.
	ConsentScopes []string        `json:"consent_scopes,omitempty"`
	Trigger       profile.Trigger `json:"trigger,omitempty"`
	// Checks restricts the screening to a subset of types. Nil means
	// the full phased pipeline; vigilance delta rechecks pass the
	// volatile subset.
	Checks []contracts.CheckType `json:"checks,omitempty"`
}

func (r Request) validate() error {
	if r.Subject.FullName == "" {
		return fmt.Errorf("%w: subject full name required", ErrInvalidRequest)
	}
	if r.Subject.Locale == "" {
		return fmt.Errorf("%w: subject locale required", ErrInvalidRequest)
	}
	if err := r.Service.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

// Event is one progress signal from a running investigation.
type Event struct {
	InvestigationID string               `json:"investigation_id"`
	Phase           contracts.PhaseName  `json:"phase"`
	Check           contracts.CheckType  `json:"check,omitempty"`
	Status          contracts.TypeStatus `json:"status,omitempty"`
	Message         string               `json:"message,omitempty"`
	At              time.Time            `json:"at"`
}

// Outcome is what a screening produced. Completed, partial and aborted
// are all domain outcomes: Run returns a non-nil error only for
// infrastructure faults that prevented any outcome at all.
type Outcome struct {
	InvestigationID string                                       `json:"investigation_id"`
	EntityID        string                                       `json:"entity_id"`
	Status          contracts.InvestigationStatus                `json:"status"`
	AbortReason     contracts.AbortReason                        `json:"abort_reason,omitempty"`
	Resolution      *entity.Resolution                           `json:"resolution,omitempty"`
	Profile         *profile.Profile                             `json:"profile,omitempty"`
	TypeStates      map[contracts.CheckType]contracts.TypeStatus `json:"type_states,omitempty"`
	DeceptionScore  float64                                      `json:"deception_score"`
}

// AuditSink receives investigation events. *audit.Log satisfies it.
type AuditSink interface {
	Append(ctx context.Context, rec audit.Record) (*audit.Event, error)
}

// Fetcher issues one gateway demand. *gateway.Gateway satisfies it; the
// reconciliation phase uses it directly for cross-reference queries.
type Fetcher = sar.Fetcher

// Service runs investigations.
type Service struct {
	entities    *entity.Registry
	cycle       *sar.Cycle
	gw          Fetcher
	providers   *provider.Registry
	analyzer    *inconsistency.Analyzer
	scorer      *risk.Scorer
	detector    *evolution.Detector
	profiles    profile.Store
	checkpoints *checkpoint.Manager
	sink        AuditSink

	cfg    Config
	clock  func() time.Time
	logger *slog.Logger
	events chan Event
}

// Option configures a Service.
type Option func(*Service)

// WithConfig overrides the orchestration bounds.
func WithConfig(cfg Config) Option {
	return func(s *Service) { s.cfg = cfg }
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// NewService wires an investigation service from its collaborators.
func NewService(
	entities *entity.Registry,
	cycle *sar.Cycle,
	gw Fetcher,
	providers *provider.Registry,
	analyzer *inconsistency.Analyzer,
	scorer *risk.Scorer,
	detector *evolution.Detector,
	profiles profile.Store,
	checkpoints *checkpoint.Manager,
	sink AuditSink,
	opts ...Option,
) *Service {
	s := &Service{
		entities:    entities,
		cycle:       cycle,
		gw:          gw,
		providers:   providers,
		analyzer:    analyzer,
		scorer:      scorer,
		detector:    detector,
		profiles:    profiles,
		checkpoints: checkpoints,
		sink:        sink,
		cfg:         DefaultConfig(),
		clock:       time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.events = make(chan Event, s.cfg.EventBuffer)
	s.logger = s.logger.With("component", "investigation")
	return s
}

// Events returns the progress event channel. Events are dropped, never
// blocked on, when no one is listening.
func (s *Service) Events() <-chan Event {
	return s.events
}

func (s *Service) emit(ev Event) {
	ev.At = s.clock().UTC()
	select {
	case s.events <- ev:
	default:
	}
}

// run is the accumulated state of one in-flight investigation.
type run struct {
	id       string
	entityID string
	req      Request
	subject  contracts.Subject
	base     *knowledge.Base

	typeStates      map[contracts.CheckType]contracts.TypeStatus
	findings        []contracts.Finding
	inconsistencies []inconsistency.Record
	excluded        []string
	staleSources    []string
	connections     []contracts.Connection
	deferred        []string
	emitted         map[checkpoint.EmittedKey]bool
	visited         map[string]bool
	pending         []checkpoint.PendingQuery
	deception       float64

	// onlyVersionOnChange suppresses the profile append when the delta
	// carries nothing alert-worthy; vigilance delta rechecks set it.
	onlyVersionOnChange bool

	// donePhases lets resume skip phases the checkpoint already covers.
	donePhases map[contracts.PhaseName]bool
}

// Run executes one full screening and appends a profile version.
func (s *Service) Run(ctx context.Context, req Request) (*Outcome, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.Trigger == "" {
		req.Trigger = profile.TriggerInitial
	}

	res, err := s.entities.Resolve(ctx, req.Subject, req.Service.Tier)
	if err != nil {
		return nil, fmt.Errorf("investigation: resolving subject: %w", err)
	}

	r := &run{
		id:         uuid.NewString(),
		entityID:   res.EntityID,
		req:        req,
		subject:    req.Subject,
		typeStates: make(map[contracts.CheckType]contracts.TypeStatus),
		emitted:    make(map[checkpoint.EmittedKey]bool),
		visited:    map[string]bool{res.EntityID: true},
		donePhases: make(map[contracts.PhaseName]bool),
	}
	if res.Uncertain {
		s.logger.Warn("subject resolution uncertain, proceeding",
			"investigation_id", r.id, "entity_id", res.EntityID, "score", res.Score)
	}

	out, err := s.drive(ctx, r)
	if out != nil {
		out.Resolution = res
	}
	return out, err
}

// drive runs the phase machine over an initialized run. Resume re-enters
// here with restored state.
func (s *Service) drive(ctx context.Context, r *run) (*Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.InvestigationTimeout)
	defer cancel()

	if r.base == nil {
		r.base = knowledge.New(r.entityID, s.providers, knowledge.WithClock(s.clock))
		if err := s.seedKnowledge(ctx, r); err != nil {
			r.base.Close()
			return nil, err
		}
	}
	defer r.base.Close()

	s.logger.Info("investigation started",
		"investigation_id", r.id,
		"entity_id", r.entityID,
		"tier", r.req.Service.Tier,
		"degrees", r.req.Service.Degrees)

	type phaseStep struct {
		name contracts.PhaseName
		fn   func(context.Context, *run) error
	}
	steps := []phaseStep{
		{contracts.PhaseFoundation, s.runFoundation},
		{contracts.PhaseRecords, s.runRecords},
		{contracts.PhaseIntelligence, s.runIntelligence},
		{contracts.PhaseNetwork, s.runNetwork},
		{contracts.PhaseReconciliation, s.runReconciliation},
	}

	for _, step := range steps {
		if r.donePhases[step.name] {
			continue
		}
		s.emit(Event{InvestigationID: r.id, Phase: step.name, Message: "phase started"})

		err := step.fn(ctx, r)
		var abortErr *identityAbort
		switch {
		case errors.As(err, &abortErr):
			return s.finishAborted(ctx, r)
		case err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
			return s.finishPartial(ctx, r, step.name, err)
		case err != nil:
			return nil, err
		}

		r.donePhases[step.name] = true
		if err := s.persistCheckpoint(ctx, r, step.name); err != nil {
			return nil, err
		}
		s.emit(Event{InvestigationID: r.id, Phase: step.name, Message: "phase complete"})
	}

	p, err := s.buildProfile(ctx, r, false)
	if err != nil {
		return nil, err
	}
	if _, err := s.checkpoints.Discard(ctx, r.id); err != nil {
		s.logger.Warn("failed to discard checkpoints", "investigation_id", r.id, "error", err)
	}

	s.logger.Info("investigation completed",
		"investigation_id", r.id,
		"entity_id", r.entityID,
		"findings", len(r.findings),
		"risk", p.RiskScore.Total)
	return &Outcome{
		InvestigationID: r.id,
		EntityID:        r.entityID,
		Status:          contracts.InvestigationCompleted,
		Profile:         p,
		TypeStates:      r.typeStates,
		DeceptionScore:  r.deception,
	}, nil
}

// finishAborted closes out an identity-unverified investigation with a
// partial profile.
func (s *Service) finishAborted(ctx context.Context, r *run) (*Outcome, error) {
	p, err := s.buildProfile(ctx, r, true)
	if err != nil {
		return nil, err
	}
	s.logger.Warn("investigation aborted, identity unverified",
		"investigation_id", r.id, "entity_id", r.entityID)
	return &Outcome{
		InvestigationID: r.id,
		EntityID:        r.entityID,
		Status:          contracts.InvestigationAborted,
		AbortReason:     contracts.AbortIdentityUnverified,
		Profile:         p,
		TypeStates:      r.typeStates,
	}, nil
}

// finishPartial closes out a cancelled or timed-out investigation with
// the findings committed before the cut. The final checkpoint records
// the queries still unanswered so resume can re-issue them.
func (s *Service) finishPartial(ctx context.Context, r *run, interrupted contracts.PhaseName, cause error) (*Outcome, error) {
	// The run context is spent; persist under a fresh one.
	base := context.WithoutCancel(ctx)
	r.pending = s.pendingQueries(r)
	if last, ok := lastCompletedPhase(r); ok {
		if err := s.persistCheckpoint(base, r, last); err != nil {
			s.logger.Warn("failed to checkpoint pending queries",
				"investigation_id", r.id, "interrupted_phase", interrupted, "error", err)
		}
	}
	p, err := s.buildProfile(base, r, true)
	if err != nil {
		return nil, err
	}
	s.logger.Warn("investigation cancelled, partial profile",
		"investigation_id", r.id, "entity_id", r.entityID,
		"interrupted_phase", interrupted, "cause", cause)
	return &Outcome{
		InvestigationID: r.id,
		EntityID:        r.entityID,
		Status:          contracts.InvestigationPartial,
		Profile:         p,
		TypeStates:      r.typeStates,
	}, nil
}

// seedKnowledge primes the knowledge base with what the request already
// asserts about the subject.
func (s *Service) seedKnowledge(ctx context.Context, r *run) error {
	now := s.clock().UTC()
	facts := []knowledge.Fact{{
		Kind:       knowledge.FactName,
		Value:      r.subject.FullName,
		Confidence: 1,
		ProviderID: IntakeProviderID,
		FirstSeen:  now,
	}}
	if r.subject.DateOfBirth != "" {
		facts = append(facts, knowledge.Fact{
			Kind:       knowledge.FactDateOfBirth,
			Value:      r.subject.DateOfBirth,
			Confidence: 1,
			ProviderID: IntakeProviderID,
			FirstSeen:  now,
		})
	}
	for _, addr := range r.subject.Addresses {
		facts = append(facts, knowledge.Fact{
			Kind:       knowledge.FactAddress,
			Value:      addr,
			Confidence: 1,
			ProviderID: IntakeProviderID,
			FirstSeen:  now,
		})
	}
	for _, alias := range r.subject.Aliases {
		facts = append(facts, knowledge.Fact{
			Kind:       knowledge.FactName,
			Value:      alias,
			Confidence: 1,
			ProviderID: IntakeProviderID,
			FirstSeen:  now,
		})
	}
	if _, err := r.base.AssertAll(ctx, facts); err != nil {
		return fmt.Errorf("investigation: seeding knowledge base: %w", err)
	}
	return nil
}

// assimilate folds one finished cycle into the run, emitting each novel
// finding write-ahead through the audit log. A finding whose
// (fingerprint, iteration) key was already emitted, on resume, is
// silently skipped.
func (s *Service) assimilate(ctx context.Context, r *run, state sar.CycleState) error {
	r.typeStates[state.Check] = state.Status
	r.inconsistencies = append(r.inconsistencies, state.Inconsistencies...)
	r.staleSources = mergeUnique(r.staleSources, state.StaleSources)
	for _, d := range state.Dropped {
		r.excluded = appendExcluded(r.excluded, string(state.Check)+":"+d.Reason)
	}
	for _, f := range state.Findings {
		if err := s.emitFinding(ctx, r, f, state.Iteration); err != nil {
			return err
		}
	}
	s.emit(Event{InvestigationID: r.id, Check: state.Check, Status: state.Status})
	return nil
}

// emitFinding appends the finding_emitted audit event and only then
// makes the finding part of the run. Audit failure aborts the emission.
func (s *Service) emitFinding(ctx context.Context, r *run, f contracts.Finding, iteration int) error {
	fp, err := s.findingFingerprint(r.entityID, f)
	if err != nil {
		return err
	}
	key := checkpoint.EmittedKey{Fingerprint: fp, Iteration: iteration}
	if r.emitted[key] {
		return nil
	}
	if _, err := s.sink.Append(ctx, audit.Record{
		Actor:    audit.ActorSystem,
		Category: audit.CategoryFindingEmitted,
		Subject:  r.entityID,
		Action:   "finding_emitted",
		Payload: map[string]any{
			"investigation_id": r.id,
			"finding_id":       f.ID,
			"category":         f.Category,
			"severity":         f.Severity,
			"fingerprint":      fp,
			"iteration":        iteration,
		},
	}); err != nil {
		return fmt.Errorf("investigation: %w: %v", contracts.ErrAuditWriteFailed, err)
	}
	r.emitted[key] = true
	r.findings = append(r.findings, f)
	return nil
}

// findingFingerprint keys a finding the way the gateway keys its cache
// entries, so resume can revalidate emissions against cached results.
func (s *Service) findingFingerprint(entityID string, f contracts.Finding) (string, error) {
	class := contracts.TierCategoryCore
	if p, err := s.providers.Get(f.Provenance.ProviderID); err == nil {
		class = p.TierCategory()
	}
	return cache.Scope{
		EntityID:      entityID,
		ProviderClass: string(class),
		Check:         f.CheckType,
		Locale:        f.Provenance.Locale,
		DegreeScope:   f.Degree,
	}.Fingerprint()
}

// persistCheckpoint snapshots the run at a phase boundary.
func (s *Service) persistCheckpoint(ctx context.Context, r *run, phase contracts.PhaseName) error {
	snap, err := r.base.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("investigation: snapshot for checkpoint: %w", err)
	}
	var facts []knowledge.Fact
	for _, fs := range snap.Facts {
		facts = append(facts, fs...)
	}
	emitted := make([]checkpoint.EmittedKey, 0, len(r.emitted))
	for k := range r.emitted {
		emitted = append(emitted, k)
	}
	cp := &checkpoint.Checkpoint{
		InvestigationID: r.id,
		EntityID:        r.entityID,
		Phase:           string(phase),
		TypeStates:      r.typeStates,
		Facts:           facts,
		Discovered:      snap.Discovered,
		Pending:         r.pending,
		Findings:        r.findings,
		Emitted:         emitted,
	}
	if _, err := s.checkpoints.Save(ctx, cp); err != nil {
		return fmt.Errorf("investigation: checkpoint at %s: %w", phase, err)
	}
	return nil
}

// pendingQueries lists the demand for every wanted type that had not
// completed when the run was cut, keyed the way the gateway keys core
// lookups so resume can replay them against the cache.
func (s *Service) pendingQueries(r *run) []checkpoint.PendingQuery {
	checks := append([]contracts.CheckType{}, contracts.FoundationChecks()...)
	for _, group := range [][]contracts.CheckType{
		contracts.RecordsChecks(),
		r.req.Service.AdditionalChecks,
		contracts.IntelligenceChecks(r.req.Service.Tier),
	} {
		for _, c := range group {
			if !containsCheck(checks, c) {
				checks = append(checks, c)
			}
		}
	}

	var out []checkpoint.PendingQuery
	for _, check := range checks {
		if !r.wantsCheck(check) {
			continue
		}
		if st, ok := r.typeStates[check]; ok && st.Complete() {
			continue
		}
		fp, err := cache.Scope{
			EntityID:      r.entityID,
			ProviderClass: string(contracts.TierCategoryCore),
			Check:         check,
			Locale:        r.subject.Locale,
			DegreeScope:   contracts.DegreeD1,
		}.Fingerprint()
		if err != nil {
			s.logger.Warn("pending query fingerprint",
				"investigation_id", r.id, "check", check, "error", err)
			continue
		}
		out = append(out, checkpoint.PendingQuery{
			Fingerprint: fp,
			Demand: gateway.Demand{
				InvestigationID: r.id,
				EntityID:        r.entityID,
				Subject:         r.subject,
				Check:           check,
				Locale:          r.subject.Locale,
				Tier:            r.req.Service.Tier,
				Degree:          contracts.DegreeD1,
				CustomerID:      r.req.CustomerID,
			},
		})
	}
	return out
}

// lastCompletedPhase finds the furthest phase the run finished, in
// pipeline order.
func lastCompletedPhase(r *run) (contracts.PhaseName, bool) {
	order := []contracts.PhaseName{
		contracts.PhaseFoundation,
		contracts.PhaseRecords,
		contracts.PhaseIntelligence,
		contracts.PhaseNetwork,
		contracts.PhaseReconciliation,
	}
	var last contracts.PhaseName
	var found bool
	for _, p := range order {
		if r.donePhases[p] {
			last, found = p, true
		}
	}
	return last, found
}

// buildProfile versions the run's outcome. Partial profiles carry only
// committed findings and keep the partial mark.
func (s *Service) buildProfile(ctx context.Context, r *run, partial bool) (*profile.Profile, error) {
	now := s.clock().UTC()
	score := s.scorer.Score(r.subject.RoleCategory, r.findings)

	version := 1
	history, err := s.profiles.History(ctx, r.entityID)
	if err != nil && !errors.Is(err, profile.ErrNotFound) {
		return nil, fmt.Errorf("investigation: loading profile history: %w", err)
	}
	if n := len(history); n > 0 {
		version = history[n-1].Version + 1
	}

	p := &profile.Profile{
		EntityID:        r.entityID,
		Version:         version,
		InvestigationID: r.id,
		Trigger:         r.req.Trigger,
		Findings:        r.findings,
		RiskScore:       score,
		Connections:     r.connections,
		StaleSources:    r.staleSources,
		ExcludedChecks:  r.excluded,
		DeferredNetwork: r.deferred,
		Partial:         partial,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if version > 1 {
		delta, err := s.detector.BuildDelta(history, p)
		if err != nil {
			return nil, fmt.Errorf("investigation: building delta: %w", err)
		}
		p.Delta = delta
		if r.onlyVersionOnChange && !worthVersioning(delta) {
			// Quiet delta: hand the candidate back unappended.
			p.Version = 0
			return p, nil
		}
	}
	if err := s.profiles.Append(ctx, p); err != nil {
		return nil, fmt.Errorf("investigation: appending profile v%d: %w", version, err)
	}
	return p, nil
}

// worthVersioning reports whether a delta justifies a new profile
// version: any new finding at or above medium severity, or any
// evolution signal.
func worthVersioning(d *profile.Delta) bool {
	if d == nil {
		return false
	}
	if len(d.Signals) > 0 {
		return true
	}
	for _, f := range d.NewFindings {
		if f.Severity.AtLeast(contracts.SeverityMedium) {
			return true
		}
	}
	return false
}

func mergeUnique(have, add []string) []string {
	seen := make(map[string]bool, len(have))
	for _, v := range have {
		seen[v] = true
	}
	for _, v := range add {
		if !seen[v] {
			seen[v] = true
			have = append(have, v)
		}
	}
	return have
}

func appendExcluded(list []string, entry string) []string {
	for _, e := range list {
		if e == entry {
			return list
		}
	}
	return append(list, entry)
}
