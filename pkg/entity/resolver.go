package entity

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/veritas-labs/scrutiny/pkg/audit"
	"github.com/veritas-labs/scrutiny/pkg/contracts"
)

// Outcome of a resolution.
type Outcome string

const (
	OutcomeConfirmedStrong Outcome = "confirmed_strong"
	OutcomeConfirmedFuzzy  Outcome = "confirmed_fuzzy"
	OutcomeAutoMatched     Outcome = "auto_matched"
	OutcomeNewEntity       Outcome = "new_entity"
	OutcomeProvisionalNew  Outcome = "provisional_new"
)

// Resolution is the result of resolving a subject against the registry.
type Resolution struct {
	EntityID     string  `json:"entity_id"`
	Outcome      Outcome `json:"outcome"`
	Score        float64 `json:"score,omitempty"`
	CandidateID  string  `json:"candidate_id,omitempty"`
	Uncertain    bool    `json:"uncertain,omitempty"`
	ReviewTaskID string  `json:"review_task_id,omitempty"`
}

// Thresholds are the fuzzy-match decision boundaries.
type Thresholds struct {
	Confirmed float64 `json:"confirmed"`
	AutoMatch float64 `json:"auto_match"`
	Ambiguous float64 `json:"ambiguous"`
}

// DefaultThresholds returns the standard decision boundaries.
func DefaultThresholds() Thresholds {
	return Thresholds{Confirmed: 0.95, AutoMatch: 0.85, Ambiguous: 0.70}
}

// ReviewEnqueuer accepts review tasks for ambiguous enhanced-tier matches.
type ReviewEnqueuer interface {
	EnqueueMatchReview(ctx context.Context, subjectName, provisionalID, candidateID string, score float64) (string, error)
}

// AuditSink receives merge events. *audit.Log satisfies it.
type AuditSink interface {
	Append(ctx context.Context, rec audit.Record) (*audit.Event, error)
}

// Registry resolves subjects to canonical entities and records merges.
type Registry struct {
	store      Store
	thresholds Thresholds
	auditSink  AuditSink
	review     ReviewEnqueuer
	clock      func() time.Time
	logger     *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) { r.clock = clock }
}

// WithThresholds overrides the match thresholds.
func WithThresholds(t Thresholds) Option {
	return func(r *Registry) { r.thresholds = t }
}

// WithReviewEnqueuer wires the analyst review queue for enhanced-tier
// ambiguous matches.
func WithReviewEnqueuer(q ReviewEnqueuer) Option {
	return func(r *Registry) { r.review = q }
}

// NewRegistry creates a registry over store.
func NewRegistry(store Store, auditSink AuditSink, opts ...Option) *Registry {
	r := &Registry{
		store:      store,
		thresholds: DefaultThresholds(),
		auditSink:  auditSink,
		clock:      time.Now,
		logger:     slog.Default().With("component", "entity"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve maps a subject to a canonical entity. Strong identifiers resolve
// exactly; otherwise the best fuzzy score decides per the tier's rules.
func (r *Registry) Resolve(ctx context.Context, subject contracts.Subject, tier contracts.Tier) (*Resolution, error) {
	for _, id := range subject.StrongIdentifiers() {
		found, err := r.store.FindByStrongIdentifier(ctx, id.Kind, id.Value)
		if err != nil {
			if err == ErrEntityNotFound {
				continue
			}
			return nil, fmt.Errorf("entity: strong identifier lookup failed: %w", err)
		}
		canonical, err := r.Canonical(ctx, found.ID)
		if err != nil {
			return nil, err
		}
		if err := r.absorbSubject(ctx, canonical, subject); err != nil {
			return nil, err
		}
		return &Resolution{EntityID: canonical.ID, Outcome: OutcomeConfirmedStrong, Score: 1}, nil
	}

	candidates, err := r.store.ListByKind(ctx, subject.Kind)
	if err != nil {
		return nil, fmt.Errorf("entity: candidate listing failed: %w", err)
	}
	var (
		best      *Entity
		bestScore float64
	)
	for _, cand := range candidates {
		if cand.MergedInto != "" || cand.Anonymized {
			continue
		}
		if score := MatchScore(subject, cand); score > bestScore {
			best, bestScore = cand, score
		}
	}

	t := r.thresholds
	switch {
	case best != nil && bestScore >= t.Confirmed:
		if err := r.absorbSubject(ctx, best, subject); err != nil {
			return nil, err
		}
		return &Resolution{EntityID: best.ID, Outcome: OutcomeConfirmedFuzzy, Score: bestScore}, nil

	case best != nil && bestScore >= t.Ambiguous && tier == contracts.TierEnhanced:
		// Ambiguous under enhanced review rules: provisional new entity
		// until an analyst resolves it.
		created, err := r.createFromSubject(ctx, subject, true)
		if err != nil {
			return nil, err
		}
		res := &Resolution{
			EntityID:    created.ID,
			Outcome:     OutcomeProvisionalNew,
			Score:       bestScore,
			CandidateID: best.ID,
			Uncertain:   true,
		}
		if r.review != nil {
			taskID, err := r.review.EnqueueMatchReview(ctx, subject.FullName, created.ID, best.ID, bestScore)
			if err != nil {
				return nil, fmt.Errorf("entity: failed to enqueue match review: %w", err)
			}
			res.ReviewTaskID = taskID
		}
		return res, nil

	case best != nil && bestScore >= t.AutoMatch:
		if err := r.absorbSubject(ctx, best, subject); err != nil {
			return nil, err
		}
		return &Resolution{EntityID: best.ID, Outcome: OutcomeAutoMatched, Score: bestScore}, nil

	case best != nil && bestScore >= t.Ambiguous:
		created, err := r.createFromSubject(ctx, subject, false)
		if err != nil {
			return nil, err
		}
		return &Resolution{
			EntityID:    created.ID,
			Outcome:     OutcomeNewEntity,
			Score:       bestScore,
			CandidateID: best.ID,
			Uncertain:   true,
		}, nil

	default:
		created, err := r.createFromSubject(ctx, subject, false)
		if err != nil {
			return nil, err
		}
		return &Resolution{EntityID: created.ID, Outcome: OutcomeNewEntity, Score: bestScore}, nil
	}
}

// ResolveDiscovered resolves a discovered related entity the same way but
// builds the subject from provider output.
func (r *Registry) ResolveDiscovered(ctx context.Context, d contracts.DiscoveredEntity, tier contracts.Tier) (*Resolution, error) {
	subject := contracts.Subject{
		Kind:        d.Kind,
		FullName:    d.Name,
		Identifiers: d.Identifiers,
	}
	return r.Resolve(ctx, subject, tier)
}

// Canonical follows merge forwarding pointers to the canonical entity.
func (r *Registry) Canonical(ctx context.Context, id string) (*Entity, error) {
	seen := make(map[string]struct{})
	current := id
	for {
		if _, loop := seen[current]; loop {
			return nil, fmt.Errorf("entity: forwarding loop at %s", current)
		}
		seen[current] = struct{}{}
		e, err := r.store.Get(ctx, current)
		if err != nil {
			return nil, err
		}
		if e.MergedInto == "" {
			return e, nil
		}
		current = e.MergedInto
	}
}

// Merge folds src into dst, leaving a forwarding pointer on src. The merge
// is audited before the store is touched.
func (r *Registry) Merge(ctx context.Context, dstID, srcID string) error {
	if dstID == srcID {
		return ErrSelfMerge
	}
	dst, err := r.store.Get(ctx, dstID)
	if err != nil {
		return err
	}
	src, err := r.store.Get(ctx, srcID)
	if err != nil {
		return err
	}
	if src.MergedInto != "" {
		return ErrAlreadyMerged
	}

	if r.auditSink != nil {
		if _, err := r.auditSink.Append(ctx, audit.Record{
			Actor:    audit.ActorSystem,
			Category: audit.CategoryMerge,
			Subject:  dstID,
			Action:   "merge",
			Payload:  map[string]any{"source_entity_id": srcID, "target_entity_id": dstID},
		}); err != nil {
			return err
		}
	}

	dst.Aliases = appendMissing(dst.Aliases, src.PrimaryName)
	for _, alias := range src.Aliases {
		dst.Aliases = appendMissing(dst.Aliases, alias)
	}
	for _, addr := range src.Addresses {
		dst.Addresses = appendMissing(dst.Addresses, addr)
	}
	for _, id := range src.Identifiers {
		if !hasIdentifier(dst.Identifiers, id) {
			dst.Identifiers = append(dst.Identifiers, id)
		}
	}
	if dst.DateOfBirth == "" {
		dst.DateOfBirth = src.DateOfBirth
	}
	now := r.clock().UTC()
	dst.LastUpdated = now
	src.MergedInto = dstID
	src.Provisional = false
	src.LastUpdated = now

	if err := r.store.Update(ctx, dst); err != nil {
		return fmt.Errorf("entity: failed to update merge target: %w", err)
	}
	if err := r.store.Update(ctx, src); err != nil {
		return fmt.Errorf("entity: failed to update merge source: %w", err)
	}
	r.logger.Info("entities merged", "source", srcID, "target", dstID)
	return nil
}

// Finalize clears the provisional flag once a review confirms the entity
// is genuinely new.
func (r *Registry) Finalize(ctx context.Context, id string) error {
	e, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}
	e.Provisional = false
	e.LastUpdated = r.clock().UTC()
	return r.store.Update(ctx, e)
}

// Get returns the entity by ID without following forwarding.
func (r *Registry) Get(ctx context.Context, id string) (*Entity, error) {
	return r.store.Get(ctx, id)
}

// Update persists changes to an entity record.
func (r *Registry) Update(ctx context.Context, e *Entity) error {
	return r.store.Update(ctx, e)
}

func (r *Registry) createFromSubject(ctx context.Context, subject contracts.Subject, provisional bool) (*Entity, error) {
	now := r.clock().UTC()
	e := &Entity{
		ID:          uuid.New().String(),
		Kind:        subject.Kind,
		PrimaryName: subject.FullName,
		Aliases:     append([]string(nil), subject.Aliases...),
		DateOfBirth: subject.DateOfBirth,
		Addresses:   append([]string(nil), subject.Addresses...),
		Identifiers: append([]contracts.Identifier(nil), subject.Identifiers...),
		FirstSeen:   now,
		LastUpdated: now,
		Provisional: provisional,
	}
	if err := r.store.Create(ctx, e); err != nil {
		return nil, fmt.Errorf("entity: failed to create entity: %w", err)
	}
	return e, nil
}

// absorbSubject copies newly observed weak identifiers onto a matched
// entity.
func (r *Registry) absorbSubject(ctx context.Context, e *Entity, subject contracts.Subject) error {
	changed := false
	if subject.FullName != "" && normalizeName(subject.FullName) != normalizeName(e.PrimaryName) {
		if next := appendMissing(e.Aliases, subject.FullName); len(next) != len(e.Aliases) {
			e.Aliases = next
			changed = true
		}
	}
	for _, addr := range subject.Addresses {
		if next := appendMissing(e.Addresses, addr); len(next) != len(e.Addresses) {
			e.Addresses = next
			changed = true
		}
	}
	for _, id := range subject.Identifiers {
		if !hasIdentifier(e.Identifiers, id) {
			e.Identifiers = append(e.Identifiers, id)
			changed = true
		}
	}
	if e.DateOfBirth == "" && subject.DateOfBirth != "" {
		e.DateOfBirth = subject.DateOfBirth
		changed = true
	}
	if !changed {
		return nil
	}
	e.LastUpdated = r.clock().UTC()
	return r.store.Update(ctx, e)
}

func appendMissing(list []string, value string) []string {
	if value == "" {
		return list
	}
	for _, existing := range list {
		if existing == value {
			return list
		}
	}
	return append(list, value)
}

func hasIdentifier(list []contracts.Identifier, id contracts.Identifier) bool {
	for _, existing := range list {
		if existing.Kind == id.Kind && existing.Value == id.Value {
			return true
		}
	}
	return false
}
