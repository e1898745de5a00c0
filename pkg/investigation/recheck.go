package investigation

import (
	"context"
	"errors"
	"fmt"

	"github.com/veritas-labs/scrutiny/pkg/checkpoint"
	"github.com/veritas-labs/scrutiny/pkg/contracts"
	"github.com/veritas-labs/scrutiny/pkg/knowledge"
	"github.com/veritas-labs/scrutiny/pkg/profile"
	"github.com/veritas-labs/scrutiny/pkg/vigilance"
)

// Recheck satisfies vigilance.Runner: it re-screens an enrolled entity,
// fully for annual reviews and over the volatile subset for delta
// checks. A new profile version is appended only when the delta carries
// something worth alerting on.
func (s *Service) Recheck(ctx context.Context, req vigilance.RecheckRequest) (*vigilance.Result, error) {
	if req.Schedule == nil {
		return nil, fmt.Errorf("investigation: recheck without schedule")
	}
	ent, err := s.entities.Canonical(ctx, req.Schedule.EntityID)
	if err != nil {
		return nil, fmt.Errorf("investigation: loading enrolled entity: %w", err)
	}
	subject := subjectFromEntity(ent)
	if subject.Locale == "" {
		subject.Locale = "US"
	}

	svc := contracts.ServiceConfig{
		Tier:      req.Schedule.Tier,
		Vigilance: contracts.Vigilance(req.Schedule.Level),
		Degrees:   contracts.DegreeD1,
		Review:    contracts.ReviewAutomated,
	}
	if len(req.Checks) == 0 && req.Schedule.Tier == contracts.TierEnhanced {
		// Full re-screens walk the direct network again.
		svc.Degrees = contracts.DegreeD2
	}

	r := &run{
		id:       "recheck-" + req.Schedule.EntityID + "-" + s.clock().UTC().Format("20060102T150405"),
		entityID: req.Schedule.EntityID,
		req: Request{
			Subject:    subject,
			CustomerID: req.Schedule.CustomerID,
			Service:    svc,
			Trigger:    req.Trigger,
			Checks:     req.Checks,
		},
		subject:             subject,
		typeStates:          make(map[contracts.CheckType]contracts.TypeStatus),
		emitted:             make(map[checkpoint.EmittedKey]bool),
		visited:             map[string]bool{req.Schedule.EntityID: true},
		donePhases:          make(map[contracts.PhaseName]bool),
		onlyVersionOnChange: len(req.Checks) > 0,
	}
	if len(req.Checks) > 0 {
		// Delta rechecks trust the standing foundation.
		r.donePhases[contracts.PhaseFoundation] = true
	}

	out, err := s.drive(ctx, r)
	if err != nil {
		return nil, err
	}
	res := &vigilance.Result{InvestigationID: out.InvestigationID}
	if out.Profile != nil {
		res.Delta = out.Profile.Delta
		if out.Profile.Version > 0 {
			res.ProfileVersion = out.Profile.Version
		}
	}
	return res, nil
}

// Resume continues an interrupted screening from its latest checkpoint.
// The caller re-supplies the original request; committed findings and
// completed phases are restored, and emitted keys keep re-run phases
// from emitting a finding twice.
func (s *Service) Resume(ctx context.Context, investigationID string, req Request) (*Outcome, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.Trigger == "" {
		req.Trigger = profile.TriggerInitial
	}
	cp, err := s.checkpoints.Restore(ctx, investigationID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotResumable, investigationID)
		}
		return nil, fmt.Errorf("investigation: restoring checkpoint: %w", err)
	}

	r := &run{
		id:         cp.InvestigationID,
		entityID:   cp.EntityID,
		req:        req,
		subject:    req.Subject,
		typeStates: make(map[contracts.CheckType]contracts.TypeStatus),
		emitted:    make(map[checkpoint.EmittedKey]bool),
		visited:    map[string]bool{cp.EntityID: true},
		donePhases: donePhasesThrough(contracts.PhaseName(cp.Phase)),
		findings:   cp.Findings,
	}
	for check, st := range cp.TypeStates {
		r.typeStates[check] = st
	}
	for _, k := range cp.Emitted {
		r.emitted[k] = true
	}

	r.base = knowledge.New(r.entityID, s.providers, knowledge.WithClock(s.clock))
	if len(cp.Facts) > 0 {
		if _, err := r.base.AssertAll(ctx, cp.Facts); err != nil {
			r.base.Close()
			return nil, fmt.Errorf("investigation: restoring facts: %w", err)
		}
	}
	for _, d := range cp.Discovered {
		if err := r.base.Discover(ctx, d); err != nil {
			r.base.Close()
			return nil, fmt.Errorf("investigation: restoring discovered entities: %w", err)
		}
	}

	// Queries in flight when the checkpoint was taken consult the cache
	// first by construction: the gateway's freshness flow serves any
	// answer that landed, and re-executes otherwise.
	for _, pq := range cp.Pending {
		if _, err := s.gw.Fetch(ctx, pq.Demand); err != nil {
			s.logger.Warn("pending query re-issue failed",
				"investigation_id", r.id, "fingerprint", pq.Fingerprint, "error", err)
		}
	}

	s.logger.Info("investigation resumed",
		"investigation_id", r.id,
		"entity_id", r.entityID,
		"phase", cp.Phase,
		"findings_restored", len(cp.Findings))
	return s.drive(ctx, r)
}

// donePhasesThrough marks every phase up to and including the
// checkpointed one as complete.
func donePhasesThrough(last contracts.PhaseName) map[contracts.PhaseName]bool {
	order := []contracts.PhaseName{
		contracts.PhaseFoundation,
		contracts.PhaseRecords,
		contracts.PhaseIntelligence,
		contracts.PhaseNetwork,
		contracts.PhaseReconciliation,
	}
	done := make(map[contracts.PhaseName]bool)
	for _, p := range order {
		done[p] = true
		if p == last {
			break
		}
	}
	return done
}
