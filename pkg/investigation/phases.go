package investigation

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/veritas-labs/scrutiny/pkg/contracts"
	"github.com/veritas-labs/scrutiny/pkg/sar"
)

// identityAbort signals that the identity type failed and the
// investigation must stop with a partial profile.
type identityAbort struct {
	cause string
}

func (e *identityAbort) Error() string {
	return fmt.Sprintf("investigation: %s: %s", contracts.AbortIdentityUnverified, e.cause)
}

func (e *identityAbort) Unwrap() error { return contracts.ErrIdentityUnverified }

// wantsCheck reports whether the run screens this type at all: a delta
// recheck restricts to its subset, and the service configuration may
// exclude types. Identity is never excludable.
func (r *run) wantsCheck(check contracts.CheckType) bool {
	if check != contracts.CheckIdentity && r.req.Service.Excluded(check) {
		return false
	}
	if len(r.req.Checks) == 0 {
		return true
	}
	for _, c := range r.req.Checks {
		if c == check {
			return true
		}
	}
	return false
}

// runType executes one SAR cycle under the per-type timeout and folds
// the outcome into the run. Folding serializes under mu when the caller
// runs types in parallel.
func (s *Service) runType(ctx context.Context, r *run, mu *sync.Mutex, in sar.CycleInput) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.TypeTimeout)
	defer cancel()

	state, err := s.cycle.Run(ctx, in)
	if err != nil {
		if ctx.Err() != nil && err != nil {
			// The type timed out or the screening was cancelled; the
			// partial state still carries committed work.
			mu.Lock()
			defer mu.Unlock()
			if aerr := s.assimilate(context.WithoutCancel(ctx), r, state); aerr != nil {
				return aerr
			}
			return ctx.Err()
		}
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	return s.assimilate(ctx, r, state)
}

func (s *Service) cycleInput(r *run, check contracts.CheckType) sar.CycleInput {
	return sar.CycleInput{
		InvestigationID: r.id,
		EntityID:        r.entityID,
		Subject:         r.subject,
		Check:           check,
		Tier:            r.req.Service.Tier,
		Locale:          r.subject.Locale,
		Degree:          contracts.DegreeD1,
		CustomerID:      r.req.CustomerID,
		ConsentScopes:   r.req.ConsentScopes,
		Base:            r.base,
	}
}

// runFoundation runs identity, employment and education strictly in
// order at the foundation bar. An identity type that fails, or ends
// without clearing the bar, aborts the whole screening.
func (s *Service) runFoundation(ctx context.Context, r *run) error {
	var mu sync.Mutex
	for _, check := range contracts.FoundationChecks() {
		if !r.wantsCheck(check) {
			continue
		}
		if st, ok := r.typeStates[check]; ok && st.Complete() {
			continue // restored from checkpoint
		}
		in := s.cycleInput(r, check)
		in.Threshold = s.cfg.FoundationThreshold
		in.MaxIterations = s.cfg.FoundationMaxIterations

		if err := s.runType(ctx, r, &mu, in); err != nil {
			return err
		}
		if check == contracts.CheckIdentity && r.typeStates[check] == contracts.TypeFailed {
			return &identityAbort{cause: "identity cycle failed"}
		}
	}
	return nil
}

// runRecords fans the records types out in parallel, bounded by the
// per-investigation concurrency ceiling.
func (s *Service) runRecords(ctx context.Context, r *run) error {
	checks := contracts.RecordsChecks()
	for _, extra := range r.req.Service.AdditionalChecks {
		if !containsCheck(checks, extra) && !containsCheck(contracts.FoundationChecks(), extra) {
			checks = append(checks, extra)
		}
	}
	return s.runParallel(ctx, r, checks)
}

// runIntelligence runs adverse media, plus the digital footprint under
// the enhanced tier.
func (s *Service) runIntelligence(ctx context.Context, r *run) error {
	return s.runParallel(ctx, r, contracts.IntelligenceChecks(r.req.Service.Tier))
}

func (s *Service) runParallel(ctx context.Context, r *run, checks []contracts.CheckType) error {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.TypeConcurrency)
	for _, check := range checks {
		if !r.wantsCheck(check) {
			continue
		}
		if st, ok := r.typeStates[check]; ok && st.Complete() {
			continue
		}
		in := s.cycleInput(r, check)
		g.Go(func() error {
			return s.runType(gctx, r, &mu, in)
		})
	}
	return g.Wait()
}

func containsCheck(list []contracts.CheckType, c contracts.CheckType) bool {
	for _, v := range list {
		if v == c {
			return true
		}
	}
	return false
}
