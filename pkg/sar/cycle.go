package sar

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/veritas-labs/scrutiny/pkg/contracts"
	"github.com/veritas-labs/scrutiny/pkg/inconsistency"
	"github.com/veritas-labs/scrutiny/pkg/knowledge"
)

// Config tunes the refine loop's termination.
type Config struct {
	// CompleteThreshold is the type confidence at which a cycle stops.
	CompleteThreshold float64
	// MaxIterations caps search iterations per type.
	MaxIterations int
	// MinGainRate ends the cycle when an iteration's information gain
	// falls below it.
	MinGainRate float64
}

// DefaultConfig returns the standard termination settings.
func DefaultConfig() Config {
	return Config{
		CompleteThreshold: 0.85,
		MaxIterations:     3,
		MinGainRate:       0.10,
	}
}

// CycleInput identifies the subject and type a cycle runs for.
type CycleInput struct {
	InvestigationID string
	EntityID        string
	Subject         contracts.Subject
	Check           contracts.CheckType
	Tier            contracts.Tier
	Locale          string
	Degree          contracts.Degree
	CustomerID      string
	ConsentScopes   []string

	// Base is the investigation's shared knowledge base.
	Base *knowledge.Base

	// Threshold and MaxIterations override the configured defaults
	// when positive. The foundation phase runs at a stricter bar.
	Threshold     float64
	MaxIterations int
}

// CycleState is the cumulative outcome of a cycle, serializable for
// checkpoints.
type CycleState struct {
	Check           contracts.CheckType    `json:"check"`
	Status          contracts.TypeStatus   `json:"status"`
	Iteration       int                    `json:"iteration"`
	TypeConfidence  float64                `json:"type_confidence"`
	InfoGainRate    float64                `json:"info_gain_rate"`
	Findings        []contracts.Finding    `json:"findings,omitempty"`
	Inconsistencies []inconsistency.Record `json:"inconsistencies,omitempty"`
	Gaps            []string               `json:"gaps,omitempty"`
	StaleSources    []string               `json:"stale_sources,omitempty"`
	QueriesIssued   int                    `json:"queries_issued"`
	Dropped         []DroppedQuery         `json:"dropped,omitempty"`
	Error           string                 `json:"error,omitempty"`
}

// Cycle drives search, assess, refine for one information type.
type Cycle struct {
	planner  *Planner
	executor *Executor
	assessor *Assessor
	cfg      Config
	logger   *slog.Logger
}

// Option customizes a Cycle.
type Option func(*Cycle)

// WithConfig replaces the termination settings.
func WithConfig(cfg Config) Option {
	return func(c *Cycle) { c.cfg = cfg }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cycle) { c.logger = logger }
}

// NewCycle wires a cycle from its three stages.
func NewCycle(planner *Planner, executor *Executor, assessor *Assessor, opts ...Option) *Cycle {
	c := &Cycle{
		planner:  planner,
		executor: executor,
		assessor: assessor,
		cfg:      DefaultConfig(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "sar")
	return c
}

// Run executes the cycle to completion. Type-level outcomes, including
// provider exhaustion and compliance denial, are reported in the
// returned state with a nil error; a non-nil error means the cycle was
// cut short by cancellation or an infrastructure fault and the state is
// partial.
func (c *Cycle) Run(ctx context.Context, in CycleInput) (CycleState, error) {
	threshold := c.cfg.CompleteThreshold
	if in.Threshold > 0 {
		threshold = in.Threshold
	}
	maxIter := c.cfg.MaxIterations
	if in.MaxIterations > 0 {
		maxIter = in.MaxIterations
	}

	state := CycleState{Check: in.Check, Status: contracts.TypeInProgress}
	tmpl, ok := c.planner.Template(in.Check)
	if !ok {
		state.Status = contracts.TypeFailed
		state.Error = fmt.Sprintf("no template for check %q", in.Check)
		return state, fmt.Errorf("sar: no template for check %q", in.Check)
	}

	issued := map[string]bool{}
	satisfied := map[string]bool{}
	seen := map[string]bool{}
	totalSucceeded := 0

	for iter := 1; iter <= maxIter; iter++ {
		state.Iteration = iter

		snap, err := in.Base.Snapshot(ctx)
		if err != nil {
			state.Status = contracts.TypeFailed
			state.Error = err.Error()
			return state, fmt.Errorf("sar: knowledge snapshot: %w", err)
		}

		plan, err := c.planner.Plan(ctx, PlanInput{
			InvestigationID: in.InvestigationID,
			EntityID:        in.EntityID,
			Subject:         in.Subject,
			Check:           in.Check,
			Tier:            in.Tier,
			Locale:          in.Locale,
			Degree:          in.Degree,
			CustomerID:      in.CustomerID,
			ConsentScopes:   in.ConsentScopes,
			Snapshot:        snap,
			Gaps:            state.Gaps,
			Iteration:       iter,
			Issued:          issued,
		})
		if err != nil {
			state.Status = contracts.TypeFailed
			state.Error = err.Error()
			return state, err
		}
		state.Dropped = append(state.Dropped, plan.Dropped...)

		if len(plan.Queries) == 0 {
			if iter == 1 {
				state.Status = contracts.TypeFailed
				if len(plan.Dropped) > 0 {
					state.Error = "compliance denied all queries: " + plan.Dropped[0].Reason
				} else {
					state.Error = "no queries planned"
				}
				c.logger.Warn("type blocked before first query", "check", in.Check, "entity_id", in.EntityID, "error", state.Error)
				return state, nil
			}
			// Nothing left to ask means nothing left to learn.
			state.Status = contracts.TypeCompleteDiminished
			return state, nil
		}

		results, err := c.executor.Execute(ctx, plan)
		for _, q := range plan.Queries {
			issued[q.Key()] = true
		}
		state.QueriesIssued += len(plan.Queries)
		if err != nil {
			state.Error = err.Error()
			return state, fmt.Errorf("sar: execute iteration %d: %w", iter, err)
		}

		asmt, err := c.assessor.Assess(ctx, AssessInput{
			Check:           in.Check,
			Template:        tmpl,
			Base:            in.Base,
			Results:         results,
			Satisfied:       satisfied,
			Seen:            seen,
			Prior:           snap.Stats,
			PriorDiscovered: len(snap.Discovered),
			PriorConflicts:  len(snap.Conflicts),
		})
		if err != nil {
			state.Status = contracts.TypeFailed
			state.Error = err.Error()
			return state, err
		}
		satisfied = asmt.Satisfied
		seen = asmt.Seen
		totalSucceeded += asmt.Succeeded

		state.Findings = append(state.Findings, asmt.Findings...)
		state.Inconsistencies = append(state.Inconsistencies, asmt.Inconsistencies...)
		state.StaleSources = mergeUnique(state.StaleSources, asmt.StaleSources)
		state.TypeConfidence = asmt.TypeConfidence
		state.InfoGainRate = asmt.InfoGainRate
		state.Gaps = asmt.Gaps

		if totalSucceeded == 0 {
			state.Status = contracts.TypeFailed
			if cause := firstResultErr(results); cause != nil {
				state.Error = cause.Error()
			} else {
				state.Error = "all queries failed"
			}
			c.logger.Warn("type failed, no source answered", "check", in.Check, "entity_id", in.EntityID, "error", state.Error)
			return state, nil
		}

		c.logger.Debug("iteration assessed",
			"check", in.Check,
			"iteration", iter,
			"confidence", asmt.TypeConfidence,
			"gain_rate", asmt.InfoGainRate,
			"findings", len(asmt.Findings),
			"gaps", len(asmt.Gaps))

		switch {
		case asmt.TypeConfidence >= threshold:
			state.Status = contracts.TypeCompleteThreshold
			return state, nil
		case iter >= maxIter:
			state.Status = contracts.TypeCompleteCapped
			return state, nil
		case asmt.InfoGainRate < c.cfg.MinGainRate:
			state.Status = contracts.TypeCompleteDiminished
			return state, nil
		}
	}

	state.Status = contracts.TypeCompleteCapped
	return state, nil
}

func firstResultErr(results []QueryResult) error {
	for _, r := range results {
		if r.Err != nil {
			return r.Err
		}
	}
	return nil
}

func mergeUnique(have, add []string) []string {
	seen := map[string]bool{}
	for _, s := range have {
		seen[s] = true
	}
	for _, s := range add {
		if !seen[s] {
			seen[s] = true
			have = append(have, s)
		}
	}
	return have
}
