package sar

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/veritas-labs/scrutiny/pkg/compliance"
	"github.com/veritas-labs/scrutiny/pkg/contracts"
	"github.com/veritas-labs/scrutiny/pkg/gateway"
	"github.com/veritas-labs/scrutiny/pkg/knowledge"
)

// ComplianceDecider gates a planned batch of queries. Satisfied by
// *compliance.Engine.
type ComplianceDecider interface {
	Evaluate(ctx context.Context, req compliance.Request) (compliance.Decision, error)
}

// PlanInput carries everything the planner needs for one iteration of
// one type.
type PlanInput struct {
	InvestigationID string
	EntityID        string
	Subject         contracts.Subject
	Check           contracts.CheckType
	Tier            contracts.Tier
	Locale          string
	Degree          contracts.Degree
	CustomerID      string
	ConsentScopes   []string

	// Snapshot is the knowledge base view the enrichment rules read.
	Snapshot knowledge.Snapshot
	// Gaps lists expected fields still unsatisfied after the previous
	// iteration. Empty on the first.
	Gaps []string
	// Iteration is 1-based.
	Iteration int
	// Issued holds the keys of queries already sent in earlier
	// iterations so the planner never repeats one.
	Issued map[string]bool
}

// PlannedQuery is one gateway demand plus the compliance decision that
// authorized it.
type PlannedQuery struct {
	Kind     QueryKind
	Reason   string
	Demand   gateway.Demand
	Decision compliance.Decision
}

// Key canonicalizes the query for cross-iteration dedupe.
func (q PlannedQuery) Key() string {
	return paramKey(q.Kind, q.Demand.Params)
}

// DroppedQuery records a query the planner composed but compliance
// removed.
type DroppedQuery struct {
	Kind   QueryKind `json:"kind"`
	Reason string    `json:"reason"`
}

// Plan is the executable batch for one iteration.
type Plan struct {
	Check   contracts.CheckType
	Queries []PlannedQuery
	Dropped []DroppedQuery
}

// Planner composes queries from a template, the subject and the
// knowledge base, then gates the batch through compliance.
type Planner struct {
	templates map[contracts.CheckType]Template
	decider   ComplianceDecider
}

// NewPlanner builds a planner over the given templates. Nil templates
// fall back to DefaultTemplates.
func NewPlanner(decider ComplianceDecider, templates map[contracts.CheckType]Template) *Planner {
	if templates == nil {
		templates = DefaultTemplates()
	}
	return &Planner{templates: templates, decider: decider}
}

// Template returns the template for a check.
func (p *Planner) Template(check contracts.CheckType) (Template, bool) {
	t, ok := p.templates[check]
	return t, ok
}

// Plan builds the query batch for one iteration. All queries in a batch
// share locale, role, tier and source, so compliance is evaluated once;
// a denial empties the plan and records the rule's reason per query.
func (p *Planner) Plan(ctx context.Context, in PlanInput) (Plan, error) {
	tmpl, ok := p.templates[in.Check]
	if !ok {
		return Plan{}, fmt.Errorf("sar: no template for check %q", in.Check)
	}
	plan := Plan{Check: in.Check}

	candidates := p.compose(tmpl, in)
	if len(candidates) == 0 {
		return plan, nil
	}

	decision, err := p.decider.Evaluate(ctx, compliance.Request{
		InvestigationID: in.InvestigationID,
		SubjectRef:      in.EntityID,
		CustomerID:      in.CustomerID,
		Locale:          in.Locale,
		Role:            in.Subject.RoleCategory,
		Check:           in.Check,
		Tier:            in.Tier,
		Source:          tmpl.Source,
		ConsentScopes:   in.ConsentScopes,
	})
	if err != nil {
		return Plan{}, fmt.Errorf("sar: compliance evaluation: %w", err)
	}
	if !decision.Permitted {
		for _, c := range candidates {
			plan.Dropped = append(plan.Dropped, DroppedQuery{Kind: c.Kind, Reason: decision.Reason})
		}
		return plan, nil
	}

	for _, c := range candidates {
		if decision.LookbackYears > 0 {
			if c.Demand.Params == nil {
				c.Demand.Params = map[string]string{}
			}
			c.Demand.Params["lookback_years"] = strconv.Itoa(decision.LookbackYears)
		}
		c.Decision = decision
		plan.Queries = append(plan.Queries, c)
	}
	return plan, nil
}

// compose builds the candidate queries before compliance, deduped
// against earlier iterations.
func (p *Planner) compose(tmpl Template, in PlanInput) []PlannedQuery {
	var out []PlannedQuery
	seen := map[string]bool{}
	add := func(kind QueryKind, reason string, params map[string]string) {
		key := paramKey(kind, params)
		if seen[key] || in.Issued[key] {
			return
		}
		seen[key] = true
		out = append(out, PlannedQuery{
			Kind:   kind,
			Reason: reason,
			Demand: gateway.Demand{
				InvestigationID: in.InvestigationID,
				EntityID:        in.EntityID,
				Subject:         in.Subject,
				Check:           in.Check,
				Locale:          in.Locale,
				Tier:            in.Tier,
				Degree:          in.Degree,
				CustomerID:      in.CustomerID,
				Params:          params,
			},
		})
	}

	if in.Iteration <= 1 {
		for _, kind := range tmpl.BaseQueries {
			add(kind, "baseline sweep", nil)
		}
	} else {
		for _, gap := range in.Gaps {
			add(QueryGapFill, "unsatisfied field "+gap, map[string]string{"field": gap})
		}
	}

	for _, rule := range tmpl.Enrichments {
		values := in.Snapshot.Values(rule.FromKind)
		if rule.FromKind == knowledge.FactName {
			values = dropOwnName(values, in.Subject.FullName)
		}
		if rule.MaxValues > 0 && len(values) > rule.MaxValues {
			values = values[:rule.MaxValues]
		}
		for _, v := range values {
			add(rule.Kind, fmt.Sprintf("%s from knowledge base", rule.Param), map[string]string{rule.Param: v})
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return kindRank(out[i].Kind) < kindRank(out[j].Kind) })
	return out
}

// kindRank orders plans broad to narrow.
func kindRank(k QueryKind) int {
	switch k {
	case QueryBaseline:
		return 0
	case QueryGapFill:
		return 1
	case QueryAlias:
		return 2
	case QueryJurisdiction:
		return 3
	case QueryCorroborate:
		return 4
	default:
		return 5
	}
}

// dropOwnName removes the subject's primary name from an alias list so
// the baseline and the alias sweep never duplicate.
func dropOwnName(values []string, name string) []string {
	primary := foldName(name)
	out := values[:0:0]
	for _, v := range values {
		if foldName(v) == primary {
			continue
		}
		out = append(out, v)
	}
	return out
}
