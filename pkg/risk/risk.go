// Package risk turns a profile's findings into a composite risk score.
// Category sub-scores combine findings with diminishing returns, role
// profiles weight the categories, and network findings are dampened by
// relationship degree so a cousin's lawsuit never outweighs the
// subject's own record.
package risk

import (
	"math"
	"sort"
	"time"

	"github.com/veritas-labs/scrutiny/pkg/contracts"
)

// DefaultRecencyHalfLifeYears halves a finding's contribution every five
// years of age.
const DefaultRecencyHalfLifeYears = 5.0

// Weights carries the role-dependent category weights. A missing role
// falls back to the general profile; a missing category weighs 1.
type Weights struct {
	Roles                map[contracts.RoleCategory]map[contracts.FindingCategory]float64 `json:"roles" yaml:"roles"`
	RecencyHalfLifeYears float64                                                          `json:"recency_half_life_years" yaml:"recency_half_life_years"`
}

// DefaultWeights returns the shipped role weighting profiles.
func DefaultWeights() Weights {
	return Weights{
		RecencyHalfLifeYears: DefaultRecencyHalfLifeYears,
		Roles: map[contracts.RoleCategory]map[contracts.FindingCategory]float64{
			contracts.RoleGeneral: {},
			contracts.RoleFinance: {
				contracts.CategoryFinancial:  1.6,
				contracts.CategoryRegulatory: 1.4,
				contracts.CategoryCriminal:   1.2,
			},
			contracts.RoleHealthcare: {
				contracts.CategoryCriminal:     1.4,
				contracts.CategoryIdentity:     1.2,
				contracts.CategoryVerification: 1.2,
			},
			contracts.RoleGovernment: {
				contracts.CategoryIdentity: 1.5,
				contracts.CategoryCriminal: 1.3,
				contracts.CategoryNetwork:  1.3,
			},
			contracts.RoleExecutive: {
				contracts.CategoryReputation: 1.4,
				contracts.CategoryFinancial:  1.3,
				contracts.CategoryNetwork:    1.2,
			},
		},
	}
}

func (w Weights) weight(role contracts.RoleCategory, category contracts.FindingCategory) float64 {
	table, ok := w.Roles[role]
	if !ok {
		table = w.Roles[contracts.RoleGeneral]
	}
	if v, ok := table[category]; ok && v > 0 {
		return v
	}
	return 1
}

// CategoryScore is one category's weighted sub-score.
type CategoryScore struct {
	Category contracts.FindingCategory `json:"category"`
	SubScore float64                   `json:"sub_score"`
	Weight   float64                   `json:"weight"`
	Findings int                       `json:"findings"`
}

// Score is the composite risk verdict for one profile.
type Score struct {
	Total      float64                `json:"total"`
	Role       contracts.RoleCategory `json:"role"`
	Categories []CategoryScore        `json:"categories,omitempty"`
	ScoredAt   time.Time              `json:"scored_at"`
}

// Scorer computes composite risk scores.
type Scorer struct {
	weights Weights
	clock   func() time.Time
}

// Option configures a Scorer.
type Option func(*Scorer)

// WithClock overrides the time source used for recency decay.
func WithClock(clock func() time.Time) Option {
	return func(s *Scorer) { s.clock = clock }
}

func NewScorer(weights Weights, opts ...Option) *Scorer {
	s := &Scorer{weights: weights, clock: time.Now}
	if s.weights.RecencyHalfLifeYears <= 0 {
		s.weights.RecencyHalfLifeYears = DefaultRecencyHalfLifeYears
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Score combines findings into a composite in [0, 1]. Each finding
// contributes severity weight x recency decay x confidence, dampened by
// network degree; contributions combine per category with diminishing
// returns and categories average under the role's weights.
func (s *Scorer) Score(role contracts.RoleCategory, findings []contracts.Finding) Score {
	now := s.clock()
	out := Score{Role: role, ScoredAt: now}
	if len(findings) == 0 {
		return out
	}

	survival := make(map[contracts.FindingCategory]float64)
	counts := make(map[contracts.FindingCategory]int)
	for _, f := range findings {
		c := s.contribution(f, now)
		if c <= 0 {
			continue
		}
		if _, ok := survival[f.Category]; !ok {
			survival[f.Category] = 1
		}
		survival[f.Category] *= 1 - c
		counts[f.Category]++
	}

	var weightedSum, weightTotal float64
	for category, surv := range survival {
		sub := clamp01(1 - surv)
		weight := s.weights.weight(role, category)
		out.Categories = append(out.Categories, CategoryScore{
			Category: category,
			SubScore: sub,
			Weight:   weight,
			Findings: counts[category],
		})
		weightedSum += weight * sub
		weightTotal += weight
	}
	sort.Slice(out.Categories, func(i, j int) bool {
		a, b := out.Categories[i], out.Categories[j]
		if a.SubScore*a.Weight != b.SubScore*b.Weight {
			return a.SubScore*a.Weight > b.SubScore*b.Weight
		}
		return a.Category < b.Category
	})

	if weightTotal > 0 {
		out.Total = clamp01(weightedSum / weightTotal)
	}
	return out
}

func (s *Scorer) contribution(f contracts.Finding, now time.Time) float64 {
	c := severityWeight(f.Severity) * s.recencyDecay(f, now) * clamp01(f.Confidence) * degreeFactor(f.Degree)
	return clamp01(c)
}

func severityWeight(sev contracts.Severity) float64 {
	return float64(sev.Rank()) / 4
}

func (s *Scorer) recencyDecay(f contracts.Finding, now time.Time) float64 {
	acquired := f.Provenance.AcquiredAt
	if acquired.IsZero() || !acquired.Before(now) {
		return 1
	}
	years := now.Sub(acquired).Hours() / (24 * 365.25)
	return math.Pow(0.5, years/s.weights.RecencyHalfLifeYears)
}

func degreeFactor(d contracts.Degree) float64 {
	switch d {
	case contracts.DegreeD2:
		return 0.5
	case contracts.DegreeD3:
		return 0.25
	}
	return 1
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
