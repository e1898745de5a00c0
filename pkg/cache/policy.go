package cache

import (
	"fmt"
	"time"

	"github.com/veritas-labs/scrutiny/pkg/contracts"
)

// StaleAction is what a tier does with a stale entry.
type StaleAction string

const (
	// StaleUse serves the stale entry flagged and refreshes in the
	// background.
	StaleUse StaleAction = "flag"
	// StaleBlock holds the request until a fresh result lands.
	StaleBlock StaleAction = "block"
)

// Outcome is the freshness resolver's verdict for one lookup.
type Outcome string

const (
	UseFresh               Outcome = "use_fresh"
	UseStaleFlagAndRefresh Outcome = "use_stale_flag_and_refresh"
	BlockRefresh           Outcome = "block_refresh"
	MissExecute            Outcome = "miss_execute"
)

// Window is the freshness policy for one check type. StaleForever marks
// checks whose stale window never closes.
type Window struct {
	Fresh           time.Duration `json:"fresh" yaml:"fresh"`
	Stale           time.Duration `json:"stale" yaml:"stale"`
	StaleForever    bool          `json:"stale_forever,omitempty" yaml:"stale_forever,omitempty"`
	OnStaleStandard StaleAction   `json:"on_stale_standard" yaml:"on_stale_standard"`
	OnStaleEnhanced StaleAction   `json:"on_stale_enhanced" yaml:"on_stale_enhanced"`
}

func (w Window) action(tier contracts.Tier) StaleAction {
	if tier == contracts.TierEnhanced {
		return w.OnStaleEnhanced
	}
	return w.OnStaleStandard
}

// PolicyTable maps check types to freshness windows. It is loaded from
// configuration; DefaultPolicyTable supplies the shipped defaults.
type PolicyTable struct {
	Windows map[contracts.CheckType]Window `json:"windows" yaml:"windows"`
}

const day = 24 * time.Hour

// DefaultPolicyTable returns the default freshness windows. Sanctions and
// PEP results carry zero windows: they are never served from cache.
func DefaultPolicyTable() *PolicyTable {
	return &PolicyTable{Windows: map[contracts.CheckType]Window{
		contracts.CheckSanctionsPEP:     {Fresh: 0, Stale: 0, OnStaleStandard: StaleBlock, OnStaleEnhanced: StaleBlock},
		contracts.CheckCriminal:         {Fresh: 7 * day, Stale: 30 * day, OnStaleStandard: StaleUse, OnStaleEnhanced: StaleBlock},
		contracts.CheckAdverseMedia:     {Fresh: 1 * day, Stale: 7 * day, OnStaleStandard: StaleUse, OnStaleEnhanced: StaleBlock},
		contracts.CheckCivil:            {Fresh: 14 * day, Stale: 60 * day, OnStaleStandard: StaleUse, OnStaleEnhanced: StaleUse},
		contracts.CheckFinancial:        {Fresh: 30 * day, Stale: 90 * day, OnStaleStandard: StaleUse, OnStaleEnhanced: StaleUse},
		contracts.CheckCorporateReg:     {Fresh: 30 * day, Stale: 90 * day, OnStaleStandard: StaleUse, OnStaleEnhanced: StaleUse},
		contracts.CheckDigitalFootprint: {Fresh: 30 * day, Stale: 90 * day, OnStaleStandard: StaleBlock, OnStaleEnhanced: StaleUse},
		contracts.CheckEmployment:       {Fresh: 90 * day, Stale: 180 * day, OnStaleStandard: StaleUse, OnStaleEnhanced: StaleUse},
		contracts.CheckBehavioral:       {Fresh: 90 * day, Stale: 180 * day, OnStaleStandard: StaleBlock, OnStaleEnhanced: StaleUse},
		contracts.CheckEducation:        {Fresh: 365 * day, StaleForever: true, OnStaleStandard: StaleUse, OnStaleEnhanced: StaleUse},
		contracts.CheckIdentity:         {Fresh: 90 * day, Stale: 180 * day, OnStaleStandard: StaleUse, OnStaleEnhanced: StaleUse},
		contracts.CheckLicenses:         {Fresh: 30 * day, Stale: 90 * day, OnStaleStandard: StaleUse, OnStaleEnhanced: StaleUse},
		contracts.CheckRegulatory:       {Fresh: 7 * day, Stale: 30 * day, OnStaleStandard: StaleUse, OnStaleEnhanced: StaleBlock},
	}}
}

// Validate checks window ordering and action values for every row.
func (t *PolicyTable) Validate() error {
	for check, w := range t.Windows {
		if !contracts.ValidCheckType(check) {
			return fmt.Errorf("cache: policy for unknown check type %q", check)
		}
		if w.Fresh < 0 || w.Stale < 0 {
			return fmt.Errorf("cache: negative window for %s", check)
		}
		if !w.StaleForever && w.Stale < w.Fresh {
			return fmt.Errorf("cache: stale window shorter than fresh for %s", check)
		}
		for _, a := range []StaleAction{w.OnStaleStandard, w.OnStaleEnhanced} {
			if a != StaleUse && a != StaleBlock {
				return fmt.Errorf("cache: unknown stale action %q for %s", a, check)
			}
		}
	}
	return nil
}

// Window returns the policy row for a check type.
func (t *PolicyTable) Window(check contracts.CheckType) (Window, bool) {
	w, ok := t.Windows[check]
	return w, ok
}

// Stamp sets the entry's freshness windows from the policy for its check.
// Unknown checks get zero windows, which expire immediately.
func (t *PolicyTable) Stamp(e *Entry, acquiredAt time.Time) {
	e.AcquiredAt = acquiredAt
	w, ok := t.Windows[e.Check]
	if !ok {
		e.FreshUntil = acquiredAt
		e.StaleUntil = acquiredAt
		return
	}
	e.FreshUntil = acquiredAt.Add(w.Fresh)
	if w.StaleForever {
		e.StaleUntil = time.Time{}
	} else {
		e.StaleUntil = acquiredAt.Add(w.Stale)
	}
}

// Resolve decides how a lookup result is served. A nil entry is a miss.
// Stale entries consult the tier's action; checks with no policy row fail
// toward refreshing.
func (t *PolicyTable) Resolve(e *Entry, tier contracts.Tier, now time.Time) Outcome {
	if e == nil || e.Deleted {
		return MissExecute
	}
	if w, ok := t.Windows[e.Check]; ok && w.Fresh == 0 && w.Stale == 0 && !w.StaleForever {
		// Zero windows mean the result expires the instant it is acquired.
		return MissExecute
	}
	switch e.State(now) {
	case StateFresh:
		return UseFresh
	case StateStale:
		w, ok := t.Windows[e.Check]
		if !ok {
			return BlockRefresh
		}
		if w.action(tier) == StaleUse {
			return UseStaleFlagAndRefresh
		}
		return BlockRefresh
	default:
		return MissExecute
	}
}
