//go:build property
// +build property

// Package cache_test contains property-based tests for freshness
// derivation and policy resolution.
package cache_test

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/veritas-labs/scrutiny/pkg/cache"
	"github.com/veritas-labs/scrutiny/pkg/contracts"
)

var propBase = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func stateRank(s cache.State) int {
	switch s {
	case cache.StateFresh:
		return 0
	case cache.StateStale:
		return 1
	default:
		return 2
	}
}

// TestFreshnessOnlyDegrades verifies that an entry's derived state never
// improves as time advances.
// Property: t1 <= t2 implies rank(State(t1)) <= rank(State(t2))
func TestFreshnessOnlyDegrades(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("state is monotone in time", prop.ForAll(
		func(freshHours, staleExtraHours, h1, h2 int) bool {
			e := &cache.Entry{
				AcquiredAt: propBase,
				FreshUntil: propBase.Add(time.Duration(freshHours) * time.Hour),
				StaleUntil: propBase.Add(time.Duration(freshHours+staleExtraHours) * time.Hour),
			}
			if h2 < h1 {
				h1, h2 = h2, h1
			}
			s1 := e.State(propBase.Add(time.Duration(h1) * time.Hour))
			s2 := e.State(propBase.Add(time.Duration(h2) * time.Hour))
			return stateRank(s1) <= stateRank(s2)
		},
		gen.IntRange(0, 1000),
		gen.IntRange(0, 1000),
		gen.IntRange(-100, 3000),
		gen.IntRange(-100, 3000),
	))

	properties.TestingRun(t)
}

// TestResolverIsTotal verifies the policy resolver always lands on one of
// the four defined outcomes for any check, tier, and entry age.
func TestResolverIsTotal(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	table := cache.DefaultPolicyTable()
	checks := make([]contracts.CheckType, 0, len(table.Windows))
	for check := range table.Windows {
		checks = append(checks, check)
	}

	properties.Property("every lookup resolves to a defined outcome", prop.ForAll(
		func(checkIdx, ageHours int, enhanced bool) bool {
			check := checks[checkIdx%len(checks)]
			tier := contracts.TierStandard
			if enhanced {
				tier = contracts.TierEnhanced
			}
			e := &cache.Entry{
				Fingerprint: "fp",
				EntityID:    "e1",
				ProviderID:  "p1",
				Check:       check,
				Origin:      contracts.OriginPaidExternal,
			}
			table.Stamp(e, propBase.Add(-time.Duration(ageHours)*time.Hour))
			switch table.Resolve(e, tier, propBase) {
			case cache.UseFresh, cache.UseStaleFlagAndRefresh, cache.BlockRefresh, cache.MissExecute:
				return true
			}
			return false
		},
		gen.IntRange(0, 1<<20),
		gen.IntRange(0, 24*1000),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

// TestSanctionsNeverServedFromCache verifies no aged sanctions entry is
// ever served, flagged or otherwise.
func TestSanctionsNeverServedFromCache(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	table := cache.DefaultPolicyTable()

	properties.Property("aged sanctions entries always miss", prop.ForAll(
		func(ageSeconds int, enhanced bool) bool {
			tier := contracts.TierStandard
			if enhanced {
				tier = contracts.TierEnhanced
			}
			e := &cache.Entry{
				Fingerprint: "fp",
				EntityID:    "e1",
				ProviderID:  "p1",
				Check:       contracts.CheckSanctionsPEP,
				Origin:      contracts.OriginPaidExternal,
			}
			table.Stamp(e, propBase.Add(-time.Duration(ageSeconds)*time.Second))
			return table.Resolve(e, tier, propBase) == cache.MissExecute
		},
		gen.IntRange(0, 1<<30),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

// TestStampedEntriesAlwaysValid verifies stamped windows satisfy the
// entry ordering invariant for every policy row.
func TestStampedEntriesAlwaysValid(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	table := cache.DefaultPolicyTable()
	checks := make([]contracts.CheckType, 0, len(table.Windows))
	for check := range table.Windows {
		checks = append(checks, check)
	}

	properties.Property("stamping preserves window ordering", prop.ForAll(
		func(checkIdx, offsetHours int) bool {
			e := &cache.Entry{
				Fingerprint: "fp",
				EntityID:    "e1",
				ProviderID:  "p1",
				Check:       checks[checkIdx%len(checks)],
				Origin:      contracts.OriginPaidExternal,
			}
			table.Stamp(e, propBase.Add(time.Duration(offsetHours)*time.Hour))
			return e.Validate() == nil
		},
		gen.IntRange(0, 1<<20),
		gen.IntRange(-10000, 10000),
	))

	properties.TestingRun(t)
}
