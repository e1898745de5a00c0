// Package profile stores versioned entity profiles. Versions are
// append-only and monotonic per entity; every version after the first
// carries a delta referencing its predecessor, so the full history of
// what the platform believed, and when it changed, is reconstructible.
package profile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/veritas-labs/scrutiny/pkg/contracts"
	"github.com/veritas-labs/scrutiny/pkg/risk"
)

var (
	ErrNotFound        = errors.New("profile: not found")
	ErrVersionConflict = errors.New("profile: version conflict")
	ErrInvalidProfile  = errors.New("profile: invalid profile")
)

// Trigger names what caused a profile version to be built.
type Trigger string

const (
	TriggerInitial   Trigger = "initial_screen"
	TriggerVigilance Trigger = "vigilance_recheck"
	TriggerRealtime  Trigger = "realtime_event"
	TriggerManual    Trigger = "manual"
)

// ValidTrigger reports whether t is a known trigger.
func ValidTrigger(t Trigger) bool {
	switch t {
	case TriggerInitial, TriggerVigilance, TriggerRealtime, TriggerManual:
		return true
	default:
		return false
	}
}

// SignalReview is analyst feedback on an evolution signal.
type SignalReview string

const (
	ReviewConfirmed SignalReview = "confirmed"
	ReviewRejected  SignalReview = "rejected"
)

// Signal is one evolution pattern detected between two versions.
type Signal struct {
	ID         string             `json:"id"`
	Pattern    string             `json:"pattern"`
	Severity   contracts.Severity `json:"severity"`
	Summary    string             `json:"summary"`
	Evidence   map[string]any     `json:"evidence,omitempty"`
	DetectedAt time.Time          `json:"detected_at"`
	Review     SignalReview       `json:"review,omitempty"`
}

// FindingChange pairs the two states of a finding whose attributes
// moved between versions.
type FindingChange struct {
	Before contracts.Finding `json:"before"`
	After  contracts.Finding `json:"after"`
	Fields []string          `json:"fields,omitempty"`
}

// Delta describes what changed relative to the previous version.
type Delta struct {
	FromVersion           int                 `json:"from_version"`
	NewFindings           []contracts.Finding `json:"new_findings,omitempty"`
	ResolvedFindings      []contracts.Finding `json:"resolved_findings,omitempty"`
	ChangedFindings       []FindingChange     `json:"changed_findings,omitempty"`
	RiskScoreChange       float64             `json:"risk_score_change"`
	ConnectionCountChange int                 `json:"connection_count_change"`
	Signals               []Signal            `json:"evolution_signals,omitempty"`
}

// Profile is one immutable version of what the platform knows about an
// entity.
type Profile struct {
	EntityID        string                 `json:"entity_id"`
	Version         int                    `json:"version"`
	InvestigationID string                 `json:"investigation_id,omitempty"`
	Trigger         Trigger                `json:"trigger"`
	Findings        []contracts.Finding    `json:"findings,omitempty"`
	RiskScore       risk.Score             `json:"risk_score"`
	Connections     []contracts.Connection `json:"connections,omitempty"`
	StaleSources    []string               `json:"stale_sources,omitempty"`
	// ExcludedChecks annotates checks the investigation dropped, as
	// "check:reason" pairs (compliance denial, missing consent, exclusion
	// by service configuration).
	ExcludedChecks []string `json:"excluded_checks,omitempty"`
	// DeferredNetwork lists related entities past the per-degree cap that
	// were recorded but not investigated.
	DeferredNetwork []string `json:"deferred_network,omitempty"`
	// Partial marks a profile produced by a cancelled or aborted
	// investigation: it carries only the findings committed before the cut.
	Partial   bool      `json:"partial,omitempty"`
	Delta     *Delta    `json:"delta,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Deleted   bool      `json:"deleted,omitempty"`
}

// Validate checks the version invariants before a store accepts the
// profile.
func (p *Profile) Validate() error {
	if p.EntityID == "" {
		return fmt.Errorf("%w: entity id required", ErrInvalidProfile)
	}
	if p.Version < 1 {
		return fmt.Errorf("%w: version %d out of range", ErrInvalidProfile, p.Version)
	}
	if !ValidTrigger(p.Trigger) {
		return fmt.Errorf("%w: unknown trigger %q", ErrInvalidProfile, p.Trigger)
	}
	if p.CreatedAt.IsZero() {
		return fmt.Errorf("%w: created_at required", ErrInvalidProfile)
	}
	if p.Version == 1 && p.Delta != nil {
		return fmt.Errorf("%w: first version carries no delta", ErrInvalidProfile)
	}
	if p.Version > 1 {
		if p.Delta == nil {
			return fmt.Errorf("%w: version %d requires a delta", ErrInvalidProfile, p.Version)
		}
		if p.Delta.FromVersion != p.Version-1 {
			return fmt.Errorf("%w: delta references version %d, want %d",
				ErrInvalidProfile, p.Delta.FromVersion, p.Version-1)
		}
	}
	return nil
}

// Store persists profile versions.
type Store interface {
	// Append adds the next version for an entity. The version must be
	// exactly one past the current head.
	Append(ctx context.Context, p *Profile) error
	Get(ctx context.Context, entityID string, version int) (*Profile, error)
	Latest(ctx context.Context, entityID string) (*Profile, error)
	// History returns all live versions, ascending.
	History(ctx context.Context, entityID string) ([]*Profile, error)
	// Purge scrubs finding payloads and soft-deletes every version for
	// the entity, returning how many versions it touched.
	Purge(ctx context.Context, entityID string) (int, error)
}
