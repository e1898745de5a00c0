// Package vigilance schedules recurring re-screens. Each enrolled entity
// carries a vigilance level: V0 is one-shot, V1 re-screens fully once a
// year, V2 runs monthly delta checks over the volatile sources and V3
// runs them fortnightly with a real-time sanctions hook. Next-due times
// are deterministic per entity with a hashed jitter so a fleet enrolled
// together does not re-screen together.
package vigilance

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/veritas-labs/scrutiny/pkg/contracts"
	"github.com/veritas-labs/scrutiny/pkg/profile"
)

var (
	ErrScheduleNotFound    = errors.New("vigilance: schedule not found")
	ErrInvalidSchedule     = errors.New("vigilance: invalid schedule")
	ErrRealtimeUnsupported = errors.New("vigilance: real-time events need level v3")
)

// Level of ongoing vigilance.
type Level string

const (
	LevelV0 Level = "v0"
	LevelV1 Level = "v1"
	LevelV2 Level = "v2"
	LevelV3 Level = "v3"
)

// ValidLevel reports whether l is a known level.
func ValidLevel(l Level) bool {
	switch l {
	case LevelV0, LevelV1, LevelV2, LevelV3:
		return true
	default:
		return false
	}
}

// Interval returns the recheck interval for a level, zero for one-shot.
func Interval(l Level) time.Duration {
	switch l {
	case LevelV1:
		return 365 * 24 * time.Hour
	case LevelV2:
		return 30 * 24 * time.Hour
	case LevelV3:
		return 15 * 24 * time.Hour
	default:
		return 0
	}
}

// DeltaChecks returns the checks a recheck at this level covers. Nil
// means a full re-screen.
func DeltaChecks(l Level) []contracts.CheckType {
	switch l {
	case LevelV2, LevelV3:
		return []contracts.CheckType{
			contracts.CheckCriminal,
			contracts.CheckSanctionsPEP,
			contracts.CheckAdverseMedia,
			contracts.CheckRegulatory,
			contracts.CheckCivil,
		}
	default:
		return nil
	}
}

// maxJitterFraction spreads re-screens over at most 5% of the interval.
const maxJitterFraction = 0.05

// NextDueAt computes when an entity's next recheck is due. The jitter is
// a deterministic function of the entity ID, so the schedule survives
// restarts without drifting.
func NextDueAt(entityID string, level Level, lastRun time.Time) time.Time {
	interval := Interval(level)
	if interval == 0 {
		return time.Time{}
	}
	return lastRun.Add(interval + jitterFor(entityID, interval))
}

func jitterFor(entityID string, interval time.Duration) time.Duration {
	sum := sha256.Sum256([]byte(entityID))
	n := binary.BigEndian.Uint64(sum[:8])
	frac := float64(n%10000) / 10000
	return time.Duration(frac * maxJitterFraction * float64(interval))
}

// ScheduledCheck is one entity's recheck schedule.
type ScheduledCheck struct {
	EntityID        string         `json:"entity_id"`
	CustomerID      string         `json:"customer_id,omitempty"`
	Level           Level          `json:"level"`
	Tier            contracts.Tier `json:"tier"`
	RealtimePending bool           `json:"realtime_pending,omitempty"`
	LastRun         time.Time      `json:"last_run"`
	NextDue         time.Time      `json:"next_due,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Validate reports whether the schedule can be persisted.
func (c *ScheduledCheck) Validate() error {
	if c.EntityID == "" {
		return fmt.Errorf("%w: entity id required", ErrInvalidSchedule)
	}
	if !ValidLevel(c.Level) {
		return fmt.Errorf("%w: unknown level %q", ErrInvalidSchedule, c.Level)
	}
	if c.Tier != contracts.TierStandard && c.Tier != contracts.TierEnhanced {
		return fmt.Errorf("%w: unknown tier %q", ErrInvalidSchedule, c.Tier)
	}
	return nil
}

// Store persists schedules. Due returns schedules ready to run: past
// their next-due time or carrying a pending real-time event.
type Store interface {
	Put(ctx context.Context, c *ScheduledCheck) error
	Get(ctx context.Context, entityID string) (*ScheduledCheck, error)
	Due(ctx context.Context, now time.Time) ([]*ScheduledCheck, error)
	List(ctx context.Context) ([]*ScheduledCheck, error)
	Purge(ctx context.Context, entityID string) (int, error)
}

// RecheckRequest asks the runner for one delta or full re-screen.
type RecheckRequest struct {
	Schedule *ScheduledCheck
	Checks   []contracts.CheckType
	Trigger  profile.Trigger
}

// Result is what a recheck produced. ProfileVersion is the version the
// runner appended, zero when nothing changed enough to version.
type Result struct {
	InvestigationID string
	ProfileVersion  int
	Delta           *profile.Delta
}

// Runner executes rechecks. The investigation service satisfies it.
type Runner interface {
	Recheck(ctx context.Context, req RecheckRequest) (*Result, error)
}
