package contracts

import (
	"errors"
	"fmt"
)

// Sentinel errors for the error kinds shared across packages. Callers match
// with errors.Is; the typed wrappers below carry structured context and
// unwrap to these sentinels.
var (
	ErrIdentityUnverified  = errors.New("contracts: identity unverified")
	ErrComplianceBlocked   = errors.New("contracts: compliance blocked")
	ErrConsentMissing      = errors.New("contracts: consent missing")
	ErrProviderUnavailable = errors.New("contracts: provider unavailable")
	ErrProviderTimeout     = errors.New("contracts: provider timeout")
	ErrProviderRateLimited = errors.New("contracts: provider rate limited")
	ErrStaleBlocked        = errors.New("contracts: stale result blocked")
	ErrDataStale           = errors.New("contracts: data stale")
	ErrEntityAmbiguous     = errors.New("contracts: entity ambiguous")
	ErrCacheWriteConflict  = errors.New("contracts: cache write conflict")
	ErrAuditWriteFailed    = errors.New("contracts: audit write failed")
	ErrNoSourceAvailable   = errors.New("contracts: no source available")
)

// ComplianceBlockedError reports a check dropped by a compliance rule.
type ComplianceBlockedError struct {
	Check  CheckType
	RuleID string
	Reason string
}

func (e *ComplianceBlockedError) Error() string {
	return fmt.Sprintf("contracts: compliance blocked check %s by rule %s: %s", e.Check, e.RuleID, e.Reason)
}

func (e *ComplianceBlockedError) Unwrap() error { return ErrComplianceBlocked }

// ConsentMissingError reports a check dropped for lack of an explicit
// consent scope.
type ConsentMissingError struct {
	Check CheckType
	Scope string
}

func (e *ConsentMissingError) Error() string {
	return fmt.Sprintf("contracts: consent scope %q missing for check %s", e.Scope, e.Check)
}

func (e *ConsentMissingError) Unwrap() error { return ErrConsentMissing }

// EntityAmbiguousError reports a fuzzy resolution in the ambiguous band.
type EntityAmbiguousError struct {
	CandidateID string
	Score       float64
}

func (e *EntityAmbiguousError) Error() string {
	return fmt.Sprintf("contracts: entity match ambiguous: candidate %s score %.2f", e.CandidateID, e.Score)
}

func (e *EntityAmbiguousError) Unwrap() error { return ErrEntityAmbiguous }

// Transient reports whether err is a provider error worth retrying or
// failing over: unavailable, timeout, or rate limited.
func Transient(err error) bool {
	return errors.Is(err, ErrProviderUnavailable) ||
		errors.Is(err, ErrProviderTimeout) ||
		errors.Is(err, ErrProviderRateLimited)
}
