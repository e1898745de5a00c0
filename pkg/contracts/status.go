package contracts

// TypeStatus is the terminal or in-flight state of one information type's
// SAR cycle.
type TypeStatus string

const (
	TypePending            TypeStatus = "pending"
	TypeInProgress         TypeStatus = "in_progress"
	TypeCompleteThreshold  TypeStatus = "complete_threshold"
	TypeCompleteCapped     TypeStatus = "complete_capped"
	TypeCompleteDiminished TypeStatus = "complete_diminished"
	TypeFailed             TypeStatus = "failed"
)

// Complete reports whether the status is one of the three completion states.
func (s TypeStatus) Complete() bool {
	switch s {
	case TypeCompleteThreshold, TypeCompleteCapped, TypeCompleteDiminished:
		return true
	}
	return false
}

// PhaseName identifies one investigation phase.
type PhaseName string

const (
	PhaseFoundation     PhaseName = "foundation"
	PhaseRecords        PhaseName = "records"
	PhaseIntelligence   PhaseName = "intelligence"
	PhaseNetwork        PhaseName = "network"
	PhaseReconciliation PhaseName = "reconciliation"
)

// InvestigationStatus is the overall state of one screening.
type InvestigationStatus string

const (
	InvestigationPending   InvestigationStatus = "pending"
	InvestigationRunning   InvestigationStatus = "running"
	InvestigationCompleted InvestigationStatus = "completed"
	InvestigationPartial   InvestigationStatus = "partial"
	InvestigationAborted   InvestigationStatus = "aborted"
)

// AbortReason explains an aborted investigation.
type AbortReason string

const (
	AbortIdentityUnverified AbortReason = "IDENTITY_UNVERIFIED"
)

// ProfileTrigger records why a profile version was produced.
type ProfileTrigger string

const (
	TriggerInitial       ProfileTrigger = "initial_screening"
	TriggerVigilance     ProfileTrigger = "vigilance"
	TriggerRealtimeEvent ProfileTrigger = "realtime_event"
	TriggerManual        ProfileTrigger = "manual"
)

// Origin of a cached result: paid external data is shared platform-wide,
// customer-provided data is isolated to that customer.
type Origin string

const (
	OriginPaidExternal     Origin = "paid_external"
	OriginCustomerProvided Origin = "customer_provided"
)
