package contracts

// CheckType identifies one information type an investigation can pursue.
// Phases group check types; the freshness policy and compliance rules key
// off them as well.
type CheckType string

const (
	CheckIdentity         CheckType = "identity"
	CheckEmployment       CheckType = "employment"
	CheckEducation        CheckType = "education"
	CheckCriminal         CheckType = "criminal"
	CheckCivil            CheckType = "civil"
	CheckFinancial        CheckType = "financial"
	CheckLicenses         CheckType = "licenses"
	CheckRegulatory       CheckType = "regulatory"
	CheckSanctionsPEP     CheckType = "sanctions_pep"
	CheckAdverseMedia     CheckType = "adverse_media"
	CheckDigitalFootprint CheckType = "digital_footprint"
	CheckCorporateReg     CheckType = "corporate_registry"
	CheckBehavioral       CheckType = "behavioral"
)

// FoundationChecks run strictly in this order; each must clear the foundation
// threshold before the next begins.
func FoundationChecks() []CheckType {
	return []CheckType{CheckIdentity, CheckEmployment, CheckEducation}
}

// RecordsChecks run in parallel, bounded by the investigation concurrency ceiling.
func RecordsChecks() []CheckType {
	return []CheckType{CheckCriminal, CheckCivil, CheckFinancial, CheckLicenses, CheckRegulatory, CheckSanctionsPEP}
}

// IntelligenceChecks run in parallel. Digital footprint is enhanced-tier only.
func IntelligenceChecks(tier Tier) []CheckType {
	checks := []CheckType{CheckAdverseMedia}
	if tier == TierEnhanced {
		checks = append(checks, CheckDigitalFootprint)
	}
	return checks
}

// ValidCheckType reports whether t is a known check type.
func ValidCheckType(t CheckType) bool {
	switch t {
	case CheckIdentity, CheckEmployment, CheckEducation, CheckCriminal,
		CheckCivil, CheckFinancial, CheckLicenses, CheckRegulatory,
		CheckSanctionsPEP, CheckAdverseMedia, CheckDigitalFootprint,
		CheckCorporateReg, CheckBehavioral:
		return true
	}
	return false
}

// Tier is the depth of an investigation: standard uses core sources only,
// enhanced adds premium sources, digital footprint, and D3 expansion.
type Tier string

const (
	TierStandard Tier = "standard"
	TierEnhanced Tier = "enhanced"
)

// TierCategory classifies a provider. Core providers serve both tiers;
// premium providers serve enhanced only.
type TierCategory string

const (
	TierCategoryCore    TierCategory = "core"
	TierCategoryPremium TierCategory = "premium"
)

// ServableAt reports whether a provider of category c may serve tier t.
func (c TierCategory) ServableAt(t Tier) bool {
	if c == TierCategoryPremium {
		return t == TierEnhanced
	}
	return true
}

// Vigilance is the monitoring frequency for an entity after the initial screen.
type Vigilance string

const (
	VigilanceV0 Vigilance = "v0" // one-shot, no monitoring
	VigilanceV1 Vigilance = "v1" // annual full re-screen
	VigilanceV2 Vigilance = "v2" // monthly delta checks
	VigilanceV3 Vigilance = "v3" // twice-monthly delta + real-time hooks
)

// Degree is the relationship breadth of an investigation.
type Degree string

const (
	DegreeD1 Degree = "d1" // subject only
	DegreeD2 Degree = "d2" // direct links
	DegreeD3 Degree = "d3" // second-degree links
)

// ReviewModel selects who resolves ambiguous results.
type ReviewModel string

const (
	ReviewAutomated    ReviewModel = "automated"
	ReviewAnalyst      ReviewModel = "analyst"
	ReviewInvestigator ReviewModel = "investigator"
	ReviewDedicated    ReviewModel = "dedicated"
)

// RoleCategory describes the subject's role for compliance scoping and
// risk weighting.
type RoleCategory string

const (
	RoleGeneral    RoleCategory = "general"
	RoleFinance    RoleCategory = "finance"
	RoleHealthcare RoleCategory = "healthcare"
	RoleGovernment RoleCategory = "government"
	RoleExecutive  RoleCategory = "executive"
)

// SourceCategory classifies where a provider's data originates. Compliance
// rules key off it.
type SourceCategory string

const (
	SourceGovernment        SourceCategory = "government"
	SourceCourtRecords      SourceCategory = "court_records"
	SourceCreditBureau      SourceCategory = "credit_bureau"
	SourceWatchlist         SourceCategory = "watchlist"
	SourceMedia             SourceCategory = "media"
	SourceOSINT             SourceCategory = "osint"
	SourceBehavioral        SourceCategory = "behavioral"
	SourceCorporateRegistry SourceCategory = "corporate_registry"
	SourceVerification      SourceCategory = "verification_network"
)

// DataCategory names a class of personal data a compliance rule can exclude.
// The redactor maps categories to concrete finding fields.
type DataCategory string

const (
	DataPolitical   DataCategory = "political"
	DataReligious   DataCategory = "religious"
	DataHealth      DataCategory = "health"
	DataOrientation DataCategory = "sexual_orientation"
	DataTradeUnion  DataCategory = "trade_union"
	DataBiometric   DataCategory = "biometric"
	DataSpentRecord DataCategory = "spent_record"
	DataSalary      DataCategory = "salary"
)
