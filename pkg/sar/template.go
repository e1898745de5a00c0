// Package sar runs the search, assess, refine loop for one information
// type. The planner composes provider queries from the subject, the
// knowledge base and the type's template; the executor fans them to the
// gateway; the assessor folds results back into findings, facts and
// inconsistency records; the refiner decides whether the type is done.
package sar

import (
	"sort"
	"strings"

	"github.com/veritas-labs/scrutiny/pkg/contracts"
	"github.com/veritas-labs/scrutiny/pkg/knowledge"
)

// QueryKind classifies why a query was planned.
type QueryKind string

const (
	// QueryBaseline is the opening sweep for a type.
	QueryBaseline QueryKind = "baseline"
	// QueryAlias re-runs the search under another confirmed name.
	QueryAlias QueryKind = "alias_sweep"
	// QueryJurisdiction narrows the search to a county or state learned
	// from another type.
	QueryJurisdiction QueryKind = "jurisdiction"
	// QueryCorroborate seeks a second source for a weak fact.
	QueryCorroborate QueryKind = "corroborate"
	// QueryGapFill targets one unsatisfied expected field.
	QueryGapFill QueryKind = "gap_fill"
)

// ExpectedField is one field the type must satisfy before its gap
// closes. A field is satisfied when a finding carries DetailKey, when
// the knowledge base confirms a fact of FactKind, or, for Search
// fields, when at least one query of the type succeeded.
type ExpectedField struct {
	Name      string             `json:"name" yaml:"name"`
	DetailKey string             `json:"detail_key,omitempty" yaml:"detail_key,omitempty"`
	FactKind  knowledge.FactKind `json:"fact_kind,omitempty" yaml:"fact_kind,omitempty"`
	Search    bool               `json:"search,omitempty" yaml:"search,omitempty"`
}

// EnrichmentRule turns facts learned by other types into narrowed
// queries for this one.
type EnrichmentRule struct {
	FromKind  knowledge.FactKind `json:"from_kind" yaml:"from_kind"`
	Param     string             `json:"param" yaml:"param"`
	Kind      QueryKind          `json:"kind" yaml:"kind"`
	MaxValues int                `json:"max_values" yaml:"max_values"`
}

// FactRule lifts a finding detail into the knowledge base.
type FactRule struct {
	DetailKey string             `json:"detail_key" yaml:"detail_key"`
	Kind      knowledge.FactKind `json:"kind" yaml:"kind"`
}

// Template is the declarative shape of one information type's cycle.
type Template struct {
	Check       contracts.CheckType      `json:"check" yaml:"check"`
	Source      contracts.SourceCategory `json:"source" yaml:"source"`
	Expected    []ExpectedField          `json:"expected" yaml:"expected"`
	BaseQueries []QueryKind              `json:"base_queries" yaml:"base_queries"`
	Enrichments []EnrichmentRule         `json:"enrichments,omitempty" yaml:"enrichments,omitempty"`
	FactRules   []FactRule               `json:"fact_rules,omitempty" yaml:"fact_rules,omitempty"`
}

// DefaultTemplates returns the shipped template per check type.
func DefaultTemplates() map[contracts.CheckType]Template {
	return map[contracts.CheckType]Template{
		contracts.CheckIdentity: {
			Check:  contracts.CheckIdentity,
			Source: contracts.SourceGovernment,
			Expected: []ExpectedField{
				{Name: "full_name", DetailKey: "confirmed_name", FactKind: knowledge.FactName},
				{Name: "date_of_birth", DetailKey: "date_of_birth", FactKind: knowledge.FactDateOfBirth},
				{Name: "address_history", DetailKey: "address", FactKind: knowledge.FactAddress},
			},
			BaseQueries: []QueryKind{QueryBaseline},
			Enrichments: []EnrichmentRule{
				{FromKind: knowledge.FactName, Param: "alias", Kind: QueryAlias, MaxValues: 3},
			},
			FactRules: []FactRule{
				{DetailKey: "confirmed_name", Kind: knowledge.FactName},
				{DetailKey: "date_of_birth", Kind: knowledge.FactDateOfBirth},
				{DetailKey: "address", Kind: knowledge.FactAddress},
				{DetailKey: "state", Kind: knowledge.FactState},
				{DetailKey: "county", Kind: knowledge.FactCounty},
			},
		},
		contracts.CheckEmployment: {
			Check:  contracts.CheckEmployment,
			Source: contracts.SourceCreditBureau,
			Expected: []ExpectedField{
				{Name: "employer", DetailKey: "employer", FactKind: knowledge.FactEmployer},
				{Name: "position_history", DetailKey: "title"},
				{Name: "employment_dates", DetailKey: "start_date"},
			},
			BaseQueries: []QueryKind{QueryBaseline},
			FactRules: []FactRule{
				{DetailKey: "employer", Kind: knowledge.FactEmployer},
				{DetailKey: "work_state", Kind: knowledge.FactState},
				{DetailKey: "work_county", Kind: knowledge.FactCounty},
				{DetailKey: "work_address", Kind: knowledge.FactAddress},
			},
		},
		contracts.CheckEducation: {
			Check:  contracts.CheckEducation,
			Source: contracts.SourceGovernment,
			Expected: []ExpectedField{
				{Name: "school", DetailKey: "school", FactKind: knowledge.FactSchool},
				{Name: "degree", DetailKey: "degree"},
				{Name: "graduation", DetailKey: "graduation_date"},
			},
			BaseQueries: []QueryKind{QueryBaseline},
			FactRules: []FactRule{
				{DetailKey: "school", Kind: knowledge.FactSchool},
				{DetailKey: "campus_state", Kind: knowledge.FactState},
			},
		},
		contracts.CheckCriminal: {
			Check:  contracts.CheckCriminal,
			Source: contracts.SourceCourtRecords,
			Expected: []ExpectedField{
				{Name: "jurisdictions_searched", Search: true},
				{Name: "case_records", DetailKey: "case_number"},
			},
			BaseQueries: []QueryKind{QueryBaseline},
			Enrichments: []EnrichmentRule{
				{FromKind: knowledge.FactCounty, Param: "county", Kind: QueryJurisdiction, MaxValues: 5},
				{FromKind: knowledge.FactState, Param: "state", Kind: QueryJurisdiction, MaxValues: 3},
			},
			FactRules: []FactRule{
				{DetailKey: "county", Kind: knowledge.FactCounty},
				{DetailKey: "state", Kind: knowledge.FactState},
			},
		},
		contracts.CheckCivil: {
			Check:  contracts.CheckCivil,
			Source: contracts.SourceCourtRecords,
			Expected: []ExpectedField{
				{Name: "courts_searched", Search: true},
				{Name: "case_records", DetailKey: "case_number"},
			},
			BaseQueries: []QueryKind{QueryBaseline},
			Enrichments: []EnrichmentRule{
				{FromKind: knowledge.FactCounty, Param: "county", Kind: QueryJurisdiction, MaxValues: 5},
			},
		},
		contracts.CheckFinancial: {
			Check:  contracts.CheckFinancial,
			Source: contracts.SourceCreditBureau,
			Expected: []ExpectedField{
				{Name: "credit_standing", DetailKey: "credit_status"},
				{Name: "public_records", Search: true},
			},
			BaseQueries: []QueryKind{QueryBaseline},
			FactRules: []FactRule{
				{DetailKey: "state", Kind: knowledge.FactState},
			},
		},
		contracts.CheckLicenses: {
			Check:  contracts.CheckLicenses,
			Source: contracts.SourceGovernment,
			Expected: []ExpectedField{
				{Name: "license_records", DetailKey: "license_number", FactKind: knowledge.FactLicense},
			},
			BaseQueries: []QueryKind{QueryBaseline},
			Enrichments: []EnrichmentRule{
				{FromKind: knowledge.FactState, Param: "state", Kind: QueryJurisdiction, MaxValues: 3},
			},
			FactRules: []FactRule{
				{DetailKey: "license_number", Kind: knowledge.FactLicense},
				{DetailKey: "issuing_state", Kind: knowledge.FactState},
			},
		},
		contracts.CheckRegulatory: {
			Check:  contracts.CheckRegulatory,
			Source: contracts.SourceGovernment,
			Expected: []ExpectedField{
				{Name: "registries_searched", Search: true},
				{Name: "disciplinary_records", DetailKey: "action_type"},
			},
			BaseQueries: []QueryKind{QueryBaseline},
		},
		contracts.CheckSanctionsPEP: {
			Check:  contracts.CheckSanctionsPEP,
			Source: contracts.SourceWatchlist,
			Expected: []ExpectedField{
				{Name: "watchlists_screened", Search: true},
			},
			BaseQueries: []QueryKind{QueryBaseline},
			Enrichments: []EnrichmentRule{
				{FromKind: knowledge.FactName, Param: "alias", Kind: QueryAlias, MaxValues: 5},
			},
		},
		contracts.CheckAdverseMedia: {
			Check:  contracts.CheckAdverseMedia,
			Source: contracts.SourceMedia,
			Expected: []ExpectedField{
				{Name: "media_coverage", Search: true},
			},
			BaseQueries: []QueryKind{QueryBaseline},
			Enrichments: []EnrichmentRule{
				{FromKind: knowledge.FactName, Param: "alias", Kind: QueryAlias, MaxValues: 3},
				{FromKind: knowledge.FactEmployer, Param: "organization", Kind: QueryCorroborate, MaxValues: 3},
			},
		},
		contracts.CheckDigitalFootprint: {
			Check:  contracts.CheckDigitalFootprint,
			Source: contracts.SourceOSINT,
			Expected: []ExpectedField{
				{Name: "public_profiles", Search: true},
				{Name: "breach_exposure", DetailKey: "breach"},
			},
			BaseQueries: []QueryKind{QueryBaseline},
			Enrichments: []EnrichmentRule{
				{FromKind: knowledge.FactName, Param: "alias", Kind: QueryAlias, MaxValues: 3},
			},
		},
		contracts.CheckCorporateReg: {
			Check:  contracts.CheckCorporateReg,
			Source: contracts.SourceCorporateRegistry,
			Expected: []ExpectedField{
				{Name: "directorships", DetailKey: "role"},
				{Name: "registrations", DetailKey: "company_number"},
			},
			BaseQueries: []QueryKind{QueryBaseline},
			FactRules: []FactRule{
				{DetailKey: "company_state", Kind: knowledge.FactState},
			},
		},
		contracts.CheckBehavioral: {
			Check:  contracts.CheckBehavioral,
			Source: contracts.SourceBehavioral,
			Expected: []ExpectedField{
				{Name: "behavioral_assessment", Search: true},
			},
			BaseQueries: []QueryKind{QueryBaseline},
		},
	}
}

// paramKey canonicalizes a kind and parameter set for dedupe.
func paramKey(kind QueryKind, params map[string]string) string {
	parts := []string{string(kind)}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, k+"="+params[k])
	}
	return strings.Join(parts, "|")
}

// foldName lowercases and collapses whitespace for name comparison.
func foldName(v string) string {
	return strings.Join(strings.Fields(strings.ToLower(v)), " ")
}
