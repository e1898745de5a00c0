package contracts

import "time"

// EntityKind distinguishes the canonical entity record types.
type EntityKind string

const (
	EntityIndividual   EntityKind = "individual"
	EntityOrganization EntityKind = "organization"
	EntityAddress      EntityKind = "address"
)

// IdentifierKind names one identifier a subject or entity may carry.
// Government IDs, EINs, and passports are strong: at most one entity exists
// per equivalence class of strong identifiers.
type IdentifierKind string

const (
	IdentifierGovernmentID IdentifierKind = "government_id"
	IdentifierEIN          IdentifierKind = "ein"
	IdentifierPassport     IdentifierKind = "passport"
	IdentifierName         IdentifierKind = "name"
	IdentifierDOB          IdentifierKind = "dob"
	IdentifierAddress      IdentifierKind = "address"
)

// Strong reports whether the identifier kind uniquely determines an entity.
func (k IdentifierKind) Strong() bool {
	switch k {
	case IdentifierGovernmentID, IdentifierEIN, IdentifierPassport:
		return true
	}
	return false
}

// Identifier is a single (kind, value) pair attached to a subject or entity.
type Identifier struct {
	Kind  IdentifierKind `json:"kind"`
	Value string         `json:"value"`
}

// Subject is the investigation input: who or what to screen.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Subject struct {
	Kind         EntityKind   `json:"kind"`
	FullName     string       `json:"full_name"`
	DateOfBirth  string       `json:"date_of_birth,omitempty"` // ISO 8601 date
	Addresses    []string     `json:"addresses,omitempty"`
	Identifiers  []Identifier `json:"identifiers,omitempty"`
	Aliases      []string     `json:"aliases,omitempty"`
	Locale       string       `json:"locale"`
	RoleCategory RoleCategory `json:"role_category"`
}

// StrongIdentifiers returns the subject's strong identifiers in input order.
func (s Subject) StrongIdentifiers() []Identifier {
	var out []Identifier
	for _, id := range s.Identifiers {
		if id.Kind.Strong() {
			out = append(out, id)
		}
	}
	return out
}

// DiscoveredEntity is a related party surfaced by a provider result. The
// entity registry resolves it; the network phase may investigate it.
type DiscoveredEntity struct {
	Kind         EntityKind   `json:"kind"`
	Name         string       `json:"name"`
	Identifiers  []Identifier `json:"identifiers,omitempty"`
	Relationship string       `json:"relationship"`
	LinkStrength float64      `json:"link_strength"`
	FirstSeen    time.Time    `json:"first_seen"`
	ProviderID   string       `json:"provider_id"`
}

// Connection is one edge of the relationship graph carried on a profile
// version. Degree records at which expansion step the edge was discovered.
type Connection struct {
	FromEntityID string    `json:"from_entity_id"`
	ToEntityID   string    `json:"to_entity_id"`
	Relationship string    `json:"relationship"`
	Degree       Degree    `json:"degree"`
	LinkStrength float64   `json:"link_strength"`
	FirstSeen    time.Time `json:"first_seen"`
	Sanctioned   bool      `json:"sanctioned,omitempty"`
	Undisclosed  bool      `json:"undisclosed,omitempty"`
}
