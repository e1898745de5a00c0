package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/veritas-labs/scrutiny/pkg/contracts"
)

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"José  GARCÍA", "jose garcia"},
		{"  Margaret   Chen ", "margaret chen"},
		{"Łukasz Żółty", "łukasz zołty"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizeName(tt.in), "input %q", tt.in)
	}
}

func TestNameSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, nameSimilarity("Jose Garcia", "josé garcía"))
	assert.Equal(t, 0.0, nameSimilarity("", "Jose Garcia"))

	// One transposed letter keeps the edit component high while the
	// token overlap drops to one of three.
	got := nameSimilarity("Jonathan Weaver", "Jonathon Weaver")
	assert.InDelta(t, 0.6*(14.0/15.0)+0.4*(1.0/3.0), got, 0.0001)
}

func TestDOBAgreement(t *testing.T) {
	tests := []struct {
		name   string
		a, b   string
		want   float64
		wantOK bool
	}{
		{"exact", "1984-07-19", "1984-07-19", 1.0, true},
		{"year and month", "1984-07-19", "1984-07-02", 0.7, true},
		{"year only", "1984-07-19", "1984-01-19", 0.5, true},
		{"mismatch", "1984-07-19", "1990-01-01", 0.0, true},
		{"one side missing", "1984-07-19", "", 0.0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := dobAgreement(tt.a, tt.b)
			assert.Equal(t, tt.wantOK, ok)
			assert.InDelta(t, tt.want, got, 0.0001)
		})
	}
}

func TestMatchScoreRenormalizesMissingComponents(t *testing.T) {
	candidate := &Entity{PrimaryName: "Jose Garcia"}

	// Name is the only present component, so the score equals the name
	// similarity outright.
	score := MatchScore(contracts.Subject{FullName: "Jose Garcia"}, candidate)
	assert.Equal(t, 1.0, score)

	// An exact birth date on both sides keeps a perfect score perfect.
	candidate.DateOfBirth = "1980-01-05"
	score = MatchScore(contracts.Subject{FullName: "Jose Garcia", DateOfBirth: "1980-01-05"}, candidate)
	assert.InDelta(t, 1.0, score, 0.0001)

	// A conflicting birth date drags an identical name well down.
	score = MatchScore(contracts.Subject{FullName: "Jose Garcia", DateOfBirth: "1990-09-23"}, candidate)
	assert.InDelta(t, 0.6/0.85, score, 0.0001)
}

func TestMatchScoreAddresses(t *testing.T) {
	candidate := &Entity{
		PrimaryName: "Jose Garcia",
		Addresses:   []string{"12 Harbor Lane, Portsmouth"},
	}
	subject := contracts.Subject{
		FullName:  "Jose Garcia",
		Addresses: []string{"12 Harbor Lane, Portsmouth"},
	}
	assert.InDelta(t, 1.0, MatchScore(subject, candidate), 0.0001)

	subject.Addresses = []string{"88 Elm Street, Dover"}
	assert.InDelta(t, 0.6/0.75, MatchScore(subject, candidate), 0.0001)
}

func TestMatchScoreUsesAliases(t *testing.T) {
	candidate := &Entity{
		PrimaryName: "Robert Hale",
		Aliases:     []string{"Bob Hale"},
	}
	score := MatchScore(contracts.Subject{FullName: "Bob Hale"}, candidate)
	assert.Equal(t, 1.0, score)
}
