package contracts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ServiceConfig
		wantErr string
	}{
		{
			name: "valid standard",
			cfg:  ServiceConfig{Tier: TierStandard, Vigilance: VigilanceV0, Degrees: DegreeD1, Review: ReviewAutomated},
		},
		{
			name: "valid enhanced d3",
			cfg:  ServiceConfig{Tier: TierEnhanced, Vigilance: VigilanceV3, Degrees: DegreeD3, Review: ReviewDedicated},
		},
		{
			name:    "d3 requires enhanced",
			cfg:     ServiceConfig{Tier: TierStandard, Vigilance: VigilanceV1, Degrees: DegreeD3, Review: ReviewAnalyst},
			wantErr: "degrees=d3 requires tier=enhanced",
		},
		{
			name:    "unknown tier",
			cfg:     ServiceConfig{Tier: "platinum", Vigilance: VigilanceV1, Degrees: DegreeD1, Review: ReviewAnalyst},
			wantErr: "unknown tier",
		},
		{
			name: "unknown excluded check",
			cfg: ServiceConfig{
				Tier: TierStandard, Vigilance: VigilanceV0, Degrees: DegreeD1, Review: ReviewAutomated,
				ExcludedChecks: []CheckType{"astrology"},
			},
			wantErr: "unknown excluded check",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSeverityOrdering(t *testing.T) {
	assert.True(t, SeverityCritical.AtLeast(SeverityMedium))
	assert.True(t, SeverityMedium.AtLeast(SeverityMedium))
	assert.False(t, SeverityLow.AtLeast(SeverityMedium))
	assert.Equal(t, 0, Severity("bogus").Rank())
}

func TestTierCategoryServableAt(t *testing.T) {
	assert.True(t, TierCategoryCore.ServableAt(TierStandard))
	assert.True(t, TierCategoryCore.ServableAt(TierEnhanced))
	assert.False(t, TierCategoryPremium.ServableAt(TierStandard))
	assert.True(t, TierCategoryPremium.ServableAt(TierEnhanced))
}

func TestFindingValidate(t *testing.T) {
	valid := Finding{
		ID:         "f-1",
		Category:   CategoryCriminal,
		CheckType:  CheckCriminal,
		Severity:   SeverityHigh,
		Confidence: 0.9,
		Title:      "felony conviction",
		Provenance: Provenance{ProviderID: "county-court", AcquiredAt: time.Now()},
	}
	require.NoError(t, valid.Validate())

	badConfidence := valid
	badConfidence.Confidence = 1.2
	require.Error(t, badConfidence.Validate())

	badCategory := valid
	badCategory.Category = "gossip"
	require.Error(t, badCategory.Validate())

	noProvider := valid
	noProvider.Provenance.ProviderID = ""
	require.Error(t, noProvider.Validate())
}

func TestStrongIdentifiers(t *testing.T) {
	s := Subject{
		Kind:     EntityIndividual,
		FullName: "Jordan Blake",
		Identifiers: []Identifier{
			{Kind: IdentifierName, Value: "Jordan Blake"},
			{Kind: IdentifierGovernmentID, Value: "123-45-6789"},
			{Kind: IdentifierPassport, Value: "X9988776"},
		},
	}
	strong := s.StrongIdentifiers()
	require.Len(t, strong, 2)
	assert.Equal(t, IdentifierGovernmentID, strong[0].Kind)
	assert.Equal(t, IdentifierPassport, strong[1].Kind)
}

func TestTypeStatusComplete(t *testing.T) {
	assert.True(t, TypeCompleteThreshold.Complete())
	assert.True(t, TypeCompleteCapped.Complete())
	assert.True(t, TypeCompleteDiminished.Complete())
	assert.False(t, TypeInProgress.Complete())
	assert.False(t, TypeFailed.Complete())
}
