package investigation

import (
	"context"
	"fmt"
	"sort"

	"github.com/veritas-labs/scrutiny/pkg/contracts"
	"github.com/veritas-labs/scrutiny/pkg/entity"
	"github.com/veritas-labs/scrutiny/pkg/knowledge"
	"github.com/veritas-labs/scrutiny/pkg/sar"
)

// networkChecks is the reduced cycle a related entity runs: identity to
// pin who they are, then the volatile records subset.
func networkChecks() []contracts.CheckType {
	return []contracts.CheckType{
		contracts.CheckIdentity,
		contracts.CheckCriminal,
		contracts.CheckSanctionsPEP,
	}
}

// runNetwork expands to directly related entities (D2) and, under the
// enhanced tier with D3 service, one step further. Each degree is capped;
// entities past the cap are recorded as deferred, not investigated. The
// visited set guarantees no entity is investigated twice per screening.
func (s *Service) runNetwork(ctx context.Context, r *run) error {
	if r.req.Service.Degrees == contracts.DegreeD1 {
		return nil
	}
	snap, err := r.base.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("investigation: network snapshot: %w", err)
	}

	investigated, err := s.expandDegree(ctx, r, r.entityID, snap.Discovered, contracts.DegreeD2)
	if err != nil {
		return err
	}

	if r.req.Service.Degrees != contracts.DegreeD3 || r.req.Service.Tier != contracts.TierEnhanced {
		return nil
	}
	for _, inv := range investigated {
		if _, err := s.expandDegree(ctx, r, inv.entityID, inv.discovered, contracts.DegreeD3); err != nil {
			return err
		}
	}
	return nil
}

// related pairs an investigated network entity with what its own reduced
// cycle discovered, for the next expansion step.
type related struct {
	entityID   string
	discovered []contracts.DiscoveredEntity
}

// expandDegree investigates one degree's worth of related entities from
// a single origin, ordered by link strength then first-seen, capped per
// degree.
func (s *Service) expandDegree(ctx context.Context, r *run, fromID string, discovered []contracts.DiscoveredEntity, degree contracts.Degree) ([]related, error) {
	ordered := append([]contracts.DiscoveredEntity(nil), discovered...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].LinkStrength != ordered[j].LinkStrength {
			return ordered[i].LinkStrength > ordered[j].LinkStrength
		}
		return ordered[i].FirstSeen.Before(ordered[j].FirstSeen)
	})

	var investigated []related
	taken := 0
	for _, d := range ordered {
		res, err := s.entities.ResolveDiscovered(ctx, d, r.req.Service.Tier)
		if err != nil {
			return nil, fmt.Errorf("investigation: resolving discovered entity %q: %w", d.Name, err)
		}
		if r.visited[res.EntityID] {
			continue
		}
		if taken >= s.cfg.NetworkMaxEntitiesPerDegree {
			r.visited[res.EntityID] = true
			r.deferred = append(r.deferred, res.EntityID)
			continue
		}
		taken++
		r.visited[res.EntityID] = true

		inv, err := s.investigateRelated(ctx, r, fromID, res.EntityID, d, degree)
		if err != nil {
			return nil, err
		}
		investigated = append(investigated, inv)
	}
	return investigated, nil
}

// investigateRelated runs the reduced cycle for one network entity in
// its own knowledge base and links it into the connection graph.
func (s *Service) investigateRelated(ctx context.Context, r *run, fromID, entityID string, d contracts.DiscoveredEntity, degree contracts.Degree) (related, error) {
	ent, err := s.entities.Canonical(ctx, entityID)
	if err != nil {
		return related{}, fmt.Errorf("investigation: loading network entity: %w", err)
	}
	subject := subjectFromEntity(ent)
	subject.Locale = r.subject.Locale
	subject.RoleCategory = r.subject.RoleCategory

	base := knowledge.New(entityID, s.providers, knowledge.WithClock(s.clock))
	defer base.Close()

	sanctioned := false
	for _, check := range networkChecks() {
		in := sar.CycleInput{
			InvestigationID: r.id,
			EntityID:        entityID,
			Subject:         subject,
			Check:           check,
			Tier:            r.req.Service.Tier,
			Locale:          subject.Locale,
			Degree:          degree,
			CustomerID:      r.req.CustomerID,
			ConsentScopes:   r.req.ConsentScopes,
			Base:            base,
			MaxIterations:   1,
		}
		state, err := s.cycle.Run(ctx, in)
		if err != nil {
			return related{}, err
		}
		for i := range state.Findings {
			state.Findings[i].Degree = degree
			state.Findings[i].ContributingEntities = appendExcluded(state.Findings[i].ContributingEntities, entityID)
			if state.Findings[i].Category == contracts.CategoryNetwork ||
				state.Findings[i].CheckType == contracts.CheckSanctionsPEP {
				sanctioned = sanctioned || state.Findings[i].Severity.AtLeast(contracts.SeverityHigh)
			}
		}
		for _, f := range state.Findings {
			if err := s.emitFinding(ctx, r, f, state.Iteration); err != nil {
				return related{}, err
			}
		}
		r.inconsistencies = append(r.inconsistencies, state.Inconsistencies...)
		r.staleSources = mergeUnique(r.staleSources, state.StaleSources)
	}

	r.connections = append(r.connections, contracts.Connection{
		FromEntityID: fromID,
		ToEntityID:   entityID,
		Relationship: d.Relationship,
		Degree:       degree,
		LinkStrength: d.LinkStrength,
		FirstSeen:    d.FirstSeen,
		Sanctioned:   sanctioned,
		Undisclosed:  d.Relationship == "undisclosed_interest",
	})

	snap, err := base.Snapshot(ctx)
	if err != nil {
		return related{}, fmt.Errorf("investigation: network entity snapshot: %w", err)
	}
	s.emit(Event{
		InvestigationID: r.id,
		Phase:           contracts.PhaseNetwork,
		Message:         fmt.Sprintf("investigated %s at %s", entityID, degree),
	})
	return related{entityID: entityID, discovered: snap.Discovered}, nil
}

// subjectFromEntity rebuilds a screening subject from a canonical record.
func subjectFromEntity(e *entity.Entity) contracts.Subject {
	return contracts.Subject{
		Kind:        e.Kind,
		FullName:    e.PrimaryName,
		DateOfBirth: e.DateOfBirth,
		Addresses:   append([]string(nil), e.Addresses...),
		Identifiers: append([]contracts.Identifier(nil), e.Identifiers...),
		Aliases:     append([]string(nil), e.Aliases...),
	}
}
