package investigation

import (
	"context"
	"fmt"
	"strings"

	"github.com/veritas-labs/scrutiny/pkg/contracts"
	"github.com/veritas-labs/scrutiny/pkg/gateway"
	"github.com/veritas-labs/scrutiny/pkg/inconsistency"
)

// runReconciliation cross-references the contradictions accumulated by
// every phase, scores what remains as deception, and emits the
// verification finding when the score clears the reporting threshold.
func (s *Service) runReconciliation(ctx context.Context, r *run) error {
	if len(r.inconsistencies) == 0 {
		r.deception = 0
		return nil
	}

	remaining, err := s.crossReference(ctx, r)
	if err != nil {
		return err
	}
	r.inconsistencies = remaining

	asmt := s.analyzer.Score(remaining)
	r.deception = asmt.Score
	s.logger.Info("reconciliation scored",
		"investigation_id", r.id,
		"records", len(remaining),
		"deception", asmt.Score,
		"modifiers", len(asmt.Modifiers))

	f, ok := s.analyzer.Finding(r.entityID, asmt, remaining)
	if !ok {
		return nil
	}
	return s.emitFinding(ctx, r, f, 1)
}

// crossReference re-queries the contradicted fields, dropping records a
// fresh source settles in the subject's favor. At most ReconcileMaxQueries
// queries are issued; records past the budget stand as recorded.
func (s *Service) crossReference(ctx context.Context, r *run) ([]inconsistency.Record, error) {
	remaining := make([]inconsistency.Record, 0, len(r.inconsistencies))
	issued := 0
	for _, rec := range r.inconsistencies {
		if issued >= s.cfg.ReconcileMaxQueries || rec.Claimed == "" {
			remaining = append(remaining, rec)
			continue
		}
		check := rec.CheckType
		if check == "" {
			check = contracts.CheckIdentity
		}
		issued++
		resp, err := s.gw.Fetch(ctx, gateway.Demand{
			InvestigationID: r.id,
			EntityID:        r.entityID,
			Subject:         r.subject,
			Check:           check,
			Locale:          r.subject.Locale,
			Tier:            r.req.Service.Tier,
			Degree:          contracts.DegreeD1,
			CustomerID:      r.req.CustomerID,
			Params:          map[string]string{"cross_reference": rec.Field},
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// No source to settle it; the record stands.
			remaining = append(remaining, rec)
			continue
		}
		if settlesInSubjectFavor(resp, rec) {
			s.logger.Debug("inconsistency resolved by cross-reference",
				"investigation_id", r.id, "field", rec.Field)
			continue
		}
		remaining = append(remaining, rec)
	}
	return remaining, nil
}

// settlesInSubjectFavor reports whether a cross-reference response
// corroborates the subject's claimed value for the contradicted field.
func settlesInSubjectFavor(resp *gateway.Response, rec inconsistency.Record) bool {
	want := normalizeField(rec.Claimed)
	for _, f := range resp.Findings {
		v, ok := f.Details[rec.Field]
		if !ok {
			continue
		}
		got, ok := v.(string)
		if !ok {
			got = fmt.Sprintf("%v", v)
		}
		if normalizeField(got) == want {
			return true
		}
	}
	return false
}

func normalizeField(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}
