// Package evolution compares consecutive profile versions and names what
// changed. The diff feeds the delta stored on every version after the
// first; a fixed library of pattern signatures turns structural changes
// (network growth, new sanctions adjacency, financial decline) into
// evolution signals that analysts confirm or reject.
package evolution

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/veritas-labs/scrutiny/pkg/contracts"
	"github.com/veritas-labs/scrutiny/pkg/profile"
)

var (
	ErrUnknownPattern = errors.New("evolution: unknown pattern")
	ErrInvalidReview  = errors.New("evolution: invalid review")
)

// Detection patterns.
const (
	PatternNetworkExpansion   = "network_expansion_rapid"
	PatternShellBuildup       = "shell_company_buildup"
	PatternSanctionsAdjacency = "sanctions_adjacency_new"
	PatternUndisclosed        = "undisclosed_interests_new"
	PatternFinancialDecline   = "financial_deterioration"
	PatternEmploymentDrift    = "behavioral_drift_employment"
)

// Signature describes one detection pattern.
type Signature struct {
	Pattern     string             `json:"pattern"`
	Severity    contracts.Severity `json:"severity"`
	Description string             `json:"description"`
}

// Signatures returns the fixed pattern library.
func Signatures() map[string]Signature {
	return map[string]Signature{
		PatternNetworkExpansion: {
			Pattern:     PatternNetworkExpansion,
			Severity:    contracts.SeverityHigh,
			Description: "connection count grew more than 200% inside the expansion window",
		},
		PatternShellBuildup: {
			Pattern:     PatternShellBuildup,
			Severity:    contracts.SeverityHigh,
			Description: "two or more new shell company indicators in one version",
		},
		PatternSanctionsAdjacency: {
			Pattern:     PatternSanctionsAdjacency,
			Severity:    contracts.SeverityCritical,
			Description: "a connection at any degree is newly sanctioned",
		},
		PatternUndisclosed: {
			Pattern:     PatternUndisclosed,
			Severity:    contracts.SeverityMedium,
			Description: "a business interest appears that the subject did not disclose",
		},
		PatternFinancialDecline: {
			Pattern:     PatternFinancialDecline,
			Severity:    contracts.SeverityHigh,
			Description: "financial risk rose across two or more consecutive versions past the breach threshold",
		},
		PatternEmploymentDrift: {
			Pattern:     PatternEmploymentDrift,
			Severity:    contracts.SeverityMedium,
			Description: "three or more employer changes inside the drift window",
		},
	}
}

// Config holds the detection thresholds.
type Config struct {
	ExpansionGrowth    float64       `json:"expansion_growth"`
	ExpansionWindow    time.Duration `json:"expansion_window"`
	ShellMinIndicators int           `json:"shell_min_indicators"`
	FinancialBreach    float64       `json:"financial_breach"`
	DriftChanges       int           `json:"drift_changes"`
	DriftWindow        time.Duration `json:"drift_window"`
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		ExpansionGrowth:    2.0,
		ExpansionWindow:    183 * 24 * time.Hour,
		ShellMinIndicators: 2,
		FinancialBreach:    0.6,
		DriftChanges:       3,
		DriftWindow:        730 * 24 * time.Hour,
	}
}

// Detector diffs profile versions and detects evolution patterns.
type Detector struct {
	mu       sync.RWMutex
	cfg      Config
	feedback map[feedbackKey]profile.SignalReview
	clock    func() time.Time
	logger   *slog.Logger
}

type feedbackKey struct {
	entityID string
	pattern  string
}

// Option configures a Detector.
type Option func(*Detector)

// WithConfig overrides the detection thresholds.
func WithConfig(cfg Config) Option {
	return func(d *Detector) { d.cfg = cfg }
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(d *Detector) { d.clock = clock }
}

// WithLogger overrides the slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Detector) { d.logger = logger }
}

// NewDetector creates a Detector.
func NewDetector(opts ...Option) *Detector {
	d := &Detector{
		cfg:      DefaultConfig(),
		feedback: make(map[feedbackKey]profile.SignalReview),
		clock:    time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "evolution")
	return d
}

// BuildDelta diffs current against the newest profile in history and
// detects signals over the whole version chain. History must be the
// entity's live versions in ascending order; an empty history means
// current is the first version and carries no delta.
func (d *Detector) BuildDelta(history []*profile.Profile, current *profile.Profile) (*profile.Delta, error) {
	if current == nil {
		return nil, fmt.Errorf("evolution: current profile required")
	}
	if len(history) == 0 {
		return nil, nil
	}
	prev := history[len(history)-1]

	delta := &profile.Delta{
		FromVersion:           prev.Version,
		RiskScoreChange:       current.RiskScore.Total - prev.RiskScore.Total,
		ConnectionCountChange: len(current.Connections) - len(prev.Connections),
	}
	delta.NewFindings, delta.ResolvedFindings, delta.ChangedFindings = diffFindings(prev.Findings, current.Findings)
	delta.Signals = d.detect(history, current, delta)

	if len(delta.Signals) > 0 {
		d.logger.Info("evolution signals detected",
			"entity_id", current.EntityID,
			"from_version", prev.Version,
			"signals", len(delta.Signals))
	}
	return delta, nil
}

// RecordFeedback stores an analyst's verdict on a pattern for an entity.
// Rejected patterns are pre-flagged on future detections so known false
// positives stay visible without re-alerting.
func (d *Detector) RecordFeedback(entityID, pattern string, review profile.SignalReview) error {
	if _, ok := Signatures()[pattern]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPattern, pattern)
	}
	if review != profile.ReviewConfirmed && review != profile.ReviewRejected {
		return fmt.Errorf("%w: %q", ErrInvalidReview, review)
	}
	d.mu.Lock()
	d.feedback[feedbackKey{entityID, pattern}] = review
	d.mu.Unlock()
	d.logger.Info("signal feedback recorded",
		"entity_id", entityID,
		"pattern", pattern,
		"review", review)
	return nil
}

// ReviewFor returns recorded feedback for an entity and pattern.
func (d *Detector) ReviewFor(entityID, pattern string) (profile.SignalReview, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	review, ok := d.feedback[feedbackKey{entityID, pattern}]
	return review, ok
}

func (d *Detector) detect(history []*profile.Profile, current *profile.Profile, delta *profile.Delta) []profile.Signal {
	prev := history[len(history)-1]

	var raw []*profile.Signal
	raw = append(raw, d.networkExpansion(history, current))
	raw = append(raw, d.shellBuildup(delta.NewFindings))
	raw = append(raw, d.sanctionsAdjacency(prev.Connections, current.Connections))
	raw = append(raw, d.undisclosedInterests(prev.Connections, current.Connections))
	raw = append(raw, d.financialDeterioration(history, current))
	raw = append(raw, d.employmentDrift(history, current))

	now := d.clock().UTC()
	var signals []profile.Signal
	for _, sig := range raw {
		if sig == nil {
			continue
		}
		sig.ID = uuid.New().String()
		sig.DetectedAt = now
		if review, ok := d.ReviewFor(current.EntityID, sig.Pattern); ok && review == profile.ReviewRejected {
			sig.Review = profile.ReviewRejected
		}
		signals = append(signals, *sig)
	}
	return signals
}

func (d *Detector) networkExpansion(history []*profile.Profile, current *profile.Profile) *profile.Signal {
	cutoff := current.CreatedAt.Add(-d.cfg.ExpansionWindow)
	baseline := -1
	baselineVersion := 0
	for _, p := range history {
		if p.CreatedAt.Before(cutoff) {
			continue
		}
		baseline = len(p.Connections)
		baselineVersion = p.Version
		break
	}
	if baseline < 0 {
		return nil
	}
	count := len(current.Connections)
	grew := false
	switch {
	case baseline == 0:
		grew = count >= 3
	default:
		grew = float64(count-baseline)/float64(baseline) > d.cfg.ExpansionGrowth
	}
	if !grew {
		return nil
	}
	sig := signalFor(PatternNetworkExpansion)
	sig.Summary = fmt.Sprintf("connection count grew from %d to %d since version %d", baseline, count, baselineVersion)
	sig.Evidence = map[string]any{
		"baseline_connections": baseline,
		"current_connections":  count,
		"baseline_version":     baselineVersion,
		"window_days":          int(d.cfg.ExpansionWindow.Hours() / 24),
	}
	return sig
}

func (d *Detector) shellBuildup(newFindings []contracts.Finding) *profile.Signal {
	var ids []string
	for _, f := range newFindings {
		if isShellIndicator(f) {
			ids = append(ids, f.ID)
		}
	}
	if len(ids) < d.cfg.ShellMinIndicators {
		return nil
	}
	sig := signalFor(PatternShellBuildup)
	sig.Summary = fmt.Sprintf("%d new shell company indicators", len(ids))
	sig.Evidence = map[string]any{"finding_ids": ids, "indicators": len(ids)}
	return sig
}

func (d *Detector) sanctionsAdjacency(prev, curr []contracts.Connection) *profile.Signal {
	newly := newlyFlagged(prev, curr, func(c contracts.Connection) bool { return c.Sanctioned })
	if len(newly) == 0 {
		return nil
	}
	sig := signalFor(PatternSanctionsAdjacency)
	sig.Summary = fmt.Sprintf("%d connections newly sanctioned", len(newly))
	sig.Evidence = map[string]any{"entity_ids": newly}
	return sig
}

func (d *Detector) undisclosedInterests(prev, curr []contracts.Connection) *profile.Signal {
	newly := newlyFlagged(prev, curr, func(c contracts.Connection) bool { return c.Undisclosed })
	if len(newly) == 0 {
		return nil
	}
	sig := signalFor(PatternUndisclosed)
	sig.Summary = fmt.Sprintf("%d undisclosed interests surfaced", len(newly))
	sig.Evidence = map[string]any{"entity_ids": newly}
	return sig
}

func (d *Detector) financialDeterioration(history []*profile.Profile, current *profile.Profile) *profile.Signal {
	scores := make([]float64, 0, len(history)+1)
	for _, p := range history {
		scores = append(scores, financialSubScore(p))
	}
	scores = append(scores, financialSubScore(current))

	streak := 0
	for i := len(scores) - 1; i > 0; i-- {
		if scores[i] <= scores[i-1] {
			break
		}
		streak++
	}
	last := scores[len(scores)-1]
	if streak < 2 || last < d.cfg.FinancialBreach {
		return nil
	}
	sig := signalFor(PatternFinancialDecline)
	sig.Summary = fmt.Sprintf("financial risk rose across %d consecutive versions to %.2f", streak, last)
	sig.Evidence = map[string]any{
		"scores":    scores[len(scores)-1-streak:],
		"threshold": d.cfg.FinancialBreach,
	}
	return sig
}

func (d *Detector) employmentDrift(history []*profile.Profile, current *profile.Profile) *profile.Signal {
	cutoff := current.CreatedAt.Add(-d.cfg.DriftWindow)
	var employers []string
	for _, p := range history {
		if p.CreatedAt.Before(cutoff) {
			continue
		}
		if e := employerOf(p); e != "" {
			employers = append(employers, e)
		}
	}
	if e := employerOf(current); e != "" {
		employers = append(employers, e)
	}

	changes := 0
	for i := 1; i < len(employers); i++ {
		if employers[i] != employers[i-1] {
			changes++
		}
	}
	if changes < d.cfg.DriftChanges {
		return nil
	}
	sig := signalFor(PatternEmploymentDrift)
	sig.Summary = fmt.Sprintf("%d employer changes inside the drift window", changes)
	sig.Evidence = map[string]any{"employers": employers, "changes": changes}
	return sig
}

func signalFor(pattern string) *profile.Signal {
	s := Signatures()[pattern]
	return &profile.Signal{Pattern: s.Pattern, Severity: s.Severity}
}

// diffFindings keys findings by ID and splits them into new, resolved and
// changed relative to prev.
func diffFindings(prev, curr []contracts.Finding) ([]contracts.Finding, []contracts.Finding, []profile.FindingChange) {
	prevByID := make(map[string]contracts.Finding, len(prev))
	for _, f := range prev {
		prevByID[f.ID] = f
	}

	var added []contracts.Finding
	var changed []profile.FindingChange
	currSeen := make(map[string]bool, len(curr))
	for _, f := range curr {
		currSeen[f.ID] = true
		before, ok := prevByID[f.ID]
		if !ok {
			added = append(added, f)
			continue
		}
		if fields := changedFields(before, f); len(fields) > 0 {
			changed = append(changed, profile.FindingChange{Before: before, After: f, Fields: fields})
		}
	}

	var resolved []contracts.Finding
	for _, f := range prev {
		if !currSeen[f.ID] {
			resolved = append(resolved, f)
		}
	}
	return added, resolved, changed
}

func changedFields(before, after contracts.Finding) []string {
	var fields []string
	if before.Severity != after.Severity {
		fields = append(fields, "severity")
	}
	if math.Abs(before.Confidence-after.Confidence) > 1e-9 {
		fields = append(fields, "confidence")
	}
	if before.Title != after.Title {
		fields = append(fields, "title")
	}
	if !detailsEqual(before.Details, after.Details) {
		fields = append(fields, "details")
	}
	return fields
}

// detailsEqual compares detail maps through canonical JSON so an int on
// one side and a float64 on the other read as the same number.
func detailsEqual(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	rawA, errA := json.Marshal(a)
	rawB, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}
	canonA, errA := jcs.Transform(rawA)
	canonB, errB := jcs.Transform(rawB)
	if errA != nil || errB != nil {
		return bytes.Equal(rawA, rawB)
	}
	return bytes.Equal(canonA, canonB)
}

func newlyFlagged(prev, curr []contracts.Connection, flagged func(contracts.Connection) bool) []string {
	was := make(map[string]bool, len(prev))
	for _, c := range prev {
		if flagged(c) {
			was[c.ToEntityID] = true
		}
	}
	var out []string
	for _, c := range curr {
		if flagged(c) && !was[c.ToEntityID] {
			out = append(out, c.ToEntityID)
		}
	}
	return out
}

func isShellIndicator(f contracts.Finding) bool {
	if v, ok := f.Details["shell_indicator"].(bool); ok && v {
		return true
	}
	if vals, ok := f.Details["shell_indicators"].([]any); ok && len(vals) > 0 {
		return true
	}
	if vals, ok := f.Details["shell_indicators"].([]string); ok && len(vals) > 0 {
		return true
	}
	return false
}

func financialSubScore(p *profile.Profile) float64 {
	for _, c := range p.RiskScore.Categories {
		if c.Category == contracts.CategoryFinancial {
			return c.SubScore
		}
	}
	return 0
}

func employerOf(p *profile.Profile) string {
	for _, f := range p.Findings {
		if f.CheckType != contracts.CheckEmployment {
			continue
		}
		if v, ok := f.Details["employer"].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
