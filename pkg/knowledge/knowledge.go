// Package knowledge holds the per-investigation knowledge base. Facts
// confirmed while working one information type feed the query planners of
// the others: employment locations become counties for criminal record
// queries, discovered aliases widen sanctions screening, and so on.
//
// A Base is owned by a single goroutine. All mutations and reads pass
// through an unbuffered command channel, so callers never contend on
// locks and assimilation order is linearized no matter how many type
// workers report at once.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/veritas-labs/scrutiny/pkg/contracts"
)

// Errors returned by the knowledge base.
var (
	ErrClosed      = errors.New("knowledge: base closed")
	ErrInvalidFact = errors.New("knowledge: invalid fact")
)

// FactKind classifies a confirmed fact.
type FactKind string

const (
	FactName        FactKind = "name"
	FactDateOfBirth FactKind = "date_of_birth"
	FactAddress     FactKind = "address"
	FactEmployer    FactKind = "employer"
	FactSchool      FactKind = "school"
	FactLicense     FactKind = "license"
	FactCounty      FactKind = "county"
	FactState       FactKind = "state"
)

// ValidKind reports whether k is a known fact kind.
func ValidKind(k FactKind) bool {
	switch k {
	case FactName, FactDateOfBirth, FactAddress, FactEmployer,
		FactSchool, FactLicense, FactCounty, FactState:
		return true
	}
	return false
}

// singleValued marks kinds where two different values contradict each
// other rather than coexist.
func singleValued(k FactKind) bool {
	return k == FactDateOfBirth
}

// Fact is one piece of confirmed knowledge about the subject.
type Fact struct {
	Kind       FactKind            `json:"kind"`
	Value      string              `json:"value"`
	Confidence float64             `json:"confidence"`
	ProviderID string              `json:"provider_id"`
	CheckType  contracts.CheckType `json:"check_type,omitempty"`
	FirstSeen  time.Time           `json:"first_seen"`
	Sources    []string            `json:"sources,omitempty"`
}

// Corroborated reports whether more than one provider asserted the fact.
func (f Fact) Corroborated() bool {
	return len(f.Sources) > 1
}

func (f Fact) validate() error {
	if !ValidKind(f.Kind) {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidFact, f.Kind)
	}
	if strings.TrimSpace(f.Value) == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidFact)
	}
	if f.Confidence < 0 || f.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v out of range", ErrInvalidFact, f.Confidence)
	}
	if f.ProviderID == "" {
		return fmt.Errorf("%w: missing provider", ErrInvalidFact)
	}
	return nil
}

// Outcome is the knowledge base's verdict on one assertion.
type Outcome string

const (
	// OutcomeAdmitted means the fact entered the confirmed set.
	OutcomeAdmitted Outcome = "admitted"
	// OutcomePending means the fact is below the admission threshold and
	// waits for corroboration.
	OutcomePending Outcome = "pending"
	// OutcomeCorroborated means the fact was already confirmed and gained
	// another source.
	OutcomeCorroborated Outcome = "corroborated"
)

// Conflict records an admitted fact contradicting an earlier one for a
// single-valued kind. Both facts stay in the base; the conflict feeds the
// inconsistency analyzer.
type Conflict struct {
	Kind       FactKind  `json:"kind"`
	Winner     Fact      `json:"winner"`
	Loser      Fact      `json:"loser"`
	DetectedAt time.Time `json:"detected_at"`
}

// Stats counts knowledge base activity. Confirmed is monotone, which lets
// assessors compute information gain by differencing snapshots.
type Stats struct {
	Asserted     int `json:"asserted"`
	Confirmed    int `json:"confirmed"`
	Pending      int `json:"pending"`
	Corroborated int `json:"corroborated"`
}

// Snapshot is a point-in-time copy of the base for read-side planning.
// For single-valued kinds the preferred fact sorts first.
type Snapshot struct {
	EntityID   string                       `json:"entity_id"`
	Facts      map[FactKind][]Fact          `json:"facts"`
	Discovered []contracts.DiscoveredEntity `json:"discovered,omitempty"`
	Conflicts  []Conflict                   `json:"conflicts,omitempty"`
	Stats      Stats                        `json:"stats"`
	TakenAt    time.Time                    `json:"taken_at"`
}

// Values returns the confirmed values for a kind, preferred first.
func (s Snapshot) Values(kind FactKind) []string {
	facts := s.Facts[kind]
	out := make([]string, 0, len(facts))
	for _, f := range facts {
		out = append(out, f.Value)
	}
	return out
}

// Preferred returns the conflict-policy winner for a kind.
func (s Snapshot) Preferred(kind FactKind) (Fact, bool) {
	facts := s.Facts[kind]
	if len(facts) == 0 {
		return Fact{}, false
	}
	return facts[0], true
}

// AuthorityRanker breaks confidence ties between conflicting facts.
// Lower rank is more authoritative. *provider.Registry satisfies it.
type AuthorityRanker interface {
	AuthorityRank(providerID string) int
}

// Option configures a Base.
type Option func(*Base)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(b *Base) { b.clock = clock }
}

// WithAdmitThreshold overrides the default admission threshold.
func WithAdmitThreshold(threshold float64) Option {
	return func(b *Base) { b.threshold = threshold }
}

// DefaultAdmitThreshold is the confidence an uncorroborated fact needs
// to enter the confirmed set.
const DefaultAdmitThreshold = 0.7

type factKey struct {
	kind  FactKind
	value string
}

// Base is the per-investigation knowledge base.
type Base struct {
	entityID  string
	ranker    AuthorityRanker
	threshold float64
	clock     func() time.Time

	commands chan func()
	stopCh   chan struct{}
	done     chan struct{}
	closing  sync.Once

	// State below is owned by the run goroutine.
	confirmed  map[factKey]*Fact
	pending    map[factKey]*Fact
	order      map[FactKind][]factKey
	discovered []contracts.DiscoveredEntity
	seen       map[string]bool
	conflicts  []Conflict
	stats      Stats
}

// New starts a knowledge base for one subject entity. The ranker may be
// nil, in which case confidence ties keep the earlier fact.
func New(entityID string, ranker AuthorityRanker, opts ...Option) *Base {
	b := &Base{
		entityID:  entityID,
		ranker:    ranker,
		threshold: DefaultAdmitThreshold,
		clock:     time.Now,
		commands:  make(chan func()),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
		confirmed: make(map[factKey]*Fact),
		pending:   make(map[factKey]*Fact),
		order:     make(map[FactKind][]factKey),
		seen:      make(map[string]bool),
	}
	for _, opt := range opts {
		opt(b)
	}
	go b.run()
	return b
}

// Close stops the owner goroutine. Pending commands submitted before
// Close complete; later calls return ErrClosed.
func (b *Base) Close() {
	b.closing.Do(func() { close(b.stopCh) })
	<-b.done
}

func (b *Base) run() {
	defer close(b.done)
	for {
		select {
		case <-b.stopCh:
			return
		case fn := <-b.commands:
			fn()
		}
	}
}

// exec submits fn to the owner goroutine and waits for it to run. The
// command channel is unbuffered, so a successful send means the owner
// has the command and will execute it.
func (b *Base) exec(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	wrapped := func() {
		fn()
		close(ran)
	}
	select {
	case b.commands <- wrapped:
		<-ran
		return nil
	case <-b.stopCh:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Assert offers a fact to the base. Facts at or above the admission
// threshold are confirmed immediately; weaker facts wait in the pending
// set until a second provider asserts the same value.
func (b *Base) Assert(ctx context.Context, f Fact) (Outcome, error) {
	if err := f.validate(); err != nil {
		return "", err
	}
	var outcome Outcome
	err := b.exec(ctx, func() {
		outcome = b.assert(f)
	})
	if err != nil {
		return "", err
	}
	return outcome, nil
}

// AssertAll offers a batch of facts and returns the number confirmed,
// counting corroborations. Invalid facts fail the whole batch before any
// assertion lands.
func (b *Base) AssertAll(ctx context.Context, facts []Fact) (int, error) {
	for _, f := range facts {
		if err := f.validate(); err != nil {
			return 0, err
		}
	}
	confirmed := 0
	err := b.exec(ctx, func() {
		for _, f := range facts {
			switch b.assert(f) {
			case OutcomeAdmitted, OutcomeCorroborated:
				confirmed++
			}
		}
	})
	if err != nil {
		return 0, err
	}
	return confirmed, nil
}

// Discover records a related entity surfaced by a provider. Duplicate
// discoveries of the same name and kind merge, keeping the strongest
// link.
func (b *Base) Discover(ctx context.Context, ent contracts.DiscoveredEntity) error {
	if strings.TrimSpace(ent.Name) == "" {
		return fmt.Errorf("%w: discovered entity without name", ErrInvalidFact)
	}
	return b.exec(ctx, func() {
		key := string(ent.Kind) + "|" + normalizeValue(ent.Name)
		if b.seen[key] {
			for i := range b.discovered {
				d := &b.discovered[i]
				if string(d.Kind)+"|"+normalizeValue(d.Name) != key {
					continue
				}
				if ent.LinkStrength > d.LinkStrength {
					d.LinkStrength = ent.LinkStrength
					d.Relationship = ent.Relationship
				}
				break
			}
			return
		}
		b.seen[key] = true
		if ent.FirstSeen.IsZero() {
			ent.FirstSeen = b.clock()
		}
		b.discovered = append(b.discovered, ent)
	})
}

// Snapshot returns a deep copy of the base for planning. The copy is the
// caller's to keep; later mutations never show through.
func (b *Base) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := b.exec(ctx, func() {
		snap = b.snapshot()
	})
	if err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func (b *Base) assert(f Fact) Outcome {
	b.stats.Asserted++
	now := b.clock()
	if f.FirstSeen.IsZero() {
		f.FirstSeen = now
	}
	f.Value = strings.TrimSpace(f.Value)
	key := factKey{kind: f.Kind, value: normalizeValue(f.Value)}

	if existing, ok := b.confirmed[key]; ok {
		b.corroborate(existing, f)
		return OutcomeCorroborated
	}

	if waiting, ok := b.pending[key]; ok {
		if !hasSource(waiting.Sources, f.ProviderID) {
			// A second provider agrees: admit regardless of confidence.
			b.corroborate(waiting, f)
			delete(b.pending, key)
			b.admit(key, waiting, now)
			return OutcomeAdmitted
		}
		if f.Confidence > waiting.Confidence {
			waiting.Confidence = f.Confidence
		}
		if waiting.Confidence >= b.threshold {
			delete(b.pending, key)
			b.admit(key, waiting, now)
			return OutcomeAdmitted
		}
		return OutcomePending
	}

	stored := f
	stored.Sources = []string{f.ProviderID}
	if stored.Confidence >= b.threshold {
		b.admit(key, &stored, now)
		return OutcomeAdmitted
	}
	b.pending[key] = &stored
	b.stats.Pending = len(b.pending)
	return OutcomePending
}

func (b *Base) corroborate(existing *Fact, f Fact) {
	if !hasSource(existing.Sources, f.ProviderID) {
		existing.Sources = append(existing.Sources, f.ProviderID)
		b.stats.Corroborated++
	}
	if f.Confidence > existing.Confidence {
		existing.Confidence = f.Confidence
	}
	if f.FirstSeen.Before(existing.FirstSeen) {
		existing.FirstSeen = f.FirstSeen
	}
}

// admit moves a fact into the confirmed set. Facts never leave it; for
// single-valued kinds a contradicting admission records a conflict and
// the preferred value is chosen by confidence, then provider authority,
// then first-seen.
func (b *Base) admit(key factKey, f *Fact, now time.Time) {
	b.confirmed[key] = f
	b.order[key.kind] = append(b.order[key.kind], key)
	b.stats.Confirmed++
	b.stats.Pending = len(b.pending)

	if !singleValued(key.kind) || len(b.order[key.kind]) < 2 {
		return
	}
	keys := b.order[key.kind]
	current := b.confirmed[keys[0]]
	if b.prefer(f, current) {
		b.conflicts = append(b.conflicts, Conflict{Kind: key.kind, Winner: *f, Loser: *current, DetectedAt: now})
		// Move the new winner to the front.
		for i, k := range keys {
			if k == key {
				copy(keys[1:i+1], keys[:i])
				keys[0] = key
				break
			}
		}
	} else {
		b.conflicts = append(b.conflicts, Conflict{Kind: key.kind, Winner: *current, Loser: *f, DetectedAt: now})
	}
}

// prefer reports whether challenger beats incumbent under the conflict
// policy: highest confidence wins, ties go to the earlier provider by
// registry order, then to the earlier first-seen.
func (b *Base) prefer(challenger, incumbent *Fact) bool {
	if challenger.Confidence != incumbent.Confidence {
		return challenger.Confidence > incumbent.Confidence
	}
	if b.ranker != nil {
		cr, ir := b.ranker.AuthorityRank(challenger.ProviderID), b.ranker.AuthorityRank(incumbent.ProviderID)
		if cr != ir {
			return cr < ir
		}
	}
	return challenger.FirstSeen.Before(incumbent.FirstSeen)
}

func (b *Base) snapshot() Snapshot {
	snap := Snapshot{
		EntityID: b.entityID,
		Facts:    make(map[FactKind][]Fact, len(b.order)),
		Stats:    b.stats,
		TakenAt:  b.clock(),
	}
	snap.Stats.Pending = len(b.pending)
	for kind, keys := range b.order {
		facts := make([]Fact, 0, len(keys))
		for _, k := range keys {
			f := *b.confirmed[k]
			f.Sources = append([]string(nil), f.Sources...)
			facts = append(facts, f)
		}
		snap.Facts[kind] = facts
	}
	if len(b.discovered) > 0 {
		snap.Discovered = make([]contracts.DiscoveredEntity, len(b.discovered))
		copy(snap.Discovered, b.discovered)
		sort.SliceStable(snap.Discovered, func(i, j int) bool {
			if snap.Discovered[i].LinkStrength != snap.Discovered[j].LinkStrength {
				return snap.Discovered[i].LinkStrength > snap.Discovered[j].LinkStrength
			}
			return snap.Discovered[i].FirstSeen.Before(snap.Discovered[j].FirstSeen)
		})
	}
	if len(b.conflicts) > 0 {
		snap.Conflicts = make([]Conflict, len(b.conflicts))
		copy(snap.Conflicts, b.conflicts)
	}
	return snap
}

func hasSource(sources []string, providerID string) bool {
	for _, s := range sources {
		if s == providerID {
			return true
		}
	}
	return false
}

func normalizeValue(v string) string {
	return strings.Join(strings.Fields(strings.ToLower(v)), " ")
}
