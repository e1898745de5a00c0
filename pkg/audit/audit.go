// Package audit implements the append-only investigation audit log with
// hash chaining. Every externally visible state transition appends here
// first; a failed append aborts the transition (write-ahead discipline).
//
// Event payloads carry references (entity IDs, fingerprints, rule IDs),
// never raw personal data. Erasure therefore never rewrites the chain.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/veritas-labs/scrutiny/pkg/contracts"
)

var (
	ErrEventNotFound = errors.New("audit: event not found")
	ErrChainBroken   = errors.New("audit: hash chain is broken")
)

// genesisHash anchors the first event of every chain.
const genesisHash = "genesis"

// Actor identifies who caused an event.
type Actor string

const (
	ActorSystem   Actor = "system"
	ActorUser     Actor = "user"
	ActorProvider Actor = "provider"
)

// Category classifies audit events.
type Category string

const (
	CategoryConfig             Category = "config"
	CategoryConsent            Category = "consent"
	CategoryComplianceDecision Category = "compliance_decision"
	CategoryProviderCall       Category = "provider_call"
	CategoryCacheHit           Category = "cache_hit"
	CategoryFindingEmitted     Category = "finding_emitted"
	CategoryMerge              Category = "merge"
	CategoryErasure            Category = "erasure"
	CategoryReviewDecision     Category = "review_decision"
	CategoryStaleBlocked       Category = "stale_blocked"
	CategoryRefreshFailed      Category = "refresh_failed"
	CategoryCheckpoint         Category = "checkpoint"
	CategoryVigilanceAlert     Category = "vigilance_alert"
	CategoryRawAccess          Category = "raw_access"
)

// Event is a single immutable audit event.
type Event struct {
	EventID     string            `json:"event_id"`
	Sequence    uint64            `json:"sequence"`
	Timestamp   time.Time         `json:"timestamp"`
	Actor       Actor             `json:"actor"`
	Category    Category          `json:"category"`
	Subject     string            `json:"subject"`
	Action      string            `json:"action"`
	Payload     json.RawMessage   `json:"payload,omitempty"`
	PayloadHash string            `json:"payload_hash"`
	PrevHash    string            `json:"prev_hash"`
	Hash        string            `json:"hash"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Record is the caller-supplied portion of an event.
type Record struct {
	Actor    Actor
	Category Category
	Subject  string
	Action   string
	Payload  any
	Metadata map[string]string
}

// Store is the persistence behind a Log. Implementations only persist;
// sequencing and chaining happen in the Log under its exclusive section.
type Store interface {
	Append(ctx context.Context, event *Event) error
	Head(ctx context.Context) (sequence uint64, hash string, err error)
	List(ctx context.Context, filter Filter) ([]*Event, error)
	Get(ctx context.Context, eventID string) (*Event, error)
}

// EventHandler is called after an event is durably appended.
type EventHandler func(event *Event)

// Log assigns sequences and hash-chains events over a Store.
type Log struct {
	mu       sync.Mutex
	store    Store
	sequence uint64
	head     string
	clock    func() time.Time
	logger   *slog.Logger
	handlers []EventHandler
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(l *Log) { l.clock = clock }
}

// WithLogger overrides the slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) { l.logger = logger }
}

// New creates a Log over store, recovering the chain head from
// previously persisted events.
func New(ctx context.Context, store Store, opts ...Option) (*Log, error) {
	l := &Log{
		store:  store,
		head:   genesisHash,
		clock:  time.Now,
		logger: slog.Default().With("component", "audit"),
	}
	for _, opt := range opts {
		opt(l)
	}
	seq, head, err := store.Head(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: failed to recover chain head: %w", err)
	}
	if seq > 0 {
		l.sequence = seq
		l.head = head
	}
	return l, nil
}

// Append serializes rec's payload, assigns the next sequence, chains the
// hash, and persists the event. On any failure the caller must abort the
// transition the event was meant to precede; the returned error wraps
// contracts.ErrAuditWriteFailed.
func (l *Log) Append(ctx context.Context, rec Record) (*Event, error) {
	payloadBytes, payloadHash, err := encodePayload(rec.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", contracts.ErrAuditWriteFailed, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	event := &Event{
		EventID:     uuid.New().String(),
		Sequence:    l.sequence + 1,
		Timestamp:   l.clock().UTC(),
		Actor:       rec.Actor,
		Category:    rec.Category,
		Subject:     rec.Subject,
		Action:      rec.Action,
		Payload:     payloadBytes,
		PayloadHash: payloadHash,
		PrevHash:    l.head,
		Metadata:    rec.Metadata,
	}
	hash, err := computeEventHash(event)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", contracts.ErrAuditWriteFailed, err)
	}
	event.Hash = hash

	if err := l.store.Append(ctx, event); err != nil {
		return nil, fmt.Errorf("%w: %w", contracts.ErrAuditWriteFailed, err)
	}
	l.sequence = event.Sequence
	l.head = event.Hash

	for _, h := range l.handlers {
		h(event)
	}
	l.logger.Debug("event appended",
		"sequence", event.Sequence,
		"category", event.Category,
		"subject", event.Subject,
		"action", event.Action)
	return event, nil
}

// Head returns the current sequence and chain head hash.
func (l *Log) Head() (uint64, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sequence, l.head
}

// AddHandler registers a handler invoked after each durable append.
func (l *Log) AddHandler(h EventHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, h)
}

// Query returns events matching filter in sequence order.
func (l *Log) Query(ctx context.Context, filter Filter) ([]*Event, error) {
	return l.store.List(ctx, filter)
}

// Get retrieves a single event by ID.
func (l *Log) Get(ctx context.Context, eventID string) (*Event, error) {
	return l.store.Get(ctx, eventID)
}

// VerifyChain recomputes every event hash and checks the chain links.
// It succeeds iff no persisted event has been altered.
func (l *Log) VerifyChain(ctx context.Context) error {
	events, err := l.store.List(ctx, Filter{})
	if err != nil {
		return fmt.Errorf("audit: failed to list events: %w", err)
	}
	expectedPrev := genesisHash
	var expectedSeq uint64
	for _, event := range events {
		expectedSeq++
		if event.Sequence != expectedSeq {
			return fmt.Errorf("%w: sequence gap at %d (stored %d)", ErrChainBroken, expectedSeq, event.Sequence)
		}
		if event.PrevHash != expectedPrev {
			return fmt.Errorf("%w: event %d has prev_hash %s, expected %s",
				ErrChainBroken, event.Sequence, event.PrevHash, expectedPrev)
		}
		computed, err := computeEventHash(event)
		if err != nil {
			return fmt.Errorf("%w: event %d hash computation failed: %w", ErrChainBroken, event.Sequence, err)
		}
		if computed != event.Hash {
			return fmt.Errorf("%w: event %d hash mismatch (computed %s, stored %s)",
				ErrChainBroken, event.Sequence, computed, event.Hash)
		}
		expectedPrev = event.Hash
	}
	return nil
}

// Filter selects events for Query, List, and ExportBundle.
type Filter struct {
	Category   Category
	Actor      Actor
	Subject    string
	StartTime  *time.Time
	EndTime    *time.Time
	StartSeq   uint64
	EndSeq     uint64
	MaxResults int
}

// Matches reports whether e passes the filter.
func (f Filter) Matches(e *Event) bool {
	if f.Category != "" && e.Category != f.Category {
		return false
	}
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if f.Subject != "" && e.Subject != f.Subject {
		return false
	}
	if f.StartTime != nil && e.Timestamp.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && e.Timestamp.After(*f.EndTime) {
		return false
	}
	if f.StartSeq > 0 && e.Sequence < f.StartSeq {
		return false
	}
	if f.EndSeq > 0 && e.Sequence > f.EndSeq {
		return false
	}
	return true
}

// encodePayload marshals payload and hashes its RFC 8785 canonical form.
func encodePayload(payload any) (json.RawMessage, string, error) {
	if payload == nil {
		return nil, canonicalHashRaw([]byte("null")), nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("audit: failed to serialize payload: %w", err)
	}
	canon, err := jcs.Transform(data)
	if err != nil {
		return nil, "", fmt.Errorf("audit: failed to canonicalize payload: %w", err)
	}
	return data, canonicalHashRaw(canon), nil
}

func canonicalHashRaw(canon []byte) string {
	sum := sha256.Sum256(canon)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// computeEventHash hashes the chain-relevant fields of an event in RFC 8785
// canonical form. The payload participates via its hash only.
func computeEventHash(event *Event) (string, error) {
	hashable := struct {
		Sequence    uint64    `json:"sequence"`
		Timestamp   time.Time `json:"timestamp"`
		Actor       Actor     `json:"actor"`
		Category    Category  `json:"category"`
		Subject     string    `json:"subject"`
		Action      string    `json:"action"`
		PayloadHash string    `json:"payload_hash"`
		PrevHash    string    `json:"prev_hash"`
	}{
		Sequence:    event.Sequence,
		Timestamp:   event.Timestamp,
		Actor:       event.Actor,
		Category:    event.Category,
		Subject:     event.Subject,
		Action:      event.Action,
		PayloadHash: event.PayloadHash,
		PrevHash:    event.PrevHash,
	}
	data, err := json.Marshal(hashable)
	if err != nil {
		return "", fmt.Errorf("audit: failed to marshal event for hashing: %w", err)
	}
	canon, err := jcs.Transform(data)
	if err != nil {
		return "", fmt.Errorf("audit: failed to canonicalize event for hashing: %w", err)
	}
	return canonicalHashRaw(canon), nil
}
