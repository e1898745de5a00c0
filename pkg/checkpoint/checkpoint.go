// Package checkpoint persists investigation state at phase boundaries so
// an interrupted screening resumes where it stopped instead of starting
// over. A checkpoint carries the knowledge base facts, the queries still
// in flight and the keys of findings already emitted; on resume, pending
// queries consult the cache before being re-issued and emitted keys keep
// finding emission at-most-once.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/veritas-labs/scrutiny/pkg/audit"
	"github.com/veritas-labs/scrutiny/pkg/contracts"
	"github.com/veritas-labs/scrutiny/pkg/gateway"
	"github.com/veritas-labs/scrutiny/pkg/knowledge"
)

var (
	ErrNotFound          = errors.New("checkpoint: not found")
	ErrInvalidCheckpoint = errors.New("checkpoint: invalid checkpoint")
)

// PendingQuery is a gateway call that was planned but not yet answered
// when the checkpoint was taken. The fingerprint locates a cached answer;
// the demand re-issues the call when the cache has none.
type PendingQuery struct {
	Fingerprint string         `json:"fingerprint"`
	Demand      gateway.Demand `json:"demand"`
}

// EmittedKey identifies one emitted finding within an investigation.
type EmittedKey struct {
	Fingerprint string `json:"fingerprint"`
	Iteration   int    `json:"iteration"`
}

// Checkpoint is a snapshot of one investigation's progress.
type Checkpoint struct {
	ID              string                                       `json:"id"`
	InvestigationID string                                       `json:"investigation_id"`
	EntityID        string                                       `json:"entity_id"`
	Phase           string                                       `json:"phase"`
	CurrentCheck    contracts.CheckType                          `json:"current_check,omitempty"`
	Iteration       int                                          `json:"iteration,omitempty"`
	TypeStates      map[contracts.CheckType]contracts.TypeStatus `json:"type_states,omitempty"`
	Facts           []knowledge.Fact                             `json:"facts,omitempty"`
	Discovered      []contracts.DiscoveredEntity                 `json:"discovered,omitempty"`
	Pending         []PendingQuery                               `json:"pending,omitempty"`
	Findings        []contracts.Finding                          `json:"findings,omitempty"`
	Emitted         []EmittedKey                                 `json:"emitted,omitempty"`
	TakenAt         time.Time                                    `json:"taken_at"`
}

// Validate reports whether the checkpoint can be persisted.
func (c *Checkpoint) Validate() error {
	if c.InvestigationID == "" {
		return fmt.Errorf("%w: missing investigation id", ErrInvalidCheckpoint)
	}
	if c.EntityID == "" {
		return fmt.Errorf("%w: missing entity id", ErrInvalidCheckpoint)
	}
	if c.Phase == "" {
		return fmt.Errorf("%w: missing phase", ErrInvalidCheckpoint)
	}
	if c.Iteration < 0 {
		return fmt.Errorf("%w: negative iteration", ErrInvalidCheckpoint)
	}
	return nil
}

// WasEmitted reports whether a finding for (fingerprint, iteration) was
// already emitted before the checkpoint was taken.
func (c *Checkpoint) WasEmitted(fingerprint string, iteration int) bool {
	for _, k := range c.Emitted {
		if k.Fingerprint == fingerprint && k.Iteration == iteration {
			return true
		}
	}
	return false
}

// Store persists checkpoints. Delete removes an investigation's
// checkpoints after it completes; Purge removes everything recorded for
// an entity during erasure.
type Store interface {
	Save(ctx context.Context, cp *Checkpoint) error
	Latest(ctx context.Context, investigationID string) (*Checkpoint, error)
	Delete(ctx context.Context, investigationID string) (int, error)
	Purge(ctx context.Context, entityID string) (int, error)
}

// AuditSink receives checkpoint events. *audit.Log satisfies it.
type AuditSink interface {
	Append(ctx context.Context, rec audit.Record) (*audit.Event, error)
}

// Manager stamps and persists checkpoints over a Store.
type Manager struct {
	store  Store
	sink   AuditSink
	clock  func() time.Time
	logger *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithLogger overrides the slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithAuditSink records a checkpoint audit event before each save.
func WithAuditSink(sink AuditSink) Option {
	return func(m *Manager) { m.sink = sink }
}

// NewManager creates a Manager over store.
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		clock:  time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "checkpoint")
	return m
}

// Save validates cp, stamps its ID and capture time if unset, records the
// audit event and persists it. The audit append happens first; if it
// fails the checkpoint is not saved.
func (m *Manager) Save(ctx context.Context, cp *Checkpoint) (string, error) {
	if err := cp.Validate(); err != nil {
		return "", err
	}
	stored := cloneCheckpoint(cp)
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if stored.TakenAt.IsZero() {
		stored.TakenAt = m.clock().UTC()
	}

	if m.sink != nil {
		_, err := m.sink.Append(ctx, audit.Record{
			Actor:    audit.ActorSystem,
			Category: audit.CategoryCheckpoint,
			Subject:  stored.EntityID,
			Action:   "checkpoint_saved",
			Payload: map[string]any{
				"checkpoint_id":    stored.ID,
				"investigation_id": stored.InvestigationID,
				"phase":            stored.Phase,
				"current_check":    stored.CurrentCheck,
				"iteration":        stored.Iteration,
				"findings":         len(stored.Findings),
				"pending":          len(stored.Pending),
			},
		})
		if err != nil {
			return "", fmt.Errorf("checkpoint: audit append: %w", err)
		}
	}

	if err := m.store.Save(ctx, stored); err != nil {
		return "", err
	}
	m.logger.Debug("checkpoint saved",
		"investigation_id", stored.InvestigationID,
		"phase", stored.Phase,
		"checkpoint_id", stored.ID)
	return stored.ID, nil
}

// Restore returns the most recent checkpoint for an investigation.
func (m *Manager) Restore(ctx context.Context, investigationID string) (*Checkpoint, error) {
	return m.store.Latest(ctx, investigationID)
}

// Discard removes all checkpoints for a completed investigation.
func (m *Manager) Discard(ctx context.Context, investigationID string) (int, error) {
	n, err := m.store.Delete(ctx, investigationID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.Debug("checkpoints discarded", "investigation_id", investigationID, "count", n)
	}
	return n, nil
}

// cloneCheckpoint deep-copies through JSON so checkpoints hand back
// identically shaped data from every store.
func cloneCheckpoint(cp *Checkpoint) *Checkpoint {
	raw, err := json.Marshal(cp)
	if err != nil {
		out := *cp
		return &out
	}
	var out Checkpoint
	if err := json.Unmarshal(raw, &out); err != nil {
		fallback := *cp
		return &fallback
	}
	return &out
}
