// Package review tracks analyst review tasks for ambiguous enhanced-tier
// entity resolutions. A task holds a provisional entity next to its best
// fuzzy candidate until an analyst confirms the match, confirms the
// subject is new, or the task expires. Confirmed matches merge the
// provisional entity into the candidate; everything else finalizes it as
// a genuinely new entity. Every decision is audited.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veritas-labs/scrutiny/pkg/audit"
	"github.com/veritas-labs/scrutiny/pkg/entity"
)

var (
	ErrTaskNotFound = errors.New("review: task not found")
	ErrTaskResolved = errors.New("review: task already resolved")
	ErrTaskExpired  = errors.New("review: task expired")
)

// DefaultTTL is how long a task waits for an analyst before expiring.
const DefaultTTL = 72 * time.Hour

// Status of a review task.
type Status string

const (
	StatusPending        Status = "pending"
	StatusConfirmedMatch Status = "confirmed_match"
	StatusConfirmedNew   Status = "confirmed_new"
	StatusExpired        Status = "expired"
)

// Task is one pending or resolved review.
type Task struct {
	ID            string    `json:"id"`
	SubjectName   string    `json:"subject_name"`
	ProvisionalID string    `json:"provisional_entity_id"`
	CandidateID   string    `json:"candidate_entity_id"`
	Score         float64   `json:"score"`
	Status        Status    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	ResolvedAt    time.Time `json:"resolved_at,omitempty"`
	ResolvedBy    string    `json:"resolved_by,omitempty"`
}

// Resolver applies review decisions to the registry. *entity.Registry
// satisfies it.
type Resolver interface {
	Merge(ctx context.Context, dstID, srcID string) error
	Finalize(ctx context.Context, id string) error
}

// AuditSink receives review decision events. *audit.Log satisfies it.
type AuditSink interface {
	Append(ctx context.Context, rec audit.Record) (*audit.Event, error)
}

// Manager handles the lifecycle of review tasks.
type Manager struct {
	mu       sync.Mutex
	tasks    map[string]*Task
	resolver Resolver
	sink     AuditSink
	ttl      time.Duration
	clock    func() time.Time
	logger   *slog.Logger
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

// WithTTL overrides how long tasks wait before expiring.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.ttl = ttl }
}

// WithAuditSink records review decisions.
func WithAuditSink(sink AuditSink) Option {
	return func(m *Manager) { m.sink = sink }
}

// NewManager creates a review manager applying decisions through resolver.
func NewManager(resolver Resolver, opts ...Option) *Manager {
	m := &Manager{
		tasks:    make(map[string]*Task),
		resolver: resolver,
		ttl:      DefaultTTL,
		clock:    time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "review")
	return m
}

var _ entity.ReviewEnqueuer = (*Manager)(nil)

// EnqueueMatchReview creates a pending task for an ambiguous resolution.
// Implements entity.ReviewEnqueuer.
func (m *Manager) EnqueueMatchReview(_ context.Context, subjectName, provisionalID, candidateID string, score float64) (string, error) {
	now := m.clock().UTC()
	task := &Task{
		ID:            uuid.New().String(),
		SubjectName:   subjectName,
		ProvisionalID: provisionalID,
		CandidateID:   candidateID,
		Score:         score,
		Status:        StatusPending,
		CreatedAt:     now,
		ExpiresAt:     now.Add(m.ttl),
	}

	m.mu.Lock()
	m.tasks[task.ID] = task
	m.mu.Unlock()

	m.logger.Info("review task enqueued",
		"task_id", task.ID,
		"provisional_entity_id", provisionalID,
		"candidate_entity_id", candidateID,
		"score", score)
	return task.ID, nil
}

// ConfirmMatch records an analyst's decision that the provisional entity
// and the candidate are the same person, and merges the provisional
// entity into the candidate. A task past its deadline is expired instead.
func (m *Manager) ConfirmMatch(ctx context.Context, taskID, reviewerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, err := m.pendingTask(ctx, taskID)
	if err != nil {
		return err
	}

	if err := m.auditDecision(ctx, task, StatusConfirmedMatch, reviewerID); err != nil {
		return err
	}
	if err := m.resolver.Merge(ctx, task.CandidateID, task.ProvisionalID); err != nil {
		return fmt.Errorf("review: merge failed: %w", err)
	}
	m.resolve(task, StatusConfirmedMatch, reviewerID)
	return nil
}

// ConfirmNew records an analyst's decision that the subject is genuinely
// new, clearing the provisional flag.
func (m *Manager) ConfirmNew(ctx context.Context, taskID, reviewerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, err := m.pendingTask(ctx, taskID)
	if err != nil {
		return err
	}

	if err := m.auditDecision(ctx, task, StatusConfirmedNew, reviewerID); err != nil {
		return err
	}
	if err := m.resolver.Finalize(ctx, task.ProvisionalID); err != nil {
		return fmt.Errorf("review: finalize failed: %w", err)
	}
	m.resolve(task, StatusConfirmedNew, reviewerID)
	return nil
}

// SweepExpired expires every pending task past its deadline. Expired
// provisional entities finalize as new; merging needs a human.
func (m *Manager) SweepExpired(ctx context.Context) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock().UTC()
	var expired []*Task
	for _, task := range m.tasks {
		if task.Status != StatusPending || !now.After(task.ExpiresAt) {
			continue
		}
		if err := m.expire(ctx, task); err != nil {
			return expired, err
		}
		expired = append(expired, cloneTask(task))
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].CreatedAt.Before(expired[j].CreatedAt) })
	return expired, nil
}

// Get returns a task by ID.
func (m *Manager) Get(taskID string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return cloneTask(task), nil
}

// Pending returns open tasks ordered by creation time.
func (m *Manager) Pending() []*Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Task
	for _, task := range m.tasks {
		if task.Status == StatusPending {
			out = append(out, cloneTask(task))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// pendingTask returns the task if it is still actionable, expiring it in
// place when its deadline passed. Callers hold the lock.
func (m *Manager) pendingTask(ctx context.Context, taskID string) (*Task, error) {
	task, ok := m.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if task.Status != StatusPending {
		return nil, fmt.Errorf("%w: status %s", ErrTaskResolved, task.Status)
	}
	if m.clock().UTC().After(task.ExpiresAt) {
		if err := m.expire(ctx, task); err != nil {
			return nil, err
		}
		return nil, ErrTaskExpired
	}
	return task, nil
}

// expire finalizes the provisional entity and closes the task. Callers
// hold the lock.
func (m *Manager) expire(ctx context.Context, task *Task) error {
	if err := m.auditDecision(ctx, task, StatusExpired, ""); err != nil {
		return err
	}
	if err := m.resolver.Finalize(ctx, task.ProvisionalID); err != nil {
		return fmt.Errorf("review: finalize failed: %w", err)
	}
	m.resolve(task, StatusExpired, "")
	return nil
}

func (m *Manager) resolve(task *Task, status Status, reviewerID string) {
	task.Status = status
	task.ResolvedAt = m.clock().UTC()
	task.ResolvedBy = reviewerID
	m.logger.Info("review task resolved",
		"task_id", task.ID,
		"decision", status,
		"reviewer", reviewerID)
}

func (m *Manager) auditDecision(ctx context.Context, task *Task, decision Status, reviewerID string) error {
	if m.sink == nil {
		return nil
	}
	actor := audit.ActorUser
	if decision == StatusExpired {
		actor = audit.ActorSystem
	}
	_, err := m.sink.Append(ctx, audit.Record{
		Actor:    actor,
		Category: audit.CategoryReviewDecision,
		Subject:  task.ProvisionalID,
		Action:   string(decision),
		Payload: map[string]any{
			"task_id":               task.ID,
			"decision":              string(decision),
			"provisional_entity_id": task.ProvisionalID,
			"candidate_entity_id":   task.CandidateID,
			"score":                 task.Score,
			"reviewer":              reviewerID,
		},
	})
	if err != nil {
		return fmt.Errorf("review: audit append: %w", err)
	}
	return nil
}

func cloneTask(task *Task) *Task {
	out := *task
	return &out
}
