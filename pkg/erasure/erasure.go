// Package erasure implements a subject's right to be forgotten. Erase
// anonymizes the entity record and hard-purges everything derived from
// it: profile versions, cached provider results, checkpoints, vigilance
// schedules and vault blobs. The audit trail is the one thing that
// survives, holding only a salted hash of the erased entity so past
// events stay verifiable without identifying anyone.
package erasure

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/veritas-labs/scrutiny/pkg/audit"
	"github.com/veritas-labs/scrutiny/pkg/cache"
	"github.com/veritas-labs/scrutiny/pkg/checkpoint"
	"github.com/veritas-labs/scrutiny/pkg/contracts"
	"github.com/veritas-labs/scrutiny/pkg/entity"
	"github.com/veritas-labs/scrutiny/pkg/profile"
	"github.com/veritas-labs/scrutiny/pkg/vigilance"
)

// ErrUnknownEntity is returned when the subject was never registered.
var ErrUnknownEntity = errors.New("erasure: unknown entity")

// BlobDeleter removes raw provider payloads. *vault.Vault satisfies it.
type BlobDeleter interface {
	Delete(ctx context.Context, ref string) error
}

// AuditSink receives the erasure event. *audit.Log satisfies it.
type AuditSink interface {
	Append(ctx context.Context, rec audit.Record) (*audit.Event, error)
}

// Report summarizes one erasure pass.
type Report struct {
	// Reference is the salted hash that stands in for the entity in
	// retained audit events.
	Reference      string    `json:"reference"`
	AlreadyErased  bool      `json:"already_erased,omitempty"`
	ProfilesPurged int       `json:"profiles_purged"`
	CacheEntries   int       `json:"cache_entries_purged"`
	Checkpoints    int       `json:"checkpoints_purged"`
	Schedules      int       `json:"schedules_purged"`
	BlobsDeleted   int       `json:"blobs_deleted"`
	BlobsFailed    int       `json:"blobs_failed,omitempty"`
	ErasedAt       time.Time `json:"erased_at"`
}

// Eraser wires the stores an erasure touches.
type Eraser struct {
	entities    entity.Store
	profiles    profile.Store
	cache       cache.Store
	checkpoints checkpoint.Store
	schedules   vigilance.Store
	blobs       BlobDeleter
	sink        AuditSink

	salt   []byte
	clock  func() time.Time
	logger *slog.Logger
}

// Option configures an Eraser.
type Option func(*Eraser)

// WithBlobDeleter enables vault blob deletion.
func WithBlobDeleter(d BlobDeleter) Option {
	return func(e *Eraser) { e.blobs = d }
}

// WithSalt fixes the reference salt. Without it a process-local random
// salt is used, so references are not linkable across restarts.
func WithSalt(salt []byte) Option {
	return func(e *Eraser) { e.salt = append([]byte(nil), salt...) }
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(e *Eraser) { e.clock = clock }
}

// WithLogger overrides the slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Eraser) { e.logger = logger }
}

// New wires an Eraser over the platform stores.
func New(
	entities entity.Store,
	profiles profile.Store,
	cacheStore cache.Store,
	checkpoints checkpoint.Store,
	schedules vigilance.Store,
	sink AuditSink,
	opts ...Option,
) *Eraser {
	e := &Eraser{
		entities:    entities,
		profiles:    profiles,
		cache:       cacheStore,
		checkpoints: checkpoints,
		schedules:   schedules,
		sink:        sink,
		clock:       time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if len(e.salt) == 0 {
		e.salt = make([]byte, 16)
		if _, err := rand.Read(e.salt); err != nil {
			panic(fmt.Sprintf("erasure: salt generation: %v", err))
		}
	}
	e.logger = e.logger.With("component", "erasure")
	return e
}

// Reference returns the salted hash that replaces entityID in retained
// records.
func (e *Eraser) Reference(entityID string) string {
	sum := sha256.Sum256(append(append([]byte(nil), e.salt...), entityID...))
	return hex.EncodeToString(sum[:])
}

// Erase forgets one entity. It is idempotent: erasing an already-erased
// entity purges nothing further and appends no second audit event.
func (e *Eraser) Erase(ctx context.Context, entityID string) (*Report, error) {
	ent, err := e.entities.Get(ctx, entityID)
	if err != nil {
		if errors.Is(err, entity.ErrEntityNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, entityID)
		}
		return nil, fmt.Errorf("erasure: loading entity: %w", err)
	}

	report := &Report{
		Reference: e.Reference(entityID),
		ErasedAt:  e.clock().UTC(),
	}
	if ent.Anonymized {
		report.AlreadyErased = true
		return report, nil
	}

	// Raw payload refs live on the cache entries; collect them before
	// the purge scrubs the pointers.
	if e.blobs != nil {
		entries, err := e.cache.ListByEntity(ctx, entityID)
		if err != nil {
			return nil, fmt.Errorf("erasure: listing cache entries: %w", err)
		}
		seen := map[string]bool{}
		for _, entry := range entries {
			if entry.RawRef == "" || seen[entry.RawRef] {
				continue
			}
			seen[entry.RawRef] = true
			if err := e.blobs.Delete(ctx, entry.RawRef); err != nil {
				report.BlobsFailed++
				e.logger.Warn("blob deletion failed", "ref", entry.RawRef, "error", err)
				continue
			}
			report.BlobsDeleted++
		}
	}

	if report.CacheEntries, err = e.cache.Purge(ctx, entityID); err != nil {
		return nil, fmt.Errorf("erasure: purging cache: %w", err)
	}
	if report.ProfilesPurged, err = e.profiles.Purge(ctx, entityID); err != nil {
		return nil, fmt.Errorf("erasure: purging profiles: %w", err)
	}
	if report.Checkpoints, err = e.checkpoints.Purge(ctx, entityID); err != nil {
		return nil, fmt.Errorf("erasure: purging checkpoints: %w", err)
	}
	if report.Schedules, err = e.schedules.Purge(ctx, entityID); err != nil {
		return nil, fmt.Errorf("erasure: purging schedules: %w", err)
	}

	ent.PrimaryName = ""
	ent.Aliases = nil
	ent.DateOfBirth = ""
	ent.Addresses = nil
	ent.Identifiers = nil
	ent.Anonymized = true
	ent.LastUpdated = report.ErasedAt
	if err := e.entities.Update(ctx, ent); err != nil {
		return nil, fmt.Errorf("erasure: anonymizing entity: %w", err)
	}

	if _, err := e.sink.Append(ctx, audit.Record{
		Actor:    audit.ActorSystem,
		Category: audit.CategoryErasure,
		Subject:  report.Reference,
		Action:   "subject_erased",
		Payload: map[string]any{
			"profiles_purged": report.ProfilesPurged,
			"cache_entries":   report.CacheEntries,
			"checkpoints":     report.Checkpoints,
			"schedules":       report.Schedules,
			"blobs_deleted":   report.BlobsDeleted,
			"blobs_failed":    report.BlobsFailed,
		},
	}); err != nil {
		return nil, fmt.Errorf("erasure: %w: %v", contracts.ErrAuditWriteFailed, err)
	}

	e.logger.Info("subject erased",
		"reference", report.Reference,
		"profiles", report.ProfilesPurged,
		"cache_entries", report.CacheEntries,
		"blobs", report.BlobsDeleted)
	return report, nil
}
