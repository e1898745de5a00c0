package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Bundle is an exportable, independently verifiable slice of the audit
// chain, suitable for handing to a regulator or customer.
type Bundle struct {
	BundleID   string    `json:"bundle_id"`
	Version    string    `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	StartSeq   uint64    `json:"start_sequence"`
	EndSeq     uint64    `json:"end_sequence"`
	EventCount int       `json:"event_count"`
	Events     []*Event  `json:"events"`
	ChainHead  string    `json:"chain_head"`
	BundleHash string    `json:"bundle_hash"`
}

// ExportBundle exports all events matching filter as a Bundle.
func (l *Log) ExportBundle(ctx context.Context, filter Filter) (*Bundle, error) {
	events, err := l.Query(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("audit: failed to query events for bundle: %w", err)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("audit: no events match filter")
	}

	bundle := &Bundle{
		BundleID:   uuid.New().String(),
		Version:    "1.0.0",
		CreatedAt:  l.clock().UTC(),
		StartSeq:   events[0].Sequence,
		EndSeq:     events[len(events)-1].Sequence,
		EventCount: len(events),
		Events:     events,
		ChainHead:  events[len(events)-1].Hash,
	}
	data, err := json.Marshal(bundle.Events)
	if err != nil {
		return nil, fmt.Errorf("audit: failed to marshal bundle events: %w", err)
	}
	bundle.BundleHash = canonicalHashRaw(data)
	return bundle, nil
}

// VerifyBundle checks a bundle's hash and the chain links between its
// events. It does not require access to the originating store.
func VerifyBundle(bundle *Bundle) error {
	if len(bundle.Events) == 0 {
		return fmt.Errorf("audit: bundle is empty")
	}
	data, err := json.Marshal(bundle.Events)
	if err != nil {
		return fmt.Errorf("audit: failed to marshal bundle events: %w", err)
	}
	if canonicalHashRaw(data) != bundle.BundleHash {
		return fmt.Errorf("audit: bundle hash mismatch")
	}
	for i := 1; i < len(bundle.Events); i++ {
		if bundle.Events[i].PrevHash != bundle.Events[i-1].Hash {
			return fmt.Errorf("%w: bundle chain broken at event %d", ErrChainBroken, i)
		}
	}
	for _, event := range bundle.Events {
		computed, err := computeEventHash(event)
		if err != nil {
			return fmt.Errorf("audit: event %d hash computation failed: %w", event.Sequence, err)
		}
		if computed != event.Hash {
			return fmt.Errorf("%w: bundle event %d hash mismatch", ErrChainBroken, event.Sequence)
		}
	}
	return nil
}
