package gateway

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// flightGroup coalesces concurrent executions per demand key and holds
// each successful result for a short window afterward. Within the window
// a repeat demand reuses the held result instead of paying for another
// provider call. Errors are shared with concurrent followers but never
// held.
type flightGroup struct {
	group  singleflight.Group
	window time.Duration
	clock  func() time.Time

	mu   sync.Mutex
	held map[string]heldResult
}

type heldResult struct {
	resp    *Response
	expires time.Time
}

func newFlightGroup(window time.Duration, clock func() time.Time) *flightGroup {
	return &flightGroup{
		window: window,
		clock:  clock,
		held:   make(map[string]heldResult),
	}
}

// do runs fn at most once per key per hold window. Every caller receives
// its own deep copy of the response: consumers redact finding details in
// place, and those edits must not reach the held result or other callers.
func (f *flightGroup) do(key string, fn func() (*Response, error)) (*Response, error) {
	v, err, _ := f.group.Do(key, func() (interface{}, error) {
		if resp, ok := f.lookup(key); ok {
			out := *resp
			out.Shared = true
			return &out, nil
		}
		resp, err := fn()
		if err != nil {
			return nil, err
		}
		f.hold(key, resp)
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Response).snapshot()
}

// snapshot returns a deep copy detached from the held original.
func (r *Response) snapshot() (*Response, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("gateway: snapshot response: %w", err)
	}
	var out Response
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("gateway: snapshot response: %w", err)
	}
	return &out, nil
}

func (f *flightGroup) lookup(key string) (*Response, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.held[key]
	if !ok {
		return nil, false
	}
	if f.clock().After(h.expires) {
		delete(f.held, key)
		return nil, false
	}
	return h.resp, true
}

func (f *flightGroup) hold(key string, resp *Response) {
	if f.window <= 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.clock()
	for k, h := range f.held {
		if now.After(h.expires) {
			delete(f.held, k)
		}
	}
	f.held[key] = heldResult{resp: resp, expires: now.Add(f.window)}
}
