// Package calltracker correlates in-flight tool calls with their eventual
// responses. It replaces any notion of "awaiting on a socket" with a map
// keyed by call ID: a single connection can have many calls pending at
// once, and responses resolve whichever call their ID names regardless of
// arrival order.
package calltracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// OutcomeKind enumerates how a call finished.
type OutcomeKind string

const (
	OutcomeSuccess              OutcomeKind = "success"
	OutcomeHandlerError         OutcomeKind = "HandlerError"
	OutcomeTimeout              OutcomeKind = "Timeout"
	OutcomeProviderDisconnected OutcomeKind = "ProviderDisconnected"
	OutcomeProviderReloading    OutcomeKind = "ProviderReloading"
	OutcomeProtocolError        OutcomeKind = "ProtocolError"
	OutcomeHostShutdown         OutcomeKind = "HostShutdown"
)

// Outcome is the terminal result of a tracked call.
type Outcome struct {
	Kind  OutcomeKind
	Data  []byte // raw JSON result, set when Kind == OutcomeSuccess
	Error string // human-readable reason, set for every non-success kind
}

// record is a single pending call.
type record struct {
	provider string
	tool     string
	deadline time.Time
	done     chan Outcome
}

// Tracker holds every pending call for the host's lifetime. The zero value
// is not usable; construct with New, which also starts the expiry timer
// goroutine — call Stop to release it.
type Tracker struct {
	mu      sync.Mutex
	pending map[string]*record

	stop chan struct{}
	once sync.Once
}

// New creates a Tracker and starts its background expiry timer, which sweeps
// for expired calls once per second.
func New() *Tracker {
	t := &Tracker{
		pending: make(map[string]*record),
		stop:    make(chan struct{}),
	}
	go t.expiryLoop()
	return t
}

// Stop terminates the background expiry timer. Safe to call multiple times.
func (t *Tracker) Stop() {
	t.once.Do(func() { close(t.stop) })
}

// Begin creates a pending call record with the given deadline and returns
// its opaque ID along with a channel that receives exactly one Outcome.
func (t *Tracker) Begin(provider, tool string, deadline time.Time) (callID string, done <-chan Outcome) {
	id := uuid.NewString()
	r := &record{
		provider: provider,
		tool:     tool,
		deadline: deadline,
		done:     make(chan Outcome, 1),
	}
	t.mu.Lock()
	t.pending[id] = r
	t.mu.Unlock()
	return id, r.done
}

// Await blocks until the call behind done completes or ctx is cancelled. It is a
// convenience wrapper over the channel returned by Begin for callers that
// already hold the channel reference separately and just want context
// integration.
func (t *Tracker) Await(ctx context.Context, done <-chan Outcome) (Outcome, error) {
	select {
	case o := <-done:
		return o, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Complete resolves callID with outcome and removes its record. It returns
// false if callID is not currently pending (already resolved, expired, or
// unknown) — callers (the Provider Manager's tool_response handling) must discard such responses
// rather than treating them as errors, since a late response for an
// already-expired call is expected, not a protocol fault.
func (t *Tracker) Complete(callID string, outcome Outcome) bool {
	t.mu.Lock()
	r, ok := t.pending[callID]
	if ok {
		delete(t.pending, callID)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	r.done <- outcome
	return true
}

// AbortProvider fails every call currently owned by provider with the given
// reason, used when a connection drops or a reload begins.
func (t *Tracker) AbortProvider(provider string, kind OutcomeKind, reason string) {
	t.mu.Lock()
	var toResolve []*record
	for id, r := range t.pending {
		if r.provider == provider {
			toResolve = append(toResolve, r)
			delete(t.pending, id)
		}
	}
	t.mu.Unlock()

	for _, r := range toResolve {
		r.done <- Outcome{Kind: kind, Error: reason}
	}
}

// AbortAll fails every pending call, used on host shutdown.
func (t *Tracker) AbortAll(kind OutcomeKind, reason string) {
	t.mu.Lock()
	all := make([]*record, 0, len(t.pending))
	for id, r := range t.pending {
		all = append(all, r)
		delete(t.pending, id)
	}
	t.mu.Unlock()

	for _, r := range all {
		r.done <- Outcome{Kind: kind, Error: reason}
	}
}

// Pending reports how many calls are currently in flight. Exposed for
// telemetry and tests.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *Tracker) expiryLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.expireDue()
		}
	}
}

func (t *Tracker) expireDue() {
	now := time.Now()
	t.mu.Lock()
	var expired []*record
	for id, r := range t.pending {
		if !r.deadline.After(now) {
			expired = append(expired, r)
			delete(t.pending, id)
		}
	}
	t.mu.Unlock()

	for _, r := range expired {
		r.done <- Outcome{Kind: OutcomeTimeout, Error: fmt.Sprintf("tool %q on provider %q timed out", r.tool, r.provider)}
	}
}
