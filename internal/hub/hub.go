// Package hub owns the provider IPC listening socket. It is deliberately
// not provider-aware: it accepts connections, reads frames off them in
// arrival order, and serializes writes back to each connection, but leaves
// all interpretation of frame contents — and the decision of which
// connection belongs to which provider — to its subscriber (the Provider
// Manager, see internal/providermgr). The hub never calls back into that
// subscriber directly; it only ever emits events on its Events() channel.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/toolmesh/toolmesh/internal/frame"
)

// outboxSize bounds the number of frames a writer goroutine will buffer for
// a single connection before Send starts returning ErrOutboxFull.
const outboxSize = 64

// ErrOutboxFull is returned by Send when a connection's outbound queue is
// saturated because the writer cannot keep up. A connection that has already
// closed is no longer known to the hub, so Send reports it as unknown instead.
var ErrOutboxFull = errors.New("hub: outbox full")

// EventKind identifies the kind of hub-level event.
type EventKind string

const (
	EventConnected EventKind = "connected"
	EventFrame     EventKind = "frame"
	EventClosed    EventKind = "closed"
)

// Event is emitted on the hub's event channel. ConnID identifies the
// connection throughout its lifetime; Frame is populated for EventFrame;
// Reason is populated for EventClosed.
type Event struct {
	Kind   EventKind
	ConnID string
	Frame  frame.Frame
	Reason string
}

type conn struct {
	id     string
	nc     net.Conn
	outbox chan frame.Frame
	once   sync.Once
}

func (c *conn) closeWithReason(reason string, events chan<- Event) {
	c.once.Do(func() {
		close(c.outbox)
		_ = c.nc.Close()
		events <- Event{Kind: EventClosed, ConnID: c.id, Reason: reason}
	})
}

// Hub owns the listening socket and the set of accepted connections.
type Hub struct {
	socketPath string
	maxFrame   int

	mu       sync.Mutex
	listener net.Listener
	conns    map[string]*conn
	shutdown bool // set by the first Shutdown call

	events chan Event
	wg     sync.WaitGroup
}

// New creates a Hub bound to socketPath (not yet listening — call Listen).
// maxFrameSize of 0 selects frame.DefaultMaxSize.
func New(socketPath string, maxFrameSize int) *Hub {
	if maxFrameSize <= 0 {
		maxFrameSize = frame.DefaultMaxSize
	}
	return &Hub{
		socketPath: socketPath,
		maxFrame:   maxFrameSize,
		conns:      make(map[string]*conn),
		events:     make(chan Event, 256),
	}
}

// Events returns the hub's event stream. Must be drained by the caller for
// the hub to make progress — frame delivery backpressures on it.
func (h *Hub) Events() <-chan Event {
	return h.events
}

// Listen removes any stale socket file at socketPath, binds a fresh Unix
// domain socket, and begins accepting connections in the background.
func (h *Hub) Listen(ctx context.Context) error {
	_ = os.Remove(h.socketPath) // stale file from an unclean prior shutdown

	ln, err := net.Listen("unix", h.socketPath)
	if err != nil {
		return fmt.Errorf("hub: listen on %q: %w", h.socketPath, err)
	}
	h.mu.Lock()
	h.listener = ln
	h.mu.Unlock()

	h.wg.Add(1)
	go h.acceptLoop(ctx, ln)
	return nil
}

func (h *Hub) acceptLoop(ctx context.Context, ln net.Listener) {
	defer h.wg.Done()
	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return // expected: Shutdown closed the listener
			default:
			}
			log.Printf("[Hub] accept error: %v", err)
			return
		}
		h.handleConn(nc)
	}
}

func (h *Hub) handleConn(nc net.Conn) {
	c := &conn{
		id:     uuid.NewString(),
		nc:     nc,
		outbox: make(chan frame.Frame, outboxSize),
	}
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()

	h.events <- Event{Kind: EventConnected, ConnID: c.id}

	h.wg.Add(2)
	go h.readLoop(c)
	go h.writeLoop(c)
}

func (h *Hub) readLoop(c *conn) {
	defer h.wg.Done()
	r := frame.NewReaderSize(c.nc, h.maxFrame)
	for {
		f, err := r.ReadFrame()
		if err != nil {
			reason := "connection closed"
			if errors.Is(err, frame.ErrFrameTooLarge) {
				reason = "frame too large"
			} else if errors.Is(err, frame.ErrMalformedFrame) {
				reason = "malformed frame"
			}
			h.removeConn(c.id)
			c.closeWithReason(reason, h.events)
			return
		}
		h.events <- Event{Kind: EventFrame, ConnID: c.id, Frame: f}
	}
}

func (h *Hub) writeLoop(c *conn) {
	defer h.wg.Done()
	w := frame.NewWriter(c.nc)
	for f := range c.outbox {
		if err := w.WriteFrame(f); err != nil {
			log.Printf("[Hub] write error on conn %s: %v", c.id, err)
			h.removeConn(c.id)
			c.closeWithReason("write error", h.events)
			return
		}
	}
}

func (h *Hub) removeConn(id string) {
	h.mu.Lock()
	delete(h.conns, id)
	h.mu.Unlock()
}

// Send enqueues f for delivery on connID. Writes to a single connection are
// serialized by its dedicated writer goroutine, so frame boundaries are
// never interleaved; writes to different connections proceed independently.
func (h *Hub) Send(connID string, f frame.Frame) error {
	h.mu.Lock()
	c, ok := h.conns[connID]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("hub: unknown connection %q", connID)
	}
	select {
	case c.outbox <- f:
		return nil
	default:
		return ErrOutboxFull
	}
}

// Close closes a single connection with the given reason, emitting
// EventClosed. Idempotent.
func (h *Hub) Close(connID string, reason string) {
	h.mu.Lock()
	c, ok := h.conns[connID]
	if ok {
		delete(h.conns, connID)
	}
	h.mu.Unlock()
	if ok {
		c.closeWithReason(reason, h.events)
	}
}

// Shutdown stops accepting new connections, closes every open connection,
// unlinks the socket file, and waits for all reader/writer goroutines to
// exit before returning. Calls after the first return immediately.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	if h.shutdown {
		h.mu.Unlock()
		return
	}
	h.shutdown = true
	ln := h.listener
	conns := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[string]*conn)
	h.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	for _, c := range conns {
		c.closeWithReason("host shutdown", h.events)
	}
	h.wg.Wait()
	_ = os.Remove(h.socketPath)
	close(h.events)
}
