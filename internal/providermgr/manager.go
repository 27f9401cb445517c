// Package providermgr implements the Provider Manager: the lifecycle state
// machine for built-in and external providers, merged against a single
// shared Tool Registry, exposing the host-facing callTool/listTools surface.
//
// Concurrency model: the Manager owns the Socket Hub and subscribes to its
// event channel; the hub never calls back into the Manager directly, to
// keep ownership one-way instead of cyclic. Each provider's own state is
// guarded by a mutex on its providerRecord so a slow reload on one provider
// never blocks callTool for an unrelated one; the map of providers itself
// is guarded by Manager.mu.
package providermgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/toolmesh/toolmesh/internal/calltracker"
	"github.com/toolmesh/toolmesh/internal/frame"
	"github.com/toolmesh/toolmesh/internal/hub"
	"github.com/toolmesh/toolmesh/internal/registry"
	"github.com/toolmesh/toolmesh/internal/supervisor"
)

// EventKind identifies a host-facing lifecycle event.
type EventKind string

const (
	EventProviderConnected    EventKind = "provider-connected"
	EventProviderDisconnected EventKind = "provider-disconnected"
	EventProviderFailed       EventKind = "provider-failed"
)

// Event is published on Manager.Events().
type Event struct {
	Kind     EventKind
	Provider string
	Reason   string
}

// Config bundles the performance knobs the Manager consumes directly from
// the host configuration document.
type Config struct {
	ToolCallTimeout             time.Duration
	ProviderRegistrationTimeout time.Duration
	ProviderShutdownGrace       time.Duration
}

// DefaultConfig returns the timing defaults used when a host configuration
// document leaves these knobs unset.
func DefaultConfig() Config {
	return Config{
		ToolCallTimeout:             30 * time.Second,
		ProviderRegistrationTimeout: 15 * time.Second,
		ProviderShutdownGrace:       5 * time.Second,
	}
}

// Manager coordinates built-in and external providers against a shared
// Tool Registry, Call Tracker, Socket Hub, and Process Supervisor.
type Manager struct {
	cfg Config

	registry   *registry.Registry
	tracker    *calltracker.Tracker
	hub        *hub.Hub
	sup        *supervisor.Supervisor
	socketPath string

	mu        sync.Mutex
	providers map[string]*providerRecord
	byConn    map[string]string // bound connID -> provider name

	events chan Event

	shuttingDown bool
}

// New creates a Manager wired to the given Tool Registry, Call Tracker,
// Socket Hub, and Process Supervisor. socketPath is the Unix socket the hub
// is listening on; it is injected into every external child's environment.
// Call Run to begin consuming hub events and supervisor exit notifications.
func New(cfg Config, reg *registry.Registry, tracker *calltracker.Tracker, h *hub.Hub, sup *supervisor.Supervisor, socketPath string) *Manager {
	return &Manager{
		cfg:        cfg,
		registry:   reg,
		tracker:    tracker,
		hub:        h,
		sup:        sup,
		socketPath: socketPath,
		providers:  make(map[string]*providerRecord),
		byConn:     make(map[string]string),
		events:     make(chan Event, 64),
	}
}

// Events returns the Manager's host-facing lifecycle event stream.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Run consumes hub frame/connection events and supervisor exit events until
// ctx is cancelled. It must be started before any external provider is
// declared.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-m.hub.Events():
			if !ok {
				return
			}
			m.handleHubEvent(ev)
		case ev, ok := <-m.sup.Exits():
			if !ok {
				return
			}
			m.handleChildExit(ev)
		}
	}
}

// ---- Built-in providers ----

// RegisterBuiltin installs a built-in provider's tools directly into the
// registry and puts it in state Running immediately — built-in providers
// never pass through Starting and never touch the Socket Hub.
func (m *Manager) RegisterBuiltin(name string, tools []BuiltinTool) error {
	rec := &providerRecord{name: name, kind: KindBuiltin, state: StateRunning, handlers: make(map[string]Handler, len(tools))}

	descs := make([]registry.Descriptor, 0, len(tools))
	for _, t := range tools {
		rec.handlers[t.Name] = t.Handler
		descs = append(descs, registry.Descriptor{
			Name:         t.Name,
			Description:  t.Description,
			InputSchema:  t.InputSchema,
			OutputSchema: t.OutputSchema,
		})
	}

	if err := m.registry.ReplaceProviderTools(name, descs); err != nil {
		return fmt.Errorf("providermgr: register builtin %q: %w", name, err)
	}

	m.mu.Lock()
	m.providers[name] = rec
	m.mu.Unlock()
	return nil
}

// ---- External providers ----

// StartExternal declares provider name as external, spawns its child
// process, and enters Starting. If no register frame arrives within the
// configured registration timeout, the provider fails and enters Stopped.
func (m *Manager) StartExternal(ctx context.Context, name string, spec ExternalSpec) error {
	rec := &providerRecord{name: name, kind: KindExternal, state: StateStarting, spec: spec}

	m.mu.Lock()
	m.providers[name] = rec
	m.mu.Unlock()

	return m.spawnAndWatch(ctx, rec)
}

// StartAllExternal starts every named external provider concurrently using
// an errgroup. One provider's spawn failure does not prevent the others from
// starting; every error is collected and returned together so a
// misconfigured host still brings up everything it can.
func (m *Manager) StartAllExternal(ctx context.Context, specs map[string]ExternalSpec) error {
	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	var errs []error

	for name, spec := range specs {
		name, spec := name, spec
		g.Go(func() error {
			if err := m.StartExternal(gctx, name, spec); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Reload restarts an external provider against a possibly-updated spec:
// the provider's tools are cleared and its in-flight calls failed before
// its child is even asked to stop, so no caller can observe a
// half-torn-down provider as anything but cleanly unavailable.
func (m *Manager) Reload(ctx context.Context, name string, newSpec ExternalSpec) error {
	m.mu.Lock()
	rec := m.providers[name]
	m.mu.Unlock()
	if rec == nil || rec.kind != KindExternal {
		return fmt.Errorf("providermgr: reload: no external provider named %q", name)
	}

	rec.mu.Lock()
	rec.state = StateReloading
	rec.connID = ""
	rec.mu.Unlock()

	m.registry.ClearProvider(name)
	m.tracker.AbortProvider(name, calltracker.OutcomeProviderReloading, "provider is reloading")

	m.sup.Stop(name, m.cfg.ProviderShutdownGrace)

	rec.mu.Lock()
	rec.spec = newSpec
	rec.state = StateStarting
	rec.mu.Unlock()

	if err := m.spawnAndWatch(ctx, rec); err != nil {
		return err
	}
	return nil
}

// Reinitialize sends a reinitialize frame carrying newConfig to a Running
// external provider's child, which calls its own initialize(newConfig,
// previousState) hook and replaces its state in place — no restart, no
// registry change. Used when a change matches a provider's
// changeAnalysis.reinitTriggers rather than its restartTriggers.
func (m *Manager) Reinitialize(name string, newConfig json.RawMessage) error {
	m.mu.Lock()
	rec := m.providers[name]
	m.mu.Unlock()
	if rec == nil || rec.kind != KindExternal {
		return fmt.Errorf("providermgr: reinitialize: no external provider named %q", name)
	}

	rec.mu.Lock()
	state := rec.state
	connID := rec.connID
	rec.spec.Config = newConfig
	rec.mu.Unlock()

	if state != StateRunning {
		return fmt.Errorf("providermgr: reinitialize: provider %q is %s, not Running", name, state)
	}

	payload, _ := json.Marshal(map[string]any{"config": newConfig})
	if err := m.hub.Send(connID, frame.Frame{Type: "reinitialize", Data: payload}); err != nil {
		return fmt.Errorf("providermgr: reinitialize %q: %w", name, err)
	}
	return nil
}

func (m *Manager) spawnAndWatch(ctx context.Context, rec *providerRecord) error {
	_, err := m.sup.Spawn(ctx, supervisor.Spec{
		Provider:   rec.name,
		Path:       rec.spec.Path,
		Runtime:    rec.spec.Runtime,
		Args:       rec.spec.RuntimeArgs,
		SocketPath: m.socketPath,
	})
	if err != nil {
		m.failProvider(rec, fmt.Sprintf("spawn failed: %v", err))
		return err
	}

	deadline := m.cfg.ProviderRegistrationTimeout
	if deadline <= 0 {
		deadline = DefaultConfig().ProviderRegistrationTimeout
	}
	go func() {
		timer := time.NewTimer(deadline)
		defer timer.Stop()
		<-timer.C
		rec.mu.Lock()
		stillWaiting := rec.state == StateStarting
		rec.mu.Unlock()
		if stillWaiting {
			m.sup.Stop(rec.name, m.cfg.ProviderShutdownGrace)
			m.failProvider(rec, "registration deadline exceeded")
		}
	}()
	return nil
}

// ---- Hub event handling ----

func (m *Manager) handleHubEvent(ev hub.Event) {
	switch ev.Kind {
	case hub.EventConnected:
		// Nothing to do until the first frame arrives; an unbound connection
		// is tracked implicitly by its absence from byConn.
	case hub.EventFrame:
		m.handleFrame(ev.ConnID, ev.Frame)
	case hub.EventClosed:
		m.handleConnClosed(ev.ConnID, ev.Reason)
	}
}

func (m *Manager) handleFrame(connID string, f frame.Frame) {
	m.mu.Lock()
	providerName, bound := m.byConn[connID]
	m.mu.Unlock()

	if !bound {
		if f.Type != "register" {
			m.hub.Close(connID, "UnregisteredTraffic")
			return
		}
		m.handleRegister(connID, f)
		return
	}

	switch f.Type {
	case "tool_response":
		m.handleToolResponse(providerName, f)
	case "log":
		m.handleLog(providerName, f)
	default:
		log.Printf("[Provider] %q: unexpected frame type %q on bound connection", providerName, f.Type)
	}
}

type registerData struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description"`
	Tools       []toolIn `json:"tools"`
	PID         int      `json:"pid"`
}

type toolIn struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	InputSchema  json.RawMessage `json:"inputSchema"`
	OutputSchema json.RawMessage `json:"outputSchema"`
}

func (m *Manager) handleRegister(connID string, f frame.Frame) {
	var data registerData
	if err := json.Unmarshal(f.Data, &data); err != nil || data.Name == "" {
		m.hub.Close(connID, "malformed register frame")
		return
	}

	m.mu.Lock()
	rec, known := m.providers[data.Name]
	m.mu.Unlock()
	if !known || rec.kind != KindExternal {
		m.hub.Close(connID, "UnregisteredTraffic")
		return
	}

	rec.mu.Lock()
	alreadyBound := rec.connID != ""
	rec.mu.Unlock()
	if alreadyBound {
		m.hub.Close(connID, "provider already bound")
		return
	}

	descs := make([]registry.Descriptor, 0, len(data.Tools))
	for _, t := range data.Tools {
		descs = append(descs, registry.Descriptor{
			Name:         t.Name,
			Description:  t.Description,
			InputSchema:  t.InputSchema,
			OutputSchema: t.OutputSchema,
		})
	}

	if err := m.registry.ReplaceProviderTools(data.Name, descs); err != nil {
		m.hub.Close(connID, "NameCollision")
		m.failProvider(rec, err.Error())
		return
	}

	rec.mu.Lock()
	rec.connID = connID
	rec.state = StateRunning
	rec.startedAt = time.Now()
	rec.mu.Unlock()

	m.mu.Lock()
	m.byConn[connID] = data.Name
	m.mu.Unlock()

	m.events <- Event{Kind: EventProviderConnected, Provider: data.Name}
}

type toolResponseData struct {
	Data json.RawMessage `json:"data,omitempty"`
}

func (m *Manager) handleToolResponse(providerName string, f frame.Frame) {
	if f.ID == "" {
		log.Printf("[Provider] %q: tool_response missing id", providerName)
		return
	}
	var outcome calltracker.Outcome
	if f.Error != "" {
		outcome = calltracker.Outcome{Kind: calltracker.OutcomeHandlerError, Error: f.Error}
	} else {
		outcome = calltracker.Outcome{Kind: calltracker.OutcomeSuccess, Data: f.Data}
	}
	if !m.tracker.Complete(f.ID, outcome) {
		log.Printf("[Provider] %q: stale tool_response for id %q discarded", providerName, f.ID)
	}
}

type logData struct {
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

func (m *Manager) handleLog(providerName string, f frame.Frame) {
	var d logData
	if err := json.Unmarshal(f.Data, &d); err != nil {
		return
	}
	log.Printf("[Provider] %s[%s]: %s %v", providerName, d.Level, d.Message, d.Fields)
}

func (m *Manager) handleConnClosed(connID string, reason string) {
	m.mu.Lock()
	providerName, bound := m.byConn[connID]
	if bound {
		delete(m.byConn, connID)
	}
	m.mu.Unlock()
	if !bound {
		return
	}

	m.mu.Lock()
	rec := m.providers[providerName]
	m.mu.Unlock()
	if rec == nil {
		return
	}
	m.disconnectProvider(rec, connID, reason)
}

func (m *Manager) handleChildExit(ev supervisor.ExitEvent) {
	m.mu.Lock()
	rec := m.providers[ev.Provider]
	m.mu.Unlock()
	if rec == nil {
		return
	}
	reason := "process exited"
	if ev.Err != nil {
		reason = fmt.Sprintf("process exited: %v", ev.Err)
	}
	rec.mu.Lock()
	connID := rec.connID
	rec.mu.Unlock()
	m.disconnectProvider(rec, connID, reason)
}

// disconnectProvider contains a transient IPC fault or child crash to the
// affected provider. Its tools are cleared, its pending calls fail with
// ProviderDisconnected, and it enters Stopped.
//
// closedConnID identifies the connection the caller observed closing (or,
// for a child-exit notification, the provider's connection at the time of
// the call). If it no longer matches the provider's current connection —
// e.g. a stale close for a child Reload already superseded with a fresh one
// — this is a no-op: the provider has already moved on.
func (m *Manager) disconnectProvider(rec *providerRecord, closedConnID string, reason string) {
	rec.mu.Lock()
	if rec.state == StateStopped || rec.connID != closedConnID {
		rec.mu.Unlock()
		return
	}
	rec.state = StateStopped
	rec.connID = ""
	rec.mu.Unlock()

	m.registry.ClearProvider(rec.name)
	m.tracker.AbortProvider(rec.name, calltracker.OutcomeProviderDisconnected, reason)

	m.events <- Event{Kind: EventProviderDisconnected, Provider: rec.name, Reason: reason}
}

func (m *Manager) failProvider(rec *providerRecord, reason string) {
	rec.mu.Lock()
	rec.state = StateStopped
	rec.connID = ""
	rec.mu.Unlock()

	m.registry.ClearProvider(rec.name)
	m.tracker.AbortProvider(rec.name, calltracker.OutcomeProviderDisconnected, reason)

	m.events <- Event{Kind: EventProviderFailed, Provider: rec.name, Reason: reason}
}

// ---- Host-facing surface ----

// ListTools returns every tool descriptor currently in the registry, in
// deterministic order by name.
func (m *Manager) ListTools() []registry.Descriptor {
	return m.registry.List()
}

// CallTool routes a tool invocation by provider kind: built-in tools are
// invoked synchronously in-process; external tools are dispatched over the
// Socket Hub and awaited through the Call Tracker.
func (m *Manager) CallTool(ctx context.Context, name string, args json.RawMessage) CallResult {
	desc, ok := m.registry.Get(name)
	if !ok {
		return CallResult{Kind: ErrToolNotFound, Error: fmt.Sprintf("no tool named %q", name)}
	}

	m.mu.Lock()
	rec := m.providers[desc.Provider]
	shuttingDown := m.shuttingDown
	m.mu.Unlock()
	if rec == nil {
		return CallResult{Kind: ErrToolNotFound, Error: fmt.Sprintf("provider for tool %q vanished", name)}
	}
	if shuttingDown {
		return CallResult{Kind: ErrHostShutdown, Error: "host is shutting down"}
	}

	if rec.kind == KindBuiltin {
		return m.callBuiltin(ctx, rec, name, args)
	}
	return m.callExternal(ctx, rec, name, args)
}

func (m *Manager) callBuiltin(ctx context.Context, rec *providerRecord, name string, args json.RawMessage) CallResult {
	handler, ok := rec.handlers[name]
	if !ok {
		return CallResult{Kind: ErrToolNotFound, Error: fmt.Sprintf("no handler for %q", name)}
	}
	bctx := BuiltinContext{Provider: rec.name, Logger: stdLogger{}}
	data, err := handler(bctx, args)
	if err != nil {
		return CallResult{Kind: ErrHandlerError, Error: err.Error()}
	}
	return CallResult{OK: true, Data: data}
}

func (m *Manager) callExternal(ctx context.Context, rec *providerRecord, name string, args json.RawMessage) CallResult {
	rec.mu.Lock()
	state := rec.state
	connID := rec.connID
	rec.mu.Unlock()

	switch state {
	case StateReloading:
		return CallResult{Kind: ErrProviderReloading, Error: fmt.Sprintf("provider %q is reloading", rec.name)}
	case StateRunning:
		// proceed
	default:
		return CallResult{Kind: ErrProviderUnavailable, Error: fmt.Sprintf("provider %q is %s", rec.name, state)}
	}

	timeout := m.cfg.ToolCallTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().ToolCallTimeout
	}
	callID, done := m.tracker.Begin(rec.name, name, time.Now().Add(timeout))

	payload, _ := json.Marshal(map[string]any{"toolName": name, "params": json.RawMessage(args)})
	err := m.hub.Send(connID, frame.Frame{Type: "tool_call", ID: callID, Data: payload})
	if err != nil {
		m.tracker.Complete(callID, calltracker.Outcome{Kind: calltracker.OutcomeProtocolError, Error: err.Error()})
		return CallResult{Kind: ErrProtocolError, Error: err.Error()}
	}

	select {
	case outcome := <-done:
		return outcomeToResult(outcome)
	case <-ctx.Done():
		m.tracker.Complete(callID, calltracker.Outcome{Kind: calltracker.OutcomeHostShutdown, Error: ctx.Err().Error()})
		return CallResult{Kind: ErrHostShutdown, Error: ctx.Err().Error()}
	}
}

func outcomeToResult(o calltracker.Outcome) CallResult {
	switch o.Kind {
	case calltracker.OutcomeSuccess:
		return CallResult{OK: true, Data: o.Data}
	case calltracker.OutcomeTimeout:
		return CallResult{Kind: ErrTimeout, Error: o.Error}
	case calltracker.OutcomeProviderDisconnected:
		return CallResult{Kind: ErrProviderDisconnected, Error: o.Error}
	case calltracker.OutcomeProviderReloading:
		return CallResult{Kind: ErrProviderReloading, Error: o.Error}
	case calltracker.OutcomeProtocolError:
		return CallResult{Kind: ErrProtocolError, Error: o.Error}
	case calltracker.OutcomeHostShutdown:
		return CallResult{Kind: ErrHostShutdown, Error: o.Error}
	default:
		return CallResult{Kind: ErrHandlerError, Error: o.Error}
	}
}

// ---- Status & shutdown ----

// ProviderState reports a provider's current state, for health/status
// surfaces and for the Hot-Reload Coordinator.
func (m *Manager) ProviderState(name string) (State, bool) {
	m.mu.Lock()
	rec := m.providers[name]
	m.mu.Unlock()
	if rec == nil {
		return "", false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.state, true
}

// ProviderInfo is a point-in-time snapshot of one provider, used by the
// CLI's `providers list` surface and by the status file the serve command
// writes for it to read.
type ProviderInfo struct {
	Name  string
	Kind  Kind
	State State
}

// Providers returns a snapshot of every provider known to the Manager,
// builtin and external alike, sorted by name.
func (m *Manager) Providers() []ProviderInfo {
	m.mu.Lock()
	recs := make([]*providerRecord, 0, len(m.providers))
	for _, rec := range m.providers {
		recs = append(recs, rec)
	}
	m.mu.Unlock()

	out := make([]ProviderInfo, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		out = append(out, ProviderInfo{Name: rec.name, Kind: rec.kind, State: rec.state})
		rec.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Shutdown cancels all in-flight calls with HostShutdown, stops every
// external child with the configured grace period, and closes the Socket
// Hub (which unlinks the socket file).
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.shuttingDown = true
	names := make([]string, 0, len(m.providers))
	for name, rec := range m.providers {
		if rec.kind == KindExternal {
			names = append(names, name)
		}
	}
	m.mu.Unlock()

	m.tracker.AbortAll(calltracker.OutcomeHostShutdown, "host shutdown")
	for _, name := range names {
		m.sup.Stop(name, m.cfg.ProviderShutdownGrace)
	}
	m.hub.Shutdown()
}

type stdLogger struct{}

func (stdLogger) Printf(format string, args ...any) { log.Printf(format, args...) }
