package providermgr

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/toolmesh/toolmesh/internal/calltracker"
	"github.com/toolmesh/toolmesh/internal/frame"
	"github.com/toolmesh/toolmesh/internal/hub"
	"github.com/toolmesh/toolmesh/internal/registry"
	"github.com/toolmesh/toolmesh/internal/supervisor"
)

// testHarness wires a Manager against a real Socket Hub over a temp-dir
// Unix socket, without exercising the Process Supervisor's spawn path —
// external providers are simulated by dialing the socket directly, exactly
// as a real provider-side runtime would.
type testHarness struct {
	mgr     *Manager
	hub     *hub.Hub
	cancel  context.CancelFunc
}

func newHarness(t *testing.T, cfg Config) *testHarness {
	t.Helper()
	dir := t.TempDir()
	path := dir + "/test.sock"

	h := hub.New(path, 0)
	if err := h.Listen(context.Background()); err != nil {
		t.Fatalf("hub.Listen: %v", err)
	}
	reg := registry.New()
	tracker := calltracker.New()
	sup := supervisor.New()
	mgr := New(cfg, reg, tracker, h, sup, path)

	ctx, cancel := context.WithCancel(context.Background())
	go mgr.Run(ctx)

	t.Cleanup(func() {
		cancel()
		tracker.Stop()
		h.Shutdown()
	})

	return &testHarness{mgr: mgr, hub: h, cancel: cancel}
}

// declareExternal registers a Starting-state provider record directly,
// bypassing Supervisor.Spawn, then dials the hub and sends a register frame
// on its behalf — simulating a real child connecting.
func (th *testHarness) declareExternal(t *testing.T, name string, socketPath string, tools []toolIn) net.Conn {
	t.Helper()
	rec := &providerRecord{name: name, kind: KindExternal, state: StateStarting}
	th.mgr.mu.Lock()
	th.mgr.providers[name] = rec
	th.mgr.mu.Unlock()

	c, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	w := frame.NewWriter(c)
	payload, _ := json.Marshal(registerData{Name: name, Version: "1.0.0", Tools: tools})
	if err := w.WriteFrame(frame.Frame{Type: "register", Data: payload}); err != nil {
		t.Fatalf("write register: %v", err)
	}
	return c
}

func waitForState(t *testing.T, mgr *Manager, name string, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st, ok := mgr.ProviderState(name); ok && st == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	got, _ := mgr.ProviderState(name)
	t.Fatalf("provider %q never reached state %s (last seen %s)", name, want, got)
}

func addTool(name string) toolIn {
	return toolIn{Name: name, Description: "test tool", InputSchema: json.RawMessage(`{}`), OutputSchema: json.RawMessage(`{}`)}
}

// S1: round-trip call to a healthy external provider.
func TestCallTool_S1_ExternalRoundTrip(t *testing.T) {
	th := newHarness(t, DefaultConfig())
	socketPath := th.mgr.socketPath

	c := th.declareExternal(t, "calc", socketPath, []toolIn{addTool("add")})
	defer c.Close()
	waitForState(t, th.mgr, "calc", StateRunning)

	go func() {
		r := frame.NewReader(c)
		f, err := r.ReadFrame()
		if err != nil {
			return
		}
		w := frame.NewWriter(c)
		w.WriteFrame(frame.Frame{Type: "tool_response", ID: f.ID, Data: json.RawMessage(`{"sum":3}`)})
	}()

	res := th.mgr.CallTool(context.Background(), "add", json.RawMessage(`{"a":1,"b":2}`))
	if !res.OK {
		t.Fatalf("expected OK, got %+v", res)
	}
	if string(res.Data) != `{"sum":3}` {
		t.Fatalf("Data = %s", res.Data)
	}
}

// S2: calling an unknown tool name fails with ToolNotFound.
func TestCallTool_S2_UnknownTool(t *testing.T) {
	th := newHarness(t, DefaultConfig())
	res := th.mgr.CallTool(context.Background(), "nonexistent", nil)
	if res.OK || res.Kind != ErrToolNotFound {
		t.Fatalf("got %+v, want ToolNotFound", res)
	}
}

// S3: two providers registering the same tool name — the second registration
// is rejected and that provider lands in Stopped, while the first keeps its
// tools intact.
func TestCallTool_S3_NameCollisionRejectsSecondProvider(t *testing.T) {
	th := newHarness(t, DefaultConfig())
	socketPath := th.mgr.socketPath

	c1 := th.declareExternal(t, "alpha", socketPath, []toolIn{addTool("shared")})
	defer c1.Close()
	waitForState(t, th.mgr, "alpha", StateRunning)

	c2 := th.declareExternal(t, "beta", socketPath, []toolIn{addTool("shared")})
	defer c2.Close()
	waitForState(t, th.mgr, "beta", StateStopped)

	tools := th.mgr.ListTools()
	if len(tools) != 1 || tools[0].Provider != "alpha" {
		t.Fatalf("registry after collision = %+v, want only alpha's tool", tools)
	}
}

// S4: a provider mid-Reload rejects calls with ProviderReloading instead of
// blocking or racing the registry swap.
func TestCallTool_S4_ReloadingProviderRejectsCalls(t *testing.T) {
	th := newHarness(t, DefaultConfig())
	socketPath := th.mgr.socketPath

	c := th.declareExternal(t, "calc", socketPath, []toolIn{addTool("add")})
	defer c.Close()
	waitForState(t, th.mgr, "calc", StateRunning)

	th.mgr.mu.Lock()
	rec := th.mgr.providers["calc"]
	th.mgr.mu.Unlock()
	rec.mu.Lock()
	rec.state = StateReloading
	rec.mu.Unlock()

	res := th.mgr.CallTool(context.Background(), "add", nil)
	if res.OK || res.Kind != ErrProviderReloading {
		t.Fatalf("got %+v, want ProviderReloading", res)
	}
}

// S5: a call that outlives its deadline resolves Timeout, and the late
// response that arrives afterward is discarded without affecting the
// already-resolved call.
func TestCallTool_S5_TimeoutThenLateResponseDiscarded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ToolCallTimeout = 50 * time.Millisecond
	th := newHarness(t, cfg)
	socketPath := th.mgr.socketPath

	c := th.declareExternal(t, "slow", socketPath, []toolIn{addTool("wait")})
	defer c.Close()
	waitForState(t, th.mgr, "slow", StateRunning)

	callIDCh := make(chan string, 1)
	go func() {
		r := frame.NewReader(c)
		f, err := r.ReadFrame()
		if err != nil {
			return
		}
		callIDCh <- f.ID
	}()

	res := th.mgr.CallTool(context.Background(), "wait", nil)
	if res.OK || res.Kind != ErrTimeout {
		t.Fatalf("got %+v, want Timeout", res)
	}

	select {
	case id := <-callIDCh:
		w := frame.NewWriter(c)
		ok := th.mgr.tracker.Complete(id, calltracker.Outcome{Kind: calltracker.OutcomeSuccess, Data: json.RawMessage(`{}`)})
		if ok {
			t.Fatal("late Complete after timeout should return false")
		}
		_ = w
	case <-time.After(time.Second):
		t.Fatal("never observed the tool_call frame")
	}
}

// S6: an external provider's connection drops mid-flight — its pending call
// resolves ProviderDisconnected, its tools are unregistered, and it lands in
// Stopped.
func TestCallTool_S6_ProviderDisconnectDuringCall(t *testing.T) {
	th := newHarness(t, DefaultConfig())
	socketPath := th.mgr.socketPath

	c := th.declareExternal(t, "calc", socketPath, []toolIn{addTool("add")})
	waitForState(t, th.mgr, "calc", StateRunning)

	done := make(chan CallResult, 1)
	go func() {
		done <- th.mgr.CallTool(context.Background(), "add", nil)
	}()

	// give the call a moment to register with the tracker, then yank the
	// connection out from under it.
	time.Sleep(50 * time.Millisecond)
	c.Close()

	select {
	case res := <-done:
		if res.OK || res.Kind != ErrProviderDisconnected {
			t.Fatalf("got %+v, want ProviderDisconnected", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("CallTool never returned after disconnect")
	}

	waitForState(t, th.mgr, "calc", StateStopped)
	if tools := th.mgr.ListTools(); len(tools) != 0 {
		t.Fatalf("expected no tools after disconnect, got %+v", tools)
	}
}

// A register frame naming a provider the manager never declared is
// UnregisteredTraffic and the connection is closed.
func TestHandleRegister_UnknownProviderNameClosesConnection(t *testing.T) {
	th := newHarness(t, DefaultConfig())
	socketPath := th.mgr.socketPath

	c, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	w := frame.NewWriter(c)
	payload, _ := json.Marshal(registerData{Name: "ghost"})
	if err := w.WriteFrame(frame.Frame{Type: "register", Data: payload}); err != nil {
		t.Fatalf("write: %v", err)
	}

	r := frame.NewReader(c)
	if _, err := r.ReadFrame(); err == nil {
		t.Fatal("expected connection to be closed by host, got a frame instead")
	}
}

// Non-register traffic on an unbound connection is also UnregisteredTraffic.
func TestHandleFrame_NonRegisterOnUnboundConnectionCloses(t *testing.T) {
	th := newHarness(t, DefaultConfig())
	socketPath := th.mgr.socketPath

	c, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	w := frame.NewWriter(c)
	if err := w.WriteFrame(frame.Frame{Type: "log", Data: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("write: %v", err)
	}

	r := frame.NewReader(c)
	if _, err := r.ReadFrame(); err == nil {
		t.Fatal("expected connection to be closed by host, got a frame instead")
	}
}

// RegisterBuiltin installs tools synchronously and CallTool invokes the
// handler in-process, without touching the hub at all.
func TestCallTool_BuiltinInvokesHandlerDirectly(t *testing.T) {
	th := newHarness(t, DefaultConfig())

	err := th.mgr.RegisterBuiltin("fs", []BuiltinTool{
		{
			Name: "read",
			Handler: func(ctx BuiltinContext, args json.RawMessage) (json.RawMessage, error) {
				return json.RawMessage(`{"contents":"hello"}`), nil
			},
		},
	})
	if err != nil {
		t.Fatalf("RegisterBuiltin: %v", err)
	}

	st, ok := th.mgr.ProviderState("fs")
	if !ok || st != StateRunning {
		t.Fatalf("builtin provider state = %v, %v, want Running, true", st, ok)
	}

	res := th.mgr.CallTool(context.Background(), "read", nil)
	if !res.OK || string(res.Data) != `{"contents":"hello"}` {
		t.Fatalf("got %+v", res)
	}
}

func TestProviders_ReturnsSnapshotSortedByName(t *testing.T) {
	th := newHarness(t, DefaultConfig())

	if err := th.mgr.RegisterBuiltin("zeta", nil); err != nil {
		t.Fatalf("RegisterBuiltin: %v", err)
	}
	if err := th.mgr.RegisterBuiltin("alpha", nil); err != nil {
		t.Fatalf("RegisterBuiltin: %v", err)
	}

	infos := th.mgr.Providers()
	if len(infos) != 2 {
		t.Fatalf("Providers() returned %d entries, want 2", len(infos))
	}
	if infos[0].Name != "alpha" || infos[1].Name != "zeta" {
		t.Fatalf("Providers() not sorted: %+v", infos)
	}
	if infos[0].Kind != KindBuiltin || infos[0].State != StateRunning {
		t.Fatalf("alpha info = %+v, want builtin/Running", infos[0])
	}
}

// Reload clears the provider's tools and fails its in-flight call with
// ProviderReloading before the new child has even registered, then the
// provider proceeds through Starting exactly as a first-time spawn would.
func TestReload_ClearsToolsAndFailsInFlightCallsBeforeRespawn(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ProviderRegistrationTimeout = 100 * time.Millisecond
	th := newHarness(t, cfg)
	socketPath := th.mgr.socketPath

	c := th.declareExternal(t, "calc", socketPath, []toolIn{addTool("add")})
	defer c.Close()
	waitForState(t, th.mgr, "calc", StateRunning)

	done := make(chan CallResult, 1)
	go func() {
		done <- th.mgr.CallTool(context.Background(), "add", nil)
	}()
	time.Sleep(30 * time.Millisecond) // let the call register with the tracker

	reloadErr := make(chan error, 1)
	go func() {
		reloadErr <- th.mgr.Reload(context.Background(), "calc", ExternalSpec{Runtime: "sh", RuntimeArgs: []string{"-c", "sleep 5"}})
	}()

	select {
	case res := <-done:
		if res.OK || res.Kind != ErrProviderReloading {
			t.Fatalf("got %+v, want ProviderReloading", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight call never resolved during reload")
	}

	if tools := th.mgr.ListTools(); len(tools) != 0 {
		t.Fatalf("expected tools cleared during reload, got %+v", tools)
	}

	if err := <-reloadErr; err != nil {
		t.Fatalf("Reload: %v", err)
	}
	// Without a register frame the freshly spawned child eventually fails
	// registration and the provider settles in Stopped.
	waitForState(t, th.mgr, "calc", StateStopped)
}

// Reinitialize sends a reinitialize frame to a Running provider without
// touching the registry or the Call Tracker.
func TestReinitialize_SendsFrameWithoutTouchingRegistry(t *testing.T) {
	th := newHarness(t, DefaultConfig())
	socketPath := th.mgr.socketPath

	c := th.declareExternal(t, "calc", socketPath, []toolIn{addTool("add")})
	defer c.Close()
	waitForState(t, th.mgr, "calc", StateRunning)

	if err := th.mgr.Reinitialize("calc", json.RawMessage(`{"endpoint":"https://new"}`)); err != nil {
		t.Fatalf("Reinitialize: %v", err)
	}

	r := frame.NewReader(c)
	f, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if f.Type != "reinitialize" {
		t.Fatalf("Type = %q, want reinitialize", f.Type)
	}

	if tools := th.mgr.ListTools(); len(tools) != 1 {
		t.Fatalf("expected tools untouched by reinitialize, got %+v", tools)
	}
}

// Reinitialize on a provider that is not Running fails rather than queuing.
func TestReinitialize_RejectsNonRunningProvider(t *testing.T) {
	th := newHarness(t, DefaultConfig())
	socketPath := th.mgr.socketPath

	c := th.declareExternal(t, "calc", socketPath, []toolIn{addTool("add")})
	defer c.Close()
	waitForState(t, th.mgr, "calc", StateRunning)

	th.mgr.mu.Lock()
	rec := th.mgr.providers["calc"]
	th.mgr.mu.Unlock()
	rec.mu.Lock()
	rec.state = StateReloading
	rec.mu.Unlock()

	if err := th.mgr.Reinitialize("calc", json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected an error reinitializing a non-Running provider")
	}
}

// A connection-close event for a connection the provider has already moved
// on from (e.g. the old child during a Reload) must not tear down the
// provider's current, unrelated state.
func TestDisconnectProvider_IgnoresStaleConnectionClose(t *testing.T) {
	th := newHarness(t, DefaultConfig())
	socketPath := th.mgr.socketPath

	c := th.declareExternal(t, "calc", socketPath, []toolIn{addTool("add")})
	defer c.Close()
	waitForState(t, th.mgr, "calc", StateRunning)

	th.mgr.mu.Lock()
	rec := th.mgr.providers["calc"]
	th.mgr.mu.Unlock()

	// Simulate a superseded close: the provider's live connID has already
	// moved on by the time this stale notification arrives.
	th.mgr.disconnectProvider(rec, "some-other-stale-conn-id", "stale close")

	st, ok := th.mgr.ProviderState("calc")
	if !ok || st != StateRunning {
		t.Fatalf("state = %v, %v, want Running (stale close must be ignored)", st, ok)
	}
	if tools := th.mgr.ListTools(); len(tools) != 1 {
		t.Fatalf("expected calc's tool to survive a stale close, got %+v", tools)
	}
}

// Shutdown fails every pending call with HostShutdown and rejects new calls
// the same way.
func TestShutdown_FailsPendingAndNewCallsWithHostShutdown(t *testing.T) {
	th := newHarness(t, DefaultConfig())
	socketPath := th.mgr.socketPath

	c := th.declareExternal(t, "calc", socketPath, []toolIn{addTool("add")})
	defer c.Close()
	waitForState(t, th.mgr, "calc", StateRunning)

	pending := make(chan CallResult, 1)
	go func() {
		pending <- th.mgr.CallTool(context.Background(), "add", nil)
	}()
	time.Sleep(50 * time.Millisecond) // let the call register with the tracker

	th.mgr.Shutdown()

	select {
	case res := <-pending:
		if res.OK || res.Kind != ErrHostShutdown {
			t.Fatalf("pending call got %+v, want HostShutdown", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call never resolved after Shutdown")
	}

	res := th.mgr.CallTool(context.Background(), "add", nil)
	if res.OK || res.Kind != ErrHostShutdown {
		t.Fatalf("got %+v, want HostShutdown", res)
	}
}

// A spawn failure for one provider in StartAllExternal does not prevent the
// others from starting, and every failure is reported back to the caller.
func TestStartAllExternal_OneFailureDoesNotBlockOthers(t *testing.T) {
	th := newHarness(t, DefaultConfig())

	specs := map[string]ExternalSpec{
		"broken-one": {Path: "/nonexistent/broken-one/index.sh"},
		"broken-two": {Path: "/nonexistent/broken-two/index.sh"},
	}

	err := th.mgr.StartAllExternal(context.Background(), specs)
	if err == nil {
		t.Fatal("expected an aggregated error for two unspawnable providers")
	}
	for _, name := range []string{"broken-one", "broken-two"} {
		if !strings.Contains(err.Error(), name) {
			t.Fatalf("aggregated error %q does not mention %q", err, name)
		}
		waitForState(t, th.mgr, name, StateStopped)
	}
}
