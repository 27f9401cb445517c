package providersdk

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/toolmesh/toolmesh/internal/frame"
)

func fakeHost(t *testing.T) (string, net.Listener) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	return path, ln
}

func setProviderEnv(t *testing.T, socketPath, name string) {
	t.Helper()
	t.Setenv("TOOLMESH_SOCKET_PATH", socketPath)
	t.Setenv("TOOLMESH_PROVIDER_MODE", "true")
	t.Setenv("TOOLMESH_PROVIDER_NAME", name)
}

func TestRun_SendsRegisterThenServesToolCall(t *testing.T) {
	socketPath, ln := fakeHost(t)
	setProviderEnv(t, socketPath, "calc")

	rt := New("calc", "1.0.0")
	rt.RegisterTool(Tool{
		Name: "add",
		Handler: func(ctx Context, args json.RawMessage) (json.RawMessage, error) {
			var in struct{ A, B int }
			json.Unmarshal(args, &in)
			return json.Marshal(map[string]int{"sum": in.A + in.B})
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- rt.Run(ctx) }()

	conn, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	defer conn.Close()

	r := frame.NewReader(conn)
	reg, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("read register: %v", err)
	}
	if reg.Type != "register" {
		t.Fatalf("Type = %q, want register", reg.Type)
	}

	w := frame.NewWriter(conn)
	payload, _ := json.Marshal(map[string]any{"toolName": "add", "params": json.RawMessage(`{"A":2,"B":3}`)})
	if err := w.WriteFrame(frame.Frame{Type: "tool_call", ID: "call-1", Data: payload}); err != nil {
		t.Fatalf("write tool_call: %v", err)
	}

	resp, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("read tool_response: %v", err)
	}
	if resp.Type != "tool_response" || resp.ID != "call-1" {
		t.Fatalf("got %+v", resp)
	}
	if string(resp.Data) != `{"sum":5}` {
		t.Fatalf("Data = %s, want {\"sum\":5}", resp.Data)
	}

	conn.Close()
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run returned error after clean close: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after socket close")
	}
}

func TestRun_UnknownToolReturnsErrorResponse(t *testing.T) {
	socketPath, ln := fakeHost(t)
	setProviderEnv(t, socketPath, "calc")

	rt := New("calc", "1.0.0")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rt.Run(ctx)

	conn, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	defer conn.Close()

	r := frame.NewReader(conn)
	if _, err := r.ReadFrame(); err != nil { // register
		t.Fatalf("read register: %v", err)
	}

	w := frame.NewWriter(conn)
	payload, _ := json.Marshal(map[string]any{"toolName": "missing"})
	w.WriteFrame(frame.Frame{Type: "tool_call", ID: "x", Data: payload})

	resp, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("read tool_response: %v", err)
	}
	if resp.Error == "" {
		t.Fatal("expected a non-empty error for an unknown tool")
	}
}

func TestRun_ReinitializeDeepCopiesPreviousState(t *testing.T) {
	socketPath, ln := fakeHost(t)
	setProviderEnv(t, socketPath, "calc")

	type st struct{ Count int }

	var capturedPrevious *st
	rt := New("calc", "1.0.0")
	rt.Initialize = func(config json.RawMessage, previous any) (any, error) {
		if previous == nil {
			return &st{Count: 1}, nil
		}
		capturedPrevious = previous.(*st)
		return &st{Count: capturedPrevious.Count + 1}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rt.Run(ctx)

	conn, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	defer conn.Close()

	r := frame.NewReader(conn)
	if _, err := r.ReadFrame(); err != nil { // register
		t.Fatalf("read register: %v", err)
	}

	w := frame.NewWriter(conn)
	payload, _ := json.Marshal(map[string]any{"config": json.RawMessage(`{}`)})
	if err := w.WriteFrame(frame.Frame{Type: "reinitialize", Data: payload}); err != nil {
		t.Fatalf("write reinitialize: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && capturedPrevious == nil {
		time.Sleep(5 * time.Millisecond)
	}
	if capturedPrevious == nil {
		t.Fatal("Initialize was never called with a previous state")
	}
	if capturedPrevious.Count != 1 {
		t.Fatalf("previous.Count = %d, want 1", capturedPrevious.Count)
	}

	rt.mu.Lock()
	live := rt.state.(*st)
	rt.mu.Unlock()
	capturedPrevious.Count = 999 // mutate the handed-out copy
	if live.Count == 999 {
		t.Fatal("mutating the previous-state copy affected the runtime's live state")
	}
}

func TestRun_NotProviderModeReturnsError(t *testing.T) {
	os.Unsetenv("TOOLMESH_PROVIDER_MODE")
	rt := New("calc", "1.0.0")
	if err := rt.Run(context.Background()); err != ErrNotProviderMode {
		t.Fatalf("err = %v, want ErrNotProviderMode", err)
	}
}
