// Package providersdk is the library linked into external provider child
// processes. It implements the provider-side half of the IPC protocol:
// reading the child environment contract, connecting to the host's Unix
// socket, registering the provider's tools, and serving tool_call frames
// until the connection closes.
package providersdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"reflect"
	"sync"

	"github.com/toolmesh/toolmesh/internal/frame"
)

// envSocketPath, envProviderMode, and envProviderName are the three
// environment variables a host sets on every external provider's child
// process before launching it.
const (
	envSocketPath   = "TOOLMESH_SOCKET_PATH"
	envProviderMode = "TOOLMESH_PROVIDER_MODE"
	envProviderName = "TOOLMESH_PROVIDER_NAME"
)

// ErrNotProviderMode is returned by Run when the process was not launched
// by a toolmesh host (the environment contract is absent).
var ErrNotProviderMode = errors.New("providersdk: TOOLMESH_PROVIDER_MODE is not set; not running under a toolmesh host")

// Logger is the provider-side structured logging surface. Every call is
// forwarded to the host as a log frame.
type Logger interface {
	Printf(level, format string, args ...any)
}

// Context is passed to a tool Handler and to the Initialize hook.
type Context struct {
	Provider string
	State    any
	Logger   Logger
}

// Handler implements a single tool.
type Handler func(ctx Context, args json.RawMessage) (json.RawMessage, error)

// InitializeFunc is invoked once at startup with a nil configuration and a
// nil previous state, and again on every reinitialize frame with the new
// configuration and the provider's previous state (deep-copied so the
// runtime's in-use value cannot be mutated out from under it). Its return
// value becomes the new state.
type InitializeFunc func(config json.RawMessage, previousState any) (any, error)

// Tool is one tool this provider contributes to the host's registry.
type Tool struct {
	Name         string
	Description  string
	InputSchema  json.RawMessage
	OutputSchema json.RawMessage
	Handler      Handler
}

// Runtime is the provider-side connection to a toolmesh host. Construct
// with New, register tools and an optional Initialize hook, then call Run.
type Runtime struct {
	Name        string
	Version     string
	Description string
	Initialize  InitializeFunc

	mu    sync.Mutex
	state any

	tools map[string]Tool
}

// New creates a Runtime identified by name and version.
func New(name, version string) *Runtime {
	return &Runtime{Name: name, Version: version, tools: make(map[string]Tool)}
}

// RegisterTool adds t to the set of tools reported in this provider's
// register frame.
func (r *Runtime) RegisterTool(t Tool) {
	r.tools[t.Name] = t
}

// Run reads the child environment contract, connects to the host socket,
// registers, and serves frames until ctx is cancelled or the connection
// closes. It returns nil on a clean socket close.
func (r *Runtime) Run(ctx context.Context) error {
	if os.Getenv(envProviderMode) != "true" {
		return ErrNotProviderMode
	}
	socketPath := os.Getenv(envSocketPath)
	if socketPath == "" {
		return fmt.Errorf("providersdk: %s is not set", envSocketPath)
	}
	name := os.Getenv(envProviderName)
	if name == "" {
		return fmt.Errorf("providersdk: %s is not set", envProviderName)
	}
	r.Name = name

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return fmt.Errorf("providersdk: dial %q: %w", socketPath, err)
	}
	defer conn.Close()

	// Closing the connection on cancellation unblocks a pending ReadFrame.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	reader := frame.NewReader(conn)
	writer := frame.NewWriter(conn)
	logger := &frameLogger{w: writer, mu: &sync.Mutex{}}

	if r.Initialize != nil {
		state, err := r.Initialize(nil, nil)
		if err != nil {
			return fmt.Errorf("providersdk: initialize: %w", err)
		}
		r.mu.Lock()
		r.state = state
		r.mu.Unlock()
	}

	if err := r.sendRegister(writer, os.Getpid()); err != nil {
		return fmt.Errorf("providersdk: register: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		f, err := reader.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil // socket closed: exit cleanly
		}

		switch f.Type {
		case "tool_call":
			r.handleToolCall(writer, logger, f)
		case "reinitialize":
			r.handleReinitialize(f)
		default:
			logger.Printf("warn", "ignoring unexpected frame type %q", f.Type)
		}
	}
}

type registerPayload struct {
	Name        string           `json:"name"`
	Version     string           `json:"version"`
	Description string           `json:"description"`
	Tools       []toolDescriptor `json:"tools"`
	PID         int              `json:"pid"`
}

type toolDescriptor struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	InputSchema  json.RawMessage `json:"inputSchema,omitempty"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
}

func (r *Runtime) sendRegister(w *frame.Writer, pid int) error {
	descs := make([]toolDescriptor, 0, len(r.tools))
	for _, t := range r.tools {
		descs = append(descs, toolDescriptor{
			Name:         t.Name,
			Description:  t.Description,
			InputSchema:  t.InputSchema,
			OutputSchema: t.OutputSchema,
		})
	}
	payload, err := json.Marshal(registerPayload{
		Name:        r.Name,
		Version:     r.Version,
		Description: r.Description,
		Tools:       descs,
		PID:         pid,
	})
	if err != nil {
		return err
	}
	return w.WriteFrame(frame.Frame{Type: "register", Data: payload})
}

type toolCallPayload struct {
	ToolName string          `json:"toolName"`
	Params   json.RawMessage `json:"params"`
}

func (r *Runtime) handleToolCall(w *frame.Writer, logger Logger, f frame.Frame) {
	var call toolCallPayload
	if err := json.Unmarshal(f.Data, &call); err != nil {
		w.WriteFrame(frame.Frame{Type: "tool_response", ID: f.ID, Error: fmt.Sprintf("malformed tool_call: %v", err)})
		return
	}

	t, ok := r.tools[call.ToolName]
	if !ok {
		w.WriteFrame(frame.Frame{Type: "tool_response", ID: f.ID, Error: fmt.Sprintf("unknown tool %q", call.ToolName)})
		return
	}

	r.mu.Lock()
	state := r.state
	r.mu.Unlock()

	data, err := t.Handler(Context{Provider: r.Name, State: state, Logger: logger}, call.Params)
	if err != nil {
		w.WriteFrame(frame.Frame{Type: "tool_response", ID: f.ID, Error: err.Error()})
		return
	}
	w.WriteFrame(frame.Frame{Type: "tool_response", ID: f.ID, Data: data})
}

type reinitializePayload struct {
	Config json.RawMessage `json:"config"`
}

func (r *Runtime) handleReinitialize(f frame.Frame) {
	if r.Initialize == nil {
		return
	}
	var payload reinitializePayload
	if err := json.Unmarshal(f.Data, &payload); err != nil {
		return
	}

	r.mu.Lock()
	previous := deepCopy(r.state)
	r.mu.Unlock()

	newState, err := r.Initialize(payload.Config, previous)
	if err != nil {
		return
	}
	r.mu.Lock()
	r.state = newState
	r.mu.Unlock()
}

// deepCopy round-trips v through JSON so a handed-out previous state can
// never be mutated by the caller in a way that reaches the runtime's live
// copy. Values that are not JSON round-trippable are returned unchanged.
func deepCopy(v any) any {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}

	typ := reflect.TypeOf(v)
	elemType := typ
	isPtr := typ.Kind() == reflect.Ptr
	if isPtr {
		elemType = typ.Elem()
	}

	newVal := reflect.New(elemType)
	if err := json.Unmarshal(data, newVal.Interface()); err != nil {
		return v
	}
	if isPtr {
		return newVal.Interface()
	}
	return newVal.Elem().Interface()
}

type frameLogger struct {
	w  *frame.Writer
	mu *sync.Mutex
}

func (l *frameLogger) Printf(level, format string, args ...any) {
	payload, _ := json.Marshal(map[string]any{
		"level":   level,
		"message": fmt.Sprintf(format, args...),
	})
	l.mu.Lock()
	defer l.mu.Unlock()
	l.w.WriteFrame(frame.Frame{Type: "log", Data: payload})
}
