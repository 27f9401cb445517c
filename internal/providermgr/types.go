package providermgr

import (
	"encoding/json"
	"sync"
	"time"
)

// Kind distinguishes the two tagged provider variants: builtin(Handler) |
// external(ConnectionRef). CallTool branches on Kind.
type Kind string

const (
	KindBuiltin  Kind = "builtin"
	KindExternal Kind = "external"
)

// State is a provider's position in its lifecycle state machine.
type State string

const (
	StateIdle      State = "Idle"
	StateStarting  State = "Starting"
	StateRunning   State = "Running"
	StateReloading State = "Reloading"
	StateStopped   State = "Stopped"
)

// ErrorKind enumerates the outcomes CallTool can report.
type ErrorKind string

const (
	ErrToolNotFound         ErrorKind = "ToolNotFound"
	ErrProviderUnavailable  ErrorKind = "ProviderUnavailable"
	ErrProviderReloading    ErrorKind = "ProviderReloading"
	ErrProviderDisconnected ErrorKind = "ProviderDisconnected"
	ErrTimeout              ErrorKind = "Timeout"
	ErrProtocolError        ErrorKind = "ProtocolError"
	ErrHandlerError         ErrorKind = "HandlerError"
	ErrHostShutdown         ErrorKind = "HostShutdown"
)

// CallResult is the host-facing outcome of CallTool: either
// {ok, data} or {ok:false, error, kind}.
type CallResult struct {
	OK    bool
	Data  json.RawMessage
	Error string
	Kind  ErrorKind
}

// ExternalSpec configures an external provider: its entry file, optional
// explicit runtime, opaque provider config, and the predicates the
// Hot-Reload Coordinator uses to classify a change.
type ExternalSpec struct {
	Path            string
	Runtime         string
	RuntimeArgs     []string
	Config          json.RawMessage
	RestartTriggers []string
	ReinitTriggers  []string
}

// Handler is a built-in provider's in-process tool implementation.
type Handler func(ctx BuiltinContext, args json.RawMessage) (json.RawMessage, error)

// BuiltinContext is passed to a built-in tool's Handler, carrying the
// provider's own state and identity.
type BuiltinContext struct {
	Provider string
	State    any
	Logger   Logger
}

// Logger is the minimal structured-logging surface handed to built-in and
// (conceptually, across IPC) external tool handlers.
type Logger interface {
	Printf(format string, args ...any)
}

// BuiltinTool is a single tool contributed by a built-in provider.
type BuiltinTool struct {
	Name         string
	Description  string
	InputSchema  json.RawMessage
	OutputSchema json.RawMessage
	Handler      Handler
}

// providerRecord is the Manager's internal bookkeeping for one provider. A
// single mutex per record serializes its own state transitions without
// contending with unrelated providers.
type providerRecord struct {
	mu    sync.Mutex
	name  string
	kind  Kind
	state State

	// external-only fields
	spec         ExternalSpec
	connID       string // bound connection once registered; "" until then
	restartCount int
	startedAt    time.Time

	// builtin-only fields
	handlers map[string]Handler
}
