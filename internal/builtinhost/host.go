// Package builtinhost implements the Built-in Provider Host: the thin layer
// that turns a declarative in-process provider description into tools
// registered with the Provider Manager, running its lifecycle hooks around
// that registration exactly as an external provider's register frame would,
// minus the IPC.
package builtinhost

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/toolmesh/toolmesh/internal/providermgr"
)

// InitializeFunc is invoked once at host startup with the provider's slice
// of the configuration document. Its return value becomes the provider's
// state object, threaded into every subsequent tool call via
// providermgr.BuiltinContext.
type InitializeFunc func(config json.RawMessage) (state any, err error)

// DisposeFunc is invoked once by Host.Shutdown. The provider's tools are
// not removed from the registry before or after it runs.
type DisposeFunc func(state any)

// ToolSpec describes one tool a built-in provider contributes. Handler
// receives the provider's current state through ctx.State.
type ToolSpec struct {
	Name         string
	Description  string
	InputSchema  json.RawMessage
	OutputSchema json.RawMessage
	Handler      func(ctx providermgr.BuiltinContext, args json.RawMessage) (json.RawMessage, error)
}

// Provider is the declarative shape every built-in provider implements:
// a name, version, tool list, and optional initialize/dispose hooks.
type Provider struct {
	Name        string
	Version     string
	Description string
	Tools       []ToolSpec
	Initialize  InitializeFunc
	Dispose     DisposeFunc
}

// Host owns the set of built-in providers registered for this process's
// lifetime, so Shutdown can run their Dispose hooks in the reverse order
// they were installed.
type Host struct {
	mgr       *providermgr.Manager
	installed []installedProvider
}

type installedProvider struct {
	provider Provider
	state    any
}

// New creates a Built-in Provider Host wired to mgr.
func New(mgr *providermgr.Manager) *Host {
	return &Host{mgr: mgr}
}

// Install runs p's Initialize hook (if any) against config, then registers
// its tools with the Provider Manager. The resulting provider state is
// closed over by every tool's handler.
func (h *Host) Install(p Provider, config json.RawMessage) error {
	var state any
	if p.Initialize != nil {
		s, err := p.Initialize(config)
		if err != nil {
			return fmt.Errorf("builtinhost: initialize %q: %w", p.Name, err)
		}
		state = s
	}

	stateRef := &state
	tools := make([]providermgr.BuiltinTool, 0, len(p.Tools))
	for _, t := range p.Tools {
		handler := t.Handler
		tools = append(tools, providermgr.BuiltinTool{
			Name:         t.Name,
			Description:  t.Description,
			InputSchema:  t.InputSchema,
			OutputSchema: t.OutputSchema,
			Handler: func(ctx providermgr.BuiltinContext, args json.RawMessage) (json.RawMessage, error) {
				ctx.State = *stateRef
				return handler(ctx, args)
			},
		})
	}

	if err := h.mgr.RegisterBuiltin(p.Name, tools); err != nil {
		return fmt.Errorf("builtinhost: install %q: %w", p.Name, err)
	}

	h.installed = append(h.installed, installedProvider{provider: p, state: state})
	log.Printf("[BuiltinHost] installed %q v%s with %d tools", p.Name, p.Version, len(p.Tools))
	return nil
}

// Shutdown runs every installed provider's Dispose hook, most-recently
// installed first. It only releases provider-held resources: neither it nor
// the Provider Manager's Shutdown removes built-in tools from the registry.
func (h *Host) Shutdown() {
	for i := len(h.installed) - 1; i >= 0; i-- {
		ip := h.installed[i]
		if ip.provider.Dispose != nil {
			ip.provider.Dispose(ip.state)
		}
	}
}
