package supervisor

import (
	"path/filepath"

	"github.com/toolmesh/toolmesh/internal/runtime"
)

// scriptRuntime describes the interpreter invocation chosen for a provider
// entry file when the provider's configuration does not name an explicit
// runtime command.
type scriptRuntime struct {
	command string
	args    []string
}

// Probe reports which optional interpreters are available on the host.
// It wraps runtime.ProbeNodeRuntime's two-stage synchronous-check/
// background-install result: PATH lookups happen synchronously, while a
// missing-but-installable tsx is fetched in the background so the first
// .ts provider spawn after a cold host start isn't blocked on an npm
// install.
type Probe struct {
	node runtime.NodeRuntimeInfo
}

// ProbeRuntimes detects node and tsx synchronously, installing tsx globally
// in the background when node is present but tsx is missing.
func ProbeRuntimes() *Probe {
	return &Probe{node: runtime.ProbeNodeRuntime()}
}

// tsxUsable reports whether the cache-busting TypeScript runtime (tsx) is
// usable right now: present at startup, or a background install already
// completed.
func (p *Probe) tsxUsable() bool {
	if p == nil {
		return false
	}
	return p.node.IsTsxReady()
}

// resolveRuntime chooses the interpreter command for entryPath per spec
// §4.5: an explicit command always wins; otherwise the choice is driven by
// the file extension.
func resolveRuntime(entryPath string, explicitCommand string, explicitArgs []string, probe *Probe) scriptRuntime {
	if explicitCommand != "" {
		return scriptRuntime{command: explicitCommand, args: explicitArgs}
	}

	switch filepath.Ext(entryPath) {
	case ".ts":
		if probe.tsxUsable() {
			return scriptRuntime{command: "tsx", args: []string{entryPath}}
		}
		// General typed-script loader fallback when tsx is unavailable.
		return scriptRuntime{command: "npx", args: []string{"--yes", "ts-node", entryPath}}
	case ".js", ".mjs":
		return scriptRuntime{command: "node", args: []string{entryPath}}
	case ".py":
		return scriptRuntime{command: "python3", args: []string{entryPath}}
	default:
		return scriptRuntime{command: "node", args: []string{entryPath}}
	}
}
