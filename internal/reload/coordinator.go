// Package reload implements the Hot-Reload Coordinator: it watches the
// central configuration file and every external provider's source file,
// classifies each observed change against the provider's changeAnalysis
// predicates, and drives the Provider Manager's Reload or Reinitialize
// accordingly.
//
// The watcher debounces fsnotify events per path: rapid bursts of writes (a
// typical editor save does unlink+create+chmod) collapse into a single
// reload per quiet period rather than one per raw event.
package reload

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/toolmesh/toolmesh/internal/config"
	"github.com/toolmesh/toolmesh/internal/providermgr"
)

// DefaultDebounce is how long a path must stay quiet after its most recent
// event before the coordinator acts on it; each new event restarts the wait.
const DefaultDebounce = 150 * time.Millisecond

// Coordinator watches the configuration file and provider source files and
// drives provider restarts or reinitializations in response to changes.
type Coordinator struct {
	mgr        *providermgr.Manager
	configPath string
	debounce   time.Duration

	watcher *fsnotify.Watcher

	mu      sync.Mutex
	current *config.Document
	timers  map[string]*time.Timer // path -> pending debounce timer
}

// New creates a Coordinator watching configPath and every external
// provider's source file named in initial. It does not start watching
// until Run is called.
func New(mgr *providermgr.Manager, configPath string, initial *config.Document) (*Coordinator, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("reload: create watcher: %w", err)
	}

	c := &Coordinator{
		mgr:        mgr,
		configPath: configPath,
		debounce:   DefaultDebounce,
		watcher:    watcher,
		current:    initial,
		timers:     make(map[string]*time.Timer),
	}

	if err := c.watchPath(filepath.Clean(configPath)); err != nil {
		watcher.Close()
		return nil, err
	}
	for name, p := range initial.Providers {
		if err := c.watchPath(filepath.Clean(p.Path)); err != nil {
			log.Printf("[Reload] cannot watch provider %q source %q: %v", name, p.Path, err)
		}
	}
	return c, nil
}

func (c *Coordinator) watchPath(path string) error {
	if err := c.watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("reload: watch %q: %w", path, err)
	}
	return nil
}

// Run processes filesystem events until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	defer c.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&fsnotify.Chmod == fsnotify.Chmod {
				continue
			}
			c.debounceEvent(ctx, filepath.Clean(ev.Name))
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("[Reload] watcher error: %v", err)
		}
	}
}

func (c *Coordinator) debounceEvent(ctx context.Context, path string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.timers[path]; ok {
		t.Stop()
	}
	c.timers[path] = time.AfterFunc(c.debounce, func() {
		c.mu.Lock()
		delete(c.timers, path)
		c.mu.Unlock()
		c.handleChange(ctx, path)
	})
}

func (c *Coordinator) handleChange(ctx context.Context, path string) {
	c.mu.Lock()
	configPath := filepath.Clean(c.configPath)
	c.mu.Unlock()

	if path == configPath {
		c.handleConfigChange(ctx)
		return
	}
	c.handleProviderSourceChange(ctx, path)
}

// handleProviderSourceChange restarts an external provider unconditionally
// whenever its own source file changes, regardless of changeAnalysis
// triggers — those only govern configuration-field changes.
func (c *Coordinator) handleProviderSourceChange(ctx context.Context, path string) {
	c.mu.Lock()
	var name string
	var pcfg config.ProviderConfig
	for n, p := range c.current.Providers {
		if filepath.Clean(p.Path) == path {
			name, pcfg = n, p
			break
		}
	}
	c.mu.Unlock()
	if name == "" {
		return // not a file we're tracking for a provider
	}

	log.Printf("[Reload] %s: source file changed, restarting", name)
	if err := c.mgr.Reload(ctx, name, toExternalSpec(pcfg)); err != nil {
		log.Printf("[Reload] %s: restart failed: %v", name, err)
	}
}

// handleConfigChange reloads the configuration document and classifies
// each provider's change set against its changeAnalysis predicates.
func (c *Coordinator) handleConfigChange(ctx context.Context) {
	newDoc, err := config.Load(c.configPath)
	if err != nil {
		log.Printf("[Reload] config reload failed, keeping previous configuration: %v", err)
		return
	}

	c.mu.Lock()
	oldDoc := c.current
	c.current = newDoc
	c.mu.Unlock()

	for name, newP := range newDoc.Providers {
		oldP, existed := oldDoc.Providers[name]
		if !existed {
			log.Printf("[Reload] %s: new provider declared, starting", name)
			if err := c.watchPath(filepath.Clean(newP.Path)); err != nil {
				log.Printf("[Reload] %s: cannot watch source file: %v", name, err)
			}
			if err := c.mgr.StartExternal(ctx, name, toExternalSpec(newP)); err != nil {
				log.Printf("[Reload] %s: start failed: %v", name, err)
			}
			continue
		}

		changed := diffPaths(oldP, newP)
		if len(changed) == 0 {
			continue
		}

		switch classify(changed, newP.ChangeAnalysis) {
		case actionRestart:
			log.Printf("[Reload] %s: restart-triggering change in %v", name, changed)
			if err := c.mgr.Reload(ctx, name, toExternalSpec(newP)); err != nil {
				log.Printf("[Reload] %s: reload failed: %v", name, err)
			}
		case actionReinit:
			log.Printf("[Reload] %s: reinit-triggering change in %v", name, changed)
			payload, _ := json.Marshal(newP.Config)
			if err := c.mgr.Reinitialize(name, payload); err != nil {
				log.Printf("[Reload] %s: reinitialize failed: %v", name, err)
			}
		case actionIgnore:
			log.Printf("[Reload] %s: change in %v matches neither trigger set, ignoring", name, changed)
		}
	}
}

type action int

const (
	actionIgnore action = iota
	actionReinit
	actionRestart
)

// classify gives restart triggers precedence over reinit triggers: a change
// matching any restart trigger always wins, even if it also happens to match
// a reinit trigger (config.Validate already rejects that overlap for a
// single path, but a change set can legitimately span multiple paths).
func classify(changed []string, ca config.ChangeAnalysis) action {
	restart := toSet(ca.RestartTriggers)
	reinit := toSet(ca.ReinitTriggers)

	matchedReinit := false
	for _, p := range changed {
		if restart[p] {
			return actionRestart
		}
		if reinit[p] {
			matchedReinit = true
		}
	}
	if matchedReinit {
		return actionReinit
	}
	return actionIgnore
}

func toSet(items []string) map[string]bool {
	s := make(map[string]bool, len(items))
	for _, i := range items {
		s[i] = true
	}
	return s
}

// diffPaths reports which top-level fields and config.* keys differ
// between the two provider configurations, using the same dot-path
// vocabulary as changeAnalysis's trigger lists.
func diffPaths(old, new config.ProviderConfig) []string {
	var changed []string
	if old.Path != new.Path {
		changed = append(changed, "path")
	}
	if old.Runtime != new.Runtime {
		changed = append(changed, "runtime")
	}
	for key, newVal := range new.Config {
		if oldVal, ok := old.Config[key]; !ok || !reflect.DeepEqual(oldVal, newVal) {
			changed = append(changed, "config."+key)
		}
	}
	for key := range old.Config {
		if _, ok := new.Config[key]; !ok {
			changed = append(changed, "config."+key)
		}
	}
	return changed
}

func toExternalSpec(p config.ProviderConfig) providermgr.ExternalSpec {
	configJSON, _ := json.Marshal(p.Config)
	return providermgr.ExternalSpec{
		Path:            p.Path,
		Runtime:         p.Runtime,
		Config:          configJSON,
		RestartTriggers: p.ChangeAnalysis.RestartTriggers,
		ReinitTriggers:  p.ChangeAnalysis.ReinitTriggers,
	}
}
