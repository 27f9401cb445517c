package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/toolmesh/toolmesh/internal/builtinhost"
	"github.com/toolmesh/toolmesh/internal/builtinprovider"
	"github.com/toolmesh/toolmesh/internal/calltracker"
	"github.com/toolmesh/toolmesh/internal/config"
	"github.com/toolmesh/toolmesh/internal/hub"
	"github.com/toolmesh/toolmesh/internal/mcpserver"
	"github.com/toolmesh/toolmesh/internal/providermgr"
	"github.com/toolmesh/toolmesh/internal/registry"
	"github.com/toolmesh/toolmesh/internal/reload"
	"github.com/toolmesh/toolmesh/internal/supervisor"
	"github.com/toolmesh/toolmesh/internal/telemetry"
)

var (
	serveStdio bool
	serveHTTP  bool
	servePort  int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the host: hub + provider manager + MCP server",
	Long: `serve wires the Socket Hub, Tool Registry, Call Tracker, Process
Supervisor and Provider Manager together, installs the default built-in
provider, starts every external provider declared in the configuration
file, and exposes the merged tool namespace over MCP — either on stdio
(the default, for use as a command an MCP client launches directly) or
over HTTP/SSE when --http is given.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveStdio, "stdio", true, "serve MCP over stdio")
	serveCmd.Flags().BoolVar(&serveHTTP, "http", false, "serve MCP over HTTP/SSE instead of stdio")
	serveCmd.Flags().IntVar(&servePort, "port", 8787, "port to listen on when --http is set")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	doc, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h := hub.New(doc.Host.SocketPath, 0)
	if err := h.Listen(ctx); err != nil {
		return fmt.Errorf("serve: listen on %q: %w", doc.Host.SocketPath, err)
	}
	defer h.Shutdown()

	mgrCfg := providermgr.Config{
		ToolCallTimeout:             doc.Performance.ToolCallTimeout.Dur(),
		ProviderRegistrationTimeout: doc.Performance.ProviderRegistrationTimeout.Dur(),
		ProviderShutdownGrace:       doc.Performance.ProviderShutdownGrace.Dur(),
	}
	reg := registry.New()
	tracker := calltracker.New()
	sup := supervisor.New()
	mgr := providermgr.New(mgrCfg, reg, tracker, h, sup, doc.Host.SocketPath)
	go mgr.Run(ctx)
	defer mgr.Shutdown()

	metrics := telemetry.NewCollector(prometheus.NewRegistry())
	go watchManagerEvents(mgr, metrics)

	host := builtinhost.New(mgr)
	if err := host.Install(builtinprovider.System(), nil); err != nil {
		return fmt.Errorf("serve: install system provider: %w", err)
	}
	defer host.Shutdown()

	if len(doc.Providers) > 0 {
		specs := make(map[string]providermgr.ExternalSpec, len(doc.Providers))
		for name, p := range doc.Providers {
			specs[name] = toExternalSpec(p)
		}
		if err := mgr.StartAllExternal(ctx, specs); err != nil {
			log.Printf("[Serve] one or more external providers failed to start: %v", err)
		}
	}
	metrics.SetProvidersInstalled(len(mgr.Providers()))

	var coordinator *reload.Coordinator
	if doc.Dev.HotReload {
		coordinator, err = reload.New(mgr, cfgFile, doc)
		if err != nil {
			return fmt.Errorf("serve: start hot-reload coordinator: %w", err)
		}
		go func() {
			if err := coordinator.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("[Serve] hot-reload coordinator stopped: %v", err)
			}
		}()
	}

	stopStatus := writeStatusLoop(ctx, doc.Host.StatusFile, mgr)
	defer stopStatus()

	srv := mcpserver.New("toolmesh", Version, mgr, reg)
	go srv.Watch(ctx)

	if serveHTTP {
		log.Printf("[Serve] listening for MCP over HTTP/SSE on :%d", servePort)
		return srv.ServeHTTP(ctx, servePort)
	}
	log.Printf("[Serve] listening for MCP over stdio")
	return srv.ServeStdio(ctx)
}

// toExternalSpec mirrors the Hot-Reload Coordinator's own conversion so a
// freshly started provider and a hot-reloaded one are always built from
// identical configuration fields.
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

// watchManagerEvents mirrors the Provider Manager's lifecycle events into
// the telemetry collector's provider_state gauge.
func watchManagerEvents(mgr *providermgr.Manager, metrics *telemetry.Collector) {
	for ev := range mgr.Events() {
		switch ev.Kind {
		case providermgr.EventProviderConnected:
			metrics.SetProviderState(ev.Provider, string(providermgr.StateRunning))
		case providermgr.EventProviderDisconnected, providermgr.EventProviderFailed:
			metrics.SetProviderState(ev.Provider, string(providermgr.StateStopped))
		}
	}
}

// writeStatusLoop periodically snapshots the provider manager's state to
// the configured status file so `toolmeshd providers list` can report on a
// running instance without an admin socket. It returns a func that stops
// the loop and removes the file.
func writeStatusLoop(ctx context.Context, path string, mgr *providermgr.Manager) func() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			if err := writeStatus(path, mgr.Providers()); err != nil {
				log.Printf("[Serve] status write failed: %v", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return func() {
		<-done
		os.Remove(path)
	}
}
