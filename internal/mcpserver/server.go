// Package mcpserver wraps the Provider Manager's listTools/callTool surface
// behind github.com/mark3labs/mcp-go's server types, exposing both a stdio
// transport and an HTTP/SSE transport. It never touches provider state
// directly: every tool invocation is a straight pass-through to
// providermgr.Manager.CallTool, and the registry's subscription feed is
// the only source of truth for which tools mcp-go currently exposes.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpgo "github.com/mark3labs/mcp-go/server"

	"github.com/toolmesh/toolmesh/internal/mcpserver/httptransport"
	"github.com/toolmesh/toolmesh/internal/providermgr"
	"github.com/toolmesh/toolmesh/internal/registry"
)

// Server bridges one Provider Manager onto one mcp-go MCPServer instance.
type Server struct {
	mgr *providermgr.Manager
	reg *registry.Registry
	mcp *mcpgo.MCPServer

	subID int
}

// New constructs a Server and seeds it with every tool already present in
// reg. Call Watch to keep it in sync with subsequent registry changes.
func New(name, version string, mgr *providermgr.Manager, reg *registry.Registry) *Server {
	s := &Server{
		mgr: mgr,
		reg: reg,
		mcp: mcpgo.NewMCPServer(
			name,
			version,
			mcpgo.WithToolCapabilities(true),
			mcpgo.WithRecovery(),
		),
	}
	for _, d := range reg.List() {
		s.addTool(d)
	}
	return s
}

// Watch subscribes to the registry's tool-registered/tool-unregistered feed
// and keeps the mcp-go tool set in sync until ctx is cancelled. Run it in
// its own goroutine alongside Serve/ServeHTTP.
func (s *Server) Watch(ctx context.Context) {
	id, events := s.reg.Subscribe()
	s.subID = id
	defer s.reg.Unsubscribe(id)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case registry.ToolRegistered:
				s.addTool(ev.Tool)
			case registry.ToolUnregistered:
				s.mcp.DeleteTools(ev.Tool.Name)
			}
		}
	}
}

func (s *Server) addTool(d registry.Descriptor) {
	schema := d.InputSchema
	if len(schema) == 0 {
		schema = json.RawMessage(`{"type":"object"}`)
	}
	tool := mcp.NewToolWithRawSchema(d.Name, d.Description, schema)
	s.mcp.AddTool(tool, s.handleCall(d.Name))
}

func (s *Server) handleCall(name string) mcpgo.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()
		if args == nil {
			args = map[string]any{}
		}
		payload, err := json.Marshal(args)
		if err != nil {
			return errorResult(fmt.Sprintf("encoding arguments: %v", err)), nil
		}

		result := s.mgr.CallTool(ctx, name, payload)
		if !result.OK {
			return errorResult(fmt.Sprintf("%s: %s", result.Kind, result.Error)), nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.NewTextContent(string(result.Data))},
		}, nil
	}
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(msg)},
		IsError: true,
	}
}

// ServeStdio runs the stdio transport (the default for CLI-embedded MCP
// clients) until ctx is cancelled or the pipe closes.
func (s *Server) ServeStdio(ctx context.Context) error {
	return mcpgo.NewStdioServer(s.mcp).Listen(ctx, os.Stdin, os.Stdout)
}

// ServeHTTP hosts the server over SSE on port, with graceful shutdown when
// ctx is cancelled.
func (s *Server) ServeHTTP(ctx context.Context, port int) error {
	baseURL := "http://localhost:" + strconv.Itoa(port)
	sse := mcpgo.NewSSEServer(s.mcp, mcpgo.WithBaseURL(baseURL))

	mux := http.NewServeMux()
	mux.Handle("/sse", sse.SSEHandler())
	mux.Handle("/message", sse.MessageHandler())

	httpServer := &http.Server{
		Addr:    ":" + strconv.Itoa(port),
		Handler: httptransport.Wrap(mux),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Printf("[MCPServer] SSE transport shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
