// Command toolmesh-example-provider is a minimal external provider built on
// pkg/providersdk, exercising the full register/tool_call/tool_response
// round trip end to end. It is spawned by toolmeshd exactly like any other
// file-type provider declared in the configuration document.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/toolmesh/toolmesh/pkg/providersdk"
)

type addArgs struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt := providersdk.New("calc", "1.0.0")
	rt.Description = "arithmetic built for the round-trip example"

	rt.RegisterTool(providersdk.Tool{
		Name:        "add",
		Description: "adds two numbers",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"a":{"type":"number"},"b":{"type":"number"}},"required":["a","b"]}`),
		Handler: func(ctx providersdk.Context, args json.RawMessage) (json.RawMessage, error) {
			var in addArgs
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, fmt.Errorf("invalid arguments: %w", err)
			}
			ctx.Logger.Printf("info", "add(%v, %v)", in.A, in.B)
			return json.Marshal(map[string]float64{"sum": in.A + in.B})
		},
	})

	if err := rt.Run(ctx); err != nil {
		log.Fatalf("[calc] %v", err)
	}
}
