package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var scaffoldRuntime string

var scaffoldCmd = &cobra.Command{
	Use:   "scaffold <name>",
	Short: "Generate a new external-provider skeleton under ./providers/<name>/",
	Long: `scaffold writes an entry file and a manifest.yaml for a new external
provider, in the chosen runtime. The generated entry file speaks the IPC
protocol directly (register, then serve tool_call/tool_response frames
over the socket named by TOOLMESH_SOCKET_PATH) so it runs unmodified once
you add its path to toolmesh.yaml.`,
	Args: cobra.ExactArgs(1),
	RunE: runScaffold,
}

func init() {
	scaffoldCmd.Flags().StringVar(&scaffoldRuntime, "runtime", "ts", "provider runtime: ts | js | py")
	rootCmd.AddCommand(scaffoldCmd)
}

func runScaffold(cmd *cobra.Command, args []string) error {
	name := args[0]
	dir := filepath.Join("providers", name)

	entry, body, err := scaffoldEntry(name, scaffoldRuntime)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("scaffold: create %q: %w", dir, err)
	}

	entryPath := filepath.Join(dir, entry)
	if _, err := os.Stat(entryPath); err == nil {
		return fmt.Errorf("scaffold: %q already exists", entryPath)
	}
	if err := os.WriteFile(entryPath, []byte(body), 0o644); err != nil {
		return fmt.Errorf("scaffold: write %q: %w", entryPath, err)
	}

	manifestPath := filepath.Join(dir, "manifest.yaml")
	manifest := scaffoldManifest(name, entry, scaffoldRuntime)
	if err := os.WriteFile(manifestPath, []byte(manifest), 0o644); err != nil {
		return fmt.Errorf("scaffold: write %q: %w", manifestPath, err)
	}

	fmt.Printf("✓ created %s\n", dir)
	fmt.Printf("  entry:    %s\n", entryPath)
	fmt.Printf("  manifest: %s\n", manifestPath)
	fmt.Printf("\nAdd it to %s under providers:\n  %s:\n    type: file\n    path: %s\n", cfgFile, name, filepath.ToSlash(entryPath))
	return nil
}

func scaffoldManifest(name, entry, runtime string) string {
	return fmt.Sprintf(`# Reference manifest for the %q provider.
# toolmeshd itself only reads providers from toolmesh.yaml; this file is a
# human-readable companion describing what the provider contributes.
name: %s
runtime: %s
entry: %s
tools:
  - name: ping
    description: Echoes back its "message" argument.
`, name, name, runtime, entry)
}

func scaffoldEntry(name, runtime string) (file, body string, err error) {
	switch runtime {
	case "ts":
		return "index.ts", scaffoldTS(name), nil
	case "js":
		return "index.js", scaffoldJS(name), nil
	case "py":
		return "main.py", scaffoldPY(name), nil
	default:
		return "", "", fmt.Errorf("scaffold: unknown runtime %q (want ts, js, or py)", runtime)
	}
}

func scaffoldTS(name string) string {
	return `import * as net from "net";
import * as readline from "readline";

// Generated by "toolmeshd scaffold ` + name + ` --runtime ts".
//
// Speaks the toolmesh provider IPC protocol directly: connect to the Unix
// socket named by TOOLMESH_SOCKET_PATH, send one "register" frame
// describing this provider's tools, then serve "tool_call" frames with
// matching "tool_response" frames until the socket closes. Every frame is
// one JSON object terminated by a single newline.

const socketPath = process.env.TOOLMESH_SOCKET_PATH;
if (!socketPath) {
  console.error("TOOLMESH_SOCKET_PATH is not set; this process must be launched by a toolmesh host");
  process.exit(1);
}

const tools: Record<string, (args: any) => any> = {
  ping: (args) => ({ message: args.message ?? "pong" }),
};

const socket = net.createConnection(socketPath);

function send(frame: Record<string, unknown>) {
  socket.write(JSON.stringify(frame) + "\n");
}

socket.on("connect", () => {
  send({
    type: "register",
    data: {
      name: "` + name + `",
      version: "0.1.0",
      description: "Scaffolded provider",
      tools: [
        {
          name: "ping",
          description: "Echoes back its \"message\" argument.",
          inputSchema: { type: "object", properties: { message: { type: "string" } } },
        },
      ],
      pid: process.pid,
    },
  });
});

const rl = readline.createInterface({ input: socket });
rl.on("line", (line) => {
  if (!line.trim()) return;
  const f = JSON.parse(line);
  if (f.type !== "tool_call") return;

  const { toolName, params } = f.data;
  const handler = tools[toolName];
  if (!handler) {
    send({ type: "tool_response", id: f.id, error: ` + "`unknown tool \"${toolName}\"`" + ` });
    return;
  }
  try {
    const data = handler(params ?? {});
    send({ type: "tool_response", id: f.id, data });
  } catch (err: any) {
    send({ type: "tool_response", id: f.id, error: String(err?.message ?? err) });
  }
});

socket.on("close", () => process.exit(0));
`
}

func scaffoldJS(name string) string {
	return `const net = require("net");
const readline = require("readline");

// Generated by "toolmeshd scaffold ` + name + ` --runtime js".
//
// Speaks the toolmesh provider IPC protocol directly: connect to the Unix
// socket named by TOOLMESH_SOCKET_PATH, send one "register" frame
// describing this provider's tools, then serve "tool_call" frames with
// matching "tool_response" frames until the socket closes. Every frame is
// one JSON object terminated by a single newline.

const socketPath = process.env.TOOLMESH_SOCKET_PATH;
if (!socketPath) {
  console.error("TOOLMESH_SOCKET_PATH is not set; this process must be launched by a toolmesh host");
  process.exit(1);
}

const tools = {
  ping: (args) => ({ message: (args && args.message) || "pong" }),
};

const socket = net.createConnection(socketPath);

function send(frame) {
  socket.write(JSON.stringify(frame) + "\n");
}

socket.on("connect", () => {
  send({
    type: "register",
    data: {
      name: "` + name + `",
      version: "0.1.0",
      description: "Scaffolded provider",
      tools: [
        {
          name: "ping",
          description: "Echoes back its \"message\" argument.",
          inputSchema: { type: "object", properties: { message: { type: "string" } } },
        },
      ],
      pid: process.pid,
    },
  });
});

const rl = readline.createInterface({ input: socket });
rl.on("line", (line) => {
  if (!line.trim()) return;
  const f = JSON.parse(line);
  if (f.type !== "tool_call") return;

  const { toolName, params } = f.data;
  const handler = tools[toolName];
  if (!handler) {
    send({ type: "tool_response", id: f.id, error: ` + "`unknown tool \"${toolName}\"`" + ` });
    return;
  }
  try {
    const data = handler(params || {});
    send({ type: "tool_response", id: f.id, data });
  } catch (err) {
    send({ type: "tool_response", id: f.id, error: String((err && err.message) || err) });
  }
});

socket.on("close", () => process.exit(0));
`
}

func scaffoldPY(name string) string {
	return `import json
import os
import socket
import sys

# Generated by "toolmeshd scaffold ` + name + ` --runtime py".
#
# Speaks the toolmesh provider IPC protocol directly: connect to the Unix
# socket named by TOOLMESH_SOCKET_PATH, send one "register" frame
# describing this provider's tools, then serve "tool_call" frames with
# matching "tool_response" frames until the socket closes. Every frame is
# one JSON object terminated by a single newline.

socket_path = os.environ.get("TOOLMESH_SOCKET_PATH")
if not socket_path:
    print("TOOLMESH_SOCKET_PATH is not set; this process must be launched by a toolmesh host", file=sys.stderr)
    sys.exit(1)


def ping(args):
    return {"message": args.get("message", "pong")}


tools = {"ping": ping}

sock = socket.socket(socket.AF_UNIX, socket.SOCK_STREAM)
sock.connect(socket_path)
rfile = sock.makefile("r")


def send(frame):
    sock.sendall((json.dumps(frame) + "\n").encode("utf-8"))


send({
    "type": "register",
    "data": {
        "name": "` + name + `",
        "version": "0.1.0",
        "description": "Scaffolded provider",
        "tools": [
            {
                "name": "ping",
                "description": "Echoes back its \"message\" argument.",
                "inputSchema": {"type": "object", "properties": {"message": {"type": "string"}}},
            }
        ],
        "pid": os.getpid(),
    },
})

for line in rfile:
    line = line.strip()
    if not line:
        continue
    f = json.loads(line)
    if f.get("type") != "tool_call":
        continue

    data = f.get("data", {})
    tool_name = data.get("toolName")
    params = data.get("params") or {}
    handler = tools.get(tool_name)
    if handler is None:
        send({"type": "tool_response", "id": f.get("id"), "error": f"unknown tool \"{tool_name}\""})
        continue
    try:
        result = handler(params)
        send({"type": "tool_response", "id": f.get("id"), "data": result})
    except Exception as exc:  # noqa: BLE001 - reported back to the host, not swallowed
        send({"type": "tool_response", "id": f.get("id"), "error": str(exc)})
`
}
