// Command toolmeshd is the composable MCP tool server host: it loads a
// provider configuration document, brings up the Socket Hub and Provider
// Manager, installs built-in providers, starts every configured external
// provider, and exposes the merged tool set over MCP.
//
// Usage:
//
//	toolmeshd serve --stdio
//	toolmeshd serve --http --port 8787
//	toolmeshd validate -c toolmesh.yaml
//	toolmeshd providers list
//	toolmeshd scaffold weather --runtime ts
package main

func main() {
	Execute()
}
