// Package httptransport configures the cleartext HTTP/2 plumbing for the
// MCP HTTP/SSE endpoint, grounded on the same golang.org/x/net/http2
// client-transport-configuration pattern used elsewhere in the pack for
// long-lived streaming connections — SSE subscribers benefit from HTTP/2's
// single-connection multiplexing the same way a pooled AI/MCP HTTP client
// does.
package httptransport

import (
	"net/http"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Wrap upgrades handler to serve HTTP/2 over cleartext connections (h2c),
// for deployments that terminate TLS in front of toolmeshd or that run
// entirely on a trusted local network. Plain HTTP/1.1 clients are served
// unchanged; only clients that send the HTTP/2 connection preface get
// upgraded.
func Wrap(handler http.Handler) http.Handler {
	h2s := &http2.Server{}
	return h2c.NewHandler(handler, h2s)
}

// ConfigureTLS enables HTTP/2 on an http.Server that terminates TLS itself.
// No-op for servers that only ever see cleartext connections — use Wrap
// for those instead.
func ConfigureTLS(srv *http.Server) error {
	return http2.ConfigureServer(srv, &http2.Server{})
}
