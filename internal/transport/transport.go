// Package transport builds an mcp.Transport for an upstream descriptor.
// It is the one place that knows how to turn a config.Upstream into the
// concrete stdio/SSE/http-stream wiring the MCP SDK expects — the
// supervisor and session layers above it only ever see an mcp.Transport.
package transport

import (
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/toolmesh/toolproxy/internal/config"
)

// Build constructs the mcp.Transport for u. authHeaders are merged over
// u.Headers (auth headers win) for HTTP-based transports; stdio transports
// ignore them.
func Build(u config.Upstream, authHeaders map[string]string) (mcp.Transport, error) {
	switch u.Transport {
	case config.TransportStdio:
		return buildStdio(u)
	case config.TransportSSE:
		return buildSSE(u, authHeaders)
	case config.TransportHTTPStream:
		return buildHTTPStream(u, authHeaders)
	default:
		return nil, fmt.Errorf("upstream %q: unknown transport %q", u.Name, u.Transport)
	}
}

func buildStdio(u config.Upstream) (mcp.Transport, error) {
	if u.Command == "" {
		return nil, fmt.Errorf("upstream %q: stdio transport requires a command", u.Name)
	}
	cmd := exec.Command(u.Command, u.Args...)
	cmd.Env = mergeEnv(os.Environ(), u.Env)
	return &mcp.CommandTransport{Command: cmd}, nil
}

func buildSSE(u config.Upstream, authHeaders map[string]string) (mcp.Transport, error) {
	if u.URL == "" {
		return nil, fmt.Errorf("upstream %q: empty url", u.Name)
	}
	client := &http.Client{
		Transport: headerRoundTripper{headers: mergeHeaders(u.Headers, authHeaders)},
		Timeout:   connectTimeoutOrDefault(u.ConnectTimeout),
	}
	return &mcp.SSEClientTransport{Endpoint: u.URL, HTTPClient: client}, nil
}

func buildHTTPStream(u config.Upstream, authHeaders map[string]string) (mcp.Transport, error) {
	endpoint, err := ensureTrailingSlash(u.URL)
	if err != nil {
		return nil, fmt.Errorf("upstream %q: %w", u.Name, err)
	}
	client := &http.Client{
		Transport: headerRoundTripper{headers: mergeHeaders(u.Headers, authHeaders)},
		Timeout:   connectTimeoutOrDefault(u.ConnectTimeout),
	}
	return mcp.NewStreamableClientTransport(endpoint, &mcp.StreamableClientTransportOptions{HTTPClient: client}), nil
}

// ensureTrailingSlash rewrites an http-stream endpoint to carry a trailing
// slash before the first frame is sent, per the transport adapter note: a
// URL without one is rewritten to include one.
func ensureTrailingSlash(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("empty url")
	}
	if strings.HasSuffix(raw, "/") {
		return raw, nil
	}
	return raw + "/", nil
}

func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	out := make([]string, len(base), len(base)+len(overrides))
	copy(out, base)
	for k, v := range overrides {
		out = append(out, k+"="+v)
	}
	return out
}

func mergeHeaders(configured, auth map[string]string) map[string]string {
	merged := make(map[string]string, len(configured)+len(auth))
	for k, v := range configured {
		merged[k] = v
	}
	for k, v := range auth {
		merged[k] = v
	}
	return merged
}

// headerRoundTripper injects a fixed set of headers on every outbound
// request, cloning the request first so the caller's original is never
// mutated.
type headerRoundTripper struct {
	base    http.RoundTripper
	headers map[string]string
}

func (rt headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	base := rt.base
	if base == nil {
		base = http.DefaultTransport
	}
	cloned := req.Clone(req.Context())
	for k, v := range rt.headers {
		cloned.Header.Set(k, v)
	}
	return base.RoundTrip(cloned)
}

// connectTimeoutOrDefault guards against a zero ConnectTimeout slipping
// through from a hand-built config.Upstream (tests, CLI single-upstream
// mode) rather than config.Parse.
func connectTimeoutOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return 10 * time.Second
	}
	return d
}
