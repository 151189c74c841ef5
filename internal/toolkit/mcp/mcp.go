// Package mcp connects to external MCP (Model Context Protocol) servers and
// registers their tools into the C5 tool registry, so a remote MCP tool
// looks to the dispatcher like any other tooling.Tool. Grounded directly on
// internal/mcpclient/mcpclient.go's Manager/RegisterOne/mcpTool, trimmed of
// its hot-reload RemoveOne path (this service wires MCP servers once at
// startup; tooling.Registry has no Unregister to support teardown) and its
// command-path validation kept as-is since it guards the same stdio-launch
// surface here.
package mcp

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	mcppkg "github.com/modelcontextprotocol/go-sdk/mcp"

	"streamorch/internal/config"
	"streamorch/internal/tooling"
)

const clientName = "streamorch"

// Manager holds active MCP client sessions; the tools registered from them
// live in the tooling.Registry passed to RegisterAll.
type Manager struct {
	sessions map[string]*mcppkg.ClientSession
}

func NewManager() *Manager {
	return &Manager{sessions: map[string]*mcppkg.ClientSession{}}
}

// Close closes every active session.
func (m *Manager) Close() {
	for _, s := range m.sessions {
		_ = s.Close()
	}
}

// RegisterAll connects to every configured server and registers its tools
// into reg. A server that fails to connect is skipped rather than failing
// the whole startup — one misbehaving MCP server shouldn't take down chat.
func (m *Manager) RegisterAll(ctx context.Context, reg *tooling.Registry, cfg config.MCPConfig) {
	for _, srv := range cfg.Servers {
		if err := m.registerOne(ctx, reg, srv); err != nil {
			continue
		}
	}
}

func (m *Manager) registerOne(ctx context.Context, reg *tooling.Registry, srv config.MCPServerConfig) error {
	name := strings.TrimSpace(srv.Name)
	if name == "" {
		return fmt.Errorf("mcp: server name required")
	}

	client := mcppkg.NewClient(&mcppkg.Implementation{Name: clientName, Version: "1"}, nil)

	var session *mcppkg.ClientSession
	var err error

	switch {
	case strings.TrimSpace(srv.Command) != "":
		cleanCmd := filepath.Clean(srv.Command)
		if cleanCmd != srv.Command || filepath.IsAbs(cleanCmd) || strings.Contains(cleanCmd, string(os.PathSeparator)+"..") {
			return fmt.Errorf("mcp: invalid command path %q", srv.Command)
		}
		cmd := exec.Command(cleanCmd, srv.Args...)
		if len(srv.Env) > 0 {
			env := os.Environ()
			for k, v := range srv.Env {
				env = append(env, fmt.Sprintf("%s=%s", k, v))
			}
			cmd.Env = env
		}
		session, err = client.Connect(ctx, &mcppkg.CommandTransport{Command: cmd}, nil)
	case strings.TrimSpace(srv.URL) != "":
		transport := &mcppkg.StreamableClientTransport{Endpoint: srv.URL, HTTPClient: buildHTTPClient(srv)}
		session, err = client.Connect(ctx, transport, nil)
	default:
		return fmt.Errorf("mcp: server %q has neither command nor url", name)
	}
	if err != nil {
		return fmt.Errorf("mcp: connect to %q: %w", name, err)
	}
	m.sessions[name] = session

	for tool, iterErr := range session.Tools(ctx, nil) {
		if iterErr != nil {
			break
		}
		reg.Register(&mcpTool{server: name, session: session, tool: tool})
	}
	return nil
}

func buildHTTPClient(srv config.MCPServerConfig) *http.Client {
	rt := &headerRoundTripper{base: http.DefaultTransport, headers: srv.Headers, bearer: strings.TrimSpace(srv.BearerToken)}
	return &http.Client{Transport: rt, Timeout: 30 * time.Second}
}

type headerRoundTripper struct {
	base    http.RoundTripper
	headers map[string]string
	bearer  string
}

func (t *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	if r.Header.Get("Accept") == "" {
		r.Header.Set("Accept", "application/json, text/event-stream")
	}
	for k, v := range t.headers {
		if r.Header.Get(k) == "" {
			r.Header.Set(k, v)
		}
	}
	if t.bearer != "" && r.Header.Get("Authorization") == "" {
		r.Header.Set("Authorization", "Bearer "+t.bearer)
	}
	return t.base.RoundTrip(r)
}
