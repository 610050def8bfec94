// ABOUTME: Shared helpers for gateway tests: config, tokens and duplex test peers
// ABOUTME: Test peers are real WebSocket clients dialing an httptest server

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/omni-gateway/internal/auth"
	"github.com/2389/omni-gateway/internal/config"
	"github.com/2389/omni-gateway/internal/duplex"
)

const testSecret = "test-secret-that-is-at-least-32-bytes!"

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig creates a minimal config for testing.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server: config.ServerConfig{
			HTTPAddr: "127.0.0.1:0",
		},
		Database: config.DatabaseConfig{
			Path: ":memory:",
		},
		Auth: config.AuthConfig{
			JWTSecret:        testSecret,
			OperatorTokenTTL: time.Hour,
			Operators: []config.OperatorConfig{
				{ID: "op1", Email: "ops@example.com", Roles: []string{"operator", "admin"}},
				{ID: "op2", Email: "viewer@example.com", Roles: []string{"operator"}},
			},
		},
		Agents: config.AgentsConfig{
			CommandTimeout: 2 * time.Second,
			WriteTimeout:   time.Second,
		},
	}
}

// newTestGateway builds a gateway served by an httptest server.
func newTestGateway(t *testing.T, mutate ...func(*config.Config)) (*Gateway, *httptest.Server) {
	t.Helper()

	cfg := testConfig(t)
	for _, m := range mutate {
		m(cfg)
	}

	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	return gw, srv
}

func issueToken(t *testing.T, gw *Gateway, subject string, role auth.Role, roles ...string) string {
	t.Helper()
	token, err := gw.tokens.Issue(subject, role, roles, time.Hour)
	require.NoError(t, err)
	return token
}

func connectURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/connect"
}

type testEvent struct {
	name string
	data json.RawMessage
}

// testPeer is a duplex client that records the events it is told to watch.
type testPeer struct {
	conn   *duplex.Conn
	events chan testEvent
}

// dialPeer connects with token, records every named event and starts the
// read loop. Extra handlers may be installed by setup before serving.
func dialPeer(t *testing.T, srv *httptest.Server, token string, watch []string, setup ...func(*duplex.Conn)) *testPeer {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := duplex.Dial(ctx, connectURL(srv), token, duplex.Options{Logger: testLogger()})
	require.NoError(t, err)

	p := &testPeer{conn: conn, events: make(chan testEvent, 32)}
	for _, name := range watch {
		conn.On(name, func(_ context.Context, data json.RawMessage) error {
			p.events <- testEvent{name: name, data: data}
			return nil
		})
	}
	for _, s := range setup {
		s(conn)
	}

	go func() { _ = conn.Serve(context.Background()) }()
	t.Cleanup(func() { _ = conn.Close("test done") })
	return p
}

// next waits for the next recorded event and checks its name.
func (p *testPeer) next(t *testing.T, name string) json.RawMessage {
	t.Helper()
	select {
	case ev := <-p.events:
		require.Equal(t, name, ev.name)
		return ev.data
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", name)
		return nil
	}
}

// eventually polls cond until it holds or a deadline passes.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 10*time.Millisecond, msg)
}

// doJSON performs an HTTP request and decodes a JSON response into out.
func doJSON(t *testing.T, method, url, token, body string, out any) int {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}
