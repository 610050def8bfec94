// ABOUTME: Tests for the agent runtime against an in-process fake gateway
// ABOUTME: Covers hello, command execution, sessions, metrics and reconnects

package agent

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/omni-gateway/internal/duplex"
	"github.com/2389/omni-gateway/internal/protocol"
)

const testToken = "agent-token"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordedEvent struct {
	name string
	data json.RawMessage
}

// gatewaySide is the server end of one agent connection.
type gatewaySide struct {
	conn   *duplex.Conn
	events chan recordedEvent
}

func (g *gatewaySide) next(t *testing.T, name string) json.RawMessage {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-g.events:
			if ev.name == name {
				return ev.data
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", name)
			return nil
		}
	}
}

// result sends a command and waits for its decoded result.
func (g *gatewaySide) result(t *testing.T, commandID, payload string) protocol.Result {
	t.Helper()
	require.NoError(t, g.conn.Emit(context.Background(), protocol.EventCommand, protocol.Command{
		CommandID: commandID,
		Payload:   json.RawMessage(payload),
	}))

	var res protocol.CommandResult
	require.NoError(t, json.Unmarshal(g.next(t, protocol.EventCommandResult), &res))
	require.Equal(t, commandID, res.CommandID)

	var out protocol.Result
	require.NoError(t, json.Unmarshal(res.Result, &out))
	return out
}

type fakeGateway struct {
	srv      *httptest.Server
	conns    chan *gatewaySide
	attempts atomic.Int32
}

// newFakeGateway accepts agents presenting testToken and records what they send.
func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	fg := &fakeGateway{conns: make(chan *gatewaySide, 8)}

	fg.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fg.attempts.Add(1)
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
			return
		}

		conn, err := duplex.Accept(w, r, duplex.Options{Logger: testLogger()})
		if err != nil {
			return
		}
		side := &gatewaySide{conn: conn, events: make(chan recordedEvent, 64)}
		for _, name := range []string{
			protocol.EventAgentHello,
			protocol.EventCommandResult,
			protocol.EventAgentMetrics,
			protocol.EventSessionMeta,
		} {
			conn.On(name, func(_ context.Context, data json.RawMessage) error {
				side.events <- recordedEvent{name: name, data: data}
				return nil
			})
		}
		fg.conns <- side
		_ = conn.Serve(r.Context())
	}))
	t.Cleanup(fg.srv.Close)
	return fg
}

func (fg *fakeGateway) url() string {
	return "ws" + strings.TrimPrefix(fg.srv.URL, "http") + "/connect"
}

func (fg *fakeGateway) accept(t *testing.T) *gatewaySide {
	t.Helper()
	select {
	case side := <-fg.conns:
		return side
	case <-time.After(5 * time.Second):
		t.Fatal("agent never connected")
		return nil
	}
}

// startRuntime runs an agent until the test ends and checks Run returns nil.
func startRuntime(t *testing.T, cfg Config) {
	t.Helper()
	if cfg.AgentID == "" {
		cfg.AgentID = "A1"
	}
	if cfg.Token == "" {
		cfg.Token = testToken
	}
	cfg.Logger = testLogger()

	rt, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("runtime did not stop")
		}
	})
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{AgentID: "A1"})
	assert.Error(t, err)

	_, err = New(Config{URL: "ws://localhost/connect"})
	assert.Error(t, err)

	rt, err := New(Config{URL: "ws://localhost/connect", AgentID: "A1"})
	require.NoError(t, err)
	assert.Equal(t, DefaultMetricsInterval, rt.cfg.MetricsInterval)
	assert.Equal(t, DefaultMinBackoff, rt.cfg.MinBackoff)
	assert.Equal(t, DefaultMaxBackoff, rt.cfg.MaxBackoff)
}

func TestRuntime_HelloAndCommands(t *testing.T) {
	fg := newFakeGateway(t)
	startRuntime(t, Config{URL: fg.url()})
	side := fg.accept(t)

	var hello protocol.AgentHello
	require.NoError(t, json.Unmarshal(side.next(t, protocol.EventAgentHello), &hello))
	assert.Equal(t, "A1", hello.AgentID)
	assert.Equal(t, runtime.GOOS, hello.Platform)
	assert.NotEmpty(t, hello.Hostname)

	t.Run("metrics", func(t *testing.T) {
		res := side.result(t, "c-metrics", `{"type":"metrics"}`)
		require.True(t, res.OK, res.Error)
		data, ok := res.Data.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "A1", data["agentId"])
		osInfo, ok := data["os"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, runtime.GOOS, osInfo["platform"])
		assert.Contains(t, data, "topProcesses")
	})

	t.Run("unsupported", func(t *testing.T) {
		res := side.result(t, "c-unsupported", `{"type":"screenshot"}`)
		assert.False(t, res.OK)
		assert.Contains(t, res.Error, "unsupported command type")
	})

	t.Run("empty payload", func(t *testing.T) {
		res := side.result(t, "c-empty", `{}`)
		assert.False(t, res.OK)
	})

	t.Run("shell", func(t *testing.T) {
		if runtime.GOOS == "windows" {
			t.Skip("uses sh")
		}
		res := side.result(t, "c-shell", `{"type":"shell","command":"echo hello; echo oops >&2; exit 3"}`)
		require.True(t, res.OK, res.Error)
		data := res.Data.(map[string]any)
		assert.Equal(t, "hello\n", data["stdout"])
		assert.Equal(t, "oops\n", data["stderr"])
		assert.EqualValues(t, 3, data["exitCode"])
	})
}

func TestRuntime_CommandsRunConcurrently(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	fg := newFakeGateway(t)
	startRuntime(t, Config{URL: fg.url()})
	side := fg.accept(t)
	side.next(t, protocol.EventAgentHello)

	ctx := context.Background()
	require.NoError(t, side.conn.Emit(ctx, protocol.EventCommand, protocol.Command{
		CommandID: "slow",
		Payload:   json.RawMessage(`{"type":"shell","command":"sleep 2"}`),
	}))
	require.NoError(t, side.conn.Emit(ctx, protocol.EventCommand, protocol.Command{
		CommandID: "fast",
		Payload:   json.RawMessage(`{"type":"metrics"}`),
	}))

	var res protocol.CommandResult
	require.NoError(t, json.Unmarshal(side.next(t, protocol.EventCommandResult), &res))
	assert.Equal(t, "fast", res.CommandID)
}

func TestRuntime_SessionInit(t *testing.T) {
	fg := newFakeGateway(t)
	startRuntime(t, Config{URL: fg.url()})
	side := fg.accept(t)
	side.next(t, protocol.EventAgentHello)

	require.NoError(t, side.conn.Emit(context.Background(), protocol.EventSessionInit, protocol.SessionInit{
		SessionID:  "s-1",
		OperatorID: "op1",
	}))

	var meta struct {
		SessionID string      `json:"sessionId"`
		AgentID   string      `json:"agentId"`
		Metrics   HostMetrics `json:"metrics"`
	}
	require.NoError(t, json.Unmarshal(side.next(t, protocol.EventSessionMeta), &meta))
	assert.Equal(t, "s-1", meta.SessionID)
	assert.Equal(t, "A1", meta.AgentID)
	assert.Equal(t, "A1", meta.Metrics.AgentID)
}

func TestRuntime_PeriodicMetrics(t *testing.T) {
	fg := newFakeGateway(t)
	startRuntime(t, Config{URL: fg.url(), MetricsInterval: 20 * time.Millisecond})
	side := fg.accept(t)

	var m protocol.AgentMetrics
	require.NoError(t, json.Unmarshal(side.next(t, protocol.EventAgentMetrics), &m))
	assert.Equal(t, "A1", m.AgentID)

	var host HostMetrics
	require.NoError(t, json.Unmarshal(m.Metrics, &host))
	assert.Positive(t, host.CPU.LogicalCores)
}

func TestRuntime_ReconnectsAfterServerClose(t *testing.T) {
	fg := newFakeGateway(t)
	startRuntime(t, Config{URL: fg.url(), MinBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond})

	first := fg.accept(t)
	first.next(t, protocol.EventAgentHello)
	require.NoError(t, first.conn.Close("restarting"))

	second := fg.accept(t)
	var hello protocol.AgentHello
	require.NoError(t, json.Unmarshal(second.next(t, protocol.EventAgentHello), &hello))
	assert.Equal(t, "A1", hello.AgentID)
}

func TestRuntime_RejectedTokenKeepsRetrying(t *testing.T) {
	fg := newFakeGateway(t)
	startRuntime(t, Config{
		URL:        fg.url(),
		Token:      "wrong",
		MinBackoff: 10 * time.Millisecond,
		MaxBackoff: 20 * time.Millisecond,
	})

	require.Eventually(t, func() bool { return fg.attempts.Load() >= 3 }, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, fg.conns)
}

func TestRuntime_RunStopsWhileWaiting(t *testing.T) {
	rt, err := New(Config{
		URL:        "ws://127.0.0.1:1/connect",
		AgentID:    "A1",
		MinBackoff: time.Hour,
		Logger:     testLogger(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	assert.NoError(t, rt.Run(ctx))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestBackoff(t *testing.T) {
	b := newBackoff(500*time.Millisecond, 10*time.Second)

	var got []time.Duration
	for range 7 {
		got = append(got, b.next())
	}
	assert.Equal(t, []time.Duration{
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second,
		10 * time.Second,
	}, got)

	b.reset()
	assert.Equal(t, 500*time.Millisecond, b.next())
}

func TestRuntime_TokenSourceCalledPerDial(t *testing.T) {
	fg := newFakeGateway(t)

	var calls atomic.Int32
	startRuntime(t, Config{
		URL: fg.url(),
		TokenSource: func() (string, error) {
			calls.Add(1)
			return testToken, nil
		},
		MinBackoff: 10 * time.Millisecond,
	})

	first := fg.accept(t)
	first.next(t, protocol.EventAgentHello)
	require.NoError(t, first.conn.Close("restarting"))
	fg.accept(t).next(t, protocol.EventAgentHello)

	assert.GreaterOrEqual(t, calls.Load(), int32(2))
}
