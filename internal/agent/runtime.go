// ABOUTME: Agent runtime that keeps a duplex connection to the gateway alive
// ABOUTME: Reconnects with capped exponential backoff and serves commands and sessions

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/omni-gateway/internal/duplex"
	"github.com/2389/omni-gateway/internal/protocol"
)

// Defaults for Config.
const (
	DefaultMetricsInterval = 30 * time.Second
	DefaultShellTimeout    = 60 * time.Second
	DefaultMinBackoff      = 500 * time.Millisecond
	DefaultMaxBackoff      = 10 * time.Second
)

// Config configures a Runtime.
type Config struct {
	// URL is the gateway connect endpoint, e.g. ws://host:8080/connect.
	URL     string
	AgentID string
	Token   string
	// TokenSource, when set, is called before every dial and overrides Token.
	TokenSource func() (string, error)

	MetricsInterval time.Duration
	ShellTimeout    time.Duration
	MinBackoff      time.Duration
	MaxBackoff      time.Duration

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = DefaultMetricsInterval
	}
	if c.ShellTimeout <= 0 {
		c.ShellTimeout = DefaultShellTimeout
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = DefaultMinBackoff
	}
	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = max(DefaultMaxBackoff, c.MinBackoff)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Runtime is a single agent process connected to the gateway.
type Runtime struct {
	cfg      Config
	logger   *slog.Logger
	hostname string
}

// New creates a Runtime. Call Run to connect.
func New(cfg Config) (*Runtime, error) {
	cfg = cfg.withDefaults()
	if cfg.URL == "" {
		return nil, errors.New("gateway URL is required")
	}
	if cfg.AgentID == "" {
		return nil, errors.New("agent id is required")
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	return &Runtime{
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "agent", "agent_id", cfg.AgentID),
		hostname: hostname,
	}, nil
}

// Run connects to the gateway and reconnects whenever the connection is
// lost, until ctx is canceled. It returns nil on cancellation.
func (r *Runtime) Run(ctx context.Context) error {
	b := newBackoff(r.cfg.MinBackoff, r.cfg.MaxBackoff)

	for {
		connected, err := r.runSession(ctx)
		if ctx.Err() != nil {
			r.logger.Info("agent stopped")
			return nil
		}
		if connected {
			b.reset()
		}

		delay := b.next()
		var dialErr *duplex.DialError
		if errors.As(err, &dialErr) {
			r.logger.Error("gateway rejected connection", "status", dialErr.StatusCode, "retry_in", delay)
		} else {
			r.logger.Warn("connection lost, reconnecting", "error", err, "retry_in", delay)
		}

		select {
		case <-ctx.Done():
			r.logger.Info("agent stopped")
			return nil
		case <-time.After(delay):
		}
	}
}

// runSession serves one connection. connected reports whether the dial
// succeeded, which resets the backoff.
func (r *Runtime) runSession(ctx context.Context) (connected bool, err error) {
	token := r.cfg.Token
	if r.cfg.TokenSource != nil {
		if token, err = r.cfg.TokenSource(); err != nil {
			return false, fmt.Errorf("obtaining token: %w", err)
		}
	}

	conn, err := duplex.Dial(ctx, r.cfg.URL, token, duplex.Options{Logger: r.logger})
	if err != nil {
		return false, err
	}
	defer func() { _ = conn.Close("agent disconnecting") }()

	r.logger.Info("connected to gateway", "url", r.cfg.URL)

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(sessCtx)

	conn.On(protocol.EventCommand, r.onCommand(gctx, g, conn))
	conn.On(protocol.EventSessionInit, r.onSessionInit(conn))

	g.Go(func() error {
		defer cancel()
		return conn.Serve(gctx)
	})

	if err := conn.Emit(gctx, protocol.EventAgentHello, protocol.AgentHello{
		AgentID:  r.cfg.AgentID,
		Platform: runtime.GOOS,
		Hostname: r.hostname,
	}); err != nil {
		r.logger.Warn("sending hello failed", "error", err)
	}

	g.Go(func() error {
		r.reportMetrics(gctx, conn)
		return nil
	})

	err = g.Wait()
	if err == nil {
		err = errors.New("gateway closed the connection")
	}
	return true, err
}

// onCommand runs every command in its own goroutine so a slow shell command
// does not block the read loop.
func (r *Runtime) onCommand(ctx context.Context, g *errgroup.Group, conn *duplex.Conn) duplex.Handler {
	return func(_ context.Context, data json.RawMessage) error {
		var cmd protocol.Command
		if err := protocol.DecodeData(data, &cmd); err != nil {
			return err
		}
		if cmd.CommandID == "" {
			return fmt.Errorf("%w: command without commandId", protocol.ErrMalformed)
		}

		g.Go(func() error {
			result := r.execute(ctx, cmd)
			if err := conn.Emit(ctx, protocol.EventCommandResult, protocol.CommandResult{
				CommandID: cmd.CommandID,
				Result:    mustMarshal(result),
			}); err != nil {
				r.logger.Warn("sending command result failed", "command_id", cmd.CommandID, "error", err)
			}
			return nil
		})
		return nil
	}
}

func (r *Runtime) onSessionInit(conn *duplex.Conn) duplex.Handler {
	return func(ctx context.Context, data json.RawMessage) error {
		var init protocol.SessionInit
		if err := protocol.DecodeData(data, &init); err != nil {
			return err
		}
		r.logger.Info("session opened", "session_id", init.SessionID, "operator_id", init.OperatorID)

		return conn.Emit(ctx, protocol.EventSessionMeta, protocol.SessionMeta{
			SessionID: init.SessionID,
			AgentID:   r.cfg.AgentID,
			Metrics:   r.snapshot(ctx),
		})
	}
}

// reportMetrics emits agent:metrics every MetricsInterval until ctx ends.
func (r *Runtime) reportMetrics(ctx context.Context, conn *duplex.Conn) {
	ticker := time.NewTicker(r.cfg.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Emit(ctx, protocol.EventAgentMetrics, protocol.AgentMetrics{
				AgentID: r.cfg.AgentID,
				Metrics: mustMarshal(r.snapshot(ctx)),
			}); err != nil {
				r.logger.Debug("sending metrics failed", "error", err)
			}
		}
	}
}

// mustMarshal encodes values built by this package, which always marshal.
func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("agent: marshaling %T: %v", v, err))
	}
	return data
}

// backoff is a capped exponential delay.
type backoff struct {
	min, max, cur time.Duration
}

func newBackoff(minDelay, maxDelay time.Duration) *backoff {
	return &backoff{min: minDelay, max: maxDelay, cur: minDelay}
}

// next returns the current delay and doubles it for the following call.
func (b *backoff) next() time.Duration {
	d := b.cur
	b.cur = min(b.cur*2, b.max)
	return d
}

func (b *backoff) reset() {
	b.cur = b.min
}
