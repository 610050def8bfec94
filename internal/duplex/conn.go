// ABOUTME: Event-oriented wrapper around a WebSocket connection
// ABOUTME: Dispatches inbound frames to registered handlers and sends timed writes

package duplex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/2389/omni-gateway/internal/protocol"
)

const (
	// DefaultWriteTimeout bounds a single Emit.
	DefaultWriteTimeout = 5 * time.Second

	// DefaultReadLimit is the largest frame accepted. Command payloads may be
	// up to 10 MiB, so leave room for the envelope.
	DefaultReadLimit = 16 << 20
)

// ErrClosed is returned by Emit after the connection has closed.
var ErrClosed = errors.New("connection closed")

// Handler processes the payload of one inbound event. Returning an error
// wrapping protocol.ErrMalformed marks the payload as invalid; the frame is
// dropped and the connection stays open.
type Handler func(ctx context.Context, data json.RawMessage) error

// Options configures a Conn.
type Options struct {
	WriteTimeout   time.Duration
	ReadLimit      int64
	OriginPatterns []string
	Logger         *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = DefaultReadLimit
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Conn is a duplex event channel over a single WebSocket.
type Conn struct {
	ws           *websocket.Conn
	logger       *slog.Logger
	writeTimeout time.Duration

	mu       sync.RWMutex
	handlers map[string]Handler

	closeOnce sync.Once
	doneOnce  sync.Once
	done      chan struct{}
}

func newConn(ws *websocket.Conn, opts Options) *Conn {
	ws.SetReadLimit(opts.ReadLimit)
	return &Conn{
		ws:           ws,
		logger:       opts.Logger,
		writeTimeout: opts.WriteTimeout,
		handlers:     make(map[string]Handler),
		done:         make(chan struct{}),
	}
}

// Accept upgrades an HTTP request to a duplex connection. Authentication
// must happen before calling Accept.
func Accept(w http.ResponseWriter, r *http.Request, opts Options) (*Conn, error) {
	opts = opts.withDefaults()
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: opts.OriginPatterns,
	})
	if err != nil {
		return nil, fmt.Errorf("accepting websocket: %w", err)
	}
	return newConn(ws, opts), nil
}

// DialError reports a handshake rejected by the server with an HTTP status.
type DialError struct {
	StatusCode int
	Err        error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("dial rejected with status %d: %v", e.StatusCode, e.Err)
}

func (e *DialError) Unwrap() error {
	return e.Err
}

// Dial connects to a duplex endpoint, presenting token as a bearer credential.
func Dial(ctx context.Context, url, token string, opts Options) (*Conn, error) {
	opts = opts.withDefaults()

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	ws, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, &DialError{StatusCode: resp.StatusCode, Err: err}
		}
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	return newConn(ws, opts), nil
}

// On registers the handler for event, replacing any earlier one.
func (c *Conn) On(event string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = h
}

func (c *Conn) handler(event string) (Handler, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.handlers[event]
	return h, ok
}

// Emit sends one event. Safe for concurrent use.
func (c *Conn) Emit(ctx context.Context, event string, data any) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	frame, err := protocol.Encode(event, data)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()

	if err := c.ws.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("writing %s: %w", event, err)
	}
	return nil
}

// Serve runs the read loop until the peer closes, ctx ends or a frame cannot
// be decoded. A clean close by the peer returns nil.
func (c *Conn) Serve(ctx context.Context) error {
	defer c.markDone()

	for {
		_, frame, err := c.ws.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("reading frame: %w", err)
		}

		env, err := protocol.Decode(frame)
		if err != nil {
			c.logger.Warn("closing connection on undecodable frame", "error", err)
			_ = c.ws.Close(websocket.StatusUnsupportedData, "malformed envelope")
			return err
		}

		c.dispatch(ctx, env)
	}
}

// dispatch runs the handler for one envelope. Handler panics are contained
// so a single bad event cannot take down the read loop.
func (c *Conn) dispatch(ctx context.Context, env *protocol.Envelope) {
	h, ok := c.handler(env.Event)
	if !ok {
		c.logger.Debug("ignoring unhandled event", "event", env.Event)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("event handler panicked",
				"event", env.Event,
				"panic", r,
			)
		}
	}()

	if err := h(ctx, env.Data); err != nil {
		if errors.Is(err, protocol.ErrMalformed) {
			c.logger.Warn("dropping malformed payload", "event", env.Event, "error", err)
			return
		}
		c.logger.Error("event handler failed", "event", env.Event, "error", err)
	}
}

// Close closes the connection with a normal closure status.
func (c *Conn) Close(reason string) error {
	var err error
	c.closeOnce.Do(func() {
		err = c.ws.Close(websocket.StatusNormalClosure, reason)
	})
	c.markDone()
	return err
}

func (c *Conn) markDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

// Done is closed once the connection stops serving or is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}
