// ABOUTME: Duplex connect endpoint: authenticates, upgrades and serves agent/operator connections
// ABOUTME: Wires inbound events to the correlator, the session negotiator and operator fan-out

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/2389/omni-gateway/internal/auth"
	"github.com/2389/omni-gateway/internal/duplex"
	"github.com/2389/omni-gateway/internal/protocol"
	"github.com/2389/omni-gateway/internal/session"
	"github.com/2389/omni-gateway/internal/store"
)

// Connection states, logged as a connection moves through its lifecycle.
const (
	stateConnecting     = "connecting"
	stateAuthenticating = "authenticating"
	stateAgentActive    = "agent-active"
	stateOperatorActive = "operator-active"
	stateClosed         = "closed"
)

// peer is an authenticated duplex connection held in the registry.
type peer struct {
	*duplex.Conn
	id          string
	role        auth.Role
	connectedAt time.Time

	// out queues fan-out events for operator connections; nil for agents.
	out *outbox

	mu    sync.RWMutex
	hello *protocol.AgentHello
}

func (p *peer) enqueue(event string, data any) bool {
	if p.out == nil {
		return false
	}
	return p.out.enqueue(event, data)
}

func (p *peer) setHello(h *protocol.AgentHello) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hello = h
}

func (p *peer) helloInfo() (protocol.AgentHello, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.hello == nil {
		return protocol.AgentHello{}, false
	}
	return *p.hello, true
}

// handleConnect handles GET /connect. The token is verified before the
// upgrade; rejected handshakes get a plain 401 and never become connections.
func (g *Gateway) handleConnect(w http.ResponseWriter, r *http.Request) {
	logger := g.logger.With("remote_addr", r.RemoteAddr)
	logger.Debug("connection state", "state", stateConnecting)

	logger.Debug("connection state", "state", stateAuthenticating)
	claims, reason := g.authenticate(r)
	if claims == nil {
		logger.Warn("rejecting connection", "reason", reason)
		g.recordAudit(r.Context(), &store.AuditEntry{
			ActorPrincipalID: "anonymous",
			Action:           store.AuditAuthRejected,
			TargetID:         r.RemoteAddr,
			Detail:           map[string]any{"reason": reason},
		})
		g.sendJSONError(w, http.StatusUnauthorized, reason)
		logger.Debug("connection state", "state", stateClosed)
		return
	}

	logger = logger.With("role", claims.Role.String(), "principal_id", claims.Subject)
	conn, err := duplex.Accept(w, r, duplex.Options{
		WriteTimeout:   g.config.Agents.WriteTimeout,
		OriginPatterns: g.config.Server.OriginPatterns,
		Logger:         logger,
	})
	if err != nil {
		logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	p := &peer{
		Conn:        conn,
		id:          claims.Subject,
		role:        claims.Role,
		connectedAt: g.now(),
	}

	switch claims.Role {
	case auth.RoleAgent:
		g.serveAgent(r.Context(), p, logger)
	case auth.RoleOperator:
		g.serveOperator(r.Context(), p, logger)
	}
	logger.Debug("connection state", "state", stateClosed)
}

// authenticate verifies the request token. On failure it returns nil claims
// and a client-safe reason.
func (g *Gateway) authenticate(r *http.Request) (*auth.Claims, string) {
	token, errMsg := auth.TokenFromRequest(r)
	if errMsg != "" {
		return nil, errMsg
	}
	claims, err := g.tokens.Verify(token)
	switch {
	case err == nil:
		return claims, ""
	case errors.Is(err, auth.ErrExpiredToken):
		return nil, "token expired"
	default:
		return nil, "invalid token"
	}
}

func (g *Gateway) serveAgent(ctx context.Context, p *peer, logger *slog.Logger) {
	p.On(protocol.EventAgentHello, g.onAgentHello(p, logger))
	p.On(protocol.EventCommandResult, g.onCommandResult(p))
	p.On(protocol.EventAgentMetrics, g.onAgentMetrics(p))
	p.On(protocol.EventSessionMeta, g.onSessionMeta(p))

	g.registry.Register(auth.RoleAgent, p.id, p)
	g.updateAgentHealth()
	g.recordAudit(ctx, &store.AuditEntry{
		ActorPrincipalID: p.id,
		ActorRole:        auth.RoleAgent.String(),
		Action:           store.AuditAgentConnected,
		TargetID:         p.id,
	})
	logger.Info("connection state", "state", stateAgentActive)

	g.serve(ctx, p, logger)

	if g.registry.Unregister(auth.RoleAgent, p.id, p) {
		g.updateAgentHealth()
	}
	g.recordAudit(context.WithoutCancel(ctx), &store.AuditEntry{
		ActorPrincipalID: p.id,
		ActorRole:        auth.RoleAgent.String(),
		Action:           store.AuditAgentDisconnected,
		TargetID:         p.id,
	})
}

func (g *Gateway) serveOperator(ctx context.Context, p *peer, logger *slog.Logger) {
	p.On(protocol.EventSessionStart, g.onSessionStart(p, logger))

	p.out = newOutbox(p.Conn, defaultOutboxSize, logger)
	outCtx, stopOut := context.WithCancel(ctx)
	defer stopOut()
	go p.out.run(outCtx)

	g.registry.Register(auth.RoleOperator, p.id, p)
	g.recordAudit(ctx, &store.AuditEntry{
		ActorPrincipalID: p.id,
		ActorRole:        auth.RoleOperator.String(),
		Action:           store.AuditOperatorConnected,
		TargetID:         p.id,
	})
	logger.Info("connection state", "state", stateOperatorActive)

	g.serve(ctx, p, logger)

	g.registry.Unregister(auth.RoleOperator, p.id, p)
	g.recordAudit(context.WithoutCancel(ctx), &store.AuditEntry{
		ActorPrincipalID: p.id,
		ActorRole:        auth.RoleOperator.String(),
		Action:           store.AuditOperatorDisconnected,
		TargetID:         p.id,
	})
}

// serve runs the read loop and makes sure the socket is released afterwards.
func (g *Gateway) serve(ctx context.Context, p *peer, logger *slog.Logger) {
	err := p.Serve(ctx)
	switch {
	case err == nil:
		logger.Info("peer closed connection")
	case errors.Is(err, protocol.ErrMalformed):
		logger.Warn("connection closed after protocol error", "error", err)
	default:
		logger.Info("connection ended", "error", err)
	}
	_ = p.Close("")
}

func (g *Gateway) onAgentHello(p *peer, logger *slog.Logger) duplex.Handler {
	return func(_ context.Context, data json.RawMessage) error {
		var hello protocol.AgentHello
		if err := protocol.DecodeData(data, &hello); err != nil {
			return err
		}
		if hello.AgentID != "" && hello.AgentID != p.id {
			logger.Warn("agent hello id does not match token subject", "hello_id", hello.AgentID)
		}
		hello.AgentID = p.id
		p.setHello(&hello)
		logger.Info("agent hello", "platform", hello.Platform, "hostname", hello.Hostname)
		return nil
	}
}

func (g *Gateway) onCommandResult(p *peer) duplex.Handler {
	return func(_ context.Context, data json.RawMessage) error {
		var res protocol.CommandResult
		if err := protocol.DecodeData(data, &res); err != nil {
			return err
		}
		if err := res.Validate(); err != nil {
			return err
		}
		g.correlator.Resolve(res.CommandID, p.id, res.Result)
		return nil
	}
}

// onAgentMetrics forwards agent telemetry to every connected operator. The
// agent id always comes from the authenticated connection.
func (g *Gateway) onAgentMetrics(p *peer) duplex.Handler {
	return func(_ context.Context, data json.RawMessage) error {
		var m protocol.AgentMetrics
		if err := protocol.DecodeData(data, &m); err != nil {
			return err
		}
		if len(m.Metrics) == 0 {
			m.Metrics = data
		}
		m.AgentID = p.id
		g.broadcastToOperators(protocol.EventAgentMetrics, m)
		return nil
	}
}

func (g *Gateway) onSessionMeta(p *peer) duplex.Handler {
	return func(_ context.Context, data json.RawMessage) error {
		var meta protocol.SessionMeta
		if err := protocol.DecodeData(data, &meta); err != nil {
			return err
		}
		meta.AgentID = p.id
		g.broadcastToOperators(protocol.EventSessionMeta, meta)
		return nil
	}
}

func (g *Gateway) onSessionStart(p *peer, logger *slog.Logger) duplex.Handler {
	return func(ctx context.Context, data json.RawMessage) error {
		var req protocol.SessionStart
		if err := protocol.DecodeData(data, &req); err != nil {
			return err
		}
		if err := req.Validate(); err != nil {
			return err
		}

		sess, err := g.negotiator.Start(ctx, p.id, p, req.AgentID)
		if errors.Is(err, session.ErrAgentOffline) {
			logger.Info("session requested for offline agent", "agent_id", req.AgentID)
			return p.Emit(ctx, protocol.EventSessionError, protocol.SessionError{Message: "Agent offline"})
		}
		if err != nil {
			return err
		}

		g.recordAudit(ctx, &store.AuditEntry{
			ActorPrincipalID: p.id,
			ActorRole:        auth.RoleOperator.String(),
			Action:           store.AuditSessionStarted,
			TargetID:         req.AgentID,
			Detail:           map[string]any{"sessionId": sess.ID},
		})
		return nil
	}
}

// broadcastToOperators queues event on every operator connection and
// returns without waiting for any write. Operators whose queue is full miss
// the event.
func (g *Gateway) broadcastToOperators(event string, data any) {
	for _, e := range g.registry.Entries(auth.RoleOperator) {
		q, ok := e.Handle.(queuedHandle)
		if !ok {
			g.logger.Warn("operator connection has no send queue", "operator_id", e.PrincipalID)
			continue
		}
		if !q.enqueue(event, data) {
			g.logger.Debug("operator send queue full, dropping event",
				"event", event,
				"operator_id", e.PrincipalID,
			)
		}
	}
}

// recordAudit appends to the audit log. Failures are logged, never surfaced.
func (g *Gateway) recordAudit(ctx context.Context, e *store.AuditEntry) {
	if err := g.store.AppendAuditLog(ctx, e); err != nil {
		g.logger.Warn("audit append failed", "action", e.Action, "error", err)
	}
}
