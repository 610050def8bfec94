// ABOUTME: Pairs an operator with a connected agent and signals both sides.
// ABOUTME: Sessions are ephemeral: nothing is tracked after the notifications go out.

package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/omni-gateway/internal/auth"
	"github.com/2389/omni-gateway/internal/protocol"
	"github.com/2389/omni-gateway/internal/registry"
)

// ErrAgentOffline means the target agent has no live connection.
var ErrAgentOffline = errors.New("agent offline")

// Session pairs one operator with one agent.
type Session struct {
	ID         string
	OperatorID string
	AgentID    string
	CreatedAt  time.Time
}

// Negotiator creates sessions between operators and registered agents.
type Negotiator struct {
	registry *registry.Registry
	logger   *slog.Logger
	now      func() time.Time
}

// NewNegotiator creates a Negotiator backed by the connection registry.
func NewNegotiator(reg *registry.Registry, logger *slog.Logger) *Negotiator {
	return &Negotiator{
		registry: reg,
		logger:   logger,
		now:      time.Now,
	}
}

// Start creates a session between operatorID and agentID. It notifies the
// agent with session:init and replies session:ready on operatorConn, the
// connection that asked. A nil operatorConn skips the reply. Delivery is
// fire-and-forget: send failures are logged and the caller may retry.
func (n *Negotiator) Start(ctx context.Context, operatorID string, operatorConn registry.Handle, agentID string) (*Session, error) {
	agentConn, ok := n.registry.Lookup(auth.RoleAgent, agentID)
	if !ok {
		return nil, ErrAgentOffline
	}

	sess := &Session{
		ID:         uuid.New().String(),
		OperatorID: operatorID,
		AgentID:    agentID,
		CreatedAt:  n.now(),
	}

	if err := agentConn.Emit(ctx, protocol.EventSessionInit, protocol.SessionInit{
		SessionID:  sess.ID,
		OperatorID: operatorID,
	}); err != nil {
		n.logger.Warn("session:init not delivered",
			"session_id", sess.ID,
			"agent_id", agentID,
			"error", err,
		)
	}

	if operatorConn != nil {
		if err := operatorConn.Emit(ctx, protocol.EventSessionReady, protocol.SessionReady{
			SessionID: sess.ID,
		}); err != nil {
			n.logger.Warn("session:ready not delivered",
				"session_id", sess.ID,
				"operator_id", operatorID,
				"error", err,
			)
		}
	}

	n.logger.Info("session started",
		"session_id", sess.ID,
		"operator_id", operatorID,
		"agent_id", agentID,
	)
	return sess, nil
}
