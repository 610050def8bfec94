// ABOUTME: HTTP API handlers for command dispatch, token issue, listings and health
// ABOUTME: Commands block the caller until the agent's asynchronous result or the timeout

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/2389/omni-gateway/internal/auth"
	"github.com/2389/omni-gateway/internal/correlator"
	"github.com/2389/omni-gateway/internal/protocol"
	"github.com/2389/omni-gateway/internal/store"
)

// maxCommandBody caps the JSON body of POST /agents/{agentId}/commands.
const maxCommandBody = 10 << 20

// CommandResponse is the JSON response for a command that produced a result.
type CommandResponse struct {
	CommandID string          `json:"commandId"`
	Response  json.RawMessage `json:"response"`
}

// CommandTimeoutResponse is the JSON response for a command with no result in time.
type CommandTimeoutResponse struct {
	Error     string `json:"error"`
	CommandID string `json:"commandId"`
}

// TokenRequest is the JSON request body for POST /auth/token.
type TokenRequest struct {
	Email    string `json:"email"`
	Password string `json:"password,omitempty"`
}

// TokenResponse is the JSON response for POST /auth/token.
type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expiresAt"`
}

// HealthResponse is the JSON response for GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Agents    int    `json:"agents"`
	Operators int    `json:"operators"`
}

// AgentInfoResponse is one entry of GET /agents.
type AgentInfoResponse struct {
	AgentID     string `json:"agentId"`
	Platform    string `json:"platform,omitempty"`
	Hostname    string `json:"hostname,omitempty"`
	ConnectedAt string `json:"connectedAt"`
}

// AuditResponse is the JSON response for GET /audit.
type AuditResponse struct {
	Entries []store.AuditEntry `json:"entries"`
}

// handleCommand handles POST /agents/{agentId}/commands.
func (g *Gateway) handleCommand(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agentId")

	if _, ok := g.registry.Lookup(auth.RoleAgent, agentID); !ok {
		g.sendJSONError(w, http.StatusNotFound, ErrAgentNotConnected.Error())
		return
	}

	payload, err := readCommandPayload(w, r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	actor := auth.FromContext(r.Context())
	if actor == nil {
		g.sendJSONError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	commandID, result, err := g.sendCommand(r.Context(), actor, agentID, payload)
	switch {
	case err == nil:
		g.writeJSON(w, http.StatusOK, CommandResponse{CommandID: commandID, Response: result})
	case errors.Is(err, ErrAgentNotConnected):
		g.sendJSONError(w, http.StatusNotFound, ErrAgentNotConnected.Error())
	case errors.Is(err, correlator.ErrCommandTimeout):
		g.writeJSON(w, http.StatusGatewayTimeout, CommandTimeoutResponse{
			Error:     "agent timeout",
			CommandID: commandID,
		})
	case errors.Is(err, correlator.ErrClosed):
		g.sendJSONError(w, http.StatusServiceUnavailable, "gateway shutting down")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		g.logger.Info("command caller went away", "command_id", commandID, "agent_id", agentID)
	default:
		g.logger.Error("command failed", "command_id", commandID, "agent_id", agentID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

// readCommandPayload returns the request body as JSON. An empty body
// becomes {}; anything that is not valid JSON is rejected.
func readCommandPayload(w http.ResponseWriter, r *http.Request) (json.RawMessage, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCommandBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fmt.Errorf("body exceeds %d bytes", tooLarge.Limit)
		}
		return nil, errors.New("reading body failed")
	}

	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return json.RawMessage(`{}`), nil
	}
	if !json.Valid(body) {
		return nil, errors.New("invalid JSON body")
	}
	return json.RawMessage(body), nil
}

// sendCommand pushes a command to agentID and waits for its result. The
// pending slot is registered before the emit so a fast reply cannot be lost.
func (g *Gateway) sendCommand(ctx context.Context, actor *auth.AuthContext, agentID string, payload json.RawMessage) (string, json.RawMessage, error) {
	h, ok := g.registry.Lookup(auth.RoleAgent, agentID)
	if !ok {
		return "", nil, ErrAgentNotConnected
	}

	commandID := uuid.New().String()
	pending, err := g.correlator.Submit(commandID, agentID, g.config.Agents.CommandTimeout)
	if err != nil {
		return commandID, nil, err
	}

	if err := h.Emit(ctx, protocol.EventCommand, protocol.Command{
		CommandID: commandID,
		Payload:   payload,
	}); err != nil {
		g.correlator.Cancel(commandID)
		g.logger.Warn("command dispatch failed",
			"command_id", commandID,
			"agent_id", agentID,
			"error", err,
		)
		return commandID, nil, fmt.Errorf("%w: %v", ErrAgentNotConnected, err)
	}

	g.logger.Debug("command dispatched", "command_id", commandID, "agent_id", agentID)
	g.recordAudit(ctx, &store.AuditEntry{
		ActorPrincipalID: actor.PrincipalID,
		ActorRole:        actor.Role.String(),
		Action:           store.AuditCommandDispatched,
		TargetID:         agentID,
		Detail:           map[string]any{"commandId": commandID},
	})

	result, err := pending.Wait(ctx)
	return commandID, result, err
}

// handleIssueToken handles POST /auth/token for operator logins.
func (g *Gateway) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Email == "" {
		g.sendJSONError(w, http.StatusBadRequest, "email is required")
		return
	}

	op, err := g.directory.Authenticate(req.Email, req.Password)
	if err != nil {
		g.logger.Info("operator login rejected", "email", req.Email, "error", err)
		g.recordAudit(r.Context(), &store.AuditEntry{
			ActorPrincipalID: "anonymous",
			Action:           store.AuditAuthRejected,
			TargetID:         req.Email,
			Detail:           map[string]any{"reason": err.Error()},
		})
		g.sendJSONError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	ttl := g.config.Auth.OperatorTokenTTL
	token, err := g.tokens.Issue(op.ID, auth.RoleOperator, op.Roles, ttl)
	if err != nil {
		g.logger.Error("issuing operator token", "operator_id", op.ID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "token signing failed")
		return
	}

	g.recordAudit(r.Context(), &store.AuditEntry{
		ActorPrincipalID: op.ID,
		ActorRole:        auth.RoleOperator.String(),
		Action:           store.AuditTokenIssued,
		TargetID:         op.ID,
		Detail:           map[string]any{"ttl": ttl.String()},
	})

	g.writeJSON(w, http.StatusOK, TokenResponse{
		Token:     token,
		ExpiresAt: g.now().Add(ttl).UTC().Format(time.RFC3339),
	})
}

// handleListAgents handles GET /agents.
func (g *Gateway) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	entries := g.registry.Entries(auth.RoleAgent)

	response := make([]AgentInfoResponse, 0, len(entries))
	for _, e := range entries {
		info := AgentInfoResponse{AgentID: e.PrincipalID}
		if p, ok := e.Handle.(*peer); ok {
			info.ConnectedAt = p.connectedAt.UTC().Format(time.RFC3339)
			if hello, ok := p.helloInfo(); ok {
				info.Platform = hello.Platform
				info.Hostname = hello.Hostname
			}
		}
		response = append(response, info)
	}

	g.writeJSON(w, http.StatusOK, response)
}

// handleAudit handles GET /audit?limit=N&action=A&actor=ID.
func (g *Gateway) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var filter store.AuditFilter
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}
	if v := q.Get("action"); v != "" {
		action := store.AuditAction(v)
		if !action.Valid() {
			g.sendJSONError(w, http.StatusBadRequest, "unknown action")
			return
		}
		filter.Action = &action
	}
	if v := q.Get("actor"); v != "" {
		filter.ActorPrincipalID = &v
	}

	entries, err := g.store.ListAuditLog(r.Context(), filter)
	if err != nil {
		g.logger.Error("listing audit log", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	g.writeJSON(w, http.StatusOK, AuditResponse{Entries: entries})
}

// handleHealth reports liveness and connection counts.
func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	g.writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Agents:    g.registry.Count(auth.RoleAgent),
		Operators: g.registry.Count(auth.RoleOperator),
	})
}

// handleReady returns 200 OK if the server has at least one agent connected.
func (g *Gateway) handleReady(w http.ResponseWriter, _ *http.Request) {
	agents := g.registry.Count(auth.RoleAgent)
	if agents == 0 {
		g.writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "no agents connected",
			"agents": 0,
		})
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
		"agents": agents,
	})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("writing response failed", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}
