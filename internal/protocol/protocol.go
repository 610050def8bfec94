// ABOUTME: Event envelope and payload types exchanged over duplex connections
// ABOUTME: Every frame is a JSON object {"event": name, "data": payload}

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed indicates a frame or payload that does not follow the protocol.
var ErrMalformed = errors.New("malformed event")

// Event names.
const (
	// server -> agent
	EventCommand     = "command"
	EventSessionInit = "session:init"

	// agent -> server
	EventAgentHello    = "agent:hello"
	EventCommandResult = "command:result"
	EventAgentMetrics  = "agent:metrics"
	EventSessionMeta   = "session:meta"

	// operator -> server
	EventSessionStart = "session:start"

	// server -> operator
	EventSessionReady = "session:ready"
	EventSessionError = "session:error"
)

// Envelope is a single frame on a duplex connection.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode marshals data into a frame for event.
func Encode(event string, data any) ([]byte, error) {
	if event == "" {
		return nil, fmt.Errorf("%w: empty event name", ErrMalformed)
	}
	env := Envelope{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", event, err)
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

// Decode parses a frame. Frames without an event name are malformed.
func Decode(frame []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("%w: missing event name", ErrMalformed)
	}
	return &env, nil
}

// DecodeData unmarshals an event payload into v.
func DecodeData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", ErrMalformed)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// Command is pushed to an agent for execution. Payload is forwarded
// verbatim from the HTTP request body.
type Command struct {
	CommandID string          `json:"commandId"`
	Payload   json.RawMessage `json:"payload"`
}

// CommandResult is the agent's asynchronous reply to a Command.
type CommandResult struct {
	CommandID string          `json:"commandId"`
	Result    json.RawMessage `json:"result"`
}

// Validate checks the fields the gateway relies on.
func (r *CommandResult) Validate() error {
	if r.CommandID == "" {
		return fmt.Errorf("%w: command:result without commandId", ErrMalformed)
	}
	return nil
}

// Result is the body agents put in CommandResult.Result.
type Result struct {
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// AgentHello announces an agent after connecting.
type AgentHello struct {
	AgentID  string `json:"agentId"`
	Platform string `json:"platform"`
	Hostname string `json:"hostname"`
}

// AgentMetrics is agent telemetry forwarded to operators. Metrics is opaque.
type AgentMetrics struct {
	AgentID string          `json:"agentId"`
	Metrics json.RawMessage `json:"metrics"`
}

// SessionStart asks the gateway to pair the operator with an agent.
type SessionStart struct {
	AgentID string `json:"agentId"`
}

// Validate checks the fields the gateway relies on.
func (s *SessionStart) Validate() error {
	if s.AgentID == "" {
		return fmt.Errorf("%w: session:start without agentId", ErrMalformed)
	}
	return nil
}

// SessionReady tells the operator its session was created.
type SessionReady struct {
	SessionID string `json:"sessionId"`
}

// SessionInit tells the agent an operator opened a session with it.
type SessionInit struct {
	SessionID  string `json:"sessionId"`
	OperatorID string `json:"operatorId"`
}

// SessionError reports a failed session:start to the operator.
type SessionError struct {
	Message string `json:"message"`
}

// SessionMeta is the agent's answer to session:init.
type SessionMeta struct {
	SessionID string `json:"sessionId"`
	AgentID   string `json:"agentId"`
	Metrics   any    `json:"metrics,omitempty"`
}
