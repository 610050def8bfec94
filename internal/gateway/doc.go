// Package gateway orchestrates the omni-gateway server components.
//
// # Overview
//
// The gateway is the rendezvous point between remote agents and operators.
// Agents dial in over a WebSocket duplex channel and wait for commands.
// Operators reach agents either through the blocking HTTP command endpoint
// or through their own duplex connection to open sessions.
//
// # Gateway Struct
//
// The Gateway struct owns every long-lived component:
//
//	type Gateway struct {
//	    tokens     *auth.TokenService      // JWT issue/verify
//	    registry   *registry.Registry      // live connections per role
//	    correlator *correlator.Correlator  // commandId -> waiting HTTP caller
//	    negotiator *session.Negotiator     // session:start handling
//	    store      *store.SQLiteStore      // audit log
//	    health     *health.Server          // gRPC health
//	    // ... servers and listeners
//	}
//
// # HTTP API
//
//	GET  /connect                       duplex upgrade (agent or operator token)
//	POST /agents/{agentId}/commands     dispatch a command, wait for its result
//	POST /auth/token                    operator login
//	GET  /agents                        connected agents (operator)
//	GET  /audit                         audit log (operator with admin claim)
//	GET  /health                        liveness and connection counts
//	GET  /health/ready                  200 only while an agent is connected
//
// Command results map to status codes:
//
//	200  {"commandId", "response"}  agent answered
//	404  agent not connected         no live connection, or the write failed
//	504  {"error", "commandId"}     no answer within agents.command_timeout
//	503  gateway shutting down       pending commands are released on shutdown
//
// # Connection Lifecycle
//
// A /connect request moves through connecting, authenticating and then
// agent-active or operator-active until it is closed. The token is checked
// before the upgrade, so a rejected handshake gets a 401 and never becomes a
// connection. A frame that is not a valid envelope closes that connection
// only; a valid envelope with a bad payload is logged and dropped.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	if err != nil {
//	    return err
//	}
//	return gw.Run(ctx) // blocks until ctx is canceled
//
// Shutdown stops the HTTP and gRPC servers, fails pending commands, closes
// every duplex connection and finally closes the store.
//
// # Tailscale
//
// With tailscale.enabled the HTTP surface and the gRPC health service are
// served on the tailnet through tsnet instead of TCP listeners.
package gateway
