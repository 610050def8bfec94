// Package agent is the reference agent that connects to omni-gateway.
//
// # Overview
//
// A Runtime dials the gateway's /connect endpoint with an agent token and
// keeps that duplex connection alive for as long as its context lives:
//
//	rt, err := agent.New(agent.Config{
//	    URL:     "ws://gateway:8080/connect",
//	    AgentID: id,
//	    Token:   token,
//	})
//	if err != nil {
//	    return err
//	}
//	return rt.Run(ctx)
//
// # Connection Loop
//
// When a connection drops the runtime waits and dials again. The delay starts
// at 500ms, doubles on every failed attempt and is capped at 10s. A
// connection that was established resets the delay.
//
// After connecting the runtime sends agent:hello with its id, platform and
// hostname, then reports agent:metrics every MetricsInterval.
//
// # Commands
//
// Each command event runs in its own goroutine and is answered with
// command:result carrying {ok, data} or {ok: false, error}:
//
//	{"type": "shell", "command": "uptime"}   stdout, stderr, exitCode
//	{"type": "metrics"}                      HostMetrics snapshot
//
// Any other type is answered with ok:false. A shell command that exits
// non-zero still succeeds; its exit code is part of the data.
//
// # Sessions
//
// session:init is answered with session:meta carrying the session id and a
// metrics snapshot.
package agent
