// Package gateway wires the clara-gateway components together and serves them.
//
// # Overview
//
// The Gateway owns every long-lived component: the store, session manager,
// hook bus, scheduler, tool executor, orchestrator, router, node registry and
// adapter supervisor. New builds them in dependency order; Run starts the
// background loops and listeners; Shutdown stops them in reverse.
//
// # Adapter Protocol
//
// Platform adapters connect over WebSocket at server.ws_path (default /ws).
// The first frame must be register; the gateway answers with registered
// before anything else. After that:
//
//	adapter -> gateway: message, cancel, ping, status
//	gateway -> adapter: response_start, response_chunk, tool_status,
//	                    response_end, cancelled, status, pong,
//	                    proactive_message, error
//
// Every accepted message ends with exactly one response_end. Frames for a
// node that disconnected are held for adapters.reconnect_grace_period and
// delivered when the same node_id registers again.
//
// # HTTP API
//
// api.go serves the admin surface (JSON). Reads need any valid token when
// auth is enabled; mutations need the admin role.
//
//   - GET /api/status, /api/nodes, /api/requests, /api/sessions, /api/events
//   - GET/POST /api/adapters/{name}/{start,stop,restart,enable,disable}
//   - GET/POST /api/tasks/{name}/{run,enable,disable}
//   - GET/POST /api/hooks/{name}/{enable,disable}
//   - POST /api/requests/{id}/cancel, /api/reload
//   - GET /health, /health/ready, /metrics
//
// # gRPC
//
// When server.grpc_addr is set (or Tailscale is enabled) the standard gRPC
// health service reports clara.Gateway and one clara.Adapter/<name> service
// per supervised adapter.
//
// # Key Files
//
//   - gateway.go: construction, listeners, Run/Shutdown
//   - server.go: WebSocket handshake, read loop and write pump
//   - processor.go: router handler that runs the orchestrator and emits frames
//   - api.go: admin HTTP handlers
//   - grpc.go: health service
//   - reload.go: hook and task hot reload
package gateway
