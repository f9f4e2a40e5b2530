// Package transport connects the session pool to backend MCP servers.
//
// Factory.Connect satisfies pool.ConnectFunc. It loads the backend's stored
// configuration, builds a go-sdk transport for the routing key's kind (or the
// backend's own kind when the key leaves it empty), and completes the MCP
// initialize handshake:
//
//   - stdio: mcp.CommandTransport running the backend command with its env
//   - sse: mcp.SSEClientTransport
//   - streamable: mcp.StreamableClientTransport
//   - websocket: WebSocketTransport, one JSON-RPC message per text frame
//
// The returned Session implements the pool's optional Validator (MCP ping)
// and SupportsStateSnapshot (backend session ID and handshake flag).
package transport
