// Package api provides the HTTP surface of the match server.
//
// Endpoints:
//
// Sessions:
//   - POST /api/sessions {"mode":"pvp|bot|bot_white"} - Create a match (201)
//   - GET /api/sessions/{id} - Current state
//   - POST /api/sessions/{id}/join - Take the first free seat (credential required)
//   - POST /api/sessions/{id}/move {"move":"e2e4"} - Submit a UCI move (credential required)
//
// Profiles:
//   - GET /api/profiles/{id}?limit=10 - Rating record and recent matches
//
// Operations:
//   - GET /health - {"status":"ok","leader":true,"holder_id":"..."}
//   - GET /metrics - Prometheus exposition
//   - GET /ws - Realtime updates, see package transport/websocket
//   - POST /webhook/telegram - Bot API updates, accepted only by the leader
//   - /mcp - MCP over streamable HTTP
//
// Credentials go in the Authorization header as "tma <initData>",
// "Bearer <jwt>" or, when enabled, "dev <id>".
//
// Error Handling:
//
// Failures are JSON with a status derived from the error kind:
//
//	{
//	  "error": "session ab12cd34: unauthorized (not_your_turn)",
//	  "kind": "unauthorized",
//	  "reason": "not_your_turn"
//	}
//
// not_found is 404, invalid_state and conflict are 409, unauthorized is 403,
// illegal_move is 422 and upstream_failure is 502. A missing or invalid
// credential is 401.
package api
