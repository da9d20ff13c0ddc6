// Package mcp exposes matches to AI agents through the Model Context
// Protocol.
//
// The Client is a thin proxy: every tool call becomes a REST request
// against a running server, authenticated with a fixed credential, and the
// JSON response is summarized as text.
//
// Tools:
//   - create_match {mode?}         POST /api/sessions
//   - get_match {session_id}       GET /api/sessions/{id}
//   - join_match {session_id}      POST /api/sessions/{id}/join
//   - make_move {session_id, move} POST /api/sessions/{id}/move
//   - get_profile {player_id}      GET /api/profiles/{id}
//
// The same tool set is served two ways: over stdio for a local agent
// (chessmatch mcp --api-url ... --token "dev agent") and over streamable
// HTTP at /mcp on the server itself.
//
// Usage:
//
//	client := mcp.NewClient("http://localhost:8080", "Bearer "+token)
//	if err := server.ServeStdio(client.GetMCPServer()); err != nil {
//		log.Fatal().Err(err).Msg("mcp stdio")
//	}
package mcp
