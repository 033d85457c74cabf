// Package gateway serves supportchat over HTTP.
//
// # Overview
//
// The Gateway owns the SQLite store, the realtime feed (in-process
// broadcaster or Redis pub/sub) and one HTTP server. Every message insert
// goes through a feed.PublishingStore so open SSE and WebSocket streams see
// it. Session identity and termination are delegated to lifecycle.Manager,
// operator replies to intervention.Bridge.
//
// # Widget API
//
//   - POST /api/sessions/resolve - resolve or create the widget's session
//   - POST /api/sessions - create a session row
//   - GET /api/sessions?visitor_id= - list a visitor's sessions
//   - GET, PATCH /api/sessions/{id} - read or patch one session
//   - POST, PATCH /api/sessions/{id}/end - end a session (202, runs detached)
//   - GET, POST /api/sessions/{id}/messages - list or post visitor messages
//   - GET /api/sessions/{id}/events - SSE insert feed
//   - GET /api/sessions/{id}/ws - WebSocket insert feed
//
// # Automation Engine
//
//   - POST /api/responder/messages - async reply, deduped by Idempotency-Key
//   - GET, POST, DELETE /api/sessions/{id}/history - context window
//
// Callers send X-Responder-Secret when auth.responder_secret is set. Purge
// is open because widgets call it on close.
//
// # Operator API
//
// Registered only when auth.jwt_secret is set. Bearer tokens carry the
// operator role; see package auth.
//
//   - GET /api/admin/sessions
//   - GET /api/admin/sessions/{id}
//   - GET /api/admin/sessions/{id}/transcript?format=html|md
//   - GET /api/admin/stats
//   - POST /api/admin/sessions/{id}/messages (intervention roles)
//
// # Health
//
//   - GET /health - liveness
//   - GET /health/ready - database ping
//   - GET /metrics - Prometheus, when metrics.enabled
//
// Errors are JSON objects of the form {"error": "..."}.
package gateway
