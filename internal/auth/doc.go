// Package auth provides operator authentication for the supportchat gateway.
//
// # Tokens
//
// Dashboard operators authenticate with HS256 JWTs signed with the configured
// auth.jwt_secret (at least 32 bytes). Claims:
//
//   - sub: agent id, recorded on intervention messages
//   - email: agent email, recorded alongside the id
//   - role: one of the dashboard role names
//
// # Roles
//
//	Super Admin        view, intervene
//	Chatbot Manager    view, intervene
//	Support Agent      view, intervene
//	Analyst/Reporter   view
//	Knowledge Manager  none
//
// # HTTP
//
// HTTPMiddleware puts the Operator in the request context; RequireViewer and
// RequireIntervener gate individual routes. Widget routes are not behind
// this middleware.
package auth
