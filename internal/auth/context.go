// ABOUTME: Operator identity and roles carried through request handlers
// ABOUTME: Provides WithOperator/FromContext for propagating auth info via context

package auth

import (
	"context"
)

// Role is a dashboard role name, stored verbatim in the token.
type Role string

const (
	RoleSuperAdmin       Role = "Super Admin"
	RoleKnowledgeManager Role = "Knowledge Manager"
	RoleChatbotManager   Role = "Chatbot Manager"
	RoleAnalyst          Role = "Analyst/Reporter"
	RoleSupportAgent     Role = "Support Agent"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleSuperAdmin, RoleKnowledgeManager, RoleChatbotManager, RoleAnalyst, RoleSupportAgent:
		return true
	}
	return false
}

// CanViewChats reports whether the role may read sessions, transcripts and stats.
func (r Role) CanViewChats() bool {
	switch r {
	case RoleSuperAdmin, RoleChatbotManager, RoleAnalyst, RoleSupportAgent:
		return true
	}
	return false
}

// CanIntervene reports whether the role may write into a visitor's session.
func (r Role) CanIntervene() bool {
	switch r {
	case RoleSuperAdmin, RoleChatbotManager, RoleSupportAgent:
		return true
	}
	return false
}

// CanManageChatbots reports whether the role may create, edit and delete chatbots.
func (r Role) CanManageChatbots() bool {
	return r == RoleSuperAdmin || r == RoleChatbotManager
}

// Operator is the authenticated dashboard user behind a request.
type Operator struct {
	ID    string
	Email string
	Role  Role
}

// operatorKey is the key type for storing Operator in context.Context.
type operatorKey struct{}

// WithOperator returns a new context with the Operator attached.
func WithOperator(ctx context.Context, op *Operator) context.Context {
	return context.WithValue(ctx, operatorKey{}, op)
}

// FromContext retrieves the Operator from the context, returning nil if not present.
func FromContext(ctx context.Context) *Operator {
	op, _ := ctx.Value(operatorKey{}).(*Operator)
	return op
}
