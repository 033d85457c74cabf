// ABOUTME: Unit tests for JWT token verification and generation
// ABOUTME: Tests valid tokens, invalid tokens, expired tokens and role claims

package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret-key-for-jwt-signing!")

func newTestVerifier(t *testing.T) *JWTVerifier {
	t.Helper()
	v, err := NewJWTVerifier(testSecret)
	require.NoError(t, err)
	return v
}

var testOperator = Operator{ID: "agent-1", Email: "agent@example.com", Role: RoleSupportAgent}

func TestNewJWTVerifier_RejectsShortSecret(t *testing.T) {
	_, err := NewJWTVerifier([]byte("short"))
	assert.ErrorIs(t, err, ErrWeakSecret)
}

func TestJWTVerifier_RoundTrip(t *testing.T) {
	v := newTestVerifier(t)

	token, err := v.Generate(testOperator, time.Hour)
	require.NoError(t, err)

	op, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, testOperator, *op)
}

func TestJWTVerifier_InvalidToken(t *testing.T) {
	v := newTestVerifier(t)

	other, err := NewJWTVerifier([]byte("a-completely-different-secret-32"))
	require.NoError(t, err)
	foreign, err := other.Generate(testOperator, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"empty token", ""},
		{"garbage token", "not-a-jwt-token"},
		{"malformed JWT", "header.payload.signature"},
		{"wrong secret", foreign},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestJWTVerifier_ExpiredToken(t *testing.T) {
	v := newTestVerifier(t)
	token, err := v.Generate(testOperator, -time.Minute)
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestJWTVerifier_MissingClaims(t *testing.T) {
	v := newTestVerifier(t)

	sign := func(claims jwt.MapClaims) string {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
		require.NoError(t, err)
		return tok
	}
	exp := time.Now().Add(time.Hour).Unix()

	_, err := v.Verify(sign(jwt.MapClaims{"role": string(RoleSuperAdmin), "exp": exp}))
	assert.ErrorIs(t, err, ErrMissingClaim)

	_, err = v.Verify(sign(jwt.MapClaims{"sub": "agent-1", "exp": exp}))
	assert.ErrorIs(t, err, ErrMissingClaim)

	_, err = v.Verify(sign(jwt.MapClaims{"sub": "agent-1", "role": "Intern", "exp": exp}))
	assert.ErrorIs(t, err, ErrMissingClaim)
}

func TestJWTVerifier_RejectsOtherAlgorithms(t *testing.T) {
	v := newTestVerifier(t)
	tok, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub":  "agent-1",
		"role": string(RoleSuperAdmin),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = v.Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestGenerate_Validation(t *testing.T) {
	v := newTestVerifier(t)

	_, err := v.Generate(Operator{Role: RoleSuperAdmin}, time.Hour)
	assert.ErrorIs(t, err, ErrMissingClaim)

	_, err = v.Generate(Operator{ID: "a", Role: "Intern"}, time.Hour)
	assert.Error(t, err)
}

func TestRolePermissions(t *testing.T) {
	tests := []struct {
		role      Role
		view      bool
		intervene bool
		manage    bool
	}{
		{RoleSuperAdmin, true, true, true},
		{RoleChatbotManager, true, true, true},
		{RoleSupportAgent, true, true, false},
		{RoleAnalyst, true, false, false},
		{RoleKnowledgeManager, false, false, false},
		{"", false, false, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.role), func(t *testing.T) {
			assert.Equal(t, tt.view, tt.role.CanViewChats())
			assert.Equal(t, tt.intervene, tt.role.CanIntervene())
			assert.Equal(t, tt.manage, tt.role.CanManageChatbots())
		})
	}
}
