package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims are the only supported JWT claims shape for this service.
// AgentID links the user to the dialer agent they act as; it is required
// for the agent role and optional for supervisors.
type Claims struct {
	jwt.RegisteredClaims

	UserID    string    `json:"user_id"`
	AgentID   string    `json:"agent_id,omitempty"`
	Role      string    `json:"role"`
	TokenType TokenType `json:"token_type"`
}
