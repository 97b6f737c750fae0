package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims is the only token shape this service accepts. The user id travels as the
// registered subject; role is only present on access tokens.
// Signaling identity comes from here and never from message payloads.
type Claims struct {
	jwt.RegisteredClaims

	Role      string    `json:"role,omitempty"`
	TokenType TokenType `json:"typ"`
}

func (c Claims) UserID() string { return c.Subject }
