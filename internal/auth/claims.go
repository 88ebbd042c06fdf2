package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims are the only supported JWT claims shape for this service.
// Display name and avatar travel in the access token so a call offer can be
// addressed without a profile lookup; refresh tokens carry the user ID only.
type Claims struct {
	jwt.RegisteredClaims

	UserID      string    `json:"user_id"`
	DisplayName string    `json:"name,omitempty"`
	AvatarURL   string    `json:"avatar,omitempty"`
	Role        string    `json:"role"`
	TokenType   TokenType `json:"token_type"`
}

// Identity is the authenticated caller as seen by handlers.
type Identity struct {
	UserID      string
	DisplayName string
	AvatarURL   string
	Role        string
}

func (c Claims) Identity() Identity {
	return Identity{UserID: c.UserID, DisplayName: c.DisplayName, AvatarURL: c.AvatarURL, Role: c.Role}
}
