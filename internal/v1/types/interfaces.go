package types

import (
	"github.com/annolab/collab-server/internal/v1/auth"
)

// TokenValidator defines the interface for bearer token authentication.
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.Claims, error)
}

// ClientInterface defines the behavior required from a connected session.
// It lets the room, presence and notification layers reach clients without
// depending on the transport package.
type ClientInterface interface {
	GetSessionID() SessionIDType
	GetUserID() UserIDType
	GetDisplayName() string
	GetRole() RoleType
	GetUser() User
	Send(event string, payload any)
	SendError(code, message string, context map[string]any)
	Disconnect()
}
