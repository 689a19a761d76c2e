package models

import "time"

type ChannelKind string

const (
	ChannelDirect    ChannelKind = "direct"
	ChannelGroup     ChannelKind = "group"
	ChannelBroadcast ChannelKind = "broadcast-channel"
)

type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

// Identity is asserted by the auth collaborator and never changes for the
// lifetime of a connection.
type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

type Channel struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	Kind           ChannelKind `json:"kind"`
	IsPrivate      bool        `json:"is_private"`
	CreatedAt      time.Time   `json:"created_at"`
	LastActivityAt time.Time   `json:"last_activity_at"`
}

type Membership struct {
	ChannelID string    `json:"channel_id"`
	UserID    string    `json:"user_id"`
	Role      Role      `json:"role"`
	JoinedAt  time.Time `json:"joined_at"`
}

type User struct {
	ID           string    `json:"id"`
	DisplayName  string    `json:"display_name"`
	Email        string    `json:"email"`
	AvatarURL    string    `json:"avatar_url,omitempty"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

func (u *User) Identity() Identity {
	return Identity{UserID: u.ID, DisplayName: u.DisplayName, AvatarURL: u.AvatarURL}
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token string   `json:"token"`
	User  Identity `json:"user"`
}
