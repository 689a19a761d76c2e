package database

import (
	"context"
	"errors"
	"time"

	"chat-broker/pkg/models"
)

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("not found")

type UserRepository interface {
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUserByID(ctx context.Context, id string) (*models.User, error)
}

// ChannelRepository is the read side of the channel/membership CRUD layer.
type ChannelRepository interface {
	GetChannel(ctx context.Context, id string) (*models.Channel, error)
	ListMemberships(ctx context.Context, userID string) ([]models.Membership, error)
	// GetRole returns ErrNotFound when userID is not a member of channelID.
	GetRole(ctx context.Context, channelID, userID string) (models.Role, error)
	TouchChannel(ctx context.Context, channelID string, at time.Time) error
}

type MessageRepository interface {
	// AppendMessage stores in. When a message with the same (channel, author,
	// client id) already exists it is returned unchanged with duplicate=true.
	AppendMessage(ctx context.Context, in models.AppendInput) (msg *models.Message, duplicate bool, err error)
	// ListMessages returns up to limit messages of channelID with id < before
	// (before == 0 means newest), oldest first.
	ListMessages(ctx context.Context, channelID string, before int64, limit int) ([]*models.Message, error)
}

type Database interface {
	UserRepository
	ChannelRepository
	MessageRepository
	Close() error
}

func reverse(messages []*models.Message) {
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
}
