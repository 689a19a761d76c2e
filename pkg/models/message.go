package models

import "time"

// Message is the canonical persisted message. (ChannelID, ID, CreatedAt) is
// its ordering key and never changes once stored.
type Message struct {
	ID          int64     `json:"id,string"`
	ChannelID   string    `json:"channel_id"`
	AuthorID    string    `json:"author_id"`
	Body        string    `json:"body"`
	Attachments []string  `json:"attachments,omitempty"`
	ClientID    string    `json:"client_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Before reports whether m sorts before other: creation time first, id as tie-break.
func (m *Message) Before(other *Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// AppendInput is what the broker hands to the message store. ID and CreatedAt
// are assigned by the broker; ClientID doubles as the idempotency key.
type AppendInput struct {
	ID          int64
	ChannelID   string
	AuthorID    string
	Body        string
	Attachments []string
	ClientID    string
	CreatedAt   time.Time
}

func (in AppendInput) Message() *Message {
	return &Message{
		ID:          in.ID,
		ChannelID:   in.ChannelID,
		AuthorID:    in.AuthorID,
		Body:        in.Body,
		Attachments: in.Attachments,
		ClientID:    in.ClientID,
		CreatedAt:   in.CreatedAt,
	}
}

// HistoryPage is the REST shape of one page of channel history, oldest first.
type HistoryPage struct {
	Messages   []*Message `json:"messages"`
	NextCursor string     `json:"next_cursor,omitempty"`
}
