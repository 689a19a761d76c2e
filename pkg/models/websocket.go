package models

import "time"

type MessageType string

const (
	// inbound
	MessageTypeSend        MessageType = "send"
	MessageTypeJoin        MessageType = "join"
	MessageTypeLeave       MessageType = "leave"
	MessageTypeTypingStart MessageType = "typing:start"
	MessageTypeTypingStop  MessageType = "typing:stop"

	// outbound
	MessageTypeNew             MessageType = "message:new"
	MessageTypeAck             MessageType = "ack"
	MessageTypeJoined          MessageType = "joined"
	MessageTypeLeft            MessageType = "left"
	MessageTypeError           MessageType = "error"
	MessageTypePresenceOnline  MessageType = "presence:online"
	MessageTypePresenceOffline MessageType = "presence:offline"
	MessageTypePresenceSync    MessageType = "presence:sync"
)

// Envelope is the single JSON frame shape used in both directions.
type Envelope struct {
	Type          MessageType `json:"type"`
	ChannelID     string      `json:"channel_id,omitempty"`
	ChannelIDs    []string    `json:"channel_ids,omitempty"`
	UserID        string      `json:"user_id,omitempty"`
	UserIDs       []string    `json:"user_ids,omitempty"`
	Body          string      `json:"body,omitempty"`
	Attachments   []string    `json:"attachments,omitempty"`
	CorrelationID string      `json:"correlation_id,omitempty"`
	Message       *Message    `json:"message,omitempty"`
	Code          string      `json:"code,omitempty"`
	Reason        string      `json:"reason,omitempty"`
	ExpiresAt     *time.Time  `json:"expires_at,omitempty"`
	Timestamp     time.Time   `json:"timestamp,omitzero"`
}
