// Package bus connects the broker to the rest of the deployment: membership
// change notifications and the presence mirror over Redis, and the message
// event stream over Kafka.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"chat-broker/internal/presence"
	"chat-broker/pkg/logger"

	"github.com/redis/go-redis/v9"
)

func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Info("Connected to Redis at %s", addr)
	return rdb, nil
}

// MembershipChange is published by the channel CRUD layer whenever members
// are added or removed. A bare channel id is accepted as well.
type MembershipChange struct {
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id,omitempty"`
}

type Invalidator interface {
	Invalidate(channelID string)
	InvalidateUser(userID string)
}

// MembershipSubscriber turns membership change notifications into cache
// invalidations.
type MembershipSubscriber struct {
	rdb     *redis.Client
	channel string
	target  Invalidator
}

func NewMembershipSubscriber(rdb *redis.Client, channel string, target Invalidator) *MembershipSubscriber {
	return &MembershipSubscriber{rdb: rdb, channel: channel, target: target}
}

// Run blocks until ctx is done or the subscription breaks.
func (s *MembershipSubscriber) Run(ctx context.Context) error {
	pubsub := s.rdb.Subscribe(ctx, s.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.channel, err)
	}
	logger.Info("Listening for membership changes on %s", s.channel)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			s.handle(msg.Payload)
		}
	}
}

func (s *MembershipSubscriber) handle(payload string) {
	change, err := ParseMembershipChange(payload)
	if err != nil {
		logger.Warn("Ignoring membership notification %q: %v", payload, err)
		return
	}
	s.target.Invalidate(change.ChannelID)
	if change.UserID != "" {
		s.target.InvalidateUser(change.UserID)
	}
	logger.Debug("Invalidated membership of channel %s", change.ChannelID)
}

func ParseMembershipChange(payload string) (MembershipChange, error) {
	payload = strings.TrimSpace(payload)
	var change MembershipChange
	if strings.HasPrefix(payload, "{") {
		if err := json.Unmarshal([]byte(payload), &change); err != nil {
			return change, err
		}
	} else {
		change.ChannelID = payload
	}
	if change.ChannelID == "" {
		return change, fmt.Errorf("missing channel id")
	}
	return change, nil
}

func PublishMembershipChange(ctx context.Context, rdb *redis.Client, channel string, change MembershipChange) error {
	data, err := json.Marshal(change)
	if err != nil {
		return err
	}
	return rdb.Publish(ctx, channel, data).Err()
}

// ClusterInvalidator applies an invalidation locally and forwards it to the
// other nodes over the membership channel.
type ClusterInvalidator struct {
	local   Invalidator
	rdb     *redis.Client
	channel string
}

func NewClusterInvalidator(local Invalidator, rdb *redis.Client, channel string) *ClusterInvalidator {
	return &ClusterInvalidator{local: local, rdb: rdb, channel: channel}
}

func (c *ClusterInvalidator) Invalidate(channelID string) {
	c.local.Invalidate(channelID)
	c.forward(MembershipChange{ChannelID: channelID})
}

func (c *ClusterInvalidator) forward(change MembershipChange) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := PublishMembershipChange(ctx, c.rdb, c.channel, change); err != nil {
		logger.Warn("Failed to forward invalidation of %s: %v", change.ChannelID, err)
	}
}

// PresenceMirror keeps a Redis set of the users online on this node so other
// services can read presence without talking to the broker.
type PresenceMirror struct {
	rdb *redis.Client
	key string
}

func NewPresenceMirror(rdb *redis.Client, prefix string, nodeID int64) *PresenceMirror {
	return &PresenceMirror{rdb: rdb, key: PresenceKey(prefix, nodeID)}
}

func PresenceKey(prefix string, nodeID int64) string {
	return fmt.Sprintf("%s:node:%d", prefix, nodeID)
}

// Reset clears the node's set; presence starts from zero on every boot.
func (m *PresenceMirror) Reset(ctx context.Context) error {
	return m.rdb.Del(ctx, m.key).Err()
}

func (m *PresenceMirror) PresenceChanged(ctx context.Context, ev presence.Event) error {
	if ev.Online {
		return m.rdb.SAdd(ctx, m.key, ev.UserID).Err()
	}
	return m.rdb.SRem(ctx, m.key, ev.UserID).Err()
}
