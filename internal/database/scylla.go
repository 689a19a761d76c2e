package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chat-broker/internal/snowflake"
	"chat-broker/pkg/logger"
	"chat-broker/pkg/models"

	"github.com/gocql/gocql"
)

var scyllaSchema = []string{
	`CREATE TABLE IF NOT EXISTS messages (
		channel_id  text,
		id          bigint,
		author_id   text,
		body        text,
		attachments list<text>,
		client_id   text,
		created_at  timestamp,
		PRIMARY KEY (channel_id, id)
	) WITH CLUSTERING ORDER BY (id DESC)`,
	`CREATE TABLE IF NOT EXISTS message_dedupe (
		channel_id text,
		author_id  text,
		client_id  text,
		message_id bigint,
		PRIMARY KEY ((channel_id, author_id), client_id)
	)`,
}

// ScyllaMessageStore keeps messages partitioned by channel, newest first.
// Channels, memberships and users stay with the relational CRUD layer.
type ScyllaMessageStore struct {
	session *gocql.Session
}

func NewScyllaMessageStore(hosts []string, keyspace string) (*ScyllaMessageStore, error) {
	cluster := gocql.NewCluster(hosts...)
	cluster.Keyspace = keyspace
	cluster.Consistency = gocql.Quorum
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = 5 * time.Second
	cluster.ConnectTimeout = 5 * time.Second
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		NumRetries: 3,
		Min:        100 * time.Millisecond,
		Max:        1 * time.Second,
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to scylla: %w", err)
	}

	logger.Info("Connected to ScyllaDB cluster %v", hosts)
	return &ScyllaMessageStore{session: session}, nil
}

func (s *ScyllaMessageStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range scyllaSchema {
		if err := s.session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("failed to create scylla schema: %w", err)
		}
	}
	return nil
}

func (s *ScyllaMessageStore) Close() error {
	s.session.Close()
	return nil
}

func (s *ScyllaMessageStore) AppendMessage(ctx context.Context, in models.AppendInput) (*models.Message, bool, error) {
	if in.ClientID != "" {
		existing := map[string]interface{}{}
		applied, err := s.session.Query(
			`INSERT INTO message_dedupe (channel_id, author_id, client_id, message_id) VALUES (?, ?, ?, ?) IF NOT EXISTS`,
			in.ChannelID, in.AuthorID, in.ClientID, in.ID,
		).WithContext(ctx).MapScanCAS(existing)
		if err != nil {
			return nil, false, fmt.Errorf("failed to reserve idempotency key: %w", err)
		}
		if !applied {
			originalID, _ := existing["message_id"].(int64)
			msg, err := s.getMessage(ctx, in.ChannelID, originalID)
			if err == nil {
				return msg, true, nil
			}
			if !errors.Is(err, ErrNotFound) {
				return nil, false, err
			}
			// key reserved by an attempt whose message write never landed:
			// finish that write under the reserved id
			in = reservedAttempt(in, originalID)
		}
	}

	err := s.session.Query(
		`INSERT INTO messages (channel_id, id, author_id, body, attachments, client_id, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		in.ChannelID, in.ID, in.AuthorID, in.Body, in.Attachments, in.ClientID, in.CreatedAt,
	).WithContext(ctx).Exec()
	if err != nil {
		return nil, false, fmt.Errorf("failed to save message: %w", err)
	}
	return in.Message(), false, nil
}

// reservedAttempt rewrites in to the id reserved by an earlier attempt. The
// timestamp is derived from that id so both writes produce the same row.
func reservedAttempt(in models.AppendInput, reservedID int64) models.AppendInput {
	in.ID = reservedID
	in.CreatedAt = snowflake.Time(reservedID)
	return in
}

func (s *ScyllaMessageStore) getMessage(ctx context.Context, channelID string, id int64) (*models.Message, error) {
	msg := &models.Message{}
	err := s.session.Query(
		`SELECT channel_id, id, author_id, body, attachments, client_id, created_at FROM messages WHERE channel_id = ? AND id = ?`,
		channelID, id,
	).WithContext(ctx).Scan(&msg.ChannelID, &msg.ID, &msg.AuthorID, &msg.Body, &msg.Attachments, &msg.ClientID, &msg.CreatedAt)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *ScyllaMessageStore) ListMessages(ctx context.Context, channelID string, before int64, limit int) ([]*models.Message, error) {
	var q *gocql.Query
	if before > 0 {
		q = s.session.Query(
			`SELECT channel_id, id, author_id, body, attachments, client_id, created_at FROM messages WHERE channel_id = ? AND id < ? LIMIT ?`,
			channelID, before, limit)
	} else {
		q = s.session.Query(
			`SELECT channel_id, id, author_id, body, attachments, client_id, created_at FROM messages WHERE channel_id = ? LIMIT ?`,
			channelID, limit)
	}

	iter := q.WithContext(ctx).Iter()
	var messages []*models.Message
	for {
		msg := &models.Message{}
		if !iter.Scan(&msg.ChannelID, &msg.ID, &msg.AuthorID, &msg.Body, &msg.Attachments, &msg.ClientID, &msg.CreatedAt) {
			break
		}
		messages = append(messages, msg)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}

	// clustering order is newest first
	reverse(messages)
	return messages, nil
}

// HybridDB serves users, channels and memberships from Postgres and messages
// from Scylla. It backs STORE_BACKEND=scylla.
type HybridDB struct {
	*PostgresDB
	messages *ScyllaMessageStore
}

func NewHybridDB(pg *PostgresDB, messages *ScyllaMessageStore) *HybridDB {
	return &HybridDB{PostgresDB: pg, messages: messages}
}

func (db *HybridDB) AppendMessage(ctx context.Context, in models.AppendInput) (*models.Message, bool, error) {
	return db.messages.AppendMessage(ctx, in)
}

func (db *HybridDB) ListMessages(ctx context.Context, channelID string, before int64, limit int) ([]*models.Message, error) {
	return db.messages.ListMessages(ctx, channelID, before, limit)
}

func (db *HybridDB) Close() error {
	return errors.Join(db.messages.Close(), db.PostgresDB.Close())
}
