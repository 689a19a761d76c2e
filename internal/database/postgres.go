package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chat-broker/pkg/logger"
	"chat-broker/pkg/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	display_name  TEXT NOT NULL,
	email         TEXT UNIQUE NOT NULL,
	avatar_url    TEXT NOT NULL DEFAULT '',
	password_hash TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS channels (
	id               TEXT PRIMARY KEY,
	name             TEXT NOT NULL,
	kind             TEXT NOT NULL,
	is_private       BOOLEAN NOT NULL DEFAULT FALSE,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	last_activity_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS memberships (
	channel_id TEXT NOT NULL REFERENCES channels(id),
	user_id    TEXT NOT NULL REFERENCES users(id),
	role       TEXT NOT NULL DEFAULT 'member',
	joined_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (channel_id, user_id)
);
CREATE INDEX IF NOT EXISTS idx_memberships_user ON memberships(user_id);

CREATE TABLE IF NOT EXISTS messages (
	id          BIGINT PRIMARY KEY,
	channel_id  TEXT NOT NULL REFERENCES channels(id),
	author_id   TEXT NOT NULL,
	body        TEXT NOT NULL,
	attachments TEXT[] NOT NULL DEFAULT '{}',
	client_id   TEXT,
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel_id, id DESC);
CREATE UNIQUE INDEX IF NOT EXISTS ux_messages_client ON messages(channel_id, author_id, client_id);
`

type PostgresDB struct {
	pool *pgxpool.Pool
}

func NewPostgresDB(ctx context.Context, databaseURL string) (*PostgresDB, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Connected to database successfully")
	return &PostgresDB{pool: pool}, nil
}

// EnsureSchema creates the tables this service reads and writes if missing.
func (db *PostgresDB) EnsureSchema(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (db *PostgresDB) Close() error {
	db.pool.Close()
	return nil
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// User Repository Implementation
func (db *PostgresDB) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `SELECT id, display_name, email, avatar_url, password_hash, created_at FROM users WHERE email = $1`

	user := &models.User{}
	err := db.pool.QueryRow(ctx, query, email).Scan(
		&user.ID, &user.DisplayName, &user.Email, &user.AvatarURL, &user.PasswordHash, &user.CreatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}

	return user, nil
}

func (db *PostgresDB) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	query := `SELECT id, display_name, email, avatar_url, created_at FROM users WHERE id = $1`

	user := &models.User{}
	err := db.pool.QueryRow(ctx, query, id).Scan(
		&user.ID, &user.DisplayName, &user.Email, &user.AvatarURL, &user.CreatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}

	return user, nil
}

// Channel Repository Implementation
func (db *PostgresDB) GetChannel(ctx context.Context, id string) (*models.Channel, error) {
	query := `SELECT id, name, kind, is_private, created_at, last_activity_at FROM channels WHERE id = $1`

	ch := &models.Channel{}
	err := db.pool.QueryRow(ctx, query, id).Scan(
		&ch.ID, &ch.Name, &ch.Kind, &ch.IsPrivate, &ch.CreatedAt, &ch.LastActivityAt,
	)
	if err != nil {
		return nil, notFound(err)
	}

	return ch, nil
}

func (db *PostgresDB) ListMemberships(ctx context.Context, userID string) ([]models.Membership, error) {
	query := `SELECT channel_id, user_id, role, joined_at FROM memberships WHERE user_id = $1`

	rows, err := db.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var memberships []models.Membership
	for rows.Next() {
		var m models.Membership
		if err := rows.Scan(&m.ChannelID, &m.UserID, &m.Role, &m.JoinedAt); err != nil {
			return nil, err
		}
		memberships = append(memberships, m)
	}

	return memberships, rows.Err()
}

func (db *PostgresDB) GetRole(ctx context.Context, channelID, userID string) (models.Role, error) {
	query := `SELECT role FROM memberships WHERE channel_id = $1 AND user_id = $2`

	var role models.Role
	if err := db.pool.QueryRow(ctx, query, channelID, userID).Scan(&role); err != nil {
		return "", notFound(err)
	}
	return role, nil
}

func (db *PostgresDB) TouchChannel(ctx context.Context, channelID string, at time.Time) error {
	query := `UPDATE channels SET last_activity_at = GREATEST(last_activity_at, $2) WHERE id = $1`
	_, err := db.pool.Exec(ctx, query, channelID, at)
	return err
}

// Message Repository Implementation
func (db *PostgresDB) AppendMessage(ctx context.Context, in models.AppendInput) (*models.Message, bool, error) {
	attachments := in.Attachments
	if attachments == nil {
		attachments = []string{}
	}

	query := `
		INSERT INTO messages (id, channel_id, author_id, body, attachments, client_id, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)
		ON CONFLICT (channel_id, author_id, client_id) DO NOTHING
		RETURNING id`

	var id int64
	err := db.pool.QueryRow(ctx, query,
		in.ID, in.ChannelID, in.AuthorID, in.Body, attachments, in.ClientID, in.CreatedAt,
	).Scan(&id)
	if err == nil {
		return in.Message(), false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to save message: %w", err)
	}

	// conflict on the idempotency key: hand back the original
	existing, err := db.getMessageByClientID(ctx, in.ChannelID, in.AuthorID, in.ClientID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load duplicate message: %w", err)
	}
	return existing, true, nil
}

func (db *PostgresDB) getMessageByClientID(ctx context.Context, channelID, authorID, clientID string) (*models.Message, error) {
	query := `
		SELECT id, channel_id, author_id, body, attachments, COALESCE(client_id, ''), created_at
		FROM messages
		WHERE channel_id = $1 AND author_id = $2 AND client_id = $3`

	msg := &models.Message{}
	err := db.pool.QueryRow(ctx, query, channelID, authorID, clientID).Scan(
		&msg.ID, &msg.ChannelID, &msg.AuthorID, &msg.Body, &msg.Attachments, &msg.ClientID, &msg.CreatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	return msg, nil
}

func (db *PostgresDB) ListMessages(ctx context.Context, channelID string, before int64, limit int) ([]*models.Message, error) {
	query := `
		SELECT id, channel_id, author_id, body, attachments, COALESCE(client_id, ''), created_at
		FROM messages
		WHERE channel_id = $1 AND ($2 = 0 OR id < $2)
		ORDER BY id DESC
		LIMIT $3`

	rows, err := db.pool.Query(ctx, query, channelID, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg := &models.Message{}
		if err := rows.Scan(&msg.ID, &msg.ChannelID, &msg.AuthorID, &msg.Body, &msg.Attachments, &msg.ClientID, &msg.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to show oldest first
	reverse(messages)
	return messages, nil
}
