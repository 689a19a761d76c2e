package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"chat-broker/internal/database"
	"chat-broker/pkg/models"
)

var (
	ErrForbidden     = errors.New("forbidden - not a member of this channel")
	ErrInvalidCursor = errors.New("invalid cursor")
)

type MemberChecker interface {
	IsMember(ctx context.Context, channelID, userID string) (bool, error)
}

// HistoryService serves pages of persisted channel history to members.
type HistoryService struct {
	messages    database.MessageRepository
	members     MemberChecker
	pageSize    int
	maxPageSize int
}

func NewHistoryService(messages database.MessageRepository, members MemberChecker, pageSize, maxPageSize int) *HistoryService {
	if pageSize <= 0 {
		pageSize = 50
	}
	if maxPageSize < pageSize {
		maxPageSize = pageSize
	}
	return &HistoryService{
		messages:    messages,
		members:     members,
		pageSize:    pageSize,
		maxPageSize: maxPageSize,
	}
}

// Page returns up to limit messages older than cursor, oldest first. An empty
// cursor starts at the newest message. NextCursor is empty on the last page.
func (s *HistoryService) Page(ctx context.Context, userID, channelID, cursor string, limit int) (*models.HistoryPage, error) {
	isMember, err := s.members.IsMember(ctx, channelID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to check membership: %w", err)
	}
	if !isMember {
		return nil, ErrForbidden
	}

	var before int64
	if cursor != "" {
		before, err = strconv.ParseInt(cursor, 10, 64)
		if err != nil || before <= 0 {
			return nil, ErrInvalidCursor
		}
	}

	limit = s.clamp(limit)

	// one extra row tells whether an older page exists
	messages, err := s.messages.ListMessages(ctx, channelID, before, limit+1)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	page := &models.HistoryPage{Messages: messages}
	if len(messages) > limit {
		page.Messages = messages[1:]
		page.NextCursor = strconv.FormatInt(page.Messages[0].ID, 10)
	}
	if page.Messages == nil {
		page.Messages = []*models.Message{}
	}
	return page, nil
}

func (s *HistoryService) clamp(limit int) int {
	if limit <= 0 {
		return s.pageSize
	}
	if limit > s.maxPageSize {
		return s.maxPageSize
	}
	return limit
}
