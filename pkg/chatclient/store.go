// Package chatclient is the client side of the broker: a reconciliation
// store that merges optimistic, realtime and history-loaded messages into one
// ordered view per channel, a typing/presence aggregator, and transports for
// the websocket and REST endpoints.
//
// Optimistic entries are matched to their confirmed counterpart only by the
// correlation id the broker echoes back; there is no author/body/time
// heuristic.
package chatclient

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"chat-broker/pkg/models"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// MessageView is one visible entry of a channel. Pending entries have no
// server id yet.
type MessageView struct {
	CorrelationID string
	Status        Status
	Message       models.Message
	Error         string

	seq   uint64
	timer *time.Timer
}

// Sender emits the realtime send intent.
type Sender interface {
	SendMessage(ctx context.Context, channelID, body, correlationID string) error
}

// HistoryFetcher loads one page of persisted history, oldest first.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, channelID, cursor string, limit int) (*models.HistoryPage, error)
}

type PageParams struct {
	Cursor string
	Limit  int
}

var (
	ErrUnknownCorrelation = errors.New("unknown correlation id")
	ErrNotFailed          = errors.New("message is not in failed state")
)

const DefaultConfirmTimeout = 10 * time.Second

type channelView struct {
	entries    []*MessageView
	byID       map[int64]*MessageView
	nextCursor string
	exhausted  bool
}

type Store struct {
	userID         string
	sender         Sender
	history        HistoryFetcher
	confirmTimeout time.Duration
	now            func() time.Time
	newID          func() string

	mu            sync.Mutex
	channels      map[string]*channelView
	byCorrelation map[string]*MessageView
	seq           uint64
	listeners     []func(channelID string)
}

type StoreOption func(*Store)

func WithConfirmTimeout(d time.Duration) StoreOption {
	return func(s *Store) { s.confirmTimeout = d }
}

func NewStore(userID string, sender Sender, history HistoryFetcher, opts ...StoreOption) *Store {
	s := &Store{
		userID:         userID,
		sender:         sender,
		history:        history,
		confirmTimeout: DefaultConfirmTimeout,
		now:            time.Now,
		newID:          uuid.NewString,
		channels:       make(map[string]*channelView),
		byCorrelation:  make(map[string]*MessageView),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnChange registers fn to be called after a channel's view changed. fn runs
// outside the store lock.
func (s *Store) OnChange(fn func(channelID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Store) notify(channelID string) {
	s.mu.Lock()
	listeners := append([]func(string){}, s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(channelID)
	}
}

func (s *Store) channel(channelID string) *channelView {
	cv, ok := s.channels[channelID]
	if !ok {
		cv = &channelView{byID: make(map[int64]*MessageView)}
		s.channels[channelID] = cv
	}
	return cv
}

// SendOptimistic shows the message as pending right away and emits the send
// in the background. The returned correlation id identifies the entry.
func (s *Store) SendOptimistic(channelID, body string) string {
	correlationID := s.newID()

	s.mu.Lock()
	s.seq++
	v := &MessageView{
		CorrelationID: correlationID,
		Status:        StatusPending,
		Message: models.Message{
			ChannelID: channelID,
			AuthorID:  s.userID,
			Body:      body,
			ClientID:  correlationID,
			CreatedAt: s.now(),
		},
		seq: s.seq,
	}
	cv := s.channel(channelID)
	cv.entries = append(cv.entries, v)
	s.byCorrelation[correlationID] = v
	s.armTimer(v)
	s.mu.Unlock()

	s.notify(channelID)
	go s.emit(channelID, body, correlationID)
	return correlationID
}

// Retry re-sends a failed message under its original correlation id, so the
// broker's idempotent append cannot store it twice.
func (s *Store) Retry(correlationID string) error {
	s.mu.Lock()
	v, ok := s.byCorrelation[correlationID]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownCorrelation
	}
	if v.Status != StatusFailed {
		s.mu.Unlock()
		return ErrNotFailed
	}
	v.Status = StatusPending
	v.Error = ""
	s.armTimer(v)
	channelID, body := v.Message.ChannelID, v.Message.Body
	s.mu.Unlock()

	s.notify(channelID)
	go s.emit(channelID, body, correlationID)
	return nil
}

func (s *Store) emit(channelID, body, correlationID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.confirmTimeout)
	defer cancel()
	if err := s.sender.SendMessage(ctx, channelID, body, correlationID); err != nil {
		s.OnBrokerError(correlationID, err.Error())
	}
}

// armTimer fails v if no confirmation arrives in time. Caller holds s.mu.
func (s *Store) armTimer(v *MessageView) {
	if v.timer != nil {
		v.timer.Stop()
	}
	correlationID := v.CorrelationID
	v.timer = time.AfterFunc(s.confirmTimeout, func() {
		s.OnBrokerError(correlationID, "timed out waiting for confirmation")
	})
}

// OnConfirmed merges a server-confirmed message. A pending or failed entry
// with the same correlation id is replaced in place; anything else becomes a
// new confirmed entry unless the id is already shown.
func (s *Store) OnConfirmed(msg *models.Message, correlationID string) {
	if msg == nil {
		return
	}
	if correlationID == "" {
		correlationID = msg.ClientID
	}

	s.mu.Lock()
	changed := s.confirmLocked(msg, correlationID)
	s.mu.Unlock()

	if changed {
		s.notify(msg.ChannelID)
	}
}

func (s *Store) confirmLocked(msg *models.Message, correlationID string) bool {
	cv := s.channel(msg.ChannelID)
	if _, ok := cv.byID[msg.ID]; ok {
		return false
	}

	if correlationID != "" && msg.AuthorID == s.userID {
		if v, ok := s.byCorrelation[correlationID]; ok && v.Status != StatusConfirmed {
			if v.timer != nil {
				v.timer.Stop()
				v.timer = nil
			}
			v.Message = *msg
			v.Status = StatusConfirmed
			v.Error = ""
			cv.byID[msg.ID] = v
			sortEntries(cv.entries)
			return true
		}
	}

	s.seq++
	v := &MessageView{
		CorrelationID: msg.ClientID,
		Status:        StatusConfirmed,
		Message:       *msg,
		seq:           s.seq,
	}
	cv.entries = append(cv.entries, v)
	cv.byID[msg.ID] = v
	sortEntries(cv.entries)
	return true
}

// OnBrokerError marks the pending entry failed. Confirmed entries are never
// downgraded and failed entries are kept for retry.
func (s *Store) OnBrokerError(correlationID, reason string) {
	s.mu.Lock()
	v, ok := s.byCorrelation[correlationID]
	if !ok || v.Status != StatusPending {
		s.mu.Unlock()
		return
	}
	if v.timer != nil {
		v.timer.Stop()
		v.timer = nil
	}
	v.Status = StatusFailed
	v.Error = reason
	channelID := v.Message.ChannelID
	s.mu.Unlock()

	s.notify(channelID)
}

// FailPending marks every pending entry failed, e.g. after the connection dropped.
func (s *Store) FailPending(reason string) {
	s.mu.Lock()
	var ids []string
	for id, v := range s.byCorrelation {
		if v.Status == StatusPending {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.OnBrokerError(id, reason)
	}
}

// LoadHistory fetches one page and merges it. Pending entries stay where they are.
func (s *Store) LoadHistory(ctx context.Context, channelID string, params PageParams) error {
	page, err := s.history.FetchHistory(ctx, channelID, params.Cursor, params.Limit)
	if err != nil {
		return fmt.Errorf("failed to load history of %s: %w", channelID, err)
	}

	s.mu.Lock()
	for _, msg := range page.Messages {
		s.confirmLocked(msg, msg.ClientID)
	}
	cv := s.channel(channelID)
	cv.nextCursor = page.NextCursor
	cv.exhausted = page.NextCursor == ""
	s.mu.Unlock()

	s.notify(channelID)
	return nil
}

// LoadOlder fetches the page before the oldest one loaded so far. It reports
// false once the beginning of the channel was reached.
func (s *Store) LoadOlder(ctx context.Context, channelID string) (bool, error) {
	s.mu.Lock()
	cv := s.channel(channelID)
	cursor, exhausted, loaded := cv.nextCursor, cv.exhausted, len(cv.byID) > 0
	s.mu.Unlock()

	if exhausted {
		return false, nil
	}
	if cursor == "" && loaded {
		// realtime messages only so far; page from the oldest one we hold
		cursor = s.oldestCursor(channelID)
	}
	if err := s.LoadHistory(ctx, channelID, PageParams{Cursor: cursor}); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.channels[channelID].exhausted, nil
}

func (s *Store) oldestCursor(channelID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var oldest int64
	for id := range s.channels[channelID].byID {
		if oldest == 0 || id < oldest {
			oldest = id
		}
	}
	if oldest == 0 {
		return ""
	}
	return strconv.FormatInt(oldest, 10)
}

// Messages returns a copy of the channel's visible sequence.
func (s *Store) Messages(channelID string) []MessageView {
	s.mu.Lock()
	defer s.mu.Unlock()
	cv, ok := s.channels[channelID]
	if !ok {
		return nil
	}
	out := make([]MessageView, len(cv.entries))
	for i, v := range cv.entries {
		out[i] = MessageView{
			CorrelationID: v.CorrelationID,
			Status:        v.Status,
			Message:       v.Message,
			Error:         v.Error,
		}
	}
	return out
}

// sortEntries orders confirmed entries by (createdAt, id) and keeps pending
// and failed ones after them in the order they were created.
func sortEntries(entries []*MessageView) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		ac, bc := a.Status == StatusConfirmed, b.Status == StatusConfirmed
		switch {
		case ac && bc:
			return a.Message.Before(&b.Message)
		case ac != bc:
			return ac
		default:
			return a.seq < b.seq
		}
	})
}
