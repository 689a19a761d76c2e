package chatclient

import (
	"sort"
	"sync"
	"time"

	"chat-broker/pkg/models"
)

const DefaultTypingTTL = 5 * time.Second

// Aggregator derives "who is typing" and "who is online" from the event
// stream. Presence here trails the server registry by however long events
// take to arrive; it is meant for display only.
type Aggregator struct {
	ttl time.Duration
	now func() time.Time

	mu     sync.Mutex
	typing map[string]map[string]time.Time // channelID -> userID -> expiresAt
	online map[string]bool
}

func NewAggregator(ttl time.Duration) *Aggregator {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	return &Aggregator{
		ttl:    ttl,
		now:    time.Now,
		typing: make(map[string]map[string]time.Time),
		online: make(map[string]bool),
	}
}

// Apply folds one server frame into the derived state. Frames it does not
// care about are ignored.
func (a *Aggregator) Apply(env models.Envelope) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch env.Type {
	case models.MessageTypeTypingStart:
		// expiry runs on the local clock so server skew cannot pin an indicator
		users, ok := a.typing[env.ChannelID]
		if !ok {
			users = make(map[string]time.Time)
			a.typing[env.ChannelID] = users
		}
		users[env.UserID] = a.now().Add(a.ttl)
		a.prune(env.ChannelID)

	case models.MessageTypeTypingStop:
		delete(a.typing[env.ChannelID], env.UserID)

	case models.MessageTypeNew:
		if env.Message != nil {
			delete(a.typing[env.Message.ChannelID], env.Message.AuthorID)
		}

	case models.MessageTypePresenceOnline:
		a.online[env.UserID] = true

	case models.MessageTypePresenceOffline:
		delete(a.online, env.UserID)

	case models.MessageTypePresenceSync:
		a.online = make(map[string]bool, len(env.UserIDs))
		for _, id := range env.UserIDs {
			a.online[id] = true
		}
	}
}

// prune drops expired indicators of one channel. Caller holds a.mu.
func (a *Aggregator) prune(channelID string) {
	now := a.now()
	for userID, expiresAt := range a.typing[channelID] {
		if !now.Before(expiresAt) {
			delete(a.typing[channelID], userID)
		}
	}
}

// TypingUsers lists users typing in channelID. Expired entries are filtered
// on read whether or not they were pruned.
func (a *Aggregator) TypingUsers(channelID string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	var users []string
	for userID, expiresAt := range a.typing[channelID] {
		if now.Before(expiresAt) {
			users = append(users, userID)
		}
	}
	sort.Strings(users)
	return users
}

func (a *Aggregator) IsTyping(channelID, userID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	expiresAt, ok := a.typing[channelID][userID]
	return ok && a.now().Before(expiresAt)
}

func (a *Aggregator) IsUserOnline(userID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.online[userID]
}

func (a *Aggregator) OnlineUsers() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	users := make([]string, 0, len(a.online))
	for id := range a.online {
		users = append(users, id)
	}
	sort.Strings(users)
	return users
}
