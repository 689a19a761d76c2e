package database

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"chat-broker/pkg/models"
)

// MemoryDB keeps everything in process memory. It backs STORE_BACKEND=memory
// and the tests of the packages above this one.
type MemoryDB struct {
	mu          sync.RWMutex
	users       map[string]*models.User
	channels    map[string]*models.Channel
	memberships map[string]map[string]models.Membership // channelID -> userID -> membership
	messages    map[string][]*models.Message            // channelID -> ascending by id
	clientIDs   map[string]*models.Message              // dedupe key -> message
}

func NewMemoryDB() *MemoryDB {
	return &MemoryDB{
		users:       make(map[string]*models.User),
		channels:    make(map[string]*models.Channel),
		memberships: make(map[string]map[string]models.Membership),
		messages:    make(map[string][]*models.Message),
		clientIDs:   make(map[string]*models.Message),
	}
}

func (db *MemoryDB) Close() error { return nil }

func (db *MemoryDB) AddUser(u models.User) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	db.users[u.ID] = &u
}

func (db *MemoryDB) AddChannel(ch models.Channel) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = time.Now()
	}
	db.channels[ch.ID] = &ch
}

func (db *MemoryDB) AddMember(channelID, userID string, role models.Role) {
	db.mu.Lock()
	defer db.mu.Unlock()
	members, ok := db.memberships[channelID]
	if !ok {
		members = make(map[string]models.Membership)
		db.memberships[channelID] = members
	}
	members[userID] = models.Membership{ChannelID: channelID, UserID: userID, Role: role, JoinedAt: time.Now()}
}

func (db *MemoryDB) RemoveMember(channelID, userID string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.memberships[channelID], userID)
}

func (db *MemoryDB) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	for _, u := range db.users {
		if strings.EqualFold(u.Email, email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (db *MemoryDB) GetUserByID(_ context.Context, id string) (*models.User, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	u, ok := db.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	cp.PasswordHash = ""
	return &cp, nil
}

func (db *MemoryDB) GetChannel(_ context.Context, id string) (*models.Channel, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	ch, ok := db.channels[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ch
	return &cp, nil
}

func (db *MemoryDB) ListMemberships(_ context.Context, userID string) ([]models.Membership, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	var out []models.Membership
	for _, members := range db.memberships {
		if m, ok := members[userID]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (db *MemoryDB) GetRole(_ context.Context, channelID, userID string) (models.Role, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	m, ok := db.memberships[channelID][userID]
	if !ok {
		return "", ErrNotFound
	}
	return m.Role, nil
}

func (db *MemoryDB) TouchChannel(_ context.Context, channelID string, at time.Time) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	ch, ok := db.channels[channelID]
	if !ok {
		return ErrNotFound
	}
	if at.After(ch.LastActivityAt) {
		ch.LastActivityAt = at
	}
	return nil
}

func dedupeKey(channelID, authorID, clientID string) string {
	return channelID + "\x00" + authorID + "\x00" + clientID
}

func (db *MemoryDB) AppendMessage(_ context.Context, in models.AppendInput) (*models.Message, bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if in.ClientID != "" {
		if existing, ok := db.clientIDs[dedupeKey(in.ChannelID, in.AuthorID, in.ClientID)]; ok {
			cp := *existing
			return &cp, true, nil
		}
	}

	msg := in.Message()
	list := db.messages[in.ChannelID]
	i := sort.Search(len(list), func(i int) bool { return list[i].ID > msg.ID })
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = msg
	db.messages[in.ChannelID] = list

	if in.ClientID != "" {
		db.clientIDs[dedupeKey(in.ChannelID, in.AuthorID, in.ClientID)] = msg
	}

	cp := *msg
	return &cp, false, nil
}

func (db *MemoryDB) ListMessages(_ context.Context, channelID string, before int64, limit int) ([]*models.Message, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	list := db.messages[channelID]
	end := len(list)
	if before > 0 {
		end = sort.Search(len(list), func(i int) bool { return list[i].ID >= before })
	}
	start := end - limit
	if start < 0 {
		start = 0
	}

	out := make([]*models.Message, 0, end-start)
	for _, m := range list[start:end] {
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

// ChannelLastActivity is a test helper.
func (db *MemoryDB) ChannelLastActivity(channelID string) time.Time {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if ch, ok := db.channels[channelID]; ok {
		return ch.LastActivityAt
	}
	return time.Time{}
}

// MessageCount is a test helper.
func (db *MemoryDB) MessageCount(channelID string) int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.messages[channelID])
}
