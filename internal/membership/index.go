// Package membership caches which channels each user belongs to so the
// broker can authorize sends and joins without a query per message.
//
// Staleness contract: a cached answer is at most TTL old (30s by default).
// Invalidate(channelID) forces the next check touching that channel to
// re-fetch, so changes reported by the CRUD layer are visible immediately.
package membership

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"chat-broker/pkg/models"

	"golang.org/x/sync/singleflight"
)

const DefaultTTL = 30 * time.Second

type Source interface {
	ListMemberships(ctx context.Context, userID string) ([]models.Membership, error)
}

type entry struct {
	roles     map[string]models.Role // channelID -> role
	fetchedAt time.Time
	gen       uint64
}

type invalidation struct {
	gen uint64
	at  time.Time
}

type Index struct {
	source Source
	ttl    time.Duration
	now    func() time.Time

	mu          sync.RWMutex
	users       map[string]*entry
	invalidated map[string]invalidation
	gen         uint64

	group singleflight.Group
}

func NewIndex(source Source, ttl time.Duration) *Index {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Index{
		source:      source,
		ttl:         ttl,
		now:         time.Now,
		users:       make(map[string]*entry),
		invalidated: make(map[string]invalidation),
	}
}

// TTL is the longest a cached membership answer may be served.
func (ix *Index) TTL() time.Duration { return ix.ttl }

// LoadForUser fetches the user's memberships from the source, replaces the
// cached entry and returns the channel ids.
func (ix *Index) LoadForUser(ctx context.Context, userID string) ([]string, error) {
	e, err := ix.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	return channelIDs(e), nil
}

func (ix *Index) load(ctx context.Context, userID string) (*entry, error) {
	ix.mu.RLock()
	gen := ix.gen
	ix.mu.RUnlock()

	// a fetch that started before the latest invalidation must not answer
	// callers that arrive after it, so the generation is part of the key
	key := userID + "@" + strconv.FormatUint(gen, 10)
	v, err, _ := ix.group.Do(key, func() (interface{}, error) {
		memberships, err := ix.source.ListMemberships(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to load memberships for %s: %w", userID, err)
		}

		e := &entry{
			roles:     make(map[string]models.Role, len(memberships)),
			fetchedAt: ix.now(),
			gen:       gen,
		}
		for _, m := range memberships {
			e.roles[m.ChannelID] = m.Role
		}

		ix.mu.Lock()
		if cur, ok := ix.users[userID]; !ok || cur.gen <= e.gen {
			ix.users[userID] = e
		}
		ix.mu.Unlock()
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*entry), nil
}

// fresh returns the cached entry for userID if it may still answer a question
// about channelID ("" means any channel).
func (ix *Index) fresh(userID, channelID string) *entry {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	e, ok := ix.users[userID]
	if !ok {
		return nil
	}
	if ix.now().Sub(e.fetchedAt) >= ix.ttl {
		return nil
	}
	if channelID != "" {
		if inv, ok := ix.invalidated[channelID]; ok && inv.gen > e.gen {
			return nil
		}
	}
	return e
}

func (ix *Index) entryFor(ctx context.Context, userID, channelID string) (*entry, error) {
	if e := ix.fresh(userID, channelID); e != nil {
		return e, nil
	}
	return ix.load(ctx, userID)
}

func (ix *Index) IsMember(ctx context.Context, channelID, userID string) (bool, error) {
	_, ok, err := ix.Role(ctx, channelID, userID)
	return ok, err
}

func (ix *Index) Role(ctx context.Context, channelID, userID string) (models.Role, bool, error) {
	e, err := ix.entryFor(ctx, userID, channelID)
	if err != nil {
		return "", false, err
	}
	role, ok := e.roles[channelID]
	return role, ok, nil
}

// Channels returns the user's channel ids, from cache when fresh.
func (ix *Index) Channels(ctx context.Context, userID string) ([]string, error) {
	e, err := ix.entryFor(ctx, userID, "")
	if err != nil {
		return nil, err
	}
	return channelIDs(e), nil
}

// Invalidate marks every cached answer about channelID as stale.
func (ix *Index) Invalidate(channelID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.gen++
	now := ix.now()
	ix.invalidated[channelID] = invalidation{gen: ix.gen, at: now}

	// anything older than the TTL is stale anyway
	for id, inv := range ix.invalidated {
		if now.Sub(inv.at) > ix.ttl {
			delete(ix.invalidated, id)
		}
	}
}

// InvalidateUser drops the cached entry of a single user.
func (ix *Index) InvalidateUser(userID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.users, userID)
}

func channelIDs(e *entry) []string {
	ids := make([]string, 0, len(e.roles))
	for id := range e.roles {
		ids = append(ids, id)
	}
	return ids
}
