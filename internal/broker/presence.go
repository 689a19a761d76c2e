package broker

import (
	"context"
	"sort"
	"sync"

	"chat-broker/internal/presence"
	"chat-broker/pkg/models"
)

// eventQueue is an unbounded FIFO. push never blocks, so it can run inside
// the registry's lock.
type eventQueue struct {
	mu     sync.Mutex
	items  []presence.Event
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{signal: make(chan struct{}, 1)}
}

func (q *eventQueue) push(ev presence.Event) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *eventQueue) drain() []presence.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// runPresence is the single consumer of presence events, which keeps them
// in order per user.
func (b *Broker) runPresence() {
	defer b.wg.Done()
	for {
		select {
		case <-b.presenceQ.signal:
			for _, ev := range b.presenceQ.drain() {
				b.dispatchPresence(ev)
			}
		case <-b.stop:
			for _, ev := range b.presenceQ.drain() {
				b.dispatchPresence(ev)
			}
			return
		}
	}
}

// dispatchPresence delivers ev to every session joined to a room of a
// channel the user belongs to.
func (b *Broker) dispatchPresence(ev presence.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.PersistTimeout)
	defer cancel()

	typ := models.MessageTypePresenceOffline
	if ev.Online {
		typ = models.MessageTypePresenceOnline
	}
	env := models.Envelope{Type: typ, UserID: ev.UserID, Timestamp: ev.At}

	channels, err := b.members.Channels(ctx, ev.UserID)
	if err != nil {
		b.log.Error("Failed to load channels of %s for presence: %v", ev.UserID, err)
	}

	seen := make(map[string]struct{})
	for _, channelID := range channels {
		r := b.getRoom(channelID, false)
		if r == nil {
			continue
		}
		for _, s := range r.snapshot() {
			if _, ok := seen[s.ID]; ok {
				continue
			}
			seen[s.ID] = struct{}{}
			if s.Identity().UserID == ev.UserID {
				continue
			}
			b.reply(s, env)
		}
	}

	for _, o := range b.observers {
		if err := o.PresenceChanged(ctx, ev); err != nil {
			b.log.Warn("Presence observer failed for %s: %v", ev.UserID, err)
		}
	}
}

// syncPresence sends the newly authenticated session the online users it
// would receive presence events about: those with a session joined to a room
// of one of its channels.
func (b *Broker) syncPresence(ctx context.Context, s *Session, userID string) {
	mine, err := b.members.Channels(ctx, userID)
	if err != nil {
		s.log.Error("Failed to load channels for presence sync: %v", err)
		return
	}

	seen := make(map[string]struct{})
	online := []string{}
	for _, channelID := range mine {
		r := b.getRoom(channelID, false)
		if r == nil {
			continue
		}
		for _, other := range r.snapshot() {
			id := other.Identity().UserID
			if id == "" || id == userID {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			if b.registry.IsOnline(id) {
				online = append(online, id)
			}
		}
	}
	sort.Strings(online)

	b.reply(s, models.Envelope{Type: models.MessageTypePresenceSync, UserIDs: online, Timestamp: b.now()})
}

// OnlineUserIDs is the registry snapshot used by the REST boundary.
func (b *Broker) OnlineUserIDs() []string {
	return b.registry.OnlineUserIDs()
}
