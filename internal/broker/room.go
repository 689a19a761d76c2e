package broker

import (
	"sync"
	"time"
)

// room is the live delivery list of one channel. sendMu makes the room the
// single writer for its channel: persist and fan-out of one message finish
// before the next message of the same channel is persisted.
type room struct {
	channelID string
	sendMu    sync.Mutex

	mu       sync.RWMutex
	sessions map[string]*Session
	typing   map[string]*typingEntry // userID -> indicator
	closed   bool
}

type typingEntry struct {
	userID    string
	sessionID string
	expiresAt time.Time
	timer     *time.Timer
}

func newRoom(channelID string) *room {
	return &room{
		channelID: channelID,
		sessions:  make(map[string]*Session),
		typing:    make(map[string]*typingEntry),
	}
}

func (r *room) snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *room) sessionIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	return out
}

func (r *room) idle() bool {
	return len(r.sessions) == 0 && len(r.typing) == 0
}

// getRoom returns the live room for channelID, creating it when create is set.
func (b *Broker) getRoom(channelID string, create bool) *room {
	b.roomsMu.RLock()
	r, ok := b.rooms[channelID]
	b.roomsMu.RUnlock()
	if ok || !create {
		return r
	}

	b.roomsMu.Lock()
	defer b.roomsMu.Unlock()
	if r, ok = b.rooms[channelID]; ok {
		return r
	}
	r = newRoom(channelID)
	b.rooms[channelID] = r
	return r
}

// lockForSend returns the channel's room with sendMu held.
func (b *Broker) lockForSend(channelID string) *room {
	for {
		r := b.getRoom(channelID, true)
		r.sendMu.Lock()
		r.mu.RLock()
		closed := r.closed
		r.mu.RUnlock()
		if !closed {
			return r
		}
		r.sendMu.Unlock()
	}
}

// addSession puts s in the channel's room.
func (b *Broker) addSession(channelID string, s *Session) {
	for {
		r := b.getRoom(channelID, true)
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			continue
		}
		r.sessions[s.ID] = s
		r.mu.Unlock()
		return
	}
}

func (b *Broker) removeSession(channelID string, s *Session) {
	r := b.getRoom(channelID, false)
	if r == nil {
		return
	}
	r.mu.Lock()
	delete(r.sessions, s.ID)
	r.mu.Unlock()
}

// sweepRooms drops rooms nobody is joined to. A room busy with a send is
// left for the next sweep.
func (b *Broker) sweepRooms() int {
	b.roomsMu.Lock()
	defer b.roomsMu.Unlock()

	removed := 0
	for id, r := range b.rooms {
		if !r.sendMu.TryLock() {
			continue
		}
		r.mu.Lock()
		if r.idle() {
			r.closed = true
			delete(b.rooms, id)
			removed++
		}
		r.mu.Unlock()
		r.sendMu.Unlock()
	}
	return removed
}
