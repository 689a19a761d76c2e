// Package presence tracks which users hold at least one live connection.
// State is process local and starts empty on every boot.
package presence

import (
	"sort"
	"sync"
	"time"
)

type Event struct {
	UserID string
	Online bool
	At     time.Time
}

// Listener is called synchronously, in event order, while the registry lock
// is held. It must not block and must not call back into the registry.
type Listener func(Event)

type Registry struct {
	mu        sync.Mutex
	users     map[string]map[string]time.Time // userID -> connectionID -> connected at
	listeners map[int]Listener
	nextID    int
	now       func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		users:     make(map[string]map[string]time.Time),
		listeners: make(map[int]Listener),
		now:       time.Now,
	}
}

// Subscribe adds a listener and returns a function that removes it.
func (r *Registry) Subscribe(l Listener) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = l
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.listeners, id)
	}
}

// Register adds connectionID to the user's live set and reports whether it
// was the user's first connection. Registering a known pair only refreshes
// its liveness timestamp.
func (r *Registry) Register(userID, connectionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	conns, ok := r.users[userID]
	if !ok {
		conns = make(map[string]time.Time)
		r.users[userID] = conns
	}
	conns[connectionID] = now
	if ok {
		return false
	}

	r.emit(Event{UserID: userID, Online: true, At: now})
	return true
}

// Unregister removes connectionID and reports whether the user went offline.
// Unknown pairs are ignored, so every disconnect path may call it.
func (r *Registry) Unregister(userID, connectionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.users[userID]
	if !ok {
		return false
	}
	if _, ok := conns[connectionID]; !ok {
		return false
	}
	delete(conns, connectionID)
	if len(conns) > 0 {
		return false
	}

	delete(r.users, userID)
	r.emit(Event{UserID: userID, Online: false, At: r.now()})
	return true
}

func (r *Registry) emit(ev Event) {
	for _, l := range r.listeners {
		l(ev)
	}
}

func (r *Registry) IsOnline(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.users[userID]
	return ok
}

// ConnectionCount returns how many live connections userID holds.
func (r *Registry) ConnectionCount(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users[userID])
}

// OnlineUserIDs returns a sorted snapshot of every online user.
func (r *Registry) OnlineUserIDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.users))
	for id := range r.users {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	sort.Strings(ids)
	return ids
}
