package broker

import (
	"sort"
	"time"

	"chat-broker/pkg/models"
)

// SetTyping marks the session's user as typing in a joined channel. A start
// while an indicator is live only pushes the expiry forward.
func (b *Broker) SetTyping(sessionID, channelID string) error {
	s, err := b.session(sessionID)
	if err != nil {
		return err
	}
	userID, err := s.user()
	if err != nil {
		return err
	}
	if !s.inRoom(channelID) {
		return ErrNotAMember
	}
	r := b.getRoom(channelID, false)
	if r == nil {
		return ErrNotAMember
	}

	ttl := b.cfg.TypingTTL
	now := b.now()
	expiresAt := now.Add(ttl)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrNotAMember
	}
	if e, ok := r.typing[userID]; ok {
		e.expiresAt = expiresAt
		e.sessionID = s.ID
		e.timer.Reset(ttl)
		r.mu.Unlock()
		return nil
	}
	e := &typingEntry{userID: userID, sessionID: s.ID, expiresAt: expiresAt}
	e.timer = time.AfterFunc(ttl, func() { b.expireTyping(r, e) })
	r.typing[userID] = e
	r.mu.Unlock()

	b.fanOut(r, models.Envelope{
		Type:      models.MessageTypeTypingStart,
		ChannelID: channelID,
		UserID:    userID,
		ExpiresAt: &expiresAt,
		Timestamp: now,
	}, s.ID)
	return nil
}

// ClearTyping drops the user's indicator in channelID, if any.
func (b *Broker) ClearTyping(sessionID, channelID string) error {
	s, err := b.session(sessionID)
	if err != nil {
		return err
	}
	userID, err := s.user()
	if err != nil {
		return err
	}
	r := b.getRoom(channelID, false)
	if r == nil {
		return nil
	}

	r.mu.Lock()
	e, ok := r.typing[userID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	e.timer.Stop()
	delete(r.typing, userID)
	r.mu.Unlock()

	b.typingStopped(r, userID, s.ID)
	return nil
}

// clearTypingBySession drops indicators last refreshed by sessionID.
func (b *Broker) clearTypingBySession(channelID, sessionID string) {
	r := b.getRoom(channelID, false)
	if r == nil {
		return
	}

	var stopped []string
	r.mu.Lock()
	for userID, e := range r.typing {
		if e.sessionID == sessionID {
			e.timer.Stop()
			delete(r.typing, userID)
			stopped = append(stopped, userID)
		}
	}
	r.mu.Unlock()

	for _, userID := range stopped {
		b.typingStopped(r, userID, sessionID)
	}
}

func (b *Broker) expireTyping(r *room, e *typingEntry) {
	r.mu.Lock()
	if r.typing[e.userID] != e || b.now().Before(e.expiresAt) {
		r.mu.Unlock()
		return
	}
	delete(r.typing, e.userID)
	sessionID := e.sessionID
	r.mu.Unlock()

	b.typingStopped(r, e.userID, sessionID)
}

func (b *Broker) typingStopped(r *room, userID, skip string) {
	b.fanOut(r, models.Envelope{
		Type:      models.MessageTypeTypingStop,
		ChannelID: r.channelID,
		UserID:    userID,
		Timestamp: b.now(),
	}, skip)
}

// TypingUsers lists users with a live indicator in channelID. Expired
// entries are filtered here even if their timer has not fired yet.
func (b *Broker) TypingUsers(channelID string) []string {
	r := b.getRoom(channelID, false)
	if r == nil {
		return nil
	}
	now := b.now()

	r.mu.RLock()
	defer r.mu.RUnlock()
	var users []string
	for userID, e := range r.typing {
		if now.Before(e.expiresAt) {
			users = append(users, userID)
		}
	}
	sort.Strings(users)
	return users
}
