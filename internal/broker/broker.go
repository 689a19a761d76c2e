// Package broker routes realtime chat traffic: it binds transport
// connections to identities, keeps the per-channel room index, persists and
// fans out messages, and relays typing and presence events.
package broker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"chat-broker/internal/presence"
	"chat-broker/internal/snowflake"
	"chat-broker/pkg/logger"
	"chat-broker/pkg/models"

	"github.com/google/uuid"
)

// Store is the durable side the broker writes to.
type Store interface {
	AppendMessage(ctx context.Context, in models.AppendInput) (*models.Message, bool, error)
	TouchChannel(ctx context.Context, channelID string, at time.Time) error
}

// Membership answers authorization questions from a cache.
type Membership interface {
	IsMember(ctx context.Context, channelID, userID string) (bool, error)
	Channels(ctx context.Context, userID string) ([]string, error)
}

// MessagePublisher receives every newly persisted message.
type MessagePublisher interface {
	PublishMessage(ctx context.Context, msg *models.Message) error
}

// PresenceObserver receives presence changes after they were fanned out.
type PresenceObserver interface {
	PresenceChanged(ctx context.Context, ev presence.Event) error
}

type Config struct {
	MaxBodyLength  int
	PersistTimeout time.Duration
	TypingTTL      time.Duration
	IdleTimeout    time.Duration
	ReapInterval   time.Duration
}

const (
	DefaultMaxBodyLength  = 10000
	DefaultPersistTimeout = 5 * time.Second
	DefaultTypingTTL      = 5 * time.Second
	DefaultIdleTimeout    = 60 * time.Second
)

func (c Config) withDefaults() Config {
	if c.MaxBodyLength <= 0 {
		c.MaxBodyLength = DefaultMaxBodyLength
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = DefaultPersistTimeout
	}
	if c.TypingTTL <= 0 {
		c.TypingTTL = DefaultTypingTTL
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = c.IdleTimeout / 2
	}
	return c
}

type Option func(*Broker)

func WithPublisher(p MessagePublisher) Option {
	return func(b *Broker) { b.publisher = p }
}

func WithPresenceObserver(o PresenceObserver) Option {
	return func(b *Broker) { b.observers = append(b.observers, o) }
}

func WithLogger(l *logger.Logger) Option {
	return func(b *Broker) { b.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

type Broker struct {
	cfg       Config
	store     Store
	members   Membership
	registry  *presence.Registry
	ids       *snowflake.Node
	publisher MessagePublisher
	observers []PresenceObserver
	log       *logger.Logger
	now       func() time.Time

	sessionsMu sync.RWMutex
	sessions   map[string]*Session

	roomsMu sync.RWMutex
	rooms   map[string]*room

	presenceQ   *eventQueue
	unsubscribe func()

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

func New(cfg Config, store Store, members Membership, registry *presence.Registry, ids *snowflake.Node, opts ...Option) *Broker {
	b := &Broker{
		cfg:       cfg.withDefaults(),
		store:     store,
		members:   members,
		registry:  registry,
		ids:       ids,
		log:       logger.GlobalLogger,
		now:       time.Now,
		sessions:  make(map[string]*Session),
		rooms:     make(map[string]*room),
		presenceQ: newEventQueue(),
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.unsubscribe = registry.Subscribe(b.presenceQ.push)
	return b
}

// Start runs the presence dispatcher and the idle-session reaper.
func (b *Broker) Start() {
	b.startOnce.Do(func() {
		b.wg.Add(2)
		go b.runPresence()
		go b.runReaper()
		b.log.Info("Broker started (idle timeout %s, typing ttl %s)", b.cfg.IdleTimeout, b.cfg.TypingTTL)
	})
}

// Shutdown closes every session through the regular cleanup path and stops
// the background workers.
func (b *Broker) Shutdown(ctx context.Context) error {
	for _, s := range b.snapshotSessions() {
		b.closeSession(s, "shutdown")
	}

	b.stopOnce.Do(func() { close(b.stop) })

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	b.unsubscribe()
	b.log.Info("Broker stopped")
	return nil
}

// Open registers a new connection in the connecting state.
func (b *Broker) Open(conn Conn) *Session {
	s := newSession(uuid.NewString(), conn, b.now(), b.log)

	b.sessionsMu.Lock()
	b.sessions[s.ID] = s
	b.sessionsMu.Unlock()

	s.log.Debug("Session opened")
	return s
}

func (b *Broker) Session(sessionID string) (*Session, bool) {
	b.sessionsMu.RLock()
	defer b.sessionsMu.RUnlock()
	s, ok := b.sessions[sessionID]
	return s, ok
}

func (b *Broker) session(sessionID string) (*Session, error) {
	s, ok := b.Session(sessionID)
	if !ok {
		return nil, ErrUnauthenticated
	}
	return s, nil
}

func (b *Broker) snapshotSessions() []*Session {
	b.sessionsMu.RLock()
	defer b.sessionsMu.RUnlock()
	out := make([]*Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		out = append(out, s)
	}
	return out
}

func (b *Broker) SessionCount() int {
	b.sessionsMu.RLock()
	defer b.sessionsMu.RUnlock()
	return len(b.sessions)
}

// RoomSessions lists the ids of sessions joined to channelID, sorted.
func (b *Broker) RoomSessions(channelID string) []string {
	r := b.getRoom(channelID, false)
	if r == nil {
		return nil
	}
	ids := r.sessionIDs()
	sort.Strings(ids)
	return ids
}

// IdleTimeout is how long a session may go without transport activity before
// the reaper closes it. Transports derive their keepalive from it.
func (b *Broker) IdleTimeout() time.Duration { return b.cfg.IdleTimeout }

// Touch records transport activity (a frame or a pong) for the idle reaper.
func (b *Broker) Touch(sessionID string) {
	if s, ok := b.Session(sessionID); ok {
		s.touch(b.now())
	}
}

// Authenticate binds an identity to a connecting session. An empty identity
// closes the session.
func (b *Broker) Authenticate(ctx context.Context, sessionID string, id models.Identity) error {
	s, err := b.session(sessionID)
	if err != nil {
		return err
	}

	if id.UserID == "" {
		s.deliver(errorEnvelope(models.Envelope{}, ErrUnauthenticated))
		b.closeSession(s, CodeUnauthenticated)
		return ErrUnauthenticated
	}

	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return ErrSessionClosed
	case StateConnecting:
		s.state = StateAuthenticated
		s.identity = id
		b.registry.Register(id.UserID, s.ID)
		s.mu.Unlock()
	default:
		bound := s.identity.UserID
		s.mu.Unlock()
		if bound == id.UserID {
			return nil
		}
		return fmt.Errorf("%w: session already bound to %s", ErrUnauthenticated, bound)
	}

	s.log.Info("Session authenticated as %s (%s)", id.UserID, id.DisplayName)
	b.syncPresence(ctx, s, id.UserID)
	return nil
}

type JoinResult struct {
	ChannelID string
	Err       error
}

// Join adds the session to the rooms of the given channels. Each channel is
// checked on its own; a rejected channel does not affect the others.
func (b *Broker) Join(ctx context.Context, sessionID string, channelIDs []string) ([]JoinResult, error) {
	s, err := b.session(sessionID)
	if err != nil {
		return nil, err
	}
	userID, err := s.user()
	if err != nil {
		return nil, err
	}

	results := make([]JoinResult, 0, len(channelIDs))
	for _, channelID := range channelIDs {
		ok, err := b.members.IsMember(ctx, channelID, userID)
		switch {
		case err != nil:
			s.log.Error("Membership lookup for %s in %s failed: %v", userID, channelID, err)
			results = append(results, JoinResult{ChannelID: channelID, Err: fmt.Errorf("%w: %v", ErrStorageUnavailable, err)})
		case !ok:
			s.log.Warn("Rejected join of %s to %s: not a member", userID, channelID)
			results = append(results, JoinResult{ChannelID: channelID, Err: ErrNotAMember})
		default:
			if err := b.joinRoom(s, channelID); err != nil {
				return results, err
			}
			results = append(results, JoinResult{ChannelID: channelID})
		}
	}
	return results, nil
}

func (b *Broker) joinRoom(s *Session, channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return ErrSessionClosed
	}
	if _, ok := s.rooms[channelID]; ok {
		return nil
	}
	b.addSession(channelID, s)
	s.rooms[channelID] = struct{}{}
	s.state = StateJoined
	return nil
}

// Leave removes the session from a room. Leaving a room the session is not
// in is a no-op.
func (b *Broker) Leave(sessionID, channelID string) error {
	s, err := b.session(sessionID)
	if err != nil {
		return err
	}
	if _, err := s.user(); err != nil {
		return err
	}

	s.mu.Lock()
	if _, ok := s.rooms[channelID]; !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.rooms, channelID)
	if len(s.rooms) == 0 && s.state == StateJoined {
		s.state = StateAuthenticated
	}
	b.removeSession(channelID, s)
	s.mu.Unlock()

	b.clearTypingBySession(channelID, s.ID)
	return nil
}

// Send validates, persists and fans out one message. On any error nothing
// was delivered to anyone.
func (b *Broker) Send(ctx context.Context, sessionID, channelID, body, correlationID string, attachments []string) (*models.Message, error) {
	s, err := b.session(sessionID)
	if err != nil {
		return nil, err
	}
	userID, err := s.user()
	if err != nil {
		return nil, err
	}

	ok, err := b.members.IsMember(ctx, channelID, userID)
	if err != nil {
		s.log.Error("Membership lookup for %s in %s failed: %v", userID, channelID, err)
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if !ok {
		s.log.Warn("Rejected send from %s to %s: not a member", userID, channelID)
		return nil, ErrNotAMember
	}

	if err := b.validateBody(body); err != nil {
		return nil, err
	}

	r := b.lockForSend(channelID)
	msg, duplicate, err := b.persist(ctx, models.AppendInput{
		ChannelID:   channelID,
		AuthorID:    userID,
		Body:        body,
		Attachments: attachments,
		ClientID:    correlationID,
	})
	if err != nil {
		r.sendMu.Unlock()
		s.log.Error("Failed to persist message in %s: %v", channelID, err)
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	b.fanOut(r, models.Envelope{
		Type:          models.MessageTypeNew,
		ChannelID:     channelID,
		Message:       msg,
		CorrelationID: msg.ClientID,
		Timestamp:     b.now(),
	}, "")
	r.sendMu.Unlock()

	if duplicate {
		s.log.Debug("Replayed message %d for correlation id %s", msg.ID, correlationID)
		return msg, nil
	}

	b.touchChannel(channelID, msg.CreatedAt)
	b.publish(msg)
	return msg, nil
}

func (b *Broker) validateBody(body string) error {
	if strings.TrimSpace(body) == "" {
		return fmt.Errorf("%w: empty body", ErrInvalidPayload)
	}
	if n := utf8.RuneCountInString(body); n > b.cfg.MaxBodyLength {
		return fmt.Errorf("%w: body has %d characters, limit is %d", ErrInvalidPayload, n, b.cfg.MaxBodyLength)
	}
	return nil
}

func (b *Broker) persist(ctx context.Context, in models.AppendInput) (*models.Message, bool, error) {
	in.ID = b.ids.Generate()
	in.CreatedAt = snowflake.Time(in.ID)

	ctx, cancel := context.WithTimeout(ctx, b.cfg.PersistTimeout)
	defer cancel()

	msg, duplicate, err := b.store.AppendMessage(ctx, in)
	if err != nil {
		return nil, false, err
	}
	return msg, duplicate, nil
}

// touchChannel is best-effort; the message is already stored.
func (b *Broker) touchChannel(channelID string, at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.PersistTimeout)
	defer cancel()
	if err := b.store.TouchChannel(ctx, channelID, at); err != nil {
		b.log.Warn("Failed to update last activity of %s: %v", channelID, err)
	}
}

func (b *Broker) publish(msg *models.Message) {
	if b.publisher == nil {
		return
	}
	if err := b.publisher.PublishMessage(context.Background(), msg); err != nil {
		b.log.Warn("Failed to publish message %d: %v", msg.ID, err)
	}
}

// fanOut enqueues env on every session of the room except skip. A session
// whose queue is full is closed; the others are unaffected.
func (b *Broker) fanOut(r *room, env models.Envelope, skip string) {
	for _, s := range r.snapshot() {
		if s.ID == skip {
			continue
		}
		if !s.deliver(env) {
			s.log.Warn("Send queue full, closing session")
			b.closeSession(s, CodeSlowConsumer)
		}
	}
}

// reply sends env to a single session.
func (b *Broker) reply(s *Session, env models.Envelope) {
	if !s.deliver(env) {
		s.log.Warn("Send queue full, closing session")
		b.closeSession(s, CodeSlowConsumer)
	}
}

// Close ends a session. It runs on every disconnect path and is idempotent.
func (b *Broker) Close(sessionID string) {
	if s, ok := b.Session(sessionID); ok {
		b.closeSession(s, "closed")
	}
}

func (b *Broker) closeSession(s *Session, reason string) {
	b.sessionsMu.Lock()
	if _, ok := b.sessions[s.ID]; !ok {
		b.sessionsMu.Unlock()
		return
	}
	delete(b.sessions, s.ID)
	b.sessionsMu.Unlock()

	s.mu.Lock()
	prev := s.state
	s.state = StateClosed
	rooms := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		rooms = append(rooms, id)
	}
	s.rooms = make(map[string]struct{})
	userID := s.identity.UserID
	if prev == StateAuthenticated || prev == StateJoined {
		b.registry.Unregister(userID, s.ID)
	}
	s.mu.Unlock()

	for _, channelID := range rooms {
		b.removeSession(channelID, s)
		b.clearTypingBySession(channelID, s.ID)
	}

	s.conn.Close()
	s.log.Info("Session closed (%s), user %q left %d rooms", reason, userID, len(rooms))
}

func (b *Broker) runReaper() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.reap()
		}
	}
}

// reap closes sessions without transport activity for longer than the idle
// timeout and drops rooms nobody is joined to.
func (b *Broker) reap() int {
	cutoff := b.now().Add(-b.cfg.IdleTimeout)
	closed := 0
	for _, s := range b.snapshotSessions() {
		if s.idleSince().Before(cutoff) {
			s.deliver(models.Envelope{Type: models.MessageTypeError, Code: CodeIdleTimeout, Reason: "idle timeout", Timestamp: b.now()})
			b.closeSession(s, CodeIdleTimeout)
			closed++
		}
	}
	if removed := b.sweepRooms(); removed > 0 {
		b.log.Debug("Dropped %d empty rooms", removed)
	}
	return closed
}
