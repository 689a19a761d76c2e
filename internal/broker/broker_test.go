package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chat-broker/internal/database"
	"chat-broker/internal/membership"
	"chat-broker/internal/presence"
	"chat-broker/internal/snowflake"
	"chat-broker/pkg/logger"
	"chat-broker/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []models.Envelope
	full   bool
	closed bool
}

func (c *fakeConn) Enqueue(env models.Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return false
	}
	c.frames = append(c.frames, env)
	return true
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// saturate makes every further Enqueue fail.
func (c *fakeConn) saturate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.full = true
}

func (c *fakeConn) ofType(t models.MessageType) []models.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.Envelope
	for _, f := range c.frames {
		if f.Type == t {
			out = append(out, f)
		}
	}
	return out
}

func (c *fakeConn) messageIDs() []int64 {
	var ids []int64
	for _, f := range c.ofType(models.MessageTypeNew) {
		ids = append(ids, f.Message.ID)
	}
	return ids
}

type flakyStore struct {
	*database.MemoryDB
	fail    atomic.Bool
	block   atomic.Bool
	appends atomic.Int32
}

func (s *flakyStore) AppendMessage(ctx context.Context, in models.AppendInput) (*models.Message, bool, error) {
	s.appends.Add(1)
	if s.block.Load() {
		<-ctx.Done()
		return nil, false, ctx.Err()
	}
	if s.fail.Load() {
		return nil, false, errors.New("connection refused")
	}
	return s.MemoryDB.AppendMessage(ctx, in)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingObserver struct {
	mu     sync.Mutex
	events []presence.Event
}

func (o *recordingObserver) PresenceChanged(_ context.Context, ev presence.Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, ev)
	return nil
}

func (o *recordingObserver) snapshot() []presence.Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]presence.Event(nil), o.events...)
}

type harness struct {
	t        *testing.T
	db       *database.MemoryDB
	store    *flakyStore
	registry *presence.Registry
	broker   *Broker
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	db := database.NewMemoryDB()
	store := &flakyStore{MemoryDB: db}
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	registry := presence.NewRegistry()
	index := membership.NewIndex(db, time.Minute)

	opts = append([]Option{WithLogger(logger.Nop())}, opts...)
	b := New(cfg, store, index, registry, node, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = b.Shutdown(ctx)
	})
	return &harness{t: t, db: db, store: store, registry: registry, broker: b}
}

func (h *harness) member(userID string, channelIDs ...string) {
	for _, id := range channelIDs {
		h.db.AddMember(id, userID, models.RoleMember)
	}
}

func (h *harness) connect(userID string, join ...string) (*Session, *fakeConn) {
	h.t.Helper()
	ctx := context.Background()
	conn := &fakeConn{}
	s := h.broker.Open(conn)
	require.NoError(h.t, h.broker.Authenticate(ctx, s.ID, models.Identity{UserID: userID, DisplayName: userID}))
	if len(join) > 0 {
		results, err := h.broker.Join(ctx, s.ID, join)
		require.NoError(h.t, err)
		for _, res := range results {
			require.NoError(h.t, res.Err, "join %s", res.ChannelID)
		}
	}
	return s, conn
}

func TestHelloScenario(t *testing.T) {
	h := newHarness(t, Config{})
	h.db.AddChannel(models.Channel{ID: "C1", Name: "general", Kind: models.ChannelGroup})
	h.member("alice", "C1")
	h.member("bob", "C1")
	ctx := context.Background()

	a, aConn := h.connect("alice", "C1")
	b, bConn := h.connect("bob", "C1")

	h.broker.Handle(ctx, a.ID, models.Envelope{Type: models.MessageTypeSend, ChannelID: "C1", Body: "hello", CorrelationID: "k1"})

	for _, conn := range []*fakeConn{aConn, bConn} {
		got := conn.ofType(models.MessageTypeNew)
		require.Len(t, got, 1)
		assert.Equal(t, "hello", got[0].Message.Body)
		assert.Equal(t, "alice", got[0].Message.AuthorID)
		assert.Equal(t, "k1", got[0].CorrelationID)
	}

	acks := aConn.ofType(models.MessageTypeAck)
	require.Len(t, acks, 1)
	assert.Equal(t, "k1", acks[0].CorrelationID)
	assert.Empty(t, bConn.ofType(models.MessageTypeAck))
	assert.Equal(t, acks[0].Message.CreatedAt, h.db.ChannelLastActivity("C1"))

	// bob drops; messages sent meanwhile are not replayed on reconnect
	h.broker.Close(b.ID)
	_, err := h.broker.Send(ctx, a.ID, "C1", "are you there?", "k2", nil)
	require.NoError(t, err)

	_, bConn2 := h.connect("bob", "C1")
	assert.Empty(t, bConn2.ofType(models.MessageTypeNew))

	history, err := h.db.ListMessages(ctx, "C1", 0, 50)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "hello", history[0].Body)
	assert.Equal(t, "are you there?", history[1].Body)
}

func TestSendNotAMember(t *testing.T) {
	h := newHarness(t, Config{})
	h.member("alice", "C1")
	h.member("carol", "C2")
	ctx := context.Background()

	a, aConn := h.connect("alice", "C1")
	_, cConn := h.connect("carol", "C2")

	_, err := h.broker.Send(ctx, a.ID, "C2", "let me in", "k1", nil)
	assert.ErrorIs(t, err, ErrNotAMember)

	h.broker.Handle(ctx, a.ID, models.Envelope{Type: models.MessageTypeSend, ChannelID: "C2", Body: "let me in", CorrelationID: "k2"})
	errs := aConn.ofType(models.MessageTypeError)
	require.Len(t, errs, 1)
	assert.Equal(t, CodeNotAMember, errs[0].Code)
	assert.Equal(t, "k2", errs[0].CorrelationID)

	assert.Equal(t, 0, h.db.MessageCount("C2"))
	assert.Equal(t, int32(0), h.store.appends.Load())
	assert.Empty(t, cConn.ofType(models.MessageTypeNew))
}

func TestSendInvalidPayload(t *testing.T) {
	h := newHarness(t, Config{MaxBodyLength: 10})
	h.member("alice", "C1")
	a, _ := h.connect("alice", "C1")
	ctx := context.Background()

	for _, body := range []string{"", "   \n\t", strings.Repeat("x", 11)} {
		_, err := h.broker.Send(ctx, a.ID, "C1", body, "", nil)
		assert.ErrorIs(t, err, ErrInvalidPayload, "body %q", body)
	}
	assert.Equal(t, int32(0), h.store.appends.Load())

	// the limit counts characters, not bytes
	msg, err := h.broker.Send(ctx, a.ID, "C1", strings.Repeat("é", 10), "", nil)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("é", 10), msg.Body)
}

func TestSendStorageUnavailableDoesNotFanOut(t *testing.T) {
	h := newHarness(t, Config{})
	h.member("alice", "C1")
	h.member("bob", "C1")
	a, aConn := h.connect("alice", "C1")
	_, bConn := h.connect("bob", "C1")
	ctx := context.Background()

	h.store.fail.Store(true)
	_, err := h.broker.Send(ctx, a.ID, "C1", "hello", "k1", nil)
	require.ErrorIs(t, err, ErrStorageUnavailable)
	assert.Empty(t, aConn.ofType(models.MessageTypeNew))
	assert.Empty(t, bConn.ofType(models.MessageTypeNew))

	// retrying with the same correlation id stores exactly one message
	h.store.fail.Store(false)
	msg, err := h.broker.Send(ctx, a.ID, "C1", "hello", "k1", nil)
	require.NoError(t, err)
	assert.Equal(t, "k1", msg.ClientID)
	assert.Equal(t, 1, h.db.MessageCount("C1"))
	assert.Len(t, bConn.ofType(models.MessageTypeNew), 1)
}

func TestSendPersistTimeout(t *testing.T) {
	h := newHarness(t, Config{PersistTimeout: 30 * time.Millisecond})
	h.member("alice", "C1")
	a, _ := h.connect("alice", "C1")

	h.store.block.Store(true)
	start := time.Now()
	_, err := h.broker.Send(context.Background(), a.ID, "C1", "hello", "k1", nil)
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSendIdempotentRetry(t *testing.T) {
	h := newHarness(t, Config{})
	h.member("alice", "C1")
	h.member("bob", "C1")
	a, _ := h.connect("alice", "C1")
	_, bConn := h.connect("bob", "C1")
	ctx := context.Background()

	first, err := h.broker.Send(ctx, a.ID, "C1", "hello", "k1", nil)
	require.NoError(t, err)
	again, err := h.broker.Send(ctx, a.ID, "C1", "hello", "k1", nil)
	require.NoError(t, err)

	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, first.CreatedAt, again.CreatedAt)
	assert.Equal(t, 1, h.db.MessageCount("C1"))
	assert.Equal(t, []int64{first.ID, first.ID}, bConn.messageIDs())
}

func TestOrderingUnderConcurrentSends(t *testing.T) {
	h := newHarness(t, Config{})
	senders := []string{"u1", "u2", "u3", "u4"}
	for _, u := range senders {
		h.member(u, "C1")
	}
	h.member("watcher1", "C1")
	h.member("watcher2", "C1")

	var conns []*fakeConn
	sessions := make(map[string]*Session)
	for _, u := range senders {
		s, c := h.connect(u, "C1")
		sessions[u] = s
		conns = append(conns, c)
	}
	for _, u := range []string{"watcher1", "watcher2"} {
		_, c := h.connect(u, "C1")
		conns = append(conns, c)
	}

	const perSender = 25
	var wg sync.WaitGroup
	for _, u := range senders {
		wg.Add(1)
		go func(s *Session, u string) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				_, err := h.broker.Send(context.Background(), s.ID, "C1", fmt.Sprintf("%s-%d", u, i), fmt.Sprintf("%s-%d", u, i), nil)
				assert.NoError(t, err)
			}
		}(sessions[u], u)
	}
	wg.Wait()

	reference := conns[0].messageIDs()
	require.Len(t, reference, len(senders)*perSender)
	assert.IsIncreasing(t, reference)
	for _, c := range conns[1:] {
		assert.Equal(t, reference, c.messageIDs())
	}
}

func TestJoinRejectsNonMemberPerChannel(t *testing.T) {
	h := newHarness(t, Config{})
	h.member("alice", "C1")
	s, _ := h.connect("alice")
	assert.Equal(t, StateAuthenticated, s.State())

	results, err := h.broker.Join(context.Background(), s.ID, []string{"C1", "C2"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.NoError(t, results[0].Err)
	assert.ErrorIs(t, results[1].Err, ErrNotAMember)

	assert.Equal(t, []string{"C1"}, s.Rooms())
	assert.Equal(t, StateJoined, s.State())
	assert.Equal(t, []string{s.ID}, h.broker.RoomSessions("C1"))
	assert.Empty(t, h.broker.RoomSessions("C2"))

	require.NoError(t, h.broker.Leave(s.ID, "C1"))
	assert.Equal(t, StateAuthenticated, s.State())
	assert.Empty(t, h.broker.RoomSessions("C1"))
}

func TestUnauthenticatedSession(t *testing.T) {
	h := newHarness(t, Config{})
	h.member("alice", "C1")
	ctx := context.Background()

	conn := &fakeConn{}
	s := h.broker.Open(conn)
	assert.Equal(t, StateConnecting, s.State())

	_, err := h.broker.Send(ctx, s.ID, "C1", "hi", "", nil)
	assert.ErrorIs(t, err, ErrUnauthenticated)
	_, err = h.broker.Join(ctx, s.ID, []string{"C1"})
	assert.ErrorIs(t, err, ErrUnauthenticated)

	err = h.broker.Authenticate(ctx, s.ID, models.Identity{})
	assert.ErrorIs(t, err, ErrUnauthenticated)
	assert.True(t, conn.isClosed())
	errs := conn.ofType(models.MessageTypeError)
	require.Len(t, errs, 1)
	assert.Equal(t, CodeUnauthenticated, errs[0].Code)
	assert.Equal(t, 0, h.broker.SessionCount())

	_, err = h.broker.Send(ctx, "no-such-session", "C1", "hi", "", nil)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestAuthenticateRebindRejected(t *testing.T) {
	h := newHarness(t, Config{})
	s, _ := h.connect("alice")
	ctx := context.Background()

	assert.NoError(t, h.broker.Authenticate(ctx, s.ID, models.Identity{UserID: "alice"}))
	assert.ErrorIs(t, h.broker.Authenticate(ctx, s.ID, models.Identity{UserID: "mallory"}), ErrUnauthenticated)
	assert.Equal(t, "alice", s.Identity().UserID)
}

func TestCloseCleansUpRoomsAndPresence(t *testing.T) {
	h := newHarness(t, Config{})
	h.member("alice", "C1")
	s1, c1 := h.connect("alice", "C1")
	s2, _ := h.connect("alice", "C1")

	assert.ElementsMatch(t, []string{s1.ID, s2.ID}, h.broker.RoomSessions("C1"))
	assert.Equal(t, 2, h.registry.ConnectionCount("alice"))

	h.broker.Close(s1.ID)
	assert.True(t, c1.isClosed())
	assert.Equal(t, StateClosed, s1.State())
	assert.Equal(t, []string{s2.ID}, h.broker.RoomSessions("C1"))
	assert.True(t, h.registry.IsOnline("alice"))

	h.broker.Close(s2.ID)
	assert.Empty(t, h.broker.RoomSessions("C1"))
	assert.False(t, h.registry.IsOnline("alice"))

	// second close is a no-op
	h.broker.Close(s2.ID)

	_, err := h.broker.Send(context.Background(), s1.ID, "C1", "hi", "", nil)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestIdleReaperCleansUpDroppedConnection(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	h := newHarness(t, Config{IdleTimeout: time.Minute}, WithClock(clock.Now))
	h.member("alice", "C1")
	h.member("bob", "C1")

	a, aConn := h.connect("alice", "C1")
	b, _ := h.connect("bob", "C1")

	clock.Advance(30 * time.Second)
	h.broker.Touch(b.ID)
	clock.Advance(31 * time.Second)

	// alice's transport vanished without a close frame
	assert.Equal(t, 1, h.broker.reap())

	assert.True(t, aConn.isClosed())
	errs := aConn.ofType(models.MessageTypeError)
	require.NotEmpty(t, errs)
	assert.Equal(t, CodeIdleTimeout, errs[len(errs)-1].Code)
	assert.Equal(t, []string{b.ID}, h.broker.RoomSessions("C1"))
	assert.False(t, h.registry.IsOnline("alice"))
	assert.True(t, h.registry.IsOnline("bob"))

	_, ok := h.broker.Session(a.ID)
	assert.False(t, ok)
}

func TestPresenceFanOut(t *testing.T) {
	observer := &recordingObserver{}
	h := newHarness(t, Config{}, WithPresenceObserver(observer))
	h.broker.Start()
	h.member("alice", "C1")
	h.member("bob", "C1")
	h.member("dave", "C9")

	_, bConn := h.connect("bob", "C1")
	initial := bConn.ofType(models.MessageTypePresenceSync)
	require.Len(t, initial, 1)
	assert.Empty(t, initial[0].UserIDs)

	h.connect("dave", "C9")
	a, aConn := h.connect("alice", "C1")

	require.Eventually(t, func() bool {
		return len(bConn.ofType(models.MessageTypePresenceOnline)) == 1
	}, time.Second, 5*time.Millisecond)
	online := bConn.ofType(models.MessageTypePresenceOnline)
	assert.Equal(t, "alice", online[0].UserID)

	aSync := aConn.ofType(models.MessageTypePresenceSync)
	require.Len(t, aSync, 1)
	assert.Equal(t, []string{"bob"}, aSync[0].UserIDs)

	h.broker.Close(a.ID)
	require.Eventually(t, func() bool {
		return len(bConn.ofType(models.MessageTypePresenceOffline)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "alice", bConn.ofType(models.MessageTypePresenceOffline)[0].UserID)

	require.Eventually(t, func() bool { return len(observer.snapshot()) == 4 }, time.Second, 5*time.Millisecond)
	events := observer.snapshot()
	assert.Equal(t, presence.Event{UserID: "bob", Online: true, At: events[0].At}, events[0])
	assert.Equal(t, "dave", events[1].UserID)
	assert.Equal(t, "alice", events[2].UserID)
	assert.True(t, events[2].Online)
	assert.Equal(t, "alice", events[3].UserID)
	assert.False(t, events[3].Online)
}

func TestTypingDebounceAndExpiry(t *testing.T) {
	h := newHarness(t, Config{TypingTTL: 80 * time.Millisecond})
	h.member("alice", "C1")
	h.member("bob", "C1")
	a, aConn := h.connect("alice", "C1")
	_, bConn := h.connect("bob", "C1")

	require.NoError(t, h.broker.SetTyping(a.ID, "C1"))
	require.NoError(t, h.broker.SetTyping(a.ID, "C1"))

	starts := bConn.ofType(models.MessageTypeTypingStart)
	require.Len(t, starts, 1)
	assert.Equal(t, "alice", starts[0].UserID)
	require.NotNil(t, starts[0].ExpiresAt)
	assert.Empty(t, aConn.ofType(models.MessageTypeTypingStart))
	assert.Equal(t, []string{"alice"}, h.broker.TypingUsers("C1"))

	// no explicit stop: the server expiry clears it
	require.Eventually(t, func() bool {
		return len(bConn.ofType(models.MessageTypeTypingStop)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, h.broker.TypingUsers("C1"))
}

func TestTypingClearedByStopLeaveAndClose(t *testing.T) {
	h := newHarness(t, Config{TypingTTL: time.Minute})
	h.member("alice", "C1")
	h.member("bob", "C1")
	a, _ := h.connect("alice", "C1")
	_, bConn := h.connect("bob", "C1")

	assert.ErrorIs(t, h.broker.SetTyping(a.ID, "C2"), ErrNotAMember)

	require.NoError(t, h.broker.SetTyping(a.ID, "C1"))
	require.NoError(t, h.broker.ClearTyping(a.ID, "C1"))
	assert.Len(t, bConn.ofType(models.MessageTypeTypingStop), 1)
	assert.Empty(t, h.broker.TypingUsers("C1"))

	require.NoError(t, h.broker.SetTyping(a.ID, "C1"))
	assert.Len(t, bConn.ofType(models.MessageTypeTypingStart), 2)
	require.NoError(t, h.broker.Leave(a.ID, "C1"))
	assert.Len(t, bConn.ofType(models.MessageTypeTypingStop), 2)

	_, err := h.broker.Join(context.Background(), a.ID, []string{"C1"})
	require.NoError(t, err)
	require.NoError(t, h.broker.SetTyping(a.ID, "C1"))
	h.broker.Close(a.ID)
	assert.Len(t, bConn.ofType(models.MessageTypeTypingStop), 3)
	assert.Empty(t, h.broker.TypingUsers("C1"))
}

func TestSlowConsumerIsClosed(t *testing.T) {
	h := newHarness(t, Config{})
	h.member("alice", "C1")
	h.member("bob", "C1")
	h.member("carol", "C1")
	a, _ := h.connect("alice", "C1")
	b, bConn := h.connect("bob", "C1")
	_, cConn := h.connect("carol", "C1")

	bConn.saturate()
	_, err := h.broker.Send(context.Background(), a.ID, "C1", "hello", "k1", nil)
	require.NoError(t, err)

	assert.True(t, bConn.isClosed())
	assert.NotContains(t, h.broker.RoomSessions("C1"), b.ID)
	assert.Len(t, cConn.ofType(models.MessageTypeNew), 1)
	assert.Equal(t, 1, h.db.MessageCount("C1"))
}

func TestHandleJoinLeaveAndUnknownFrames(t *testing.T) {
	h := newHarness(t, Config{})
	h.member("alice", "C1")
	s, conn := h.connect("alice")
	ctx := context.Background()

	h.broker.Handle(ctx, s.ID, models.Envelope{Type: models.MessageTypeJoin, ChannelIDs: []string{"C1", "C2"}})
	joined := conn.ofType(models.MessageTypeJoined)
	require.Len(t, joined, 1)
	assert.Equal(t, []string{"C1"}, joined[0].ChannelIDs)
	errs := conn.ofType(models.MessageTypeError)
	require.Len(t, errs, 1)
	assert.Equal(t, CodeNotAMember, errs[0].Code)
	assert.Equal(t, "C2", errs[0].ChannelID)

	h.broker.Handle(ctx, s.ID, models.Envelope{Type: models.MessageTypeLeave, ChannelID: "C1"})
	left := conn.ofType(models.MessageTypeLeft)
	require.Len(t, left, 1)
	assert.Equal(t, "C1", left[0].ChannelID)

	h.broker.Handle(ctx, s.ID, models.Envelope{Type: "dance"})
	errs = conn.ofType(models.MessageTypeError)
	require.Len(t, errs, 2)
	assert.Equal(t, CodeInvalidPayload, errs[1].Code)
}

func TestSweepRooms(t *testing.T) {
	h := newHarness(t, Config{})
	h.member("alice", "C1")
	s, _ := h.connect("alice", "C1")

	assert.Equal(t, 0, h.broker.sweepRooms())
	require.NoError(t, h.broker.Leave(s.ID, "C1"))
	assert.Equal(t, 1, h.broker.sweepRooms())

	results, err := h.broker.Join(context.Background(), s.ID, []string{"C1"})
	require.NoError(t, err)
	require.NoError(t, results[0].Err)
	assert.Equal(t, []string{s.ID}, h.broker.RoomSessions("C1"))
}

func TestShutdownClosesSessions(t *testing.T) {
	h := newHarness(t, Config{})
	h.broker.Start()
	h.member("alice", "C1")
	_, c1 := h.connect("alice", "C1")
	_, c2 := h.connect("bob")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.broker.Shutdown(ctx))

	assert.Equal(t, 0, h.broker.SessionCount())
	assert.True(t, c1.isClosed())
	assert.True(t, c2.isClosed())
	assert.Empty(t, h.registry.OnlineUserIDs())
}

func TestCode(t *testing.T) {
	assert.Equal(t, CodeNotAMember, Code(fmt.Errorf("wrapped: %w", ErrNotAMember)))
	assert.Equal(t, CodeUnauthenticated, Code(ErrSessionClosed))
	assert.Equal(t, CodeStorageUnavailable, Code(ErrStorageUnavailable))
	assert.Equal(t, CodeInvalidPayload, Code(ErrInvalidPayload))
	assert.Equal(t, CodeInternal, Code(errors.New("boom")))
}

type countingMembership struct {
	*membership.Index
	mu    sync.Mutex
	calls map[string]int
}

func (m *countingMembership) Channels(ctx context.Context, userID string) ([]string, error) {
	m.mu.Lock()
	m.calls[userID]++
	m.mu.Unlock()
	return m.Index.Channels(ctx, userID)
}

func TestPresenceSyncLooksUpOnlyTheNewUser(t *testing.T) {
	db := database.NewMemoryDB()
	db.AddMember("C1", "alice", models.RoleMember)
	db.AddMember("C1", "bob", models.RoleMember)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	registry := presence.NewRegistry()
	members := &countingMembership{Index: membership.NewIndex(db, time.Minute), calls: map[string]int{}}
	b := New(Config{}, db, members, registry, node, WithLogger(logger.Nop()))
	t.Cleanup(func() { _ = b.Shutdown(context.Background()) })
	ctx := context.Background()

	// users online elsewhere, sharing nothing with alice
	for i := 0; i < 50; i++ {
		registry.Register(fmt.Sprintf("other-%d", i), "remote")
	}

	bob := b.Open(&fakeConn{})
	require.NoError(t, b.Authenticate(ctx, bob.ID, models.Identity{UserID: "bob"}))
	_, err = b.Join(ctx, bob.ID, []string{"C1"})
	require.NoError(t, err)

	conn := &fakeConn{}
	alice := b.Open(conn)
	require.NoError(t, b.Authenticate(ctx, alice.ID, models.Identity{UserID: "alice"}))

	snapshot := conn.ofType(models.MessageTypePresenceSync)
	require.Len(t, snapshot, 1)
	assert.Equal(t, []string{"bob"}, snapshot[0].UserIDs)

	members.mu.Lock()
	defer members.mu.Unlock()
	assert.Equal(t, 1, members.calls["alice"])
	for id := range members.calls {
		assert.Contains(t, []string{"alice", "bob"}, id)
	}
}
