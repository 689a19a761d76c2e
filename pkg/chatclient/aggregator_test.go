package chatclient

import (
	"testing"
	"time"

	"chat-broker/pkg/models"

	"github.com/stretchr/testify/assert"
)

type stepClock struct{ t time.Time }

func (c *stepClock) Now() time.Time          { return c.t }
func (c *stepClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestAggregator() (*Aggregator, *stepClock) {
	clock := &stepClock{t: base}
	a := NewAggregator(5 * time.Second)
	a.now = clock.Now
	return a, clock
}

func TestTypingExpiresWithoutStop(t *testing.T) {
	a, clock := newTestAggregator()

	a.Apply(models.Envelope{Type: models.MessageTypeTypingStart, ChannelID: "C1", UserID: "bob"})
	assert.True(t, a.IsTyping("C1", "bob"))

	clock.Advance(4 * time.Second)
	assert.Equal(t, []string{"bob"}, a.TypingUsers("C1"))

	clock.Advance(2 * time.Second)
	assert.False(t, a.IsTyping("C1", "bob"))
	assert.Empty(t, a.TypingUsers("C1"))
}

func TestTypingRefreshAndStop(t *testing.T) {
	a, clock := newTestAggregator()

	a.Apply(models.Envelope{Type: models.MessageTypeTypingStart, ChannelID: "C1", UserID: "bob"})
	clock.Advance(4 * time.Second)
	a.Apply(models.Envelope{Type: models.MessageTypeTypingStart, ChannelID: "C1", UserID: "bob"})
	clock.Advance(4 * time.Second)
	assert.True(t, a.IsTyping("C1", "bob"))

	a.Apply(models.Envelope{Type: models.MessageTypeTypingStart, ChannelID: "C1", UserID: "carol"})
	a.Apply(models.Envelope{Type: models.MessageTypeTypingStop, ChannelID: "C1", UserID: "bob"})
	assert.Equal(t, []string{"carol"}, a.TypingUsers("C1"))

	// a message from carol ends her indicator
	a.Apply(models.Envelope{Type: models.MessageTypeNew, ChannelID: "C1", Message: &models.Message{ChannelID: "C1", AuthorID: "carol"}})
	assert.Empty(t, a.TypingUsers("C1"))
	assert.Empty(t, a.TypingUsers("C2"))
}

func TestPresenceTracking(t *testing.T) {
	a, _ := newTestAggregator()

	a.Apply(models.Envelope{Type: models.MessageTypePresenceSync, UserIDs: []string{"bob", "carol"}})
	assert.True(t, a.IsUserOnline("bob"))
	assert.Equal(t, []string{"bob", "carol"}, a.OnlineUsers())

	a.Apply(models.Envelope{Type: models.MessageTypePresenceOffline, UserID: "bob"})
	a.Apply(models.Envelope{Type: models.MessageTypePresenceOnline, UserID: "dave"})
	assert.False(t, a.IsUserOnline("bob"))
	assert.Equal(t, []string{"carol", "dave"}, a.OnlineUsers())

	a.Apply(models.Envelope{Type: models.MessageTypePresenceSync})
	assert.Empty(t, a.OnlineUsers())
}
