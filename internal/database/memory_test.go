package database

import (
	"context"
	"testing"
	"time"

	"chat-broker/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appendN(t *testing.T, db *MemoryDB, channelID string, n int) {
	t.Helper()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 1; i <= n; i++ {
		_, dup, err := db.AppendMessage(context.Background(), models.AppendInput{
			ID:        int64(i),
			ChannelID: channelID,
			AuthorID:  "u1",
			Body:      "m",
			CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
		})
		require.NoError(t, err)
		require.False(t, dup)
	}
}

func TestMemoryAppendIdempotent(t *testing.T) {
	db := NewMemoryDB()
	ctx := context.Background()

	first, dup, err := db.AppendMessage(ctx, models.AppendInput{ID: 10, ChannelID: "c1", AuthorID: "u1", Body: "hi", ClientID: "k1"})
	require.NoError(t, err)
	assert.False(t, dup)

	again, dup, err := db.AppendMessage(ctx, models.AppendInput{ID: 11, ChannelID: "c1", AuthorID: "u1", Body: "hi", ClientID: "k1"})
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, 1, db.MessageCount("c1"))

	// same key from another author is a different message
	_, dup, err = db.AppendMessage(ctx, models.AppendInput{ID: 12, ChannelID: "c1", AuthorID: "u2", Body: "hi", ClientID: "k1"})
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, 2, db.MessageCount("c1"))
}

func TestMemoryListMessagesPaging(t *testing.T) {
	db := NewMemoryDB()
	appendN(t, db, "c1", 7)
	ctx := context.Background()

	page, err := db.ListMessages(ctx, "c1", 0, 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, []int64{5, 6, 7}, ids(page))

	page, err = db.ListMessages(ctx, "c1", 5, 3)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3, 4}, ids(page))

	page, err = db.ListMessages(ctx, "c1", 2, 3)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ids(page))

	page, err = db.ListMessages(ctx, "missing", 0, 3)
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestMemoryMemberships(t *testing.T) {
	db := NewMemoryDB()
	ctx := context.Background()
	db.AddMember("c1", "u1", models.RoleAdmin)
	db.AddMember("c2", "u1", models.RoleMember)

	ms, err := db.ListMemberships(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, ms, 2)

	role, err := db.GetRole(ctx, "c1", "u1")
	require.NoError(t, err)
	assert.Equal(t, models.RoleAdmin, role)

	db.RemoveMember("c1", "u1")
	_, err = db.GetRole(ctx, "c1", "u1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryTouchChannelMonotonic(t *testing.T) {
	db := NewMemoryDB()
	db.AddChannel(models.Channel{ID: "c1", Kind: models.ChannelGroup})
	ctx := context.Background()
	later := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, db.TouchChannel(ctx, "c1", later))
	require.NoError(t, db.TouchChannel(ctx, "c1", later.Add(-time.Hour)))
	assert.Equal(t, later, db.ChannelLastActivity("c1"))
	assert.ErrorIs(t, db.TouchChannel(ctx, "nope", later), ErrNotFound)
}

func ids(ms []*models.Message) []int64 {
	out := make([]int64, len(ms))
	for i, m := range ms {
		out[i] = m.ID
	}
	return out
}
