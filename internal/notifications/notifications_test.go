package notifications

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anonto42/tilt/backend/internal/docstore"
)

func TestNew_IDs(t *testing.T) {
	now := time.Unix(100, 0)

	n, ok := New(Like, "alice", "bob", "p1", now)
	require.True(t, ok)
	assert.Equal(t, "p1alice", n.ID)
	assert.Equal(t, "users/bob/notifications/p1alice", n.Path())
	assert.Equal(t, int64(100), n.SentAt)

	n, ok = New(Comment, "alice", "bob", "r9", now)
	require.True(t, ok)
	assert.Equal(t, "r9", n.ID)

	n, ok = New(Follow, "alice", "bob", "", now)
	require.True(t, ok)
	assert.Equal(t, "alice", n.ID)
	_, has := n.Fields()["postId"]
	assert.False(t, has)

	_, ok = New(Like, "bob", "bob", "p1", now)
	assert.False(t, ok)
}

func TestFromDocumentRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := docstore.NewMemoryStore()
	n, _ := New(Dislike, "alice", "bob", "p1", time.Unix(5, 0))
	require.NoError(t, s.Set(ctx, n.Path(), n.Fields()))

	d, err := s.Get(ctx, n.Path())
	require.NoError(t, err)
	assert.Equal(t, n, FromDocument(*d))
}

func send(t *testing.T, s docstore.Store, i int) {
	t.Helper()
	n, _ := New(Comment, fmt.Sprintf("u%d", i), "bob", fmt.Sprintf("r%02d", i), time.Unix(int64(i), 0))
	require.NoError(t, s.Set(context.Background(), n.Path(), n.Fields()))
}

func TestFeed_NewestFirstAndCount(t *testing.T) {
	ctx := context.Background()
	s := docstore.NewMemoryStore()
	for i := 1; i <= 9; i++ {
		send(t, s, i)
	}

	f, err := OpenFeed(ctx, s, "bob", 0)
	require.NoError(t, err)
	defer f.Close()

	v := f.View()
	require.Len(t, v.Items, DefaultPageSize)
	assert.Equal(t, "r09", v.Items[0].ID)
	assert.Equal(t, int64(9), v.UnreadCount)

	require.NoError(t, f.LoadMore(ctx))
	assert.Len(t, f.View().Items, 9)
	assert.True(t, f.View().Exhausted)

	send(t, s, 10)
	assert.Equal(t, int64(10), f.UnreadCount())
	assert.Equal(t, "r10", f.View().Items[0].ID)
}

func TestFeed_Dismiss(t *testing.T) {
	ctx := context.Background()
	s := docstore.NewMemoryStore()
	for i := 1; i <= 3; i++ {
		send(t, s, i)
	}
	f, err := OpenFeed(ctx, s, "bob", 7)
	require.NoError(t, err)
	defer f.Close()

	var views []View
	f.OnChange(func(v View) { views = append(views, v) })

	require.NoError(t, f.Dismiss(ctx, "r02"))
	assert.Equal(t, int64(2), f.UnreadCount())
	require.NotEmpty(t, views)
	last := views[len(views)-1]
	assert.Len(t, last.Items, 2)
	assert.Equal(t, int64(2), last.UnreadCount)
}

func TestFeed_CloseUnsubscribes(t *testing.T) {
	s := docstore.NewMemoryStore()
	f, err := OpenFeed(context.Background(), s, "bob", 7)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Subscriptions())
	f.Close()
	f.Close()
	assert.Equal(t, 0, s.Subscriptions())
}

func TestFeed_CountsRemovalsBeyondLoadedPage(t *testing.T) {
	ctx := context.Background()
	s := docstore.NewMemoryStore()
	for i := 1; i <= 5; i++ {
		send(t, s, i)
	}
	f, err := OpenFeed(ctx, s, "bob", 2)
	require.NoError(t, err)
	defer f.Close()
	require.Len(t, f.View().Items, 2)
	assert.Equal(t, int64(5), f.UnreadCount())

	var views []View
	f.OnChange(func(v View) { views = append(views, v) })

	// r01 sits on a page that was never loaded
	require.NoError(t, Dismiss(ctx, s, "bob", "r01"))
	assert.Equal(t, int64(4), f.UnreadCount())
	require.NotEmpty(t, views)
	assert.Equal(t, int64(4), views[len(views)-1].UnreadCount)
	assert.Len(t, f.View().Items, 2)
}
