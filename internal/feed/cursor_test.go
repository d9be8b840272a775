package feed

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anonto42/tilt/backend/internal/docstore"
)

func addPost(t *testing.T, s docstore.Store, id string, createdAt int64) {
	t.Helper()
	require.NoError(t, s.Set(context.Background(), "posts/"+id, docstore.Fields{"id": id, "createdAt": createdAt}))
}

func seed(t *testing.T, s docstore.Store, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		addPost(t, s, fmt.Sprintf("p%02d", i), int64(i))
	}
}

func itemIDs(docs []docstore.Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.ID()
	}
	return out
}

func assertUnique(t *testing.T, docs []docstore.Document) {
	t.Helper()
	seen := map[string]bool{}
	for _, d := range docs {
		assert.False(t, seen[d.ID()], "duplicate %s", d.ID())
		seen[d.ID()] = true
	}
}

func openPosts(t *testing.T, s docstore.Store, pageSize int) *Cursor {
	t.Helper()
	c, err := Open(context.Background(), s, Options{CollectionPath: "posts", PageSize: pageSize})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestCursor_FirstPage(t *testing.T) {
	s := docstore.NewMemoryStore()
	seed(t, s, 7)

	c := openPosts(t, s, 5)
	st := c.State()
	assert.Equal(t, []string{"p07", "p06", "p05", "p04", "p03"}, itemIDs(st.Items))
	assert.False(t, st.Loading)
	assert.False(t, st.Exhausted)
	assert.Equal(t, "p03", c.Cursor().ID)
}

func TestCursor_LoadMoreUntilExhausted(t *testing.T) {
	s := docstore.NewMemoryStore()
	seed(t, s, 12)
	c := openPosts(t, s, 5)

	require.NoError(t, c.LoadMore(context.Background()))
	st := c.State()
	assert.Len(t, st.Items, 10)
	assert.False(t, st.Exhausted)
	assertUnique(t, st.Items)

	require.NoError(t, c.LoadMore(context.Background()))
	st = c.State()
	assert.Len(t, st.Items, 12)
	assert.True(t, st.Exhausted)
	assertUnique(t, st.Items)

	require.NoError(t, c.LoadMore(context.Background()))
	assert.Len(t, c.Items(), 12)
}

func TestCursor_ExhaustedOnShortFirstPage(t *testing.T) {
	s := docstore.NewMemoryStore()
	seed(t, s, 3)
	c := openPosts(t, s, 5)
	assert.True(t, c.State().Exhausted)

	empty := docstore.NewMemoryStore()
	c2 := openPosts(t, empty, 5)
	assert.True(t, c2.State().Exhausted)
	assert.Nil(t, c2.Cursor())
}

func TestCursor_HeadInsertsKeepOrderAndNoGap(t *testing.T) {
	s := docstore.NewMemoryStore()
	seed(t, s, 10)
	c := openPosts(t, s, 5)
	require.NoError(t, c.LoadMore(context.Background()))
	before := itemIDs(c.Items())

	addPost(t, s, "p11", 11)
	addPost(t, s, "p12", 12)

	after := itemIDs(c.Items())
	assert.Equal(t, append([]string{"p12", "p11"}, before...), after)
	assertUnique(t, c.Items())

	pos := map[string]int{}
	for i, id := range after {
		pos[id] = i
	}
	for i := 1; i < len(before); i++ {
		assert.Less(t, pos[before[i-1]], pos[before[i]])
	}
}

func TestCursor_TiesBrokenByID(t *testing.T) {
	s := docstore.NewMemoryStore()
	for _, id := range []string{"b", "a", "d", "c"} {
		addPost(t, s, id, 1)
	}
	c := openPosts(t, s, 2)
	assert.Equal(t, []string{"a", "b"}, itemIDs(c.Items()))
	require.NoError(t, c.LoadMore(context.Background()))
	assert.Equal(t, []string{"a", "b", "c", "d"}, itemIDs(c.Items()))
}

func TestCursor_DeleteInsideWindow(t *testing.T) {
	s := docstore.NewMemoryStore()
	seed(t, s, 8)
	c := openPosts(t, s, 4)
	require.NoError(t, c.LoadMore(context.Background()))

	require.NoError(t, s.Delete(context.Background(), "posts/p06"))
	assert.Equal(t, []string{"p08", "p07", "p05", "p04", "p03", "p02", "p01"}, itemIDs(c.Items()))
}

func TestCursor_Filters(t *testing.T) {
	s := docstore.NewMemoryStore()
	ctx := context.Background()
	for i := 1; i <= 6; i++ {
		uid := "u1"
		if i%2 == 0 {
			uid = "u2"
		}
		require.NoError(t, s.Set(ctx, fmt.Sprintf("posts/p%d", i), docstore.Fields{"uid": uid, "createdAt": int64(i)}))
	}
	c, err := Open(ctx, s, Options{CollectionPath: "posts", PageSize: 5, Filters: []docstore.Filter{{Field: "uid", Value: "u2"}}})
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, []string{"p6", "p4", "p2"}, itemIDs(c.Items()))
}

func TestCursor_CloseDisposesEverything(t *testing.T) {
	s := docstore.NewMemoryStore()
	seed(t, s, 12)
	c, err := Open(context.Background(), s, Options{CollectionPath: "posts", PageSize: 5})
	require.NoError(t, err)
	require.NoError(t, c.LoadMore(context.Background()))
	assert.Equal(t, 2, s.Subscriptions())

	calls := 0
	c.OnChange(func(State) { calls++ })
	c.Close()
	c.Close()
	assert.Equal(t, 0, s.Subscriptions())

	addPost(t, s, "p13", 13)
	assert.Equal(t, 0, calls)
	assert.ErrorIs(t, c.LoadMore(context.Background()), ErrClosed)
}

func TestCursor_ListenerSeesHeadFlag(t *testing.T) {
	s := docstore.NewMemoryStore()
	seed(t, s, 3)
	c := openPosts(t, s, 5)

	var heads []bool
	c.OnChange(func(st State) { heads = append(heads, st.Head) })
	addPost(t, s, "p04", 4)
	require.Len(t, heads, 1)
	assert.True(t, heads[0])
}

func TestScrollTrigger_EdgeTriggered(t *testing.T) {
	fired := 0
	tr := NewScrollTrigger(func() { fired++ })

	assert.True(t, tr.Observe(true))
	assert.False(t, tr.Observe(true))
	assert.False(t, tr.Observe(true))
	assert.Equal(t, 1, fired)

	assert.False(t, tr.Observe(false))
	assert.True(t, tr.Observe(true))
	assert.Equal(t, 2, fired)
}

func TestScrollTrigger_DrivesCursor(t *testing.T) {
	s := docstore.NewMemoryStore()
	seed(t, s, 12)
	c := openPosts(t, s, 5)
	tr := NewScrollTrigger(func() { _ = c.LoadMore(context.Background()) })

	for i := 0; i < 4; i++ {
		tr.Observe(true)
	}
	assert.Len(t, c.Items(), 10)
	tr.Observe(false)
	tr.Observe(true)
	assert.Len(t, c.Items(), 12)
}
