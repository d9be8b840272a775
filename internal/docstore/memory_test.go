package docstore

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedPosts(t *testing.T, s *MemoryStore, keys map[string]int64) {
	t.Helper()
	for id, k := range keys {
		require.NoError(t, s.Set(context.Background(), "posts/"+id, Fields{"id": id, "dateCreated": k}))
	}
}

func ids(docs []Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.ID()
	}
	return out
}

func TestMemoryStore_GetSetUpdateDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Get(ctx, "posts/p1")
	assert.True(t, IsNotFound(err))

	require.NoError(t, s.Set(ctx, "posts/p1", Fields{"body": "hi", "likesCounter": int64(0)}))
	require.NoError(t, s.Update(ctx, "posts/p1", Fields{"body": "edited"}))
	d, err := s.Get(ctx, "posts/p1")
	require.NoError(t, err)
	assert.Equal(t, "edited", d.String("body"))
	assert.Equal(t, int64(0), d.Int("likesCounter"))

	assert.True(t, IsNotFound(s.Update(ctx, "posts/missing", Fields{"x": 1})))

	require.NoError(t, s.Delete(ctx, "posts/p1"))
	_, err = s.Get(ctx, "posts/p1")
	assert.True(t, IsNotFound(err))
}

func TestMemoryStore_IncrementCreates(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Increment(ctx, "users/u1", "score", 3))
	require.NoError(t, s.Increment(ctx, "users/u1", "score", -1))
	d, err := s.Get(ctx, "users/u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), d.Int("score"))
}

func TestMemoryStore_MalformedPath(t *testing.T) {
	s := NewMemoryStore()
	assert.Error(t, s.Set(context.Background(), "posts", Fields{}))
	_, err := s.QueryOrdered(context.Background(), Query{CollectionPath: "posts/p1"}, func(Window) {})
	assert.Error(t, err)
}

func TestMemoryStore_QueryWindows(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedPosts(t, s, map[string]int64{"a": 10, "b": 9, "c": 9, "d": 7, "e": 5})

	var got []Document
	q := Query{CollectionPath: "posts", OrderBy: "dateCreated", Limit: 3}
	unsub, err := s.QueryOrdered(ctx, q, func(w Window) { got = w.Documents })
	require.NoError(t, err)
	defer unsub()
	assert.Equal(t, []string{"a", "b", "c"}, ids(got))

	tail := Query{CollectionPath: "posts", OrderBy: "dateCreated", StartAfter: &Bound{Value: int64(9), ID: "b"}, Limit: 2}
	unsub2, err := s.QueryOrdered(ctx, tail, func(w Window) { got = w.Documents })
	require.NoError(t, err)
	defer unsub2()
	assert.Equal(t, []string{"c", "d"}, ids(got))

	anchored := Query{CollectionPath: "posts", OrderBy: "dateCreated", EndAt: &Bound{Value: int64(9), ID: "c"}}
	docs, err := s.Documents(ctx, "posts", anchored)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids(docs))

	n, err := s.Count(ctx, Query{CollectionPath: "posts", Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
}

func TestMemoryStore_LiveDelivery(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedPosts(t, s, map[string]int64{"a": 1})

	var windows [][]string
	unsub, err := s.QueryOrdered(ctx, Query{CollectionPath: "posts", OrderBy: "dateCreated"}, func(w Window) {
		windows = append(windows, ids(w.Documents))
	})
	require.NoError(t, err)

	require.NoError(t, s.Set(ctx, "posts/b", Fields{"dateCreated": int64(2)}))
	require.NoError(t, s.Set(ctx, "posts/b/posts/r1", Fields{"dateCreated": int64(3)}))
	assert.Equal(t, [][]string{{"a"}, {"b", "a"}}, windows)

	unsub()
	unsub()
	require.NoError(t, s.Set(ctx, "posts/c", Fields{"dateCreated": int64(3)}))
	assert.Len(t, windows, 2)
	assert.Equal(t, 0, s.Subscriptions())
}

func TestMemoryStore_DocumentSubscription(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var snaps []Snapshot
	unsub, err := s.SubscribeDocument(ctx, "posts/p1", func(sn Snapshot) { snaps = append(snaps, sn) })
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, s.Increment(ctx, "posts/p1", "likesCounter", 1))
	require.NoError(t, s.Delete(ctx, "posts/p1"))

	require.Len(t, snaps, 3)
	assert.Nil(t, snaps[0].Document)
	assert.Equal(t, int64(1), snaps[1].Document.Int("likesCounter"))
	assert.Nil(t, snaps[2].Document)
}

func TestMemoryStore_ReentrantWriteIsQueued(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var seen []int64
	unsub, err := s.SubscribeDocument(ctx, "users/u1", func(sn Snapshot) {
		var n int64
		if sn.Document != nil {
			n = sn.Document.Int("score")
		}
		seen = append(seen, n)
		if n < 2 {
			require.NoError(t, s.Increment(ctx, "users/u1", "score", 1))
		}
	})
	require.NoError(t, err)
	defer unsub()

	assert.Equal(t, []int64{0, 1, 2}, seen)
}

func TestMemoryStore_TransactionAtomic(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Set(ctx, "posts/p1", Fields{"likesCounter": int64(0)}))

	boom := errors.New("boom")
	s.SetWriteHook(func(op, path string) error {
		if path == "users/u1" {
			return boom
		}
		return nil
	})

	err := s.RunTransaction(ctx, func(_ context.Context, tx Tx) error {
		if err := tx.Set("posts/p1/likes/u2", Fields{"uid": "u2"}); err != nil {
			return err
		}
		if err := tx.Increment("posts/p1", Deltas{"likesCounter": 1}); err != nil {
			return err
		}
		return tx.Increment("users/u1", Deltas{"likesCounter": 1, "score": 1})
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.Get(ctx, "posts/p1/likes/u2")
	assert.True(t, IsNotFound(err))
	d, err := s.Get(ctx, "posts/p1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), d.Int("likesCounter"))

	s.SetWriteHook(nil)
	err = s.RunTransaction(ctx, func(_ context.Context, tx Tx) error {
		return tx.Increment("posts/p1", Deltas{"likesCounter": 1})
	})
	require.NoError(t, err)
	d, err = s.Get(ctx, "posts/p1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), d.Int("likesCounter"))
}

func TestMemoryStore_TransactionReadAfterWrite(t *testing.T) {
	s := NewMemoryStore()
	err := s.RunTransaction(context.Background(), func(_ context.Context, tx Tx) error {
		if err := tx.Set("users/u1", Fields{}); err != nil {
			return err
		}
		_, err := tx.Exists("users/u1")
		return err
	})
	assert.Error(t, err)
}

func TestMemoryStore_FindByID(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Set(ctx, "posts/p1", Fields{}))
	require.NoError(t, s.Set(ctx, "posts/p1/posts/p2", Fields{}))

	d, err := s.FindByID(ctx, "posts", "p2")
	require.NoError(t, err)
	assert.Equal(t, "posts/p1/posts/p2", d.Path.String())

	_, err = s.FindByID(ctx, "posts", "nope")
	assert.True(t, IsNotFound(err))
}

func TestMemoryStore_Closed(t *testing.T) {
	s := NewMemoryStore()
	calls := 0
	_, err := s.QueryOrdered(context.Background(), Query{CollectionPath: "posts"}, func(Window) { calls++ })
	require.NoError(t, err)
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Set(context.Background(), "posts/x", Fields{}), ErrClosed)
	_, err = s.Get(context.Background(), fmt.Sprintf("posts/%s", "x"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, 1, calls)
}

func TestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedPosts(t, s, map[string]int64{"a": 1, "b": 2, "c": 3})

	docs, err := First(ctx, s, Query{CollectionPath: "posts", OrderBy: "dateCreated", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b"}, ids(docs))
	assert.Equal(t, 0, s.Subscriptions())
}

func TestMemoryStore_VersionsGrowWithWrites(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Set(ctx, "posts/a", Fields{"n": int64(1)}))
	a, err := s.Get(ctx, "posts/a")
	require.NoError(t, err)

	require.NoError(t, s.RunTransaction(ctx, func(_ context.Context, tx Tx) error {
		return tx.Increment("posts/a", Deltas{"n": 1})
	}))
	b, err := s.Get(ctx, "posts/a")
	require.NoError(t, err)
	assert.Greater(t, b.Version, a.Version)

	var seen []int64
	unsub, err := s.SubscribeDocument(ctx, "posts/a", func(snap Snapshot) {
		if snap.Document != nil {
			seen = append(seen, snap.Document.Version)
		}
	})
	require.NoError(t, err)
	defer unsub()
	require.NoError(t, s.Increment(ctx, "posts/a", "n", 1))
	require.Len(t, seen, 2)
	assert.Equal(t, b.Version, seen[0])
	assert.Greater(t, seen[1], seen[0])
}
