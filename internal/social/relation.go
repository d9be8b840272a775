package social

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/anonto42/tilt/backend/internal/counter"
	"github.com/anonto42/tilt/backend/internal/docpath"
	"github.com/anonto42/tilt/backend/internal/docstore"
	"github.com/anonto42/tilt/backend/pkg/logger"
)

var (
	ErrNotReady = errors.New("social: relation not resolved")
	ErrBusy     = errors.New("social: write in flight")
)

// Relation is the follow button of one user card: whether the viewer follows
// the card's user and that user's follower count, updated optimistically.
type Relation struct {
	graph     *Graph
	actor     string
	target    string
	followers *counter.Tracker

	mu        sync.Mutex
	following bool
	resolved  bool
	busy      bool
	gen       uint64
	unwatch   docstore.Unsubscribe
	closed    bool
}

// Relation resolves whether actor follows target.
func (g *Graph) Relation(ctx context.Context, actor, target string) (*Relation, error) {
	var followers, version int64
	d, err := g.store.Get(ctx, docpath.UserPath(target).String())
	switch {
	case err == nil:
		followers, version = d.Int(FollowersField), d.Version
	case !docstore.IsNotFound(err):
		return nil, err
	}
	r := &Relation{graph: g, actor: actor, target: target, followers: counter.NewAt(followers, version)}
	if actor == target {
		r.resolved = true
		return r, nil
	}
	following, err := g.IsFollowing(ctx, actor, target)
	if err != nil {
		return nil, err
	}
	r.following = following
	r.resolved = true
	return r, nil
}

// Following reports the displayed state and whether it is resolved.
func (r *Relation) Following() (bool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.following, r.resolved
}

// Followers is the displayed follower count of the target.
func (r *Relation) Followers() *counter.Tracker { return r.followers }

// Toggle follows or unfollows. The displayed state changes at once and is
// restored if the write fails.
func (r *Relation) Toggle(ctx context.Context) error {
	if r.actor == r.target {
		return ErrSelfFollow
	}
	r.mu.Lock()
	if !r.resolved {
		r.mu.Unlock()
		return ErrNotReady
	}
	if r.busy {
		r.mu.Unlock()
		return ErrBusy
	}
	was := r.following
	r.following = !was
	r.busy = true
	r.mu.Unlock()

	delta := int64(1)
	if was {
		delta = -1
	}
	p := r.followers.ApplyLocalDelta(delta)

	var err error
	if was {
		err = r.graph.Unfollow(ctx, r.actor, r.target)
	} else {
		err = r.graph.Follow(ctx, r.actor, r.target)
	}

	r.mu.Lock()
	r.busy = false
	if err != nil {
		r.following = was
	}
	r.mu.Unlock()

	if err != nil {
		p.Rollback()
		return err
	}
	path := docpath.UserPath(r.target).String()
	d, gerr := r.graph.store.Get(ctx, path)
	if gerr != nil {
		logger.Log.Warn("user refresh failed", zap.String("path", path), zap.Error(gerr))
		p.Confirm(0)
		return nil
	}
	p.Confirm(d.Version)
	r.followers.ApplyServerSnapshot(d.Int(FollowersField), d.Version)
	return nil
}

// Watch follows the target's follower counter live until Close.
func (r *Relation) Watch(ctx context.Context) error {
	r.mu.Lock()
	if r.closed || r.unwatch != nil {
		r.mu.Unlock()
		return nil
	}
	r.gen++
	gen := r.gen
	r.mu.Unlock()

	path := docpath.UserPath(r.target).String()
	unsub, err := r.graph.store.SubscribeDocument(ctx, path, func(s docstore.Snapshot) {
		r.mu.Lock()
		stale := r.gen != gen || r.closed
		r.mu.Unlock()
		switch {
		case stale:
		case s.Err != nil:
			logger.Log.Warn("user subscription failed", zap.String("path", path), zap.Error(s.Err))
		case s.Document != nil:
			r.followers.ApplyServerSnapshot(s.Document.Int(FollowersField), s.Document.Version)
		}
	})
	if err != nil {
		return err
	}
	r.mu.Lock()
	if r.closed || r.gen != gen {
		r.mu.Unlock()
		unsub()
		return nil
	}
	r.unwatch = unsub
	r.mu.Unlock()
	return nil
}

// Close stops Watch.
func (r *Relation) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.gen++
	u := r.unwatch
	r.unwatch = nil
	r.mu.Unlock()
	if u != nil {
		u()
	}
}
