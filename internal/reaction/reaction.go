// Package reaction tracks one user's like or dislike of one post, applies the
// change to the displayed counters at once and commits every remote effect of
// it in a single transaction.
package reaction

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/anonto42/tilt/backend/internal/counter"
	"github.com/anonto42/tilt/backend/internal/docpath"
	"github.com/anonto42/tilt/backend/internal/docstore"
	"github.com/anonto42/tilt/backend/internal/notifications"
	"github.com/anonto42/tilt/backend/internal/retry"
	"github.com/anonto42/tilt/backend/pkg/logger"
	"github.com/anonto42/tilt/backend/pkg/metrics"
)

// State of a user's reaction to a post.
type State int

const (
	Neutral State = iota
	Liked
	Disliked
)

func (s State) String() string {
	switch s {
	case Liked:
		return "liked"
	case Disliked:
		return "disliked"
	}
	return "neutral"
}

// Action is what the user clicked.
type Action int

const (
	Like Action = iota
	Dislike
)

func (a Action) String() string {
	if a == Dislike {
		return "dislike"
	}
	return "like"
}

const (
	LikesCollection    = "likes"
	DislikesCollection = "dislikes"

	LikesField    = "likesCounter"
	DislikesField = "dislikesCounter"
	ScoreField    = "score"
)

var (
	// ErrNotReady is returned before the initial state has been resolved.
	ErrNotReady = errors.New("reaction: state not resolved")
	// ErrBusy is returned while a previous action is still being written.
	ErrBusy = errors.New("reaction: write in flight")
)

// plan is the full effect of one action from one state.
type plan struct {
	next          State
	likeDelta     int64
	dislikeDelta  int64
	setEdge       string
	deleteEdges   []string
	notify        notifications.Kind
	clearNotified bool
}

func (p plan) scoreDelta() int64 { return p.likeDelta - p.dislikeDelta }

// transition computes the effect of a from s. Clicking the active reaction
// clears it; clicking the other one switches.
func transition(s State, a Action) plan {
	switch {
	case a == Like && s == Liked:
		return plan{next: Neutral, likeDelta: -1, deleteEdges: []string{LikesCollection}, clearNotified: true}
	case a == Like && s == Disliked:
		return plan{next: Liked, likeDelta: 1, dislikeDelta: -1, setEdge: LikesCollection, deleteEdges: []string{DislikesCollection}, notify: notifications.Like}
	case a == Like:
		return plan{next: Liked, likeDelta: 1, setEdge: LikesCollection, notify: notifications.Like}
	case a == Dislike && s == Disliked:
		return plan{next: Neutral, dislikeDelta: -1, deleteEdges: []string{DislikesCollection}, clearNotified: true}
	case a == Dislike && s == Liked:
		return plan{next: Disliked, likeDelta: -1, dislikeDelta: 1, setEdge: DislikesCollection, deleteEdges: []string{LikesCollection}, notify: notifications.Dislike}
	default:
		return plan{next: Disliked, dislikeDelta: 1, setEdge: DislikesCollection, notify: notifications.Dislike}
	}
}

// reconcile is the effect of moving the stored edges to target. Edges already
// matching target cost nothing, so repeating a committed action is a no-op and
// a user holding both edges is repaired.
func reconcile(liked, disliked bool, target State) plan {
	p := plan{next: target}
	wantLiked, wantDisliked := target == Liked, target == Disliked
	p.likeDelta = edgeDelta(liked, wantLiked)
	p.dislikeDelta = edgeDelta(disliked, wantDisliked)
	switch {
	case wantLiked && !liked:
		p.setEdge = LikesCollection
	case wantDisliked && !disliked:
		p.setEdge = DislikesCollection
	}
	if liked && !wantLiked {
		p.deleteEdges = append(p.deleteEdges, LikesCollection)
	}
	if disliked && !wantDisliked {
		p.deleteEdges = append(p.deleteEdges, DislikesCollection)
	}
	if !p.changes() {
		return p
	}
	switch target {
	case Liked:
		p.notify = notifications.Like
	case Disliked:
		p.notify = notifications.Dislike
	default:
		p.clearNotified = true
	}
	return p
}

func edgeDelta(have, want bool) int64 {
	switch {
	case want && !have:
		return 1
	case have && !want:
		return -1
	}
	return 0
}

func (p plan) changes() bool { return p.setEdge != "" || len(p.deleteEdges) > 0 }

// Options tune a Machine.
type Options struct {
	Retry retry.Policy
	Now   func() time.Time
}

// Machine is the reaction of Actor to one post.
type Machine struct {
	store  docstore.Store
	actor  string
	post   docpath.Path
	author string
	opts   Options

	likes    *counter.Tracker
	dislikes *counter.Tracker

	mu       sync.Mutex
	state    State
	resolved bool
	busy     bool
	gen      uint64
	unwatch  docstore.Unsubscribe
	closed   bool
}

// New builds the machine for actor on post, seeding the counters from the
// post's stored values. The author is the post's uid field.
func New(store docstore.Store, actor string, post docstore.Document, opts Options) *Machine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Machine{
		store:    store,
		actor:    actor,
		post:     post.Path,
		author:   post.String("uid"),
		opts:     opts,
		likes:    counter.NewAt(post.Int(LikesField), post.Version),
		dislikes: counter.NewAt(post.Int(DislikesField), post.Version),
	}
}

// Load reads post at path and builds its machine, already resolved.
func Load(ctx context.Context, store docstore.Store, actor string, path docpath.Path, opts Options) (*Machine, error) {
	doc, err := store.Get(ctx, path.String())
	if err != nil {
		return nil, err
	}
	m := New(store, actor, *doc, opts)
	if err := m.Resolve(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Machine) edgePath(collection string) string {
	return m.post.Sub(collection, m.actor).String()
}

// Likes is the displayed like counter.
func (m *Machine) Likes() *counter.Tracker { return m.likes }

// Dislikes is the displayed dislike counter.
func (m *Machine) Dislikes() *counter.Tracker { return m.dislikes }

// Post is the path of the post.
func (m *Machine) Post() docpath.Path { return m.post }

// State returns the current state and whether it has been resolved.
func (m *Machine) State() (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.resolved
}

// Resolve reads the user's like and dislike edges concurrently and sets the
// initial state. Actions are refused until it succeeds.
func (m *Machine) Resolve(ctx context.Context) error {
	var liked, disliked bool
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ok, err := m.exists(gctx, LikesCollection)
		liked = ok
		return err
	})
	g.Go(func() error {
		ok, err := m.exists(gctx, DislikesCollection)
		disliked = ok
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	state := Neutral
	switch {
	case liked && disliked:
		logger.Log.Warn("user holds both reactions", zap.String("post", m.post.String()), zap.String("uid", m.actor))
		state = Liked
	case liked:
		state = Liked
	case disliked:
		state = Disliked
	}

	m.mu.Lock()
	if !m.busy {
		m.state = state
	}
	m.resolved = true
	m.mu.Unlock()
	return nil
}

func (m *Machine) exists(ctx context.Context, collection string) (bool, error) {
	_, err := m.store.Get(ctx, m.edgePath(collection))
	if docstore.IsNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

// Watch feeds live snapshots of the post's counters into the trackers until
// Close.
func (m *Machine) Watch(ctx context.Context) error {
	m.mu.Lock()
	if m.closed || m.unwatch != nil {
		m.mu.Unlock()
		return nil
	}
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	unsub, err := m.store.SubscribeDocument(ctx, m.post.String(), func(s docstore.Snapshot) {
		m.mu.Lock()
		stale := m.gen != gen || m.closed
		m.mu.Unlock()
		if stale {
			return
		}
		if s.Err != nil {
			logger.Log.Warn("post subscription failed", zap.String("post", m.post.String()), zap.Error(s.Err))
			return
		}
		if s.Document != nil {
			m.applySnapshot(*s.Document)
		}
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed || m.gen != gen {
		m.mu.Unlock()
		unsub()
		return nil
	}
	m.unwatch = unsub
	m.mu.Unlock()
	return nil
}

func (m *Machine) applySnapshot(d docstore.Document) {
	m.likes.ApplyServerSnapshot(d.Int(LikesField), d.Version)
	m.dislikes.ApplyServerSnapshot(d.Int(DislikesField), d.Version)
}

// Like toggles the like.
func (m *Machine) Like(ctx context.Context) error { return m.act(ctx, Like) }

// Dislike toggles the dislike.
func (m *Machine) Dislike(ctx context.Context) error { return m.act(ctx, Dislike) }

func (m *Machine) act(ctx context.Context, a Action) error {
	m.mu.Lock()
	if !m.resolved {
		m.mu.Unlock()
		return ErrNotReady
	}
	if m.busy {
		m.mu.Unlock()
		return ErrBusy
	}
	prev := m.state
	p := transition(prev, a)
	m.state = p.next
	m.busy = true
	m.mu.Unlock()

	var pending []*counter.Pending
	if p.likeDelta != 0 {
		pending = append(pending, m.likes.ApplyLocalDelta(p.likeDelta))
	}
	if p.dislikeDelta != 0 {
		pending = append(pending, m.dislikes.ApplyLocalDelta(p.dislikeDelta))
	}

	err := retry.Do(ctx, m.opts.Retry, func() error {
		return m.store.RunTransaction(ctx, func(_ context.Context, tx docstore.Tx) error {
			return m.commit(tx, p.next)
		})
	})

	m.mu.Lock()
	m.busy = false
	if err != nil {
		m.state = prev
	}
	m.mu.Unlock()

	if err != nil {
		for _, pd := range pending {
			pd.Rollback()
		}
		conflict := &docstore.WriteConflictError{Op: a.String(), Path: m.post.String(), Err: err}
		logger.Log.Error("reaction write failed, rolled back",
			zap.String("post", m.post.String()),
			zap.String("uid", m.actor),
			zap.String("action", a.String()),
			zap.Error(err))
		metrics.WriteFailures.WithLabelValues(a.String()).Inc()
		return conflict
	}

	d := m.refresh(ctx)
	var version int64
	if d != nil {
		version = d.Version
	}
	for _, pd := range pending {
		pd.Confirm(version)
	}
	if d != nil {
		m.applySnapshot(*d)
	}
	metrics.Reactions.WithLabelValues(a.String() + ":" + p.next.String()).Inc()
	return nil
}

// commit reads the stored edges and stages every remote effect of moving them
// to target.
func (m *Machine) commit(tx docstore.Tx, target State) error {
	liked, err := tx.Exists(m.edgePath(LikesCollection))
	if err != nil {
		return err
	}
	disliked, err := tx.Exists(m.edgePath(DislikesCollection))
	if err != nil {
		return err
	}
	p := reconcile(liked, disliked, target)
	if !p.changes() {
		return nil
	}
	if liked && disliked {
		logger.Log.Warn("repairing double reaction", zap.String("post", m.post.String()), zap.String("uid", m.actor))
	}

	if p.setEdge != "" {
		if err := tx.Set(m.edgePath(p.setEdge), docstore.Fields{"uid": m.actor}); err != nil {
			return err
		}
	}
	for _, c := range p.deleteEdges {
		if err := tx.Delete(m.edgePath(c)); err != nil {
			return err
		}
	}

	deltas := docstore.Deltas{ScoreField: p.scoreDelta()}
	if p.likeDelta != 0 {
		deltas[LikesField] = p.likeDelta
	}
	if p.dislikeDelta != 0 {
		deltas[DislikesField] = p.dislikeDelta
	}
	if err := tx.Increment(m.post.String(), deltas); err != nil {
		return err
	}
	if m.author != "" {
		if err := tx.Increment(docpath.UserPath(m.author).String(), deltas); err != nil {
			return err
		}
	}

	if m.author == "" || m.author == m.actor {
		return nil
	}
	nid := notifications.Path(m.author, notifications.ReactionID(m.post.ID(), m.actor))
	if p.clearNotified {
		return tx.Delete(nid)
	}
	n, ok := notifications.New(p.notify, m.actor, m.author, m.post.ID(), m.opts.Now())
	if !ok {
		return nil
	}
	return tx.Set(n.Path(), n.Fields())
}

// refresh reads the post after a committed write. Its version includes the
// write, so confirmed deltas fold into it even when no live subscription is
// open. It returns nil when the read fails.
func (m *Machine) refresh(ctx context.Context) *docstore.Document {
	d, err := m.store.Get(ctx, m.post.String())
	if err != nil {
		logger.Log.Warn("post refresh failed", zap.String("post", m.post.String()), zap.Error(err))
		return nil
	}
	return d
}

// Close stops Watch. Deliveries after Close are ignored.
func (m *Machine) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.gen++
	u := m.unwatch
	m.unwatch = nil
	m.mu.Unlock()
	if u != nil {
		u()
	}
}
