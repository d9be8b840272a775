// Package thread assembles the view of one post: every ancestor from the root
// down, the post itself and a live page of its direct replies.
package thread

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/anonto42/tilt/backend/internal/docpath"
	"github.com/anonto42/tilt/backend/internal/docstore"
	"github.com/anonto42/tilt/backend/internal/feed"
	"github.com/anonto42/tilt/backend/pkg/logger"
)

// Status of a thread view.
type Status string

const (
	Loading  Status = "loading"
	Ready    Status = "ready"
	NotFound Status = "not_found"
)

// Thread is a snapshot of an assembled thread.
type Thread struct {
	ID               string
	Status           Status
	Path             docpath.Path
	Ancestors        []docstore.Document
	Target           *docstore.Document
	Replies          []docstore.Document
	RepliesExhausted bool
}

// Options tune an Assembler.
type Options struct {
	PageSize int
}

// Assembler owns the live subscriptions of one thread view. Navigate replaces
// them; Close disposes them.
type Assembler struct {
	store   docstore.Store
	locator Locator
	opts    Options

	mu        sync.Mutex
	gen       uint64
	id        string
	status    Status
	path      docpath.Path
	ancestors []*docstore.Document
	target    *docstore.Document
	replies   *feed.Cursor
	subs      []docstore.Unsubscribe
	closed    bool
	listeners map[uint64]func(Thread)
	nextID    uint64
}

// New returns an idle assembler.
func New(store docstore.Store, locator Locator, opts Options) *Assembler {
	return &Assembler{
		store:     store,
		locator:   locator,
		opts:      opts,
		listeners: make(map[uint64]func(Thread)),
	}
}

// Open assembles the thread of id.
func Open(ctx context.Context, store docstore.Store, locator Locator, id string, opts Options) (*Assembler, error) {
	a := New(store, locator, opts)
	if err := a.Navigate(ctx, id); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// OnChange registers fn for every change of the view.
func (a *Assembler) OnChange(fn func(Thread)) func() {
	a.mu.Lock()
	a.nextID++
	id := a.nextID
	a.listeners[id] = fn
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		delete(a.listeners, id)
		a.mu.Unlock()
	}
}

// reset drops the current view and returns what must be disposed. Called with
// a.mu held.
func (a *Assembler) reset() ([]docstore.Unsubscribe, *feed.Cursor) {
	a.gen++
	subs, replies := a.subs, a.replies
	a.subs, a.replies = nil, nil
	a.ancestors, a.target = nil, nil
	a.path = docpath.Path{}
	return subs, replies
}

func dispose(subs []docstore.Unsubscribe, replies *feed.Cursor) {
	for _, u := range subs {
		u()
	}
	if replies != nil {
		replies.Close()
	}
}

// Navigate disposes the current view and assembles the thread of id. A post
// that cannot be found leaves the view in the NotFound state without error.
func (a *Assembler) Navigate(ctx context.Context, id string) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return errors.New("thread: assembler closed")
	}
	subs, replies := a.reset()
	gen := a.gen
	a.id = id
	a.status = Loading
	a.mu.Unlock()
	dispose(subs, replies)

	path, err := a.locator.Locate(ctx, id)
	if docstore.IsNotFound(err) {
		a.setStatus(gen, NotFound)
		return nil
	}
	if err != nil {
		a.setStatus(gen, NotFound)
		return err
	}

	chain := path.AncestorChain()
	a.mu.Lock()
	if a.gen != gen {
		a.mu.Unlock()
		return nil
	}
	a.path = path
	a.ancestors = make([]*docstore.Document, len(chain))
	a.mu.Unlock()

	for i, anc := range chain {
		i := i
		err := a.watch(ctx, gen, anc.DocumentPath(), func(d *docstore.Document) {
			a.ancestors[i] = d
		})
		if err != nil {
			return err
		}
	}
	err = a.watch(ctx, gen, path.String(), func(d *docstore.Document) {
		a.target = d
		if d == nil {
			a.status = NotFound
		} else {
			a.status = Ready
		}
	})
	if err != nil {
		return err
	}

	c, err := feed.Open(ctx, a.store, feed.Options{CollectionPath: path.RepliesPath(), PageSize: a.opts.PageSize})
	if err != nil {
		return err
	}
	stop := c.OnChange(func(feed.State) { a.emit(gen) })
	a.mu.Lock()
	if a.gen != gen {
		a.mu.Unlock()
		stop()
		c.Close()
		return nil
	}
	a.replies = c
	a.subs = append(a.subs, docstore.Unsubscribe(stop))
	a.mu.Unlock()
	a.emit(gen)
	return nil
}

// watch opens a point subscription whose deliveries run set under the lock
// while gen is current.
func (a *Assembler) watch(ctx context.Context, gen uint64, path string, set func(*docstore.Document)) error {
	unsub, err := a.store.SubscribeDocument(ctx, path, func(s docstore.Snapshot) {
		if s.Err != nil {
			logger.Log.Warn("thread subscription failed", zap.String("path", path), zap.Error(s.Err))
			return
		}
		a.mu.Lock()
		if a.gen != gen {
			a.mu.Unlock()
			return
		}
		set(s.Document)
		a.mu.Unlock()
		a.emit(gen)
	})
	if err != nil {
		return err
	}
	a.mu.Lock()
	if a.gen != gen {
		a.mu.Unlock()
		unsub()
		return nil
	}
	a.subs = append(a.subs, unsub)
	a.mu.Unlock()
	return nil
}

func (a *Assembler) setStatus(gen uint64, s Status) {
	a.mu.Lock()
	if a.gen != gen {
		a.mu.Unlock()
		return
	}
	a.status = s
	a.mu.Unlock()
	a.emit(gen)
}

func (a *Assembler) emit(gen uint64) {
	a.mu.Lock()
	if a.gen != gen {
		a.mu.Unlock()
		return
	}
	t := a.snapshotLocked()
	ls := make([]func(Thread), 0, len(a.listeners))
	for _, l := range a.listeners {
		ls = append(ls, l)
	}
	a.mu.Unlock()
	for _, l := range ls {
		l(t)
	}
}

func (a *Assembler) snapshotLocked() Thread {
	t := Thread{ID: a.id, Status: a.status, Path: a.path, Ancestors: []docstore.Document{}}
	for _, d := range a.ancestors {
		if d != nil {
			t.Ancestors = append(t.Ancestors, *d)
		}
	}
	if a.target != nil {
		d := *a.target
		t.Target = &d
	}
	if a.replies != nil {
		st := a.replies.State()
		t.Replies = st.Items
		t.RepliesExhausted = st.Exhausted
	}
	return t
}

// Snapshot returns the current view.
func (a *Assembler) Snapshot() Thread {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

// LoadMoreReplies grows the reply page.
func (a *Assembler) LoadMoreReplies(ctx context.Context) error {
	a.mu.Lock()
	c := a.replies
	a.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.LoadMore(ctx)
}

// Close disposes every subscription of the view.
func (a *Assembler) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	subs, replies := a.reset()
	a.listeners = make(map[uint64]func(Thread))
	a.mu.Unlock()
	dispose(subs, replies)
}

// Load assembles the thread of id once, without live subscriptions.
func Load(ctx context.Context, store docstore.Store, locator Locator, id string, opts Options) (Thread, error) {
	t := Thread{ID: id, Status: NotFound, Ancestors: []docstore.Document{}}
	path, err := locator.Locate(ctx, id)
	if docstore.IsNotFound(err) {
		return t, nil
	}
	if err != nil {
		return t, err
	}
	t.Path = path

	chain := path.AncestorChain()
	ancestors := make([]*docstore.Document, len(chain))
	var target *docstore.Document
	var replies []docstore.Document

	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = feed.DefaultPageSize
	}
	g, gctx := errgroup.WithContext(ctx)
	for i, anc := range chain {
		i, p := i, anc.DocumentPath()
		g.Go(func() error {
			d, err := store.Get(gctx, p)
			if docstore.IsNotFound(err) {
				return nil
			}
			ancestors[i] = d
			return err
		})
	}
	g.Go(func() error {
		d, err := store.Get(gctx, path.String())
		if docstore.IsNotFound(err) {
			return nil
		}
		target = d
		return err
	})
	g.Go(func() error {
		docs, err := docstore.First(gctx, store, docstore.Query{
			CollectionPath: path.RepliesPath(),
			OrderBy:        feed.DefaultOrderBy,
			Limit:          pageSize,
		})
		replies = docs
		return err
	})
	if err := g.Wait(); err != nil {
		return t, err
	}

	for _, d := range ancestors {
		if d != nil {
			t.Ancestors = append(t.Ancestors, *d)
		}
	}
	if target == nil {
		return t, nil
	}
	t.Status = Ready
	t.Target = target
	t.Replies = replies
	t.RepliesExhausted = len(replies) < pageSize
	return t, nil
}
