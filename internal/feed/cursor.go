// Package feed keeps a live, ordered, growing window over a collection.
//
// A Cursor is made of segments. The head segment is the first page; LoadMore
// opens a tail segment starting after the current last item and, once the new
// page is open, re-anchors the previous tail to end exactly at that item. Every
// document between the top of the collection and the end of the newest page is
// therefore covered by some segment, even while documents are inserted at the
// head.
package feed

import (
	"context"
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/anonto42/tilt/backend/internal/docstore"
	"github.com/anonto42/tilt/backend/pkg/logger"
	"github.com/anonto42/tilt/backend/pkg/metrics"
)

const (
	// DefaultOrderBy is the ordering key of post feeds.
	DefaultOrderBy = "createdAt"
	// DefaultPageSize is the page size of post feeds.
	DefaultPageSize = 5
)

// ErrClosed is returned by LoadMore after Close.
var ErrClosed = errors.New("feed: cursor closed")

// Options configure a Cursor.
type Options struct {
	CollectionPath string
	OrderBy        string
	Direction      docstore.Direction
	PageSize       int
	Filters        []docstore.Filter
}

func (o Options) withDefaults() Options {
	if o.OrderBy == "" {
		o.OrderBy = DefaultOrderBy
	}
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	return o
}

// State is what a Cursor reports to its listeners.
type State struct {
	Items     []docstore.Document
	Loading   bool
	Exhausted bool
	Err       error
	// Head is set when the change came from the first page.
	Head bool
}

type segment struct {
	start *docstore.Bound
	end   *docstore.Bound
	limit int

	docs     []docstore.Document
	received bool
	unsub    docstore.Unsubscribe
	disposed bool

	// replaces is the segment this one supersedes once it first delivers.
	replaces *segment
}

func (s *segment) query(o Options) docstore.Query {
	return docstore.Query{
		CollectionPath: o.CollectionPath,
		OrderBy:        o.OrderBy,
		Direction:      o.Direction,
		Limit:          s.limit,
		StartAfter:     s.start,
		EndAt:          s.end,
		Filters:        o.Filters,
	}
}

// dispose marks s dead and hands back its unsubscribe for calling outside the
// lock. Only called with Cursor.mu held.
func (s *segment) dispose() docstore.Unsubscribe {
	s.disposed = true
	u := s.unsub
	s.unsub = nil
	return u
}

// Cursor is a live paginated view. It is safe for concurrent use.
type Cursor struct {
	store docstore.Store
	opts  Options

	mu        sync.Mutex
	gen       uint64
	segments  []*segment
	items     []docstore.Document
	loading   bool
	exhausted bool
	closed    bool
	err       error
	listeners map[uint64]func(State)
	nextID    uint64
}

// Open subscribes to the first page of opts.CollectionPath.
func Open(ctx context.Context, store docstore.Store, opts Options) (*Cursor, error) {
	c := &Cursor{
		store:     store,
		opts:      opts.withDefaults(),
		listeners: make(map[uint64]func(State)),
	}
	head := &segment{limit: c.opts.PageSize}
	c.mu.Lock()
	c.segments = []*segment{head}
	c.loading = true
	gen := c.gen
	c.mu.Unlock()

	if err := c.subscribe(ctx, head, gen); err != nil {
		return nil, err
	}
	return c, nil
}

// OnChange registers fn for every state change. The returned func removes it.
func (c *Cursor) OnChange(fn func(State)) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Cursor) subscribe(ctx context.Context, seg *segment, gen uint64) error {
	unsub, err := c.store.QueryOrdered(ctx, seg.query(c.opts), func(w docstore.Window) {
		c.deliver(seg, gen, w)
	})
	if err != nil {
		return err
	}
	unsub = tracked(unsub)
	c.mu.Lock()
	if seg.disposed || c.gen != gen {
		c.mu.Unlock()
		unsub()
		return nil
	}
	seg.unsub = unsub
	c.mu.Unlock()
	return nil
}

// tracked counts u in the open subscription gauge until it is called.
func tracked(u docstore.Unsubscribe) docstore.Unsubscribe {
	metrics.OpenSubscriptions.Inc()
	var once sync.Once
	return func() {
		once.Do(func() {
			u()
			metrics.OpenSubscriptions.Dec()
		})
	}
}

func (c *Cursor) deliver(seg *segment, gen uint64, w docstore.Window) {
	c.mu.Lock()
	if c.gen != gen || seg.disposed {
		c.mu.Unlock()
		return
	}
	var dispose []docstore.Unsubscribe
	tail := c.segments[len(c.segments)-1] == seg
	if w.Err != nil {
		logger.Log.Warn("feed window failed", zap.String("collection", c.opts.CollectionPath), zap.Error(w.Err))
		c.err = w.Err
		if tail {
			c.loading = false
		}
	} else {
		c.err = nil
		seg.docs = w.Documents
		seg.received = true
		if old := seg.replaces; old != nil {
			seg.replaces = nil
			if u := old.dispose(); u != nil {
				dispose = append(dispose, u)
			}
			c.remove(old)
		}
		if tail {
			c.loading = false
			c.exhausted = len(seg.docs) < seg.limit
			metrics.FeedPages.Observe(float64(len(c.segments)))
		}
		c.items = c.merge()
	}
	state := c.stateLocked()
	state.Head = c.segments[0] == seg
	ls := c.listenersLocked()
	c.mu.Unlock()

	for _, u := range dispose {
		u()
	}
	for _, l := range ls {
		l(state)
	}
}

func (c *Cursor) remove(seg *segment) {
	for i, s := range c.segments {
		if s == seg {
			c.segments = append(c.segments[:i], c.segments[i+1:]...)
			return
		}
	}
}

// merge is the id-deduplicated union of every segment in feed order.
func (c *Cursor) merge() []docstore.Document {
	seen := make(map[string]struct{})
	var out []docstore.Document
	for _, s := range c.segments {
		for _, d := range s.docs {
			if _, ok := seen[d.ID()]; ok {
				continue
			}
			seen[d.ID()] = struct{}{}
			out = append(out, d)
		}
	}
	sortDocs(out, c.opts)
	return out
}

func (c *Cursor) stateLocked() State {
	items := make([]docstore.Document, len(c.items))
	copy(items, c.items)
	return State{Items: items, Loading: c.loading, Exhausted: c.exhausted, Err: c.err}
}

func (c *Cursor) listenersLocked() []func(State) {
	ls := make([]func(State), 0, len(c.listeners))
	for _, l := range c.listeners {
		ls = append(ls, l)
	}
	return ls
}

// State returns the current view.
func (c *Cursor) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

// Items returns the current ordered window.
func (c *Cursor) Items() []docstore.Document {
	return c.State().Items
}

// Cursor is the position of the last item, nil while the window is empty.
func (c *Cursor) Cursor() *docstore.Bound {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.items) == 0 {
		return nil
	}
	return docstore.BoundOf(c.items[len(c.items)-1], c.opts.OrderBy)
}

// LoadMore opens the next page. It does nothing while a page is loading, once
// the collection is exhausted, or before the current page has arrived.
func (c *Cursor) LoadMore(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	prev := c.segments[len(c.segments)-1]
	if c.loading || c.exhausted || !prev.received || len(prev.docs) == 0 {
		c.mu.Unlock()
		return nil
	}
	at := docstore.BoundOf(prev.docs[len(prev.docs)-1], c.opts.OrderBy)
	anchored := &segment{start: prev.start, end: at, replaces: prev}
	next := &segment{start: at, limit: c.opts.PageSize}
	c.segments = append(c.segments, anchored, next)
	c.loading = true
	gen := c.gen
	c.mu.Unlock()

	err := c.subscribe(ctx, next, gen)
	if err == nil {
		err = c.subscribe(ctx, anchored, gen)
	}
	if err != nil {
		c.mu.Lock()
		var dispose []docstore.Unsubscribe
		for _, s := range []*segment{anchored, next} {
			if u := s.dispose(); u != nil {
				dispose = append(dispose, u)
			}
			c.remove(s)
		}
		c.loading = false
		c.mu.Unlock()
		for _, u := range dispose {
			u()
		}
		logger.Log.Warn("feed load more failed", zap.String("collection", c.opts.CollectionPath), zap.Error(err))
		return err
	}
	return nil
}

// Close disposes every subscription. Later deliveries are ignored.
func (c *Cursor) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.gen++
	var dispose []docstore.Unsubscribe
	for _, s := range c.segments {
		if u := s.dispose(); u != nil {
			dispose = append(dispose, u)
		}
	}
	c.segments = nil
	c.listeners = make(map[uint64]func(State))
	c.mu.Unlock()
	for _, u := range dispose {
		u()
	}
}

func sortDocs(docs []docstore.Document, o Options) {
	sort.SliceStable(docs, func(i, j int) bool {
		return docstore.Less(docs[i], docs[j], o.OrderBy, o.Direction)
	})
}
