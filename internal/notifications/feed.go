package notifications

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/anonto42/tilt/backend/internal/docstore"
	"github.com/anonto42/tilt/backend/internal/feed"
	"github.com/anonto42/tilt/backend/pkg/logger"
)

// DefaultPageSize of the notification feed.
const DefaultPageSize = 7

// View is the state of a Feed.
type View struct {
	Items       []Notification `json:"items"`
	UnreadCount int64          `json:"unreadCount"`
	Loading     bool           `json:"loading"`
	Exhausted   bool           `json:"exhausted"`
}

// Feed is the live inbox of one user, newest first, with an aggregate count.
type Feed struct {
	store  docstore.Store
	uid    string
	ctx    context.Context
	cursor *feed.Cursor
	stop   func()

	mu        sync.Mutex
	uncount   docstore.Unsubscribe
	unread    int64
	closed    bool
	listeners map[uint64]func(View)
	nextID    uint64
}

// OpenFeed subscribes to the inbox of uid.
func OpenFeed(ctx context.Context, store docstore.Store, uid string, pageSize int) (*Feed, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	c, err := feed.Open(ctx, store, feed.Options{
		CollectionPath: CollectionPath(uid),
		OrderBy:        OrderBy,
		PageSize:       pageSize,
	})
	if err != nil {
		return nil, err
	}
	f := &Feed{
		store:     store,
		uid:       uid,
		ctx:       context.WithoutCancel(ctx),
		cursor:    c,
		listeners: make(map[uint64]func(View)),
	}
	f.stop = c.OnChange(func(feed.State) { f.emit() })
	uncount, err := store.QueryOrdered(f.ctx, docstore.Query{CollectionPath: CollectionPath(uid), OrderBy: OrderBy}, f.counted)
	if err != nil {
		f.stop()
		c.Close()
		return nil, err
	}
	f.mu.Lock()
	f.uncount = uncount
	f.mu.Unlock()
	return f, nil
}

// counted takes the total from every delivery of the whole inbox, so removals
// beyond the loaded pages are counted too.
func (f *Feed) counted(w docstore.Window) {
	if w.Err != nil {
		logger.Log.Warn("notification count failed", zap.String("uid", f.uid), zap.Error(w.Err))
		return
	}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	moved := f.unread != int64(len(w.Documents))
	f.unread = int64(len(w.Documents))
	f.mu.Unlock()
	if moved {
		f.emit()
	}
}

func (f *Feed) emit() {
	v := f.View()
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	ls := make([]func(View), 0, len(f.listeners))
	for _, l := range f.listeners {
		ls = append(ls, l)
	}
	f.mu.Unlock()
	for _, l := range ls {
		l(v)
	}
}

// OnChange registers fn for every change of the view.
func (f *Feed) OnChange(fn func(View)) func() {
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.listeners[id] = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.listeners, id)
		f.mu.Unlock()
	}
}

// View returns the current state.
func (f *Feed) View() View {
	st := f.cursor.State()
	items := make([]Notification, len(st.Items))
	for i, d := range st.Items {
		items[i] = FromDocument(d)
	}
	return View{Items: items, UnreadCount: f.UnreadCount(), Loading: st.Loading, Exhausted: st.Exhausted}
}

// UnreadCount is the total number of notifications in the inbox.
func (f *Feed) UnreadCount() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unread
}

// LoadMore fetches the next page.
func (f *Feed) LoadMore(ctx context.Context) error {
	return f.cursor.LoadMore(ctx)
}

// Dismiss deletes notification id from the inbox.
func (f *Feed) Dismiss(ctx context.Context, id string) error {
	return Dismiss(ctx, f.store, f.uid, id)
}

// Close disposes the feed.
func (f *Feed) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	uncount := f.uncount
	f.uncount = nil
	f.mu.Unlock()
	f.stop()
	f.cursor.Close()
	if uncount != nil {
		uncount()
	}
}

// Dismiss deletes notification id from the inbox of uid.
func Dismiss(ctx context.Context, store docstore.Store, uid, id string) error {
	return store.Delete(ctx, Path(uid, id))
}

// Unread counts the inbox of uid.
func Unread(ctx context.Context, store docstore.Store, uid string) (int64, error) {
	return store.Count(ctx, docstore.Query{CollectionPath: CollectionPath(uid)})
}
