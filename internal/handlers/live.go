package handlers

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/anonto42/tilt/backend/internal/docstore"
	"github.com/anonto42/tilt/backend/internal/feed"
	"github.com/anonto42/tilt/backend/internal/models"
	"github.com/anonto42/tilt/backend/internal/notifications"
	"github.com/anonto42/tilt/backend/internal/reaction"
	"github.com/anonto42/tilt/backend/internal/retry"
	"github.com/anonto42/tilt/backend/internal/social"
	"github.com/anonto42/tilt/backend/internal/thread"
	"github.com/anonto42/tilt/backend/pkg/logger"
	"github.com/anonto42/tilt/backend/pkg/metrics"
)

const (
	liveWriteWait  = 10 * time.Second
	liveReadLimit  = 64 << 10
	liveOutBuffer  = 64
	liveMaxWatched = 100
)

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// LiveRequest is a client message on the live connection.
type LiveRequest struct {
	Action     string `json:"action"`
	Target     string `json:"target,omitempty"`
	ID         string `json:"id,omitempty"`
	NearBottom bool   `json:"nearBottom,omitempty"`
}

// LiveEvent is a server message on the live connection.
type LiveEvent struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

type feedEvent struct {
	Items     []models.Post `json:"items"`
	Loading   bool          `json:"loading"`
	Exhausted bool          `json:"exhausted"`
}

type threadEvent struct {
	ID               string        `json:"id"`
	Status           thread.Status `json:"status"`
	Ancestors        []models.Post `json:"ancestors"`
	Post             *models.Post  `json:"post,omitempty"`
	Replies          []models.Post `json:"replies"`
	RepliesExhausted bool          `json:"repliesExhausted"`
}

// LiveHandler serves the WebSocket gateway. One connection is one view: it
// owns the feed, thread, inbox and reaction subscriptions it opens and
// disposes all of them when it closes.
type LiveHandler struct {
	store         docstore.Store
	locator       thread.Locator
	graph         *social.Graph
	retry         retry.Policy
	feedPageSize  int
	notifPageSize int
}

// NewLiveHandler creates a new LiveHandler
func NewLiveHandler(store docstore.Store, locator thread.Locator, graph *social.Graph, policy retry.Policy, feedPageSize, notifPageSize int) *LiveHandler {
	return &LiveHandler{
		store:         store,
		locator:       locator,
		graph:         graph,
		retry:         policy,
		feedPageSize:  feedPageSize,
		notifPageSize: notifPageSize,
	}
}

// RegisterLiveRoutes registers the gateway route
func (h *LiveHandler) RegisterLiveRoutes(g *echo.Group) {
	g.GET("/live", h.Serve)
}

// Serve upgrades the request and runs the view until the client leaves.
func (h *LiveHandler) Serve(c echo.Context) error {
	uid, err := currentUID(c)
	if err != nil {
		return err
	}
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		logger.Log.Warn("websocket upgrade failed", zap.Error(err))
		return nil
	}
	metrics.LiveConnections.Inc()
	defer metrics.LiveConnections.Dec()

	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request().Context()))
	v := &liveView{
		h:         h,
		uid:       uid,
		conn:      ws,
		ctx:       ctx,
		cancel:    cancel,
		out:       make(chan LiveEvent, liveOutBuffer),
		reactions: make(map[string]*watchedPost),
	}
	logger.Log.Info("live client connected", zap.String("uid", uid))
	v.run()
	logger.Log.Info("live client disconnected", zap.String("uid", uid))
	return nil
}

type watchedPost struct {
	m    *reaction.Machine
	stop []func()
}

type liveView struct {
	h      *LiveHandler
	uid    string
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	out    chan LiveEvent

	mu        sync.Mutex
	feed      *feed.Cursor
	feedStop  func()
	scroll    *feed.ScrollTrigger
	thread    *thread.Assembler
	inbox     *notifications.Feed
	reactions map[string]*watchedPost
	closed    bool
}

func (v *liveView) run() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		v.writeLoop()
	}()
	v.conn.SetReadLimit(liveReadLimit)
	for {
		var req LiveRequest
		if err := v.conn.ReadJSON(&req); err != nil {
			break
		}
		if err := v.handle(req); err != nil {
			v.send(LiveEvent{Event: "error", Error: httpErrorMessage(err)})
		}
	}
	v.close()
	<-done
	v.conn.Close()
}

func (v *liveView) writeLoop() {
	for {
		select {
		case <-v.ctx.Done():
			return
		case e := <-v.out:
			v.conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if err := v.conn.WriteJSON(e); err != nil {
				logger.Log.Warn("live write failed", zap.String("uid", v.uid), zap.Error(err))
				v.cancel()
				v.conn.Close()
				return
			}
		}
	}
}

// send queues e. A client too slow to drain its queue is disconnected.
func (v *liveView) send(e LiveEvent) {
	select {
	case <-v.ctx.Done():
	case v.out <- e:
	default:
		logger.Log.Warn("live client too slow, disconnecting", zap.String("uid", v.uid))
		v.cancel()
		v.conn.Close()
	}
}

func (v *liveView) handle(req LiveRequest) error {
	switch req.Action {
	case "open_feed":
		return v.openFeed()
	case "scroll":
		v.mu.Lock()
		s := v.scroll
		v.mu.Unlock()
		if s != nil {
			s.Observe(req.NearBottom)
		}
		return nil
	case "load_more":
		return v.loadMore(req.Target)
	case "open_thread":
		return v.openThread(req.ID)
	case "open_notifications":
		return v.openInbox()
	case "dismiss":
		return notifications.Dismiss(v.ctx, v.h.store, v.uid, req.ID)
	case "watch_post":
		_, err := v.watchPost(req.ID)
		return err
	case "unwatch_post":
		v.unwatchPost(req.ID)
		return nil
	case "like", "dislike":
		w, err := v.watchPost(req.ID)
		if err != nil {
			return err
		}
		if req.Action == "like" {
			return w.m.Like(v.ctx)
		}
		return w.m.Dislike(v.ctx)
	case "toggle_follow":
		return v.toggleFollow(req.ID)
	}
	return echo.NewHTTPError(http.StatusBadRequest, "unknown action "+req.Action)
}

func (v *liveView) openFeed() error {
	c, err := feed.Open(v.ctx, v.h.store, feed.Options{CollectionPath: "posts", PageSize: v.h.feedPageSize})
	if err != nil {
		return err
	}
	stop := c.OnChange(func(st feed.State) { v.sendFeed(st) })
	trigger := feed.NewScrollTrigger(func() {
		if err := c.LoadMore(v.ctx); err != nil && !errors.Is(err, feed.ErrClosed) {
			logger.Log.Warn("feed load more failed", zap.Error(err))
		}
	})

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		stop()
		c.Close()
		return nil
	}
	old, oldStop := v.feed, v.feedStop
	v.feed, v.feedStop, v.scroll = c, stop, trigger
	v.mu.Unlock()
	if old != nil {
		oldStop()
		old.Close()
	}
	v.sendFeed(c.State())
	return nil
}

func (v *liveView) sendFeed(st feed.State) {
	v.send(LiveEvent{Event: "feed", Data: feedEvent{Items: postsOf(st.Items), Loading: st.Loading, Exhausted: st.Exhausted}})
}

func (v *liveView) loadMore(target string) error {
	v.mu.Lock()
	c, t, inbox := v.feed, v.thread, v.inbox
	v.mu.Unlock()
	switch {
	case target == "feed" && c != nil:
		return c.LoadMore(v.ctx)
	case target == "thread" && t != nil:
		return t.LoadMoreReplies(v.ctx)
	case target == "notifications" && inbox != nil:
		return inbox.LoadMore(v.ctx)
	}
	return echo.NewHTTPError(http.StatusBadRequest, "nothing open to load more of: "+target)
}

func (v *liveView) openThread(id string) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	a := v.thread
	if a == nil {
		a = thread.New(v.h.store, v.h.locator, thread.Options{PageSize: v.h.feedPageSize})
		a.OnChange(func(t thread.Thread) { v.sendThread(t) })
		v.thread = a
	}
	v.mu.Unlock()
	if err := a.Navigate(v.ctx, id); err != nil {
		return err
	}
	v.sendThread(a.Snapshot())
	return nil
}

func (v *liveView) sendThread(t thread.Thread) {
	e := threadEvent{
		ID:               t.ID,
		Status:           t.Status,
		Ancestors:        postsOf(t.Ancestors),
		Replies:          postsOf(t.Replies),
		RepliesExhausted: t.RepliesExhausted,
	}
	if t.Target != nil {
		p := postOf(*t.Target)
		e.Post = &p
	}
	v.send(LiveEvent{Event: "thread", Data: e})
}

func (v *liveView) openInbox() error {
	v.mu.Lock()
	if v.inbox != nil || v.closed {
		inbox := v.inbox
		v.mu.Unlock()
		if inbox != nil {
			v.send(LiveEvent{Event: "notifications", Data: inbox.View()})
		}
		return nil
	}
	v.mu.Unlock()

	f, err := notifications.OpenFeed(v.ctx, v.h.store, v.uid, v.h.notifPageSize)
	if err != nil {
		return err
	}
	f.OnChange(func(view notifications.View) {
		v.send(LiveEvent{Event: "notifications", Data: view})
	})
	v.mu.Lock()
	if v.inbox != nil || v.closed {
		v.mu.Unlock()
		f.Close()
		return nil
	}
	v.inbox = f
	v.mu.Unlock()
	v.send(LiveEvent{Event: "notifications", Data: f.View()})
	return nil
}

func (v *liveView) watchPost(id string) (*watchedPost, error) {
	v.mu.Lock()
	if w, ok := v.reactions[id]; ok {
		v.mu.Unlock()
		return w, nil
	}
	if len(v.reactions) >= liveMaxWatched {
		v.mu.Unlock()
		return nil, echo.NewHTTPError(http.StatusTooManyRequests, "too many watched posts")
	}
	v.mu.Unlock()

	path, err := v.h.locator.Locate(v.ctx, id)
	if err != nil {
		return nil, err
	}
	m, err := reaction.Load(v.ctx, v.h.store, v.uid, path, reaction.Options{Retry: v.h.retry})
	if err != nil {
		return nil, err
	}
	emit := func(int64) { v.sendReaction(m) }
	w := &watchedPost{m: m, stop: []func(){m.Likes().OnChange(emit), m.Dislikes().OnChange(emit)}}
	if err := m.Watch(v.ctx); err != nil {
		w.close()
		return nil, err
	}

	v.mu.Lock()
	if existing, ok := v.reactions[id]; ok {
		v.mu.Unlock()
		w.close()
		return existing, nil
	}
	if v.closed {
		v.mu.Unlock()
		w.close()
		return nil, context.Canceled
	}
	v.reactions[id] = w
	v.mu.Unlock()
	v.sendReaction(m)
	return w, nil
}

func (v *liveView) sendReaction(m *reaction.Machine) {
	state, _ := m.State()
	v.send(LiveEvent{Event: "reaction", Data: models.ReactionResponse{
		PostID:   m.Post().ID(),
		State:    state.String(),
		Likes:    m.Likes().Displayed(),
		Dislikes: m.Dislikes().Displayed(),
	}})
}

func (v *liveView) unwatchPost(id string) {
	v.mu.Lock()
	w := v.reactions[id]
	delete(v.reactions, id)
	v.mu.Unlock()
	if w != nil {
		w.close()
	}
}

func (w *watchedPost) close() {
	for _, s := range w.stop {
		s()
	}
	w.m.Close()
}

func (v *liveView) toggleFollow(target string) error {
	r, err := v.h.graph.Relation(v.ctx, v.uid, target)
	if err != nil {
		return err
	}
	defer r.Close()
	if err := r.Toggle(v.ctx); err != nil {
		return err
	}
	following, _ := r.Following()
	v.send(LiveEvent{Event: "follow", Data: models.FollowResponse{
		UID:       target,
		Following: following,
		Followers: r.Followers().Displayed(),
	}})
	return nil
}

// close disposes every subscription the view owns.
func (v *liveView) close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	c, stop, t, inbox := v.feed, v.feedStop, v.thread, v.inbox
	watched := v.reactions
	v.feed, v.feedStop, v.thread, v.inbox, v.reactions = nil, nil, nil, nil, nil
	v.mu.Unlock()

	if c != nil {
		stop()
		c.Close()
	}
	if t != nil {
		t.Close()
	}
	if inbox != nil {
		inbox.Close()
	}
	for _, w := range watched {
		w.close()
	}
	v.cancel()
}

func httpErrorMessage(err error) string {
	if he, ok := httpError(err).(*echo.HTTPError); ok {
		if msg, ok := he.Message.(string); ok {
			return msg
		}
	}
	return err.Error()
}
