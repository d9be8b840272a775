package router

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/anonto42/tilt/backend/internal/blob"
	"github.com/anonto42/tilt/backend/internal/docstore"
	"github.com/anonto42/tilt/backend/internal/handlers"
	"github.com/anonto42/tilt/backend/internal/models"
	"github.com/anonto42/tilt/backend/internal/posts"
	"github.com/anonto42/tilt/backend/internal/profile"
	"github.com/anonto42/tilt/backend/internal/repositories"
	"github.com/anonto42/tilt/backend/internal/session"
	"github.com/anonto42/tilt/backend/internal/social"
	"github.com/anonto42/tilt/backend/internal/thread"
	"github.com/anonto42/tilt/backend/validators"
)

type app struct {
	e        *echo.Echo
	store    *docstore.MemoryStore
	verifier session.JWTVerifier
}

func newApp(t *testing.T) *app {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, repositories.AutoMigrate(db))

	store := docstore.NewMemoryStore()
	index := repositories.NewPostgresPostIndexRepository(db)
	verifier := session.JWTVerifier{Secret: []byte("test")}

	e := echo.New()
	e.Validator = validators.NewValidator()
	SetupRoutes(e, Deps{
		Store:    store,
		Verifier: verifier,
		Composer: posts.NewComposer(store, blob.NewMemoryStorage(), index, posts.Options{}),
		Profiles: profile.NewService(store, repositories.NewPostgresUsernameRepository(db)),
		Graph:    social.NewGraph(store, social.Options{}),
		Locator:  thread.Chain{index, thread.StoreLocator{Store: store}},
	})
	return &app{e: e, store: store, verifier: verifier}
}

func (a *app) token(t *testing.T, uid string) string {
	t.Helper()
	tok, err := a.verifier.Sign(session.User{UID: uid, DisplayName: uid}, time.Hour)
	require.NoError(t, err)
	return tok
}

func (a *app) do(t *testing.T, uid, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if uid != "" {
		req.Header.Set("Authorization", "Bearer "+a.token(t, uid))
	}
	rec := httptest.NewRecorder()
	a.e.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestHealth(t *testing.T) {
	rec := newApp(t).do(t, "", http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUnauthenticated(t *testing.T) {
	rec := newApp(t).do(t, "", http.MethodGet, "/api/v1/feed", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPostReplyThreadFlow(t *testing.T) {
	a := newApp(t)

	rec := a.do(t, "bob", http.MethodPost, "/api/v1/posts", map[string]string{"post": "root"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var root models.Post
	decode(t, rec, &root)

	rec = a.do(t, "alice", http.MethodPost, "/api/v1/posts/"+root.ID+"/replies", map[string]string{"post": "reply"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var reply models.Post
	decode(t, rec, &reply)
	assert.Equal(t, "posts/"+root.ID+"/posts/"+reply.ID, reply.Path)

	rec = a.do(t, "alice", http.MethodGet, "/api/v1/posts/"+reply.ID+"/thread", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var th struct {
		Ancestors []models.Post `json:"ancestors"`
		Post      models.Post   `json:"post"`
	}
	decode(t, rec, &th)
	require.Len(t, th.Ancestors, 1)
	assert.Equal(t, root.ID, th.Ancestors[0].ID)
	assert.Equal(t, reply.ID, th.Post.ID)

	rec = a.do(t, "alice", http.MethodGet, "/api/v1/posts/missing/thread", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.do(t, "bob", http.MethodGet, "/api/v1/notifications/unread-count", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var count map[string]int64
	decode(t, rec, &count)
	assert.Equal(t, int64(1), count["count"])
}

func TestCreatePost_Invalid(t *testing.T) {
	a := newApp(t)
	rec := a.do(t, "bob", http.MethodPost, "/api/v1/posts", map[string]string{"post": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, "bob", http.MethodPost, "/api/v1/posts", map[string]string{"post": strings.Repeat("x", 201)})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFeedPaging(t *testing.T) {
	a := newApp(t)
	for i := 0; i < 7; i++ {
		rec := a.do(t, "bob", http.MethodPost, "/api/v1/posts", map[string]string{"post": "p"})
		require.Equal(t, http.StatusCreated, rec.Code)
	}
	var first models.FeedResponse
	decode(t, a.do(t, "bob", http.MethodGet, "/api/v1/feed", nil), &first)
	assert.Len(t, first.Items, 5)
	require.NotEmpty(t, first.Cursor)

	var second models.FeedResponse
	decode(t, a.do(t, "bob", http.MethodGet, "/api/v1/feed?cursor="+first.Cursor, nil), &second)
	assert.Len(t, second.Items, 2)
	assert.True(t, second.Exhausted)
}

func TestReactionFlow(t *testing.T) {
	a := newApp(t)
	var post models.Post
	decode(t, a.do(t, "bob", http.MethodPost, "/api/v1/posts", map[string]string{"post": "hi"}), &post)

	var r models.ReactionResponse
	rec := a.do(t, "alice", http.MethodPost, "/api/v1/posts/"+post.ID+"/like", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decode(t, rec, &r)
	assert.Equal(t, "liked", r.State)
	assert.Equal(t, int64(1), r.Likes)

	decode(t, a.do(t, "alice", http.MethodPost, "/api/v1/posts/"+post.ID+"/dislike", nil), &r)
	assert.Equal(t, "disliked", r.State)
	assert.Equal(t, int64(0), r.Likes)
	assert.Equal(t, int64(1), r.Dislikes)

	decode(t, a.do(t, "alice", http.MethodGet, "/api/v1/posts/"+post.ID+"/reaction", nil), &r)
	assert.Equal(t, "disliked", r.State)
}

func TestFollowAndUsername(t *testing.T) {
	a := newApp(t)
	a.do(t, "bob", http.MethodGet, "/api/v1/profile", nil)

	var f models.FollowResponse
	decode(t, a.do(t, "alice", http.MethodPost, "/api/v1/users/bob/follow", nil), &f)
	assert.True(t, f.Following)
	assert.Equal(t, int64(1), f.Followers)

	rec := a.do(t, "alice", http.MethodPost, "/api/v1/users/alice/follow", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	decode(t, a.do(t, "alice", http.MethodDelete, "/api/v1/users/bob/follow", nil), &f)
	assert.False(t, f.Following)

	rec = a.do(t, "alice", http.MethodPut, "/api/v1/profile/username", map[string]string{"name": "ada"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = a.do(t, "bob", http.MethodPut, "/api/v1/profile/username", map[string]string{"name": "ada"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestLiveFeed(t *testing.T) {
	a := newApp(t)
	srv := httptest.NewServer(a.e)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/live?token=" + a.token(t, "alice")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(handlers.LiveRequest{Action: "open_feed"}))
	var ev handlers.LiveEvent
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, ws.ReadJSON(&ev))
	assert.Equal(t, "feed", ev.Event)

	rec := a.do(t, "bob", http.MethodPost, "/api/v1/posts", map[string]string{"post": "live"})
	require.Equal(t, http.StatusCreated, rec.Code)
	for {
		require.NoError(t, ws.ReadJSON(&ev))
		data, _ := json.Marshal(ev.Data)
		if ev.Event == "feed" && strings.Contains(string(data), `"live"`) {
			break
		}
	}

	require.NoError(t, ws.WriteJSON(handlers.LiveRequest{Action: "bogus"}))
	for {
		require.NoError(t, ws.ReadJSON(&ev))
		if ev.Event == "error" {
			break
		}
	}
}
