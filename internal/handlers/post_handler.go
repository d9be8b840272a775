package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/anonto42/tilt/backend/internal/docstore"
	"github.com/anonto42/tilt/backend/internal/feed"
	"github.com/anonto42/tilt/backend/internal/models"
	"github.com/anonto42/tilt/backend/internal/posts"
	"github.com/anonto42/tilt/backend/internal/thread"
)

// MaxImageSize bounds an uploaded image.
const MaxImageSize = 5 << 20

// PostHandler handles HTTP requests related to posts, replies and threads
type PostHandler struct {
	store    docstore.Store
	composer *posts.Composer
	locator  thread.Locator
	pageSize int
}

// NewPostHandler creates a new PostHandler
func NewPostHandler(store docstore.Store, composer *posts.Composer, locator thread.Locator, pageSize int) *PostHandler {
	if pageSize <= 0 {
		pageSize = feed.DefaultPageSize
	}
	return &PostHandler{store: store, composer: composer, locator: locator, pageSize: pageSize}
}

// RegisterPostRoutes registers post-related routes
func (h *PostHandler) RegisterPostRoutes(g *echo.Group) {
	g.GET("/feed", h.GetFeed)
	g.POST("/posts", h.CreatePost)
	g.POST("/posts/:id/replies", h.CreateReply)
	g.GET("/posts/:id/replies", h.GetReplies)
	g.GET("/posts/:id/thread", h.GetThread)
}

// GetFeed returns a page of top-level posts, newest first
func (h *PostHandler) GetFeed(c echo.Context) error {
	after, err := decodeCursor(c.QueryParam("cursor"))
	if err != nil {
		return err
	}
	limit := pageSize(c, h.pageSize)
	docs, err := docstore.First(c.Request().Context(), h.store, docstore.Query{
		CollectionPath: "posts",
		OrderBy:        feed.DefaultOrderBy,
		Direction:      docstore.Desc,
		StartAfter:     after,
		Limit:          limit,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, page(postsOf(docs), docs, feed.DefaultOrderBy, limit))
}

// CreatePost creates a new top-level post
func (h *PostHandler) CreatePost(c echo.Context) error {
	uid, err := currentUID(c)
	if err != nil {
		return err
	}
	draft, err := readDraft(c)
	if err != nil {
		return err
	}
	doc, err := h.composer.Create(c.Request().Context(), uid, draft)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, postOf(*doc))
}

// CreateReply replies to the post with the given id
func (h *PostHandler) CreateReply(c echo.Context) error {
	uid, err := currentUID(c)
	if err != nil {
		return err
	}
	draft, err := readDraft(c)
	if err != nil {
		return err
	}
	parent, err := h.locator.Locate(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	doc, err := h.composer.Reply(c.Request().Context(), uid, parent, draft)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, postOf(*doc))
}

// GetReplies returns a page of the direct replies of a post
func (h *PostHandler) GetReplies(c echo.Context) error {
	after, err := decodeCursor(c.QueryParam("cursor"))
	if err != nil {
		return err
	}
	path, err := h.locator.Locate(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	limit := pageSize(c, h.pageSize)
	docs, err := docstore.First(c.Request().Context(), h.store, docstore.Query{
		CollectionPath: path.RepliesPath(),
		OrderBy:        feed.DefaultOrderBy,
		Direction:      docstore.Desc,
		StartAfter:     after,
		Limit:          limit,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, page(postsOf(docs), docs, feed.DefaultOrderBy, limit))
}

type threadResponse struct {
	Ancestors        []models.Post `json:"ancestors"`
	Post             models.Post   `json:"post"`
	Replies          []models.Post `json:"replies"`
	RepliesCursor    string        `json:"repliesCursor,omitempty"`
	RepliesExhausted bool          `json:"repliesExhausted"`
}

// GetThread returns a post with every ancestor and its first replies
func (h *PostHandler) GetThread(c echo.Context) error {
	t, err := thread.Load(c.Request().Context(), h.store, h.locator, c.Param("id"), thread.Options{PageSize: pageSize(c, h.pageSize)})
	if err != nil {
		return httpError(err)
	}
	if t.Status != thread.Ready {
		return echo.NewHTTPError(http.StatusNotFound, "Post not found")
	}
	resp := threadResponse{
		Ancestors:        postsOf(t.Ancestors),
		Post:             postOf(*t.Target),
		Replies:          postsOf(t.Replies),
		RepliesExhausted: t.RepliesExhausted,
	}
	if !t.RepliesExhausted && len(t.Replies) > 0 {
		resp.RepliesCursor = encodeCursor(docstore.BoundOf(t.Replies[len(t.Replies)-1], feed.DefaultOrderBy))
	}
	return c.JSON(http.StatusOK, resp)
}

func readDraft(c echo.Context) (posts.Draft, error) {
	var req models.CreatePostRequest
	if err := c.Bind(&req); err != nil {
		return posts.Draft{}, echo.NewHTTPError(http.StatusBadRequest, "Invalid request payload")
	}
	if err := c.Validate(&req); err != nil {
		return posts.Draft{}, err
	}
	d := posts.Draft{Body: req.Body, VideoURL: req.VideoURL}

	fh, err := c.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
		return d, nil
	}
	if err != nil {
		return d, echo.NewHTTPError(http.StatusBadRequest, "Invalid image upload")
	}
	if fh.Size > MaxImageSize {
		return d, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "Image too large")
	}
	f, err := fh.Open()
	if err != nil {
		return d, echo.NewHTTPError(http.StatusBadRequest, "Invalid image upload")
	}
	defer f.Close()
	if d.Image, err = io.ReadAll(io.LimitReader(f, MaxImageSize)); err != nil {
		return d, echo.NewHTTPError(http.StatusBadRequest, "Invalid image upload")
	}
	d.ImageName = fh.Filename
	return d, nil
}
