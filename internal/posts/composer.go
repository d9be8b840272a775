// Package posts creates posts and replies: it validates the draft, uploads
// its image, registers the new id and writes the document with its side
// effects in one transaction.
package posts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/anonto42/tilt/backend/internal/blob"
	"github.com/anonto42/tilt/backend/internal/docpath"
	"github.com/anonto42/tilt/backend/internal/docstore"
	"github.com/anonto42/tilt/backend/internal/notifications"
	"github.com/anonto42/tilt/backend/internal/retry"
	"github.com/anonto42/tilt/backend/pkg/logger"
	"github.com/anonto42/tilt/backend/pkg/metrics"
	"github.com/anonto42/tilt/backend/validators"
)

const (
	MaxBodyLength = 200

	CommentsField = "commentsCounter"
)

// ErrEmpty is returned for a draft with neither body nor image.
var ErrEmpty = errors.New("posts: a post needs a body or an image")

// Draft is a post being composed.
type Draft struct {
	Body      string `validate:"max=200"`
	VideoURL  string `validate:"omitempty,youtube"`
	Image     []byte
	ImageName string
}

// Registrar records new post ids in the global id registry.
type Registrar interface {
	Register(ctx context.Context, path docpath.Path) error
	Remove(ctx context.Context, id string) error
}

type Options struct {
	Retry retry.Policy
	Now   func() time.Time
	NewID func() string
}

// Composer writes new posts.
type Composer struct {
	store    docstore.Store
	blobs    blob.Storage
	index    Registrar
	validate *validator.Validate
	opts     Options
}

// NewComposer returns a Composer. blobs and index may be nil: drafts with an
// image are then rejected and ids are not registered.
func NewComposer(store docstore.Store, blobs blob.Storage, index Registrar, opts Options) *Composer {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Composer{store: store, blobs: blobs, index: index, validate: validators.New(), opts: opts}
}

// Create writes a top-level post by author.
func (c *Composer) Create(ctx context.Context, author string, d Draft) (*docstore.Document, error) {
	return c.compose(ctx, author, docpath.Path{}, d)
}

// Reply writes a reply to the post at parent, increments the parent's
// comment counter and notifies its author.
func (c *Composer) Reply(ctx context.Context, author string, parent docpath.Path, d Draft) (*docstore.Document, error) {
	if !parent.Valid() {
		return nil, &docpath.MalformedPathError{Reason: "reply needs a parent"}
	}
	return c.compose(ctx, author, parent, d)
}

func (c *Composer) compose(ctx context.Context, author string, parent docpath.Path, d Draft) (*docstore.Document, error) {
	if err := c.validate.Struct(d); err != nil {
		return nil, err
	}
	if strings.TrimSpace(d.Body) == "" && len(d.Image) == 0 {
		return nil, ErrEmpty
	}

	var parentAuthor string
	if parent.Valid() {
		pd, err := c.store.Get(ctx, parent.String())
		if err != nil {
			return nil, err
		}
		parentAuthor = pd.String("uid")
	}

	photoURL, err := c.upload(ctx, d)
	if err != nil {
		return nil, err
	}

	id := c.opts.NewID()
	path := docpath.PostPath(id)
	if parent.Valid() {
		path = parent.Reply(id)
	}
	if c.index != nil {
		if err := c.index.Register(ctx, path); err != nil {
			return nil, fmt.Errorf("register %s: %w", id, err)
		}
	}

	fields := docstore.Fields{
		"id":              id,
		"uid":             author,
		"post":            d.Body,
		"createdAt":       c.opts.Now().Unix(),
		"photoURL":        photoURL,
		"likesCounter":    int64(0),
		"dislikesCounter": int64(0),
		"commentsCounter": int64(0),
		"score":           int64(0),
	}
	if v := videoOf(d); v != "" {
		fields["videoURL"] = v
	}

	err = retry.Do(ctx, c.opts.Retry, func() error {
		return c.store.RunTransaction(ctx, func(_ context.Context, tx docstore.Tx) error {
			// a retry after a lost acknowledgement finds the post already written
			written, err := tx.Exists(path.String())
			if err != nil || written {
				return err
			}
			if err := tx.Set(path.String(), fields); err != nil {
				return err
			}
			if !parent.Valid() {
				return nil
			}
			if err := tx.Increment(parent.String(), docstore.Deltas{CommentsField: 1}); err != nil {
				return err
			}
			n, ok := notifications.New(notifications.Comment, author, parentAuthor, id, c.opts.Now())
			if !ok || parentAuthor == "" {
				return nil
			}
			return tx.Set(n.Path(), n.Fields())
		})
	})
	if err != nil {
		c.unregister(ctx, id)
		logger.Log.Error("post write failed", zap.String("path", path.String()), zap.Error(err))
		metrics.WriteFailures.WithLabelValues("post").Inc()
		return nil, &docstore.WriteConflictError{Op: "post", Path: path.String(), Err: err}
	}

	kind := "post"
	if parent.Valid() {
		kind = "reply"
	}
	metrics.PostsCreated.WithLabelValues(kind).Inc()
	logger.Log.Info("post created", zap.String("path", path.String()), zap.String("uid", author))
	return &docstore.Document{Path: path, Fields: fields}, nil
}

// upload stores the draft image and waits for its download URL.
func (c *Composer) upload(ctx context.Context, d Draft) (string, error) {
	if len(d.Image) == 0 {
		return "", nil
	}
	if c.blobs == nil {
		return "", errors.New("posts: image uploads are not configured")
	}
	ref, err := c.blobs.Upload(ctx, d.Image, d.ImageName)
	if err != nil {
		return "", err
	}
	return c.blobs.DownloadURL(ctx, ref)
}

func (c *Composer) unregister(ctx context.Context, id string) {
	if c.index == nil {
		return
	}
	if err := c.index.Remove(ctx, id); err != nil {
		logger.Log.Warn("post index cleanup failed", zap.String("id", id), zap.Error(err))
	}
}

// videoOf is the video id of the draft's link, or of its body when the body
// is itself a YouTube link.
func videoOf(d Draft) string {
	if id, ok := validators.VideoID(d.VideoURL); ok {
		return id
	}
	if id, ok := validators.VideoID(strings.TrimSpace(d.Body)); ok {
		return id
	}
	return ""
}
