// Package profile keeps the users/<uid> documents: created on first sign-in,
// renamed through the username registry, and listed with their posts.
package profile

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/anonto42/tilt/backend/internal/docpath"
	"github.com/anonto42/tilt/backend/internal/docstore"
	"github.com/anonto42/tilt/backend/internal/feed"
	"github.com/anonto42/tilt/backend/internal/models"
	"github.com/anonto42/tilt/backend/internal/repositories"
	"github.com/anonto42/tilt/backend/internal/session"
	"github.com/anonto42/tilt/backend/pkg/logger"
)

// DefaultPhoto is shown for users without a photo.
const DefaultPhoto = "https://firebasestorage.googleapis.com/v0/b/default/o/avatar.png?alt=media"

// Service manages user profiles.
type Service struct {
	store docstore.Store
	names repositories.UsernameRepository
	now   func() time.Time
}

func NewService(store docstore.Store, names repositories.UsernameRepository) *Service {
	return &Service{store: store, names: names, now: time.Now}
}

// Ensure creates the profile of u if it does not exist yet and returns it.
func (s *Service) Ensure(ctx context.Context, u session.User) (*models.User, error) {
	path := docpath.UserPath(u.UID).String()
	d, err := s.store.Get(ctx, path)
	switch {
	case err == nil && d.Int("joined") != 0:
		return FromDocument(*d), nil
	case err != nil && !docstore.IsNotFound(err):
		return nil, err
	}
	photo := u.Photo
	if photo == "" {
		photo = DefaultPhoto
	}
	p := &models.User{UID: u.UID, DisplayName: u.DisplayName, Photo: photo, Joined: s.now().Unix()}
	// Counter increments may have created a bare document before the first
	// sign-in; its counters are kept.
	err = s.store.RunTransaction(ctx, func(_ context.Context, tx docstore.Tx) error {
		cur, err := tx.Get(path)
		switch {
		case docstore.IsNotFound(err):
			cur = nil
		case err != nil:
			return err
		case cur.Int("joined") != 0:
			return nil
		}
		fields := Fields(p)
		if cur != nil {
			for _, k := range counterFields {
				fields[k] = cur.Int(k)
			}
		}
		return tx.Set(path, fields)
	})
	if err != nil {
		return nil, err
	}
	logger.Log.Info("profile created", zap.String("uid", u.UID))
	d, err = s.store.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	return FromDocument(*d), nil
}

// Get returns the profile of uid.
func (s *Service) Get(ctx context.Context, uid string) (*models.User, error) {
	d, err := s.store.Get(ctx, docpath.UserPath(uid).String())
	if err != nil {
		return nil, err
	}
	return FromDocument(*d), nil
}

// Rename reserves name for uid and then writes it to the profile. A name held
// by someone else yields a *repositories.DuplicateNameError.
func (s *Service) Rename(ctx context.Context, uid, name string) error {
	if err := s.names.Reserve(ctx, uid, name); err != nil {
		return err
	}
	return s.store.Update(ctx, docpath.UserPath(uid).String(), docstore.Fields{"displayName": name})
}

// Posts returns a page of the posts uid wrote at any depth, newest first.
func (s *Service) Posts(ctx context.Context, uid string, after *docstore.Bound, limit int) ([]docstore.Document, error) {
	if limit <= 0 {
		limit = feed.DefaultPageSize
	}
	docs, err := s.store.Documents(ctx, docpath.RepliesCollection, docstore.Query{
		OrderBy:    feed.DefaultOrderBy,
		Direction:  docstore.Desc,
		Filters:    []docstore.Filter{{Field: "uid", Value: uid}},
		StartAfter: after,
		Limit:      limit,
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}

var counterFields = []string{"likesCounter", "dislikesCounter", "followersCounter", "followsCounter", "score"}

// Fields is the stored form of p.
func Fields(p *models.User) docstore.Fields {
	return docstore.Fields{
		"uid":              p.UID,
		"displayName":      p.DisplayName,
		"photo":            p.Photo,
		"bio":              p.Bio,
		"joined":           p.Joined,
		"likesCounter":     p.LikesCounter,
		"dislikesCounter":  p.DislikesCounter,
		"followersCounter": p.FollowersCounter,
		"followsCounter":   p.FollowsCounter,
		"score":            p.Score,
	}
}

// FromDocument reads a stored profile.
func FromDocument(d docstore.Document) *models.User {
	return &models.User{
		UID:              d.ID(),
		DisplayName:      d.String("displayName"),
		Photo:            d.String("photo"),
		Bio:              d.String("bio"),
		Joined:           d.Int("joined"),
		LikesCounter:     d.Int("likesCounter"),
		DislikesCounter:  d.Int("dislikesCounter"),
		FollowersCounter: d.Int("followersCounter"),
		FollowsCounter:   d.Int("followsCounter"),
		Score:            d.Int("score"),
	}
}
