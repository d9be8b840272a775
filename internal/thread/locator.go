package thread

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/anonto42/tilt/backend/internal/docpath"
	"github.com/anonto42/tilt/backend/internal/docstore"
	"github.com/anonto42/tilt/backend/pkg/logger"
)

// Locator resolves a post id to its full path. A missing post is reported
// as a *docstore.NotFoundError.
type Locator interface {
	Locate(ctx context.Context, id string) (docpath.Path, error)
}

// StoreLocator finds posts with a collection-group lookup over every reply
// collection.
type StoreLocator struct {
	Store docstore.Store
}

func (l StoreLocator) Locate(ctx context.Context, id string) (docpath.Path, error) {
	d, err := l.Store.FindByID(ctx, docpath.RepliesCollection, id)
	if err != nil {
		return docpath.Path{}, err
	}
	return d.Path, nil
}

// Chain tries each locator in turn. Lookups that fail for reasons other than
// a missing post are logged and the next locator is tried.
type Chain []Locator

func (c Chain) Locate(ctx context.Context, id string) (docpath.Path, error) {
	var last error
	for _, l := range c {
		p, err := l.Locate(ctx, id)
		if err == nil {
			return p, nil
		}
		var malformed *docpath.MalformedPathError
		if errors.As(err, &malformed) {
			return docpath.Path{}, err
		}
		if !docstore.IsNotFound(err) {
			logger.Log.Warn("post lookup failed", zap.String("id", id), zap.Error(err))
			last = err
		}
	}
	if last != nil {
		return docpath.Path{}, last
	}
	return docpath.Path{}, &docstore.NotFoundError{Path: id}
}
