// Package social maintains the follow graph. A follow is stored twice, once
// under each user, and both records are always written or removed together.
package social

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/anonto42/tilt/backend/internal/docpath"
	"github.com/anonto42/tilt/backend/internal/docstore"
	"github.com/anonto42/tilt/backend/internal/notifications"
	"github.com/anonto42/tilt/backend/internal/retry"
	"github.com/anonto42/tilt/backend/pkg/logger"
	"github.com/anonto42/tilt/backend/pkg/metrics"
)

const (
	FollowersCollection = "followers"
	FollowsCollection   = "follows"

	FollowersField = "followersCounter"
	FollowsField   = "followsCounter"
	ScoreField     = "score"

	// FollowScore is added to a user's score per follower.
	FollowScore = 3
)

// ErrSelfFollow is returned when a user tries to follow themselves.
var ErrSelfFollow = errors.New("social: users cannot follow themselves")

// Options tune a Graph.
type Options struct {
	Retry retry.Policy
	Now   func() time.Time
}

// Graph performs follow graph mutations.
type Graph struct {
	store docstore.Store
	opts  Options
}

// NewGraph returns a Graph over store.
func NewGraph(store docstore.Store, opts Options) *Graph {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Graph{store: store, opts: opts}
}

// FollowerPath is the record of follower under target.
func FollowerPath(target, follower string) string {
	return docpath.UserPath(target).Sub(FollowersCollection, follower).String()
}

// FollowsPath is the record of target under follower.
func FollowsPath(follower, target string) string {
	return docpath.UserPath(follower).Sub(FollowsCollection, target).String()
}

// Follow makes actor follow target. Following twice is a no-op.
func (g *Graph) Follow(ctx context.Context, actor, target string) error {
	if actor == target {
		return ErrSelfFollow
	}
	err := g.run(ctx, func(tx docstore.Tx) error {
		hasFollower, err := tx.Exists(FollowerPath(target, actor))
		if err != nil {
			return err
		}
		hasFollows, err := tx.Exists(FollowsPath(actor, target))
		if err != nil {
			return err
		}
		if hasFollower && hasFollows {
			return nil
		}
		if hasFollower != hasFollows {
			logger.Log.Warn("repairing half follow", zap.String("actor", actor), zap.String("target", target))
		}
		if err := tx.Set(FollowerPath(target, actor), docstore.Fields{"uid": actor}); err != nil {
			return err
		}
		if err := tx.Set(FollowsPath(actor, target), docstore.Fields{"uid": target}); err != nil {
			return err
		}
		if hasFollower {
			return nil
		}
		if n, ok := notifications.New(notifications.Follow, actor, target, "", g.opts.Now()); ok {
			if err := tx.Set(n.Path(), n.Fields()); err != nil {
				return err
			}
		}
		if err := tx.Increment(docpath.UserPath(target).String(), docstore.Deltas{FollowersField: 1, ScoreField: FollowScore}); err != nil {
			return err
		}
		return tx.Increment(docpath.UserPath(actor).String(), docstore.Deltas{FollowsField: 1})
	})
	if err != nil {
		return g.failed("follow", actor, target, err)
	}
	metrics.Follows.WithLabelValues("follow").Inc()
	return nil
}

// Unfollow removes both records, the follow notification and the counter
// changes. Unfollowing a user not followed is a no-op.
func (g *Graph) Unfollow(ctx context.Context, actor, target string) error {
	if actor == target {
		return ErrSelfFollow
	}
	err := g.run(ctx, func(tx docstore.Tx) error {
		hasFollower, err := tx.Exists(FollowerPath(target, actor))
		if err != nil {
			return err
		}
		hasFollows, err := tx.Exists(FollowsPath(actor, target))
		if err != nil {
			return err
		}
		if !hasFollower && !hasFollows {
			return nil
		}
		if err := tx.Delete(FollowerPath(target, actor)); err != nil {
			return err
		}
		if err := tx.Delete(FollowsPath(actor, target)); err != nil {
			return err
		}
		if !hasFollower {
			return nil
		}
		if err := tx.Delete(notifications.Path(target, notifications.FollowID(actor))); err != nil {
			return err
		}
		if err := tx.Increment(docpath.UserPath(target).String(), docstore.Deltas{FollowersField: -1, ScoreField: -FollowScore}); err != nil {
			return err
		}
		return tx.Increment(docpath.UserPath(actor).String(), docstore.Deltas{FollowsField: -1})
	})
	if err != nil {
		return g.failed("unfollow", actor, target, err)
	}
	metrics.Follows.WithLabelValues("unfollow").Inc()
	return nil
}

// IsFollowing reports whether actor follows target.
func (g *Graph) IsFollowing(ctx context.Context, actor, target string) (bool, error) {
	_, err := g.store.Get(ctx, FollowerPath(target, actor))
	if docstore.IsNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

func (g *Graph) run(ctx context.Context, fn func(tx docstore.Tx) error) error {
	return retry.Do(ctx, g.opts.Retry, func() error {
		return g.store.RunTransaction(ctx, func(_ context.Context, tx docstore.Tx) error {
			return fn(tx)
		})
	})
}

func (g *Graph) failed(op, actor, target string, err error) error {
	logger.Log.Error("follow graph write failed",
		zap.String("op", op),
		zap.String("actor", actor),
		zap.String("target", target),
		zap.Error(err))
	metrics.WriteFailures.WithLabelValues(op).Inc()
	return &docstore.WriteConflictError{Op: op, Path: FollowerPath(target, actor), Err: err}
}
