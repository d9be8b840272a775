// Package retry runs store writes with exponential backoff, retrying only
// failures that are known to be transient.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.mongodb.org/mongo-driver/mongo"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Policy bounds a retried operation.
type Policy struct {
	MaxTries        uint
	InitialInterval time.Duration
}

// Default is used when no policy is configured.
var Default = Policy{MaxTries: 3, InitialInterval: 100 * time.Millisecond}

// IsTemporary reports whether err, or anything it wraps, says it is temporary.
func IsTemporary(err error) bool {
	var temp interface{ Temporary() bool }
	if errors.As(err, &temp) {
		return temp.Temporary()
	}
	return false
}

// IsRetryable classifies err.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if IsTemporary(err) {
		return true
	}
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return true
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.Aborted, codes.ResourceExhausted:
		return true
	}
	return false
}

// Do runs op until it succeeds, fails permanently or the policy is spent.
func Do(ctx context.Context, p Policy, op func() error) error {
	if p.MaxTries == 0 {
		p = Default
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := op()
		if err != nil && !IsRetryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(p.MaxTries))
	return err
}
