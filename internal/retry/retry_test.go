package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type tempErr struct{}

func (tempErr) Error() string   { return "temp" }
func (tempErr) Temporary() bool { return true }

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(tempErr{}))
	assert.True(t, IsRetryable(status.Error(codes.Unavailable, "down")))
	assert.False(t, IsRetryable(status.Error(codes.PermissionDenied, "no")))
	assert.False(t, IsRetryable(errors.New("plain")))
	assert.False(t, IsRetryable(context.Canceled))
}

func TestDo_RetriesTransient(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{MaxTries: 3, InitialInterval: time.Millisecond}, func() error {
		calls++
		if calls < 3 {
			return tempErr{}
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsOnPermanent(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	err := Do(context.Background(), Policy{MaxTries: 5, InitialInterval: time.Millisecond}, func() error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestDo_GivesUp(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{MaxTries: 2, InitialInterval: time.Millisecond}, func() error {
		calls++
		return tempErr{}
	})
	assert.Error(t, err)
	assert.Equal(t, 2, calls)
}
