package counter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStaleSnapshotKeepsLocalDelta(t *testing.T) {
	c := NewAt(5, 1)
	p := c.ApplyLocalDelta(1)
	assert.Equal(t, int64(6), c.Displayed())

	c.ApplyServerSnapshot(5, 1)
	assert.Equal(t, int64(6), c.Displayed())

	p.Confirm(2)
	c.ApplyServerSnapshot(6, 2)
	assert.Equal(t, int64(6), c.Displayed())
	assert.Equal(t, int64(0), c.Delta())
}

func TestSnapshotFromBeforeCommitAfterConfirm(t *testing.T) {
	c := NewAt(5, 1)
	p := c.ApplyLocalDelta(1)
	p.Confirm(2)

	// sent before the commit, delivered after it was acknowledged
	c.ApplyServerSnapshot(5, 1)
	assert.Equal(t, int64(6), c.Displayed())

	c.ApplyServerSnapshot(6, 2)
	assert.Equal(t, int64(6), c.Displayed())
	assert.Equal(t, int64(0), c.Delta())

	// older than what has been applied
	c.ApplyServerSnapshot(5, 1)
	assert.Equal(t, int64(6), c.Displayed())
	assert.Equal(t, int64(2), c.Version())
}

func TestConfirmAfterNewerSnapshotSettles(t *testing.T) {
	c := NewAt(5, 1)
	p := c.ApplyLocalDelta(1)
	c.ApplyServerSnapshot(6, 2)
	p.Confirm(2)
	assert.Equal(t, int64(6), c.Displayed())
	assert.Equal(t, int64(0), c.Delta())
}

func TestConfirmWithoutVersion(t *testing.T) {
	c := NewAt(5, 3)
	p := c.ApplyLocalDelta(1)
	p.Confirm(0)

	c.ApplyServerSnapshot(5, 3)
	assert.Equal(t, int64(6), c.Displayed())

	c.ApplyServerSnapshot(6, 4)
	assert.Equal(t, int64(6), c.Displayed())
	assert.Equal(t, int64(0), c.Delta())
}

func TestRoundTripNoDoubleCount(t *testing.T) {
	for _, d := range []int64{1, -1} {
		c := New(10)
		p := c.ApplyLocalDelta(d)
		before := c.Displayed()

		p.Confirm(1)
		c.ApplyServerSnapshot(10+d, 1)
		assert.Equal(t, before, c.Displayed())

		c.ApplyServerSnapshot(10+d, 1)
		assert.Equal(t, before, c.Displayed())
	}
}

func TestRollback(t *testing.T) {
	c := New(3)
	p := c.ApplyLocalDelta(-1)
	assert.Equal(t, int64(2), c.Displayed())

	p.Rollback()
	p.Rollback()
	assert.Equal(t, int64(3), c.Displayed())
	assert.Equal(t, int64(0), c.Delta())
}

func TestConcurrentPendings(t *testing.T) {
	c := New(0)
	a := c.ApplyLocalDelta(1)
	b := c.ApplyLocalDelta(-1)
	l := c.ApplyLocalDelta(1)
	assert.Equal(t, int64(1), c.Displayed())

	a.Confirm(1)
	b.Rollback()
	c.ApplyServerSnapshot(1, 1)
	// l still in flight
	assert.Equal(t, int64(2), c.Displayed())

	l.Confirm(2)
	c.ApplyServerSnapshot(2, 2)
	assert.Equal(t, int64(2), c.Displayed())
}

func TestOnChange(t *testing.T) {
	c := New(5)
	var seen []int64
	stop := c.OnChange(func(n int64) { seen = append(seen, n) })

	p := c.ApplyLocalDelta(1)
	c.ApplyServerSnapshot(5, 1)
	p.Confirm(2)
	c.ApplyServerSnapshot(6, 2)
	stop()
	c.ApplyServerSnapshot(9, 3)

	assert.Equal(t, []int64{6}, seen)
}

func TestNilPendingIsSafe(t *testing.T) {
	var p *Pending
	assert.NotPanics(t, func() {
		p.Confirm(0)
		p.Rollback()
	})
	assert.Equal(t, int64(0), p.Delta())
}
