// Package counter overlays a user's pending local changes on a server
// maintained aggregate, so a displayed count moves the moment the user acts and
// settles when the store catches up.
package counter

import "sync"

type pendingState int

const (
	inFlight pendingState = iota
	confirmed
	settled
)

// Tracker holds one aggregate. The zero value is not usable; call New.
type Tracker struct {
	mu        sync.Mutex
	server    int64
	version   int64
	pending   map[uint64]*Pending
	nextID    uint64
	listeners map[uint64]func(int64)
}

// Pending is a local delta awaiting the outcome of its remote write.
type Pending struct {
	t     *Tracker
	id    uint64
	delta int64
	state pendingState
	// at is the first server version known to include the delta.
	at int64
}

// New returns a tracker whose server value starts at initial.
func New(initial int64) *Tracker { return NewAt(initial, 0) }

// NewAt returns a tracker seeded from a snapshot read at version.
func NewAt(initial, version int64) *Tracker {
	return &Tracker{
		server:    initial,
		version:   version,
		pending:   make(map[uint64]*Pending),
		listeners: make(map[uint64]func(int64)),
	}
}

func (t *Tracker) deltaLocked() int64 {
	var d int64
	for _, p := range t.pending {
		d += p.delta
	}
	return d
}

func (t *Tracker) displayedLocked() int64 {
	return t.server + t.deltaLocked()
}

// Displayed is the server value plus every unsettled local delta.
func (t *Tracker) Displayed() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.displayedLocked()
}

// Server is the last value reported by the store.
func (t *Tracker) Server() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.server
}

// Delta is the sum of unsettled local deltas.
func (t *Tracker) Delta() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deltaLocked()
}

// OnChange registers fn to receive the displayed value whenever it changes.
// The returned func removes it.
func (t *Tracker) OnChange(fn func(int64)) func() {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.listeners[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}

// update runs fn under the lock and notifies listeners afterwards if the
// displayed value moved.
func (t *Tracker) update(fn func()) {
	t.mu.Lock()
	before := t.displayedLocked()
	fn()
	after := t.displayedLocked()
	var ls []func(int64)
	if after != before {
		ls = make([]func(int64), 0, len(t.listeners))
		for _, l := range t.listeners {
			ls = append(ls, l)
		}
	}
	t.mu.Unlock()
	for _, l := range ls {
		l(after)
	}
}

// ApplyServerSnapshot records n, read at version, as the server value.
// Snapshots older than one already applied are ignored. Confirmed deltas
// whose version has been reached are folded away; the rest keep counting,
// since n may predate them.
func (t *Tracker) ApplyServerSnapshot(n, version int64) {
	t.update(func() {
		if version < t.version {
			return
		}
		t.server = n
		t.version = version
		t.settleLocked()
	})
}

func (t *Tracker) settleLocked() {
	for id, p := range t.pending {
		if p.state == confirmed && p.at <= t.version {
			p.state = settled
			delete(t.pending, id)
		}
	}
}

// Version of the last applied snapshot.
func (t *Tracker) Version() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.version
}

// ApplyLocalDelta adds d to the displayed value at once. The caller owns the
// returned handle and must Confirm or Rollback it.
func (t *Tracker) ApplyLocalDelta(d int64) *Pending {
	var p *Pending
	t.update(func() {
		t.nextID++
		p = &Pending{t: t, id: t.nextID, delta: d}
		t.pending[p.id] = p
	})
	return p
}

// Confirm marks the remote write as applied; version is a server version
// known to include it, or 0 when unknown. The delta keeps counting until a
// snapshot at or after that version arrives. With an unknown version any
// snapshot newer than the last applied one settles it.
func (p *Pending) Confirm(version int64) {
	if p == nil {
		return
	}
	p.t.update(func() {
		if p.state != inFlight {
			return
		}
		p.state = confirmed
		if version == 0 {
			version = p.t.version + 1
		}
		p.at = version
		p.t.settleLocked()
	})
}

// Rollback withdraws the delta after a failed write.
func (p *Pending) Rollback() {
	if p == nil {
		return
	}
	p.t.update(func() {
		if p.state == settled {
			return
		}
		p.state = settled
		delete(p.t.pending, p.id)
	})
}

// Delta of this pending change.
func (p *Pending) Delta() int64 {
	if p == nil {
		return 0
	}
	return p.delta
}
