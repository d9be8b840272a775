package docstore

import (
	"context"
	"sort"
	"sync"

	"github.com/anonto42/tilt/backend/internal/docpath"
)

// WriteHook is consulted before every write of a MemoryStore; a non-nil error
// aborts the write (the whole transaction, inside RunTransaction).
type WriteHook func(op, path string) error

// MemoryStore keeps documents in process and serves live queries from them.
// Deliveries to one subscription are serialised and ordered; a callback that
// writes to the store has its own follow-up delivery queued, not nested.
type MemoryStore struct {
	mu       sync.Mutex
	docs     map[string]Fields
	versions map[string]int64
	seq      int64
	subs     map[uint64]*memSub
	nextID   uint64
	hook     WriteHook
	closed   bool
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:     make(map[string]Fields),
		versions: make(map[string]int64),
		subs:     make(map[uint64]*memSub),
	}
}

// SetWriteHook installs h; nil removes it.
func (s *MemoryStore) SetWriteHook(h WriteHook) {
	s.mu.Lock()
	s.hook = h
	s.mu.Unlock()
}

// Subscriptions reports the number of live subscriptions.
func (s *MemoryStore) Subscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

type memSub struct {
	query   *Query
	docPath string
	onQuery func(Window)
	onDoc   func(Snapshot)

	qmu       sync.Mutex
	queue     []func()
	draining  bool
	cancelled bool
}

func (m *memSub) enqueue(fn func()) {
	m.qmu.Lock()
	m.queue = append(m.queue, fn)
	m.qmu.Unlock()
}

func (m *memSub) drain() {
	m.qmu.Lock()
	if m.draining {
		m.qmu.Unlock()
		return
	}
	m.draining = true
	for len(m.queue) > 0 {
		fn := m.queue[0]
		m.queue = m.queue[1:]
		if m.cancelled {
			continue
		}
		m.qmu.Unlock()
		fn()
		m.qmu.Lock()
	}
	m.draining = false
	m.qmu.Unlock()
}

func (m *memSub) cancel() {
	m.qmu.Lock()
	m.cancelled = true
	m.queue = nil
	m.qmu.Unlock()
}

func (s *MemoryStore) document(path string) (Document, bool, error) {
	f, ok := s.docs[path]
	if !ok {
		return Document{}, false, nil
	}
	p, err := docpath.Parse(path)
	if err != nil {
		return Document{}, false, err
	}
	return Document{Path: p, Fields: f, Version: s.versions[path]}.Clone(), true, nil
}

func (s *MemoryStore) collection(collectionPath string) []Document {
	var out []Document
	for path, f := range s.docs {
		if parentOf(path) != collectionPath {
			continue
		}
		p, err := docpath.Parse(path)
		if err != nil {
			continue
		}
		out = append(out, Document{Path: p, Fields: f, Version: s.versions[path]}.Clone())
	}
	return out
}

func (s *MemoryStore) group(collectionID string) []Document {
	var out []Document
	for path, f := range s.docs {
		if docpath.CollectionID(parentOf(path)) != collectionID {
			continue
		}
		p, err := docpath.Parse(path)
		if err != nil {
			continue
		}
		out = append(out, Document{Path: p, Fields: f, Version: s.versions[path]}.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path.String() < out[j].Path.String() })
	return out
}

// notifyLocked queues a fresh delivery for every subscription touched by the
// written paths and returns them for draining once s.mu is released.
func (s *MemoryStore) notifyLocked(paths []string) []*memSub {
	touched := make(map[uint64]*memSub)
	for _, path := range paths {
		parent := parentOf(path)
		for id, sub := range s.subs {
			if sub.query != nil && sub.query.CollectionPath == parent {
				touched[id] = sub
			}
			if sub.query == nil && sub.docPath == path {
				touched[id] = sub
			}
		}
	}
	ids := make([]uint64, 0, len(touched))
	for id := range touched {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]*memSub, 0, len(ids))
	for _, id := range ids {
		sub := touched[id]
		s.queueLocked(sub)
		out = append(out, sub)
	}
	return out
}

func (s *MemoryStore) queueLocked(sub *memSub) {
	if sub.query != nil {
		w := Window{Documents: applyWindow(s.collection(sub.query.CollectionPath), *sub.query)}
		cb := sub.onQuery
		sub.enqueue(func() { cb(w) })
		return
	}
	var snap Snapshot
	doc, ok, err := s.document(sub.docPath)
	switch {
	case err != nil:
		snap.Err = err
	case ok:
		snap.Document = &doc
	}
	cb := sub.onDoc
	sub.enqueue(func() { cb(snap) })
}

// stampLocked gives every written path the next version.
func (s *MemoryStore) stampLocked(paths []string) {
	s.seq++
	for _, p := range paths {
		if _, ok := s.docs[p]; ok {
			s.versions[p] = s.seq
		} else {
			delete(s.versions, p)
		}
	}
}

func drainAll(subs []*memSub) {
	for _, sub := range subs {
		sub.drain()
	}
}

func (s *MemoryStore) write(op string, paths []string, apply func() error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.hook != nil {
		for _, p := range paths {
			if err := s.hook(op, p); err != nil {
				s.mu.Unlock()
				return err
			}
		}
	}
	if err := apply(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.stampLocked(paths)
	subs := s.notifyLocked(paths)
	s.mu.Unlock()
	drainAll(subs)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, path string) (*Document, error) {
	if _, err := docpath.Parse(path); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	doc, ok, err := s.document(path)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &NotFoundError{Path: path}
	}
	return &doc, nil
}

func (s *MemoryStore) Set(_ context.Context, path string, fields Fields) error {
	if _, err := docpath.Parse(path); err != nil {
		return err
	}
	return s.write("set", []string{path}, func() error {
		s.docs[path] = copyFields(fields)
		return nil
	})
}

func (s *MemoryStore) Update(_ context.Context, path string, fields Fields) error {
	if _, err := docpath.Parse(path); err != nil {
		return err
	}
	return s.write("update", []string{path}, func() error {
		cur, ok := s.docs[path]
		if !ok {
			return &NotFoundError{Path: path}
		}
		next := copyFields(cur)
		for k, v := range fields {
			next[k] = v
		}
		s.docs[path] = next
		return nil
	})
}

func (s *MemoryStore) Delete(_ context.Context, path string) error {
	if _, err := docpath.Parse(path); err != nil {
		return err
	}
	return s.write("delete", []string{path}, func() error {
		delete(s.docs, path)
		return nil
	})
}

func (s *MemoryStore) Increment(_ context.Context, path, field string, delta int64) error {
	if _, err := docpath.Parse(path); err != nil {
		return err
	}
	return s.write("increment", []string{path}, func() error {
		s.incrementLocked(path, field, delta)
		return nil
	})
}

func (s *MemoryStore) incrementLocked(path, field string, delta int64) {
	next := copyFields(s.docs[path])
	cur, _ := toInt64(next[field])
	next[field] = cur + delta
	s.docs[path] = next
}

func (s *MemoryStore) subscribe(sub *memSub) (Unsubscribe, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.nextID++
	id := s.nextID
	s.subs[id] = sub
	s.queueLocked(sub)
	s.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			sub.cancel()
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
	sub.drain()
	return unsub, nil
}

func (s *MemoryStore) QueryOrdered(_ context.Context, q Query, onNext func(Window)) (Unsubscribe, error) {
	if !docpath.IsCollectionPath(q.CollectionPath) {
		return nil, &docpath.MalformedPathError{Segments: []string{q.CollectionPath}, Reason: "not a collection path"}
	}
	qc := q
	return s.subscribe(&memSub{query: &qc, onQuery: onNext})
}

func (s *MemoryStore) SubscribeDocument(_ context.Context, path string, onNext func(Snapshot)) (Unsubscribe, error) {
	if _, err := docpath.Parse(path); err != nil {
		return nil, err
	}
	return s.subscribe(&memSub{docPath: path, onDoc: onNext})
}

func (s *MemoryStore) Count(_ context.Context, q Query) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	unbounded := Query{CollectionPath: q.CollectionPath, OrderBy: q.OrderBy, Direction: q.Direction, Filters: q.Filters}
	return int64(len(applyWindow(s.collection(q.CollectionPath), unbounded))), nil
}

func (s *MemoryStore) FindByID(_ context.Context, collectionID, id string) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	for _, d := range s.group(collectionID) {
		if d.ID() == id {
			return &d, nil
		}
	}
	return nil, &NotFoundError{Path: collectionID + "/" + id}
}

func (s *MemoryStore) Documents(_ context.Context, collectionID string, q Query) ([]Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return applyWindow(s.group(collectionID), q), nil
}

type memTx struct {
	s      *MemoryStore
	staged map[string]Fields // nil value: deleted
	order  []string
	ops    map[string]string
	wrote  bool
}

func (t *memTx) current(path string) (Fields, bool) {
	if f, ok := t.staged[path]; ok {
		return f, f != nil
	}
	f, ok := t.s.docs[path]
	return f, ok
}

func (t *memTx) stage(op, path string, f Fields) {
	t.wrote = true
	if _, ok := t.staged[path]; !ok {
		t.order = append(t.order, path)
	}
	t.staged[path] = f
	t.ops[path] = op
}

func (t *memTx) Exists(path string) (bool, error) {
	if t.wrote {
		return false, errReadAfterWrite
	}
	_, ok := t.current(path)
	return ok, nil
}

func (t *memTx) Get(path string) (*Document, error) {
	if t.wrote {
		return nil, errReadAfterWrite
	}
	p, err := docpath.Parse(path)
	if err != nil {
		return nil, err
	}
	f, ok := t.current(path)
	if !ok {
		return nil, &NotFoundError{Path: path}
	}
	d := Document{Path: p, Fields: f}.Clone()
	return &d, nil
}

func (t *memTx) Set(path string, fields Fields) error {
	if _, err := docpath.Parse(path); err != nil {
		return err
	}
	t.stage("set", path, copyFields(fields))
	return nil
}

func (t *memTx) Delete(path string) error {
	if _, err := docpath.Parse(path); err != nil {
		return err
	}
	t.stage("delete", path, nil)
	return nil
}

func (t *memTx) Increment(path string, deltas Deltas) error {
	if _, err := docpath.Parse(path); err != nil {
		return err
	}
	cur, _ := t.current(path)
	next := copyFields(cur)
	for field, delta := range deltas {
		n, _ := toInt64(next[field])
		next[field] = n + delta
	}
	t.stage("increment", path, next)
	return nil
}

func (s *MemoryStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	tx := &memTx{s: s, staged: make(map[string]Fields), ops: make(map[string]string)}
	if err := fn(ctx, tx); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.hook != nil {
		for _, p := range tx.order {
			if err := s.hook(tx.ops[p], p); err != nil {
				s.mu.Unlock()
				return err
			}
		}
	}
	for _, p := range tx.order {
		if f := tx.staged[p]; f == nil {
			delete(s.docs, p)
		} else {
			s.docs[p] = f
		}
	}
	s.stampLocked(tx.order)
	subs := s.notifyLocked(tx.order)
	s.mu.Unlock()
	drainAll(subs)
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[uint64]*memSub)
	s.closed = true
	s.mu.Unlock()
	for _, sub := range subs {
		sub.cancel()
	}
	return nil
}

func copyFields(f Fields) Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}
