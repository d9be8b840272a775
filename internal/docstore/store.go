// Package docstore is the document database contract the feed core is written
// against, with Firestore, MongoDB and in-memory implementations.
//
// Paths are "/"-delimited strings over collection/id segment pairs. Live queries
// deliver whole ordered windows; every subscription returns an Unsubscribe that
// the creator must call exactly once (calling it again is harmless).
package docstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/anonto42/tilt/backend/internal/docpath"
)

// Fields is the content of a document.
type Fields map[string]interface{}

// Document is a stored document and its location. Version grows with every
// write to the document; a larger version is a later state.
type Document struct {
	Path    docpath.Path
	Fields  Fields
	Version int64
}

// ID of the document.
func (d Document) ID() string { return d.Path.ID() }

// String returns a string field or "".
func (d Document) String(field string) string {
	if v, ok := d.Fields[field].(string); ok {
		return v
	}
	return ""
}

// Int returns a numeric field as int64 or 0.
func (d Document) Int(field string) int64 {
	n, _ := toInt64(d.Fields[field])
	return n
}

// Clone returns a copy whose Fields map can be mutated independently.
func (d Document) Clone() Document {
	f := make(Fields, len(d.Fields))
	for k, v := range d.Fields {
		f[k] = v
	}
	return Document{Path: d.Path, Fields: f, Version: d.Version}
}

// Direction of an ordered query.
type Direction int

const (
	Desc Direction = iota
	Asc
)

// Filter is an equality filter.
type Filter struct {
	Field string
	Value interface{}
}

// Bound is a position in an ordered query: the ordering key value and the
// document id breaking ties.
type Bound struct {
	Value interface{}
	ID    string
}

// BoundOf returns the position of doc under the given ordering key.
func BoundOf(doc Document, orderBy string) *Bound {
	return &Bound{Value: doc.Fields[orderBy], ID: doc.ID()}
}

// Query is an ordered range query over one collection. Results are ordered by
// OrderBy in Direction, then by document id ascending.
type Query struct {
	CollectionPath string
	OrderBy        string
	Direction      Direction
	Limit          int
	StartAfter     *Bound
	EndAt          *Bound
	Filters        []Filter
}

func (q Query) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s order by %s", q.CollectionPath, q.OrderBy)
	if q.Direction == Desc {
		b.WriteString(" desc")
	}
	for _, f := range q.Filters {
		fmt.Fprintf(&b, " where %s == %v", f.Field, f.Value)
	}
	if q.StartAfter != nil {
		fmt.Fprintf(&b, " start after %v/%s", q.StartAfter.Value, q.StartAfter.ID)
	}
	if q.EndAt != nil {
		fmt.Fprintf(&b, " end at %v/%s", q.EndAt.Value, q.EndAt.ID)
	}
	if q.Limit > 0 {
		fmt.Fprintf(&b, " limit %d", q.Limit)
	}
	return b.String()
}

// Window is one delivery of a live query.
type Window struct {
	Documents []Document
	Err       error
}

// Snapshot is one delivery of a live document subscription. Document is nil
// when the document does not exist.
type Snapshot struct {
	Document *Document
	Err      error
}

// Unsubscribe disposes a live subscription.
type Unsubscribe func()

// Store is the document database.
type Store interface {
	// Get returns the document or a *NotFoundError.
	Get(ctx context.Context, path string) (*Document, error)
	// Set replaces the document, creating it if absent.
	Set(ctx context.Context, path string, fields Fields) error
	// Update merges fields into an existing document.
	Update(ctx context.Context, path string, fields Fields) error
	Delete(ctx context.Context, path string) error
	// Increment atomically adds delta to a numeric field, creating it if absent.
	Increment(ctx context.Context, path, field string, delta int64) error

	// QueryOrdered delivers the current window of q, then a fresh window after
	// every change affecting it, until unsubscribed.
	QueryOrdered(ctx context.Context, q Query, onNext func(Window)) (Unsubscribe, error)
	// SubscribeDocument delivers the current document, then every change.
	SubscribeDocument(ctx context.Context, path string, onNext func(Snapshot)) (Unsubscribe, error)
	// Count returns the number of documents matching q (limit and bounds ignored).
	Count(ctx context.Context, q Query) (int64, error)
	// FindByID looks a document up by id across every collection named collectionID.
	FindByID(ctx context.Context, collectionID, id string) (*Document, error)
	// Documents returns the documents of every collection named collectionID
	// matching the filters, ordered like a Query.
	Documents(ctx context.Context, collectionID string, q Query) ([]Document, error)

	// RunTransaction runs fn atomically. Reads must precede writes.
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	Close() error
}

// Tx is the view of the store inside a transaction.
type Tx interface {
	Exists(path string) (bool, error)
	Get(path string) (*Document, error)
	Set(path string, fields Fields) error
	Delete(path string) error
	// Increment adds every delta to its field in one write, creating the
	// document if absent.
	Increment(path string, deltas Deltas) error
}

// Deltas maps numeric fields to the amount they change by.
type Deltas map[string]int64

// sortDocuments orders docs by q's key and direction, ties by id ascending.
func sortDocuments(docs []Document, q Query) {
	sort.SliceStable(docs, func(i, j int) bool {
		return Less(docs[i], docs[j], q.OrderBy, q.Direction)
	})
}

// Less reports whether a sorts before b.
func Less(a, b Document, orderBy string, dir Direction) bool {
	c := compareValues(a.Fields[orderBy], b.Fields[orderBy])
	if c != 0 {
		if dir == Desc {
			return c > 0
		}
		return c < 0
	}
	return a.ID() < b.ID()
}

// compareBound compares doc against a bound under q's ordering: negative when
// doc sorts before the bound.
func compareBound(doc Document, b *Bound, q Query) int {
	c := compareValues(doc.Fields[q.OrderBy], b.Value)
	if q.Direction == Desc {
		c = -c
	}
	if c != 0 {
		return c
	}
	return strings.Compare(doc.ID(), b.ID)
}

func compareValues(a, b interface{}) int {
	if at, ok := a.(time.Time); ok {
		if bt, ok := b.(time.Time); ok {
			return at.Compare(bt)
		}
	}
	if an, ok := toFloat(a); ok {
		if bn, ok := toFloat(b); ok {
			switch {
			case an < bn:
				return -1
			case an > bn:
				return 1
			}
			return 0
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float32:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}

func matches(doc Document, filters []Filter) bool {
	for _, f := range filters {
		v, ok := doc.Fields[f.Field]
		if !ok || compareValues(v, f.Value) != 0 {
			return false
		}
	}
	return true
}

// applyWindow filters, orders, bounds and limits docs for q.
func applyWindow(docs []Document, q Query) []Document {
	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		if matches(d, q.Filters) {
			out = append(out, d)
		}
	}
	sortDocuments(out, q)
	if q.StartAfter != nil {
		i := 0
		for i < len(out) && compareBound(out[i], q.StartAfter, q) <= 0 {
			i++
		}
		out = out[i:]
	}
	if q.EndAt != nil {
		i := 0
		for i < len(out) && compareBound(out[i], q.EndAt, q) <= 0 {
			i++
		}
		out = out[:i]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func parentOf(path string) string {
	trimmed := strings.Trim(path, "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		return trimmed[:i]
	}
	return ""
}
