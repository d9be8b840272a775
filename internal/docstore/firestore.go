package docstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/anonto42/tilt/backend/internal/docpath"
	"github.com/anonto42/tilt/backend/pkg/logger"
	"go.uber.org/zap"
)

// FirestoreStore implements Store on Cloud Firestore.
type FirestoreStore struct {
	client *firestore.Client
}

// NewFirestoreStore wraps a client obtained from the Firebase app.
func NewFirestoreStore(client *firestore.Client) *FirestoreStore {
	return &FirestoreStore{client: client}
}

func (s *FirestoreStore) doc(path string) (*firestore.DocumentRef, error) {
	if _, err := docpath.Parse(path); err != nil {
		return nil, err
	}
	ref := s.client.Doc(path)
	if ref == nil {
		return nil, &docpath.MalformedPathError{Segments: []string{path}, Reason: "not a document path"}
	}
	return ref, nil
}

func fromSnapshot(snap *firestore.DocumentSnapshot) (Document, error) {
	p, err := docpath.FromStorePath(snap.Ref.Path)
	if err != nil {
		return Document{}, err
	}
	return Document{Path: p, Fields: Fields(snap.Data()), Version: snap.UpdateTime.UnixNano()}, nil
}

func translate(path string, err error) error {
	if err == nil {
		return nil
	}
	switch status.Code(err) {
	case codes.NotFound:
		return &NotFoundError{Path: path}
	case codes.Unavailable, codes.Aborted, codes.DeadlineExceeded, codes.ResourceExhausted:
		return &TransientError{Err: err}
	}
	return err
}

func (s *FirestoreStore) Get(ctx context.Context, path string) (*Document, error) {
	ref, err := s.doc(path)
	if err != nil {
		return nil, err
	}
	snap, err := ref.Get(ctx)
	if err != nil {
		return nil, translate(path, err)
	}
	if !snap.Exists() {
		return nil, &NotFoundError{Path: path}
	}
	d, err := fromSnapshot(snap)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *FirestoreStore) Set(ctx context.Context, path string, fields Fields) error {
	ref, err := s.doc(path)
	if err != nil {
		return err
	}
	_, err = ref.Set(ctx, map[string]interface{}(fields))
	return translate(path, err)
}

func (s *FirestoreStore) Update(ctx context.Context, path string, fields Fields) error {
	ref, err := s.doc(path)
	if err != nil {
		return err
	}
	updates := make([]firestore.Update, 0, len(fields))
	for k, v := range fields {
		updates = append(updates, firestore.Update{Path: k, Value: v})
	}
	_, err = ref.Update(ctx, updates)
	return translate(path, err)
}

func (s *FirestoreStore) Delete(ctx context.Context, path string) error {
	ref, err := s.doc(path)
	if err != nil {
		return err
	}
	_, err = ref.Delete(ctx)
	return translate(path, err)
}

func (s *FirestoreStore) Increment(ctx context.Context, path, field string, delta int64) error {
	ref, err := s.doc(path)
	if err != nil {
		return err
	}
	_, err = ref.Set(ctx, map[string]interface{}{field: firestore.Increment(delta)}, firestore.MergeAll)
	return translate(path, err)
}

func (s *FirestoreStore) query(base firestore.Query, q Query) firestore.Query {
	for _, f := range q.Filters {
		base = base.Where(f.Field, "==", f.Value)
	}
	dir := firestore.Desc
	if q.Direction == Asc {
		dir = firestore.Asc
	}
	if q.OrderBy != "" {
		base = base.OrderBy(q.OrderBy, dir).OrderBy(firestore.DocumentID, firestore.Asc)
	}
	if q.StartAfter != nil {
		base = base.StartAfter(q.StartAfter.Value, q.StartAfter.ID)
	}
	if q.EndAt != nil {
		base = base.EndAt(q.EndAt.Value, q.EndAt.ID)
	}
	if q.Limit > 0 {
		base = base.Limit(q.Limit)
	}
	return base
}

func (s *FirestoreStore) collection(collectionPath string) (*firestore.CollectionRef, error) {
	if !docpath.IsCollectionPath(collectionPath) {
		return nil, &docpath.MalformedPathError{Segments: []string{collectionPath}, Reason: "not a collection path"}
	}
	coll := s.client.Collection(collectionPath)
	if coll == nil {
		return nil, &docpath.MalformedPathError{Segments: []string{collectionPath}, Reason: "not a collection path"}
	}
	return coll, nil
}

// listen runs next in a goroutine until it fails or the subscription is
// disposed. Deliveries for one subscription are sequential.
func listen(ctx context.Context, name string, next func() error, stop func()) Unsubscribe {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		for {
			err := next()
			if err == nil {
				continue
			}
			if ctx.Err() == nil && !errors.Is(err, iterator.Done) && status.Code(err) != codes.Canceled {
				logger.Log.Warn("subscription ended", zap.String("target", name), zap.Error(err))
			}
			return
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			stop()
		})
	}
}

func (s *FirestoreStore) QueryOrdered(ctx context.Context, q Query, onNext func(Window)) (Unsubscribe, error) {
	coll, err := s.collection(q.CollectionPath)
	if err != nil {
		return nil, err
	}
	it := s.query(coll.Query, q).Snapshots(context.WithoutCancel(ctx))
	return listen(ctx, q.String(), func() error {
		snap, err := it.Next()
		if err != nil {
			if !errors.Is(err, iterator.Done) && status.Code(err) != codes.Canceled {
				onNext(Window{Err: translate(q.CollectionPath, err)})
			}
			return err
		}
		docs, err := snap.Documents.GetAll()
		if err != nil {
			onNext(Window{Err: err})
			return nil
		}
		w := Window{Documents: make([]Document, 0, len(docs))}
		for _, ds := range docs {
			d, err := fromSnapshot(ds)
			if err != nil {
				w.Err = err
				break
			}
			w.Documents = append(w.Documents, d)
		}
		onNext(w)
		return nil
	}, it.Stop), nil
}

func (s *FirestoreStore) SubscribeDocument(ctx context.Context, path string, onNext func(Snapshot)) (Unsubscribe, error) {
	ref, err := s.doc(path)
	if err != nil {
		return nil, err
	}
	it := ref.Snapshots(context.WithoutCancel(ctx))
	return listen(ctx, path, func() error {
		snap, err := it.Next()
		if err != nil {
			if !errors.Is(err, iterator.Done) && status.Code(err) != codes.Canceled {
				onNext(Snapshot{Err: translate(path, err)})
			}
			return err
		}
		if !snap.Exists() {
			onNext(Snapshot{})
			return nil
		}
		d, err := fromSnapshot(snap)
		if err != nil {
			onNext(Snapshot{Err: err})
			return nil
		}
		onNext(Snapshot{Document: &d})
		return nil
	}, it.Stop), nil
}

func (s *FirestoreStore) Count(ctx context.Context, q Query) (int64, error) {
	coll, err := s.collection(q.CollectionPath)
	if err != nil {
		return 0, err
	}
	base := coll.Query
	for _, f := range q.Filters {
		base = base.Where(f.Field, "==", f.Value)
	}
	res, err := base.NewAggregationQuery().WithCount("all").Get(ctx)
	if err != nil {
		return 0, translate(q.CollectionPath, err)
	}
	v, ok := res["all"].(*firestorepb.Value)
	if !ok {
		return 0, fmt.Errorf("unexpected aggregation result %T", res["all"])
	}
	return v.GetIntegerValue(), nil
}

func (s *FirestoreStore) FindByID(ctx context.Context, collectionID, id string) (*Document, error) {
	docs, err := s.client.CollectionGroup(collectionID).Where("id", "==", id).Limit(1).Documents(ctx).GetAll()
	if err != nil {
		return nil, translate(collectionID, err)
	}
	if len(docs) == 0 {
		return nil, &NotFoundError{Path: collectionID + "/" + id}
	}
	d, err := fromSnapshot(docs[0])
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *FirestoreStore) Documents(ctx context.Context, collectionID string, q Query) ([]Document, error) {
	snaps, err := s.query(s.client.CollectionGroup(collectionID).Query, q).Documents(ctx).GetAll()
	if err != nil {
		return nil, translate(collectionID, err)
	}
	out := make([]Document, 0, len(snaps))
	for _, snap := range snaps {
		d, err := fromSnapshot(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

type firestoreTx struct {
	s  *FirestoreStore
	tx *firestore.Transaction
}

func (t *firestoreTx) Exists(path string) (bool, error) {
	ref, err := t.s.doc(path)
	if err != nil {
		return false, err
	}
	snap, err := t.tx.Get(ref)
	if status.Code(err) == codes.NotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return snap.Exists(), nil
}

func (t *firestoreTx) Get(path string) (*Document, error) {
	ref, err := t.s.doc(path)
	if err != nil {
		return nil, err
	}
	snap, err := t.tx.Get(ref)
	if err != nil {
		return nil, translate(path, err)
	}
	d, err := fromSnapshot(snap)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (t *firestoreTx) Set(path string, fields Fields) error {
	ref, err := t.s.doc(path)
	if err != nil {
		return err
	}
	return t.tx.Set(ref, map[string]interface{}(fields))
}

func (t *firestoreTx) Delete(path string) error {
	ref, err := t.s.doc(path)
	if err != nil {
		return err
	}
	return t.tx.Delete(ref)
}

func (t *firestoreTx) Increment(path string, deltas Deltas) error {
	ref, err := t.s.doc(path)
	if err != nil {
		return err
	}
	data := make(map[string]interface{}, len(deltas))
	for field, delta := range deltas {
		data[field] = firestore.Increment(delta)
	}
	return t.tx.Set(ref, data, firestore.MergeAll)
}

func (s *FirestoreStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		return fn(ctx, &firestoreTx{s: s, tx: tx})
	})
	return translate("transaction", err)
}

func (s *FirestoreStore) Close() error {
	return s.client.Close()
}
