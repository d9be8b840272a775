package docstore

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/anonto42/tilt/backend/internal/docpath"
	"github.com/anonto42/tilt/backend/pkg/logger"
)

// DocumentsCollection holds every document of a MongoStore, keyed by path.
const DocumentsCollection = "documents"

// mongoDoc is the stored shape of a Document. Parent and Group let collection
// and collection-group queries run off indexes. Version is the wall clock of
// the last write in nanoseconds.
type mongoDoc struct {
	Path    string `bson:"_id"`
	Parent  string `bson:"parent"`
	Group   string `bson:"group"`
	DocID   string `bson:"docId"`
	Fields  bson.M `bson:"fields"`
	Version int64  `bson:"version"`
}

// MongoStore implements Store on a MongoDB replica set. Live queries re-run on
// change stream events.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// NewMongoStore creates a MongoStore over db.
func NewMongoStore(client *mongo.Client, db *mongo.Database) *MongoStore {
	return &MongoStore{client: client, collection: db.Collection(DocumentsCollection)}
}

// EnsureIndexes creates the indexes queries rely on.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "parent", Value: 1}}},
		{Keys: bson.D{{Key: "group", Value: 1}, {Key: "docId", Value: 1}}},
	})
	return err
}

func wrapMongo(path string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return &NotFoundError{Path: path}
	}
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return &TransientError{Err: err}
	}
	return err
}

func storedShape(p docpath.Path, fields Fields) mongoDoc {
	parent := p.CollectionPath()
	return mongoDoc{
		Path:    p.String(),
		Parent:  parent,
		Group:   docpath.CollectionID(parent),
		DocID:   p.ID(),
		Fields:  bson.M(copyFields(fields)),
		Version: time.Now().UnixNano(),
	}
}

func (d mongoDoc) document() (Document, error) {
	p, err := docpath.Parse(d.Path)
	if err != nil {
		return Document{}, err
	}
	fields := make(Fields, len(d.Fields))
	for k, v := range d.Fields {
		fields[k] = fromBSON(v)
	}
	return Document{Path: p, Fields: fields, Version: d.Version}, nil
}

func fromBSON(v interface{}) interface{} {
	switch t := v.(type) {
	case primitive.DateTime:
		return t.Time().UTC()
	case int32:
		return int64(t)
	case bson.M:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[k] = fromBSON(e)
		}
		return out
	case primitive.A:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = fromBSON(e)
		}
		return out
	}
	return v
}

func (s *MongoStore) get(ctx context.Context, path string) (*Document, error) {
	var raw mongoDoc
	if err := s.collection.FindOne(ctx, bson.M{"_id": path}).Decode(&raw); err != nil {
		return nil, wrapMongo(path, err)
	}
	d, err := raw.document()
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *MongoStore) set(ctx context.Context, p docpath.Path, fields Fields) error {
	_, err := s.collection.ReplaceOne(ctx, bson.M{"_id": p.String()}, storedShape(p, fields), options.Replace().SetUpsert(true))
	return wrapMongo(p.String(), err)
}

func (s *MongoStore) increment(ctx context.Context, p docpath.Path, deltas Deltas) error {
	shape := storedShape(p, nil)
	inc := bson.M{}
	for field, delta := range deltas {
		inc["fields."+field] = delta
	}
	update := bson.M{
		"$inc": inc,
		"$set": bson.M{"version": shape.Version},
		"$setOnInsert": bson.M{
			"parent": shape.Parent,
			"group":  shape.Group,
			"docId":  shape.DocID,
		},
	}
	_, err := s.collection.UpdateOne(ctx, bson.M{"_id": p.String()}, update, options.Update().SetUpsert(true))
	return wrapMongo(p.String(), err)
}

func (s *MongoStore) delete(ctx context.Context, path string) error {
	_, err := s.collection.DeleteOne(ctx, bson.M{"_id": path})
	return wrapMongo(path, err)
}

func (s *MongoStore) Get(ctx context.Context, path string) (*Document, error) {
	if _, err := docpath.Parse(path); err != nil {
		return nil, err
	}
	return s.get(ctx, path)
}

func (s *MongoStore) Set(ctx context.Context, path string, fields Fields) error {
	p, err := docpath.Parse(path)
	if err != nil {
		return err
	}
	return s.set(ctx, p, fields)
}

func (s *MongoStore) Update(ctx context.Context, path string, fields Fields) error {
	if _, err := docpath.Parse(path); err != nil {
		return err
	}
	set := bson.M{"version": time.Now().UnixNano()}
	for k, v := range fields {
		set["fields."+k] = v
	}
	res, err := s.collection.UpdateOne(ctx, bson.M{"_id": path}, bson.M{"$set": set})
	if err != nil {
		return wrapMongo(path, err)
	}
	if res.MatchedCount == 0 {
		return &NotFoundError{Path: path}
	}
	return nil
}

func (s *MongoStore) Delete(ctx context.Context, path string) error {
	if _, err := docpath.Parse(path); err != nil {
		return err
	}
	return s.delete(ctx, path)
}

func (s *MongoStore) Increment(ctx context.Context, path, field string, delta int64) error {
	p, err := docpath.Parse(path)
	if err != nil {
		return err
	}
	return s.increment(ctx, p, Deltas{field: delta})
}

func filterOf(base bson.M, q Query) bson.M {
	for _, f := range q.Filters {
		base["fields."+f.Field] = f.Value
	}
	var and bson.A
	key := "fields." + q.OrderBy
	if q.StartAfter != nil {
		past := "$lt"
		if q.Direction == Asc {
			past = "$gt"
		}
		and = append(and, bson.M{"$or": bson.A{
			bson.M{key: bson.M{past: q.StartAfter.Value}},
			bson.M{key: q.StartAfter.Value, "docId": bson.M{"$gt": q.StartAfter.ID}},
		}})
	}
	if q.EndAt != nil {
		before := "$gt"
		if q.Direction == Asc {
			before = "$lt"
		}
		and = append(and, bson.M{"$or": bson.A{
			bson.M{key: bson.M{before: q.EndAt.Value}},
			bson.M{key: q.EndAt.Value, "docId": bson.M{"$lte": q.EndAt.ID}},
		}})
	}
	if len(and) > 0 {
		base["$and"] = and
	}
	return base
}

func findOptions(q Query) *options.FindOptions {
	opts := options.Find()
	if q.OrderBy != "" {
		dir := -1
		if q.Direction == Asc {
			dir = 1
		}
		opts.SetSort(bson.D{{Key: "fields." + q.OrderBy, Value: dir}, {Key: "docId", Value: 1}})
	}
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}
	return opts
}

func (s *MongoStore) find(ctx context.Context, filter bson.M, q Query) ([]Document, error) {
	cursor, err := s.collection.Find(ctx, filter, findOptions(q))
	if err != nil {
		return nil, wrapMongo(q.CollectionPath, err)
	}
	defer cursor.Close(ctx)

	var raws []mongoDoc
	if err := cursor.All(ctx, &raws); err != nil {
		return nil, wrapMongo(q.CollectionPath, err)
	}
	out := make([]Document, 0, len(raws))
	for _, raw := range raws {
		d, err := raw.document()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// watch opens a change stream over documents whose id matches match, then
// calls deliver once immediately and again after every event.
func (s *MongoStore) watch(ctx context.Context, name string, match bson.M, deliver func(context.Context), fail func(error)) (Unsubscribe, error) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stream, err := s.collection.Watch(ctx, mongo.Pipeline{{{Key: "$match", Value: match}}})
	if err != nil {
		cancel()
		return nil, wrapMongo(name, err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer stream.Close(context.Background())
		deliver(ctx)
		for stream.Next(ctx) {
			deliver(ctx)
		}
		if err := stream.Err(); err != nil && ctx.Err() == nil {
			logger.Log.Warn("change stream ended", zap.String("target", name), zap.Error(err))
			fail(wrapMongo(name, err))
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			select {
			case <-done:
			case <-time.After(5 * time.Second):
			}
		})
	}, nil
}

func (s *MongoStore) QueryOrdered(ctx context.Context, q Query, onNext func(Window)) (Unsubscribe, error) {
	if !docpath.IsCollectionPath(q.CollectionPath) {
		return nil, &docpath.MalformedPathError{Segments: []string{q.CollectionPath}, Reason: "not a collection path"}
	}
	match := bson.M{"documentKey._id": primitive.Regex{Pattern: "^" + regexp.QuoteMeta(q.CollectionPath) + "/[^/]+$"}}
	return s.watch(ctx, q.String(), match, func(ctx context.Context) {
		docs, err := s.find(ctx, filterOf(bson.M{"parent": q.CollectionPath}, q), q)
		if ctx.Err() != nil {
			return
		}
		onNext(Window{Documents: docs, Err: err})
	}, func(err error) { onNext(Window{Err: err}) })
}

func (s *MongoStore) SubscribeDocument(ctx context.Context, path string, onNext func(Snapshot)) (Unsubscribe, error) {
	if _, err := docpath.Parse(path); err != nil {
		return nil, err
	}
	return s.watch(ctx, path, bson.M{"documentKey._id": path}, func(ctx context.Context) {
		d, err := s.get(ctx, path)
		if ctx.Err() != nil {
			return
		}
		if IsNotFound(err) {
			onNext(Snapshot{})
			return
		}
		onNext(Snapshot{Document: d, Err: err})
	}, func(err error) { onNext(Snapshot{Err: err}) })
}

func (s *MongoStore) Count(ctx context.Context, q Query) (int64, error) {
	filter := bson.M{"parent": q.CollectionPath}
	for _, f := range q.Filters {
		filter["fields."+f.Field] = f.Value
	}
	n, err := s.collection.CountDocuments(ctx, filter)
	return n, wrapMongo(q.CollectionPath, err)
}

func (s *MongoStore) FindByID(ctx context.Context, collectionID, id string) (*Document, error) {
	var raw mongoDoc
	err := s.collection.FindOne(ctx, bson.M{"group": collectionID, "docId": id}, options.FindOne().SetSort(bson.D{{Key: "_id", Value: 1}})).Decode(&raw)
	if err != nil {
		return nil, wrapMongo(collectionID+"/"+id, err)
	}
	d, err := raw.document()
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *MongoStore) Documents(ctx context.Context, collectionID string, q Query) ([]Document, error) {
	return s.find(ctx, filterOf(bson.M{"group": collectionID}, q), q)
}

// mongoTx runs its operations inside the session context of a transaction.
type mongoTx struct {
	s   *MongoStore
	ctx mongo.SessionContext
}

func (t *mongoTx) Exists(path string) (bool, error) {
	_, err := t.Get(path)
	if IsNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

func (t *mongoTx) Get(path string) (*Document, error) {
	if _, err := docpath.Parse(path); err != nil {
		return nil, err
	}
	return t.s.get(t.ctx, path)
}

func (t *mongoTx) Set(path string, fields Fields) error {
	p, err := docpath.Parse(path)
	if err != nil {
		return err
	}
	return t.s.set(t.ctx, p, fields)
}

func (t *mongoTx) Delete(path string) error {
	if _, err := docpath.Parse(path); err != nil {
		return err
	}
	return t.s.delete(t.ctx, path)
}

func (t *mongoTx) Increment(path string, deltas Deltas) error {
	p, err := docpath.Parse(path)
	if err != nil {
		return err
	}
	return t.s.increment(t.ctx, p, deltas)
}

func (s *MongoStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return wrapMongo("transaction", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc, &mongoTx{s: s, ctx: sc})
	})
	return wrapMongo("transaction", err)
}

// Close is a no-op: the client is disconnected by whoever connected it.
func (s *MongoStore) Close() error { return nil }
