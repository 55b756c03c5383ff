package persistence

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/7ama2004/synapse/pkg/api"
)

const defaultMongoDB = "synapse"

// MongoDefinitionStore is a DefinitionStore backed by a MongoDB collection.
type MongoDefinitionStore struct {
	coll *mongo.Collection
}

var _ DefinitionStore = (*MongoDefinitionStore)(nil)

// NewMongoDefinitionStore creates a Mongo-backed definition store.
// dbName defaults to "synapse" if empty, collName defaults to "definitions".
func NewMongoDefinitionStore(client *mongo.Client, dbName, collName string) *MongoDefinitionStore {
	if dbName == "" {
		dbName = defaultMongoDB
	}
	if collName == "" {
		collName = "definitions"
	}
	return &MongoDefinitionStore{coll: client.Database(dbName).Collection(collName)}
}

type mongoDefinitionDoc struct {
	ID      string `bson:"_id"`
	Name    string `bson:"name"`
	Payload []byte `bson:"payload"`
}

func (s *MongoDefinitionStore) SaveDefinition(ctx context.Context, def api.Definition) error {
	payload, err := encodeDefinition(def)
	if err != nil {
		return err
	}
	doc := mongoDefinitionDoc{ID: def.ID, Name: def.Name, Payload: payload}
	_, err = s.coll.ReplaceOne(ctx, bson.M{"_id": def.ID}, doc, options.Replace().SetUpsert(true))
	return err
}

func (s *MongoDefinitionStore) GetDefinition(ctx context.Context, id string) (api.Definition, error) {
	var doc mongoDefinitionDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return api.Definition{}, ErrDefinitionNotFound
		}
		return api.Definition{}, err
	}
	return decodeDefinition(doc.Payload)
}

func (s *MongoDefinitionStore) ListDefinitions(ctx context.Context) ([]api.Definition, error) {
	cur, err := s.coll.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []api.Definition
	for cur.Next(ctx) {
		var doc mongoDefinitionDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		def, err := decodeDefinition(doc.Payload)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, cur.Err()
}

// MongoResultStore is a ResultStore backed by MongoDB.
//
// Results live in one collection, cancellation requests and run leases in
// two sibling collections named "<collName>_cancels" and "<collName>_leases".
type MongoResultStore struct {
	results *mongo.Collection
	cancels *mongo.Collection
	leases  *mongo.Collection
}

var _ ResultStore = (*MongoResultStore)(nil)

// NewMongoResultStore creates a Mongo-backed result store.
// dbName defaults to "synapse" if empty, collName defaults to "results".
func NewMongoResultStore(client *mongo.Client, dbName, collName string) *MongoResultStore {
	if dbName == "" {
		dbName = defaultMongoDB
	}
	if collName == "" {
		collName = "results"
	}
	db := client.Database(dbName)
	return &MongoResultStore{
		results: db.Collection(collName),
		cancels: db.Collection(collName + "_cancels"),
		leases:  db.Collection(collName + "_leases"),
	}
}

type mongoResultDoc struct {
	ID         string `bson:"_id"`
	WorkflowID string `bson:"workflow_id"`
	UserID     string `bson:"user_id"`
	Status     string `bson:"status"`
	CreatedAt  int64  `bson:"created_at"`
	Payload    []byte `bson:"payload"`
}

type mongoLeaseDoc struct {
	ID        string `bson:"_id"`
	Owner     string `bson:"owner"`
	ExpiresAt int64  `bson:"expires_at"`
}

func (s *MongoResultStore) UpsertResult(ctx context.Context, res *api.ExecutionResult) error {
	payload, err := encodeResult(res)
	if err != nil {
		return err
	}
	doc := mongoResultDoc{
		ID:         res.RunID,
		WorkflowID: res.WorkflowID,
		UserID:     res.UserID,
		Status:     string(res.Status),
		CreatedAt:  res.CreatedAt.UnixNano(),
		Payload:    payload,
	}
	_, err = s.results.ReplaceOne(ctx, bson.M{"_id": res.RunID}, doc, options.Replace().SetUpsert(true))
	return err
}

func (s *MongoResultStore) GetResult(ctx context.Context, runID string) (*api.ExecutionResult, error) {
	var doc mongoResultDoc
	err := s.results.FindOne(ctx, bson.M{"_id": runID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrResultNotFound
		}
		return nil, err
	}
	return decodeResult(doc.Payload)
}

func (s *MongoResultStore) ListResults(ctx context.Context, filter ResultFilter) ([]*api.ExecutionResult, error) {
	bfilter := bson.M{}
	if filter.WorkflowID != "" {
		bfilter["workflow_id"] = filter.WorkflowID
	}
	if filter.UserID != "" {
		bfilter["user_id"] = filter.UserID
	}
	if filter.Status != "" {
		bfilter["status"] = string(filter.Status)
	}

	opts := options.Find().SetSort(bson.D{
		{Key: "created_at", Value: -1},
		{Key: "_id", Value: 1},
	})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}
	if filter.Offset > 0 {
		opts.SetSkip(int64(filter.Offset))
	}

	cur, err := s.results.Find(ctx, bfilter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	out := []*api.ExecutionResult{}
	for cur.Next(ctx) {
		var doc mongoResultDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		res, err := decodeResult(doc.Payload)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, cur.Err()
}

func (s *MongoResultStore) RequestCancel(ctx context.Context, runID string) error {
	_, err := s.cancels.UpdateOne(ctx,
		bson.M{"_id": runID},
		bson.M{"$setOnInsert": bson.M{"requested_at": time.Now().UnixNano()}},
		options.Update().SetUpsert(true),
	)
	return err
}

func (s *MongoResultStore) CancelRequested(ctx context.Context, runID string) (bool, error) {
	n, err := s.cancels.CountDocuments(ctx, bson.M{"_id": runID})
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *MongoResultStore) ClearCancel(ctx context.Context, runID string) error {
	_, err := s.cancels.DeleteOne(ctx, bson.M{"_id": runID})
	return err
}

func (s *MongoResultStore) TryAcquireLease(ctx context.Context, runID, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	filter := bson.M{
		"_id": runID,
		"$or": bson.A{
			bson.M{"owner": owner},
			bson.M{"expires_at": bson.M{"$lte": now.UnixNano()}},
		},
	}
	update := bson.M{"$set": bson.M{
		"owner":      owner,
		"expires_at": now.Add(ttl).UnixNano(),
	}}

	_, err := s.leases.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		// The filter missed because another owner holds a live lease, so the
		// upsert collided with the existing _id.
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *MongoResultStore) RenewLease(ctx context.Context, runID, owner string, ttl time.Duration) error {
	res, err := s.leases.UpdateOne(ctx,
		bson.M{"_id": runID, "owner": owner},
		bson.M{"$set": bson.M{"expires_at": time.Now().Add(ttl).UnixNano()}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrLeaseNotHeld
	}
	return nil
}

func (s *MongoResultStore) ReleaseLease(ctx context.Context, runID, owner string) error {
	_, err := s.leases.DeleteOne(ctx, bson.M{"_id": runID, "owner": owner})
	return err
}

// leaseOwner returns the current lease holder, or "" if none. Used in tests.
func (s *MongoResultStore) leaseOwner(ctx context.Context, runID string) (string, error) {
	var doc mongoLeaseDoc
	err := s.leases.FindOne(ctx, bson.M{"_id": runID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return "", nil
		}
		return "", err
	}
	return doc.Owner, nil
}
