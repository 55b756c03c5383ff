package taskqueue

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoQueue implements Queue on top of MongoDB.
//
// Collection schema:
//
//	{
//	  _id:              string,  // task ID
//	  payload:          []byte,  // gob-encoded Task
//	  seq:              int64,   // enqueue time, unix ns, for FIFO ties
//	  not_before:       int64,   // unix ns
//	  attempts:         int,
//	  lease_owner:      string,
//	  lease_expires_at: int64,   // unix ns
//	}
type MongoQueue struct {
	coll         *mongo.Collection
	pollInterval time.Duration
}

// NewMongoQueue creates a Mongo-backed queue.
// dbName defaults to "synapse", collName to "queue_tasks".
func NewMongoQueue(client *mongo.Client, dbName, collName string) *MongoQueue {
	if dbName == "" {
		dbName = "synapse"
	}
	if collName == "" {
		collName = "queue_tasks"
	}
	return &MongoQueue{
		coll:         client.Database(dbName).Collection(collName),
		pollInterval: defaultPollInterval,
	}
}

// Ensure MongoQueue implements Queue.
var _ Queue = (*MongoQueue)(nil)

type mongoQueueDoc struct {
	ID             string `bson:"_id"`
	Payload        []byte `bson:"payload"`
	Seq            int64  `bson:"seq"`
	NotBefore      int64  `bson:"not_before"`
	Attempts       int    `bson:"attempts"`
	LeaseOwner     string `bson:"lease_owner"`
	LeaseExpiresAt int64  `bson:"lease_expires_at"`
}

// Enqueue inserts a document for the given Task.
func (q *MongoQueue) Enqueue(ctx context.Context, t Task) error {
	t = prepare(t, time.Now())
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}

	doc := mongoQueueDoc{
		ID:        t.ID,
		Payload:   data,
		Seq:       time.Now().UnixNano(),
		NotBefore: t.NotBefore.UnixNano(),
		Attempts:  t.Attempts,
	}
	_, err = q.coll.InsertOne(ctx, doc)
	return err
}

func (q *MongoQueue) claim(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error) {
	now := time.Now()
	filter := bson.M{
		"not_before": bson.M{"$lte": now.UnixNano()},
		"$or": bson.A{
			bson.M{"lease_owner": ""},
			bson.M{"lease_expires_at": bson.M{"$lte": now.UnixNano()}},
		},
	}
	update := bson.M{"$set": bson.M{
		"lease_owner":      owner,
		"lease_expires_at": now.Add(leaseTTL).UnixNano(),
	}}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "not_before", Value: 1}, {Key: "seq", Value: 1}}).
		SetReturnDocument(options.After)

	var doc mongoQueueDoc
	err := q.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}

	t, err := DecodeTask(doc.Payload)
	if err != nil {
		return nil, err
	}
	t.NotBefore = time.Unix(0, doc.NotBefore)
	t.Attempts = doc.Attempts
	return t, nil
}

// Dequeue blocks (via polling) until a task is available or ctx is cancelled.
func (q *MongoQueue) Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error) {
	p := newPoller(q.pollInterval)
	defer p.stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t, err := q.claim(ctx, owner, leaseTTL)
		if err != nil {
			return nil, err
		}
		if t != nil {
			return t, nil
		}
		if err := p.wait(ctx, nil); err != nil {
			return nil, err
		}
	}
}

func (q *MongoQueue) Ack(ctx context.Context, taskID, owner string) error {
	res, err := q.coll.DeleteOne(ctx, bson.M{"_id": taskID, "lease_owner": owner})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrTaskNotLeased
	}
	return nil
}

func (q *MongoQueue) updateLeased(ctx context.Context, taskID, owner string, set bson.M) error {
	res, err := q.coll.UpdateOne(ctx,
		bson.M{"_id": taskID, "lease_owner": owner},
		bson.M{"$set": set},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrTaskNotLeased
	}
	return nil
}

func (q *MongoQueue) Nack(ctx context.Context, taskID, owner string, notBefore time.Time, attempts int) error {
	return q.updateLeased(ctx, taskID, owner, bson.M{
		"lease_owner":      "",
		"lease_expires_at": int64(0),
		"not_before":       notBefore.UnixNano(),
		"attempts":         attempts,
	})
}

func (q *MongoQueue) RenewLease(ctx context.Context, taskID, owner string, leaseTTL time.Duration) error {
	return q.updateLeased(ctx, taskID, owner, bson.M{
		"lease_expires_at": time.Now().Add(leaseTTL).UnixNano(),
	})
}

// Len returns the number of queued tasks.
func (q *MongoQueue) Len(ctx context.Context) (int, error) {
	n, err := q.coll.CountDocuments(ctx, bson.M{})
	return int(n), err
}

// SetPollInterval changes how often an idle Dequeue checks for due tasks.
// Call it before the queue is shared between goroutines.
func (q *MongoQueue) SetPollInterval(d time.Duration) {
	if d > 0 {
		q.pollInterval = d
	}
}
