package dlq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore implements Store for MongoDB, pairing with the MongoDB outbox
// store.
//
// Recommended index:
//
//	db.dead_letters.createIndex({failed_at: -1})
//	db.dead_letters.createIndex({aggregate_type: 1})
type MongoStore struct {
	coll *mongo.Collection
}

type mongoMessage struct {
	ID            string     `bson:"_id"`
	EventID       string     `bson:"event_id"`
	AggregateType string     `bson:"aggregate_type"`
	AggregateID   string     `bson:"aggregate_id"`
	Payload       []byte     `bson:"payload"`
	Reason        string     `bson:"reason"`
	RetryCount    int        `bson:"retry_count"`
	FailedAt      time.Time  `bson:"failed_at"`
	EventCreated  time.Time  `bson:"event_created"`
	RetriedAt     *time.Time `bson:"retried_at,omitempty"`
}

func (d *mongoMessage) toMessage() *Message {
	return &Message{
		ID:            d.ID,
		EventID:       d.EventID,
		AggregateType: d.AggregateType,
		AggregateID:   d.AggregateID,
		Payload:       d.Payload,
		Reason:        d.Reason,
		RetryCount:    d.RetryCount,
		FailedAt:      d.FailedAt,
		EventCreated:  d.EventCreated,
		RetriedAt:     d.RetriedAt,
	}
}

// NewMongoStore creates a MongoDB dead-letter store on the given collection.
func NewMongoStore(coll *mongo.Collection) *MongoStore {
	return &MongoStore{coll: coll}
}

func mongoFilter(filter Filter) bson.M {
	q := bson.M{}
	if filter.AggregateType != "" {
		q["aggregate_type"] = filter.AggregateType
	}
	failedAt := bson.M{}
	if !filter.Since.IsZero() {
		failedAt["$gte"] = filter.Since
	}
	if !filter.Until.IsZero() {
		failedAt["$lte"] = filter.Until
	}
	if len(failedAt) > 0 {
		q["failed_at"] = failedAt
	}
	if filter.ExcludeRetried {
		q["retried_at"] = nil
	}
	return q
}

// Store adds a message.
func (s *MongoStore) Store(ctx context.Context, msg *Message) error {
	doc := &mongoMessage{
		ID:            msg.ID,
		EventID:       msg.EventID,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		Payload:       msg.Payload,
		Reason:        msg.Reason,
		RetryCount:    msg.RetryCount,
		FailedAt:      msg.FailedAt,
		EventCreated:  msg.EventCreated,
		RetriedAt:     msg.RetriedAt,
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("store dead letter: %w", err)
	}
	return nil
}

// Get retrieves a message by ID.
func (s *MongoStore) Get(ctx context.Context, id string) (*Message, error) {
	var doc mongoMessage
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get dead letter: %w", err)
	}
	return doc.toMessage(), nil
}

// List returns messages matching the filter, newest failures first.
func (s *MongoStore) List(ctx context.Context, filter Filter) ([]*Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "failed_at", Value: -1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}
	if filter.Offset > 0 {
		opts.SetSkip(int64(filter.Offset))
	}

	cur, err := s.coll.Find(ctx, mongoFilter(filter), opts)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer cur.Close(ctx)

	var msgs []*Message
	for cur.Next(ctx) {
		var doc mongoMessage
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode dead letter: %w", err)
		}
		msgs = append(msgs, doc.toMessage())
	}
	return msgs, cur.Err()
}

// Count returns the number of messages matching the filter.
func (s *MongoStore) Count(ctx context.Context, filter Filter) (int64, error) {
	n, err := s.coll.CountDocuments(ctx, mongoFilter(filter))
	if err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return n, nil
}

// MarkRetried records a replay.
func (s *MongoStore) MarkRetried(ctx context.Context, id string) error {
	res, err := s.coll.UpdateByID(ctx, id, bson.M{"$set": bson.M{"retried_at": time.Now()}})
	if err != nil {
		return fmt.Errorf("mark retried: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a message.
func (s *MongoStore) Delete(ctx context.Context, id string) error {
	if _, err := s.coll.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return fmt.Errorf("delete dead letter: %w", err)
	}
	return nil
}

// DeleteOlderThan removes messages that failed more than age ago.
func (s *MongoStore) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	res, err := s.coll.DeleteMany(ctx, bson.M{
		"failed_at": bson.M{"$lt": time.Now().Add(-age)},
	})
	if err != nil {
		return 0, fmt.Errorf("delete old dead letters: %w", err)
	}
	return res.DeletedCount, nil
}

// Compile-time check
var _ Store = (*MongoStore)(nil)
