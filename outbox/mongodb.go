package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore implements Store for MongoDB, for deployments whose message
// tables live in Mongo.
//
// Claims use FindOneAndUpdate, which is atomic per document, so concurrent
// processor instances are safe the same way they are with row locks. Callers
// wanting Insert atomic with their own writes run it inside a session
// (mongo.WithSession), which travels through the context.
type MongoStore struct {
	coll         *mongo.Collection
	claimTimeout time.Duration
}

type mongoEvent struct {
	ID            string     `bson:"_id"`
	AggregateType string     `bson:"aggregate_type"`
	AggregateID   string     `bson:"aggregate_id"`
	Payload       []byte     `bson:"payload"`
	Status        Status     `bson:"status"`
	RetryCount    int        `bson:"retry_count"`
	LastError     string     `bson:"last_error,omitempty"`
	CreatedAt     time.Time  `bson:"created_at"`
	ClaimedAt     *time.Time `bson:"claimed_at,omitempty"`
	NextAttemptAt time.Time  `bson:"next_attempt_at"`
	ProcessedAt   *time.Time `bson:"processed_at,omitempty"`
}

func (d *mongoEvent) toEvent() *Event {
	return &Event{
		ID:            d.ID,
		AggregateType: d.AggregateType,
		AggregateID:   d.AggregateID,
		Payload:       d.Payload,
		Status:        d.Status,
		RetryCount:    d.RetryCount,
		LastError:     d.LastError,
		CreatedAt:     d.CreatedAt,
		ClaimedAt:     d.ClaimedAt,
		NextAttemptAt: d.NextAttemptAt,
		ProcessedAt:   d.ProcessedAt,
	}
}

func fromEvent(ev *Event) *mongoEvent {
	return &mongoEvent{
		ID:            ev.ID,
		AggregateType: ev.AggregateType,
		AggregateID:   ev.AggregateID,
		Payload:       ev.Payload,
		Status:        ev.Status,
		RetryCount:    ev.RetryCount,
		LastError:     ev.LastError,
		CreatedAt:     ev.CreatedAt,
		ClaimedAt:     ev.ClaimedAt,
		NextAttemptAt: ev.NextAttemptAt,
		ProcessedAt:   ev.ProcessedAt,
	}
}

// NewMongoStore creates a MongoDB outbox store on the given collection with
// the default claim timeout.
//
// Recommended index:
//
//	db.outbox_events.createIndex({status: 1, next_attempt_at: 1, created_at: 1})
func NewMongoStore(coll *mongo.Collection) *MongoStore {
	return &MongoStore{
		coll:         coll,
		claimTimeout: DefaultClaimTimeout,
	}
}

// WithClaimTimeout sets the stale-claim recovery timeout. Returns the store
// for method chaining.
func (s *MongoStore) WithClaimTimeout(d time.Duration) *MongoStore {
	if d > 0 {
		s.claimTimeout = d
	}
	return s
}

// Insert stores a pending event. Run inside mongo.WithSession to make it
// atomic with the caller's message write.
func (s *MongoStore) Insert(ctx context.Context, ev *Event) error {
	if _, err := s.coll.InsertOne(ctx, fromEvent(ev)); err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

func (s *MongoStore) claimFilter(now time.Time) bson.M {
	return bson.M{"$or": bson.A{
		bson.M{"status": StatusPending, "next_attempt_at": bson.M{"$lte": now}},
		bson.M{"status": StatusProcessing, "claimed_at": bson.M{"$lt": now.Add(-s.claimTimeout)}},
	}}
}

// ClaimPending claims up to limit publishable events, one FindOneAndUpdate
// per event, oldest first.
func (s *MongoStore) ClaimPending(ctx context.Context, limit int) ([]*Event, error) {
	now := time.Now()
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "created_at", Value: 1}}).
		SetReturnDocument(options.After)
	update := bson.M{"$set": bson.M{"status": StatusProcessing, "claimed_at": now}}

	var events []*Event
	for len(events) < limit {
		var doc mongoEvent
		err := s.coll.FindOneAndUpdate(ctx, s.claimFilter(now), update, opts).Decode(&doc)
		if err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				break
			}
			return events, fmt.Errorf("claim pending: %w", err)
		}
		events = append(events, doc.toEvent())
	}
	return events, nil
}

// MarkProcessed records a successful publish.
func (s *MongoStore) MarkProcessed(ctx context.Context, id string) error {
	now := time.Now()
	_, err := s.coll.UpdateByID(ctx, id, bson.M{"$set": bson.M{
		"status":       StatusProcessed,
		"processed_at": now,
		"claimed_at":   nil,
	}})
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// Release returns a claimed event to pending with a deferred next attempt.
func (s *MongoStore) Release(ctx context.Context, id string, retryDelay time.Duration, cause error) error {
	var lastError string
	if cause != nil {
		lastError = cause.Error()
	}
	_, err := s.coll.UpdateByID(ctx, id, bson.M{
		"$set": bson.M{
			"status":          StatusPending,
			"last_error":      lastError,
			"claimed_at":      nil,
			"next_attempt_at": time.Now().Add(retryDelay),
		},
		"$inc": bson.M{"retry_count": 1},
	})
	if err != nil {
		return fmt.Errorf("release: %w", err)
	}
	return nil
}

// Delete removes an event.
func (s *MongoStore) Delete(ctx context.Context, id string) error {
	if _, err := s.coll.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

// DeleteProcessed removes processed events older than the given age.
func (s *MongoStore) DeleteProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.coll.DeleteMany(ctx, bson.M{
		"status":       StatusProcessed,
		"processed_at": bson.M{"$lt": time.Now().Add(-olderThan)},
	})
	if err != nil {
		return 0, fmt.Errorf("delete processed: %w", err)
	}
	return res.DeletedCount, nil
}

// Reinsert stores an event as pending, used by dead-letter replay.
func (s *MongoStore) Reinsert(ctx context.Context, ev *Event) error {
	doc := fromEvent(ev)
	doc.Status = StatusPending
	doc.RetryCount = 0
	doc.ClaimedAt = nil
	doc.NextAttemptAt = time.Now()

	opts := options.Replace().SetUpsert(true)
	if _, err := s.coll.ReplaceOne(ctx, bson.M{"_id": ev.ID}, doc, opts); err != nil {
		return fmt.Errorf("reinsert: %w", err)
	}
	return nil
}

// PendingCount reports the publishable backlog.
func (s *MongoStore) PendingCount(ctx context.Context) (int64, error) {
	n, err := s.coll.CountDocuments(ctx, bson.M{"status": StatusPending})
	if err != nil {
		return 0, fmt.Errorf("pending count: %w", err)
	}
	return n, nil
}

// Compile-time check
var _ Store = (*MongoStore)(nil)
