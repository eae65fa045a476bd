package mongodb

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/elixirlabs/chamber-gateway/internal/domain"
	"github.com/elixirlabs/chamber-gateway/internal/storage"
)

// SessionStore implements session history storage on MongoDB
type SessionStore struct {
	collection *mongo.Collection
	dataPoints *mongo.Collection
	events     *mongo.Collection
	counters   *mongo.Collection
}

func (s *SessionStore) Create(ctx context.Context, session *domain.Session) error {
	if session == nil {
		return storage.ErrInvalidInput
	}
	_, err := s.collection.InsertOne(ctx, session)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("%w: %v", storage.ErrDatabase, err)
	}
	return nil
}

func (s *SessionStore) GetByUUID(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	var session domain.Session
	err := s.collection.FindOne(ctx, bson.M{"uuid": id}).Decode(&session)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", storage.ErrDatabase, err)
	}
	return &session, nil
}

func (s *SessionStore) Active(ctx context.Context) (*domain.Session, error) {
	var session domain.Session
	err := s.collection.FindOne(ctx, bson.M{"end_time": bson.M{"$exists": false}}).Decode(&session)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", storage.ErrDatabase, err)
	}
	return &session, nil
}

func (s *SessionStore) List(ctx context.Context, limit int) ([]*domain.Session, error) {
	opts := options.Find().SetSort(bson.D{{Key: "number", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := s.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrDatabase, err)
	}
	defer cursor.Close(ctx)

	var sessions []*domain.Session
	if err := cursor.All(ctx, &sessions); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrDatabase, err)
	}
	return sessions, nil
}

func (s *SessionStore) Update(ctx context.Context, session *domain.Session) error {
	if session == nil {
		return storage.ErrInvalidInput
	}
	result, err := s.collection.ReplaceOne(ctx, bson.M{"uuid": session.UUID}, session)
	if err != nil {
		return fmt.Errorf("%w: %v", storage.ErrDatabase, err)
	}
	if result.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *SessionStore) NextNumber(ctx context.Context) (int, error) {
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)
	var counter struct {
		Value int `bson:"value"`
	}
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": "session_number"},
		bson.M{"$inc": bson.M{"value": 1}},
		opts,
	).Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", storage.ErrDatabase, err)
	}
	return counter.Value, nil
}

func (s *SessionStore) AppendDataPoint(ctx context.Context, dp *domain.DataPoint) error {
	if dp == nil {
		return storage.ErrInvalidInput
	}
	if _, err := s.dataPoints.InsertOne(ctx, dp); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrDatabase, err)
	}
	return nil
}

func (s *SessionStore) ListDataPoints(ctx context.Context, sessionUUID uuid.UUID) ([]*domain.DataPoint, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}})
	cursor, err := s.dataPoints.Find(ctx, bson.M{"session_uuid": sessionUUID}, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrDatabase, err)
	}
	defer cursor.Close(ctx)

	var points []*domain.DataPoint
	if err := cursor.All(ctx, &points); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrDatabase, err)
	}
	return points, nil
}

func (s *SessionStore) AppendEvent(ctx context.Context, ev *domain.Event) error {
	if ev == nil {
		return storage.ErrInvalidInput
	}
	if _, err := s.events.InsertOne(ctx, ev); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrDatabase, err)
	}
	return nil
}

func (s *SessionStore) ListEvents(ctx context.Context, sessionUUID uuid.UUID) ([]*domain.Event, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}})
	cursor, err := s.events.Find(ctx, bson.M{"session_uuid": sessionUUID}, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrDatabase, err)
	}
	defer cursor.Close(ctx)

	var events []*domain.Event
	if err := cursor.All(ctx, &events); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrDatabase, err)
	}
	return events, nil
}
