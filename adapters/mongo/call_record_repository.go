package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/Aayaan-Sahu/kova/domain/entities"
	"github.com/Aayaan-Sahu/kova/domain/repositories"
)

const callRecordsCollection = "call_records"

// CallRecordRepository implements repositories.CallRecordRepository using MongoDB
type CallRecordRepository struct {
	collection *mongo.Collection
	logger     *zap.Logger
}

var _ repositories.CallRecordRepository = (*CallRecordRepository)(nil)

// NewCallRecordRepository creates a new MongoDB call record repository.
// Indexes are created in the background.
func NewCallRecordRepository(db *mongo.Database, logger *zap.Logger) *CallRecordRepository {
	r := &CallRecordRepository{
		collection: db.Collection(callRecordsCollection),
		logger:     logger.Named("callRecords"),
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.EnsureIndexes(ctx); err != nil {
			r.logger.Error("Failed to create call record indexes", zap.Error(err))
			return
		}
		r.logger.Info("Call record indexes created successfully")
	}()

	return r
}

// EnsureIndexes creates the lookup indexes used by the list queries
func (r *CallRecordRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "ended_at", Value: -1}}},
		{Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "started_at", Value: 1}}},
	})
	return err
}

// Save implements repositories.CallRecordRepository
func (r *CallRecordRepository) Save(ctx context.Context, record *entities.CallRecord) error {
	if record == nil {
		return errors.New("call record cannot be nil")
	}
	if err := record.Validate(); err != nil {
		return err
	}

	if _, err := r.collection.InsertOne(ctx, record); err != nil {
		return fmt.Errorf("failed to save call record: %w", err)
	}

	r.logger.Debug("Call record saved",
		zap.String("sessionID", record.SessionID),
		zap.String("status", string(record.Status)))
	return nil
}

// ListByUserID returns the most recent records of a user, newest first.
// A non-positive limit returns every record.
func (r *CallRecordRepository) ListByUserID(ctx context.Context, userID string, limit int) ([]*entities.CallRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "ended_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return r.find(ctx, bson.M{"user_id": userID}, opts)
}

// GetBySessionID returns every call recorded under a session, oldest first
func (r *CallRecordRepository) GetBySessionID(ctx context.Context, sessionID string) ([]*entities.CallRecord, error) {
	if sessionID == "" {
		return nil, errors.New("session ID cannot be empty")
	}
	opts := options.Find().SetSort(bson.D{{Key: "started_at", Value: 1}})
	return r.find(ctx, bson.M{"session_id": sessionID}, opts)
}

func (r *CallRecordRepository) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]*entities.CallRecord, error) {
	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query call records: %w", err)
	}
	defer cursor.Close(ctx)

	var records []*entities.CallRecord
	for cursor.Next(ctx) {
		var record entities.CallRecord
		if err := cursor.Decode(&record); err != nil {
			r.logger.Error("Failed to decode call record", zap.Error(err))
			continue
		}
		records = append(records, &record)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("call record cursor failed: %w", err)
	}
	return records, nil
}
