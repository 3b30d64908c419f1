// Package mongo provides a MongoDB-backed implementation of the Persistence
// Gateway, one collection per analytics table.
package mongo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/Kaboomtastic/tensorzero/runtime/dispatch"
)

const defaultOpTimeout = 10 * time.Second

// Store is a MongoDB implementation of dispatch.PersistenceGateway. Each
// analytics table (batch_requests, batch_model_inferences,
// batch_id_by_inference_id) is its own collection in database.
type Store struct {
	db      *mongodriver.Database
	timeout time.Duration
}

// Compile-time check that Store implements dispatch.PersistenceGateway.
var _ dispatch.PersistenceGateway = (*Store)(nil)

// Options configures the Mongo-backed Persistence Gateway.
type Options struct {
	Client   *mongodriver.Client
	Database string
	// Timeout bounds every Mongo operation. Defaults to 10s.
	Timeout time.Duration
}

// New returns a Store backed by MongoDB and ensures the indexes the
// dispatcher's latest-row-by-timestamp query patterns rely on.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("mongo: client is required")
	}
	if opts.Database == "" {
		return nil, fmt.Errorf("mongo: database name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	s := &Store{db: opts.Client.Database(opts.Database), timeout: timeout}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("mongo: ensure indexes: %w", err)
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	batchRequests := s.db.Collection(dispatch.TableBatchRequest)
	_, err := batchRequests.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "batchid", Value: 1}, {Key: "timestamp", Value: -1}},
	})
	if err != nil {
		return err
	}

	idIndex := s.db.Collection(dispatch.TableBatchIDByInferenceID)
	_, err = idIndex.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "inferenceid", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

// Write appends rows to the collection named table. Mongo
// inserts are unordered so a partial failure does not block the remaining
// rows from landing.
func (s *Store) Write(ctx context.Context, table string, rows []any) error {
	if len(rows) == 0 {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.Collection(table).InsertMany(ctx, rows, options.InsertMany().SetOrdered(false))
	return err
}

// LatestBatchRequestByBatchID returns the most recently written
// BatchRequestRow for batchID. Writes are not globally ordered, so the
// lookup selects by timestamp descending, limit one.
func (s *Store) LatestBatchRequestByBatchID(ctx context.Context, batchID uuid.UUID) (*dispatch.BatchRequestRow, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	opts := options.FindOne().SetSort(bson.D{{Key: "timestamp", Value: -1}})
	var row dispatch.BatchRequestRow
	err := s.db.Collection(dispatch.TableBatchRequest).
		FindOne(ctx, bson.D{{Key: "batchid", Value: batchID}}, opts).
		Decode(&row)
	if err != nil {
		if mongoNoDocuments(err) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

// BatchIDByInferenceID resolves a batch id from an inference id via the
// BatchIdByInferenceId lookup collection.
func (s *Store) BatchIDByInferenceID(ctx context.Context, inferenceID uuid.UUID) (uuid.UUID, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var row dispatch.BatchIDIndexRow
	err := s.db.Collection(dispatch.TableBatchIDByInferenceID).
		FindOne(ctx, bson.D{{Key: "inferenceid", Value: inferenceID}}).
		Decode(&row)
	if err != nil {
		if mongoNoDocuments(err) {
			return uuid.UUID{}, dispatch.ErrBatchIDNotFound
		}
		return uuid.UUID{}, err
	}
	return row.BatchID, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.timeout)
}

func mongoNoDocuments(err error) bool {
	return err == mongodriver.ErrNoDocuments
}
