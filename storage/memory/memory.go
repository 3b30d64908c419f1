// Package memory provides an in-memory implementation of the Persistence
// Gateway. It is suitable for development, testing, and single-node
// deployments where persistence across restarts is not required.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/Kaboomtastic/tensorzero/runtime/dispatch"
)

// Store is an in-memory PersistenceGateway. It is safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	rows map[string][]any

	batchByInferenceID map[uuid.UUID]uuid.UUID
}

// Compile-time check that Store implements dispatch.PersistenceGateway.
var _ dispatch.PersistenceGateway = (*Store)(nil)

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		rows:               make(map[string][]any),
		batchByInferenceID: make(map[uuid.UUID]uuid.UUID),
	}
}

// Write appends rows to table, additionally indexing BatchIdByInferenceId
// rows for BatchIDByInferenceID lookups.
func (s *Store) Write(ctx context.Context, table string, rows []any) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[table] = append(s.rows[table], rows...)
	if table == dispatch.TableBatchIDByInferenceID {
		for _, r := range rows {
			if idx, ok := r.(dispatch.BatchIDIndexRow); ok {
				s.batchByInferenceID[idx.InferenceID] = idx.BatchID
			}
		}
	}
	return nil
}

// LatestBatchRequestByBatchID returns the most recently written
// BatchRequestRow for batchID. Writes are not globally ordered, so the
// lookup selects by timestamp descending, limit one.
func (s *Store) LatestBatchRequestByBatchID(ctx context.Context, batchID uuid.UUID) (*dispatch.BatchRequestRow, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *dispatch.BatchRequestRow
	for _, r := range s.rows[dispatch.TableBatchRequest] {
		row, ok := r.(dispatch.BatchRequestRow)
		if !ok || row.BatchID != batchID {
			continue
		}
		// Ties go to the later-written row so a same-millisecond status
		// rewrite is still observed as the latest.
		if latest == nil || !row.Timestamp.Before(latest.Timestamp) {
			copied := row
			latest = &copied
		}
	}
	return latest, nil
}

// BatchIDByInferenceID resolves a batch id from an inference id via the
// BatchIdByInferenceId lookup table.
func (s *Store) BatchIDByInferenceID(ctx context.Context, inferenceID uuid.UUID) (uuid.UUID, error) {
	select {
	case <-ctx.Done():
		return uuid.UUID{}, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	batchID, ok := s.batchByInferenceID[inferenceID]
	if !ok {
		return uuid.UUID{}, dispatch.ErrBatchIDNotFound
	}
	return batchID, nil
}

// Rows returns a snapshot copy of every row written to table, for tests.
func (s *Store) Rows(table string) []any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]any, len(s.rows[table]))
	copy(out, s.rows[table])
	return out
}
