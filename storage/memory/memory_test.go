package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Kaboomtastic/tensorzero/runtime/dispatch"
)

func TestWrite_AppendsRows(t *testing.T) {
	s := New()
	row := dispatch.InferenceRow{InferenceID: uuid.New(), FunctionName: "greet"}
	if err := s.Write(context.Background(), dispatch.TableInference, []any{row}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	rows := s.Rows(dispatch.TableInference)
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
}

func TestLatestBatchRequestByBatchID_ReturnsMostRecent(t *testing.T) {
	s := New()
	batchID := uuid.New()
	older := dispatch.BatchRequestRow{BatchID: batchID, Status: "pending", Timestamp: time.Now().Add(-time.Hour)}
	newer := dispatch.BatchRequestRow{BatchID: batchID, Status: "completed", Timestamp: time.Now()}
	ctx := context.Background()
	if err := s.Write(ctx, dispatch.TableBatchRequest, []any{older, newer}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	latest, err := s.LatestBatchRequestByBatchID(ctx, batchID)
	if err != nil {
		t.Fatalf("LatestBatchRequestByBatchID: %v", err)
	}
	if latest == nil || latest.Status != "completed" {
		t.Fatalf("expected the newer row, got %+v", latest)
	}
}

func TestLatestBatchRequestByBatchID_NoRowsReturnsNil(t *testing.T) {
	s := New()
	latest, err := s.LatestBatchRequestByBatchID(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("LatestBatchRequestByBatchID: %v", err)
	}
	if latest != nil {
		t.Fatalf("expected nil, got %+v", latest)
	}
}

func TestBatchIDByInferenceID_IndexesOnWrite(t *testing.T) {
	s := New()
	inferenceID, batchID := uuid.New(), uuid.New()
	ctx := context.Background()
	row := dispatch.BatchIDIndexRow{InferenceID: inferenceID, BatchID: batchID}
	if err := s.Write(ctx, dispatch.TableBatchIDByInferenceID, []any{row}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := s.BatchIDByInferenceID(ctx, inferenceID)
	if err != nil {
		t.Fatalf("BatchIDByInferenceID: %v", err)
	}
	if got != batchID {
		t.Fatalf("expected %s, got %s", batchID, got)
	}
}

func TestBatchIDByInferenceID_UnknownReturnsErrBatchIDNotFound(t *testing.T) {
	s := New()
	_, err := s.BatchIDByInferenceID(context.Background(), uuid.New())
	if err != dispatch.ErrBatchIDNotFound {
		t.Fatalf("expected ErrBatchIDNotFound, got %v", err)
	}
}

func TestWrite_RespectsCanceledContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Write(ctx, dispatch.TableInference, []any{dispatch.InferenceRow{}}); err == nil {
		t.Fatal("expected an error for an already-canceled context")
	}
}
