package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrBatchIDNotFound is returned by PersistenceGateway.BatchIDByInferenceID
// implementations when no BatchIdByInferenceId row exists for the given
// inference id.
var ErrBatchIDNotFound = errors.New("dispatch: no batch id indexed for inference id")

// Table names for the analytics store.
const (
	TableBatchRequest          = "batch_requests"
	TableBatchModelInference   = "batch_model_inferences"
	TableBatchIDByInferenceID  = "batch_id_by_inference_id"
	TableInference             = "inferences"
)

// InferenceRow is the append-only record written for every unary or
// streaming inference.
type InferenceRow struct {
	InferenceID    uuid.UUID
	EpisodeID      uuid.UUID
	FunctionName   string
	VariantName    string
	ModelName      string
	ProviderName   string
	Input          json.RawMessage
	Output         json.RawMessage
	RawResponse    string
	PromptTokens   int
	CompletionTokens int
	// ResponseTime is the unary call latency in seconds; TTFB and TotalTime
	// carry the streaming equivalents. Exactly one of the two shapes is set
	// per row.
	ResponseTime   float64
	TTFB           float64
	TotalTime      float64
	Tags           map[string]string
	Failed         bool
	Timestamp      time.Time
}

// BatchRequestRow mirrors the BatchRequest persisted row.
type BatchRequestRow struct {
	BatchID            uuid.UUID
	BatchParams        json.RawMessage
	ModelName          string
	ModelProviderName  string
	// ProviderBatchID is the provider-native batch identifier returned by
	// StartBatchInference, needed to poll the provider directly.
	ProviderBatchID    string
	Status             string
	Errors             map[string]string
	Timestamp          time.Time
}

// BatchModelInferenceRow mirrors the BatchModelInference persisted row.
type BatchModelInferenceRow struct {
	InferenceID      uuid.UUID
	BatchID          uuid.UUID
	FunctionName     string
	VariantName      string
	EpisodeID        uuid.UUID
	Input            json.RawMessage
	InputMessages    json.RawMessage
	System           string
	ToolParams       json.RawMessage
	InferenceParams  json.RawMessage
	OutputSchema     json.RawMessage
	ModelName        string
	ModelProviderName string
	Tags             map[string]string
}

// BatchIDIndexRow mirrors the BatchIdByInferenceId lookup row.
type BatchIDIndexRow struct {
	InferenceID uuid.UUID
	BatchID     uuid.UUID
}

// PersistenceGateway exposes append-only writes and point queries to the
// analytics store. The dispatcher never embeds user-supplied
// strings directly into queries; ids are UUIDv7 and safely formattable.
type PersistenceGateway interface {
	// Write appends rows to table. Implementations must be safe for
	// concurrent use and must batch internally when beneficial.
	Write(ctx context.Context, table string, rows []any) error

	// LatestBatchRequestByBatchID returns the most recently written
	// BatchRequestRow for batchID, or nil if none exists. Because writes are
	// not globally ordered, implementations must select by
	// timestamp descending, limit one.
	LatestBatchRequestByBatchID(ctx context.Context, batchID uuid.UUID) (*BatchRequestRow, error)

	// BatchIDByInferenceID resolves a batch id from an inference id via the
	// BatchIdByInferenceId lookup table.
	BatchIDByInferenceID(ctx context.Context, inferenceID uuid.UUID) (uuid.UUID, error)
}
