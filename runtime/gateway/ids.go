package gateway

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// episodeIDFloor is the fixed floor timestamp below which a UUIDv7's
// embedded timestamp is rejected as "too early". Any episode id minted by a
// live deployment is far past this; only hand-built or corrupted ids land
// below it.
var episodeIDFloor = time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC)

// NewID mints a fresh UUIDv7 suitable for use as an inference_id, episode_id,
// or batch_id. Generating an id at the current wall clock always passes
// ValidateEpisodeID.
func NewID() (uuid.UUID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.UUID{}, &SerializationError{Message: fmt.Sprintf("generate uuidv7: %v", err)}
	}
	return id, nil
}

// ValidateEpisodeID checks that id is a UUIDv7 whose embedded timestamp is at
// or after the fixed floor. Non-v7 ids and pre-floor timestamps are rejected.
// The returned error's message is the bare validation message; callers wrap
// it in the taxonomy type appropriate to their call site (InvalidRequestError
// for a standalone episode id, BatchInputValidationError{index} inside a
// batch submission).
func ValidateEpisodeID(id uuid.UUID) error {
	if id.Version() != 7 {
		return errors.New("Invalid Episode ID: not a UUIDv7")
	}
	ts, err := uuidV7Timestamp(id)
	if err != nil {
		return fmt.Errorf("Invalid Episode ID: %w", err)
	}
	if ts.Before(episodeIDFloor) {
		return errors.New("Invalid Episode ID: Timestamp is too early")
	}
	return nil
}

// uuidV7Timestamp extracts the 48-bit millisecond Unix timestamp embedded in
// the first 6 bytes of a UUIDv7.
func uuidV7Timestamp(id uuid.UUID) (time.Time, error) {
	ms := int64(id[0])<<40 | int64(id[1])<<32 | int64(id[2])<<24 | int64(id[3])<<16 | int64(id[4])<<8 | int64(id[5])
	return time.UnixMilli(ms).UTC(), nil
}
