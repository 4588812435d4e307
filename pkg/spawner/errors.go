package spawner

import (
	"errors"
	"fmt"
)

var (
	// ErrTimedOut is returned when the controller stays silent for longer
	// than the event timeout or the whole spawn exceeds the start timeout.
	ErrTimedOut = errors.New("timed out waiting for lab to start")

	// ErrStreamEnded is returned when the event stream closes without a
	// complete or failed event.
	ErrStreamEnded = errors.New("event stream ended before lab started")
)

// SpawnFailedError is returned when the controller reports that the spawn
// failed.
type SpawnFailedError struct {
	Message string
}

func (e *SpawnFailedError) Error() string {
	return "lab creation failed: " + e.Message
}

// ProtocolError is returned when the event stream is not validly framed.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("invalid event stream: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}
