package spawner

import (
	"fmt"

	"github.com/holon-run/restspawner/pkg/sse"
)

// SpawnEvent is one entry in an attempt's progress log.
type SpawnEvent struct {
	Progress int
	Message  string
	Severity sse.Severity
	Complete bool
	Failed   bool
}

// Terminal reports whether the event ends its attempt.
func (e SpawnEvent) Terminal() bool {
	return e.Complete || e.Failed
}

// Update renders the event the way the host displays it.
func (e SpawnEvent) Update() ProgressUpdate {
	severity := e.Severity
	if severity == "" {
		severity = sse.SeverityUnknown
	}
	return ProgressUpdate{
		Progress: e.Progress,
		Message:  fmt.Sprintf("[%s] %s", severity, e.Message),
		Ready:    e.Complete,
	}
}

// ProgressUpdate is what a progress observer receives.
type ProgressUpdate struct {
	Progress int    `json:"progress"`
	Message  string `json:"message"`
	Ready    bool   `json:"ready"`
}
