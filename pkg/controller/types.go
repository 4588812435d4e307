package controller

// LabStatus is the controller's view of a user's lab.
type LabStatus string

const (
	LabStarting    LabStatus = "starting"
	LabRunning     LabStatus = "running"
	LabTerminating LabStatus = "terminating"
	LabFailed      LabStatus = "failed"
)

// Alive reports whether a lab in this status still counts as present and
// healthy. Anything other than failed is alive, including values this
// package does not know about.
func (s LabStatus) Alive() bool {
	return s != LabFailed
}

// Lab is the subset of the lab status record this client reads.
type Lab struct {
	Status      LabStatus `json:"status"`
	InternalURL string    `json:"internal_url,omitempty"`
}

// CreateLabRequest is the body of the create call. Options and Env are
// passed through untouched from the host.
type CreateLabRequest struct {
	Options map[string]any    `json:"options"`
	Env     map[string]string `json:"env"`
}

// CreateLabResult describes how the controller answered a create call.
type CreateLabResult struct {
	StatusCode int
	// Exists is set when the controller reported the lab as already
	// existing or already being created (409 Conflict or a redirect).
	Exists bool
	// InternalURL is set when the response body already names the lab URL.
	InternalURL string
	Location    string
}
