package schema

// ControlAction enumerates the externally requestable run interventions.
type ControlAction string

const (
	// ControlPause stops consuming instructions at the next boundary (or the
	// next checkpoint when deferred) and waits for resume.
	ControlPause ControlAction = "pause"
	// ControlResume continues a paused or suspended run. A suspended run
	// rewinds to its last checkpoint before continuing.
	ControlResume ControlAction = "resume"
	// ControlAbort runs cleanup, then terminates the run as aborted.
	ControlAbort ControlAction = "abort"
	// ControlStop runs cleanup, then terminates the run as completed early.
	ControlStop ControlAction = "stop"
	// ControlHalt terminates immediately. Cleanup does not run.
	ControlHalt ControlAction = "halt"
)

// ControlRequest is an externally raised intervention delivered to a run.
// The engine observes requests only at instruction boundaries.
type ControlRequest struct {
	Action   ControlAction `json:"action"`
	Reason   string        `json:"reason,omitempty"`
	Deferred bool          `json:"deferred,omitempty"` // pause: wait for next checkpoint
}
