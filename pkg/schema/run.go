package schema

// Document type constants for the run document log.
const (
	DocRunStarted   = "run_started"
	DocRunCompleted = "run_completed"
	DocRunFailed    = "run_failed"
	DocRunAborted   = "run_aborted"
	DocRunHalted    = "run_halted"
	DocRunPaused    = "run_paused"
	DocRunResumed   = "run_resumed"
	DocRunSuspended = "run_suspended"

	DocReading    = "reading"
	DocCheckpoint = "checkpoint"
	DocNote       = "note"

	DocMsgRetryAttempt = "msg_retry_attempt"
	DocBreakerOpen     = "breaker_open"
	DocBreakerClosed   = "breaker_closed"

	DocSnapshotCaptured = "snapshot_captured"
	DocSnapshotRestored = "snapshot_restored"

	DocCleanupStarted   = "cleanup_started"
	DocCleanupCompleted = "cleanup_completed"
	DocCleanupFailed    = "cleanup_failed"

	DocSuspenderTripped  = "suspender_tripped"
	DocSuspenderReleased = "suspender_released"
)

// RunStatus represents the lifecycle state of a plan run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusSuspended RunStatus = "suspended"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusAborted   RunStatus = "aborted"
	RunStatusHalted    RunStatus = "halted"
)

// Terminal reports whether the status is a terminal run state.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusAborted, RunStatusHalted:
		return true
	}
	return false
}
