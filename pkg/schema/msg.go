package schema

import "time"

// Command enumerates the instruction kinds a plan may emit.
type Command string

const (
	// CommandSet moves a settable device to a value and waits for completion.
	CommandSet Command = "set"
	// CommandRead samples a readable device; the reading is fed back into the plan.
	CommandRead Command = "read"
	// CommandSleep pauses execution for a fixed duration.
	CommandSleep Command = "sleep"
	// CommandWaitFor blocks until a condition over the latest readings holds.
	CommandWaitFor Command = "wait_for"
	// CommandCheckpoint marks a resume point. Suspension rewinds here.
	CommandCheckpoint Command = "checkpoint"
	// CommandLog records a note in the run's document stream.
	CommandLog Command = "log"
)

// Msg is a single discrete instruction within a plan. Instruction boundaries
// are exactly the points at which a run may be paused or suspended.
type Msg struct {
	Command   Command       `json:"command"`
	Device    string        `json:"device,omitempty"`
	Value     any           `json:"value,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`  // sleep
	Condition string        `json:"condition,omitempty"` // wait_for
	Timeout   time.Duration `json:"timeout,omitempty"`   // wait_for
	Note      string        `json:"note,omitempty"`      // log
	Retry     *RetryPolicy  `json:"retry,omitempty"`     // set, read
}

// WithRetry attaches a retry policy to the instruction.
func (m *Msg) WithRetry(policy *RetryPolicy) *Msg {
	m.Retry = policy
	return m
}

// Set builds a set instruction.
func Set(device string, value any) *Msg {
	return &Msg{Command: CommandSet, Device: device, Value: value}
}

// Read builds a read instruction.
func Read(device string) *Msg {
	return &Msg{Command: CommandRead, Device: device}
}

// Sleep builds a sleep instruction.
func Sleep(d time.Duration) *Msg {
	return &Msg{Command: CommandSleep, Duration: d}
}

// WaitFor builds a wait_for instruction with a condition expression and timeout.
func WaitFor(condition string, timeout time.Duration) *Msg {
	return &Msg{Command: CommandWaitFor, Condition: condition, Timeout: timeout}
}

// WaitForDevice builds a wait_for instruction that re-samples the named
// device while polling the condition.
func WaitForDevice(device, condition string, timeout time.Duration) *Msg {
	return &Msg{Command: CommandWaitFor, Device: device, Condition: condition, Timeout: timeout}
}

// Checkpoint builds a checkpoint instruction.
func Checkpoint() *Msg {
	return &Msg{Command: CommandCheckpoint}
}

// Log builds a log instruction.
func Log(note string) *Msg {
	return &Msg{Command: CommandLog, Note: note}
}
