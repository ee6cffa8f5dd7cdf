package schema

// PlanDefinition is the JSON-serializable declarative plan format. Steps run
// strictly in order. The cleanup block always runs after the steps, whether
// they completed, faulted or were interrupted. The on_error block runs only
// after a fault, on_success only after fault-free completion; cleanup runs
// last in every case.
type PlanDefinition struct {
	Name      string           `json:"name"`
	Steps     []StepDefinition `json:"steps"`
	Cleanup   []StepDefinition `json:"cleanup,omitempty"`
	OnError   []StepDefinition `json:"on_error,omitempty"`
	OnSuccess []StepDefinition `json:"on_success,omitempty"`
	Timeout   string           `json:"timeout,omitempty"`
	Metadata  map[string]any   `json:"metadata,omitempty"`
}

// StepDefinition describes a single declarative plan step.
type StepDefinition struct {
	Action    string       `json:"action"`              // set, read, sleep, wait_for, checkpoint, log
	Device    string       `json:"device,omitempty"`    // set, read
	Value     any          `json:"value,omitempty"`     // set; may hold ${{ ... }} references
	Duration  string       `json:"duration,omitempty"`  // sleep (e.g. "500ms")
	Condition string       `json:"condition,omitempty"` // wait_for
	Timeout   string       `json:"timeout,omitempty"`   // wait_for
	Message   string       `json:"message,omitempty"`   // log
	Retry     *RetryPolicy `json:"retry,omitempty"`
}

// RetryPolicy configures retry behavior for a step's instruction.
type RetryPolicy struct {
	Max      int    `json:"max"`                 // max retry attempts
	Backoff  string `json:"backoff,omitempty"`   // none | constant | linear | exponential
	Delay    string `json:"delay,omitempty"`     // initial delay (e.g. "1s", "500ms")
	MaxDelay string `json:"max_delay,omitempty"` // cap on the computed delay
}

// PlanTemplate is a named, versioned plan definition registered for reuse.
type PlanTemplate struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description,omitempty"`
	Definition  PlanDefinition `json:"definition"`
}
