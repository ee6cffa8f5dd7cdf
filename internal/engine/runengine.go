package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maraver/planline/internal/device"
	"github.com/maraver/planline/internal/expressions"
	"github.com/maraver/planline/internal/logging"
	"github.com/maraver/planline/internal/plan"
	"github.com/maraver/planline/internal/store"
	"github.com/maraver/planline/pkg/schema"
)

// Options configures engine defaults.
type Options struct {
	// DefaultRetry applies to set/read instructions that carry no policy.
	DefaultRetry *schema.RetryPolicy
	// WaitPollInterval is the polling interval for wait_for conditions.
	WaitPollInterval time.Duration
	// WaitTimeout is the default timeout for wait_for instructions that
	// specify none.
	WaitTimeout time.Duration
	// Breaker configures the per-device circuit breakers.
	Breaker BreakerConfig
}

// DefaultOptions returns the engine defaults.
func DefaultOptions() Options {
	return Options{
		WaitPollInterval: 100 * time.Millisecond,
		WaitTimeout:      30 * time.Second,
		Breaker:          DefaultBreakerConfig(),
	}
}

// RunStore is the slice of the store the engine needs for run records.
type RunStore interface {
	CreateRun(ctx context.Context, run *store.Run) error
	GetRun(ctx context.Context, id string) (*store.Run, error)
	UpdateRun(ctx context.Context, id string, update store.RunUpdate) error
}

// Engine executes plans against the device registry. Each run is driven by a
// single goroutine pulling instructions from the plan iterator and feeding
// outcomes back in. External interventions (pause, resume, abort, stop, halt,
// suspender trips) are delivered over a per-run channel and observed only at
// instruction boundaries.
type Engine struct {
	devices  *device.Registry
	runs     RunStore
	docs     DocumentAppender
	fsm      *RunFSM
	cel      *expressions.CELEngine
	interp   *expressions.Interpolator
	breakers *BreakerRegistry
	logger   *slog.Logger
	opts     Options

	mu     sync.Mutex
	active map[string]*runHandle
}

// New creates an Engine. docs receives the run document stream; it is
// typically the store's sequenced document log, possibly teed to a live hub.
func New(devices *device.Registry, runs RunStore, docs DocumentAppender, cel *expressions.CELEngine, logger *slog.Logger, opts Options) *Engine {
	if opts.WaitPollInterval <= 0 {
		opts.WaitPollInterval = 100 * time.Millisecond
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 30 * time.Second
	}
	if opts.Breaker.FailureThreshold <= 0 {
		opts.Breaker = DefaultBreakerConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		devices:  devices,
		runs:     runs,
		docs:     docs,
		fsm:      NewRunFSM(docs),
		cel:      cel,
		interp:   expressions.NewInterpolator(),
		breakers: NewBreakerRegistry(opts.Breaker),
		logger:   logger,
		opts:     opts,
		active:   make(map[string]*runHandle),
	}
}

// ctrlMsg is an internal control delivery. Either req is set (external
// control request) or one of suspend/release (suspender intervention).
type ctrlMsg struct {
	req     *schema.ControlRequest
	suspend bool
	release bool
	reason  string
}

// runHandle is the engine's view of one in-flight run.
type runHandle struct {
	id     string
	ctrl   chan ctrlMsg
	scope  *expressions.ScopeBuilder
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	status schema.RunStatus
	halted bool
}

func (h *runHandle) setStatus(s schema.RunStatus) {
	h.mu.Lock()
	h.status = s
	h.mu.Unlock()
}

func (h *runHandle) getStatus() schema.RunStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *runHandle) markHalted() {
	h.mu.Lock()
	h.halted = true
	h.mu.Unlock()
}

func (h *runHandle) isHalted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.halted
}

// Execute runs the plan to a terminal state, blocking until the run ends.
// The run record is created if it does not already exist. The returned error
// is the run's terminal fault: nil for completed (including early stop),
// the interruption for aborted/halted, the fault for failed.
func (e *Engine) Execute(ctx context.Context, run *store.Run, p plan.Plan) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.PlanName == "" {
		run.PlanName = p.Name()
	}

	handle := &runHandle{
		id:     run.ID,
		ctrl:   make(chan ctrlMsg, 16),
		scope:  expressions.NewScopeBuilder(run.Inputs, map[string]any{"id": run.ID, "plan": run.PlanName}),
		done:   make(chan struct{}),
		status: schema.RunStatusPending,
	}

	e.mu.Lock()
	if _, exists := e.active[run.ID]; exists {
		e.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeConflict, "run %q is already executing", run.ID)
	}
	e.active[run.ID] = handle
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.active, run.ID)
		e.mu.Unlock()
		close(handle.done)
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	handle.cancel = cancel

	if run.Definition != nil && run.Definition.Timeout != "" {
		if d, err := time.ParseDuration(run.Definition.Timeout); err == nil && d > 0 {
			var tcancel context.CancelFunc
			ctx, tcancel = context.WithTimeout(ctx, d)
			defer tcancel()
		}
	}

	ctx = logging.WithRunID(ctx, run.ID)
	ctx = logging.WithPlanName(ctx, run.PlanName)
	logger := logging.LogWith(ctx, e.logger)

	if run.Status == "" {
		run.Status = schema.RunStatusPending
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if _, err := e.runs.GetRun(ctx, run.ID); err != nil {
		if createErr := e.runs.CreateRun(ctx, run); createErr != nil {
			return createErr
		}
	}

	l := &runLoop{
		e:      e,
		handle: handle,
		runID:  run.ID,
		it:     p.Iterator(),
		status: schema.RunStatusPending,
		logger: logger,
	}

	logger.Info("run starting", "plan", run.PlanName)
	finalStatus, finalErr := l.run(ctx)
	logger.Info("run finished", "status", string(finalStatus), "error", errString(finalErr))
	return finalErr
}

// Start launches the run asynchronously. The context governs the whole run;
// use Wait to observe completion.
func (e *Engine) Start(ctx context.Context, run *store.Run, p plan.Plan) (string, error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	go func() {
		_ = e.Execute(ctx, run, p)
	}()
	return run.ID, nil
}

// Control delivers an external intervention to a run. The engine observes it
// at the next instruction boundary; halt additionally cancels the run context
// so blocked instructions unwind immediately.
func (e *Engine) Control(runID string, req schema.ControlRequest) error {
	h, err := e.handle(runID)
	if err != nil {
		return err
	}
	if req.Action == schema.ControlHalt {
		h.markHalted()
		if h.cancel != nil {
			h.cancel()
		}
		return nil
	}
	select {
	case h.ctrl <- ctrlMsg{req: &req}:
		return nil
	default:
		return schema.NewErrorf(schema.ErrCodeConflict, "control queue full for run %q", runID)
	}
}

// Suspend requests suspension of a run with a justification. The run rewinds
// to its last checkpoint when resumed; a run with no checkpoint yet suspends
// at the first one.
func (e *Engine) Suspend(runID, reason string) error {
	h, err := e.handle(runID)
	if err != nil {
		return err
	}
	select {
	case h.ctrl <- ctrlMsg{suspend: true, reason: reason}:
		return nil
	default:
		return schema.NewErrorf(schema.ErrCodeConflict, "control queue full for run %q", runID)
	}
}

// Release resumes a suspended run.
func (e *Engine) Release(runID string) error {
	h, err := e.handle(runID)
	if err != nil {
		return err
	}
	select {
	case h.ctrl <- ctrlMsg{release: true}:
		return nil
	default:
		return schema.NewErrorf(schema.ErrCodeConflict, "control queue full for run %q", runID)
	}
}

// Status returns the live status of an active run.
func (e *Engine) Status(runID string) (schema.RunStatus, bool) {
	e.mu.Lock()
	h, ok := e.active[runID]
	e.mu.Unlock()
	if !ok {
		return "", false
	}
	return h.getStatus(), true
}

// Readings returns the latest readings seen by an active run, keyed by device.
func (e *Engine) Readings(runID string) (map[string]any, bool) {
	e.mu.Lock()
	h, ok := e.active[runID]
	e.mu.Unlock()
	if !ok {
		return nil, false
	}
	return h.scope.Readings(), true
}

// Wait blocks until the run leaves the active set or the context is cancelled.
func (e *Engine) Wait(ctx context.Context, runID string) error {
	e.mu.Lock()
	h, ok := e.active[runID]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActiveRuns lists the IDs of in-flight runs.
func (e *Engine) ActiveRuns() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	return ids
}

// Breakers exposes the device circuit breaker registry for diagnostics.
func (e *Engine) Breakers() *BreakerRegistry {
	return e.breakers
}

func (e *Engine) handle(runID string) (*runHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.active[runID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %q is not active", runID)
	}
	return h, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
