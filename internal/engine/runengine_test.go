package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maraver/planline/internal/device"
	"github.com/maraver/planline/internal/expressions"
	"github.com/maraver/planline/internal/plan"
	"github.com/maraver/planline/internal/store"
	"github.com/maraver/planline/pkg/schema"
)

// memRuns is an in-memory RunStore for engine tests.
type memRuns struct {
	mu   sync.Mutex
	runs map[string]*store.Run
}

func newMemRuns() *memRuns {
	return &memRuns{runs: make(map[string]*store.Run)}
}

func (m *memRuns) CreateRun(_ context.Context, run *store.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *memRuns) GetRun(_ context.Context, id string) (*store.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", id)
	}
	cp := *r
	return &cp, nil
}

func (m *memRuns) UpdateRun(_ context.Context, id string, update store.RunUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", id)
	}
	if update.Status != nil {
		r.Status = *update.Status
	}
	if update.Error != nil {
		r.Error = update.Error
	}
	if update.StartedAt != nil {
		r.StartedAt = update.StartedAt
	}
	if update.CompletedAt != nil {
		r.CompletedAt = update.CompletedAt
	}
	return nil
}

func newTestEngine(t *testing.T, devices ...device.Device) (*Engine, *mockAppender, *memRuns) {
	t.Helper()
	reg := device.NewRegistry()
	for _, d := range devices {
		require.NoError(t, reg.Register(d))
	}
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)

	docs := &mockAppender{}
	runs := newMemRuns()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts := DefaultOptions()
	opts.WaitPollInterval = 5 * time.Millisecond
	return New(reg, runs, docs, cel, logger, opts), docs, runs
}

// startRun launches Execute on a goroutine and waits for the run to be live.
func startRun(t *testing.T, eng *Engine, run *store.Run, p plan.Plan) chan error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() {
		errCh <- eng.Execute(context.Background(), run, p)
	}()
	require.Eventually(t, func() bool {
		_, ok := eng.Status(run.ID)
		return ok
	}, 2*time.Second, time.Millisecond)
	return errCh
}

func waitStatus(t *testing.T, eng *Engine, runID string, want schema.RunStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, ok := eng.Status(runID)
		return ok && s == want
	}, 2*time.Second, time.Millisecond, "run never reached status %s", want)
}

func waitDone(t *testing.T, errCh chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish in time")
		return nil
	}
}

func TestEngine_ExecuteCompletes(t *testing.T) {
	motor := device.NewSimMotor("m1")
	eng, docs, runs := newTestEngine(t, motor)

	p := plan.NewSequence("move_and_read",
		schema.Set("m1", 5.0),
		schema.Read("m1"),
	)
	run := &store.Run{ID: "run-1", Inputs: map[string]any{}}
	require.NoError(t, eng.Execute(context.Background(), run, p))

	assert.Equal(t, []string{
		schema.DocRunStarted,
		schema.DocReading,
		schema.DocRunCompleted,
	}, docs.Types())

	stored, err := runs.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, stored.Status)
	assert.NotNil(t, stored.StartedAt)
	assert.NotNil(t, stored.CompletedAt)
	assert.Empty(t, stored.Error)

	r, err := motor.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5.0, r.Value)
}

func TestEngine_SetValueInterpolation(t *testing.T) {
	motor := device.NewSimMotor("m1")
	eng, _, _ := newTestEngine(t, motor)

	p := plan.NewSequence("move_to_input",
		schema.Set("m1", "${{ inputs.target }}"),
	)
	run := &store.Run{ID: "run-interp", Inputs: map[string]any{"target": 7.5}}
	require.NoError(t, eng.Execute(context.Background(), run, p))

	r, err := motor.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7.5, r.Value)
}

func TestEngine_PlanFaultFails(t *testing.T) {
	motor := device.NewSimMotor("m1")
	motor.HighLimit = 10
	eng, docs, runs := newTestEngine(t, motor)

	p := plan.NewSequence("over_limit",
		schema.Set("m1", 100.0),
	)
	run := &store.Run{ID: "run-fault"}
	err := eng.Execute(context.Background(), run, p)
	require.Error(t, err)

	var pe *schema.PlanError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, schema.ErrCodeLimit, pe.Code)

	stored, getErr := runs.GetRun(context.Background(), "run-fault")
	require.NoError(t, getErr)
	assert.Equal(t, schema.RunStatusFailed, stored.Status)
	assert.NotEmpty(t, stored.Error)
	assert.Contains(t, docs.Types(), schema.DocRunFailed)
}

func TestEngine_WaitForCondition(t *testing.T) {
	sig := device.NewSimSignal("sig", 0.0)
	eng, _, _ := newTestEngine(t, sig)

	p := plan.NewSequence("wait_for_signal",
		schema.Read("sig"),
		schema.WaitForDevice("sig", "readings.sig.value > 2.0", time.Second),
	)

	run := &store.Run{ID: "run-wait"}
	errCh := startRun(t, eng, run, p)

	// Flip the signal while the plan is polling.
	time.Sleep(30 * time.Millisecond)
	sig.Put(3.5)

	require.NoError(t, waitDone(t, errCh))
}

func TestEngine_WaitForTimeout(t *testing.T) {
	sig := device.NewSimSignal("sig", 0.0)
	eng, _, _ := newTestEngine(t, sig)

	p := plan.NewSequence("wait_forever",
		schema.WaitForDevice("sig", "readings.sig.value > 2.0", 30*time.Millisecond),
	)
	err := eng.Execute(context.Background(), &store.Run{ID: "run-waittimeout"}, p)
	require.Error(t, err)

	var pe *schema.PlanError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, schema.ErrCodeTimeout, pe.Code)
}

func TestEngine_PauseResume(t *testing.T) {
	motor := device.NewSimMotor("m1")
	eng, docs, _ := newTestEngine(t, motor)

	msgs := make([]*schema.Msg, 0, 40)
	for i := 0; i < 40; i++ {
		msgs = append(msgs, schema.Sleep(5*time.Millisecond))
	}
	p := plan.NewSequence("slow", msgs...)

	run := &store.Run{ID: "run-pause"}
	errCh := startRun(t, eng, run, p)

	require.NoError(t, eng.Control("run-pause", schema.ControlRequest{Action: schema.ControlPause}))
	waitStatus(t, eng, "run-pause", schema.RunStatusPaused)

	require.NoError(t, eng.Control("run-pause", schema.ControlRequest{Action: schema.ControlResume}))
	require.NoError(t, waitDone(t, errCh))

	types := docs.Types()
	assert.Contains(t, types, schema.DocRunPaused)
	assert.Contains(t, types, schema.DocRunResumed)
	assert.Equal(t, schema.DocRunCompleted, types[len(types)-1])
}

func TestEngine_AbortRunsCleanup(t *testing.T) {
	shutter := device.NewSimShutter("shutter")
	require.NoError(t, shutter.Set(context.Background(), device.ShutterOpen))
	eng, docs, runs := newTestEngine(t, shutter)

	msgs := make([]*schema.Msg, 0, 100)
	for i := 0; i < 100; i++ {
		msgs = append(msgs, schema.Sleep(5*time.Millisecond))
	}
	body := plan.NewSequence("long_body", msgs...)
	cleanup := plan.NewSequence("close_shutter", schema.Set("shutter", device.ShutterClosed))
	p := plan.Finalize(body, cleanup)

	run := &store.Run{ID: "run-abort"}
	errCh := startRun(t, eng, run, p)

	require.NoError(t, eng.Control("run-abort", schema.ControlRequest{
		Action: schema.ControlAbort, Reason: "operator intervention",
	}))
	err := waitDone(t, errCh)
	require.Error(t, err)

	var pe *schema.PlanError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, schema.ErrCodeAborted, pe.Code)

	// Cleanup ran before termination.
	assert.Equal(t, device.ShutterClosed, shutter.State())

	stored, getErr := runs.GetRun(context.Background(), "run-abort")
	require.NoError(t, getErr)
	assert.Equal(t, schema.RunStatusAborted, stored.Status)
	assert.Contains(t, docs.Types(), schema.DocRunAborted)
}

func TestEngine_StopCompletesEarly(t *testing.T) {
	shutter := device.NewSimShutter("shutter")
	require.NoError(t, shutter.Set(context.Background(), device.ShutterOpen))
	eng, _, runs := newTestEngine(t, shutter)

	msgs := make([]*schema.Msg, 0, 100)
	for i := 0; i < 100; i++ {
		msgs = append(msgs, schema.Sleep(5*time.Millisecond))
	}
	body := plan.NewSequence("long_body", msgs...)
	cleanup := plan.NewSequence("close_shutter", schema.Set("shutter", device.ShutterClosed))
	p := plan.Finalize(body, cleanup)

	run := &store.Run{ID: "run-stop"}
	errCh := startRun(t, eng, run, p)

	require.NoError(t, eng.Control("run-stop", schema.ControlRequest{Action: schema.ControlStop}))
	require.NoError(t, waitDone(t, errCh), "stop is a clean early completion")

	assert.Equal(t, device.ShutterClosed, shutter.State())
	stored, err := runs.GetRun(context.Background(), "run-stop")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, stored.Status)
}

func TestEngine_HaltSkipsCleanup(t *testing.T) {
	shutter := device.NewSimShutter("shutter")
	require.NoError(t, shutter.Set(context.Background(), device.ShutterOpen))
	eng, _, runs := newTestEngine(t, shutter)

	body := plan.NewSequence("long_body", schema.Sleep(5*time.Second))
	cleanup := plan.NewSequence("close_shutter", schema.Set("shutter", device.ShutterClosed))
	p := plan.Finalize(body, cleanup)

	run := &store.Run{ID: "run-halt"}
	errCh := startRun(t, eng, run, p)

	require.NoError(t, eng.Control("run-halt", schema.ControlRequest{Action: schema.ControlHalt}))
	err := waitDone(t, errCh)
	require.Error(t, err)

	var pe *schema.PlanError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, schema.ErrCodeHalted, pe.Code)

	// Cleanup must NOT run on halt.
	assert.Equal(t, device.ShutterOpen, shutter.State())
	stored, getErr := runs.GetRun(context.Background(), "run-halt")
	require.NoError(t, getErr)
	assert.Equal(t, schema.RunStatusHalted, stored.Status)
}

func TestEngine_SuspendReplaysFromCheckpoint(t *testing.T) {
	motor := device.NewSimMotor("m1")
	eng, docs, _ := newTestEngine(t, motor)

	msgs := []*schema.Msg{
		schema.Checkpoint(),
		schema.Read("m1"),
		schema.Read("m1"),
	}
	for i := 0; i < 100; i++ {
		msgs = append(msgs, schema.Sleep(5*time.Millisecond))
	}
	p := plan.NewSequence("checkpointed", msgs...)

	run := &store.Run{ID: "run-suspend"}
	errCh := startRun(t, eng, run, p)

	// Let the reads execute, then suspend mid-sleeps.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, eng.Suspend("run-suspend", "beam lost"))
	waitStatus(t, eng, "run-suspend", schema.RunStatusSuspended)

	require.NoError(t, eng.Release("run-suspend"))
	require.NoError(t, waitDone(t, errCh))

	types := docs.Types()
	assert.Contains(t, types, schema.DocRunSuspended)
	assert.Contains(t, types, schema.DocRunResumed)

	// The two reads since the checkpoint were re-executed on resume.
	readings := 0
	for _, ty := range types {
		if ty == schema.DocReading {
			readings++
		}
	}
	assert.GreaterOrEqual(t, readings, 4, "cached reads must replay after suspension")
}

// stickyMotor accepts its first set and refuses every one after, so a
// re-executed set fails where the original succeeded.
type stickyMotor struct {
	*device.SimMotor
	mu   sync.Mutex
	sets int
}

func (s *stickyMotor) Set(ctx context.Context, value any) error {
	s.mu.Lock()
	s.sets++
	n := s.sets
	s.mu.Unlock()
	if n > 1 {
		return schema.NewError(schema.ErrCodeDevice, "axis fault").WithDevice(s.Name())
	}
	return s.SimMotor.Set(ctx, value)
}

func TestEngine_SuspendReplayFaultFailsRun(t *testing.T) {
	motor := &stickyMotor{SimMotor: device.NewSimMotor("m1")}
	shutter := device.NewSimShutter("shutter")
	require.NoError(t, shutter.Set(context.Background(), device.ShutterOpen))
	eng, docs, runs := newTestEngine(t, motor, shutter)

	msgs := []*schema.Msg{
		schema.Checkpoint(),
		schema.Set("m1", 1.0),
		schema.Read("m1"),
	}
	for i := 0; i < 100; i++ {
		msgs = append(msgs, schema.Sleep(5*time.Millisecond))
	}
	body := plan.NewSequence("checkpointed_move", msgs...)
	cleanup := plan.NewSequence("close_shutter", schema.Set("shutter", device.ShutterClosed))
	p := plan.Finalize(body, cleanup)

	run := &store.Run{ID: "run-replayfault"}
	errCh := startRun(t, eng, run, p)

	// Let the set and read execute, then suspend mid-sleeps. On release the
	// cached set re-executes and the motor refuses it.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, eng.Suspend("run-replayfault", "beam lost"))
	waitStatus(t, eng, "run-replayfault", schema.RunStatusSuspended)
	require.NoError(t, eng.Release("run-replayfault"))

	err := waitDone(t, errCh)
	require.Error(t, err, "a fault during replay must fail the run")

	var pe *schema.PlanError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, schema.ErrCodeDevice, pe.Code)
	assert.Equal(t, "m1", pe.Device)

	// The rest of the replay queue never executes: the read ran once before
	// suspension and must not run again after the faulted set.
	readings := 0
	for _, ty := range docs.Types() {
		if ty == schema.DocReading {
			readings++
		}
	}
	assert.Equal(t, 1, readings)

	// Cleanup still runs on the fault path.
	assert.Equal(t, device.ShutterClosed, shutter.State())

	stored, getErr := runs.GetRun(context.Background(), "run-replayfault")
	require.NoError(t, getErr)
	assert.Equal(t, schema.RunStatusFailed, stored.Status)
}

func TestEngine_SuspendWithoutCheckpointDefers(t *testing.T) {
	motor := device.NewSimMotor("m1")
	eng, docs, _ := newTestEngine(t, motor)

	msgs := make([]*schema.Msg, 0, 30)
	for i := 0; i < 30; i++ {
		msgs = append(msgs, schema.Sleep(5*time.Millisecond))
	}
	p := plan.NewSequence("no_checkpoint", msgs...)

	run := &store.Run{ID: "run-nocp"}
	errCh := startRun(t, eng, run, p)
	require.NoError(t, eng.Suspend("run-nocp", "beam lost"))

	require.NoError(t, waitDone(t, errCh))
	assert.NotContains(t, docs.Types(), schema.DocRunSuspended,
		"a run with no checkpoint cannot suspend mid-flight")
}

// flakyMotor fails its first failCount sets, then succeeds.
type flakyMotor struct {
	*device.SimMotor
	mu        sync.Mutex
	failCount int
}

func (f *flakyMotor) Set(ctx context.Context, value any) error {
	f.mu.Lock()
	shouldFail := f.failCount > 0
	if shouldFail {
		f.failCount--
	}
	f.mu.Unlock()
	if shouldFail {
		return schema.NewError(schema.ErrCodeDevice, "device busy").WithDevice(f.Name())
	}
	return f.SimMotor.Set(ctx, value)
}

func TestEngine_RetrySucceedsAfterTransientFaults(t *testing.T) {
	motor := &flakyMotor{SimMotor: device.NewSimMotor("m1"), failCount: 2}
	eng, docs, _ := newTestEngine(t, motor)

	msg := schema.Set("m1", 3.0).WithRetry(&schema.RetryPolicy{
		Max: 3, Backoff: "constant", Delay: "1ms",
	})
	p := plan.NewSequence("retry_move", msg)

	require.NoError(t, eng.Execute(context.Background(), &store.Run{ID: "run-retry"}, p))

	retries := 0
	for _, ty := range docs.Types() {
		if ty == schema.DocMsgRetryAttempt {
			retries++
		}
	}
	assert.Equal(t, 2, retries)

	r, err := motor.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3.0, r.Value)
}

func TestEngine_RetryExhausted(t *testing.T) {
	motor := &flakyMotor{SimMotor: device.NewSimMotor("m1"), failCount: 10}
	eng, _, _ := newTestEngine(t, motor)

	msg := schema.Set("m1", 3.0).WithRetry(&schema.RetryPolicy{
		Max: 2, Backoff: "constant", Delay: "1ms",
	})
	p := plan.NewSequence("retry_move", msg)

	err := eng.Execute(context.Background(), &store.Run{ID: "run-exhaust"}, p)
	require.Error(t, err)

	var pe *schema.PlanError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, schema.ErrCodeRetryExhausted, pe.Code)
	assert.Equal(t, "m1", pe.Device)
}

func TestEngine_BreakerOpensOnRepeatedFailures(t *testing.T) {
	motor := &flakyMotor{SimMotor: device.NewSimMotor("m1"), failCount: 100}
	reg := device.NewRegistry()
	require.NoError(t, reg.Register(motor))
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)

	docs := &mockAppender{}
	opts := DefaultOptions()
	opts.Breaker = BreakerConfig{FailureThreshold: 2, Cooldown: time.Minute, HalfOpenMax: 1}
	eng := New(reg, newMemRuns(), docs, cel,
		slog.New(slog.NewTextHandler(io.Discard, nil)), opts)

	msg := schema.Set("m1", 3.0).WithRetry(&schema.RetryPolicy{
		Max: 5, Backoff: "constant", Delay: "1ms",
	})
	p := plan.NewSequence("doomed_move", msg)

	execErr := eng.Execute(context.Background(), &store.Run{ID: "run-breaker"}, p)
	require.Error(t, execErr)

	var pe *schema.PlanError
	require.ErrorAs(t, execErr, &pe)
	assert.Equal(t, schema.ErrCodeBreakerOpen, pe.Code)
	assert.Contains(t, docs.Types(), schema.DocBreakerOpen)
	assert.Equal(t, BreakerOpen, eng.Breakers().GetState("m1"))
}

func TestEngine_DuplicateRunIDConflicts(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	p := plan.NewSequence("slow", schema.Sleep(200*time.Millisecond))
	run := &store.Run{ID: "dup"}
	errCh := startRun(t, eng, run, p)

	err := eng.Execute(context.Background(), &store.Run{ID: "dup"}, plan.Nothing())
	require.Error(t, err)
	var pe *schema.PlanError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, schema.ErrCodeConflict, pe.Code)

	require.NoError(t, waitDone(t, errCh))
}

func TestEngine_ControlUnknownRun(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	err := eng.Control("ghost", schema.ControlRequest{Action: schema.ControlPause})
	require.Error(t, err)
	var pe *schema.PlanError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, schema.ErrCodeNotFound, pe.Code)
}

func TestEngine_WaitAndReadings(t *testing.T) {
	sig := device.NewSimSignal("sig", 1.0)
	eng, _, _ := newTestEngine(t, sig)

	p := plan.NewSequence("read_then_sleep",
		schema.Read("sig"),
		schema.Sleep(100*time.Millisecond),
	)
	run := &store.Run{ID: "run-wait-readings"}
	errCh := startRun(t, eng, run, p)

	require.Eventually(t, func() bool {
		readings, ok := eng.Readings("run-wait-readings")
		if !ok {
			return false
		}
		_, has := readings["sig"]
		return has
	}, 2*time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, eng.Wait(ctx, "run-wait-readings"))
	require.NoError(t, waitDone(t, errCh))

	// Wait on a finished run returns immediately.
	require.NoError(t, eng.Wait(context.Background(), "run-wait-readings"))
}

func TestEngine_PlanTimeout(t *testing.T) {
	eng, _, runs := newTestEngine(t)

	p := plan.NewSequence("too_slow", schema.Sleep(5*time.Second))
	run := &store.Run{
		ID:         "run-timeout",
		Definition: &schema.PlanDefinition{Name: "too_slow", Timeout: "30ms"},
	}
	err := eng.Execute(context.Background(), run, p)
	require.Error(t, err)

	var pe *schema.PlanError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, schema.ErrCodeTimeout, pe.Code)

	stored, getErr := runs.GetRun(context.Background(), "run-timeout")
	require.NoError(t, getErr)
	assert.Equal(t, schema.RunStatusFailed, stored.Status)
}
