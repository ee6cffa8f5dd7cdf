package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/maraver/planline/internal/plan"
	"github.com/maraver/planline/internal/store"
	"github.com/maraver/planline/pkg/schema"
)

// runLoop drives one run from pending to a terminal state. It owns the
// iterator, the message cache used for checkpoint replay, and the pending
// control state. Everything here executes on the run's single goroutine.
type runLoop struct {
	e      *Engine
	handle *runHandle
	runID  string
	it     plan.Iterator
	logger *slog.Logger

	status schema.RunStatus
	prev   plan.Outcome

	// cache holds instructions executed since the last checkpoint. On
	// suspend-resume they are re-executed, without advancing the iterator,
	// before new instructions are pulled.
	cache  []*schema.Msg
	replay []*schema.Msg

	hasCheckpoint  bool
	deferredPause  bool
	pendingSuspend string // reason, waiting for the first checkpoint

	// injected interruption state: once abort or stop is requested, the
	// interruption flows through the plan via Outcome.Err so wrappers emit
	// their cleanup instructions before the run terminates.
	injected      bool
	pendingStatus schema.RunStatus
}

// run executes the loop and performs the terminal transition and persistence.
func (l *runLoop) run(ctx context.Context) (schema.RunStatus, error) {
	if err := l.transition(ctx, schema.RunStatusRunning, nil); err != nil {
		return schema.RunStatusFailed, err
	}

	finalStatus, finalErr := l.loop(ctx)

	// Terminal persistence must survive run cancellation (halt, timeout).
	finalCtx := context.WithoutCancel(ctx)
	payload := errorPayload(finalErr)
	if err := l.transition(finalCtx, finalStatus, payload); err != nil {
		l.logger.Error("terminal transition failed",
			"from", string(l.status), "to", string(finalStatus), "error", err.Error())
	}
	return finalStatus, finalErr
}

func (l *runLoop) loop(ctx context.Context) (schema.RunStatus, error) {
	for {
		if ctx.Err() != nil {
			return l.contextTermination(ctx)
		}

		status, err, terminal := l.handleControl(ctx)
		if terminal {
			return status, err
		}

		var msg *schema.Msg
		replaying := false
		if len(l.replay) > 0 {
			msg = l.replay[0]
			l.replay = l.replay[1:]
			replaying = true
		} else {
			var nextErr error
			msg, nextErr = l.it.Next(ctx, l.prev)
			l.prev = plan.Outcome{}
			if nextErr != nil {
				return l.classifyTermination(nextErr)
			}
		}

		if msg == nil {
			continue
		}

		if msg.Command == schema.CommandCheckpoint {
			l.checkpoint(ctx)
			status, err, terminal := l.afterCheckpoint(ctx)
			if terminal {
				return status, err
			}
			continue
		}

		l.prev = l.execMsg(ctx, msg)
		if replaying {
			if l.prev.Err != nil {
				// A fault during replay abandons the rest of the queue.
				// The next iteration feeds it to the iterator so wrappers
				// run their cleanup before the run terminates.
				l.replay = nil
			}
		} else {
			l.cache = append(l.cache, msg)
		}
	}
}

// checkpoint marks a resume point: the replay cache resets here.
func (l *runLoop) checkpoint(ctx context.Context) {
	l.cache = l.cache[:0]
	l.hasCheckpoint = true
	l.appendDoc(ctx, &store.Document{RunID: l.runID, Type: schema.DocCheckpoint})
}

// afterCheckpoint applies interventions that were waiting for a checkpoint.
func (l *runLoop) afterCheckpoint(ctx context.Context) (schema.RunStatus, error, bool) {
	if l.injected {
		// Cleanup is in flight; the run is already ending.
		return "", nil, false
	}
	if l.pendingSuspend != "" {
		reason := l.pendingSuspend
		l.pendingSuspend = ""
		return l.suspend(ctx, reason)
	}
	if l.deferredPause {
		l.deferredPause = false
		return l.pause(ctx)
	}
	return "", nil, false
}

// handleControl drains the control channel at an instruction boundary.
// Returns terminal=true when the run must end now (halt, cancellation
// during a blocked pause/suspend).
func (l *runLoop) handleControl(ctx context.Context) (schema.RunStatus, error, bool) {
	for {
		select {
		case m := <-l.handle.ctrl:
			if status, err, terminal := l.applyControl(ctx, m); terminal {
				return status, err, true
			}
		default:
			return "", nil, false
		}
	}
}

func (l *runLoop) applyControl(ctx context.Context, m ctrlMsg) (schema.RunStatus, error, bool) {
	switch {
	case m.suspend:
		if l.injected {
			return "", nil, false
		}
		if !l.hasCheckpoint {
			// Nothing to rewind to yet. Suspend at the first checkpoint.
			l.pendingSuspend = m.reason
			l.logger.Info("suspension deferred until first checkpoint", "reason", m.reason)
			return "", nil, false
		}
		return l.suspend(ctx, m.reason)

	case m.release:
		// Release with no suspension in effect. Stale, ignore.
		return "", nil, false

	case m.req != nil:
		switch m.req.Action {
		case schema.ControlPause:
			if l.injected {
				return "", nil, false
			}
			if m.req.Deferred {
				l.deferredPause = true
				return "", nil, false
			}
			return l.pause(ctx)
		case schema.ControlResume:
			// Not paused. Stale, ignore.
			return "", nil, false
		case schema.ControlAbort:
			l.inject(schema.RunStatusAborted,
				schema.NewErrorf(schema.ErrCodeAborted, "run aborted: %s", reasonOr(m.req.Reason, "operator request")))
			return "", nil, false
		case schema.ControlStop:
			l.inject(schema.RunStatusCompleted,
				schema.NewErrorf(schema.ErrCodeStopped, "run stopped: %s", reasonOr(m.req.Reason, "operator request")))
			return "", nil, false
		}
	}
	return "", nil, false
}

// inject raises an interruption through the plan. The iterator sees it as
// the error of the previous instruction; wrappers run cleanup and re-raise.
// The first interruption wins.
func (l *runLoop) inject(status schema.RunStatus, err *schema.PlanError) {
	if l.injected {
		return
	}
	l.injected = true
	l.pendingStatus = status
	l.prev = plan.Outcome{Err: err}
	l.replay = nil
	l.logger.Info("interruption injected", "code", err.Code, "message", err.Message)
}

// pause transitions to paused and blocks until resume, a cleanup-carrying
// termination, or halt.
func (l *runLoop) pause(ctx context.Context) (schema.RunStatus, error, bool) {
	if err := l.transition(ctx, schema.RunStatusPaused, nil); err != nil {
		return schema.RunStatusFailed, err, true
	}
	for {
		select {
		case <-ctx.Done():
			return l.blockedTermination(ctx)
		case m := <-l.handle.ctrl:
			switch {
			case m.release, m.suspend:
				// Suspenders do not interact with a paused run.
			case m.req != nil:
				switch m.req.Action {
				case schema.ControlResume:
					if err := l.transition(ctx, schema.RunStatusRunning, nil); err != nil {
						return schema.RunStatusFailed, err, true
					}
					return "", nil, false
				case schema.ControlAbort:
					// Resume first so cleanup executes under a running run.
					if err := l.transition(ctx, schema.RunStatusRunning, nil); err != nil {
						return schema.RunStatusFailed, err, true
					}
					l.inject(schema.RunStatusAborted,
						schema.NewErrorf(schema.ErrCodeAborted, "run aborted: %s", reasonOr(m.req.Reason, "operator request")))
					return "", nil, false
				case schema.ControlStop:
					if err := l.transition(ctx, schema.RunStatusRunning, nil); err != nil {
						return schema.RunStatusFailed, err, true
					}
					l.inject(schema.RunStatusCompleted,
						schema.NewErrorf(schema.ErrCodeStopped, "run stopped: %s", reasonOr(m.req.Reason, "operator request")))
					return "", nil, false
				}
			}
		}
	}
}

// suspend transitions to suspended and blocks until release or resume.
// On release the replay queue is loaded with the instructions executed
// since the last checkpoint.
func (l *runLoop) suspend(ctx context.Context, reason string) (schema.RunStatus, error, bool) {
	payload, _ := json.Marshal(map[string]string{"reason": reason})
	if err := l.transition(ctx, schema.RunStatusSuspended, payload); err != nil {
		return schema.RunStatusFailed, err, true
	}
	l.logger.Info("run suspended", "reason", reason)
	for {
		select {
		case <-ctx.Done():
			return l.blockedTermination(ctx)
		case m := <-l.handle.ctrl:
			resume := m.release || (m.req != nil && m.req.Action == schema.ControlResume)
			switch {
			case resume:
				if err := l.transition(ctx, schema.RunStatusRunning, nil); err != nil {
					return schema.RunStatusFailed, err, true
				}
				l.replay = append([]*schema.Msg(nil), l.cache...)
				l.logger.Info("run resumed from suspension", "replay_count", len(l.replay))
				return "", nil, false
			case m.suspend:
				// Already suspended.
			case m.req != nil && m.req.Action == schema.ControlAbort:
				if err := l.transition(ctx, schema.RunStatusRunning, nil); err != nil {
					return schema.RunStatusFailed, err, true
				}
				l.inject(schema.RunStatusAborted,
					schema.NewErrorf(schema.ErrCodeAborted, "run aborted: %s", reasonOr(m.req.Reason, "operator request")))
				return "", nil, false
			case m.req != nil && m.req.Action == schema.ControlStop:
				if err := l.transition(ctx, schema.RunStatusRunning, nil); err != nil {
					return schema.RunStatusFailed, err, true
				}
				l.inject(schema.RunStatusCompleted,
					schema.NewErrorf(schema.ErrCodeStopped, "run stopped: %s", reasonOr(m.req.Reason, "operator request")))
				return "", nil, false
			}
		}
	}
}

// contextTermination classifies the run's end when its context died at an
// instruction boundary: halt if one was requested, plan timeout or
// cancellation otherwise.
func (l *runLoop) contextTermination(ctx context.Context) (schema.RunStatus, error) {
	if l.handle.isHalted() {
		return schema.RunStatusHalted, schema.NewError(schema.ErrCodeHalted, "run halted: cleanup skipped")
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return schema.RunStatusFailed,
			schema.NewError(schema.ErrCodeTimeout, "plan timeout exceeded").WithCause(ctx.Err())
	}
	return schema.RunStatusFailed,
		schema.NewError(schema.ErrCodeExecution, "run context cancelled").WithCause(ctx.Err())
}

// blockedTermination is contextTermination for a run parked in pause or
// suspend, where the FSM allows a direct transition to halted/failed.
func (l *runLoop) blockedTermination(ctx context.Context) (schema.RunStatus, error, bool) {
	status, err := l.contextTermination(ctx)
	return status, err, true
}

// classifyTermination maps the iterator's final error to a terminal status.
func (l *runLoop) classifyTermination(err error) (schema.RunStatus, error) {
	if err == plan.Done {
		if l.pendingStatus != "" {
			return l.pendingStatus, nil
		}
		return schema.RunStatusCompleted, nil
	}
	var pe *schema.PlanError
	if errors.As(err, &pe) {
		switch pe.Code {
		case schema.ErrCodeStopped:
			// Early stop is a clean completion.
			return schema.RunStatusCompleted, nil
		case schema.ErrCodeAborted:
			return schema.RunStatusAborted, err
		case schema.ErrCodeHalted:
			return schema.RunStatusHalted, err
		case schema.ErrCodeInterrupted:
			return schema.RunStatusAborted, err
		}
	}
	return schema.RunStatusFailed, err
}

// transition moves the run to the given status: FSM validation, lifecycle
// document, then run record update.
func (l *runLoop) transition(ctx context.Context, to schema.RunStatus, payload json.RawMessage) error {
	if err := l.e.fsm.Transition(ctx, l.runID, l.status, to, payload); err != nil {
		return err
	}
	from := l.status
	l.status = to
	l.handle.setStatus(to)

	update := store.RunUpdate{Status: &to}
	now := time.Now().UTC()
	if to == schema.RunStatusRunning && from == schema.RunStatusPending {
		update.StartedAt = &now
	}
	if to.Terminal() {
		update.CompletedAt = &now
		update.Error = payload
	}
	if err := l.e.runs.UpdateRun(ctx, l.runID, update); err != nil {
		l.logger.Warn("run record update failed", "status", string(to), "error", err.Error())
	}
	return nil
}

func (l *runLoop) appendDoc(ctx context.Context, doc *store.Document) {
	if err := l.e.docs.AppendDocument(ctx, doc); err != nil {
		l.logger.Warn("document append failed", "type", doc.Type, "error", err.Error())
	}
}

func errorPayload(err error) json.RawMessage {
	if err == nil {
		return nil
	}
	var pe *schema.PlanError
	if errors.As(err, &pe) {
		if b, marshalErr := json.Marshal(pe); marshalErr == nil {
			return b
		}
	}
	b, marshalErr := json.Marshal(map[string]string{"message": err.Error()})
	if marshalErr != nil {
		return nil
	}
	return b
}

func reasonOr(reason, fallback string) string {
	if reason == "" {
		return fallback
	}
	return reason
}
