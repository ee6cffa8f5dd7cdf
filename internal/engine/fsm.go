package engine

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/maraver/planline/internal/store"
	"github.com/maraver/planline/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to string) error

// DocumentAppender is satisfied by the Store and DocumentLog; used by the FSM
// to emit lifecycle documents on transitions.
type DocumentAppender interface {
	AppendDocument(ctx context.Context, doc *store.Document) error
}

type runHookKey struct {
	from, to schema.RunStatus
}

// RunFSM manages run lifecycle state transitions.
type RunFSM struct {
	mu       sync.Mutex
	appender DocumentAppender
	before   map[runHookKey][]TransitionHook
	after    map[runHookKey][]TransitionHook
}

// NewRunFSM creates a new RunFSM that emits documents via the given appender.
func NewRunFSM(appender DocumentAppender) *RunFSM {
	return &RunFSM{
		appender: appender,
		before:   make(map[runHookKey][]TransitionHook),
		after:    make(map[runHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a run transition.
func (f *RunFSM) OnBefore(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a run transition.
func (f *RunFSM) OnAfter(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a run state transition, emitting the
// corresponding lifecycle document. The optional payload is attached to the
// document (e.g. the terminal error for failed/aborted/halted).
// The caller (Engine) is responsible for persisting the new state to the store.
func (f *RunFSM) Transition(ctx context.Context, runID string, from, to schema.RunStatus, payload json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidRunTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	key := runHookKey{from, to}

	// Run before hooks.
	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	// Emit the corresponding lifecycle document.
	docType := runDocType(from, to)
	if docType != "" {
		doc := &store.Document{
			RunID:   runID,
			Type:    docType,
			Payload: payload,
		}
		if err := f.appender.AppendDocument(ctx, doc); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit run document: %s", err.Error()).WithCause(err)
		}
	}

	// Run after hooks.
	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidRunTransition(from, to schema.RunStatus) bool {
	allowed, ok := ValidRunTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func runDocType(from, to schema.RunStatus) string {
	switch to {
	case schema.RunStatusRunning:
		if from == schema.RunStatusPending {
			return schema.DocRunStarted
		}
		return schema.DocRunResumed
	case schema.RunStatusPaused:
		return schema.DocRunPaused
	case schema.RunStatusSuspended:
		return schema.DocRunSuspended
	case schema.RunStatusCompleted:
		return schema.DocRunCompleted
	case schema.RunStatusFailed:
		return schema.DocRunFailed
	case schema.RunStatusAborted:
		return schema.DocRunAborted
	case schema.RunStatusHalted:
		return schema.DocRunHalted
	default:
		return ""
	}
}

// ValidRunTransitions defines the allowed state transitions for runs.
// A paused run resumes to running before cleanup-carrying terminations
// (abort, stop) so the cleanup instructions execute under a running run;
// halt is immediate and legal from any non-terminal state.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusPending:   {schema.RunStatusRunning, schema.RunStatusAborted, schema.RunStatusHalted},
	schema.RunStatusRunning:   {schema.RunStatusPaused, schema.RunStatusSuspended, schema.RunStatusCompleted, schema.RunStatusFailed, schema.RunStatusAborted, schema.RunStatusHalted},
	schema.RunStatusPaused:    {schema.RunStatusRunning, schema.RunStatusHalted, schema.RunStatusFailed},
	schema.RunStatusSuspended: {schema.RunStatusRunning, schema.RunStatusHalted, schema.RunStatusFailed},
	schema.RunStatusCompleted: {},
	schema.RunStatusFailed:    {},
	schema.RunStatusAborted:   {},
	schema.RunStatusHalted:    {},
}
