package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/maraver/planline/internal/device"
	"github.com/maraver/planline/internal/expressions"
	"github.com/maraver/planline/internal/plan"
	"github.com/maraver/planline/internal/store"
	"github.com/maraver/planline/pkg/schema"
)

// execMsg executes one instruction against the devices and returns its
// outcome. Errors are reported through the outcome, never swallowed: the
// iterator decides what a fault means for the rest of the plan.
func (l *runLoop) execMsg(ctx context.Context, msg *schema.Msg) plan.Outcome {
	switch msg.Command {
	case schema.CommandSet:
		return l.execSet(ctx, msg)
	case schema.CommandRead:
		return l.execRead(ctx, msg)
	case schema.CommandSleep:
		return l.execSleep(ctx, msg)
	case schema.CommandWaitFor:
		return l.execWaitFor(ctx, msg)
	case schema.CommandLog:
		return l.execLog(ctx, msg)
	default:
		return plan.Outcome{Err: schema.NewErrorf(schema.ErrCodeValidation,
			"unknown instruction command %q", string(msg.Command))}
	}
}

func (l *runLoop) execSet(ctx context.Context, msg *schema.Msg) plan.Outcome {
	scope := l.handle.scope.Build()
	value, err := l.e.interp.ResolveValue(msg.Value, scope)
	if err != nil {
		return plan.Outcome{Err: err}
	}
	msg, err = l.resolveDevice(msg, scope)
	if err != nil {
		return plan.Outcome{Err: err}
	}
	_, err = l.execDevice(ctx, msg, func(ctx context.Context) (*device.Reading, error) {
		s, getErr := l.e.devices.Settable(msg.Device)
		if getErr != nil {
			return nil, getErr
		}
		// Set blocks until the move completes; the return is the completion.
		return nil, s.Set(ctx, value)
	})
	if err != nil {
		return plan.Outcome{Err: err}
	}
	l.logger.Debug("set complete", "device", msg.Device, "value", value)
	return plan.Outcome{}
}

func (l *runLoop) execRead(ctx context.Context, msg *schema.Msg) plan.Outcome {
	msg, err := l.resolveDevice(msg, l.handle.scope.Build())
	if err != nil {
		return plan.Outcome{Err: err}
	}
	reading, err := l.execDevice(ctx, msg, func(ctx context.Context) (*device.Reading, error) {
		r, getErr := l.e.devices.Readable(msg.Device)
		if getErr != nil {
			return nil, getErr
		}
		sample, readErr := r.Read(ctx)
		if readErr != nil {
			return nil, readErr
		}
		return &sample, nil
	})
	if err != nil {
		return plan.Outcome{Err: err}
	}

	l.handle.scope.AddReading(reading.Device, reading.Value, reading.Timestamp)
	if payload, marshalErr := json.Marshal(reading); marshalErr == nil {
		l.appendDoc(ctx, &store.Document{
			RunID:   l.runID,
			Type:    schema.DocReading,
			Device:  reading.Device,
			Payload: payload,
		})
	}
	return plan.Outcome{Reading: reading}
}

func (l *runLoop) execSleep(ctx context.Context, msg *schema.Msg) plan.Outcome {
	if msg.Duration <= 0 {
		return plan.Outcome{}
	}
	select {
	case <-time.After(msg.Duration):
		return plan.Outcome{}
	case <-ctx.Done():
		return plan.Outcome{Err: schema.NewError(schema.ErrCodeExecution,
			"sleep interrupted").WithCause(ctx.Err())}
	}
}

// execWaitFor polls the condition against the latest readings until it holds
// or the timeout elapses. When the instruction names a device, the device is
// re-sampled on every poll so the condition can observe fresh values.
func (l *runLoop) execWaitFor(ctx context.Context, msg *schema.Msg) plan.Outcome {
	timeout := msg.Timeout
	if timeout <= 0 {
		timeout = l.e.opts.WaitTimeout
	}
	deadline := time.Now().Add(timeout)

	for {
		if msg.Device != "" {
			r, getErr := l.e.devices.Readable(msg.Device)
			if getErr != nil {
				return plan.Outcome{Err: getErr}
			}
			sample, readErr := r.Read(ctx)
			if readErr != nil {
				return plan.Outcome{Err: wrapDeviceErr(readErr, msg.Device)}
			}
			l.handle.scope.AddReading(sample.Device, sample.Value, sample.Timestamp)
		}

		ok, err := l.e.cel.EvaluateBool(ctx, msg.Condition, l.handle.scope.Data())
		if err != nil {
			return plan.Outcome{Err: err}
		}
		if ok {
			return plan.Outcome{}
		}
		if time.Now().After(deadline) {
			return plan.Outcome{Err: schema.NewErrorf(schema.ErrCodeTimeout,
				"wait_for condition %q not met within %s", msg.Condition, timeout)}
		}
		select {
		case <-time.After(l.e.opts.WaitPollInterval):
		case <-ctx.Done():
			return plan.Outcome{Err: schema.NewError(schema.ErrCodeExecution,
				"wait_for interrupted").WithCause(ctx.Err())}
		}
	}
}

func (l *runLoop) execLog(ctx context.Context, msg *schema.Msg) plan.Outcome {
	note, err := l.e.interp.ResolveString(msg.Note, l.handle.scope.Build())
	if err != nil {
		return plan.Outcome{Err: err}
	}
	l.logger.Info("plan note", "note", note)
	if payload, marshalErr := json.Marshal(map[string]string{"message": note}); marshalErr == nil {
		l.appendDoc(ctx, &store.Document{RunID: l.runID, Type: schema.DocNote, Payload: payload})
	}
	return plan.Outcome{}
}

// resolveDevice interpolates ${{ }} references in the instruction's device
// name, returning a copy so replayed instructions re-resolve cleanly.
func (l *runLoop) resolveDevice(msg *schema.Msg, scope *expressions.InterpolationScope) (*schema.Msg, error) {
	if !strings.Contains(msg.Device, "${{") {
		return msg, nil
	}
	name, err := l.e.interp.ResolveString(msg.Device, scope)
	if err != nil {
		return nil, err
	}
	cp := *msg
	cp.Device = name
	return &cp, nil
}

// execDevice runs a device instruction through the circuit breaker and the
// step's retry policy. Retries stop at the first non-retryable error.
func (l *runLoop) execDevice(ctx context.Context, msg *schema.Msg, op func(context.Context) (*device.Reading, error)) (*device.Reading, error) {
	policy := msg.Retry
	if policy == nil {
		policy = l.e.opts.DefaultRetry
	}
	maxRetries := 0
	if policy != nil {
		maxRetries = policy.Max
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := l.e.breakers.AllowInstruction(msg.Device); err != nil {
			return nil, err
		}

		reading, err := op(ctx)
		if err == nil {
			if closed := l.e.breakers.RecordSuccess(msg.Device); closed {
				l.breakerDoc(ctx, schema.DocBreakerClosed, msg.Device)
			}
			return reading, nil
		}
		lastErr = wrapDeviceErr(err, msg.Device)

		if _, opened := l.e.breakers.RecordFailure(msg.Device); opened {
			l.breakerDoc(ctx, schema.DocBreakerOpen, msg.Device)
		}

		if !IsRetryableError(err) || attempt >= maxRetries {
			if maxRetries > 0 && attempt >= maxRetries {
				return nil, schema.NewErrorf(schema.ErrCodeRetryExhausted,
					"instruction failed after %d attempts", attempt+1).
					WithDevice(msg.Device).WithCause(lastErr)
			}
			return nil, lastErr
		}

		delay := ComputeBackoff(policy, attempt)
		l.retryDoc(ctx, msg, attempt, delay, err)
		l.logger.Warn("instruction retry",
			"device", msg.Device, "attempt", attempt+1, "delay", delay.String(), "error", err.Error())
		if waitErr := WaitForBackoff(ctx, delay); waitErr != nil {
			return nil, lastErr
		}
	}
}

func (l *runLoop) breakerDoc(ctx context.Context, docType, deviceName string) {
	payload, err := json.Marshal(l.e.breakers.GetStats(deviceName))
	if err != nil {
		payload = nil
	}
	l.appendDoc(ctx, &store.Document{
		RunID:   l.runID,
		Type:    docType,
		Device:  deviceName,
		Payload: payload,
	})
}

func (l *runLoop) retryDoc(ctx context.Context, msg *schema.Msg, attempt int, delay time.Duration, cause error) {
	payload, err := json.Marshal(map[string]any{
		"command": string(msg.Command),
		"attempt": attempt + 1,
		"delay":   delay.String(),
		"error":   cause.Error(),
	})
	if err != nil {
		return
	}
	l.appendDoc(ctx, &store.Document{
		RunID:   l.runID,
		Type:    schema.DocMsgRetryAttempt,
		Device:  msg.Device,
		Payload: payload,
	})
}

// wrapDeviceErr ensures device faults surface as typed errors carrying the
// device name.
func wrapDeviceErr(err error, deviceName string) error {
	var pe *schema.PlanError
	if errors.As(err, &pe) {
		if pe.Device == "" && deviceName != "" {
			pe.Device = deviceName
		}
		return err
	}
	return schema.NewError(schema.ErrCodeDevice, err.Error()).
		WithDevice(deviceName).WithCause(err)
}
