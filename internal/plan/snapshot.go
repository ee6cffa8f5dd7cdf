package plan

import (
	"context"

	"github.com/maraver/planline/pkg/schema"
)

// SnapshotEntry is one captured (device, value) pair.
type SnapshotEntry struct {
	Device string `json:"device"`
	Value  any    `json:"value"`
}

// Snapshot is an ordered capture of settable device values. Restoration is
// deliberately conservative: strictly sequential, in reverse capture order,
// each set completing before the next is issued.
type Snapshot struct {
	Entries []SnapshotEntry `json:"entries"`
}

// CaptureSnapshot builds a plan that reads each device in order and appends
// its value to snap in iteration order. The caller owns snap; see
// WithSafeSettings for the self-contained composition.
func CaptureSnapshot(snap *Snapshot, devices ...string) Plan {
	return NewFunc("capture_snapshot", func() NextFunc {
		idx := 0
		pending := "" // device whose reading we are waiting for
		return func(_ context.Context, prev Outcome) (*schema.Msg, error) {
			if prev.Err != nil {
				return nil, prev.Err
			}
			if pending != "" {
				if prev.Reading == nil {
					return nil, schema.NewErrorf(schema.ErrCodeExecution,
						"no reading returned for %q during snapshot capture", pending).WithDevice(pending)
				}
				snap.Entries = append(snap.Entries, SnapshotEntry{Device: pending, Value: prev.Reading.Value})
				pending = ""
			}
			if idx >= len(devices) {
				return nil, Done
			}
			pending = devices[idx]
			idx++
			return schema.Read(pending), nil
		}
	})
}

// RestoreSnapshot builds a plan that issues exactly one set instruction per
// snapshot entry, in exactly reverse-of-capture order. Each set completes
// before the next is issued (sets are synchronous instructions).
func RestoreSnapshot(snap *Snapshot) Plan {
	return NewFunc("restore_snapshot", func() NextFunc {
		// The entry count is read when the iterator starts, not when the plan
		// is built: capture may run earlier in the same composed plan.
		started := false
		idx := 0
		return func(_ context.Context, prev Outcome) (*schema.Msg, error) {
			if prev.Err != nil {
				return nil, prev.Err
			}
			if !started {
				started = true
				idx = len(snap.Entries) - 1
			}
			if idx < 0 {
				return nil, Done
			}
			entry := snap.Entries[idx]
			idx--
			return schema.Set(entry.Device, entry.Value), nil
		}
	})
}

// WithSafeSettings captures the listed devices before the inner plan starts
// and restores them (reverse order) after it ends, whatever the outcome.
// The snapshot lives for exactly one run.
func WithSafeSettings(inner Plan, devices ...string) Plan {
	name := inner.Name() + ":safe_settings"
	return NewFunc(name, func() NextFunc {
		snap := &Snapshot{}
		wrapped := Finalize(
			Chain(name, CaptureSnapshot(snap, devices...), inner),
			RestoreSnapshot(snap),
		)
		it := wrapped.Iterator()
		return it.Next
	})
}
