package plan

import (
	"context"

	"github.com/maraver/planline/internal/device"
	"github.com/maraver/planline/pkg/schema"
)

// Done is the sentinel returned by Iterator.Next when the instruction stream
// is exhausted without fault.
var Done = schema.NewError("PLAN_DONE", "plan exhausted")

// Outcome is the result of the previously executed instruction, fed back
// into the iterator on each Next call. A non-nil Err means the engine is
// propagating a fault or interruption through the plan: plain sequences
// return it unchanged, wrappers may intercept it to run cleanup first.
type Outcome struct {
	Reading *device.Reading
	Err     error
}

// Iterator produces the instruction stream for a single run.
// Next returns the next instruction, or (nil, Done) when the stream is
// exhausted, or (nil, err) to propagate a fault upward.
type Iterator interface {
	Next(ctx context.Context, prev Outcome) (*schema.Msg, error)
}

// Plan builds a fresh Iterator per run. A plan is stateless between runs:
// building twice with identical arguments yields the same instruction
// sequence.
type Plan interface {
	Name() string
	Iterator() Iterator
}

// --- Sequence: a fixed list of instructions ---

type sequence struct {
	name string
	msgs []*schema.Msg
}

// NewSequence builds a plan from a fixed list of instructions.
func NewSequence(name string, msgs ...*schema.Msg) Plan {
	return &sequence{name: name, msgs: msgs}
}

func (s *sequence) Name() string { return s.name }

func (s *sequence) Iterator() Iterator {
	return &sequenceIterator{msgs: s.msgs}
}

type sequenceIterator struct {
	msgs []*schema.Msg
	pos  int
}

func (it *sequenceIterator) Next(_ context.Context, prev Outcome) (*schema.Msg, error) {
	// An incoming fault or interruption terminates a plain sequence;
	// instructions after the fault point never execute.
	if prev.Err != nil {
		return nil, prev.Err
	}
	if it.pos >= len(it.msgs) {
		return nil, Done
	}
	msg := it.msgs[it.pos]
	it.pos++
	return msg, nil
}

// --- Func plan: instruction stream driven by a step function ---

// NextFunc is a resumable step function: it receives the previous outcome
// and returns the next instruction. State lives in the closure built per run.
type NextFunc func(ctx context.Context, prev Outcome) (*schema.Msg, error)

func (f NextFunc) Next(ctx context.Context, prev Outcome) (*schema.Msg, error) {
	return f(ctx, prev)
}

type funcPlan struct {
	name  string
	build func() NextFunc
}

// NewFunc builds a plan whose iterator is created by build. build must
// return a fresh closure per call so the plan carries no state between runs.
func NewFunc(name string, build func() NextFunc) Plan {
	return &funcPlan{name: name, build: build}
}

func (p *funcPlan) Name() string { return p.name }

func (p *funcPlan) Iterator() Iterator {
	return p.build()
}

// Nothing is an empty plan. Useful as a neutral element when composing.
func Nothing() Plan {
	return NewSequence("nothing")
}

// Chain runs plans back to back as one plan. A fault in any part skips the
// remaining parts and propagates.
func Chain(name string, plans ...Plan) Plan {
	return NewFunc(name, func() NextFunc {
		var current Iterator
		idx := 0
		return func(ctx context.Context, prev Outcome) (*schema.Msg, error) {
			for {
				if current == nil {
					if idx >= len(plans) {
						return nil, Done
					}
					current = plans[idx].Iterator()
					idx++
				}
				msg, err := current.Next(ctx, prev)
				if err == nil {
					return msg, nil
				}
				if err != Done {
					return nil, err
				}
				// Part exhausted: move on. The outcome that ended the part
				// is not replayed into the next one.
				current = nil
				prev = Outcome{}
			}
		}
	})
}
