package crdt

import "github.com/bobisme/bones/pkg/event"

// LWWRegister is a last-writer-wins register: whichever write carries the
// greater tie-break tuple (ITC happens-before, then wall ts, then agent,
// then event hash) survives a merge.
type LWWRegister[T any] struct {
	Value T
	Clock event.ClockTuple
}

// NewLWWRegister constructs a register holding value, written at clock.
func NewLWWRegister[T any](value T, clock event.ClockTuple) LWWRegister[T] {
	return LWWRegister[T]{Value: value, Clock: clock}
}

// Merge returns whichever of r, other carries the strictly greater clock
// tuple. Equal tuples (the same write observed twice, e.g. via a
// compaction snapshot and its source event both present) are a no-op: r
// is returned unchanged.
func (r LWWRegister[T]) Merge(other LWWRegister[T]) LWWRegister[T] {
	if compareClock(other.Clock, r.Clock) > 0 {
		return other
	}
	return r
}

// Snapshot renders the register as the generic structural form carried in
// item.snapshot events.
func (r LWWRegister[T]) Snapshot() event.LWWFieldSnapshot {
	return event.LWWFieldSnapshot{Value: r.Value, Clock: r.Clock}
}
