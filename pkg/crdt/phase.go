package crdt

import (
	"fmt"

	"github.com/bobisme/bones/pkg/event"
)

// allowedTransitions enumerates the item lifecycle's valid moves:
// open<->doing, doing->done, done->archived, archived->open (reopen).
var allowedTransitions = map[event.Phase]map[event.Phase]bool{
	event.PhaseOpen:     {event.PhaseDoing: true},
	event.PhaseDoing:    {event.PhaseOpen: true, event.PhaseDone: true},
	event.PhaseDone:     {event.PhaseArchived: true},
	event.PhaseArchived: {event.PhaseOpen: true},
}

// ErrInvalidTransition reports a Move whose from/to phase pair is not in
// allowedTransitions.
type ErrInvalidTransition struct {
	From, To event.Phase
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("crdt: invalid phase transition %s -> %s", e.From, e.To)
}

// PhaseState is the item lifecycle's current phase plus an epoch counter
// used to resolve concurrent transitions: whichever replica advanced the
// epoch further wins outright; ties within the same epoch fall back to
// the clock tuple.
type PhaseState struct {
	Phase event.Phase
	Epoch int64
	Clock event.ClockTuple
}

// NewPhaseState returns the initial state: open, epoch 0.
func NewPhaseState() PhaseState {
	return PhaseState{Phase: event.PhaseOpen}
}

// Transition validates and applies a move to a new phase, bumping the
// epoch. It returns ErrInvalidTransition if the move is not allowed from
// the current phase.
func (s PhaseState) Transition(to event.Phase, clock event.ClockTuple) (PhaseState, error) {
	if !allowedTransitions[s.Phase][to] {
		return s, &ErrInvalidTransition{From: s.Phase, To: to}
	}
	return PhaseState{Phase: to, Epoch: s.Epoch + 1, Clock: clock}, nil
}

// Merge resolves two concurrently-observed phase states: the higher epoch
// wins outright; within the same epoch, the strictly greater clock tuple
// wins; equal tuples are a no-op (the same transition observed twice).
func (s PhaseState) Merge(other PhaseState) PhaseState {
	if other.Epoch > s.Epoch {
		return other
	}
	if s.Epoch > other.Epoch {
		return s
	}
	if compareClock(other.Clock, s.Clock) > 0 {
		return other
	}
	return s
}

// Snapshot renders the state as the generic structural form carried in
// item.snapshot events.
func (s PhaseState) Snapshot() event.PhaseSnapshot {
	return event.PhaseSnapshot{Phase: s.Phase, Epoch: s.Epoch, Clock: s.Clock}
}

// PhaseStateFromSnapshot reconstructs a PhaseState from its snapshot form.
func PhaseStateFromSnapshot(snap event.PhaseSnapshot) PhaseState {
	return PhaseState{Phase: snap.Phase, Epoch: snap.Epoch, Clock: snap.Clock}
}
