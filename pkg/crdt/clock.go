// Package crdt implements the conflict-free replicated data types item
// state is built from: an LWW register, an add-wins OR-Set, a grow-only
// G-Set, and an epoch-gated phase state machine. Every merge here is
// commutative, associative, and idempotent, and none of them consult
// anything but the values being merged — no external clock, no network
// round trip.
package crdt

import (
	"strings"

	"github.com/bobisme/bones/pkg/event"
	"github.com/bobisme/bones/pkg/itc"
)

// compareClock orders two tie-break tuples: ITC happens-before first (when
// the two ITC event trees are comparable), falling back to wall-clock
// timestamp, then agent, then event hash. It returns -1, 0, or 1; it
// returns 0 only when every field of the tuple is identical, which is the
// only case a merge should treat as a no-op (the same write observed
// twice).
func compareClock(a, b event.ClockTuple) int {
	if a == b {
		return 0
	}
	if ea, err := itc.ParseEvent(a.ITC); err == nil {
		if eb, err := itc.ParseEvent(b.ITC); err == nil {
			aLeqB := itc.LeqEvent(ea, eb)
			bLeqA := itc.LeqEvent(eb, ea)
			switch {
			case aLeqB && !bLeqA:
				return -1
			case bLeqA && !aLeqB:
				return 1
			}
		}
	}
	if a.WallTSUs != b.WallTSUs {
		if a.WallTSUs < b.WallTSUs {
			return -1
		}
		return 1
	}
	if a.Agent != b.Agent {
		return strings.Compare(a.Agent, b.Agent)
	}
	return strings.Compare(a.EventHash, b.EventHash)
}
