// Package compaction implements lattice-preserving snapshotting: folding
// a completed item's full event history into a single item.snapshot event
// that carries the same CRDT state the sources would have produced, so a
// reader can materialize the item from the snapshot alone without losing
// any information a full replay would have given it.
//
// Compaction never deletes or rewrites history — the snapshot is just
// another event appended to the log, referencing every current tip as its
// parent. Verification (VerifyCompaction, VerifyLatticeJoin) exists
// precisely because that property is not free: a buggy snapshot builder
// could silently drop a field, and nothing short of replaying both sides
// and comparing would catch it.
package compaction

import (
	"fmt"
	"reflect"

	"github.com/bobisme/bones/pkg/dag"
	"github.com/bobisme/bones/pkg/event"
	"github.com/bobisme/bones/pkg/itemstate"
)

// DefaultMinAgeDays is the minimum time an item must have sat in a
// terminal phase (done or archived) before Eligible admits it.
const DefaultMinAgeDays = 30

const microsPerDay = 24 * 3600 * 1_000_000

// Eligible reports whether st may be compacted at nowUs: it must be in
// the Done or Archived phase, not deleted, have held that phase for at
// least minAgeDays, and have at least one source event that is not
// redacted (sourceHashes is every event hash folded into st; redactions
// is the item's current target-hash -> reason map).
func Eligible(st *itemstate.ItemState, nowUs int64, minAgeDays int, sourceHashes []string, redactions map[string]string) bool {
	if st.Deleted.Value {
		return false
	}
	switch st.Phase.Phase {
	case event.PhaseDone, event.PhaseArchived:
	default:
		return false
	}
	age := nowUs - st.Phase.Clock.WallTSUs
	if age < int64(minAgeDays)*microsPerDay {
		return false
	}
	return hasUnredactedSource(sourceHashes, redactions)
}

func hasUnredactedSource(sourceHashes []string, redactions map[string]string) bool {
	for _, h := range sourceHashes {
		if _, redacted := redactions[h]; !redacted {
			return true
		}
	}
	return false
}

// BuildSnapshot replays sourceEvents — every event folded into one item's
// current state, in any order — and renders the result as an unhashed
// item.snapshot event ready for a shard store to append: parents naming
// every tip among sourceEvents, wall_ts_us one microsecond past the
// latest source timestamp, and the ITC textual form carried by whichever
// source event bears that latest timestamp.
func BuildSnapshot(itemID, agent string, sourceEvents []*event.Event) (*event.Event, error) {
	if len(sourceEvents) == 0 {
		return nil, fmt.Errorf("compaction: %s: no source events to compact", itemID)
	}

	st := itemstate.New(itemID)
	g := dag.New()
	var earliest, latest int64
	var latestITC string
	for i, e := range sourceEvents {
		if e.ItemID != itemID {
			return nil, fmt.Errorf("compaction: %s: source event %s belongs to item %s", itemID, e.Hash, e.ItemID)
		}
		if err := st.ApplyEvent(e); err != nil {
			return nil, fmt.Errorf("compaction: %s: replaying %s: %w", itemID, e.Hash, err)
		}
		g.Add(e.Hash, e.Parents)
		if i == 0 || e.WallTSUs < earliest {
			earliest = e.WallTSUs
		}
		if i == 0 || e.WallTSUs > latest {
			latest = e.WallTSUs
			latestITC = e.ITC
		}
	}

	payload := st.ToSnapshotPayload()
	payload.CompactedFromCount = len(sourceEvents)
	payload.EarliestSourceTSUs = earliest
	payload.LatestSourceTSUs = latest

	return &event.Event{
		WallTSUs: latest + 1,
		Agent:    agent,
		ITC:      latestITC,
		Parents:  g.Tips(),
		Kind:     event.KindSnapshot,
		ItemID:   itemID,
		Payload:  payload,
	}, nil
}

// ErrVerificationFailed reports that replaying sourceEvents and applying
// snapshotEvent alone produced different states.
type ErrVerificationFailed struct {
	ItemID string
}

func (e *ErrVerificationFailed) Error() string {
	return fmt.Sprintf("compaction: %s: snapshot does not reproduce the state its sources replay to", e.ItemID)
}

// ErrLatticeJoinFailed reports that merging the source state with the
// snapshot-derived state changed the source state — i.e. the snapshot
// carried information not implied by its sources, violating "at most the
// lattice join of its sources".
type ErrLatticeJoinFailed struct {
	ItemID string
}

func (e *ErrLatticeJoinFailed) Error() string {
	return fmt.Sprintf("compaction: %s: merge(sources, snapshot) != sources; snapshot exceeds its sources' lattice join", e.ItemID)
}

// replayBoth folds sourceEvents into one aggregate and snapshotEvent
// alone into a second, independent aggregate.
func replayBoth(itemID string, sourceEvents []*event.Event, snapshotEvent *event.Event) (source, snap *itemstate.ItemState, err error) {
	source = itemstate.New(itemID)
	for _, e := range sourceEvents {
		if err := source.ApplyEvent(e); err != nil {
			return nil, nil, fmt.Errorf("compaction: %s: replaying source %s: %w", itemID, e.Hash, err)
		}
	}
	snap = itemstate.New(itemID)
	if err := snap.ApplyEvent(snapshotEvent); err != nil {
		return nil, nil, fmt.Errorf("compaction: %s: applying snapshot %s: %w", itemID, snapshotEvent.Hash, err)
	}
	return source, snap, nil
}

// VerifyCompaction replays sourceEvents into one aggregate and applies
// snapshotEvent alone into a second, then compares their materialized
// CRDT state field-by-field (the same fields item.snapshot's payload
// carries — LWW registers with full clock metadata, OR-Set/G-Set
// contents, phase state). Returns ErrVerificationFailed if they differ.
func VerifyCompaction(itemID string, sourceEvents []*event.Event, snapshotEvent *event.Event) error {
	source, snap, err := replayBoth(itemID, sourceEvents, snapshotEvent)
	if err != nil {
		return err
	}
	if !reflect.DeepEqual(source.ToSnapshotPayload(), snap.ToSnapshotPayload()) {
		return &ErrVerificationFailed{ItemID: itemID}
	}
	return nil
}

// VerifyLatticeJoin checks that merging the source-replayed state with
// the snapshot-derived state is a no-op on the source state: the
// snapshot is therefore at most the lattice join of what it summarizes,
// never more. Returns ErrLatticeJoinFailed if the merge changes anything.
func VerifyLatticeJoin(itemID string, sourceEvents []*event.Event, snapshotEvent *event.Event) error {
	source, snap, err := replayBoth(itemID, sourceEvents, snapshotEvent)
	if err != nil {
		return err
	}
	merged := source.Merge(snap)
	if !reflect.DeepEqual(source.ToSnapshotPayload(), merged.ToSnapshotPayload()) {
		return &ErrLatticeJoinFailed{ItemID: itemID}
	}
	return nil
}
