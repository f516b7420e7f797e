package event

import (
	"bytes"
	"encoding/json"
)

// ClockTuple is the LWW tie-break tuple: (ITC happens-before encoding, wall
// ts, agent id, originating event hash). Carried verbatim in snapshots so
// compaction is lattice-preserving: merging a snapshot's fields against the
// sources they summarize must reproduce the same winner.
type ClockTuple struct {
	ITC       string `json:"itc"`
	WallTSUs  int64  `json:"wall_ts_us"`
	Agent     string `json:"agent"`
	EventHash string `json:"event_hash"`
}

// LWWFieldSnapshot is one register's value plus the clock that produced it.
// Value is nil for a register that was never written (e.g. optional Size).
type LWWFieldSnapshot struct {
	Value any        `json:"value"`
	Clock ClockTuple `json:"clock"`
}

// SetTag is one (element, tag) pair from an OR-Set.
type SetTag struct {
	Element string `json:"element"`
	Tag     string `json:"tag"`
}

// ORSetSnapshot is the full add/tombstone state of one OR-Set.
type ORSetSnapshot struct {
	Elements   []SetTag `json:"elements"`
	Tombstones []SetTag `json:"tombstones"`
}

// PhaseSnapshot is the lifecycle state machine's current state.
type PhaseSnapshot struct {
	Phase Phase      `json:"phase"`
	Epoch int64      `json:"epoch"`
	Clock ClockTuple `json:"clock"`
}

// SnapshotPayload is the full per-field CRDT state carried by an
// item.snapshot event, plus audit metadata about the sources it compacts.
type SnapshotPayload struct {
	Title       LWWFieldSnapshot `json:"title"`
	Description LWWFieldSnapshot `json:"description"`
	ItemKind    LWWFieldSnapshot `json:"item_kind"`
	Size        LWWFieldSnapshot `json:"size"`
	Urgency     LWWFieldSnapshot `json:"urgency"`
	ParentID    LWWFieldSnapshot `json:"parent_id"`
	Deleted     LWWFieldSnapshot `json:"deleted"`
	PhaseState  PhaseSnapshot    `json:"phase_state"`
	Assignees   ORSetSnapshot    `json:"assignees"`
	Labels      ORSetSnapshot    `json:"labels"`
	BlockedBy   ORSetSnapshot    `json:"blocked_by"`
	RelatedTo   ORSetSnapshot    `json:"related_to"`
	Comments    []string         `json:"comments"`
	CreatedAtUs int64            `json:"created_at_us"`

	// Audit metadata about the folded source events.
	CompactedFromCount int   `json:"compacted_from_count"`
	EarliestSourceTSUs int64 `json:"earliest_source_ts_us"`
	LatestSourceTSUs   int64 `json:"latest_source_ts_us"`

	Extras map[string]json.RawMessage `json:"-"`
}

func (p *SnapshotPayload) Kind() Kind { return KindSnapshot }

// knownSnapshotFields lists the JSON keys produced by the struct tags above,
// used to separate known fields from preserved extras on decode.
var knownSnapshotFields = []string{
	"title", "description", "item_kind", "size", "urgency", "parent_id",
	"deleted", "phase_state", "assignees", "labels", "blocked_by",
	"related_to", "comments", "created_at_us", "compacted_from_count",
	"earliest_source_ts_us", "latest_source_ts_us",
}

func (p *SnapshotPayload) Encode() (map[string]any, error) {
	// Round-trip through encoding/json to get a generic, canonicaljson
	// compatible representation (map[string]any / []any / primitives)
	// without hand-writing a converter for every nested struct.
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var known map[string]any
	if err := dec.Decode(&known); err != nil {
		return nil, err
	}
	return mergeForEncode(known, p.Extras)
}

func parseSnapshot(raw rawObject) (*SnapshotPayload, error) {
	p := &SnapshotPayload{}
	reassembled, err := json.Marshal(map[string]json.RawMessage(raw))
	if err != nil {
		return nil, &SchemaError{Kind: KindSnapshot, Msg: "invalid payload: " + err.Error()}
	}
	if err := json.Unmarshal(reassembled, p); err != nil {
		return nil, &SchemaError{Kind: KindSnapshot, Msg: "wrong type: " + err.Error()}
	}
	for _, f := range []string{"phase_state", "assignees", "labels", "blocked_by", "related_to"} {
		if _, err := requireField(raw, KindSnapshot, f); err != nil {
			return nil, err
		}
	}
	p.Extras = extrasExcept(raw, knownSnapshotFields...)
	return p, nil
}
