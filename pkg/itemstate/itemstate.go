// Package itemstate computes the per-item CRDT aggregate: the fold of
// every event touching one item into its current materialized state.
// ApplyEvent folds events in, in any order; Merge combines two
// independently-folded states. Both operations are pure CRDT joins — no
// event ordering is consulted, only each field's own tie-break tuple or
// monotonic-set semantics.
package itemstate

import (
	"encoding/json"
	"fmt"

	"github.com/bobisme/bones/pkg/crdt"
	"github.com/bobisme/bones/pkg/event"
	"github.com/sirupsen/logrus"
)

// CommentRecord is one comment's materialized content, keyed by the hash
// of the item.comment event that created it.
type CommentRecord struct {
	Body     string
	WallTSUs int64
}

// ItemState is the full CRDT aggregate for one item.
type ItemState struct {
	ItemID string

	Title       crdt.LWWRegister[string]
	Description crdt.LWWRegister[string]
	ItemKind    crdt.LWWRegister[event.ItemKind]
	Size        crdt.LWWRegister[*string]
	Urgency     crdt.LWWRegister[*string]
	ParentID    crdt.LWWRegister[*string]
	Deleted     crdt.LWWRegister[bool]

	Phase crdt.PhaseState

	Assignees *crdt.ORSet
	Labels    *crdt.ORSet
	BlockedBy *crdt.ORSet
	RelatedTo *crdt.ORSet

	Comments     *crdt.GSet
	CommentBody  map[string]CommentRecord
	Redactions   map[string]string // target event hash -> reason

	CreatedAtUs int64
	UpdatedAtUs int64

	// Logger receives soft-error warnings (e.g. an Update naming an
	// unknown field). Defaults to logrus.StandardLogger() if nil.
	Logger logrus.FieldLogger
}

// New returns the empty aggregate for itemID, ready to fold events into.
func New(itemID string) *ItemState {
	return &ItemState{
		ItemID:      itemID,
		Assignees:   crdt.NewORSet(),
		Labels:      crdt.NewORSet(),
		BlockedBy:   crdt.NewORSet(),
		RelatedTo:   crdt.NewORSet(),
		Comments:    crdt.NewGSet(),
		CommentBody: map[string]CommentRecord{},
		Redactions:  map[string]string{},
		Phase:       crdt.NewPhaseState(),
	}
}

func (s *ItemState) logger() logrus.FieldLogger {
	if s.Logger != nil {
		return s.Logger
	}
	return logrus.StandardLogger()
}

func clockOf(e *event.Event) event.ClockTuple {
	return event.ClockTuple{ITC: e.ITC, WallTSUs: e.WallTSUs, Agent: e.Agent, EventHash: e.Hash}
}

// ApplyEvent folds one event's effect into the aggregate. A Move to an
// invalid phase is a hard error returned to the caller unchanged; an
// Update naming an unknown field is a soft error: it is logged and
// skipped, and ApplyEvent returns nil.
func (s *ItemState) ApplyEvent(e *event.Event) error {
	clock := clockOf(e)

	switch e.Kind {
	case event.KindCreate:
		p, ok := e.Payload.(*event.CreatePayload)
		if !ok {
			return fmt.Errorf("itemstate: item.create payload has wrong type %T", e.Payload)
		}
		s.CreatedAtUs = e.WallTSUs
		s.Title = s.Title.Merge(crdt.NewLWWRegister(p.Title, clock))
		s.Description = s.Description.Merge(crdt.NewLWWRegister(p.Description, clock))
		s.ItemKind = s.ItemKind.Merge(crdt.NewLWWRegister(p.ItemKind, clock))
		if p.Size != nil {
			s.Size = s.Size.Merge(crdt.NewLWWRegister(p.Size, clock))
		}
		if p.Urgency != nil {
			s.Urgency = s.Urgency.Merge(crdt.NewLWWRegister(p.Urgency, clock))
		}
		if p.ParentID != nil {
			s.ParentID = s.ParentID.Merge(crdt.NewLWWRegister(p.ParentID, clock))
		}
		for _, l := range p.Labels {
			s.Labels.Add(l, e.Hash+":"+l)
		}

	case event.KindUpdate:
		p, ok := e.Payload.(*event.UpdatePayload)
		if !ok {
			return fmt.Errorf("itemstate: item.update payload has wrong type %T", e.Payload)
		}
		if err := s.applyUpdate(p, clock); err != nil {
			s.logger().WithFields(logrus.Fields{"item_id": s.ItemID, "field": p.Field}).Warn(err.Error())
			return nil
		}

	case event.KindMove:
		p, ok := e.Payload.(*event.MovePayload)
		if !ok {
			return fmt.Errorf("itemstate: item.move payload has wrong type %T", e.Payload)
		}
		next, err := s.Phase.Transition(p.ToPhase, clock)
		if err != nil {
			return err
		}
		s.Phase = next

	case event.KindAssign:
		p, ok := e.Payload.(*event.AssignPayload)
		if !ok {
			return fmt.Errorf("itemstate: item.assign payload has wrong type %T", e.Payload)
		}
		switch p.Op {
		case event.OpAdd:
			s.Assignees.Add(p.Agent, e.Hash)
		case event.OpRemove:
			s.Assignees.Remove(p.Agent)
		}

	case event.KindComment:
		p, ok := e.Payload.(*event.CommentPayload)
		if !ok {
			return fmt.Errorf("itemstate: item.comment payload has wrong type %T", e.Payload)
		}
		s.Comments.Add(e.Hash)
		s.CommentBody[e.Hash] = CommentRecord{Body: p.Body, WallTSUs: e.WallTSUs}

	case event.KindLink:
		p, ok := e.Payload.(*event.LinkPayload)
		if !ok {
			return fmt.Errorf("itemstate: item.link payload has wrong type %T", e.Payload)
		}
		s.linkSet(p.LinkType).Add(p.Target, e.Hash)

	case event.KindUnlink:
		p, ok := e.Payload.(*event.UnlinkPayload)
		if !ok {
			return fmt.Errorf("itemstate: item.unlink payload has wrong type %T", e.Payload)
		}
		s.linkSet(p.LinkType).Remove(p.Target)

	case event.KindDelete:
		if _, ok := e.Payload.(*event.DeletePayload); !ok {
			return fmt.Errorf("itemstate: item.delete payload has wrong type %T", e.Payload)
		}
		s.Deleted = s.Deleted.Merge(crdt.NewLWWRegister(true, clock))

	case event.KindCompact:
		p, ok := e.Payload.(*event.CompactPayload)
		if !ok {
			return fmt.Errorf("itemstate: item.compact payload has wrong type %T", e.Payload)
		}
		s.Description = s.Description.Merge(crdt.NewLWWRegister(p.Summary, clock))

	case event.KindSnapshot:
		p, ok := e.Payload.(*event.SnapshotPayload)
		if !ok {
			return fmt.Errorf("itemstate: item.snapshot payload has wrong type %T", e.Payload)
		}
		s.mergeSnapshot(p)

	case event.KindRedact:
		p, ok := e.Payload.(*event.RedactPayload)
		if !ok {
			return fmt.Errorf("itemstate: item.redact payload has wrong type %T", e.Payload)
		}
		if _, exists := s.Redactions[p.TargetEventHash]; !exists {
			s.Redactions[p.TargetEventHash] = p.Reason
		}

	default:
		return fmt.Errorf("itemstate: unknown event kind %q", e.Kind)
	}

	if e.WallTSUs > s.UpdatedAtUs {
		s.UpdatedAtUs = e.WallTSUs
	}
	return nil
}

func (s *ItemState) linkSet(lt event.LinkType) *crdt.ORSet {
	if lt == event.LinkBlockedBy {
		return s.BlockedBy
	}
	return s.RelatedTo
}

func (s *ItemState) applyUpdate(p *event.UpdatePayload, clock event.ClockTuple) error {
	switch p.Field {
	case "title":
		var v string
		if err := json.Unmarshal(p.Value, &v); err != nil {
			return fmt.Errorf("update field %q: %w", p.Field, err)
		}
		s.Title = s.Title.Merge(crdt.NewLWWRegister(v, clock))
	case "description":
		var v string
		if err := json.Unmarshal(p.Value, &v); err != nil {
			return fmt.Errorf("update field %q: %w", p.Field, err)
		}
		s.Description = s.Description.Merge(crdt.NewLWWRegister(v, clock))
	case "item_kind":
		var v string
		if err := json.Unmarshal(p.Value, &v); err != nil {
			return fmt.Errorf("update field %q: %w", p.Field, err)
		}
		s.ItemKind = s.ItemKind.Merge(crdt.NewLWWRegister(event.ItemKind(v), clock))
	case "size":
		v, err := unmarshalStringPtr(p.Value)
		if err != nil {
			return fmt.Errorf("update field %q: %w", p.Field, err)
		}
		s.Size = s.Size.Merge(crdt.NewLWWRegister(v, clock))
	case "urgency":
		v, err := unmarshalStringPtr(p.Value)
		if err != nil {
			return fmt.Errorf("update field %q: %w", p.Field, err)
		}
		s.Urgency = s.Urgency.Merge(crdt.NewLWWRegister(v, clock))
	case "parent_id":
		v, err := unmarshalStringPtr(p.Value)
		if err != nil {
			return fmt.Errorf("update field %q: %w", p.Field, err)
		}
		s.ParentID = s.ParentID.Merge(crdt.NewLWWRegister(v, clock))
	default:
		return fmt.Errorf("unknown update field %q, skipping", p.Field)
	}
	return nil
}

func unmarshalStringPtr(raw json.RawMessage) (*string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Merge combines s with other field-wise, consulting only each field's
// own CRDT merge rule. It is commutative, associative, and idempotent.
func (s *ItemState) Merge(other *ItemState) *ItemState {
	out := New(s.ItemID)
	out.Title = s.Title.Merge(other.Title)
	out.Description = s.Description.Merge(other.Description)
	out.ItemKind = s.ItemKind.Merge(other.ItemKind)
	out.Size = s.Size.Merge(other.Size)
	out.Urgency = s.Urgency.Merge(other.Urgency)
	out.ParentID = s.ParentID.Merge(other.ParentID)
	out.Deleted = s.Deleted.Merge(other.Deleted)
	out.Phase = s.Phase.Merge(other.Phase)
	out.Assignees = s.Assignees.Merge(other.Assignees)
	out.Labels = s.Labels.Merge(other.Labels)
	out.BlockedBy = s.BlockedBy.Merge(other.BlockedBy)
	out.RelatedTo = s.RelatedTo.Merge(other.RelatedTo)
	out.Comments = s.Comments.Merge(other.Comments)

	out.CommentBody = map[string]CommentRecord{}
	for h, c := range s.CommentBody {
		out.CommentBody[h] = c
	}
	for h, c := range other.CommentBody {
		out.CommentBody[h] = c
	}

	out.Redactions = map[string]string{}
	for h, r := range s.Redactions {
		out.Redactions[h] = r
	}
	for h, r := range other.Redactions {
		if _, exists := out.Redactions[h]; !exists {
			out.Redactions[h] = r
		}
	}

	out.CreatedAtUs = minNonZero(s.CreatedAtUs, other.CreatedAtUs)
	out.UpdatedAtUs = max64(s.UpdatedAtUs, other.UpdatedAtUs)
	out.Logger = s.Logger
	return out
}

func minNonZero(a, b int64) int64 {
	switch {
	case a == 0:
		return b
	case b == 0:
		return a
	case a < b:
		return a
	default:
		return b
	}
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func (s *ItemState) mergeSnapshot(p *event.SnapshotPayload) {
	s.Title = s.Title.Merge(crdt.NewLWWRegister(asString(p.Title.Value), p.Title.Clock))
	s.Description = s.Description.Merge(crdt.NewLWWRegister(asString(p.Description.Value), p.Description.Clock))
	s.ItemKind = s.ItemKind.Merge(crdt.NewLWWRegister(event.ItemKind(asString(p.ItemKind.Value)), p.ItemKind.Clock))
	s.Size = s.Size.Merge(crdt.NewLWWRegister(asStringPtr(p.Size.Value), p.Size.Clock))
	s.Urgency = s.Urgency.Merge(crdt.NewLWWRegister(asStringPtr(p.Urgency.Value), p.Urgency.Clock))
	s.ParentID = s.ParentID.Merge(crdt.NewLWWRegister(asStringPtr(p.ParentID.Value), p.ParentID.Clock))
	s.Deleted = s.Deleted.Merge(crdt.NewLWWRegister(asBool(p.Deleted.Value), p.Deleted.Clock))

	s.Phase = s.Phase.Merge(crdt.PhaseStateFromSnapshot(p.PhaseState))

	s.Assignees = s.Assignees.Merge(crdt.ORSetFromSnapshot(p.Assignees))
	s.Labels = s.Labels.Merge(crdt.ORSetFromSnapshot(p.Labels))
	s.BlockedBy = s.BlockedBy.Merge(crdt.ORSetFromSnapshot(p.BlockedBy))
	s.RelatedTo = s.RelatedTo.Merge(crdt.ORSetFromSnapshot(p.RelatedTo))

	s.Comments = s.Comments.Merge(crdt.GSetFromSlice(p.Comments))

	if s.CreatedAtUs == 0 || (p.CreatedAtUs != 0 && p.CreatedAtUs < s.CreatedAtUs) {
		s.CreatedAtUs = p.CreatedAtUs
	}
}

// ToSnapshotPayload renders the current aggregate as the structural form
// carried by an item.snapshot event: every LWW clock tuple, full OR-Set
// element/tombstone state, the phase state, and the comment G-Set. Audit
// metadata (source count, earliest/latest source ts) is the caller's
// responsibility to fill in — it describes the *sources* compacted into
// this snapshot, which the aggregate alone does not track.
func (s *ItemState) ToSnapshotPayload() *event.SnapshotPayload {
	return &event.SnapshotPayload{
		Title:       s.Title.Snapshot(),
		Description: s.Description.Snapshot(),
		ItemKind:    itemKindSnapshotValue(s.ItemKind),
		Size:        s.Size.Snapshot(),
		Urgency:     s.Urgency.Snapshot(),
		ParentID:    s.ParentID.Snapshot(),
		Deleted:     s.Deleted.Snapshot(),
		PhaseState:  s.Phase.Snapshot(),
		Assignees:   s.Assignees.Snapshot(),
		Labels:      s.Labels.Snapshot(),
		BlockedBy:   s.BlockedBy.Snapshot(),
		RelatedTo:   s.RelatedTo.Snapshot(),
		Comments:    s.Comments.Elements(),
		CreatedAtUs: s.CreatedAtUs,
	}
}

func itemKindSnapshotValue(r crdt.LWWRegister[event.ItemKind]) event.LWWFieldSnapshot {
	snap := r.Snapshot()
	if v, ok := snap.Value.(event.ItemKind); ok {
		snap.Value = string(v)
	}
	return snap
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asStringPtr(v any) *string {
	switch x := v.(type) {
	case string:
		return &x
	case *string:
		if x == nil {
			return nil
		}
		s := *x
		return &s
	}
	return nil
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}
