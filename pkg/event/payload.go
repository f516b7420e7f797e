package event

import "encoding/json"

// Payload is implemented by every per-kind payload type.
type Payload interface {
	// Kind returns the event kind this payload belongs to.
	Kind() Kind
	// Encode returns the field map (known fields plus preserved extras)
	// to be canonical-JSON-encoded for hashing and storage.
	Encode() (map[string]any, error)
}

// ParsePayload decodes data against the schema for kind k. Unknown kinds
// return an *UnknownKindError; known kinds with missing/mistyped required
// fields return a *SchemaError.
func ParsePayload(k Kind, data []byte) (Payload, error) {
	raw, err := decodeRaw(data)
	if err != nil {
		return nil, &SchemaError{Kind: k, Field: "", Msg: "invalid JSON: " + err.Error()}
	}
	switch k {
	case KindCreate:
		return parseCreate(raw)
	case KindUpdate:
		return parseUpdate(raw)
	case KindMove:
		return parseMove(raw)
	case KindAssign:
		return parseAssign(raw)
	case KindComment:
		return parseComment(raw)
	case KindLink:
		return parseLink(raw)
	case KindUnlink:
		return parseUnlink(raw)
	case KindDelete:
		return parseDelete(raw)
	case KindCompact:
		return parseCompact(raw)
	case KindSnapshot:
		return parseSnapshot(raw)
	case KindRedact:
		return parseRedact(raw)
	default:
		return nil, &UnknownKindError{Kind: k}
	}
}

// ---------------------------------------------------------------------------
// item.create
// ---------------------------------------------------------------------------

// ItemKind is the item's type: task, goal, or bug.
type ItemKind string

const (
	ItemTask ItemKind = "task"
	ItemGoal ItemKind = "goal"
	ItemBug  ItemKind = "bug"
)

// CreatePayload is the payload of an item.create event.
type CreatePayload struct {
	Title       string
	Description string
	ItemKind    ItemKind
	Size        *string // xxs..xxl, optional
	Urgency     *string // urgent|default|punt, optional
	ParentID    *string
	Labels      []string
	Extras      map[string]json.RawMessage
}

func (p *CreatePayload) Kind() Kind { return KindCreate }

func (p *CreatePayload) Encode() (map[string]any, error) {
	known := map[string]any{
		"title":       p.Title,
		"description": p.Description,
		"item_kind":   string(p.ItemKind),
		"labels":      labelsOrEmpty(p.Labels),
	}
	if p.Size != nil {
		known["size"] = *p.Size
	}
	if p.Urgency != nil {
		known["urgency"] = *p.Urgency
	}
	if p.ParentID != nil {
		known["parent_id"] = *p.ParentID
	}
	return mergeForEncode(known, p.Extras)
}

func labelsOrEmpty(ls []string) []any {
	out := make([]any, len(ls))
	for i, l := range ls {
		out[i] = l
	}
	return out
}

func parseCreate(raw rawObject) (*CreatePayload, error) {
	p := &CreatePayload{}
	if err := decodeField(raw, KindCreate, "title", &p.Title, true); err != nil {
		return nil, err
	}
	if p.Title == "" {
		return nil, &SchemaError{Kind: KindCreate, Field: "title", Msg: "must not be empty"}
	}
	if err := decodeField(raw, KindCreate, "description", &p.Description, false); err != nil {
		return nil, err
	}
	var ik string
	if err := decodeField(raw, KindCreate, "item_kind", &ik, true); err != nil {
		return nil, err
	}
	p.ItemKind = ItemKind(ik)
	if p.ItemKind != ItemTask && p.ItemKind != ItemGoal && p.ItemKind != ItemBug {
		return nil, &SchemaError{Kind: KindCreate, Field: "item_kind", Msg: "must be task, goal, or bug"}
	}
	if v, ok := raw["size"]; ok {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return nil, &SchemaError{Kind: KindCreate, Field: "size", Msg: "wrong type"}
		}
		p.Size = &s
	}
	if v, ok := raw["urgency"]; ok {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return nil, &SchemaError{Kind: KindCreate, Field: "urgency", Msg: "wrong type"}
		}
		p.Urgency = &s
	}
	if v, ok := raw["parent_id"]; ok {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return nil, &SchemaError{Kind: KindCreate, Field: "parent_id", Msg: "wrong type"}
		}
		p.ParentID = &s
	}
	if err := decodeField(raw, KindCreate, "labels", &p.Labels, false); err != nil {
		return nil, err
	}
	p.Extras = extrasExcept(raw, "title", "description", "item_kind", "size", "urgency", "parent_id", "labels")
	return p, nil
}

// ---------------------------------------------------------------------------
// item.update
// ---------------------------------------------------------------------------

// UpdatePayload mutates one named LWW field. Value is kept as raw JSON
// since the field's Go type depends on which field is named; itemstate
// interprets it.
type UpdatePayload struct {
	Field  string
	Value  json.RawMessage
	Extras map[string]json.RawMessage
}

func (p *UpdatePayload) Kind() Kind { return KindUpdate }

func (p *UpdatePayload) Encode() (map[string]any, error) {
	var v any
	if len(p.Value) > 0 {
		if err := json.Unmarshal(p.Value, &v); err != nil {
			return nil, err
		}
	}
	known := map[string]any{"field": p.Field, "value": v}
	return mergeForEncode(known, p.Extras)
}

func parseUpdate(raw rawObject) (*UpdatePayload, error) {
	p := &UpdatePayload{}
	if err := decodeField(raw, KindUpdate, "field", &p.Field, true); err != nil {
		return nil, err
	}
	val, err := requireField(raw, KindUpdate, "value")
	if err != nil {
		return nil, err
	}
	p.Value = val
	p.Extras = extrasExcept(raw, "field", "value")
	return p, nil
}

// ---------------------------------------------------------------------------
// item.move
// ---------------------------------------------------------------------------

// Phase is the item's lifecycle state.
type Phase string

const (
	PhaseOpen     Phase = "open"
	PhaseDoing    Phase = "doing"
	PhaseDone     Phase = "done"
	PhaseArchived Phase = "archived"
)

// MovePayload advances the Phase state machine.
type MovePayload struct {
	ToPhase Phase
	Extras  map[string]json.RawMessage
}

func (p *MovePayload) Kind() Kind { return KindMove }

func (p *MovePayload) Encode() (map[string]any, error) {
	return mergeForEncode(map[string]any{"to_phase": string(p.ToPhase)}, p.Extras)
}

func parseMove(raw rawObject) (*MovePayload, error) {
	p := &MovePayload{}
	var s string
	if err := decodeField(raw, KindMove, "to_phase", &s, true); err != nil {
		return nil, err
	}
	p.ToPhase = Phase(s)
	switch p.ToPhase {
	case PhaseOpen, PhaseDoing, PhaseDone, PhaseArchived:
	default:
		return nil, &SchemaError{Kind: KindMove, Field: "to_phase", Msg: "unknown phase " + s}
	}
	p.Extras = extrasExcept(raw, "to_phase")
	return p, nil
}

// ---------------------------------------------------------------------------
// item.assign
// ---------------------------------------------------------------------------

// SetOp is the direction of an OR-Set mutation carried in a payload.
type SetOp string

const (
	OpAdd    SetOp = "add"
	OpRemove SetOp = "remove"
)

// AssignPayload adds or removes an agent in the assignees OR-Set.
type AssignPayload struct {
	Agent  string
	Op     SetOp
	Extras map[string]json.RawMessage
}

func (p *AssignPayload) Kind() Kind { return KindAssign }

func (p *AssignPayload) Encode() (map[string]any, error) {
	return mergeForEncode(map[string]any{"agent": p.Agent, "op": string(p.Op)}, p.Extras)
}

func parseAssign(raw rawObject) (*AssignPayload, error) {
	p := &AssignPayload{}
	if err := decodeField(raw, KindAssign, "agent", &p.Agent, true); err != nil {
		return nil, err
	}
	if p.Agent == "" {
		return nil, &SchemaError{Kind: KindAssign, Field: "agent", Msg: "must not be empty"}
	}
	var op string
	if err := decodeField(raw, KindAssign, "op", &op, true); err != nil {
		return nil, err
	}
	p.Op = SetOp(op)
	if p.Op != OpAdd && p.Op != OpRemove {
		return nil, &SchemaError{Kind: KindAssign, Field: "op", Msg: "must be add or remove"}
	}
	p.Extras = extrasExcept(raw, "agent", "op")
	return p, nil
}

// ---------------------------------------------------------------------------
// item.comment
// ---------------------------------------------------------------------------

// CommentPayload appends to the comment G-Set.
type CommentPayload struct {
	Body   string
	Extras map[string]json.RawMessage
}

func (p *CommentPayload) Kind() Kind { return KindComment }

func (p *CommentPayload) Encode() (map[string]any, error) {
	return mergeForEncode(map[string]any{"body": p.Body}, p.Extras)
}

func parseComment(raw rawObject) (*CommentPayload, error) {
	p := &CommentPayload{}
	if err := decodeField(raw, KindComment, "body", &p.Body, true); err != nil {
		return nil, err
	}
	p.Extras = extrasExcept(raw, "body")
	return p, nil
}

// ---------------------------------------------------------------------------
// item.link / item.unlink
// ---------------------------------------------------------------------------

// LinkType names which OR-Set a link/unlink event targets.
type LinkType string

const (
	LinkBlockedBy LinkType = "blocked_by"
	LinkRelatedTo LinkType = "related_to"
)

// LinkPayload adds (item.link) or removes (item.unlink) a dependency edge.
type LinkPayload struct {
	LinkType LinkType
	Target   string
	Extras   map[string]json.RawMessage
}

func (p *LinkPayload) Kind() Kind { return KindLink }

func (p *LinkPayload) Encode() (map[string]any, error) {
	return mergeForEncode(map[string]any{"link_type": string(p.LinkType), "target_item_id": p.Target}, p.Extras)
}

func parseLink(raw rawObject) (*LinkPayload, error) { return parseLinkLike(raw, KindLink) }

// UnlinkPayload shares LinkPayload's shape but a distinct Kind.
type UnlinkPayload struct {
	LinkType LinkType
	Target   string
	Extras   map[string]json.RawMessage
}

func (p *UnlinkPayload) Kind() Kind { return KindUnlink }

func (p *UnlinkPayload) Encode() (map[string]any, error) {
	return mergeForEncode(map[string]any{"link_type": string(p.LinkType), "target_item_id": p.Target}, p.Extras)
}

func parseUnlink(raw rawObject) (*UnlinkPayload, error) {
	lp, err := parseLinkLike(raw, KindUnlink)
	if err != nil {
		return nil, err
	}
	return &UnlinkPayload{LinkType: lp.LinkType, Target: lp.Target, Extras: lp.Extras}, nil
}

func parseLinkLike(raw rawObject, k Kind) (*LinkPayload, error) {
	p := &LinkPayload{}
	var lt string
	if err := decodeField(raw, k, "link_type", &lt, true); err != nil {
		return nil, err
	}
	p.LinkType = LinkType(lt)
	if p.LinkType != LinkBlockedBy && p.LinkType != LinkRelatedTo {
		return nil, &SchemaError{Kind: k, Field: "link_type", Msg: "must be blocked_by or related_to"}
	}
	if err := decodeField(raw, k, "target_item_id", &p.Target, true); err != nil {
		return nil, err
	}
	p.Extras = extrasExcept(raw, "link_type", "target_item_id")
	return p, nil
}

// ---------------------------------------------------------------------------
// item.delete
// ---------------------------------------------------------------------------

// DeletePayload sets the deletion tombstone LWW.
type DeletePayload struct {
	Reason string
	Extras map[string]json.RawMessage
}

func (p *DeletePayload) Kind() Kind { return KindDelete }

func (p *DeletePayload) Encode() (map[string]any, error) {
	return mergeForEncode(map[string]any{"reason": p.Reason}, p.Extras)
}

func parseDelete(raw rawObject) (*DeletePayload, error) {
	p := &DeletePayload{}
	if err := decodeField(raw, KindDelete, "reason", &p.Reason, false); err != nil {
		return nil, err
	}
	p.Extras = extrasExcept(raw, "reason")
	return p, nil
}

// ---------------------------------------------------------------------------
// item.compact
// ---------------------------------------------------------------------------

// CompactPayload replaces the description LWW with a summary. This is the
// lightweight manual-summarize operation, distinct from item.snapshot
// (the lattice-preserving compaction machinery in pkg/compaction).
type CompactPayload struct {
	Summary string
	Extras  map[string]json.RawMessage
}

func (p *CompactPayload) Kind() Kind { return KindCompact }

func (p *CompactPayload) Encode() (map[string]any, error) {
	return mergeForEncode(map[string]any{"summary": p.Summary}, p.Extras)
}

func parseCompact(raw rawObject) (*CompactPayload, error) {
	p := &CompactPayload{}
	if err := decodeField(raw, KindCompact, "summary", &p.Summary, true); err != nil {
		return nil, err
	}
	p.Extras = extrasExcept(raw, "summary")
	return p, nil
}

// ---------------------------------------------------------------------------
// item.redact
// ---------------------------------------------------------------------------

// RedactPayload marks a target event hash as never-to-be-re-materialized.
type RedactPayload struct {
	TargetEventHash string
	Reason          string
	Extras          map[string]json.RawMessage
}

func (p *RedactPayload) Kind() Kind { return KindRedact }

func (p *RedactPayload) Encode() (map[string]any, error) {
	return mergeForEncode(map[string]any{"target_event_hash": p.TargetEventHash, "reason": p.Reason}, p.Extras)
}

func parseRedact(raw rawObject) (*RedactPayload, error) {
	p := &RedactPayload{}
	if err := decodeField(raw, KindRedact, "target_event_hash", &p.TargetEventHash, true); err != nil {
		return nil, err
	}
	if err := decodeField(raw, KindRedact, "reason", &p.Reason, true); err != nil {
		return nil, err
	}
	p.Extras = extrasExcept(raw, "target_event_hash", "reason")
	return p, nil
}
