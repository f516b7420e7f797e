// Package event defines the bones event schema: the eleven-variant sum
// type carried by every line of the log, and the typed payload associated
// with each kind.
//
// Every payload keeps an "extras" bag of JSON fields it did not recognize
// on decode, so a newer writer's fields survive a round trip through an
// older reader without being dropped (forward compatibility). A payload
// that is missing a required field, or has a field of the wrong JSON type,
// fails to decode with a SchemaError naming the offending kind and field.
package event

import (
	"encoding/json"
	"fmt"
)

// Kind is the wire token identifying an event's variant.
type Kind string

const (
	KindCreate   Kind = "item.create"
	KindUpdate   Kind = "item.update"
	KindMove     Kind = "item.move"
	KindAssign   Kind = "item.assign"
	KindComment  Kind = "item.comment"
	KindLink     Kind = "item.link"
	KindUnlink   Kind = "item.unlink"
	KindDelete   Kind = "item.delete"
	KindCompact  Kind = "item.compact"
	KindSnapshot Kind = "item.snapshot"
	KindRedact   Kind = "item.redact"
)

// knownKinds enumerates the eleven variants; used to tell "unknown kind"
// apart from "known kind, bad payload".
var knownKinds = map[Kind]bool{
	KindCreate: true, KindUpdate: true, KindMove: true, KindAssign: true,
	KindComment: true, KindLink: true, KindUnlink: true, KindDelete: true,
	KindCompact: true, KindSnapshot: true, KindRedact: true,
}

// IsKnown reports whether k is one of the eleven defined kinds.
func IsKnown(k Kind) bool { return knownKinds[k] }

// SchemaError reports a payload that failed to validate against its kind's
// schema: a missing required field or a field of the wrong type.
type SchemaError struct {
	Kind  Kind
	Field string
	Msg   string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("event: %s: field %q: %s", e.Kind, e.Field, e.Msg)
}

// UnknownKindError is returned when parsing a single line whose kind is not
// one of the eleven known variants. Batch-level callers (the projector)
// treat this as a warning and skip the line instead of erroring; the
// TSJSON single-line parser returns it as a hard error.
type UnknownKindError struct {
	Kind Kind
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("event: unknown kind %q", e.Kind)
}

// rawObject is the field-preserving decode shape: every JSON field keyed by
// name, still in its raw encoded form.
type rawObject map[string]json.RawMessage

func decodeRaw(data []byte) (rawObject, error) {
	if len(data) == 0 {
		return rawObject{}, nil
	}
	var m rawObject
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func requireField(raw rawObject, k Kind, field string) (json.RawMessage, error) {
	v, ok := raw[field]
	if !ok {
		return nil, &SchemaError{Kind: k, Field: field, Msg: "required field missing"}
	}
	return v, nil
}

func decodeField(raw rawObject, k Kind, field string, dst any, required bool) error {
	v, ok := raw[field]
	if !ok {
		if required {
			return &SchemaError{Kind: k, Field: field, Msg: "required field missing"}
		}
		return nil
	}
	if err := json.Unmarshal(v, dst); err != nil {
		return &SchemaError{Kind: k, Field: field, Msg: "wrong type: " + err.Error()}
	}
	return nil
}

// extrasExcept returns raw stripped of the named known fields, or nil if
// nothing remains (so an empty extras bag round-trips as an absent field
// rather than an empty object).
func extrasExcept(raw rawObject, known ...string) map[string]json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	knownSet := make(map[string]bool, len(known))
	for _, f := range known {
		knownSet[f] = true
	}
	var out map[string]json.RawMessage
	for k, v := range raw {
		if knownSet[k] {
			continue
		}
		if out == nil {
			out = make(map[string]json.RawMessage)
		}
		out[k] = v
	}
	return out
}

// mergeForEncode builds the map that will be canonical-JSON-encoded:
// known fields first (typed Go values, only non-nil optionals included),
// then any preserved extras that don't collide with a known key.
func mergeForEncode(known map[string]any, extras map[string]json.RawMessage) (map[string]any, error) {
	out := make(map[string]any, len(known)+len(extras))
	for k, v := range known {
		out[k] = v
	}
	for k, raw := range extras {
		if _, exists := out[k]; exists {
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("event: decode extra field %q: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}
