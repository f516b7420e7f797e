package crdt

import (
	"sort"

	"github.com/bobisme/bones/pkg/event"
)

type tagKey struct {
	Element string
	Tag     string
}

// ORSet is an add-wins observed-remove set: state is a set of
// (element, tag) pairs plus a set of tombstoned pairs. An element is
// present iff at least one of its tags is not tombstoned. Concurrent add +
// remove resolves add-wins because the remover could not have observed
// (and therefore could not tombstone) a tag added concurrently elsewhere.
type ORSet struct {
	elements   map[tagKey]struct{}
	tombstones map[tagKey]struct{}
}

// NewORSet returns an empty OR-Set.
func NewORSet() *ORSet {
	return &ORSet{elements: map[tagKey]struct{}{}, tombstones: map[tagKey]struct{}{}}
}

// Add introduces element with a new unique tag (by convention, the
// triggering event's hash).
func (s *ORSet) Add(element, tag string) {
	s.elements[tagKey{element, tag}] = struct{}{}
}

// Remove tombstones every tag currently visible for element (every tag
// this replica has observed, live or not), so a subsequent merge with a
// replica that added the same tag still honors add-wins only for tags
// this replica never saw.
func (s *ORSet) Remove(element string) {
	for k := range s.elements {
		if k.Element == element {
			s.tombstones[k] = struct{}{}
		}
	}
}

// Contains reports whether element has at least one non-tombstoned tag.
func (s *ORSet) Contains(element string) bool {
	for k := range s.elements {
		if k.Element != element {
			continue
		}
		if _, dead := s.tombstones[k]; !dead {
			return true
		}
	}
	return false
}

// Elements returns every element with at least one live tag, sorted.
func (s *ORSet) Elements() []string {
	live := map[string]struct{}{}
	for k := range s.elements {
		if _, dead := s.tombstones[k]; !dead {
			live[k.Element] = struct{}{}
		}
	}
	out := make([]string, 0, len(live))
	for e := range live {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

// Merge returns the union of both replicas' elements and tombstones. The
// result does not alias s or other's internal maps.
func (s *ORSet) Merge(other *ORSet) *ORSet {
	out := NewORSet()
	for k := range s.elements {
		out.elements[k] = struct{}{}
	}
	for k := range other.elements {
		out.elements[k] = struct{}{}
	}
	for k := range s.tombstones {
		out.tombstones[k] = struct{}{}
	}
	for k := range other.tombstones {
		out.tombstones[k] = struct{}{}
	}
	return out
}

// Snapshot renders the OR-Set as the generic structural form carried in
// item.snapshot events.
func (s *ORSet) Snapshot() event.ORSetSnapshot {
	snap := event.ORSetSnapshot{}
	for k := range s.elements {
		snap.Elements = append(snap.Elements, event.SetTag{Element: k.Element, Tag: k.Tag})
	}
	for k := range s.tombstones {
		snap.Tombstones = append(snap.Tombstones, event.SetTag{Element: k.Element, Tag: k.Tag})
	}
	sortTags(snap.Elements)
	sortTags(snap.Tombstones)
	return snap
}

func sortTags(tags []event.SetTag) {
	sort.Slice(tags, func(i, j int) bool {
		if tags[i].Element != tags[j].Element {
			return tags[i].Element < tags[j].Element
		}
		return tags[i].Tag < tags[j].Tag
	})
}

// ORSetFromSnapshot reconstructs an OR-Set from its snapshot form.
func ORSetFromSnapshot(snap event.ORSetSnapshot) *ORSet {
	s := NewORSet()
	for _, t := range snap.Elements {
		s.elements[tagKey{t.Element, t.Tag}] = struct{}{}
	}
	for _, t := range snap.Tombstones {
		s.tombstones[tagKey{t.Element, t.Tag}] = struct{}{}
	}
	return s
}
