package itc

// Stamp is a full interval tree clock: an Id (what this agent is allowed to
// record events in) paired with an Event tree (the causal history observed
// so far). Agents carry a Stamp; the Event half alone is what gets
// serialized onto the log line (the ITC field) and compared across agents.
type Stamp struct {
	ID    *Id
	Event Event
}

// Seed returns the initial stamp: full ownership, empty history. A fresh
// agent joining the system for the first time starts here.
func Seed() Stamp {
	return Stamp{ID: IdOne(), Event: EventLeaf(0)}
}

// Fork splits s into two stamps with disjoint ownership but identical
// history, so two concurrent actors (e.g. two processes for the same
// agent) can proceed independently without colliding on event regions.
func Fork(s Stamp) (Stamp, Stamp) {
	a, b := ForkID(s.ID)
	return Stamp{ID: a, Event: s.Event}, Stamp{ID: b, Event: s.Event}
}

// Join merges two stamps: unions their identities (the caller must ensure
// the two ids are disjoint, typically because they trace back to a common
// Fork) and takes the pointwise max of their event trees. This is the
// operation used when an agent observes another agent's clock, e.g. when
// reading the ITC field of an event authored elsewhere.
func Join(a, b Stamp) Stamp {
	return Stamp{ID: JoinId(a.ID, b.ID), Event: JoinEvent(a.Event, b.Event)}
}

// Event2 (the clock "event" operation, named to avoid colliding with the
// Event field) records a new event: it returns a stamp whose event tree is
// strictly ahead of s's, with the increment confined to the sub-interval
// s.ID owns.
func Event2(s Stamp) Stamp {
	return Stamp{ID: s.ID, Event: grow(s.ID, s.Event)}
}

// Leq reports whether a's event tree is dominated by b's: every observation
// recorded in a is also reflected in b. This is the partial order ITC
// clocks induce over events; it ignores identity, since identity only
// governs who may record new events, not causal ordering.
func Leq(a, b Stamp) bool {
	return LeqEvent(a.Event, b.Event)
}

// HappensBefore reports whether a strictly precedes b: a <= b and the two
// event trees are not equal.
func HappensBefore(a, b Stamp) bool {
	return Leq(a, b) && !EqualEvent(a.Event, b.Event)
}

// Concurrent reports whether neither stamp's event tree dominates the
// other's.
func Concurrent(a, b Stamp) bool {
	return !Leq(a, b) && !Leq(b, a)
}

// String renders the stable "id;event" textual form.
func (s Stamp) String() string {
	return s.ID.String() + ";" + s.Event.String()
}
