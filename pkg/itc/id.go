// Package itc implements Interval Tree Clocks (Almeida, Baquero, Fonte
// 2008): per-agent logical stamps that support splitting identity (fork),
// merging identity and history (join), recording an event, and a
// happens-before partial order, all without prior agreement on the number
// of participants.
//
// A Stamp is (Id, Event): the Id tree says which portion of the unit
// interval this stamp owns and is free to record events in; the Event tree
// records, for every portion of the interval, how many events have been
// observed there. fork splits an Id in two disjoint halves so two derived
// stamps can proceed independently; join recombines two Ids (the caller
// must ensure they are disjoint, i.e. were produced by a common ancestor's
// fork) and unions their Event trees by pointwise max.
package itc

import "strconv"

// Id is a node of the identity tree: a leaf (0 or 1) or a branch of two
// children. The zero value is not a valid Id; use IdZero/IdOne or the
// branch constructor.
type Id struct {
	leaf  bool
	value int // 0 or 1, meaningful only when leaf
	left  *Id
	right *Id
}

var (
	idZero = &Id{leaf: true, value: 0}
	idOne  = &Id{leaf: true, value: 1}
)

// IdZero returns the identity owning no part of the interval.
func IdZero() *Id { return idZero }

// IdOne returns the identity owning the entire interval (the seed stamp's
// starting identity).
func IdOne() *Id { return idOne }

func (i *Id) isZero() bool { return i.leaf && i.value == 0 }
func (i *Id) isOne() bool  { return i.leaf && i.value == 1 }

// newIdBranch builds a branch, normalizing (0,0)->0 and (1,1)->1.
func newIdBranch(l, r *Id) *Id {
	if l.leaf && r.leaf && l.value == r.value {
		if l.value == 0 {
			return idZero
		}
		return idOne
	}
	return &Id{left: l, right: r}
}

// ForkID splits i into two disjoint halves per the ITC fork algorithm:
//
//	fork(0)      = (0, 0)
//	fork(1)      = ((1,0), (0,1))
//	fork(0, i2)  = ((0,i2'), (0,i2'')) where (i2',i2'') = fork(i2)
//	fork(i1, 0)  = ((i1',0), (i1'',0)) where (i1',i1'') = fork(i1)
//	fork(i1, i2) = ((i1,0), (0,i2))      -- both non-trivial: split by side
func ForkID(i *Id) (*Id, *Id) {
	switch {
	case i.isZero():
		return idZero, idZero
	case i.isOne():
		return newIdBranch(idOne, idZero), newIdBranch(idZero, idOne)
	case i.left.isZero():
		a, b := ForkID(i.right)
		return newIdBranch(idZero, a), newIdBranch(idZero, b)
	case i.right.isZero():
		a, b := ForkID(i.left)
		return newIdBranch(a, idZero), newIdBranch(b, idZero)
	default:
		return newIdBranch(i.left, idZero), newIdBranch(idZero, i.right)
	}
}

// JoinId unions two Id trees. The caller is responsible for the
// disjointness the ITC algebra assumes (ids derived from a common fork);
// JoinId itself is total and simply absorbs overlap toward 1.
func JoinId(a, b *Id) *Id {
	switch {
	case a.isZero():
		return b
	case b.isZero():
		return a
	case a.isOne() || b.isOne():
		return idOne
	case a.leaf || b.leaf:
		// A non-trivial leaf paired with a branch: treat the leaf as
		// fully expanded (it cannot refine further without owning
		// everything, which is handled above).
		return idOne
	default:
		return newIdBranch(JoinId(a.left, b.left), JoinId(a.right, b.right))
	}
}

// String renders the stable textual form used for the Id half of
// Stamp.String: "0", "1", or "(L,R)".
func (i *Id) String() string {
	if i.leaf {
		return strconv.Itoa(i.value)
	}
	return "(" + i.left.String() + "," + i.right.String() + ")"
}

// Equal reports structural equality after normalization (both trees are
// always kept normalized by construction, so this is a plain recursive
// comparison).
func (i *Id) Equal(other *Id) bool {
	if i == nil || other == nil {
		return i == other
	}
	if i.leaf != other.leaf {
		return false
	}
	if i.leaf {
		return i.value == other.value
	}
	return i.left.Equal(other.left) && i.right.Equal(other.right)
}
