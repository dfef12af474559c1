package rbtree

import "iter"

// All returns an in-order iterator over every element of the tree. It is
// safe to stop iterating early; it is not safe to mutate the tree while
// iterating.
func (t *Tree[T]) All() iter.Seq[*T] {
	return func(yield func(*T) bool) {
		for n := t.Min(); n != nil; n = t.Next(n) {
			if !yield(n) {
				return
			}
		}
	}
}

// Range returns an in-order iterator over every element n for which
// lo <= n <= hi, using the tree's own Trait.Compare for the bounds check.
// Either bound may be nil to leave that side unbounded.
func (t *Tree[T]) Range(lo, hi *T) iter.Seq[*T] {
	return func(yield func(*T) bool) {
		var n *T
		if lo != nil {
			n = t.First(lo)
		} else {
			n = t.Min()
		}
		for ; n != nil; n = t.Next(n) {
			if hi != nil && t.trait.Compare(n, hi) > 0 {
				return
			}
			if !yield(n) {
				return
			}
		}
	}
}
