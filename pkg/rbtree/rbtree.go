// Package rbtree is an intrusive red-black tree.
//
// It mirrors the trait-based design of mozjemalloc's rb.h and Extent.h: a
// single element type can belong to more than one tree at once (an extent
// node lives in both a size-ordered tree and an address-ordered tree), so
// the tree never allocates its own node wrapper. Instead the caller embeds
// a [Linkage] field for every tree it needs to belong to and supplies a
// [Trait] that knows which field to use and how to order elements.
//
// There is no sentinel node; nil stands for both an empty subtree and the
// color black, same as a conventional Go implementation of CLRS's
// red-black tree.
package rbtree

// Color is a red-black tree node's color. The zero value is Black, which
// matches nil's implicit color.
type Color bool

const (
	Black Color = false
	Red   Color = true
)

// Linkage is the intrusive per-tree state embedded in an element. An
// element that must belong to N trees simultaneously embeds N of these,
// one per tree, exactly as extent_node_t unions mLinkBySize and
// mLinkByAddr in Extent.h.
type Linkage[T any] struct {
	left, right, parent *T
	color               Color
}

// Trait tells a [Tree] how to traverse and order a particular embedded
// Linkage field of T. Two Trees over the same T use two different Traits
// (see pkg/extent's bySize and byAddr), matching ExtentTreeSzTrait and
// ExtentTreeTrait in Extent.h.
type Trait[T any] interface {
	// Link returns the embedded Linkage this tree uses for n.
	Link(n *T) *Linkage[T]
	// Compare orders a relative to b: negative if a < b, zero if equal,
	// positive if a > b.
	Compare(a, b *T) int
}

// Tree is an intrusive red-black tree ordered by a Trait.
type Tree[T any] struct {
	trait Trait[T]
	root  *T
	count int
}

// New constructs an empty Tree ordered by trait.
func New[T any](trait Trait[T]) *Tree[T] {
	return &Tree[T]{trait: trait}
}

// Len returns the number of elements currently in the tree.
func (t *Tree[T]) Len() int { return t.count }

// Empty reports whether the tree has no elements.
func (t *Tree[T]) Empty() bool { return t.root == nil }

func (t *Tree[T]) link(n *T) *Linkage[T] {
	if n == nil {
		return nil
	}
	return t.trait.Link(n)
}

func (t *Tree[T]) colorOf(n *T) Color {
	if n == nil {
		return Black
	}
	return t.link(n).color
}

func (t *Tree[T]) setColor(n *T, c Color) {
	if n != nil {
		t.link(n).color = c
	}
}

func (t *Tree[T]) parentOf(n *T) *T {
	if n == nil {
		return nil
	}
	return t.link(n).parent
}

func (t *Tree[T]) leftOf(n *T) *T {
	if n == nil {
		return nil
	}
	return t.link(n).left
}

func (t *Tree[T]) rightOf(n *T) *T {
	if n == nil {
		return nil
	}
	return t.link(n).right
}

func (t *Tree[T]) setParent(n, p *T) {
	if n != nil {
		t.link(n).parent = p
	}
}

func (t *Tree[T]) setLeft(n, l *T) {
	if n != nil {
		t.link(n).left = l
	}
}

func (t *Tree[T]) setRight(n, r *T) {
	if n != nil {
		t.link(n).right = r
	}
}

func (t *Tree[T]) rotateLeft(x *T) {
	y := t.rightOf(x)
	t.setRight(x, t.leftOf(y))
	if t.leftOf(y) != nil {
		t.setParent(t.leftOf(y), x)
	}
	t.setParent(y, t.parentOf(x))
	if t.parentOf(x) == nil {
		t.root = y
	} else if x == t.leftOf(t.parentOf(x)) {
		t.setLeft(t.parentOf(x), y)
	} else {
		t.setRight(t.parentOf(x), y)
	}
	t.setLeft(y, x)
	t.setParent(x, y)
}

func (t *Tree[T]) rotateRight(x *T) {
	y := t.leftOf(x)
	t.setLeft(x, t.rightOf(y))
	if t.rightOf(y) != nil {
		t.setParent(t.rightOf(y), x)
	}
	t.setParent(y, t.parentOf(x))
	if t.parentOf(x) == nil {
		t.root = y
	} else if x == t.rightOf(t.parentOf(x)) {
		t.setRight(t.parentOf(x), y)
	} else {
		t.setLeft(t.parentOf(x), y)
	}
	t.setRight(y, x)
	t.setParent(x, y)
}

// Search returns the element comparing equal to key, or nil.
func (t *Tree[T]) Search(key *T) *T {
	n := t.root
	for n != nil {
		switch c := t.trait.Compare(key, n); {
		case c < 0:
			n = t.leftOf(n)
		case c > 0:
			n = t.rightOf(n)
		default:
			return n
		}
	}
	return nil
}

// First returns the smallest element >= key (a left-leaning lower bound),
// the shape extent allocation's "first fit in the size tree" search needs.
// It returns nil if every element is smaller than key.
func (t *Tree[T]) First(key *T) *T {
	n := t.root
	var best *T
	for n != nil {
		switch c := t.trait.Compare(key, n); {
		case c <= 0:
			best = n
			n = t.leftOf(n)
		default:
			n = t.rightOf(n)
		}
	}
	return best
}

// Last returns the largest element <= key, the mirror of First, used when
// coalescing an extent with its lower address-ordered neighbour.
func (t *Tree[T]) Last(key *T) *T {
	n := t.root
	var best *T
	for n != nil {
		switch c := t.trait.Compare(key, n); {
		case c >= 0:
			best = n
			n = t.rightOf(n)
		default:
			n = t.leftOf(n)
		}
	}
	return best
}

// Min returns the smallest element in the tree, or nil if empty.
func (t *Tree[T]) Min() *T { return t.min(t.root) }

func (t *Tree[T]) min(n *T) *T {
	if n == nil {
		return nil
	}
	for t.leftOf(n) != nil {
		n = t.leftOf(n)
	}
	return n
}

// Max returns the largest element in the tree, or nil if empty.
func (t *Tree[T]) Max() *T { return t.max(t.root) }

func (t *Tree[T]) max(n *T) *T {
	if n == nil {
		return nil
	}
	for t.rightOf(n) != nil {
		n = t.rightOf(n)
	}
	return n
}

// Next returns the in-order successor of n, or nil if n is the maximum.
func (t *Tree[T]) Next(n *T) *T {
	if t.rightOf(n) != nil {
		return t.min(t.rightOf(n))
	}
	p := t.parentOf(n)
	for p != nil && n == t.rightOf(p) {
		n = p
		p = t.parentOf(p)
	}
	return p
}

// Prev returns the in-order predecessor of n, or nil if n is the minimum.
func (t *Tree[T]) Prev(n *T) *T {
	if t.leftOf(n) != nil {
		return t.max(t.leftOf(n))
	}
	p := t.parentOf(n)
	for p != nil && n == t.leftOf(p) {
		n = p
		p = t.parentOf(p)
	}
	return p
}

// Insert adds n to the tree. n must not already belong to this tree, and
// its Linkage must be zero valued. Duplicate keys are allowed and placed
// after any existing equal elements, matching how mozjemalloc's rb.h
// treats ties between extents of equal size.
func (t *Tree[T]) Insert(n *T) {
	*t.link(n) = Linkage[T]{color: Red}

	var parent *T
	cur := t.root
	goLeft := false
	for cur != nil {
		parent = cur
		if t.trait.Compare(n, cur) < 0 {
			cur = t.leftOf(cur)
			goLeft = true
		} else {
			cur = t.rightOf(cur)
			goLeft = false
		}
	}

	t.setParent(n, parent)
	switch {
	case parent == nil:
		t.root = n
	case goLeft:
		t.setLeft(parent, n)
	default:
		t.setRight(parent, n)
	}

	t.insertFixup(n)
	t.count++
}

func (t *Tree[T]) insertFixup(z *T) {
	for t.colorOf(t.parentOf(z)) == Red {
		p := t.parentOf(z)
		gp := t.parentOf(p)
		if p == t.leftOf(gp) {
			u := t.rightOf(gp)
			if t.colorOf(u) == Red {
				t.setColor(p, Black)
				t.setColor(u, Black)
				t.setColor(gp, Red)
				z = gp
				continue
			}
			if z == t.rightOf(p) {
				z = p
				t.rotateLeft(z)
				p = t.parentOf(z)
				gp = t.parentOf(p)
			}
			t.setColor(p, Black)
			t.setColor(gp, Red)
			t.rotateRight(gp)
		} else {
			u := t.leftOf(gp)
			if t.colorOf(u) == Red {
				t.setColor(p, Black)
				t.setColor(u, Black)
				t.setColor(gp, Red)
				z = gp
				continue
			}
			if z == t.leftOf(p) {
				z = p
				t.rotateRight(z)
				p = t.parentOf(z)
				gp = t.parentOf(p)
			}
			t.setColor(p, Black)
			t.setColor(gp, Red)
			t.rotateLeft(gp)
		}
	}
	t.setColor(t.root, Black)
}

func (t *Tree[T]) transplant(u, v *T) {
	p := t.parentOf(u)
	switch {
	case p == nil:
		t.root = v
	case u == t.leftOf(p):
		t.setLeft(p, v)
	default:
		t.setRight(p, v)
	}
	t.setParent(v, p)
}

// Remove removes n from the tree. n must currently belong to this tree.
// After Remove returns, n's Linkage is reset to its zero value so n can be
// reinserted or inserted into a different tree.
func (t *Tree[T]) Remove(z *T) {
	y := z
	yOrigColor := t.colorOf(y)
	var x, xParent *T

	switch {
	case t.leftOf(z) == nil:
		x = t.rightOf(z)
		xParent = t.parentOf(z)
		t.transplant(z, t.rightOf(z))
	case t.rightOf(z) == nil:
		x = t.leftOf(z)
		xParent = t.parentOf(z)
		t.transplant(z, t.leftOf(z))
	default:
		y = t.min(t.rightOf(z))
		yOrigColor = t.colorOf(y)
		x = t.rightOf(y)
		if t.parentOf(y) == z {
			xParent = y
		} else {
			xParent = t.parentOf(y)
			t.transplant(y, t.rightOf(y))
			t.setRight(y, t.rightOf(z))
			t.setParent(t.rightOf(y), y)
		}
		t.transplant(z, y)
		t.setLeft(y, t.leftOf(z))
		t.setParent(t.leftOf(y), y)
		t.setColor(y, t.colorOf(z))
	}

	if yOrigColor == Black {
		t.removeFixup(x, xParent)
	}

	*t.link(z) = Linkage[T]{}
	t.count--
}

func (t *Tree[T]) removeFixup(x, parent *T) {
	for x != t.root && t.colorOf(x) == Black {
		if x == t.leftOf(parent) {
			w := t.rightOf(parent)
			if t.colorOf(w) == Red {
				t.setColor(w, Black)
				t.setColor(parent, Red)
				t.rotateLeft(parent)
				w = t.rightOf(parent)
			}
			if t.colorOf(t.leftOf(w)) == Black && t.colorOf(t.rightOf(w)) == Black {
				t.setColor(w, Red)
				x = parent
				parent = t.parentOf(x)
				continue
			}
			if t.colorOf(t.rightOf(w)) == Black {
				t.setColor(t.leftOf(w), Black)
				t.setColor(w, Red)
				t.rotateRight(w)
				w = t.rightOf(parent)
			}
			t.setColor(w, t.colorOf(parent))
			t.setColor(parent, Black)
			t.setColor(t.rightOf(w), Black)
			t.rotateLeft(parent)
			x = t.root
		} else {
			w := t.leftOf(parent)
			if t.colorOf(w) == Red {
				t.setColor(w, Black)
				t.setColor(parent, Red)
				t.rotateRight(parent)
				w = t.leftOf(parent)
			}
			if t.colorOf(t.rightOf(w)) == Black && t.colorOf(t.leftOf(w)) == Black {
				t.setColor(w, Red)
				x = parent
				parent = t.parentOf(x)
				continue
			}
			if t.colorOf(t.leftOf(w)) == Black {
				t.setColor(t.rightOf(w), Black)
				t.setColor(w, Red)
				t.rotateLeft(w)
				w = t.leftOf(parent)
			}
			t.setColor(w, t.colorOf(parent))
			t.setColor(parent, Black)
			t.setColor(t.leftOf(w), Black)
			t.rotateRight(parent)
			x = t.root
		}
	}
	t.setColor(x, Black)
}
