package arena

import (
	"crypto/rand"
	"encoding/binary"
)

// prng is a 128-bit xorshift generator, used to randomize bin region
// selection (spec.md §9 "Randomized small-object placement"). It is not
// required to be cryptographically strong; crypto/rand only seeds it.
type prng struct {
	s [2]uint64
}

func newPRNG() *prng {
	var seed [16]byte
	if _, err := rand.Read(seed[:]); err != nil {
		// Fall back to a fixed, non-zero seed; xorshift128+ only requires
		// the state not be all zero.
		binary.LittleEndian.PutUint64(seed[:8], 0x9e3779b97f4a7c15)
		binary.LittleEndian.PutUint64(seed[8:], 0xbf58476d1ce4e5b9)
	}
	p := &prng{}
	p.s[0] = binary.LittleEndian.Uint64(seed[:8])
	p.s[1] = binary.LittleEndian.Uint64(seed[8:])
	if p.s[0] == 0 && p.s[1] == 0 {
		p.s[0] = 1
	}
	return p
}

// next returns the next 64-bit xorshift128+ output.
func (p *prng) next() uint64 {
	x := p.s[0]
	y := p.s[1]
	p.s[0] = y
	x ^= x << 23
	x ^= x >> 17
	x ^= y ^ (y >> 26)
	p.s[1] = x
	return x + y
}

// prngUint32 lazily initializes the arena's PRNG on first use (spec.md §9:
// "lazily initialized the first time an arena needs randomized placement,
// guarded so concurrent first-use doesn't double-init") and returns its
// next 32-bit output. Callers must hold a.mu.
func (a *Arena) prngUint32() uint32 {
	a.prngInit.Do(func() { a.prng = newPRNG() })
	return uint32(a.prng.next())
}
