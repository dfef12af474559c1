package mozalloc

import (
	"os"
	"strconv"

	"github.com/flier/mozalloc/pkg/untrust"
)

// envOptions reads MOZALLOC_OPTIONS from the process environment, the
// conventional source for Default's configuration.
func envOptions() string {
	return os.Getenv("MOZALLOC_OPTIONS")
}

// Options holds the process-wide configuration parsed from MOZALLOC_OPTIONS,
// conventionally sourced from an environment variable of the same name.
type Options struct {
	DirtyMaxShift int  // net number of halve(-)/double(+) operations applied to dirty_max.
	Junk          bool // fill freed memory with a poison byte.
	Zero          bool // zero-fill newly allocated memory.
	Poison        int  // cache lines of poison to write on free; 0 = none, <0 = all.
	PageShift     int  // multiply the runtime page size by 2^PageShift.
	RandomizeBins bool
}

// DefaultOptions matches mozjemalloc's build defaults: no junk/zero fill,
// no poisoning, randomized bin placement off, runtime page size untouched.
func DefaultOptions() Options {
	return Options{}
}

// ParseOptions parses a MOZALLOC_OPTIONS-shaped string: a sequence of
// single-letter options, each optionally preceded by a decimal prefix.
// Unknown letters and malformed prefixes are skipped rather than
// rejected, matching mozjemalloc's permissive scanner (a typo in an env
// var should never crash process startup).
//
// Scanning goes through an [untrust.Reader] over the raw option string: a
// process's MOZALLOC_OPTIONS is as untrusted as any other external input,
// and the reader's ReadByte/AtEnd already give a panic-free forward cursor
// instead of another hand-rolled index walk.
func ParseOptions(s string) Options {
	o := DefaultOptions()

	r := untrust.NewReader(untrust.Input(s))
	for !r.AtEnd() {
		var digits []byte
		var c byte
		for {
			b, err := r.ReadByte()
			if err != nil {
				// Trailing digits with no following letter carry no option.
				return o
			}
			if b >= '0' && b <= '9' {
				digits = append(digits, b)
				continue
			}
			c = b
			break
		}

		hasPrefix := len(digits) > 0
		n := 1
		if hasPrefix {
			if v, err := strconv.Atoi(string(digits)); err == nil {
				n = v
			}
		}

		applyOption(&o, c, n, hasPrefix)
	}

	return o
}

func applyOption(o *Options, c byte, n int, hasPrefix bool) {
	switch c {
	case 'f':
		o.DirtyMaxShift -= n
	case 'F':
		o.DirtyMaxShift += n
	case 'j':
		o.Junk = false
	case 'J':
		o.Junk = true
	case 'q':
		if hasPrefix {
			o.Poison = n
		} else {
			o.Poison = 0
		}
	case 'Q':
		o.Poison = -1
	case 'z':
		o.Zero = false
	case 'Z':
		o.Zero = true
	case 'P':
		o.PageShift = n
	case 'r':
		o.RandomizeBins = false
	case 'R':
		o.RandomizeBins = true
	}
}
