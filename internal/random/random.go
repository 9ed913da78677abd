// Package random holds the draw engine: an unbiased integer source backed by
// crypto/rand and the shuffle and selection helpers built on it.
package random

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Intn produces integers in [0, n).
type Intn interface {
	NextInt(n int) int
}

// Source draws unbiased integers from a strong byte stream.
type Source struct {
	r io.Reader
}

// New wraps r. Reads must be safe for concurrent use if the Source is shared.
func New(r io.Reader) *Source {
	return &Source{r: r}
}

// Default reads from crypto/rand.
var Default = New(crand.Reader)

// NextInt returns a uniformly distributed integer in [0, n).
// Values in the tail beyond the largest multiple of n below 2^32 are
// rejected and redrawn so v%n carries no modulo bias. n <= 0 returns 0.
func (s *Source) NextInt(n int) int {
	if n <= 0 {
		return 0
	}
	if uint64(n) > math.MaxUint32 {
		n = math.MaxUint32
	}
	bound := uint64(n)
	limit := (1 << 32) - (1<<32)%bound
	var buf [4]byte
	for {
		if _, err := io.ReadFull(s.r, buf[:]); err != nil {
			// crypto/rand.Int panics on the same condition.
			panic(fmt.Sprintf("random: read entropy: %v", err))
		}
		v := uint64(binary.BigEndian.Uint32(buf[:]))
		if v < limit {
			return int(v % bound)
		}
	}
}
