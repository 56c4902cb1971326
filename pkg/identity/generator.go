package identity

import "unicode/utf16"

const (
	// lehmerModulus is the Mersenne prime 2^31-1.
	lehmerModulus = 0x7fffffff
	// lehmerMultiplier is the MINSTD multiplier.
	lehmerMultiplier = 48271
	// seedMask keeps the string hash to 28 bits.
	seedMask = 0xfffffff
)

// Generator is a deterministic Lehmer (MINSTD) pseudo-random generator.
//
// Seed derivation: the seed string is walked as UTF-16 code units and folded
// with h = (h*31 + unit) & 0xfffffff starting from h = 0. Each Float64 call
// advances h = (h*48271) mod (2^31-1) and returns h / (2^31-1).
//
// A seed that hashes to zero yields zero forever; that is accepted, the output
// only picks cosmetic words.
type Generator struct {
	state uint64
}

// NewGenerator returns a generator seeded from s.
func NewGenerator(s string) *Generator {
	var h uint64
	for _, unit := range utf16.Encode([]rune(s)) {
		h = (h*31 + uint64(unit)) & seedMask
	}
	return &Generator{state: h}
}

// Float64 returns the next value in [0, 1).
func (g *Generator) Float64() float64 {
	g.state = (g.state * lehmerMultiplier) % lehmerModulus
	return float64(g.state) / lehmerModulus
}

// Intn returns the next value in [0, n). n must be positive.
func (g *Generator) Intn(n int) int {
	return int(g.Float64() * float64(n))
}
