// Package sketch implements the approximate distinct-account cardinality
// estimator used by the rollups partition's CountsCell. It is a small
// HyperLogLog-style register sketch: fixed-size, mergeable by taking the
// element-wise max of two sketches' registers, and seeded by a
// process-lifetime secret so that two independently-seeded engines never
// produce comparable hashes (deterring collision/reconstruction attacks
// against the estimate).
//
// No library in the reference corpus implements cardinality sketches, so
// this is hand-rolled against the standard HyperLogLog construction
// (Flajolet et al.), using bits.LeadingZeros64 for the rank function and
// cespare/xxhash/v2 — already present in the dependency graph via the
// ClickHouse driver chain and erigon-lib — as the seeded hash.
package sketch

import (
	"math"
	"math/bits"

	"github.com/cespare/xxhash/v2"
)

// precision controls the register count: m = 2^precision.
const precision = 10

// m is the number of registers (1024), fixed for the lifetime of the
// engine's on-disk format — changing it would invalidate every persisted
// CountsCell.
const m = 1 << precision

// alpha is the bias-correction constant for m=1024 registers, per the
// standard HyperLogLog derivation (0.7213/(1+1.079/m)).
const alpha = 0.7213 / (1 + 1.079/float64(m))

// Secret is the 16-byte process-lifetime seed written once at engine init
// and reused for every sketch for the life of the data directory.
type Secret [16]byte

// Sketch is a fixed-size register array. The zero value is an empty
// sketch (estimate 0) and is ready to use.
type Sketch struct {
	registers [m]uint8
}

// New returns an empty sketch.
func New() *Sketch {
	return &Sketch{}
}

func seedFromSecret(secret Secret) uint64 {
	var seed uint64
	for i := 0; i < 8; i++ {
		seed = seed<<8 | uint64(secret[i])
	}
	return seed
}

// Add folds a DID into the sketch under the given secret. Adding the same
// DID under the same secret multiple times is idempotent.
func (s *Sketch) Add(secret Secret, did string) {
	d := xxhash.NewWithSeed(seedFromSecret(secret))
	_, _ = d.WriteString(did)
	hi := d.Sum64()

	idx := hi & (m - 1)
	rest := hi >> precision
	// rest only ever occupies the low (64-precision) bits, since the top
	// `precision` bits were shifted away — so LeadingZeros64 always
	// reports at least `precision` leading zeros, which we subtract back
	// out to get the rank within the remaining bits.
	var rank uint8
	if rest != 0 {
		rank = uint8(bits.LeadingZeros64(rest)-precision) + 1
	} else {
		rank = uint8(64-precision) + 1
	}
	if s.registers[idx] < rank {
		s.registers[idx] = rank
	}
}

// Union merges other into s in place (element-wise max of registers).
// Union is commutative and idempotent, which is what lets live_counts
// cells be folded into an aggregate cell in any order.
func (s *Sketch) Union(other *Sketch) {
	if other == nil {
		return
	}
	for i := range s.registers {
		if other.registers[i] > s.registers[i] {
			s.registers[i] = other.registers[i]
		}
	}
}

// Clone returns an independent copy of s.
func (s *Sketch) Clone() *Sketch {
	c := *s
	return &c
}

// Estimate returns the deterministic distinct-count estimate, applying
// small-range linear-counting correction below the standard threshold.
func (s *Sketch) Estimate() uint64 {
	sum := 0.0
	zeros := 0
	for _, r := range s.registers {
		sum += 1.0 / float64(uint64(1)<<r)
		if r == 0 {
			zeros++
		}
	}
	raw := alpha * m * m / sum

	if raw <= 2.5*m && zeros > 0 {
		// Linear counting for the small-cardinality regime.
		return uint64(math.Round(float64(m) * math.Log(float64(m)/float64(zeros))))
	}
	return uint64(math.Round(raw))
}

// Bytes serializes the sketch to its fixed-size on-disk representation.
func (s *Sketch) Bytes() []byte {
	out := make([]byte, m)
	copy(out, s.registers[:])
	return out
}

// FromBytes decodes a sketch previously produced by Bytes. It returns an
// error if b is not exactly the fixed register width, which signals a
// corrupt or foreign CountsCell row.
func FromBytes(b []byte) (*Sketch, error) {
	if len(b) != m {
		return nil, ErrBadSketchLength
	}
	s := &Sketch{}
	copy(s.registers[:], b)
	return s, nil
}

// Len reports the serialized byte width of a sketch, for callers sizing
// buffers ahead of time.
func Len() int { return m }
