// Package idrange implements the 96-bit unsigned-integer arithmetic the
// partitioned reduce engine uses to split a MongoDB ObjectID space into
// contiguous, non-overlapping ranges.
package idrange

import (
	"math/big"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Range is a half-open [Start, End) interval of the 96-bit identifier
// space. Open is true for the final range, whose End is meaningless and
// must not be applied as an upper bound (so no document is missed).
type Range struct {
	Index int
	Start *big.Int
	End   *big.Int
	Open  bool
}

// FromObjectID interprets a MongoDB ObjectID's 12 bytes as a big-endian
// 96-bit unsigned integer.
func FromObjectID(id primitive.ObjectID) *big.Int {
	return new(big.Int).SetBytes(id[:])
}

// ToObjectID reconstructs an ObjectID from a 96-bit unsigned integer,
// padding with leading zeros or masking to the low 96 bits on overflow.
func ToObjectID(n *big.Int) primitive.ObjectID {
	mod := new(big.Int).Lsh(big.NewInt(1), 96)
	masked := new(big.Int).Mod(n, mod)
	b := masked.Bytes()
	var out primitive.ObjectID
	// b is big-endian, right-aligned into the 12-byte array.
	copy(out[12-len(b):], b)
	return out
}

// Build splits [min, max] inclusive into k equal-sized contiguous
// ranges. Ranges cover [min, max] with no overlap and no gap:
// ranges[0].Start == min, ranges[i].End == ranges[i+1].Start, and the
// last range is open-ended so no upper bound is missed. When max < min
// the result is empty. When k <= 1, a single open-ended range at min is
// returned (covers everything).
func Build(min, max *big.Int, k int) []Range {
	if max.Cmp(min) < 0 {
		return nil
	}
	if k < 1 {
		k = 1
	}
	if k == 1 {
		return []Range{{Index: 0, Start: min, Open: true}}
	}

	span := new(big.Int).Sub(max, min)
	span.Add(span, big.NewInt(1)) // inclusive span size
	step := new(big.Int).Div(span, big.NewInt(int64(k)))
	if step.Sign() == 0 {
		step = big.NewInt(1)
	}

	ranges := make([]Range, 0, k)
	cur := new(big.Int).Set(min)
	for i := 0; i < k; i++ {
		if i == k-1 {
			ranges = append(ranges, Range{Index: i, Start: cur, Open: true})
			break
		}
		next := new(big.Int).Add(cur, step)
		if next.Cmp(max) > 0 {
			next = new(big.Int).Add(max, big.NewInt(1))
		}
		ranges = append(ranges, Range{Index: i, Start: cur, End: next, Open: false})
		cur = next
		if cur.Cmp(max) > 0 {
			// Remaining ranges, if any, collapse to empty tails appended
			// here before leaving the loop; callers treat them as
			// producing no rows.
			for j := i + 1; j < k; j++ {
				ranges = append(ranges, Range{Index: j, Start: new(big.Int).Set(cur), End: new(big.Int).Set(cur), Open: false})
			}
			ranges[len(ranges)-1].Open = true
			break
		}
	}
	return ranges
}
