package dedup

import (
	"encoding/binary"
	"math"

	"github.com/zeebo/blake3"
)

// bandingFor picks the band count whose S-curve threshold (1/b)^(1/r) sits
// closest to the requested Jaccard threshold, among band counts dividing
// the permutation count.
func bandingFor(perms int, threshold float64) (bands, rows int) {
	bestBands := 1
	bestDiff := math.Inf(1)
	for b := 1; b <= perms; b++ {
		if perms%b != 0 {
			continue
		}
		r := perms / b
		curve := math.Pow(1/float64(b), 1/float64(r))
		diff := math.Abs(curve - threshold)
		if diff < bestDiff {
			bestDiff = diff
			bestBands = b
		}
	}
	return bestBands, perms / bestBands
}

// lshIndex buckets signatures band by band. Two signatures agreeing on any
// full band become a candidate pair, verified afterwards against the exact
// signature similarity.
type lshIndex struct {
	bands   int
	rows    int
	buckets []map[uint64][]int // one bucket map per band
}

func newLSHIndex(perms int, threshold float64) *lshIndex {
	bands, rows := bandingFor(perms, threshold)
	idx := &lshIndex{bands: bands, rows: rows}
	idx.buckets = make([]map[uint64][]int, bands)
	for i := range idx.buckets {
		idx.buckets[i] = map[uint64][]int{}
	}
	return idx
}

// add indexes signature sig under ordinal id and returns the set of
// previously added ordinals sharing at least one band bucket.
func (idx *lshIndex) add(id int, sig []uint64) []int {
	var candidates []int
	seen := map[int]struct{}{}
	buf := make([]byte, 8*idx.rows)
	for b := 0; b < idx.bands; b++ {
		for r := 0; r < idx.rows; r++ {
			binary.LittleEndian.PutUint64(buf[8*r:], sig[b*idx.rows+r])
		}
		sum := blake3.Sum256(buf)
		key := binary.LittleEndian.Uint64(sum[:8])
		for _, other := range idx.buckets[b][key] {
			if _, dup := seen[other]; dup {
				continue
			}
			seen[other] = struct{}{}
			candidates = append(candidates, other)
		}
		idx.buckets[b][key] = append(idx.buckets[b][key], id)
	}
	return candidates
}
