// Package dedup detects near-duplicate sections with MinHash/LSH so the
// expensive LLM stages run once per duplicate group.
package dedup

import (
	"encoding/binary"
	"strings"

	"github.com/zeebo/blake3"
)

// tokenize lowercases text and splits on whitespace. Token identity is a
// 64-bit blake3 prefix, which keeps the shingle set compact and cheap to
// permute.
func tokenize(text string) []uint64 {
	fields := strings.Fields(strings.ToLower(text))
	if len(fields) == 0 {
		return nil
	}
	seen := make(map[uint64]struct{}, len(fields))
	out := make([]uint64, 0, len(fields))
	for _, f := range fields {
		sum := blake3.Sum256([]byte(f))
		h := binary.LittleEndian.Uint64(sum[:8])
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	return out
}

// splitmix64 is the permutation mixer: a different seed per permutation
// turns one token hash into P independent hash families.
func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

// permutationSeeds derives p deterministic seeds so signatures are stable
// across runs and processes.
func permutationSeeds(p int) []uint64 {
	seeds := make([]uint64, p)
	s := uint64(0x1ead5eed)
	for i := range seeds {
		s = splitmix64(s)
		seeds[i] = s
	}
	return seeds
}

// signature computes the MinHash signature of a token set under the given
// permutation seeds. Returns nil for an empty token set.
func signature(tokens []uint64, seeds []uint64) []uint64 {
	if len(tokens) == 0 {
		return nil
	}
	sig := make([]uint64, len(seeds))
	for i, seed := range seeds {
		min := ^uint64(0)
		for _, tok := range tokens {
			h := splitmix64(tok ^ seed)
			if h < min {
				min = h
			}
		}
		sig[i] = min
	}
	return sig
}

// signatureSimilarity estimates Jaccard similarity as the fraction of
// matching signature slots.
func signatureSimilarity(a, b []uint64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	match := 0
	for i := range a {
		if a[i] == b[i] {
			match++
		}
	}
	return float64(match) / float64(len(a))
}
