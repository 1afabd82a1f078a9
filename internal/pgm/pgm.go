// Package pgm implements a piecewise-linear learned index over a sorted
// sequence of u64 keys (spec.md §4.9, §4.10: "PGM index built over the
// u64-prefix of each first key with epsilon (default 32)"). Learned-index
// construction is named in spec.md §1 as out of scope beyond the contract
// the SSTable reader needs — Build/Predict satisfying the ±epsilon bound —
// so this is a compact, from-scratch greedy segmentation (the same family
// as the original PGM-index's "shrinking cone" construction) rather than a
// port of any specific reference implementation.
package pgm

import (
	"encoding/binary"
	"math"
)

func float64bits(f float64) uint64    { return math.Float64bits(f) }
func float64frombits(b uint64) float64 { return math.Float64frombits(b) }

// segment is one linear model y ≈ slope*(x-firstKey) + intercept, valid
// for keys in [firstKey, nextFirstKey).
type segment struct {
	firstKey  uint64
	slope     float64
	intercept float64
}

// Index predicts, for any query key, a position interval guaranteed to
// contain the key's true index in the original sorted sequence (assuming
// the query key is one of the sequence's keys), within ±epsilon.
type Index struct {
	epsilon  uint32
	segments []segment
	n        int // length of the original sequence, for clamping
}

// Build constructs an index over keys, which must be sorted ascending.
// epsilon bounds the prediction error (spec.md default 32).
func Build(keys []uint64, epsilon uint32) *Index {
	idx := &Index{epsilon: epsilon, n: len(keys)}
	if len(keys) == 0 {
		return idx
	}
	eps := float64(epsilon)

	i := 0
	for i < len(keys) {
		start := i
		firstKey := keys[start]
		if start == len(keys)-1 {
			idx.segments = append(idx.segments, segment{firstKey: firstKey, slope: 0, intercept: float64(start)})
			break
		}
		// Shrinking-cone greedy PLA: grow the segment while a single
		// line can pass through every (key, position) pair seen so far
		// within ±eps.
		loSlope := -1e18
		hiSlope := 1e18
		j := start + 1
		for ; j < len(keys); j++ {
			dx := float64(keys[j] - firstKey)
			if dx == 0 {
				continue // duplicate key, same position constraint
			}
			dyLo := float64(j-start) - eps
			dyHi := float64(j-start) + eps
			sLo := dyLo / dx
			sHi := dyHi / dx
			newLo := loSlope
			if sLo > newLo {
				newLo = sLo
			}
			newHi := hiSlope
			if sHi < newHi {
				newHi = sHi
			}
			if newLo > newHi {
				break // this point breaks the cone; close the segment before j
			}
			loSlope, hiSlope = newLo, newHi
		}
		slope := 0.0
		if loSlope > -1e18 && hiSlope < 1e18 {
			slope = (loSlope + hiSlope) / 2
		} else if loSlope > -1e18 {
			slope = loSlope
		} else if hiSlope < 1e18 {
			slope = hiSlope
		}
		idx.segments = append(idx.segments, segment{firstKey: firstKey, slope: slope, intercept: float64(start)})
		i = j
	}
	return idx
}

// Predict returns [lo, hi], an inclusive index range guaranteed to
// contain key's true position if key is present in the sequence Build was
// called with. Callers binary-search within this range.
func (idx *Index) Predict(key uint64) (lo, hi int) {
	if len(idx.segments) == 0 {
		return 0, 0
	}
	s := idx.segmentFor(key)
	pos := s.slope*float64(int64(key)-int64(s.firstKey)) + s.intercept
	eps := float64(idx.epsilon)
	lo = clamp(int(pos-eps), 0, idx.n-1)
	hi = clamp(int(pos+eps)+1, 0, idx.n-1)
	return lo, hi
}

func (idx *Index) segmentFor(key uint64) segment {
	// Segments are ordered by firstKey ascending; binary search for the
	// last segment whose firstKey <= key.
	i, j := 0, len(idx.segments)
	for i < j {
		mid := (i + j) / 2
		if idx.segments[mid].firstKey <= key {
			i = mid + 1
		} else {
			j = mid
		}
	}
	if i == 0 {
		return idx.segments[0]
	}
	return idx.segments[i-1]
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Encode serializes the index as a flat array of (firstKey, slopeBits,
// interceptBits) triples prefixed by epsilon, n and segment count.
func Encode(idx *Index) []byte {
	buf := make([]byte, 16+len(idx.segments)*24)
	binary.LittleEndian.PutUint32(buf[0:4], idx.epsilon)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(idx.n))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(len(idx.segments)))
	off := 16
	for _, s := range idx.segments {
		binary.LittleEndian.PutUint64(buf[off:off+8], s.firstKey)
		binary.LittleEndian.PutUint64(buf[off+8:off+16], float64bits(s.slope))
		binary.LittleEndian.PutUint64(buf[off+16:off+24], float64bits(s.intercept))
		off += 24
	}
	return buf
}

// Decode parses an index previously produced by Encode.
func Decode(buf []byte) *Index {
	idx := &Index{
		epsilon: binary.LittleEndian.Uint32(buf[0:4]),
		n:       int(binary.LittleEndian.Uint32(buf[4:8])),
	}
	count := int(binary.LittleEndian.Uint64(buf[8:16]))
	idx.segments = make([]segment, count)
	off := 16
	for i := 0; i < count; i++ {
		idx.segments[i] = segment{
			firstKey:  binary.LittleEndian.Uint64(buf[off : off+8]),
			slope:     float64frombits(binary.LittleEndian.Uint64(buf[off+8 : off+16])),
			intercept: float64frombits(binary.LittleEndian.Uint64(buf[off+16 : off+24])),
		}
		off += 24
	}
	return idx
}

// EncodedSize returns the byte length Encode will produce for an index
// with segmentCount linear segments (see SegmentCount).
func EncodedSize(segmentCount int) int {
	return 16 + segmentCount*24
}

// SegmentCount reports how many linear segments the index currently has,
// for sizing the footer's index-size field after Build.
func (idx *Index) SegmentCount() int { return len(idx.segments) }
