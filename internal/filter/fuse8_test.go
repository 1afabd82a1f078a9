package filter

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFilterNoFalseNegatives(t *testing.T) {
	hashes := make([]uint64, 0, 2000)
	for i := 0; i < 2000; i++ {
		hashes = append(hashes, Hash64([]byte{byte(i), byte(i >> 8), byte(i >> 16)}))
	}
	f := Build(hashes)
	for _, h := range hashes {
		require.True(t, f.Contains(h))
	}
}

func TestFilterFalsePositiveRateBounded(t *testing.T) {
	hashes := make([]uint64, 0, 5000)
	present := make(map[uint64]bool, 5000)
	for i := 0; i < 5000; i++ {
		h := Hash64([]byte{byte(i), byte(i >> 8), byte(i >> 16), 0xAA})
		hashes = append(hashes, h)
		present[h] = true
	}
	f := Build(hashes)

	fp := 0
	const trials = 20000
	for i := 0; i < trials; i++ {
		h := Hash64([]byte{byte(i), byte(i >> 8), byte(i >> 16), 0xBB})
		if present[h] {
			continue
		}
		if f.Contains(h) {
			fp++
		}
	}
	require.Less(t, float64(fp)/float64(trials), 0.05)
}

func TestFilterEncodeDecodeRoundTrip(t *testing.T) {
	hashes := []uint64{Hash64([]byte("a")), Hash64([]byte("b")), Hash64([]byte("c"))}
	f := Build(hashes)
	decoded := Decode(f.Encode())
	for _, h := range hashes {
		require.True(t, decoded.Contains(h))
	}
}
