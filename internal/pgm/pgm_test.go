package pgm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPredictWithinEpsilon(t *testing.T) {
	keys := make([]uint64, 0, 1000)
	for i := 0; i < 1000; i++ {
		keys = append(keys, uint64(i*7))
	}
	idx := Build(keys, 16)

	for truePos, k := range keys {
		lo, hi := idx.Predict(k)
		require.LessOrEqual(t, lo, truePos)
		require.GreaterOrEqual(t, hi, truePos)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	keys := []uint64{10, 20, 30, 45, 90, 91, 200}
	idx := Build(keys, 8)
	decoded := Decode(Encode(idx))
	for truePos, k := range keys {
		lo, hi := decoded.Predict(k)
		require.LessOrEqual(t, lo, truePos)
		require.GreaterOrEqual(t, hi, truePos)
	}
}
