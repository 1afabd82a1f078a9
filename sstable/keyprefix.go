package sstable

// keyPrefix64 maps a key's first 8 bytes (zero-padded if shorter) to a u64
// for the PGM learned index, which only operates on integer keys (spec.md
// §4.9: "PGM index built over the u64-prefix of each first key"). Ties
// within the same 8-byte prefix are resolved by the surrounding ±epsilon
// search window plus the exact first-key binary search, not by this value
// alone.
func keyPrefix64(key []byte) uint64 {
	var buf [8]byte
	copy(buf[:], key)
	var v uint64
	for _, b := range buf {
		v = (v << 8) | uint64(b)
	}
	return v
}
