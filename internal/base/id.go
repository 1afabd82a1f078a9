// Copyright 2011 The LevelDB-Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package base

import (
	"encoding/base32"
	"strings"
	"sync/atomic"
	"time"
)

// crockfordAlphabet is the lower-case Crockford base32 alphabet used to
// render file ids as filenames (§6: "encoded via Crockford base32
// lower-case"). No library in the retrieval pack implements Crockford
// specifically; this is a one-line alphabet swap on the standard library's
// encoding/base32, which is the smallest faithful way to get this exact
// wire format without inventing a dependency (see DESIGN.md).
const crockfordAlphabet = "0123456789abcdefghjkmnpqrstvwxyz"

var crockfordEncoding = base32.NewEncoding(strings.ToUpper(crockfordAlphabet)).WithPadding(base32.NoPadding)

// IDGen produces monotonically increasing 64-bit ids with an embedded
// wall-clock-second prefix, per original_source/jdb_base/src/pos.rs and
// spec.md §3 ("version ... with embedded wall-clock second prefix for coarse
// ordering") and §6 ("64-bit monotone ids (wall-clock-second prefix ⊕
// sequence)"). A single IDGen is shared per-database instance.
type IDGen struct {
	seq atomic.Uint64
}

// Next returns a new id. The top 32 bits carry the current wall-clock
// second (truncated), XORed with a monotonic sequence counter in the low
// bits, so ids sort close to creation order while remaining strictly
// increasing even within the same second.
func (g *IDGen) Next() uint64 {
	sec := uint64(time.Now().Unix()) & 0xffffffff
	seq := g.seq.Add(1)
	return (sec << 32) ^ seq
}

// EncodeID renders an id as a lower-case Crockford base32 string suitable
// for use as a filename component.
func EncodeID(id uint64) string {
	var buf [8]byte
	buf[0] = byte(id >> 56)
	buf[1] = byte(id >> 48)
	buf[2] = byte(id >> 40)
	buf[3] = byte(id >> 32)
	buf[4] = byte(id >> 24)
	buf[5] = byte(id >> 16)
	buf[6] = byte(id >> 8)
	buf[7] = byte(id)
	return strings.ToLower(crockfordEncoding.EncodeToString(buf[:]))
}

// DecodeID parses a filename component produced by EncodeID.
func DecodeID(s string) (uint64, error) {
	b, err := crockfordEncoding.DecodeString(strings.ToUpper(s))
	if err != nil {
		return 0, err
	}
	if len(b) != 8 {
		return 0, ErrCorruption("malformed id %q", s)
	}
	var id uint64
	for _, c := range b {
		id = (id << 8) | uint64(c)
	}
	return id, nil
}
