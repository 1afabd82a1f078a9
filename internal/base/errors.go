// Copyright 2011 The LevelDB-Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package base defines the types shared by every layer of the storage
// engine: the stable value reference (Pos), the on-disk flag byte, id
// generation, the error taxonomy (§7) and the byte-ordering primitives used
// by the merge machinery (§4.8).
package base

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Kind classifies an error without pinning its exact formatting, mirroring
// the taxonomy in spec.md §7. Kind is attached to an error via errors.Mark
// so callers can branch on it with errors.Is without string matching.
type Kind int

const (
	KindIO Kind = iota
	KindAlignment
	KindCorruption
	KindNotOpen
	KindAlreadyOpen
	KindLocked
	KindDataTooLong
	KindCompact
	KindCheckpointCorrupt
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindAlignment:
		return "alignment"
	case KindCorruption:
		return "corruption"
	case KindNotOpen:
		return "not-open"
	case KindAlreadyOpen:
		return "already-open"
	case KindLocked:
		return "locked"
	case KindDataTooLong:
		return "data-too-long"
	case KindCompact:
		return "compact"
	case KindCheckpointCorrupt:
		return "checkpoint-corrupt"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// kindError is a sentinel carrying a Kind; every wrapped error built by this
// package marks itself with one via errors.Mark so errors.Is(err, KindX)
// works across package boundaries without exposing concrete error types.
type kindError struct{ kind Kind }

func (e *kindError) Error() string { return e.kind.String() }

var kindSentinels = map[Kind]error{
	KindIO:                &kindError{KindIO},
	KindAlignment:         &kindError{KindAlignment},
	KindCorruption:        &kindError{KindCorruption},
	KindNotOpen:           &kindError{KindNotOpen},
	KindAlreadyOpen:       &kindError{KindAlreadyOpen},
	KindLocked:            &kindError{KindLocked},
	KindDataTooLong:       &kindError{KindDataTooLong},
	KindCompact:           &kindError{KindCompact},
	KindCheckpointCorrupt: &kindError{KindCheckpointCorrupt},
	KindInternal:          &kindError{KindInternal},
}

// NewError builds an error of the given Kind with a formatted message.
func NewError(kind Kind, format string, args ...interface{}) error {
	return errors.Mark(fmt.Errorf(format, args...), kindSentinels[kind])
}

// WrapError wraps an underlying error (typically from os/syscall) with the
// given Kind and context, preserving the original error in the chain.
func WrapError(kind Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrapf(err, format, args...), kindSentinels[kind])
}

// ErrCorruption is a convenience constructor for the most common kind seen
// on the read path (§7: "Corruption. CRC mismatch, bad magic after resync,
// unrecoverable footer, unknown flag.").
func ErrCorruption(format string, args ...interface{}) error {
	return NewError(KindCorruption, format, args...)
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	return errors.Is(err, kindSentinels[kind])
}

// ErrNotFound is returned by Get when a key has no live value. Callers are
// free to ignore it, matching the teacher's db/internal.go doc comment.
var ErrNotFound = errors.New("jdb: not found")
