package wal

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/jdb-go/jdb/internal/base"
	"github.com/jdb-go/jdb/internal/vfs"
)

// A companion blob file holds exactly one value whose encoded size exceeds
// Options.InfileMax (spec.md §4.6: "values above the inline threshold are
// written to a companion file under bin/, one value per file, named by its
// own generated id"). Layout: len(4) | crc32(4) | payload(len).
//
// One value per file keeps GC trivial: a blob becomes garbage exactly when
// its owning key is superseded or deleted, and is reclaimed by simply
// unlinking the file (§4.14), with no compaction of the blob directory
// itself required.

const blobHeaderSize = 8

func blobPath(dir string, fileID uint64) string {
	return dir + "/bin/" + base.EncodeID(fileID) + ".blob"
}

func writeBlob(dir string, fileID uint64, payload []byte) error {
	path := blobPath(dir, fileID)
	aw, err := vfs.CreateAtomic(path)
	if err != nil {
		return err
	}
	var hdr [blobHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(hdr[4:8], crc32.ChecksumIEEE(payload))
	if _, err := aw.Write(hdr[:]); err != nil {
		aw.Abort()
		return err
	}
	if _, err := aw.Write(payload); err != nil {
		aw.Abort()
		return err
	}
	return aw.Rename()
}

func readBlob(dir string, fileID uint64) ([]byte, error) {
	path := blobPath(dir, fileID)
	f, err := vfs.OpenRead(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var hdr [blobHeaderSize]byte
	if err := vfs.ReadAt(f, hdr[:], 0); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[0:4])
	wantCRC := binary.LittleEndian.Uint32(hdr[4:8])
	payload := make([]byte, n)
	if n > 0 {
		if err := vfs.ReadAt(f, payload, blobHeaderSize); err != nil {
			return nil, err
		}
	}
	if crc32.ChecksumIEEE(payload) != wantCRC {
		return nil, base.ErrCorruption("blob %s: crc mismatch", path)
	}
	return payload, nil
}

func removeBlob(dir string, fileID uint64) error {
	return vfs.Remove(blobPath(dir, fileID))
}
