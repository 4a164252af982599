// Package wireutil holds the small binary-framing helpers shared by the
// four reliable-delivery modules: little-endian sequence-index encoding and
// SHA-1 payload hashing. Tag bytes are defined by each module itself. The manual byte-slicing style
// mirrors stream/stream.go's rxFrameID/txFrameID helpers, which hand-roll
// binary.BigEndian framing rather than reach for a generic codec — the
// wire formats here are likewise fixed layouts mandated by the protocol,
// not free-form serialization.
package wireutil

import (
	"crypto/sha1"
	"encoding/binary"
)

// HashSize is the length in bytes of a SHA-1 payload hash.
const HashSize = sha1.Size

// Hash returns SHA-1(payload).
func Hash(payload []byte) [HashSize]byte {
	return sha1.Sum(payload)
}

// PutUint32 appends idx to dst as 4 little-endian bytes.
func PutUint32(dst []byte, idx uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], idx)
	return append(dst, b[:]...)
}

// Uint32 reads a little-endian uint32 from the front of b.
func Uint32(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b)
}
