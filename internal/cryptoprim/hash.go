/*
Package cryptoprim provides the cryptographic primitives used by the
commitment tree, the account journal, and the FROST ceremonies: BLAKE3
domain-separated hashing, Ed25519 sign/verify, HKDF key derivation, and
AEAD symmetric encryption. FROST itself lives in the frost subpackage.

All hashing in this package is domain separated: every hash input begins
with a fixed ASCII tag so that a hash computed for one purpose (say, a
leaf commitment) can never collide in meaning with a hash computed for
another (say, a signable event hash), even if the remaining bytes match.
*/
package cryptoprim

import (
	"encoding/binary"

	"github.com/zeebo/blake3"
)

// HashSize is the output size of every hash in this package.
const HashSize = 32

// Hash32 is a fixed-size BLAKE3 digest.
type Hash32 [HashSize]byte

// Hasher accumulates domain-separated input before finalizing a Hash32.
// It exists so callers can build up a commitment without allocating an
// intermediate byte slice for every field.
type Hasher struct {
	h *blake3.Hasher
}

// NewHasher starts a hash accumulation tagged with domain.
func NewHasher(domain string) *Hasher {
	h := blake3.New()
	h.Write([]byte(domain))
	return &Hasher{h: h}
}

func (h *Hasher) WriteBytes(b []byte) *Hasher {
	h.h.Write(b)
	return h
}

func (h *Hasher) WriteU16(v uint16) *Hasher {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	h.h.Write(buf[:])
	return h
}

func (h *Hasher) WriteU32(v uint32) *Hasher {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	h.h.Write(buf[:])
	return h
}

func (h *Hasher) WriteU64(v uint64) *Hasher {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	h.h.Write(buf[:])
	return h
}

func (h *Hasher) Sum() Hash32 {
	var out Hash32
	digest := h.h.Sum(nil)
	copy(out[:], digest)
	return out
}

// Sum32 is a one-shot domain-separated hash of one or more byte slices.
func Sum32(domain string, data ...[]byte) Hash32 {
	h := NewHasher(domain)
	for _, d := range data {
		h.WriteBytes(d)
	}
	return h.Sum()
}
