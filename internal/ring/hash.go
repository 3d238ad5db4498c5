// Package ring provides the Chord identifier-space primitives: hashing
// names and keys onto the ring, and clockwise interval membership tests.
package ring

import (
	"crypto/sha1"
	"math/big"
)

// M is the number of bits in the ring identifier space, giving an
// identifier space of [0, 2^M). The reference deployment uses 8, for
// an identifier space of [0, 256).
const M = 8

// Size is the number of distinct ring identifiers, 2^M.
const Size = 1 << M

// ID is a ring identifier in [0, Size).
type ID int

// Hash maps an arbitrary UTF-8 string onto the ring by computing its
// SHA-1 digest and reducing it to the low M bits. For M=8 this is
// exactly "take the last byte of the digest"; for other M it falls
// back to the general low-bit-slice, since the single-byte shortcut
// only holds up to a byte's width.
func Hash(name string) ID {
	h := sha1.Sum([]byte(name))

	if M <= 8 {
		return ID(int(h[len(h)-1]) & (Size - 1))
	}

	// General case: take the low M bits of the digest, digest read
	// most-significant-byte first.
	n := new(big.Int).SetBytes(h[:])
	mod := big.NewInt(int64(Size))
	return ID(new(big.Int).Mod(n, mod).Int64())
}
