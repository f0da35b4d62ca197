// Package checksum computes the integrity trailer carried by checksummed
// frames. The digest is blake3 truncated to 8 bytes: fixed-size on the wire,
// and computed over the body exactly as transmitted (after compression), so a
// receiver can detect corruption without decompressing first.
package checksum

import (
	"crypto/subtle"

	"github.com/glycerine/blake3"
)

// Size is the trailer width in bytes.
const Size = 8

// Sum returns the 8-byte checksum of body.
func Sum(body []byte) []byte {
	h := blake3.New(64, nil)
	h.Write(body)
	return h.Sum(nil)[:Size]
}

// Verify reports whether sum matches body. A sum of the wrong length never
// verifies.
func Verify(body, sum []byte) bool {
	if len(sum) != Size {
		return false
	}
	return subtle.ConstantTimeCompare(Sum(body), sum) == 1
}
