// Package chunkstore implements the on-disk pool of compressed,
// content-addressed chunks for a single repository.
package chunkstore

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/spaolacci/murmur3"
)

// HashSize is the width in bytes of a chunk's content fingerprint.
const HashSize = 16

// Hash is a chunk's content fingerprint: a 128-bit, non-cryptographic
// but collision-resistant digest of its uncompressed bytes. It is a
// fingerprint for deduplication, not a security primitive.
type Hash string

// ComputeHash returns the fingerprint of data. The two MurmurHash3_x64_128
// words are packed little-endian, matching the reference implementation's
// native word layout (and the upstream Python backup tool's mmh3.hash_bytes,
// which dumps those same words via memcpy) so chunk names stay stable
// against the format this repository's layout was distilled from.
func ComputeHash(data []byte) Hash {
	h1, h2 := murmur3.Sum128(data)
	buf := make([]byte, HashSize)
	binary.LittleEndian.PutUint64(buf[0:8], h1)
	binary.LittleEndian.PutUint64(buf[8:16], h2)
	return Hash(hex.EncodeToString(buf))
}
