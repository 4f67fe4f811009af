// Package versiongateway holds the digests shared by the gateway packages: the salted
// client-address digest used in ping keys and the BLAKE3 body digest used for ETags.
package versiongateway

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// HashIP returns the lowercase hex SHA-256 digest of ip concatenated with salt.
//
// The result is deterministic for a given salt, cannot be reversed to the
// address, and contains only [0-9a-f] so it is safe inside a delimited key.
// The ip is not validated; empty or malformed values are hashed as-is.
func HashIP(ip, salt string) string {
	sum := sha256.Sum256([]byte(ip + salt))
	return hex.EncodeToString(sum[:])
}

// DigestSize is the size of a BLAKE3 digest in bytes (256 bits).
const DigestSize = 32

// Digest is a BLAKE3 256-bit digest of a response body.
type Digest [DigestSize]byte

// DigestBytes computes the BLAKE3 digest of data.
func DigestBytes(data []byte) Digest {
	return Digest(blake3.Sum256(data))
}

// String returns the hex-encoded digest.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// ShortString returns the first 8 bytes hex-encoded.
func (d Digest) ShortString() string {
	return hex.EncodeToString(d[:8])
}

// ETag returns the digest as a strong entity tag, quoted per RFC 9110.
func (d Digest) ETag() string {
	return `"` + d.ShortString() + `"`
}
