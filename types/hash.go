package types

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// HashSize is the size in bytes of a block hash.
const HashSize = 32

// Hash is a fixed-size block hash.
type Hash [HashSize]byte

// HashFromBytes converts a byte slice into a Hash.
func HashFromBytes(bz []byte) (Hash, error) {
	var h Hash
	if len(bz) != HashSize {
		return h, fmt.Errorf("invalid hash length: got %d, want %d", len(bz), HashSize)
	}
	copy(h[:], bz)
	return h, nil
}

// HashFromHex parses a hex-encoded hash, with or without a 0x prefix.
func HashFromHex(s string) (Hash, error) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	bz, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, err
	}
	return HashFromBytes(bz)
}

// Bytes returns the hash as a byte slice.
func (h Hash) Bytes() []byte { return h[:] }

// IsZero reports whether the hash is all zeroes.
func (h Hash) IsZero() bool { return h == Hash{} }

func (h Hash) String() string {
	return fmt.Sprintf("%X", h[:])
}

// ShortString returns an abbreviated form for logging.
func (h Hash) ShortString() string {
	return fmt.Sprintf("%X", h[:4])
}

// Equal reports whether two hashes are the same.
func (h Hash) Equal(other Hash) bool {
	return bytes.Equal(h[:], other[:])
}
