package types

import (
	"crypto/sha256"
	"encoding/binary"
)

// Body is the list of opaque extrinsics in a block.
type Body [][]byte

// Root computes the commitment to the body that block headers carry in
// ExtrinsicsRoot.
func (b Body) Root() Hash {
	h := sha256.New()
	var lenBuf [8]byte
	for _, tx := range b {
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(tx)))
		h.Write(lenBuf[:])
		h.Write(tx)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// Justification is an opaque finality proof attached to a block.
type Justification []byte

// BlockData is a single block entry in a block response. Fields other than
// Hash are present only when the matching request asked for them.
type BlockData struct {
	Hash          Hash
	Header        *Header
	Body          Body
	Justification Justification
}
