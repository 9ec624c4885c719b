package types

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
)

// Header is a block header.
type Header struct {
	ParentHash     Hash
	Number         uint64
	StateRoot      Hash
	ExtrinsicsRoot Hash
	Digest         []byte
}

// Hash computes the header hash over the canonical encoding.
func (h *Header) Hash() Hash {
	return sha256.Sum256(h.Bytes())
}

// Bytes returns the canonical binary encoding of the header.
func (h *Header) Bytes() []byte {
	buf := make([]byte, 0, 3*HashSize+8+8+len(h.Digest))
	buf = append(buf, h.ParentHash[:]...)
	buf = binary.BigEndian.AppendUint64(buf, h.Number)
	buf = append(buf, h.StateRoot[:]...)
	buf = append(buf, h.ExtrinsicsRoot[:]...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(len(h.Digest)))
	buf = append(buf, h.Digest...)
	return buf
}

// HeaderFromBytes decodes a header from its canonical encoding.
func HeaderFromBytes(bz []byte) (*Header, error) {
	const fixed = 3*HashSize + 8 + 8
	if len(bz) < fixed {
		return nil, errors.New("header bytes too short")
	}
	h := &Header{}
	copy(h.ParentHash[:], bz[:HashSize])
	bz = bz[HashSize:]
	h.Number = binary.BigEndian.Uint64(bz[:8])
	bz = bz[8:]
	copy(h.StateRoot[:], bz[:HashSize])
	bz = bz[HashSize:]
	copy(h.ExtrinsicsRoot[:], bz[:HashSize])
	bz = bz[HashSize:]
	digestLen := binary.BigEndian.Uint64(bz[:8])
	bz = bz[8:]
	if uint64(len(bz)) != digestLen {
		return nil, fmt.Errorf("header digest length mismatch: got %d, want %d", len(bz), digestLen)
	}
	if digestLen > 0 {
		h.Digest = append([]byte(nil), bz...)
	}
	return h, nil
}

func (h *Header) String() string {
	return fmt.Sprintf("Header{#%d %v parent=%v}", h.Number, h.Hash(), h.ParentHash)
}
