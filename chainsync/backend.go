package chainsync

import (
	"github.com/paritytech/polkadot-sdk-sub025/types"
)

// BlockStatus describes what the local chain knows about a block hash.
type BlockStatus int

const (
	// BlockStatusUnknown means the block has never been seen.
	BlockStatusUnknown BlockStatus = iota
	// BlockStatusQueued means the block sits in the import queue.
	BlockStatusQueued
	// BlockStatusInChain means the block is part of the canonical chain or a
	// known fork.
	BlockStatusInChain
	// BlockStatusKnownBad means the block failed import before.
	BlockStatusKnownBad
)

func (s BlockStatus) String() string {
	switch s {
	case BlockStatusUnknown:
		return "Unknown"
	case BlockStatusQueued:
		return "Queued"
	case BlockStatusInChain:
		return "InChain"
	case BlockStatusKnownBad:
		return "KnownBad"
	default:
		return "Invalid"
	}
}

// ChainInfo is a snapshot of the local chain state.
type ChainInfo struct {
	BestHash        types.Hash
	BestNumber      uint64
	GenesisHash     types.Hash
	FinalizedHash   types.Hash
	FinalizedNumber uint64
}

// Backend is the local chain the engine synchronizes against. Implementations
// must be safe for concurrent use.
type Backend interface {
	// Info returns the current chain state.
	Info() ChainInfo

	// BlockStatus reports what is known about the given block hash.
	BlockStatus(hash types.Hash) (BlockStatus, error)

	// HashByNumber returns the canonical hash at the given height, if any.
	HashByNumber(number uint64) (types.Hash, bool, error)

	// Header returns the header with the given hash, if known.
	Header(hash types.Hash) (*types.Header, error)

	// IsDescendentOf reports whether block is a descendent of base.
	IsDescendentOf(base, block types.Hash) (bool, error)
}
