package chainsync

import (
	"fmt"

	"github.com/paritytech/polkadot-sdk-sub025/p2p"
	"github.com/paritytech/polkadot-sdk-sub025/types"
)

// BlockAttributes is a bitmask of the block fields a request asks for.
type BlockAttributes uint8

const (
	// AttributeHeader requests the block header.
	AttributeHeader BlockAttributes = 1 << iota
	// AttributeBody requests the block body.
	AttributeBody
	// AttributeJustification requests the finality justification, if any.
	AttributeJustification
)

// Has reports whether all bits of attr are set.
func (a BlockAttributes) Has(attr BlockAttributes) bool {
	return a&attr == attr
}

// Direction is the order blocks are returned in relative to the start block.
type Direction uint8

const (
	// Ascending walks from the start block toward its children.
	Ascending Direction = iota
	// Descending walks from the start block toward genesis.
	Descending
)

func (d Direction) String() string {
	if d == Ascending {
		return "Ascending"
	}
	return "Descending"
}

// FromBlock is the starting point of a block request, either a hash or a
// block number.
type FromBlock struct {
	hash   types.Hash
	number uint64
	byHash bool
}

// FromBlockByHash starts a request at a block hash.
func FromBlockByHash(hash types.Hash) FromBlock {
	return FromBlock{hash: hash, byHash: true}
}

// FromBlockByNumber starts a request at a block number.
func FromBlockByNumber(number uint64) FromBlock {
	return FromBlock{number: number}
}

// Hash returns the starting hash; ok is false for number-anchored requests.
func (f FromBlock) Hash() (types.Hash, bool) { return f.hash, f.byHash }

// Number returns the starting number; ok is false for hash-anchored requests.
func (f FromBlock) Number() (uint64, bool) { return f.number, !f.byHash }

func (f FromBlock) String() string {
	if f.byHash {
		return fmt.Sprintf("Hash(%v)", f.hash)
	}
	return fmt.Sprintf("Number(%d)", f.number)
}

// BlockRequest asks a peer for a run of blocks.
type BlockRequest struct {
	// Fields selects which parts of each block to return.
	Fields BlockAttributes
	// From is the first block of the run.
	From FromBlock
	// Direction of the run relative to From.
	Direction Direction
	// Max bounds the number of blocks returned; 0 means no cap.
	Max uint32
}

func (r *BlockRequest) String() string {
	return fmt.Sprintf("BlockRequest{from=%v dir=%v max=%d fields=%08b}",
		r.From, r.Direction, r.Max, r.Fields)
}

// BlockResponse carries the blocks a peer returned for a request.
type BlockResponse struct {
	Blocks []types.BlockData
}

// BlockAnnounce is a validated block announcement received from a peer.
type BlockAnnounce struct {
	Header *types.Header
	// Data is opaque announcement payload, passed through untouched.
	Data []byte
}

// BlockOrigin says where a batch of blocks to import came from, which the
// import pipeline uses to pick verification rules.
type BlockOrigin int

const (
	// OriginInitialSync marks blocks fetched during catch-up sync.
	OriginInitialSync BlockOrigin = iota
	// OriginBroadcast marks blocks that were announced on the network.
	OriginBroadcast
)

func (o BlockOrigin) String() string {
	if o == OriginBroadcast {
		return "Broadcast"
	}
	return "InitialSync"
}

// IncomingBlock is a block handed to the import pipeline.
type IncomingBlock struct {
	Hash          types.Hash
	Header        *types.Header
	Body          types.Body
	Justification types.Justification
	// Origin is the peer the block came from, empty if unknown.
	Origin p2p.ID
}

// ImportBlocks tells the caller to feed blocks to the import pipeline.
type ImportBlocks struct {
	Origin BlockOrigin
	Blocks []IncomingBlock
}

// ImportJustification tells the caller to feed a justification to the
// finality pipeline.
type ImportJustification struct {
	Peer          p2p.ID
	Hash          types.Hash
	Number        uint64
	Justification types.Justification
}

// OnBlockData is the outcome of processing a block response. Both fields nil
// means the response was consumed with nothing further to do this round.
type OnBlockData struct {
	// Import, when set, carries blocks for the import pipeline.
	Import *ImportBlocks
	// Request, when set, is a follow-up request to send to the same peer.
	Request *BlockRequest
}

// OnBlockJustification is the outcome of processing a justification response.
// A nil Import means the response was consumed internally.
type OnBlockJustification struct {
	Import *ImportJustification
}

// PeerBlockRequest pairs a ready-to-send block request with its target peer.
type PeerBlockRequest struct {
	Peer    p2p.ID
	Request *BlockRequest
}

// JustificationRequest asks the caller to fetch a justification for a block
// from a peer.
type JustificationRequest struct {
	Peer   p2p.ID
	Hash   types.Hash
	Number uint64
}

// BlockRequest returns the wire request for the justification.
func (j JustificationRequest) BlockRequest() *BlockRequest {
	return &BlockRequest{
		Fields:    AttributeJustification,
		From:      FromBlockByHash(j.Hash),
		Direction: Ascending,
		Max:       1,
	}
}

// BlockRequestAction is emitted while re-deriving peer state after a restart.
// A nil Request means the peer's stale in-flight request should be dropped.
type BlockRequestAction struct {
	Peer    p2p.ID
	Request *BlockRequest
}

// IsRemoveStale reports whether the action cancels a stale request.
func (a BlockRequestAction) IsRemoveStale() bool { return a.Request == nil }

// SyncState says whether the node believes it is at the tip.
type SyncState int

const (
	// SyncStateIdle means the best seen block is within the major-sync
	// threshold of the local best.
	SyncStateIdle SyncState = iota
	// SyncStateDownloading means the node is catching up.
	SyncStateDownloading
)

func (s SyncState) String() string {
	if s == SyncStateDownloading {
		return "Downloading"
	}
	return "Idle"
}

// Status is a snapshot of sync progress.
type Status struct {
	State         SyncState
	BestSeenBlock uint64
	NumPeers      int
	QueuedBlocks  int
}

// PeerInfo is the externally visible view of a connected peer.
type PeerInfo struct {
	BestHash     types.Hash
	BestNumber   uint64
	CommonNumber uint64
}
