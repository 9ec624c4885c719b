package chainsync

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/paritytech/polkadot-sdk-sub025/p2p"
	"github.com/paritytech/polkadot-sdk-sub025/types"
)

type peerSyncState int

const (
	// peerAvailable: no request is in flight, the peer can be scheduled.
	peerAvailable peerSyncState = iota
	// peerAncestorSearch: probing for the last common block.
	peerAncestorSearch
	// peerDownloadingNew: downloading a fresh range of the canonical chain.
	peerDownloadingNew
	// peerDownloadingStale: downloading a fork block by hash.
	peerDownloadingStale
	// peerDownloadingJustification: fetching a justification by hash.
	peerDownloadingJustification
)

func (s peerSyncState) String() string {
	switch s {
	case peerAvailable:
		return "Available"
	case peerAncestorSearch:
		return "AncestorSearch"
	case peerDownloadingNew:
		return "DownloadingNew"
	case peerDownloadingStale:
		return "DownloadingStale"
	case peerDownloadingJustification:
		return "DownloadingJustification"
	default:
		return "Invalid"
	}
}

// ancestorSearch is the progress of a common-ancestor probe against one peer.
type ancestorSearch struct {
	// start is our best queued number when the search began.
	start uint64
	// current is the block number probed by the in-flight request.
	current uint64
	state   ancestorSearchState
}

// peerSync tracks everything known about one connected peer. At most one
// block request and one justification request are in flight per peer; the
// state field encodes which, if any.
type peerSync struct {
	id p2p.ID

	bestHash   types.Hash
	bestNumber uint64

	// commonNumber is the highest block known to be shared with the peer.
	commonNumber uint64

	state peerSyncState

	// per-state payloads, valid only for the matching state
	ancestor          ancestorSearch
	downloadingFrom   uint64
	staleHash         types.Hash
	justificationHash types.Hash

	recentlyAnnounced *lru.Cache[types.Hash, struct{}]
}

func newPeerSync(id p2p.ID, bestHash types.Hash, bestNumber, commonNumber uint64, state peerSyncState) *peerSync {
	announced, err := lru.New[types.Hash, struct{}](announceHistorySize)
	if err != nil {
		panic(err)
	}
	return &peerSync{
		id:                id,
		bestHash:          bestHash,
		bestNumber:        bestNumber,
		commonNumber:      commonNumber,
		state:             state,
		recentlyAnnounced: announced,
	}
}

func (p *peerSync) isAvailable() bool {
	return p.state == peerAvailable
}

// updateCommonNumber raises the common number, never lowers it.
func (p *peerSync) updateCommonNumber(n uint64) {
	if p.commonNumber < n {
		p.commonNumber = n
	}
}

func (p *peerSync) info() PeerInfo {
	return PeerInfo{
		BestHash:     p.bestHash,
		BestNumber:   p.bestNumber,
		CommonNumber: p.commonNumber,
	}
}
