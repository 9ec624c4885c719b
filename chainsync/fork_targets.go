package chainsync

import (
	"sort"

	"github.com/paritytech/polkadot-sdk-sub025/p2p"
	"github.com/paritytech/polkadot-sdk-sub025/types"
)

// forkTarget is a block off our best chain that announcing peers told us
// about. It stays registered until the block is queued or imported, or until
// the last announcer is gone.
type forkTarget struct {
	number uint64
	// parentHash is set when the announcement carried the header.
	parentHash *types.Hash
	peers      map[p2p.ID]struct{}
}

// forkSyncRequest picks a fork target that id can serve and builds the
// hash-anchored download for it. Expired and already-known targets are pruned
// on the way.
func forkSyncRequest(
	id p2p.ID,
	targets map[types.Hash]*forkTarget,
	bestNum uint64,
	finalized uint64,
	attributes BlockAttributes,
	checkBlock func(types.Hash) BlockStatus,
	maxBlocksPerRequest uint32,
) (types.Hash, *BlockRequest, bool) {
	hashes := make([]types.Hash, 0, len(targets))
	for hash := range targets {
		hashes = append(hashes, hash)
	}
	sort.Slice(hashes, func(i, j int) bool {
		return string(hashes[i][:]) < string(hashes[j][:])
	})

	for _, hash := range hashes {
		t := targets[hash]
		if t.number <= finalized {
			// expired
			delete(targets, hash)
			continue
		}
		if checkBlock(hash) != BlockStatusUnknown {
			// obsolete
			delete(targets, hash)
			continue
		}
		if _, ok := t.peers[id]; !ok {
			continue
		}
		// Download the fork only if it is behind or not too far ahead of our
		// tip of the chain. Otherwise it should be downloaded in full sync mode.
		if t.number > bestNum && t.number-bestNum >= uint64(maxBlocksPerRequest) {
			continue
		}
		count := uint32(1)
		if t.parentHash == nil || checkBlock(*t.parentHash) == BlockStatusUnknown {
			// walk back to the last finalized block
			count = uint32(t.number - finalized)
		}
		return hash, &BlockRequest{
			Fields:    attributes,
			From:      FromBlockByHash(hash),
			Direction: Descending,
			Max:       count,
		}, true
	}
	return types.Hash{}, nil, false
}
