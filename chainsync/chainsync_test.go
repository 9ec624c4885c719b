package chainsync

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paritytech/polkadot-sdk-sub025/p2p"
	"github.com/paritytech/polkadot-sdk-sub025/types"
)

// testBackend is an in-memory chain backend.
type testBackend struct {
	mtx       sync.Mutex
	headers   map[types.Hash]*types.Header
	canonical []types.Hash
	finalized uint64
	bad       map[types.Hash]struct{}
}

func newTestBackend(chain []*types.Header) *testBackend {
	b := &testBackend{
		headers: make(map[types.Hash]*types.Header),
		bad:     make(map[types.Hash]struct{}),
	}
	for _, h := range chain {
		hash := h.Hash()
		b.headers[hash] = h
		b.canonical = append(b.canonical, hash)
	}
	return b
}

func (b *testBackend) addHeader(h *types.Header) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.headers[h.Hash()] = h
}

func (b *testBackend) Info() ChainInfo {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	info := ChainInfo{FinalizedNumber: b.finalized}
	if len(b.canonical) > 0 {
		info.GenesisHash = b.canonical[0]
		info.BestHash = b.canonical[len(b.canonical)-1]
		info.BestNumber = uint64(len(b.canonical) - 1)
		info.FinalizedHash = b.canonical[b.finalized]
	}
	return info
}

func (b *testBackend) BlockStatus(hash types.Hash) (BlockStatus, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if _, ok := b.bad[hash]; ok {
		return BlockStatusKnownBad, nil
	}
	if _, ok := b.headers[hash]; ok {
		return BlockStatusInChain, nil
	}
	return BlockStatusUnknown, nil
}

func (b *testBackend) HashByNumber(number uint64) (types.Hash, bool, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if number >= uint64(len(b.canonical)) {
		return types.Hash{}, false, nil
	}
	return b.canonical[number], true, nil
}

func (b *testBackend) Header(hash types.Hash) (*types.Header, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.headers[hash], nil
}

func (b *testBackend) IsDescendentOf(base, block types.Hash) (bool, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	baseHeader, ok := b.headers[base]
	if !ok {
		return false, fmt.Errorf("unknown base %v", base)
	}
	cur, ok := b.headers[block]
	if !ok {
		return false, fmt.Errorf("unknown block %v", block)
	}
	for cur.Number > baseHeader.Number {
		if cur.ParentHash == base {
			return true, nil
		}
		cur, ok = b.headers[cur.ParentHash]
		if !ok {
			return false, nil
		}
	}
	return base == block, nil
}

// genesisHeader and childHeaders build test chains; salt differentiates
// forks.
func genesisHeader() *types.Header {
	return &types.Header{
		Number:         0,
		Digest:         []byte("genesis"),
		ExtrinsicsRoot: types.Body{}.Root(),
	}
}

func childHeaders(parent *types.Header, count int, salt string) []*types.Header {
	out := make([]*types.Header, 0, count)
	for i := 0; i < count; i++ {
		h := &types.Header{
			ParentHash:     parent.Hash(),
			Number:         parent.Number + 1,
			Digest:         []byte(fmt.Sprintf("%s-%d", salt, parent.Number+1)),
			ExtrinsicsRoot: types.Body{}.Root(),
		}
		out = append(out, h)
		parent = h
	}
	return out
}

func buildChain(length int) []*types.Header {
	genesis := genesisHeader()
	return append([]*types.Header{genesis}, childHeaders(genesis, length, "main")...)
}

// newTestSync creates an engine over a canonical chain of the given length.
func newTestSync(t *testing.T, chainLength int, opts ...Option) (*ChainSync, *testBackend, []*types.Header) {
	t.Helper()
	chain := buildChain(chainLength)
	backend := newTestBackend(chain)
	return NewChainSync(backend, opts...), backend, chain
}

func blockDataAscending(headers []*types.Header) []types.BlockData {
	out := make([]types.BlockData, 0, len(headers))
	for _, h := range headers {
		out = append(out, types.BlockData{Hash: h.Hash(), Header: h, Body: types.Body{}})
	}
	return out
}

func blockDataDescending(headers []*types.Header) []types.BlockData {
	asc := blockDataAscending(headers)
	for i, j := 0, len(asc)-1; i < j; i, j = i+1, j-1 {
		asc[i], asc[j] = asc[j], asc[i]
	}
	return asc
}

func (cs *ChainSync) peerState(t *testing.T, id p2p.ID) peerSyncState {
	t.Helper()
	cs.mtx.Lock()
	defer cs.mtx.Unlock()
	p, ok := cs.peers[id]
	require.True(t, ok, "peer %s not tracked", id)
	return p.state
}

func TestNewPeerKnownBest(t *testing.T) {
	cs, _, chain := newTestSync(t, 10)

	req, err := cs.NewPeer("peer1", chain[10].Hash(), 10)
	require.NoError(t, err)
	assert.Nil(t, req)

	info, ok := cs.PeerInfo("peer1")
	require.True(t, ok)
	assert.Equal(t, uint64(10), info.BestNumber)
	assert.Equal(t, uint64(10), info.CommonNumber)
	assert.Equal(t, peerAvailable, cs.peerState(t, "peer1"))
}

func TestNewPeerGenesisMismatch(t *testing.T) {
	cs, _, _ := newTestSync(t, 10)

	_, err := cs.NewPeer("peer1", types.Hash{0xde, 0xad}, 0)
	var bp *BadPeer
	require.ErrorAs(t, err, &bp)
	assert.Equal(t, p2p.ID("peer1"), bp.ID)
	assert.Equal(t, repGenesisMismatch, bp.Rep)
	assert.Equal(t, 0, cs.NumPeers())
}

func TestNewPeerKnownBadBest(t *testing.T) {
	cs, backend, _ := newTestSync(t, 10)
	evil := &types.Header{Number: 11, Digest: []byte("evil")}
	backend.addHeader(evil)
	backend.bad[evil.Hash()] = struct{}{}

	_, err := cs.NewPeer("peer1", evil.Hash(), 11)
	var bp *BadPeer
	require.ErrorAs(t, err, &bp)
	assert.Equal(t, repBadBlock, bp.Rep)
}

func TestNewPeerUnknownBestStartsAncestorSearch(t *testing.T) {
	cs, _, _ := newTestSync(t, 10)

	req, err := cs.NewPeer("peer1", types.Hash{0xff}, 15)
	require.NoError(t, err)
	require.NotNil(t, req)
	n, byNumber := req.From.Number()
	require.True(t, byNumber)
	assert.Equal(t, uint64(10), n, "probe starts at min(our best, their best)")
	assert.Equal(t, uint32(1), req.Max)
	assert.Equal(t, peerAncestorSearch, cs.peerState(t, "peer1"))
}

func TestNewPeerBusyImportQueueAssumesCommon(t *testing.T) {
	cs, _, _ := newTestSync(t, 10)

	cs.mtx.Lock()
	for i := 0; i < MajorSyncBlocks+1; i++ {
		cs.queueBlocks[types.Hash{0x10, byte(i)}] = struct{}{}
	}
	cs.mtx.Unlock()

	req, err := cs.NewPeer("peer1", types.Hash{0xff}, 15)
	require.NoError(t, err)
	assert.Nil(t, req)

	info, ok := cs.PeerInfo("peer1")
	require.True(t, ok)
	assert.Equal(t, uint64(10), info.CommonNumber)
	assert.Equal(t, peerAvailable, cs.peerState(t, "peer1"))
}

// A full ancestor search against a peer that forked off at block 60.
func TestAncestorSearchFindsForkPoint(t *testing.T) {
	cs, _, chain := newTestSync(t, 100)

	peerChain := append(append([]*types.Header{}, chain[:61]...), childHeaders(chain[60], 40, "fork")...)
	req, err := cs.NewPeer("peer1", peerChain[100].Hash(), 100)
	require.NoError(t, err)
	require.NotNil(t, req)

	rounds := 0
	for req != nil {
		rounds++
		require.Less(t, rounds, 50, "ancestor search does not terminate")
		n, byNumber := req.From.Number()
		require.True(t, byNumber)
		res, err := cs.OnBlockData("peer1", req, BlockResponse{
			Blocks: []types.BlockData{{Hash: peerChain[n].Hash(), Header: peerChain[n]}},
		})
		require.NoError(t, err)
		require.Nil(t, res.Import)
		req = res.Request
	}

	assert.Equal(t, peerAvailable, cs.peerState(t, "peer1"))
	info, _ := cs.PeerInfo("peer1")
	assert.Equal(t, uint64(60), info.CommonNumber)
}

func TestAncestorSearchGenesisMismatch(t *testing.T) {
	cs, _, _ := newTestSync(t, 20)

	foreign := genesisHeader()
	foreign.Digest = []byte("other network")
	peerChain := append([]*types.Header{foreign}, childHeaders(foreign, 20, "other")...)

	req, err := cs.NewPeer("peer1", peerChain[20].Hash(), 20)
	require.NoError(t, err)
	require.NotNil(t, req)

	for {
		n, _ := req.From.Number()
		res, err := cs.OnBlockData("peer1", req, BlockResponse{
			Blocks: []types.BlockData{{Hash: peerChain[n].Hash(), Header: peerChain[n]}},
		})
		if err != nil {
			var bp *BadPeer
			require.ErrorAs(t, err, &bp)
			assert.Equal(t, repGenesisMismatch, bp.Rep)
			return
		}
		require.NotNil(t, res.Request, "search must end in a genesis mismatch")
		req = res.Request
	}
}

func TestBlockRequestsNoDuplicateInFlight(t *testing.T) {
	cs, _, _ := newTestSync(t, 0)

	_, err := cs.NewPeer("peer1", types.Hash{0x01}, 300)
	require.NoError(t, err)
	_, err = cs.NewPeer("peer2", types.Hash{0x02}, 300)
	require.NoError(t, err)

	reqs := cs.BlockRequests()
	require.Len(t, reqs, 2)
	assert.Equal(t, peerDownloadingNew, cs.peerState(t, "peer1"))
	assert.Equal(t, peerDownloadingNew, cs.peerState(t, "peer2"))

	// the two peers work on disjoint ranges
	n1, _ := reqs[0].Request.From.Number()
	n2, _ := reqs[1].Request.From.Number()
	assert.NotEqual(t, n1, n2)

	// busy peers are not scheduled again
	assert.Empty(t, cs.BlockRequests())
}

func TestOnBlockDataDownloadsAndQueues(t *testing.T) {
	cs, _, chain := newTestSync(t, 0)

	peerChain := childHeaders(chain[0], 300, "peer")
	_, err := cs.NewPeer("peer1", peerChain[299].Hash(), 300)
	require.NoError(t, err)

	reqs := cs.BlockRequests()
	require.Len(t, reqs, 1)
	req := reqs[0].Request
	assert.Equal(t, Descending, req.Direction)
	assert.Equal(t, uint32(MaxBlocksToRequest), req.Max)
	n, byNumber := req.From.Number()
	require.True(t, byNumber)
	assert.Equal(t, uint64(MaxBlocksToRequest), n)

	res, err := cs.OnBlockData("peer1", req, BlockResponse{
		Blocks: blockDataDescending(peerChain[:MaxBlocksToRequest]),
	})
	require.NoError(t, err)
	require.NotNil(t, res.Import)
	assert.Len(t, res.Import.Blocks, MaxBlocksToRequest)
	assert.Equal(t, OriginInitialSync, res.Import.Origin)
	assert.Equal(t, uint64(1), res.Import.Blocks[0].Header.Number)

	_, best := cs.BestQueued()
	assert.Equal(t, uint64(MaxBlocksToRequest), best)
	assert.Equal(t, peerAvailable, cs.peerState(t, "peer1"))
}

func TestOnBlockDataUnknownPeer(t *testing.T) {
	cs, _, _ := newTestSync(t, 10)

	_, err := cs.OnBlockData("ghost", nil, BlockResponse{})
	var bp *BadPeer
	require.ErrorAs(t, err, &bp)
	assert.Equal(t, repNotRequested, bp.Rep)
}

func TestOnBlockDataHeaderHashMismatch(t *testing.T) {
	cs, _, chain := newTestSync(t, 0)

	peerChain := childHeaders(chain[0], 300, "peer")
	_, err := cs.NewPeer("peer1", peerChain[299].Hash(), 300)
	require.NoError(t, err)
	reqs := cs.BlockRequests()
	require.Len(t, reqs, 1)

	blocks := blockDataDescending(peerChain[:MaxBlocksToRequest])
	blocks[3].Hash = types.Hash{0xbc} // tamper

	_, err = cs.OnBlockData("peer1", reqs[0].Request, BlockResponse{Blocks: blocks})
	var bp *BadPeer
	require.ErrorAs(t, err, &bp)
	assert.Equal(t, repBadBlock, bp.Rep)
}

func TestOnBlockDataTooManyBlocks(t *testing.T) {
	cs, _, chain := newTestSync(t, 0)

	peerChain := childHeaders(chain[0], 300, "peer")
	_, err := cs.NewPeer("peer1", peerChain[299].Hash(), 300)
	require.NoError(t, err)
	reqs := cs.BlockRequests()
	require.Len(t, reqs, 1)

	_, err = cs.OnBlockData("peer1", reqs[0].Request, BlockResponse{
		Blocks: blockDataDescending(peerChain[:MaxBlocksToRequest+10]),
	})
	var bp *BadPeer
	require.ErrorAs(t, err, &bp)
	assert.Equal(t, repNotRequested, bp.Rep)
}

// Scenario: a peer whose common number fell too far behind the forward-sync
// window is sent a single-block ancestry probe instead of a bulk request.
func TestSchedulerStartsAncestorSearchOnLargeGap(t *testing.T) {
	cs, backend, chain := newTestSync(t, 1500)
	backend.finalized = 1400

	_, err := cs.NewPeer("peer1", chain[1500].Hash(), 1500)
	require.NoError(t, err)

	cs.mtx.Lock()
	peer := cs.peers["peer1"]
	peer.bestNumber = 2000
	peer.bestHash = types.Hash{0xfe}
	peer.commonNumber = 0
	cs.mtx.Unlock()

	reqs := cs.BlockRequests()
	require.Len(t, reqs, 1)
	req := reqs[0].Request
	assert.Equal(t, uint32(1), req.Max)
	n, byNumber := req.From.Number()
	require.True(t, byNumber)
	assert.Equal(t, uint64(1500), n)
	assert.Equal(t, peerAncestorSearch, cs.peerState(t, "peer1"))

	// the probe matches our canonical block, the search ends right away
	res, err := cs.OnBlockData("peer1", req, BlockResponse{
		Blocks: []types.BlockData{{Hash: chain[1500].Hash(), Header: chain[1500]}},
	})
	require.NoError(t, err)
	require.Nil(t, res.Request)
	info, _ := cs.PeerInfo("peer1")
	assert.Equal(t, uint64(1500), info.CommonNumber)

	// and bulk range requests resume
	reqs = cs.BlockRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, uint32(MaxBlocksToRequest), reqs[0].Request.Max)
	n, _ = reqs[0].Request.From.Number()
	assert.Equal(t, uint64(1500+MaxBlocksToRequest), n)
}

func TestForkTargetDownload(t *testing.T) {
	cs, _, chain := newTestSync(t, 10)

	_, err := cs.NewPeer("peer1", chain[10].Hash(), 10)
	require.NoError(t, err)

	fork := childHeaders(chain[0], 8, "fork")
	tip := fork[7]
	cs.OnValidatedBlockAnnounce(false, "peer1", &BlockAnnounce{Header: tip})

	cs.mtx.Lock()
	_, registered := cs.forkTargets[tip.Hash()]
	cs.mtx.Unlock()
	require.True(t, registered)

	reqs := cs.BlockRequests()
	require.Len(t, reqs, 1)
	req := reqs[0].Request
	h, byHash := req.From.Hash()
	require.True(t, byHash)
	assert.Equal(t, tip.Hash(), h)
	assert.Equal(t, Descending, req.Direction)
	assert.Equal(t, uint32(8), req.Max, "walk back to the finalized block")
	assert.Equal(t, peerDownloadingStale, cs.peerState(t, "peer1"))

	res, err := cs.OnBlockData("peer1", req, BlockResponse{Blocks: blockDataDescending(fork)})
	require.NoError(t, err)
	require.NotNil(t, res.Import)
	assert.Len(t, res.Import.Blocks, 8)
	assert.Equal(t, peerAvailable, cs.peerState(t, "peer1"))

	cs.mtx.Lock()
	_, registered = cs.forkTargets[tip.Hash()]
	cs.mtx.Unlock()
	assert.False(t, registered, "queued fork target is removed")
}

func TestForkTargetEmptyResponseRemovesSource(t *testing.T) {
	cs, _, chain := newTestSync(t, 10)

	_, err := cs.NewPeer("peer1", chain[10].Hash(), 10)
	require.NoError(t, err)

	fork := childHeaders(chain[0], 8, "fork")
	tip := fork[7]
	cs.OnValidatedBlockAnnounce(false, "peer1", &BlockAnnounce{Header: tip})

	reqs := cs.BlockRequests()
	require.Len(t, reqs, 1)

	_, err = cs.OnBlockData("peer1", reqs[0].Request, BlockResponse{})
	require.ErrorIs(t, err, ErrEmptyBlockResponse)
	assert.Equal(t, peerAvailable, cs.peerState(t, "peer1"))

	cs.mtx.Lock()
	_, registered := cs.forkTargets[tip.Hash()]
	cs.mtx.Unlock()
	assert.False(t, registered, "sole source dropped, target gone")
}

// Scenario: disconnecting announcers reference-counts fork targets.
func TestForkTargetAnnouncerRefcount(t *testing.T) {
	cs, _, chain := newTestSync(t, 10)

	_, err := cs.NewPeer("peer1", chain[10].Hash(), 10)
	require.NoError(t, err)
	_, err = cs.NewPeer("peer2", chain[10].Hash(), 10)
	require.NoError(t, err)

	fork := childHeaders(chain[0], 8, "fork")
	tip := fork[7]
	cs.OnValidatedBlockAnnounce(false, "peer1", &BlockAnnounce{Header: tip})
	cs.OnValidatedBlockAnnounce(false, "peer2", &BlockAnnounce{Header: tip})

	cs.PeerDisconnected("peer1")
	cs.mtx.Lock()
	target, registered := cs.forkTargets[tip.Hash()]
	cs.mtx.Unlock()
	require.True(t, registered, "another announcer remains")
	assert.Len(t, target.peers, 1)

	cs.PeerDisconnected("peer2")
	cs.mtx.Lock()
	_, registered = cs.forkTargets[tip.Hash()]
	cs.mtx.Unlock()
	assert.False(t, registered, "last announcer gone, target gone")
}

func TestAnnounceUpdatesCommonNumber(t *testing.T) {
	cs, _, chain := newTestSync(t, 10)

	_, err := cs.NewPeer("peer1", chain[7].Hash(), 7)
	require.NoError(t, err)
	info, _ := cs.PeerInfo("peer1")
	require.Equal(t, uint64(7), info.CommonNumber)

	// they announce a known block below our best as their new best
	cs.OnValidatedBlockAnnounce(true, "peer1", &BlockAnnounce{Header: chain[9]})

	info, _ = cs.PeerInfo("peer1")
	assert.Equal(t, uint64(9), info.BestNumber)
	assert.Equal(t, uint64(9), info.CommonNumber)
}

func TestSetSyncForkRequest(t *testing.T) {
	cs, _, chain := newTestSync(t, 10)

	for _, id := range []p2p.ID{"peer1", "peer2", "peer3"} {
		_, err := cs.NewPeer(id, chain[10].Hash(), 10)
		require.NoError(t, err)
	}

	fork := childHeaders(chain[5], 4, "fork")
	tip := fork[3]

	// empty peer set selects everyone at or above the number
	cs.SetSyncForkRequest(nil, tip.Hash(), 9)

	cs.mtx.Lock()
	target, ok := cs.forkTargets[tip.Hash()]
	cs.mtx.Unlock()
	require.True(t, ok)
	assert.Len(t, target.peers, 3)

	// known hashes are refused
	cs.SetSyncForkRequest(nil, chain[5].Hash(), 5)
	cs.mtx.Lock()
	_, ok = cs.forkTargets[chain[5].Hash()]
	cs.mtx.Unlock()
	assert.False(t, ok)
}

// Scenario: three peers, one announces a block two ahead of our tip. An
// empty justification response from it demotes the active request back to
// pending with zero active left.
func TestEmptyJustificationResponseDemotes(t *testing.T) {
	cs, _, chain := newTestSync(t, 10)

	for _, id := range []p2p.ID{"peer1", "peer2", "peer3"} {
		_, err := cs.NewPeer(id, chain[10].Hash(), 10)
		require.NoError(t, err)
	}

	ahead := childHeaders(chain[10], 2, "ahead")
	tip := ahead[1]
	cs.OnValidatedBlockAnnounce(true, "peer3", &BlockAnnounce{Header: tip})

	cs.RequestJustification(tip.Hash(), 12)

	reqs := cs.JustificationRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, p2p.ID("peer3"), reqs[0].Peer, "only the announcer is tall enough")
	assert.Equal(t, peerDownloadingJustification, cs.peerState(t, "peer3"))

	res, err := cs.OnBlockJustification("peer3", BlockResponse{})
	require.NoError(t, err)
	assert.Nil(t, res.Import)
	assert.Equal(t, peerAvailable, cs.peerState(t, "peer3"))

	cs.mtx.Lock()
	pending, active := len(cs.extraJustifications.pending), len(cs.extraJustifications.active)
	cs.mtx.Unlock()
	assert.Equal(t, 1, pending)
	assert.Equal(t, 0, active)
}

func TestJustificationResponseImports(t *testing.T) {
	cs, _, chain := newTestSync(t, 10)

	_, err := cs.NewPeer("peer1", chain[10].Hash(), 10)
	require.NoError(t, err)

	cs.RequestJustification(chain[5].Hash(), 5)
	reqs := cs.JustificationRequests()
	require.Len(t, reqs, 1)

	res, err := cs.OnBlockJustification("peer1", BlockResponse{
		Blocks: []types.BlockData{{Hash: chain[5].Hash(), Justification: types.Justification("proof")}},
	})
	require.NoError(t, err)
	require.NotNil(t, res.Import)
	assert.Equal(t, chain[5].Hash(), res.Import.Hash)
	assert.Equal(t, uint64(5), res.Import.Number)

	// successful import finalizes the ledger entry
	cs.OnJustificationImport(chain[5].Hash(), 5, true)
	cs.mtx.Lock()
	importing := len(cs.extraJustifications.importing)
	cs.mtx.Unlock()
	assert.Equal(t, 0, importing)
}

func TestJustificationResponseUnknownPeer(t *testing.T) {
	cs, _, _ := newTestSync(t, 10)

	_, err := cs.OnBlockJustification("ghost", BlockResponse{})
	assert.ErrorIs(t, err, ErrUnexpectedResponse)
}

func TestJustificationResponseWrongHash(t *testing.T) {
	cs, _, chain := newTestSync(t, 10)

	_, err := cs.NewPeer("peer1", chain[10].Hash(), 10)
	require.NoError(t, err)

	cs.RequestJustification(chain[5].Hash(), 5)
	require.Len(t, cs.JustificationRequests(), 1)

	_, err = cs.OnBlockJustification("peer1", BlockResponse{
		Blocks: []types.BlockData{{Hash: chain[6].Hash(), Justification: types.Justification("proof")}},
	})
	var bp *BadPeer
	require.ErrorAs(t, err, &bp)
	assert.Equal(t, repBadJustification, bp.Rep)
}

// Restart re-derives block-downloading peers but leaves peers mid-flight on
// a justification request untouched.
func TestRestartPreservesJustificationDownloads(t *testing.T) {
	cs, _, chain := newTestSync(t, 10)

	for _, id := range []p2p.ID{"peer1", "peer2", "peer3"} {
		_, err := cs.NewPeer(id, chain[10].Hash(), 10)
		require.NoError(t, err)
	}

	cs.RequestJustification(chain[5].Hash(), 5)
	reqs := cs.JustificationRequests()
	require.Len(t, reqs, 1)
	downloading := reqs[0].Peer

	actions, bad := cs.Restart()
	assert.Empty(t, bad)
	require.Len(t, actions, 2, "only the block-downloading peers are re-derived")
	for _, a := range actions {
		assert.NotEqual(t, downloading, a.Peer)
		assert.True(t, a.IsRemoveStale())
	}

	assert.Equal(t, peerDownloadingJustification, cs.peerState(t, downloading))
	cs.mtx.Lock()
	p := cs.peers[downloading]
	hash := p.justificationHash
	common := p.commonNumber
	cs.mtx.Unlock()
	assert.Equal(t, chain[5].Hash(), hash)
	assert.Equal(t, uint64(10), common, "common number clamped to our best")
	assert.Equal(t, 3, cs.NumPeers())
}

func TestOnBlocksProcessedIdempotent(t *testing.T) {
	cs, _, chain := newTestSync(t, 0)

	peerChain := childHeaders(chain[0], 300, "peer")
	_, err := cs.NewPeer("peer1", peerChain[299].Hash(), 300)
	require.NoError(t, err)

	reqs := cs.BlockRequests()
	require.Len(t, reqs, 1)
	res, err := cs.OnBlockData("peer1", reqs[0].Request, BlockResponse{
		Blocks: blockDataDescending(peerChain[:MaxBlocksToRequest]),
	})
	require.NoError(t, err)
	require.NotNil(t, res.Import)
	_, best := cs.BestQueued()
	require.Equal(t, uint64(MaxBlocksToRequest), best)

	results := make([]BlockImportResult, 0, 10)
	for _, b := range res.Import.Blocks[:10] {
		results = append(results, BlockImportResult{
			Hash:   b.Hash,
			Number: b.Header.Number,
			Origin: "peer1",
		})
	}

	actions, bad := cs.OnBlocksProcessed(10, 10, results)
	assert.Empty(t, actions)
	assert.Empty(t, bad)
	_, best = cs.BestQueued()
	assert.Equal(t, uint64(MaxBlocksToRequest), best)

	// replaying the same notification is a no-op
	actions, bad = cs.OnBlocksProcessed(10, 10, results)
	assert.Empty(t, actions)
	assert.Empty(t, bad)
	_, best = cs.BestQueued()
	assert.Equal(t, uint64(MaxBlocksToRequest), best)
	info, _ := cs.PeerInfo("peer1")
	assert.Equal(t, uint64(MaxBlocksToRequest), info.CommonNumber)
}

func TestOnBlocksProcessedBadBlockBansOrigin(t *testing.T) {
	cs, _, chain := newTestSync(t, 0)

	peerChain := childHeaders(chain[0], 300, "peer")
	_, err := cs.NewPeer("peer1", peerChain[299].Hash(), 300)
	require.NoError(t, err)
	reqs := cs.BlockRequests()
	require.Len(t, reqs, 1)
	res, err := cs.OnBlockData("peer1", reqs[0].Request, BlockResponse{
		Blocks: blockDataDescending(peerChain[:MaxBlocksToRequest]),
	})
	require.NoError(t, err)

	first := res.Import.Blocks[0]
	actions, bad := cs.OnBlocksProcessed(0, 1, []BlockImportResult{{
		Hash:   first.Hash,
		Number: first.Header.Number,
		Origin: "peer1",
		Err:    &ImportError{Kind: ImportErrBadBlock},
	}})
	assert.Empty(t, actions, "bad block does not force a restart")
	require.Len(t, bad, 1)
	assert.Equal(t, p2p.ID("peer1"), bad[0].ID)
	assert.Equal(t, repBadBlock, bad[0].Rep)
}

func TestOnBlocksProcessedVerificationFailureRestarts(t *testing.T) {
	cs, _, chain := newTestSync(t, 0)

	peerChain := childHeaders(chain[0], 300, "peer")
	_, err := cs.NewPeer("peer1", peerChain[299].Hash(), 300)
	require.NoError(t, err)
	reqs := cs.BlockRequests()
	require.Len(t, reqs, 1)
	res, err := cs.OnBlockData("peer1", reqs[0].Request, BlockResponse{
		Blocks: blockDataDescending(peerChain[:MaxBlocksToRequest]),
	})
	require.NoError(t, err)

	first := res.Import.Blocks[0]
	actions, bad := cs.OnBlocksProcessed(0, 1, []BlockImportResult{{
		Hash:   first.Hash,
		Number: first.Header.Number,
		Origin: "peer1",
		Err:    &ImportError{Kind: ImportErrVerificationFailed},
	}})
	require.Len(t, bad, 1)
	assert.Equal(t, repVerificationFail, bad[0].Rep)
	require.Len(t, actions, 1, "the peer is re-derived after the restart")
	assert.Equal(t, p2p.ID("peer1"), actions[0].Peer)
}

func TestPeerDisconnectedReleasesDownload(t *testing.T) {
	cs, _, _ := newTestSync(t, 0)

	_, err := cs.NewPeer("peer1", types.Hash{0x01}, 300)
	require.NoError(t, err)
	require.Len(t, cs.BlockRequests(), 1)

	imp := cs.PeerDisconnected("peer1")
	assert.Nil(t, imp)
	assert.Equal(t, 0, cs.NumPeers())

	// the abandoned range is available to the next peer
	_, err = cs.NewPeer("peer2", types.Hash{0x02}, 300)
	require.NoError(t, err)
	reqs := cs.BlockRequests()
	require.Len(t, reqs, 1)
	n, _ := reqs[0].Request.From.Number()
	assert.Equal(t, uint64(MaxBlocksToRequest), n)
}

func TestStatus(t *testing.T) {
	cs, _, _ := newTestSync(t, 0)

	status := cs.Status()
	assert.Equal(t, SyncStateIdle, status.State)
	assert.Equal(t, uint64(0), status.BestSeenBlock)

	_, err := cs.NewPeer("peer1", types.Hash{0x01}, 100)
	require.NoError(t, err)
	_, err = cs.NewPeer("peer2", types.Hash{0x02}, 100)
	require.NoError(t, err)

	status = cs.Status()
	assert.Equal(t, SyncStateDownloading, status.State)
	assert.Equal(t, uint64(100), status.BestSeenBlock)
	assert.Equal(t, 2, status.NumPeers)
}

func TestUpdateChainInfoAdvancesBestQueued(t *testing.T) {
	cs, _, chain := newTestSync(t, 10)

	_, err := cs.NewPeer("peer1", chain[10].Hash(), 10)
	require.NoError(t, err)

	own := childHeaders(chain[10], 1, "authored")[0]
	cs.UpdateChainInfo(own.Hash(), 11)

	_, best := cs.BestQueued()
	assert.Equal(t, uint64(11), best)
}
