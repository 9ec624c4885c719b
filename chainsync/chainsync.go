// Package chainsync schedules block downloads from connected peers: it
// tracks each peer's chain view, finds common ancestors, follows announced
// forks, fetches finality justifications and reacts to import results. It
// never touches the network or the import queue itself; every decision is
// returned to the caller as a request or an action.
package chainsync

import (
	"errors"
	"sort"

	"github.com/paritytech/polkadot-sdk-sub025/libs/log"
	libsync "github.com/paritytech/polkadot-sdk-sub025/libs/sync"
	"github.com/paritytech/polkadot-sdk-sub025/p2p"
	"github.com/paritytech/polkadot-sdk-sub025/types"
)

const (
	// MaxBlocksToRequest is the default cap on blocks asked for in one
	// request.
	MaxBlocksToRequest = 128

	// MaxImportingBlocks pauses scheduling while this many blocks sit in the
	// import queue.
	MaxImportingBlocks = 2048

	// MaxDownloadAhead bounds how far ahead of the oldest undrained range new
	// ranges may be downloaded.
	MaxDownloadAhead = 2048

	// MaxBlocksToLookBackwards: when a peer's common number lags best queued
	// by more than this, an ancestor search replaces forward requests.
	MaxBlocksToLookBackwards = MaxDownloadAhead / 2

	// MajorSyncBlocks: when the best seen block exceeds best queued by more
	// than this, the node reports itself as major syncing.
	MajorSyncBlocks = 5

	// announceHistorySize is how many recently announced hashes are
	// remembered per peer.
	announceHistorySize = 64

	defaultMaxParallelDownloads = 5
)

// allowedRequests tracks which peers may be scheduled on the next pass,
// either a specific set or everyone.
type allowedRequests struct {
	all bool
	set map[p2p.ID]struct{}
}

func newAllowedRequests() *allowedRequests {
	return &allowedRequests{set: make(map[p2p.ID]struct{})}
}

func (a *allowedRequests) add(id p2p.ID) {
	if a.all {
		return
	}
	a.set[id] = struct{}{}
}

func (a *allowedRequests) setAll() {
	a.all = true
	a.set = make(map[p2p.ID]struct{})
}

func (a *allowedRequests) isEmpty() bool {
	return !a.all && len(a.set) == 0
}

func (a *allowedRequests) contains(id p2p.ID) bool {
	if a.all {
		return true
	}
	_, ok := a.set[id]
	return ok
}

// take returns the current set and resets to empty.
func (a *allowedRequests) take() *allowedRequests {
	cur := &allowedRequests{all: a.all, set: a.set}
	a.all = false
	a.set = make(map[p2p.ID]struct{})
	return cur
}

// ChainSync is the synchronization state machine. All state is guarded by
// one mutex; every exported method is atomic and safe for concurrent use.
type ChainSync struct {
	mtx    libsync.Mutex
	logger log.Logger

	backend Backend

	peers       map[p2p.ID]*peerSync
	blocks      *blockCollection
	forkTargets map[types.Hash]*forkTarget

	extraJustifications *extraRequests

	bestQueuedHash   types.Hash
	bestQueuedNumber uint64

	// queueBlocks are hashes handed to the import queue and not yet
	// reported back.
	queueBlocks map[types.Hash]struct{}

	allowedRequests *allowedRequests

	maxParallelDownloads uint32
	maxBlocksPerRequest  uint32

	downloadedBlocks uint64

	metrics *Metrics
}

// Option configures a ChainSync.
type Option func(*ChainSync)

// WithMetrics publishes engine metrics through m.
func WithMetrics(m *Metrics) Option {
	return func(cs *ChainSync) { cs.metrics = m }
}

// WithMaxParallelDownloads sets how many peers may download the same range
// outside of major sync.
func WithMaxParallelDownloads(n uint32) Option {
	return func(cs *ChainSync) { cs.maxParallelDownloads = n }
}

// WithMaxBlocksPerRequest overrides the per-request block cap.
func WithMaxBlocksPerRequest(n uint32) Option {
	return func(cs *ChainSync) { cs.maxBlocksPerRequest = n }
}

// NewChainSync creates a sync engine over the given chain backend.
func NewChainSync(backend Backend, opts ...Option) *ChainSync {
	info := backend.Info()
	cs := &ChainSync{
		logger:               log.NewNopLogger(),
		backend:              backend,
		peers:                make(map[p2p.ID]*peerSync),
		blocks:               newBlockCollection(),
		forkTargets:          make(map[types.Hash]*forkTarget),
		extraJustifications:  newExtraRequests("justification"),
		bestQueuedHash:       info.BestHash,
		bestQueuedNumber:     info.BestNumber,
		queueBlocks:          make(map[types.Hash]struct{}),
		allowedRequests:      newAllowedRequests(),
		maxParallelDownloads: defaultMaxParallelDownloads,
		maxBlocksPerRequest:  MaxBlocksToRequest,
		metrics:              NopMetrics(),
	}
	for _, opt := range opts {
		opt(cs)
	}
	return cs
}

// SetLogger sets the logger.
func (cs *ChainSync) SetLogger(l log.Logger) {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()
	cs.logger = l
}

// NewPeer registers a connected peer with its reported best block. It may
// return an initial ancestry request to send, or a BadPeer error when the
// reported best disqualifies the peer.
func (cs *ChainSync) NewPeer(who p2p.ID, bestHash types.Hash, bestNumber uint64) (*BlockRequest, error) {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()

	req, err := cs.newPeerInner(who, bestHash, bestNumber)
	cs.metrics.Peers.Set(float64(len(cs.peers)))
	return req, err
}

func (cs *ChainSync) newPeerInner(who p2p.ID, bestHash types.Hash, bestNumber uint64) (*BlockRequest, error) {
	status, err := cs.blockStatus(bestHash)
	if err != nil {
		cs.logger.Error("Error reading blockchain", "err", err)
		return nil, &BadPeer{ID: who, Rep: repBlockchainReadError}
	}
	switch status {
	case BlockStatusKnownBad:
		cs.logger.Info("New peer with known bad best block",
			"peer", who, "hash", bestHash, "number", bestNumber)
		return nil, &BadPeer{ID: who, Rep: repBadBlock}

	case BlockStatusUnknown:
		if bestNumber == 0 {
			cs.logger.Info("New peer with unknown genesis hash",
				"peer", who, "hash", bestHash)
			return nil, &BadPeer{ID: who, Rep: repGenesisMismatch}
		}

		// If there are enough blocks in the queue, skip the ancestor search
		// and assume the common block is our best queued one.
		if len(cs.queueBlocks) > MajorSyncBlocks {
			cs.logger.Debug("New peer with unknown best hash, assuming common block",
				"peer", who, "best", cs.bestQueuedNumber, "peer_best", bestNumber)
			cs.peers[who] = newPeerSync(who, bestHash, bestNumber, cs.bestQueuedNumber, peerAvailable)
			return nil, nil
		}

		// At genesis there is nothing to search for, just start downloading.
		if cs.bestQueuedNumber == 0 {
			cs.logger.Debug("New peer, starting from genesis",
				"peer", who, "hash", bestHash, "number", bestNumber)
			cs.peers[who] = newPeerSync(who, bestHash, bestNumber, 0, peerAvailable)
			cs.allowedRequests.add(who)
			return nil, nil
		}

		commonBest := minU64(cs.bestQueuedNumber, bestNumber)
		cs.logger.Debug("New peer with unknown best hash, searching for common ancestor",
			"peer", who, "hash", bestHash, "number", bestNumber)
		p := newPeerSync(who, bestHash, bestNumber, 0, peerAncestorSearch)
		p.ancestor = ancestorSearch{
			start:   cs.bestQueuedNumber,
			current: commonBest,
			state:   exponentialBackoffSearch(),
		}
		cs.peers[who] = p
		cs.allowedRequests.add(who)
		return ancestryRequest(commonBest), nil

	default:
		cs.logger.Debug("New peer with known best hash",
			"peer", who, "hash", bestHash, "number", bestNumber)
		common := minU64(cs.bestQueuedNumber, bestNumber)
		cs.peers[who] = newPeerSync(who, bestHash, bestNumber, common, peerAvailable)
		cs.allowedRequests.add(who)
		return nil, nil
	}
}

// PeerDisconnected drops all state for who. Blocks already downloaded from
// other peers that became contiguous are returned for import.
func (cs *ChainSync) PeerDisconnected(who p2p.ID) *ImportBlocks {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()

	cs.blocks.clearPeerDownload(who)
	delete(cs.peers, who)
	cs.extraJustifications.peerDisconnected(who)
	cs.allowedRequests.setAll()
	for hash, t := range cs.forkTargets {
		delete(t.peers, who)
		if len(t.peers) == 0 {
			delete(cs.forkTargets, hash)
		}
	}
	cs.metrics.Peers.Set(float64(len(cs.peers)))

	return cs.validateAndQueueBlocks(cs.readyBlocksLocked())
}

// OnValidatedBlockAnnounce records a block announcement that already passed
// validation. It updates the peer's best block, infers common numbers and
// registers fork targets for unknown blocks.
func (cs *ChainSync) OnValidatedBlockAnnounce(isBest bool, who p2p.ID, announce *BlockAnnounce) {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()

	number := announce.Header.Number
	hash := announce.Header.Hash()
	parentStatus := cs.blockStatusOrUnknown(announce.Header.ParentHash)
	knownParent := parentStatus != BlockStatusUnknown
	known := cs.isKnown(hash)

	peer, ok := cs.peers[who]
	if !ok {
		cs.logger.Error("Block announce from unknown peer", "peer", who)
		return
	}
	if peer.state == peerAncestorSearch {
		cs.logger.Trace("Peer is in ancestor search, ignoring announce", "peer", who)
		return
	}

	peer.recentlyAnnounced.Add(hash, struct{}{})
	if isBest {
		peer.bestNumber = number
		peer.bestHash = hash
	}

	// If the announced block is their best and not ahead of us, the common
	// number is either the announced block or its parent.
	if isBest {
		if known && cs.bestQueuedNumber >= number {
			peer.updateCommonNumber(number)
		} else if announce.Header.ParentHash == cs.bestQueuedHash ||
			(knownParent && cs.bestQueuedNumber >= number) {
			peer.updateCommonNumber(number - 1)
		}
	}
	cs.allowedRequests.add(who)

	if known || cs.isAlreadyDownloading(hash) {
		cs.logger.Trace("Known block announce", "peer", who, "number", number)
		if t, ok := cs.forkTargets[hash]; ok {
			t.peers[who] = struct{}{}
		}
		return
	}

	if cs.statusLocked().State == SyncStateIdle {
		cs.logger.Trace("Added sync target for announced block",
			"peer", who, "number", number, "hash", hash)
		parent := announce.Header.ParentHash
		cs.addForkTarget(hash, number, &parent, who)
	}
}

// SetSyncForkRequest is an external hint to fetch the given block from the
// given peers. An empty peer list selects every peer at or above number.
func (cs *ChainSync) SetSyncForkRequest(peers []p2p.ID, hash types.Hash, number uint64) {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()

	if len(peers) == 0 {
		for id, p := range cs.peers {
			if p.bestNumber >= number {
				peers = append(peers, id)
			}
		}
		cs.logger.Debug("Explicit sync request with no peers specified",
			"hash", hash, "number", number, "selected", len(peers))
	} else {
		cs.logger.Debug("Explicit sync request",
			"hash", hash, "number", number, "peers", len(peers))
	}

	if cs.isKnown(hash) {
		cs.logger.Debug("Refusing to sync known hash", "hash", hash)
		return
	}

	for _, id := range peers {
		peer, ok := cs.peers[id]
		if !ok || peer.state == peerAncestorSearch {
			continue
		}
		if number > peer.bestNumber {
			peer.bestNumber = number
			peer.bestHash = hash
		}
		cs.allowedRequests.add(id)
	}

	t, ok := cs.forkTargets[hash]
	if !ok {
		t = &forkTarget{number: number, peers: make(map[p2p.ID]struct{})}
		cs.forkTargets[hash] = t
	}
	for _, id := range peers {
		t.peers[id] = struct{}{}
	}
	cs.metrics.ForkTargets.Set(float64(len(cs.forkTargets)))
}

// OnBlockData processes a block response from who. The result may carry
// blocks for the import pipeline or a follow-up request to send to the same
// peer. Errors are either *BadPeer or ErrEmptyBlockResponse.
func (cs *ChainSync) OnBlockData(who p2p.ID, request *BlockRequest, response BlockResponse) (OnBlockData, error) {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()

	cs.downloadedBlocks += uint64(len(response.Blocks))
	cs.metrics.DownloadedBlocks.Add(float64(len(response.Blocks)))

	peer, ok := cs.peers[who]
	if !ok {
		// nothing was requested from this peer
		return OnBlockData{}, &BadPeer{ID: who, Rep: repNotRequested}
	}

	blocks := response.Blocks
	if request != nil && request.Direction == Descending {
		cs.logger.Trace("Reversing incoming block list", "peer", who)
		for i, j := 0, len(blocks)-1; i < j; i, j = i+1, j-1 {
			blocks[i], blocks[j] = blocks[j], blocks[i]
		}
	}
	cs.allowedRequests.add(who)

	var newBlocks []IncomingBlock
	if request != nil {
		switch peer.state {
		case peerDownloadingNew:
			cs.blocks.clearPeerDownload(who)
			peer.state = peerAvailable
			start, hasStart, err := validateBlocks(blocks, who, request)
			if err != nil {
				return OnBlockData{}, err
			}
			if hasStart {
				cs.blocks.insert(start, blocks, who)
			}
			newBlocks = cs.readyBlocksLocked()

		case peerDownloadingStale:
			hash := peer.staleHash
			peer.state = peerAvailable
			if len(blocks) == 0 {
				// the peer does not have the fork block, stop treating it
				// as a source
				cs.logger.Debug("Empty block response", "peer", who, "hash", hash)
				if t, ok := cs.forkTargets[hash]; ok {
					delete(t.peers, who)
					if len(t.peers) == 0 {
						delete(cs.forkTargets, hash)
					}
				}
				return OnBlockData{}, ErrEmptyBlockResponse
			}
			if _, _, err := validateBlocks(blocks, who, request); err != nil {
				return OnBlockData{}, err
			}
			newBlocks = incomingBlocks(blocks, who)

		case peerAncestorSearch:
			search := peer.ancestor
			if len(blocks) == 0 {
				cs.logger.Debug("Invalid response when searching for ancestor", "peer", who)
				return OnBlockData{}, &BadPeer{ID: who, Rep: repUnknownAncestor}
			}
			ourHash, haveHash, err := cs.backend.HashByNumber(search.current)
			if err != nil {
				cs.logger.Error("Error answering blockchain query", "err", err)
				return OnBlockData{}, &BadPeer{ID: who, Rep: repBlockchainReadError}
			}
			matched := haveHash && ourHash == blocks[0].Hash
			cs.logger.Trace("Got ancestry block",
				"peer", who, "number", search.current, "match", matched)
			if matched {
				if search.start < cs.bestQueuedNumber && cs.bestQueuedNumber <= peer.bestNumber {
					// the chain advanced since the search started, take the
					// updated number instead of the one the search pinned
					peer.commonNumber = cs.bestQueuedNumber
				} else if peer.commonNumber < search.current {
					peer.commonNumber = search.current
				}
			}
			if !matched && search.current == 0 {
				cs.logger.Trace("Ancestry search: genesis mismatch", "peer", who)
				return OnBlockData{}, &BadPeer{ID: who, Rep: repGenesisMismatch}
			}
			nextState, probe, done := nextAncestorSearch(search.state, search.current, matched)
			if !done {
				peer.ancestor = ancestorSearch{start: search.start, current: probe, state: nextState}
				return OnBlockData{Request: ancestryRequest(probe)}, nil
			}
			cs.logger.Trace("Ancestry search complete",
				"peer", who, "our_best", cs.bestQueuedNumber,
				"their_best", peer.bestNumber, "common", peer.commonNumber)
			// check if the peer sits on a stale fork unknown to us
			if peer.commonNumber < peer.bestNumber && peer.bestNumber < cs.bestQueuedNumber {
				cs.logger.Trace("Added fork target after ancestry search",
					"peer", who, "hash", peer.bestHash, "number", peer.bestNumber)
				cs.addForkTarget(peer.bestHash, peer.bestNumber, nil, who)
			}
			peer.state = peerAvailable

		case peerDownloadingJustification, peerAvailable:
			// no block data was requested in these states, drop the response
		}
	} else {
		// an unsolicited block push; accept it if it validates
		if _, _, err := validateBlocks(blocks, who, nil); err != nil {
			return OnBlockData{}, err
		}
		newBlocks = incomingBlocks(blocks, who)
	}

	return OnBlockData{Import: cs.validateAndQueueBlocks(newBlocks)}, nil
}

// OnBlockJustification processes a justification response from who. A
// non-empty response for the in-flight request is returned for import; an
// empty one demotes the request back to pending. A response from a peer with
// no request in flight returns ErrUnexpectedResponse, which callers log and
// ignore.
func (cs *ChainSync) OnBlockJustification(who p2p.ID, response BlockResponse) (OnBlockJustification, error) {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()

	peer, ok := cs.peers[who]
	if !ok {
		cs.logger.Error("Justification response from unknown peer", "peer", who)
		return OnBlockJustification{}, ErrUnexpectedResponse
	}
	cs.allowedRequests.add(who)
	if peer.state != peerDownloadingJustification {
		return OnBlockJustification{}, nil
	}
	hash := peer.justificationHash
	peer.state = peerAvailable

	var justification types.Justification
	if len(response.Blocks) > 0 {
		block := response.Blocks[0]
		if block.Hash != hash {
			cs.logger.Info("Invalid justification provided",
				"peer", who, "requested", hash, "got", block.Hash)
			return OnBlockJustification{}, &BadPeer{ID: who, Rep: repBadJustification}
		}
		justification = block.Justification
	} else {
		// we may have asked for a justification on a block the peer does
		// not actually have
		cs.logger.Trace("Empty justification response", "peer", who, "hash", hash)
	}

	if req, ok := cs.extraJustifications.onResponse(who, justification); ok {
		return OnBlockJustification{Import: &ImportJustification{
			Peer:          who,
			Hash:          req.hash,
			Number:        req.number,
			Justification: justification,
		}}, nil
	}
	return OnBlockJustification{}, nil
}

// OnBlocksProcessed handles feedback from the import queue. It may be called
// in chunks; replays of already-cleared hashes are no-ops. Failed imports
// produce BadPeer reports and restart actions.
func (cs *ChainSync) OnBlocksProcessed(imported, count int, results []BlockImportResult) ([]BlockRequestAction, []*BadPeer) {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()

	cs.logger.Trace("Blocks processed", "imported", imported, "count", count)
	for i := range results {
		delete(cs.queueBlocks, results[i].Hash)
		cs.blocks.clearQueued(results[i].Hash)
	}

	var (
		actions  []BlockRequestAction
		bad      []*BadPeer
		hasError bool
	)
	for _, res := range results {
		if hasError {
			break
		}
		if res.Err == nil {
			if res.Aux.ClearJustificationRequests {
				cs.logger.Trace("Block import clears all pending justification requests",
					"number", res.Number, "hash", res.Hash)
				cs.extraJustifications.reset()
			}
			if res.Aux.NeedsJustification {
				cs.logger.Trace("Block imported but requires justification",
					"number", res.Number, "hash", res.Hash)
				cs.extraJustifications.schedule(res.Hash, res.Number)
			}
			if res.Aux.BadJustification && res.Origin != "" {
				cs.logger.Info("Sent block with bad justification to import",
					"peer", res.Origin, "hash", res.Hash)
				bad = append(bad, &BadPeer{ID: res.Origin, Rep: repBadJustification})
			}
			if res.Origin != "" {
				if p, ok := cs.peers[res.Origin]; ok {
					p.updateCommonNumber(res.Number)
				}
			}
			continue
		}

		hasError = true
		switch res.Err.Kind {
		case ImportErrIncompleteHeader:
			if res.Origin != "" {
				cs.logger.Error("Peer sent block with incomplete header to import",
					"peer", res.Origin)
				bad = append(bad, &BadPeer{ID: res.Origin, Rep: repIncompleteHeader})
				a, b := cs.restart()
				actions = append(actions, a...)
				bad = append(bad, b...)
			}
		case ImportErrVerificationFailed:
			cs.logger.Error("Verification failed",
				"hash", res.Hash, "peer", res.Origin, "err", res.Err)
			if res.Origin != "" {
				bad = append(bad, &BadPeer{ID: res.Origin, Rep: repVerificationFail})
			}
			a, b := cs.restart()
			actions = append(actions, a...)
			bad = append(bad, b...)
		case ImportErrBadBlock:
			if res.Origin != "" {
				cs.logger.Error("Block received from peer has been blacklisted",
					"hash", res.Hash, "peer", res.Origin)
				bad = append(bad, &BadPeer{ID: res.Origin, Rep: repBadBlock})
			}
		case ImportErrMissingState:
			cs.logger.Trace("Obsolete block", "hash", res.Hash)
		default:
			cs.logger.Error("Error importing block", "hash", res.Hash, "err", res.Err)
			a, b := cs.restart()
			actions = append(actions, a...)
			bad = append(bad, b...)
		}
	}

	cs.allowedRequests.setAll()
	cs.metrics.QueuedBlocks.Set(float64(len(cs.queueBlocks)))
	return actions, bad
}

// RequestJustification schedules a justification download for the block.
func (cs *ChainSync) RequestJustification(hash types.Hash, number uint64) {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()
	cs.extraJustifications.schedule(hash, number)
}

// ClearJustificationRequests drops all scheduled justification requests.
func (cs *ChainSync) ClearJustificationRequests() {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()
	cs.extraJustifications.reset()
}

// OnJustificationImport records the outcome of a justification import. On
// failure the request is rescheduled.
func (cs *ChainSync) OnJustificationImport(hash types.Hash, number uint64, success bool) {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()
	cs.extraJustifications.tryFinalize(hash, number, success)
	cs.allowedRequests.setAll()
}

// OnBlockFinalized prunes justification requests that the finalized block
// made moot.
func (cs *ChainSync) OnBlockFinalized(hash types.Hash, number uint64) {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()
	err := cs.extraJustifications.onBlockFinalized(hash, number, cs.backend.IsDescendentOf)
	if err != nil {
		cs.logger.Error("Error cleaning up pending justification requests", "err", err)
	}
}

// UpdateChainInfo tells the engine the local best block moved outside of
// sync, e.g. a block authored locally.
func (cs *ChainSync) UpdateChainInfo(bestHash types.Hash, bestNumber uint64) {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()
	cs.onBlockQueued(bestHash, bestNumber)
}

// BlockRequests computes the block download requests to send this round.
// Scheduled peers leave the Available state until their response arrives.
func (cs *ChainSync) BlockRequests() []PeerBlockRequest {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()
	reqs := cs.blockRequestsLocked()
	cs.updateMetricsLocked()
	return reqs
}

func (cs *ChainSync) blockRequestsLocked() []PeerBlockRequest {
	if cs.allowedRequests.isEmpty() {
		return nil
	}
	if len(cs.queueBlocks) > MaxImportingBlocks {
		cs.logger.Trace("Too many blocks in the queue.")
		return nil
	}

	isMajorSyncing := cs.statusLocked().State == SyncStateDownloading
	attrs := AttributeHeader | AttributeBody | AttributeJustification
	info := cs.backend.Info()
	lastFinalized := minU64(cs.bestQueuedNumber, info.FinalizedNumber)
	bestQueued := cs.bestQueuedNumber
	allowed := cs.allowedRequests.take()
	maxParallel := cs.maxParallelDownloads
	if isMajorSyncing {
		maxParallel = 1
	}

	var requests []PeerBlockRequest
	for _, id := range sortedPeerIDs(cs.peers) {
		peer := cs.peers[id]
		if !peer.isAvailable() || !allowed.contains(id) {
			continue
		}
		if bestQueued-minU64(bestQueued, peer.commonNumber) > MaxBlocksToLookBackwards &&
			bestQueued < peer.bestNumber &&
			peer.commonNumber < lastFinalized &&
			len(cs.queueBlocks) <= MajorSyncBlocks {
			cs.logger.Trace("Peer common block too far behind our best, starting ancestry search",
				"peer", id, "common", peer.commonNumber, "best", bestQueued)
			current := minU64(peer.bestNumber, bestQueued)
			peer.state = peerAncestorSearch
			peer.ancestor = ancestorSearch{
				start:   bestQueued,
				current: current,
				state:   exponentialBackoffSearch(),
			}
			requests = append(requests, PeerBlockRequest{Peer: id, Request: ancestryRequest(current)})
		} else if rng, req, ok := cs.peerBlockRequest(id, peer, attrs, maxParallel, lastFinalized, bestQueued); ok {
			peer.state = peerDownloadingNew
			peer.downloadingFrom = rng.from
			cs.logger.Trace("New block request",
				"peer", id, "best", peer.bestNumber, "common", peer.commonNumber)
			requests = append(requests, PeerBlockRequest{Peer: id, Request: req})
		} else if hash, req, ok := forkSyncRequest(
			id, cs.forkTargets, bestQueued, lastFinalized, attrs,
			cs.blockStatusOrUnknown, cs.maxBlocksPerRequest,
		); ok {
			cs.logger.Trace("Downloading fork", "peer", id, "hash", hash)
			peer.state = peerDownloadingStale
			peer.staleHash = hash
			requests = append(requests, PeerBlockRequest{Peer: id, Request: req})
		}
	}
	return requests
}

func (cs *ChainSync) peerBlockRequest(
	id p2p.ID,
	peer *peerSync,
	attrs BlockAttributes,
	maxParallel uint32,
	finalized uint64,
	bestNum uint64,
) (numberRange, *BlockRequest, bool) {
	if bestNum >= peer.bestNumber {
		// their best was already queued, wait for announcements
		return numberRange{}, nil, false
	}
	if peer.commonNumber < finalized {
		cs.logger.Trace("Requesting pre-finalized chain",
			"peer", id, "common", peer.commonNumber, "finalized", finalized,
			"peer_best", peer.bestNumber, "our_best", bestNum)
	}
	rng, ok := cs.blocks.neededBlocks(
		id, cs.maxBlocksPerRequest, peer.bestNumber, peer.commonNumber,
		maxParallel, MaxDownloadAhead,
	)
	if !ok {
		return numberRange{}, nil, false
	}
	// the range end is exclusive
	last := rng.to - 1
	from := FromBlockByNumber(last)
	if peer.bestNumber == last {
		from = FromBlockByHash(peer.bestHash)
	}
	return rng, &BlockRequest{
		Fields:    attrs,
		From:      from,
		Direction: Descending,
		Max:       uint32(rng.to - rng.from),
	}, true
}

// JustificationRequests matches pending justification requests against
// available peers. Matched peers move to the downloading-justification state.
func (cs *ChainSync) JustificationRequests() []JustificationRequest {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()

	matcher := cs.extraJustifications.matcher()
	var out []JustificationRequest
	for {
		id, req, ok := matcher.next(cs.peers)
		if !ok {
			break
		}
		peer := cs.peers[id]
		peer.state = peerDownloadingJustification
		peer.justificationHash = req.hash
		out = append(out, JustificationRequest{Peer: id, Hash: req.hash, Number: req.number})
	}
	cs.metrics.PendingJustifications.Set(float64(len(cs.extraJustifications.pending)))
	cs.metrics.ActiveJustifications.Set(float64(len(cs.extraJustifications.active)))
	return out
}

// Restart re-derives every peer from its reported best, as if it had just
// connected. Peers downloading a justification keep their request. The
// returned actions tell the caller which in-flight requests to replace or
// drop.
func (cs *ChainSync) Restart() ([]BlockRequestAction, []*BadPeer) {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()
	return cs.restart()
}

func (cs *ChainSync) restart() ([]BlockRequestAction, []*BadPeer) {
	cs.blocks.clear()
	info := cs.backend.Info()
	cs.bestQueuedHash = info.BestHash
	cs.bestQueuedNumber = info.BestNumber
	cs.allowedRequests.setAll()
	cs.logger.Debug("Restarted sync",
		"best", cs.bestQueuedNumber, "hash", cs.bestQueuedHash)

	old := cs.peers
	cs.peers = make(map[p2p.ID]*peerSync, len(old))

	var (
		actions []BlockRequestAction
		bad     []*BadPeer
	)
	for _, id := range sortedPeerIDs(old) {
		p := old[id]
		if p.state == peerDownloadingJustification {
			// keep the peer and its in-flight justification request, with a
			// common number we actually have
			cs.logger.Trace("Keeping peer after restart",
				"peer", id, "common", p.commonNumber, "new_common", cs.bestQueuedNumber)
			p.commonNumber = cs.bestQueuedNumber
			cs.peers[id] = p
			continue
		}
		req, err := cs.newPeerInner(id, p.bestHash, p.bestNumber)
		if err != nil {
			var bp *BadPeer
			if errors.As(err, &bp) {
				bad = append(bad, bp)
			}
			continue
		}
		actions = append(actions, BlockRequestAction{Peer: id, Request: req})
	}
	return actions, bad
}

// Status reports sync progress.
func (cs *ChainSync) Status() Status {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()
	return cs.statusLocked()
}

func (cs *ChainSync) statusLocked() Status {
	bestSeen := cs.medianBestSeen()
	state := SyncStateIdle
	if bestSeen > cs.bestQueuedNumber+MajorSyncBlocks {
		state = SyncStateDownloading
	}
	return Status{
		State:         state,
		BestSeenBlock: bestSeen,
		NumPeers:      len(cs.peers),
		QueuedBlocks:  len(cs.queueBlocks),
	}
}

// medianBestSeen is the median of the peers' reported best numbers, 0 with
// no peers.
func (cs *ChainSync) medianBestSeen() uint64 {
	if len(cs.peers) == 0 {
		return 0
	}
	bests := make([]uint64, 0, len(cs.peers))
	for _, p := range cs.peers {
		bests = append(bests, p.bestNumber)
	}
	sort.Slice(bests, func(i, j int) bool { return bests[i] < bests[j] })
	return bests[len(bests)/2]
}

// NumPeers returns the number of tracked peers.
func (cs *ChainSync) NumPeers() int {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()
	return len(cs.peers)
}

// PeerInfo returns the tracked view of a peer.
func (cs *ChainSync) PeerInfo(who p2p.ID) (PeerInfo, bool) {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()
	p, ok := cs.peers[who]
	if !ok {
		return PeerInfo{}, false
	}
	return p.info(), true
}

// NumDownloadedBlocks returns the number of blocks downloaded so far.
func (cs *ChainSync) NumDownloadedBlocks() uint64 {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()
	return cs.downloadedBlocks
}

// BestQueued returns the hash and number of the best queued block.
func (cs *ChainSync) BestQueued() (types.Hash, uint64) {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()
	return cs.bestQueuedHash, cs.bestQueuedNumber
}

//
// internals, caller holds cs.mtx
//

func (cs *ChainSync) blockStatus(hash types.Hash) (BlockStatus, error) {
	if _, ok := cs.queueBlocks[hash]; ok {
		return BlockStatusQueued, nil
	}
	return cs.backend.BlockStatus(hash)
}

func (cs *ChainSync) blockStatusOrUnknown(hash types.Hash) BlockStatus {
	status, err := cs.blockStatus(hash)
	if err != nil {
		return BlockStatusUnknown
	}
	return status
}

func (cs *ChainSync) isKnown(hash types.Hash) bool {
	return cs.blockStatusOrUnknown(hash) != BlockStatusUnknown
}

func (cs *ChainSync) isAlreadyDownloading(hash types.Hash) bool {
	for _, p := range cs.peers {
		if p.state == peerDownloadingStale && p.staleHash == hash {
			return true
		}
	}
	return false
}

func (cs *ChainSync) isRecentlyAnnounced(hash types.Hash) bool {
	for _, p := range cs.peers {
		if p.recentlyAnnounced.Contains(hash) {
			return true
		}
	}
	return false
}

func (cs *ChainSync) addForkTarget(hash types.Hash, number uint64, parentHash *types.Hash, who p2p.ID) {
	t, ok := cs.forkTargets[hash]
	if !ok {
		t = &forkTarget{number: number, parentHash: parentHash, peers: make(map[p2p.ID]struct{})}
		cs.forkTargets[hash] = t
	}
	t.peers[who] = struct{}{}
}

func (cs *ChainSync) readyBlocksLocked() []IncomingBlock {
	ready := cs.blocks.readyBlocks(cs.bestQueuedNumber + 1)
	out := make([]IncomingBlock, 0, len(ready))
	for _, b := range ready {
		out = append(out, IncomingBlock{
			Hash:          b.block.Hash,
			Header:        b.block.Header,
			Body:          b.block.Body,
			Justification: b.block.Justification,
			Origin:        b.origin,
		})
	}
	return out
}

// validateAndQueueBlocks filters out blocks already queued, classifies the
// origin and advances the best queued pointer.
func (cs *ChainSync) validateAndQueueBlocks(newBlocks []IncomingBlock) *ImportBlocks {
	if len(newBlocks) == 0 {
		return nil
	}
	origLen := len(newBlocks)
	filtered := newBlocks[:0]
	for _, b := range newBlocks {
		if _, ok := cs.queueBlocks[b.Hash]; !ok {
			filtered = append(filtered, b)
		}
	}
	newBlocks = filtered
	if len(newBlocks) != origLen {
		cs.logger.Debug("Ignoring blocks that are already queued",
			"count", origLen-len(newBlocks))
	}
	if len(newBlocks) == 0 {
		return nil
	}

	origin := OriginInitialSync
	if cs.isRecentlyAnnounced(newBlocks[0].Hash) {
		origin = OriginBroadcast
	}

	if last := newBlocks[len(newBlocks)-1]; last.Header != nil {
		cs.logger.Trace("Accepted blocks",
			"count", len(newBlocks), "origin", origin, "up_to", last.Header.Number)
		cs.onBlockQueued(last.Hash, last.Header.Number)
	}
	for _, b := range newBlocks {
		cs.queueBlocks[b.Hash] = struct{}{}
	}
	cs.metrics.QueuedBlocks.Set(float64(len(cs.queueBlocks)))
	return &ImportBlocks{Origin: origin, Blocks: newBlocks}
}

// onBlockQueued advances the best queued pointer and refreshes peer common
// numbers.
func (cs *ChainSync) onBlockQueued(hash types.Hash, number uint64) {
	if _, ok := cs.forkTargets[hash]; ok {
		delete(cs.forkTargets, hash)
		cs.logger.Trace("Completed fork sync", "hash", hash)
	}
	if number > cs.bestQueuedNumber {
		cs.bestQueuedNumber = number
		cs.bestQueuedHash = hash
		for _, peer := range cs.peers {
			if peer.state == peerAncestorSearch {
				// wait for the search to finish
				continue
			}
			peer.commonNumber = minU64(number, peer.bestNumber)
		}
		cs.allowedRequests.setAll()
	}
}

func (cs *ChainSync) updateMetricsLocked() {
	status := cs.statusLocked()
	syncing := 0.0
	if status.State == SyncStateDownloading {
		syncing = 1
	}
	cs.metrics.Syncing.Set(syncing)
	cs.metrics.Peers.Set(float64(len(cs.peers)))
	cs.metrics.QueuedBlocks.Set(float64(len(cs.queueBlocks)))
	cs.metrics.ForkTargets.Set(float64(len(cs.forkTargets)))
	cs.metrics.PendingJustifications.Set(float64(len(cs.extraJustifications.pending)))
	cs.metrics.ActiveJustifications.Set(float64(len(cs.extraJustifications.active)))
}

// validateBlocks checks a response against its request: no more blocks than
// asked for, the anchor block matches, requested fields are present and
// header hashes and body roots are consistent. It returns the number of the
// first block when a header is present.
func validateBlocks(blocks []types.BlockData, who p2p.ID, request *BlockRequest) (uint64, bool, error) {
	if request != nil {
		if uint32(len(blocks)) > request.Max && request.Max > 0 {
			return 0, false, &BadPeer{ID: who, Rep: repNotRequested}
		}

		// the anchor is the first block for ascending requests and the last
		// for descending ones; descending responses arrive here already
		// reversed into ascending order
		var anchor *types.Header
		if len(blocks) > 0 {
			if request.Direction == Descending {
				anchor = blocks[len(blocks)-1].Header
			} else {
				anchor = blocks[0].Header
			}
		}
		if anchor != nil {
			ok := false
			if h, byHash := request.From.Hash(); byHash {
				ok = anchor.Hash() == h
			} else if n, byNumber := request.From.Number(); byNumber {
				ok = anchor.Number == n
			}
			if !ok {
				return 0, false, &BadPeer{ID: who, Rep: repNotRequested}
			}
		}

		if request.Fields.Has(AttributeHeader) {
			for i := range blocks {
				if blocks[i].Header == nil {
					return 0, false, &BadPeer{ID: who, Rep: repBadResponse}
				}
			}
		}
		if request.Fields.Has(AttributeBody) {
			for i := range blocks {
				if blocks[i].Body == nil {
					return 0, false, &BadPeer{ID: who, Rep: repBadResponse}
				}
			}
		}
	}

	for i := range blocks {
		b := &blocks[i]
		if b.Header != nil {
			if b.Header.Hash() != b.Hash {
				return 0, false, &BadPeer{ID: who, Rep: repBadBlock}
			}
			if b.Body != nil && b.Header.ExtrinsicsRoot != b.Body.Root() {
				return 0, false, &BadPeer{ID: who, Rep: repBadBlock}
			}
		}
	}

	if len(blocks) > 0 && blocks[0].Header != nil {
		return blocks[0].Header.Number, true, nil
	}
	return 0, false, nil
}

func incomingBlocks(blocks []types.BlockData, who p2p.ID) []IncomingBlock {
	out := make([]IncomingBlock, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, IncomingBlock{
			Hash:          b.Hash,
			Header:        b.Header,
			Body:          b.Body,
			Justification: b.Justification,
			Origin:        who,
		})
	}
	return out
}

func sortedPeerIDs(peers map[p2p.ID]*peerSync) []p2p.ID {
	ids := make([]p2p.ID, 0, len(peers))
	for id := range peers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
