package chainsync

import (
	"sort"
	"time"

	"github.com/paritytech/polkadot-sdk-sub025/p2p"
	"github.com/paritytech/polkadot-sdk-sub025/types"
)

// extraRetryWait is how long a failed justification request is held against
// the same peer before it may be retried.
const extraRetryWait = 10 * time.Second

// extraRequest identifies one justification request.
type extraRequest struct {
	hash   types.Hash
	number uint64
}

type failedAttempt struct {
	peer p2p.ID
	when time.Time
}

// extraRequests tracks justification requests through their lifecycle:
// pending (scheduled, no peer yet), active (in flight against one peer) and
// importing (handed to the finality pipeline). Failed attempts are remembered
// per peer for a grace period so the matcher doesn't hammer the same peer.
type extraRequests struct {
	pending   []extraRequest
	active    map[p2p.ID]extraRequest
	failed    map[extraRequest][]failedAttempt
	importing map[extraRequest]struct{}

	bestSeenFinalized uint64

	// requestTypeName labels log lines and metrics.
	requestTypeName string
}

func newExtraRequests(requestTypeName string) *extraRequests {
	e := &extraRequests{requestTypeName: requestTypeName}
	e.reset()
	return e
}

func (e *extraRequests) reset() {
	e.pending = nil
	e.active = make(map[p2p.ID]extraRequest)
	e.failed = make(map[extraRequest][]failedAttempt)
	e.importing = make(map[extraRequest]struct{})
}

// schedule queues a request unless it is already tracked or cannot be
// finalized anymore.
func (e *extraRequests) schedule(hash types.Hash, number uint64) {
	if number <= e.bestSeenFinalized {
		return
	}
	req := extraRequest{hash, number}
	if _, ok := e.importing[req]; ok {
		return
	}
	for _, p := range e.pending {
		if p == req {
			return
		}
	}
	for _, a := range e.active {
		if a == req {
			return
		}
	}
	e.pending = append(e.pending, req)
}

// onResponse resolves who's active request. A non-nil justification moves the
// entry to importing and returns it; an empty response demotes the entry back
// to the front of the pending queue and records the failed attempt.
func (e *extraRequests) onResponse(who p2p.ID, justification types.Justification) (extraRequest, bool) {
	req, ok := e.active[who]
	if !ok {
		return extraRequest{}, false
	}
	delete(e.active, who)
	if justification != nil {
		e.importing[req] = struct{}{}
		return req, true
	}
	e.failed[req] = append(e.failed[req], failedAttempt{peer: who, when: time.Now()})
	e.pending = append([]extraRequest{req}, e.pending...)
	return extraRequest{}, false
}

// peerDisconnected demotes who's active request, if any, back to pending.
func (e *extraRequests) peerDisconnected(who p2p.ID) {
	req, ok := e.active[who]
	if !ok {
		return
	}
	delete(e.active, who)
	e.pending = append([]extraRequest{req}, e.pending...)
}

// tryFinalize resolves an importing entry. On success the whole ledger below
// the finalized block is moot and is dropped; on failure the entry is
// rescheduled. Returns false if the entry was not importing.
func (e *extraRequests) tryFinalize(hash types.Hash, number uint64, success bool) bool {
	req := extraRequest{hash, number}
	if _, ok := e.importing[req]; !ok {
		return false
	}
	delete(e.importing, req)
	if !success {
		e.pending = append([]extraRequest{req}, e.pending...)
		return true
	}
	e.bestSeenFinalized = number
	e.pending = nil
	e.active = make(map[p2p.ID]extraRequest)
	e.failed = make(map[extraRequest][]failedAttempt)
	return true
}

// onBlockFinalized prunes entries that can no longer be finalized: those at
// or below the finalized number (other than the finalized block itself, which
// may still be importing) and those on competing forks.
func (e *extraRequests) onBlockFinalized(
	hash types.Hash,
	number uint64,
	isDescendentOf func(base, block types.Hash) (bool, error),
) error {
	if _, ok := e.importing[extraRequest{hash, number}]; ok {
		// finalization of this very block is in flight, bookkeeping happens
		// in tryFinalize
		return nil
	}
	if number > e.bestSeenFinalized {
		e.bestSeenFinalized = number
	}
	keep := e.pending[:0]
	for _, req := range e.pending {
		if req.number <= number {
			delete(e.failed, req)
			continue
		}
		desc, err := isDescendentOf(hash, req.hash)
		if err != nil {
			return err
		}
		if !desc {
			delete(e.failed, req)
			continue
		}
		keep = append(keep, req)
	}
	e.pending = keep
	return nil
}

// matcher returns a one-shot matcher over the current pending queue.
func (e *extraRequests) matcher() *extraRequestsMatcher {
	return &extraRequestsMatcher{extras: e, remaining: len(e.pending)}
}

// extraRequestsMatcher pairs pending requests with available peers, rotating
// through the pending queue at most once.
type extraRequestsMatcher struct {
	extras    *extraRequests
	remaining int
}

func (m *extraRequestsMatcher) next(peers map[p2p.ID]*peerSync) (p2p.ID, extraRequest, bool) {
	if m.remaining == 0 {
		return "", extraRequest{}, false
	}
	e := m.extras

	// forget failed attempts that are old enough to retry
	for req, attempts := range e.failed {
		fresh := attempts[:0]
		for _, a := range attempts {
			if time.Since(a.when) < extraRetryWait {
				fresh = append(fresh, a)
			}
		}
		if len(fresh) == 0 {
			delete(e.failed, req)
		} else {
			e.failed[req] = fresh
		}
	}

	ids := make([]p2p.ID, 0, len(peers))
	for id := range peers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for m.remaining > 0 && len(e.pending) > 0 {
		req := e.pending[0]
		e.pending = e.pending[1:]
		for _, id := range ids {
			peer := peers[id]
			if !peer.isAvailable() {
				continue
			}
			// only ask peers that have synced at least up to the block
			if peer.bestNumber < req.number {
				continue
			}
			// one extra request per peer at a time
			if _, ok := e.active[id]; ok {
				continue
			}
			if m.failedRecently(req, id) {
				continue
			}
			e.active[id] = req
			return id, req, true
		}
		e.pending = append(e.pending, req)
		m.remaining--
	}
	return "", extraRequest{}, false
}

func (m *extraRequestsMatcher) failedRecently(req extraRequest, id p2p.ID) bool {
	for _, a := range m.extras.failed[req] {
		if a.peer == id {
			return true
		}
	}
	return false
}
