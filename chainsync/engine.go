package chainsync

import (
	"errors"
	"time"

	"github.com/paritytech/polkadot-sdk-sub025/libs/service"
	"github.com/paritytech/polkadot-sdk-sub025/p2p"
	"github.com/paritytech/polkadot-sdk-sub025/types"
)

const (
	// tickTimeout is how often the engine re-runs the schedulers.
	tickTimeout = 1100 * time.Millisecond

	actionsChCap = 1000
)

// Action is one instruction the engine hands to its driver. Exactly one
// field is set.
type Action struct {
	// SendBlockRequest: send the block request to the peer.
	SendBlockRequest *PeerBlockRequest
	// SendJustificationRequest: fetch a justification from the peer.
	SendJustificationRequest *JustificationRequest
	// CancelBlockRequest: drop the in-flight block request to the peer.
	CancelBlockRequest *p2p.ID
	// DropPeer: apply the reputation change and disconnect the peer.
	DropPeer *BadPeer
	// ImportBlocks: hand the blocks to the import queue.
	ImportBlocks *ImportBlocks
	// ImportJustification: hand the justification to the finality pipeline.
	ImportJustification *ImportJustification
}

// Engine wraps a ChainSync in a service loop: a ticker re-runs the request
// schedulers and every outcome is delivered to the driver over the Actions
// channel. The driver feeds network events back in through the On* methods.
type Engine struct {
	service.BaseService

	sync         *ChainSync
	tickInterval time.Duration
	actionsCh    chan Action
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithTickInterval overrides how often the schedulers run.
func WithTickInterval(d time.Duration) EngineOption {
	return func(e *Engine) { e.tickInterval = d }
}

// NewEngine creates an engine around sync.
func NewEngine(sync *ChainSync, opts ...EngineOption) *Engine {
	e := &Engine{
		sync:         sync,
		tickInterval: tickTimeout,
		actionsCh:    make(chan Action, actionsChCap),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.BaseService = *service.NewBaseService(nil, "Engine", e)
	return e
}

// Actions returns the channel the engine emits its instructions on.
func (e *Engine) Actions() <-chan Action {
	return e.actionsCh
}

// OnStart implements service.Service.
func (e *Engine) OnStart() error {
	e.sync.SetLogger(e.Logger)
	go e.tickRoutine()
	return nil
}

// OnStop implements service.Service.
func (e *Engine) OnStop() {}

func (e *Engine) tickRoutine() {
	ticker := time.NewTicker(e.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.Quit():
			return
		case <-ticker.C:
			e.tick()
		}
	}
}

func (e *Engine) tick() {
	for _, r := range e.sync.JustificationRequests() {
		r := r
		e.emit(Action{SendJustificationRequest: &r})
	}
	for _, r := range e.sync.BlockRequests() {
		r := r
		e.emit(Action{SendBlockRequest: &r})
	}
}

func (e *Engine) emit(a Action) {
	select {
	case e.actionsCh <- a:
	case <-e.Quit():
	}
}

// NewPeer registers a connected peer.
func (e *Engine) NewPeer(who p2p.ID, bestHash types.Hash, bestNumber uint64) {
	req, err := e.sync.NewPeer(who, bestHash, bestNumber)
	if err != nil {
		e.emitBadPeer(err)
		return
	}
	if req != nil {
		e.emit(Action{SendBlockRequest: &PeerBlockRequest{Peer: who, Request: req}})
	}
}

// PeerDisconnected drops a peer.
func (e *Engine) PeerDisconnected(who p2p.ID) {
	if imp := e.sync.PeerDisconnected(who); imp != nil {
		e.emit(Action{ImportBlocks: imp})
	}
}

// OnBlockData feeds a block response in.
func (e *Engine) OnBlockData(who p2p.ID, request *BlockRequest, response BlockResponse) {
	res, err := e.sync.OnBlockData(who, request, response)
	if err != nil {
		if errors.Is(err, ErrEmptyBlockResponse) {
			return
		}
		e.emitBadPeer(err)
		return
	}
	if res.Import != nil {
		e.emit(Action{ImportBlocks: res.Import})
	}
	if res.Request != nil {
		e.emit(Action{SendBlockRequest: &PeerBlockRequest{Peer: who, Request: res.Request}})
	}
}

// OnBlockJustification feeds a justification response in.
func (e *Engine) OnBlockJustification(who p2p.ID, response BlockResponse) {
	res, err := e.sync.OnBlockJustification(who, response)
	if err != nil {
		if errors.Is(err, ErrUnexpectedResponse) {
			return
		}
		e.emitBadPeer(err)
		return
	}
	if res.Import != nil {
		e.emit(Action{ImportJustification: res.Import})
	}
}

// OnBlocksProcessed feeds import queue feedback in.
func (e *Engine) OnBlocksProcessed(imported, count int, results []BlockImportResult) {
	actions, bad := e.sync.OnBlocksProcessed(imported, count, results)
	for _, a := range actions {
		if a.IsRemoveStale() {
			peer := a.Peer
			e.emit(Action{CancelBlockRequest: &peer})
		} else {
			e.emit(Action{SendBlockRequest: &PeerBlockRequest{Peer: a.Peer, Request: a.Request}})
		}
	}
	for _, bp := range bad {
		e.emit(Action{DropPeer: bp})
	}
}

// OnValidatedBlockAnnounce feeds a validated announcement in.
func (e *Engine) OnValidatedBlockAnnounce(isBest bool, who p2p.ID, announce *BlockAnnounce) {
	e.sync.OnValidatedBlockAnnounce(isBest, who, announce)
}

// SetSyncForkRequest asks for an explicit fork download.
func (e *Engine) SetSyncForkRequest(peers []p2p.ID, hash types.Hash, number uint64) {
	e.sync.SetSyncForkRequest(peers, hash, number)
}

// RequestJustification schedules a justification download.
func (e *Engine) RequestJustification(hash types.Hash, number uint64) {
	e.sync.RequestJustification(hash, number)
}

// ClearJustificationRequests drops all scheduled justification requests.
func (e *Engine) ClearJustificationRequests() {
	e.sync.ClearJustificationRequests()
}

// OnJustificationImport records the outcome of a justification import.
func (e *Engine) OnJustificationImport(hash types.Hash, number uint64, success bool) {
	e.sync.OnJustificationImport(hash, number, success)
}

// OnBlockFinalized records a newly finalized block.
func (e *Engine) OnBlockFinalized(hash types.Hash, number uint64) {
	e.sync.OnBlockFinalized(hash, number)
}

// UpdateChainInfo tells the engine the local best block moved.
func (e *Engine) UpdateChainInfo(bestHash types.Hash, bestNumber uint64) {
	e.sync.UpdateChainInfo(bestHash, bestNumber)
}

// Status reports sync progress.
func (e *Engine) Status() Status {
	return e.sync.Status()
}

func (e *Engine) emitBadPeer(err error) {
	var bp *BadPeer
	if errors.As(err, &bp) {
		e.emit(Action{DropPeer: bp})
	}
}
