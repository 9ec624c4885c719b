// Package store persists block headers in a key-value database and serves
// as the chain backend the sync engine schedules against.
package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	dbm "github.com/cometbft/cometbft-db"

	"github.com/paritytech/polkadot-sdk-sub025/chainsync"
	libsync "github.com/paritytech/polkadot-sdk-sub025/libs/sync"
	"github.com/paritytech/polkadot-sdk-sub025/types"
)

// Backend conformance.
var _ chainsync.Backend = (*HeaderStore)(nil)

// storeStateKey holds the persisted HeaderStoreState.
var storeStateKey = []byte("headerStoreState")

// HeaderStoreState is the persisted bookkeeping of a HeaderStore.
type HeaderStoreState struct {
	Base            uint64     `json:"base"`
	Height          uint64     `json:"height"`
	BestHash        types.Hash `json:"best_hash"`
	GenesisHash     types.Hash `json:"genesis_hash"`
	FinalizedHash   types.Hash `json:"finalized_hash"`
	FinalizedNumber uint64     `json:"finalized_number"`
}

// HeaderStore stores headers by hash plus a canonical number-to-hash index.
// Only headers extending the current best advance the canonical chain; fork
// headers are retained by hash so descendancy can still be resolved.
type HeaderStore struct {
	db dbm.DB

	mtx   libsync.RWMutex
	state HeaderStoreState

	// badBlocks are hashes that failed import, kept in memory only.
	badBlocks map[types.Hash]struct{}
}

// NewHeaderStore loads or initializes a header store on db.
func NewHeaderStore(db dbm.DB) (*HeaderStore, error) {
	s := &HeaderStore{
		db:        db,
		badBlocks: make(map[types.Hash]struct{}),
	}
	bz, err := db.Get(storeStateKey)
	if err != nil {
		return nil, err
	}
	if len(bz) > 0 {
		if err := json.Unmarshal(bz, &s.state); err != nil {
			return nil, fmt.Errorf("could not unmarshal header store state: %w", err)
		}
	}
	return s, nil
}

// SaveHeader stores a header. When it extends the current best chain (or is
// the genesis header of an empty store), the canonical index and the best
// pointer advance with it.
func (s *HeaderStore) SaveHeader(h *types.Header) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	hash := h.Hash()
	if err := s.db.Set(headerKey(hash), h.Bytes()); err != nil {
		return err
	}

	genesis := h.Number == 0 && s.state.BestHash.IsZero()
	extendsBest := h.Number == s.state.Height+1 && h.ParentHash == s.state.BestHash
	if !genesis && !extendsBest {
		return nil
	}

	if err := s.db.Set(hashKey(h.Number), hash.Bytes()); err != nil {
		return err
	}
	if genesis {
		s.state.GenesisHash = hash
		s.state.FinalizedHash = hash
	}
	s.state.Height = h.Number
	s.state.BestHash = hash
	return s.saveState()
}

// Header returns the header with the given hash, or nil if unknown.
func (s *HeaderStore) Header(hash types.Hash) (*types.Header, error) {
	bz, err := s.db.Get(headerKey(hash))
	if err != nil {
		return nil, err
	}
	if len(bz) == 0 {
		return nil, nil
	}
	return types.HeaderFromBytes(bz)
}

// HashByNumber returns the canonical hash at the given height.
func (s *HeaderStore) HashByNumber(number uint64) (types.Hash, bool, error) {
	s.mtx.RLock()
	height := s.state.Height
	s.mtx.RUnlock()
	if number > height {
		return types.Hash{}, false, nil
	}
	bz, err := s.db.Get(hashKey(number))
	if err != nil {
		return types.Hash{}, false, err
	}
	if len(bz) == 0 {
		return types.Hash{}, false, nil
	}
	hash, err := types.HashFromBytes(bz)
	if err != nil {
		return types.Hash{}, false, err
	}
	return hash, true, nil
}

// BlockStatus implements chainsync.Backend.
func (s *HeaderStore) BlockStatus(hash types.Hash) (chainsync.BlockStatus, error) {
	s.mtx.RLock()
	_, bad := s.badBlocks[hash]
	s.mtx.RUnlock()
	if bad {
		return chainsync.BlockStatusKnownBad, nil
	}
	h, err := s.Header(hash)
	if err != nil {
		return chainsync.BlockStatusUnknown, err
	}
	if h == nil {
		return chainsync.BlockStatusUnknown, nil
	}
	return chainsync.BlockStatusInChain, nil
}

// IsDescendentOf walks block's ancestry down to base's height.
func (s *HeaderStore) IsDescendentOf(base, block types.Hash) (bool, error) {
	if base == block {
		return true, nil
	}
	baseHeader, err := s.Header(base)
	if err != nil {
		return false, err
	}
	if baseHeader == nil {
		return false, fmt.Errorf("unknown base block %v", base)
	}
	cur, err := s.Header(block)
	if err != nil {
		return false, err
	}
	if cur == nil {
		return false, fmt.Errorf("unknown block %v", block)
	}
	for cur.Number > baseHeader.Number {
		parent, err := s.Header(cur.ParentHash)
		if err != nil {
			return false, err
		}
		if parent == nil {
			return false, nil
		}
		if cur.ParentHash == base {
			return true, nil
		}
		cur = parent
	}
	return false, nil
}

// Info implements chainsync.Backend.
func (s *HeaderStore) Info() chainsync.ChainInfo {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return chainsync.ChainInfo{
		BestHash:        s.state.BestHash,
		BestNumber:      s.state.Height,
		GenesisHash:     s.state.GenesisHash,
		FinalizedHash:   s.state.FinalizedHash,
		FinalizedNumber: s.state.FinalizedNumber,
	}
}

// SetFinalized moves the finalized pointer; the block must be known.
func (s *HeaderStore) SetFinalized(hash types.Hash, number uint64) error {
	h, err := s.Header(hash)
	if err != nil {
		return err
	}
	if h == nil {
		return fmt.Errorf("cannot finalize unknown block %v", hash)
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.state.FinalizedHash = hash
	s.state.FinalizedNumber = number
	return s.saveState()
}

// MarkBad remembers a hash as failed import.
func (s *HeaderStore) MarkBad(hash types.Hash) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.badBlocks[hash] = struct{}{}
}

// PruneHeaders removes canonical headers strictly below height and moves the
// base up. It returns the number of pruned headers.
func (s *HeaderStore) PruneHeaders(height uint64) (uint64, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if height > s.state.Height {
		return 0, fmt.Errorf("cannot prune beyond store height %d", s.state.Height)
	}
	pruned := uint64(0)
	batch := s.db.NewBatch()
	defer batch.Close()
	for n := s.state.Base; n < height; n++ {
		bz, err := s.db.Get(hashKey(n))
		if err != nil {
			return pruned, err
		}
		if len(bz) > 0 {
			hash, err := types.HashFromBytes(bz)
			if err != nil {
				return pruned, err
			}
			if err := batch.Delete(headerKey(hash)); err != nil {
				return pruned, err
			}
		}
		if err := batch.Delete(hashKey(n)); err != nil {
			return pruned, err
		}
		pruned++
	}
	s.state.Base = height
	if err := batch.WriteSync(); err != nil {
		return pruned, err
	}
	return pruned, s.saveState()
}

// Base returns the lowest retained canonical height.
func (s *HeaderStore) Base() uint64 {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.state.Base
}

// Height returns the best canonical height.
func (s *HeaderStore) Height() uint64 {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.state.Height
}

// saveState persists the bookkeeping blob. Caller holds s.mtx.
func (s *HeaderStore) saveState() error {
	bz, err := json.Marshal(s.state)
	if err != nil {
		return err
	}
	return s.db.SetSync(storeStateKey, bz)
}

func headerKey(hash types.Hash) []byte {
	return append([]byte("H:"), hash.Bytes()...)
}

func hashKey(number uint64) []byte {
	key := make([]byte, 2+8)
	copy(key, "N:")
	binary.BigEndian.PutUint64(key[2:], number)
	return key
}
