package chainsync

import (
	"sort"

	"github.com/paritytech/polkadot-sdk-sub025/p2p"
	"github.com/paritytech/polkadot-sdk-sub025/types"
)

// numberRange is a half-open run of block numbers [from, to).
type numberRange struct {
	from, to uint64
}

type rangeState int

const (
	rangeDownloading rangeState = iota
	rangeComplete
	rangeQueued
)

// peerBlock is a downloaded block together with the peer it came from.
type peerBlock struct {
	origin p2p.ID
	block  types.BlockData
}

type blockRange struct {
	state rangeState
	// length of the range; for rangeComplete it is len(blocks)
	length uint64
	// number of peers downloading this range in parallel
	downloading uint32
	blocks      []peerBlock
}

func (r *blockRange) len() uint64 {
	if r.state == rangeComplete {
		return uint64(len(r.blocks))
	}
	return r.length
}

// blockCollection keeps track of downloaded block ranges: which runs of
// numbers are being fetched, which are complete, and which were already
// handed to the import queue.
type blockCollection struct {
	ranges       map[uint64]*blockRange
	peerRequests map[p2p.ID]uint64
	// queuedBlocks maps the first hash of a queued range to its number span
	// so the range can be dropped once the import queue reports back.
	queuedBlocks map[types.Hash]numberRange
}

func newBlockCollection() *blockCollection {
	c := &blockCollection{}
	c.clear()
	return c
}

func (c *blockCollection) clear() {
	c.ranges = make(map[uint64]*blockRange)
	c.peerRequests = make(map[p2p.ID]uint64)
	c.queuedBlocks = make(map[types.Hash]numberRange)
}

func (c *blockCollection) sortedStarts() []uint64 {
	starts := make([]uint64, 0, len(c.ranges))
	for s := range c.ranges {
		starts = append(starts, s)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })
	return starts
}

// insert stores a completed download beginning at start.
func (c *blockCollection) insert(start uint64, blocks []types.BlockData, who p2p.ID) {
	if len(blocks) == 0 {
		return
	}
	if r, ok := c.ranges[start]; ok {
		switch r.state {
		case rangeDownloading:
			// another peer is still marked as downloading this range;
			// their copy loses
		case rangeComplete:
			if uint64(len(r.blocks)) >= uint64(len(blocks)) {
				return
			}
		case rangeQueued:
			return
		}
	}
	pb := make([]peerBlock, len(blocks))
	for i, b := range blocks {
		pb[i] = peerBlock{origin: who, block: b}
	}
	c.ranges[start] = &blockRange{state: rangeComplete, blocks: pb}
}

// neededBlocks picks the next range for who to download: either join an
// in-progress range below the parallel cap, or the first gap after the
// common block. Returns ok=false when there is nothing useful to fetch.
func (c *blockCollection) neededBlocks(
	who p2p.ID,
	count uint32,
	peerBest uint64,
	common uint64,
	maxParallel uint32,
	maxAhead uint64,
) (numberRange, bool) {
	if _, ok := c.peerRequests[who]; ok {
		// peer is already downloading something
		return numberRange{}, false
	}
	firstDifferent := common + 1
	cnt := uint64(count)
	starts := c.sortedStarts()

	var (
		rng         numberRange
		downloading uint32
		found       bool
		prevStart   uint64
		prev        *blockRange
		havePrev    bool
	)
	for i := 0; i <= len(starts); i++ {
		haveNext := i < len(starts)
		var nextStart uint64
		if haveNext {
			nextStart = starts[i]
		}
		switch {
		case havePrev && prev.state == rangeDownloading && prev.downloading < maxParallel:
			rng = numberRange{prevStart, prevStart + prev.len()}
			downloading = prev.downloading
			found = true
		case havePrev && haveNext && prevStart+prev.len() < nextStart:
			from := prevStart + prev.len()
			rng = numberRange{from, minU64(nextStart, from+cnt)}
			found = true
		case havePrev && !haveNext:
			from := prevStart + prev.len()
			rng = numberRange{from, from + cnt}
			found = true
		case !havePrev && !haveNext:
			rng = numberRange{firstDifferent, firstDifferent + cnt}
			found = true
		case !havePrev && nextStart > firstDifferent:
			rng = numberRange{firstDifferent, minU64(firstDifferent+cnt, nextStart)}
			found = true
		default:
			prevStart, prev, havePrev = nextStart, c.ranges[nextStart], true
		}
		if found {
			break
		}
	}
	if !found {
		return numberRange{}, false
	}
	if rng.from > peerBest {
		return numberRange{}, false
	}
	if rng.to > peerBest+1 {
		rng.to = peerBest + 1
	}
	if len(starts) > 0 && rng.from > starts[0]+maxAhead {
		// too far ahead of the oldest undrained range
		return numberRange{}, false
	}
	if rng.to <= rng.from {
		return numberRange{}, false
	}
	c.ranges[rng.from] = &blockRange{
		state:       rangeDownloading,
		length:      rng.to - rng.from,
		downloading: downloading + 1,
	}
	c.peerRequests[who] = rng.from
	return rng, true
}

// readyBlocks drains complete ranges contiguous from start (best queued + 1),
// marking them queued and remembering their span under the first block hash.
func (c *blockCollection) readyBlocks(start uint64) []peerBlock {
	var ready []peerBlock
	prev := start
	for _, startNum := range c.sortedStarts() {
		if startNum > prev {
			break
		}
		r := c.ranges[startNum]
		switch r.state {
		case rangeComplete:
			length := uint64(len(r.blocks))
			prev = startNum + length
			if length > 0 {
				c.queuedBlocks[r.blocks[0].block.Hash] = numberRange{startNum, startNum + length}
			}
			ready = append(ready, r.blocks...)
			c.ranges[startNum] = &blockRange{state: rangeQueued, length: length}
		case rangeQueued:
			continue
		default:
			return ready
		}
	}
	return ready
}

// clearQueued drops the queued range whose first block has the given hash.
func (c *blockCollection) clearQueued(hash types.Hash) {
	span, ok := c.queuedBlocks[hash]
	if !ok {
		return
	}
	delete(c.queuedBlocks, hash)
	for n := span.from; n < span.to; n++ {
		delete(c.ranges, n)
	}
}

// clearPeerDownload releases who's slot in the range it was downloading.
func (c *blockCollection) clearPeerDownload(who p2p.ID) {
	start, ok := c.peerRequests[who]
	if !ok {
		return
	}
	delete(c.peerRequests, who)
	r, ok := c.ranges[start]
	if !ok || r.state != rangeDownloading {
		return
	}
	if r.downloading > 1 {
		r.downloading--
	} else {
		delete(c.ranges, start)
	}
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
