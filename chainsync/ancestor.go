package chainsync

// ancestorSearchState drives the common-ancestor probe. The search starts by
// probing blocks at exponentially growing distances from the tip until a
// matching hash is found, then binary-searches the interval between the last
// mismatch and the match.
type ancestorSearchState struct {
	binary bool
	// nextDistance is the distance from the tip to probe after a mismatch.
	// Exponential phase only.
	nextDistance uint64
	// binary search bounds: left is the highest known match, right the
	// lowest known mismatch.
	left  uint64
	right uint64
}

func exponentialBackoffSearch() ancestorSearchState {
	return ancestorSearchState{nextDistance: 1}
}

// nextAncestorSearch advances the search given the outcome of the probe at
// currentNum. It returns the next state and block number to probe, or
// done=true when the common ancestor has been pinned down (the caller reads
// it off the peer's common number).
func nextAncestorSearch(state ancestorSearchState, currentNum uint64, hashMatch bool) (next ancestorSearchState, probe uint64, done bool) {
	if !state.binary {
		dist := state.nextDistance
		if hashMatch && dist == 1 {
			// Found the ancestor in the first step, no binary search needed.
			return ancestorSearchState{}, 0, true
		}
		if hashMatch {
			left := currentNum
			right := left + dist/2
			middle := left + (right-left)/2
			return ancestorSearchState{binary: true, left: left, right: right}, middle, false
		}
		var nextNum uint64
		if currentNum > dist {
			nextNum = currentNum - dist
		}
		return ancestorSearchState{nextDistance: dist * 2}, nextNum, false
	}

	left, right := state.left, state.right
	if left >= currentNum {
		return ancestorSearchState{}, 0, true
	}
	if hashMatch {
		left = currentNum
	} else {
		right = currentNum
	}
	middle := left + (right-left)/2
	if middle == currentNum {
		return ancestorSearchState{}, 0, true
	}
	return ancestorSearchState{binary: true, left: left, right: right}, middle, false
}

// ancestryRequest probes a single block by number during ancestor search.
func ancestryRequest(number uint64) *BlockRequest {
	return &BlockRequest{
		Fields:    AttributeHeader | AttributeJustification,
		From:      FromBlockByNumber(number),
		Direction: Ascending,
		Max:       1,
	}
}
