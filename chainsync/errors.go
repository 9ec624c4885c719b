package chainsync

import (
	"errors"
	"fmt"
	"math"

	"github.com/paritytech/polkadot-sdk-sub025/p2p"
	"github.com/paritytech/polkadot-sdk-sub025/types"
)

// Reputation changes attached to BadPeer results. The caller applies them to
// its peer set; the engine itself never disconnects anyone.
var (
	repBlockchainReadError = p2p.NewReputationChange(-(1 << 16), "error reading blockchain")
	repGenesisMismatch     = p2p.NewReputationChange(math.MinInt32, "genesis mismatch")
	repBadBlock            = p2p.NewReputationChange(-(1 << 29), "bad block")
	repNotRequested        = p2p.NewReputationChange(-(1 << 29), "not requested block data")
	repVerificationFail    = p2p.NewReputationChange(-(1 << 29), "block verification failed")
	repIncompleteHeader    = p2p.NewReputationChange(-(1 << 20), "incomplete header")
	repBadJustification    = p2p.NewReputationChange(-(1 << 16), "bad justification")
	repUnknownAncestor     = p2p.NewReputationChange(-(1 << 16), "unknown ancestor")
	repBadResponse         = p2p.NewReputationChange(-(1 << 12), "incomplete response")
)

// BadPeer reports a protocol violation by a peer. The caller should apply the
// reputation change and usually disconnect the peer.
type BadPeer struct {
	ID  p2p.ID
	Rep p2p.ReputationChange
}

func (e *BadPeer) Error() string {
	return fmt.Sprintf("bad peer %s: %s", e.ID, e.Rep.Reason)
}

// ErrUnexpectedResponse marks a response that matches no outstanding request.
// Callers log and ignore it.
var ErrUnexpectedResponse = errors.New("unexpected response")

// ErrEmptyBlockResponse marks an empty response to a fork download. The peer
// does not have the block; it has already been removed as a source.
var ErrEmptyBlockResponse = errors.New("empty block response")

// ImportErrorKind classifies a failed block import.
type ImportErrorKind int

const (
	// ImportErrIncompleteHeader means the block came without the header the
	// request asked for.
	ImportErrIncompleteHeader ImportErrorKind = iota
	// ImportErrVerificationFailed means the block failed verification.
	ImportErrVerificationFailed
	// ImportErrBadBlock means the block is known to be bad.
	ImportErrBadBlock
	// ImportErrUnknownParent means the parent of the block is not known.
	ImportErrUnknownParent
	// ImportErrMissingState means state needed to execute the block is gone.
	ImportErrMissingState
	// ImportErrCancelled means the import queue shut down.
	ImportErrCancelled
	// ImportErrOther covers backend failures.
	ImportErrOther
)

// ImportAux carries side signals produced while importing a block.
type ImportAux struct {
	// NeedsJustification asks the engine to fetch a justification for the
	// imported block.
	NeedsJustification bool
	// ClearJustificationRequests asks the engine to drop all scheduled
	// justification requests.
	ClearJustificationRequests bool
	// BadJustification means the justification attached to the block did not
	// verify.
	BadJustification bool
}

// BlockImportResult is the import pipeline's verdict on one block.
type BlockImportResult struct {
	Hash   types.Hash
	Number uint64
	// Origin is the peer the block came from, empty if none.
	Origin p2p.ID
	// Err is nil on success.
	Err *ImportError
	Aux ImportAux
}

// ImportError is a failed import with its classification.
type ImportError struct {
	Kind ImportErrorKind
	Err  error
}

func (e *ImportError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	switch e.Kind {
	case ImportErrIncompleteHeader:
		return "incomplete header"
	case ImportErrVerificationFailed:
		return "verification failed"
	case ImportErrBadBlock:
		return "bad block"
	case ImportErrUnknownParent:
		return "unknown parent"
	case ImportErrMissingState:
		return "missing state"
	case ImportErrCancelled:
		return "import cancelled"
	default:
		return "import failed"
	}
}
