// Package iface defines the external collaborators the Node calls into
// and is called back from: NodeProcessor (validation arithmetic, block/
// state application, candidate construction) and NodeDB (on-disk layout).
// Both are out of scope per spec.md §1 — this package specifies only the
// methods the Node invokes and the callbacks the processor invokes on the
// Node, never their internal implementation.
package iface

import (
	"context"
	"io"

	"github.com/duskveil/node/types"
)

// HeaderDesc and Body are opaque payloads from the Node's point of view;
// the processor knows how to interpret and validate them.
type HeaderDesc []byte
type Body []byte

// ValidationStatus is the outcome NodeProcessor reports for a delivered
// header or body (spec.md §4.2 "Hdr"/"Body" handlers, §7 "invalid-data").
type ValidationStatus int

const (
	Accepted ValidationStatus = iota
	AcceptedTip
	Invalid
)

// CandidateBlock is what the processor hands back from BuildCandidate for
// the Miner to search a proof-of-work over (spec.md §4.4 Restart).
type CandidateBlock struct {
	ID         types.BlockID
	Header     HeaderDesc
	Body       Body
	Fees       uint64
	Difficulty uint64
	Size       int
}

// NodeProcessor is the external validation/consensus engine. The Node
// calls it synchronously from the main reactor (never concurrently with
// itself) except BuildCandidate, called from Miner.Restart (on the miner's
// restart-timer goroutine), and ValidateBlockShard, called from Verifier
// worker goroutines; both must be safe for that per spec.md §5.
type NodeProcessor interface {
	// OnHeader delivers a header fetched for task t; returns the outcome
	// and, if Accepted, whatever new tasks should now be requested (the
	// processor calls back Scheduler.RequestData directly instead, per
	// spec.md §4.1 RefreshCongestions).
	OnHeader(ctx context.Context, id types.BlockID, h HeaderDesc) (ValidationStatus, error)

	// OnBody delivers a body fetched for task t.
	OnBody(ctx context.Context, id types.BlockID, b Body) (ValidationStatus, error)

	// OnNewTransaction validates a transaction gossiped in or locally
	// submitted before it is admitted to the pool (spec.md §4.2
	// NewTransaction).
	OnNewTransaction(ctx context.Context, id types.TxID, raw []byte) (bool, error)

	// EnumCongestions asks the processor to re-announce every
	// header/body it still needs by calling back into the scheduler's
	// RequestData (spec.md §4.1 RefreshCongestions).
	EnumCongestions(request func(id types.BlockID, height uint64, isBody bool))

	// BuildCandidate constructs a fresh candidate block for the miner,
	// consuming a treasury slice if the subsidy window is open
	// (SPEC_FULL.md "Treasury-slice consumption").
	BuildCandidate(ctx context.Context) (CandidateBlock, error)

	// TreasuryOpen reports whether the subsidy window used by
	// BuildCandidate is currently open (SPEC_FULL.md supplement).
	TreasuryOpen() bool

	// ValidateBlockShard validates one shard of a block as part of the
	// Verifier pool's parallel pass (spec.md §4.3); results are merged by
	// the caller under the pool's lock.
	ValidateBlockShard(ctx context.Context, block io.Reader, shard, shards int) error

	// Tip returns the current canonical height/id.
	Tip() (types.BlockID, uint64)

	// ExportRange serializes every block in rng into the pair of data
	// streams a macroblock is made of (spec.md §4.5, §6 "s_Datas"),
	// writing them under tmpPathPrefix + ".0"/".1". Backs
	// compressor.Exporter.
	ExportRange(ctx context.Context, rng types.HeightRange, tmpPathPrefix string) (paths [2]string, err error)
}

// NodeDB is the on-disk persistence layer. Out of scope per spec.md §1;
// the Node only calls these named methods. nodedb/ supplies a reference
// implementation for tests.
type NodeDB interface {
	MyID() (types.NodeID, bool, error)
	SetMyID(types.NodeID) error

	MinedIns(height uint64, id types.BlockID, fees uint64) error
	MinedList() ([]MinedRow, error)

	MacroblockIns(upperHeight uint64, path string) error
	MacroblockList() ([]MacroblockRow, error)
	MacroblockPrune(keepAbove uint64) error
}

// ChainReader serves the read-only queries a Peer answers on behalf of the
// processor/DB (spec.md §4.2 GetHdr/GetBody/GetMined/GetProofState/
// GetProofKernel/GetProofUtxo). Kept separate from NodeProcessor because
// those are mutation/validation entry points; this is pure lookup and is
// always safe to call from the reactor goroutine.
type ChainReader interface {
	Header(id types.BlockID) (HeaderDesc, bool)
	BlockBody(id types.BlockID) (Body, bool)
	MinedAt(height uint64) (MinedRow, bool)
	ProofState(key []byte) ([]byte, bool)
	ProofKernel(id types.TxID) ([]byte, bool)
	ProofUtxo(key []byte) ([]byte, bool)
}

type MinedRow struct {
	Height uint64
	ID     types.BlockID
	Fees   uint64
}

type MacroblockRow struct {
	UpperHeight uint64
	Path        string
}
