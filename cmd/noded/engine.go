package main

import (
	"context"
	"io"

	"github.com/duskveil/node/iface"
	"github.com/duskveil/node/types"
)

// noopEngine satisfies iface.NodeProcessor, iface.ChainReader, and
// miner.PoWSearcher without doing anything: it rejects every header/body,
// holds no chain state, and never finds a proof-of-work solution. It
// exists only so this binary links; swap it for a real engine.
type noopEngine struct{}

func (noopEngine) OnHeader(ctx context.Context, id types.BlockID, h iface.HeaderDesc) (iface.ValidationStatus, error) {
	return iface.Invalid, nil
}

func (noopEngine) OnBody(ctx context.Context, id types.BlockID, b iface.Body) (iface.ValidationStatus, error) {
	return iface.Invalid, nil
}

func (noopEngine) OnNewTransaction(ctx context.Context, id types.TxID, raw []byte) (bool, error) {
	return false, nil
}

func (noopEngine) EnumCongestions(request func(id types.BlockID, height uint64, isBody bool)) {}

func (noopEngine) BuildCandidate(ctx context.Context) (iface.CandidateBlock, error) {
	return iface.CandidateBlock{}, errNoEngine
}

func (noopEngine) TreasuryOpen() bool { return false }

func (noopEngine) ValidateBlockShard(ctx context.Context, block io.Reader, shard, shards int) error {
	return errNoEngine
}

func (noopEngine) Tip() (types.BlockID, uint64) { return types.BlockID{}, 0 }

func (noopEngine) ExportRange(ctx context.Context, rng types.HeightRange, tmpPathPrefix string) ([2]string, error) {
	return [2]string{}, errNoEngine
}

func (noopEngine) Header(id types.BlockID) (iface.HeaderDesc, bool) { return nil, false }
func (noopEngine) BlockBody(id types.BlockID) (iface.Body, bool)    { return nil, false }
func (noopEngine) MinedAt(height uint64) (iface.MinedRow, bool)     { return iface.MinedRow{}, false }
func (noopEngine) ProofState(key []byte) ([]byte, bool)             { return nil, false }
func (noopEngine) ProofKernel(id types.TxID) ([]byte, bool)         { return nil, false }
func (noopEngine) ProofUtxo(key []byte) ([]byte, bool)              { return nil, false }

func (noopEngine) Search(ctx context.Context, h iface.HeaderDesc, startNonce uint64, cancel func() bool) (iface.HeaderDesc, bool) {
	return nil, false
}

var errNoEngine = noEngineError{}

type noEngineError struct{}

func (noEngineError) Error() string { return "no consensus engine linked into noded" }
