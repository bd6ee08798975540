package node

import (
	"bytes"
	"context"
	"io"

	"github.com/duskveil/node/iface"
	"github.com/duskveil/node/types"
	"github.com/duskveil/node/verifier"
)

// verifyingProcessor decorates the external iface.NodeProcessor so that an
// inbound Body runs through the Verifier pool (spec.md §4.3) before the
// processor is asked to accept it. Everything else passes straight
// through to the wrapped processor.
type verifyingProcessor struct {
	iface.NodeProcessor
	pool *verifier.Pool
}

func (v *verifyingProcessor) OnBody(ctx context.Context, id types.BlockID, b iface.Body) (iface.ValidationStatus, error) {
	cloneRdr := func() io.Reader { return bytes.NewReader(b) }
	if err := v.pool.Validate(ctx, cloneRdr); err != nil {
		log.Debug("whole-block validation rejected body", "id", id, "err", err)
		return iface.Invalid, nil
	}
	return v.NodeProcessor.OnBody(ctx, id, b)
}
