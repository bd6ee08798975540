package peer

import (
	"context"
	"testing"
	"time"

	"github.com/duskveil/node/iface"
	"github.com/duskveil/node/peermgr"
	"github.com/duskveil/node/proto"
	"github.com/duskveil/node/scheduler"
	"github.com/duskveil/node/txrelay"
	"github.com/duskveil/node/types"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	sent   []proto.Message
	closed bool
}

func (c *fakeConn) Send(msg proto.Message) error { c.sent = append(c.sent, msg); return nil }
func (c *fakeConn) Close() error                 { c.closed = true; return nil }
func (c *fakeConn) RemoteAddr() string           { return "10.0.0.1:4000" }

type fakeProcessor struct {
	iface.NodeProcessor
	headerStatus iface.ValidationStatus
	bodyStatus   iface.ValidationStatus
	tipID        types.BlockID
	tipHeight    uint64
}

func (p *fakeProcessor) OnHeader(ctx context.Context, id types.BlockID, h iface.HeaderDesc) (iface.ValidationStatus, error) {
	return p.headerStatus, nil
}
func (p *fakeProcessor) OnBody(ctx context.Context, id types.BlockID, b iface.Body) (iface.ValidationStatus, error) {
	return p.bodyStatus, nil
}
func (p *fakeProcessor) EnumCongestions(request func(id types.BlockID, height uint64, isBody bool)) {
}
func (p *fakeProcessor) Tip() (types.BlockID, uint64) { return p.tipID, p.tipHeight }
func (p *fakeProcessor) OnNewTransaction(ctx context.Context, id types.TxID, raw []byte) (bool, error) {
	return true, nil
}

type fakeChain struct{}

func (fakeChain) Header(id types.BlockID) (iface.HeaderDesc, bool)   { return nil, false }
func (fakeChain) BlockBody(id types.BlockID) (iface.Body, bool)      { return nil, false }
func (fakeChain) MinedAt(h uint64) (iface.MinedRow, bool)            { return iface.MinedRow{}, false }
func (fakeChain) ProofState(key []byte) ([]byte, bool)               { return nil, false }
func (fakeChain) ProofKernel(id types.TxID) ([]byte, bool)           { return nil, false }
func (fakeChain) ProofUtxo(key []byte) ([]byte, bool)                { return nil, false }

func testPeer(t *testing.T, proc *fakeProcessor) (*Peer, *fakeConn, *scheduler.Scheduler) {
	t.Helper()
	conn := &fakeConn{}
	sched := scheduler.New(scheduler.Config{GetBlockTimeout: time.Minute, GetStateTimeout: time.Minute})
	pm := peermgr.New(8)
	relay := txrelay.New(txrelay.RelayConfig{MaxPoolTransactions: 10}, func(context.Context, types.TxID, []byte) (bool, error) {
		return true, nil
	}, nil)

	p := New("p1", conn, sched, pm, relay, proc, fakeChain{}, types.NodeID{0xAA}, 30000,
		types.PeerConfig{SpreadingTransactions: true}, [32]byte{1, 2, 3}, false, nil)
	sched.AddPeer(p)
	relay.AddPeer(p)

	// complete the handshake.
	p.Dispatch(proto.SChannelAuthentication{Signature: []byte{1}})
	return p, conn, sched
}

func TestHandshakeThenConfigChecksumMismatchBans(t *testing.T) {
	p, _, _ := testPeer(t, &fakeProcessor{})
	require.True(t, p.Authenticated())

	p.Dispatch(proto.Config{Cfg: types.PeerConfig{Checksum: [32]byte{9, 9}}})
	require.Equal(t, StateClosed, p.state)
}

func TestGetHdrUnknownRepliesDataMissingNeverDisconnects(t *testing.T) {
	p, conn, _ := testPeer(t, &fakeProcessor{})
	p.Dispatch(proto.GetHdr{ID: types.BlockID{1}, Height: 5})

	require.NotEqual(t, StateClosed, p.state)
	// replies reach conn through the peer's writer goroutine.
	require.Eventually(t, func() bool {
		for _, m := range conn.sent {
			if dm, ok := m.(proto.DataMissing); ok && dm.ID == (types.BlockID{1}) {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond, "B1: unknown GetHdr must reply DataMissing")
}

func TestNewTipHeightRegressionDisconnectsWithBan(t *testing.T) {
	p, _, _ := testPeer(t, &fakeProcessor{})
	p.Dispatch(proto.NewTip{ID: types.BlockID{1}, Height: 100})
	require.NotEqual(t, StateClosed, p.state)

	p.Dispatch(proto.NewTip{ID: types.BlockID{2}, Height: 50})
	require.Equal(t, StateClosed, p.state, "B2: height regression disconnects")
}

func TestDuplicateNonMatchingPeerInfoSelfDisconnects(t *testing.T) {
	p, _, _ := testPeer(t, &fakeProcessor{})
	p.Dispatch(proto.PeerInfoSelf{ID: types.NodeID{1}})
	require.NotEqual(t, StateClosed, p.state)

	p.Dispatch(proto.PeerInfoSelf{ID: types.NodeID{2}})
	require.Equal(t, StateClosed, p.state, "B3: non-matching second PeerInfoSelf disconnects")
}

func TestMatchingDuplicatePeerInfoSelfIsANoOp(t *testing.T) {
	p, _, _ := testPeer(t, &fakeProcessor{})
	p.Dispatch(proto.PeerInfoSelf{ID: types.NodeID{1}})
	require.NotEqual(t, StateClosed, p.state)

	p.Dispatch(proto.PeerInfoSelf{ID: types.NodeID{1}})
	require.NotEqual(t, StateClosed, p.state)
}

func TestGetMinedRestrictedToOwnerBans(t *testing.T) {
	conn := &fakeConn{}
	sched := scheduler.New(scheduler.Config{GetBlockTimeout: time.Minute, GetStateTimeout: time.Minute})
	pm := peermgr.New(8)
	relay := txrelay.New(txrelay.RelayConfig{MaxPoolTransactions: 10}, nil, nil)
	proc := &fakeProcessor{}

	p := New("p1", conn, sched, pm, relay, proc, fakeChain{}, types.NodeID{0xAA}, 30000,
		types.PeerConfig{}, [32]byte{}, true, nil)
	sched.AddPeer(p)
	p.Dispatch(proto.SChannelAuthentication{Signature: []byte{1}})

	p.Dispatch(proto.PeerInfoSelf{ID: types.NodeID{0xBB}}) // not our own identity
	require.NotEqual(t, StateClosed, p.state)

	p.Dispatch(proto.GetMined{Height: 1})
	require.Equal(t, StateClosed, p.state, "B4: GetMined from a non-owner bans")
}

func TestHdrWrongFirstTaskKindIsProtocolViolation(t *testing.T) {
	p, _, sched := testPeer(t, &fakeProcessor{headerStatus: iface.Accepted, tipHeight: 100})
	p.Dispatch(proto.NewTip{ID: types.BlockID{9}, Height: 10}) // advertise a tip so the task can be assigned
	sched.RequestData(types.BlockID{1}, 5, true, p.ID())       // a body task, not header

	p.Dispatch(proto.Hdr{ID: types.BlockID{1}, Desc: []byte("h")})
	require.Equal(t, StateClosed, p.state)
}

func TestHdrAcceptedReleasesTaskAndRefreshesCongestions(t *testing.T) {
	proc := &fakeProcessor{headerStatus: iface.Accepted, tipHeight: 100}
	p, _, sched := testPeer(t, proc)
	p.Dispatch(proto.NewTip{ID: types.BlockID{9}, Height: 10})
	sched.RequestData(types.BlockID{1}, 5, false, p.ID())

	p.Dispatch(proto.Hdr{ID: types.BlockID{1}, Desc: []byte("h")})
	require.NotEqual(t, StateClosed, p.state)
	require.Empty(t, sched.Tasks())
}

func TestHdrInvalidDisconnectsWithBan(t *testing.T) {
	proc := &fakeProcessor{headerStatus: iface.Invalid, tipHeight: 100}
	p, _, sched := testPeer(t, proc)
	p.Dispatch(proto.NewTip{ID: types.BlockID{9}, Height: 10})
	sched.RequestData(types.BlockID{1}, 5, false, p.ID())

	p.Dispatch(proto.Hdr{ID: types.BlockID{1}, Desc: []byte("h")})
	require.Equal(t, StateClosed, p.state)
}
