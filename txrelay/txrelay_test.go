package txrelay

import (
	"context"
	"testing"
	"time"

	"github.com/duskveil/node/proto"
	"github.com/duskveil/node/types"
	"github.com/stretchr/testify/require"
)

type fakeSpreadingPeer struct {
	id        string
	spreading bool
	sent      []proto.Message
}

func (f *fakeSpreadingPeer) ID() string       { return f.id }
func (f *fakeSpreadingPeer) IsSpreading() bool { return f.spreading }
func (f *fakeSpreadingPeer) Send(m proto.Message) error {
	f.sent = append(f.sent, m)
	return nil
}

func alwaysValid(ctx context.Context, id types.TxID, raw []byte) (bool, error) { return true, nil }

func TestWantedTxOrderedByAdvertiseTime(t *testing.T) {
	w := NewWantedTx(time.Hour, func(id types.TxID) {})
	t0 := time.Now()
	w.Add(types.TxID{1}, t0)
	w.Add(types.TxID{2}, t0.Add(time.Second))
	w.Add(types.TxID{3}, t0.Add(2*time.Second))

	front, ok := w.FrontID()
	require.True(t, ok)
	require.Equal(t, types.TxID{1}, front, "P3: list ordered by advertised_ms ascending")
	require.Equal(t, 3, w.Len())
}

func TestWantedTxCancelOnArrival(t *testing.T) {
	w := NewWantedTx(time.Hour, func(id types.TxID) {})
	id := types.TxID{5}
	w.Add(id, time.Now())
	require.True(t, w.Contains(id))
	w.Cancel(id)
	require.False(t, w.Contains(id), "receiving the tx cancels the wanted entry")
}

func TestOnNewTransactionFloodsOthersNotSender(t *testing.T) {
	r := New(RelayConfig{MaxPoolTransactions: 100, GetTxTimeout: time.Second}, alwaysValid, nil)
	sender := &fakeSpreadingPeer{id: "sender", spreading: true}
	other1 := &fakeSpreadingPeer{id: "other1", spreading: true}
	other2NotSpreading := &fakeSpreadingPeer{id: "other2", spreading: false}
	r.AddPeer(sender)
	r.AddPeer(other1)
	r.AddPeer(other2NotSpreading)

	ok := r.OnNewTransaction(context.Background(), sender, types.TxID{1}, []byte("tx"))
	require.True(t, ok)

	require.Empty(t, sender.sent, "S4: sender is never sent its own HaveTransaction")
	require.Len(t, other1.sent, 1)
	require.Equal(t, proto.HaveTransaction{ID: types.TxID{1}}, other1.sent[0])
	require.Empty(t, other2NotSpreading.sent, "non-spreading peers are not flooded")
}

func TestPoolTrimsToMax(t *testing.T) {
	r := New(RelayConfig{MaxPoolTransactions: 2, GetTxTimeout: time.Second}, alwaysValid, nil)
	r.admit(types.TxID{1}, []byte("a"))
	r.admit(types.TxID{2}, []byte("b"))
	r.admit(types.TxID{3}, []byte("c"))

	require.Equal(t, 2, r.Size(), "S4: pool trimmed to MaxPoolTransactions")
	_, ok := r.OnGetTransaction(types.TxID{1})
	require.False(t, ok, "oldest entry dropped first")
}

func TestOnAdmitKicksMiner(t *testing.T) {
	kicked := false
	r := New(RelayConfig{MaxPoolTransactions: 10, GetTxTimeout: time.Second}, alwaysValid, func() { kicked = true })
	r.OnNewTransaction(context.Background(), nil, types.TxID{9}, []byte("x"))
	require.True(t, kicked, "S4: miner timer armed on admission")
}
