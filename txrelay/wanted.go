// Package txrelay implements WantedTx (spec.md §4.6) and the TxPool glue
// shim between the Node and the external mempool: accept, relay, prune.
// Grounded on `a3571ff7_nickjfree-bsc__eth-fetcher-tx_fetcher.go`'s
// announce/fetch shape, collapsed to the spec's simpler single-timer
// design. WantedTx keeps no per-peer state; Relay remembers which peers
// were already sent a GetTransaction for a wanted id (requestedFrom) and
// drops that record when the id's timeout fires.
package txrelay

import (
	"container/list"
	"sync"
	"time"

	"github.com/duskveil/node/internal/metrics"
	"github.com/duskveil/node/internal/xlog"
	"github.com/duskveil/node/types"
)

var log = xlog.New("component", "txrelay")

// wantedNode is one outstanding "please send me this tx" entry (spec.md §3
// WantedTx.Node).
type wantedNode struct {
	id           types.TxID
	advertisedAt time.Time
}

// WantedTx tracks transactions we have heard about but not yet received.
// List + set always contain the same elements (invariant I4); the list is
// ordered by advertised_ms ascending because entries are only ever
// appended at the tail with a monotonically increasing timestamp.
//
// mu guards every field below: onFire runs on its own time.AfterFunc
// goroutine, concurrently with Relay-driven Add/Cancel/Contains calls from
// the main reactor.
type WantedTx struct {
	mu sync.Mutex

	timeout time.Duration
	order   *list.List // of *wantedNode, oldest (soonest to expire) at Front
	byID    map[types.TxID]*list.Element

	timer *time.Timer
	// broadcastGetTx is called with the id of each head entry whose
	// timeout fired. Supplied by Relay at construction
	// (Relay.broadcastGetTransaction). Invoked with mu released, so it may
	// safely call back into Relay.
	broadcastGetTx func(id types.TxID)
}

func NewWantedTx(timeout time.Duration, broadcastGetTx func(id types.TxID)) *WantedTx {
	return &WantedTx{
		timeout:        timeout,
		order:          list.New(),
		byID:           make(map[types.TxID]*list.Element),
		broadcastGetTx: broadcastGetTx,
	}
}

// Add records a newly-announced, not-yet-known transaction id. No-op if
// already wanted.
func (w *WantedTx) Add(id types.TxID, now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.byID[id]; ok {
		return
	}
	n := &wantedNode{id: id, advertisedAt: now}
	elem := w.order.PushBack(n)
	w.byID[id] = elem
	metrics.WantedTxOutstanding.Set(float64(len(w.byID)))
	if w.order.Len() == 1 {
		w.arm(now)
	}
}

// Contains reports whether id is currently outstanding.
func (w *WantedTx) Contains(id types.TxID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.byID[id]
	return ok
}

// Cancel removes id (the transaction arrived via NewTransaction).
func (w *WantedTx) Cancel(id types.TxID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	elem, ok := w.byID[id]
	if !ok {
		return
	}
	wasHead := w.order.Front() == elem
	w.order.Remove(elem)
	delete(w.byID, id)
	metrics.WantedTxOutstanding.Set(float64(len(w.byID)))
	if wasHead {
		w.rearm()
	}
}

// arm assumes mu is held.
func (w *WantedTx) arm(now time.Time) {
	if w.timer != nil {
		w.timer.Stop()
	}
	front := w.order.Front()
	if front == nil {
		return
	}
	n := front.Value.(*wantedNode)
	delay := w.timeout - now.Sub(n.advertisedAt)
	if delay < 0 {
		delay = 0
	}
	w.timer = time.AfterFunc(delay, w.onFire)
}

// rearm assumes mu is held.
func (w *WantedTx) rearm() {
	if w.order.Len() == 0 {
		if w.timer != nil {
			w.timer.Stop()
		}
		return
	}
	w.arm(time.Now())
}

// onFire runs when the shared timer expires: every head entry whose age is
// at least the timeout is dropped and re-requested from every spreading
// peer ("opportunistic refetch": if the first advertiser does not reply in
// time we ask everyone). The actual broadcastGetTx calls happen after mu is
// released, so Relay's callback never runs while WantedTx's own lock is
// held (Relay calls back in here via Cancel while holding no lock of its
// own by that point, so this ordering keeps the two mutexes from ever
// nesting in opposite directions).
func (w *WantedTx) onFire() {
	now := time.Now()

	w.mu.Lock()
	var fired []types.TxID
	for {
		front := w.order.Front()
		if front == nil {
			break
		}
		n := front.Value.(*wantedNode)
		if now.Sub(n.advertisedAt) < w.timeout {
			break
		}
		w.order.Remove(front)
		delete(w.byID, n.id)
		fired = append(fired, n.id)
	}
	metrics.WantedTxOutstanding.Set(float64(len(w.byID)))
	w.rearm()
	w.mu.Unlock()

	for _, id := range fired {
		log.Debug("wanted tx timed out, broadcasting GetTransaction", "id", id)
		if w.broadcastGetTx != nil {
			w.broadcastGetTx(id)
		}
	}
}

// Len reports the number of outstanding wanted transactions (test/metric
// helper).
func (w *WantedTx) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.order.Len()
}

// FrontID reports the oldest outstanding id, for tests asserting P3's
// ascending-order invariant.
func (w *WantedTx) FrontID() (types.TxID, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	front := w.order.Front()
	if front == nil {
		return types.TxID{}, false
	}
	return front.Value.(*wantedNode).id, true
}
