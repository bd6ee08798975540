package txrelay

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/deckarep/golang-set/v2"
	"github.com/duskveil/node/internal/metrics"
	"github.com/duskveil/node/proto"
	"github.com/duskveil/node/types"
	lru "github.com/hashicorp/golang-lru/v2"
)

// rejectedCacheSize bounds how many known-bad transaction ids we remember,
// mirroring eth/fetcher/tx_fetcher's underpriced/known cache so a peer
// that keeps re-announcing a tx we already rejected doesn't cost a fresh
// Validator call every time.
const rejectedCacheSize = 4096

// SpreadingPeer is the subset of peer-session behavior the relay needs.
// package peer implements it; txrelay never imports package peer.
type SpreadingPeer interface {
	ID() string
	IsSpreading() bool
	Send(msg proto.Message) error
}

// Validator validates a transaction before pool admission (spec.md §4.2
// NewTransaction: "validate, if valid: add to pool"). Backed by
// iface.NodeProcessor.OnNewTransaction in the Node.
type Validator func(ctx context.Context, id types.TxID, raw []byte) (bool, error)

// entry is one pool-resident transaction, kept in arrival order so the
// pool can be trimmed oldest-first.
type entry struct {
	id  types.TxID
	raw []byte
}

// Relay is the TxPool glue (spec.md §4.6): accept, relay, prune.
//
// mu guards every field below except wanted, which synchronizes itself
// (see wanted.go): wanted.onFire fires on its own time.AfterFunc goroutine
// and calls back into Relay.broadcastGetTransaction, so Relay never calls
// into wanted while holding mu, and broadcastGetTransaction never runs
// while wanted's own lock is held — keeping the two locks' nesting
// one-directional (mu is always acquired and released independently of
// wanted's lock, never while it is held).
type Relay struct {
	mu sync.Mutex

	cfg      RelayConfig
	validate Validator
	wanted   *WantedTx
	peers    map[string]SpreadingPeer
	pool     map[types.TxID]*list.Element
	order    *list.List // of *entry, oldest at Front
	onAdmit  func()     // kicks the miner's soft-restart timer

	rejected *lru.Cache[types.TxID, struct{}]

	// requestedFrom tracks, per wanted id, which peers we've already sent
	// a GetTransaction to, so a repeated HaveTransaction from the same peer
	// does not request it again. The WantedTx timeout fan-out clears the
	// id's record and asks every spreading peer, including those already
	// asked.
	requestedFrom map[types.TxID]mapset.Set[string]
}

type RelayConfig struct {
	MaxPoolTransactions int
	GetTxTimeout        time.Duration
}

func New(cfg RelayConfig, validate Validator, onAdmit func()) *Relay {
	rejected, _ := lru.New[types.TxID, struct{}](rejectedCacheSize)
	r := &Relay{
		cfg:           cfg,
		validate:      validate,
		peers:         make(map[string]SpreadingPeer),
		pool:          make(map[types.TxID]*list.Element),
		order:         list.New(),
		onAdmit:       onAdmit,
		rejected:      rejected,
		requestedFrom: make(map[types.TxID]mapset.Set[string]),
	}
	r.wanted = NewWantedTx(cfg.GetTxTimeout, r.broadcastGetTransaction)
	return r
}

func (r *Relay) AddPeer(p SpreadingPeer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[p.ID()] = p
}

func (r *Relay) RemovePeer(p SpreadingPeer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, p.ID())
}

// OnNewTransaction handles an inbound NewTransaction (spec.md §4.2): if
// already known, it's a no-op success; otherwise validate, admit, and
// flood HaveTransaction to every *other* spreading peer. Always returns
// the Boolean reply value the caller sends back to `from`.
func (r *Relay) OnNewTransaction(ctx context.Context, from SpreadingPeer, id types.TxID, raw []byte) bool {
	r.mu.Lock()
	if _, known := r.pool[id]; known {
		r.mu.Unlock()
		return true
	}
	if _, known := r.rejected.Get(id); known {
		r.mu.Unlock()
		return false
	}
	r.mu.Unlock()

	ok, err := r.validate(ctx, id, raw)
	if err != nil || !ok {
		log.Debug("rejected transaction", "id", id, "err", err)
		r.mu.Lock()
		r.rejected.Add(id, struct{}{})
		r.mu.Unlock()
		return false
	}

	r.mu.Lock()
	r.admit(id, raw)
	r.mu.Unlock()

	r.wanted.Cancel(id)

	r.mu.Lock()
	delete(r.requestedFrom, id)
	fromID := ""
	if from != nil {
		fromID = from.ID()
	}
	targets := make([]SpreadingPeer, 0, len(r.peers))
	for pid, p := range r.peers {
		if fromID != "" && pid == fromID {
			continue
		}
		if !p.IsSpreading() {
			continue
		}
		targets = append(targets, p)
	}
	r.mu.Unlock()

	for _, p := range targets {
		if err := p.Send(proto.HaveTransaction{ID: id}); err != nil {
			log.Warn("failed to flood HaveTransaction", "peer", p.ID(), "err", err)
		}
	}
	if r.onAdmit != nil {
		r.onAdmit()
	}
	return true
}

// admit assumes mu is held.
func (r *Relay) admit(id types.TxID, raw []byte) {
	e := &entry{id: id, raw: raw}
	elem := r.order.PushBack(e)
	r.pool[id] = elem
	r.trim()
	metrics.TxPoolSize.Set(float64(len(r.pool)))
}

// trim enforces MaxPoolTransactions by dropping the oldest entries
// (spec.md S4 "the pool is trimmed to MaxPoolTransactions"). Assumes mu
// is held.
func (r *Relay) trim() {
	for r.order.Len() > r.cfg.MaxPoolTransactions {
		front := r.order.Front()
		e := front.Value.(*entry)
		r.order.Remove(front)
		delete(r.pool, e.id)
	}
}

// OnHaveTransaction handles an advertisement for an id we don't have and
// haven't already asked for: record it in WantedTx and request it from the
// advertiser (spec.md §4.2).
func (r *Relay) OnHaveTransaction(from SpreadingPeer, id types.TxID) {
	r.mu.Lock()
	_, known := r.pool[id]
	r.mu.Unlock()
	if known {
		return
	}

	if !r.wanted.Contains(id) {
		r.wanted.Add(id, time.Now())
	}
	if from == nil {
		return
	}

	r.mu.Lock()
	already := r.alreadyRequested(id, from.ID())
	r.mu.Unlock()
	if already {
		return
	}

	if err := from.Send(proto.GetTransaction{ID: id}); err != nil {
		log.Warn("failed to request wanted transaction", "peer", from.ID(), "err", err)
		return
	}

	r.mu.Lock()
	r.markRequested(id, from.ID())
	r.mu.Unlock()
}

// alreadyRequested reports whether peerID has already been sent a
// GetTransaction for id since it became wanted. Assumes mu is held.
func (r *Relay) alreadyRequested(id types.TxID, peerID string) bool {
	set, ok := r.requestedFrom[id]
	return ok && set.Contains(peerID)
}

// markRequested assumes mu is held.
func (r *Relay) markRequested(id types.TxID, peerID string) {
	set, ok := r.requestedFrom[id]
	if !ok {
		set = mapset.NewSet[string]()
		r.requestedFrom[id] = set
	}
	set.Add(peerID)
}

// OnGetTransaction returns the pool-owned raw bytes for id, if present.
// "restoring the pool-owned pointer on all exits" (spec.md §4.2) means the
// caller must not mutate or retain raw beyond the reply send; the slice
// here is returned by reference to the pool's copy.
func (r *Relay) OnGetTransaction(id types.TxID) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	elem, ok := r.pool[id]
	if !ok {
		return nil, false
	}
	return elem.Value.(*entry).raw, true
}

// broadcastGetTransaction is WantedTx's opportunistic-refetch callback:
// ask every spreading peer, not just the original advertiser. Called by
// onFire with wanted's own lock already released.
func (r *Relay) broadcastGetTransaction(id types.TxID) {
	r.mu.Lock()
	targets := make([]SpreadingPeer, 0, len(r.peers))
	for _, p := range r.peers {
		if p.IsSpreading() {
			targets = append(targets, p)
		}
	}
	// the wanted entry just timed out, so any per-peer "already asked"
	// bookkeeping for it is stale until OnHaveTransaction re-arms it.
	delete(r.requestedFrom, id)
	r.mu.Unlock()

	for _, p := range targets {
		if err := p.Send(proto.GetTransaction{ID: id}); err != nil {
			log.Debug("broadcast GetTransaction send failed", "peer", p.ID(), "err", err)
		}
	}
}

// Prune drops every pool entry for which keep returns false, used after a
// new tip to remove transactions the new state no longer finds valid
// (spec.md §5 "New-tip handling... prunes the TxPool").
func (r *Relay) Prune(keep func(id types.TxID, raw []byte) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var next *list.Element
	for elem := r.order.Front(); elem != nil; elem = next {
		next = elem.Next()
		e := elem.Value.(*entry)
		if !keep(e.id, e.raw) {
			r.order.Remove(elem)
			delete(r.pool, e.id)
		}
	}
	metrics.TxPoolSize.Set(float64(len(r.pool)))
}

func (r *Relay) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pool)
}

// EnumerateIDs visits every pool-resident transaction id in arrival order,
// used to flood HaveTransaction to a peer whose Config just advertised
// SpreadingTransactions for the first time (spec.md §4.2 Config handler).
func (r *Relay) EnumerateIDs(f func(id types.TxID)) {
	r.mu.Lock()
	ids := make([]types.TxID, 0, len(r.pool))
	for elem := r.order.Front(); elem != nil; elem = elem.Next() {
		ids = append(ids, elem.Value.(*entry).id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		f(id)
	}
}
