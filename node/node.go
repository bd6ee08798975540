// Package node is the top-level orchestrator: it wires the Scheduler,
// PeerManager, Tx relay, Miner, Compressor, Verifier pool, and Beacon into
// one cooperating unit and implements the new-tip ordering guarantees
// spec.md §5 requires. Grounded on go-ethereum's eth/handler.go for the
// "one struct owns every subsystem, exposes lifecycle + event-driven
// glue methods" shape (present in the teacher copy as
// `eth/handler_eth_test.go`/`eth/handler_test.go` — see DESIGN.md).
package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/duskveil/node/beacon"
	"github.com/duskveil/node/compressor"
	"github.com/duskveil/node/config"
	"github.com/duskveil/node/iface"
	"github.com/duskveil/node/internal/metrics"
	"github.com/duskveil/node/internal/xlog"
	"github.com/duskveil/node/miner"
	"github.com/duskveil/node/peer"
	"github.com/duskveil/node/peermgr"
	"github.com/duskveil/node/proto"
	"github.com/duskveil/node/scheduler"
	"github.com/duskveil/node/txrelay"
	"github.com/duskveil/node/types"
	"github.com/duskveil/node/verifier"
	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

var log = xlog.New("component", "node")

// Node owns every Node-level component and wires their lifecycles
// together per spec.md §5's ordering rules. mu guards only n.peers:
// AttachConn/onPeerClosed may run from accept-loop or peer-teardown
// goroutines concurrently with Run's own background loops. Scheduler and
// Relay are not covered by mu at all — peer.ArmTaskTimer's timeout
// callback and txrelay's WantedTx timer both reach into those two on
// their own goroutines, so each carries its own internal mutex (see
// scheduler.go, txrelay/relay.go, txrelay/wanted.go) rather than relying
// on a single node-wide lock or a dedicated reactor goroutine.
type Node struct {
	cfg       config.Config
	processor iface.NodeProcessor // wrapped with verifier-pool validation
	db        iface.NodeDB
	chain     iface.ChainReader
	selfID    types.NodeID

	sched      *scheduler.Scheduler
	pm         *peermgr.Manager
	relay      *txrelay.Relay
	verifier   *verifier.Pool
	miner      *miner.Miner
	compressor *compressor.Compressor
	beacon     *beacon.Beacon

	mu    sync.Mutex
	peers map[string]*peer.Peer

	quit chan struct{}
	wg   sync.WaitGroup
}

// New wires every component per SPEC_FULL.md's domain-stack section.
// rawProcessor is the external validation engine (spec.md §1, out of
// scope beyond its named methods); search is the out-of-scope PoW
// arithmetic the Miner calls into.
func New(cfg config.Config, rawProcessor iface.NodeProcessor, db iface.NodeDB, chain iface.ChainReader, search miner.PoWSearcher) (*Node, error) {
	selfID, err := loadOrCreateMyID(db)
	if err != nil {
		return nil, fmt.Errorf("load node identity: %w", err)
	}

	n := &Node{
		cfg:    cfg,
		db:     db,
		chain:  chain,
		selfID: selfID,
		peers:  make(map[string]*peer.Peer),
		quit:   make(chan struct{}),
	}

	n.verifier = verifier.New(cfg.VerifierThreads, rawProcessor.ValidateBlockShard)
	n.processor = &verifyingProcessor{NodeProcessor: rawProcessor, pool: n.verifier}

	n.sched = scheduler.New(scheduler.Config{
		GetBlockTimeout: cfg.GetBlockTimeout(),
		GetStateTimeout: cfg.GetStateTimeout(),
	})

	n.pm = peermgr.New(cfg.MaxOutboundPeers)
	n.pm.Dial = n.dialPeer

	n.relay = txrelay.New(
		txrelay.RelayConfig{MaxPoolTransactions: cfg.MaxPoolTransactions, GetTxTimeout: cfg.GetTxTimeout()},
		func(ctx context.Context, id types.TxID, raw []byte) (bool, error) {
			return n.processor.OnNewTransaction(ctx, id, raw)
		},
		func() { n.miner.SetTimer(cfg.MiningSoftRestartDuration(), false) },
	)

	n.miner = miner.New(miner.Config{
		Workers:             cfg.MinerThreads,
		MinerID:             cfg.MinerID,
		FakePoW:             false,
		FakePowSolveTime:    time.Duration(cfg.FakePowSolveTimeMs) * time.Millisecond,
		SoftRestartCoalesce: cfg.MiningSoftRestartDuration(),
	}, n.processor, search)

	n.compressor = compressor.New(
		compressor.Config{
			Naggling: cfg.Naggling, MinAggregate: cfg.MinAggregate,
			Threshold: cfg.Threshold, MaxBacklog: cfg.MaxBacklog,
			OutDir: cfg.MacroOutDir, TmpDir: cfg.MacroTmpDir,
		},
		n.processor.ExportRange,
		db.MacroblockIns,
		db.MacroblockPrune,
	)
	if rows, err := db.MacroblockList(); err == nil {
		var last uint64
		for _, r := range rows {
			if r.UpperHeight > last {
				last = r.UpperHeight
			}
		}
		n.compressor.SetLastMacro(last)
	}

	b, err := beacon.New(beacon.Config{
		Port: int(cfg.BeaconPort), Period: cfg.BeaconPeriodDuration(),
		Checksum: cfg.CfgChecksum, MyID: selfID, ListenPort: cfg.ListenPort,
		Learn: func(id types.NodeID, addr string) { n.pm.Learn(id, addr) },
	})
	if err != nil {
		return nil, fmt.Errorf("start beacon: %w", err)
	}
	n.beacon = b

	return n, nil
}

func loadOrCreateMyID(db iface.NodeDB) (types.NodeID, error) {
	if id, ok, err := db.MyID(); err != nil {
		return types.NodeID{}, err
	} else if ok {
		return id, nil
	}
	seed := fmt.Sprintf("myid|%s|%d", uuid.New().String(), time.Now().UnixNano())
	id := types.NodeID(blake2b.Sum256([]byte(seed)))
	if err := db.SetMyID(id); err != nil {
		return types.NodeID{}, err
	}
	return id, nil
}

// localPeerConfig is the capability bitset this node advertises in its
// own Config message (spec.md §4.2/§6).
func (n *Node) localPeerConfig() types.PeerConfig {
	return types.PeerConfig{
		SpreadingTransactions: true,
		Mining:                n.cfg.MinerThreads > 0,
		AutoSendHeader:        true,
		SendPeers:             true,
		Checksum:              n.cfg.CfgChecksum,
	}
}

// dialPeer is the out-of-scope outbound connect/handshake step (spec.md
// §1 Non-goals: wire encoding); a real binary supplies the transport.
func (n *Node) dialPeer(addr string) {
	log.Debug("would dial outbound peer (transport out of scope)", "addr", addr)
}

// AttachConn registers a freshly accepted or dialed connection as a live
// Peer session and wires it into every subsystem that needs to know
// about it.
func (n *Node) AttachConn(id string, conn peer.Conn) *peer.Peer {
	p := peer.New(id, conn, n.sched, n.pm, n.relay, n.processor, n.chain,
		n.selfID, n.cfg.ListenPort, n.localPeerConfig(), n.cfg.CfgChecksum,
		n.cfg.RestrictMinedReportToOwner, n.onPeerClosed)

	n.mu.Lock()
	n.peers[id] = p
	n.mu.Unlock()

	n.sched.AddPeer(p)
	n.relay.AddPeer(p)
	metrics.PeersConnected.Inc()
	return p
}

func (n *Node) onPeerClosed(p *peer.Peer) {
	n.mu.Lock()
	delete(n.peers, p.ID())
	n.mu.Unlock()
	n.relay.RemovePeer(p)
	metrics.PeersConnected.Dec()
}

// Peer looks up a currently attached session by id.
func (n *Node) Peer(id string) (*peer.Peer, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	p, ok := n.peers[id]
	return p, ok
}

func (n *Node) snapshotPeers() []*peer.Peer {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*peer.Peer, 0, len(n.peers))
	for _, p := range n.peers {
		out = append(out, p)
	}
	return out
}

// OnNewState is the new-tip entry point (spec.md §2, §5 "Ordering
// guarantees"): atomically aborts mining, prunes the TxPool, pushes
// NewTip to peers below the new height, and hands the compressor a
// chance to enqueue work, then lets the scheduler re-evaluate what it
// still needs and schedules a debounced miner restart.
func (n *Node) OnNewState(id types.BlockID, height uint64) {
	n.miner.HardAbortSafe()

	n.relay.Prune(func(txID types.TxID, raw []byte) bool {
		ok, err := n.processor.OnNewTransaction(context.Background(), txID, raw)
		return err == nil && ok
	})

	n.pushNewTip(id, height)
	n.compressor.OnNewState(height)

	n.sched.RefreshCongestions(n.processor.EnumCongestions)
	n.miner.SetTimer(n.cfg.MiningSoftRestartDuration(), false)
}

func (n *Node) pushNewTip(id types.BlockID, height uint64) {
	for _, p := range n.snapshotPeers() {
		if p.TipHeight() >= height {
			continue
		}
		if err := p.Send(proto.NewTip{ID: id, Height: height}); err != nil {
			log.Debug("failed to push NewTip", "peer", p.ID(), "err", err)
		}
	}
}

// OnRolledBack is the reorg counterpart of OnNewState: it only needs to
// tell the compressor to abandon any in-flight job above the new tip and
// prune its backlog, per spec.md §4.5 "Failure... the job is reset".
func (n *Node) OnRolledBack(newTip uint64) {
	n.compressor.OnRolledBack(newTip)
}

// onMined is the main-reactor epilogue for a solved block (spec.md §4.4
// "onMined (main reactor)"): feed header then body to the processor, and
// only on full acceptance record the mined row and run the ordinary
// new-tip sequence.
func (n *Node) onMined(ev miner.MinedEvent) {
	ctx := context.Background()
	cand := ev.Task.Candidate

	hstatus, err := n.processor.OnHeader(ctx, cand.ID, ev.Header)
	if err != nil || hstatus == iface.Invalid {
		log.Error("mined header rejected", "id", cand.ID, "status", hstatus, "err", err)
		return
	}
	bstatus, err := n.processor.OnBody(ctx, cand.ID, cand.Body)
	if err != nil || bstatus == iface.Invalid {
		log.Error("mined body rejected", "id", cand.ID, "status", bstatus, "err", err)
		return
	}

	_, height := n.processor.Tip()
	if err := n.db.MinedIns(height, cand.ID, cand.Fees); err != nil {
		log.Error("failed to record mined row", "id", cand.ID, "err", err)
	}
	metrics.MinedBlocks.Inc()
	n.OnNewState(cand.ID, height)
}

// Run starts every background loop and blocks until ctx is cancelled or
// Stop is called.
func (n *Node) Run(ctx context.Context) {
	n.miner.Start()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.beacon.Run()
	}()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for {
			select {
			case <-n.compressor.Requests():
				n.compressor.ServiceNext(ctx)
			case <-n.quit:
				return
			}
		}
	}()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.peerManagerTick()
	}()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for {
			select {
			case ev := <-n.miner.Mined():
				n.onMined(ev)
			case <-n.quit:
				return
			}
		}
	}()

	select {
	case <-ctx.Done():
	case <-n.quit:
	}
	n.Stop()
}

func (n *Node) peerManagerTick() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n.pm.Update()
		case <-n.quit:
			return
		}
	}
}

// Stop tears down every subsystem; safe to call once.
func (n *Node) Stop() {
	select {
	case <-n.quit:
		return
	default:
		close(n.quit)
	}
	n.miner.Stop()
	n.verifier.Stop()
	n.beacon.Close()
	for _, p := range n.snapshotPeers() {
		p.Disconnect(false)
	}
	n.wg.Wait()
}
