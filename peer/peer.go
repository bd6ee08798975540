// Package peer implements the per-connection state machine (spec.md §4.2):
// Connecting → HandshakeWait → Live → Closed, message dispatch as a
// proto.Kind-tagged switch rather than virtual dispatch (spec.md §9), and
// the three small collaborator interfaces scheduler/peermgr/txrelay each
// define. Grounded on
// `1a924743_ethereumproject-go-ethereum__eth-peer.go` and
// `eth/protocols/eth/peer_test.go` for the per-peer queued-task and
// reward/penalty shape (the teacher copy retains only the latter as a
// _test.go file — see DESIGN.md).
package peer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/duskveil/node/iface"
	"github.com/duskveil/node/internal/xlog"
	"github.com/duskveil/node/peermgr"
	"github.com/duskveil/node/proto"
	"github.com/duskveil/node/scheduler"
	"github.com/duskveil/node/txrelay"
	"github.com/duskveil/node/types"
)

var log = xlog.New("component", "peer")

// State is this connection's place in its lifecycle (spec.md §4.2).
type State int

const (
	StateConnecting State = iota
	StateHandshakeWait
	StateLive
	StateClosed
)

// Conn is the transport a Peer drives; concrete socket/framing code is out
// of scope (spec.md §1 Non-goals: "wire encoding").
type Conn interface {
	Send(msg proto.Message) error
	Close() error
	RemoteAddr() string
}

// outboxSize bounds the buffered outbound queue a Peer's writer goroutine
// drains, so the reactor goroutine's sendMsg calls never block on a slow
// socket (spec.md §4.2 FULL note, §5 "Suspension points").
const outboxSize = 256

type Peer struct {
	id         string
	conn       Conn
	processor  iface.NodeProcessor
	chain      iface.ChainReader
	scheduler  *scheduler.Scheduler
	peermgr    *peermgr.Manager
	relay      *txrelay.Relay
	selfID        types.NodeID
	ownListenPort uint16
	localCfg      types.PeerConfig
	expectedChecksum     [32]byte
	restrictMinedToOwner bool
	onClosed             func(*Peer)

	mu            sync.Mutex
	state         State
	authenticated bool
	tipHeight     uint64
	identity      types.NodeID
	identitySet   bool
	listenPort    uint16
	remoteCfg     types.PeerConfig
	remoteCfgSet  bool
	tasks         []*scheduler.Task
	rejected      map[types.TaskKey]bool
	taskTimer     *time.Timer

	out chan proto.Message
	wg  sync.WaitGroup
}

// New constructs a Peer, starts its writer goroutine, and returns it in the
// HandshakeWait state. Dispatch of an inbound SChannelAuthentication moves
// it to Live (OnConnected).
func New(
	id string,
	conn Conn,
	sched *scheduler.Scheduler,
	pm *peermgr.Manager,
	relay *txrelay.Relay,
	processor iface.NodeProcessor,
	chain iface.ChainReader,
	selfID types.NodeID,
	ownListenPort uint16,
	localCfg types.PeerConfig,
	expectedChecksum [32]byte,
	restrictMinedToOwner bool,
	onClosed func(*Peer),
) *Peer {
	p := &Peer{
		id:                   id,
		conn:                 conn,
		processor:            processor,
		chain:                chain,
		scheduler:            sched,
		peermgr:              pm,
		relay:                relay,
		selfID:               selfID,
		ownListenPort:        ownListenPort,
		localCfg:             localCfg,
		expectedChecksum:     expectedChecksum,
		restrictMinedToOwner: restrictMinedToOwner,
		onClosed:             onClosed,
		state:                StateConnecting,
		rejected:             make(map[types.TaskKey]bool),
		out:                  make(chan proto.Message, outboxSize),
	}
	p.wg.Add(1)
	go p.writerLoop()
	p.mu.Lock()
	p.state = StateHandshakeWait
	p.mu.Unlock()
	return p
}

func (p *Peer) writerLoop() {
	defer p.wg.Done()
	for msg := range p.out {
		if err := p.conn.Send(msg); err != nil {
			log.Warn("write failed", "peer", p.id, "kind", msg.Kind(), "err", err)
		}
	}
}

// sendMsg enqueues msg for the writer goroutine. A full outbox returns an
// error: on the scheduler's AddTask path that disconnects the peer, not
// banned (transient-IO, spec.md §7); from a Dispatch handler it is only
// logged.
func (p *Peer) sendMsg(msg proto.Message) error {
	select {
	case p.out <- msg:
		return nil
	default:
		return errors.New("peer outbox full")
	}
}

// ---- scheduler.Peer ----

func (p *Peer) ID() string { return p.id }

func (p *Peer) TipHeight() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tipHeight
}

func (p *Peer) Authenticated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.authenticated
}

func (p *Peer) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == StateLive
}

func (p *Peer) HasBodyTask() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.tasks {
		if t.Key.IsBody {
			return true
		}
	}
	return false
}

func (p *Peer) Rejected(key types.TaskKey) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rejected[key]
}

func (p *Peer) AddTask(t *scheduler.Task) error {
	var msg proto.Message
	if t.Key.IsBody {
		msg = proto.GetBody{ID: t.Key.ID, Height: t.Key.Height}
	} else {
		msg = proto.GetHdr{ID: t.Key.ID, Height: t.Key.Height}
	}
	if err := p.sendMsg(msg); err != nil {
		return err
	}
	p.mu.Lock()
	p.tasks = append(p.tasks, t)
	p.mu.Unlock()
	return nil
}

// ArmTaskTimer (re)arms the stall timer per spec.md §4.1 "Timers": one
// timer per peer, equal to getBlock_ms or getState_ms depending on the
// kind of the task that was just assigned.
func (p *Peer) ArmTaskTimer(isBody bool, timeout time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.taskTimer != nil {
		p.taskTimer.Stop()
	}
	p.taskTimer = time.AfterFunc(timeout, p.onTaskTimeout)
}

func (p *Peer) onTaskTimeout() {
	p.mu.Lock()
	live := p.state == StateLive
	idle := len(p.tasks) == 0
	p.mu.Unlock()

	if live && idle {
		return // every assigned task was already served
	}
	if live {
		log.Warn("task timed out, disconnecting", "peer", p.id)
		p.peermgr.PenaltyTimeout(p)
		p.DeleteSelf(false)
		return
	}
	log.Warn("handshake timed out, banning", "peer", p.id)
	p.DeleteSelf(true)
}

func (p *Peer) Disconnect(ban bool) { p.DeleteSelf(ban) }

// ---- peermgr.LivePeer ----

func (p *Peer) RemoteAddr() string { return p.conn.RemoteAddr() }

// ---- txrelay.SpreadingPeer ----

func (p *Peer) IsSpreading() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteCfgSet && p.remoteCfg.SpreadingTransactions
}

func (p *Peer) Send(msg proto.Message) error { return p.sendMsg(msg) }

// ---- lifecycle ----

// OnConnected sends the handshake epilogue (spec.md §4.2 "On entering
// Live"): Config, PeerInfoSelf, and the current NewTip if we have a chain.
func (p *Peer) OnConnected() {
	p.mu.Lock()
	p.state = StateLive
	p.authenticated = true
	p.mu.Unlock()

	_ = p.sendMsg(proto.Config{Cfg: p.localCfg})
	_ = p.sendMsg(proto.PeerInfoSelf{ID: p.selfID, ListenPort: p.ownListenPort})
	if id, height := p.processor.Tip(); height > 0 {
		_ = p.sendMsg(proto.NewTip{ID: id, Height: height})
	}
}

func (p *Peer) firstTask() *scheduler.Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.tasks) == 0 {
		return nil
	}
	return p.tasks[0]
}

func (p *Peer) popTask(t *scheduler.Task) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, u := range p.tasks {
		if u == t {
			p.tasks = append(p.tasks[:i], p.tasks[i+1:]...)
			return
		}
	}
}

// onFirstTaskDone is the common epilogue for Hdr/Body delivery (spec.md
// §4.2 "OnFirstTaskDone"): invalid data is a protocol violation; otherwise
// the task is released and, for an accepted delivery, congestions are
// refreshed so the processor can request the next height.
func (p *Peer) onFirstTaskDone(t *scheduler.Task, status iface.ValidationStatus) error {
	p.popTask(t)
	if status == iface.Invalid {
		return violation("invalid data delivered for task", true)
	}
	t.Relevant = false
	p.scheduler.OnTaskDone(t)
	if status == iface.Accepted || status == iface.AcceptedTip {
		p.scheduler.RefreshCongestions(p.processor.EnumCongestions)
	}
	return nil
}

// DeleteSelf tears the session down (spec.md §4.2 "On disconnect"):
// zeroes tipHeight, releases owned tasks back to the scheduler, detaches
// from PeerManager, and bans the identity if isBan. Any other reputation
// adjustment (e.g. PenaltyTimeout) is the caller's responsibility, applied
// before this runs, so it is never double-counted for a single
// disconnect (spec.md §4.1 "Timers": one penalty per timeout, not one per
// path that happens to call DeleteSelf afterward).
func (p *Peer) DeleteSelf(isBan bool) {
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return
	}
	p.state = StateClosed
	p.tipHeight = 0
	owned := append([]*scheduler.Task(nil), p.tasks...)
	p.tasks = nil
	identity := p.identity
	hadIdentity := p.identitySet
	if p.taskTimer != nil {
		p.taskTimer.Stop()
	}
	p.mu.Unlock()

	p.scheduler.RemovePeer(p)
	p.scheduler.ReleasePeerTasks(owned)

	if hadIdentity {
		if isBan {
			p.peermgr.Ban(identity)
		}
		p.peermgr.Detach(p)
	}

	close(p.out)
	p.wg.Wait()
	_ = p.conn.Close()

	if p.onClosed != nil {
		p.onClosed(p)
	}
}

// ---- message dispatch (spec.md §9 "Polymorphism over message kinds") ----

// Dispatch handles one inbound message on the reactor goroutine. A
// protocol-violation return disconnects the peer, applying Ban; any other
// error is logged and treated as an internal failure without disconnecting.
func (p *Peer) Dispatch(msg proto.Message) {
	p.mu.Lock()
	authed := p.authenticated
	p.mu.Unlock()

	if !authed {
		if auth, ok := msg.(proto.SChannelAuthentication); ok {
			if err := p.handleAuthentication(auth); err != nil {
				p.onHandlerError(err)
			}
			return
		}
		p.onHandlerError(violation("message received before authentication", true))
		return
	}

	var err error
	switch m := msg.(type) {
	case proto.Ping:
		err = p.handlePing(m)
	case proto.Pong:
		err = p.handlePong(m)
	case proto.NewTip:
		err = p.handleNewTip(m)
	case proto.GetHdr:
		err = p.handleGetHdr(m)
	case proto.Hdr:
		err = p.handleHdr(m)
	case proto.GetBody:
		err = p.handleGetBody(m)
	case proto.Body:
		err = p.handleBody(m)
	case proto.DataMissing:
		err = p.handleDataMissing(m)
	case proto.NewTransaction:
		err = p.handleNewTransaction(m)
	case proto.HaveTransaction:
		err = p.handleHaveTransaction(m)
	case proto.GetTransaction:
		err = p.handleGetTransaction(m)
	case proto.Config:
		err = p.handleConfig(m)
	case proto.PeerInfoSelf:
		err = p.handlePeerInfoSelf(m)
	case proto.GetMined:
		err = p.handleGetMined(m)
	case proto.GetProofState:
		err = p.handleGetProofState(m)
	case proto.GetProofKernel:
		err = p.handleGetProofKernel(m)
	case proto.GetProofUtxo:
		err = p.handleGetProofUtxo(m)
	default:
		log.Warn("unhandled message kind", "peer", p.id, "kind", msg.Kind())
		return
	}
	if err != nil {
		p.onHandlerError(err)
	}
}

func (p *Peer) onHandlerError(err error) {
	var perr *ProtocolError
	if errors.As(err, &perr) {
		log.Warn("protocol violation, disconnecting", "peer", p.id, "reason", perr.Reason, "ban", perr.Ban)
		p.DeleteSelf(perr.Ban)
		return
	}
	log.Error("peer handler error", "peer", p.id, "err", err)
}

func (p *Peer) handleAuthentication(msg proto.SChannelAuthentication) error {
	if len(msg.Signature) == 0 {
		return violation("empty authentication signature", true)
	}
	p.OnConnected()
	return nil
}

func (p *Peer) handlePing(proto.Ping) error {
	return p.sendMsg(proto.Pong{})
}

func (p *Peer) handlePong(proto.Pong) error { return nil }

// handleNewTip rejects a height regression (B2), otherwise updates the
// peer's advertised tip, clears its rejected set, retries anything still
// unassigned preferring this peer, and — if our own tip lags — requests
// the new header.
func (p *Peer) handleNewTip(msg proto.NewTip) error {
	p.mu.Lock()
	prev := p.tipHeight
	if prev != 0 && msg.Height < prev {
		p.mu.Unlock()
		return violation("NewTip height regression", true)
	}
	p.tipHeight = msg.Height
	p.rejected = make(map[types.TaskKey]bool)
	p.mu.Unlock()

	for _, t := range p.scheduler.Unassigned() {
		p.scheduler.TryAssignTask(t, p.id)
	}
	if _, ourHeight := p.processor.Tip(); ourHeight < msg.Height {
		p.scheduler.RequestData(msg.ID, msg.Height, false, p.id)
	}
	return nil
}

func (p *Peer) handleGetHdr(msg proto.GetHdr) error {
	if h, ok := p.chain.Header(msg.ID); ok {
		return p.sendMsg(proto.Hdr{ID: msg.ID, Desc: h})
	}
	return p.sendMsg(proto.DataMissing{ID: msg.ID})
}

func (p *Peer) handleHdr(msg proto.Hdr) error {
	t := p.firstTask()
	if t == nil || t.Key.IsBody || t.Key.ID != msg.ID {
		return violation("unexpected Hdr reply", true)
	}
	p.peermgr.RewardHeader(p)
	status, err := p.processor.OnHeader(context.Background(), msg.ID, msg.Desc)
	if err != nil {
		log.Error("processor rejected header with an internal error", "id", msg.ID, "err", err)
		return nil
	}
	return p.onFirstTaskDone(t, status)
}

func (p *Peer) handleGetBody(msg proto.GetBody) error {
	if b, ok := p.chain.BlockBody(msg.ID); ok {
		return p.sendMsg(proto.Body{ID: msg.ID, Buf: b})
	}
	return p.sendMsg(proto.DataMissing{ID: msg.ID})
}

func (p *Peer) handleBody(msg proto.Body) error {
	t := p.firstTask()
	if t == nil || !t.Key.IsBody || t.Key.ID != msg.ID {
		return violation("unexpected Body reply", true)
	}
	p.peermgr.RewardBlock(p)
	status, err := p.processor.OnBody(context.Background(), msg.ID, msg.Buf)
	if err != nil {
		log.Error("processor rejected body with an internal error", "id", msg.ID, "err", err)
		return nil
	}
	return p.onFirstTaskDone(t, status)
}

func (p *Peer) handleDataMissing(msg proto.DataMissing) error {
	t := p.firstTask()
	if t == nil {
		return nil
	}
	p.popTask(t)
	p.mu.Lock()
	p.rejected[t.Key] = true
	p.mu.Unlock()
	p.scheduler.OnDataMissing(t)
	return nil
}

func (p *Peer) handleNewTransaction(msg proto.NewTransaction) error {
	ok := p.relay.OnNewTransaction(context.Background(), p, msg.ID, msg.Raw)
	return p.sendMsg(proto.Boolean{Value: ok})
}

func (p *Peer) handleHaveTransaction(msg proto.HaveTransaction) error {
	p.relay.OnHaveTransaction(p, msg.ID)
	return nil
}

func (p *Peer) handleGetTransaction(msg proto.GetTransaction) error {
	raw, ok := p.relay.OnGetTransaction(msg.ID)
	if !ok {
		return nil
	}
	return p.sendMsg(proto.NewTransaction{ID: msg.ID, Raw: raw})
}

func (p *Peer) handleConfig(msg proto.Config) error {
	if msg.Cfg.Checksum != p.expectedChecksum {
		return violation("config checksum mismatch", true)
	}

	p.mu.Lock()
	prev := p.remoteCfg
	hadCfg := p.remoteCfgSet
	p.remoteCfg = msg.Cfg
	p.remoteCfgSet = true
	p.mu.Unlock()

	if hadCfg && !prev.AutoSendHeader && msg.Cfg.AutoSendHeader {
		if id, height := p.processor.Tip(); height > 0 {
			_ = p.sendMsg(proto.NewTip{ID: id, Height: height})
		}
	}
	if hadCfg && !prev.SpreadingTransactions && msg.Cfg.SpreadingTransactions {
		p.relay.EnumerateIDs(func(id types.TxID) {
			_ = p.sendMsg(proto.HaveTransaction{ID: id})
		})
	}
	return nil
}

// handlePeerInfoSelf accepts the identity once, with a non-zero id (B3);
// a second, non-matching announcement is a protocol violation. Attaching
// to an already-live PeerManager entry for this identity follows the
// "keep the existing" policy (peermgr.Attach), so this session is simply
// disconnected, not banned.
func (p *Peer) handlePeerInfoSelf(msg proto.PeerInfoSelf) error {
	var zero types.NodeID
	if msg.ID == zero {
		return violation("PeerInfoSelf with zero identity", true)
	}

	p.mu.Lock()
	if p.identitySet {
		mismatch := msg.ID != p.identity
		p.mu.Unlock()
		if mismatch {
			return violation("duplicate non-matching PeerInfoSelf", true)
		}
		return nil
	}
	p.identity = msg.ID
	p.identitySet = true
	p.listenPort = msg.ListenPort
	p.mu.Unlock()

	if !p.peermgr.Attach(msg.ID, p) {
		p.DeleteSelf(false)
	}
	return nil
}

// handleGetMined is access-controlled when RestrictMinedReportToOwner is
// on: only a session authenticated as our own identity may query it (B4).
func (p *Peer) handleGetMined(msg proto.GetMined) error {
	if p.restrictMinedToOwner {
		p.mu.Lock()
		isOwner := p.identitySet && p.identity == p.selfID
		p.mu.Unlock()
		if !isOwner {
			return violation("unauthorized GetMined", true)
		}
	}
	if row, ok := p.chain.MinedAt(msg.Height); ok {
		return p.sendMsg(proto.Mined{Height: row.Height, ID: row.ID, Fees: row.Fees})
	}
	return nil
}

func (p *Peer) handleGetProofState(msg proto.GetProofState) error {
	if data, ok := p.chain.ProofState(msg.Key); ok {
		return p.sendMsg(proto.Proof{Key: msg.Key, Data: data})
	}
	return nil
}

// handleGetProofKernel sends the Proof reply (DESIGN.md open-question
// decision: the original constructs but never sends this reply, flagged
// as a bug rather than a design choice).
func (p *Peer) handleGetProofKernel(msg proto.GetProofKernel) error {
	if data, ok := p.chain.ProofKernel(msg.ID); ok {
		return p.sendMsg(proto.Proof{Key: msg.ID[:], Data: data})
	}
	return nil
}

func (p *Peer) handleGetProofUtxo(msg proto.GetProofUtxo) error {
	if data, ok := p.chain.ProofUtxo(msg.Key); ok {
		return p.sendMsg(proto.ProofUtxo{Key: msg.Key, Data: data})
	}
	return nil
}
