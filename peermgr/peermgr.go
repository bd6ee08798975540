// Package peermgr implements the PeerManager (spec.md §4.7): an address
// book of PeerInfo records keyed by identity, carrying reputation, bans,
// and a periodic connect-retry tick. Grounded on
// `0736d5f7_prxssh-rabbit__pkg-peer-manager.go` and
// `07e0197b_BigBossBooling-Empower1Blockchain__internal-p2p-manager.go`
// for the RWMutex-guarded address-book shape and reputation bookkeeping.
package peermgr

import (
	"sync"
	"time"

	"github.com/duskveil/node/internal/xlog"
	"github.com/duskveil/node/types"
)

var log = xlog.New("component", "peermgr")

const (
	RewardHeaderDelta  = 2
	RewardBlockDelta    = 5
	PenaltyTimeoutDelta = -10
)

// LivePeer is the minimal surface PeerManager needs from an attached
// session; package peer implements it. peermgr never imports package peer
// (peer imports peermgr instead) so there is no import cycle.
type LivePeer interface {
	ID() string
	RemoteAddr() string
	Disconnect(ban bool)
}

// PeerInfo is an address-book entry: it survives connection churn (spec.md
// §3 "PeerInfo... owned by PeerManager; survives disconnects; banned
// entries retained").
type PeerInfo struct {
	Identity types.NodeID
	Addr     string
	Rating   int
	Active   bool
	Banned   bool
	// Live is the weak back-reference to the attached session, cleared on
	// disconnect (spec.md §9, §3 invariant I5).
	Live LivePeer

	lastAttempt time.Time
}

// Manager is the address book. Its methods take mu, so they may be called
// from any goroutine; Update calls Dial synchronously for each entry it
// selects.
type Manager struct {
	mu         sync.RWMutex
	byIdentity map[types.NodeID]*PeerInfo
	fanout     int

	// Dial is supplied by the Node; Update calls it for each PeerInfo it
	// selects to connect outbound, and does not wait for any result. A
	// connection that succeeds is linked to its entry through Attach once
	// the peer's PeerInfoSelf arrives; a failed dial is not reported back.
	Dial func(addr string)
}

func New(fanout int) *Manager {
	return &Manager{byIdentity: make(map[types.NodeID]*PeerInfo), fanout: fanout}
}

// Learn registers a newly discovered candidate address (from Beacon). For
// an identity already known, banned or not, it only replaces the stored
// address when addr is non-empty; no second entry is created.
func (m *Manager) Learn(id types.NodeID, addr string) *PeerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pi, ok := m.byIdentity[id]; ok {
		if addr != "" {
			pi.Addr = addr
		}
		return pi
	}
	pi := &PeerInfo{Identity: id, Addr: addr}
	m.byIdentity[id] = pi
	return pi
}

// Attach links a newly authenticated live session to its PeerInfo entry
// (spec.md §4.2 PeerInfoSelf handler). Returns false if another live
// session already holds that identity — the caller (policy: "keep the
// existing", see DESIGN.md Open Questions) must reject the new one.
func (m *Manager) Attach(id types.NodeID, p LivePeer) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	pi, ok := m.byIdentity[id]
	if !ok {
		pi = &PeerInfo{Identity: id}
		m.byIdentity[id] = pi
	}
	if pi.Banned {
		return false
	}
	if pi.Live != nil {
		log.Info("duplicate live session for identity, keeping existing", "identity", id)
		return false
	}
	pi.Live = p
	pi.Active = true
	return true
}

// Detach clears the weak back-reference on disconnect (invariant I5).
func (m *Manager) Detach(p LivePeer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pi := range m.byIdentity {
		if pi.Live == p {
			pi.Live = nil
			pi.Active = false
			return
		}
	}
}

// RewardHeader / RewardBlock / PenaltyTimeout adjust reputation for the
// identity attached to p, if any.
func (m *Manager) RewardHeader(p LivePeer) { m.adjust(p, RewardHeaderDelta) }
func (m *Manager) RewardBlock(p LivePeer)  { m.adjust(p, RewardBlockDelta) }
func (m *Manager) PenaltyTimeout(p LivePeer) { m.adjust(p, PenaltyTimeoutDelta) }

func (m *Manager) adjust(p LivePeer, delta int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pi := range m.byIdentity {
		if pi.Live == p {
			pi.Rating += delta
			return
		}
	}
}

// Ban marks an identity refused thereafter, whether or not it currently
// has a live session (spec.md §7 "insane-peer": "ban the identity even if
// no live session").
func (m *Manager) Ban(id types.NodeID) {
	m.mu.Lock()
	pi, ok := m.byIdentity[id]
	if !ok {
		pi = &PeerInfo{Identity: id}
		m.byIdentity[id] = pi
	}
	pi.Banned = true
	live := pi.Live
	m.mu.Unlock()
	if live != nil {
		live.Disconnect(true)
	}
}

func (m *Manager) IsBanned(id types.NodeID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pi, ok := m.byIdentity[id]
	return ok && pi.Banned
}

func (m *Manager) Get(id types.NodeID) (*PeerInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pi, ok := m.byIdentity[id]
	return pi, ok
}

// Update is the 1 Hz activation tick (spec.md §4.7): select top-rated
// unused entries and dial outbound up to the configured fan-out.
func (m *Manager) Update() {
	m.mu.RLock()
	var candidates []*PeerInfo
	activeCount := 0
	for _, pi := range m.byIdentity {
		if pi.Active {
			activeCount++
			continue
		}
		if pi.Banned || pi.Addr == "" {
			continue
		}
		if time.Since(pi.lastAttempt) < 30*time.Second {
			continue
		}
		candidates = append(candidates, pi)
	}
	m.mu.RUnlock()

	need := m.fanout - activeCount
	if need <= 0 || len(candidates) == 0 {
		return
	}
	sortByRatingDesc(candidates)
	if len(candidates) > need {
		candidates = candidates[:need]
	}
	for _, pi := range candidates {
		pi.lastAttempt = time.Now()
		if m.Dial != nil {
			m.Dial(pi.Addr)
		}
	}
}

func sortByRatingDesc(pis []*PeerInfo) {
	for i := 1; i < len(pis); i++ {
		for j := i; j > 0 && pis[j].Rating > pis[j-1].Rating; j-- {
			pis[j], pis[j-1] = pis[j-1], pis[j]
		}
	}
}

// Count returns the number of currently active (live) entries.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, pi := range m.byIdentity {
		if pi.Active {
			n++
		}
	}
	return n
}
