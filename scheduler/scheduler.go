// Package scheduler implements the Sync / Task Scheduler (spec.md §4.1):
// a deduplicated set of outstanding header/body requests, assignment to a
// suitable peer, stall detection, and re-queueing. Grounded on the
// assignment/backoff shape of geth's eth/downloader (queue + peer set,
// surviving only as _test.go in the teacher copy — see DESIGN.md) and on
// `fa3a0302_nspcc-dev-neo-go__pkg-syncmanager-syncman.go` for the
// single-owner task-per-peer bookkeeping idiom.
//
// Scheduler's own fields are guarded by mu: peer.ArmTaskTimer fires
// onTaskTimeout from a time.AfterFunc goroutine, so task/peer bookkeeping
// can no longer assume it only ever runs on the main reactor goroutine
// (spec.md §5). Every exported method takes mu for the span of its own
// data manipulation and releases it before calling out to a Peer, so a
// Peer callback that reaches back into the scheduler (e.g. DeleteSelf's
// RemovePeer/ReleasePeerTasks) never re-enters a lock already held by the
// same goroutine.
package scheduler

import (
	"sync"
	"time"

	"github.com/duskveil/node/internal/metrics"
	"github.com/duskveil/node/internal/xlog"
	"github.com/duskveil/node/types"
)

var log = xlog.New("component", "scheduler")

// Peer is the subset of peer-session behavior the scheduler needs. package
// peer implements it; scheduler never imports package peer, avoiding an
// import cycle (peer depends on scheduler for RequestData/TryAssignTask).
type Peer interface {
	ID() string
	TipHeight() uint64
	Authenticated() bool
	Connected() bool
	HasBodyTask() bool
	Rejected(key types.TaskKey) bool
	// AddTask attempts to send the request for t over the wire and track
	// it as owned. A non-nil error means the send failed (transient-IO,
	// spec.md §7); the scheduler will disconnect the peer and retry
	// elsewhere.
	AddTask(t *Task) error
	// ArmTaskTimer (re)arms the stall timer each time a task is assigned
	// to this peer, sized by the kind of the task just assigned; the kind
	// of the peer's first-in-line task is not consulted.
	ArmTaskTimer(isBody bool, timeout time.Duration)
	// Disconnect ends the session; ban marks the peer's identity refused
	// thereafter (spec.md §7).
	Disconnect(ban bool)
}

// Task is an outstanding request for one header or one body (spec.md §3).
type Task struct {
	Key      types.TaskKey
	Relevant bool
	Owner    Peer
}

// Config is the subset of config.Config the scheduler consults.
type Config struct {
	GetBlockTimeout time.Duration
	GetStateTimeout time.Duration
}

// Scheduler owns the task set (I1) and the unassigned list.
type Scheduler struct {
	mu  sync.Mutex
	cfg Config

	tasks map[types.TaskKey]*Task
	// unassigned preserves insertion order for deterministic tests.
	unassigned []*Task
	peers      []Peer
}

func New(cfg Config) *Scheduler {
	return &Scheduler{
		cfg:   cfg,
		tasks: make(map[types.TaskKey]*Task),
	}
}

// AddPeer/RemovePeer let the Node keep the scheduler's candidate-peer list
// in sync with live sessions; called both from the reactor on connect and
// from a disconnecting peer's own teardown path.
func (s *Scheduler) AddPeer(p Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers = append(s.peers, p)
}

func (s *Scheduler) RemovePeer(p Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, q := range s.peers {
		if q == p {
			s.peers = append(s.peers[:i], s.peers[i+1:]...)
			return
		}
	}
}

// RequestData is idempotent (spec.md §4.1, R1): repeated calls for the same
// key only ever produce one Task, refreshing Relevant.
func (s *Scheduler) RequestData(id types.BlockID, height uint64, isBody bool, preferredPeerID string) {
	key := types.TaskKey{ID: id, Height: height, IsBody: isBody}

	s.mu.Lock()
	if t, ok := s.tasks[key]; ok {
		t.Relevant = true
		s.mu.Unlock()
		return
	}
	t := &Task{Key: key, Relevant: true}
	s.tasks[key] = t
	s.unassigned = append(s.unassigned, t)
	metrics.TasksOutstanding.Inc()
	s.mu.Unlock()

	s.TryAssignTask(t, preferredPeerID)
}

// RefreshCongestions clears every Relevant flag, lets the processor
// re-enumerate what it still needs (which re-marks tasks or creates new
// ones via RequestData), then deletes anything still irrelevant — garbage
// collecting requests made obsolete by a reorg (spec.md §4.1).
func (s *Scheduler) RefreshCongestions(enumerate func(request func(id types.BlockID, height uint64, isBody bool))) {
	s.mu.Lock()
	for _, t := range s.tasks {
		t.Relevant = false
	}
	s.mu.Unlock()

	enumerate(func(id types.BlockID, height uint64, isBody bool) {
		s.RequestData(id, height, isBody, "")
	})

	s.mu.Lock()
	var stale []*Task
	for _, t := range s.tasks {
		if !t.Relevant {
			stale = append(stale, t)
		}
	}
	for _, t := range stale {
		s.deleteTask(t.Key, t)
	}
	s.reportGauges()
	s.mu.Unlock()
}

// deleteTask assumes mu is held.
func (s *Scheduler) deleteTask(key types.TaskKey, t *Task) {
	delete(s.tasks, key)
	if t.Owner == nil {
		for i, u := range s.unassigned {
			if u == t {
				s.unassigned = append(s.unassigned[:i], s.unassigned[i+1:]...)
				break
			}
		}
	}
	metrics.TasksOutstanding.Dec()
}

// ShouldAssignTask implements spec.md §4.1's predicate exactly: a peer
// qualifies only if it has advertised a tip at or above the task's height,
// is authenticated, has no in-flight body-task of its own (a body download
// occupies the whole connection; header tasks queue only behind a peer's
// own other header tasks, never behind a differently-typed in-flight one),
// and has not already told us it lacks this exact key.
func ShouldAssignTask(t *Task, p Peer) bool {
	if p.TipHeight() < t.Key.Height {
		return false
	}
	if !p.Authenticated() {
		return false
	}
	if p.HasBodyTask() {
		return false
	}
	if p.Rejected(t.Key) {
		return false
	}
	return true
}

// TryAssignTask picks the first qualifying peer, preferring preferredPeerID
// if given and connected. A send failure disconnects that peer (transient-
// IO, not banned) and the search continues (spec.md §4.1).
//
// Every call into a Peer (AddTask, Disconnect, and assign's ArmTaskTimer)
// happens either without mu held or while mu is held only for the
// scheduler's own bookkeeping, never spanning a Peer call that might loop
// back into RemovePeer/ReleasePeerTasks on the same goroutine.
func (s *Scheduler) TryAssignTask(t *Task, preferredPeerID string) bool {
	s.mu.Lock()
	if t.Owner != nil {
		s.mu.Unlock()
		return true
	}
	candidates := s.orderedCandidates(preferredPeerID)
	s.mu.Unlock()

	for _, p := range candidates {
		s.mu.Lock()
		assignable := t.Owner == nil && ShouldAssignTask(t, p)
		s.mu.Unlock()
		if !assignable {
			continue
		}

		if err := p.AddTask(t); err != nil {
			log.Warn("send failed assigning task, disconnecting peer", "peer", p.ID(), "task", t.Key, "err", err)
			p.Disconnect(false)
			continue
		}

		s.mu.Lock()
		assigned := false
		if t.Owner == nil {
			s.assign(t, p)
			assigned = true
		}
		s.mu.Unlock()
		if assigned {
			return true
		}
	}
	return false
}

// orderedCandidates assumes mu is held; it always returns a fresh slice so
// the caller may range over it after releasing the lock.
func (s *Scheduler) orderedCandidates(preferredPeerID string) []Peer {
	if preferredPeerID == "" {
		return append([]Peer(nil), s.peers...)
	}
	out := make([]Peer, 0, len(s.peers))
	for _, p := range s.peers {
		if p.ID() == preferredPeerID && p.Connected() {
			out = append(out, p)
		}
	}
	for _, p := range s.peers {
		if p.ID() != preferredPeerID {
			out = append(out, p)
		}
	}
	return out
}

// assign assumes mu is held.
func (s *Scheduler) assign(t *Task, p Peer) {
	for i, u := range s.unassigned {
		if u == t {
			s.unassigned = append(s.unassigned[:i], s.unassigned[i+1:]...)
			break
		}
	}
	t.Owner = p
	timeout := s.cfg.GetStateTimeout
	if t.Key.IsBody {
		timeout = s.cfg.GetBlockTimeout
	}
	p.ArmTaskTimer(t.Key.IsBody, timeout)
	s.reportGauges()
}

// OnDataMissing handles a DataMissing reply: the key moves into the
// peer's rejected set (the Peer implementation records that itself) and
// is reassigned elsewhere (spec.md §4.1 "Failure semantics").
func (s *Scheduler) OnDataMissing(t *Task) {
	s.mu.Lock()
	s.release(t)
	s.unassigned = append(s.unassigned, t)
	s.mu.Unlock()
	s.TryAssignTask(t, "")
}

// OnTaskDone releases a fulfilled or no-longer-relevant task. If the task
// is still relevant (e.g. delivered stale data superseded by a reorg) the
// caller should not call this; RefreshCongestions will GC it instead.
func (s *Scheduler) OnTaskDone(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := t.Key
	t.Owner = nil
	s.deleteTask(key, t)
}

// ReleasePeerTasks is called when a peer disconnects: every task it owned
// is released back to unassigned and reassigned if still relevant, or
// deleted otherwise (spec.md §4.2 "DeleteSelf"). Reassignment happens
// after mu is released, since TryAssignTask takes it again itself.
func (s *Scheduler) ReleasePeerTasks(owned []*Task) {
	var toAssign []*Task

	s.mu.Lock()
	for _, t := range owned {
		s.release(t)
		if t.Relevant {
			s.unassigned = append(s.unassigned, t)
			toAssign = append(toAssign, t)
		} else {
			s.deleteTask(t.Key, t)
		}
	}
	s.mu.Unlock()

	for _, t := range toAssign {
		s.TryAssignTask(t, "")
	}
}

// release assumes mu is held.
func (s *Scheduler) release(t *Task) {
	t.Owner = nil
}

// reportGauges assumes mu is held.
func (s *Scheduler) reportGauges() {
	metrics.TasksOutstanding.Set(float64(len(s.tasks)))
	metrics.TasksUnassigned.Set(float64(len(s.unassigned)))
}

// Tasks returns a snapshot task list for tests/inspection.
func (s *Scheduler) Tasks() map[types.TaskKey]*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[types.TaskKey]*Task, len(s.tasks))
	for k, v := range s.tasks {
		out[k] = v
	}
	return out
}

func (s *Scheduler) Unassigned() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Task(nil), s.unassigned...)
}
