package scheduler

import (
	"testing"
	"time"

	"github.com/duskveil/node/types"
	"github.com/stretchr/testify/require"
)

type fakePeer struct {
	id        string
	tip       uint64
	auth      bool
	connected bool
	body      bool
	rejected  map[types.TaskKey]bool
	sendErr   error
	tasks     []*Task
	timerArm  int
}

func newFakePeer(id string, tip uint64) *fakePeer {
	return &fakePeer{id: id, tip: tip, auth: true, connected: true, rejected: map[types.TaskKey]bool{}}
}

func (p *fakePeer) ID() string            { return p.id }
func (p *fakePeer) TipHeight() uint64     { return p.tip }
func (p *fakePeer) Authenticated() bool   { return p.auth }
func (p *fakePeer) Connected() bool       { return p.connected }
func (p *fakePeer) HasBodyTask() bool     { return p.body }
func (p *fakePeer) Rejected(k types.TaskKey) bool { return p.rejected[k] }
func (p *fakePeer) AddTask(t *Task) error {
	if p.sendErr != nil {
		return p.sendErr
	}
	p.tasks = append(p.tasks, t)
	if t.Key.IsBody {
		p.body = true
	}
	return nil
}
func (p *fakePeer) ArmTaskTimer(isBody bool, timeout time.Duration) { p.timerArm++ }
func (p *fakePeer) Disconnect(ban bool)                             { p.connected = false }

func testCfg() Config {
	return Config{GetBlockTimeout: time.Second, GetStateTimeout: time.Second}
}

func TestRequestDataIdempotent(t *testing.T) {
	s := New(testCfg())
	p := newFakePeer("p1", 100)
	s.AddPeer(p)

	id := types.BlockID{1}
	for i := 0; i < 5; i++ {
		s.RequestData(id, 50, false, "")
	}
	require.Len(t, s.Tasks(), 1, "R1: repeated RequestData must not duplicate tasks")
	require.Len(t, p.tasks, 1)
}

func TestAtMostOneBodyTaskPerPeer(t *testing.T) {
	s := New(testCfg())
	p := newFakePeer("p1", 100)
	s.AddPeer(p)

	s.RequestData(types.BlockID{1}, 10, true, "")
	s.RequestData(types.BlockID{2}, 11, true, "")

	bodyCount := 0
	for _, tk := range p.tasks {
		if tk.Key.IsBody {
			bodyCount++
		}
	}
	require.LessOrEqual(t, bodyCount, 1, "P2: at most one body task in flight per peer")
}

func TestDataMissingReassigns(t *testing.T) {
	s := New(testCfg())
	p1 := newFakePeer("p1", 100)
	p2 := newFakePeer("p2", 100)
	s.AddPeer(p1)
	s.AddPeer(p2)

	id := types.BlockID{7}
	s.RequestData(id, 5, false, "p1")
	require.Len(t, p1.tasks, 1)

	task := p1.tasks[0]
	p1.rejected[task.Key] = true
	s.OnDataMissing(task)

	require.Len(t, p2.tasks, 1, "task should be reassigned to the other qualifying peer")
}

func TestRefreshCongestionsGCsIrrelevant(t *testing.T) {
	s := New(testCfg())
	p := newFakePeer("p1", 100)
	s.AddPeer(p)

	s.RequestData(types.BlockID{1}, 1, false, "")
	require.Len(t, s.Tasks(), 1)

	// processor no longer wants anything
	s.RefreshCongestions(func(request func(id types.BlockID, height uint64, isBody bool)) {})
	require.Empty(t, s.Tasks())
}

func TestTaskOwnerInvariant(t *testing.T) {
	s := New(testCfg())
	p := newFakePeer("p1", 100)
	s.AddPeer(p)

	s.RequestData(types.BlockID{9}, 3, false, "")
	tasks := s.Tasks()
	require.Len(t, tasks, 1)
	for _, tk := range tasks {
		require.NotNil(t, tk.Owner, "I2: owner set once assigned")
		require.Equal(t, p, tk.Owner)
	}
}
