package miner

import (
	"context"
	"testing"
	"time"

	"github.com/duskveil/node/iface"
	"github.com/duskveil/node/types"
	"github.com/stretchr/testify/require"
)

type fakeProcessor struct {
	iface.NodeProcessor
	n int
}

func (p *fakeProcessor) BuildCandidate(ctx context.Context) (iface.CandidateBlock, error) {
	p.n++
	var id types.BlockID
	id[0] = byte(p.n)
	return iface.CandidateBlock{ID: id, Header: []byte("hdr"), Fees: uint64(p.n)}, nil
}

func (p *fakeProcessor) TreasuryOpen() bool { return false }

func testCfg() Config {
	return Config{Workers: 2, MinerID: "m1", FakePoW: true, FakePowSolveTime: 300 * time.Millisecond}
}

func TestMinerSolvesFakePoW(t *testing.T) {
	m := New(testCfg(), &fakeProcessor{}, nil)
	m.Start()
	defer m.Stop()

	m.Restart(context.Background())

	select {
	case ev := <-m.Mined():
		require.NotNil(t, ev.Task)
		require.True(t, ev.Task.Stopped())
	case <-time.After(3 * time.Second):
		t.Fatal("expected a mined event")
	}
}

func TestSoftRestartSharesStopPointerUntilSolved(t *testing.T) {
	cfg := testCfg()
	cfg.FakePowSolveTime = 5 * time.Second // long enough that we can restart before it solves
	m := New(cfg, &fakeProcessor{}, nil)
	m.Start()
	defer m.Stop()

	m.Restart(context.Background())
	m.mu.Lock()
	first := m.current
	m.mu.Unlock()
	require.NotNil(t, first)

	// soft restart: task not yet solved, new task shares the same stop pointer
	m.Restart(context.Background())
	m.mu.Lock()
	second := m.current
	m.mu.Unlock()
	require.NotSame(t, first, second, "a new task object is installed")
	require.True(t, first.stop == second.stop, "P5: soft restart shares the stop pointer")
}

func TestHardAbortStopsCurrentTask(t *testing.T) {
	cfg := testCfg()
	cfg.FakePowSolveTime = 5 * time.Second
	m := New(cfg, &fakeProcessor{}, nil)
	m.Start()
	defer m.Stop()

	m.Restart(context.Background())
	m.mu.Lock()
	task := m.current
	m.mu.Unlock()

	m.HardAbortSafe()
	require.True(t, task.Stopped())

	m.mu.Lock()
	cur := m.current
	m.mu.Unlock()
	require.Nil(t, cur)
}

func TestRestartKeepsAlreadySolvedTask(t *testing.T) {
	m := New(testCfg(), &fakeProcessor{}, nil)
	m.Start()
	defer m.Stop()

	m.Restart(context.Background())
	ev := <-m.Mined()
	require.True(t, ev.Task.Stopped())

	m.mu.Lock()
	before := m.current
	m.mu.Unlock()
	require.Same(t, ev.Task, before, "solved task is retained until onMined swaps it out")

	m.Restart(context.Background())
	m.mu.Lock()
	after := m.current
	m.mu.Unlock()
	require.Same(t, before, after, "Restart must not replace an already-solved task")
}

func TestSetTimerCoalescesSoftAndHardRestarts(t *testing.T) {
	m := New(testCfg(), &fakeProcessor{}, nil)
	m.Start()
	defer m.Stop()

	m.SetTimer(50*time.Millisecond, false)
	m.SetTimer(20*time.Millisecond, true) // hard overrides pending soft, fires sooner

	select {
	case <-m.Mined():
	case <-time.After(3 * time.Second):
		t.Fatal("expected SetTimer to eventually trigger a restart and a mined event")
	}
}
