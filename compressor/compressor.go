// Package compressor implements the Compressor (spec.md §4.5): a
// background worker that aggregates old blocks into "macroblocks" on
// disk, one job at a time, using the request-to-main pattern (spec.md §9)
// to perform DB-transactional export work on the reactor goroutine while
// the merge/rename work happens on its own thread. Grounded on the
// original_source aggregation loop (`beam/node.cpp`'s macroblock logic)
// for the pair-merge discipline, and on geth's own reorg-safe background
// worker shape (present in the teacher copy only as tests — see
// DESIGN.md) for the stop/rollback handling.
package compressor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/duskveil/node/internal/metrics"
	"github.com/duskveil/node/internal/xlog"
	"github.com/duskveil/node/types"
	"github.com/google/uuid"
)

var log = xlog.New("component", "compressor")

// Exporter performs the DB-transactional export of one height range into a
// pair of temp data streams; it is always called on the main reactor
// goroutine (spec.md §5 "NodeDB is single-writer").
type Exporter func(ctx context.Context, rng types.HeightRange, tmpPathPrefix string) (paths [2]string, err error)

// Inserter records a completed macroblock (iface.NodeDB.MacroblockIns).
type Inserter func(upperHeight uint64, path string) error

// Pruner deletes the recorded macroblock rows at or below keepAbove
// (iface.NodeDB.MacroblockPrune); macroblock files are not touched.
type Pruner func(keepAbove uint64) error

type Config struct {
	Naggling     uint64
	MinAggregate uint64
	Threshold    uint64
	MaxBacklog   uint64
	OutDir       string
	TmpDir       string
}

// segment is one on-disk aggregate awaiting further merging.
type segment struct {
	rng   types.HeightRange
	paths [2]string
}

// Job is the at-most-one in-flight compression run (spec.md §3
// Compressor.Job).
type Job struct {
	target     types.HeightRange
	inProgress bool
	success    bool
	stop       bool
}

type Compressor struct {
	cfg       Config
	export    Exporter
	insert    Inserter
	prune     Pruner
	lastMacro uint64

	mu      sync.Mutex
	cond    *sync.Cond
	job     *Job
	request *exportRequest
	reqCh   chan struct{}

	wg sync.WaitGroup
}

type exportRequest struct {
	rng    types.HeightRange
	prefix string
	paths  [2]string
	err    error
	done   bool
}

func New(cfg Config, export Exporter, insert Inserter, prune Pruner) *Compressor {
	c := &Compressor{
		cfg:    cfg,
		export: export,
		insert: insert,
		prune:  prune,
		reqCh:  make(chan struct{}, 1),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// SetLastMacro seeds the cursor on startup (read from NodeDB.MacroblockList).
func (c *Compressor) SetLastMacro(h uint64) { c.lastMacro = h }

// Requests exposes the async-event channel the main reactor selects on to
// know when a worker is waiting for an export to be serviced.
func (c *Compressor) Requests() <-chan struct{} { return c.reqCh }

// ServiceNext performs the pending export request, if any, on the caller's
// goroutine (the main reactor) and wakes the waiting worker.
func (c *Compressor) ServiceNext(ctx context.Context) {
	c.mu.Lock()
	req := c.request
	c.mu.Unlock()
	if req == nil {
		return
	}
	paths, err := c.export(ctx, req.rng, req.prefix)
	c.mu.Lock()
	req.paths, req.err = paths, err
	req.done = true
	c.request = nil
	c.cond.Broadcast()
	c.mu.Unlock()
}

func (c *Compressor) requestExport(rng types.HeightRange) ([2]string, error) {
	prefix := filepath.Join(c.cfg.TmpDir, fmt.Sprintf("tmp_%d_%d", rng.Lo, rng.Hi))
	req := &exportRequest{rng: rng, prefix: prefix}

	c.mu.Lock()
	c.request = req
	c.mu.Unlock()

	select {
	case c.reqCh <- struct{}{}:
	default:
	}

	c.mu.Lock()
	for !req.done {
		c.cond.Wait()
	}
	c.mu.Unlock()
	return req.paths, req.err
}

// OnNewState is called after every new tip; if the cursor has advanced far
// enough past the last macroblock, it spawns the aggregation worker
// (spec.md §4.5). tip is the current canonical height.
func (c *Compressor) OnNewState(tip uint64) {
	c.mu.Lock()
	if c.job != nil {
		c.mu.Unlock()
		return // at most one job at a time
	}
	if tip <= c.cfg.Threshold {
		c.mu.Unlock()
		return
	}
	upper := tip - c.cfg.Threshold
	if upper < c.lastMacro+c.cfg.MinAggregate {
		c.mu.Unlock()
		return
	}
	job := &Job{target: types.HeightRange{Lo: c.lastMacro + 1, Hi: upper}, inProgress: true}
	c.job = job
	c.mu.Unlock()

	c.wg.Add(1)
	go c.runJob(job)
}

// OnRolledBack stops an in-progress job targeting a height now above the
// new tip, and deletes any macroblock files strictly above it (spec.md
// §4.5 Rollback handling).
func (c *Compressor) OnRolledBack(newTip uint64) {
	c.mu.Lock()
	job := c.job
	if job != nil && job.target.Hi > newTip {
		job.stop = true
	}
	c.mu.Unlock()

	if c.prune != nil {
		if err := c.prune(newTip); err != nil {
			log.Error("failed to prune macroblocks above rolled-back tip", "tip", newTip, "err", err)
		}
	}
}

func (c *Compressor) isStopped(job *Job) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return job.stop
}

// runJob walks [target.Lo, target.Hi] in Naggling-sized chunks, issuing one
// request-to-main export per chunk and pair-merging with the
// binary-counter discipline spec.md §4.5 describes ("while i has a
// trailing 1-bit, squash the top two ranges").
func (c *Compressor) runJob(job *Job) {
	defer c.wg.Done()
	runID := uuid.New().String()[:8]
	log.Info("compressor job starting", "run", runID, "lo", job.target.Lo, "hi", job.target.Hi)

	var stack []segment
	var chunkIdx uint64
	height := job.target.Lo

	for height <= job.target.Hi {
		if c.isStopped(job) {
			c.abortJob(job, stack)
			return
		}
		hi := height + c.cfg.Naggling - 1
		if hi > job.target.Hi {
			hi = job.target.Hi
		}
		rng := types.HeightRange{Lo: height, Hi: hi}
		paths, err := c.requestExport(rng)
		if err != nil {
			log.Error("macroblock chunk export failed", "run", runID, "range", rng, "err", err)
			c.abortJob(job, stack)
			return
		}
		stack = append(stack, segment{rng: rng, paths: paths})

		i := chunkIdx
		for i&1 == 1 {
			if len(stack) < 2 {
				break
			}
			b := stack[len(stack)-1]
			a := stack[len(stack)-2]
			stack = stack[:len(stack)-2]
			merged, err := c.squashOnce(a, b)
			if err != nil {
				log.Error("macroblock squash failed", "run", runID, "err", err)
				c.abortJob(job, stack)
				return
			}
			stack = append(stack, merged)
			i >>= 1
		}
		chunkIdx++
		height = hi + 1
	}

	for len(stack) > 1 {
		b := stack[len(stack)-1]
		a := stack[len(stack)-2]
		stack = stack[:len(stack)-2]
		merged, err := c.squashOnce(a, b)
		if err != nil {
			log.Error("final macroblock squash failed", "run", runID, "err", err)
			c.abortJob(job, stack)
			return
		}
		stack = append(stack, merged)
	}

	if len(stack) == 0 {
		c.finishJob(job, true)
		return
	}
	final := stack[0]
	finalPrefix := filepath.Join(c.cfg.OutDir, fmt.Sprintf("mb_%d", final.rng.Hi))
	if err := renamePair(final.paths, finalPrefix); err != nil {
		log.Error("macroblock rename failed", "run", runID, "err", err)
		c.abortJob(job, nil)
		return
	}
	if c.insert != nil {
		if err := c.insert(final.rng.Hi, finalPrefix); err != nil {
			log.Error("macroblock DB insert failed", "run", runID, "err", err)
			c.abortJob(job, nil)
			return
		}
	}
	c.mu.Lock()
	c.lastMacro = final.rng.Hi
	c.mu.Unlock()
	metrics.MacroblocksBuilt.Inc()
	log.Info("macroblock built", "run", runID, "height", final.rng.Hi, "path", finalPrefix)

	c.pruneBacklog(final.rng.Hi)
	c.finishJob(job, true)
}

func (c *Compressor) finishJob(job *Job, success bool) {
	job.success = success
	c.mu.Lock()
	c.job = nil
	c.mu.Unlock()
}

func (c *Compressor) abortJob(job *Job, partial []segment) {
	for _, s := range partial {
		for _, p := range s.paths {
			_ = os.Remove(p)
		}
	}
	c.finishJob(job, false)
}

// squashOnce merges two adjacent on-disk segment pairs into one, matching
// the "binary-counter" pair-merge discipline named in spec.md §4.5.
func (c *Compressor) squashOnce(a, b segment) (segment, error) {
	merged := segment{rng: types.HeightRange{Lo: a.rng.Lo, Hi: b.rng.Hi}}
	prefix := filepath.Join(c.cfg.TmpDir, fmt.Sprintf("tmp_%d_%d", merged.rng.Lo, merged.rng.Hi))
	for i := 0; i < 2; i++ {
		out, err := concatSnappy(a.paths[i], b.paths[i], fmt.Sprintf("%s.%d", prefix, i))
		if err != nil {
			return segment{}, err
		}
		merged.paths[i] = out
	}
	for _, p := range a.paths {
		_ = os.Remove(p)
	}
	for _, p := range b.paths {
		_ = os.Remove(p)
	}
	return merged, nil
}

// pruneBacklog trims the macroblock backlog to MaxBacklog after a
// successful aggregation (SPEC_FULL.md supplement, spec.md §4.5).
func (c *Compressor) pruneBacklog(upTo uint64) {
	if c.prune == nil || c.cfg.MaxBacklog == 0 || upTo <= c.cfg.MaxBacklog {
		return
	}
	if err := c.prune(upTo - c.cfg.MaxBacklog); err != nil {
		log.Error("failed to prune macroblock backlog", "err", err)
	}
}

// Busy reports whether a job is currently in flight.
func (c *Compressor) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.job != nil
}
