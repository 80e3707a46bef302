// Package aggregator implements the C5 TF Builder/merger (§4.5): collects
// one STF per tf-id from each of N producers, merges complete (or
// timed-out) groups into TimeFrames, evicts stale groups on a periodic
// sweep, and broadcasts liveness heartbeats to producers.
//
// Grounded on the teacher's hk package for the sweep thread (a plain
// periodic callback rather than a bespoke ticker goroutine) and on
// queue.Queue for the merger's output handoff.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package aggregator

import (
	"sync"
	"time"

	"github.com/tfpipe/tfpipe/cmn/cos"
	"github.com/tfpipe/tfpipe/cmn/nlog"
	"github.com/tfpipe/tfpipe/hk"
	"github.com/tfpipe/tfpipe/queue"
	"github.com/tfpipe/tfpipe/stf"
	"github.com/tfpipe/tfpipe/stfstats"
)

type pendingEntry struct {
	stfs  []*stf.SubTimeFrame
	start time.Time
}

// Aggregator holds the §4.5 state: pending (tf-id → collected STFs),
// discarded (tf-ids that timed out, preventing late re-admission), guarded
// by one mutex per §5 ("the pending map is protected by a single mutex").
type Aggregator struct {
	n             int // producer count N
	bufferTimeout time.Duration
	metrics       *stfstats.Metrics

	mu        sync.Mutex
	pending   map[uint64]*pendingEntry
	discarded map[uint64]struct{}
	wake      chan struct{}

	out *queue.Queue[*stf.TimeFrame]
}

func New(n int, bufferTimeout time.Duration, out *queue.Queue[*stf.TimeFrame], m *stfstats.Metrics) *Aggregator {
	if n <= 0 {
		n = 1
	}
	return &Aggregator{
		n:             n,
		bufferTimeout: bufferTimeout,
		metrics:       m,
		pending:       make(map[uint64]*pendingEntry),
		discarded:     make(map[uint64]struct{}),
		wake:          make(chan struct{}, 1),
		out:           out,
	}
}

func (a *Aggregator) poke() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// Insert records one producer's STF for its tf-id (§4.5 "State"). A late
// arrival for an already-discarded tf-id is rejected with cos.ErrDiscardedTF
// (§4.5 "Timeout sweep": "Reject subsequent arrivals for a discarded tf-id").
func (a *Aggregator) Insert(s *stf.SubTimeFrame) error {
	tfID := s.Header.TFID
	a.mu.Lock()
	if _, discarded := a.discarded[tfID]; discarded {
		a.mu.Unlock()
		nlog.Warningf("aggregator: rejecting late STF for discarded tf_id=%d: %v", tfID, cos.ErrDiscardedTF)
		return cos.ErrDiscardedTF
	}
	entry, ok := a.pending[tfID]
	if !ok {
		entry = &pendingEntry{start: time.Now()}
		a.pending[tfID] = entry
	}
	entry.stfs = append(entry.stfs, s)

	// §4.5 merge trigger: either two distinct tf-ids are now present (the
	// earlier is implicitly complete-or-late), or the earliest tf-id's count
	// reached N.
	trigger := len(a.pending) >= 2
	if !trigger {
		if _, id, e := a.earliestLocked(); id == tfID && len(e.stfs) >= a.n {
			trigger = true
		}
	}
	a.mu.Unlock()

	if trigger {
		a.poke()
	}
	return nil
}

// earliestLocked must be called under a.mu; ok is false when pending is empty.
func (a *Aggregator) earliestLocked() (ok bool, id uint64, e *pendingEntry) {
	first := true
	for k, v := range a.pending {
		if first || k < id {
			id, e, first = k, v, false
		}
	}
	return !first, id, e
}

// RunMerger drains merge-trigger signals and performs §4.5's merger step
// until stopCh is closed.
func (a *Aggregator) RunMerger(stopCh <-chan struct{}) {
	for {
		select {
		case <-stopCh:
			return
		case <-a.wake:
			a.mergeStep()
		case <-time.After(time.Second):
			// periodic fallback: a sweep eviction can make a previously
			// incomplete earliest group newly mergeable without a fresh Insert.
			a.mergeStep()
		}
	}
}

func (a *Aggregator) mergeStep() {
	a.mu.Lock()
	ok, id, entry := a.earliestLocked()
	if !ok {
		a.mu.Unlock()
		return
	}
	ready := len(a.pending) >= 2 || len(entry.stfs) >= a.n
	if !ready {
		a.mu.Unlock()
		return
	}
	delete(a.pending, id)
	a.mu.Unlock()

	if len(entry.stfs) < a.n {
		nlog.Warningf("aggregator: emitting incomplete tf_id=%d with %d/%d STFs", id, len(entry.stfs), a.n)
	}
	a.out.Push(mergeAll(id, entry.stfs))
}

func mergeAll(tfID uint64, stfs []*stf.SubTimeFrame) *stf.TimeFrame {
	if len(stfs) == 0 {
		return stf.New(tfID, 0)
	}
	tf := stfs[0]
	for _, other := range stfs[1:] {
		tf.Merge(other)
	}
	return tf
}

// RunSweeper registers the periodic eviction of stale pending groups with
// hk (§4.5 "Timeout sweep"). Call Unreg with the returned name to stop it
// independent of process shutdown (cmd/tfbuilder defers this).
func (a *Aggregator) RunSweeper(interval time.Duration) (name string) {
	name = "aggregator-sweep" + hk.NameSuffix
	hk.Reg(name, func() time.Duration {
		a.Sweep()
		return interval
	}, interval)
	return name
}

// Sweep runs one timeout-eviction pass immediately (§4.5 "Timeout sweep").
// RunSweeper calls this on its own periodic schedule; exported so tests and
// callers with their own scheduling needn't wait on hk's ticker.
func (a *Aggregator) Sweep() {
	now := time.Now()
	var evicted []uint64
	a.mu.Lock()
	for id, entry := range a.pending {
		if now.Sub(entry.start) > a.bufferTimeout {
			evicted = append(evicted, id)
			delete(a.pending, id)
			a.discarded[id] = struct{}{}
		}
	}
	a.mu.Unlock()

	for _, id := range evicted {
		nlog.Warningf("aggregator: discarding tf_id=%d after timeout", id)
		if a.metrics != nil {
			a.metrics.DiscardedTFs.Inc()
		}
	}
	if len(evicted) > 0 {
		a.poke() // a newly-earliest group may now satisfy the merge trigger
	}
}

// Discarded reports whether tfID was evicted by the timeout sweep (tests use
// this to check §8's "Timeout determinism").
func (a *Aggregator) Discarded(tfID uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.discarded[tfID]
	return ok
}

// PendingCount exposes how many tf-ids are currently buffered, for tests.
func (a *Aggregator) PendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Broadcast is whatever transport-specific function posts this aggregator's
// input address to one producer; RunHeartbeat calls it for each known
// producer address on every tick (§4.5 "Heartbeats").
type Broadcast func(producerAddr string) error

// RunHeartbeat emits the aggregator's identity to every producer address at
// `every` intervals until stopCh is closed.
func RunHeartbeat(stopCh <-chan struct{}, producers []string, every time.Duration, send Broadcast) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			var errs cos.Errs
			for _, addr := range producers {
				if err := send(addr); err != nil {
					errs.Add(err)
				}
			}
			if !errs.Empty() {
				nlog.Warningf("aggregator: heartbeat broadcast had failures: %s", errs.Error())
			}
		}
	}
}
