// Package hk provides a mechanism for registering cleanup/periodic functions
// that run at specified intervals - the aggregator's timeout sweep (§4.5) and
// the scheduler re-registration in cmd/stfsender and cmd/tfbuilder are plain
// hk callbacks rather than bespoke ad-hoc tickers.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package hk

import (
	"container/heap"
	"sync"
	"time"

	"github.com/tfpipe/tfpipe/cmn/debug"
	"github.com/tfpipe/tfpipe/cmn/nlog"
)

// NameSuffix is appended to every registration name (mirrors the teacher's
// convention). It is a constant, so two registrations built from the same
// logical name get the same full name and the later Reg replaces the earlier.
const NameSuffix = "-hk"

// CleanupFunc runs at its registered interval and returns the interval to
// use next time. Returning -1 (the stop sentinel) unregisters the callback;
// 0 or any other negative value reuses the previous interval.
type CleanupFunc func() time.Duration

const stopped = time.Duration(-1)

type request struct {
	f        CleanupFunc
	name     string
	interval time.Duration
	due      time.Time
}

// the priority queue of pending requests, ordered by due time
type requestsQ []*request

func (q requestsQ) Len() int            { return len(q) }
func (q requestsQ) Less(i, j int) bool  { return q[i].due.Before(q[j].due) }
func (q requestsQ) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *requestsQ) Push(x any)         { *q = append(*q, x.(*request)) }
func (q *requestsQ) Pop() (x any) {
	old := *q
	n := len(old)
	x = old[n-1]
	*q = old[:n-1]
	return
}

type housekeeper struct {
	mu       sync.Mutex
	byName   map[string]*request
	q        requestsQ
	wake     chan struct{}
	stopCh   chan struct{}
	started  chan struct{}
	onceStop sync.Once
}

// DefaultHK is the process-wide housekeeper instance; components Reg their
// periodic work against it and call go DefaultHK.Run() once at startup.
var DefaultHK = newHousekeeper()

func newHousekeeper() *housekeeper {
	return &housekeeper{
		byName:  make(map[string]*request, 16),
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		started: make(chan struct{}),
	}
}

// TestInit resets DefaultHK for a fresh test run.
func TestInit() { DefaultHK = newHousekeeper() }

func WaitStarted() { <-DefaultHK.started }

// Reg registers f to run once after `interval` and then again after whatever
// interval f itself returns on each subsequent call. interval == 0 means
// "run once, immediately, then rely on f's own return value".
func Reg(name string, f CleanupFunc, interval time.Duration) {
	DefaultHK.reg(name, f, interval)
}

func Unreg(name string) { DefaultHK.unreg(name) }

func (h *housekeeper) reg(name string, f CleanupFunc, interval time.Duration) {
	r := &request{f: f, name: name, interval: interval, due: time.Now().Add(interval)}
	h.mu.Lock()
	if old, ok := h.byName[name]; ok {
		h.removeLocked(old)
	}
	h.byName[name] = r
	heap.Push(&h.q, r)
	h.mu.Unlock()
	h.poke()
}

func (h *housekeeper) unreg(name string) {
	h.mu.Lock()
	if r, ok := h.byName[name]; ok {
		h.removeLocked(r)
	}
	h.mu.Unlock()
}

// under h.mu
func (h *housekeeper) removeLocked(r *request) {
	delete(h.byName, r.name)
	for i, qr := range h.q {
		if qr == r {
			heap.Remove(&h.q, i)
			return
		}
	}
}

func (h *housekeeper) poke() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// Run drives the housekeeper loop; it never returns until Stop is called.
func (h *housekeeper) Run() {
	close(h.started)
	for {
		wait := h.runDue()
		select {
		case <-h.stopCh:
			return
		case <-h.wake:
		case <-time.After(wait):
		}
	}
}

// runDue executes all requests whose due time has passed and returns how
// long to sleep until the next one is due.
func (h *housekeeper) runDue() time.Duration {
	for {
		h.mu.Lock()
		if len(h.q) == 0 {
			h.mu.Unlock()
			return time.Hour
		}
		next := h.q[0]
		wait := time.Until(next.due)
		if wait > 0 {
			h.mu.Unlock()
			return wait
		}
		heap.Pop(&h.q)
		h.mu.Unlock()

		interval := h.invoke(next)
		if interval == stopped {
			h.mu.Lock()
			delete(h.byName, next.name)
			h.mu.Unlock()
			continue
		}
		if interval <= 0 {
			interval = next.interval
		}
		next.interval = interval
		next.due = time.Now().Add(interval)
		h.mu.Lock()
		if _, ok := h.byName[next.name]; ok { // still registered (not Unreg'd while running)
			heap.Push(&h.q, next)
		}
		h.mu.Unlock()
	}
}

func (h *housekeeper) invoke(r *request) (interval time.Duration) {
	defer func() {
		if p := recover(); p != nil {
			nlog.Errorf("hk: %s panicked: %v", r.name, p)
			interval = r.interval
		}
	}()
	debug.Assert(r.f != nil, r.name)
	return r.f()
}

func (h *housekeeper) Stop() {
	h.onceStop.Do(func() { close(h.stopCh) })
}
