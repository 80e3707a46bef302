// Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
package queue_test

import (
	"sync"
	"testing"
	"time"

	"github.com/tfpipe/tfpipe/queue"
)

func TestPushPopFIFOOrder(t *testing.T) {
	q := queue.New[int](4)
	for i := 0; i < 4; i++ {
		if !q.Push(i) {
			t.Fatalf("push %d failed", i)
		}
	}
	for i := 0; i < 4; i++ {
		v, ok := q.Pop()
		if !ok || v != i {
			t.Fatalf("pop %d: got (%d, %v)", i, v, ok)
		}
	}
}

func TestPushBlocksWhenFull(t *testing.T) {
	q := queue.New[int](1)
	q.Push(1)

	done := make(chan struct{})
	go func() {
		q.Push(2)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("push should have blocked while queue was full")
	case <-time.After(20 * time.Millisecond):
	}

	q.Pop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("push did not unblock after a pop freed capacity")
	}
}

func TestStopDrainsThenWakesWaiters(t *testing.T) {
	q := queue.New[int](4)
	q.Push(1)
	q.Push(2)

	var wg sync.WaitGroup
	results := make(chan bool, 3)
	wg.Add(3)
	for i := 0; i < 3; i++ {
		go func() {
			defer wg.Done()
			_, ok := q.Pop()
			results <- ok
		}()
	}

	time.Sleep(10 * time.Millisecond)
	q.Stop()
	wg.Wait()
	close(results)

	trueCount := 0
	for ok := range results {
		if ok {
			trueCount++
		}
	}
	if trueCount != 2 {
		t.Fatalf("expected exactly 2 successful pops (drained items), got %d", trueCount)
	}
}

func TestPushAfterStopFails(t *testing.T) {
	q := queue.New[int](4)
	q.Stop()
	if q.Push(1) {
		t.Fatal("push after stop should fail")
	}
}
