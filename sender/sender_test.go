// Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
package sender_test

import (
	"bytes"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/tfpipe/tfpipe/cmn"
	"github.com/tfpipe/tfpipe/sched"
	"github.com/tfpipe/tfpipe/sender"
	"github.com/tfpipe/tfpipe/stf"
	"github.com/tfpipe/tfpipe/wire"
)

type syncBuf struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuf) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuf) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

func newSTF(tfID uint64) *stf.SubTimeFrame {
	s := stf.New(tfID, 1)
	id := wire.NewEquipmentIdentifier("TPC", "TPC", 0)
	s.Add(id, id.DataDescription, id.DataOrigin, []byte("x"))
	return s
}

func TestRouteFallbackModulo(t *testing.T) {
	out0, out1 := &syncBuf{}, &syncBuf{}
	transport := sender.NewWriterTransport(map[string]io.Writer{"0": out0, "1": out1}, "")
	s := sender.New("p1", cmn.SenderConfig{EPNCount: 2}, nil, transport, cmn.Interleaved, nil)

	if err := s.Route(newSTF(4)); err != nil {
		t.Fatal(err)
	}
	if err := s.Route(newSTF(5)); err != nil {
		t.Fatal(err)
	}
	s.StopAll()

	deadline := time.Now().Add(time.Second)
	for (out0.Len() == 0 || out1.Len() == 0) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if out0.Len() == 0 {
		t.Fatal("expected tf_id=4 routed to aggregator 0 (4 mod 2)")
	}
	if out1.Len() == 0 {
		t.Fatal("expected tf_id=5 routed to aggregator 1 (5 mod 2)")
	}
}

func TestRouteDropsOnAhead(t *testing.T) {
	store, err := sched.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	store.PublishSchedule(sched.ScheduleMsg{ID: "1", TFMin: 0, TFMax: 10, Aggregators: []string{"a0"}})
	store.PublishSchedule(sched.ScheduleMsg{ID: "2", TFMin: 10, TFMax: 20, Aggregators: []string{"a0"}})

	out := &syncBuf{}
	transport := sender.NewWriterTransport(map[string]io.Writer{"a0": out}, "")
	s := sender.New("p1", cmn.SenderConfig{}, store, transport, cmn.Interleaved, nil)

	if err := s.Route(newSTF(3)); err != nil {
		t.Fatal(err)
	}
	s.StopAll()
	time.Sleep(20 * time.Millisecond)
	if out.Len() != 0 {
		t.Fatal("expected tf_id=3 to be dropped (Ahead), not routed")
	}
}

func TestRouteDropsToStaleAggregator(t *testing.T) {
	out := &syncBuf{}
	transport := sender.NewWriterTransport(map[string]io.Writer{"0": out}, "")
	s := sender.New("p1", cmn.SenderConfig{EPNCount: 1, HeartbeatTimeout: 10 * time.Millisecond}, nil, transport, cmn.Interleaved, nil)

	s.Heartbeat("0")
	time.Sleep(30 * time.Millisecond)
	if err := s.Route(newSTF(1)); err != nil {
		t.Fatal(err)
	}
	s.StopAll()
	time.Sleep(20 * time.Millisecond)
	if out.Len() != 0 {
		t.Fatal("expected STF to be dropped due to stale heartbeat")
	}
}
