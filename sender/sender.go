// Package sender implements the C4 STF Sender/dispatcher (§4.4): routes each
// deserialized STF to exactly one aggregator via the scheduler (§6.5), with
// a modulo fallback when no scheduler is configured, heartbeat-based
// liveness tracking, and periodic stats publication.
//
// Grounded on the teacher's transport package for the "one dedicated sender
// goroutine per destination, backed by an independent bounded queue" shape,
// and api/apc/compression.go for the lz4-as-an-opt-in-wire-option
// convention this package's optional pierrec/lz4 payload compression
// follows.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package sender

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pierrec/lz4/v3"
	"github.com/pkg/errors"
	"github.com/tfpipe/tfpipe/cmn"
	"github.com/tfpipe/tfpipe/cmn/cos"
	"github.com/tfpipe/tfpipe/cmn/nlog"
	"github.com/tfpipe/tfpipe/queue"
	"github.com/tfpipe/tfpipe/sched"
	"github.com/tfpipe/tfpipe/stf"
	"github.com/tfpipe/tfpipe/stfstats"
)

// Transport abstracts the per-aggregator outbound connection; a reference
// implementation wraps one io.Writer per aggregator ID (see NewWriterTransport).
type Transport interface {
	Send(aggregatorID string, s *stf.SubTimeFrame, method cmn.Serialization) error
}

// WriterTransport is the reference Transport: one io.Writer per aggregator,
// optionally lz4-compressed per §6.4's compiled-in compression option.
type WriterTransport struct {
	writers     map[string]io.Writer
	compression string // "" | "lz4"
}

func NewWriterTransport(writers map[string]io.Writer, compression string) *WriterTransport {
	return &WriterTransport{writers: writers, compression: compression}
}

func (t *WriterTransport) Send(aggregatorID string, s *stf.SubTimeFrame, method cmn.Serialization) error {
	w, ok := t.writers[aggregatorID]
	if !ok {
		return cos.NewErrNotFound("sender: transport for aggregator %q", aggregatorID)
	}
	if t.compression == "lz4" {
		zw := lz4.NewWriter(w)
		if err := s.Serialize(zw, method); err != nil {
			return err
		}
		return zw.Close()
	}
	return s.Serialize(w, method)
}

// Sender is the C4 dispatcher. Route is called once per deserialized STF;
// it blocks only while retrying a not-yet-published schedule (§4.4).
type Sender struct {
	cfg       cmn.SenderConfig
	client    sched.Client // nil => pure modulo fallback, no scheduler interaction
	transport Transport
	metrics   *stfstats.Metrics
	selfID    string
	method    cmn.Serialization

	mu          sync.Mutex
	queues      map[string]*queue.Queue[*stf.SubTimeFrame]
	lastHB      map[string]time.Time
	sinceLiveness int
	maxTFSeen   uint64
}

func New(id string, cfg cmn.SenderConfig, client sched.Client, transport Transport, method cmn.Serialization, m *stfstats.Metrics) *Sender {
	return &Sender{
		selfID:    id,
		cfg:       cfg,
		client:    client,
		transport: transport,
		method:    method,
		metrics:   m,
		queues:    make(map[string]*queue.Queue[*stf.SubTimeFrame]),
		lastHB:    make(map[string]time.Time),
	}
}

// Heartbeat records that aggregatorID is alive as of now (§4.5). cmd/stfsender
// starts no heartbeat listener and never calls it, so in that process every
// aggregator counts as live and no STF is dropped for a stale heartbeat.
func (s *Sender) Heartbeat(aggregatorID string) {
	s.mu.Lock()
	s.lastHB[aggregatorID] = time.Now()
	s.mu.Unlock()
}

func (s *Sender) isLive(aggregatorID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastHB[aggregatorID]
	if !ok {
		return true // never heard from it yet: assume alive until proven otherwise
	}
	timeout := s.cfg.HeartbeatTimeout
	if timeout == 0 {
		timeout = cmn.DefaultHeartbeatExpiry
	}
	return time.Since(last) <= timeout
}

// queueFor returns (creating if necessary) the bounded outbound queue for
// aggregatorID, and ensures exactly one dedicated sender goroutine is
// draining it (§5: "one sender thread per aggregator").
func (s *Sender) queueFor(aggregatorID string) *queue.Queue[*stf.SubTimeFrame] {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[aggregatorID]
	if ok {
		return q
	}
	q = queue.New[*stf.SubTimeFrame](256)
	s.queues[aggregatorID] = q
	go s.drain(aggregatorID, q)
	return q
}

func (s *Sender) drain(aggregatorID string, q *queue.Queue[*stf.SubTimeFrame]) {
	for {
		item, ok := q.Pop()
		if !ok {
			return
		}
		if err := s.transport.Send(aggregatorID, item, s.method); err != nil {
			nlog.Errorf("sender: send to %s failed: %v", aggregatorID, err)
		}
	}
}

// StopAll stops every per-aggregator queue, draining in-flight sends (§4.4).
func (s *Sender) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range s.queues {
		q.Stop()
	}
}

// Route implements §4.4's dispatch loop for one STF. On Retry it publishes
// liveness stats and backs off before trying again; on Ahead it drops the
// STF and records the drop; on Ok (or the no-scheduler fallback) it pushes
// onto the target aggregator's outbound queue, first checking heartbeat
// liveness (§4.5/§6: "the producer drops the STF rather than send to a dead
// peer").
func (s *Sender) Route(item *stf.SubTimeFrame) error {
	tfID := item.Header.TFID
	s.recordObserved(tfID)

	aggregatorID, err := s.resolve(tfID)
	if err != nil {
		return err
	}
	if aggregatorID == "" {
		return nil // dropped (Ahead) or no aggregator currently known
	}

	if !s.isLive(aggregatorID) {
		nlog.Warningf("sender: aggregator %s heartbeat stale; dropping tf_id=%d", aggregatorID, tfID)
		if s.metrics != nil {
			s.metrics.StaleHeartbeatDrop.Inc()
		}
		return nil
	}

	s.queueFor(aggregatorID).Push(item)
	return nil
}

func (s *Sender) resolve(tfID uint64) (string, error) {
	if s.client == nil {
		n := s.cfg.EPNCount
		if n <= 0 {
			return "", errors.Wrap(cos.ErrNoAggregator, "sender: no scheduler configured and epn-count <= 0")
		}
		return fmt.Sprintf("%d", tfID%uint64(n)), nil
	}

	for {
		id, status, err := s.client.GetAggregatorFor(tfID)
		if err != nil {
			return "", errors.Wrapf(err, "sender: scheduler lookup for tf_id=%d", tfID)
		}
		switch status {
		case sched.Ok:
			return id, nil
		case sched.Ahead:
			nlog.Warningf("sender: tf_id=%d is behind the current schedule; dropping", tfID)
			if s.metrics != nil {
				s.metrics.DroppedSTFs.Inc()
			}
			return "", nil
		default: // Retry
			s.publishLiveness()
			time.Sleep(retryBackoff())
		}
	}
}

func retryBackoff() time.Duration { return cmn.DefaultRetryBackoff }

func (s *Sender) recordObserved(tfID uint64) {
	s.mu.Lock()
	if tfID > s.maxTFSeen {
		s.maxTFSeen = tfID
	}
	s.sinceLiveness++
	due := s.sinceLiveness >= livenessK(s.cfg)
	if due {
		s.sinceLiveness = 0
	}
	s.mu.Unlock()
	if due {
		s.publishLiveness()
	}
}

func livenessK(cfg cmn.SenderConfig) int {
	if cfg.LivenessEveryK > 0 {
		return cfg.LivenessEveryK
	}
	return cmn.DefaultLivenessEveryK
}

// publishLiveness publishes this sender's latest observed tf-id to the
// scheduler every K TFs (§4.4); also called on every Retry so the scheduler
// has fresh liveness info to size the next schedule with. The observed rate
// is not measured: ProducerStats.Rate is always published as 0.
func (s *Sender) publishLiveness() {
	if s.client == nil {
		return
	}
	s.mu.Lock()
	maxTF := s.maxTFSeen
	s.mu.Unlock()
	stats := sched.ProducerStats{ID: s.selfID, Timestamp: time.Now(), MaxTF: maxTF}
	if err := s.client.PublishStats(stats); err != nil {
		nlog.Warningf("sender: publish stats: %v", err)
	}
}
