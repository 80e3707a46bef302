// Package builder implements the C3 STF Builder (§4.3): one receiver thread
// per readout channel groups consecutive (readout-subtf-header, payloads)
// messages sharing a tf-id into one SubTimeFrame, handing finished STFs to a
// single serializer/output thread over a bounded queue.
//
// Grounded on the teacher's ais package receiver-loop idiom (one goroutine
// per input, errors propagated by return rather than by panic) and on
// queue.Queue for the bounded handoff §5 calls for.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package builder

import (
	"fmt"
	"io"

	"github.com/tfpipe/tfpipe/cmn"
	"github.com/tfpipe/tfpipe/cmn/nlog"
	"github.com/tfpipe/tfpipe/queue"
	"github.com/tfpipe/tfpipe/stf"
	"github.com/tfpipe/tfpipe/stfstats"
	"github.com/tfpipe/tfpipe/wire"
)

// Channel is one readout input: a fixed equipment identity (description,
// origin) whose link_id varies per message (§6.3 READOUT_SUBTF_HEADER).
type Channel struct {
	ID             int
	RawDescription [16]byte
	RawOrigin      [4]byte
	MaxHBFrames    uint32

	collecting bool
	curTFID    uint64
	cur        *stf.SubTimeFrame
}

// RunReceiver drives one channel's state machine (§4.3) until r returns an
// error (including io.EOF), at which point it is treated as a channel
// shutdown per §7 taxonomy #3: "caller returns false from its deserialize;
// containing thread either exits (producer) ...". When the error comes from
// reading a message header (including io.EOF between messages), any partially
// collected STF is flushed before returning, so no data is silently dropped
// on a clean shutdown. An error while reading a payload returns at once,
// without flushing the STF being collected.
func (c *Channel) RunReceiver(r io.Reader, out *queue.Queue[*stf.SubTimeFrame], m *stfstats.Metrics) error {
	for {
		hdr, err := wire.ReadReadoutSubTFHeader(r)
		if err != nil {
			if c.cur != nil && !c.cur.Empty() {
				out.Push(c.cur)
				c.cur = nil
			}
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("builder: channel %d: read header: %w", c.ID, err)
		}
		tfID := uint64(hdr.TFID)

		switch {
		case !c.collecting:
			c.startNew(tfID)
		case tfID == c.curTFID:
			// same tf-id: keep collecting into c.cur
		case tfID < c.curTFID:
			nlog.Warningf("builder: channel %d: tf_id regression %d -> %d; treating as new", c.ID, c.curTFID, tfID)
			if m != nil {
				m.TFIDRegressions.Inc()
			}
			c.finalize(out)
			c.startNew(tfID)
		default: // tfID > c.curTFID
			c.finalize(out)
			c.startNew(tfID)
		}

		id := wire.EquipmentIdentifier{DataDescription: c.RawDescription, DataOrigin: c.RawOrigin, SubSpecification: uint64(hdr.LinkID)}
		if _, seen := c.cur.Get(id); !seen {
			nlog.Infof("builder: channel %d: tf_id=%d new equipment %s hash=%x", c.ID, tfID, id, id.Hash())
		}
		for i := uint32(0); i < hdr.HBFrameCount; i++ {
			payload, err := wire.ReadPayload(r)
			if err != nil {
				return fmt.Errorf("builder: channel %d: read payload %d/%d: %w", c.ID, i, hdr.HBFrameCount, err)
			}
			c.cur.Add(id, c.RawDescription, c.RawOrigin, payload)
		}
	}
}

func (c *Channel) startNew(tfID uint64) {
	c.collecting = true
	c.curTFID = tfID
	c.cur = stf.New(tfID, c.MaxHBFrames)
}

func (c *Channel) finalize(out *queue.Queue[*stf.SubTimeFrame]) {
	if c.cur != nil && !c.cur.Empty() {
		nlog.Infof("builder: channel %d: flushing tf_id=%d checksum=%x", c.ID, c.curTFID, c.cur.Checksum())
		out.Push(c.cur)
	}
	c.cur = nil
}

// RunSerializer drains the output queue, serializing each STF to w with the
// configured wire format, until the queue is stopped and drained (§4.3's
// "FIFO supports cooperative stop: drains remaining items then signals
// completion").
func RunSerializer(q *queue.Queue[*stf.SubTimeFrame], w io.Writer, method cmn.Serialization) error {
	for {
		s, ok := q.Pop()
		if !ok {
			return nil
		}
		if err := s.Serialize(w, method); err != nil {
			return fmt.Errorf("builder: serialize tf_id=%d: %w", s.Header.TFID, err)
		}
	}
}
