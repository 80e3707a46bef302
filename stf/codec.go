// Serialize/Deserialize bridge the in-memory SubTimeFrame to the two wire
// formats in package wire (§4.2).
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package stf

import (
	"fmt"
	"io"

	"github.com/tfpipe/tfpipe/cmn"
	"github.com/tfpipe/tfpipe/wire"
)

// Serialize moves s's equipment entries onto the wire using the requested
// method, leaving s empty afterwards (invariant #1: serialization moves
// handles). Receive/decode errors during Deserialize never surface a
// partial STF (§4.2); Serialize itself fails only on short writes.
func (s *SubTimeFrame) Serialize(w io.Writer, method cmn.Serialization) error {
	out := toWire(s)
	var err error
	switch method {
	case cmn.Interleaved:
		err = wire.WriteInterleaved(w, out)
	case cmn.Split:
		err = wire.WriteSplit(w, out)
	default:
		return fmt.Errorf("stf: unknown serialization method %d", method)
	}
	if err != nil {
		return err
	}
	s.equipment = make(map[wire.EquipmentIdentifier]*EquipmentHBFrames)
	return nil
}

// Deserialize reads one complete STF using the requested method. Any error
// (including a short/aborted transfer) fails the whole decode; there is no
// partial result (§4.2 "Errors").
func Deserialize(r io.Reader, method cmn.Serialization) (*SubTimeFrame, error) {
	var (
		w   *wire.STF
		err error
	)
	switch method {
	case cmn.Interleaved:
		w, err = wire.ReadInterleaved(r)
	case cmn.Split:
		w, err = wire.ReadSplit(r)
	default:
		return nil, fmt.Errorf("stf: unknown serialization method %d", method)
	}
	if err != nil {
		return nil, err
	}
	return fromWire(w), nil
}

func toWire(s *SubTimeFrame) *wire.STF {
	ids := s.SortedIdentifiers()
	out := &wire.STF{
		Header: wire.STFHeader{
			DataDescription:     [16]byte{'S', 'T', 'F'},
			SerializationMethod: 0,
			TFID:                s.Header.TFID,
			MaxHBFrames:         s.Header.MaxHBFrames,
			HeaderSize:          stfHeaderWireSize,
		},
		Equipment: make([]wire.Equipment, 0, len(ids)),
	}
	out.Header.SetEqCount(uint32(len(ids)))
	for _, id := range ids {
		e := s.equipment[id]
		out.Equipment = append(out.Equipment, wire.Equipment{
			Header: wire.EquipmentHeader{
				DataDescription:  id.DataDescription,
				DataOrigin:       id.DataOrigin,
				SubSpecification: id.SubSpecification,
				HeaderSize:       equipmentHeaderWireSize,
				PayloadCount:     uint32(len(e.Payloads)),
			},
			Payload: concatPayloads(e.Payloads),
		})
	}
	return out
}

func fromWire(w *wire.STF) *SubTimeFrame {
	s := New(w.Header.TFID, w.Header.MaxHBFrames)
	for _, eq := range w.Equipment {
		id := eq.Header.Identifier()
		s.equipment[id] = &EquipmentHBFrames{
			RawDescription: eq.Header.DataDescription,
			RawOrigin:      eq.Header.DataOrigin,
			Payloads:       splitPayloads(eq.Payload, eq.Header.PayloadCount),
		}
	}
	return s
}

const (
	stfHeaderWireSize       = 56
	equipmentHeaderWireSize = 36
)

// concatPayloads/splitPayloads frame an equipment's ordered payload sequence
// as one length-prefixed run per payload inside the single wire.Equipment
// blob, preserving payload-sequence order across the wire exactly as §3
// requires.
func concatPayloads(payloads [][]byte) []byte {
	var buf []byte
	for _, p := range payloads {
		var lenBuf [8]byte
		putUint64(lenBuf[:], uint64(len(p)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, p...)
	}
	return buf
}

func splitPayloads(blob []byte, count uint32) [][]byte {
	payloads := make([][]byte, 0, count)
	for i := uint32(0); i < count; i++ {
		n := getUint64(blob[:8])
		blob = blob[8:]
		payloads = append(payloads, blob[:n])
		blob = blob[n:]
	}
	return payloads
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func getUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
