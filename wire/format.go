// Interleaved (§6.1) and Split (§6.2) STF wire formats, both built from the
// header/payload primitives in header.go.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package wire

import (
	"fmt"
	"io"
)

// Equipment pairs one EquipmentHeader with its opaque payload bytes - the
// unit both wire formats serialize per equipment slot.
type Equipment struct {
	Header  EquipmentHeader
	Payload []byte
}

// STF is the on-wire representation of one SubTimeFrame: an STFHeader
// followed by STFHeader.EqCount() Equipment entries.
type STF struct {
	Header    STFHeader
	Equipment []Equipment
}

// WriteInterleaved implements §6.1: STF_HEADER, then for each equipment,
// EQUIPMENT_HEADER immediately followed by its payload - header and payload
// interleaved per equipment rather than grouped by kind.
func WriteInterleaved(w io.Writer, stf *STF) error {
	if err := validateSTF(stf); err != nil {
		return err
	}
	if err := WriteSTFHeader(w, &stf.Header); err != nil {
		return err
	}
	for i := range stf.Equipment {
		eq := &stf.Equipment[i]
		if err := WriteEquipmentHeader(w, &eq.Header); err != nil {
			return err
		}
		if err := WritePayload(w, eq.Payload); err != nil {
			return err
		}
	}
	return nil
}

// ReadInterleaved is the inverse of WriteInterleaved.
func ReadInterleaved(r io.Reader) (*STF, error) {
	h, err := ReadSTFHeader(r)
	if err != nil {
		return nil, fmt.Errorf("wire: read stf header: %w", err)
	}
	stf := &STF{Header: *h, Equipment: make([]Equipment, 0, h.EqCount())}
	for i := uint32(0); i < h.EqCount(); i++ {
		eh, err := ReadEquipmentHeader(r)
		if err != nil {
			return nil, fmt.Errorf("wire: read equipment header %d: %w", i, err)
		}
		payload, err := ReadPayload(r)
		if err != nil {
			return nil, fmt.Errorf("wire: read equipment payload %d: %w", i, err)
		}
		stf.Equipment = append(stf.Equipment, Equipment{Header: *eh, Payload: payload})
	}
	return stf, nil
}

// WriteSplit implements §6.2: STF_HEADER, then an 8-byte header count and all
// EQUIPMENT_HEADERs back to back, then an 8-byte payload count and all
// payloads back to back - headers and payloads grouped by kind rather than
// interleaved, so a consumer can scan all headers without touching payload
// bytes.
func WriteSplit(w io.Writer, stf *STF) error {
	if err := validateSTF(stf); err != nil {
		return err
	}
	if err := WriteSTFHeader(w, &stf.Header); err != nil {
		return err
	}
	if err := WriteUint64(w, uint64(len(stf.Equipment))); err != nil {
		return err
	}
	for i := range stf.Equipment {
		if err := WriteEquipmentHeader(w, &stf.Equipment[i].Header); err != nil {
			return err
		}
	}
	if err := WriteUint64(w, uint64(len(stf.Equipment))); err != nil {
		return err
	}
	for i := range stf.Equipment {
		if err := WritePayload(w, stf.Equipment[i].Payload); err != nil {
			return err
		}
	}
	return nil
}

// ReadSplit is the inverse of WriteSplit.
func ReadSplit(r io.Reader) (*STF, error) {
	h, err := ReadSTFHeader(r)
	if err != nil {
		return nil, fmt.Errorf("wire: read stf header: %w", err)
	}
	hdrCount, err := ReadUint64(r)
	if err != nil {
		return nil, fmt.Errorf("wire: read header count: %w", err)
	}
	headers := make([]EquipmentHeader, hdrCount)
	for i := range headers {
		eh, err := ReadEquipmentHeader(r)
		if err != nil {
			return nil, fmt.Errorf("wire: read equipment header %d: %w", i, err)
		}
		headers[i] = *eh
	}
	payloadCount, err := ReadUint64(r)
	if err != nil {
		return nil, fmt.Errorf("wire: read payload count: %w", err)
	}
	if payloadCount != hdrCount {
		return nil, fmt.Errorf("wire: split format header/payload count mismatch: %d != %d", hdrCount, payloadCount)
	}
	stf := &STF{Header: *h, Equipment: make([]Equipment, hdrCount)}
	for i := range stf.Equipment {
		payload, err := ReadPayload(r)
		if err != nil {
			return nil, fmt.Errorf("wire: read payload %d: %w", i, err)
		}
		stf.Equipment[i] = Equipment{Header: headers[i], Payload: payload}
	}
	return stf, nil
}

func validateSTF(stf *STF) error {
	if int(stf.Header.EqCount()) != len(stf.Equipment) {
		return fmt.Errorf("wire: stf header eq_count=%d does not match %d equipment entries", stf.Header.EqCount(), len(stf.Equipment))
	}
	return nil
}
