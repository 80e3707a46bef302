// Package wire implements the §6 on-wire header structs and the Interleaved
// (§6.1) and Split (§6.2) STF serialization formats.
//
// Grounded on the teacher's transport package: pdu.go's fixed proto-header
// framing (sizeProtoHdr, extProtoHdr) for the idea of a compact fixed-layout
// header read via encoding/binary, and api.go's ObjHdr/Obj pair for the
// header/payload split that this package's STFHeader/EquipmentHeader mirror.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/OneOfOne/xxhash"
)

// EquipmentIdentifier is the triple (data_description, data_origin,
// sub_specification), §3. Comparison is strict lexicographic on all three
// fields in order - fixing the source's noted bug (§9 open question) where
// the tie-break branch compared sub_specification to itself.
type EquipmentIdentifier struct {
	DataDescription [16]byte
	DataOrigin      [4]byte
	SubSpecification uint64
}

func NewEquipmentIdentifier(description, origin string, subSpec uint64) EquipmentIdentifier {
	var eid EquipmentIdentifier
	copy(eid.DataDescription[:], description)
	copy(eid.DataOrigin[:], origin)
	eid.SubSpecification = subSpec
	return eid
}

// Less implements the total order described in §3/§9: lexicographic on
// (DataDescription, DataOrigin, SubSpecification), each field in turn only
// breaking the tie left by the previous one.
func (a EquipmentIdentifier) Less(b EquipmentIdentifier) bool {
	if c := compareBytes(a.DataDescription[:], b.DataDescription[:]); c != 0 {
		return c < 0
	}
	if c := compareBytes(a.DataOrigin[:], b.DataOrigin[:]); c != 0 {
		return c < 0
	}
	return a.SubSpecification < b.SubSpecification
}

func (a EquipmentIdentifier) Equal(b EquipmentIdentifier) bool {
	return a.DataDescription == b.DataDescription && a.DataOrigin == b.DataOrigin && a.SubSpecification == b.SubSpecification
}

func (a EquipmentIdentifier) String() string {
	return fmt.Sprintf("%s/%s/%d", trimZero(a.DataDescription[:]), trimZero(a.DataOrigin[:]), a.SubSpecification)
}

// Hash returns a cheap xxhash fingerprint of the identifier, for debug
// logging call sites that want a fixed-width tag instead of the full String.
func (a EquipmentIdentifier) Hash() uint64 {
	h := xxhash.New64()
	h.Write(a.DataDescription[:])
	h.Write(a.DataOrigin[:])
	var sub [8]byte
	binary.LittleEndian.PutUint64(sub[:], a.SubSpecification)
	h.Write(sub[:])
	return h.Sum64()
}

func compareBytes(a, b []byte) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

func trimZero(b []byte) string {
	n := len(b)
	for n > 0 && b[n-1] == 0 {
		n--
	}
	return string(b[:n])
}

// STFHeader is the §6.3 STF_HEADER struct. EqCountField doubles as the
// "payload_size" field from §3/§9 for wire compatibility; use EqCount/SetEqCount
// rather than the field directly.
type STFHeader struct {
	DataDescription     [16]byte
	DataOrigin          [4]byte
	SubSpecification    uint64
	SerializationMethod uint64
	TFID                uint64
	MaxHBFrames         uint32
	HeaderSize          uint32
	EqCountField        uint32 // aka payload_size (§9)
}

// EqCount/SetEqCount are the named aliases called for by §9's open question
// on the payload_size/equipment-count overload.
func (h *STFHeader) EqCount() uint32     { return h.EqCountField }
func (h *STFHeader) SetEqCount(n uint32) { h.EqCountField = n }

// EquipmentHeader is the §6.3 EQUIPMENT_HEADER struct.
type EquipmentHeader struct {
	DataDescription  [16]byte
	DataOrigin       [4]byte
	SubSpecification uint64
	HeaderSize       uint32
	PayloadCount     uint32
}

func (h EquipmentHeader) Identifier() EquipmentIdentifier {
	return EquipmentIdentifier{DataDescription: h.DataDescription, DataOrigin: h.DataOrigin, SubSpecification: h.SubSpecification}
}

// ReadoutSubTFHeader is the §6.3 READOUT_SUBTF_HEADER struct (producer ingress).
type ReadoutSubTFHeader struct {
	TFID         uint32
	HBFrameCount uint32
	LinkID       uint8
}

func writeStruct(w io.Writer, v any) error { return binary.Write(w, binary.LittleEndian, v) }
func readStruct(r io.Reader, v any) error  { return binary.Read(r, binary.LittleEndian, v) }

func WriteSTFHeader(w io.Writer, h *STFHeader) error         { return writeStruct(w, h) }
func ReadSTFHeader(r io.Reader) (*STFHeader, error) {
	h := &STFHeader{}
	if err := readStruct(r, h); err != nil {
		return nil, err
	}
	return h, nil
}

func WriteEquipmentHeader(w io.Writer, h *EquipmentHeader) error { return writeStruct(w, h) }
func ReadEquipmentHeader(r io.Reader) (*EquipmentHeader, error) {
	h := &EquipmentHeader{}
	if err := readStruct(r, h); err != nil {
		return nil, err
	}
	return h, nil
}

func WriteReadoutSubTFHeader(w io.Writer, h *ReadoutSubTFHeader) error { return writeStruct(w, h) }
func ReadReadoutSubTFHeader(r io.Reader) (*ReadoutSubTFHeader, error) {
	h := &ReadoutSubTFHeader{}
	if err := readStruct(r, h); err != nil {
		return nil, err
	}
	return h, nil
}

// WriteUint64/ReadUint64 implement the Split format's 8-byte little-endian
// header and payload counts (see WriteSplit for where each one is written).
func WriteUint64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func ReadUint64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// WritePayload/ReadPayload frame one opaque payload for transmission over a
// byte-oriented stream. The distilled wire diagrams in §6.1/§6.2 describe
// payloads as bare "opaque bytes" because the original transport is
// message-oriented (each payload is its own transport message with an
// out-of-band size). Serializing over a plain io.Writer/io.Reader byte
// stream requires an explicit length, so every payload frame carries an
// 8-byte little-endian length prefix, in both formats. One frame holds one
// equipment's whole payload sequence (stf/codec.go packs it), so an
// equipment contributes one payload frame whatever its PayloadCount is.
func WritePayload(w io.Writer, p []byte) error {
	if err := WriteUint64(w, uint64(len(p))); err != nil {
		return err
	}
	_, err := w.Write(p)
	return err
}

func ReadPayload(r io.Reader) ([]byte, error) {
	n, err := ReadUint64(r)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
