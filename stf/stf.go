// Package stf implements the §4.2 in-memory SubTimeFrame/TimeFrame model:
// an equipment map keyed by EquipmentIdentifier, kept in sorted iteration
// order because the wire format depends on it, plus the move-merge and
// pattern-based split operations over that map.
//
// Grounded on the teacher's core/meta/bck.go for the "thin wrapper over a
// sorted collection with an Init/validate step" shape, generalized here to a
// map kept sorted lazily rather than a single bucket name.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package stf

import (
	"sort"

	"github.com/OneOfOne/xxhash"
	"github.com/tfpipe/tfpipe/wire"
)

// Header is §3's SubTimeFrameHeader{tf_id, max_hbframes}.
type Header struct {
	TFID        uint64
	MaxHBFrames uint32
}

// EquipmentHBFrames is §3's EquipmentHBFrames: an EquipmentHeader plus the
// ordered sequence of opaque payload handles collected for it. Payload order
// is insertion order and is preserved across split/merge/serialize.
type EquipmentHBFrames struct {
	RawDescription [16]byte
	RawOrigin      [4]byte
	Payloads       [][]byte
}

func (e *EquipmentHBFrames) append(payloads ...[]byte) {
	e.Payloads = append(e.Payloads, payloads...)
}

// SubTimeFrame is §3's STF/TF: a header plus an EquipmentIdentifier→
// EquipmentHBFrames mapping whose iteration order is always the sorted order
// of keys, matching the wire format's "sorted order" requirement.
//
// TimeFrame is the same structure under a different name (§3: "Structurally
// identical to an STF"); TF is a type alias so the merger in package
// aggregator can operate on it with the same API.
type SubTimeFrame struct {
	Header    Header
	equipment map[wire.EquipmentIdentifier]*EquipmentHBFrames
}

type TimeFrame = SubTimeFrame

func New(tfID uint64, maxHBFrames uint32) *SubTimeFrame {
	return &SubTimeFrame{
		Header:    Header{TFID: tfID, MaxHBFrames: maxHBFrames},
		equipment: make(map[wire.EquipmentIdentifier]*EquipmentHBFrames),
	}
}

// Add appends one payload under the given identifier (§4.3: producer
// aggregator groups by (raw_description, raw_origin, link_id), where link_id
// participates in SubSpecification). Invariant #4: entries are unique by
// identifier; a repeat identifier appends to the existing payload sequence.
func (s *SubTimeFrame) Add(id wire.EquipmentIdentifier, rawDescription [16]byte, rawOrigin [4]byte, payload []byte) {
	e, ok := s.equipment[id]
	if !ok {
		e = &EquipmentHBFrames{RawDescription: rawDescription, RawOrigin: rawOrigin}
		s.equipment[id] = e
	}
	e.append(payload)
}

// EquipmentCount is the STF header's payload_size field (§3/§9): the number
// of equipment entries, not a byte count.
func (s *SubTimeFrame) EquipmentCount() int { return len(s.equipment) }

// SortedIdentifiers returns the equipment keys in the stable, totally
// ordered sequence the wire format requires (§3: "this ordering MUST be
// stable across peers").
func (s *SubTimeFrame) SortedIdentifiers() []wire.EquipmentIdentifier {
	ids := make([]wire.EquipmentIdentifier, 0, len(s.equipment))
	for id := range s.equipment {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	return ids
}

func (s *SubTimeFrame) Get(id wire.EquipmentIdentifier) (*EquipmentHBFrames, bool) {
	e, ok := s.equipment[id]
	return e, ok
}

// Empty reports whether the STF holds no equipment entries, i.e. whether
// every payload handle has been moved out of it (invariant #1).
func (s *SubTimeFrame) Empty() bool { return len(s.equipment) == 0 }

// Checksum hashes every payload in sorted-identifier order with xxhash,
// giving callers a cheap fingerprint of an STF's content for logging and
// duplicate-detection purposes without re-reading it from the wire.
func (s *SubTimeFrame) Checksum() uint64 {
	h := xxhash.New64()
	for _, id := range s.SortedIdentifiers() {
		e := s.equipment[id]
		for _, p := range e.Payloads {
			h.Write(p)
		}
	}
	return h.Sum64()
}

// Merge implements `stf += other`: draining other's equipment entries into
// s, concatenating payload sequences where the identifier already exists in
// s (§3). other is left empty; this is a move, not a copy - every payload
// handle is owned exactly once (invariant #1).
func (s *SubTimeFrame) Merge(other *SubTimeFrame) {
	for id, oe := range other.equipment {
		e, ok := s.equipment[id]
		if !ok {
			s.equipment[id] = oe
			continue
		}
		// identical keys across producers concatenate in arrival order (§5:
		// "tests must treat that as unspecified" beyond this).
		e.append(oe.Payloads...)
	}
	other.equipment = make(map[wire.EquipmentIdentifier]*EquipmentHBFrames)
}

// Pattern matches an EquipmentIdentifier for Split, with nil fields acting
// as wildcards on origin and/or description (§4.2).
type Pattern struct {
	Description *[16]byte
	Origin      *[4]byte
}

func (p Pattern) matches(id wire.EquipmentIdentifier) bool {
	if p.Description != nil && *p.Description != id.DataDescription {
		return false
	}
	if p.Origin != nil && *p.Origin != id.DataOrigin {
		return false
	}
	return true
}

// Split implements DataIdentifierSplitter::split (§4.2): moves every
// equipment entry matching pattern out of s into a freshly constructed STF
// carrying the same tf-id. Both sides' equipment counts reflect the move.
func (s *SubTimeFrame) Split(pattern Pattern) *SubTimeFrame {
	out := New(s.Header.TFID, s.Header.MaxHBFrames)
	for id, e := range s.equipment {
		if pattern.matches(id) {
			out.equipment[id] = e
			delete(s.equipment, id)
		}
	}
	return out
}
