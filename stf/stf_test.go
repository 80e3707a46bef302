// Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
package stf_test

import (
	"bytes"
	"testing"

	"github.com/tfpipe/tfpipe/cmn"
	"github.com/tfpipe/tfpipe/stf"
	"github.com/tfpipe/tfpipe/wire"
)

func tpcID() wire.EquipmentIdentifier { return wire.NewEquipmentIdentifier("TPC", "TPC", 1) }
func itsID() wire.EquipmentIdentifier { return wire.NewEquipmentIdentifier("ITS", "ITS", 2) }

func TestAddAppendsToExistingIdentifier(t *testing.T) {
	s := stf.New(7, 256)
	id := tpcID()
	s.Add(id, id.DataDescription, id.DataOrigin, []byte("a"))
	s.Add(id, id.DataDescription, id.DataOrigin, []byte("b"))

	e, ok := s.Get(id)
	if !ok {
		t.Fatal("expected equipment entry")
	}
	if s.EquipmentCount() != 1 {
		t.Fatalf("equipment count = %d, want 1 (same identifier must append, not create a second entry)", s.EquipmentCount())
	}
	if len(e.Payloads) != 2 || string(e.Payloads[0]) != "a" || string(e.Payloads[1]) != "b" {
		t.Fatalf("payload order not preserved: %v", e.Payloads)
	}
}

func TestSortedIdentifiersOrdering(t *testing.T) {
	s := stf.New(1, 1)
	tpc, its := tpcID(), itsID()
	s.Add(tpc, tpc.DataDescription, tpc.DataOrigin, []byte("x"))
	s.Add(its, its.DataDescription, its.DataOrigin, []byte("y"))

	ids := s.SortedIdentifiers()
	if len(ids) != 2 || !ids[0].Equal(its) || !ids[1].Equal(tpc) {
		t.Fatalf("expected [ITS, TPC] sorted order, got %v", ids)
	}
}

func TestMergeConcatenatesSharedIdentifierAndDrainsOther(t *testing.T) {
	a := stf.New(3, 1)
	b := stf.New(3, 1)
	tpc := tpcID()
	a.Add(tpc, tpc.DataDescription, tpc.DataOrigin, []byte("a1"))
	b.Add(tpc, tpc.DataDescription, tpc.DataOrigin, []byte("b1"))
	its := itsID()
	b.Add(its, its.DataDescription, its.DataOrigin, []byte("b2"))

	a.Merge(b)

	if !b.Empty() {
		t.Fatal("merge must drain the source STF")
	}
	e, ok := a.Get(tpc)
	if !ok || len(e.Payloads) != 2 {
		t.Fatalf("expected merged tpc entry with 2 payloads, got %+v", e)
	}
	if _, ok := a.Get(its); !ok {
		t.Fatal("expected its entry to have moved into a")
	}
}

func TestSplitMovesMatchingEntriesOnly(t *testing.T) {
	s := stf.New(9, 1)
	tpc, its := tpcID(), itsID()
	s.Add(tpc, tpc.DataDescription, tpc.DataOrigin, []byte("t"))
	s.Add(its, its.DataDescription, its.DataOrigin, []byte("i"))

	desc := tpc.DataDescription
	out := s.Split(stf.Pattern{Description: &desc})

	if out.Header.TFID != s.Header.TFID {
		t.Fatal("split output must carry the same tf-id")
	}
	if _, ok := out.Get(tpc); !ok {
		t.Fatal("expected tpc to have moved to the split output")
	}
	if _, ok := s.Get(tpc); ok {
		t.Fatal("tpc must no longer be present in the source after split")
	}
	if _, ok := s.Get(its); !ok {
		t.Fatal("its must remain in the source (pattern did not match it)")
	}
}

func TestSerializeDeserializeRoundTripBothMethods(t *testing.T) {
	for _, method := range []cmn.Serialization{cmn.Interleaved, cmn.Split} {
		s := stf.New(11, 256)
		tpc, its := tpcID(), itsID()
		s.Add(tpc, tpc.DataDescription, tpc.DataOrigin, []byte("p1"))
		s.Add(tpc, tpc.DataDescription, tpc.DataOrigin, []byte("p2"))
		s.Add(its, its.DataDescription, its.DataOrigin, []byte("p3"))

		var buf bytes.Buffer
		if err := s.Serialize(&buf, method); err != nil {
			t.Fatalf("%s: serialize: %v", method, err)
		}
		if !s.Empty() {
			t.Fatalf("%s: serialize must leave source STF empty", method)
		}

		got, err := stf.Deserialize(&buf, method)
		if err != nil {
			t.Fatalf("%s: deserialize: %v", method, err)
		}
		if got.Header.TFID != 11 || got.Header.MaxHBFrames != 256 {
			t.Fatalf("%s: header mismatch: %+v", method, got.Header)
		}
		e, ok := got.Get(tpc)
		if !ok || len(e.Payloads) != 2 || string(e.Payloads[0]) != "p1" || string(e.Payloads[1]) != "p2" {
			t.Fatalf("%s: tpc payload order not preserved: %+v", method, e)
		}
		if _, ok := got.Get(its); !ok {
			t.Fatalf("%s: its entry missing after round trip", method)
		}
	}
}

func TestDeserializeFailsOnTruncatedStream(t *testing.T) {
	s := stf.New(1, 1)
	id := tpcID()
	s.Add(id, id.DataDescription, id.DataOrigin, []byte("payload"))

	var buf bytes.Buffer
	if err := s.Serialize(&buf, cmn.Interleaved); err != nil {
		t.Fatal(err)
	}
	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-2])
	if _, err := stf.Deserialize(truncated, cmn.Interleaved); err == nil {
		t.Fatal("expected an error decoding a truncated stream")
	}
}
