// Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
package wire_test

import (
	"bytes"
	"sort"
	"testing"

	"github.com/tfpipe/tfpipe/wire"
)

func sampleSTF() *wire.STF {
	eqA := wire.Equipment{
		Header: wire.EquipmentHeader{
			DataDescription:  [16]byte{'T', 'P', 'C'},
			DataOrigin:       [4]byte{'T', 'P', 'C'},
			SubSpecification: 1,
			HeaderSize:       32,
			PayloadCount:     3,
		},
		Payload: []byte("hello tpc payload"),
	}
	eqB := wire.Equipment{
		Header: wire.EquipmentHeader{
			DataDescription:  [16]byte{'I', 'T', 'S'},
			DataOrigin:       [4]byte{'I', 'T', 'S'},
			SubSpecification: 2,
			PayloadCount:     1,
		},
		Payload: []byte{},
	}
	h := wire.STFHeader{
		DataDescription:     [16]byte{'S', 'T', 'F'},
		SerializationMethod: 0,
		TFID:                42,
		MaxHBFrames:         256,
	}
	h.SetEqCount(2)
	return &wire.STF{Header: h, Equipment: []wire.Equipment{eqA, eqB}}
}

func TestInterleavedRoundTrip(t *testing.T) {
	stf := sampleSTF()
	var buf bytes.Buffer
	if err := wire.WriteInterleaved(&buf, stf); err != nil {
		t.Fatal(err)
	}
	got, err := wire.ReadInterleaved(&buf)
	if err != nil {
		t.Fatal(err)
	}
	assertSTFEqual(t, stf, got)
}

func TestSplitRoundTrip(t *testing.T) {
	stf := sampleSTF()
	var buf bytes.Buffer
	if err := wire.WriteSplit(&buf, stf); err != nil {
		t.Fatal(err)
	}
	got, err := wire.ReadSplit(&buf)
	if err != nil {
		t.Fatal(err)
	}
	assertSTFEqual(t, stf, got)
}

func TestInterleavedAndSplitCarrySameEquipment(t *testing.T) {
	stf := sampleSTF()
	var bufI, bufS bytes.Buffer
	if err := wire.WriteInterleaved(&bufI, stf); err != nil {
		t.Fatal(err)
	}
	if err := wire.WriteSplit(&bufS, stf); err != nil {
		t.Fatal(err)
	}
	gotI, err := wire.ReadInterleaved(&bufI)
	if err != nil {
		t.Fatal(err)
	}
	gotS, err := wire.ReadSplit(&bufS)
	if err != nil {
		t.Fatal(err)
	}
	assertSTFEqual(t, gotI, gotS)
}

func TestWriteRejectsMismatchedEqCount(t *testing.T) {
	stf := sampleSTF()
	stf.Header.SetEqCount(99)
	var buf bytes.Buffer
	if err := wire.WriteInterleaved(&buf, stf); err == nil {
		t.Fatal("expected error for mismatched eq_count")
	}
}

func assertSTFEqual(t *testing.T, want, got *wire.STF) {
	t.Helper()
	if want.Header != got.Header {
		t.Fatalf("header mismatch: want %+v, got %+v", want.Header, got.Header)
	}
	if len(want.Equipment) != len(got.Equipment) {
		t.Fatalf("equipment count mismatch: want %d, got %d", len(want.Equipment), len(got.Equipment))
	}
	for i := range want.Equipment {
		if want.Equipment[i].Header != got.Equipment[i].Header {
			t.Fatalf("equipment %d header mismatch: want %+v, got %+v", i, want.Equipment[i].Header, got.Equipment[i].Header)
		}
		if !bytes.Equal(want.Equipment[i].Payload, got.Equipment[i].Payload) {
			t.Fatalf("equipment %d payload mismatch", i)
		}
	}
}

func TestEquipmentIdentifierOrdering(t *testing.T) {
	ids := []wire.EquipmentIdentifier{
		wire.NewEquipmentIdentifier("TPC", "TPC", 5),
		wire.NewEquipmentIdentifier("ITS", "ITS", 100),
		wire.NewEquipmentIdentifier("ITS", "ITS", 1),
		wire.NewEquipmentIdentifier("TPC", "TPC", 1),
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })

	want := []string{"ITS/ITS/1", "ITS/ITS/100", "TPC/TPC/1", "TPC/TPC/5"}
	for i, id := range ids {
		if id.String() != want[i] {
			t.Fatalf("position %d: got %s, want %s", i, id.String(), want[i])
		}
	}
}

func TestEquipmentIdentifierSelfCompare(t *testing.T) {
	a := wire.NewEquipmentIdentifier("TPC", "TPC", 7)
	b := wire.NewEquipmentIdentifier("TPC", "TPC", 7)
	if a.Less(b) || b.Less(a) {
		t.Fatal("equal identifiers must not compare less than one another")
	}
	if !a.Equal(b) {
		t.Fatal("equal identifiers must compare Equal")
	}
}
