// Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
package memsys_test

import (
	"testing"
	"unsafe"

	"github.com/tfpipe/tfpipe/cmn"
	"github.com/tfpipe/tfpipe/cmn/cos"
	"github.com/tfpipe/tfpipe/memsys"
)

func smallCfg() cmn.ArenaConfig {
	return cmn.ArenaConfig{
		DataRegionSize: 4 * cos.MiB,
		DescRegionSize: 4 * cos.MiB,
		SuperpageSize:  cos.MiB,
		SubBufferSize:  8 * cos.KiB,
	}
}

// Scenario 4 from §8: "Superpage lifecycle".
func TestSuperpageLifecycle(t *testing.T) {
	a, err := memsys.NewArena(smallCfg())
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	var pages []memsys.Superpage
	for i := 0; i < 4; i++ {
		sp, ok := a.AcquireSuperpage()
		if !ok {
			t.Fatalf("expected superpage %d to be available", i)
		}
		pages = append(pages, sp)
	}
	if _, ok := a.AcquireSuperpage(); ok {
		t.Fatal("expected free stack to be empty after acquiring all 4 superpages")
	}
	if got := a.FreeCount(); got != 0 {
		t.Fatalf("free count = %d, want 0", got)
	}

	page0 := pages[0]
	subSize := a.SubBufferSize()
	addr0 := page0.Addr
	addr1 := unsafe.Add(page0.Addr, subSize)

	if err := a.MarkUsed(addr0, subSize); err != nil {
		t.Fatal(err)
	}
	if err := a.MarkUsed(addr1, subSize); err != nil {
		t.Fatal(err)
	}

	if err := a.Release(addr0, subSize); err != nil {
		t.Fatal(err)
	}
	if !a.Outstanding(page0.Index) {
		t.Fatal("page 0 should still be outstanding after releasing only one of its sub-buffers")
	}
	if got := a.FreeCount(); got != 0 {
		t.Fatalf("free count = %d, want 0 (page 0 still outstanding)", got)
	}

	if err := a.Release(addr1, subSize); err != nil {
		t.Fatal(err)
	}
	if a.Outstanding(page0.Index) {
		t.Fatal("page 0 should no longer be outstanding")
	}
	if got := a.FreeCount(); got != 1 {
		t.Fatalf("free count = %d, want 1", got)
	}
}

func TestReleaseBadPaths(t *testing.T) {
	a, err := memsys.NewArena(smallCfg())
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	sp, _ := a.AcquireSuperpage()
	subSize := a.SubBufferSize()

	// not marked
	if err := a.Release(sp.Addr, subSize); err != cos.ErrNotMarked {
		t.Fatalf("got %v, want ErrNotMarked", err)
	}

	if err := a.MarkUsed(sp.Addr, subSize); err != nil {
		t.Fatal(err)
	}
	// double mark
	if err := a.MarkUsed(sp.Addr, subSize); err != cos.ErrAlreadyUsed {
		t.Fatalf("got %v, want ErrAlreadyUsed", err)
	}
	// size mismatch
	if err := a.Release(sp.Addr, subSize*2); err != cos.ErrSizeMismatch {
		t.Fatalf("got %v, want ErrSizeMismatch", err)
	}
	// still outstanding: a bad release must not mutate state
	if !a.Outstanding(sp.Index) {
		t.Fatal("bad release must not have released the sub-buffer")
	}
	if err := a.Release(sp.Addr, subSize); err != nil {
		t.Fatalf("correct release should succeed: %v", err)
	}

	// out of region
	var x byte
	if err := a.Release(unsafe.Pointer(&x), subSize); err != cos.ErrOutOfRegion {
		t.Fatalf("got %v, want ErrOutOfRegion", err)
	}
}

// §8 boundary behavior: descriptor region under-sized must fail init.
func TestValidateRejectsUndersizedDescRegion(t *testing.T) {
	cfg := smallCfg()
	cfg.DescRegionSize = 1
	if _, err := memsys.NewArena(cfg); err == nil {
		t.Fatal("expected error for undersized descriptor region")
	}
}

func TestValidateRejectsNonPowerOfTwoSuperpage(t *testing.T) {
	cfg := smallCfg()
	cfg.SuperpageSize = 3 * cos.MiB
	cfg.DataRegionSize = 9 * cos.MiB
	if _, err := memsys.NewArena(cfg); err == nil {
		t.Fatal("expected error for non-power-of-two superpage size")
	}
}

// §8 boundary: superpage size equal to data-region size (exactly one page).
func TestSinglePageArena(t *testing.T) {
	cfg := cmn.ArenaConfig{
		DataRegionSize: cos.MiB,
		DescRegionSize: cos.MiB,
		SuperpageSize:  cos.MiB,
		SubBufferSize:  8 * cos.KiB,
	}
	a, err := memsys.NewArena(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	if n := a.NumSuperpages(); n != 1 {
		t.Fatalf("numSuperpages = %d, want 1", n)
	}
	if _, ok := a.AcquireSuperpage(); !ok {
		t.Fatal("expected to acquire the single superpage")
	}
	if _, ok := a.AcquireSuperpage(); ok {
		t.Fatal("expected free stack empty after the single superpage is taken")
	}
}

// §8 arena conservation invariant.
func TestArenaConservation(t *testing.T) {
	a, err := memsys.NewArena(smallCfg())
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	total := a.NumSuperpages()
	var acquired []memsys.Superpage
	for {
		sp, ok := a.AcquireSuperpage()
		if !ok {
			break
		}
		acquired = append(acquired, sp)
	}
	if int64(len(acquired))+int64(a.FreeCount()) != total {
		t.Fatalf("conservation violated: acquired=%d free=%d total=%d", len(acquired), a.FreeCount(), total)
	}
	for _, sp := range acquired {
		if err := a.MarkUsed(sp.Addr, a.SubBufferSize()); err != nil {
			t.Fatal(err)
		}
	}
	outstanding := 0
	for i := int32(0); i < int32(total); i++ {
		if a.Outstanding(i) {
			outstanding++
		}
	}
	if int64(outstanding)+int64(a.FreeCount()) != total {
		t.Fatalf("conservation violated after marking used: outstanding=%d free=%d total=%d", outstanding, a.FreeCount(), total)
	}
}
