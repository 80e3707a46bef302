// Package memsys provides the C1 shared-memory arena: two mmap'd regions
// (data + descriptors), a LIFO stack of free superpages, and per-superpage
// sub-buffer accounting so that transport messages can reference arena memory
// directly (zero-copy) while a page is only ever reclaimed once every
// sub-buffer borrowed from it has been returned.
//
// Grounded on the teacher's memsys package (memsys/a_test.go: MMSA, SGL,
// Slab naming) generalized from a general-purpose slab allocator down to the
// spec's narrower superpage/sub-buffer contract (§4.1), and on the teacher's
// low-level sys/ios packages being the only place in the tree that reaches
// for raw platform syscalls - here, an anonymous MAP_SHARED mapping via
// golang.org/x/sys/unix, so that a superpage is real shared memory rather
// than a plain Go slice.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package memsys

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/tfpipe/tfpipe/cmn"
	"github.com/tfpipe/tfpipe/cmn/cos"
	"github.com/tfpipe/tfpipe/cmn/debug"
	"github.com/tfpipe/tfpipe/cmn/nlog"
	"golang.org/x/sys/unix"
)

const (
	// distinguishable fill patterns so that a use-before-init bug (reading
	// memory that was never written by a producer) is visible rather than
	// silently reading zeroes.
	dataFillByte = 0xCC
	descFillByte = 0xEE
)

// DescSize is sizeof(RawDmaPacketDesc{hbf_id uint64; raw_size uint32; valid bool})
// rounded to 8-byte alignment.
const DescSize = 16

// Desc mirrors RawDmaPacketDesc (§3 Superpage): one entry per sub-buffer slot
// in a superpage, stored in the parallel descriptor region.
type Desc struct {
	HBFID   uint64
	RawSize uint32
	Valid   bool
	_       [3]byte // pad to DescSize
}

// Superpage is a handle to one fixed-size page popped from the arena's free
// stack. It does not itself track sub-buffers; MarkUsed/Release on the owning
// Arena does, keyed by sub-buffer address (§4.1).
type Superpage struct {
	Index      int32
	Offset     int64          // offset into the arena's data region
	Addr       unsafe.Pointer // virtual address of Offset within the data region
	DescOffset int64          // offset into the arena's descriptor region
}

// Data returns the superpage's backing bytes.
func (sp *Superpage) Data(a *Arena) []byte {
	return a.data[sp.Offset : sp.Offset+a.superpageSize]
}

// Descs returns the superpage's parallel descriptor slots.
func (sp *Superpage) Descs(a *Arena) []Desc {
	n := a.subPerPage
	base := unsafe.Pointer(&a.desc[sp.DescOffset])
	return unsafe.Slice((*Desc)(base), n)
}

type subKey struct {
	page int32
	off  int64
}

// Arena is the C1 shared-memory manager: one mutex guards the free stack, the
// address→superpage index, and the per-superpage used-buffer map, matching
// §5's "C1 uses one mutex ... all ops are O(1) or O(log n) and non-blocking
// under the lock."
type Arena struct {
	cfg  cmn.ArenaConfig
	data []byte // aligned view into the mmap'd data region
	desc []byte // mmap'd descriptor region

	rawData []byte // full (unaligned, over-allocated) mmap'd data region; munmap target
	alignOff int

	superpageSize int64
	subBufferSize int64
	subPerPage    int64
	numPages      int64

	mu      sync.Mutex
	free    []int32                  // LIFO stack of free superpage indices
	used    map[int32]map[int64]int64 // page index -> sub-buffer offset -> size
}

// NewArena validates cfg (§4.1 sizing rule) and mmaps both regions. Per §7
// taxonomy #1, a misconfigured arena is a fatal, init-time error - callers at
// process startup should treat a non-nil error as grounds to cos.Exitf.
func NewArena(cfg cmn.ArenaConfig) (*Arena, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &Arena{
		cfg:           cfg,
		superpageSize: cfg.SuperpageSize,
		subBufferSize: cfg.SubBufferSize,
		subPerPage:    cfg.SuperpageSize / cfg.SubBufferSize,
		numPages:      cfg.DataRegionSize / cfg.SuperpageSize,
		used:          make(map[int32]map[int64]int64, 64),
	}

	rawData, err := unix.Mmap(-1, 0, int(cfg.DataRegionSize+cfg.SuperpageSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("memsys: mmap data region: %w", err)
	}
	desc, err := unix.Mmap(-1, 0, int(cfg.DescRegionSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANON)
	if err != nil {
		unix.Munmap(rawData)
		return nil, fmt.Errorf("memsys: mmap desc region: %w", err)
	}

	base := uintptr(unsafe.Pointer(&rawData[0]))
	align := uintptr(cfg.SuperpageSize)
	alignOff := int((align - base%align) % align)

	a.rawData = rawData
	a.data = rawData[alignOff : alignOff+int(cfg.DataRegionSize)]
	a.desc = desc
	a.alignOff = alignOff

	for i := range a.data {
		a.data[i] = dataFillByte
	}
	for i := range a.desc {
		a.desc[i] = descFillByte
	}

	a.free = make([]int32, a.numPages)
	for i := int64(0); i < a.numPages; i++ {
		// push in reverse so that superpage 0 is acquired first (LIFO stack,
		// but deterministic ordering is convenient for tests)
		a.free[i] = int32(a.numPages - 1 - i)
	}

	nlog.Infof("memsys: arena ready: %d superpages of %d bytes (%d sub-buffers each)", a.numPages, a.superpageSize, a.subPerPage)
	return a, nil
}

// Close unmaps both regions. Callers must ensure no outstanding sub-buffer
// handle will be dereferenced afterwards (§5 Cancellation: release arena only
// after every thread holding handles has been joined).
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := unix.Munmap(a.rawData); err != nil {
		return err
	}
	if err := unix.Munmap(a.desc); err != nil {
		return err
	}
	a.rawData, a.data, a.desc = nil, nil, nil
	return nil
}

// AcquireSuperpage pops one superpage off the free stack, O(1). Returns
// ok=false when the stack is empty (§4.1: "fails ... when the free stack is
// empty").
func (a *Arena) AcquireSuperpage() (sp Superpage, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := len(a.free)
	if n == 0 {
		return Superpage{}, false
	}
	idx := a.free[n-1]
	a.free = a.free[:n-1]
	return a.superpageAt(idx), true
}

func (a *Arena) superpageAt(idx int32) Superpage {
	offset := int64(idx) * a.superpageSize
	return Superpage{
		Index:      idx,
		Offset:     offset,
		Addr:       unsafe.Pointer(&a.data[offset]),
		DescOffset: int64(idx) * a.subPerPage * DescSize,
	}
}

// addrToKey maps a sub-buffer address to its owning superpage index and
// offset-within-page, via `addr &^ (S-1)` as specified in §4.1.
func (a *Arena) addrToKey(addr unsafe.Pointer) (subKey, bool) {
	base := uintptr(unsafe.Pointer(&a.data[0]))
	p := uintptr(addr)
	if p < base || p >= base+uintptr(len(a.data)) {
		return subKey{}, false
	}
	rel := int64(p - base)
	pageIdx := rel / a.superpageSize
	pageOff := rel % a.superpageSize
	debug.Assert(pageIdx >= 0 && pageIdx < a.numPages)
	return subKey{page: int32(pageIdx), off: pageOff}, true
}

// MarkUsed records an outstanding sub-buffer borrow (§4.1, invariant #2).
// Fails if the address falls outside the data region or if that exact
// sub-buffer is already marked.
func (a *Arena) MarkUsed(addr unsafe.Pointer, size int64) error {
	key, ok := a.addrToKey(addr)
	if !ok {
		return cos.ErrOutOfRegion
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.used[key.page]
	if !ok {
		m = make(map[int64]int64, a.subPerPage)
		a.used[key.page] = m
	}
	if _, exists := m[key.off]; exists {
		return cos.ErrAlreadyUsed
	}
	m[key.off] = size
	return nil
}

// Release returns a sub-buffer. Per §4.1's failure semantics, a bad release
// (out of region, not marked, size mismatch) is logged and returned as an
// error without mutating state or aborting the process (§7 taxonomy #2).
func (a *Arena) Release(addr unsafe.Pointer, size int64) error {
	key, ok := a.addrToKey(addr)
	if !ok {
		nlog.Warningf("memsys: release: address out of region")
		return cos.ErrOutOfRegion
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	m, ok := a.used[key.page]
	if !ok {
		nlog.Warningf("memsys: release: superpage %d has no outstanding sub-buffers", key.page)
		return cos.ErrNotMarked
	}
	have, ok := m[key.off]
	if !ok {
		nlog.Warningf("memsys: release: sub-buffer at page=%d off=%d not outstanding", key.page, key.off)
		return cos.ErrNotMarked
	}
	if have != size {
		nlog.Warningf("memsys: release: size mismatch for page=%d off=%d: have=%d want=%d", key.page, key.off, have, size)
		return cos.ErrSizeMismatch
	}
	delete(m, key.off)
	if len(m) == 0 {
		delete(a.used, key.page)
		a.free = append(a.free, key.page) // LIFO: most-recently-freed page is acquired next
	}
	return nil
}

// FreeCount returns the number of superpages currently on the free stack.
func (a *Arena) FreeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.free)
}

// NumSuperpages is the total superpage count the arena was initialized with.
func (a *Arena) NumSuperpages() int64 { return a.numPages }

// SuperpageSize, SubBufferSize, SubBuffersPerPage expose the arena's fixed
// geometry (§3).
func (a *Arena) SuperpageSize() int64    { return a.superpageSize }
func (a *Arena) SubBufferSize() int64    { return a.subBufferSize }
func (a *Arena) SubBuffersPerPage() int64 { return a.subPerPage }

// Outstanding reports whether the given superpage index currently has any
// sub-buffer borrowed from it (used by tests verifying the arena-conservation
// invariant from §8).
func (a *Arena) Outstanding(idx int32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.used[idx]
	return ok && len(m) > 0
}
