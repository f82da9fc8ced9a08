// Package tensor implements the two-tier memory pool and tensor
// descriptors (spec §3.5, §3.6, §4.4, C6): a small-block bitmap region
// for allocations at or below a fixed granularity, a best-fit free
// list of larger blocks carved from the kernel heap, and the
// shape/stride/dtype bookkeeping tensor_create/reshape/view need on
// top of it.
//
// There is no teacher analogue for any of this — mazboot hosts a Go
// runtime's GC, not a tensor workload — so the pool's shape is
// rebuilt directly from original_source's core/memory/ai_memory/
// ai_memory.c (alloc_small_block/free_small_block's bitmap scan,
// ai_memory_alloc's best-fit split, ai_memory_init's quarter-of-pool
// small region sizing) and calculate_strides' per-layout stride
// recurrences, laid out the way internal/heap and internal/page (the
// teacher-descended sibling packages) structure a bitmap allocator in
// Go: a flat backing slice, word/bit indexing helpers, and methods
// that return internal/kerr.Errno instead of a raw pointer.
package tensor

import (
	"unsafe"

	"github.com/fedi-nabli/synapsekernel/internal/bitfield"
	"github.com/fedi-nabli/synapsekernel/internal/heap"
	"github.com/fedi-nabli/synapsekernel/internal/kconfig"
	"github.com/fedi-nabli/synapsekernel/internal/kerr"
)

// MinBlockSize is the small-block allocator's fixed granularity (spec
// §3.5's "MIN_BLOCK_SIZE").
const MinBlockSize = 64

// smallPoolRatio is the fraction of the pool reserved for the
// small-block region, per ai_memory_init's "1/4 of total".
const smallPoolRatio = 4

// MaxFreeBlocks bounds the large-block free list (spec §3.5's "bounded
// by a configurable maximum"; original_source's AI_MEMORY_MAX_BLOCKS).
const MaxFreeBlocks = kconfig.AIMemoryMaxBlocks

// freeBlock is one entry of the best-fit free list.
type freeBlock struct {
	addr uintptr
	size uintptr
}

// Stats mirrors ai_memory.c's allocation/deallocation/peak-usage
// counters (spec §3.5, SPEC_FULL §12).
type Stats struct {
	Allocations   uint64
	Deallocations uint64
	UsedSize      uintptr
	PeakUsage     uintptr
}

// Pool is the tensor memory pool: a small-block bitmap region plus a
// best-fit free list of larger blocks, both backed by the kernel heap.
type Pool struct {
	heap *heap.Heap

	smallBase  uintptr
	smallCount uintptr
	bitmap     []uint64

	free    [MaxFreeBlocks]freeBlock
	freeLen int

	// liveLarge records each outstanding large allocation's true size,
	// keyed by the pointer Alloc returned. original_source's
	// ai_memory_free has no such table and falls back to assuming
	// PAGE_SIZE for any pointer it can't place in the small-block
	// region (see its "TODO: determine real block size" and "Assume
	// one page" comments) -- a real defect that would corrupt the free
	// list's size bookkeeping on every large free. This table is the
	// fix: Free consults it, and only for a pointer this pool never
	// allocated does it fall back to a default size of MinBlockSize.
	liveLarge map[uintptr]uintptr

	stats Stats
}

// Init allocates only the small-block region from the kernel heap:
// smallPoolRatio's share of poolSize, carved into the small-block
// bitmap region. The rest of poolSize is not reserved up front and the
// large-block free list starts empty; a large Alloc that finds no fit
// pulls a fresh chunk from the heap at that point (ai_memory_alloc's
// "no suitable block found" path), so large allocations are bounded by
// what the heap can supply, not by poolSize.
func Init(h *heap.Heap, poolSize uintptr) (*Pool, error) {
	if poolSize == 0 {
		return nil, kerr.InvalidArg
	}

	smallSize := poolSize / smallPoolRatio
	smallSize -= smallSize % MinBlockSize
	if smallSize < MinBlockSize {
		smallSize = MinBlockSize
	}

	base, err := h.Malloc(smallSize)
	if err != nil {
		return nil, err
	}

	count := smallSize / MinBlockSize
	words := (count + 63) / 64

	return &Pool{
		heap:       h,
		smallBase:  base,
		smallCount: count,
		bitmap:     make([]uint64, words),
		liveLarge:  make(map[uintptr]uintptr),
	}, nil
}

func (p *Pool) wordBit(i uintptr) (int, uint) { return int(i / 64), uint(i % 64) }

func (p *Pool) allocSmall() (uintptr, error) {
	for i := uintptr(0); i < p.smallCount; i++ {
		w, b := p.wordBit(i)
		if p.bitmap[w]&(1<<b) != 0 {
			continue
		}
		p.bitmap[w] |= 1 << b
		p.stats.Allocations++
		p.stats.UsedSize += MinBlockSize
		if p.stats.UsedSize > p.stats.PeakUsage {
			p.stats.PeakUsage = p.stats.UsedSize
		}
		return p.smallBase + i*MinBlockSize, nil
	}
	return 0, kerr.NoMemory
}

func (p *Pool) freeSmall(addr uintptr) (bool, error) {
	end := p.smallBase + p.smallCount*MinBlockSize
	if addr < p.smallBase || addr >= end {
		return false, nil
	}
	i := (addr - p.smallBase) / MinBlockSize
	w, b := p.wordBit(i)
	if p.bitmap[w]&(1<<b) == 0 {
		return true, kerr.InvalidArg
	}
	p.bitmap[w] &^= 1 << b
	p.stats.Deallocations++
	p.stats.UsedSize -= MinBlockSize
	return true, nil
}

func alignUp(addr, alignment uintptr) uintptr {
	return (addr + alignment - 1) &^ (alignment - 1)
}

// Alloc returns a block of at least size bytes, aligned to alignment.
// Blocks at or below MinBlockSize come from the small-block bitmap;
// larger requests scan the free list for the best (smallest
// sufficient) fit, splitting off a remainder block when one of at
// least MinBlockSize bytes is left over, and otherwise pull a fresh
// chunk straight from the kernel heap (ai_memory_alloc).
func (p *Pool) Alloc(size, alignment uintptr) (uintptr, error) {
	if size == 0 {
		return 0, kerr.InvalidArg
	}
	if alignment == 0 {
		alignment = 1
	}
	size = alignUp(size, alignment)

	if size <= MinBlockSize {
		return p.allocSmall()
	}

	best := -1
	var bestSize uintptr
	for i := 0; i < p.freeLen; i++ {
		block := p.free[i]
		aligned := alignUp(block.addr, alignment)
		overhead := aligned - block.addr
		if block.size >= size+overhead && (best == -1 || block.size < bestSize) {
			best = i
			bestSize = block.size
		}
	}

	if best == -1 {
		addr, err := p.heap.Malloc(size + alignment - 1)
		if err != nil {
			return 0, err
		}
		aligned := alignUp(addr, alignment)
		p.liveLarge[aligned] = size
		p.stats.Allocations++
		p.stats.UsedSize += size
		if p.stats.UsedSize > p.stats.PeakUsage {
			p.stats.PeakUsage = p.stats.UsedSize
		}
		return aligned, nil
	}

	block := p.free[best]
	aligned := alignUp(block.addr, alignment)
	overhead := aligned - block.addr
	remaining := block.size - (size + overhead)

	if remaining >= MinBlockSize {
		p.free[best] = freeBlock{addr: aligned + size, size: remaining}
	} else {
		size = block.size - overhead
		copy(p.free[best:p.freeLen-1], p.free[best+1:p.freeLen])
		p.freeLen--
	}

	p.liveLarge[aligned] = size
	p.stats.Allocations++
	p.stats.UsedSize += size + overhead
	if p.stats.UsedSize > p.stats.PeakUsage {
		p.stats.PeakUsage = p.stats.UsedSize
	}
	return aligned, nil
}

// Free returns ptr to the pool: to the small-block bitmap if it falls
// within that region, otherwise onto the free list (or straight back
// to the kernel heap if the free list is full).
func (p *Pool) Free(ptr uintptr) error {
	if ptr == 0 {
		return kerr.InvalidArg
	}

	if wasSmall, err := p.freeSmall(ptr); wasSmall {
		return err
	}

	size, ok := p.liveLarge[ptr]
	if !ok {
		size = MinBlockSize
	} else {
		delete(p.liveLarge, ptr)
	}

	if p.freeLen < MaxFreeBlocks {
		p.free[p.freeLen] = freeBlock{addr: ptr, size: size}
		p.freeLen++
		p.stats.Deallocations++
		p.stats.UsedSize -= size
		return nil
	}

	p.stats.Deallocations++
	p.stats.UsedSize -= size
	return p.heap.Free(ptr)
}

// Stats returns a snapshot of the pool's allocation counters (spec
// §3.5's "Statistics", SPEC_FULL §12).
func (p *Pool) Stats() Stats { return p.stats }

// DType is a tensor element type (spec §3.6).
type DType uint8

const (
	I8 DType = iota
	I16
	I32
	F16
	F32
)

// ElemSize returns dtype's element size in bytes.
func (d DType) ElemSize() uintptr {
	switch d {
	case I8:
		return 1
	case I16, F16:
		return 2
	case I32, F32:
		return 4
	default:
		return 0
	}
}

// alignment is the optimal SIMD alignment table from spec §4.4.
func (d DType) alignment() uintptr {
	switch d {
	case I8:
		return 16
	case I16, F16:
		return 16
	case I32, F32:
		return 32
	default:
		return 8
	}
}

// Layout is a tensor's memory layout tag (spec §3.6).
type Layout uint8

const (
	RowMajor Layout = iota
	ColumnMajor
	NCHW
	NHWC
)

// Flags is the tensor memory flag set (spec §3.6), packed through
// internal/bitfield into the tensor's raw flag word.
type Flags struct {
	Zeroed      bool `bitfield:"1"`
	Aligned     bool `bitfield:"1"`
	Contiguous  bool `bitfield:"1"`
	Cacheable   bool `bitfield:"1"`
	Uncacheable bool `bitfield:"1"`
	DMA         bool `bitfield:"1"`
}

func (f Flags) pack() uint32 {
	v, err := bitfield.Pack(&f, &bitfield.Config{NumBits: 32})
	if err != nil {
		return 0
	}
	return uint32(v)
}

// Tensor is a descriptor over pool-owned (or, for a view, shared) data
// (spec §3.6).
type Tensor struct {
	pool *Pool

	Shape   []uintptr
	Strides []uintptr
	DType   DType
	Layout  Layout
	Flags   Flags

	data        uintptr
	elemSize    uintptr
	owned       bool
	packedFlags uint32
}

// PackedFlags returns the flag set packed into a single uint32, the
// same representation original_source's tensor_t.flags field uses.
func (t *Tensor) PackedFlags() uint32 { return t.packedFlags }

func product(shape []uintptr) uintptr {
	n := uintptr(1)
	for _, s := range shape {
		n *= s
	}
	return n
}

// computeStrides fills t.Strides per shape/layout, applying the
// NCHW/NHWC-falls-back-to-ROW_MAJOR rule for non-4D shapes exactly as
// calculate_strides does.
func computeStrides(shape []uintptr, layout Layout) []uintptr {
	n := len(shape)
	strides := make([]uintptr, n)
	if n == 0 {
		return strides
	}

	switch layout {
	case ColumnMajor:
		strides[0] = 1
		for i := 1; i < n; i++ {
			strides[i] = strides[i-1] * shape[i-1]
		}
	case NCHW:
		if n != 4 {
			return computeStrides(shape, RowMajor)
		}
		strides[3] = 1
		strides[2] = shape[3]
		strides[1] = strides[2] * shape[2]
		strides[0] = strides[1] * shape[1]
	case NHWC:
		if n != 4 {
			return computeStrides(shape, RowMajor)
		}
		strides[3] = 1
		strides[2] = shape[3]
		strides[1] = strides[2] * shape[2]
		strides[0] = strides[1] * shape[1]
	default: // RowMajor
		strides[n-1] = 1
		for i := n - 2; i >= 0; i-- {
			strides[i] = strides[i+1] * shape[i+1]
		}
	}
	return strides
}

// Create allocates and describes a new tensor (tensor_create): element
// size and default alignment come from dtype, total size from the
// product of shape, strides from layout, and the backing bytes are
// zeroed when flags.Zeroed is set.
func Create(p *Pool, shape []uintptr, dtype DType, layout Layout, flags Flags) (*Tensor, error) {
	if p == nil || len(shape) == 0 {
		return nil, kerr.InvalidArg
	}

	elemSize := dtype.ElemSize()
	if elemSize == 0 {
		return nil, kerr.InvalidArg
	}

	alignment := uintptr(1)
	if flags.Aligned {
		alignment = dtype.alignment()
	}

	size := product(shape) * elemSize
	data, err := p.Alloc(size, alignment)
	if err != nil {
		return nil, err
	}

	if flags.Zeroed {
		zero(data, size)
	}

	shapeCopy := append([]uintptr(nil), shape...)
	t := &Tensor{
		pool:        p,
		Shape:       shapeCopy,
		Strides:     computeStrides(shapeCopy, layout),
		DType:       dtype,
		Layout:      layout,
		Flags:       flags,
		data:        data,
		elemSize:    elemSize,
		owned:       true,
		packedFlags: flags.pack(),
	}
	return t, nil
}

func zero(addr, size uintptr) {
	buf := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	for i := range buf {
		buf[i] = 0
	}
}

// Size returns the tensor's total byte size.
func (t *Tensor) Size() uintptr { return product(t.Shape) * t.elemSize }

// Destroy frees an owned tensor's data (tensor_destroy). Views own no
// data and Destroy is a no-op for them, matching spec §3.6's "a view
// ... does not own the data".
func (t *Tensor) Destroy() error {
	if t == nil {
		return kerr.InvalidArg
	}
	if !t.owned {
		return nil
	}
	return t.pool.Free(t.data)
}

// Reshape requires the new shape's product to match the current one
// (tensor_reshape); it does not reallocate data, only the
// shape/strides bookkeeping.
func (t *Tensor) Reshape(newShape []uintptr) error {
	if t == nil || len(newShape) == 0 {
		return kerr.InvalidArg
	}
	if product(newShape) != product(t.Shape) {
		return kerr.InvalidArg
	}
	t.Shape = append([]uintptr(nil), newShape...)
	t.Strides = computeStrides(t.Shape, t.Layout)
	return nil
}

// SetLayout recomputes strides for newLayout without permuting data
// (tensor_set_layout).
func (t *Tensor) SetLayout(newLayout Layout) error {
	if t == nil {
		return kerr.InvalidArg
	}
	t.Layout = newLayout
	t.Strides = computeStrides(t.Shape, newLayout)
	return nil
}

// offsetOf computes Σ indices[i]·strides[i] in elements.
func offsetOf(indices, strides []uintptr) uintptr {
	var off uintptr
	for i := range indices {
		off += indices[i] * strides[i]
	}
	return off
}

// Element returns a pointer to the element at indices (ai_tensor_get_element).
func (t *Tensor) Element(indices []uintptr) (unsafe.Pointer, error) {
	if t == nil || len(indices) != len(t.Shape) {
		return nil, kerr.InvalidArg
	}
	for i, idx := range indices {
		if idx >= t.Shape[i] {
			return nil, kerr.InvalidArg
		}
	}
	off := offsetOf(indices, t.Strides) * t.elemSize
	return unsafe.Pointer(t.data + off), nil
}

// CopyFrom copies src into the tensor's backing storage
// (ai_tensor_copy_data); len(src) must not exceed the tensor's byte
// size.
func (t *Tensor) CopyFrom(src []byte) error {
	if t == nil {
		return kerr.InvalidArg
	}
	if uintptr(len(src)) > t.Size() {
		return kerr.InvalidArg
	}
	dst := unsafe.Slice((*byte)(unsafe.Pointer(t.data)), len(src))
	copy(dst, src)
	return nil
}

// View shares data with t: it narrows to shape starting at
// startIndices, inherits t's strides, and owns no data of its own
// (tensor_view). The offset is computed in t's own strides/elemSize
// before narrowing.
func View(t *Tensor, startIndices, shape []uintptr) (*Tensor, error) {
	if t == nil || len(startIndices) != len(t.Strides) || len(shape) == 0 {
		return nil, kerr.InvalidArg
	}
	off := offsetOf(startIndices, t.Strides) * t.elemSize

	view := &Tensor{
		pool:        t.pool,
		Shape:       append([]uintptr(nil), shape...),
		Strides:     append([]uintptr(nil), t.Strides...),
		DType:       t.DType,
		Layout:      t.Layout,
		Flags:       t.Flags,
		data:        t.data + off,
		elemSize:    t.elemSize,
		owned:       false,
		packedFlags: t.packedFlags,
	}
	return view, nil
}
