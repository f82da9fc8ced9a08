// Package page implements the page frame allocator (spec §3.3, §4.2,
// C4): a bit-per-frame bitmap plus a parallel per-frame flag byte
// array, first-fit over the lowest free bit. Grounded on goos-e's
// pmm.BitmapAllocator (other_examples' bitmap_allocator.go) for the
// bitmap-of-uint64-words layout (frame f is bit f%64, counted from the
// least significant bit, of word f/64; every search scans frame by
// frame), collapsed from that file's multi-pool design to the single
// contiguous region spec §4.2 describes; reservation ordering (boot
// pages, then bitmap pages, then flag-array pages) follows spec §4.2's
// init contract directly.
package page

import (
	"unsafe"

	"github.com/fedi-nabli/synapsekernel/internal/heap"
	"github.com/fedi-nabli/synapsekernel/internal/kconfig"
	"github.com/fedi-nabli/synapsekernel/internal/kerr"
)

// Flag is a per-frame attribute bit (spec §3.3).
type Flag uint8

const (
	Free      Flag = 0
	Reserved  Flag = 1 << 0
	Allocated Flag = 1 << 1
	Mapped    Flag = 1 << 2
	Kernel    Flag = 1 << 3
	Zeroed    Flag = 1 << 4
	Accessed  Flag = 1 << 5
	Dirty     Flag = 1 << 6
)

const pageSize = uintptr(kconfig.PageSize)

// bootReservedPages is the number of low pages spec §4.2 reserves
// unconditionally for boot code and the early kernel image.
const bootReservedPages = 64

// Allocator is the page frame bitmap allocator. One bit in bitmap per
// frame (1 = allocated); flags carries per-frame attribute bytes in
// lockstep. Invariant (spec §3.3): the count of set bits in bitmap
// always equals total-free.
type Allocator struct {
	bitmap   []uint64
	flags    []byte
	total    uint32
	free     uint32
	baseAddr uintptr
}

func wordIndex(frame uint32) (word int, bit uint) {
	return int(frame >> 6), uint(frame & 63)
}

func (a *Allocator) isSet(frame uint32) bool {
	w, b := wordIndex(frame)
	return a.bitmap[w]&(1<<b) != 0
}

func (a *Allocator) set(frame uint32) {
	w, b := wordIndex(frame)
	a.bitmap[w] |= 1 << b
}

func (a *Allocator) clear(frame uint32) {
	w, b := wordIndex(frame)
	a.bitmap[w] &^= 1 << b
}

func (a *Allocator) frameToAddr(frame uint32) uintptr {
	return a.baseAddr + uintptr(frame)*pageSize
}

func (a *Allocator) addrToFrame(addr uintptr) (uint32, error) {
	if addr < a.baseAddr || (addr-a.baseAddr)%pageSize != 0 {
		return 0, kerr.InvalidArg
	}
	frame := uint32((addr - a.baseAddr) / pageSize)
	if frame >= a.total {
		return 0, kerr.InvalidArg
	}
	return frame, nil
}

// reserveFrame marks a frame allocated+reserved without touching the
// free counter's accounting twice if called more than once for
// overlapping ranges (idempotent).
func (a *Allocator) reserveFrame(frame uint32) {
	if frame >= a.total {
		return
	}
	if !a.isSet(frame) {
		a.set(frame)
		a.free--
	}
	a.flags[frame] |= byte(Reserved | Allocated)
}

func (a *Allocator) reserveRange(startAddr uintptr, size uintptr) {
	startFrame, err := a.addrToFrame(startAddr &^ (pageSize - 1))
	if err != nil {
		return
	}
	count := (size + pageSize - 1) / pageSize
	for i := uint32(0); uintptr(i) < count; i++ {
		a.reserveFrame(startFrame + i)
	}
}

// Init computes total = min(ramSize/PageSize, MaxPages), carves the
// bitmap and flag array out of h, and reserves the boot pages plus
// whatever frames the bitmap and flag array themselves overlap
// (spec §4.2's init contract, in that order).
func Init(h *heap.Heap, ramSize uintptr, kernelStart, kernelEnd uintptr) (*Allocator, error) {
	total := ramSize / pageSize
	if total > kconfig.MaxPages {
		total = kconfig.MaxPages
	}
	if total == 0 {
		return nil, kerr.InvalidArg
	}

	words := (uint32(total) + 63) / 64
	bitmapAddr, err := h.Malloc(uintptr(words) * 8)
	if err != nil {
		return nil, err
	}
	flagsAddr, err := h.Malloc(uintptr(total))
	if err != nil {
		return nil, err
	}

	a := &Allocator{
		bitmap:   unsafe.Slice((*uint64)(unsafe.Pointer(bitmapAddr)), words),
		flags:    unsafe.Slice((*byte)(unsafe.Pointer(flagsAddr)), total),
		total:    uint32(total),
		free:     uint32(total),
		baseAddr: 0,
	}
	for i := range a.bitmap {
		a.bitmap[i] = 0
	}
	for i := range a.flags {
		a.flags[i] = byte(Free)
	}

	for f := uint32(0); f < bootReservedPages && f < a.total; f++ {
		a.reserveFrame(f)
	}
	bitmapBytes := uintptr(words) * 8
	a.reserveRange(bitmapAddr, bitmapBytes)
	a.reserveRange(flagsAddr, uintptr(total))
	_ = kernelStart
	_ = kernelEnd

	return a, nil
}

func (a *Allocator) findFreeRun(count uint32) (uint32, error) {
	run := uint32(0)
	start := uint32(0)
	found := false
	for f := uint32(0); f < a.total; f++ {
		if a.isSet(f) {
			run = 0
			found = false
			continue
		}
		if !found {
			start = f
			found = true
		}
		run++
		if run == count {
			return start, nil
		}
	}
	return 0, kerr.NoMemory
}

func zeroPage(addr uintptr) {
	p := unsafe.Slice((*byte)(unsafe.Pointer(addr)), pageSize)
	for i := range p {
		p[i] = 0
	}
}

// Alloc finds the lowest free frame, marks it, and returns its
// page-aligned physical address.
func (a *Allocator) Alloc(flags Flag) (uintptr, error) {
	frame, err := a.findFreeRun(1)
	if err != nil {
		return 0, err
	}
	a.set(frame)
	a.free--
	addr := a.frameToAddr(frame)
	if flags&Zeroed != 0 {
		zeroPage(addr)
	}
	a.flags[frame] = byte(flags | Allocated)
	return addr, nil
}

// AllocContiguous finds the lowest run of count consecutive free
// frames, marks them all, and optionally zeros the entire span.
func (a *Allocator) AllocContiguous(count uint32, flags Flag) (uintptr, error) {
	if count == 0 {
		return 0, kerr.InvalidArg
	}
	start, err := a.findFreeRun(count)
	if err != nil {
		return 0, err
	}
	for f := start; f < start+count; f++ {
		a.set(f)
		a.free--
		a.flags[f] = byte(flags | Allocated)
	}
	addr := a.frameToAddr(start)
	if flags&Zeroed != 0 {
		zeroPage0 := unsafe.Slice((*byte)(unsafe.Pointer(addr)), uintptr(count)*pageSize)
		for i := range zeroPage0 {
			zeroPage0[i] = 0
		}
	}
	return addr, nil
}

// Free clears the bit and flags for the frame that starts at page; an
// address that is not page-aligned is rejected. It also rejects a page
// that is already free.
func (a *Allocator) Free(page uintptr) error {
	frame, err := a.addrToFrame(page)
	if err != nil {
		return err
	}
	if !a.isSet(frame) {
		return kerr.InvalidArg
	}
	a.clear(frame)
	a.free++
	a.flags[frame] = byte(Free)
	return nil
}

// FreeContiguous frees count frames starting at page.
func (a *Allocator) FreeContiguous(page uintptr, count uint32) error {
	frame, err := a.addrToFrame(page)
	if err != nil {
		return err
	}
	if uintptr(frame)+uintptr(count) > uintptr(a.total) {
		return kerr.InvalidArg
	}
	for f := frame; f < frame+count; f++ {
		if !a.isSet(f) {
			return kerr.InvalidArg
		}
	}
	for f := frame; f < frame+count; f++ {
		a.clear(f)
		a.free++
		a.flags[f] = byte(Free)
	}
	return nil
}

func (a *Allocator) Total() uint32     { return a.total }
func (a *Allocator) FreeCount() uint32 { return a.free }
func (a *Allocator) Used() uint32      { return a.total - a.free }

// Sink is the minimal diagnostic output PrintStats needs; internal/uart.Sink
// satisfies it.
type Sink interface {
	PutString(string)
}

// PrintStats writes a one-line occupancy summary to sink.
func (a *Allocator) PrintStats(sink Sink) {
	sink.PutString("page: total=")
	sink.PutString(uitoa(uint64(a.total)))
	sink.PutString(" used=")
	sink.PutString(uitoa(uint64(a.Used())))
	sink.PutString(" free=")
	sink.PutString(uitoa(uint64(a.free)))
	sink.PutString("\n")
}

func uitoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
