// Package heap implements the kernel heap allocator (spec §3.2, §4.1,
// C3): a fixed-size block-bitmap allocator whose table and managed
// region are carved out of raw physical memory ahead of any general
// Go allocator being usable. Grounded directly on original_source's
// core/memory/heap/{heap.c,kheap.c} — the block table layout, entry
// flag bits, first-fit scan, and the ram_size/5 clamp-to-[4MiB,256MiB]
// sizing rule are all preserved unchanged from that source.
package heap

import (
	"unsafe"

	"github.com/fedi-nabli/synapsekernel/internal/kconfig"
	"github.com/fedi-nabli/synapsekernel/internal/kerr"
)

// Block table entry flags. The low nibble carries the entry type
// (free/taken); the high bits are flags over whatever type occupies
// the low nibble, exactly as heap.c's HEAP_BLOCK_TABLE_ENTRY does.
const (
	entryFree  byte = 0x00
	entryTaken byte = 0x01
	entryMask  byte = 0x0F

	flagHasNext byte = 0b1000_0000
	flagIsFirst byte = 0b0100_0000
)

const blockSize = uintptr(kconfig.KernelHeapBlockSize)

// Heap is a block-bitmap allocator over a contiguous, block-aligned
// physical range [start, start+len(table)*blockSize). table is backed
// by raw memory rather than a Go slice allocation: the kernel heap is
// itself the thing that would back make([]byte, ...), so its own
// bookkeeping cannot depend on it.
type Heap struct {
	table []byte
	start uintptr
}

// alignUp rounds addr up to the next block boundary.
func alignUp(addr uintptr) uintptr {
	if addr%blockSize == 0 {
		return addr
	}
	return (addr - addr%blockSize) + blockSize
}

// Layout describes where kheap_init would place the table and the
// managed region for a given RAM size and kernel end address, without
// committing to memory yet. TotalSize is the size of the managed region
// alone (StartAddr to EndAddr); the table in front of it is not counted.
type Layout struct {
	TableAddr  uintptr
	StartAddr  uintptr
	EndAddr    uintptr
	TotalSize  uintptr
	NumEntries uintptr
}

// PlanLayout computes the kheap_init sizing rule: target ram/
// AIMemoryPoolRatio... no — the kernel heap specifically uses a fixed
// 1/5 ratio (kheap.c), independent of the tensor pool's ratio.
func PlanLayout(kernelEnd uintptr, ramSize uintptr) Layout {
	const divisor = 5
	target := ramSize / divisor
	if target < kconfig.KernelHeapMinSize {
		target = kconfig.KernelHeapMinSize
	}
	if target > kconfig.KernelHeapMaxSize {
		target = kconfig.KernelHeapMaxSize
	}
	target = (target / blockSize) * blockSize

	numEntries := target / blockSize
	tableSize := numEntries // one byte per entry

	tableAddr := alignUp(kernelEnd)
	startAddr := alignUp(tableAddr + tableSize)
	endAddr := startAddr + target

	return Layout{
		TableAddr:  tableAddr,
		StartAddr:  startAddr,
		EndAddr:    endAddr,
		TotalSize:  target,
		NumEntries: numEntries,
	}
}

// New creates a heap over the range described by l. tableAddr and
// startAddr must already be reserved, block-aligned, zeroable memory
// (the boot orchestrator carves this range out ahead of any other use,
// per spec §4.1).
func New(l Layout) (*Heap, error) {
	if l.TableAddr%blockSize != 0 || l.StartAddr%blockSize != 0 {
		return nil, kerr.InvalidArg
	}

	table := unsafe.Slice((*byte)(unsafe.Pointer(l.TableAddr)), l.NumEntries)
	for i := range table {
		table[i] = entryFree
	}

	return &Heap{table: table, start: l.StartAddr}, nil
}

func entryType(e byte) byte { return e & entryMask }

// findStartBlock scans for the first run of `need` contiguous free
// blocks, first-fit (heap_get_start_block).
func (h *Heap) findStartBlock(need uintptr) (int, error) {
	run := 0
	start := -1
	for i, e := range h.table {
		if entryType(e) != entryFree {
			run = 0
			start = -1
			continue
		}
		if start == -1 {
			start = i
		}
		run++
		if uintptr(run) == need {
			return start, nil
		}
	}
	return 0, kerr.NoMemory
}

func (h *Heap) blockToAddr(block int) uintptr {
	return h.start + uintptr(block)*blockSize
}

func (h *Heap) addrToBlock(addr uintptr) int {
	return int((addr - h.start) / blockSize)
}

func (h *Heap) markTaken(start int, n uintptr) {
	end := start + int(n) - 1
	entry := entryTaken | flagIsFirst
	if n > 1 {
		entry |= flagHasNext
	}
	for i := start; i <= end; i++ {
		h.table[i] = entry
		entry = entryTaken
		if i+1 != end {
			entry |= flagHasNext
		}
	}
}

func (h *Heap) markFree(start int) {
	for i := start; i < len(h.table); i++ {
		e := h.table[i]
		h.table[i] = entryFree
		if e&flagHasNext == 0 {
			break
		}
	}
}

// Malloc allocates size bytes, rounded up to the block size, and
// returns the block-aligned address of the first block.
func (h *Heap) Malloc(size uintptr) (uintptr, error) {
	if size == 0 {
		return 0, kerr.InvalidArg
	}
	aligned := alignUp(size)
	need := aligned / blockSize

	start, err := h.findStartBlock(need)
	if err != nil {
		return 0, err
	}
	h.markTaken(start, need)
	return h.blockToAddr(start), nil
}

// Free releases the allocation starting at addr. addr must be a value
// previously returned by Malloc; passing any other address marks
// whatever block it maps to, which is the same contract heap_free
// offers.
func (h *Heap) Free(addr uintptr) error {
	if addr < h.start {
		return kerr.InvalidArg
	}
	block := h.addrToBlock(addr)
	if block < 0 || block >= len(h.table) {
		return kerr.InvalidArg
	}
	h.markFree(block)
	return nil
}

// Stats reports coarse occupancy: the total number of blocks and how
// many of them are free.
type Stats struct {
	TotalBlocks uint32
	FreeBlocks  uint32
}

func (h *Heap) Stats() Stats {
	var free uint32
	for _, e := range h.table {
		if entryType(e) == entryFree {
			free++
		}
	}
	return Stats{TotalBlocks: uint32(len(h.table)), FreeBlocks: free}
}
