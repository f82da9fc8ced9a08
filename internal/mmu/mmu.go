// Package mmu implements the 4-level AArch64 page-table manager (spec
// §3.4, §4.3, C5): PGD→PUD→PMD→PT, 4 KiB granule, 48-bit VA split at
// the canonical boundary. Grounded on the teacher's mmu.go for PTE bit
// layout and level shifts (PTE_VALID/PTE_TABLE/PTE_AF/PTE_UXN/PTE_PXN,
// L0_SHIFT..L3_SHIFT), rebuilt around spec §4.3's eager always-PT-leaf
// walk instead of the teacher's single-level demand-paged 1 GiB design;
// cross-checked against tamago/arm64's block/table/page discriminant
// handling for the walk-or-create table logic.
package mmu

import (
	"unsafe"

	"github.com/fedi-nabli/synapsekernel/internal/arch"
	"github.com/fedi-nabli/synapsekernel/internal/kerr"
	"github.com/fedi-nabli/synapsekernel/internal/page"
)

// Page table entry bits (spec §3.4).
const (
	entryValid = 1 << 0
	entryTable = 1 << 1 // bits[1:0] = 0b11 at any level means table/page

	ptAF = 1 << 10
	ptNG = 1 << 11

	ptUXN = 1 << 54
	ptPXN = 1 << 53

	apRW     = 1 << 6 // RW at EL1+EL0 (arm_mmu.h PTE_ATTR_AP_RW_ALL)
	apRWEL1  = 0 << 6 // RW at EL1 only (arm_mmu.h PTE_ATTR_AP_RW_EL1)
	apRO     = 3 << 6 // RO at EL1+EL0
	apROEL1  = 2 << 6 // RO at EL1 only

	shInner = 3 << 8
)

// MAIR attribute indices, fixed by spec §4.3.
const (
	attrDeviceNGNRNE = 0
	attrDeviceNGNRE  = 1
	attrDeviceGRE    = 2
	attrNormalNC     = 3
	attrNormalWT     = 4
	attrNormalWB     = 5
)

func mairValue() uint64 {
	// Each index is one attribute byte; encodings per ARM DDI 0487, the
	// same layout original_source/arm_mmu.c fills but spec §4.3 extends
	// to six indices instead of four.
	var attrs [8]byte
	attrs[attrDeviceNGNRNE] = 0x00
	attrs[attrDeviceNGNRE] = 0x04
	attrs[attrDeviceGRE] = 0x0C
	attrs[attrNormalNC] = 0x44
	attrs[attrNormalWT] = 0xBB
	attrs[attrNormalWB] = 0xFF

	var v uint64
	for i, b := range attrs {
		v |= uint64(b) << (8 * i)
	}
	return v
}

const (
	pageShift = 12
	entrySize = 8
	entries   = 512
	tableSize = entries * entrySize

	l0Shift = 39
	l1Shift = 30
	l2Shift = 21
	l3Shift = 12

	levelMask = 0x1FF // 9 bits per level

	kernelBase = 0xFFFF_0000_0000_0000 // canonical high-half base
)

// MapFlags describes the caller's intent for a mapping; §4.3.1 derives
// the concrete attribute/AP/exec bits from this set deterministically.
type MapFlags uint16

const (
	FlagDevice MapFlags = 1 << iota
	FlagCacheWT
	FlagCacheNC
	FlagWrite
	FlagUser
	FlagExec
)

// Table is a 512-entry, 4 KiB-aligned page table at any level, backed
// by raw physical memory carved from the page allocator.
type Table struct {
	entries []uint64
}

func tableAt(addr uintptr) *Table {
	return &Table{entries: unsafe.Slice((*uint64)(unsafe.Pointer(addr)), entries)}
}

func (t *Table) addr() uintptr {
	return uintptr(unsafe.Pointer(&t.entries[0]))
}

// MMU owns the kernel PGD and the page allocator new tables are carved
// from.
type MMU struct {
	pages *page.Allocator
	pgd   *Table
}

func pageAlign(addr uintptr) uintptr { return addr &^ (pageShift2Mask()) }
func pageShift2Mask() uintptr        { return uintptr(1<<pageShift) - 1 }

func roundUpPage(addr uintptr) uintptr {
	mask := pageShift2Mask()
	return (addr + mask) &^ mask
}

// Init configures MAIR/TCR/SCTLR, allocates the top-level PGD, writes
// its physical address to TTBR1_EL1, and zeros TTBR0_EL1. The MMU is
// not enabled by Init; call Enable separately (spec §4.3.2).
func Init(pages *page.Allocator) (*MMU, error) {
	arch.WriteMAIREL1(mairValue())

	// TCR_EL1: T0SZ=T1SZ=16 (48-bit), 4 KiB granule both halves, IPS=40
	// bits, inner/outer write-back, inner-shareable walks.
	const (
		t0sz = 16
		t1sz = 16 << 16
		irgn0 = 1 << 8
		orgn0 = 1 << 10
		sh0   = 3 << 12
		tg0   = 0 << 14 // 4 KiB
		irgn1 = 1 << 24
		orgn1 = 1 << 26
		sh1   = 3 << 28
		tg1   = 2 << 30 // 4 KiB for TTBR1 encoding
		ips   = 2 << 32 // 40-bit PA
	)
	arch.WriteTCREL1(t0sz | t1sz | irgn0 | orgn0 | sh0 | tg0 | irgn1 | orgn1 | sh1 | tg1 | ips)

	pgdAddr, err := pages.Alloc(page.Kernel | page.Zeroed)
	if err != nil {
		return nil, err
	}

	arch.WriteTTBR1EL1(uint64(pgdAddr))
	arch.WriteTTBR0EL1(0)

	return &MMU{pages: pages, pgd: tableAt(pgdAddr)}, nil
}

// Enable sets SCTLR_EL1.M and verifies the bit stuck (spec §4.3.2).
func (m *MMU) Enable() error {
	sctlr := arch.EnableMMU()
	if sctlr&1 == 0 {
		return kerr.Fault
	}
	return nil
}

func index(virt uintptr, shift uint) int {
	return int((virt >> shift) & levelMask)
}

// walk returns the PT table containing virt's leaf entry, creating
// intermediate PUD/PMD/PT tables as needed when create is true.
//
// Only the TTBR1_EL1 (kernel, high-half) tree is modeled here: spec
// §4.3 leaves the user/low half's table construction to the process
// subsystem, which this package does not own.
func (m *MMU) walk(virt uintptr, create bool) (*Table, int, error) {
	levels := []uint{l0Shift, l1Shift, l2Shift}
	cur := m.pgd
	for _, shift := range levels {
		idx := index(virt, shift)
		entry := cur.entries[idx]
		if entry&entryValid == 0 {
			if !create {
				return nil, 0, kerr.NoMapping
			}
			childAddr, err := m.pages.Alloc(page.Kernel | page.Zeroed)
			if err != nil {
				return nil, 0, err
			}
			cur.entries[idx] = uint64(childAddr) | entryValid | entryTable
			entry = cur.entries[idx]
		}
		if entry&entryTable == 0 {
			return nil, 0, kerr.InvalidMapping
		}
		childAddr := uintptr(entry &^ 0xFFF)
		cur = tableAt(childAddr)
	}

	return cur, index(virt, l3Shift), nil
}

func deriveAttrs(flags MapFlags) uint64 {
	var attrIdx uint64 = attrNormalWB
	switch {
	case flags&FlagDevice != 0:
		attrIdx = attrDeviceNGNRE
	case flags&FlagCacheWT != 0:
		attrIdx = attrNormalWT
	case flags&FlagCacheNC != 0:
		attrIdx = attrNormalNC
	}

	var ap uint64
	write := flags&FlagWrite != 0
	user := flags&FlagUser != 0
	switch {
	case write && !user:
		ap = apRWEL1
	case write && user:
		ap = apRW
	case !write && !user:
		ap = apROEL1
	default:
		ap = apRO
	}

	var exec uint64
	switch {
	case flags&FlagExec == 0:
		exec = ptUXN | ptPXN
	case flags&FlagUser == 0:
		exec = ptUXN
	}

	return (attrIdx << 2) | ap | shInner | ptAF | exec
}

// Map page-aligns phys/virt/size and installs a PAGE-type PTE for
// every 4 KiB page in the range, deriving attributes per spec §4.3.1
// and invalidating the TLB entry for each mapped virtual address.
func (m *MMU) Map(phys, virt uintptr, size uintptr, flags MapFlags) error {
	if size == 0 {
		return kerr.InvalidArg
	}
	p := pageAlign(phys)
	v := pageAlign(virt)
	end := roundUpPage(virt + size)
	attrs := deriveAttrs(flags)

	for va, pa := v, p; va < end; va, pa = va+(1<<pageShift), pa+(1<<pageShift) {
		pt, idx, err := m.walk(va, true)
		if err != nil {
			return err
		}
		pt.entries[idx] = uint64(pa) | entryValid | entryTable | attrs
		arch.TLBIVAAE1IS(va)
	}
	arch.DsbISH()
	arch.Isb()
	return nil
}

// IdentityMap is Map with virt == phys.
func (m *MMU) IdentityMap(phys uintptr, size uintptr, flags MapFlags) error {
	return m.Map(phys, phys, size, flags)
}

// Unmap walks without creating tables, clears any matching PTE, and
// invalidates the TLB for each page.
func (m *MMU) Unmap(virt uintptr, size uintptr) error {
	v := pageAlign(virt)
	end := roundUpPage(virt + size)

	for va := v; va < end; va += 1 << pageShift {
		pt, idx, err := m.walk(va, false)
		if err != nil {
			return err
		}
		pt.entries[idx] = 0
		arch.TLBIVAAE1IS(va)
	}
	arch.DsbISH()
	arch.Isb()
	return nil
}

// Translate walks the page tables for virt and returns the mapped
// physical address, failing if any intermediate entry is not a table
// or the leaf is not valid.
func (m *MMU) Translate(virt uintptr) (uintptr, error) {
	pt, idx, err := m.walk(virt, false)
	if err != nil {
		return 0, err
	}
	entry := pt.entries[idx]
	if entry&entryValid == 0 {
		return 0, kerr.NoMapping
	}
	offset := virt & pageShift2Mask()
	return uintptr(entry&^0xFFF) + offset, nil
}

// GetFlags decodes the attribute bits of virt's leaf entry back into a
// MapFlags value.
func (m *MMU) GetFlags(virt uintptr) (MapFlags, error) {
	pt, idx, err := m.walk(virt, false)
	if err != nil {
		return 0, err
	}
	entry := pt.entries[idx]
	if entry&entryValid == 0 {
		return 0, kerr.NoMapping
	}

	var flags MapFlags
	attrIdx := (entry >> 2) & 0x7
	switch attrIdx {
	case attrDeviceNGNRE, attrDeviceNGNRNE, attrDeviceGRE:
		flags |= FlagDevice
	case attrNormalWT:
		flags |= FlagCacheWT
	case attrNormalNC:
		flags |= FlagCacheNC
	}
	ap := entry & (3 << 6)
	if ap == apRW || ap == apRWEL1 {
		flags |= FlagWrite
	}
	if ap == apRW || ap == apRO {
		flags |= FlagUser
	}
	if entry&ptUXN == 0 || (entry&ptPXN == 0 && flags&FlagUser == 0) {
		flags |= FlagExec
	}
	return flags, nil
}

// SetFlags unmaps then re-maps the single page at virt to the same
// physical frame with new attributes (spec §4.3.2, §9).
func (m *MMU) SetFlags(virt uintptr, flags MapFlags) error {
	phys, err := m.Translate(virt)
	if err != nil {
		return err
	}
	phys = pageAlign(phys)
	if err := m.Unmap(virt, 1<<pageShift); err != nil {
		return err
	}
	return m.Map(phys, virt, 1<<pageShift, flags)
}
