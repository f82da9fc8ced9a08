// Package arch declares the AArch64 primitives the core treats as
// external collaborators (spec §1): system-register accessors, barriers,
// TLB invalidation, MMIO access, and the context-switch/MMU-enable
// helpers written in assembly. Grounded on the teacher's mazboot/asm
// package (asm.MmioRead/Write, asm.Dsb/Isb, setVbarEl1ToAddr) and
// tamago/arm64's reg.Write/flush_tlb convention for the TLBI path.
//
// Every function in this file except FlushICacheRange (plain Go over the
// per-line primitives) is declared without a body and backed by
// arch_arm64.s; this is the one place in the tree "raw pointer
// dereference" and privileged instructions live, per the Design Notes'
// strategy for pervasive raw pointers.
package arch

import "unsafe"

// MMIO32 reads a 32-bit memory-mapped register.
//
//go:nosplit
func MMIO32(addr uintptr) uint32

// WriteMMIO32 writes a 32-bit memory-mapped register.
//
//go:nosplit
func WriteMMIO32(addr uintptr, val uint32)

// MMIO64 reads a 64-bit memory-mapped register.
//
//go:nosplit
func MMIO64(addr uintptr) uint64

// WriteMMIO64 writes a 64-bit memory-mapped register.
//
//go:nosplit
func WriteMMIO64(addr uintptr, val uint64)

// Dsb issues a full-system data synchronization barrier (DSB SY).
//
//go:nosplit
func Dsb()

// DsbISH issues an inner-shareable data synchronization barrier,
// used after TLB maintenance (spec §5: "followed by a barrier pair").
//
//go:nosplit
func DsbISH()

// Isb issues an instruction synchronization barrier.
//
//go:nosplit
func Isb()

// TLBIVAAE1IS invalidates the TLB entry for the given virtual address
// across all ASIDs and inner-shareable observers (TLBI VAAE1IS).
//
//go:nosplit
func TLBIVAAE1IS(va uintptr)

// ReadSCTLREL1 / WriteSCTLREL1 access the System Control Register.
//
//go:nosplit
func ReadSCTLREL1() uint64

//go:nosplit
func WriteSCTLREL1(v uint64)

// ReadTCREL1 / WriteTCREL1 access the Translation Control Register.
//
//go:nosplit
func ReadTCREL1() uint64

//go:nosplit
func WriteTCREL1(v uint64)

// ReadMAIREL1 / WriteMAIREL1 access the Memory Attribute Indirection
// Register.
//
//go:nosplit
func ReadMAIREL1() uint64

//go:nosplit
func WriteMAIREL1(v uint64)

// WriteTTBR0EL1 / WriteTTBR1EL1 install the low/high page-table base
// registers.
//
//go:nosplit
func WriteTTBR0EL1(v uint64)

//go:nosplit
func WriteTTBR1EL1(v uint64)

// ReadCNTPCTEL0 reads the physical counter.
//
//go:nosplit
func ReadCNTPCTEL0() uint64

// ReadCNTFRQEL0 / WriteCNTFRQEL0 access the counter frequency register.
//
//go:nosplit
func ReadCNTFRQEL0() uint64

//go:nosplit
func WriteCNTFRQEL0(v uint64)

// WriteCNTPCVALEL0 programs the physical timer's compare value.
//
//go:nosplit
func WriteCNTPCVALEL0(v uint64)

// ReadCNTPCTLEL0 / WriteCNTPCTLEL0 access the physical timer control
// register.
//
//go:nosplit
func ReadCNTPCTLEL0() uint64

//go:nosplit
func WriteCNTPCTLEL0(v uint64)

// ReadESREL1 reads the Exception Syndrome Register (synchronous trap
// cause decoding, spec §6).
//
//go:nosplit
func ReadESREL1() uint64

// ReadFAREL1 reads the Fault Address Register (populated on data/
// instruction aborts).
//
//go:nosplit
func ReadFAREL1() uint64

// WriteVBAREL1 installs the exception vector table base address
// (spec §4.5: the trap plane's entry point). The table itself lives
// outside this module, at the fixed boot-time address the linker
// script places it at, the same boundary the teacher draws around its
// own set_vbar_el1_to_addr.
//
//go:nosplit
func WriteVBAREL1(addr uintptr)

// G0Addr and M0Addr return the linker addresses of the hosted Go
// runtime's g0 and m0, read directly off the symbol table via SB-based
// addressing rather than any exported runtime API (there isn't one).
// SetCurrentG programs the platform's current-goroutine register
// (R28 on arm64) so schedinit has a valid g to run on. Mirrors the
// teacher's own g0/m0 bootstrap primitives, which this kernel needs
// for the same reason the teacher does: the hosted Go runtime's own
// init path runs unconditionally, whether or not this kernel spawns
// goroutines of its own.
//
//go:nosplit
func G0Addr() uintptr

//go:nosplit
func M0Addr() uintptr

//go:nosplit
func SetCurrentG(addr uintptr)

// CurrentG reads back the platform's current-goroutine register (R28 on
// arm64). Used by the hosted Go runtime's own futex emulation to tell
// which goroutine is parking.
//
//go:nosplit
func CurrentG() uintptr

// DaifSet / DaifClr mask/unmask interrupts at the CPU level
// (spec §4.5 enable_all/disable_all).
//
//go:nosplit
func DaifSet()

//go:nosplit
func DaifClr()

// EnableMMU sets SCTLR_EL1.M and issues the barrier pair spec §4.3.2
// requires, then re-reads SCTLR_EL1 so the caller can verify the bit
// stuck.
//
//go:nosplit
func EnableMMU() uint64

// Zero zeroes n bytes starting at p. Used for page-table and page
// zeroing ahead of the Go allocator being safe to call (mirrors the
// teacher's asm.Bzero).
//
//go:nosplit
func Zero(p unsafe.Pointer, n uintptr)

// CleanInvalidateDCacheLine performs "DC CIVAC" on the 64-byte line
// containing addr (spec §4.9.1 I-cache maintenance, step 1).
//
//go:nosplit
func CleanInvalidateDCacheLine(addr uintptr)

// InvalidateICacheLine performs "IC IVAU" on the 64-byte line containing
// addr (spec §4.9.1, step 2).
//
//go:nosplit
func InvalidateICacheLine(addr uintptr)

// FlushICacheRange performs the full ordered sequence from spec §4.9.1
// over [addr, addr+size): clean+invalidate every data cache line, one
// ISB+DSB, invalidate every instruction cache line, one ISB.
//
//go:nosplit
func FlushICacheRange(addr uintptr, size uintptr) {
	const lineSize = 64
	start := addr &^ (lineSize - 1)
	end := (addr + size + lineSize - 1) &^ (lineSize - 1)

	for a := start; a < end; a += lineSize {
		CleanInvalidateDCacheLine(a)
	}
	Isb()
	DsbISH()
	for a := start; a < end; a += lineSize {
		InvalidateICacheLine(a)
	}
	Isb()
}

// TaskRestoreContext loads the register frame pointed to by regs into
// the CPU and performs ERET; it does not return on success. frame is an
// opaque pointer to a task.Registers-shaped structure — internal/arch
// does not import internal/task to avoid a dependency cycle, matching
// the teacher's task_restore_context(task) contract.
//
//go:nosplit
func TaskRestoreContext(frame unsafe.Pointer)

// TaskSaveContext serializes the live general-purpose register bank
// into the current task's frame. Called from SVC/IRQ trap entry before
// the Go-side handler runs.
//
//go:nosplit
func TaskSaveContext(frame unsafe.Pointer)
