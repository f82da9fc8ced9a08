package main

import (
	_ "unsafe" // for go:linkname

	"github.com/fedi-nabli/synapsekernel/internal/arch"
	"github.com/fedi-nabli/synapsekernel/internal/gic"
	"github.com/fedi-nabli/synapsekernel/internal/kerr"
	"github.com/fedi-nabli/synapsekernel/internal/syscall"
)

// ESR_EL1 Exception Class values this trap plane distinguishes.
// EC 0x15 covers an SVC executed in AArch64 state from either EL0 or
// EL1 (ARM DDI 0487, the field carries no EL0/EL1 distinction of its
// own); the source level is read from SPSR_EL1's mode bits instead.
const (
	ecSVC64       = 0b010101
	ecDataAbortLo = 0b100100 // data abort from a lower EL
	ecDataAbortEq = 0b100101 // data abort taken without a level change
)

// spsrM0t is SPSR_EL1's M[3:0] field for "EL0t": the value an
// exception taken from EL0 always carries, since EL0 has only one
// stack-pointer mode.
const spsrM0t = 0x0

// gicController and svcManager are wired up once in KernelMain, after
// C7 (gic) and C9 (syscall) are initialized; the trap entry points
// below are the vector table's only way to reach either subsystem.
var (
	gicController *gic.Controller
	svcManager    *syscall.Manager
)

// InstallTrapVectors points VBAR_EL1 at the exception vector table.
// The table itself — sixteen 0x80-byte slots saving the interrupted
// context and branching to the Go entry points below — is assembled
// outside this module at a fixed link-time address, the same boundary
// the teacher draws around its own relocated vector table: spec §1
// treats the trap entry/exit sequence as an external primitive,
// specified only by the Go functions it calls.
//
//go:linkname vectorTableAddr vector_table_addr
func vectorTableAddr() uintptr

func InstallTrapVectors() {
	arch.WriteVBAREL1(vectorTableAddr())
}

// SvcHandlerGo is the vector table's entry point for a synchronous
// SVC exception: x0-x4 are the trapping task's argument registers
// (svc_c_handler's convention, mirrored by internal/syscall), and
// spsr is the saved SPSR_EL1 so the source exception level can be
// told apart. A domain task (SPSR M[3:0]==EL0t) is routed to
// internal/syscall's dispatch table; anything else is the hosted Go
// runtime's own SVC-based Linux syscall emulation (HandleSyscall,
// already present for that unrelated concern) and is left alone.
//
//go:nosplit
func SvcHandlerGo(x0, x1, x2, x3, x4, spsr uint64) uint64 {
	if spsr&0xF != spsrM0t || svcManager == nil {
		return HandleSyscall(x0, x1, x2, x3, x4)
	}

	result, err := svcManager.Dispatch(int(x0), x1, x2, x3, x4)
	if err != nil {
		if errno, ok := err.(kerr.Errno); ok {
			return uint64(int64(errno))
		}
		bad := kerr.BadSyscall
		return uint64(int64(bad))
	}
	return result
}

// SyncHandlerGo services the remaining synchronous exception classes
// (data aborts and anything this trap plane does not specifically
// know about). SynapseKernel's own domain has no demand paging (spec
// §1 non-goal), so a data abort against a process's own memory is
// always fatal; a diagnostic is printed and the core halts, matching
// spec §7's "MMU enable failure... is fatal" posture extended to any
// unexpected fault.
//
//go:nosplit
func SyncHandlerGo(esr, elr, far uint64) {
	ec := (esr >> 26) & 0x3F
	uartPutsDirect("sync exception: EC=0x")
	uartPutHex8Direct(uint8(ec))
	uartPutsDirect(" ELR=0x")
	uartPutHex64Direct(elr)
	if ec == ecDataAbortLo || ec == ecDataAbortEq {
		uartPutsDirect(" FAR=0x")
		uartPutHex64Direct(far)
	}
	uartPutsDirect("\r\n")
	for {
	}
}

// IRQHandlerGo is the vector table's IRQ entry point: acknowledge,
// invoke the registered handler, EOI (internal/gic.Dispatch does all
// three). Architecturally this is where a timer tick preempts the
// running task; internal/sched's handler, registered against
// kconfig.TimerIRQ, is what actually runs.
//
//go:nosplit
func IRQHandlerGo() {
	if gicController != nil {
		gicController.Dispatch()
	}
}

// FIQHandlerGo and SErrorHandlerGo: QEMU virt's GICv2 setup never
// routes an interrupt to FIQ (spec's interrupt plane is GICv2 IRQ
// only), and an SError indicates uncorrectable hardware failure in
// either case the core halts rather than guesses at recovery.
//
//go:nosplit
func FIQHandlerGo() {
	uartPutsDirect("FIQ (unexpected)\r\n")
	for {
	}
}

//go:nosplit
func SErrorHandlerGo() {
	uartPutsDirect("SError: unrecoverable\r\n")
	for {
	}
}
