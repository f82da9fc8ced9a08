package main

import (
	"unsafe"

	"github.com/fedi-nabli/synapsekernel/internal/arch"
	"github.com/fedi-nabli/synapsekernel/internal/gic"
	"github.com/fedi-nabli/synapsekernel/internal/heap"
	"github.com/fedi-nabli/synapsekernel/internal/kconfig"
	"github.com/fedi-nabli/synapsekernel/internal/mmu"
	"github.com/fedi-nabli/synapsekernel/internal/page"
	"github.com/fedi-nabli/synapsekernel/internal/process"
	"github.com/fedi-nabli/synapsekernel/internal/sched"
	"github.com/fedi-nabli/synapsekernel/internal/syscall"
	"github.com/fedi-nabli/synapsekernel/internal/task"
	"github.com/fedi-nabli/synapsekernel/internal/tensor"
	"github.com/fedi-nabli/synapsekernel/internal/timer"
	"github.com/fedi-nabli/synapsekernel/internal/uart"
)

// BootInfo mirrors original_source's boot_info_t exactly: the bootloader
// hands this struct's address to KernelMain the way kernel_main.c
// receives it.
type BootInfo struct {
	Magic        uint64
	Architecture uint64
	RamSize      uint64
	KernelSize   uint64
}

// bootMagic is BOOT_INFO_MAGIC, the ASCII bytes "BOOT" read as a
// little-endian uint32 and sign-extended into the struct's uint64 field.
const bootMagic = 0x424F4F54

// gicDistBase is QEMU virt's fixed GICv2 distributor address.
const gicDistBase = 0x0800_0000

// badMagicPort is a raw MMIO byte written directly to the UART data
// register, bypassing internal/uart entirely: kernel_main.c's
// halt-on-bad-magic diagnostic (SPEC_FULL.md §12) fires before any
// subsystem, including the UART ring, is brought up.
const badMagicPort = 0x0900_0000

//go:nosplit
func haltBadMagic() {
	for _, c := range []byte("boot info magic mismatch\r\n") {
		*(*byte)(unsafe.Pointer(uintptr(badMagicPort))) = c
	}
	for {
	}
}

// KernelMain is the bootloader's entry point. info is the boot_info_t
// the bootloader placed in memory; nil or a bad magic halts immediately,
// before anything else is touched.
//
//go:nosplit
func KernelMain(info *BootInfo) {
	if info == nil || info.Magic != bootMagic {
		haltBadMagic()
	}

	var sink uart.Sink
	sink.Init()
	sink.PutString("SynapseKernel booting (ram=")
	uartPutHex64Direct(info.RamSize)
	sink.PutString(")\r\n")

	if !bootstrapScheduler() {
		sink.PutString("g0/m0 bootstrap failed\r\n")
		for {
		}
	}

	kernelStart := kernelStartAddr()
	kernelEnd := kernelEndAddr()
	ramSize := uintptr(info.RamSize)

	layout := heap.PlanLayout(kernelEnd, ramSize)
	h, err := heap.New(layout)
	if err != nil {
		sink.PutString("heap init failed\r\n")
		for {
		}
	}

	pages, err := page.Init(h, ramSize, kernelStart, kernelEnd)
	if err != nil {
		sink.PutString("page allocator init failed\r\n")
		for {
		}
	}

	m, err := mmu.Init(pages)
	if err != nil {
		sink.PutString("mmu init failed\r\n")
		for {
		}
	}
	if err := m.Enable(); err != nil {
		sink.PutString("mmu enable failed (fatal)\r\n")
		for {
		}
	}

	poolSize := ramSize / kconfig.AIMemoryPoolRatio
	if _, err := tensor.Init(h, poolSize); err != nil {
		sink.PutString("tensor pool init failed\r\n")
		for {
		}
	}

	gicController = gic.New(arch.Hardware, gicDistBase)
	gicController.Init()

	timerDev := timer.New(gicController)

	tasks := task.NewManager(kconfig.MaxProcesses)
	procs := process.NewManager(h, tasks)

	svcManager = syscall.NewManager(procs, tasks, sink)
	if err := svcManager.Init(); err != nil {
		sink.PutString("syscall manager init failed\r\n")
		for {
		}
	}

	schedMgr := sched.NewManager(timerDev, gicController, tasks, procs)
	if err := schedMgr.Init(); err != nil {
		sink.PutString("scheduler init failed\r\n")
		for {
		}
	}

	InstallTrapVectors()

	if _, err := procs.Create("idle", idleProgram, task.PriorityLow, 0); err != nil {
		sink.PutString("failed to create idle process\r\n")
		for {
		}
	}

	MarkSchedulerReady()
	if err := schedMgr.Start(); err != nil {
		sink.PutString("scheduler start failed\r\n")
		for {
		}
	}

	for {
		arch.Isb()
	}
}

// idleProgram is a single WFI-then-branch-back-to-self loop (AArch64
// encoding: `wfi; b .`), the process the scheduler falls back to when no
// other task is ready. It never issues an SVC of its own.
var idleProgram = []byte{
	0x7f, 0x20, 0x03, 0xd5, // wfi
	0x00, 0x00, 0x00, 0x14, // b .
}
