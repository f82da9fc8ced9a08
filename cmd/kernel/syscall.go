package main

import (
	"sync/atomic"
	"unsafe"

	"github.com/fedi-nabli/synapsekernel/internal/arch"
)

// This file hosts the Linux-syscall-emulation surface the full Go runtime
// needs to boot (mmap/futex/brk and friends, via SVC). It is a different
// concern from internal/syscall's six-entry domain table: the runtime's
// own schedinit/mallocinit/GC issue these unconditionally, whether or not
// this kernel ever spawns a domain task. SvcHandlerGo (trap.go) routes
// here whenever the trapping SVC did not come from an EL0 domain task.

//go:linkname runtimeGopark runtime.gopark
//go:nosplit
func runtimeGopark(unlockf unsafe.Pointer, lock unsafe.Pointer, reason uint8, traceEv uint8, traceskip int)

//go:linkname runtimeGoready runtime.goready
//go:nosplit
func runtimeGoready(gp unsafe.Pointer, traceskip int)

const (
	futexWaitPrivate = 128 // FUTEX_WAIT | FUTEX_PRIVATE_FLAG
	futexWakePrivate = 129 // FUTEX_WAKE | FUTEX_PRIVATE_FLAG
	maxFutexWaiters  = 64
)

type futexWaiter struct {
	addr uintptr // 0 = free slot
	gp   uintptr
}

var futexWaiters [maxFutexWaiters]futexWaiter
var schedulerReady uint32

// MarkSchedulerReady is called once C12's scheduler has started, so a
// futex wait issued afterward can really park instead of returning
// immediately (there is no other runnable goroutine to switch to before
// that point).
//
//go:nosplit
func MarkSchedulerReady() {
	atomic.StoreUint32(&schedulerReady, 1)
}

//go:nosplit
func allocateFutexWaitSlot(addr, gp uintptr) int {
	for i := 0; i < maxFutexWaiters; i++ {
		if atomic.CompareAndSwapUintptr(&futexWaiters[i].addr, 0, addr) {
			atomic.StoreUintptr(&futexWaiters[i].gp, gp)
			return i
		}
	}
	return -1
}

//go:nosplit
func freeFutexWaitSlot(slot int) {
	atomic.StoreUintptr(&futexWaiters[slot].gp, 0)
	atomic.StoreUintptr(&futexWaiters[slot].addr, 0)
}

//go:nosplit
func syscallFutex(addr unsafe.Pointer, op int32, val uint32) int64 {
	uaddr := (*uint32)(addr)
	addrVal := uintptr(addr)

	switch op {
	case futexWaitPrivate:
		if atomic.LoadUint32(uaddr) != val {
			return -11 // EAGAIN: value already changed, don't sleep
		}

		gp := arch.CurrentG()
		if gp == 0 {
			return -11
		}

		slot := allocateFutexWaitSlot(addrVal, gp)
		if slot < 0 {
			return -11 // no free wait slots
		}

		if atomic.LoadUint32(&schedulerReady) == 0 {
			// Only g0 exists this early; nothing else could wake us.
			freeFutexWaitSlot(slot)
			return 0
		}

		runtimeGopark(nil, unsafe.Pointer(&futexWaiters[slot]), 0, 0, 0)
		freeFutexWaitSlot(slot)
		return 0

	case futexWakePrivate:
		woken := 0
		for i := 0; i < maxFutexWaiters && woken < int(val); i++ {
			if atomic.LoadUintptr(&futexWaiters[i].addr) == addrVal {
				gp := atomic.LoadUintptr(&futexWaiters[i].gp)
				if gp != 0 {
					atomic.StoreUintptr(&futexWaiters[i].gp, 0)
					atomic.StoreUintptr(&futexWaiters[i].addr, 0)
					runtimeGoready(unsafe.Pointer(gp), 0)
					woken++
				}
			}
		}
		return int64(woken)

	default:
		return -22 // EINVAL
	}
}

// mmap span tracking: records which virtual ranges the bump allocator or
// a MAP_FIXED request has handed out, so a later data abort can tell a
// legitimate runtime arena from a stray pointer into ROM or the page
// tables.
const maxMmapSpans = 32

type mmapSpan struct {
	startVA, endVA uintptr
	inUse          bool
}

var mmapSpans [maxMmapSpans]mmapSpan

//go:nosplit
func registerMmapSpan(startVA, endVA uintptr) bool {
	for i := 0; i < maxMmapSpans; i++ {
		if !mmapSpans[i].inUse {
			mmapSpans[i] = mmapSpan{startVA: startVA, endVA: endVA, inUse: true}
			return true
		}
	}
	return false
}

//go:nosplit
func isInMmapSpan(va uintptr) bool {
	for i := 0; i < maxMmapSpans; i++ {
		if mmapSpans[i].inUse && va >= mmapSpans[i].startVA && va < mmapSpans[i].endVA {
			return true
		}
	}
	return false
}

// mmapBumpStart/End bound a fixed 2GB region reserved for no-hint mmap
// calls; the runtime's own arena/heap requests land here.
const (
	mmapBumpStart = uintptr(0x48000000)
	mmapBumpSize  = uintptr(0x80000000)
	mmapBumpEnd   = mmapBumpStart + mmapBumpSize
)

var mmapBumpNext = mmapBumpStart

//go:nosplit
func syscallMmap(addr uintptr, length uint64, flags int32) int64 {
	if length == 0 {
		return 0x1000 // dummy page-aligned, never dereferenced
	}

	const pageSize = 4096
	rounded := (length + pageSize - 1) &^ (pageSize - 1)

	const mapFixed = 0x10
	if (flags&mapFixed) != 0 && addr != 0 {
		if !registerMmapSpan(addr, addr+uintptr(rounded)) {
			return -12 // ENOMEM
		}
		return int64(addr)
	}

	if addr != 0 && (addr&0xFFF) == 0 && addr+uintptr(rounded) >= addr {
		if registerMmapSpan(addr, addr+uintptr(rounded)) {
			return int64(addr)
		}
	}

	allocAddr := mmapBumpNext
	end := allocAddr + uintptr(rounded)
	if end > mmapBumpEnd {
		return -12 // ENOMEM
	}
	mmapBumpNext = end
	registerMmapSpan(allocAddr, end)
	return int64(allocAddr)
}

// HandleSyscall is the Linux-syscall-emulation entry point SvcHandlerGo
// falls back to for any SVC that didn't come from an EL0 domain task
// (syscallNum is the syscall number, arg0-arg3 its first four arguments,
// matching the raw scalar-register calling convention the trap stub uses).
//
//go:nosplit
//go:noinline
func HandleSyscall(syscallNum, arg0, arg1, arg2, arg3 uint64) uint64 {
	switch syscallNum {
	case 64: // write
		return arg2 // pretend every byte was written

	case 63: // read
		return 0 // EOF

	case 56: // openat
		return ^uint64(1) // -ENOENT

	case 57: // close
		return 0

	case 93, 94: // exit, exit_group
		uartPutsDirect("\r\nEXIT: 0x")
		uartPutHex64Direct(arg0)
		uartPutsDirect("\r\n")
		for {
		}

	case 98: // futex
		return uint64(syscallFutex(unsafe.Pointer(uintptr(arg0)), int32(arg1), uint32(arg2)))

	case 99: // nanosleep
		return 0

	case 131: // tgkill
		return 0

	case 220: // clone
		return ^uint64(10) // -EAGAIN: can't create a new thread

	case 222: // mmap
		return uint64(syscallMmap(uintptr(arg0), arg1, int32(arg3)))

	case 226: // mprotect
		return 0

	case 233: // madvise
		return 0

	case 261: // prlimit64
		return 0

	case 278: // getrandom
		return 0

	default:
		uartPutsDirect("SYSCALL UNKNOWN: ")
		uartPutHex64Direct(syscallNum)
		uartPutsDirect("\r\n")
		return ^uint64(37) // -ENOSYS
	}
}
