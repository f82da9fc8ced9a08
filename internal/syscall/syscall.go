// Package syscall implements the SVC dispatch table (spec §3.8, §4.11,
// C9): a fixed six-entry table of handlers reached from the EL0/EL1
// SVC trap, grounded directly on original_source's core/interrupts/
// syscall.c (the handler table and syscall_handler's bounds check) and
// svc.c (svc_c_handler's x0=number, x1-x4=argument convention). The
// teacher's cmd/kernel/syscall.go implements a different, unrelated
// concern entirely: the Linux syscall surface (mmap, futex, openat,
// clock_gettime) the hosted Go runtime itself needs to boot on bare
// metal. None of that belongs to this table and none of it is carried
// over here; this package is the kernel's own six-call ABI for the
// tasks it runs, not a hosted-runtime shim.
package syscall

import (
	"unsafe"

	"github.com/fedi-nabli/synapsekernel/internal/kerr"
	"github.com/fedi-nabli/synapsekernel/internal/process"
	"github.com/fedi-nabli/synapsekernel/internal/task"
	"github.com/fedi-nabli/synapsekernel/internal/uart"
)

// Syscall numbers, matching original_source's SYSCALL_* table exactly.
const (
	ProcessExit    = 0
	ProcessMalloc  = 1
	ProcessFree    = 2
	ProcessGetArgs = 3
	PrintChar      = 4
	PrintString    = 5
	Max            = 6
)

// ecSVC64 is ESR_EL1's Exception Class value for an SVC instruction
// executed in AArch64 state (ARM DDI 0487, EC 0x15).
const ecSVC64 = 0b010101

// Handler services one syscall number. arg1-arg4 come from X1-X4 of
// the trapping frame; the return value is written back into X0.
type Handler func(arg1, arg2, arg3, arg4 uint64) (uint64, error)

// Manager owns the dispatch table and the subsystems its built-in
// handlers call into.
type Manager struct {
	table [Max]Handler
	procs *process.Manager
	tasks *task.Manager
	uart  uart.Sink
}

// NewManager builds a Manager; call Init to populate the table before
// dispatching.
func NewManager(procs *process.Manager, tasks *task.Manager, sink uart.Sink) *Manager {
	return &Manager{procs: procs, tasks: tasks, uart: sink}
}

// Init registers the six built-in handlers (syscall_init's table
// population).
func (m *Manager) Init() error {
	m.table[ProcessExit] = m.processExit
	m.table[ProcessMalloc] = m.processMalloc
	m.table[ProcessFree] = m.processFree
	m.table[ProcessGetArgs] = m.processGetArgs
	m.table[PrintChar] = m.printChar
	m.table[PrintString] = m.printString
	return nil
}

// Dispatch validates num is in range and registered, then invokes its
// handler (syscall_handler's bounds check plus table lookup).
func (m *Manager) Dispatch(num int, arg1, arg2, arg3, arg4 uint64) (uint64, error) {
	if num < 0 || num >= Max || m.table[num] == nil {
		return 0, kerr.BadSyscall
	}
	return m.table[num](arg1, arg2, arg3, arg4)
}

// Handle services a trapped SVC exception: if esr's Exception Class is
// not an AArch64 SVC, it is not this package's concern and Handle
// returns kerr.InvalidArg for the caller to route elsewhere. Otherwise
// it reads the syscall number and arguments from frame (X0-X4,
// svc_c_handler's convention) and writes the result back into X0.
func (m *Manager) Handle(esr uint64, frame *task.Registers) error {
	ec := (esr >> 26) & 0x3F
	if ec != ecSVC64 {
		return kerr.InvalidArg
	}

	num := int(frame.X[0])
	result, err := m.Dispatch(num, frame.X[1], frame.X[2], frame.X[3], frame.X[4])
	if err != nil {
		frame.X[0] = uint64(int64(err.(kerr.Errno)))
		return err
	}
	frame.X[0] = result
	return nil
}

// processExit terminates the calling process and schedules the next
// one, mirroring syscall_process_exit. On the success path this never
// returns to the caller: the task that made the call is gone and
// Schedule installs a different one. kerr.Fault surfaces as the
// designed "unreachable" sentinel from task.Manager.Switch.
func (m *Manager) processExit(exitCode, _, _, _ uint64) (uint64, error) {
	if p, err := m.procs.Current(); err == nil {
		m.procs.Terminate(p.ID)
	}
	return 0, m.tasks.Schedule()
}

// processMalloc allocates size bytes from the calling process's heap
// share and returns the pointer, or 0 if there is no current process
// or size is zero (syscall_process_malloc treats both as failure
// rather than an error).
func (m *Manager) processMalloc(size, _, _, _ uint64) (uint64, error) {
	p, err := m.procs.Current()
	if err != nil || size == 0 {
		return 0, nil
	}
	ptr, err := m.procs.Malloc(p, uintptr(size))
	if err != nil {
		return 0, nil
	}
	return uint64(ptr), nil
}

// processFree releases a pointer previously returned by processMalloc.
func (m *Manager) processFree(ptr, _, _, _ uint64) (uint64, error) {
	p, err := m.procs.Current()
	if err != nil || ptr == 0 {
		return 0, kerr.InvalidArg
	}
	if err := m.procs.Free(p, uintptr(ptr)); err != nil {
		return 0, err
	}
	return 0, nil
}

// processGetArgs copies the calling process's argument count into
// argcPtr and, if argvPtr is nonzero, deep-copies the argument strings
// (via internal/process's heap-owned storage) into the buffer at
// argvPtr, laid out by writeArgv: an argc-entry pointer table followed
// by the strings, so the caller's buffer must hold argc*8 bytes plus
// every string and its NUL terminator. Callers that only want the
// count pass argvPtr as 0.
func (m *Manager) processGetArgs(argcPtr, argvPtr, _, _ uint64) (uint64, error) {
	p, err := m.procs.Current()
	if err != nil {
		return 0, kerr.InvalidArg
	}

	argv, err := m.procs.GetArguments(p)
	if err != nil {
		return 0, err
	}

	if argcPtr != 0 {
		*(*int64)(unsafe.Pointer(uintptr(argcPtr))) = int64(len(argv))
	}
	if argvPtr != 0 {
		writeArgv(uintptr(argvPtr), argv)
	}
	return 0, nil
}

// writeArgv writes a [len(argv)]uintptr pointer table at dst and lays
// out argv's strings back-to-back, null-terminated, right after that
// table, with each table entry holding its string's address -- the same
// two-level argc/argv shape original_source's process_arguments uses.
func writeArgv(dst uintptr, argv []string) {
	table := dst
	data := dst + uintptr(len(argv))*unsafe.Sizeof(uintptr(0))
	for _, s := range argv {
		*(*uintptr)(unsafe.Pointer(table)) = data
		for i := 0; i < len(s); i++ {
			*(*byte)(unsafe.Pointer(data)) = s[i]
			data++
		}
		*(*byte)(unsafe.Pointer(data)) = 0
		data++
		table += unsafe.Sizeof(uintptr(0))
	}
}

// readCString reads a NUL-terminated byte string starting at ptr.
func readCString(ptr uintptr) string {
	n := 0
	for *(*byte)(unsafe.Pointer(ptr + uintptr(n))) != 0 {
		n++
	}
	buf := make([]byte, n)
	for i := 0; i < n; i++ {
		buf[i] = *(*byte)(unsafe.Pointer(ptr + uintptr(i)))
	}
	return string(buf)
}

// printChar writes a single character to the diagnostic UART.
func (m *Manager) printChar(c, _, _, _ uint64) (uint64, error) {
	m.uart.PutByte(byte(c))
	return 0, nil
}

// printString writes a null-terminated string, read directly out of
// the calling process's (kernel-mapped) memory, to the diagnostic
// UART.
func (m *Manager) printString(strPtr, _, _, _ uint64) (uint64, error) {
	if strPtr == 0 {
		return 0, kerr.InvalidArg
	}
	m.uart.PutString(readCString(uintptr(strPtr)))
	return 0, nil
}
