// Package process implements the process table, per-process memory
// ownership, and argument passing (spec §3.3, §3.8, C11). Grounded
// directly on original_source/core/process/process.c and
// process_memory.c: the allocation table's find-free/record/clear
// cycle, the stack-zero-then-align-SP-to-16 task bring-up sequence,
// process_memory_verify's three-region membership check, and
// process_switch's save-current/install-next ordering are all
// preserved. process_management_init.c's kernel/user bring-up split
// lives in internal/sched and cmd/kernel instead, since it is really
// boot orchestration layered on top of this package.
package process

import (
	"unsafe"

	"github.com/fedi-nabli/synapsekernel/internal/arch"
	"github.com/fedi-nabli/synapsekernel/internal/heap"
	"github.com/fedi-nabli/synapsekernel/internal/kconfig"
	"github.com/fedi-nabli/synapsekernel/internal/kerr"
	"github.com/fedi-nabli/synapsekernel/internal/task"
)

// SPSR_EL1 value installed for every task this package creates:
// EL1h with Debug and SError masked and IRQ/FIQ unmasked. The C original used the same
// constant for both the kernel-id-0 and user-process branches, so
// there is nothing to distinguish here either.
const spsrEL1h = 0x305

type allocation struct {
	ptr  uintptr
	size uintptr
}

// argString is one argv entry, duplicated into kernel-heap-owned
// storage rather than kept as a Go string, mirroring process.c's
// kmalloc-and-strcpy ownership model (SPEC_FULL §12).
type argString struct {
	ptr uintptr
	len int
}

// Process is one process table entry (spec §3.3's struct process).
type Process struct {
	ID   int
	Name string

	Task *task.Task

	Code     uintptr
	CodeSize uintptr
	Stack    uintptr

	argv []argString

	allocations [kconfig.MaxAllocsPerProc]allocation
}

// Manager owns the process table, the heap processes allocate from,
// and the task manager their main tasks live in.
type Manager struct {
	heap  *heap.Heap
	tasks *task.Manager

	table   []*Process
	current int
}

// NewManager builds a table for up to kconfig.MaxProcesses processes,
// backed by h for all process-visible allocation and tm for task
// creation/switching.
func NewManager(h *heap.Heap, tm *task.Manager) *Manager {
	return &Manager{
		heap:    h,
		tasks:   tm,
		table:   make([]*Process, kconfig.MaxProcesses),
		current: -1,
	}
}

func (m *Manager) freeSlot() (int, error) {
	for i, p := range m.table {
		if p == nil {
			return i, nil
		}
	}
	return 0, kerr.AtMax
}

// Get looks up a process by id.
func (m *Manager) Get(id int) (*Process, error) {
	if id < 0 || id >= len(m.table) || m.table[id] == nil {
		return nil, kerr.NotFound
	}
	return m.table[id], nil
}

// Current returns the process owning the running task.
func (m *Manager) Current() (*Process, error) {
	return m.Get(m.current)
}

// Capacity reports the process table size (kconfig.MaxProcesses),
// letting callers scan the table by id without reaching into Manager's
// internals.
func (m *Manager) Capacity() int {
	return len(m.table)
}

func (m *Manager) findAllocSlot(p *Process) (int, error) {
	for i := range p.allocations {
		if p.allocations[i].ptr == 0 {
			return i, nil
		}
	}
	return 0, kerr.AtMax
}

// Malloc allocates size bytes from the kernel heap on p's behalf,
// recording the allocation so Terminate and MemoryUsage can account
// for it (process_malloc).
func (m *Manager) Malloc(p *Process, size uintptr) (uintptr, error) {
	if p == nil || size == 0 {
		return 0, kerr.InvalidArg
	}
	idx, err := m.findAllocSlot(p)
	if err != nil {
		return 0, err
	}
	ptr, err := m.heap.Malloc(size)
	if err != nil {
		return 0, err
	}
	p.allocations[idx] = allocation{ptr: ptr, size: size}
	return ptr, nil
}

// Free releases a process-owned allocation previously returned by
// Malloc (process_free). Freeing an address p did not allocate fails
// InvalidArg.
func (m *Manager) Free(p *Process, ptr uintptr) error {
	if p == nil || ptr == 0 {
		return kerr.InvalidArg
	}
	for i := range p.allocations {
		if p.allocations[i].ptr == ptr {
			if err := m.heap.Free(ptr); err != nil {
				return err
			}
			p.allocations[i] = allocation{}
			return nil
		}
	}
	return kerr.InvalidArg
}

// MemoryUsage sums p's code size plus every live allocation
// (process_get_memory_usage).
func (m *Manager) MemoryUsage(p *Process) uintptr {
	if p == nil {
		return 0
	}
	total := p.CodeSize
	for _, a := range p.allocations {
		total += a.size
	}
	return total
}

func within(addr, size, regionStart, regionSize uintptr) bool {
	if regionSize == 0 {
		return false
	}
	end := addr + size - 1
	return addr >= regionStart && end <= regionStart+regionSize-1
}

// MemoryVerify reports whether [addr, addr+size) lies entirely within
// p's stack, code, or a live allocation — the address-space membership
// check process_memory_verify performs in place of MMU-enforced
// isolation for user tasks.
func (m *Manager) MemoryVerify(p *Process, addr, size uintptr) bool {
	if p == nil || addr == 0 || size == 0 {
		return false
	}
	if within(addr, size, p.Stack, kconfig.ProcessStackSize) {
		return true
	}
	if within(addr, size, p.Code, p.CodeSize) {
		return true
	}
	for _, a := range p.allocations {
		if within(addr, size, a.ptr, a.size) {
			return true
		}
	}
	return false
}

func copyToPhys(dst uintptr, src []byte) {
	if len(src) == 0 {
		return
	}
	d := unsafe.Slice((*byte)(unsafe.Pointer(dst)), len(src))
	copy(d, src)
}

func readFromPhys(src uintptr, n int) []byte {
	if n == 0 {
		return nil
	}
	s := unsafe.Slice((*byte)(unsafe.Pointer(src)), n)
	out := make([]byte, n)
	copy(out, s)
	return out
}

func alignDown16(v uintptr) uintptr { return v &^ 15 }

// Create allocates a process table slot, a zeroed stack, a heap-owned
// copy of program (instruction-cache-flushed so the CPU observes the
// freshly written code), and a Ready main task whose PC/SP/X30/SPSR
// are primed exactly as process_create_task programs them.
// returnHandler is the address a task's X30 is seeded with if it ever
// returns from its entry point (process_return_handler).
func (m *Manager) Create(name string, program []byte, priority task.Priority, returnHandler uintptr) (*Process, error) {
	if name == "" || len(program) == 0 {
		return nil, kerr.InvalidArg
	}

	slot, err := m.freeSlot()
	if err != nil {
		return nil, err
	}

	p := &Process{ID: slot, Name: name}

	// Stack and code are allocated through Malloc, not m.heap.Malloc
	// directly, so they land in p.allocations[] alongside every other
	// process_malloc caller: process_allocate_stack does the same in
	// the original, and it is what lets Terminate free everything by
	// walking one table instead of tracking special cases.
	stack, err := m.Malloc(p, kconfig.ProcessStackSize)
	if err != nil {
		return nil, err
	}
	arch.Zero(unsafe.Pointer(stack), kconfig.ProcessStackSize)
	p.Stack = stack

	code, err := m.Malloc(p, uintptr(len(program)))
	if err != nil {
		m.Free(p, stack)
		return nil, err
	}
	copyToPhys(code, program)
	arch.FlushICacheRange(code, uintptr(len(program)))
	p.Code = code
	p.CodeSize = uintptr(len(program))

	t, err := m.tasks.New(priority, slot)
	if err != nil {
		m.Free(p, code)
		m.Free(p, stack)
		return nil, err
	}

	t.Regs.PC = uint64(code)
	t.Regs.SP = uint64(alignDown16(stack + kconfig.ProcessStackSize))
	t.Regs.X[30] = uint64(returnHandler)
	t.Regs.SPSR = spsrEL1h
	t.State = task.Ready
	p.Task = t

	m.table[slot] = p
	return p, nil
}

// Switch saves the currently running task's context (if any), installs
// id as current, and switches the CPU to its main task (process_switch).
func (m *Manager) Switch(id int) error {
	p, err := m.Get(id)
	if err != nil {
		return err
	}
	if _, err := m.Current(); err == nil {
		if err := m.tasks.CurrentSaveState(); err != nil {
			return err
		}
	}
	m.current = id
	return m.tasks.Switch(p.Task)
}

// Terminate frees every live allocation and owned argv string, frees
// the main task, and clears the table slot (process_terminate). Stack
// and Code are allocated through Malloc in Create, so they are among
// the allocations this loop frees; nothing about them needs special
// handling here.
func (m *Manager) Terminate(id int) error {
	p, err := m.Get(id)
	if err != nil {
		return err
	}

	for i := range p.allocations {
		if p.allocations[i].ptr != 0 {
			m.heap.Free(p.allocations[i].ptr)
			p.allocations[i] = allocation{}
		}
	}

	for _, a := range p.argv {
		if a.ptr != 0 {
			m.heap.Free(a.ptr)
		}
	}
	p.argv = nil

	if err := m.tasks.Free(p.Task); err != nil {
		return err
	}

	m.table[id] = nil
	if m.current == id {
		m.current = -1
	}
	return nil
}

// SetArguments replaces p's argument vector, freeing any previously
// owned strings first and duplicating each new argument byte-for-byte
// into a fresh heap allocation (process_set_arguments).
func (m *Manager) SetArguments(p *Process, argv []string) error {
	if p == nil {
		return kerr.InvalidArg
	}

	for _, a := range p.argv {
		if a.ptr != 0 {
			m.heap.Free(a.ptr)
		}
	}
	p.argv = nil

	if len(argv) == 0 {
		return nil
	}

	owned := make([]argString, 0, len(argv))
	for _, s := range argv {
		// One byte beyond the string for a NUL, so "" still gets storage.
		ptr, err := m.heap.Malloc(uintptr(len(s)) + 1)
		if err != nil {
			for _, o := range owned {
				m.heap.Free(o.ptr)
			}
			return err
		}
		copyToPhys(ptr, []byte(s))
		owned = append(owned, argString{ptr: ptr, len: len(s)})
	}
	p.argv = owned
	return nil
}

// GetArguments copies p's argument vector back out as Go strings
// (process_get_arguments).
func (m *Manager) GetArguments(p *Process) ([]string, error) {
	if p == nil {
		return nil, kerr.InvalidArg
	}
	out := make([]string, len(p.argv))
	for i, a := range p.argv {
		out[i] = string(readFromPhys(a.ptr, a.len))
	}
	return out, nil
}
