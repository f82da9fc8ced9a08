// Package task implements the task ring and context switch (spec
// §3.1, §4.8, C10): a single circular doubly-linked list of tasks,
// round-robin scheduling, and register-frame save/restore via
// internal/arch's context-switch primitives. Grounded directly on
// original_source/core/task/task.c — task_new/task_free's circular
// list maintenance, task_switch's SP/PC validation, and
// task_schedule/task_run_first_ever_task's ready-task search are all
// carried over unchanged in shape.
//
// The C original links tasks through raw struct pointers the kernel
// heap owns; here the ring lives in a fixed-capacity arena addressed by
// index instead, so task_free's "release storage" step can't leave a
// dangling pointer for Go's GC to trip over.
package task

import (
	"unsafe"

	"github.com/fedi-nabli/synapsekernel/internal/arch"
	"github.com/fedi-nabli/synapsekernel/internal/kerr"
)

// State is a task's lifecycle stage (spec §3.1).
type State uint8

const (
	New State = iota
	Ready
	Running
	Blocked
	Finished
)

// Priority is advisory; the scheduler (C12) does not use it to bias
// selection, matching original_source's scheduler.c.
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// Registers is the saved register frame: X0-X30, SP, PC (ELR_EL1), and
// SPSR_EL1 (spec §3.1, §3.7).
type Registers struct {
	X    [31]uint64
	SP   uint64
	PC   uint64
	SPSR uint64
}

// Task is one entry in the ring. ProcessID is a back-reference into
// internal/process's table; -1 means no owning process.
type Task struct {
	ID        uint64
	State     State
	Priority  Priority
	Regs      Registers
	ProcessID int

	next, prev int
	inUse      bool
}

// ContextSwitcher performs the two raw register-frame operations a
// live switch needs. The hardware implementation wraps internal/arch's
// save/restore primitives; Restore executes a real ERET on target
// hardware and never returns. Tests (in this package and in
// internal/process and internal/sched, which drive a Manager
// end-to-end) substitute NewFakeContextSwitcher, since there is no way
// to safely exercise a real ERET from a hosted test binary (the same
// constraint that keeps internal/mmu's Init/Enable and internal/uart
// untested).
type ContextSwitcher interface {
	Save(r *Registers)
	Restore(r *Registers)
}

type hardwareSwitcher struct{}

func (hardwareSwitcher) Save(r *Registers)    { arch.TaskSaveContext(unsafe.Pointer(r)) }
func (hardwareSwitcher) Restore(r *Registers) { arch.TaskRestoreContext(unsafe.Pointer(r)) }

// FakeContextSwitcher records Save/Restore calls instead of touching
// real system registers.
type FakeContextSwitcher struct {
	Saved    int
	Restored int
}

// NewFakeContextSwitcher builds a FakeContextSwitcher ready to install
// with Manager.SetContextSwitcher.
func NewFakeContextSwitcher() *FakeContextSwitcher { return &FakeContextSwitcher{} }

func (f *FakeContextSwitcher) Save(r *Registers)    { f.Saved++ }
func (f *FakeContextSwitcher) Restore(r *Registers) { f.Restored++ }

// Manager owns a fixed-capacity task arena and the ring's head/current
// pointers (as arena indices; -1 is the nil sentinel).
type Manager struct {
	tasks  []Task
	head   int
	curIdx int
	nextID uint64
	ctx    ContextSwitcher
}

// NewManager allocates an arena for up to capacity tasks.
func NewManager(capacity int) *Manager {
	tasks := make([]Task, capacity)
	for i := range tasks {
		tasks[i].next, tasks[i].prev = -1, -1
	}
	return &Manager{tasks: tasks, head: -1, curIdx: -1, ctx: hardwareSwitcher{}}
}

// SetContextSwitcher installs cs in place of the default hardware
// switcher. Production callers never need this; it exists so packages
// layered on Manager (internal/process, internal/sched) can be driven
// end-to-end in tests without executing a real ERET.
func (m *Manager) SetContextSwitcher(cs ContextSwitcher) {
	m.ctx = cs
}

func (m *Manager) freeSlot() (int, error) {
	for i := range m.tasks {
		if !m.tasks[i].inUse {
			return i, nil
		}
	}
	return 0, kerr.AtMax
}

// idx recovers t's arena position from its address. Valid only for
// pointers obtained from this Manager's arena.
func (m *Manager) idx(t *Task) int {
	base := uintptr(unsafe.Pointer(&m.tasks[0]))
	off := uintptr(unsafe.Pointer(t)) - base
	return int(off / unsafe.Sizeof(Task{}))
}

// Current returns the running task, if any.
func (m *Manager) Current() (*Task, bool) {
	if m.curIdx < 0 {
		return nil, false
	}
	return &m.tasks[m.curIdx], true
}

// New allocates a task at State New with the given priority, linking it
// at the tail of the ring (= head.prev), exactly as task_new does.
func (m *Manager) New(priority Priority, processID int) (*Task, error) {
	idx, err := m.freeSlot()
	if err != nil {
		return nil, err
	}

	t := &m.tasks[idx]
	*t = Task{
		ID:        m.nextID,
		State:     New,
		Priority:  priority,
		ProcessID: processID,
		inUse:     true,
		next:      idx,
		prev:      idx,
	}
	m.nextID++

	if m.head == -1 {
		m.head = idx
	} else {
		tailIdx := m.tasks[m.head].prev
		t.next = m.head
		t.prev = tailIdx
		m.tasks[tailIdx].next = idx
		m.tasks[m.head].prev = idx
	}

	return t, nil
}

// Free unlinks t from the ring, updates head/current as needed, and
// releases its arena slot.
func (m *Manager) Free(t *Task) error {
	if t == nil {
		return kerr.InvalidArg
	}
	i := m.idx(t)

	if t.next == i && t.prev == i {
		if m.head == i {
			m.head = -1
		}
	} else {
		if m.head == i {
			m.head = t.next
		}
		m.tasks[t.prev].next = t.next
		m.tasks[t.next].prev = t.prev
	}

	if m.curIdx == i {
		m.curIdx = -1
	}

	m.tasks[i] = Task{next: -1, prev: -1}
	return nil
}

// SaveState copies frame into t's register bank field by field
// (task_save_state).
func (t *Task) SaveState(frame *Registers) error {
	if t == nil || frame == nil {
		return kerr.InvalidArg
	}
	t.Regs = *frame
	return nil
}

// CurrentSaveState serializes the live register bank into the current
// task's frame via the architecture primitive.
func (m *Manager) CurrentSaveState() error {
	cur, ok := m.Current()
	if !ok {
		return kerr.InvalidArg
	}
	m.ctx.Save(&cur.Regs)
	return nil
}

// Switch validates SP/PC are nonzero, marks t Running and current, and
// restores its context. It does not return on success.
func (m *Manager) Switch(t *Task) error {
	if t == nil {
		return kerr.InvalidArg
	}
	if t.Regs.SP == 0 || t.Regs.PC == 0 {
		return kerr.Fault
	}
	m.curIdx = m.idx(t)
	t.State = Running
	m.ctx.Restore(&t.Regs)
	return kerr.Fault // unreachable on success
}

// Schedule starts from current.next and walks the ring for the next
// Ready task; if none is found and current is still Running, it
// returns success without switching (spec §4.8).
func (m *Manager) Schedule() error {
	if m.head == -1 {
		return kerr.NoTask
	}
	if m.curIdx == -1 {
		return m.RunFirstEverTask()
	}

	cur := &m.tasks[m.curIdx]
	nextIdx := cur.next
	startIdx := nextIdx
	for {
		if m.tasks[nextIdx].State == Ready {
			return m.Switch(&m.tasks[nextIdx])
		}
		nextIdx = m.tasks[nextIdx].next
		if nextIdx == startIdx {
			if cur.State == Running {
				return nil
			}
			return kerr.NoTask
		}
	}
}

// RunFirstEverTask walks from head to the first Ready task and
// switches to it.
func (m *Manager) RunFirstEverTask() error {
	if m.head == -1 {
		return kerr.NoTask
	}
	i := m.head
	for {
		if m.tasks[i].State == Ready {
			return m.Switch(&m.tasks[i])
		}
		i = m.tasks[i].next
		if i == m.head {
			return kerr.NoTask
		}
	}
}

// Return transitions the current task Running->Finished and
// schedules the next one.
func (m *Manager) Return() error {
	cur, ok := m.Current()
	if !ok {
		return kerr.InvalidArg
	}
	cur.State = Finished
	return m.Schedule()
}

// Block transitions the current task Running->Blocked and schedules
// the next one.
func (m *Manager) Block() error {
	cur, ok := m.Current()
	if !ok {
		return kerr.InvalidArg
	}
	cur.State = Blocked
	return m.Schedule()
}

// Unblock transitions t Blocked->Ready. No-op for any other state.
func (m *Manager) Unblock(t *Task) error {
	if t == nil {
		return kerr.InvalidArg
	}
	if t.State == Blocked {
		t.State = Ready
	}
	return nil
}
