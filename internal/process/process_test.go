package process_test

import (
	"testing"
	"unsafe"

	"github.com/fedi-nabli/synapsekernel/internal/heap"
	"github.com/fedi-nabli/synapsekernel/internal/kconfig"
	"github.com/fedi-nabli/synapsekernel/internal/kerr"
	"github.com/fedi-nabli/synapsekernel/internal/process"
	"github.com/fedi-nabli/synapsekernel/internal/task"
)

// newBackedHeap carves a block-aligned heap out of a real Go-owned
// buffer so Create's icache-flush and zero-fill writes land on
// addressable memory instead of a synthetic offset, unlike the
// pure bookkeeping tests in internal/heap.
func newBackedHeap(t *testing.T, blocks uintptr) *heap.Heap {
	t.Helper()
	const blockSize = uintptr(kconfig.KernelHeapBlockSize)

	raw := make([]byte, (blocks+2)*blockSize)
	base := uintptr(unsafe.Pointer(&raw[0]))
	aligned := (base + blockSize - 1) &^ (blockSize - 1)

	l := heap.Layout{
		TableAddr:  aligned,
		StartAddr:  aligned + blockSize,
		EndAddr:    aligned + blockSize + blocks*blockSize,
		TotalSize:  blocks * blockSize,
		NumEntries: blocks,
	}
	h, err := heap.New(l)
	if err != nil {
		t.Fatalf("heap.New: %v", err)
	}
	return h
}

func newManager(t *testing.T) *process.Manager {
	t.Helper()
	h := newBackedHeap(t, 64)
	tm := task.NewManager(8)
	tm.SetContextSwitcher(task.NewFakeContextSwitcher())
	return process.NewManager(h, tm)
}

func TestCreateProgramsTaskRegisters(t *testing.T) {
	m := newManager(t)
	program := []byte{0xE0, 0x03, 0x1F, 0xAA} // arbitrary instruction bytes

	p, err := m.Create("init", program, task.PriorityNormal, 0xDEAD0000)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if p.Task.State != task.Ready {
		t.Fatalf("task state = %v, want Ready", p.Task.State)
	}
	if p.Task.Regs.PC != uint64(p.Code) {
		t.Fatalf("PC = %#x, want code address %#x", p.Task.Regs.PC, p.Code)
	}
	if p.Task.Regs.SP%16 != 0 || p.Task.Regs.SP == 0 {
		t.Fatalf("SP = %#x, want nonzero 16-byte aligned", p.Task.Regs.SP)
	}
	if p.Task.Regs.X[30] != 0xDEAD0000 {
		t.Fatalf("X30 = %#x, want return handler address", p.Task.Regs.X[30])
	}
}

func TestCreateRejectsEmptyProgram(t *testing.T) {
	m := newManager(t)
	if _, err := m.Create("empty", nil, task.PriorityNormal, 0); err != kerr.InvalidArg {
		t.Fatalf("err = %v, want InvalidArg", err)
	}
}

func TestMallocFreeTracksAllocations(t *testing.T) {
	m := newManager(t)
	p, err := m.Create("proc", []byte{0x01}, task.PriorityNormal, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	before := m.MemoryUsage(p)
	ptr, err := m.Malloc(p, 128)
	if err != nil {
		t.Fatalf("Malloc: %v", err)
	}
	if got := m.MemoryUsage(p); got != before+128 {
		t.Fatalf("MemoryUsage = %d, want %d", got, before+128)
	}
	if !m.MemoryVerify(p, ptr, 128) {
		t.Fatal("MemoryVerify should report the fresh allocation as owned")
	}

	if err := m.Free(p, ptr); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if got := m.MemoryUsage(p); got != before {
		t.Fatalf("MemoryUsage after Free = %d, want %d", got, before)
	}
}

func TestFreeRejectsForeignPointer(t *testing.T) {
	m := newManager(t)
	p, err := m.Create("proc", []byte{0x01}, task.PriorityNormal, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Free(p, 0x1234); err != kerr.InvalidArg {
		t.Fatalf("err = %v, want InvalidArg", err)
	}
}

func TestMemoryVerifyRejectsOutsideAddress(t *testing.T) {
	m := newManager(t)
	p, err := m.Create("proc", []byte{0x01}, task.PriorityNormal, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if m.MemoryVerify(p, 0x1, 16) {
		t.Fatal("MemoryVerify should reject an address outside any owned region")
	}
}

func TestSetGetArgumentsRoundTrips(t *testing.T) {
	m := newManager(t)
	p, err := m.Create("proc", []byte{0x01}, task.PriorityNormal, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	want := []string{"init", "--verbose", ""}
	if err := m.SetArguments(p, want); err != nil {
		t.Fatalf("SetArguments: %v", err)
	}
	got, err := m.GetArguments(p)
	if err != nil {
		t.Fatalf("GetArguments: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("len(got) = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("argv[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSetArgumentsReplacesPriorOwnership(t *testing.T) {
	m := newManager(t)
	p, err := m.Create("proc", []byte{0x01}, task.PriorityNormal, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := m.SetArguments(p, []string{"a", "b", "c"}); err != nil {
		t.Fatalf("SetArguments: %v", err)
	}
	if err := m.SetArguments(p, []string{"only"}); err != nil {
		t.Fatalf("SetArguments (replace): %v", err)
	}
	got, err := m.GetArguments(p)
	if err != nil {
		t.Fatalf("GetArguments: %v", err)
	}
	if len(got) != 1 || got[0] != "only" {
		t.Fatalf("got = %v, want [only]", got)
	}
}

func TestTerminateFreesAllocationsAndTask(t *testing.T) {
	m := newManager(t)
	p, err := m.Create("proc", []byte{0x01}, task.PriorityNormal, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := m.Malloc(p, 64); err != nil {
		t.Fatalf("Malloc: %v", err)
	}

	if err := m.Terminate(p.ID); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if _, err := m.Get(p.ID); err != kerr.NotFound {
		t.Fatalf("Get after Terminate = %v, want NotFound", err)
	}
}

func TestTerminateReturnsHeapToBaseline(t *testing.T) {
	h := newBackedHeap(t, 64)
	tm := task.NewManager(8)
	tm.SetContextSwitcher(task.NewFakeContextSwitcher())
	m := process.NewManager(h, tm)

	baseline := h.Stats().FreeBlocks

	p, err := m.Create("proc", []byte{0x01, 0x02, 0x03, 0x04}, task.PriorityNormal, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := m.Malloc(p, 64); err != nil {
		t.Fatalf("Malloc: %v", err)
	}
	if h.Stats().FreeBlocks >= baseline {
		t.Fatal("Create+Malloc should have consumed free blocks")
	}

	if err := m.Terminate(p.ID); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if got := h.Stats().FreeBlocks; got != baseline {
		t.Fatalf("FreeBlocks after Terminate = %d, want baseline %d (stack/code leaked)", got, baseline)
	}
}

// process.Manager.Switch ultimately calls arch.TaskRestoreContext,
// which executes a real ERET on target hardware and cannot run in a
// hosted test binary (the same constraint that keeps mmu.Init/Enable
// and uart untested here). It is not tested in this file; the sched and
// syscall tests drive it with task.FakeContextSwitcher installed in
// place of the real restore.
