package task

import (
	"testing"

	"github.com/fedi-nabli/synapsekernel/internal/kerr"
)

func newTestManager(capacity int) (*Manager, *FakeContextSwitcher) {
	m := NewManager(capacity)
	f := NewFakeContextSwitcher()
	m.SetContextSwitcher(f)
	return m, f
}

func readyTask(m *Manager, t *testing.T) *Task {
	t.Helper()
	tk, err := m.New(PriorityNormal, -1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tk.State = Ready
	tk.Regs.SP = 0x4000_0000
	tk.Regs.PC = 0x4000_1000
	return tk
}

func TestNewAppendsAtRingTail(t *testing.T) {
	m, _ := newTestManager(4)
	a := readyTask(m, t)
	b := readyTask(m, t)

	if a.next != m.idx(b) || b.prev != m.idx(a) {
		t.Fatalf("b not linked after a: a.next=%d b.prev=%d", a.next, b.prev)
	}
	if b.next != m.idx(a) || a.prev != m.idx(b) {
		t.Fatalf("ring not closed: b.next=%d a.prev=%d", b.next, a.prev)
	}
}

func TestFreeSingleTaskEmptiesRing(t *testing.T) {
	m, _ := newTestManager(4)
	a := readyTask(m, t)

	if err := m.Free(a); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if m.head != -1 {
		t.Fatalf("head = %d, want -1 after freeing the only task", m.head)
	}
}

func TestFreeHeadAdvancesHead(t *testing.T) {
	m, _ := newTestManager(4)
	a := readyTask(m, t)
	b := readyTask(m, t)

	if err := m.Free(a); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if m.head != m.idx(b) {
		t.Fatalf("head = %d, want %d", m.head, m.idx(b))
	}
	if b.next != m.idx(b) || b.prev != m.idx(b) {
		t.Fatal("remaining single task must point to itself")
	}
}

func TestFreeMiddleTaskUnlinksCorrectly(t *testing.T) {
	m, _ := newTestManager(4)
	a := readyTask(m, t)
	b := readyTask(m, t)
	c := readyTask(m, t)

	if err := m.Free(b); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if a.next != m.idx(c) || c.prev != m.idx(a) {
		t.Fatalf("a/c not relinked: a.next=%d c.prev=%d", a.next, c.prev)
	}
}

func TestSwitchRejectsZeroSPOrPC(t *testing.T) {
	m, f := newTestManager(2)
	tk, err := m.New(PriorityNormal, -1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Switch(tk); err != kerr.Fault {
		t.Fatalf("Switch with zero SP/PC = %v, want Fault", err)
	}
	if f.Restored != 0 {
		t.Fatal("Switch must not reach the restore path with an invalid frame")
	}
}

func TestScheduleWithNoTasksFails(t *testing.T) {
	m, _ := newTestManager(2)
	if err := m.Schedule(); err != kerr.NoTask {
		t.Fatalf("Schedule on empty ring = %v, want NoTask", err)
	}
}

func TestScheduleRoundRobinOrder(t *testing.T) {
	m, f := newTestManager(4)
	a := readyTask(m, t)
	b := readyTask(m, t)

	m.curIdx = m.idx(a)
	a.State = Running

	if err := m.Schedule(); err != kerr.Fault {
		t.Fatalf("Schedule = %v, want the fake restore sentinel", err)
	}
	if f.Restored != 1 {
		t.Fatalf("restored = %d, want 1", f.Restored)
	}
	cur, _ := m.Current()
	if cur != b {
		t.Fatalf("Schedule picked task %d, want b", cur.ID)
	}
	if cur.State != Running {
		t.Fatalf("b.State = %v, want Running", cur.State)
	}
}

func TestScheduleSucceedsWithoutSwitchWhenNoOtherReady(t *testing.T) {
	m, f := newTestManager(4)
	a := readyTask(m, t)
	b := readyTask(m, t)
	b.State = Blocked

	m.curIdx = m.idx(a)
	a.State = Running

	if err := m.Schedule(); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if f.Restored != 0 {
		t.Fatal("Schedule must not switch when the only ready task is already current")
	}
	cur, _ := m.Current()
	if cur != a {
		t.Fatalf("Schedule switched away from still-running sole-ready task: got %d", cur.ID)
	}
}

func TestScheduleFailsWhenCurrentNotRunningAndNoneReady(t *testing.T) {
	m, _ := newTestManager(4)
	a := readyTask(m, t)
	b := readyTask(m, t)
	b.State = Blocked

	m.curIdx = m.idx(a)
	a.State = Blocked

	if err := m.Schedule(); err != kerr.NoTask {
		t.Fatalf("Schedule = %v, want NoTask", err)
	}
}

func TestBlockAndUnblock(t *testing.T) {
	m, _ := newTestManager(4)
	a := readyTask(m, t)
	b := readyTask(m, t)

	m.curIdx = m.idx(a)
	a.State = Running

	if err := m.Block(); err != kerr.Fault {
		t.Fatalf("Block = %v, want the fake restore sentinel", err)
	}
	if a.State != Blocked {
		t.Fatalf("a.State = %v, want Blocked", a.State)
	}
	cur, _ := m.Current()
	if cur != b {
		t.Fatalf("Block did not schedule b next, got %d", cur.ID)
	}

	if err := m.Unblock(a); err != nil {
		t.Fatalf("Unblock: %v", err)
	}
	if a.State != Ready {
		t.Fatalf("a.State = %v, want Ready after Unblock", a.State)
	}
}

func TestReturnMarksFinishedAndSchedules(t *testing.T) {
	m, _ := newTestManager(4)
	a := readyTask(m, t)
	b := readyTask(m, t)

	m.curIdx = m.idx(a)
	a.State = Running

	if err := m.Return(); err != kerr.Fault {
		t.Fatalf("Return = %v, want the fake restore sentinel", err)
	}
	if a.State != Finished {
		t.Fatalf("a.State = %v, want Finished", a.State)
	}
	cur, _ := m.Current()
	if cur != b {
		t.Fatalf("Return did not schedule b next, got %d", cur.ID)
	}
}
