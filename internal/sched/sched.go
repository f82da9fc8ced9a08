// Package sched wires the architected timer's tick into process
// selection and switching (spec §4.10, C12). Grounded directly on
// original_source/core/scheduler/scheduler.c: scheduler_init/start/stop
// and the timer-IRQ handler's save-downgrade-select-switch sequence are
// preserved, including scheduler.c's specific process-table scan order
// (lowest process id first, not a rotation from whichever task was
// current) rather than internal/task.Schedule's ring-walk rotation —
// the two are deliberately different selection strategies, matching
// the original's own task.c/scheduler.c split.
package sched

import (
	"github.com/fedi-nabli/synapsekernel/internal/gic"
	"github.com/fedi-nabli/synapsekernel/internal/kconfig"
	"github.com/fedi-nabli/synapsekernel/internal/kerr"
	"github.com/fedi-nabli/synapsekernel/internal/process"
	"github.com/fedi-nabli/synapsekernel/internal/task"
	"github.com/fedi-nabli/synapsekernel/internal/timer"
)

// Manager owns the timer, GIC, and the task/process managers it
// schedules across.
type Manager struct {
	timer *timer.Timer
	gic   *gic.Controller
	tasks *task.Manager
	procs *process.Manager

	running bool
}

// NewManager wires t, g, tm, and pm into a scheduler. Init/Start must
// be called before ticks are expected.
func NewManager(t *timer.Timer, g *gic.Controller, tm *task.Manager, pm *process.Manager) *Manager {
	return &Manager{timer: t, gic: g, tasks: tm, procs: pm}
}

// Init initializes the timer, which registers its IRQ handler with the
// GIC (scheduler_init). The scheduler's tick hook is installed later,
// by Start.
func (m *Manager) Init() error {
	return m.timer.Init()
}

// Start arms the timer at kconfig.SchedulerTicksMs, unmasks interrupts,
// marks the scheduler running, and switches to the first Ready task
// (scheduler_start). On failure to find a first task, only the timer's
// interrupt line is masked at the GIC and the scheduler is left
// stopped; the timer itself stays armed and the CPU's interrupt mask
// is not restored.
func (m *Manager) Start() error {
	m.timer.Enable(m.tick)
	m.running = true

	if err := m.tasks.RunFirstEverTask(); err != nil {
		m.running = false
		m.gic.Disable(kconfig.TimerIRQ)
		return err
	}

	return nil
}

// Stop masks the timer interrupt line and marks the scheduler stopped
// (scheduler_stop).
func (m *Manager) Stop() error {
	m.gic.Disable(kconfig.TimerIRQ)
	m.running = false
	return nil
}

// Running reports scheduler_is_running.
func (m *Manager) Running() bool {
	return m.running
}

// nextReadyProcess scans the process table from id 0 upward for the
// first process whose main task is Ready (task_schedule_next_process).
func (m *Manager) nextReadyProcess() (int, error) {
	for i := 0; i < m.procs.Capacity(); i++ {
		p, err := m.procs.Get(i)
		if err != nil {
			continue
		}
		if p.Task.State == task.Ready {
			return i, nil
		}
	}
	return 0, kerr.NotFound
}

// tick is the timer IRQ handler: if a task is running, downgrade it to
// Ready; select the next Ready process by table order; switch to it.
// With nothing else Ready, it leaves the running task in place rather
// than indexing a not-found process id (SPEC_FULL §12's redesigned
// idle path).
func (m *Manager) tick() {
	if !m.running {
		return
	}

	if cur, ok := m.tasks.Current(); ok && cur.State == task.Running {
		cur.State = task.Ready
	}

	nextPID, err := m.nextReadyProcess()
	if err != nil {
		return
	}

	m.procs.Switch(nextPID)
}
