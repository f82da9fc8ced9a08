// Package timer drives the architected EL0 physical timer (spec §4.6,
// C8): CNTPCT_EL0/CNTFRQ_EL0/CNTP_CVAL_EL0/CNTP_CTL_EL0, PPI 30.
// Grounded on the teacher's timer_qemu.go for the control-register bit
// layout and the register/enable-with-GIC sequence, switched from that
// file's TVAL-countdown virtual-timer experiment to spec §4.6's
// CVAL-compare physical timer and its tick→scheduler-hook contract.
package timer

import (
	"github.com/fedi-nabli/synapsekernel/internal/arch"
	"github.com/fedi-nabli/synapsekernel/internal/gic"
	"github.com/fedi-nabli/synapsekernel/internal/kconfig"
)

const (
	ctlEnable = 1 << 0
	ctlIMask  = 1 << 1
)

// Timer owns the tick counter and the scheduler hook invoked on every
// interrupt.
type Timer struct {
	gic    *gic.Controller
	ticks  uint64
	onTick func()
}

// New builds a Timer wired to gic for IRQ 30 registration.
func New(g *gic.Controller) *Timer {
	return &Timer{gic: g}
}

// computeNextCompare returns CNTPCT_EL0 + CNTFRQ_EL0*ms/1000, the
// compare-value arithmetic spec §4.6 specifies, extracted so it can be
// unit tested without reading live system registers.
func computeNextCompare(now uint64, freq uint64, ms uint32) uint64 {
	return now + freq*uint64(ms)/1000
}

// effectiveFreq falls back to kconfig.CPUFreqHz if CNTFRQ_EL0 reads as
// zero (QEMU's reset value before firmware programs it).
func effectiveFreq(freq uint64) uint64 {
	if freq == 0 {
		return kconfig.CPUFreqHz
	}
	return freq
}

// Init registers the timer's IRQ handler with the GIC and disables the
// timer, ensuring CNTFRQ_EL0 is set to a usable value (spec §4.6).
func (t *Timer) Init() error {
	arch.WriteCNTPCTLEL0(0)

	if arch.ReadCNTFRQEL0() == 0 {
		arch.WriteCNTFRQEL0(kconfig.CPUFreqHz)
	}

	_, err := t.gic.Register(kconfig.TimerIRQ, t.handleIRQ)
	return err
}

// SetInterval programs the next compare value ms milliseconds out from
// the current physical count.
func (t *Timer) SetInterval(ms uint32) {
	now := arch.ReadCNTPCTEL0()
	freq := effectiveFreq(arch.ReadCNTFRQEL0())
	arch.WriteCNTPCVALEL0(computeNextCompare(now, freq, ms))
}

// Enable arms the timer for periodic ticks at kconfig.SchedulerTicksMs,
// unmasks CPU-level IRQs, and enables IRQ 30 in the GIC. onTick is
// invoked after each tick's bookkeeping (spec §4.6's scheduler hook).
func (t *Timer) Enable(onTick func()) {
	t.onTick = onTick
	t.SetInterval(kconfig.SchedulerTicksMs)
	arch.WriteCNTPCTLEL0(ctlEnable)
	t.gic.EnableAll()
	t.gic.Enable(kconfig.TimerIRQ)
}

// Ticks reports the monotonic tick count since Init.
func (t *Timer) Ticks() uint64 { return t.ticks }

func (t *Timer) handleIRQ() {
	t.ticks++
	t.SetInterval(kconfig.SchedulerTicksMs)
	if t.onTick != nil {
		t.onTick()
	}
}
