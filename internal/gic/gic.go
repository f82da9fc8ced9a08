// Package gic drives a GICv2 distributor and CPU interface (spec §4.5,
// C7). Grounded on the teacher's gic_qemu.go (register offset table,
// init sequence, IAR/EOIR dispatch), trimmed of the UART-interrupt and
// linker-symbol-probed base address handling that file mixes in;
// the handler table and register/unregister contract come from spec
// §3.9 and §4.5 directly. Uses the arch.Ops seam instead of calling
// arch's package functions directly so dispatch can be unit tested
// with arch.Fake.
package gic

import (
	"github.com/fedi-nabli/synapsekernel/internal/arch"
	"github.com/fedi-nabli/synapsekernel/internal/kconfig"
	"github.com/fedi-nabli/synapsekernel/internal/kerr"
)

// GICv2 distributor register offsets, relative to distBase.
const (
	gicdCTLR       = 0x000
	gicdIGROUPRn   = 0x080
	gicdISENABLERn = 0x100
	gicdICENABLERn = 0x180
	gicdICPENDRn   = 0x280
	gicdIPRIORITYRn = 0x400
	gicdITARGETSRn  = 0x800
	gicdICFGRn      = 0xC00
)

// GICv2 CPU interface register offsets, relative to cpuBase. QEMU
// virt's CPU interface sits 0x10000 above the distributor.
const (
	giccCTLR = 0x000
	giccPMR  = 0x004
	giccBPR  = 0x008
	giccIAR  = 0x00C
	giccEOIR = 0x010

	cpuInterfaceOffset = 0x10000
)

const spuriousThreshold = 1020

// Handler is a registered interrupt callback.
type Handler func()

// Handle is the registration token Register returns and Unregister
// must present: num identifies the slot, gen pins it to the specific
// registration so a stale handle from an earlier, already-unregistered
// call cannot clobber whatever now occupies the slot.
type Handle struct {
	num uint32
	gen uint32
}

// Controller owns the handler table and the distributor/CPU-interface
// base addresses. Callers obtain one via New and must Init it before
// relying on dispatch.
type Controller struct {
	ops       arch.Ops
	distBase  uintptr
	cpuBase   uintptr
	handlers  [kconfig.MaxInterruptHandlers]Handler
	taken     [kconfig.MaxInterruptHandlers]bool
	gen       [kconfig.MaxInterruptHandlers]uint32
}

// New builds a Controller for a distributor at distBase (CPU interface
// assumed at distBase+0x10000, matching QEMU virt's GICv2 layout). Pass
// arch.Hardware in production; tests pass an *arch.Fake.
func New(ops arch.Ops, distBase uintptr) *Controller {
	return &Controller{ops: ops, distBase: distBase, cpuBase: distBase + cpuInterfaceOffset}
}

func (c *Controller) d(off uintptr) uintptr { return c.distBase + off }
func (c *Controller) cpu(off uintptr) uintptr { return c.cpuBase + off }

// Init clears the handler table, programs the distributor (level
// triggered, group 0, medium priority, CPU 0 target, all masked then
// the distributor enabled), and programs the CPU interface (no
// priority masking, BPR 0, enabled) — spec §4.5's init contract.
func (c *Controller) Init() {
	for i := range c.handlers {
		c.handlers[i] = nil
		c.taken[i] = false
		c.gen[i] = 0
	}

	c.ops.WriteMMIO32(c.d(gicdCTLR), 0)
	c.ops.WriteMMIO32(c.cpu(giccCTLR), 0)

	for i := 0; i < 32; i++ {
		c.ops.WriteMMIO32(c.d(gicdICENABLERn)+uintptr(i*4), 0xFFFFFFFF)
		c.ops.WriteMMIO32(c.d(gicdICPENDRn)+uintptr(i*4), 0xFFFFFFFF)
		c.ops.WriteMMIO32(c.d(gicdIGROUPRn)+uintptr(i*4), 0)
	}
	for i := 0; i < 256; i++ {
		c.ops.WriteMMIO32(c.d(gicdIPRIORITYRn)+uintptr(i*4), 0x80808080)
		c.ops.WriteMMIO32(c.d(gicdITARGETSRn)+uintptr(i*4), 0x01010101)
	}
	for i := 0; i < 64; i++ {
		c.ops.WriteMMIO32(c.d(gicdICFGRn)+uintptr(i*4), 0) // level-triggered
	}

	c.ops.WriteMMIO32(c.d(gicdCTLR), 0x01)

	c.ops.WriteMMIO32(c.cpu(giccPMR), 0xFF)
	c.ops.WriteMMIO32(c.cpu(giccBPR), 0)
	c.ops.WriteMMIO32(c.cpu(giccCTLR), 0x01)
}

// Register installs handler at num, failing with InUse if the slot is
// already occupied. The returned Handle must be presented to Unregister;
// it pins this specific registration, not just the slot number, so a
// caller holding a handle from a prior occupant can never tear down
// whoever registered after it.
func (c *Controller) Register(num uint32, handler Handler) (Handle, error) {
	if num >= uint32(len(c.handlers)) {
		return Handle{}, kerr.InvalidArg
	}
	if c.taken[num] {
		return Handle{}, kerr.InUse
	}
	c.handlers[num] = handler
	c.taken[num] = true
	return Handle{num: num, gen: c.gen[num]}, nil
}

// Unregister clears the slot h names, failing with NotFound if h is
// stale: either the slot is no longer taken, or it has since been
// re-registered under a different generation.
func (c *Controller) Unregister(h Handle) error {
	if h.num >= uint32(len(c.handlers)) {
		return kerr.InvalidArg
	}
	if !c.taken[h.num] || c.gen[h.num] != h.gen {
		return kerr.NotFound
	}
	c.handlers[h.num] = nil
	c.taken[h.num] = false
	c.gen[h.num]++
	return nil
}

// Enable sets num's bit in ISENABLER.
func (c *Controller) Enable(num uint32) {
	reg, bit := num/32, num%32
	c.ops.WriteMMIO32(c.d(gicdISENABLERn)+uintptr(reg*4), 1<<bit)
}

// Disable sets num's bit in ICENABLER.
func (c *Controller) Disable(num uint32) {
	reg, bit := num/32, num%32
	c.ops.WriteMMIO32(c.d(gicdICENABLERn)+uintptr(reg*4), 1<<bit)
}

// EnableAll clears the CPU DAIF.I bit.
func (c *Controller) EnableAll() { arch.DaifClr() }

// DisableAll sets the CPU DAIF.I bit.
func (c *Controller) DisableAll() { arch.DaifSet() }

// Acknowledge reads GICC_IAR and returns the low-10-bit interrupt id.
func (c *Controller) Acknowledge() uint32 {
	return c.ops.MMIO32(c.cpu(giccIAR)) & 0x3FF
}

// EndOfInterrupt writes iar back to GICC_EOIR.
func (c *Controller) EndOfInterrupt(iar uint32) {
	c.ops.WriteMMIO32(c.cpu(giccEOIR), iar)
}

// Dispatch is the top-level IRQ entry point (spec §4.5's dispatch
// contract): acknowledge, ignore architected spurious ids, invoke the
// registered handler if any, then EOI. The caller (the trap plane) is
// responsible for the EL0 task-state save/reschedule wrapping this.
func (c *Controller) Dispatch() {
	id := c.Acknowledge()
	if id >= spuriousThreshold {
		return
	}
	if id < uint32(len(c.handlers)) && c.handlers[id] != nil {
		c.handlers[id]()
	}
	c.EndOfInterrupt(id)
}
