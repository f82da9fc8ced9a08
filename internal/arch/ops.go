package arch

// Ops is the MMIO/register seam higher packages (gic, timer) depend on
// instead of calling the package-level asm-backed functions directly.
// Production code uses Hardware; tests substitute a Fake so the
// dispatch and decode logic in those packages can run off-target,
// matching the teacher's own separation between mazboot/main (policy)
// and mazboot/asm (mechanism).
type Ops interface {
	MMIO32(addr uintptr) uint32
	WriteMMIO32(addr uintptr, val uint32)
	Dsb()
	Isb()
}

type hardwareOps struct{}

func (hardwareOps) MMIO32(addr uintptr) uint32           { return MMIO32(addr) }
func (hardwareOps) WriteMMIO32(addr uintptr, val uint32) { WriteMMIO32(addr, val) }
func (hardwareOps) Dsb()                                 { Dsb() }
func (hardwareOps) Isb()                                 { Isb() }

// Hardware is the real, register-touching Ops implementation.
var Hardware Ops = hardwareOps{}

// Fake is an in-memory Ops substitute for unit tests: MMIO32/WriteMMIO32
// operate on a plain map keyed by address instead of touching real
// memory, and Dsb/Isb are no-ops.
type Fake struct {
	Regs map[uintptr]uint32
}

func NewFake() *Fake {
	return &Fake{Regs: make(map[uintptr]uint32)}
}

func (f *Fake) MMIO32(addr uintptr) uint32 { return f.Regs[addr] }
func (f *Fake) WriteMMIO32(addr uintptr, val uint32) {
	if f.Regs == nil {
		f.Regs = make(map[uintptr]uint32)
	}
	f.Regs[addr] = val
}
func (*Fake) Dsb() {}
func (*Fake) Isb() {}
