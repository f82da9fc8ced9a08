package gic

import (
	"testing"

	"github.com/fedi-nabli/synapsekernel/internal/arch"
	"github.com/fedi-nabli/synapsekernel/internal/kerr"
)

func newTestController() (*Controller, *arch.Fake) {
	fake := arch.NewFake()
	c := New(fake, 0x0800_0000)
	c.Init()
	return c, fake
}

func TestInitEnablesDistributorAndCPUInterface(t *testing.T) {
	c, fake := newTestController()
	if fake.Regs[c.d(gicdCTLR)] != 0x01 {
		t.Fatalf("GICD_CTLR = %#x, want enabled", fake.Regs[c.d(gicdCTLR)])
	}
	if fake.Regs[c.cpu(giccCTLR)] != 0x01 {
		t.Fatalf("GICC_CTLR = %#x, want enabled", fake.Regs[c.cpu(giccCTLR)])
	}
	if fake.Regs[c.cpu(giccPMR)] != 0xFF {
		t.Fatalf("GICC_PMR = %#x, want 0xFF", fake.Regs[c.cpu(giccPMR)])
	}
}

func TestRegisterRejectsOccupiedSlot(t *testing.T) {
	c, _ := newTestController()
	if _, err := c.Register(30, func() {}); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if _, err := c.Register(30, func() {}); err != kerr.InUse {
		t.Fatalf("err = %v, want InUse", err)
	}
}

func TestUnregisterClearsSlotForValidHandle(t *testing.T) {
	c, _ := newTestController()
	h, err := c.Register(30, func() {})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := c.Unregister(h); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if c.taken[30] {
		t.Fatal("slot 30 still marked taken after Unregister")
	}
	if _, err := c.Register(30, func() {}); err != nil {
		t.Fatalf("slot should be free to re-register: %v", err)
	}
}

func TestUnregisterRejectsStaleHandle(t *testing.T) {
	c, _ := newTestController()
	stale, err := c.Register(30, func() {})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := c.Unregister(stale); err != nil {
		t.Fatalf("Unregister: %v", err)
	}

	fresh, err := c.Register(30, func() {})
	if err != nil {
		t.Fatalf("re-Register: %v", err)
	}

	if err := c.Unregister(stale); err != kerr.NotFound {
		t.Fatalf("err = %v, want NotFound for stale handle", err)
	}
	if !c.taken[30] {
		t.Fatal("stale Unregister must not clear the new occupant's slot")
	}

	if err := c.Unregister(fresh); err != nil {
		t.Fatalf("Unregister with current handle: %v", err)
	}
}

func TestDispatchInvokesHandlerAndSignalsEOI(t *testing.T) {
	c, fake := newTestController()
	fake.Regs[c.cpu(giccIAR)] = 30

	called := false
	if _, err := c.Register(30, func() { called = true }); err != nil {
		t.Fatalf("Register: %v", err)
	}

	c.Dispatch()

	if !called {
		t.Fatal("handler was not invoked")
	}
	if fake.Regs[c.cpu(giccEOIR)] != 30 {
		t.Fatalf("EOIR = %d, want 30", fake.Regs[c.cpu(giccEOIR)])
	}
}

func TestDispatchIgnoresSpurious(t *testing.T) {
	c, fake := newTestController()
	fake.Regs[c.cpu(giccIAR)] = 1023

	called := false
	if _, err := c.Register(1, func() { called = true }); err != nil {
		t.Fatalf("Register: %v", err)
	}
	delete(fake.Regs, c.cpu(giccEOIR))

	c.Dispatch()

	if called {
		t.Fatal("handler must not fire for a spurious interrupt")
	}
	if _, wrote := fake.Regs[c.cpu(giccEOIR)]; wrote {
		t.Fatal("EOIR must not be written for a spurious interrupt")
	}
}

func TestEnableDisableSetsCorrectRegisterAndBit(t *testing.T) {
	c, fake := newTestController()
	c.Enable(33) // register 1, bit 1
	if fake.Regs[c.d(gicdISENABLERn)+4] != 1<<1 {
		t.Fatalf("ISENABLER[1] = %#x, want bit 1 set", fake.Regs[c.d(gicdISENABLERn)+4])
	}
	c.Disable(33)
	if fake.Regs[c.d(gicdICENABLERn)+4] != 1<<1 {
		t.Fatalf("ICENABLER[1] = %#x, want bit 1 set", fake.Regs[c.d(gicdICENABLERn)+4])
	}
}
