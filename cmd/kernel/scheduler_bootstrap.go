package main

import "github.com/fedi-nabli/synapsekernel/internal/arch"

// bootstrapScheduler links g0/m0 together enough for the hosted Go
// runtime's own schedinit to run. This kernel never spawns goroutines
// of its own — C10-C12's task/process/scheduler model is a separate,
// from-scratch ring and table, not goroutines — but schedinit itself
// runs unconditionally as part of bringing up any hosted Go program,
// so g0 must be a valid current-G before it's called.
//
//go:nosplit
func bootstrapScheduler() bool {
	g0 := arch.G0Addr()
	m0 := arch.M0Addr()
	if g0 == 0 || m0 == 0 {
		return false
	}
	arch.SetCurrentG(g0)
	return true
}
