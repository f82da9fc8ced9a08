package main

import _ "unsafe" // for go:linkname

// Linker-provided section boundaries, one accessor per symbol, matching
// the teacher's own getLinkerSymbol dispatch (memory.go, now superseded)
// which fans out to a dedicated asm.GetXxxAddr per symbol rather than a
// single generic lookup. The bring-up sequence reads both:
// internal/heap.PlanLayout places the heap right after kernelEndAddr,
// and internal/page.Init takes both bounds as arguments (it does not
// use them today; it reserves a fixed count of low boot pages instead).
//
//go:linkname kernelStartAddr kernel_start_addr
func kernelStartAddr() uintptr

//go:linkname kernelEndAddr kernel_end_addr
func kernelEndAddr() uintptr
