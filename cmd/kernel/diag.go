package main

import "github.com/fedi-nabli/synapsekernel/internal/uart"

// Trap-context diagnostics. internal/uart.Sink is already a polled,
// ring-buffer-free writer (spec's C1 wants byte/string output only), so
// these are safe to call with interrupts masked during exception entry
// — unlike the teacher's own ring-buffered uartPutc, which relies on the
// TX-empty interrupt to drain and would never flush here.
var diagSink uart.Sink

//go:nosplit
func uartPutcDirect(c byte) {
	diagSink.PutByte(c)
}

//go:nosplit
func uartPutsDirect(s string) {
	for i := 0; i < len(s); i++ {
		uartPutcDirect(s[i])
	}
}

//go:nosplit
func hexDigit(n uint8) byte {
	if n < 10 {
		return '0' + n
	}
	return 'A' + (n - 10)
}

//go:nosplit
func uartPutHex8Direct(v uint8) {
	uartPutcDirect(hexDigit((v >> 4) & 0xF))
	uartPutcDirect(hexDigit(v & 0xF))
}

//go:nosplit
func uartPutHex64Direct(v uint64) {
	for shift := uint(60); ; shift -= 4 {
		uartPutcDirect(hexDigit(uint8((v >> shift) & 0xF)))
		if shift == 0 {
			break
		}
	}
}
