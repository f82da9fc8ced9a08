// Package uart implements the diagnostic sink (spec §2 C1): a thin
// polled writer over a PL011-compatible UART. The spec treats the UART
// as an external collaborator specified only by the byte/string
// interface it exposes; this is that interface's one implementation,
// grounded on the teacher's uart_qemu.go register offsets, trimmed to
// the polled path (no ring buffer, no TX interrupt — spec's C1 wants
// byte/string output only, not an async driver).
package uart

import "github.com/fedi-nabli/synapsekernel/internal/arch"

// QEMU virt machine PL011 base and register offsets.
const (
	base = 0x0900_0000

	regDR  = base + 0x00
	regFR  = base + 0x18
	regIBRD = base + 0x24
	regFBRD = base + 0x28
	regLCRH = base + 0x2C
	regCR   = base + 0x30
	regICR  = base + 0x44

	frTXFF = 1 << 5 // transmit FIFO full
	frRXFE = 1 << 4 // receive FIFO empty

	crUARTEN = 1 << 0
	crTXE    = 1 << 8
	crRXE    = 1 << 9

	lcrhFEN  = 1 << 4 // enable FIFOs
	lcrhWLEN8 = 0b11 << 5
)

// Sink is the PL011 diagnostic sink. It holds no state: QEMU's virt
// UART is a single fixed-address device, so every Sink value reads and
// writes the same registers. The zero value is ready to use.
type Sink struct{}

// Init programs the baud-rate divisors and line control for 8N1 and
// enables the UART, matching the sequence the teacher's asm.UartInitPl011
// performs (divisor values derived for the QEMU virt model's fixed
// UARTCLK, where QEMU itself ignores the baud rate but real hardware
// would not).
func (Sink) Init() {
	arch.WriteMMIO32(regCR, 0) // disable while reconfiguring

	arch.WriteMMIO32(regIBRD, 1)
	arch.WriteMMIO32(regFBRD, 40)
	arch.WriteMMIO32(regLCRH, lcrhFEN|lcrhWLEN8)
	arch.WriteMMIO32(regICR, 0x7ff)

	arch.WriteMMIO32(regCR, crUARTEN|crTXE|crRXE)
}

// PutByte blocks until the transmit FIFO has space, then writes c.
//
//go:nosplit
func (Sink) PutByte(c byte) {
	for arch.MMIO32(regFR)&frTXFF != 0 {
	}
	arch.WriteMMIO32(regDR, uint32(c))
}

// PutString writes s byte by byte, translating a bare "\n" to "\r\n" so
// a plain terminal renders lines correctly.
func (s Sink) PutString(str string) {
	for i := 0; i < len(str); i++ {
		if str[i] == '\n' {
			s.PutByte('\r')
		}
		s.PutByte(str[i])
	}
}

// GetByte blocks until the receive FIFO has data, then returns it.
//
//go:nosplit
func (Sink) GetByte() byte {
	for arch.MMIO32(regFR)&frRXFE != 0 {
	}
	return byte(arch.MMIO32(regDR))
}

// Write implements io.Writer by sending each byte of p through PutByte
// unchanged.
func (s Sink) Write(p []byte) (int, error) {
	for _, b := range p {
		s.PutByte(b)
	}
	return len(p), nil
}
