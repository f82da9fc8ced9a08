package bitfield_test

import (
	"testing"

	"github.com/fedi-nabli/synapsekernel/internal/bitfield"
)

type pageFlags struct {
	Allocated  bool   `bitfield:"1"`
	KernelPage bool   `bitfield:"1"`
	Reserved   uint32 `bitfield:"6"`
}

func TestPackUnpackRoundTrip(t *testing.T) {
	in := pageFlags{Allocated: true, KernelPage: false, Reserved: 0x2A}

	packed, err := bitfield.Pack(&in, &bitfield.Config{NumBits: 8})
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if packed != 0x01|(0x2A<<2) {
		t.Fatalf("packed = 0x%x, want 0x%x", packed, 0x01|(0x2A<<2))
	}

	var out pageFlags
	if err := bitfield.Unpack(packed, &out); err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestPackRejectsOverflow(t *testing.T) {
	type tooBig struct {
		V uint32 `bitfield:"2"`
	}
	if _, err := bitfield.Pack(&tooBig{V: 7}, nil); err == nil {
		t.Fatal("expected overflow error, got nil")
	}
}
