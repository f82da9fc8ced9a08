package tensor_test

import (
	"testing"
	"unsafe"

	"github.com/fedi-nabli/synapsekernel/internal/heap"
	"github.com/fedi-nabli/synapsekernel/internal/kconfig"
	"github.com/fedi-nabli/synapsekernel/internal/kerr"
	"github.com/fedi-nabli/synapsekernel/internal/tensor"
)

// newBackedHeap mirrors internal/process's test helper: Alloc/zero/
// CopyFrom perform genuine unsafe writes, so the heap needs real
// Go-owned backing memory.
func newBackedHeap(t *testing.T, blocks uintptr) *heap.Heap {
	t.Helper()
	const blockSize = uintptr(kconfig.KernelHeapBlockSize)

	raw := make([]byte, (blocks+2)*blockSize)
	base := uintptr(unsafe.Pointer(&raw[0]))
	aligned := (base + blockSize - 1) &^ (blockSize - 1)

	l := heap.Layout{
		TableAddr:  aligned,
		StartAddr:  aligned + blockSize,
		EndAddr:    aligned + blockSize + blocks*blockSize,
		TotalSize:  blocks * blockSize,
		NumEntries: blocks,
	}
	h, err := heap.New(l)
	if err != nil {
		t.Fatalf("heap.New: %v", err)
	}
	return h
}

func newPool(t *testing.T) *tensor.Pool {
	t.Helper()
	h := newBackedHeap(t, 64)
	p, err := tensor.Init(h, 64*1024)
	if err != nil {
		t.Fatalf("tensor.Init: %v", err)
	}
	return p
}

func TestAllocSmallUsesBitmapRegion(t *testing.T) {
	p := newPool(t)
	a, err := p.Alloc(32, 1)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	b, err := p.Alloc(32, 1)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if a == b {
		t.Fatal("two live small allocations got the same address")
	}
	if got := p.Stats().Allocations; got != 2 {
		t.Fatalf("Allocations = %d, want 2", got)
	}
}

func TestFreeSmallThenReallocReusesSlot(t *testing.T) {
	p := newPool(t)
	a, err := p.Alloc(16, 1)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := p.Free(a); err != nil {
		t.Fatalf("Free: %v", err)
	}
	b, err := p.Alloc(16, 1)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if a != b {
		t.Fatalf("realloc after free = %#x, want reused slot %#x", b, a)
	}
}

func TestLargeAllocBestFitSplitsRemainder(t *testing.T) {
	p := newPool(t)

	big, err := p.Alloc(4096, 1)
	if err != nil {
		t.Fatalf("Alloc big: %v", err)
	}
	if err := p.Free(big); err != nil {
		t.Fatalf("Free big: %v", err)
	}

	small, err := p.Alloc(256, 1)
	if err != nil {
		t.Fatalf("Alloc small from free list: %v", err)
	}
	if small != big {
		t.Fatalf("best-fit alloc = %#x, want the freed block's base %#x", small, big)
	}

	rest, err := p.Alloc(256, 1)
	if err != nil {
		t.Fatalf("Alloc from remainder: %v", err)
	}
	if rest != big+256 {
		t.Fatalf("second alloc = %#x, want the split remainder at %#x", rest, big+256)
	}
}

func TestRowMajorStrideLaw(t *testing.T) {
	p := newPool(t)
	ts, err := tensor.Create(p, []uintptr{2, 3}, tensor.F32, tensor.RowMajor, tensor.Flags{Zeroed: true})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer ts.Destroy()

	want := []uintptr{3, 1}
	for i, s := range want {
		if ts.Strides[i] != s {
			t.Fatalf("Strides[%d] = %d, want %d", i, ts.Strides[i], s)
		}
	}
}

func TestColumnMajorStrideLaw(t *testing.T) {
	p := newPool(t)
	ts, err := tensor.Create(p, []uintptr{2, 3}, tensor.F32, tensor.ColumnMajor, tensor.Flags{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer ts.Destroy()

	want := []uintptr{1, 2}
	for i, s := range want {
		if ts.Strides[i] != s {
			t.Fatalf("Strides[%d] = %d, want %d", i, ts.Strides[i], s)
		}
	}
}

func TestNCHWFallsBackToRowMajorForNon4D(t *testing.T) {
	p := newPool(t)
	ts, err := tensor.Create(p, []uintptr{2, 3}, tensor.F32, tensor.NCHW, tensor.Flags{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer ts.Destroy()

	if ts.Layout != tensor.NCHW {
		t.Fatalf("Layout = %v, want the NCHW tag kept (only the strides fall back)", ts.Layout)
	}
	want := []uintptr{3, 1}
	for i, s := range want {
		if ts.Strides[i] != s {
			t.Fatalf("Strides[%d] = %d, want %d", i, ts.Strides[i], s)
		}
	}
}

func TestNCHWStrideLaw(t *testing.T) {
	p := newPool(t)
	ts, err := tensor.Create(p, []uintptr{1, 3, 4, 5}, tensor.F32, tensor.NCHW, tensor.Flags{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer ts.Destroy()

	want := []uintptr{60, 20, 5, 1} // N,C,H,W
	for i, s := range want {
		if ts.Strides[i] != s {
			t.Fatalf("Strides[%d] = %d, want %d", i, ts.Strides[i], s)
		}
	}
}

func TestReshapePreservesProductAndData(t *testing.T) {
	p := newPool(t)
	ts, err := tensor.Create(p, []uintptr{2, 3}, tensor.I32, tensor.RowMajor, tensor.Flags{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer ts.Destroy()

	data := make([]byte, 6*4)
	for i := 0; i < 6; i++ {
		*(*int32)(unsafe.Pointer(&data[i*4])) = int32(i)
	}
	if err := ts.CopyFrom(data); err != nil {
		t.Fatalf("CopyFrom: %v", err)
	}

	if err := ts.Reshape([]uintptr{3, 2}); err != nil {
		t.Fatalf("Reshape: %v", err)
	}
	if ts.Strides[0] != 2 || ts.Strides[1] != 1 {
		t.Fatalf("Strides after reshape = %v, want [2 1]", ts.Strides)
	}

	el, err := ts.Element([]uintptr{2, 1})
	if err != nil {
		t.Fatalf("Element: %v", err)
	}
	if got := *(*int32)(el); got != int32(5) {
		t.Fatalf("Element(2,1) = %d, want 5", got)
	}
}

func TestReshapeRejectsProductMismatch(t *testing.T) {
	p := newPool(t)
	ts, err := tensor.Create(p, []uintptr{2, 3}, tensor.F32, tensor.RowMajor, tensor.Flags{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer ts.Destroy()

	if err := ts.Reshape([]uintptr{4, 4}); err != kerr.InvalidArg {
		t.Fatalf("Reshape mismatch = %v, want InvalidArg", err)
	}
}

func TestViewSharesDataAndNarrowsShape(t *testing.T) {
	p := newPool(t)
	ts, err := tensor.Create(p, []uintptr{2, 3}, tensor.I32, tensor.RowMajor, tensor.Flags{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer ts.Destroy()

	data := make([]byte, 6*4)
	for i := 0; i < 6; i++ {
		v := int32(i)
		b := (*[4]byte)(unsafe.Pointer(&v))
		copy(data[i*4:i*4+4], b[:])
	}
	if err := ts.CopyFrom(data); err != nil {
		t.Fatalf("CopyFrom: %v", err)
	}

	view, err := tensor.View(ts, []uintptr{1, 0}, []uintptr{1, 2})
	if err != nil {
		t.Fatalf("View: %v", err)
	}

	e0, err := view.Element([]uintptr{0, 0})
	if err != nil {
		t.Fatalf("Element: %v", err)
	}
	e1, err := view.Element([]uintptr{0, 1})
	if err != nil {
		t.Fatalf("Element: %v", err)
	}
	if got := *(*int32)(e0); got != 3 {
		t.Fatalf("view[0,0] = %d, want 3", got)
	}
	if got := *(*int32)(e1); got != 4 {
		t.Fatalf("view[0,1] = %d, want 4", got)
	}

	// Destroying a view must not free the parent's data.
	if err := view.Destroy(); err != nil {
		t.Fatalf("view.Destroy: %v", err)
	}
	e0Again, err := ts.Element([]uintptr{1, 0})
	if err != nil {
		t.Fatalf("Element after view destroy: %v", err)
	}
	if got := *(*int32)(e0Again); got != 3 {
		t.Fatalf("parent data corrupted after freeing view: got %d, want 3", got)
	}
}

func TestSetLayoutDoesNotPermuteData(t *testing.T) {
	p := newPool(t)
	ts, err := tensor.Create(p, []uintptr{2, 3}, tensor.I8, tensor.RowMajor, tensor.Flags{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer ts.Destroy()

	data := []byte{0, 1, 2, 3, 4, 5}
	if err := ts.CopyFrom(data); err != nil {
		t.Fatalf("CopyFrom: %v", err)
	}

	if err := ts.SetLayout(tensor.ColumnMajor); err != nil {
		t.Fatalf("SetLayout: %v", err)
	}

	el, err := ts.Element([]uintptr{0, 0})
	if err != nil {
		t.Fatalf("Element: %v", err)
	}
	if got := *(*byte)(el); got != 0 {
		t.Fatalf("element(0,0) after SetLayout = %d, want 0 (data unpermuted)", got)
	}
}
