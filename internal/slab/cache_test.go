package slab

import (
	"testing"
	"unsafe"
)

// heapSource is a trivial Source backed by plain Go allocation, standing
// in for a heap arena in tests.
type heapSource struct{}

func (heapSource) Allocate(length uint64) ([]byte, error) { return make([]byte, length), nil }
func (heapSource) Release(mem []byte)                     {}

func TestSmallObjectRoundTrip(t *testing.T) {
	// Scenario 3: object_size=64, alignment=8, 120 objects.
	c := New("test-64", 64, 8, heapSource{}, nil, nil, false, true)
	if c.KindOf() != Small {
		t.Fatalf("expected Small kind for 64-byte objects")
	}

	objs, err := c.AllocateMany(120)
	if err != nil {
		t.Fatalf("AllocateMany: %v", err)
	}

	seen := make(map[uintptr]bool)
	for _, obj := range objs {
		addr := uintptr(obj)
		if addr%8 != 0 {
			t.Errorf("object %x not 8-aligned", addr)
		}
		if seen[addr] {
			t.Errorf("object %x allocated twice", addr)
		}
		seen[addr] = true

		if _, ok := c.GetSlabBase(obj); !ok {
			t.Errorf("GetSlabBase(%x): object not attributed to a known slab", addr)
		}
		allocated, _ := c.AllocatedInSlabContaining(obj)
		if allocated <= 0 {
			t.Errorf("AllocatedInSlabContaining(%x) = %d, want > 0", addr, allocated)
		}
	}

	// Free in reverse order.
	for i := len(objs) - 1; i >= 0; i-- {
		c.Free(objs[i])
	}
	if got := c.AvailableSlabCount(); got != 1 {
		t.Fatalf("AvailableSlabCount after full free = %d, want 1 (last-slab retention)", got)
	}
}

func TestSmallObjectDeallocateLastAvailable(t *testing.T) {
	c := New("test-64-dealloc", 64, 8, heapSource{}, nil, nil, true, true)
	objs, err := c.AllocateMany(10)
	if err != nil {
		t.Fatal(err)
	}
	for _, o := range objs {
		c.Free(o)
	}
	if got := c.AvailableSlabCount(); got != 0 {
		t.Fatalf("AvailableSlabCount = %d, want 0 when deallocateLastAvailableSlab=true", got)
	}
}

func TestCacheAccountingInvariant(t *testing.T) {
	c := New("accounting", 32, 8, heapSource{}, nil, nil, false, true)
	n := c.ObjectsPerSlab() + 3 // force a second slab
	objs, err := c.AllocateMany(n)
	if err != nil {
		t.Fatal(err)
	}
	for _, obj := range objs {
		allocated, onFull := c.AllocatedInSlabContaining(obj)
		_ = onFull
		if allocated < 1 || allocated > c.ObjectsPerSlab() {
			t.Errorf("allocated=%d out of range [1,%d]", allocated, c.ObjectsPerSlab())
		}
	}
}

func TestLargeObjectRoundTrip(t *testing.T) {
	const objSize = 8192 // > PageSize/8, forces Large kind
	c := New("large", objSize, 16, heapSource{}, nil, nil, false, true)
	if c.KindOf() != Large {
		t.Fatalf("expected Large kind for %d-byte objects", objSize)
	}

	objs, err := c.AllocateMany(5)
	if err != nil {
		t.Fatal(err)
	}
	seen := map[uintptr]bool{}
	for _, o := range objs {
		if seen[uintptr(o)] {
			t.Fatalf("duplicate large object address")
		}
		seen[uintptr(o)] = true
	}
	for _, o := range objs {
		c.Free(o)
	}
}

func TestConstructorDestructorRunOnce(t *testing.T) {
	var constructed, destructed int
	construct := func(obj unsafe.Pointer) error { constructed++; return nil }
	destruct := func(obj unsafe.Pointer) { destructed++ }
	c := New("ctor", 32, 8, heapSource{}, construct, destruct, true, true)

	objs, err := c.AllocateMany(c.ObjectsPerSlab())
	if err != nil {
		t.Fatal(err)
	}
	if constructed != c.ObjectsPerSlab() {
		t.Fatalf("constructed = %d, want %d", constructed, c.ObjectsPerSlab())
	}
	// Free half; constructor must not re-run on the next allocation of the
	// same slab (the objects are still constructed, just unallocated).
	half := len(objs) / 2
	for _, o := range objs[:half] {
		c.Free(o)
	}
	if _, err := c.AllocateMany(half); err != nil {
		t.Fatal(err)
	}
	if constructed != c.ObjectsPerSlab() {
		t.Fatalf("constructed after re-allocation = %d, want unchanged %d", constructed, c.ObjectsPerSlab())
	}

	c.Deinit()
	if destructed != c.ObjectsPerSlab() {
		t.Fatalf("destructed on Deinit = %d, want %d (every live object)", destructed, c.ObjectsPerSlab())
	}
}
