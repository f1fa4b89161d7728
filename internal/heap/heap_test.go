package heap

import (
	"testing"

	"mazarin/internal/collab"
	"mazarin/internal/flush"
	"mazarin/internal/frame"
	"mazarin/internal/vmem"
)

func newTestFacade(t *testing.T, numFramePages uint32) (*Facade, *frame.Allocator, *collab.FakePageTable) {
	t.Helper()
	fa := frame.New(numFramePages)
	fa.Init(collab.NewSliceMemoryMap([]collab.Region{
		{Base: 0, Length: uintptr(numFramePages) * frame.PageSize, Type: collab.RegionFree},
	}))
	pt := collab.NewFakePageTable()
	coord := flush.New(1, pt, collab.NewFakeInterruptSender(), nil)

	f, err := New(0, 0x1000_0000, 16*frame.PageSize, 0x2000_0000, 16*frame.PageSize, fa, pt, coord)
	if err != nil {
		t.Fatal(err)
	}
	return f, fa, pt
}

func TestHeapAllocateGrowsPageArenaAndMaps(t *testing.T) {
	f, _, pt := newTestFacade(t, 64)

	const size = 4096
	r, err := f.Allocate(size, vmem.InstantFit)
	if err != nil {
		t.Fatal(err)
	}
	if r.Length != size {
		t.Fatalf("Length = %d, want %d", r.Length, size)
	}
	if _, _, ok := pt.Lookup(uintptr(r.Base)); !ok {
		t.Fatalf("address %#x was never mapped", r.Base)
	}
}

func TestHeapRoundTripReleasesFrames(t *testing.T) {
	f, fa, pt := newTestFacade(t, 64)

	const size = 3 * frame.PageSize
	r, err := f.Allocate(size, vmem.InstantFit)
	if err != nil {
		t.Fatal(err)
	}
	freeAfterAlloc := fa.FreeMemory()
	if freeAfterAlloc >= uint64(64) {
		t.Fatalf("expected frames consumed by allocation, free = %d", freeAfterAlloc)
	}

	// A single Deallocate must cascade all the way down the chain on its
	// own: the heap arena's allocation was its one imported span from the
	// page arena, so freeing it hands that span straight back; the page
	// arena's own allocation was in turn its one imported span from the
	// address-space arena, so that release unmaps and frees every frame
	// immediately, with no explicit Destroy() needed (spec §4.C: "on
	// free, if a span is imported_span and becomes entirely free again,
	// it is released via the source's release callback").
	f.Deallocate(r)

	if got := pt.FlushCount(); got == 0 {
		t.Fatalf("expected at least one flush on page-arena release")
	}
	if got := fa.FreeMemory(); got != 64 {
		t.Fatalf("FreeMemory after Deallocate = %d, want 64 (all frames returned)", got)
	}
}

func TestAllocateSpecialMapsGivenPhysicalRange(t *testing.T) {
	f, _, pt := newTestFacade(t, 8)

	const physBase = 0xF000_0000
	const size = 2 * frame.PageSize
	r, err := f.AllocateSpecial(physBase, size, collab.ProtRead|collab.ProtWrite)
	if err != nil {
		t.Fatal(err)
	}
	fr, _, ok := pt.Lookup(uintptr(r.Base))
	if !ok || fr != collab.Frame(physBase/frame.PageSize) {
		t.Fatalf("special mapping at %#x -> frame %d, want %d", r.Base, fr, physBase/frame.PageSize)
	}

	f.DeallocateSpecial(r)
	if _, _, ok := pt.Lookup(uintptr(r.Base)); ok {
		t.Fatalf("mapping at %#x still present after DeallocateSpecial", r.Base)
	}
}
