package vmem

import "testing"

// TestInstantFitSplitAndCoalesce is scenario 1: quantum=16, a single
// 0x10000-byte span, two 32-byte instant-fit allocations carved off the
// front, then both freed — the arena must coalesce back down to exactly
// the one free tag it started with.
func TestInstantFitSplitAndCoalesce(t *testing.T) {
	a, err := New("scenario1", 16, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.AddSpan(0x10000, 0x10000); err != nil {
		t.Fatal(err)
	}

	r1, err := a.Allocate(32, InstantFit)
	if err != nil {
		t.Fatal(err)
	}
	r2, err := a.Allocate(32, InstantFit)
	if err != nil {
		t.Fatal(err)
	}
	if r1.Base != 0x10000 || r2.Base != 0x10020 {
		t.Fatalf("got ranges %+v, %+v, want contiguous 0x10000/0x10020", r1, r2)
	}
	if got := a.TagCount(); got != 4 {
		t.Fatalf("TagCount = %d, want 4 (span marker + two allocated + one remainder free tag)", got)
	}
	if got := a.FreeBytes(); got != 0x10000-64 {
		t.Fatalf("FreeBytes = %#x, want %#x", got, 0x10000-64)
	}

	a.Deallocate(r2)
	a.Deallocate(r1)

	if got := a.TagCount(); got != 2 {
		t.Fatalf("TagCount after full free = %d, want 2 (span marker + fully coalesced free tag)", got)
	}
	if got := a.FreeBytes(); got != 0x10000 {
		t.Fatalf("FreeBytes after full free = %#x, want %#x", got, 0x10000)
	}

	// The arena must be reusable for a fresh full-span allocation now
	// that it has coalesced back to one tag.
	whole, err := a.Allocate(0x10000, InstantFit)
	if err != nil {
		t.Fatalf("Allocate after coalesce: %v", err)
	}
	if whole.Base != 0x10000 {
		t.Fatalf("whole-span allocation landed at %#x, want 0x10000", whole.Base)
	}
}

// TestImportedSpanRelease is scenario 2: a quantum-4096 arena U sourced
// from a quantum-4096 arena L. U imports a span from L to satisfy its
// first allocation; once U frees that allocation, L must see its
// donated span back, coalesced with the rest of its free space — on
// the strength of U.Deallocate alone, with no Destroy() call (spec
// §4.C: "on free, if a span is imported_span and becomes entirely free
// again, it is released via the source's release callback").
func TestImportedSpanRelease(t *testing.T) {
	l, err := New("L", 4096, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.AddSpan(0x100000, 0x100000); err != nil {
		t.Fatal(err)
	}

	u, err := New("U", 4096, AsSource(l), nil)
	if err != nil {
		t.Fatal(err)
	}

	r, err := u.Allocate(4096, InstantFit)
	if err != nil {
		t.Fatal(err)
	}
	if got := l.AllocatedBytes(); got != 4096 {
		t.Fatalf("L.AllocatedBytes = %#x, want 0x1000 (one span imported out)", got)
	}
	if got := l.FreeBytes(); got != 0x100000-4096 {
		t.Fatalf("L.FreeBytes = %#x, want %#x", got, 0x100000-4096)
	}

	u.Deallocate(r)

	if got := l.FreeBytes(); got != 0x100000 {
		t.Fatalf("L.FreeBytes after U.Deallocate = %#x, want %#x (fully coalesced)", got, 0x100000)
	}
	if got := l.AllocatedBytes(); got != 0 {
		t.Fatalf("L.AllocatedBytes after U.Deallocate = %#x, want 0", got)
	}
	if got := l.TagCount(); got != 2 {
		t.Fatalf("L.TagCount after U.Deallocate = %d, want 2 (span marker + fully coalesced free tag)", got)
	}
	if got := u.SpanBytes(); got != 0 {
		t.Fatalf("U.SpanBytes after U.Deallocate = %#x, want 0 (imported span released back to L)", got)
	}
}

// TestAdjacentImportedSpansDoNotCoalesceAcrossBoundary guards against a
// regression where two spans imported at touching addresses silently
// merge into one oversized free tag: each import's zero-length
// kindImportedSpan marker must keep deallocateRaw's free-neighbor
// coalescing from ever crossing into the other span.
func TestAdjacentImportedSpansDoNotCoalesceAcrossBoundary(t *testing.T) {
	l, err := New("L", 4096, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.AddSpan(0x200000, 0x200000); err != nil {
		t.Fatal(err)
	}

	u, err := New("U", 4096, AsSource(l), nil)
	if err != nil {
		t.Fatal(err)
	}

	// Two back-to-back 4096-byte imports from L land at touching
	// addresses (0x200000/0x201000) since L's free space is contiguous
	// and InstantFit always takes from the front of the free tag.
	r1, err := u.Allocate(4096, InstantFit)
	if err != nil {
		t.Fatal(err)
	}
	r2, err := u.Allocate(4096, InstantFit)
	if err != nil {
		t.Fatal(err)
	}
	if r1.End() != r2.Base {
		t.Fatalf("expected the two imports to land touching, got %+v, %+v", r1, r2)
	}

	u.Deallocate(r1)
	if got := l.FreeBytes(); got != 0x200000-4096 {
		t.Fatalf("L.FreeBytes after freeing only the first import = %#x, want %#x (second import still held)", got, 0x200000-4096)
	}

	u.Deallocate(r2)
	if got := l.FreeBytes(); got != 0x200000 {
		t.Fatalf("L.FreeBytes after both imports freed = %#x, want %#x", got, 0x200000)
	}
	if got := l.TagCount(); got != 2 {
		t.Fatalf("L.TagCount = %d, want 2 (span marker + one coalesced free tag) -- two released spans must not straddle an impossible merge", got)
	}
}

func TestQuantumCacheBypassesTagWork(t *testing.T) {
	a, err := New("qc", 16, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.AddSpan(0x20000, 0x20000); err != nil {
		t.Fatal(err)
	}
	a.WithQuantumCaches(4) // sizes 16, 32, 48, 64

	objs := make([]Range, 0, 50)
	for i := 0; i < 50; i++ {
		r, err := a.Allocate(32, InstantFit)
		if err != nil {
			t.Fatal(err)
		}
		objs = append(objs, r)
	}
	seen := map[uint64]bool{}
	for _, r := range objs {
		if seen[r.Base] {
			t.Fatalf("duplicate quantum-cache address %#x", r.Base)
		}
		seen[r.Base] = true
	}
	for _, r := range objs {
		a.Deallocate(r)
	}
	// The backing slab's raw range remains allocated in the arena for as
	// long as the quantum cache keeps the slab (quantum caches are built
	// with deallocateLastAvailableSlab=false, so the last slab is
	// retained), so the arena itself is not back to fully free,
	// but the all_tags list must stay small (no per-object tag churn).
	if got := a.TagCount(); got > 3 {
		t.Fatalf("TagCount = %d, want a small, stable count (quantum cache hits must not create per-object tags)", got)
	}
}

func TestBestFitAndFirstFitPolicies(t *testing.T) {
	a, err := New("policies", 8, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	// Three disjoint free tags of increasing size, one per separately
	// added span.
	if err := a.AddSpan(0, 8); err != nil {
		t.Fatal(err)
	}
	if err := a.AddSpan(0x1000, 64); err != nil {
		t.Fatal(err)
	}
	if err := a.AddSpan(0x2000, 256); err != nil {
		t.Fatal(err)
	}

	r, err := a.Allocate(40, BestFit)
	if err != nil {
		t.Fatal(err)
	}
	if r.Base != 0x1000 {
		t.Fatalf("BestFit chose base %#x, want 0x1000 (the tightest adequate tag)", r.Base)
	}
	a.Deallocate(r)

	r2, err := a.Allocate(8, FirstFit)
	if err != nil {
		t.Fatal(err)
	}
	if r2.Base != 0 {
		t.Fatalf("FirstFit chose base %#x, want 0 (the lowest adequate tag)", r2.Base)
	}
}
