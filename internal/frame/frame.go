// Package frame implements component A, the physical frame allocator: a
// single global free list of page frames, popped and pushed through a
// lock-free LIFO, grounded on the teacher kernel's allPagesArrayBase/
// freePages design in mazboot/golang/main/page.go — the same
// array-of-descriptors-plus-intrusive-free-list shape, generalized from a
// bare-metal singly linked list under a single core to a CAS-based stack
// safe for concurrent executors.
package frame

import (
	"math"
	"sort"
	"sync/atomic"

	"mazarin/internal/bitset"
	"mazarin/internal/collab"
	"mazarin/internal/kernerr"
	"mazarin/internal/klog"
)

// PageSize is the allocator's native unit, matching spec.md's literal
// value used throughout the scenario walkthroughs.
const PageSize = 4096

// noFrame marks the end of the free list / an absent link.
const noFrame = math.MaxUint32

// Frame is an opaque index into the Page descriptor array. Base address is
// index * PageSize.
type Frame uint32

// pageFlags mirrors the teacher's per-page PageFlags bit layout
// (Allocated/KernelPage/Reserved packed into one uint32 in
// mazboot/golang/main/page.go's PackPageFlags), generalized to record
// which boot memory-map region kind a frame came from instead of a
// single allocated/kernel pair. Set once at Init/MarkInUse time and
// read-only after, so packing it costs nothing on the hot
// allocate/deallocate path.
type pageFlags struct {
	Kind       uint8 `bitfield:",4"`
	KernelPage bool  `bitfield:",1"`
}

// Page is the per-frame descriptor. next links free pages into the
// lock-free LIFO; it is meaningless while the page is in_use. flags is
// written once during bootstrap and never touched by Allocate/Deallocate.
type Page struct {
	next  atomic.Uint32
	inUse atomic.Bool
	flags uint32
}

// region is a contiguous run of frames, kept sorted by BaseFrame for
// binary-search lookup from a frame index to its containing region — the
// spec's PageRegion.
type region struct {
	baseFrame uint32
	count     uint32
}

// Allocator owns the set of usable physical page frames and gives/takes
// them via a lock-free LIFO (spec §4.A).
type Allocator struct {
	pages   []Page
	regions []region

	freeHead atomic.Uint32 // index of the top free frame, or noFrame

	freeMemory      atomic.Uint64 // frames currently free
	reservedFrames  atomic.Uint64
	reclaimable     atomic.Uint64
	unusableFrames  atomic.Uint64
}

// New allocates the Page descriptor array for numPages frames, all
// initially in_use (callers must Init from a memory map, or explicitly
// Deallocate bootstrap-free frames, before any are available).
func New(numPages uint32) *Allocator {
	a := &Allocator{pages: make([]Page, numPages)}
	a.freeHead.Store(noFrame)
	for i := range a.pages {
		a.pages[i].inUse.Store(true)
	}
	return a
}

// Init walks the boot loader's memory map forward (spec §4.A). Usable
// entries are pushed to the free list; bootloader-reclaimable frames are
// left in_use (the loader may still reference them); reserved/unusable/
// acpi-reclaimable entries are only counted. Frames a prior MarkInUse call
// already claimed (the teacher's kernelPages/heapPages bootstrap reservation,
// made before the general allocator comes online) are left untouched: their
// flags and in_use state survive Init instead of being overwritten as free.
func (a *Allocator) Init(mm collab.MemoryMapIterator) {
	for {
		r, ok := mm.Next()
		if !ok {
			break
		}
		base := uint32(r.Base / PageSize)
		count := uint32(r.Length / PageSize)
		if count == 0 {
			continue
		}
		a.regions = append(a.regions, region{baseFrame: base, count: count})

		switch r.Type {
		case collab.RegionFree:
			for i := uint32(0); i < count; i++ {
				idx := base + i
				if _, claimed := a.Flags(Frame(idx)); claimed {
					continue // already bootstrap-claimed by MarkInUse
				}
				a.setRangeFlags(idx, 1, pageFlags{Kind: uint8(r.Type)})
				a.deallocateIndex(idx)
			}
		case collab.RegionBootloaderReclaimable:
			a.setRangeFlags(base, count, pageFlags{Kind: uint8(r.Type)})
			a.reclaimable.Add(uint64(count))
		case collab.RegionReserved:
			a.setRangeFlags(base, count, pageFlags{Kind: uint8(r.Type)})
			a.reservedFrames.Add(uint64(count))
		case collab.RegionACPIReclaimable:
			a.setRangeFlags(base, count, pageFlags{Kind: uint8(r.Type)})
			a.reclaimable.Add(uint64(count))
		case collab.RegionUnusable, collab.RegionUnknown, collab.RegionInUse:
			a.setRangeFlags(base, count, pageFlags{Kind: uint8(r.Type)})
			a.unusableFrames.Add(uint64(count))
		}
	}
	sort.Slice(a.regions, func(i, j int) bool { return a.regions[i].baseFrame < a.regions[j].baseFrame })
	klog.Info("frame allocator initialized", "free", a.freeMemory.Load(), "regions", len(a.regions))
}

// MarkInUse claims count frames starting at base before Init runs, so
// Init's free-list walk skips them instead of pushing them free —
// used for bootstrap frames already consumed by early page-table
// construction (spec §4.A). Must be called before Init; marking a
// frame in_use after Init has already pushed it to the free list does
// not pull it back off.
func (a *Allocator) MarkInUse(base Frame, count uint32) {
	for i := uint32(0); i < count; i++ {
		a.pages[uint32(base)+i].inUse.Store(true)
	}
	a.setRangeFlags(uint32(base), count, pageFlags{Kind: uint8(collab.RegionInUse), KernelPage: true})
}

// setRangeFlags packs f into every page's flags word across [base, base+count).
func (a *Allocator) setRangeFlags(base, count uint32, f pageFlags) {
	packed, err := bitset.Pack(f)
	kernerr.Assert(err == nil, "frame: bad page-flag struct: %v", err)
	for i := uint32(0); i < count; i++ {
		a.pages[base+i].flags = uint32(packed)
	}
}

// Flags reports f's boot-region kind and whether early page-table
// construction had already claimed it before the general allocator came
// online (EXPANDED diagnostics, mirroring the teacher's per-page
// Allocated/KernelPage bits).
func (a *Allocator) Flags(f Frame) (kind collab.RegionType, kernelPage bool) {
	var pf pageFlags
	err := bitset.Unpack(uint64(a.pages[uint32(f)].flags), &pf)
	kernerr.Assert(err == nil, "frame: corrupt page flags for %d: %v", f, err)
	return collab.RegionType(pf.Kind), pf.KernelPage
}

// Allocate pops a frame from the free LIFO.
func (a *Allocator) Allocate() (Frame, error) {
	for {
		head := a.freeHead.Load()
		if head == noFrame {
			return 0, kernerr.OutOfPhysicalFrames
		}
		next := a.pages[head].next.Load()
		if a.freeHead.CompareAndSwap(head, next) {
			a.pages[head].inUse.Store(true)
			a.freeMemory.Add(^uint64(0)) // decrement
			return Frame(head), nil
		}
	}
}

// Deallocate validates the page is currently in_use, flips its state, and
// pushes it back onto the free LIFO.
func (a *Allocator) Deallocate(f Frame) {
	kernerr.Assert(a.pages[uint32(f)].inUse.Load(), "frame.Deallocate: frame %d already free", f)
	a.deallocateIndex(uint32(f))
}

func (a *Allocator) deallocateIndex(idx uint32) {
	a.pages[idx].inUse.Store(false)
	for {
		head := a.freeHead.Load()
		a.pages[idx].next.Store(head)
		if a.freeHead.CompareAndSwap(head, idx) {
			a.freeMemory.Add(1)
			return
		}
	}
}

// FreeMemory returns the monotone free-frame counter with acquire
// ordering, satisfying spec §5's ordering requirement.
func (a *Allocator) FreeMemory() uint64 { return a.freeMemory.Load() }

// NumPages reports the size of the descriptor array.
func (a *Allocator) NumPages() int { return len(a.pages) }

// PageFromFrame returns the descriptor for f, found by binary-searching
// the sorted region list for the region containing f (spec §3's
// "regions are kept sorted for binary-search lookup").
func (a *Allocator) PageFromFrame(f Frame) *Page {
	idx := uint32(f)
	i := sort.Search(len(a.regions), func(i int) bool {
		return a.regions[i].baseFrame+a.regions[i].count > idx
	})
	kernerr.Assert(i < len(a.regions) && a.regions[i].baseFrame <= idx, "frame.PageFromFrame: %d not in any region", f)
	return &a.pages[idx]
}

// Reserved, Reclaimable and Unusable report the telemetry counters
// accumulated during Init (EXPANDED diagnostics, not part of the spec's
// invariant list).
func (a *Allocator) Reserved() uint64    { return a.reservedFrames.Load() }
func (a *Allocator) Reclaimable() uint64 { return a.reclaimable.Load() }
func (a *Allocator) Unusable() uint64    { return a.unusableFrames.Load() }
