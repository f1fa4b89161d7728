package addrspace

import (
	"sort"
	"sync"
	"sync/atomic"

	"mazarin/internal/collab"
	"mazarin/internal/flush"
	"mazarin/internal/frame"
	"mazarin/internal/kernerr"
	"mazarin/internal/vmem"
)

// AddressSpace is one process's (or the kernel's) virtual address space:
// a vmem.Arena reserving the window's virtual ranges, a sorted entry
// list under entriesMu, and the page-fault/unmap machinery that mutates
// it (spec §4.F).
type AddressSpace struct {
	self       int
	arena      *vmem.Arena
	pageTable  collab.PageTable
	frames     *frame.Allocator
	flushCoord *flush.Coordinator

	entriesMu      sync.RWMutex
	entries        []*entry // sorted by base
	entriesVersion atomic.Uint64

	pageRefMu     sync.Mutex
	pageRefCounts map[frame.Frame]int
}

// New builds an address space over [windowBase, windowBase+windowLength).
// self is the executor identity used for flush submission (spec §4.B).
func New(self int, windowBase, windowLength uint64, pageTable collab.PageTable, frames *frame.Allocator, flushCoord *flush.Coordinator) (*AddressSpace, error) {
	arena, err := vmem.New("addrspace", PageSize, nil, nil)
	if err != nil {
		return nil, err
	}
	if err := arena.AddSpan(windowBase, windowLength); err != nil {
		return nil, err
	}
	return &AddressSpace{
		self:          self,
		arena:         arena,
		pageTable:     pageTable,
		frames:        frames,
		flushCoord:    flushCoord,
		pageRefCounts: make(map[frame.Frame]int),
	}, nil
}

// MapOptions describes a requested mapping (spec §4.F map(opts)).
type MapOptions struct {
	NumberOfPages uint64
	Protection    collab.Protection
	Type          MappingType
	Object        ObjectSource
	CopyOnWrite   bool
}

// Map reserves NumberOfPages fresh pages and installs (or extends, via
// merge) an address-space entry for them. No page table entries or
// physical frames are touched here: both zero-fill and object-backed
// entries are populated lazily by HandlePageFault (spec §4.F).
func (a *AddressSpace) Map(opts MapOptions) (collab.AddressRange, error) {
	if opts.NumberOfPages == 0 {
		return collab.AddressRange{}, kernerr.AddressSpaceMapZeroLength
	}
	kernerr.Assert((opts.Type == ObjectBacked) == (opts.Object != nil), "addrspace.Map: Type/Object mismatch")
	length := opts.NumberOfPages * PageSize

	r, err := a.arena.Allocate(length, vmem.InstantFit)
	if err != nil {
		return collab.AddressRange{}, kernerr.AddressSpaceOutOfMemory
	}

	candidate := &entry{
		base:          uintptr(r.Base),
		numberOfPages: opts.NumberOfPages,
		protection:    opts.Protection,
		object:        opts.Object,
		copyOnWrite:   opts.CopyOnWrite,
		needsCopy:     opts.CopyOnWrite,
	}

	a.entriesMu.Lock()
	a.insertWithMergeLocked(candidate)
	a.entriesVersion.Add(1)
	a.entriesMu.Unlock()

	return collab.AddressRange{Base: uintptr(r.Base), Length: uintptr(r.Length)}, nil
}

// canMerge reports whether two adjacent, freshly reserved entries can be
// folded into one (spec §4.F determineEntryMerge). This implementation
// merges only entries that have never yet been touched by a page fault
// (anon == nil on both sides, no backing object): merging entries that
// already carry faulted pages would require re-keying an anonymous map's
// page-index space, which this port does not implement — see DESIGN.md.
func canMerge(x, y *entry) bool {
	return x.protection == y.protection &&
		x.copyOnWrite == y.copyOnWrite &&
		x.needsCopy == y.needsCopy &&
		x.anon == nil && y.anon == nil &&
		x.object == nil && y.object == nil
}

// insertWithMergeLocked implements the three-way merge rule (neither,
// before, after, both mergeable) by attempting the before-merge and the
// after-merge independently, in base order, composing to cover all four
// cases without duplicating logic. Caller must hold entriesMu for write.
func (a *AddressSpace) insertWithMergeLocked(candidate *entry) {
	i := sort.Search(len(a.entries), func(i int) bool { return a.entries[i].base >= candidate.base })

	var effective *entry
	if i > 0 && a.entries[i-1].end() == candidate.base && canMerge(a.entries[i-1], candidate) {
		before := a.entries[i-1]
		before.numberOfPages += candidate.numberOfPages
		effective = before
	} else {
		a.entries = append(a.entries, nil)
		copy(a.entries[i+1:], a.entries[i:])
		a.entries[i] = candidate
		effective = candidate
		i++ // after-neighbor is now at position i (was i before insertion)
	}

	if i < len(a.entries) && a.entries[i] != effective && a.entries[i].base == effective.end() && canMerge(effective, a.entries[i]) {
		after := a.entries[i]
		effective.numberOfPages += after.numberOfPages
		a.entries = append(a.entries[:i], a.entries[i+1:]...)
	}
}

// findEntryLocked returns the entry containing addr, or nil. Caller must
// hold entriesMu (read or write).
func (a *AddressSpace) findEntryLocked(addr uintptr) *entry {
	i := sort.Search(len(a.entries), func(i int) bool { return a.entries[i].end() > addr })
	if i < len(a.entries) && a.entries[i].contains(addr) {
		return a.entries[i]
	}
	return nil
}

// retainPage records a new reference to fr — either its first (on fresh
// allocation) or an additional one (on a copy-on-write split sharing it
// across two anonymous maps).
func (a *AddressSpace) retainPage(fr frame.Frame) {
	a.pageRefMu.Lock()
	a.pageRefCounts[fr]++
	a.pageRefMu.Unlock()
}

// releasePage drops one reference to fr, returning it to the frame
// allocator once the last reference is gone.
func (a *AddressSpace) releasePage(fr frame.Frame) {
	a.pageRefMu.Lock()
	a.pageRefCounts[fr]--
	n := a.pageRefCounts[fr]
	if n <= 0 {
		delete(a.pageRefCounts, fr)
	}
	a.pageRefMu.Unlock()
	if n <= 0 {
		a.frames.Deallocate(fr)
	}
}

func (a *AddressSpace) submitFlush(r collab.AddressRange) {
	a.flushCoord.SubmitAndWait(a.self, r, flush.TargetKernel, 0)
}
