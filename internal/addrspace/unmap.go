package addrspace

import (
	"mazarin/internal/collab"
	"mazarin/internal/frame"
	"mazarin/internal/kernerr"
	"mazarin/internal/vmem"
)

// Unmap tears down every mapping intersecting r: page-table entries are
// removed, referenced pages are released (freeing the backing frame once
// its last reference is gone), affected entries are removed, trimmed, or
// split in two around the punched-out range, and the torn-down virtual
// range is returned to the address space's own arena (spec §4.F's final
// unmap step). The spec explicitly leaves unmap() unimplemented in the
// original source (§4.F); this is this port's from-scratch
// implementation, built to preserve the same entry/anonymous-map
// invariants Map and HandlePageFault rely on. Arena.Deallocate tolerates
// a hole that is only part of a larger Map-time (or merged) allocation,
// so the exact punched range is always what gets returned here — never
// the whole surviving entry's range.
func (a *AddressSpace) Unmap(r collab.AddressRange) error {
	if r.Length == 0 {
		return kernerr.AddressSpaceMapZeroLength
	}
	lo0, hi0 := r.Base, r.End()

	a.entriesMu.Lock()
	defer a.entriesMu.Unlock()

	result := make([]*entry, 0, len(a.entries)+1)
	for _, e := range a.entries {
		if e.end() <= lo0 || e.base >= hi0 {
			result = append(result, e)
			continue
		}

		lo, hi := e.base, e.end()
		if lo0 > lo {
			lo = lo0
		}
		if hi0 < hi {
			hi = hi0
		}
		a.unmapRangeInEntry(e, lo, hi)
		a.arena.Deallocate(vmem.Range{Base: uint64(lo), Length: uint64(hi - lo)})

		switch {
		case lo == e.base && hi == e.end():
			a.dropEntryAnonRefLocked(e)
			// entry fully removed: not appended to result.

		case lo == e.base:
			trimmed := uint64(hi-lo) / PageSize
			e.base = hi
			e.numberOfPages -= trimmed
			if e.anon != nil {
				e.anon.startOffset += trimmed
			}
			result = append(result, e)

		case hi == e.end():
			e.numberOfPages -= uint64(hi-lo) / PageSize
			result = append(result, e)

		default:
			front := &entry{
				base:          e.base,
				numberOfPages: uint64(lo-e.base) / PageSize,
				protection:    e.protection,
				object:        e.object,
				copyOnWrite:   e.copyOnWrite,
				needsCopy:     e.needsCopy,
			}
			if e.anon != nil {
				front.anon = &mapRef{m: e.anon.m, startOffset: e.anon.startOffset}
				e.anon.m.mu.Lock()
				e.anon.m.referenceCount++
				e.anon.m.mu.Unlock()
			}
			backTrimmed := uint64(hi-e.base) / PageSize
			if e.anon != nil {
				e.anon.startOffset += backTrimmed
			}
			e.base = hi
			e.numberOfPages -= backTrimmed
			result = append(result, front, e)
		}
	}
	a.entries = result
	a.entriesVersion.Add(1)
	a.submitFlush(r)
	return nil
}

// unmapRangeInEntry removes page-table mappings and releases pages for
// every page in [lo,hi) of e, which must lie within e's own window.
func (a *AddressSpace) unmapRangeInEntry(e *entry, lo, hi uintptr) {
	for addr := lo; addr < hi; addr += PageSize {
		cf, ok, err := a.pageTable.Unmap(addr, false, false)
		if err != nil || !ok {
			continue
		}
		if e.anon != nil {
			mapIdx := e.anon.startOffset + uint64(addr-e.base)/PageSize
			e.anon.m.mu.Lock()
			delete(e.anon.m.pages, mapIdx)
			e.anon.m.mu.Unlock()
		}
		a.releasePage(frame.Frame(cf))
	}
}

func (a *AddressSpace) dropEntryAnonRefLocked(e *entry) {
	if e.anon == nil {
		return
	}
	m := e.anon.m
	m.mu.Lock()
	m.referenceCount--
	// The last reference gone: release the page references the map
	// still holds (pages no remaining entry reaches any more).
	var orphaned []frame.Frame
	if m.referenceCount == 0 {
		for idx, fr := range m.pages {
			orphaned = append(orphaned, fr)
			delete(m.pages, idx)
		}
	}
	m.mu.Unlock()
	for _, fr := range orphaned {
		a.releasePage(fr)
	}
}
