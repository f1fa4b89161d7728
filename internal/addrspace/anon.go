package addrspace

import (
	"mazarin/internal/collab"
	"mazarin/internal/kernerr"
	"mazarin/internal/klog"
)

// resolvePage is faultObjectOrZeroFill (spec §4.F): lazily allocates the
// entry's anonymous map on first fault, then resolves the faulting page
// either from the map (already faulted once) or freshly — zero-filled
// for an anonymous entry, or read from the backing object.
func (a *AddressSpace) resolvePage(e *entry, d FaultDetails) error {
	if e.anon == nil && e.object == nil {
		a.entriesMu.Lock()
		if e.anon == nil {
			e.anon = &mapRef{m: newAnonymousMap(e.numberOfPages)}
		}
		a.entriesMu.Unlock()
	}

	localIndex := uint64(d.Address-e.base) / PageSize

	if e.anon != nil {
		return a.resolveAnonymousPage(e, localIndex, d.Write)
	}
	return a.resolveObjectPage(e, localIndex, d.Write)
}

func (a *AddressSpace) resolveAnonymousPage(e *entry, localIndex uint64, write bool) error {
	m := e.anon.m
	mapIdx := e.anon.startOffset + localIndex

	m.mu.Lock()
	fr, ok := m.pages[mapIdx]
	if !ok {
		newFr, err := a.frames.Allocate()
		if err != nil {
			m.mu.Unlock()
			return kernerr.PageFaultNoMemory
		}
		a.retainPage(newFr)
		m.pages[mapIdx] = newFr
		fr = newFr
	}
	m.mu.Unlock()

	prot := e.protection
	if e.needsCopy && !write {
		prot &^= collab.ProtWrite
	}
	virtual := e.base + uintptr(localIndex)*PageSize
	return a.pageTable.Map(virtual, collab.Frame(fr), prot, false)
}

func (a *AddressSpace) resolveObjectPage(e *entry, localIndex uint64, write bool) error {
	fr, err := e.object.ResolvePage(localIndex)
	if err != nil {
		return kernerr.PageFaultNoMemory
	}
	prot := e.protection
	if e.copyOnWrite && !write {
		prot &^= collab.ProtWrite
	}
	virtual := e.base + uintptr(localIndex)*PageSize
	return a.pageTable.Map(virtual, collab.Frame(fr), prot, false)
}

// promoteLocked implements the copy-on-write promotion a write fault
// against a needs-copy entry triggers (spec §4.F / AnonymousMap.copy):
// the fast path when the map is unshared just clears needsCopy; the
// full split — "not implemented in the original source" per the spec —
// gives the entry a private map, shares each existing page's frame with
// the old map (incrementing its reference count rather than copying
// content neither side has a byte-addressable view of), and drops the
// old map's own reference. Caller must hold entriesMu for write.
func (a *AddressSpace) promoteLocked(e *entry) {
	if e.anon == nil {
		e.anon = &mapRef{m: newAnonymousMap(e.numberOfPages)}
		e.needsCopy = false
		return
	}

	old := e.anon.m
	old.mu.Lock()
	shared := old.referenceCount > 1
	if !shared {
		old.mu.Unlock()
		e.needsCopy = false
		return
	}

	newMap := newAnonymousMap(old.numberOfPages)
	for idx, fr := range old.pages {
		newMap.pages[idx] = fr
		a.retainPage(fr)
	}
	old.referenceCount--
	old.mu.Unlock()

	e.anon = &mapRef{m: newMap, startOffset: e.anon.startOffset}
	e.needsCopy = false
	klog.Debug("copy-on-write split", "base", e.base, "pages", e.numberOfPages)
}
