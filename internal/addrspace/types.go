// Package addrspace implements component F, the UVM-style virtual
// address space: entries sorted by base, anonymous maps backing
// zero-fill and copy-on-write regions, and a two-phase page-fault
// handler (spec §4.F).
//
// This package has no direct analogue in the teacher kernel (which
// never implemented address-space mapping beyond a flat identity map),
// so its shape is grounded on the spec's own UVM vocabulary and built
// in the idiom the rest of this module already established: a
// vmem.Arena reserves virtual ranges, sync.RWMutex protects the entry
// list the way slab.Cache's mutex protects its slab lists, and
// collab.PageTable/flush.Coordinator are the same collaborators
// component E already wires.
package addrspace

import (
	"sync"

	"mazarin/internal/collab"
	"mazarin/internal/frame"
)

// PageSize is the address space's page granularity.
const PageSize = frame.PageSize

// MappingType selects what backs a freshly mapped entry.
type MappingType uint8

const (
	ZeroFill MappingType = iota
	ObjectBacked
)

// ObjectSource resolves a page of a backing object (spec's "object
// reference"); AddressSpace never implements this itself (spec §6).
type ObjectSource interface {
	ResolvePage(index uint64) (frame.Frame, error)
}

// AnonymousMap is the spec's anonymous map: a reference-counted,
// sparse index of physical pages backing one or more address-space
// entries.
type AnonymousMap struct {
	mu             sync.RWMutex
	referenceCount int32
	numberOfPages  uint64
	pages          map[uint64]frame.Frame // page index -> frame
}

func newAnonymousMap(numberOfPages uint64) *AnonymousMap {
	return &AnonymousMap{referenceCount: 1, numberOfPages: numberOfPages, pages: make(map[uint64]frame.Frame)}
}

// mapRef is the spec's { map, start_offset } reference: how an entry
// names its own sub-window of a (possibly shared) anonymous map.
type mapRef struct {
	m           *AnonymousMap
	startOffset uint64
}

// entry is one address-space entry (spec §3). copyOnWrite and
// needsCopy are kept as separate booleans exactly as the spec requires
// so that copyOnWrite=false, needsCopy=true stays constructible only
// through mistakes a reviewer, not the type system, must catch — the
// spec calls this out as a deliberately unrepresented invariant; see
// DESIGN.md.
type entry struct {
	base          uintptr
	numberOfPages uint64
	protection    collab.Protection
	anon          *mapRef
	object        ObjectSource
	copyOnWrite   bool
	needsCopy     bool
}

func (e *entry) end() uintptr { return e.base + uintptr(e.numberOfPages)*PageSize }

func (e *entry) contains(addr uintptr) bool { return addr >= e.base && addr < e.end() }
