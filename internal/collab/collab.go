// Package collab defines the external collaborator interfaces the memory
// core consumes (spec §6): architecture page-table manipulation, IPI
// delivery, and the boot loader's memory map. The core never implements
// these itself; production wiring happens in cmd/vmdemo, and every
// package's test suite exercises the core against the in-memory fakes in
// fake.go.
package collab

// Protection mirrors the access bits a page-table mapping can carry.
type Protection uint8

const (
	ProtRead Protection = 1 << iota
	ProtWrite
	ProtExecute
)

// AddressRange is a half-open virtual range [Base, Base+Length).
type AddressRange struct {
	Base   uintptr
	Length uintptr
}

// End returns the exclusive end of the range.
func (r AddressRange) End() uintptr { return r.Base + r.Length }

// Frame is the opaque physical-frame index the frame allocator (component
// A) hands out. Collaborators receive frames the core allocated, or, for
// the heap's special (MMIO) mappings, frames naming a caller-supplied
// physical range.
type Frame uint32

// PageTable is the architecture-specific page-table collaborator named in
// spec §6: map, unmap, flushCache.
type PageTable interface {
	// Map installs a mapping from virtual to frame with the given
	// protection. keepTopLevel instructs the collaborator not to free
	// now-empty intermediate page-table levels (used during bulk unmap
	// followed immediately by remap).
	Map(virtual uintptr, frame Frame, prot Protection, keepTopLevel bool) error

	// Unmap removes the mapping at virtual. If freeBacking is true the
	// backing frame is returned to the caller for deallocation; otherwise
	// it reports the frame that was mapped without freeing it.
	Unmap(virtual uintptr, freeBacking bool, keepTopLevel bool) (Frame, bool, error)

	// FlushCache performs the architecture TLB invalidation for r. This is
	// the local half of a flush request (spec §4.B step 3); it never
	// blocks and never takes an allocator lock.
	FlushCache(r AddressRange)
}

// InterruptSender delivers the targeted IPI that asks a remote executor to
// service its flush-request queue.
type InterruptSender interface {
	SendFlushIPI(executor int)
}

// ProcessID identifies an address space owner for the user-target flush
// predicate (spec §9 open question).
type ProcessID uint64

// ProcessAttachment reports whether a remote executor currently has a
// given process's address space attached, so a user-target flush can skip
// CPUs not running that process.
type ProcessAttachment interface {
	IsAttached(executor int, proc ProcessID) bool
}

// RegionType classifies a boot memory map entry (spec §6).
type RegionType uint8

const (
	RegionFree RegionType = iota
	RegionInUse
	RegionReserved
	RegionBootloaderReclaimable
	RegionACPIReclaimable
	RegionUnusable
	RegionUnknown
)

// Region is one entry of the boot loader's memory map.
type Region struct {
	Base   uintptr
	Length uintptr
	Type   RegionType
}

// MemoryMapIterator walks the boot loader's memory map forward, as
// consumed by the frame allocator's Init (spec §4.A).
type MemoryMapIterator interface {
	Next() (Region, bool)
}
