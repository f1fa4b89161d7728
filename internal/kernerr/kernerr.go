// Package kernerr defines the typed error values returned by the memory
// core, and the Assert helper used for invariant violations that the spec
// requires to abort rather than be recovered from.
package kernerr

import "fmt"

// Error is a sentinel error kind. It is a string rather than a struct so
// that distinct kinds can be compared with ==, the same pattern the
// physical allocator in the gopher-os kernel uses for its own
// errors.KernelError type.
type Error string

func (e Error) Error() string { return string(e) }

const (
	// Frame allocator (component A).
	OutOfPhysicalFrames Error = "out of physical frames"

	// Resource arena (component C).
	OutOfBoundaryTags          Error = "out of boundary tags"
	BucketGroupsExhausted      Error = "bucket groups exhausted"
	ZeroLength                 Error = "zero length"
	WouldWrap                  Error = "would wrap"
	Unaligned                  Error = "unaligned"
	Overlap                    Error = "overlap"
	RequestedLengthUnavailable Error = "requested length unavailable"
	NameTooLong                Error = "arena name too long"
	InvalidQuantum              Error = "invalid quantum"

	// Slab cache (component D).
	SlabAllocationFailed       Error = "slab allocation failed"
	ObjectConstructionFailed   Error = "object construction failed"
	LargeObjectAllocationFailed Error = "large object allocation failed"

	// Address space (component F).
	AddressSpaceMapZeroLength Error = "address space map: zero length"
	AddressSpaceOutOfMemory  Error = "address space: out of memory"

	// Page fault kinds (component F). The restart signal is deliberately
	// not one of these: it is an internal re-entry signal (see restart
	// below), never returned from HandlePageFault.
	PageFaultNotMapped   Error = "page fault: address not mapped"
	PageFaultProtection  Error = "page fault: protection violation"
	PageFaultNoMemory    Error = "page fault: no memory"
)

// restart is the internal "re-entry, not failure" signal used by
// handlePageFault when the entries list changed out from under a fault in
// progress. It is never returned across a package boundary.
const restart Error = "page fault: restart"

// Restart reports whether err is the internal fault-restart signal.
func Restart(err error) bool { return err == restart }

// ErrRestart is returned internally to request that the caller retry
// faultCheck from the top.
var ErrRestart = restart

// Assert panics with a formatted message if cond is false. It is used for
// the programming-error invariants that abort rather than be recovered
// from: double-free of a frame, deallocating an arena range not covered
// by live allocations (including an already-free range), and destroying
// an arena whose spans are not fully free. Lock-rank order and executor
// capacity are not checked. Go has no separate debug/release assertion
// stripping, so unlike the source this implementation's Assert always
// panics — see DESIGN.md.
func Assert(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf(format, args...))
	}
}
