// Package heap implements component E, the Heap Facade: the three-arena
// chain spec §4.E describes (an address-space arena, a page arena that
// maps physical frames as it grows, and the general-purpose object arena
// callers actually allocate from), plus the special heap used for
// MMIO/device memory (spec §4.E, "special_heap").
//
// Grounded on the teacher kernel's two-layer heap.go/page.go split
// (heapInit sourcing its arena from page-granularity allocations, which
// in turn come from the physical frame allocator): this package
// generalizes that fixed two-layer pipeline into the spec's three
// vmem.Arena stack, reusing component C for all three layers instead of
// the teacher's single bespoke free list.
package heap

import (
	"sync"

	"mazarin/internal/collab"
	"mazarin/internal/flush"
	"mazarin/internal/frame"
	"mazarin/internal/kernerr"
	"mazarin/internal/vmem"
)

const pageQuantum = frame.PageSize

// defaultQuantumCacheCount mirrors the spec's general-purpose heap
// arena quantum caches, sized 16B up to 16*16B.
const defaultQuantumCacheCount = 16

// Facade owns the address-space/page/object arena chain backing general
// kernel allocation.
type Facade struct {
	self int // the executor identity this Facade submits flush requests as

	addressSpace *vmem.Arena
	page         *vmem.Arena
	arena        *vmem.Arena
	special      *vmem.Arena

	frames     *frame.Allocator
	pageTable  collab.PageTable
	flushCoord *flush.Coordinator

	pageImportMu sync.Mutex // serializes page-arena import/release (spec §4.E)
}

// New builds the facade over [windowBase, windowBase+windowLength), the
// higher-half kernel window component G carves out for the heap, plus a
// disjoint [specialBase, specialBase+specialLength) window for the
// special heap.
func New(self int, windowBase, windowLength, specialBase, specialLength uint64, frames *frame.Allocator, pageTable collab.PageTable, flushCoord *flush.Coordinator) (*Facade, error) {
	f := &Facade{self: self, frames: frames, pageTable: pageTable, flushCoord: flushCoord}

	addressSpace, err := vmem.New("heap-address-space", pageQuantum, nil, nil)
	if err != nil {
		return nil, err
	}
	if err := addressSpace.AddSpan(windowBase, windowLength); err != nil {
		return nil, err
	}
	f.addressSpace = addressSpace

	page, err := vmem.New("heap-page", pageQuantum, &pageArenaSource{f: f}, nil)
	if err != nil {
		return nil, err
	}
	f.page = page

	arena, err := vmem.New("heap-arena", 16, vmem.AsSource(page), nil)
	if err != nil {
		return nil, err
	}
	arena.WithQuantumCaches(defaultQuantumCacheCount)
	f.arena = arena

	special, err := vmem.New("special-heap", pageQuantum, nil, nil)
	if err != nil {
		return nil, err
	}
	if err := special.AddSpan(specialBase, specialLength); err != nil {
		return nil, err
	}
	f.special = special

	return f, nil
}

// Allocate reserves length bytes of general kernel heap memory.
func (f *Facade) Allocate(length uint64, policy vmem.Policy) (vmem.Range, error) {
	return f.arena.Allocate(length, policy)
}

// Deallocate returns a range Allocate previously handed out.
func (f *Facade) Deallocate(r vmem.Range) {
	f.arena.Deallocate(r)
}

// pageArenaSource is the heap page arena's vmem.Source: growing it maps
// fresh physical frames into the reserved virtual window; shrinking it
// unmaps and flushes before the frames are returned (spec §4.E).
type pageArenaSource struct{ f *Facade }

func (s *pageArenaSource) Import(length uint64, policy vmem.Policy) (vmem.Range, error) {
	f := s.f
	r, err := f.addressSpace.Allocate(length, policy)
	if err != nil {
		return vmem.Range{}, err
	}

	f.pageImportMu.Lock()
	defer f.pageImportMu.Unlock()

	numPages := length / pageQuantum
	mapped := make([]frame.Frame, 0, numPages)
	for i := uint64(0); i < numPages; i++ {
		fr, ferr := f.frames.Allocate()
		if ferr != nil {
			for j, done := range mapped {
				f.pageTable.Unmap(uintptr(r.Base)+uintptr(j)*pageQuantum, true, false)
				f.frames.Deallocate(done)
			}
			f.addressSpace.Deallocate(r)
			return vmem.Range{}, ferr
		}
		virtual := uintptr(r.Base) + uintptr(i)*pageQuantum
		if merr := f.pageTable.Map(virtual, collab.Frame(fr), collab.ProtRead|collab.ProtWrite, false); merr != nil {
			f.frames.Deallocate(fr)
			for j, done := range mapped {
				f.pageTable.Unmap(uintptr(r.Base)+uintptr(j)*pageQuantum, true, false)
				f.frames.Deallocate(done)
			}
			f.addressSpace.Deallocate(r)
			return vmem.Range{}, merr
		}
		mapped = append(mapped, fr)
	}
	return r, nil
}

func (s *pageArenaSource) Release(base, length uint64) {
	f := s.f
	f.pageImportMu.Lock()
	numPages := length / pageQuantum
	for i := uint64(0); i < numPages; i++ {
		virtual := uintptr(base) + uintptr(i)*pageQuantum
		cf, ok, err := f.pageTable.Unmap(virtual, true, false)
		kernerr.Assert(err == nil && ok, "heap: page-arena release unmapped nothing at %#x", virtual)
		f.frames.Deallocate(frame.Frame(cf))
	}
	f.pageImportMu.Unlock()

	f.flushCoord.SubmitAndWait(f.self, collab.AddressRange{Base: uintptr(base), Length: uintptr(length)}, flush.TargetKernel, 0)
	f.addressSpace.Deallocate(vmem.Range{Base: base, Length: length})
}
