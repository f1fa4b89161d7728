// Command vmdemo exercises the full memory core — frame allocator,
// flush coordinator, resource arenas, slab cache, heap facade, and
// address space — against the in-memory collaborator fakes, the same
// way the teacher kernel's kernel.go wires pageInit/heapInit/mmuInit
// together at boot before handing control to the scheduler. It is a
// driver, not a test: every invariant it exercises already has a
// package-level test backing it.
package main

import (
	"fmt"
	"sync"
	"unsafe"

	"mazarin/internal/addrspace"
	"mazarin/internal/collab"
	"mazarin/internal/flush"
	"mazarin/internal/frame"
	"mazarin/internal/heap"
	"mazarin/internal/klog"
	"mazarin/internal/layout"
	"mazarin/internal/slab"
	"mazarin/internal/vmem"
)

// heapSlabSource is the slab.Source a demo cache grows through: each
// growth reserves a matching range from the heap facade (so the
// facade's own accounting reflects the memory a live slab holds) and
// separately obtains real Go-managed storage for slab.Cache to slice
// objects from, linked only by the storage's address — the same split
// vmem's own quantumCacheSource uses for its quantum caches.
type heapSlabSource struct {
	hf *heap.Facade

	mu     sync.Mutex
	ranges map[uintptr]vmem.Range
}

func newHeapSlabSource(hf *heap.Facade) *heapSlabSource {
	return &heapSlabSource{hf: hf, ranges: make(map[uintptr]vmem.Range)}
}

func (s *heapSlabSource) Allocate(length uint64) ([]byte, error) {
	r, err := s.hf.Allocate(length, vmem.InstantFit)
	if err != nil {
		return nil, err
	}
	mem := make([]byte, length)
	s.mu.Lock()
	s.ranges[uintptr(unsafe.Pointer(&mem[0]))] = r
	s.mu.Unlock()
	return mem, nil
}

func (s *heapSlabSource) Release(mem []byte) {
	key := uintptr(unsafe.Pointer(&mem[0]))
	s.mu.Lock()
	r, ok := s.ranges[key]
	delete(s.ranges, key)
	s.mu.Unlock()
	if ok {
		s.hf.Deallocate(r)
	}
}

const numExecutors = 4
const demoPhysicalPages = 4096 // 16MiB of simulated physical memory

func main() {
	klog.Info("vmdemo: booting")

	mm := func() collab.MemoryMapIterator {
		return collab.NewSliceMemoryMap([]collab.Region{
			{Base: 0, Length: demoPhysicalPages * frame.PageSize, Type: collab.RegionFree},
		})
	}

	const higherHalfBase = 0xFFFF_8000_0000_0000
	const higherHalfSize = 1 << 34 // 16GiB higher-half window

	lay, err := layout.Bootstrap(mm(), higherHalfBase, higherHalfSize, 4)
	if err != nil {
		klog.Error("layout bootstrap failed", "err", err)
		return
	}
	klog.Info("layout carved",
		"physmap", fmt.Sprintf("%#x/%#x", lay.PhysmapDirect.Base, lay.PhysmapDirect.Length),
		"heap", fmt.Sprintf("%#x/%#x", lay.Heap.Base, lay.Heap.Length),
		"vmalloc", fmt.Sprintf("%#x/%#x", lay.Vmalloc.Base, lay.Vmalloc.Length),
		"modules", fmt.Sprintf("%#x/%#x", lay.Modules.Base, lay.Modules.Length),
	)

	// The demo's own image occupies the first page of simulated physical
	// memory; BootstrapFrameAllocator reserves it before the general
	// allocator's free list is populated, the same two-phase order the
	// teacher's pageInit uses for kernelPages/heapPages.
	frames, err := layout.BootstrapFrameAllocator(mm(), lay.TotalPhysicalMemory,
		collab.AddressRange{Base: 0, Length: frame.PageSize})
	if err != nil {
		klog.Error("frame allocator bootstrap failed", "err", err)
		return
	}
	klog.Info("frame allocator initialized", "free", frames.FreeMemory())

	pageTable := collab.NewFakePageTable()
	interrupts := collab.NewFakeInterruptSender()
	flushCoord := flush.New(numExecutors, pageTable, interrupts, nil)
	// Each simulated executor services its flush queue as soon as its IPI
	// arrives, standing in for that executor's interrupt handler.
	interrupts.Handler = func(executor int) { flushCoord.ProcessPendingOnSelf(executor) }

	hf, err := heap.New(0, uint64(lay.Heap.Base), uint64(lay.Heap.Length), uint64(lay.Modules.Base), uint64(lay.Modules.Length), frames, pageTable, flushCoord)
	if err != nil {
		klog.Error("heap facade init failed", "err", err)
		return
	}

	r, err := hf.Allocate(256, vmem.InstantFit)
	if err != nil {
		klog.Error("heap allocate failed", "err", err)
		return
	}
	klog.Info("heap allocation", "base", fmt.Sprintf("%#x", r.Base), "length", r.Length)
	hf.Deallocate(r)

	cache := slab.New("vmdemo-records", 32, 8, newHeapSlabSource(hf), nil, nil, false, true)
	obj, err := cache.Allocate()
	if err != nil {
		klog.Error("slab allocate failed", "err", err)
		return
	}
	klog.Info("slab object allocated", "addr", fmt.Sprintf("%p", obj))
	cache.Free(obj)

	as, err := addrspace.New(0, uint64(lay.Vmalloc.Base), uint64(lay.Vmalloc.Length), pageTable, frames, flushCoord)
	if err != nil {
		klog.Error("address space init failed", "err", err)
		return
	}
	ar, err := as.Map(addrspace.MapOptions{
		NumberOfPages: 4,
		Protection:    collab.ProtRead | collab.ProtWrite,
		Type:          addrspace.ZeroFill,
		CopyOnWrite:   true,
	})
	if err != nil {
		klog.Error("address space map failed", "err", err)
		return
	}
	if err := as.HandlePageFault(addrspace.FaultDetails{Address: ar.Base, Write: false}); err != nil {
		klog.Error("demand-zero fault failed", "err", err)
		return
	}
	if err := as.HandlePageFault(addrspace.FaultDetails{Address: ar.Base, Write: true}); err != nil {
		klog.Error("copy-on-write promotion fault failed", "err", err)
		return
	}
	klog.Info("address space demand-zero + COW promotion completed", "base", fmt.Sprintf("%#x", ar.Base))

	if err := as.Unmap(ar); err != nil {
		klog.Error("unmap failed", "err", err)
		return
	}

	klog.Info("vmdemo: done")
}
