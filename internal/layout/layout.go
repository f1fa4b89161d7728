// Package layout implements component G: carving the kernel's
// higher-half virtual window into the named regions the rest of the
// core is built over (the heap facade's window, the direct physical
// map, vmalloc, and loadable modules).
//
// Grounded on the teacher kernel's pageInit (mazboot/golang/main/page.go):
// pageInit sums the boot memory map into a single memSize, then carves
// fixed-size kernel/heap page ranges out of one flat region by walking
// forward from a fixed base. This package generalizes that one-shot,
// single-region carve into four independently sized named regions over
// an arbitrary higher-half window, and replaces the teacher's hardcoded
// 128MB/64MB constants with proportions of whatever window the caller
// supplies (component G never talks to real hardware; cmd/vmdemo
// supplies the window).
package layout

import (
	"mazarin/internal/collab"
	"mazarin/internal/frame"
	"mazarin/internal/kernerr"
	"mazarin/internal/klog"
)

// Layout is the higher-half window split into four named, disjoint,
// ascending regions.
type Layout struct {
	PhysmapDirect collab.AddressRange
	Heap          collab.AddressRange
	Vmalloc       collab.AddressRange
	Modules       collab.AddressRange

	TotalPhysicalMemory uint64
}

// Bootstrap walks mm once to size the direct physical map (it must
// cover every byte of physical memory the boot loader reported, free or
// not), then carves the remainder of [higherHalfBase, higherHalfBase+
// higherHalfSize) into heap, vmalloc and modules windows. heapEighths
// sizes the heap window as a fraction (out of 8) of what remains after
// the direct map; vmalloc and modules evenly split what's left of that.
func Bootstrap(mm collab.MemoryMapIterator, higherHalfBase, higherHalfSize uint64, heapEighths uint64) (*Layout, error) {
	if heapEighths == 0 || heapEighths >= 8 {
		return nil, kernerr.InvalidQuantum
	}

	var totalPhys uint64
	for {
		r, ok := mm.Next()
		if !ok {
			break
		}
		end := uint64(r.Base) + uint64(r.Length)
		if end > totalPhys {
			totalPhys = end
		}
	}

	physmapSize := alignUp(totalPhys, PageSize)
	if physmapSize >= higherHalfSize {
		return nil, kernerr.RequestedLengthUnavailable
	}
	physmap := collab.AddressRange{Base: uintptr(higherHalfBase), Length: uintptr(physmapSize)}

	remaining := higherHalfSize - physmapSize
	remainingBase := higherHalfBase + physmapSize

	heapSize := alignUp(remaining*heapEighths/8, PageSize)
	heap := collab.AddressRange{Base: uintptr(remainingBase), Length: uintptr(heapSize)}

	afterHeap := remaining - heapSize
	vmallocSize := alignUp(afterHeap/2, PageSize)
	vmalloc := collab.AddressRange{Base: uintptr(remainingBase + heapSize), Length: uintptr(vmallocSize)}

	modulesSize := afterHeap - vmallocSize
	modules := collab.AddressRange{Base: uintptr(remainingBase + heapSize + vmallocSize), Length: uintptr(modulesSize)}

	klog.Info("layout bootstrap carved higher-half window",
		"physmap", physmapSize, "heap", heapSize, "vmalloc", vmallocSize, "modules", modulesSize)

	return &Layout{
		PhysmapDirect:       physmap,
		Heap:                heap,
		Vmalloc:             vmalloc,
		Modules:             modules,
		TotalPhysicalMemory: totalPhys,
	}, nil
}

// BootstrapFrameAllocator builds component A's frame.Allocator the way the
// teacher's pageInit does: before the general allocator comes online, the
// physical frames the running kernel image already occupies (its own code,
// data, and the frame descriptor array pageInit zeroes at allPagesArrayBase)
// must be reserved so Init's free-list walk never hands them back out.
// totalPhysicalMemory is Layout.TotalPhysicalMemory; claimed lists the
// physical ranges (kernel image, early page tables, anything else already
// spoken for) to mark in_use before mm is walked — mirroring pageInit's
// kernelPages/heapPages loops, which run before mem_init's free list exists.
// mm must be a fresh iterator: Bootstrap already drained whichever one built
// this Layout.
func BootstrapFrameAllocator(mm collab.MemoryMapIterator, totalPhysicalMemory uint64, claimed ...collab.AddressRange) (*frame.Allocator, error) {
	if totalPhysicalMemory == 0 {
		return nil, kernerr.ZeroLength
	}
	numPages := uint32(alignUp(totalPhysicalMemory, PageSize) / PageSize)
	a := frame.New(numPages)

	for _, c := range claimed {
		base := uint32(uint64(c.Base) / PageSize)
		count := uint32(alignUp(uint64(c.Length), PageSize) / PageSize)
		if count == 0 {
			continue
		}
		if uint64(base)+uint64(count) > uint64(numPages) {
			return nil, kernerr.RequestedLengthUnavailable
		}
		a.MarkInUse(frame.Frame(base), count)
	}

	a.Init(mm)
	klog.Info("frame allocator bootstrapped", "numPages", numPages, "claimed", len(claimed))
	return a, nil
}

// PageSize matches the rest of the core's page granularity (spec.md's
// literal 4096 used throughout the scenario walkthroughs).
const PageSize = 4096

func alignUp(v, quantum uint64) uint64 {
	return (v + quantum - 1) &^ (quantum - 1)
}
