package heap

import (
	"mazarin/internal/collab"
	"mazarin/internal/flush"
	"mazarin/internal/vmem"
)

// AllocateSpecial reserves a virtual range in the special heap window and
// maps it directly to the caller-supplied physical range, for MMIO and
// device memory that does not come from the general frame allocator
// (spec §4.E, "special_heap").
func (f *Facade) AllocateSpecial(physBase uint64, length uint64, prot collab.Protection) (vmem.Range, error) {
	r, err := f.special.Allocate(length, vmem.InstantFit)
	if err != nil {
		return vmem.Range{}, err
	}

	numPages := length / pageQuantum
	for i := uint64(0); i < numPages; i++ {
		virtual := uintptr(r.Base) + uintptr(i)*pageQuantum
		fr := collab.Frame(physBase/pageQuantum + i)
		if merr := f.pageTable.Map(virtual, fr, prot, false); merr != nil {
			for j := uint64(0); j < i; j++ {
				f.pageTable.Unmap(uintptr(r.Base)+uintptr(j)*pageQuantum, false, false)
			}
			f.special.Deallocate(r)
			return vmem.Range{}, merr
		}
	}
	return r, nil
}

// DeallocateSpecial tears down a mapping AllocateSpecial made, without
// returning any frame to the general allocator (the backing memory was
// never the frame allocator's to give).
func (f *Facade) DeallocateSpecial(r vmem.Range) {
	numPages := r.Length / pageQuantum
	for i := uint64(0); i < numPages; i++ {
		virtual := uintptr(r.Base) + uintptr(i)*pageQuantum
		f.pageTable.Unmap(virtual, false, false)
	}
	f.flushCoord.SubmitAndWait(f.self, collab.AddressRange{Base: uintptr(r.Base), Length: uintptr(r.Length)}, flush.TargetKernel, 0)
	f.special.Deallocate(r)
}
