package addrspace

import (
	"mazarin/internal/collab"
	"mazarin/internal/kernerr"
	"mazarin/internal/klog"
)

// FaultDetails names the faulting access (spec §4.F handlePageFault).
type FaultDetails struct {
	Address uintptr
	Write   bool
}

// HandlePageFault runs the spec's two-phase fault protocol: faultCheck
// locates the entry and, for a write to a needs-copy entry, promotes it
// (splitting its anonymous map if shared) before restarting; otherwise
// faultObjectOrZeroFill resolves or allocates the backing page and
// installs the mapping. A concurrent Map/Unmap changing the entries list
// mid-fault is detected via entriesVersion and also causes a restart.
// Restart is never visible outside this function (spec §4.F, kernerr.Restart).
func (a *AddressSpace) HandlePageFault(d FaultDetails) error {
	for {
		err := a.faultOnce(d)
		if kernerr.Restart(err) {
			continue
		}
		return err
	}
}

func (a *AddressSpace) faultOnce(d FaultDetails) error {
	versionAtStart := a.entriesVersion.Load()

	a.entriesMu.RLock()
	e := a.findEntryLocked(d.Address)
	if e == nil {
		a.entriesMu.RUnlock()
		klog.Warn("page fault: address not mapped", "addr", d.Address, "write", d.Write)
		return kernerr.PageFaultNotMapped
	}
	if !accessAllowed(e, d.Write) {
		a.entriesMu.RUnlock()
		klog.Warn("page fault: protection violation", "addr", d.Address, "write", d.Write)
		return kernerr.PageFaultProtection
	}
	promote := e.needsCopy && d.Write
	a.entriesMu.RUnlock()

	if promote {
		a.entriesMu.Lock()
		if a.entriesVersion.Load() != versionAtStart {
			a.entriesMu.Unlock()
			return kernerr.ErrRestart
		}
		e2 := a.findEntryLocked(d.Address)
		if e2 == nil {
			a.entriesMu.Unlock()
			return kernerr.PageFaultNotMapped
		}
		a.promoteLocked(e2)
		a.entriesVersion.Add(1)
		a.entriesMu.Unlock()
		return kernerr.ErrRestart
	}

	if err := a.resolvePage(e, d); err != nil {
		return err
	}

	if a.entriesVersion.Load() != versionAtStart {
		return kernerr.ErrRestart
	}
	klog.Debug("page fault resolved", "addr", d.Address, "write", d.Write, "needsCopy", e.needsCopy)
	return nil
}

// accessAllowed reports whether a fault of the given kind is permitted by
// e's protection. A write against a needs-copy entry is allowed even
// without the write bit set: that is precisely what drives promotion
// (the mapping was installed read-only until the copy-on-write split
// happens).
func accessAllowed(e *entry, write bool) bool {
	if !write {
		return e.protection&collab.ProtRead != 0
	}
	return e.protection&collab.ProtWrite != 0 || e.needsCopy
}
