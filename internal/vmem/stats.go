package vmem

// FreeBytes sums every free tag's length — used by tests and callers
// asserting the conservation invariant (spec §5: total span length ==
// free + allocated + quantum-cached-in-flight, at all times).
func (a *Arena) FreeBytes() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var total uint64
	for t := a.allHead; t != nil; t = t.allNext {
		if t.kind == kindFree {
			total += t.length
		}
	}
	return total
}

// AllocatedBytes sums every live tag-backed allocation's length. Objects
// handed out by a quantum cache have no tags of their own and are not
// counted individually; the slab ranges backing them are.
func (a *Arena) AllocatedBytes() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var total uint64
	for _, t := range a.allocated {
		total += t.length
	}
	return total
}

// SpanBytes sums the length of every span ever added or imported.
func (a *Arena) SpanBytes() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var total uint64
	for _, s := range a.spans {
		total += s.length
	}
	return total
}

// TagCount reports how many tags currently make up the all_tags list
// (diagnostic: a low, stable count after a free+coalesce round trip is
// the usual way tests observe "no adjacent free tags" (spec invariant
// #4) without reaching into arena internals).
func (a *Arena) TagCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for t := a.allHead; t != nil; t = t.allNext {
		n++
	}
	return n
}
