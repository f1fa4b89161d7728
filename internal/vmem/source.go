package vmem

// arenaSource adapts an Arena to be another arena's Source, so arenas
// can be stacked the way the Heap Facade stacks address-space, page and
// object arenas (spec §4.E).
type arenaSource struct{ arena *Arena }

func (s arenaSource) Import(length uint64, policy Policy) (Range, error) {
	return s.arena.Allocate(length, policy)
}

func (s arenaSource) Release(base, length uint64) {
	s.arena.Deallocate(Range{Base: base, Length: length})
}

// AsSource wraps a, so it can import spans from downstream arenas.
func AsSource(a *Arena) Source { return arenaSource{arena: a} }
