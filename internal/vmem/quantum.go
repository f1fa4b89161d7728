package vmem

import (
	"sync"
	"unsafe"
)

// quantumCacheSource is the slab.Source a quantum cache grows through.
// Growing a slab reserves a matching raw range from the owning arena
// (so the arena's tag accounting reflects the memory a live quantum
// cache slab holds) and separately obtains real Go-managed storage for
// slab.Cache to slice objects from. The two are linked only by the
// storage's address, recorded here so Release can give the matching
// range back.
type quantumCacheSource struct {
	arena *Arena

	mu     sync.Mutex
	ranges map[uintptr]Range
}

func (q *quantumCacheSource) Allocate(length uint64) ([]byte, error) {
	r, err := q.arena.allocateRaw(length, InstantFit)
	if err != nil {
		return nil, err
	}
	mem := make([]byte, length)
	q.mu.Lock()
	q.ranges[uintptr(unsafe.Pointer(&mem[0]))] = r
	q.mu.Unlock()
	return mem, nil
}

func (q *quantumCacheSource) Release(mem []byte) {
	key := uintptr(unsafe.Pointer(&mem[0]))
	q.mu.Lock()
	r, ok := q.ranges[key]
	delete(q.ranges, key)
	q.mu.Unlock()
	if ok {
		q.arena.deallocateRaw(r)
	}
}
