package vmem

import (
	"context"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sync/semaphore"

	"mazarin/internal/frame"
)

// Reservoir is the process-wide pool of unused boundary tags shared by
// every arena (spec §4.C, "the unused-tag reservoir"). Arenas pop cells
// from it when their own local stash runs dry and push back whatever a
// Destroy() frees. It never shrinks: a frame, once carved into tag
// cells, stays carved for the life of the process.
type Reservoir struct {
	head atomic.Pointer[tag]

	frames *frame.Allocator
	// inflight serializes frame-allocation during inflate so at most one
	// CPU is ever in the middle of carving a fresh frame into tag cells
	// (spec §4.C, "a second mutex guards the inflation phase").
	inflight *semaphore.Weighted
}

// NewReservoir builds an empty reservoir drawing fresh frames from frames
// when it needs to grow.
func NewReservoir(frames *frame.Allocator) *Reservoir {
	return &Reservoir{frames: frames, inflight: semaphore.NewWeighted(1)}
}

// cellsPerFrame is how many tag-sized cells a single physical frame is
// carved into when the reservoir inflates.
func cellsPerFrame() int {
	return frame.PageSize / int(unsafe.Sizeof(tag{}))
}

// pop removes one cell from the reservoir, inflating it from a fresh
// frame first if it is empty. Returns an error only if the underlying
// frame allocator is exhausted (spec's OutOfBoundaryTags, surfaced as
// OutOfPhysicalFrames since that is the true root cause here).
func (r *Reservoir) pop() (*tag, error) {
	for {
		if t := r.tryPop(); t != nil {
			return t, nil
		}
		if err := r.inflate(); err != nil {
			return nil, err
		}
	}
}

func (r *Reservoir) tryPop() *tag {
	for {
		head := r.head.Load()
		if head == nil {
			return nil
		}
		next := head.poolNext
		if r.head.CompareAndSwap(head, next) {
			head.poolNext = nil
			return head
		}
	}
}

func (r *Reservoir) push(t *tag) {
	*t = tag{}
	for {
		head := r.head.Load()
		t.poolNext = head
		if r.head.CompareAndSwap(head, t) {
			return
		}
	}
}

// inflate pulls one frame from the physical allocator and carves it into
// fresh cells, all pushed onto the reservoir for any waiter (including
// the caller) to pop.
func (r *Reservoir) inflate() error {
	if err := r.inflight.Acquire(context.Background(), 1); err != nil {
		return err
	}
	defer r.inflight.Release(1)

	// Another CPU may have inflated while we waited on the semaphore.
	if r.head.Load() != nil {
		return nil
	}

	if _, err := r.frames.Allocate(); err != nil {
		return err
	}
	cells := make([]tag, cellsPerFrame())
	for i := range cells {
		r.push(&cells[i])
	}
	return nil
}
