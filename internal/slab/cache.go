// Package slab implements component D, the slab-based object cache
// layered on top of a resource arena: per-cache slabs with constructor/
// destructor hooks, small-object (page-embedded control) and large-object
// (externally tracked) layouts, and last-slab retention.
//
// Grounded on two sources in the retrieval pack: the teacher kernel's
// intrusive Page free-list (mazboot/golang/main/page.go, allocPage/
// freePage) for the available/full slab linking, and njnuwjq/go-slab's
// Arena (other_examples), whose slabClass keeps growing []byte-backed
// slabs sliced into fixed chunks — the same "malloc is just make([]byte,
// n)" idiom this package uses for slab-backing memory, since a portable Go
// library has no raw physical pages to carve.
package slab

import (
	"sync"
	"unsafe"

	"mazarin/internal/kernerr"
	"mazarin/internal/klog"
)

// PageSize is the slab granularity for small-object caches.
const PageSize = 4096

// defaultLargeObjectsPerSlab mirrors spec §4.D's
// default_large_objects_per_slab, used to size large-object slabs in whole
// pages.
const defaultLargeObjectsPerSlab = 16

// smallObjectCeiling is the spec's "object_size <= page_size/8" boundary
// between small and large layout.
const smallObjectCeiling = PageSize / 8

// freeNodeSize is the width of the embedded free-list link small objects
// carry in their own (otherwise unused) storage.
const freeNodeSize = 8

// Kind distinguishes the two slab layouts (spec §4.D).
type Kind uint8

const (
	Small Kind = iota
	Large
)

// ConstructFunc initializes a freshly carved object; it runs exactly once
// per object lifetime within a slab.
type ConstructFunc func(obj unsafe.Pointer) error

// DestructFunc tears an object down; invoked once per live object when a
// slab is reclaimed.
type DestructFunc func(obj unsafe.Pointer)

// Source is the backing-memory capability a cache draws slabs from: an
// arena (heap-backed caches) or a direct frame-allocator wrapper
// (bootstrap caches, spec §9). Every Allocate must return exactly Length
// bytes aligned to at least the cache's alignment.
type Source interface {
	Allocate(length uint64) (mem []byte, err error)
	Release(mem []byte)
}

// slabHeader is the Slab control block (spec §3). For small objects the
// spec embeds this at the tail of the backing page; this port keeps it as
// an ordinary Go value and reaches it from an object pointer through the
// cache's headerByBase map instead of literal pointer arithmetic into the
// page, because Go's garbage collector cannot safely scan a struct
// interior-pointer stashed inside a plain []byte — see DESIGN.md. The
// externally-observable property the spec actually tests (invariant #5:
// O(1) reverse lookup landing on a slab belonging to the cache) holds
// either way.
type slabHeader struct {
	prev, next *slabHeader // available/full intrusive list link

	memory    []byte // keeps the backing allocation alive and addressable
	base      uintptr
	freeHead  unsafe.Pointer // embedded small-object free list, or nil
	allocated int

	largeObjects map[uintptr]*largeObject // large kind only
}

// largeObject is the spec's externally-tracked record for a large-kind
// live allocation.
type largeObject struct {
	buffer      []byte
	owningSlab  *slabHeader
}

// Cache is the spec's RawCache.
type Cache struct {
	name          string
	objectSize    uint64
	align         uint64
	kind          Kind
	effectiveSize uint64
	objectsPerSlab int

	lock          sync.Mutex
	allocateMutex sync.Mutex

	available *slabHeader
	full      *slabHeader

	source    Source
	construct ConstructFunc
	destruct  DestructFunc

	deallocateLastAvailableSlab bool
	allocateSlabsFromHeap       bool

	headerByBase map[uintptr]*slabHeader // small kind: page base -> header
}

// New builds a cache for fixed-size objects, choosing the small or large
// layout per spec §4.D. allocateSlabsFromHeap documents (it does not
// change behavior, Source already encapsulates the distinction) whether
// Source ultimately resolves through the heap arena chain or directly
// through a frame allocator, matching the field the spec names on RawCache.
func New(name string, objectSize, align uint64, source Source, construct ConstructFunc, destruct DestructFunc, deallocateLastAvailableSlab, allocateSlabsFromHeap bool) *Cache {
	if align == 0 {
		align = 8
	}
	c := &Cache{
		name:                        name,
		objectSize:                  objectSize,
		align:                       align,
		source:                      source,
		construct:                   construct,
		destruct:                    destruct,
		deallocateLastAvailableSlab: deallocateLastAvailableSlab,
		allocateSlabsFromHeap:       allocateSlabsFromHeap,
		headerByBase:                make(map[uintptr]*slabHeader),
	}
	if objectSize <= smallObjectCeiling {
		c.kind = Small
		c.effectiveSize = alignUp(alignUp(objectSize, freeNodeSize)+freeNodeSize, align)
		c.objectsPerSlab = int(PageSize / c.effectiveSize)
		kernerr.Assert(c.objectsPerSlab > 0, "slab.New(%s): object size %d too large for a page", name, objectSize)
	} else {
		c.kind = Large
		numPages := (defaultLargeObjectsPerSlab*objectSize + PageSize - 1) / PageSize
		slabBytes := numPages * PageSize
		c.effectiveSize = objectSize
		c.objectsPerSlab = int(slabBytes / objectSize)
	}
	return c
}

func alignUp(v, a uint64) uint64 {
	if a == 0 {
		return v
	}
	return (v + a - 1) &^ (a - 1)
}

// slabBytes returns how many backing bytes one slab of this cache needs.
func (c *Cache) slabBytes() uint64 {
	if c.kind == Small {
		return PageSize
	}
	return uint64(c.objectsPerSlab) * c.effectiveSize
}

// Allocate pops one object.
func (c *Cache) Allocate() (unsafe.Pointer, error) {
	objs, err := c.AllocateMany(1)
	if err != nil {
		return nil, err
	}
	return objs[0], nil
}

// AllocateMany pops n objects, growing the cache with new slabs as needed.
func (c *Cache) AllocateMany(n int) ([]unsafe.Pointer, error) {
	out := make([]unsafe.Pointer, 0, n)
	c.lock.Lock()
	defer c.lock.Unlock()
	for len(out) < n {
		if c.available == nil {
			if err := c.growLocked(); err != nil {
				return nil, err
			}
		}
		s := c.available
		obj := c.popFreeLocked(s)
		out = append(out, obj)
		if c.slabIsFullLocked(s) {
			c.unlinkLocked(&c.available, s)
			c.linkLocked(&c.full, s)
		}
	}
	return out, nil
}

// growLocked allocates one new slab, dropping the cache lock for the slow
// path per spec §4.D: another executor may have grown the cache while this
// one waited for allocateMutex, so availability is rechecked after
// acquiring it. Entered and left with c.lock held.
//
// The documented rank is lock > allocate_mutex (spec §5), but the
// recheck below takes lock again while still holding allocate_mutex —
// textually the reverse order. That's safe here only because this
// function is the sole place the two are ever nested together: no other
// path acquires allocate_mutex while already holding lock, so there is
// no cycle for two executors to deadlock on, just a single function
// that holds both at once partway through its own slow path.
func (c *Cache) growLocked() error {
	c.lock.Unlock()
	c.allocateMutex.Lock()

	c.lock.Lock()
	if c.available != nil {
		c.lock.Unlock()
		c.allocateMutex.Unlock()
		c.lock.Lock()
		return nil
	}
	c.lock.Unlock()

	mem, err := c.source.Allocate(c.slabBytes())
	if err != nil {
		c.allocateMutex.Unlock()
		c.lock.Lock()
		return kernerr.SlabAllocationFailed
	}
	s := &slabHeader{memory: mem, base: uintptr(unsafe.Pointer(&mem[0]))}
	if c.kind == Large {
		s.largeObjects = make(map[uintptr]*largeObject)
	}

	for i := 0; i < c.objectsPerSlab; i++ {
		obj := c.objectAt(s, i)
		if c.construct != nil {
			if err := c.construct(obj); err != nil {
				c.allocateMutex.Unlock()
				c.lock.Lock()
				return kernerr.ObjectConstructionFailed
			}
		}
		c.pushFreeRaw(s, obj)
	}

	c.lock.Lock()
	if c.kind == Small {
		c.headerByBase[s.base] = s
	}
	c.linkLocked(&c.available, s)
	c.lock.Unlock()
	c.allocateMutex.Unlock()
	klog.Debug("slab cache grew", "cache", c.name, "objectsPerSlab", c.objectsPerSlab, "bytes", c.slabBytes())

	c.lock.Lock()
	return nil
}

func (c *Cache) objectAt(s *slabHeader, i int) unsafe.Pointer {
	offset := uint64(i) * c.effectiveSize
	return unsafe.Pointer(&s.memory[offset])
}

// pushFreeRaw threads obj onto s's embedded free list before the slab is
// published; no lock needed since the slab is not yet visible.
func (c *Cache) pushFreeRaw(s *slabHeader, obj unsafe.Pointer) {
	*(*unsafe.Pointer)(obj) = s.freeHead
	s.freeHead = obj
}

func (c *Cache) popFreeLocked(s *slabHeader) unsafe.Pointer {
	obj := s.freeHead
	kernerr.Assert(obj != nil, "slab %s: popFreeLocked on slab with no free objects", c.name)
	s.freeHead = *(*unsafe.Pointer)(obj)
	s.allocated++
	if c.kind == Large {
		lo := &largeObject{buffer: s.memory[c.objAt(s, obj):][:c.objectSize], owningSlab: s}
		s.largeObjects[uintptr(obj)] = lo
	}
	return obj
}

func (c *Cache) objAt(s *slabHeader, obj unsafe.Pointer) uint64 {
	return uint64(uintptr(obj) - s.base)
}

func (c *Cache) slabIsFullLocked(s *slabHeader) bool { return s.freeHead == nil }
func (c *Cache) slabIsEmptyLocked(s *slabHeader) bool { return s.allocated == 0 }

// Free returns one object to its slab.
func (c *Cache) Free(obj unsafe.Pointer) {
	c.FreeMany([]unsafe.Pointer{obj})
}

// FreeMany returns a batch of objects, each to its own slab.
func (c *Cache) FreeMany(objs []unsafe.Pointer) {
	c.lock.Lock()
	defer c.lock.Unlock()
	for _, obj := range objs {
		s := c.slabForLocked(obj)
		wasFull := c.slabIsFullLocked(s)
		*(*unsafe.Pointer)(obj) = s.freeHead
		s.freeHead = obj
		s.allocated--
		if c.kind == Large {
			delete(s.largeObjects, uintptr(obj))
		}

		if wasFull {
			c.unlinkLocked(&c.full, s)
			c.linkLocked(&c.available, s)
		}

		if c.slabIsEmptyLocked(s) {
			if c.deallocateLastAvailableSlab || c.availableCountLocked() > 1 {
				c.unlinkLocked(&c.available, s)
				if c.kind == Small {
					delete(c.headerByBase, s.base)
				}
				c.source.Release(s.memory)
			}
		}
	}
}

func (c *Cache) availableCountLocked() int {
	n := 0
	for s := c.available; s != nil; s = s.next {
		n++
	}
	return n
}

// slabForLocked resolves the owning slab of obj: for small objects via the
// page-base reverse-lookup map (invariant #5); for large objects by
// scanning each slab's own largeObject records until one holds obj (the
// record carries the owning slab).
func (c *Cache) slabForLocked(obj unsafe.Pointer) *slabHeader {
	if c.kind == Small {
		base := uintptr(obj) &^ (PageSize - 1)
		s, ok := c.headerByBase[base]
		kernerr.Assert(ok, "slab %s: object %p does not belong to this cache", c.name, obj)
		return s
	}
	for _, s := range allSlabs(c) {
		if lo, ok := s.largeObjects[uintptr(obj)]; ok {
			return lo.owningSlab
		}
	}
	kernerr.Assert(false, "slab %s: large object %p not found", c.name, obj)
	return nil
}

func allSlabs(c *Cache) []*slabHeader {
	var out []*slabHeader
	for s := c.available; s != nil; s = s.next {
		out = append(out, s)
	}
	for s := c.full; s != nil; s = s.next {
		out = append(out, s)
	}
	return out
}

func (c *Cache) linkLocked(head **slabHeader, s *slabHeader) {
	s.next = *head
	s.prev = nil
	if *head != nil {
		(*head).prev = s
	}
	*head = s
}

func (c *Cache) unlinkLocked(head **slabHeader, s *slabHeader) {
	if s.prev != nil {
		s.prev.next = s.next
	} else {
		*head = s.next
	}
	if s.next != nil {
		s.next.prev = s.prev
	}
	s.prev, s.next = nil, nil
}

// Deinit invokes the destructor on every live object before releasing all
// backing memory, per spec §4.D.
func (c *Cache) Deinit() {
	c.lock.Lock()
	defer c.lock.Unlock()
	for _, head := range []**slabHeader{&c.available, &c.full} {
		for s := *head; s != nil; {
			next := s.next
			c.destructLiveObjects(s)
			c.source.Release(s.memory)
			s = next
		}
		*head = nil
	}
	c.headerByBase = make(map[uintptr]*slabHeader)
}

func (c *Cache) destructLiveObjects(s *slabHeader) {
	if c.destruct == nil {
		return
	}
	free := make(map[unsafe.Pointer]bool)
	for n := s.freeHead; n != nil; n = *(*unsafe.Pointer)(n) {
		free[n] = true
	}
	for i := 0; i < c.objectsPerSlab; i++ {
		obj := c.objectAt(s, i)
		if !free[obj] {
			c.destruct(obj)
		}
	}
}

// ObjectSize, EffectiveSize, ObjectsPerSlab and KindOf expose layout facts
// used by tests to check the cache accounting invariants (spec §8.6).
func (c *Cache) ObjectSize() uint64    { return c.objectSize }
func (c *Cache) EffectiveSize() uint64 { return c.effectiveSize }
func (c *Cache) ObjectsPerSlab() int   { return c.objectsPerSlab }
func (c *Cache) KindOf() Kind          { return c.kind }

// AllocatedInSlabContaining reports objectsPerSlab - freeListLength for the
// slab that owns obj, and whether obj's slab currently sits on the
// available or full list — invariant #6.
func (c *Cache) AllocatedInSlabContaining(obj unsafe.Pointer) (allocated int, onFull bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	s := c.slabForLocked(obj)
	onFull = s.freeHead == nil
	return s.allocated, onFull
}

// GetSlabBase implements the spec's getSlabFromObjectPtr for small-object
// caches: align the pointer down to the page and report whether that page
// is a slab base known to this cache (invariant #5).
func (c *Cache) GetSlabBase(obj unsafe.Pointer) (uintptr, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	base := uintptr(obj) &^ (PageSize - 1)
	_, ok := c.headerByBase[base]
	return base, ok
}

// AvailableSlabCount reports how many slabs currently sit on the available
// list, used by the round-trip scenario test.
func (c *Cache) AvailableSlabCount() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.availableCountLocked()
}
