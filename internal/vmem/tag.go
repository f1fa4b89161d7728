package vmem

// kind is the boundary tag's kind (spec §3).
type kind uint8

const (
	// kindSpan and kindImportedSpan mark the zero-length tag that opens a
	// span's run of coverage in all_tags (spec §3). They never carry free
	// or allocated bytes themselves and so never enter a freelist bucket;
	// their only job is to stop free-tag coalescing from ever merging two
	// distinct spans into one (spec §4.C, "coalescing never crosses a
	// span boundary") and to let deallocateRaw recognize, the instant a
	// span's coalesced free tag again spans it exactly, that the whole
	// span can be handed back to source.
	kindSpan kind = iota
	kindImportedSpan
	kindFree
	kindAllocated
)

// tag is the spec's boundary tag: a record delimiting a segment of arena
// space. allPrev/allNext thread the arena-global, base-ordered all_tags
// list; freePrev/freeNext thread the tag's freelist bucket when kind ==
// kindFree. poolNext is used only while the tag sits in the shared
// reservoir, unattached to any arena.
type tag struct {
	base, length uint64
	kind         kind

	allPrev, allNext   *tag
	freePrev, freeNext *tag
	poolNext           *tag
}

// Range is a half-open [Base, Base+Length) allocation or span, the value
// type callers see (spec's {base, len}).
type Range struct {
	Base   uint64
	Length uint64
}

func (r Range) End() uint64 { return r.Base + r.Length }
