package memory

import (
	"bytes"
	"sort"

	"github.com/developerabhi01/ic/internal/types"
)

// zeroPage is the canonical content of a page that was never written.
// Callers must not mutate the returned slice.
var zeroPage = make([]byte, types.OSPageSize)

// ZeroPage returns the canonical all-zero page.
func ZeroPage() []byte {
	return zeroPage
}

// PageEntry is one page of a delta: the page index and its full
// post-execution content.
type PageEntry struct {
	Index types.PageIndex
	Data  []byte
}

// PageDelta is the set of pages dirtied by one execution, ordered by
// ascending page index.
type PageDelta []PageEntry

// PageIndexes returns the indexes present in the delta.
func (d PageDelta) PageIndexes() []types.PageIndex {
	idx := make([]types.PageIndex, len(d))
	for i, e := range d {
		idx[i] = e.Index
	}
	return idx
}

// PageMap is a canister's persistent heap content: an ordered mapping
// from page index to page content. A version is immutable once published.
// Update produces the next version by copying only the delta's pages;
// everything else is retained by reference from the prior version, which
// is what makes concurrent read-only executions against a published
// version safe without locks.
type PageMap struct {
	pages map[types.PageIndex][]byte
}

// NewPageMap creates an empty page map. Every page reads as zero.
func NewPageMap() *PageMap {
	return &PageMap{pages: make(map[types.PageIndex][]byte)}
}

// GetPage returns the content of a page, or the canonical zero page if it
// was never written. The returned slice must not be mutated.
func (pm *PageMap) GetPage(i types.PageIndex) []byte {
	if pm == nil {
		return zeroPage
	}
	if p, ok := pm.pages[i]; ok {
		return p
	}
	return zeroPage
}

// NumPages returns the number of pages that have ever been written.
func (pm *PageMap) NumPages() int {
	return len(pm.pages)
}

// MaxPageIndex returns the highest written page index and whether any
// page was written at all.
func (pm *PageMap) MaxPageIndex() (types.PageIndex, bool) {
	var max types.PageIndex
	found := false
	for i := range pm.pages {
		if !found || i > max {
			max = i
			found = true
		}
	}
	return max, found
}

// PageIndexes returns all written page indexes in ascending order.
func (pm *PageMap) PageIndexes() []types.PageIndex {
	idx := make([]types.PageIndex, 0, len(pm.pages))
	for i := range pm.pages {
		idx = append(idx, i)
	}
	sort.Slice(idx, func(a, b int) bool { return idx[a] < idx[b] })
	return idx
}

// Update publishes a new version containing the delta. The receiver is
// left untouched; pages absent from the delta are shared by reference
// with the prior version, never copied.
func (pm *PageMap) Update(delta PageDelta) *PageMap {
	next := &PageMap{pages: make(map[types.PageIndex][]byte, len(pm.pages)+len(delta))}
	for i, p := range pm.pages {
		next.pages[i] = p
	}
	for _, e := range delta {
		p := make([]byte, types.OSPageSize)
		copy(p, e.Data)
		next.pages[e.Index] = p
	}
	return next
}

// copyInto materializes the first numPages pages of the map into a flat
// buffer. Pages beyond the buffer are ignored; unwritten pages stay zero.
func (pm *PageMap) copyInto(buf []byte, numPages uint64) {
	for i, p := range pm.pages {
		if uint64(i) >= numPages {
			continue
		}
		copy(buf[i.Offset():], p)
	}
}

// ComputeDelta copies the content of the given dirty pages out of the
// region. The page indexes must be within the region; they come from the
// region's own tracker.
func ComputeDelta(r *Region, dirtyPages []types.PageIndex) PageDelta {
	delta := make(PageDelta, 0, len(dirtyPages))
	for _, i := range dirtyPages {
		data := make([]byte, types.OSPageSize)
		copy(data, r.PageBytes(i))
		delta = append(delta, PageEntry{Index: i, Data: data})
	}
	return delta
}

// FullDelta diffs the whole region against a prior page map version and
// returns the pages whose content differs. This is the conservative
// reconciliation used when tracking was Ignore, and the reference the
// Track policy must agree with byte for byte.
func FullDelta(r *Region, prior *PageMap) PageDelta {
	var delta PageDelta
	n := r.NumOSPages()
	for i := uint64(0); i < n; i++ {
		idx := types.PageIndex(i)
		cur := r.PageBytes(idx)
		if !bytes.Equal(cur, prior.GetPage(idx)) {
			data := make([]byte, types.OSPageSize)
			copy(data, cur)
			delta = append(delta, PageEntry{Index: idx, Data: data})
		}
	}
	return delta
}
