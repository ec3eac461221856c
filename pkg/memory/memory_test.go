package memory

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/developerabhi01/ic/internal/types"
	"github.com/developerabhi01/ic/pkg/sandbox"
)

func newTestRegion(t *testing.T, pm *PageMap, pages uint64, policy TrackingPolicy) *Region {
	t.Helper()
	r, err := NewRegion(pm, pages, NewTracker(policy))
	if err != nil {
		t.Fatalf("NewRegion failed: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRegionBounds(t *testing.T) {
	r := newTestRegion(t, nil, 1, Track)

	if err := r.Write(0, []byte{1, 2, 3}); err != nil {
		t.Errorf("in-bounds write failed: %v", err)
	}

	// A range reaching past the committed size is a contract violation,
	// not a truncation.
	err := r.Write(types.WasmPageSize-2, []byte{1, 2, 3})
	if !sandbox.IsContractViolation(err) {
		t.Errorf("out-of-bounds write = %v, want contract violation", err)
	}

	err = r.Read(types.WasmPageSize, make([]byte, 1))
	if !sandbox.IsContractViolation(err) {
		t.Errorf("out-of-bounds read = %v, want contract violation", err)
	}

	// Offset+size overflow must be caught.
	err = r.Write(^uint64(0)-1, []byte{1, 2, 3})
	if !sandbox.IsContractViolation(err) {
		t.Errorf("overflowing range = %v, want contract violation", err)
	}
}

func TestRegionGrow(t *testing.T) {
	r := newTestRegion(t, nil, 2, Track)

	if err := r.Write(0, []byte{0xaa}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if got := r.Grow(3); got != 2 {
		t.Fatalf("Grow(3) = %d, want previous size 2", got)
	}
	if r.Size() != 5 {
		t.Errorf("Size() = %d after grow, want 5", r.Size())
	}

	// Existing content survives, new pages read zero.
	b := make([]byte, 1)
	if err := r.Read(0, b); err != nil || b[0] != 0xaa {
		t.Errorf("Read(0) after grow = %v %v, want 0xaa", b, err)
	}
	if err := r.Read(4*types.WasmPageSize, b); err != nil || b[0] != 0 {
		t.Errorf("new page not zero after grow: %v %v", b, err)
	}

	if got := r.Grow(DefaultMaxWasmPages); got != -1 {
		t.Errorf("Grow past the limit = %d, want -1", got)
	}
}

func TestTrackerIdempotence(t *testing.T) {
	tr := NewTracker(Track)

	// Many writes into the same page insert its index once.
	for i := 0; i < 10; i++ {
		tr.NoteWrite(uint64(100+i), 8)
	}
	pages := tr.DirtyPages()
	if len(pages) != 1 || pages[0] != 0 {
		t.Errorf("DirtyPages() = %v, want [0]", pages)
	}

	// A write spanning a page boundary dirties both pages.
	tr.NoteWrite(types.OSPageSize-4, 8)
	pages = tr.DirtyPages()
	want := []types.PageIndex{0, 1}
	if len(pages) != len(want) || pages[0] != want[0] || pages[1] != want[1] {
		t.Errorf("DirtyPages() = %v, want %v", pages, want)
	}
}

func TestTrackerIgnore(t *testing.T) {
	tr := NewTracker(Ignore)
	tr.NoteWrite(0, 4096)
	if pages := tr.DirtyPages(); pages != nil {
		t.Errorf("Ignore tracker DirtyPages() = %v, want nil", pages)
	}
	if tr.Policy() != Ignore {
		t.Errorf("Policy() = %v, want Ignore", tr.Policy())
	}
}

func TestPageMapZeroPage(t *testing.T) {
	pm := NewPageMap()

	p := pm.GetPage(42)
	if len(p) != types.OSPageSize {
		t.Fatalf("page length = %d, want %d", len(p), types.OSPageSize)
	}
	for _, b := range p {
		if b != 0 {
			t.Fatal("unwritten page is not all-zero")
		}
	}

	// The zero page is canonical, not a fresh allocation per read.
	if &p[0] != &pm.GetPage(7)[0] {
		t.Error("zero page is not shared")
	}
}

// TestPageMapStructuralSharing checks that Update copies only delta pages
// and retains everything else by reference from the prior version.
func TestPageMapStructuralSharing(t *testing.T) {
	base := NewPageMap()

	d0 := PageDelta{
		{Index: 1, Data: bytes.Repeat([]byte{0x11}, types.OSPageSize)},
		{Index: 5, Data: bytes.Repeat([]byte{0x55}, types.OSPageSize)},
	}
	v1 := base.Update(d0)

	d1 := PageDelta{
		{Index: 5, Data: bytes.Repeat([]byte{0x66}, types.OSPageSize)},
	}
	v2 := v1.Update(d1)

	// Page 1 was not in the second delta: reference-identical across versions.
	if &v1.GetPage(1)[0] != &v2.GetPage(1)[0] {
		t.Error("page 1 was copied instead of shared")
	}

	// Page 5 reflects only the post-update content in v2.
	if v2.GetPage(5)[0] != 0x66 {
		t.Errorf("v2 page 5 = %#x, want 0x66", v2.GetPage(5)[0])
	}

	// The prior version is immutable: still sees the old content.
	if v1.GetPage(5)[0] != 0x55 {
		t.Errorf("v1 page 5 = %#x, want 0x55 (prior version mutated)", v1.GetPage(5)[0])
	}
	if base.NumPages() != 0 {
		t.Error("base version mutated by Update")
	}
}

// TestTrackMatchesFullDiff checks the cross-check invariant: the Track
// policy's dirty set equals the set of pages whose content differs in a
// full before/after comparison.
func TestTrackMatchesFullDiff(t *testing.T) {
	const heapPages = 8 // guest pages

	pm := NewPageMap()
	r := newTestRegion(t, pm, heapPages, Track)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		offset := uint64(rng.Intn(heapPages*types.WasmPageSize - 128))
		size := 1 + rng.Intn(127)
		buf := make([]byte, size)
		rng.Read(buf)
		if err := r.Write(offset, buf); err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
	}

	tracked := ComputeDelta(r, r.Tracker().DirtyPages())
	diffed := FullDelta(r, pm)

	if len(tracked) != len(diffed) {
		t.Fatalf("tracked %d pages, full diff found %d", len(tracked), len(diffed))
	}
	for i := range tracked {
		if tracked[i].Index != diffed[i].Index {
			t.Errorf("delta[%d]: tracked page %d, diffed page %d", i, tracked[i].Index, diffed[i].Index)
		}
		if !bytes.Equal(tracked[i].Data, diffed[i].Data) {
			t.Errorf("delta[%d] (page %d): content mismatch", i, tracked[i].Index)
		}
	}
}

// TestRandomWritesReplay runs the large random-writes scenario: a heap of
// 800 guest pages receives 2,000 random non-empty writes at offsets of at
// least 4096. Afterwards every OS-sized page in the merged page map must
// match a flat reference buffer that received the identical writes in the
// identical order, under both tracking policies.
func TestRandomWritesReplay(t *testing.T) {
	if testing.Short() {
		t.Skip("large heap scenario")
	}

	const (
		heapPages = 800
		numWrites = 2000
		heapBytes = heapPages * types.WasmPageSize
	)

	for _, policy := range []TrackingPolicy{Track, Ignore} {
		t.Run(policy.String(), func(t *testing.T) {
			pm := NewPageMap()
			r := newTestRegion(t, pm, heapPages, policy)
			ref := make([]byte, heapBytes)

			rng := rand.New(rand.NewSource(42))
			for i := 0; i < numWrites; i++ {
				offset := uint64(4096 + rng.Intn(heapBytes-4096-128))
				size := 1 + rng.Intn(128)
				buf := make([]byte, size)
				rng.Read(buf)

				if err := r.Write(offset, buf); err != nil {
					t.Fatalf("write %d failed: %v", i, err)
				}
				copy(ref[offset:], buf)
			}

			var delta PageDelta
			switch policy {
			case Track:
				delta = ComputeDelta(r, r.Tracker().DirtyPages())
			case Ignore:
				// No tracking: reconcile with a full-region pass.
				delta = FullDelta(r, pm)
			}
			merged := pm.Update(delta)

			numOSPages := uint64(heapBytes / types.OSPageSize)
			for p := uint64(0); p < numOSPages; p++ {
				idx := types.PageIndex(p)
				got := merged.GetPage(idx)
				want := ref[idx.Offset() : idx.Offset()+types.OSPageSize]
				if !bytes.Equal(got, want) {
					t.Fatalf("page %d content mismatch after replay", p)
				}
			}
		})
	}
}

// TestMultiExecutionMerge runs several executions against successive page
// map versions, each materializing its region from the previous version.
func TestMultiExecutionMerge(t *testing.T) {
	const heapPages = 4

	pm := NewPageMap()
	ref := make([]byte, heapPages*types.WasmPageSize)
	rng := rand.New(rand.NewSource(99))

	for exec := 0; exec < 20; exec++ {
		r := newTestRegion(t, pm, heapPages, Track)

		for w := 0; w < 5; w++ {
			offset := uint64(rng.Intn(len(ref) - 64))
			buf := make([]byte, 1+rng.Intn(63))
			rng.Read(buf)
			if err := r.Write(offset, buf); err != nil {
				t.Fatalf("execution %d write %d failed: %v", exec, w, err)
			}
			copy(ref[offset:], buf)
		}

		pm = pm.Update(ComputeDelta(r, r.Tracker().DirtyPages()))
	}

	for p := uint64(0); p < heapPages*types.OSPagesPerWasmPage; p++ {
		idx := types.PageIndex(p)
		want := ref[idx.Offset() : idx.Offset()+types.OSPageSize]
		if !bytes.Equal(pm.GetPage(idx), want) {
			t.Fatalf("page %d mismatch after %d executions", p, 20)
		}
	}
}
