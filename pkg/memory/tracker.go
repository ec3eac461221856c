package memory

import (
	"github.com/bits-and-blooms/bitset"

	"github.com/developerabhi01/ic/internal/types"
)

// TrackingPolicy selects how one execution detects its dirtied pages.
type TrackingPolicy int

const (
	// Track records the containing page index of every write into the
	// region, deduplicated. Granularity is the OS page.
	Track TrackingPolicy = iota

	// Ignore performs no tracking. The checkpoint collaborator must
	// conservatively diff the whole region instead.
	Ignore
)

// String returns the textual form of the policy.
func (p TrackingPolicy) String() string {
	switch p {
	case Track:
		return "track"
	case Ignore:
		return "ignore"
	default:
		return "unknown"
	}
}

// ParseTrackingPolicy parses the textual form of a tracking policy.
func ParseTrackingPolicy(s string) (TrackingPolicy, bool) {
	switch s {
	case "track":
		return Track, true
	case "ignore":
		return Ignore, true
	default:
		return 0, false
	}
}

// Tracker records which OS-sized pages of a region were written during
// one execution. Trackers are scoped to a single execution and are never
// shared across executions or goroutines.
//
// A write-barrier tracker is the portable implementation; a page-protection
// fault tracker conforms to the same interface with identical granularity
// and can be slotted in behind it on targets that support it.
type Tracker interface {
	// NoteWrite records that [offset, offset+size) is about to be written.
	NoteWrite(offset, size uint64)

	// DirtyPages returns the dirtied page indexes in ascending order.
	// Each page appears exactly once regardless of how many writes
	// touched it.
	DirtyPages() []types.PageIndex

	// Policy identifies the tracking policy in effect.
	Policy() TrackingPolicy
}

// NewTracker creates a tracker for the given policy.
func NewTracker(policy TrackingPolicy) Tracker {
	if policy == Ignore {
		return ignoreTracker{}
	}
	return &bitsetTracker{dirty: bitset.New(0)}
}

// bitsetTracker implements Track with a bitset keyed by page index.
// Insertion is idempotent by construction.
type bitsetTracker struct {
	dirty *bitset.BitSet
}

func (t *bitsetTracker) NoteWrite(offset, size uint64) {
	if size == 0 {
		return
	}
	first := uint(offset / types.OSPageSize)
	last := uint((offset + size - 1) / types.OSPageSize)
	for p := first; p <= last; p++ {
		t.dirty.Set(p)
	}
}

func (t *bitsetTracker) DirtyPages() []types.PageIndex {
	pages := make([]types.PageIndex, 0, t.dirty.Count())
	for p, ok := t.dirty.NextSet(0); ok; p, ok = t.dirty.NextSet(p + 1) {
		pages = append(pages, types.PageIndex(p))
	}
	return pages
}

func (t *bitsetTracker) Policy() TrackingPolicy {
	return Track
}

// ignoreTracker implements Ignore: writes leave no trace.
type ignoreTracker struct{}

func (ignoreTracker) NoteWrite(offset, size uint64) {}

func (ignoreTracker) DirtyPages() []types.PageIndex {
	return nil
}

func (ignoreTracker) Policy() TrackingPolicy {
	return Ignore
}
