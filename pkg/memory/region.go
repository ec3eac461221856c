// Package memory implements the per-execution guest memory region, the
// dirty-page tracking policies and the versioned page map that persists a
// canister's heap across executions.
//
// The heap is divided into 64 KiB guest pages, which in turn divide into
// OS-sized (4 KiB) pages. Tracking and checkpointing operate at OS-page
// granularity. A page never written reads as all-zero.
package memory

import (
	"github.com/developerabhi01/ic/internal/types"
	"github.com/developerabhi01/ic/pkg/sandbox"
)

// DefaultMaxWasmPages caps a heap at 4 GiB, the addressable limit of the
// 32-bit guest interface.
const DefaultMaxWasmPages = 65536

// Region is the contiguous guest heap owned exclusively by one execution.
//
// All guest-supplied (offset, length) ranges must lie within the committed
// size; a violation is a contract violation, never a silent truncation.
// Every write is routed through the region so the dirty-page tracker
// observes it at OS-page granularity.
type Region struct {
	data     []byte
	tracker  Tracker
	maxPages uint64
	unmap    func() error
}

// NewRegion creates a region of sizePages guest pages materialized from a
// page map version, with writes recorded by the given tracker. Each region
// gets its own isolated allocation; on Linux this is a private anonymous
// mapping so one canister's memory can never be confused with another's.
func NewRegion(pm *PageMap, sizePages uint64, tracker Tracker) (*Region, error) {
	if sizePages > DefaultMaxWasmPages {
		return nil, sandbox.ContractViolationf("heap size %d pages exceeds maximum %d", sizePages, DefaultMaxWasmPages)
	}
	if tracker == nil {
		tracker = NewTracker(Ignore)
	}

	data, unmap, err := alloc(sizePages * types.WasmPageSize)
	if err != nil {
		return nil, err
	}

	r := &Region{
		data:     data,
		tracker:  tracker,
		maxPages: DefaultMaxWasmPages,
		unmap:    unmap,
	}

	if pm != nil {
		numOSPages := uint64(len(data)) / types.OSPageSize
		pm.copyInto(data, numOSPages)
	}
	return r, nil
}

// Close releases the region's backing allocation. The region must not be
// used afterwards.
func (r *Region) Close() error {
	r.data = nil
	if r.unmap != nil {
		return r.unmap()
	}
	return nil
}

// Size returns the committed size in guest pages.
func (r *Region) Size() uint64 {
	return uint64(len(r.data)) / types.WasmPageSize
}

// SizeBytes returns the committed size in bytes.
func (r *Region) SizeBytes() uint64 {
	return uint64(len(r.data))
}

// CheckRange validates that [offset, offset+size) lies within the
// committed region. Guards against overflow in the range arithmetic.
func (r *Region) CheckRange(offset, size uint64) error {
	if size > 0 && offset > ^uint64(0)-size {
		return sandbox.ContractViolationf("heap range overflows at offset 0x%x size %d", offset, size)
	}
	if offset+size > uint64(len(r.data)) {
		return sandbox.ContractViolationf(
			"heap access at offset %d size %d is out of bounds (heap size %d)",
			offset, size, len(r.data))
	}
	return nil
}

// Read copies len(dst) bytes starting at offset into dst.
func (r *Region) Read(offset uint64, dst []byte) error {
	if err := r.CheckRange(offset, uint64(len(dst))); err != nil {
		return err
	}
	copy(dst, r.data[offset:])
	return nil
}

// Write copies src into the region at offset and records the touched
// pages with the tracker. The tracker is notified before the bytes land;
// the write either fully happens or not at all.
func (r *Region) Write(offset uint64, src []byte) error {
	if err := r.CheckRange(offset, uint64(len(src))); err != nil {
		return err
	}
	if len(src) == 0 {
		return nil
	}
	r.tracker.NoteWrite(offset, uint64(len(src)))
	copy(r.data[offset:], src)
	return nil
}

// Slice returns a read-only view of [offset, offset+size). The view is
// only valid until the next Grow.
func (r *Region) Slice(offset, size uint64) ([]byte, error) {
	if err := r.CheckRange(offset, size); err != nil {
		return nil, err
	}
	return r.data[offset : offset+size], nil
}

// PageBytes returns the content of one OS-sized page as a view into the
// region.
func (r *Region) PageBytes(i types.PageIndex) []byte {
	off := i.Offset()
	return r.data[off : off+types.OSPageSize]
}

// NumOSPages returns the number of OS-sized pages in the committed region.
func (r *Region) NumOSPages() uint64 {
	return uint64(len(r.data)) / types.OSPageSize
}

// Grow extends the region by additional guest pages, zero-filled. Returns
// the previous size in guest pages, or -1 if the limit would be exceeded.
func (r *Region) Grow(additionalPages uint64) int64 {
	current := r.Size()
	if additionalPages > r.maxPages || current+additionalPages > r.maxPages {
		return -1
	}
	if additionalPages == 0 {
		return int64(current)
	}

	newSize := (current + additionalPages) * types.WasmPageSize
	data, unmap, err := alloc(newSize)
	if err != nil {
		return -1
	}
	copy(data, r.data)
	if r.unmap != nil {
		_ = r.unmap()
	}
	r.data = data
	r.unmap = unmap
	return int64(current)
}

// Tracker returns the dirty-page tracker attached to this region.
func (r *Region) Tracker() Tracker {
	return r.tracker
}
