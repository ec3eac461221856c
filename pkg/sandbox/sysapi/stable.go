package sysapi

import (
	"github.com/developerabhi01/ic/internal/types"
	"github.com/developerabhi01/ic/pkg/sandbox"
)

// Stable memory limits in 64 KiB pages. The 32-bit interface stops at the
// 4 GiB line; the 64-bit interface goes up to 8 GiB.
const (
	MaxStablePages32 = 65536
	MaxStablePages64 = 131072
)

// stableMemory is the canister's stable memory: a flat byte store in
// 64 KiB pages that survives across executions. The committed size is
// tracked in pages; bytes are only allocated once written, so growing to
// gigabytes of never-touched memory costs nothing. Ranges never written
// read as zero.
type stableMemory struct {
	data  []byte
	pages uint64
}

func (s *stableMemory) load(content []byte) {
	if len(content) == 0 {
		return
	}
	s.data = append([]byte(nil), content...)
	s.pages = uint64(len(content)) / types.WasmPageSize
	if uint64(len(content))%types.WasmPageSize != 0 {
		s.pages++
	}
}

func (s *stableMemory) grow(additionalPages, limit uint64) int64 {
	if additionalPages > limit || s.pages+additionalPages > limit {
		return -1
	}
	prev := s.pages
	s.pages += additionalPages
	return int64(prev)
}

func (s *stableMemory) checkRange(op string, offset, size uint64) error {
	if size > 0 && offset > ^uint64(0)-size {
		return sandbox.ContractViolationf("%s: stable memory range overflows at offset 0x%x size %d", op, offset, size)
	}
	if offset+size > s.pages*types.WasmPageSize {
		return sandbox.ContractViolationf(
			"%s: stable memory access at offset %d size %d is out of bounds (size %d pages)",
			op, offset, size, s.pages)
	}
	return nil
}

func (s *stableMemory) read(dst []byte, offset uint64) {
	for i := range dst {
		dst[i] = 0
	}
	if offset < uint64(len(s.data)) {
		copy(dst, s.data[offset:])
	}
}

func (s *stableMemory) write(offset uint64, src []byte) {
	end := offset + uint64(len(src))
	if end > uint64(len(s.data)) {
		grown := make([]byte, end)
		copy(grown, s.data)
		s.data = grown
	}
	copy(s.data[offset:], src)
}

// StableSize returns the stable memory size in pages through the 32-bit
// interface, which traps once stable memory has grown past its reach.
func (a *API) StableSize() (uint64, error) {
	if a.stable.pages > MaxStablePages32 {
		return 0, sandbox.ContractViolationf(
			"stable_size: size %d pages does not fit the 32-bit interface", a.stable.pages)
	}
	return a.stable.pages, nil
}

// StableGrow grows stable memory through the 32-bit interface. Returns
// the previous size in pages, or -1 when the 4 GiB line would be crossed.
func (a *API) StableGrow(pages uint64) (int64, error) {
	if a.stable.pages > MaxStablePages32 {
		return 0, sandbox.ContractViolationf(
			"stable_grow: size %d pages does not fit the 32-bit interface", a.stable.pages)
	}
	return a.stable.grow(pages, MaxStablePages32), nil
}

// StableRead copies stable memory [offset, offset+len(dst)) into dst.
func (a *API) StableRead(dst []byte, offset uint64) error {
	if err := a.stable.checkRange("stable_read", offset, uint64(len(dst))); err != nil {
		return err
	}
	a.stable.read(dst, offset)
	return nil
}

// StableWrite copies src into stable memory at offset.
func (a *API) StableWrite(offset uint64, src []byte) error {
	if err := a.stable.checkRange("stable_write", offset, uint64(len(src))); err != nil {
		return err
	}
	a.stable.write(offset, src)
	return nil
}

// Stable64Size returns the stable memory size in pages.
func (a *API) Stable64Size() uint64 {
	return a.stable.pages
}

// Stable64Grow grows stable memory. Returns the previous size in pages,
// or -1 when the limit would be exceeded.
func (a *API) Stable64Grow(pages uint64) int64 {
	return a.stable.grow(pages, MaxStablePages64)
}

// Stable64Read copies stable memory [offset, offset+len(dst)) into dst.
func (a *API) Stable64Read(dst []byte, offset uint64) error {
	if err := a.stable.checkRange("stable64_read", offset, uint64(len(dst))); err != nil {
		return err
	}
	a.stable.read(dst, offset)
	return nil
}

// Stable64Write copies src into stable memory at offset.
func (a *API) Stable64Write(offset uint64, src []byte) error {
	if err := a.stable.checkRange("stable64_write", offset, uint64(len(src))); err != nil {
		return err
	}
	a.stable.write(offset, src)
	return nil
}

// StableContent returns the written stable memory bytes and the committed
// size in pages, for persisting into the canister state after a successful
// execution. The byte slice may be shorter than the committed size; the
// remainder is all-zero.
func (a *API) StableContent() ([]byte, uint64) {
	return a.stable.data, a.stable.pages
}
