// Package types defines the core scalar types shared across the canister
// sandbox: canister identifiers, page indexes, instruction and byte counts,
// 128-bit cycle amounts and subnet classes.
package types

import (
	"errors"
	"fmt"
	"math"
	"math/bits"

	"github.com/mr-tron/base58"
)

// Size constants for core types.
const (
	CanisterIDSize = 32

	// OSPageSize is the granularity of dirty-page tracking and of the
	// page map. It matches the host page size on all supported targets.
	OSPageSize = 4096

	// WasmPageSize is the size of one guest linear-memory page.
	WasmPageSize = 65536

	// OSPagesPerWasmPage is the number of tracking pages per guest page.
	OSPagesPerWasmPage = WasmPageSize / OSPageSize
)

var (
	// ErrInvalidCanisterID is returned when a canister id has invalid length.
	ErrInvalidCanisterID = errors.New("invalid canister id: must be 32 bytes")

	// ErrInvalidSubnetType is returned when parsing an unknown subnet type.
	ErrInvalidSubnetType = errors.New("invalid subnet type")
)

// CanisterID identifies one canister on a subnet.
type CanisterID [CanisterIDSize]byte

// CanisterIDFromBase58 parses a base58-encoded canister id.
func CanisterIDFromBase58(s string) (CanisterID, error) {
	var id CanisterID
	data, err := base58.Decode(s)
	if err != nil {
		return id, fmt.Errorf("base58 decode: %w", err)
	}
	if len(data) != CanisterIDSize {
		return id, ErrInvalidCanisterID
	}
	copy(id[:], data)
	return id, nil
}

// CanisterIDFromBytes creates a CanisterID from a byte slice.
func CanisterIDFromBytes(b []byte) (CanisterID, error) {
	var id CanisterID
	if len(b) != CanisterIDSize {
		return id, ErrInvalidCanisterID
	}
	copy(id[:], b)
	return id, nil
}

// MustCanisterIDFromBase58 parses a base58 canister id and panics on error.
// For package-level well-known ids and tests only.
func MustCanisterIDFromBase58(s string) CanisterID {
	id, err := CanisterIDFromBase58(s)
	if err != nil {
		panic(err)
	}
	return id
}

// String returns the base58-encoded representation.
func (id CanisterID) String() string {
	return base58.Encode(id[:])
}

// IsZero returns true if the id is all zeros.
func (id CanisterID) IsZero() bool {
	return id == CanisterID{}
}

// Bytes returns the id as a byte slice.
func (id CanisterID) Bytes() []byte {
	return id[:]
}

// MarshalText implements encoding.TextMarshaler.
func (id CanisterID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *CanisterID) UnmarshalText(text []byte) error {
	parsed, err := CanisterIDFromBase58(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// PageIndex is a zero-based index of an OS-sized page within a canister heap.
type PageIndex uint64

// PageIndexForOffset returns the index of the page containing a byte offset.
func PageIndexForOffset(offset uint64) PageIndex {
	return PageIndex(offset / OSPageSize)
}

// Offset returns the byte offset of the first byte of the page.
func (i PageIndex) Offset() uint64 {
	return uint64(i) * OSPageSize
}

// NumBytes is a byte count.
type NumBytes uint64

// NumInstructions is an instruction count. It is signed because the
// per-execution budget is a signed 64-bit counter shared with compiled-in
// charge points; no negative value is ever committed to the budget.
type NumInstructions int64

// SubnetType classifies a subnet for resource accounting. Application
// subnets pay for memory syscalls in instructions; system subnets do not.
type SubnetType uint8

const (
	// SubnetApplication is the default, fully charged subnet class.
	SubnetApplication SubnetType = iota

	// SubnetVerifiedApplication is charged like an application subnet.
	SubnetVerifiedApplication

	// SubnetSystem hosts system canisters exempt from memory charging.
	SubnetSystem
)

// String returns the textual form of the subnet type.
func (s SubnetType) String() string {
	switch s {
	case SubnetApplication:
		return "application"
	case SubnetVerifiedApplication:
		return "verified_application"
	case SubnetSystem:
		return "system"
	default:
		return "unknown"
	}
}

// ParseSubnetType parses the textual form of a subnet type.
func ParseSubnetType(s string) (SubnetType, error) {
	switch s {
	case "application":
		return SubnetApplication, nil
	case "verified_application":
		return SubnetVerifiedApplication, nil
	case "system":
		return SubnetSystem, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidSubnetType, s)
	}
}

// Cycles is a 128-bit cycle amount. The guest-visible interface splits
// amounts into two 64-bit halves.
type Cycles struct {
	Hi uint64
	Lo uint64
}

// CyclesFromParts assembles a cycle amount from its 64-bit halves.
func CyclesFromParts(hi, lo uint64) Cycles {
	return Cycles{Hi: hi, Lo: lo}
}

// CyclesFromU64 converts a 64-bit amount.
func CyclesFromU64(v uint64) Cycles {
	return Cycles{Lo: v}
}

// Parts returns the 64-bit halves of the amount.
func (c Cycles) Parts() (hi, lo uint64) {
	return c.Hi, c.Lo
}

// IsZero returns true for a zero amount.
func (c Cycles) IsZero() bool {
	return c.Hi == 0 && c.Lo == 0
}

// U64 returns the amount as a uint64, saturating at MaxUint64.
func (c Cycles) U64() uint64 {
	if c.Hi != 0 {
		return math.MaxUint64
	}
	return c.Lo
}

// Add returns c + other, saturating at the 128-bit maximum.
func (c Cycles) Add(other Cycles) Cycles {
	lo, carry := bits.Add64(c.Lo, other.Lo, 0)
	hi, overflow := bits.Add64(c.Hi, other.Hi, carry)
	if overflow != 0 {
		return Cycles{Hi: math.MaxUint64, Lo: math.MaxUint64}
	}
	return Cycles{Hi: hi, Lo: lo}
}

// Sub returns c - other, saturating at zero.
func (c Cycles) Sub(other Cycles) Cycles {
	if c.Cmp(other) < 0 {
		return Cycles{}
	}
	lo, borrow := bits.Sub64(c.Lo, other.Lo, 0)
	hi, _ := bits.Sub64(c.Hi, other.Hi, borrow)
	return Cycles{Hi: hi, Lo: lo}
}

// Min returns the smaller of c and other.
func (c Cycles) Min(other Cycles) Cycles {
	if c.Cmp(other) <= 0 {
		return c
	}
	return other
}

// Cmp compares two amounts: -1 if c < other, 0 if equal, 1 if c > other.
func (c Cycles) Cmp(other Cycles) int {
	switch {
	case c.Hi < other.Hi:
		return -1
	case c.Hi > other.Hi:
		return 1
	case c.Lo < other.Lo:
		return -1
	case c.Lo > other.Lo:
		return 1
	default:
		return 0
	}
}

// String formats the amount, using plain decimal when it fits in 64 bits.
func (c Cycles) String() string {
	if c.Hi == 0 {
		return fmt.Sprintf("%d", c.Lo)
	}
	return fmt.Sprintf("0x%x%016x", c.Hi, c.Lo)
}
