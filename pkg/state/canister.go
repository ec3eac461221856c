// Package state provides the BadgerDB-backed canister state store. It
// holds the durable per-canister record: which heap version is current,
// how large the heap and stable memory are, the cycle balance and the
// certified data blob. Heap page content itself lives in the checkpoint
// store.
package state

import (
	"encoding/binary"
	"errors"

	"github.com/developerabhi01/ic/internal/types"
)

var (
	// ErrCanisterNotFound is returned when a canister doesn't exist.
	ErrCanisterNotFound = errors.New("canister not found")

	// ErrInvalidData is returned when a stored record fails to decode.
	ErrInvalidData = errors.New("invalid canister data")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("state store closed")
)

// MaxControllerSize bounds the controller principal length.
const MaxControllerSize = 255

// Canister is the durable record of one canister.
type Canister struct {
	ID types.CanisterID

	// ModuleHash identifies the installed wasm module.
	ModuleHash [32]byte

	// HeapVersion is the checkpoint version holding the current heap;
	// HeapPages its committed size in 64 KiB pages.
	HeapVersion uint64
	HeapPages   uint64

	// StablePages is the committed stable memory size in 64 KiB pages.
	StablePages uint64

	Balance types.Cycles

	Controller []byte

	CertifiedData []byte

	// Status is the lifecycle status code reported by canister_status.
	Status uint8
}

// Size returns the serialized size in bytes.
func (c *Canister) Size() int {
	return 32 + 8 + 8 + 8 + 16 + 1 + 2 + len(c.Controller) + 1 + len(c.CertifiedData)
}

// Serialize encodes the canister record in a compact binary format.
func (c *Canister) Serialize() []byte {
	buf := make([]byte, c.Size())
	offset := 0

	copy(buf[offset:], c.ModuleHash[:])
	offset += 32

	binary.LittleEndian.PutUint64(buf[offset:], c.HeapVersion)
	offset += 8
	binary.LittleEndian.PutUint64(buf[offset:], c.HeapPages)
	offset += 8
	binary.LittleEndian.PutUint64(buf[offset:], c.StablePages)
	offset += 8

	hi, lo := c.Balance.Parts()
	binary.LittleEndian.PutUint64(buf[offset:], hi)
	offset += 8
	binary.LittleEndian.PutUint64(buf[offset:], lo)
	offset += 8

	buf[offset] = c.Status
	offset++

	binary.LittleEndian.PutUint16(buf[offset:], uint16(len(c.Controller)))
	offset += 2
	copy(buf[offset:], c.Controller)
	offset += len(c.Controller)

	buf[offset] = byte(len(c.CertifiedData))
	offset++
	copy(buf[offset:], c.CertifiedData)

	return buf
}

// DeserializeCanister decodes a canister record.
func DeserializeCanister(data []byte) (*Canister, error) {
	const fixed = 32 + 8 + 8 + 8 + 16 + 1 + 2
	if len(data) < fixed+1 {
		return nil, ErrInvalidData
	}

	c := &Canister{}
	offset := 0

	copy(c.ModuleHash[:], data[offset:])
	offset += 32

	c.HeapVersion = binary.LittleEndian.Uint64(data[offset:])
	offset += 8
	c.HeapPages = binary.LittleEndian.Uint64(data[offset:])
	offset += 8
	c.StablePages = binary.LittleEndian.Uint64(data[offset:])
	offset += 8

	hi := binary.LittleEndian.Uint64(data[offset:])
	offset += 8
	lo := binary.LittleEndian.Uint64(data[offset:])
	offset += 8
	c.Balance = types.CyclesFromParts(hi, lo)

	c.Status = data[offset]
	offset++

	controllerLen := int(binary.LittleEndian.Uint16(data[offset:]))
	offset += 2
	if controllerLen > MaxControllerSize || len(data) < offset+controllerLen+1 {
		return nil, ErrInvalidData
	}
	c.Controller = append([]byte(nil), data[offset:offset+controllerLen]...)
	offset += controllerLen

	certLen := int(data[offset])
	offset++
	if len(data) < offset+certLen {
		return nil, ErrInvalidData
	}
	c.CertifiedData = append([]byte(nil), data[offset:offset+certLen]...)

	return c, nil
}
