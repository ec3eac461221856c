package syscalls

import (
	"encoding/binary"
	"math"

	"github.com/developerabhi01/ic/internal/types"
	"github.com/developerabhi01/ic/pkg/memory"
	"github.com/developerabhi01/ic/pkg/sandbox"
)

// Table dispatches host function invocations for one execution. It owns
// the boundary work every op shares: argument arity checks, guest memory
// resolution and bounds validation, instruction charging before any priced
// memory touch, and recording the first failure as the execution's
// terminal error.
type Table struct {
	handle  *Handle
	mem     *memory.Region
	charger *sandbox.MemoryCharger
}

// NewTable creates a dispatch table for one execution. mem may be nil for
// memory-less executions; ops that touch the heap then trap with a
// contract violation. A nil charger disables instruction pricing.
func NewTable(handle *Handle, mem *memory.Region, charger *sandbox.MemoryCharger) *Table {
	return &Table{
		handle:  handle,
		mem:     mem,
		charger: charger,
	}
}

// Invoke runs one host function. Any error is recorded into the bound
// capability as the execution's terminal error and returned; the embedder
// converts it to a guest trap. ErrAPIUnbound is the exception: with no
// capability there is nowhere to record, and the failure is a host bug
// that must surface to the caller directly.
func (t *Table) Invoke(op Op, args []uint64) ([]uint64, error) {
	if op >= numOps {
		return nil, sandbox.ContractViolationf("unknown syscall %d", uint8(op))
	}
	if len(args) != op.NumParams() {
		return nil, sandbox.ContractViolationf("%s: expected %d arguments, got %d", op, op.NumParams(), len(args))
	}

	api, err := t.handle.get()
	if err != nil {
		return nil, err
	}

	results, err := t.dispatch(api, op, args)
	if err != nil {
		api.SetExecutionError(err)
		return nil, err
	}
	return results, nil
}

func (t *Table) dispatch(api SystemAPI, op Op, args []uint64) ([]uint64, error) {
	switch op {
	case OpMsgCallerSize:
		caller, err := api.Caller()
		if err != nil {
			return nil, err
		}
		return t.sizeResult(op, uint64(len(caller)))

	case OpMsgCallerCopy:
		caller, err := api.Caller()
		if err != nil {
			return nil, err
		}
		return nil, t.copyOut(op, args[0], args[1], args[2], caller, false)

	case OpMsgArgDataSize:
		data, err := api.MsgArgData()
		if err != nil {
			return nil, err
		}
		return t.sizeResult(op, uint64(len(data)))

	case OpMsgArgDataCopy:
		data, err := api.MsgArgData()
		if err != nil {
			return nil, err
		}
		return nil, t.copyOut(op, args[0], args[1], args[2], data, true)

	case OpMsgMethodNameSize:
		name, err := api.MsgMethodName()
		if err != nil {
			return nil, err
		}
		return t.sizeResult(op, uint64(len(name)))

	case OpMsgMethodNameCopy:
		name, err := api.MsgMethodName()
		if err != nil {
			return nil, err
		}
		return nil, t.copyOut(op, args[0], args[1], args[2], name, true)

	case OpAcceptMessage:
		return nil, api.AcceptMessage()

	case OpMsgReply:
		return nil, api.MsgReply()

	case OpMsgReplyDataAppend:
		data, err := t.chargedRead(args[0], args[1])
		if err != nil {
			return nil, err
		}
		return nil, api.MsgReplyDataAppend(data)

	case OpMsgReject:
		message, err := t.chargedRead(args[0], args[1])
		if err != nil {
			return nil, err
		}
		return nil, api.MsgReject(message)

	case OpMsgRejectCode:
		code, err := api.MsgRejectCode()
		if err != nil {
			return nil, err
		}
		return []uint64{code}, nil

	case OpMsgRejectMsgSize:
		msg, err := api.MsgRejectMsg()
		if err != nil {
			return nil, err
		}
		return t.sizeResult(op, uint64(len(msg)))

	case OpMsgRejectMsgCopy:
		msg, err := api.MsgRejectMsg()
		if err != nil {
			return nil, err
		}
		return nil, t.copyOut(op, args[0], args[1], args[2], msg, true)

	case OpCanisterSelfSize:
		return t.sizeResult(op, uint64(len(api.CanisterSelf())))

	case OpCanisterSelfCopy:
		return nil, t.copyOut(op, args[0], args[1], args[2], api.CanisterSelf(), false)

	case OpControllerSize:
		return t.sizeResult(op, uint64(len(api.Controller())))

	case OpControllerCopy:
		return nil, t.copyOut(op, args[0], args[1], args[2], api.Controller(), false)

	case OpDebugPrint:
		data, err := t.chargedRead(args[0], args[1])
		if err != nil {
			return nil, err
		}
		api.DebugPrint(data)
		return nil, nil

	case OpTrap:
		data, err := t.chargedRead(args[0], args[1])
		if err != nil {
			return nil, err
		}
		return nil, api.Trap(data)

	case OpCallSimple:
		callee, err := t.readHeap(args[0], args[1])
		if err != nil {
			return nil, err
		}
		method, err := t.readHeap(args[2], args[3])
		if err != nil {
			return nil, err
		}
		payload, err := t.chargedRead(args[8], args[9])
		if err != nil {
			return nil, err
		}
		code, err := api.CallSimple(callee, method, args[4], args[5], args[6], args[7], payload)
		if err != nil {
			return nil, err
		}
		return []uint64{code}, nil

	case OpCallNew:
		callee, err := t.readHeap(args[0], args[1])
		if err != nil {
			return nil, err
		}
		method, err := t.readHeap(args[2], args[3])
		if err != nil {
			return nil, err
		}
		return nil, api.CallNew(callee, method, args[4], args[5], args[6], args[7])

	case OpCallDataAppend:
		payload, err := t.chargedRead(args[0], args[1])
		if err != nil {
			return nil, err
		}
		return nil, api.CallDataAppend(payload)

	case OpCallOnCleanup:
		return nil, api.CallOnCleanup(args[0], args[1])

	case OpCallCyclesAdd:
		return nil, api.CallCyclesAdd(args[0])

	case OpCallCyclesAdd128:
		return nil, api.CallCyclesAdd128(types.CyclesFromParts(args[0], args[1]))

	case OpCallPerform:
		code, err := api.CallPerform()
		if err != nil {
			return nil, err
		}
		return []uint64{code}, nil

	case OpStableSize:
		pages, err := api.StableSize()
		if err != nil {
			return nil, err
		}
		return []uint64{pages}, nil

	case OpStableGrow:
		prev, err := api.StableGrow(args[0])
		if err != nil {
			return nil, err
		}
		return []uint64{uint64(uint32(int32(prev)))}, nil

	case OpStableRead:
		if err := t.charge(args[2]); err != nil {
			return nil, err
		}
		buf := make([]byte, args[2])
		if err := api.StableRead(buf, args[1]); err != nil {
			return nil, err
		}
		return nil, t.writeHeap(args[0], buf)

	case OpStableWrite:
		if err := t.charge(args[2]); err != nil {
			return nil, err
		}
		data, err := t.readHeap(args[1], args[2])
		if err != nil {
			return nil, err
		}
		return nil, api.StableWrite(args[0], data)

	case OpStable64Size:
		return []uint64{api.Stable64Size()}, nil

	case OpStable64Grow:
		return []uint64{uint64(api.Stable64Grow(args[0]))}, nil

	case OpStable64Read:
		if err := t.charge(args[2]); err != nil {
			return nil, err
		}
		buf := make([]byte, args[2])
		if err := api.Stable64Read(buf, args[1]); err != nil {
			return nil, err
		}
		return nil, t.writeHeap(args[0], buf)

	case OpStable64Write:
		if err := t.charge(args[2]); err != nil {
			return nil, err
		}
		data, err := t.readHeap(args[1], args[2])
		if err != nil {
			return nil, err
		}
		return nil, api.Stable64Write(args[0], data)

	case OpTime:
		return []uint64{api.Time()}, nil

	case OpCanisterCycleBalance:
		balance, err := api.CanisterCycleBalance()
		if err != nil {
			return nil, err
		}
		return []uint64{balance}, nil

	case OpCanisterCycleBalance128:
		return nil, t.writeCycles(args[0], api.CanisterCycleBalance128())

	case OpMsgCyclesAvailable:
		available, err := api.MsgCyclesAvailable()
		if err != nil {
			return nil, err
		}
		return []uint64{available}, nil

	case OpMsgCyclesAvailable128:
		available, err := api.MsgCyclesAvailable128()
		if err != nil {
			return nil, err
		}
		return nil, t.writeCycles(args[0], available)

	case OpMsgCyclesRefunded:
		refunded, err := api.MsgCyclesRefunded()
		if err != nil {
			return nil, err
		}
		return []uint64{refunded}, nil

	case OpMsgCyclesRefunded128:
		refunded, err := api.MsgCyclesRefunded128()
		if err != nil {
			return nil, err
		}
		return nil, t.writeCycles(args[0], refunded)

	case OpMsgCyclesAccept:
		accepted, err := api.MsgCyclesAccept(args[0])
		if err != nil {
			return nil, err
		}
		return []uint64{accepted}, nil

	case OpMsgCyclesAccept128:
		accepted, err := api.MsgCyclesAccept128(types.CyclesFromParts(args[0], args[1]))
		if err != nil {
			return nil, err
		}
		return nil, t.writeCycles(args[2], accepted)

	case OpCanisterStatus:
		return []uint64{api.CanisterStatus()}, nil

	case OpCertifiedDataSet:
		data, err := t.readHeap(args[0], args[1])
		if err != nil {
			return nil, err
		}
		return nil, api.CertifiedDataSet(data)

	case OpDataCertificatePresent:
		return []uint64{api.DataCertificatePresent()}, nil

	case OpDataCertificateSize:
		cert, err := api.DataCertificate()
		if err != nil {
			return nil, err
		}
		return t.sizeResult(op, uint64(len(cert)))

	case OpDataCertificateCopy:
		cert, err := api.DataCertificate()
		if err != nil {
			return nil, err
		}
		return nil, t.copyOut(op, args[0], args[1], args[2], cert, false)

	case OpMintCycles:
		minted, err := api.MintCycles(args[0])
		if err != nil {
			return nil, err
		}
		return []uint64{minted}, nil

	case OpOutOfInstructions:
		return nil, api.OutOfInstructions()

	case OpUpdateAvailableMemory:
		res, err := api.UpdateAvailableMemory(int64(int32(uint32(args[0]))), args[1])
		if err != nil {
			return nil, err
		}
		return []uint64{uint64(uint32(int32(res)))}, nil
	}

	return nil, sandbox.ContractViolationf("unknown syscall %d", uint8(op))
}

func (t *Table) region() (*memory.Region, error) {
	if t.mem == nil {
		return nil, sandbox.ContractViolationf("canister does not have memory to execute the current message")
	}
	return t.mem, nil
}

func (t *Table) charge(numBytes uint64) error {
	if t.charger == nil {
		return nil
	}
	return t.charger.ChargeForMemory(types.NumBytes(numBytes))
}

// readHeap copies [src, src+size) out of guest memory. The copy decouples
// the capability from later guest writes.
func (t *Table) readHeap(src, size uint64) ([]byte, error) {
	r, err := t.region()
	if err != nil {
		return nil, err
	}
	view, err := r.Slice(src, size)
	if err != nil {
		return nil, err
	}
	out := make([]byte, size)
	copy(out, view)
	return out, nil
}

// chargedRead prices the range before the bytes are read.
func (t *Table) chargedRead(src, size uint64) ([]byte, error) {
	r, err := t.region()
	if err != nil {
		return nil, err
	}
	if err := r.CheckRange(src, size); err != nil {
		return nil, err
	}
	if err := t.charge(size); err != nil {
		return nil, err
	}
	return t.readHeap(src, size)
}

func (t *Table) writeHeap(dst uint64, data []byte) error {
	r, err := t.region()
	if err != nil {
		return err
	}
	return r.Write(dst, data)
}

// copyOut implements the (dst, offset, size) pattern shared by the *_copy
// ops: validate the source subrange, validate the destination, charge when
// the op is priced, then write. A failed charge leaves both the heap and
// the budget untouched.
func (t *Table) copyOut(op Op, dst, offset, size uint64, src []byte, priced bool) error {
	if offset > uint64(len(src)) || size > uint64(len(src))-offset {
		return sandbox.ContractViolationf(
			"%s: source range offset %d size %d is out of bounds (data size %d)",
			op, offset, size, len(src))
	}
	r, err := t.region()
	if err != nil {
		return err
	}
	if err := r.CheckRange(dst, size); err != nil {
		return err
	}
	if priced {
		if err := t.charge(size); err != nil {
			return err
		}
	}
	return r.Write(dst, src[offset:offset+size])
}

// sizeResult narrows a host-side length to the 32-bit guest interface.
// Data too large to address from 32-bit guest code is a fatal trap, never
// a silent truncation.
func (t *Table) sizeResult(op Op, n uint64) ([]uint64, error) {
	if n > math.MaxUint32 {
		return nil, sandbox.ContractViolationf("%s: size %d does not fit in 32 bits", op, n)
	}
	return []uint64{n}, nil
}

func (t *Table) writeCycles(dst uint64, amount types.Cycles) error {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], amount.Lo)
	binary.LittleEndian.PutUint64(buf[8:16], amount.Hi)
	return t.writeHeap(dst, buf[:])
}
