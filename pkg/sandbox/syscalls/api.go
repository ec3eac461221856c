package syscalls

import "github.com/developerabhi01/ic/internal/types"

// SystemAPI is the execution capability the dispatch table delegates to.
// The table owns everything that touches guest memory: bounds checks,
// instruction charging and the actual byte copies. The capability owns the
// message context, cycles accounting, stable memory and the call builder.
//
// Byte slices passed in are only valid for the duration of the call;
// implementations that retain data must copy it.
type SystemAPI interface {
	// Message context.
	Caller() ([]byte, error)
	CanisterSelf() []byte
	Controller() []byte
	MsgArgData() ([]byte, error)
	MsgMethodName() ([]byte, error)
	AcceptMessage() error

	// Reply and reject.
	MsgReply() error
	MsgReplyDataAppend(data []byte) error
	MsgReject(message []byte) error
	MsgRejectCode() (uint64, error)
	MsgRejectMsg() ([]byte, error)

	// Diagnostics.
	DebugPrint(data []byte)
	Trap(data []byte) error

	// Inter-canister calls.
	CallSimple(callee, method []byte, replyFun, replyEnv, rejectFun, rejectEnv uint64, payload []byte) (uint64, error)
	CallNew(callee, method []byte, replyFun, replyEnv, rejectFun, rejectEnv uint64) error
	CallDataAppend(payload []byte) error
	CallOnCleanup(fun, env uint64) error
	CallCyclesAdd(amount uint64) error
	CallCyclesAdd128(amount types.Cycles) error
	CallPerform() (uint64, error)

	// Stable memory. Sizes and grow results are in 64 KiB pages; the
	// 32-bit interface additionally traps above the 4 GiB line, which the
	// capability enforces.
	StableSize() (uint64, error)
	StableGrow(pages uint64) (int64, error)
	StableRead(dst []byte, offset uint64) error
	StableWrite(offset uint64, src []byte) error
	Stable64Size() uint64
	Stable64Grow(pages uint64) int64
	Stable64Read(dst []byte, offset uint64) error
	Stable64Write(offset uint64, src []byte) error

	// Cycles accounting.
	CanisterCycleBalance() (uint64, error)
	CanisterCycleBalance128() types.Cycles
	MsgCyclesAvailable() (uint64, error)
	MsgCyclesAvailable128() (types.Cycles, error)
	MsgCyclesRefunded() (uint64, error)
	MsgCyclesRefunded128() (types.Cycles, error)
	MsgCyclesAccept(maxAmount uint64) (uint64, error)
	MsgCyclesAccept128(maxAmount types.Cycles) (types.Cycles, error)
	MintCycles(amount uint64) (uint64, error)

	// Environment.
	Time() uint64
	CanisterStatus() uint64
	CertifiedDataSet(data []byte) error
	DataCertificatePresent() uint64
	DataCertificate() ([]byte, error)

	// Instrumentation namespace.
	OutOfInstructions() error
	UpdateAvailableMemory(nativeMemoryGrowResult int64, additionalPages uint64) (int64, error)

	// Terminal error slot. The first recorded error wins; the executor
	// reads it after the guest returns.
	SetExecutionError(err error)
	ExecutionError() error
}
