// Package executor orchestrates one message execution: it materializes
// the guest heap from the canister's page map version, wires the
// instruction meter, memory charger and execution capability together
// behind the dispatch table, runs the guest, and collects the outcome.
//
// Guest bytecode itself is out of scope here. A guest is any function
// driving the dispatch table and the heap; the embedder supplies it.
package executor

import (
	log "github.com/sirupsen/logrus"

	"github.com/developerabhi01/ic/internal/types"
	"github.com/developerabhi01/ic/pkg/memory"
	"github.com/developerabhi01/ic/pkg/sandbox"
	"github.com/developerabhi01/ic/pkg/sandbox/syscalls"
	"github.com/developerabhi01/ic/pkg/sandbox/sysapi"
)

// GuestEnv is what a guest function sees during execution: its heap and
// the syscall table. Everything else is reachable only through syscalls.
type GuestEnv struct {
	Syscalls *syscalls.Table
	Heap     *memory.Region
}

// GuestFunc stands in for instrumented guest code. A returned error is
// treated as a guest trap.
type GuestFunc func(env *GuestEnv) error

// ExecutionSpec describes one message execution.
type ExecutionSpec struct {
	CanisterID types.CanisterID
	Controller []byte
	SubnetType types.SubnetType

	Kind       sysapi.MessageKind
	MethodName string
	Caller     []byte
	Payload    []byte

	RejectCode    uint64
	RejectMessage string

	Balance         types.Cycles
	CyclesAvailable types.Cycles
	CyclesRefunded  types.Cycles

	InstructionLimit types.NumInstructions

	// HeapVersion is the page map version the heap starts from;
	// HeapPages is its committed size.
	HeapVersion *memory.PageMap
	HeapPages   uint64
	Tracking    memory.TrackingPolicy

	StableContent []byte

	TimeNanos   uint64
	Status      uint64
	Certificate []byte

	AvailableMemoryPages uint64
}

// ExecutionResult is what the replica controller gets back. On a trap the
// state-changing outputs (page delta, calls, reply) are withheld; the
// instruction count is reported regardless so the caller is charged for
// the work done.
type ExecutionResult struct {
	InstructionsConsumed types.NumInstructions

	// Delta holds the pages this execution modified, ready to merge into
	// the next page map version. DirtyPages lists their indexes.
	Delta      memory.PageDelta
	DirtyPages []types.PageIndex

	// HeapPages is the committed heap size after growth.
	HeapPages uint64

	Reply   []byte
	Replied bool

	RejectMessage string
	Rejected      bool

	Calls []sysapi.CallRequest

	Accepted bool

	Balance        types.Cycles
	AcceptedCycles types.Cycles

	CertifiedData   []byte
	CertifiedDigest [32]byte

	StableContent []byte
	StablePages   uint64

	// Trap is the terminal error, nil for a clean execution.
	Trap error
}

// Executor runs guest executions for one sandbox process.
type Executor struct {
	logger *log.Logger
}

// New creates an executor.
func New(logger *log.Logger) *Executor {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Executor{logger: logger}
}

// Execute runs one message against the canister state in spec. The
// returned error reports host-side failures only; guest failures land in
// ExecutionResult.Trap.
func (e *Executor) Execute(spec ExecutionSpec, guest GuestFunc) (*ExecutionResult, error) {
	tracker := memory.NewTracker(spec.Tracking)
	region, err := memory.NewRegion(spec.HeapVersion, spec.HeapPages, tracker)
	if err != nil {
		return nil, err
	}
	defer region.Close()

	limit := spec.InstructionLimit
	if limit == 0 {
		limit = sandbox.DefaultInstructionLimit
	}
	meter := sandbox.NewInstructionMeter(limit)
	charger := sandbox.NewMemoryCharger(e.logger, spec.CanisterID, sandbox.NewCostModel(spec.SubnetType), meter)

	api := sysapi.New(sysapi.Config{
		CanisterID:           spec.CanisterID,
		Controller:           spec.Controller,
		SubnetType:           spec.SubnetType,
		Kind:                 spec.Kind,
		Caller:               spec.Caller,
		MethodName:           spec.MethodName,
		Payload:              spec.Payload,
		RejectCode:           spec.RejectCode,
		RejectMessage:        spec.RejectMessage,
		Balance:              spec.Balance,
		CyclesAvailable:      spec.CyclesAvailable,
		CyclesRefunded:       spec.CyclesRefunded,
		TimeNanos:            spec.TimeNanos,
		Status:               spec.Status,
		Certificate:          spec.Certificate,
		AvailableMemoryPages: spec.AvailableMemoryPages,
		StableContent:        spec.StableContent,
		Logger:               e.logger,
	})

	handle := syscalls.NewHandle()
	if err := handle.Bind(api); err != nil {
		return nil, err
	}
	// The capability must not outlive this execution, whatever path we
	// leave on.
	defer handle.Release()

	table := syscalls.NewTable(handle, region, charger)
	guestErr := guest(&GuestEnv{Syscalls: table, Heap: region})

	result := &ExecutionResult{
		InstructionsConsumed: meter.Consumed(),
		HeapPages:            region.Size(),
	}

	// A trap recorded through the table wins over the guest's own return
	// value; the guest cannot un-trap by swallowing syscall errors.
	trap := api.ExecutionError()
	if trap == nil {
		trap = guestErr
	}
	if trap != nil {
		result.Trap = trap
		return result, nil
	}

	switch tracker.Policy() {
	case memory.Track:
		result.DirtyPages = tracker.DirtyPages()
		result.Delta = memory.ComputeDelta(region, result.DirtyPages)
	case memory.Ignore:
		result.Delta = memory.FullDelta(region, spec.HeapVersion)
		result.DirtyPages = result.Delta.PageIndexes()
	}

	result.Reply, result.Replied = api.Reply()
	result.RejectMessage, result.Rejected = api.Reject()
	result.Calls = api.Calls()
	result.Accepted = api.MessageAccepted()
	result.Balance = api.Balance()
	result.AcceptedCycles = api.AcceptedCycles()
	result.CertifiedData, result.CertifiedDigest = api.CertifiedData()
	result.StableContent, result.StablePages = api.StableContent()
	return result, nil
}
