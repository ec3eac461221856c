// Package syscalls implements the host-function dispatch table of the
// canister sandbox.
//
// Every host function callable from guest code is a member of a statically
// enumerated Op set dispatched through a single switch. The guest-visible
// functions live in the "ic0" namespace; the two functions injected by
// instrumentation live in the "__" namespace. Arguments and results cross
// the boundary as flat uint64 slices, matching the wasm value encoding.
package syscalls

import "fmt"

// Op identifies one host function.
type Op uint8

const (
	OpMsgCallerSize Op = iota
	OpMsgCallerCopy
	OpMsgArgDataSize
	OpMsgArgDataCopy
	OpMsgMethodNameSize
	OpMsgMethodNameCopy
	OpAcceptMessage
	OpMsgReply
	OpMsgReplyDataAppend
	OpMsgReject
	OpMsgRejectCode
	OpMsgRejectMsgSize
	OpMsgRejectMsgCopy
	OpCanisterSelfSize
	OpCanisterSelfCopy
	OpControllerSize
	OpControllerCopy
	OpDebugPrint
	OpTrap
	OpCallSimple
	OpCallNew
	OpCallDataAppend
	OpCallOnCleanup
	OpCallCyclesAdd
	OpCallCyclesAdd128
	OpCallPerform
	OpStableSize
	OpStableGrow
	OpStableRead
	OpStableWrite
	OpStable64Size
	OpStable64Grow
	OpStable64Read
	OpStable64Write
	OpTime
	OpCanisterCycleBalance
	OpCanisterCycleBalance128
	OpMsgCyclesAvailable
	OpMsgCyclesAvailable128
	OpMsgCyclesRefunded
	OpMsgCyclesRefunded128
	OpMsgCyclesAccept
	OpMsgCyclesAccept128
	OpCanisterStatus
	OpCertifiedDataSet
	OpDataCertificatePresent
	OpDataCertificateSize
	OpDataCertificateCopy
	OpMintCycles
	OpOutOfInstructions
	OpUpdateAvailableMemory

	numOps
)

// Namespaces host functions are registered under.
const (
	ModuleIC0             = "ic0"
	ModuleInstrumentation = "__"
)

type opInfo struct {
	module     string
	name       string
	numParams  int
	numResults int
}

var opTable = [numOps]opInfo{
	OpMsgCallerSize:           {ModuleIC0, "msg_caller_size", 0, 1},
	OpMsgCallerCopy:           {ModuleIC0, "msg_caller_copy", 3, 0},
	OpMsgArgDataSize:          {ModuleIC0, "msg_arg_data_size", 0, 1},
	OpMsgArgDataCopy:          {ModuleIC0, "msg_arg_data_copy", 3, 0},
	OpMsgMethodNameSize:       {ModuleIC0, "msg_method_name_size", 0, 1},
	OpMsgMethodNameCopy:       {ModuleIC0, "msg_method_name_copy", 3, 0},
	OpAcceptMessage:           {ModuleIC0, "accept_message", 0, 0},
	OpMsgReply:                {ModuleIC0, "msg_reply", 0, 0},
	OpMsgReplyDataAppend:      {ModuleIC0, "msg_reply_data_append", 2, 0},
	OpMsgReject:               {ModuleIC0, "msg_reject", 2, 0},
	OpMsgRejectCode:           {ModuleIC0, "msg_reject_code", 0, 1},
	OpMsgRejectMsgSize:        {ModuleIC0, "msg_reject_msg_size", 0, 1},
	OpMsgRejectMsgCopy:        {ModuleIC0, "msg_reject_msg_copy", 3, 0},
	OpCanisterSelfSize:        {ModuleIC0, "canister_self_size", 0, 1},
	OpCanisterSelfCopy:        {ModuleIC0, "canister_self_copy", 3, 0},
	OpControllerSize:          {ModuleIC0, "controller_size", 0, 1},
	OpControllerCopy:          {ModuleIC0, "controller_copy", 3, 0},
	OpDebugPrint:              {ModuleIC0, "debug_print", 2, 0},
	OpTrap:                    {ModuleIC0, "trap", 2, 0},
	OpCallSimple:              {ModuleIC0, "call_simple", 10, 1},
	OpCallNew:                 {ModuleIC0, "call_new", 8, 0},
	OpCallDataAppend:          {ModuleIC0, "call_data_append", 2, 0},
	OpCallOnCleanup:           {ModuleIC0, "call_on_cleanup", 2, 0},
	OpCallCyclesAdd:           {ModuleIC0, "call_cycles_add", 1, 0},
	OpCallCyclesAdd128:        {ModuleIC0, "call_cycles_add128", 2, 0},
	OpCallPerform:             {ModuleIC0, "call_perform", 0, 1},
	OpStableSize:              {ModuleIC0, "stable_size", 0, 1},
	OpStableGrow:              {ModuleIC0, "stable_grow", 1, 1},
	OpStableRead:              {ModuleIC0, "stable_read", 3, 0},
	OpStableWrite:             {ModuleIC0, "stable_write", 3, 0},
	OpStable64Size:            {ModuleIC0, "stable64_size", 0, 1},
	OpStable64Grow:            {ModuleIC0, "stable64_grow", 1, 1},
	OpStable64Read:            {ModuleIC0, "stable64_read", 3, 0},
	OpStable64Write:           {ModuleIC0, "stable64_write", 3, 0},
	OpTime:                    {ModuleIC0, "time", 0, 1},
	OpCanisterCycleBalance:    {ModuleIC0, "canister_cycle_balance", 0, 1},
	OpCanisterCycleBalance128: {ModuleIC0, "canister_cycle_balance128", 1, 0},
	OpMsgCyclesAvailable:      {ModuleIC0, "msg_cycles_available", 0, 1},
	OpMsgCyclesAvailable128:   {ModuleIC0, "msg_cycles_available128", 1, 0},
	OpMsgCyclesRefunded:       {ModuleIC0, "msg_cycles_refunded", 0, 1},
	OpMsgCyclesRefunded128:    {ModuleIC0, "msg_cycles_refunded128", 1, 0},
	OpMsgCyclesAccept:         {ModuleIC0, "msg_cycles_accept", 1, 1},
	OpMsgCyclesAccept128:      {ModuleIC0, "msg_cycles_accept128", 3, 0},
	OpCanisterStatus:          {ModuleIC0, "canister_status", 0, 1},
	OpCertifiedDataSet:        {ModuleIC0, "certified_data_set", 2, 0},
	OpDataCertificatePresent:  {ModuleIC0, "data_certificate_present", 0, 1},
	OpDataCertificateSize:     {ModuleIC0, "data_certificate_size", 0, 1},
	OpDataCertificateCopy:     {ModuleIC0, "data_certificate_copy", 3, 0},
	OpMintCycles:              {ModuleIC0, "mint_cycles", 1, 1},
	OpOutOfInstructions:       {ModuleInstrumentation, "out_of_instructions", 0, 0},
	OpUpdateAvailableMemory:   {ModuleInstrumentation, "update_available_memory", 2, 1},
}

// String returns the fully qualified import name, e.g. "ic0.msg_reply".
func (op Op) String() string {
	if op >= numOps {
		return fmt.Sprintf("op(%d)", uint8(op))
	}
	info := opTable[op]
	return info.module + "." + info.name
}

// Name returns the import name without the module prefix.
func (op Op) Name() string {
	if op >= numOps {
		return fmt.Sprintf("op(%d)", uint8(op))
	}
	return opTable[op].name
}

// NumParams returns the number of uint64 arguments the op takes.
func (op Op) NumParams() int {
	return opTable[op].numParams
}

// NumResults returns the number of uint64 results the op produces.
func (op Op) NumResults() int {
	return opTable[op].numResults
}

var opsByName = func() map[string]Op {
	m := make(map[string]Op, numOps)
	for op := Op(0); op < numOps; op++ {
		info := opTable[op]
		m[info.module+"."+info.name] = op
	}
	return m
}()

// LookupOp resolves a (module, name) import pair to its Op. Used by
// embedders when wiring guest imports.
func LookupOp(module, name string) (Op, bool) {
	op, ok := opsByName[module+"."+name]
	return op, ok
}

// Ops returns all defined ops in declaration order.
func Ops() []Op {
	out := make([]Op, numOps)
	for i := range out {
		out[i] = Op(i)
	}
	return out
}
