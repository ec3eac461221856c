package sysapi

import (
	"fmt"
	"unicode/utf8"

	"github.com/developerabhi01/ic/internal/types"
	"github.com/developerabhi01/ic/pkg/sandbox"
)

// MaxCallPayloadSize caps the argument payload of one outgoing call.
const MaxCallPayloadSize = 2 * 1024 * 1024

// CallRequest is one outgoing inter-canister call assembled by the guest.
type CallRequest struct {
	Callee []byte
	Method string

	ReplyFun  uint64
	ReplyEnv  uint64
	RejectFun uint64
	RejectEnv uint64

	CleanupFun uint64
	CleanupEnv uint64
	HasCleanup bool

	Payload []byte
	Cycles  types.Cycles
}

func (a *API) checkCallsAllowed(op string) error {
	if a.kind != Update {
		return fmt.Errorf("%s in %s context: %w", op, a.kind, sandbox.ErrCallsNotAllowed)
	}
	return nil
}

// CallNew begins assembling an outgoing call. Any call under assembly
// that was never performed is discarded.
func (a *API) CallNew(callee, method []byte, replyFun, replyEnv, rejectFun, rejectEnv uint64) error {
	if err := a.checkCallsAllowed("call_new"); err != nil {
		return err
	}
	if !utf8.Valid(method) {
		return sandbox.ContractViolationf("call_new: method name is not valid UTF-8")
	}
	a.pending = &CallRequest{
		Callee:    append([]byte(nil), callee...),
		Method:    string(method),
		ReplyFun:  replyFun,
		ReplyEnv:  replyEnv,
		RejectFun: rejectFun,
		RejectEnv: rejectEnv,
	}
	return nil
}

// CallDataAppend appends to the payload of the call under assembly.
func (a *API) CallDataAppend(payload []byte) error {
	if err := a.checkCallsAllowed("call_data_append"); err != nil {
		return err
	}
	if a.pending == nil {
		return sandbox.ContractViolationf("call_data_append without a call under assembly")
	}
	if uint64(len(a.pending.Payload))+uint64(len(payload)) > MaxCallPayloadSize {
		return sandbox.ContractViolationf(
			"call_data_append: payload size exceeds the %d byte limit", MaxCallPayloadSize)
	}
	a.pending.Payload = append(a.pending.Payload, payload...)
	return nil
}

// CallOnCleanup attaches the cleanup callback to the call under assembly.
func (a *API) CallOnCleanup(fun, env uint64) error {
	if err := a.checkCallsAllowed("call_on_cleanup"); err != nil {
		return err
	}
	if a.pending == nil {
		return sandbox.ContractViolationf("call_on_cleanup without a call under assembly")
	}
	if a.pending.HasCleanup {
		return sandbox.ContractViolationf("call_on_cleanup: cleanup callback is already set")
	}
	a.pending.CleanupFun = fun
	a.pending.CleanupEnv = env
	a.pending.HasCleanup = true
	return nil
}

// CallCyclesAdd moves cycles from the canister balance onto the call
// under assembly.
func (a *API) CallCyclesAdd(amount uint64) error {
	return a.CallCyclesAdd128(types.CyclesFromU64(amount))
}

// CallCyclesAdd128 moves cycles from the canister balance onto the call
// under assembly, 128-bit amount.
func (a *API) CallCyclesAdd128(amount types.Cycles) error {
	if err := a.checkCallsAllowed("call_cycles_add"); err != nil {
		return err
	}
	if a.pending == nil {
		return sandbox.ContractViolationf("call_cycles_add without a call under assembly")
	}
	if a.balance.Cmp(amount) < 0 {
		return sandbox.ContractViolationf(
			"call_cycles_add: canister balance %s cannot cover %s cycles", a.balance, amount)
	}
	a.balance = a.balance.Sub(amount)
	a.pending.Cycles = a.pending.Cycles.Add(amount)
	return nil
}

// CallPerform enqueues the assembled call for delivery. Returns 0 on
// success; the call slot is cleared either way.
func (a *API) CallPerform() (uint64, error) {
	if err := a.checkCallsAllowed("call_perform"); err != nil {
		return 0, err
	}
	if a.pending == nil {
		return 0, sandbox.ContractViolationf("call_perform without a call under assembly")
	}
	a.calls = append(a.calls, *a.pending)
	a.pending = nil
	return 0, nil
}

// CallSimple assembles and enqueues a call in one step.
func (a *API) CallSimple(callee, method []byte, replyFun, replyEnv, rejectFun, rejectEnv uint64, payload []byte) (uint64, error) {
	if err := a.CallNew(callee, method, replyFun, replyEnv, rejectFun, rejectEnv); err != nil {
		return 0, err
	}
	if err := a.CallDataAppend(payload); err != nil {
		return 0, err
	}
	return a.CallPerform()
}

// Calls returns the outgoing calls enqueued during this execution.
func (a *API) Calls() []CallRequest {
	return a.calls
}
