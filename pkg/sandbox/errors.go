// Package sandbox implements the resource accounting core of the canister
// sandbox: the per-execution instruction budget, the cost model that prices
// memory traffic in instructions, and the memory charger that debits the
// budget before any guest-visible memory operation.
package sandbox

import (
	"errors"
	"fmt"
)

// Execution errors. Every failure inside a syscall is reduced to one of
// these before it crosses back into guest code as a trap.
var (
	// ErrOutOfInstructions is returned when the instruction budget cannot
	// cover a charge. The budget is left unchanged; no partial debit.
	ErrOutOfInstructions = errors.New("canister ran out of instructions")

	// ErrAPIUnbound is returned when a syscall reaches the capability
	// handle outside the window of a bound execution. This is a host-side
	// invariant violation, not a guest fault; it must fail loudly.
	ErrAPIUnbound = errors.New("system api is not bound to an execution")

	// ErrCallsNotAllowed is returned for call syscalls in contexts that
	// forbid inter-canister calls.
	ErrCallsNotAllowed = errors.New("inter-canister calls are not allowed in this context")
)

// ContractViolationError indicates the guest violated the syscall ABI:
// a missing or mistyped memory export, an out-of-bounds range, invalid
// UTF-8 where text is required, or a size overflowing the guest-visible
// integer width. Always fatal to the current call.
type ContractViolationError struct {
	Reason string
}

func (e *ContractViolationError) Error() string {
	return "contract violation: " + e.Reason
}

// ContractViolationf builds a ContractViolationError from a format string.
func ContractViolationf(format string, args ...interface{}) error {
	return &ContractViolationError{Reason: fmt.Sprintf(format, args...)}
}

// IsContractViolation reports whether err is a contract violation.
func IsContractViolation(err error) bool {
	var cv *ContractViolationError
	return errors.As(err, &cv)
}

// CalledTrapError indicates the guest explicitly called the trap syscall
// with a diagnostic message.
type CalledTrapError struct {
	Message string
}

func (e *CalledTrapError) Error() string {
	return "canister trapped explicitly: " + e.Message
}
