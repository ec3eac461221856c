package sysapi

import (
	"github.com/developerabhi01/ic/internal/types"
	"github.com/developerabhi01/ic/pkg/sandbox"
)

// CanisterCycleBalance returns the balance through the 64-bit interface,
// trapping when the balance needs the 128-bit one.
func (a *API) CanisterCycleBalance() (uint64, error) {
	if a.balance.Hi != 0 {
		return 0, sandbox.ContractViolationf(
			"canister_cycle_balance: balance %s does not fit in 64 bits", a.balance)
	}
	return a.balance.Lo, nil
}

// CanisterCycleBalance128 returns the full balance.
func (a *API) CanisterCycleBalance128() types.Cycles {
	return a.balance
}

// MsgCyclesAvailable returns the cycles still attached to the current
// message through the 64-bit interface.
func (a *API) MsgCyclesAvailable() (uint64, error) {
	if a.available.Hi != 0 {
		return 0, sandbox.ContractViolationf(
			"msg_cycles_available: amount %s does not fit in 64 bits", a.available)
	}
	return a.available.Lo, nil
}

// MsgCyclesAvailable128 returns the cycles still attached to the current
// message.
func (a *API) MsgCyclesAvailable128() (types.Cycles, error) {
	return a.available, nil
}

// MsgCyclesRefunded returns the cycles refunded with the response being
// processed, 64-bit interface.
func (a *API) MsgCyclesRefunded() (uint64, error) {
	if a.refunded.Hi != 0 {
		return 0, sandbox.ContractViolationf(
			"msg_cycles_refunded: amount %s does not fit in 64 bits", a.refunded)
	}
	return a.refunded.Lo, nil
}

// MsgCyclesRefunded128 returns the cycles refunded with the response
// being processed.
func (a *API) MsgCyclesRefunded128() (types.Cycles, error) {
	return a.refunded, nil
}

// MsgCyclesAccept moves up to maxAmount cycles from the message onto the
// canister balance and returns the amount actually taken.
func (a *API) MsgCyclesAccept(maxAmount uint64) (uint64, error) {
	taken, err := a.MsgCyclesAccept128(types.CyclesFromU64(maxAmount))
	if err != nil {
		return 0, err
	}
	return taken.Lo, nil
}

// MsgCyclesAccept128 moves up to maxAmount cycles from the message onto
// the canister balance, 128-bit amounts.
func (a *API) MsgCyclesAccept128(maxAmount types.Cycles) (types.Cycles, error) {
	if a.kind != Update {
		return types.Cycles{}, sandbox.ContractViolationf(
			"msg_cycles_accept is not available in %s context", a.kind)
	}
	taken := maxAmount.Min(a.available)
	a.available = a.available.Sub(taken)
	a.accepted = a.accepted.Add(taken)
	a.balance = a.balance.Add(taken)
	return taken, nil
}

// MintCycles creates cycles out of thin air, permitted only on system
// subnets.
func (a *API) MintCycles(amount uint64) (uint64, error) {
	if a.subnetType != types.SubnetSystem {
		return 0, sandbox.ContractViolationf(
			"mint_cycles can only be executed on a system subnet")
	}
	a.balance = a.balance.Add(types.CyclesFromU64(amount))
	return amount, nil
}

// Balance returns the canister balance after this execution's cycle
// movements.
func (a *API) Balance() types.Cycles {
	return a.balance
}

// AcceptedCycles returns the cycles accepted off the current message.
func (a *API) AcceptedCycles() types.Cycles {
	return a.accepted
}
