package sandbox

import (
	log "github.com/sirupsen/logrus"

	"github.com/developerabhi01/ic/internal/types"
)

// MemoryCharger prices every memory-touching syscall in instructions and
// debits the execution's instruction meter before the memory operation is
// performed, so a canister can never observe data it did not pay for.
//
// The charger holds the meter as an explicit field owned by the execution
// context. If the meter is missing the charger must not bring down the
// host process: one canister's internal bug cannot be allowed to take
// down the node hosting many canisters. Instead it emits a diagnostic and
// degrades to the same out-of-instructions trap the guest would see for
// an exhausted budget.
type MemoryCharger struct {
	logger     *log.Entry
	canisterID types.CanisterID
	costModel  *CostModel
	meter      *InstructionMeter
}

// NewMemoryCharger creates a charger bound to one execution's meter.
func NewMemoryCharger(logger *log.Logger, canisterID types.CanisterID, costModel *CostModel, meter *InstructionMeter) *MemoryCharger {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &MemoryCharger{
		logger:     logger.WithField("canister", canisterID.String()),
		canisterID: canisterID,
		costModel:  costModel,
		meter:      meter,
	}
}

// ChargeForMemory charges the canister for touching numBytes bytes of
// guest memory. Returns ErrOutOfInstructions if the budget cannot cover
// the fee; the budget is left unchanged in that case.
func (mc *MemoryCharger) ChargeForMemory(numBytes types.NumBytes) error {
	if mc.meter == nil {
		// Internal inconsistency: the budget reference is gone. Log the
		// anomaly and degrade instead of panicking the whole node.
		mc.logger.Error("[EXC-BUG] instruction meter is not set")
		return ErrOutOfInstructions
	}
	if mc.costModel == nil {
		mc.logger.Error("[EXC-BUG] cost model is not set")
		return ErrOutOfInstructions
	}

	fee := mc.costModel.FeeForBytes(numBytes)
	if err := mc.meter.Charge(fee); err != nil {
		mc.logger.WithFields(log.Fields{
			"remaining": mc.meter.Remaining(),
			"fee":       fee,
		}).Info("canister ran out of instructions")
		return err
	}
	return nil
}
