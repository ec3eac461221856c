package sandbox

import (
	"github.com/developerabhi01/ic/internal/types"
)

// Default pricing constants.
const (
	// DefaultBytesPerInstruction is the number of bytes of guest memory
	// traffic paid for by one instruction.
	DefaultBytesPerInstruction = 1

	// DefaultInstructionLimit is the per-message budget used when the
	// scheduler does not specify one.
	DefaultInstructionLimit = types.NumInstructions(5_000_000_000)
)

// CostModel converts byte-length memory operations into instruction fees.
//
// System subnets host canisters that are part of the platform itself;
// their memory syscalls are free. Application and verified-application
// subnets pay proportionally to bytes moved.
type CostModel struct {
	subnetType          types.SubnetType
	bytesPerInstruction uint64
}

// NewCostModel creates a cost model for a subnet class.
func NewCostModel(subnetType types.SubnetType) *CostModel {
	return &CostModel{
		subnetType:          subnetType,
		bytesPerInstruction: DefaultBytesPerInstruction,
	}
}

// FeeForBytes returns the instruction fee for moving numBytes bytes of
// guest memory. Zero on exempt subnets.
func (c *CostModel) FeeForBytes(numBytes types.NumBytes) types.NumInstructions {
	if c.subnetType == types.SubnetSystem {
		return 0
	}
	return types.NumInstructions(uint64(numBytes) / c.bytesPerInstruction)
}

// SubnetType returns the subnet class this model prices for.
func (c *CostModel) SubnetType() types.SubnetType {
	return c.subnetType
}
