package sandbox

import (
	"github.com/developerabhi01/ic/internal/types"
)

// InstructionMeter is the mutable instruction budget of one execution.
//
// The counter is set once before the execution begins and decremented by
// the memory charger and by the compiled-in charge points that the
// instrumentation pass inserts into guest code. A charge that cannot be
// fully paid leaves the counter unchanged and fails; the counter is never
// observed negative after a successful charge.
//
// The meter is exclusively owned by the single execution that created it
// and must not be shared across goroutines.
type InstructionMeter struct {
	limit     int64
	remaining int64
}

// NewInstructionMeter creates a meter with the given budget.
func NewInstructionMeter(limit types.NumInstructions) *InstructionMeter {
	if limit < 0 {
		limit = 0
	}
	return &InstructionMeter{
		limit:     int64(limit),
		remaining: int64(limit),
	}
}

// Charge attempts to consume fee instructions. If the remaining budget
// cannot cover the fee the budget is left untouched and
// ErrOutOfInstructions is returned.
func (m *InstructionMeter) Charge(fee types.NumInstructions) error {
	if fee < 0 {
		return ErrOutOfInstructions
	}
	if m.remaining < int64(fee) {
		return ErrOutOfInstructions
	}
	m.remaining -= int64(fee)
	return nil
}

// Remaining returns the instructions still available.
func (m *InstructionMeter) Remaining() types.NumInstructions {
	return types.NumInstructions(m.remaining)
}

// Consumed returns initial budget minus remaining; this is the amount
// reported to the scheduler at execution end.
func (m *InstructionMeter) Consumed() types.NumInstructions {
	return types.NumInstructions(m.limit - m.remaining)
}

// Limit returns the initial budget.
func (m *InstructionMeter) Limit() types.NumInstructions {
	return types.NumInstructions(m.limit)
}

// Reset rearms the meter with a new budget. Used when an execution
// context is reused between messages, never during an execution.
func (m *InstructionMeter) Reset(limit types.NumInstructions) {
	if limit < 0 {
		limit = 0
	}
	m.limit = int64(limit)
	m.remaining = int64(limit)
}
