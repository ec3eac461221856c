package checkpoint

import (
	"errors"

	"github.com/developerabhi01/ic/internal/types"
	"github.com/developerabhi01/ic/pkg/memory"
	"github.com/developerabhi01/ic/pkg/sandbox/executor"
)

// ErrTrappedExecution is returned when a trapped execution is offered for
// reconciliation; a trap leaves no state to commit.
var ErrTrappedExecution = errors.New("cannot reconcile a trapped execution")

// Reconcile merges an execution's page delta into the prior page map
// version. Whether the delta came from a tracking write barrier or from a
// full diff, the merged content is the same.
func Reconcile(prior *memory.PageMap, result *executor.ExecutionResult) (*memory.PageMap, error) {
	if result.Trap != nil {
		return nil, ErrTrappedExecution
	}
	if prior == nil {
		prior = memory.NewPageMap()
	}
	return prior.Update(result.Delta), nil
}

// Advance reconciles a successful execution, commits the resulting
// version and returns the merged page map with its version number.
func (s *Store) Advance(id types.CanisterID, prior *memory.PageMap, result *executor.ExecutionResult) (*memory.PageMap, uint64, error) {
	next, err := Reconcile(prior, result)
	if err != nil {
		return nil, 0, err
	}

	version := uint64(1)
	if latest, ok, err := s.LatestVersion(id); err != nil {
		return nil, 0, err
	} else if ok {
		version = latest + 1
	}

	if _, err := s.Commit(id, version, result.Delta, result.HeapPages); err != nil {
		return nil, 0, err
	}
	return next, version, nil
}
