package syscalls

import (
	"errors"

	"github.com/developerabhi01/ic/pkg/sandbox"
)

// ErrAPIBound is returned by Bind when the handle already holds a
// capability. A handle carries at most one execution at a time.
var ErrAPIBound = errors.New("system api is already bound to an execution")

// Handle is the single-slot borrow guard between the dispatch table and
// the execution capability. The executor binds the capability for exactly
// the duration of one guest invocation and releases it on every exit path.
// Any syscall arriving while the slot is empty fails loudly with
// ErrAPIUnbound; that is a host bug, never a guest fault.
//
// A handle is owned by a single execution goroutine and is not
// synchronized.
type Handle struct {
	api SystemAPI
}

// NewHandle creates an empty handle.
func NewHandle() *Handle {
	return &Handle{}
}

// Bind installs the capability for the upcoming execution.
func (h *Handle) Bind(api SystemAPI) error {
	if h.api != nil {
		return ErrAPIBound
	}
	if api == nil {
		return sandbox.ErrAPIUnbound
	}
	h.api = api
	return nil
}

// Release empties the slot and returns the capability that was bound, or
// nil if the slot was already empty. Safe to call on every exit path.
func (h *Handle) Release() SystemAPI {
	api := h.api
	h.api = nil
	return api
}

// Bound reports whether a capability is currently installed.
func (h *Handle) Bound() bool {
	return h.api != nil
}

func (h *Handle) get() (SystemAPI, error) {
	if h.api == nil {
		return nil, sandbox.ErrAPIUnbound
	}
	return h.api, nil
}
