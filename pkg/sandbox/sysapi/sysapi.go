// Package sysapi implements the execution capability: the stateful side of
// the system interface one message execution sees. It holds the message
// context, the reply buffer, the outgoing call queue, cycles accounting
// and stable memory. The dispatch table in pkg/sandbox/syscalls translates
// guest invocations into calls on this type.
package sysapi

import (
	"unicode/utf8"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/sha3"

	"github.com/developerabhi01/ic/internal/types"
	"github.com/developerabhi01/ic/pkg/sandbox"
)

// MessageKind distinguishes the execution contexts with different
// capability surfaces.
type MessageKind int

const (
	// Update executions may reply, make calls and mutate state.
	Update MessageKind = iota
	// Query executions may reply and read the data certificate, but not
	// make calls or persist writes.
	Query
	// Inspect executions see the method name and may accept the message,
	// nothing else.
	Inspect
)

func (k MessageKind) String() string {
	switch k {
	case Update:
		return "update"
	case Query:
		return "query"
	case Inspect:
		return "inspect"
	}
	return "unknown"
}

// Canister status values as reported by canister_status.
const (
	StatusRunning  = 1
	StatusStopping = 2
	StatusStopped  = 3
)

// MaxReplySize caps the reply payload, matching the inter-canister
// payload limit.
const MaxReplySize = 2 * 1024 * 1024

// MaxCertifiedDataSize caps the blob accepted by certified_data_set.
const MaxCertifiedDataSize = 32

// Config carries everything fixed for the duration of one execution.
type Config struct {
	CanisterID types.CanisterID
	Controller []byte
	SubnetType types.SubnetType
	Kind       MessageKind

	Caller        []byte
	MethodName    string
	Payload       []byte
	RejectCode    uint64
	RejectMessage string

	Balance         types.Cycles
	CyclesAvailable types.Cycles
	CyclesRefunded  types.Cycles

	TimeNanos uint64
	Status    uint64

	// Certificate is the data certificate, set only for query contexts.
	Certificate []byte

	// AvailableMemoryPages bounds further heap growth accounted through
	// update_available_memory.
	AvailableMemoryPages uint64

	// StablePages preloads stable memory content from the canister state.
	StableContent []byte

	Logger *log.Logger
}

// API is the concrete execution capability.
type API struct {
	logger *log.Entry

	kind       MessageKind
	canisterID types.CanisterID
	controller []byte
	subnetType types.SubnetType

	caller        []byte
	methodName    string
	payload       []byte
	rejectCode    uint64
	rejectMessage string

	timeNanos uint64
	status    uint64

	balance   types.Cycles
	available types.Cycles
	accepted  types.Cycles
	refunded  types.Cycles

	replyBuf  []byte
	replied   bool
	rejected  bool
	rejectOut string

	msgAccepted bool

	pending *CallRequest
	calls   []CallRequest

	stable stableMemory

	certifiedData   []byte
	certifiedDigest [32]byte
	certificate     []byte

	availablePages uint64

	execErr error
}

// New creates the capability for one message execution.
func New(cfg Config) *API {
	logger := cfg.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	status := cfg.Status
	if status == 0 {
		status = StatusRunning
	}
	a := &API{
		logger:         logger.WithField("canister", cfg.CanisterID.String()),
		kind:           cfg.Kind,
		canisterID:     cfg.CanisterID,
		controller:     append([]byte(nil), cfg.Controller...),
		subnetType:     cfg.SubnetType,
		caller:         append([]byte(nil), cfg.Caller...),
		methodName:     cfg.MethodName,
		payload:        append([]byte(nil), cfg.Payload...),
		rejectCode:     cfg.RejectCode,
		rejectMessage:  cfg.RejectMessage,
		timeNanos:      cfg.TimeNanos,
		status:         status,
		balance:        cfg.Balance,
		available:      cfg.CyclesAvailable,
		refunded:       cfg.CyclesRefunded,
		certificate:    append([]byte(nil), cfg.Certificate...),
		availablePages: cfg.AvailableMemoryPages,
	}
	a.stable.load(cfg.StableContent)
	return a
}

// Caller returns the principal that sent the current message.
func (a *API) Caller() ([]byte, error) {
	return a.caller, nil
}

// CanisterSelf returns this canister's own principal bytes.
func (a *API) CanisterSelf() []byte {
	return a.canisterID.Bytes()
}

// Controller returns the controlling principal bytes.
func (a *API) Controller() []byte {
	return a.controller
}

// MsgArgData returns the message argument payload.
func (a *API) MsgArgData() ([]byte, error) {
	return a.payload, nil
}

// MsgMethodName returns the called method name. Only the inspect context
// may look at it.
func (a *API) MsgMethodName() ([]byte, error) {
	if a.kind != Inspect {
		return nil, sandbox.ContractViolationf("msg_method_name is not available in %s context", a.kind)
	}
	return []byte(a.methodName), nil
}

// AcceptMessage marks the inspected message as accepted. Accepting twice
// is a contract violation.
func (a *API) AcceptMessage() error {
	if a.kind != Inspect {
		return sandbox.ContractViolationf("accept_message is not available in %s context", a.kind)
	}
	if a.msgAccepted {
		return sandbox.ContractViolationf("accept_message called twice")
	}
	a.msgAccepted = true
	return nil
}

// MessageAccepted reports whether an inspect execution accepted the
// message.
func (a *API) MessageAccepted() bool {
	return a.msgAccepted
}

// MsgReply seals the reply buffer as the response. A message gets exactly
// one terminal reply or reject.
func (a *API) MsgReply() error {
	if err := a.checkCanRespond("msg_reply"); err != nil {
		return err
	}
	a.replied = true
	// Cycles not accepted by now are returned to the caller.
	a.available = types.Cycles{}
	return nil
}

// MsgReplyDataAppend appends to the pending reply buffer.
func (a *API) MsgReplyDataAppend(data []byte) error {
	if err := a.checkCanRespond("msg_reply_data_append"); err != nil {
		return err
	}
	if uint64(len(a.replyBuf))+uint64(len(data)) > MaxReplySize {
		return sandbox.ContractViolationf(
			"msg_reply_data_append: reply size exceeds the %d byte limit", MaxReplySize)
	}
	a.replyBuf = append(a.replyBuf, data...)
	return nil
}

// MsgReject responds with a canister rejection carrying a text message.
func (a *API) MsgReject(message []byte) error {
	if err := a.checkCanRespond("msg_reject"); err != nil {
		return err
	}
	if !utf8.Valid(message) {
		return sandbox.ContractViolationf("msg_reject: message is not valid UTF-8")
	}
	a.rejected = true
	a.rejectOut = string(message)
	a.available = types.Cycles{}
	return nil
}

func (a *API) checkCanRespond(op string) error {
	if a.kind == Inspect {
		return sandbox.ContractViolationf("%s is not available in inspect context", op)
	}
	if a.replied || a.rejected {
		return sandbox.ContractViolationf("%s: the message has already been replied to", op)
	}
	return nil
}

// MsgRejectCode returns the reject code of the response being processed,
// zero for success.
func (a *API) MsgRejectCode() (uint64, error) {
	return a.rejectCode, nil
}

// MsgRejectMsg returns the reject message of the response being
// processed. Only meaningful when a reject code is present.
func (a *API) MsgRejectMsg() ([]byte, error) {
	if a.rejectCode == 0 {
		return nil, sandbox.ContractViolationf("msg_reject_msg: there is no reject message")
	}
	return []byte(a.rejectMessage), nil
}

// DebugPrint forwards a guest diagnostic line to the host log.
func (a *API) DebugPrint(data []byte) {
	a.logger.WithField("kind", a.kind.String()).Info(string(data))
}

// Trap converts an explicit guest trap call into the terminal error.
func (a *API) Trap(data []byte) error {
	return &sandbox.CalledTrapError{Message: string(data)}
}

// Time returns the network time in nanoseconds since the epoch.
func (a *API) Time() uint64 {
	return a.timeNanos
}

// CanisterStatus returns the canister lifecycle status code.
func (a *API) CanisterStatus() uint64 {
	return a.status
}

// CertifiedDataSet replaces the canister's certified data blob and its
// witness digest.
func (a *API) CertifiedDataSet(data []byte) error {
	if a.kind != Update {
		return sandbox.ContractViolationf("certified_data_set is not available in %s context", a.kind)
	}
	if len(data) > MaxCertifiedDataSize {
		return sandbox.ContractViolationf(
			"certified_data_set: data size %d exceeds the %d byte limit", len(data), MaxCertifiedDataSize)
	}
	a.certifiedData = append([]byte(nil), data...)
	a.certifiedDigest = sha3.Sum256(a.certifiedData)
	return nil
}

// CertifiedData returns the current certified data blob and its witness
// digest.
func (a *API) CertifiedData() ([]byte, [32]byte) {
	return a.certifiedData, a.certifiedDigest
}

// DataCertificatePresent reports whether a data certificate is available,
// which is the case only in query context.
func (a *API) DataCertificatePresent() uint64 {
	if a.kind == Query && len(a.certificate) > 0 {
		return 1
	}
	return 0
}

// DataCertificate returns the certificate for the current query.
func (a *API) DataCertificate() ([]byte, error) {
	if a.DataCertificatePresent() == 0 {
		return nil, sandbox.ContractViolationf("data_certificate is not available in %s context", a.kind)
	}
	return a.certificate, nil
}

// OutOfInstructions is invoked by instrumented guest code when its local
// budget counter runs dry.
func (a *API) OutOfInstructions() error {
	return sandbox.ErrOutOfInstructions
}

// UpdateAvailableMemory accounts a native memory.grow against the
// remaining allocatable pages. Returns -1 when the native grow already
// failed or the allocation budget cannot cover the growth; otherwise it
// debits the budget and passes the native result through.
func (a *API) UpdateAvailableMemory(nativeMemoryGrowResult int64, additionalPages uint64) (int64, error) {
	if nativeMemoryGrowResult == -1 {
		return -1, nil
	}
	if additionalPages > a.availablePages {
		return -1, nil
	}
	a.availablePages -= additionalPages
	return nativeMemoryGrowResult, nil
}

// AvailableMemoryPages returns the remaining allocatable heap pages.
func (a *API) AvailableMemoryPages() uint64 {
	return a.availablePages
}

// SetExecutionError records the execution's terminal error. The first
// recorded error wins.
func (a *API) SetExecutionError(err error) {
	if a.execErr == nil {
		a.execErr = err
	}
}

// ExecutionError returns the terminal error recorded during execution,
// nil if the execution is clean so far.
func (a *API) ExecutionError() error {
	return a.execErr
}

// Reply returns the sealed reply payload. The second result is false when
// no reply was produced.
func (a *API) Reply() ([]byte, bool) {
	if !a.replied {
		return nil, false
	}
	return a.replyBuf, true
}

// Reject returns the outgoing reject message, if the execution rejected.
func (a *API) Reject() (string, bool) {
	return a.rejectOut, a.rejected
}
