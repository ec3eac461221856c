package sysapi

import (
	"bytes"
	"errors"
	"io"
	"testing"

	log "github.com/sirupsen/logrus"

	"github.com/developerabhi01/ic/internal/types"
	"github.com/developerabhi01/ic/pkg/sandbox"
)

func testLogger() *log.Logger {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newUpdateAPI(t *testing.T, cfg Config) *API {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = testLogger()
	}
	return New(cfg)
}

func TestReplyLifecycle(t *testing.T) {
	a := newUpdateAPI(t, Config{Kind: Update})

	if err := a.MsgReplyDataAppend([]byte("hello ")); err != nil {
		t.Fatalf("first append failed: %v", err)
	}
	if err := a.MsgReplyDataAppend([]byte("world")); err != nil {
		t.Fatalf("second append failed: %v", err)
	}
	if err := a.MsgReply(); err != nil {
		t.Fatalf("reply failed: %v", err)
	}

	data, ok := a.Reply()
	if !ok || string(data) != "hello world" {
		t.Errorf("Reply() = %q, %v; want \"hello world\", true", data, ok)
	}

	// A message gets exactly one terminal response.
	if err := a.MsgReply(); !sandbox.IsContractViolation(err) {
		t.Errorf("second reply = %v, want contract violation", err)
	}
	if err := a.MsgReplyDataAppend([]byte("x")); !sandbox.IsContractViolation(err) {
		t.Errorf("append after reply = %v, want contract violation", err)
	}
}

func TestRejectRequiresUTF8(t *testing.T) {
	a := newUpdateAPI(t, Config{Kind: Update})

	if err := a.MsgReject([]byte{0xff, 0xfe}); !sandbox.IsContractViolation(err) {
		t.Fatalf("non-UTF-8 reject = %v, want contract violation", err)
	}
	if err := a.MsgReject([]byte("busy")); err != nil {
		t.Fatalf("reject failed: %v", err)
	}
	msg, ok := a.Reject()
	if !ok || msg != "busy" {
		t.Errorf("Reject() = %q, %v; want \"busy\", true", msg, ok)
	}
}

func TestMethodNameInspectOnly(t *testing.T) {
	a := newUpdateAPI(t, Config{Kind: Update, MethodName: "transfer"})
	if _, err := a.MsgMethodName(); !sandbox.IsContractViolation(err) {
		t.Errorf("method name in update context = %v, want contract violation", err)
	}

	a = newUpdateAPI(t, Config{Kind: Inspect, MethodName: "transfer"})
	name, err := a.MsgMethodName()
	if err != nil || string(name) != "transfer" {
		t.Errorf("MsgMethodName() = %q, %v; want \"transfer\"", name, err)
	}

	if err := a.AcceptMessage(); err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	if !a.MessageAccepted() {
		t.Error("MessageAccepted() = false after accept")
	}
	if err := a.AcceptMessage(); !sandbox.IsContractViolation(err) {
		t.Errorf("double accept = %v, want contract violation", err)
	}
}

func TestCallAssembly(t *testing.T) {
	a := newUpdateAPI(t, Config{
		Kind:    Update,
		Balance: types.CyclesFromU64(1000),
	})

	callee := bytes.Repeat([]byte{7}, 29)
	if err := a.CallNew(callee, []byte("transfer"), 1, 2, 3, 4); err != nil {
		t.Fatalf("call_new failed: %v", err)
	}
	if err := a.CallDataAppend([]byte("args")); err != nil {
		t.Fatalf("call_data_append failed: %v", err)
	}
	if err := a.CallOnCleanup(5, 6); err != nil {
		t.Fatalf("call_on_cleanup failed: %v", err)
	}
	if err := a.CallCyclesAdd(400); err != nil {
		t.Fatalf("call_cycles_add failed: %v", err)
	}
	code, err := a.CallPerform()
	if err != nil || code != 0 {
		t.Fatalf("call_perform = %d, %v; want 0, nil", code, err)
	}

	calls := a.Calls()
	if len(calls) != 1 {
		t.Fatalf("len(Calls()) = %d, want 1", len(calls))
	}
	call := calls[0]
	if !bytes.Equal(call.Callee, callee) || call.Method != "transfer" {
		t.Errorf("call target = %x %q", call.Callee, call.Method)
	}
	if string(call.Payload) != "args" || !call.HasCleanup {
		t.Errorf("call payload/cleanup = %q %v", call.Payload, call.HasCleanup)
	}
	if call.Cycles.U64() != 400 {
		t.Errorf("call cycles = %s, want 400", call.Cycles)
	}
	if a.Balance().U64() != 600 {
		t.Errorf("balance after cycles_add = %s, want 600", a.Balance())
	}

	// The slot is consumed by perform.
	if _, err := a.CallPerform(); !sandbox.IsContractViolation(err) {
		t.Errorf("perform without call_new = %v, want contract violation", err)
	}
}

func TestCallOrderViolations(t *testing.T) {
	a := newUpdateAPI(t, Config{Kind: Update})

	if err := a.CallDataAppend([]byte("x")); !sandbox.IsContractViolation(err) {
		t.Errorf("data_append before call_new = %v, want contract violation", err)
	}
	if err := a.CallNew(nil, []byte{0xff}, 0, 0, 0, 0); !sandbox.IsContractViolation(err) {
		t.Errorf("call_new with invalid method name = %v, want contract violation", err)
	}
	if err := a.CallCyclesAdd(1); !sandbox.IsContractViolation(err) {
		t.Errorf("cycles_add before call_new = %v, want contract violation", err)
	}
}

func TestCallsForbiddenInQuery(t *testing.T) {
	a := newUpdateAPI(t, Config{Kind: Query})
	err := a.CallNew(nil, []byte("m"), 0, 0, 0, 0)
	if !errors.Is(err, sandbox.ErrCallsNotAllowed) {
		t.Errorf("call_new in query = %v, want ErrCallsNotAllowed", err)
	}
}

func TestCallCyclesAddInsufficientBalance(t *testing.T) {
	a := newUpdateAPI(t, Config{Kind: Update, Balance: types.CyclesFromU64(10)})
	if err := a.CallNew(nil, []byte("m"), 0, 0, 0, 0); err != nil {
		t.Fatalf("call_new failed: %v", err)
	}
	if err := a.CallCyclesAdd(11); !sandbox.IsContractViolation(err) {
		t.Errorf("overdrawing cycles_add = %v, want contract violation", err)
	}
	if a.Balance().U64() != 10 {
		t.Errorf("balance changed by failed cycles_add: %s", a.Balance())
	}
}

func TestCyclesAccept(t *testing.T) {
	a := newUpdateAPI(t, Config{
		Kind:            Update,
		Balance:         types.CyclesFromU64(100),
		CyclesAvailable: types.CyclesFromU64(70),
	})

	taken, err := a.MsgCyclesAccept(50)
	if err != nil || taken != 50 {
		t.Fatalf("accept(50) = %d, %v; want 50", taken, err)
	}
	// Only what is left can be taken.
	taken, err = a.MsgCyclesAccept(50)
	if err != nil || taken != 20 {
		t.Fatalf("accept(50) = %d, %v; want 20", taken, err)
	}
	if avail, _ := a.MsgCyclesAvailable(); avail != 0 {
		t.Errorf("available = %d, want 0", avail)
	}
	if a.Balance().U64() != 170 {
		t.Errorf("balance = %s, want 170", a.Balance())
	}
	if a.AcceptedCycles().U64() != 70 {
		t.Errorf("accepted = %s, want 70", a.AcceptedCycles())
	}
}

func TestCycleBalance64Overflow(t *testing.T) {
	a := newUpdateAPI(t, Config{Kind: Update, Balance: types.CyclesFromParts(1, 0)})
	if _, err := a.CanisterCycleBalance(); !sandbox.IsContractViolation(err) {
		t.Errorf("64-bit balance of a 128-bit amount = %v, want contract violation", err)
	}
	if got := a.CanisterCycleBalance128(); got != types.CyclesFromParts(1, 0) {
		t.Errorf("CanisterCycleBalance128() = %s", got)
	}
}

func TestMintCyclesSystemSubnetOnly(t *testing.T) {
	a := newUpdateAPI(t, Config{Kind: Update, SubnetType: types.SubnetApplication})
	if _, err := a.MintCycles(5); !sandbox.IsContractViolation(err) {
		t.Errorf("mint on application subnet = %v, want contract violation", err)
	}

	a = newUpdateAPI(t, Config{Kind: Update, SubnetType: types.SubnetSystem})
	minted, err := a.MintCycles(5)
	if err != nil || minted != 5 {
		t.Fatalf("mint = %d, %v; want 5", minted, err)
	}
	if a.Balance().U64() != 5 {
		t.Errorf("balance after mint = %s, want 5", a.Balance())
	}
}

func TestStableMemory(t *testing.T) {
	a := newUpdateAPI(t, Config{Kind: Update})

	if size, err := a.StableSize(); err != nil || size != 0 {
		t.Fatalf("initial stable_size = %d, %v", size, err)
	}

	prev, err := a.StableGrow(2)
	if err != nil || prev != 0 {
		t.Fatalf("stable_grow(2) = %d, %v; want 0", prev, err)
	}

	if err := a.StableWrite(100, []byte("persist")); err != nil {
		t.Fatalf("stable_write failed: %v", err)
	}
	buf := make([]byte, 7)
	if err := a.StableRead(buf, 100); err != nil || string(buf) != "persist" {
		t.Errorf("stable_read = %q, %v", buf, err)
	}

	// Never-written ranges read zero.
	if err := a.StableRead(buf, types.WasmPageSize); err != nil {
		t.Fatalf("stable_read of untouched page failed: %v", err)
	}
	for _, b := range buf {
		if b != 0 {
			t.Fatal("untouched stable memory is not zero")
		}
	}

	// Out of committed range is a violation, not a grow.
	err = a.StableRead(buf, 2*types.WasmPageSize)
	if !sandbox.IsContractViolation(err) {
		t.Errorf("out-of-range stable_read = %v, want contract violation", err)
	}

	// The 32-bit interface stops at the 4 GiB line.
	if prev, err := a.StableGrow(MaxStablePages32); err != nil || prev != -1 {
		t.Errorf("stable_grow past 4 GiB = %d, %v; want -1", prev, err)
	}
}

func TestStable64BeyondThe32BitLine(t *testing.T) {
	a := newUpdateAPI(t, Config{Kind: Update})

	if prev := a.Stable64Grow(MaxStablePages32 + 1); prev != 0 {
		t.Fatalf("stable64_grow = %d, want 0", prev)
	}
	if got := a.Stable64Size(); got != MaxStablePages32+1 {
		t.Fatalf("stable64_size = %d", got)
	}

	// Once past the line, the 32-bit interface traps.
	if _, err := a.StableSize(); !sandbox.IsContractViolation(err) {
		t.Errorf("stable_size past 4 GiB = %v, want contract violation", err)
	}
	if _, err := a.StableGrow(1); !sandbox.IsContractViolation(err) {
		t.Errorf("stable_grow past 4 GiB = %v, want contract violation", err)
	}

	if prev := a.Stable64Grow(MaxStablePages64); prev != -1 {
		t.Errorf("stable64_grow past the limit = %d, want -1", prev)
	}
}

func TestStableContentPreload(t *testing.T) {
	content := bytes.Repeat([]byte{0xab}, types.WasmPageSize+10)
	a := newUpdateAPI(t, Config{Kind: Update, StableContent: content})

	if got := a.Stable64Size(); got != 2 {
		t.Fatalf("preloaded stable size = %d pages, want 2", got)
	}
	buf := make([]byte, 1)
	if err := a.StableRead(buf, types.WasmPageSize+9); err != nil || buf[0] != 0xab {
		t.Errorf("preloaded content read = %#x, %v; want 0xab", buf[0], err)
	}
}

func TestCertifiedData(t *testing.T) {
	a := newUpdateAPI(t, Config{Kind: Update})

	if err := a.CertifiedDataSet(bytes.Repeat([]byte{1}, MaxCertifiedDataSize+1)); !sandbox.IsContractViolation(err) {
		t.Errorf("oversized certified data = %v, want contract violation", err)
	}

	blob := []byte("merkle-root")
	if err := a.CertifiedDataSet(blob); err != nil {
		t.Fatalf("certified_data_set failed: %v", err)
	}
	data, digest := a.CertifiedData()
	if !bytes.Equal(data, blob) {
		t.Errorf("CertifiedData() = %q, want %q", data, blob)
	}
	if digest == ([32]byte{}) {
		t.Error("witness digest is zero")
	}

	q := newUpdateAPI(t, Config{Kind: Query})
	if err := q.CertifiedDataSet(blob); !sandbox.IsContractViolation(err) {
		t.Errorf("certified_data_set in query = %v, want contract violation", err)
	}
}

func TestDataCertificateQueryOnly(t *testing.T) {
	cert := []byte("certificate-bytes")

	q := newUpdateAPI(t, Config{Kind: Query, Certificate: cert})
	if q.DataCertificatePresent() != 1 {
		t.Error("certificate not present in query context")
	}
	got, err := q.DataCertificate()
	if err != nil || !bytes.Equal(got, cert) {
		t.Errorf("DataCertificate() = %q, %v", got, err)
	}

	u := newUpdateAPI(t, Config{Kind: Update, Certificate: cert})
	if u.DataCertificatePresent() != 0 {
		t.Error("certificate present in update context")
	}
	if _, err := u.DataCertificate(); !sandbox.IsContractViolation(err) {
		t.Errorf("DataCertificate() in update = %v, want contract violation", err)
	}
}

func TestUpdateAvailableMemory(t *testing.T) {
	a := newUpdateAPI(t, Config{Kind: Update, AvailableMemoryPages: 10})

	res, err := a.UpdateAvailableMemory(3, 8)
	if err != nil || res != 3 {
		t.Fatalf("grow within budget = %d, %v; want 3", res, err)
	}
	if a.AvailableMemoryPages() != 2 {
		t.Errorf("remaining pages = %d, want 2", a.AvailableMemoryPages())
	}

	// Over budget: refused without debiting.
	res, err = a.UpdateAvailableMemory(11, 3)
	if err != nil || res != -1 {
		t.Fatalf("grow over budget = %d, %v; want -1", res, err)
	}
	if a.AvailableMemoryPages() != 2 {
		t.Errorf("refused grow debited the budget: %d", a.AvailableMemoryPages())
	}

	// A failed native grow passes through untouched.
	res, err = a.UpdateAvailableMemory(-1, 1)
	if err != nil || res != -1 {
		t.Fatalf("failed native grow = %d, %v; want -1", res, err)
	}
}

func TestExecutionErrorFirstWins(t *testing.T) {
	a := newUpdateAPI(t, Config{Kind: Update})

	first := sandbox.ContractViolationf("first")
	a.SetExecutionError(first)
	a.SetExecutionError(sandbox.ContractViolationf("second"))

	if got := a.ExecutionError(); !errors.Is(got, first) && got != first {
		t.Errorf("ExecutionError() = %v, want the first recorded error", got)
	}
}

func TestOutOfInstructions(t *testing.T) {
	a := newUpdateAPI(t, Config{Kind: Update})
	if err := a.OutOfInstructions(); !errors.Is(err, sandbox.ErrOutOfInstructions) {
		t.Errorf("OutOfInstructions() = %v", err)
	}
}
