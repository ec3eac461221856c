package syscalls_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	log "github.com/sirupsen/logrus"

	"github.com/developerabhi01/ic/internal/types"
	"github.com/developerabhi01/ic/pkg/memory"
	"github.com/developerabhi01/ic/pkg/sandbox"
	"github.com/developerabhi01/ic/pkg/sandbox/syscalls"
	"github.com/developerabhi01/ic/pkg/sandbox/sysapi"
)

func testLogger() *log.Logger {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return logger
}

type env struct {
	table  *syscalls.Table
	api    *sysapi.API
	meter  *sandbox.InstructionMeter
	region *memory.Region
}

func newEnv(t *testing.T, subnet types.SubnetType, limit types.NumInstructions, cfg sysapi.Config) *env {
	t.Helper()

	region, err := memory.NewRegion(nil, 1, memory.NewTracker(memory.Track))
	if err != nil {
		t.Fatalf("NewRegion failed: %v", err)
	}
	t.Cleanup(func() { _ = region.Close() })

	cfg.Logger = testLogger()
	cfg.SubnetType = subnet
	api := sysapi.New(cfg)

	handle := syscalls.NewHandle()
	if err := handle.Bind(api); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	meter := sandbox.NewInstructionMeter(limit)
	charger := sandbox.NewMemoryCharger(testLogger(), cfg.CanisterID, sandbox.NewCostModel(subnet), meter)

	return &env{
		table:  syscalls.NewTable(handle, region, charger),
		api:    api,
		meter:  meter,
		region: region,
	}
}

func TestLookupOp(t *testing.T) {
	op, ok := syscalls.LookupOp("ic0", "msg_reply")
	if !ok || op != syscalls.OpMsgReply {
		t.Errorf("LookupOp(ic0, msg_reply) = %v, %v", op, ok)
	}
	op, ok = syscalls.LookupOp("__", "out_of_instructions")
	if !ok || op != syscalls.OpOutOfInstructions {
		t.Errorf("LookupOp(__, out_of_instructions) = %v, %v", op, ok)
	}
	if _, ok := syscalls.LookupOp("ic0", "no_such_import"); ok {
		t.Error("LookupOp resolved an unknown import")
	}

	if got := syscalls.OpCallSimple.NumParams(); got != 10 {
		t.Errorf("call_simple params = %d, want 10", got)
	}
	if got := syscalls.OpMsgArgDataSize.NumResults(); got != 1 {
		t.Errorf("msg_arg_data_size results = %d, want 1", got)
	}
	if got := syscalls.OpTrap.String(); got != "ic0.trap" {
		t.Errorf("OpTrap.String() = %q", got)
	}
}

func TestHandleBorrow(t *testing.T) {
	handle := syscalls.NewHandle()
	table := syscalls.NewTable(handle, nil, nil)

	// Nothing bound: every invocation fails loudly.
	if _, err := table.Invoke(syscalls.OpTime, nil); !errors.Is(err, sandbox.ErrAPIUnbound) {
		t.Errorf("invoke on empty handle = %v, want ErrAPIUnbound", err)
	}

	api := sysapi.New(sysapi.Config{Kind: sysapi.Update, Logger: testLogger()})
	if err := handle.Bind(api); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if err := handle.Bind(api); !errors.Is(err, syscalls.ErrAPIBound) {
		t.Errorf("double Bind = %v, want ErrAPIBound", err)
	}

	if got := handle.Release(); got != api {
		t.Error("Release returned a different capability")
	}
	if handle.Bound() {
		t.Error("handle still bound after Release")
	}
	if _, err := table.Invoke(syscalls.OpTime, nil); !errors.Is(err, sandbox.ErrAPIUnbound) {
		t.Errorf("invoke after Release = %v, want ErrAPIUnbound", err)
	}
}

func TestMsgArgDataCopyChargesPerByte(t *testing.T) {
	payload := bytes.Repeat([]byte{0x5a}, 64)
	e := newEnv(t, types.SubnetApplication, 1000, sysapi.Config{
		Kind:    sysapi.Update,
		Payload: payload,
	})

	res, err := e.table.Invoke(syscalls.OpMsgArgDataSize, nil)
	if err != nil || len(res) != 1 || res[0] != 64 {
		t.Fatalf("msg_arg_data_size = %v, %v; want [64]", res, err)
	}
	// Size queries are free.
	if got := e.meter.Consumed(); got != 0 {
		t.Fatalf("consumed %d after size query, want 0", got)
	}

	if _, err := e.table.Invoke(syscalls.OpMsgArgDataCopy, []uint64{10, 0, 64}); err != nil {
		t.Fatalf("msg_arg_data_copy failed: %v", err)
	}

	got := make([]byte, 64)
	if err := e.region.Read(10, got); err != nil || !bytes.Equal(got, payload) {
		t.Errorf("heap content after copy = %x, %v", got[:4], err)
	}
	if got := e.meter.Consumed(); got != 64 {
		t.Errorf("consumed %d instructions for a 64 byte copy, want 64", got)
	}
}

func TestChargeFailureIsAllOrNothing(t *testing.T) {
	payload := bytes.Repeat([]byte{0x5a}, 150)
	e := newEnv(t, types.SubnetApplication, 100, sysapi.Config{
		Kind:    sysapi.Update,
		Payload: payload,
	})

	_, err := e.table.Invoke(syscalls.OpMsgArgDataCopy, []uint64{0, 0, 150})
	if !errors.Is(err, sandbox.ErrOutOfInstructions) {
		t.Fatalf("copy over budget = %v, want ErrOutOfInstructions", err)
	}

	// No partial debit, no partial write.
	if got := e.meter.Consumed(); got != 0 {
		t.Errorf("consumed %d after failed charge, want 0", got)
	}
	b := make([]byte, 1)
	if err := e.region.Read(0, b); err != nil || b[0] != 0 {
		t.Errorf("heap touched by unpaid copy: %#x, %v", b[0], err)
	}

	// The failure is recorded as the execution's terminal error.
	if got := e.api.ExecutionError(); !errors.Is(got, sandbox.ErrOutOfInstructions) {
		t.Errorf("ExecutionError() = %v, want ErrOutOfInstructions", got)
	}
}

func TestSystemSubnetPaysNothing(t *testing.T) {
	payload := bytes.Repeat([]byte{1}, 200)
	e := newEnv(t, types.SubnetSystem, 100, sysapi.Config{
		Kind:    sysapi.Update,
		Payload: payload,
	})

	// 200 bytes against a budget of 100 still goes through: system
	// subnets are exempt from memory fees.
	if _, err := e.table.Invoke(syscalls.OpMsgArgDataCopy, []uint64{0, 0, 200}); err != nil {
		t.Fatalf("copy on system subnet failed: %v", err)
	}
	if got := e.meter.Consumed(); got != 0 {
		t.Errorf("consumed %d on system subnet, want 0", got)
	}
}

func TestUnpricedCopyOps(t *testing.T) {
	id, err := types.CanisterIDFromBytes(bytes.Repeat([]byte{9}, 32))
	if err != nil {
		t.Fatal(err)
	}
	e := newEnv(t, types.SubnetApplication, 1000, sysapi.Config{
		Kind:       sysapi.Update,
		CanisterID: id,
	})

	res, err := e.table.Invoke(syscalls.OpCanisterSelfSize, nil)
	if err != nil || res[0] != 32 {
		t.Fatalf("canister_self_size = %v, %v", res, err)
	}
	if _, err := e.table.Invoke(syscalls.OpCanisterSelfCopy, []uint64{0, 0, 32}); err != nil {
		t.Fatalf("canister_self_copy failed: %v", err)
	}
	if got := e.meter.Consumed(); got != 0 {
		t.Errorf("consumed %d for an unpriced copy, want 0", got)
	}

	got := make([]byte, 32)
	if err := e.region.Read(0, got); err != nil || !bytes.Equal(got, id.Bytes()) {
		t.Errorf("self copy content mismatch: %x", got)
	}
}

func TestTrapIsTerminal(t *testing.T) {
	e := newEnv(t, types.SubnetApplication, 1000, sysapi.Config{Kind: sysapi.Update})

	if err := e.region.Write(0, []byte("boom")); err != nil {
		t.Fatalf("seed write failed: %v", err)
	}
	_, err := e.table.Invoke(syscalls.OpTrap, []uint64{0, 4})

	var trap *sandbox.CalledTrapError
	if !errors.As(err, &trap) || trap.Message != "boom" {
		t.Fatalf("trap = %v, want CalledTrapError(boom)", err)
	}
	if got := e.api.ExecutionError(); !errors.As(got, &trap) {
		t.Errorf("ExecutionError() = %v, want the trap", got)
	}
	// The trap message bytes are priced like any other read.
	if got := e.meter.Consumed(); got != 4 {
		t.Errorf("consumed %d for trap, want 4", got)
	}
}

func TestRejectThroughTable(t *testing.T) {
	e := newEnv(t, types.SubnetApplication, 1000, sysapi.Config{Kind: sysapi.Update})

	if err := e.region.Write(100, []byte("no thanks")); err != nil {
		t.Fatalf("seed write failed: %v", err)
	}
	if _, err := e.table.Invoke(syscalls.OpMsgReject, []uint64{100, 9}); err != nil {
		t.Fatalf("msg_reject failed: %v", err)
	}
	msg, ok := e.api.Reject()
	if !ok || msg != "no thanks" {
		t.Errorf("Reject() = %q, %v", msg, ok)
	}
}

func TestStableRoundTripThroughTable(t *testing.T) {
	e := newEnv(t, types.SubnetApplication, 1000, sysapi.Config{Kind: sysapi.Update})

	res, err := e.table.Invoke(syscalls.OpStableGrow, []uint64{1})
	if err != nil || res[0] != 0 {
		t.Fatalf("stable_grow = %v, %v; want [0]", res, err)
	}

	if err := e.region.Write(0, []byte("durable")); err != nil {
		t.Fatalf("seed write failed: %v", err)
	}
	if _, err := e.table.Invoke(syscalls.OpStableWrite, []uint64{500, 0, 7}); err != nil {
		t.Fatalf("stable_write failed: %v", err)
	}
	if _, err := e.table.Invoke(syscalls.OpStableRead, []uint64{4000, 500, 7}); err != nil {
		t.Fatalf("stable_read failed: %v", err)
	}

	got := make([]byte, 7)
	if err := e.region.Read(4000, got); err != nil || string(got) != "durable" {
		t.Errorf("stable round trip = %q, %v", got, err)
	}
	// Both directions priced: 7 bytes out, 7 back.
	if got := e.meter.Consumed(); got != 14 {
		t.Errorf("consumed %d, want 14", got)
	}
}

func TestCycleBalance128WritesToHeap(t *testing.T) {
	e := newEnv(t, types.SubnetApplication, 1000, sysapi.Config{
		Kind:    sysapi.Update,
		Balance: types.CyclesFromParts(2, 3),
	})

	if _, err := e.table.Invoke(syscalls.OpCanisterCycleBalance128, []uint64{8}); err != nil {
		t.Fatalf("canister_cycle_balance128 failed: %v", err)
	}

	buf := make([]byte, 16)
	if err := e.region.Read(8, buf); err != nil {
		t.Fatalf("read back failed: %v", err)
	}
	if lo := binary.LittleEndian.Uint64(buf[0:8]); lo != 3 {
		t.Errorf("low half = %d, want 3", lo)
	}
	if hi := binary.LittleEndian.Uint64(buf[8:16]); hi != 2 {
		t.Errorf("high half = %d, want 2", hi)
	}
}

func TestArityViolation(t *testing.T) {
	e := newEnv(t, types.SubnetApplication, 1000, sysapi.Config{Kind: sysapi.Update})

	_, err := e.table.Invoke(syscalls.OpMsgReply, []uint64{1})
	if !sandbox.IsContractViolation(err) {
		t.Errorf("wrong arity = %v, want contract violation", err)
	}
}

func TestCopySourceRangeViolation(t *testing.T) {
	e := newEnv(t, types.SubnetApplication, 1000, sysapi.Config{
		Kind:    sysapi.Update,
		Payload: []byte("abc"),
	})

	_, err := e.table.Invoke(syscalls.OpMsgArgDataCopy, []uint64{0, 2, 5})
	if !sandbox.IsContractViolation(err) {
		t.Fatalf("out-of-range source = %v, want contract violation", err)
	}
	if got := e.meter.Consumed(); got != 0 {
		t.Errorf("consumed %d for a rejected copy, want 0", got)
	}
}

func TestMissingMemoryIsAViolation(t *testing.T) {
	handle := syscalls.NewHandle()
	api := sysapi.New(sysapi.Config{Kind: sysapi.Update, Payload: []byte("x"), Logger: testLogger()})
	if err := handle.Bind(api); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	table := syscalls.NewTable(handle, nil, nil)

	_, err := table.Invoke(syscalls.OpMsgArgDataCopy, []uint64{0, 0, 1})
	if !sandbox.IsContractViolation(err) {
		t.Errorf("copy without memory = %v, want contract violation", err)
	}
}

// TestConsumptionProportionalToTraffic drives repeated priced appends until
// the budget runs dry and checks that exactly budget/size of them succeed.
func TestConsumptionProportionalToTraffic(t *testing.T) {
	const budget = 100
	e := newEnv(t, types.SubnetApplication, budget, sysapi.Config{Kind: sysapi.Update})

	if err := e.region.Write(0, bytes.Repeat([]byte{7}, 10)); err != nil {
		t.Fatalf("seed write failed: %v", err)
	}

	succeeded := 0
	for i := 0; i < 20; i++ {
		_, err := e.table.Invoke(syscalls.OpMsgReplyDataAppend, []uint64{0, 10})
		if err != nil {
			if !errors.Is(err, sandbox.ErrOutOfInstructions) {
				t.Fatalf("append %d = %v", i, err)
			}
			break
		}
		succeeded++
	}

	if succeeded != budget/10 {
		t.Errorf("%d appends succeeded on a budget of %d, want %d", succeeded, budget, budget/10)
	}
	if got := e.meter.Consumed(); got != budget {
		t.Errorf("consumed %d, want the full budget %d", got, budget)
	}
}

func TestOutOfInstructionsOp(t *testing.T) {
	e := newEnv(t, types.SubnetApplication, 1000, sysapi.Config{Kind: sysapi.Update})

	_, err := e.table.Invoke(syscalls.OpOutOfInstructions, nil)
	if !errors.Is(err, sandbox.ErrOutOfInstructions) {
		t.Errorf("out_of_instructions = %v", err)
	}
	if got := e.api.ExecutionError(); !errors.Is(got, sandbox.ErrOutOfInstructions) {
		t.Errorf("ExecutionError() = %v", got)
	}
}

func TestCallSimpleThroughTable(t *testing.T) {
	e := newEnv(t, types.SubnetApplication, 1000, sysapi.Config{Kind: sysapi.Update})

	// Lay out callee, method name and payload in the heap.
	if err := e.region.Write(0, bytes.Repeat([]byte{3}, 29)); err != nil {
		t.Fatal(err)
	}
	if err := e.region.Write(64, []byte("transfer")); err != nil {
		t.Fatal(err)
	}
	if err := e.region.Write(128, []byte("payload")); err != nil {
		t.Fatal(err)
	}

	res, err := e.table.Invoke(syscalls.OpCallSimple, []uint64{
		0, 29, // callee
		64, 8, // method
		11, 12, 13, 14, // callbacks
		128, 7, // payload
	})
	if err != nil || res[0] != 0 {
		t.Fatalf("call_simple = %v, %v; want [0]", res, err)
	}

	calls := e.api.Calls()
	if len(calls) != 1 {
		t.Fatalf("len(Calls()) = %d, want 1", len(calls))
	}
	if calls[0].Method != "transfer" || string(calls[0].Payload) != "payload" {
		t.Errorf("call = %q %q", calls[0].Method, calls[0].Payload)
	}
	// Only the payload bytes are priced.
	if got := e.meter.Consumed(); got != 7 {
		t.Errorf("consumed %d for call_simple, want 7", got)
	}
}
