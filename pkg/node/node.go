// Package node provides the orchestrator for one sandbox process.
//
// The Node ties together all components:
// - State store for durable per-canister records
// - Checkpoint store for versioned heap page content
// - Executor for running guest messages behind the syscall boundary
// - Controller client for streaming execution reports to the replica
//
// Executions run one at a time. The node loads a canister's current
// heap version, runs the message, and on a clean execution commits the
// page delta as the next checkpoint version and persists the updated
// canister record atomically. A trapped execution leaves the stored
// state untouched; only the instruction count is reported.
package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/developerabhi01/ic/internal/types"
	"github.com/developerabhi01/ic/pkg/checkpoint"
	"github.com/developerabhi01/ic/pkg/controller"
	"github.com/developerabhi01/ic/pkg/memory"
	"github.com/developerabhi01/ic/pkg/sandbox/executor"
	"github.com/developerabhi01/ic/pkg/sandbox/sysapi"
	"github.com/developerabhi01/ic/pkg/state"
)

// Node errors.
var (
	ErrAlreadyRunning   = errors.New("node is already running")
	ErrNotRunning       = errors.New("node is not running")
	ErrConfigInvalid    = errors.New("invalid node configuration")
	ErrInitFailed       = errors.New("node initialization failed")
	ErrCanisterExists   = errors.New("canister already installed")
	ErrCanisterNotFound = errors.New("canister not found")
	ErrCanisterStopped  = errors.New("canister is not running")
)

// Config holds node configuration.
type Config struct {
	// DataDir is the root directory for all node data. Subdirectories
	// are created for the state store and the checkpoint store.
	DataDir string

	// SubnetType is the class of the hosting subnet. System subnets
	// are exempt from memory charging.
	SubnetType types.SubnetType

	// Tracking selects the dirty page detection policy for executions.
	Tracking memory.TrackingPolicy

	// InstructionLimit is the per-message instruction budget.
	// If 0, the executor default applies.
	InstructionLimit types.NumInstructions

	// ControllerEndpoint is the gRPC endpoint of the replica controller.
	// Empty disables reporting; executions still run and commit.
	ControllerEndpoint string

	// ControllerToken authenticates this process to the controller.
	ControllerToken string

	// ControllerUseTLS enables TLS for the controller connection.
	ControllerUseTLS bool

	// ReplicaID identifies this sandbox process to the controller.
	ReplicaID string

	// InMemory runs the state store in memory (for testing).
	InMemory bool

	// Logger is the structured logger. Nil uses the standard logger.
	Logger *log.Logger

	// OnExecution is called after each execution with the report that
	// was (or would have been) submitted to the controller.
	OnExecution func(*controller.Report)

	// OnError is called for asynchronous errors.
	OnError func(err error)
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DataDir:    "./data",
		SubnetType: types.SubnetApplication,
		Tracking:   memory.Track,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.DataDir == "" && !c.InMemory {
		return fmt.Errorf("%w: data directory is required", ErrConfigInvalid)
	}
	return nil
}

// ExecuteRequest describes one inbound message for a canister.
type ExecuteRequest struct {
	CanisterID types.CanisterID
	Kind       sysapi.MessageKind
	MethodName string
	Caller     []byte
	Payload    []byte

	// CyclesAvailable is the amount attached to the message,
	// available for the canister to accept.
	CyclesAvailable types.Cycles

	// RejectCode and RejectMessage carry reject context for reply
	// callback executions.
	RejectCode    uint64
	RejectMessage string

	// TimeNanos is the system time exposed to the guest.
	TimeNanos uint64

	// Certificate is the data certificate for query executions.
	Certificate []byte

	// Guest is the instrumented guest entry point for this message.
	Guest executor.GuestFunc
}

// Node is one canister sandbox process.
type Node struct {
	config Config
	logger *log.Logger

	state       *state.BadgerStore
	checkpoints *checkpoint.Store
	executor    *executor.Executor
	controller  *controller.Client

	// Executions are serialized; the replica scheduler owns parallelism
	// across sandbox processes, not within one.
	execMu sync.Mutex

	running   atomic.Bool
	startTime time.Time

	executionsRun        atomic.Uint64
	instructionsConsumed atomic.Uint64
	trapsObserved        atomic.Uint64

	lastError   error
	lastErrorMu sync.RWMutex
}

// New creates a new sandbox node with the given configuration.
// The node is not started until Start() is called.
func New(config Config) (*Node, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	logger := config.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Node{
		config: config,
		logger: logger,
	}, nil
}

// Start opens the storage backends and connects to the controller.
func (n *Node) Start(ctx context.Context) error {
	if n.running.Load() {
		return ErrAlreadyRunning
	}
	n.startTime = time.Now()

	if err := n.initialize(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrInitFailed, err)
	}

	n.running.Store(true)
	n.logger.WithFields(log.Fields{
		"data_dir": n.config.DataDir,
		"subnet":   n.config.SubnetType.String(),
		"tracking": n.config.Tracking.String(),
	}).Info("sandbox node started")
	return nil
}

// initialize sets up all storage backends and components.
func (n *Node) initialize(ctx context.Context) error {
	stateCfg := state.DefaultBadgerConfig(filepath.Join(n.config.DataDir, "state"))
	if n.config.InMemory {
		stateCfg = state.BadgerConfig{InMemory: true}
	} else {
		if err := os.MkdirAll(n.config.DataDir, 0755); err != nil {
			return fmt.Errorf("create data directory: %w", err)
		}
	}

	st, err := state.NewBadgerStore(stateCfg)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	n.state = st

	checkpointPath := filepath.Join(n.config.DataDir, "checkpoints", "pages.db")
	if n.config.InMemory {
		dir, err := os.MkdirTemp("", "sandboxd-checkpoints-*")
		if err != nil {
			st.Close()
			return fmt.Errorf("create checkpoint directory: %w", err)
		}
		checkpointPath = filepath.Join(dir, "pages.db")
	}
	cp, err := checkpoint.Open(checkpointPath)
	if err != nil {
		st.Close()
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	n.checkpoints = cp

	n.executor = executor.New(n.logger)

	if n.config.ControllerEndpoint != "" {
		ctrlCfg := controller.DefaultConfig()
		ctrlCfg.Endpoint = n.config.ControllerEndpoint
		ctrlCfg.Token = n.config.ControllerToken
		ctrlCfg.UseTLS = n.config.ControllerUseTLS
		ctrlCfg.ReplicaID = n.config.ReplicaID
		ctrlCfg.OnDisconnect = func(err error) {
			if err != nil {
				n.setLastError(err)
				if n.config.OnError != nil {
					n.config.OnError(err)
				}
			}
		}

		client, err := controller.NewClient(ctrlCfg)
		if err != nil {
			n.closeStorage()
			return fmt.Errorf("create controller client: %w", err)
		}
		if err := client.Connect(ctx); err != nil {
			client.Close()
			n.closeStorage()
			return fmt.Errorf("connect to controller: %w", err)
		}
		n.controller = client
	}

	return nil
}

// InstallCanister creates the durable record for a new canister.
func (n *Node) InstallCanister(c *state.Canister) error {
	if !n.running.Load() {
		return ErrNotRunning
	}
	if exists, err := n.state.HasCanister(c.ID); err != nil {
		return err
	} else if exists {
		return ErrCanisterExists
	}
	if c.Status == 0 {
		c.Status = sysapi.StatusRunning
	}
	return n.state.PutCanister(c)
}

// Canister returns the durable record for a canister.
func (n *Node) Canister(id types.CanisterID) (*state.Canister, error) {
	if !n.running.Load() {
		return nil, ErrNotRunning
	}
	c, err := n.state.GetCanister(id)
	if errors.Is(err, state.ErrCanisterNotFound) {
		return nil, ErrCanisterNotFound
	}
	return c, err
}

// UninstallCanister removes a canister record and its stable memory.
// Checkpointed heap versions are retained for audit until compaction.
func (n *Node) UninstallCanister(id types.CanisterID) error {
	if !n.running.Load() {
		return ErrNotRunning
	}
	return n.state.DeleteCanister(id)
}

// ExecuteMessage runs one message against a canister and, for a clean
// execution, commits the outcome: the page delta becomes the next
// checkpoint version and the canister record and stable memory are
// updated in one batch. A trapped execution commits nothing.
func (n *Node) ExecuteMessage(req ExecuteRequest) (*executor.ExecutionResult, error) {
	if !n.running.Load() {
		return nil, ErrNotRunning
	}

	n.execMu.Lock()
	defer n.execMu.Unlock()

	c, err := n.state.GetCanister(req.CanisterID)
	if err != nil {
		if errors.Is(err, state.ErrCanisterNotFound) {
			return nil, ErrCanisterNotFound
		}
		return nil, err
	}
	if c.Status == sysapi.StatusStopped && req.Kind != sysapi.Query {
		return nil, ErrCanisterStopped
	}

	var prior *memory.PageMap
	if c.HeapVersion > 0 {
		prior, _, err = n.checkpoints.Load(c.ID, c.HeapVersion)
		if err != nil {
			return nil, fmt.Errorf("load heap version %d: %w", c.HeapVersion, err)
		}
	}

	stableContent, err := n.state.GetStableMemory(c.ID)
	if err != nil {
		return nil, fmt.Errorf("load stable memory: %w", err)
	}

	spec := executor.ExecutionSpec{
		CanisterID:       c.ID,
		Controller:       c.Controller,
		SubnetType:       n.config.SubnetType,
		Kind:             req.Kind,
		MethodName:       req.MethodName,
		Caller:           req.Caller,
		Payload:          req.Payload,
		RejectCode:       req.RejectCode,
		RejectMessage:    req.RejectMessage,
		Balance:          c.Balance,
		CyclesAvailable:  req.CyclesAvailable,
		InstructionLimit: n.config.InstructionLimit,
		HeapVersion:      prior,
		HeapPages:        c.HeapPages,
		Tracking:         n.config.Tracking,
		StableContent:    stableContent,
		TimeNanos:        req.TimeNanos,
		Status:           uint64(c.Status),
		Certificate:      req.Certificate,
	}

	start := time.Now()
	result, err := n.executor.Execute(spec, req.Guest)
	if err != nil {
		return nil, err
	}

	n.executionsRun.Add(1)
	n.instructionsConsumed.Add(uint64(result.InstructionsConsumed))

	var heapVersion uint64
	if result.Trap != nil {
		n.trapsObserved.Add(1)
		heapVersion = c.HeapVersion
	} else if req.Kind == sysapi.Update {
		heapVersion, err = n.commitOutcome(c, prior, result)
		if err != nil {
			return nil, err
		}
	} else {
		// Queries read the committed version and never advance it.
		heapVersion = c.HeapVersion
	}

	n.logger.WithFields(log.Fields{
		"canister":     c.ID.String(),
		"kind":         req.Kind.String(),
		"method":       req.MethodName,
		"instructions": result.InstructionsConsumed,
		"dirty_pages":  len(result.DirtyPages),
		"trapped":      result.Trap != nil,
		"elapsed":      time.Since(start),
	}).Debug("execution finished")

	report := controller.NewReport(c.ID, req.Kind, req.MethodName, result, heapVersion)
	if n.config.OnExecution != nil {
		n.config.OnExecution(report)
	}
	if n.controller != nil {
		if err := n.controller.Submit(report); err != nil {
			n.setLastError(err)
		}
	}

	return result, nil
}

// commitOutcome persists a clean update execution: checkpoint the page
// delta as the next version, then write the canister record and stable
// memory in one batch.
func (n *Node) commitOutcome(c *state.Canister, prior *memory.PageMap, result *executor.ExecutionResult) (uint64, error) {
	_, version, err := n.checkpoints.Advance(c.ID, prior, result)
	if err != nil {
		return 0, fmt.Errorf("advance checkpoint: %w", err)
	}

	c.HeapVersion = version
	c.HeapPages = result.HeapPages
	c.StablePages = result.StablePages
	c.Balance = result.Balance
	if result.CertifiedData != nil {
		c.CertifiedData = result.CertifiedData
	}

	bw := n.state.NewBatchWriter()
	if err := bw.PutCanister(c); err != nil {
		bw.Cancel()
		return 0, fmt.Errorf("stage canister record: %w", err)
	}
	if err := bw.PutStableMemory(c.ID, result.StableContent); err != nil {
		bw.Cancel()
		return 0, fmt.Errorf("stage stable memory: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return 0, fmt.Errorf("commit outcome: %w", err)
	}
	return version, nil
}

// Stop gracefully stops the node.
func (n *Node) Stop() error {
	if !n.running.Load() {
		return ErrNotRunning
	}

	if n.controller != nil {
		n.controller.Close()
	}
	if n.checkpoints != nil {
		n.checkpoints.Sync()
	}
	n.closeStorage()

	n.running.Store(false)
	n.logger.Info("sandbox node stopped")
	return nil
}

// closeStorage closes all storage backends.
func (n *Node) closeStorage() {
	if n.checkpoints != nil {
		n.checkpoints.Close()
	}
	if n.state != nil {
		n.state.Close()
	}
}

// Status contains the current node status.
type Status struct {
	IsRunning            bool
	Uptime               time.Duration
	CanisterCount        uint64
	ExecutionsRun        uint64
	InstructionsConsumed uint64
	TrapsObserved        uint64
	ControllerHealth     *controller.ClientHealth
	LastError            error
}

// Status returns a point-in-time snapshot of the node.
func (n *Node) Status() *Status {
	s := &Status{
		IsRunning:            n.running.Load(),
		Uptime:               time.Since(n.startTime),
		ExecutionsRun:        n.executionsRun.Load(),
		InstructionsConsumed: n.instructionsConsumed.Load(),
		TrapsObserved:        n.trapsObserved.Load(),
		LastError:            n.getLastError(),
	}
	if n.state != nil && n.running.Load() {
		s.CanisterCount, _ = n.state.CanisterCount()
	}
	if n.controller != nil {
		health := n.controller.Health()
		s.ControllerHealth = &health
	}
	return s
}

// setLastError safely sets the last error.
func (n *Node) setLastError(err error) {
	n.lastErrorMu.Lock()
	n.lastError = err
	n.lastErrorMu.Unlock()
}

// getLastError safely gets the last error.
func (n *Node) getLastError() error {
	n.lastErrorMu.RLock()
	defer n.lastErrorMu.RUnlock()
	return n.lastError
}
