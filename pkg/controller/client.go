// Package controller streams execution reports from the sandbox process
// to the replica controller over gRPC. The controller owns scheduling
// and message routing; the sandbox reports what each execution did so
// the controller can commit or discard the outcome.
package controller

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/developerabhi01/ic/internal/types"
	"github.com/developerabhi01/ic/pkg/sandbox/executor"
	"github.com/developerabhi01/ic/pkg/sandbox/sysapi"
)

// Client errors.
var (
	ErrNotConnected     = errors.New("controller client not connected")
	ErrAlreadyConnected = errors.New("controller client already connected")
	ErrClosed           = errors.New("controller client closed")
	ErrStreamClosed     = errors.New("controller stream closed")
	ErrQueueFull        = errors.New("report queue full")
	ErrMaxReconnects    = errors.New("max reconnection attempts reached")
)

// Report is one execution outcome submitted to the controller.
type Report struct {
	CanisterID types.CanisterID
	Kind       sysapi.MessageKind
	MethodName string

	InstructionsConsumed uint64
	DirtyPageCount       uint64
	HeapPages            uint64
	HeapVersion          uint64
	StablePages          uint64

	Replied       bool
	ReplySize     uint64
	Rejected      bool
	RejectMessage string
	Accepted      bool

	Trapped     bool
	TrapMessage string

	CallCount uint32
	Balance   types.Cycles

	CompletedAt time.Time
}

// NewReport builds a report from an execution result. The heap version
// is the checkpoint version the outcome was committed as, zero for a
// trapped execution whose state changes were withheld.
func NewReport(id types.CanisterID, kind sysapi.MessageKind, method string, res *executor.ExecutionResult, heapVersion uint64) *Report {
	r := &Report{
		CanisterID:           id,
		Kind:                 kind,
		MethodName:           method,
		InstructionsConsumed: uint64(res.InstructionsConsumed),
		DirtyPageCount:       uint64(len(res.DirtyPages)),
		HeapPages:            res.HeapPages,
		HeapVersion:          heapVersion,
		StablePages:          res.StablePages,
		Replied:              res.Replied,
		ReplySize:            uint64(len(res.Reply)),
		Rejected:             res.Rejected,
		RejectMessage:        res.RejectMessage,
		Accepted:             res.Accepted,
		CallCount:            uint32(len(res.Calls)),
		Balance:              res.Balance,
		CompletedAt:          time.Now(),
	}
	if res.Trap != nil {
		r.Trapped = true
		r.TrapMessage = res.Trap.Error()
	}
	return r
}

// Client streams execution reports to the replica controller.
//
// It manages the gRPC connection, queues reports through a channel and
// automatically reconnects on connection loss with exponential backoff.
// Reports queued while disconnected are delivered after reconnection.
type Client struct {
	config Config

	conn   *grpc.ClientConn
	stream *reportStream

	// Outbound queue
	reports chan *Report

	mu             sync.RWMutex
	connected      atomic.Bool
	closed         atomic.Bool
	sequence       atomic.Uint64
	acked          atomic.Uint64
	lastUpdate     atomic.Int64 // Unix nano timestamp
	reconnectCount atomic.Int32
	pingID         atomic.Int32
	cancelFunc     context.CancelFunc
	wg             sync.WaitGroup
	lastError      error
	lastErrorMu    sync.RWMutex

	ctx context.Context
}

// reportStream wraps a gRPC bidirectional stream for report submission.
type reportStream struct {
	stream grpc.ClientStream
}

func (s *reportStream) Send(req *reportRequest) error {
	return s.stream.SendMsg(req)
}

func (s *reportStream) Recv() (*reportUpdate, error) {
	update := &reportUpdate{}
	if err := s.stream.RecvMsg(update); err != nil {
		return nil, err
	}
	return update, nil
}

func (s *reportStream) CloseSend() error {
	return s.stream.CloseSend()
}

// reportRequest is the client-to-controller stream message. The struct
// carries protobuf field tags directly so the stream works without
// generated code.
type reportRequest struct {
	Hello  *helloRequest    `protobuf:"bytes,1,opt,name=hello"`
	Report *executionReport `protobuf:"bytes,2,opt,name=report"`
	Ping   *pingRequest     `protobuf:"bytes,3,opt,name=ping"`
}

func (x *reportRequest) Reset()         { *x = reportRequest{} }
func (x *reportRequest) String() string { return fmt.Sprintf("%+v", *x) }
func (x *reportRequest) ProtoMessage()  {}

type helloRequest struct {
	ReplicaID string `protobuf:"bytes,1,opt,name=replica_id"`
}

type executionReport struct {
	Sequence             uint64 `protobuf:"varint,1,opt,name=sequence"`
	CanisterID           []byte `protobuf:"bytes,2,opt,name=canister_id"`
	Kind                 int32  `protobuf:"varint,3,opt,name=kind"`
	MethodName           string `protobuf:"bytes,4,opt,name=method_name"`
	InstructionsConsumed uint64 `protobuf:"varint,5,opt,name=instructions_consumed"`
	DirtyPageCount       uint64 `protobuf:"varint,6,opt,name=dirty_page_count"`
	HeapPages            uint64 `protobuf:"varint,7,opt,name=heap_pages"`
	HeapVersion          uint64 `protobuf:"varint,8,opt,name=heap_version"`
	StablePages          uint64 `protobuf:"varint,9,opt,name=stable_pages"`
	Replied              bool   `protobuf:"varint,10,opt,name=replied"`
	ReplySize            uint64 `protobuf:"varint,11,opt,name=reply_size"`
	Rejected             bool   `protobuf:"varint,12,opt,name=rejected"`
	RejectMessage        string `protobuf:"bytes,13,opt,name=reject_message"`
	Accepted             bool   `protobuf:"varint,14,opt,name=accepted"`
	Trapped              bool   `protobuf:"varint,15,opt,name=trapped"`
	TrapMessage          string `protobuf:"bytes,16,opt,name=trap_message"`
	CallCount            uint32 `protobuf:"varint,17,opt,name=call_count"`
	BalanceHi            uint64 `protobuf:"varint,18,opt,name=balance_hi"`
	BalanceLo            uint64 `protobuf:"varint,19,opt,name=balance_lo"`
	CompletedAtNanos     int64  `protobuf:"varint,20,opt,name=completed_at_nanos"`
}

type pingRequest struct {
	ID int32 `protobuf:"varint,1,opt,name=id"`
}

// reportUpdate is the controller-to-client stream message.
type reportUpdate struct {
	Ack  *reportAck  `protobuf:"bytes,1,opt,name=ack"`
	Pong *pongUpdate `protobuf:"bytes,2,opt,name=pong"`
}

func (x *reportUpdate) Reset()         { *x = reportUpdate{} }
func (x *reportUpdate) String() string { return fmt.Sprintf("%+v", *x) }
func (x *reportUpdate) ProtoMessage()  {}

type reportAck struct {
	Sequence uint64 `protobuf:"varint,1,opt,name=sequence"`
}

type pongUpdate struct {
	ID int32 `protobuf:"varint,1,opt,name=id"`
}

// NewClient creates a new controller client with the given configuration.
// The client is not connected until Connect() is called.
func NewClient(config Config) (*Client, error) {
	config = config.WithDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Client{
		config:  config,
		reports: make(chan *Report, config.ReportChannelSize),
	}, nil
}

// Connect establishes the gRPC connection and starts the report stream.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if c.connected.Load() {
		return ErrAlreadyConnected
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel
	c.ctx = ctx

	if err := c.connect(ctx); err != nil {
		cancel()
		return err
	}

	c.wg.Add(3)
	go c.sendLoop()
	go c.receiveLoop()
	go c.healthCheckLoop()

	c.connected.Store(true)
	c.lastUpdate.Store(time.Now().UnixNano())

	if c.config.OnConnect != nil {
		c.config.OnConnect()
	}

	return nil
}

// connect establishes the gRPC connection and opens the stream.
func (c *Client) connect(ctx context.Context) error {
	kacp := keepalive.ClientParameters{
		Time:                c.config.KeepaliveTime,
		Timeout:             c.config.KeepaliveTimeout,
		PermitWithoutStream: true,
	}

	opts := []grpc.DialOption{
		grpc.WithKeepaliveParams(kacp),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(c.config.MaxMessageSize),
			grpc.MaxCallSendMsgSize(c.config.MaxMessageSize),
		),
	}

	if c.config.UseTLS {
		opts = append(opts, grpc.WithTransportCredentials(
			credentials.NewTLS(&tls.Config{
				MinVersion: tls.VersionTLS12,
			}),
		))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	if c.config.Token != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(&tokenAuth{
			token:      c.config.Token,
			requireTLS: c.config.UseTLS,
		}))
	}

	//nolint:staticcheck // Using Dial for compatibility with older gRPC versions
	conn, err := grpc.Dial(c.config.Endpoint, opts...)
	if err != nil {
		return fmt.Errorf("failed to dial gRPC: %w", err)
	}
	c.conn = conn

	md := metadata.New(c.config.Headers)
	streamCtx := metadata.NewOutgoingContext(ctx, md)

	streamDesc := &grpc.StreamDesc{
		StreamName:    "Report",
		ServerStreams: true,
		ClientStreams: true,
	}

	stream, err := conn.NewStream(streamCtx, streamDesc, "/sandbox.Controller/Report")
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create stream: %w", err)
	}

	c.stream = &reportStream{stream: stream}

	if err := c.sendHello(); err != nil {
		stream.CloseSend()
		conn.Close()
		return fmt.Errorf("failed to announce replica: %w", err)
	}

	return nil
}

// sendHello identifies this sandbox process to the controller.
func (c *Client) sendHello() error {
	return c.stream.Send(&reportRequest{
		Hello: &helloRequest{ReplicaID: c.config.ReplicaID},
	})
}

// Submit queues a report for delivery. It never blocks; when the queue
// is full the report is dropped and ErrQueueFull returned so the caller
// can decide whether delivery matters for this outcome.
func (c *Client) Submit(r *Report) error {
	if c.closed.Load() {
		return ErrClosed
	}
	select {
	case c.reports <- r:
		return nil
	default:
		return ErrQueueFull
	}
}

// sendLoop drains the report queue into the stream and sends periodic
// pings while the queue is idle.
func (c *Client) sendLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case r := <-c.reports:
			if !c.connected.Load() {
				// Requeue for delivery after reconnect.
				select {
				case c.reports <- r:
				default:
				}
				return
			}
			seq := c.sequence.Add(1)
			if err := c.stream.Send(&reportRequest{Report: c.convertReport(seq, r)}); err != nil {
				c.setLastError(err)
				// Requeue so the report survives the reconnect.
				select {
				case c.reports <- r:
				default:
				}
				c.handleDisconnect(err)
				return
			}
		case <-ticker.C:
			if !c.connected.Load() {
				return
			}
			req := &reportRequest{Ping: &pingRequest{ID: c.pingID.Add(1)}}
			if err := c.stream.Send(req); err != nil {
				// Ping failed, let the health check decide.
				c.setLastError(err)
			}
		}
	}
}

// convertReport converts a report to its wire form.
func (c *Client) convertReport(seq uint64, r *Report) *executionReport {
	hi, lo := r.Balance.Parts()
	return &executionReport{
		Sequence:             seq,
		CanisterID:           r.CanisterID.Bytes(),
		Kind:                 int32(r.Kind),
		MethodName:           r.MethodName,
		InstructionsConsumed: r.InstructionsConsumed,
		DirtyPageCount:       r.DirtyPageCount,
		HeapPages:            r.HeapPages,
		HeapVersion:          r.HeapVersion,
		StablePages:          r.StablePages,
		Replied:              r.Replied,
		ReplySize:            r.ReplySize,
		Rejected:             r.Rejected,
		RejectMessage:        r.RejectMessage,
		Accepted:             r.Accepted,
		Trapped:              r.Trapped,
		TrapMessage:          r.TrapMessage,
		CallCount:            r.CallCount,
		BalanceHi:            hi,
		BalanceLo:            lo,
		CompletedAtNanos:     r.CompletedAt.UnixNano(),
	}
}

// receiveLoop continuously receives acks from the stream.
func (c *Client) receiveLoop() {
	defer c.wg.Done()
	defer c.handleDisconnect(nil)

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		update, err := c.stream.Recv()
		if err != nil {
			if err == io.EOF {
				c.setLastError(ErrStreamClosed)
				c.handleDisconnect(ErrStreamClosed)
				return
			}
			if c.ctx.Err() != nil {
				// Context cancelled, normal shutdown
				return
			}
			c.setLastError(err)
			c.handleDisconnect(err)
			return
		}

		c.lastUpdate.Store(time.Now().UnixNano())
		c.processUpdate(update)
	}
}

// processUpdate processes a single update from the stream.
func (c *Client) processUpdate(update *reportUpdate) {
	if update == nil {
		return
	}

	if update.Ack != nil {
		c.acked.Store(update.Ack.Sequence)
		if c.config.OnAck != nil {
			c.config.OnAck(update.Ack.Sequence)
		}
	}

	if update.Pong != nil {
		// Pong received, connection is alive
	}
}

// healthCheckLoop monitors connection health and triggers reconnection
// if needed.
func (c *Client) healthCheckLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if !c.connected.Load() {
				return
			}

			lastUpdate := time.Unix(0, c.lastUpdate.Load())
			if time.Since(lastUpdate) > c.config.StaleTimeout {
				c.setLastError(fmt.Errorf("connection stale: no traffic for %v", time.Since(lastUpdate)))
				c.handleDisconnect(fmt.Errorf("connection stale"))
				return
			}
		}
	}
}

// handleDisconnect handles disconnection and optionally reconnects.
func (c *Client) handleDisconnect(err error) {
	if !c.connected.CompareAndSwap(true, false) {
		return // Already disconnected
	}

	if c.config.OnDisconnect != nil {
		c.config.OnDisconnect(err)
	}

	if c.stream != nil {
		c.stream.CloseSend()
	}
	if c.conn != nil {
		c.conn.Close()
	}

	if !c.closed.Load() {
		go c.reconnect()
	}
}

// reconnect attempts to reconnect with exponential backoff.
func (c *Client) reconnect() {
	backoff := c.config.ReconnectMinDelay
	attempt := 0

	for !c.closed.Load() {
		attempt++
		c.reconnectCount.Add(1)

		if c.config.MaxReconnects > 0 && attempt > c.config.MaxReconnects {
			c.setLastError(ErrMaxReconnects)
			return
		}

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(backoff):
		}

		ctx, cancel := context.WithCancel(context.Background())
		c.mu.Lock()
		c.cancelFunc = cancel
		c.ctx = ctx
		c.mu.Unlock()

		if err := c.connect(ctx); err != nil {
			c.setLastError(err)
			backoff = minDuration(backoff*2, c.config.ReconnectMaxDelay)
			continue
		}

		c.connected.Store(true)
		c.lastUpdate.Store(time.Now().UnixNano())

		c.wg.Add(3)
		go c.sendLoop()
		go c.receiveLoop()
		go c.healthCheckLoop()

		if c.config.OnReconnect != nil {
			c.config.OnReconnect(attempt)
		}

		return
	}
}

// Health returns the current health status of the client.
func (c *Client) Health() ClientHealth {
	lastUpdate := time.Unix(0, c.lastUpdate.Load())
	latency := time.Since(lastUpdate)
	if c.connected.Load() && latency > c.config.StaleTimeout {
		latency = c.config.StaleTimeout
	}

	return ClientHealth{
		Connected:      c.connected.Load(),
		Submitted:      c.sequence.Load(),
		Acked:          c.acked.Load(),
		Pending:        len(c.reports),
		LastUpdate:     lastUpdate,
		Endpoint:       c.config.Endpoint,
		Latency:        latency,
		ReconnectCount: int(c.reconnectCount.Load()),
		LastError:      c.getLastError(),
	}
}

// ClientHealth is a point-in-time snapshot of client health.
type ClientHealth struct {
	Connected      bool
	Submitted      uint64
	Acked          uint64
	Pending        int
	LastUpdate     time.Time
	Endpoint       string
	Latency        time.Duration
	ReconnectCount int
	LastError      error
}

// Close closes the client and releases all resources. Queued reports
// that were never sent are dropped.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return ErrClosed
	}

	if c.cancelFunc != nil {
		c.cancelFunc()
	}

	c.wg.Wait()

	if c.stream != nil {
		c.stream.CloseSend()
	}
	if c.conn != nil {
		c.conn.Close()
	}

	return nil
}

// setLastError safely sets the last error.
func (c *Client) setLastError(err error) {
	c.lastErrorMu.Lock()
	c.lastError = err
	c.lastErrorMu.Unlock()
}

// getLastError safely gets the last error.
func (c *Client) getLastError() error {
	c.lastErrorMu.RLock()
	defer c.lastErrorMu.RUnlock()
	return c.lastError
}

// tokenAuth implements grpc.PerRPCCredentials for token authentication.
type tokenAuth struct {
	token      string
	requireTLS bool
}

func (t *tokenAuth) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{
		"x-token": t.token,
	}, nil
}

func (t *tokenAuth) RequireTransportSecurity() bool {
	return t.requireTLS
}

// minDuration returns the minimum of two durations.
func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// isRetryableError returns true if the error should trigger a retry.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.Internal:
			return true
		}
	}

	return errors.Is(err, io.EOF) || errors.Is(err, ErrStreamClosed)
}

var _ = isRetryableError
