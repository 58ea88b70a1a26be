// Package dispatch implements the three-stage inbound pipeline described
// in spec §4.7: a non-blocking WebSocket-thread enqueue (Stage A), a single
// dispatcher goroutine that submits to the scheduler and performs the
// persistence side effect (Stage B), and the handler-registry precedence
// rule the scheduler's workers ultimately invoke (Stage C runs inside
// internal/scheduler; this package owns the registry and the task it
// submits).
//
// Grounded on original_source/agentcp_python/agentcp.py's
// `_message_dispatcher_main`/`__async_run_message_listeners`/
// `__ping_message` for the exact pipeline steps (non-blocking dequeue,
// scheduler submit with retry, persistence after submit, ping
// short-circuit, session/router/global precedence) — no teacher file
// implements a three-stage pipeline of this shape, so the stage
// boundaries are ported from the original rather than adapted from
// existing Go code; the channel-as-bounded-queue and goroutine-as-thread
// substitutions follow the project-wide convention established in
// internal/msgclient and internal/scheduler.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arkeep-io/agentcp/internal/config"
	"github.com/arkeep-io/agentcp/internal/metrics"
	"github.com/arkeep-io/agentcp/internal/scheduler"
	"github.com/arkeep-io/agentcp/internal/store"
	"github.com/arkeep-io/agentcp/internal/wire"
)

// Record is Stage A's task record: the parsed inbound frame plus the
// routing fields Stage B and the registry need, per spec §4.7: "{data,
// is_stream_message, message_list, instruction}".
type Record struct {
	SessionID     string
	MessageID     string
	FromAID       string
	Instruction   *wire.Instruction
	Blocks        []wire.Block
	IsStreamMsg   bool
	ReceivedAtUTC time.Time
	Raw           wire.SessionMessage
}

// Replier is the minimal send surface Stage B's ping short-circuit needs.
// Defined locally rather than importing session/msgclient directly, in
// the project's established small-local-interface style.
type Replier interface {
	SendMessage(toAIDs []string, blocks []wire.Block, messageID, refMsgID string, unixMS int64) error
}

// SessionLookup resolves a session id to its Replier, so the dispatcher
// can reply to pings without the caller threading the session through
// every record.
type SessionLookup func(sessionID string) (Replier, bool)

const (
	submitRetries    = 3
	submitBackoffBase = 50 * time.Millisecond
)

var submitBackoffSteps = []time.Duration{50 * time.Millisecond, 100 * time.Millisecond, 200 * time.Millisecond}

// Dispatcher owns the bounded inbound queue, the single dispatcher
// goroutine, and the handler registry.
type Dispatcher struct {
	queue      chan Record
	sched      *scheduler.Scheduler
	store      store.Store
	metrics    *metrics.Collector
	lookup     SessionLookup
	logger     *zap.Logger
	registry   *Registry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Dispatcher with a queue of config.DispatchQueueCapacity
// capacity.
func New(sched *scheduler.Scheduler, st store.Store, collector *metrics.Collector, lookup SessionLookup, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		queue:    make(chan Record, config.DispatchQueueCapacity),
		sched:    sched,
		store:    st,
		metrics:  collector,
		lookup:   lookup,
		logger:   logger.Named("dispatch"),
		registry: NewRegistry(),
	}
}

// Registry returns the handler registry for callers to register against.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Enqueue is Stage A: a non-blocking put. On queue-full the record is
// dropped and a failure metric incremented; no retry, no blocking — the
// WebSocket receive goroutine must never stall here.
func (d *Dispatcher) Enqueue(r Record) {
	d.metrics.RecordReceived()
	select {
	case d.queue <- r:
	default:
		d.metrics.RecordQueueDrop()
		d.logger.Warn("dispatch: queue full, dropping inbound record", zap.String("session_id", r.SessionID))
	}
}

// Start launches the Stage B dispatcher goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(runCtx)
	}()
}

// Stop cancels the dispatcher goroutine, waits for it to finish its
// current record, then discards every record still waiting in the queue,
// so a later Start begins from an empty queue.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	for {
		select {
		case <-d.queue:
		default:
			return
		}
	}
}

// QueueDepth reports the current number of records waiting in the bounded
// queue, used by the monitoring snapshot's "average queue size" stat.
func (d *Dispatcher) QueueDepth() int { return len(d.queue) }

func (d *Dispatcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-d.queue:
			d.metrics.RecordQueueSize(len(d.queue))
			d.handleRecord(ctx, rec)
		}
	}
}

func (d *Dispatcher) handleRecord(ctx context.Context, rec Record) {
	if isPing(rec.Blocks) {
		d.replyPingResult(rec)
		return
	}

	start := time.Now()
	err := d.submitWithRetry(ctx, rec)
	d.metrics.RecordDispatch(err == nil, time.Since(start))
	if err != nil {
		d.logger.Warn("dispatch: submission exhausted retries", zap.String("session_id", rec.SessionID), zap.Error(err))
		return
	}

	d.persist(ctx, rec)
}

// submitWithRetry implements Stage B step 1: submit to the scheduler with
// up to submitRetries retries, waiting with exponential backoff between
// attempts (0.05s, 0.1s, 0.2s). Submission may block this goroutine — it
// is the only one that does.
func (d *Dispatcher) submitWithRetry(ctx context.Context, rec Record) error {
	var lastErr error
	for attempt := 0; attempt <= submitRetries; attempt++ {
		err := d.sched.Submit(ctx, func(taskCtx context.Context) {
			d.invokeHandlers(taskCtx, rec)
		})
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt < len(submitBackoffSteps) {
			select {
			case <-time.After(submitBackoffSteps[attempt]):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("dispatch: submit failed after %d attempts: %w", submitRetries+1, lastErr)
}

// invokeHandlers runs inside a scheduler worker's task goroutine and
// applies spec §4.7's three-scope precedence rule.
func (d *Dispatcher) invokeHandlers(ctx context.Context, rec Record) {
	start := time.Now()
	handlers := d.registry.Resolve(rec.SessionID, rec.Instruction)

	ok := true
	for _, h := range handlers {
		if err := safeCall(h, rec); err != nil {
			ok = false
			d.logger.Warn("dispatch: handler failed", zap.String("session_id", rec.SessionID), zap.Error(err))
		}
	}
	d.metrics.RecordHandler(ok, time.Since(start))
	_ = ctx
}

func safeCall(h Handler, rec Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch: handler panicked: %v", r)
		}
	}()
	h(rec)
	return nil
}

// persist applies Stage B step 2: insert a new message row, or append to
// an existing row's content if one already exists for this message id.
// Persistence failures are logged but never affect dispatch success.
func (d *Dispatcher) persist(ctx context.Context, rec Record) {
	if d.store == nil {
		return
	}
	body, err := wire.EncodeBlocks(rec.Blocks)
	if err != nil {
		d.logger.Warn("dispatch: encode blocks for persistence", zap.Error(err))
		return
	}

	if existing, err := d.store.GetMessageByID(ctx, rec.MessageID); err == nil && existing != nil {
		if err := d.store.AppendMessageContent(ctx, rec.MessageID, string(body)); err != nil {
			d.logger.Warn("dispatch: append message content failed", zap.Error(err))
		}
		return
	}

	msg := &store.Message{
		MessageID: rec.MessageID,
		SessionID: rec.SessionID,
		Role:      "assistant",
		MessageAID: rec.FromAID,
		ToAIDs:    rec.Raw.ToAIDs,
		Content:   string(body),
		Status:    "received",
		Timestamp: rec.ReceivedAtUTC.UnixMilli(),
	}
	if rec.Instruction != nil {
		msg.Instruction = rec.Instruction.Cmd
	}
	if err := d.store.InsertMessage(ctx, msg); err != nil {
		d.logger.Warn("dispatch: insert message failed", zap.Error(err))
	}
}

func (d *Dispatcher) replyPingResult(rec Record) {
	replier, ok := d.lookup(rec.SessionID)
	if !ok {
		d.logger.Warn("dispatch: ping received for unknown session", zap.String("session_id", rec.SessionID))
		return
	}
	block := wire.NewContentBlock("ping_result", time.Now().UnixMilli())
	if err := replier.SendMessage([]string{rec.FromAID}, []wire.Block{block}, "", rec.MessageID, time.Now().UnixMilli()); err != nil {
		d.logger.Warn("dispatch: ping reply failed", zap.Error(err))
	}
}

func isPing(blocks []wire.Block) bool {
	return len(blocks) > 0 && blocks[0].Type == wire.BlockPing
}
