// Package dispatch implements the task dispatcher: the state machine that
// owns every task for its lifetime, applies execution events in sequence
// order with idempotent effects, and enforces lease expiry with a bounded
// redispatch budget.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/metrics"
	"github.com/hupe1980/taskmesh/policy"
	"github.com/hupe1980/taskmesh/store"
)

// Config defines tuning parameters for the dispatcher's operational behavior.
// Service dependencies (store, policy, logger) are configured via functional
// options rather than expanding this struct.
type Config struct {
	// LeaseTTL is how long an executor holds a task before the dispatcher
	// intervenes. Each redispatch grants a fresh lease.
	LeaseTTL time.Duration

	// MaxRedispatches bounds how often an expired lease triggers a
	// redispatch before the task is marked timeout.
	MaxRedispatches int

	// SequenceBufferSize bounds the per-task buffer for out-of-order events.
	// Events arriving with a gap larger than the buffer are dropped with a
	// dispatch_conflict signal.
	SequenceBufferSize int

	// SweepInterval is the cadence of the lease-expiry sweeper started by Start.
	SweepInterval time.Duration

	// TerminalRetention is how long a terminal task's record (and with it the
	// idempotency dedup window) is kept in memory before the sweeper evicts
	// it. Status queries for evicted tasks fall back to the store.
	TerminalRetention time.Duration

	// StreamBufferSize sets the per-task output stream buffer.
	StreamBufferSize int

	// StreamBackpressure selects the producer behavior when a task's output
	// stream buffer is full.
	StreamBackpressure core.BackpressurePolicy
}

// DefaultConfig provides production-ready default configuration values.
var DefaultConfig = Config{
	LeaseTTL:           30 * time.Second,
	MaxRedispatches:    1,
	SequenceBufferSize: 32,
	SweepInterval:      time.Second,
	TerminalRetention:  5 * time.Minute,
	StreamBufferSize:   64,
	StreamBackpressure: core.BackpressureDropOldest,
}

// Options configures a Dispatcher instance using the functional options
// pattern. All service dependencies have in-memory or no-op defaults.
type Options struct {
	// Config contains operational parameters. Defaults to DefaultConfig.
	Config Config

	// Store persists tasks and events. Defaults to the in-memory store.
	Store store.Store

	// Policy is consulted before accepting a dispatch. Defaults to AllowAll.
	Policy policy.Engine

	// Logger defaults to NoOp if nil.
	Logger logging.Logger

	// Metrics is optional; nil disables instrumentation.
	Metrics *metrics.Collector

	// Clock returns the current time; override for deterministic tests.
	Clock func() time.Time
}

// Request is the caller-facing dispatch input.
type Request struct {
	InteractionID string `json:"interaction_id"`
	Payload       string `json:"payload"`
	Priority      int    `json:"priority"`
	TokenBudget   int    `json:"token_budget"`
	ToolPolicy    string `json:"tool_policy,omitempty"`
	Actor         string `json:"actor,omitempty"`
}

// IngestResult reports the effect an event had on the task state machine.
// Replayed idempotency keys return the original result unchanged.
type IngestResult struct {
	// Applied is true when the event moved the state machine (or was an
	// in-order no-op like a repeated progress report).
	Applied bool
	// Deduped is true when the idempotency key had been seen before.
	Deduped bool
	// Buffered is true when the event arrived ahead of the expected sequence
	// and was parked until the gap fills.
	Buffered bool
	// State is the task state after handling the event.
	State core.TaskState
}

// taskRecord is the dispatcher-private arena slot for one task. The task and
// its event bookkeeping live here; everything outside the dispatcher refers
// to the task by ID only.
type taskRecord struct {
	task         *core.Task
	nextSeq      int
	seen         map[string]IngestResult
	pending      map[int]core.Event
	redispatches int
	cancel       chan struct{}
	stream       *core.Stream
}

// streamOp is a stream effect recorded while holding d.mu and executed after
// release. Keeping publishes out of the critical section means a slow stream
// consumer stalls only the publishing caller, never the dispatcher.
type streamOp struct {
	stream *core.Stream
	chunk  core.Chunk
	final  bool
}

// Dispatcher owns the task/event state machine. It validates and leases
// incoming tasks, applies execution events strictly in sequence order with
// at-most-once effects, and times out or redispatches tasks whose lease
// expires without a terminal event.
type Dispatcher struct {
	config  Config
	store   store.Store
	policy  policy.Engine
	logger  logging.Logger
	metrics *metrics.Collector
	now     func() time.Time

	mu      sync.Mutex
	records map[string]*taskRecord

	sweepStop chan struct{}
	sweepWG   sync.WaitGroup
	started   bool
}

// New creates a dispatcher with sensible defaults and optional configuration.
func New(optFns ...func(o *Options)) *Dispatcher {
	opts := Options{
		Config: DefaultConfig,
		Store:  store.NewInMemoryStore(),
		Policy: policy.AllowAll{},
		Logger: logging.NoOpLogger{},
		Clock:  time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Config.LeaseTTL <= 0 {
		opts.Config.LeaseTTL = DefaultConfig.LeaseTTL
	}
	if opts.Config.SequenceBufferSize <= 0 {
		opts.Config.SequenceBufferSize = DefaultConfig.SequenceBufferSize
	}
	if opts.Config.SweepInterval <= 0 {
		opts.Config.SweepInterval = DefaultConfig.SweepInterval
	}
	if opts.Config.TerminalRetention <= 0 {
		opts.Config.TerminalRetention = DefaultConfig.TerminalRetention
	}
	if opts.Config.StreamBufferSize <= 0 {
		opts.Config.StreamBufferSize = DefaultConfig.StreamBufferSize
	}
	return &Dispatcher{
		config:    opts.Config,
		store:     opts.Store,
		policy:    opts.Policy,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		now:       opts.Clock,
		records:   make(map[string]*taskRecord),
		sweepStop: make(chan struct{}),
	}
}

// Dispatch validates the request, consults the policy engine, stores the
// task as queued, immediately transitions it to accepted and returns a lease.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*core.Lease, error) {
	if req.Payload == "" {
		return nil, core.Errorf(core.KindValidation, "payload is required")
	}
	if req.InteractionID == "" {
		return nil, core.Errorf(core.KindValidation, "interaction id is required")
	}
	if req.TokenBudget < 0 {
		return nil, core.Errorf(core.KindValidation, "token budget must be non-negative")
	}

	actor := req.Actor
	if actor == "" {
		actor = "anonymous"
	}
	if d.policy.Check(ctx, actor, "dispatch", req.InteractionID) != policy.Allow {
		return nil, core.Errorf(core.KindPolicyDenied, "actor %s may not dispatch to interaction %s", actor, req.InteractionID).
			WithContext("actor", actor)
	}

	task := core.NewTask(req.InteractionID, req.Payload)
	task.Priority = req.Priority
	task.TokenBudget = req.TokenBudget
	task.ToolPolicy = req.ToolPolicy

	if err := d.store.PutTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to store task: %w", err)
	}

	now := d.now().UTC()
	task.State = core.TaskAccepted
	task.Attempts = 1
	task.LeaseExpiry = now.Add(d.config.LeaseTTL)
	task.Updated = now
	if err := d.store.PutTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to store task: %w", err)
	}

	rec := &taskRecord{
		task:    task,
		nextSeq: 1,
		seen:    make(map[string]IngestResult),
		pending: make(map[int]core.Event),
		cancel:  make(chan struct{}),
		stream:  core.NewStream(d.config.StreamBufferSize, d.config.StreamBackpressure),
	}

	d.mu.Lock()
	d.records[task.ID] = rec
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.TasksDispatched.Inc()
		d.metrics.TaskTransitions.WithLabelValues(string(core.TaskAccepted)).Inc()
	}
	d.logger.Debug("task dispatched task_id=%s interaction_id=%s lease_expiry=%s", task.ID, task.InteractionID, task.LeaseExpiry)

	return &core.Lease{TaskID: task.ID, Expiry: task.LeaseExpiry}, nil
}

// IngestEvent applies one execution event. Events for unknown tasks are
// rejected; a previously seen idempotency key is a no-op returning the
// original result; out-of-order sequences are buffered until the gap fills
// or dropped with a dispatch_conflict once the buffer is exhausted.
func (d *Dispatcher) IngestEvent(ctx context.Context, event core.Event) (IngestResult, error) {
	var ops []streamOp
	d.mu.Lock()
	result, err := d.ingest(ctx, event, &ops)
	d.mu.Unlock()
	d.flush(ctx, ops)
	return result, err
}

// ingest handles one event under d.mu, staging stream effects into ops.
func (d *Dispatcher) ingest(ctx context.Context, event core.Event, ops *[]streamOp) (IngestResult, error) {
	rec, ok := d.records[event.TaskID]
	if !ok {
		return IngestResult{}, core.Errorf(core.KindValidation, "unknown task %s", event.TaskID)
	}
	if event.IdempotencyKey == "" {
		return IngestResult{}, core.Errorf(core.KindValidation, "idempotency key is required")
	}

	if prior, seen := rec.seen[event.IdempotencyKey]; seen {
		if d.metrics != nil {
			d.metrics.EventsDeduplicated.Inc()
		}
		d.logger.Debug("event deduplicated task_id=%s key=%s", event.TaskID, event.IdempotencyKey)
		prior.Deduped = true
		return prior, nil
	}

	if event.Sequence < rec.nextSeq {
		// Stale sequence with a fresh key: the effect was already applied
		// through another delivery. Drop it without touching applied state.
		result := IngestResult{State: rec.task.State}
		rec.seen[event.IdempotencyKey] = result
		if d.metrics != nil {
			d.metrics.EventConflicts.Inc()
		}
		return result, core.Errorf(core.KindDispatchConflict, "event sequence %d already applied (next %d)", event.Sequence, rec.nextSeq).
			WithContext("task_id", event.TaskID)
	}

	if event.Sequence > rec.nextSeq {
		if len(rec.pending) >= d.config.SequenceBufferSize {
			if d.metrics != nil {
				d.metrics.EventConflicts.Inc()
			}
			return IngestResult{State: rec.task.State}, core.Errorf(core.KindDispatchConflict, "sequence buffer full, dropping event %d (next %d)", event.Sequence, rec.nextSeq).
				WithContext("task_id", event.TaskID)
		}
		rec.pending[event.Sequence] = event
		result := IngestResult{Buffered: true, State: rec.task.State}
		rec.seen[event.IdempotencyKey] = result
		d.logger.Debug("event buffered task_id=%s sequence=%d next=%d", event.TaskID, event.Sequence, rec.nextSeq)
		return result, nil
	}

	result, err := d.apply(ctx, rec, event, ops)
	rec.seen[event.IdempotencyKey] = result
	if err != nil {
		return result, err
	}

	// Drain any buffered successors now that the gap is filled.
	for {
		next, ok := rec.pending[rec.nextSeq]
		if !ok {
			break
		}
		delete(rec.pending, next.Sequence)
		drained, err := d.apply(ctx, rec, next, ops)
		rec.seen[next.IdempotencyKey] = drained
		if err != nil {
			d.logger.Warn("buffered event failed task_id=%s sequence=%d err=%v", next.TaskID, next.Sequence, err)
			break
		}
	}
	result.State = rec.task.State
	return result, nil
}

// apply advances the state machine for one in-order event. The caller holds
// d.mu. The sequence number is consumed only by accepted (or absorbed)
// events, so a dropped invalid event leaves its slot open for the
// legitimate delivery.
func (d *Dispatcher) apply(ctx context.Context, rec *taskRecord, event core.Event, ops *[]streamOp) (IngestResult, error) {
	next, ok := event.Type.TaskState()
	if !ok {
		return IngestResult{State: rec.task.State}, core.Errorf(core.KindValidation, "unknown event type %s", event.Type)
	}

	// Late events after a terminal transition (e.g. an executor finishing a
	// canceled task) are absorbed as no-ops. A timed-out task additionally
	// tells the executor that its lease lapsed.
	if rec.task.State.Terminal() {
		rec.nextSeq = event.Sequence + 1
		if rec.task.State == core.TaskTimeout {
			return IngestResult{State: rec.task.State}, core.Errorf(core.KindLeaseExpired, "lease for task %s expired before the event arrived", event.TaskID).
				WithContext("task_id", event.TaskID)
		}
		d.logger.Debug("late event absorbed task_id=%s type=%s state=%s", event.TaskID, event.Type, rec.task.State)
		return IngestResult{State: rec.task.State}, nil
	}

	if next != rec.task.State && !rec.task.State.CanTransition(next) {
		if d.metrics != nil {
			d.metrics.EventConflicts.Inc()
		}
		return IngestResult{State: rec.task.State}, core.Errorf(core.KindDispatchConflict, "illegal transition %s -> %s", rec.task.State, next).
			WithContext("task_id", event.TaskID)
	}

	if err := d.store.AppendEvent(ctx, event); err != nil {
		return IngestResult{State: rec.task.State}, fmt.Errorf("failed to append event: %w", err)
	}

	prev := rec.task.State
	rec.task.State = next
	rec.task.Updated = d.now().UTC()
	if event.Type == core.EventTaskCompleted {
		rec.task.Result = event.Payload
	}
	if err := d.store.PutTask(ctx, rec.task); err != nil {
		return IngestResult{State: rec.task.State}, fmt.Errorf("failed to store task: %w", err)
	}
	rec.nextSeq = event.Sequence + 1

	if d.metrics != nil && next != prev {
		d.metrics.TaskTransitions.WithLabelValues(string(next)).Inc()
	}
	d.logger.Debug("event applied task_id=%s type=%s %s -> %s", event.TaskID, event.Type, prev, next)

	if event.Payload != "" || next.Terminal() {
		*ops = append(*ops, streamOp{
			stream: rec.stream,
			chunk: core.Chunk{
				TaskID:  event.TaskID,
				Index:   event.Sequence,
				Content: event.Payload,
				Final:   next.Terminal(),
			},
			final: next.Terminal(),
		})
	}
	return IngestResult{Applied: true, State: next}, nil
}

// flush executes staged stream operations outside the critical section.
// Terminal chunks use the non-blocking path because the stream closes right
// after them.
func (d *Dispatcher) flush(ctx context.Context, ops []streamOp) {
	for _, op := range ops {
		if op.final {
			op.stream.PublishFinal(op.chunk)
			op.stream.Close()
			continue
		}
		if err := op.stream.Publish(ctx, op.chunk); err != nil {
			d.logger.Warn("stream publish failed task_id=%s err=%v", op.chunk.TaskID, err)
		}
	}
}

// Cancel transitions a non-terminal task to canceled and signals the executor
// via the task's cancel channel. Cancellation is cooperative; a late terminal
// event from the executor is absorbed by the event dedup logic. The returned
// bool reports whether the cancellation was accepted.
func (d *Dispatcher) Cancel(ctx context.Context, taskID string) (bool, error) {
	d.mu.Lock()
	rec, ok := d.records[taskID]
	if !ok {
		d.mu.Unlock()
		return false, core.Errorf(core.KindValidation, "unknown task %s", taskID)
	}
	if rec.task.State.Terminal() {
		d.mu.Unlock()
		return false, nil
	}

	prev := rec.task.State
	rec.task.State = core.TaskCanceled
	rec.task.Updated = d.now().UTC()
	if err := d.store.PutTask(ctx, rec.task); err != nil {
		rec.task.State = prev
		d.mu.Unlock()
		return false, fmt.Errorf("failed to store task: %w", err)
	}

	close(rec.cancel)
	stream := rec.stream
	if d.metrics != nil {
		d.metrics.TaskTransitions.WithLabelValues(string(core.TaskCanceled)).Inc()
	}
	d.logger.Info("task canceled task_id=%s from=%s", taskID, prev)
	d.mu.Unlock()

	// Closing outside the lock releases any publisher parked on a full stream.
	stream.Close()
	return true, nil
}

// GetStatus returns a snapshot of the task. Tasks unknown to the in-memory
// arena are looked up in the store so status survives dispatcher restarts.
func (d *Dispatcher) GetStatus(ctx context.Context, taskID string) (*core.Task, error) {
	d.mu.Lock()
	rec, ok := d.records[taskID]
	if ok {
		snapshot := rec.task.Clone()
		d.mu.Unlock()
		return snapshot, nil
	}
	d.mu.Unlock()

	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			return nil, core.Errorf(core.KindValidation, "unknown task %s", taskID)
		}
		return nil, fmt.Errorf("failed to load task: %w", err)
	}
	return task, nil
}

// CancelSignal returns the channel closed when the task is canceled. The
// execution side selects on it for cooperative cancellation.
func (d *Dispatcher) CancelSignal(taskID string) (<-chan struct{}, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[taskID]
	if !ok {
		return nil, core.Errorf(core.KindValidation, "unknown task %s", taskID)
	}
	return rec.cancel, nil
}

// Stream returns the task's bounded output stream.
func (d *Dispatcher) Stream(taskID string) (*core.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[taskID]
	if !ok {
		return nil, core.Errorf(core.KindValidation, "unknown task %s", taskID)
	}
	return rec.stream, nil
}

// Start launches the lease-expiry sweeper. Close stops it.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	d.sweepWG.Add(1)
	go func() {
		defer d.sweepWG.Done()
		ticker := time.NewTicker(d.config.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-d.sweepStop:
				return
			case <-ticker.C:
				d.Sweep(context.Background(), d.now().UTC())
			}
		}
	}()
}

// Close stops the sweeper and waits for it to exit.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	d.started = false
	d.mu.Unlock()

	close(d.sweepStop)
	d.sweepWG.Wait()
}

// Sweep inspects every leased task and handles expired leases: while the
// redispatch budget lasts the task gets a fresh lease and an attempt bump;
// once spent it transitions to timeout. Terminal records past the retention
// window are evicted from the arena; the store keeps their history. Exposed
// so tests can drive expiry deterministically.
func (d *Dispatcher) Sweep(ctx context.Context, now time.Time) {
	var ops []streamOp
	d.mu.Lock()

	for id, rec := range d.records {
		if rec.task.State.Terminal() {
			if now.Sub(rec.task.Updated) >= d.config.TerminalRetention {
				delete(d.records, id)
				d.logger.Debug("terminal record evicted task_id=%s state=%s", id, rec.task.State)
			}
			continue
		}
		lease := core.Lease{TaskID: id, Expiry: rec.task.LeaseExpiry}
		if !lease.Expired(now) {
			continue
		}

		if rec.redispatches < d.config.MaxRedispatches {
			rec.redispatches++
			rec.task.Attempts++
			rec.task.State = core.TaskAccepted
			rec.task.LeaseExpiry = now.Add(d.config.LeaseTTL)
			rec.task.Updated = now
			if err := d.store.PutTask(ctx, rec.task); err != nil {
				d.logger.Error("redispatch persist failed task_id=%s err=%v", id, err)
				continue
			}
			d.logger.Warn("lease expired, redispatching task_id=%s attempt=%d", id, rec.task.Attempts)
			continue
		}

		timeoutEvent := core.NewEvent(id, core.EventTaskTimeout, rec.nextSeq)
		timeoutEvent.InteractionID = rec.task.InteractionID
		timeoutEvent.Status = "lease expired"
		if _, err := d.apply(ctx, rec, timeoutEvent, &ops); err != nil {
			d.logger.Error("timeout transition failed task_id=%s err=%v", id, err)
			continue
		}
		rec.seen[timeoutEvent.IdempotencyKey] = IngestResult{Applied: true, State: core.TaskTimeout}
		d.logger.Warn("lease expired, task timed out task_id=%s attempts=%d", id, rec.task.Attempts)
	}

	d.mu.Unlock()
	d.flush(ctx, ops)
}
