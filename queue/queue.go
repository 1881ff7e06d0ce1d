// Package queue runs query, retrieve and store operations against remote
// archives on a fixed pool of workers.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	pacscache "github.com/wolfeidau/pacs-cache"
	"github.com/wolfeidau/pacs-cache/cache"
	"github.com/wolfeidau/pacs-cache/registry"
	"github.com/wolfeidau/pacs-cache/telemetry"
	"github.com/wolfeidau/pacs-cache/transport"
)

const (
	// MaxConcurrent is the upper bound on simultaneous operations.
	MaxConcurrent = 15

	// DefaultReserveBytes is reserved for a retrieval of unknown size. The
	// reservation grows as instances arrive.
	DefaultReserveBytes int64 = 512 << 20

	// Every operation emits at most three events per subscriber: the replayed
	// state, the running state and the terminal state.
	eventBuffer = 4
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("queue: closed")

// errTimeout is the cancellation cause of an operation that ran out of time.
var errTimeout = errors.New("operation timed out")

// Config configures a Queue.
type Config struct {
	// MaxConcurrent bounds the operations running at once (1-15).
	MaxConcurrent int

	// Timeout aborts an operation's transfer. Zero disables it.
	Timeout time.Duration

	// DefaultReserveBytes is reserved for retrievals whose size is unknown.
	DefaultReserveBytes int64

	Logger *slog.Logger
	Now    func() time.Time
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:       4,
		Timeout:             10 * time.Minute,
		DefaultReserveBytes: DefaultReserveBytes,
	}
}

// op is the mutable record behind an Operation. Guarded by Queue.mu.
type op struct {
	Operation

	req    Request
	node   registry.Node
	ctx    context.Context
	cancel context.CancelCauseFunc
	subs   []chan Event
}

// Queue executes operations. Requests beyond MaxConcurrent wait in FIFO order.
type Queue struct {
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
	cache     *cache.Store
	registry  *registry.Registry
	transport transport.Transport

	mu      sync.Mutex
	cond    *sync.Cond
	ops     map[string]*op
	order   []string
	pending []*op
	running int
	closed  bool

	baseCtx   context.Context
	cancelAll context.CancelCauseFunc
	wg        sync.WaitGroup
}

// New starts a queue with cfg.MaxConcurrent workers.
func New(cfg Config, store *cache.Store, reg *registry.Registry, tr transport.Transport) (*Queue, error) {
	if cfg.MaxConcurrent < 1 || cfg.MaxConcurrent > MaxConcurrent {
		return nil, pacscache.Invalid("max_concurrent", "%d is outside 1-%d", cfg.MaxConcurrent, MaxConcurrent)
	}
	if cfg.Timeout < 0 {
		return nil, pacscache.Invalid("timeout", "must not be negative")
	}
	if cfg.DefaultReserveBytes <= 0 {
		cfg.DefaultReserveBytes = DefaultReserveBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if store == nil || reg == nil || tr == nil {
		return nil, errors.New("queue: cache, registry and transport are required")
	}

	q := &Queue{
		cfg:       cfg,
		logger:    cfg.Logger.With("component", "queue"),
		now:       cfg.Now,
		cache:     store,
		registry:  reg,
		transport: tr,
		ops:       make(map[string]*op),
	}
	q.cond = sync.NewCond(&q.mu)
	q.baseCtx, q.cancelAll = context.WithCancelCause(context.Background())

	for range cfg.MaxConcurrent {
		q.wg.Add(1)
		go q.worker()
	}

	q.logger.Info("started operation queue", "max_concurrent", cfg.MaxConcurrent, "timeout", cfg.Timeout)
	return q, nil
}

// Handle refers to a submitted operation.
type Handle struct {
	ID string
	q  *Queue
}

// Operation returns the current snapshot.
func (h *Handle) Operation() (Operation, error) {
	return h.q.Get(h.ID)
}

// Events subscribes to the operation, replaying its current state.
func (h *Handle) Events(ctx context.Context) (<-chan Event, error) {
	return h.q.Subscribe(ctx, h.ID, true)
}

// Cancel cancels the operation.
func (h *Handle) Cancel() error {
	return h.q.Cancel(h.ID)
}

// Wait blocks until the operation is terminal or ctx is done.
func (h *Handle) Wait(ctx context.Context) (Operation, error) {
	events, err := h.Events(ctx)
	if err != nil {
		return Operation{}, err
	}
	for range events {
	}
	if err := ctx.Err(); err != nil {
		return Operation{}, err
	}
	return h.Operation()
}

// Submit validates req and enqueues it. Invalid requests are rejected here
// and never enter the queue.
func (q *Queue) Submit(ctx context.Context, req Request) (*Handle, error) {
	node, err := q.validate(ctx, req)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}

	o := &op{
		Operation: Operation{
			ID:        uuid.NewString(),
			Direction: req.Direction,
			Target:    node.AETitle,
			StudyUID:  req.StudyUID,
			SeriesUID: req.SeriesUID,
			State:     Pending,
			CreatedAt: q.now(),
		},
		req:  req,
		node: node,
	}
	q.ops[o.ID] = o
	q.order = append(q.order, o.ID)
	q.pending = append(q.pending, o)
	q.cond.Signal()
	q.updateDepthLocked()

	q.logger.Info("submitted operation",
		"operation_id", o.ID,
		"direction", req.Direction,
		"target", node.AETitle,
		"study_uid", req.StudyUID,
		"series_uid", req.SeriesUID,
	)
	return &Handle{ID: o.ID, q: q}, nil
}

func (q *Queue) validate(ctx context.Context, req Request) (registry.Node, error) {
	switch req.Direction {
	case Query, Retrieve, Store:
	default:
		return registry.Node{}, pacscache.Invalid("direction", "unknown direction %q", req.Direction)
	}

	if req.Direction != Query || req.StudyUID != "" {
		if err := pacscache.ValidateUID("study_uid", req.StudyUID); err != nil {
			return registry.Node{}, err
		}
	}
	if req.SeriesUID != "" {
		if err := pacscache.ValidateUID("series_uid", req.SeriesUID); err != nil {
			return registry.Node{}, err
		}
	}
	if req.EstimatedBytes < 0 {
		return registry.Node{}, pacscache.Invalid("estimated_bytes", "must not be negative")
	}

	var ref string
	switch {
	case req.Direction == Store && len(req.Targets) != 1:
		return registry.Node{}, pacscache.Invalid("targets", "store requires exactly one target PACS, got %d", len(req.Targets))
	case len(req.Targets) > 1:
		return registry.Node{}, pacscache.Invalid("targets", "at most one target PACS, got %d", len(req.Targets))
	case len(req.Targets) == 1:
		ref = req.Targets[0]
	}
	node, err := q.registry.Resolve(ref)
	if err != nil {
		return registry.Node{}, err
	}

	if req.Direction == Store {
		if _, err := q.cache.Get(ctx, req.StudyUID); err != nil {
			return registry.Node{}, fmt.Errorf("storing %s: %w", req.StudyUID, err)
		}
	}
	return node, nil
}

// Get returns a snapshot of the operation.
func (q *Queue) Get(id string) (Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	o, ok := q.ops[id]
	if !ok {
		return Operation{}, fmt.Errorf("operation %s: %w", id, pacscache.ErrNotFound)
	}
	return o.Operation, nil
}

// List returns every operation in submission order.
func (q *Queue) List() []Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	ops := make([]Operation, 0, len(q.order))
	for _, id := range q.order {
		ops = append(ops, q.ops[id].Operation)
	}
	return ops
}

// Clear forgets terminal operations and returns how many were removed.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.order[:0]
	removed := 0
	for _, id := range q.order {
		if q.ops[id].State.Terminal() {
			delete(q.ops, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	q.order = kept
	return removed
}

// Cancel stops an operation. A pending operation leaves the queue at once; a
// running one has its context cancelled and fails when its transfer stops.
// Cancelling a finished operation does nothing.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	o, ok := q.ops[id]
	if !ok {
		return fmt.Errorf("operation %s: %w", id, pacscache.ErrNotFound)
	}
	switch {
	case o.State.Terminal():
		return nil
	case o.cancel != nil:
		o.cancel(pacscache.ErrCancelled)
		q.logger.Info("cancelling running operation", "operation_id", id)
	default:
		q.pending = slices.DeleteFunc(q.pending, func(p *op) bool { return p == o })
		q.setStateLocked(o, Failed, "cancelled", pacscache.ErrCancelled)
		q.updateDepthLocked()
		q.logger.Info("cancelled pending operation", "operation_id", id)
	}
	return nil
}

// Subscribe returns a channel of o's state changes. With replay the current
// state is sent first. The channel is closed after the terminal event or
// when ctx is done.
func (q *Queue) Subscribe(ctx context.Context, id string, replay bool) (<-chan Event, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	o, ok := q.ops[id]
	if !ok {
		return nil, fmt.Errorf("operation %s: %w", id, pacscache.ErrNotFound)
	}

	ch := make(chan Event, eventBuffer)
	if replay {
		ch <- o.event()
	}
	if o.State.Terminal() {
		close(ch)
		return ch, nil
	}

	o.subs = append(o.subs, ch)
	context.AfterFunc(ctx, func() {
		q.unsubscribe(o, ch)
	})
	return ch, nil
}

func (q *Queue) unsubscribe(o *op, ch chan Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := slices.Index(o.subs, ch)
	if i < 0 {
		return
	}
	o.subs = slices.Delete(o.subs, i, i+1)
	close(ch)
}

// Close cancels pending and running operations and waits for the workers to
// exit or ctx to end.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	for _, o := range q.pending {
		q.setStateLocked(o, Failed, "cancelled", pacscache.ErrCancelled)
	}
	q.pending = nil
	q.cond.Broadcast()
	q.mu.Unlock()

	q.cancelAll(pacscache.ErrCancelled)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.logger.Info("stopped operation queue")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *op) event() Event {
	t := o.CreatedAt
	switch {
	case !o.FinishedAt.IsZero():
		t = o.FinishedAt
	case !o.StartedAt.IsZero():
		t = o.StartedAt
	}
	return Event{OperationID: o.ID, State: o.State, Time: t, Message: o.Message}
}

// transition moves o to state and notifies subscribers.
func (q *Queue) transition(o *op, state State, msg string, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.setStateLocked(o, state, msg, err)
}

// setStateLocked applies a transition. Terminal states are final. Callers
// hold mu.
func (q *Queue) setStateLocked(o *op, state State, msg string, err error) {
	if o.State.Terminal() {
		return
	}
	now := q.now()
	o.State = state
	o.Message = msg
	o.Err = err
	if state.Terminal() {
		o.FinishedAt = now
	} else if o.StartedAt.IsZero() {
		o.StartedAt = now
	}

	ev := Event{OperationID: o.ID, State: state, Time: now, Message: msg}
	for _, ch := range o.subs {
		select {
		case ch <- ev:
		default:
			q.logger.Warn("dropped operation event", "operation_id", o.ID, "state", state)
		}
	}
	if state.Terminal() {
		for _, ch := range o.subs {
			close(ch)
		}
		o.subs = nil
	}
}

func (q *Queue) updateDepthLocked() {
	telemetry.UpdateQueueDepth(context.Background(), len(q.pending), q.running)
}

// dequeue blocks until an operation is pending or the queue closes.
func (q *Queue) dequeue() (*op, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.pending) == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return nil, false
	}

	o := q.pending[0]
	q.pending = q.pending[1:]

	ctx, cancel := context.WithCancelCause(q.baseCtx)
	if q.cfg.Timeout > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeoutCause(ctx, q.cfg.Timeout, errTimeout)
		inner := cancel
		cancel = func(cause error) {
			inner(cause)
			stop()
		}
	}
	o.ctx = telemetry.WithOperation(ctx, o.ID, string(o.Direction))
	o.cancel = cancel
	q.running++
	q.updateDepthLocked()
	return o, true
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		o, ok := q.dequeue()
		if !ok {
			return
		}
		q.execute(o)
	}
}

func (q *Queue) execute(o *op) {
	ctx := o.ctx
	start := time.Now()

	var err error
	switch o.Direction {
	case Query:
		err = q.runQuery(ctx, o)
	case Retrieve:
		err = q.runRetrieve(ctx, o)
	case Store:
		err = q.runStore(ctx, o)
	}

	if err != nil {
		err = categorize(ctx, err)
		q.transition(o, Failed, describe(err), err)
	}

	q.mu.Lock()
	o.cancel(nil)
	o.cancel = nil
	o.ctx = nil
	q.running--
	q.updateDepthLocked()
	snapshot := o.Operation
	q.mu.Unlock()

	telemetry.RecordOperation(ctx, string(o.Direction), outcome(err), time.Since(start))

	attrs := []any{
		"operation_id", snapshot.ID,
		"direction", snapshot.Direction,
		"target", snapshot.Target,
		"state", snapshot.State,
		"duration", time.Since(start),
	}
	if err != nil {
		q.logger.Warn("operation failed", append(attrs, "message", snapshot.Message)...)
		return
	}
	q.logger.Info("operation finished", append(attrs, "message", snapshot.Message)...)
}
