package saga

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/draftea/workspace-manager/shared/logger"
	"github.com/draftea/workspace-manager/shared/telemetry"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

// Listener is told about every run this engine drives to a terminal status
type Listener interface {
	RunCompleted(ctx context.Context, run *Run)
}

// ListenerFunc adapts a function to Listener
type ListenerFunc func(ctx context.Context, run *Run)

func (f ListenerFunc) RunCompleted(ctx context.Context, run *Run) {
	f(ctx, run)
}

type options struct {
	workers      int64
	leaseTTL     time.Duration
	pollInterval time.Duration
	queueSize    int
	instanceID   string
	clock        func() time.Time
}

// Option configures an Engine
type Option func(*options)

func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = int64(n)
		}
	}
}

func WithLeaseTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.leaseTTL = ttl
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

func WithQueueSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

func WithInstanceID(id string) Option {
	return func(o *options) {
		if id != "" {
			o.instanceID = id
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// Engine drives runs from a Store with a bounded pool of workers.
//
// A run is driven by at most one worker at a time, guarded by the store lease.
// A retry backoff ends the drive and schedules a wake-up instead of sleeping.
type Engine struct {
	store     Store
	registry  *Registry
	log       *logger.Logger
	opts      *options
	sem       *semaphore.Weighted
	queue     chan string
	active    *xsync.MapOf[string, struct{}]
	timers    *xsync.MapOf[string, *time.Timer]
	listeners []Listener

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
	busy    atomic.Int64
}

// NewEngine creates an engine; call Start to begin driving runs
func NewEngine(store Store, registry *Registry, log *logger.Logger, opts ...Option) *Engine {
	o := &options{
		workers:      8,
		leaseTTL:     30 * time.Second,
		pollInterval: 5 * time.Second,
		queueSize:    256,
		instanceID:   uuid.New().String(),
		clock:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}

	if log == nil {
		log = logger.Nop()
	}

	return &Engine{
		store:    store,
		registry: registry,
		log:      log.WithField("engine", o.instanceID),
		opts:     o,
		sem:      semaphore.NewWeighted(o.workers),
		queue:    make(chan string, o.queueSize),
		active:   xsync.NewMapOf[string, struct{}](),
		timers:   xsync.NewMapOf[string, *time.Timer](),
	}
}

// InstanceID is the lease holder name of this engine
func (e *Engine) InstanceID() string {
	return e.opts.instanceID
}

// AddListener registers a terminal-run listener. Not safe after Start.
func (e *Engine) AddListener(l Listener) {
	e.listeners = append(e.listeners, l)
}

// Submit validates the operation, persists a new run and schedules it
func (e *Engine) Submit(ctx context.Context, req NewRunRequest) (*Run, error) {
	if req.Inputs == nil {
		req.Inputs = NewMap()
	}

	if _, err := e.registry.Build(req.OperationType, req.Inputs); err != nil {
		return nil, err
	}

	run := NewRun(req, e.now())
	if err := e.store.Create(ctx, run); err != nil {
		return nil, err
	}

	e.log.Infof("run submitted", map[string]interface{}{
		"run_id":         run.ID,
		"operation_type": run.OperationType,
	})

	e.Enqueue(run.ID)
	return run, nil
}

// Start recovers runnable runs and starts the dispatcher and poller
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running.Load() {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running.Store(true)

	recovered, err := e.poll(ctx)
	if err != nil {
		cancel()
		e.running.Store(false)
		return errors.Wrap(err, "failed to recover runs")
	}

	e.log.Infof("engine started", map[string]interface{}{
		"workers":   e.opts.workers,
		"recovered": recovered,
	})

	e.wg.Add(2)
	go e.dispatch(ctx)
	go e.pollLoop(ctx)

	return nil
}

// Stop halts dispatching and waits for in-flight steps to checkpoint
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running.Load() {
		e.mu.Unlock()
		return nil
	}
	e.cancel()
	e.running.Store(false)
	e.mu.Unlock()

	e.timers.Range(func(id string, t *time.Timer) bool {
		t.Stop()
		e.timers.Delete(id)
		return true
	})

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "engine stop timed out")
	}
}

// Enqueue asks the engine to drive a run. A full queue drops the request; the
// poller picks the run up later from the store.
func (e *Engine) Enqueue(id string) {
	select {
	case e.queue <- id:
	default:
		e.log.Debugf("run queue full", map[string]interface{}{"run_id": id})
	}
}

func (e *Engine) dispatch(ctx context.Context) {
	defer e.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case id := <-e.queue:
			if _, busy := e.active.LoadOrStore(id, struct{}{}); busy {
				continue
			}

			if err := e.sem.Acquire(ctx, 1); err != nil {
				e.active.Delete(id)
				return
			}

			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				defer e.sem.Release(1)

				e.busy.Add(1)
				retryAfter := e.drive(ctx, id)
				e.busy.Add(-1)

				e.active.Delete(id)
				if retryAfter > 0 {
					e.wakeAfter(ctx, id, retryAfter)
				}
			}()
		}
	}
}

func (e *Engine) pollLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.opts.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.poll(ctx); err != nil && ctx.Err() == nil {
				e.log.WithError(err).Warn("failed to poll runnable runs")
			}
			telemetry.RecordGauge(ctx, "saga_active_workers", "Workers currently driving a run", float64(e.busy.Load()))
		}
	}
}

func (e *Engine) poll(ctx context.Context) (int, error) {
	ids, err := e.store.ListRunnable(ctx, e.now(), e.opts.queueSize)
	if err != nil {
		return 0, err
	}

	for _, id := range ids {
		if _, busy := e.active.Load(id); busy {
			continue
		}
		e.Enqueue(id)
	}
	return len(ids), nil
}

func (e *Engine) wakeAfter(ctx context.Context, id string, delay time.Duration) {
	if ctx.Err() != nil {
		return
	}

	timer := time.AfterFunc(delay, func() {
		e.timers.Delete(id)
		if ctx.Err() == nil {
			e.Enqueue(id)
		}
	})
	if previous, loaded := e.timers.LoadAndStore(id, timer); loaded {
		previous.Stop()
	}
}

// drive runs steps of one run until it is terminal, needs to wait for a backoff,
// or the engine stops. It returns the delay after which the run should be retried.
func (e *Engine) drive(ctx context.Context, id string) time.Duration {
	run, err := e.store.Claim(ctx, id, e.opts.instanceID, e.opts.leaseTTL, e.now())
	if err != nil {
		if !errors.Is(err, ErrLeaseHeld) && !errors.Is(err, ErrNotRunnable) && !errors.Is(err, ErrRunNotFound) {
			e.log.WithError(err).Warnf("failed to claim run", map[string]interface{}{"run_id": id})
		}
		return 0
	}

	log := e.log.WithField("run_id", run.ID).WithField("operation_type", run.OperationType)

	stopRenew := e.keepLease(ctx, run.ID, log)
	defer func() {
		stopRenew()
		if err := e.store.Release(context.WithoutCancel(ctx), run.ID, e.opts.instanceID); err != nil {
			log.WithError(err).Warn("failed to release run lease")
		}
	}()

	// steps never observe engine shutdown; the loop stops between steps instead
	stepCtx := context.WithoutCancel(ctx)

	def, err := e.registry.Build(run.OperationType, run.Inputs)
	if err == nil && (run.Cursor < 0 || run.Cursor >= def.Len()) {
		err = errors.Wrapf(ErrInvalidDefinition, "cursor %d outside %d steps", run.Cursor, def.Len())
	}
	if err != nil {
		run.markFatal(err, e.now())
		if cpErr := e.store.Checkpoint(stepCtx, run, e.opts.instanceID); cpErr != nil {
			log.WithError(cpErr).Error("failed to checkpoint unbuildable run")
			return 0
		}
		e.logDismal(stepCtx, log, run)
		e.notify(stepCtx, run)
		return 0
	}

	for run.Status == StatusRunning {
		if ctx.Err() != nil {
			return 0
		}

		if wait := run.NextAttemptAt.Sub(e.now()); wait > 0 {
			return wait
		}

		entry := def.Entries[run.Cursor]
		direction := run.Direction
		cursor := run.Cursor

		result := e.invoke(stepCtx, run, entry, log)

		policy := entry.Retry
		if direction == DirectionUndoing {
			policy = entry.UndoRetry
		}
		tr := run.apply(result, def.Len(), policy, e.now())

		fields := map[string]interface{}{
			"step":      entry.Name,
			"cursor":    cursor,
			"direction": string(direction),
			"outcome":   string(result.Outcome),
			"attempt":   run.Attempt,
		}
		if result.Cause != nil {
			fields["cause"] = result.Cause.Error()
		}
		if tr.retryDelay > 0 {
			fields["retry_in"] = tr.retryDelay.String()
		}
		log.Debugf("step finished", fields)

		if err := e.store.Checkpoint(stepCtx, run, e.opts.instanceID); err != nil {
			if errors.Is(err, ErrLeaseLost) {
				log.Warn("lost run lease, abandoning run")
			} else {
				log.WithError(err).Error("failed to checkpoint run")
			}
			return 0
		}

		if tr.dismal {
			e.logDismal(stepCtx, log, run)
		}
	}

	if run.Status == StatusSucceeded || run.Status == StatusFailed {
		fields := map[string]interface{}{"status": string(run.Status)}
		if run.Error != nil {
			fields["error"] = run.Error.Message
		}
		log.Infof("run finished", fields)
	}

	telemetry.RecordCounter(stepCtx, "saga_runs_completed_total", "Runs driven to a terminal status", 1,
		attribute.String("operation", run.OperationType),
		attribute.String("status", string(run.Status)),
	)

	e.notify(stepCtx, run)
	return 0
}

func (e *Engine) invoke(ctx context.Context, run *Run, entry Entry, log *logger.Logger) (result StepResult) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "saga.step",
		trace.WithAttributes(
			attribute.String("run_id", run.ID),
			attribute.String("operation", run.OperationType),
			attribute.String("step", entry.Name),
			attribute.String("direction", string(run.Direction)),
		),
	)
	defer span.End()

	sc := &StepContext{
		RunID:     run.ID,
		StepName:  entry.Name,
		StepIndex: run.Cursor,
		Attempt:   run.Attempt,
		Direction: run.Direction,
		Inputs:    run.Inputs,
		Memory:    run.Memory,
		Logger:    log.WithField("step", entry.Name),
	}

	defer func() {
		if r := recover(); r != nil {
			result = Fatal(&panicError{value: r})
		}
		if result.Cause != nil {
			span.RecordError(result.Cause)
		}

		telemetry.RecordCounter(ctx, "saga_steps_total", "Step invocations", 1,
			attribute.String("operation", run.OperationType),
			attribute.String("step", entry.Name),
			attribute.String("direction", string(sc.Direction)),
			attribute.String("outcome", string(result.Outcome)),
		)
		telemetry.RecordHistogram(ctx, "saga_step_duration_seconds", "Step duration", time.Since(start).Seconds(),
			attribute.String("operation", run.OperationType),
			attribute.String("step", entry.Name),
		)
	}()

	if run.Direction == DirectionForward {
		result = entry.Step.Do(ctx, sc)
	} else {
		result = entry.Step.Undo(ctx, sc)
	}

	switch result.Outcome {
	case OutcomeSuccess, OutcomeRetryableFailure, OutcomeFatalFailure, OutcomeRerun:
	default:
		result = Fatal(errors.Errorf("step %s returned unknown outcome %q", entry.Name, result.Outcome))
	}
	return result
}

func (e *Engine) keepLease(ctx context.Context, id string, log *logger.Logger) func() {
	done := make(chan struct{})
	interval := e.opts.leaseTTL / 3

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := e.store.Renew(ctx, id, e.opts.instanceID, e.opts.leaseTTL, e.now()); err != nil {
					log.WithError(err).Warn("failed to renew run lease")
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
	}
}

func (e *Engine) logDismal(ctx context.Context, log *logger.Logger, run *Run) {
	fields := map[string]interface{}{
		"dismal": true,
		"status": string(run.Status),
		"cursor": run.Cursor,
	}
	if run.Error != nil {
		fields["error"] = run.Error.Message
		fields["causes"] = run.Error.Causes
	}
	log.Errorf("dismal failure: run cannot be compensated, operator intervention required", fields)

	telemetry.RecordCounter(ctx, "saga_dismal_failures_total", "Runs that failed during undo", 1,
		attribute.String("operation", run.OperationType),
	)
}

func (e *Engine) notify(ctx context.Context, run *Run) {
	for _, l := range e.listeners {
		l.RunCompleted(ctx, run.Clone())
	}
}

func (e *Engine) now() time.Time {
	return e.opts.clock()
}
