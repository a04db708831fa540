package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LerianStudio/lib-outbox/internal/nilcheck"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	libLog "github.com/LerianStudio/lib-outbox/log"
	"github.com/LerianStudio/lib-outbox/runtime"
)

const tracerName = "lib-outbox"

// Dispatcher claims eligible events from the store and delivers them to the
// handlers registered for their topic. Any number of dispatchers may share a
// store; claims are exclusive.
type Dispatcher struct {
	store    Store
	handlers *HandlerRegistry
	policy   RetryPolicy
	notifier Notifier
	logger   libLog.Logger
	tracer   trace.Tracer
	cfg      DispatcherConfig
	metrics  *outboxMetrics
	clock    func() time.Time

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	dispatchWg sync.WaitGroup

	draining atomic.Bool
	abortCtx context.Context
	abort    context.CancelFunc
}

// DispatchResult captures one dispatch cycle outcome.
type DispatchResult struct {
	Claimed           int
	Published         int
	Retried           int
	Quarantined       int
	Released          int
	Deferred          int
	Conflicts         int
	StateUpdateFailed int
	// Err is set when the batch could not be claimed.
	Err error
}

// Processed is the number of claimed events that reached an outcome write.
func (result DispatchResult) Processed() int {
	return result.Published + result.Retried + result.Quarantined + result.Deferred + result.Conflicts + result.StateUpdateFailed
}

type dispatchTally struct {
	mu     sync.Mutex
	result DispatchResult
}

func (tally *dispatchTally) add(fn func(result *DispatchResult)) {
	tally.mu.Lock()
	fn(&tally.result)
	tally.mu.Unlock()
}

// NewDispatcher creates a dispatcher over store and handlers.
func NewDispatcher(
	store Store,
	handlers *HandlerRegistry,
	logger libLog.Logger,
	tracer trace.Tracer,
	opts ...DispatcherOption,
) (*Dispatcher, error) {
	if nilcheck.Interface(store) {
		return nil, ErrStoreRequired
	}

	if handlers == nil {
		return nil, ErrHandlerRegistryRequired
	}

	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer(tracerName)
	}

	if nilcheck.Interface(logger) {
		logger = libLog.NewNop()
	}

	dispatcher := &Dispatcher{
		store:    store,
		handlers: handlers,
		policy:   DefaultRetryPolicy(),
		logger:   logger,
		tracer:   tracer,
		cfg:      DefaultDispatcherConfig(),
		clock:    time.Now,
		stop:     make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(dispatcher)
		}
	}

	dispatcher.cfg.normalize()
	dispatcher.policy.normalize()
	dispatcher.abortCtx, dispatcher.abort = context.WithCancel(context.Background())

	metrics, err := newOutboxMetrics(dispatcher.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init outbox metrics: %w", err)
	}

	dispatcher.metrics = metrics

	return dispatcher, nil
}

// Config returns the normalized configuration.
func (dispatcher *Dispatcher) Config() DispatcherConfig {
	return dispatcher.cfg
}

// Policy returns the normalized retry policy.
func (dispatcher *Dispatcher) Policy() RetryPolicy {
	return dispatcher.policy
}

// Run dispatches on every poll tick and wake signal until Stop or Shutdown is
// called or ctx is cancelled. The handler registry is sealed on start.
func (dispatcher *Dispatcher) Run(parentCtx context.Context) error {
	if dispatcher == nil || dispatcher.store == nil || dispatcher.handlers == nil {
		return ErrDispatcherRequired
	}

	if dispatcher.draining.Load() {
		return ErrDispatcherStopped
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	if !dispatcher.registerRun(cancel) {
		cancel()

		return ErrDispatcherRunning
	}

	defer dispatcher.clearRun()

	dispatcher.handlers.Seal()
	dispatcher.checkClaimTimeout(ctx)

	dispatcher.logger.Log(ctx, libLog.LevelInfo, "outbox dispatcher started",
		libLog.String("owner", dispatcher.cfg.Owner),
		libLog.Any("topics", dispatcher.handlers.Topics()),
	)
	defer dispatcher.logger.Log(context.WithoutCancel(ctx), libLog.LevelInfo, "outbox dispatcher stopped")

	defer runtime.RecoverAndLog(ctx, dispatcher.logger, "outbox", "dispatcher_run")

	ticker := time.NewTicker(dispatcher.cfg.PollInterval)
	defer ticker.Stop()

	var wakeups <-chan struct{}
	if dispatcher.notifier != nil {
		wakeups = dispatcher.notifier.Wakeups()
	}

	dispatcher.runCycle(ctx, "outbox.dispatcher.initial_dispatch")

	for {
		select {
		case <-dispatcher.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			dispatcher.runCycle(ctx, "outbox.dispatcher.tick")
		case <-wakeups:
			dispatcher.runCycle(ctx, "outbox.dispatcher.wakeup")
		}
	}
}

// checkClaimTimeout warns when the handlers of one topic, run back to back,
// can outlive a claim. Another dispatcher would then take the event while it
// is still being handled.
func (dispatcher *Dispatcher) checkClaimTimeout(ctx context.Context) bool {
	handlers := max(dispatcher.handlers.MaxHandlersPerTopic(), 1)
	budget := dispatcher.cfg.HandlerTimeout * time.Duration(handlers)

	if dispatcher.cfg.ClaimTimeout > budget {
		return true
	}

	dispatcher.logger.Log(ctx, libLog.LevelWarn,
		"outbox claim timeout does not exceed the worst-case handler time of a topic; slow events may be claimed twice",
		libLog.Duration("claim_timeout", dispatcher.cfg.ClaimTimeout),
		libLog.Duration("handler_timeout", dispatcher.cfg.HandlerTimeout),
		libLog.Int("max_handlers_per_topic", handlers),
	)

	return false
}

func (dispatcher *Dispatcher) runCycle(ctx context.Context, spanName string) {
	select {
	case <-dispatcher.stop:
		return
	case <-ctx.Done():
		return
	default:
	}

	cycleCtx, span := dispatcher.tracer.Start(ctx, spanName)
	defer span.End()
	defer runtime.RecoverAndLog(cycleCtx, dispatcher.logger, "outbox", "dispatcher_cycle")

	dispatcher.DispatchOnce(cycleCtx)
}

// Stop signals the dispatcher loop to stop. In-flight handlers keep running;
// events claimed but not yet started are released.
func (dispatcher *Dispatcher) Stop() {
	if dispatcher == nil {
		return
	}

	dispatcher.stopOnce.Do(func() {
		dispatcher.runStateMu.Lock()
		cancel := dispatcher.cancelFunc
		stop := dispatcher.stop
		dispatcher.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(stop)
	})
}

// Shutdown stops claiming, releases claimed events that have not started and
// waits for in-flight handlers. When ctx expires first, in-flight handlers are
// cancelled and their events released, and the ctx error is returned.
func (dispatcher *Dispatcher) Shutdown(ctx context.Context) error {
	if dispatcher == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	dispatcher.runStateMu.Lock()
	dispatcher.draining.Store(true)
	dispatcher.runStateMu.Unlock()

	dispatcher.Stop()

	done := make(chan struct{})

	runtime.SafeGo(context.WithoutCancel(ctx), dispatcher.logger, "outbox", "dispatcher_shutdown_wait", func(context.Context) {
		dispatcher.dispatchWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	dispatcher.logger.Log(context.WithoutCancel(ctx), libLog.LevelWarn, "outbox dispatcher shutdown deadline reached; cancelling in-flight handlers")
	dispatcher.abort()

	timer := time.NewTimer(dispatcher.cfg.OutcomeWriteTimeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
	}

	return fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
}

// DispatchOnce claims one batch and handles it on the worker pool. It returns
// once every claimed event has an outcome written or has been released.
// Cancelling ctx stops claiming and releases events not yet started.
func (dispatcher *Dispatcher) DispatchOnce(ctx context.Context) DispatchResult {
	if dispatcher == nil || dispatcher.store == nil || dispatcher.handlers == nil {
		return DispatchResult{Err: ErrDispatcherRequired}
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if !dispatcher.beginDispatch() {
		return DispatchResult{Err: ErrDispatcherStopped}
	}
	defer dispatcher.dispatchWg.Done()

	start := dispatcher.clock()

	ctx, span := dispatcher.tracer.Start(ctx, "outbox.dispatch")
	defer span.End()

	events, err := dispatcher.claim(ctx)
	if err != nil {
		recordSpanError(span, "failed to claim outbox events", err)
		libLog.SafeError(dispatcher.logger, ctx, "failed to claim outbox events", err)

		return DispatchResult{Err: err}
	}

	span.SetAttributes(attribute.Int("outbox.batch.size", len(events)))
	dispatcher.metrics.batchSize.Record(ctx, int64(len(events)))

	tally := &dispatchTally{result: DispatchResult{Claimed: len(events)}}

	if len(events) > 0 {
		dispatcher.metrics.claimed.Add(ctx, int64(len(events)))
		dispatcher.runWorkers(ctx, events, tally)
	}

	dispatcher.metrics.dispatchLatency.Record(ctx, dispatcher.clock().Sub(start).Seconds())

	return tally.result
}

func (dispatcher *Dispatcher) beginDispatch() bool {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	if dispatcher.draining.Load() {
		return false
	}

	dispatcher.dispatchWg.Add(1)

	return true
}

func (dispatcher *Dispatcher) claim(ctx context.Context) ([]*Event, error) {
	if ctx.Err() != nil {
		return nil, nil
	}

	now := dispatcher.clock().UTC()

	events, err := dispatcher.store.ClaimBatch(ctx, ClaimRequest{
		BatchQuery: BatchQuery{
			Limit:       dispatcher.cfg.BatchSize,
			Now:         now,
			StaleBefore: now.Add(-dispatcher.cfg.ClaimTimeout),
			MaxAttempts: dispatcher.policy.MaxAttempts,
			Order:       dispatcher.cfg.PriorityOrder,
		},
		Owner: dispatcher.cfg.Owner,
	})
	if err != nil {
		return nil, err
	}

	claimed := events[:0]

	for _, event := range events {
		if event != nil {
			claimed = append(claimed, event)
		}
	}

	SortForDispatch(claimed, dispatcher.cfg.PriorityOrder)

	return claimed, nil
}

// runWorkers feeds events in dispatch order to at most Workers goroutines.
func (dispatcher *Dispatcher) runWorkers(ctx context.Context, events []*Event, tally *dispatchTally) {
	queue := make(chan *Event)
	workers := min(dispatcher.cfg.Workers, len(events))

	var wg sync.WaitGroup

	for range workers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for event := range queue {
				dispatcher.handleClaimed(ctx, event, tally)
			}
		}()
	}

	for _, event := range events {
		queue <- event
	}

	close(queue)
	wg.Wait()
}

func (dispatcher *Dispatcher) handleClaimed(ctx context.Context, event *Event, tally *dispatchTally) {
	defer runtime.RecoverAndLog(ctx, dispatcher.logger, "outbox", "dispatcher_event")

	if dispatcher.draining.Load() || ctx.Err() != nil || dispatcher.aborted() {
		dispatcher.release(ctx, event, tally)

		return
	}

	dispatcher.processEvent(ctx, event, tally)
}

func (dispatcher *Dispatcher) processEvent(ctx context.Context, event *Event, tally *dispatchTally) {
	ctx, span := dispatcher.tracer.Start(ctx, "outbox.event", trace.WithAttributes(
		attribute.String("outbox.event.id", event.ID.String()),
		attribute.String("outbox.event.topic", event.Topic),
		attribute.Int("outbox.event.attempt", event.AttemptCount),
	))
	defer span.End()

	logger := dispatcher.logger.With(
		libLog.String("event_id", event.ID.String()),
		libLog.String("topic", event.Topic),
		libLog.Int("attempt", event.AttemptCount),
	)

	handlers := dispatcher.handlers.Resolve(event.Topic)
	if len(handlers) == 0 {
		logger.Log(ctx, libLog.LevelDebug, "no handler registered for topic; marking event published")
	}

	handlerCtx, cancel := dispatcher.handlerContext(ctx)
	defer cancel()

	outcome := OutcomeSuccess

	var failures []error

	for index, handler := range handlers {
		err := dispatcher.invoke(handlerCtx, handler, event)
		if err == nil {
			continue
		}

		classified := dispatcher.policy.Classify(err)
		outcome = outcome.Worse(classified)
		failures = append(failures, fmt.Errorf("handler %d: %w", index, err))

		logger.Log(ctx, libLog.LevelWarn, "outbox handler failed",
			libLog.Int("handler", index),
			libLog.String("outcome", classified.String()),
			libLog.String("error", SanitizeLastError(err)),
		)
	}

	cause := errors.Join(failures...)

	if outcome != OutcomeSuccess && dispatcher.aborted() {
		dispatcher.release(ctx, event, tally)

		return
	}

	decision := dispatcher.policy.DecideOutcome(event, outcome, dispatcher.clock())
	if outcome == OutcomeRecoverable && IsDeferrable(failures) {
		decision = dispatcher.policy.DecideDeferred(dispatcher.clock())
	}

	span.SetAttributes(attribute.String("outbox.decision", decision.Kind.String()))

	if cause != nil {
		recordSpanError(span, "outbox event handling failed", cause)
	}

	dispatcher.applyDecision(ctx, logger, event, decision, cause, tally)
}

// handlerContext keeps ctx values but detaches cancellation, so stopping the
// loop lets running handlers finish. Only the shutdown abort cancels it.
func (dispatcher *Dispatcher) handlerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	handlerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stopAfter := context.AfterFunc(dispatcher.abortCtx, cancel)

	return handlerCtx, func() {
		stopAfter()
		cancel()
	}
}

// invoke runs one handler under HandlerTimeout. A handler that ignores its
// context is abandoned when the timeout fires.
func (dispatcher *Dispatcher) invoke(ctx context.Context, handler Handler, event *Event) error {
	invokeCtx, cancel := context.WithTimeout(ctx, dispatcher.cfg.HandlerTimeout)
	defer cancel()

	start := dispatcher.clock()
	done := make(chan error, 1)
	delivered := event.Clone()

	go func() {
		done <- runtime.Call(func() error {
			return handler.Handle(invokeCtx, delivered)
		})
	}()

	var err error

	select {
	case err = <-done:
	case <-invokeCtx.Done():
		if errors.Is(invokeCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s", ErrHandlerTimeout, dispatcher.cfg.HandlerTimeout)
		} else {
			err = fmt.Errorf("handler interrupted: %w", invokeCtx.Err())
		}
	}

	dispatcher.metrics.handlerLatency.Record(ctx, dispatcher.clock().Sub(start).Seconds(), topicAttr(event.Topic))

	return err
}

func (dispatcher *Dispatcher) applyDecision(
	ctx context.Context,
	logger libLog.Logger,
	event *Event,
	decision Decision,
	cause error,
	tally *dispatchTally,
) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dispatcher.cfg.OutcomeWriteTimeout)
	defer cancel()

	claim := event.Claim()

	var err error

	switch decision.Kind {
	case DecisionPublish:
		err = dispatcher.store.MarkPublished(writeCtx, claim, dispatcher.clock().UTC())
	case DecisionRetry:
		err = dispatcher.store.MarkFailedRetry(writeCtx, claim, SanitizeLastError(cause), decision.NotBefore)
	case DecisionDefer:
		err = dispatcher.store.Defer(writeCtx, claim, SanitizeLastError(cause), decision.NotBefore)
	case DecisionQuarantine:
		err = dispatcher.store.MarkFailedPermanently(writeCtx, claim, SanitizeLastError(cause))
		if err == nil {
			logger.Log(ctx, libLog.LevelError, "outbox event quarantined",
				libLog.String("outcome", decision.Outcome.String()),
				libLog.String("error", SanitizeLastError(cause)),
			)
		}
	}

	switch {
	case errors.Is(err, ErrClaimConflict):
		logger.Log(ctx, libLog.LevelWarn, "outbox claim lost before outcome was recorded", libLog.String("decision", decision.Kind.String()))
		dispatcher.metrics.claimConflicts.Add(ctx, 1, topicAttr(event.Topic))
		tally.add(func(result *DispatchResult) { result.Conflicts++ })
	case err != nil:
		logger.Log(ctx, libLog.LevelError, "failed to record outbox outcome; event will be reclaimed after the claim timeout",
			libLog.String("decision", decision.Kind.String()),
			libLog.String("error", SanitizeLastError(err)),
		)
		dispatcher.metrics.stateUpdateFailures.Add(ctx, 1, topicAttr(event.Topic))
		tally.add(func(result *DispatchResult) { result.StateUpdateFailed++ })
	default:
		dispatcher.metrics.addOutcome(ctx, decision.Kind, event.Topic)
		tally.add(func(result *DispatchResult) {
			switch decision.Kind {
			case DecisionPublish:
				result.Published++
			case DecisionRetry:
				result.Retried++
			case DecisionQuarantine:
				result.Quarantined++
			case DecisionDefer:
				result.Deferred++
			}
		})
	}
}

func (dispatcher *Dispatcher) release(ctx context.Context, event *Event, tally *dispatchTally) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dispatcher.cfg.OutcomeWriteTimeout)
	defer cancel()

	if err := dispatcher.store.Release(writeCtx, event.Claim()); err != nil {
		dispatcher.logger.Log(ctx, libLog.LevelError, "failed to release outbox claim",
			libLog.String("event_id", event.ID.String()),
			libLog.String("error", SanitizeLastError(err)),
		)

		return
	}

	dispatcher.metrics.released.Add(ctx, 1, topicAttr(event.Topic))
	tally.add(func(result *DispatchResult) { result.Released++ })
}

func (dispatcher *Dispatcher) aborted() bool {
	return dispatcher.abortCtx.Err() != nil
}

func (dispatcher *Dispatcher) registerRun(cancel context.CancelFunc) bool {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	if dispatcher.running {
		return false
	}

	if dispatcher.stop == nil || isClosedSignal(dispatcher.stop) {
		dispatcher.stop = make(chan struct{})
		dispatcher.stopOnce = sync.Once{}
	}

	dispatcher.running = true
	dispatcher.cancelFunc = cancel

	return true
}

func (dispatcher *Dispatcher) clearRun() {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	dispatcher.running = false
	dispatcher.cancelFunc = nil
}

func isClosedSignal(signal <-chan struct{}) bool {
	if signal == nil {
		return false
	}

	select {
	case <-signal:
		return true
	default:
		return false
	}
}

func recordSpanError(span trace.Span, msg string, err error) {
	if span == nil || err == nil {
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
}
