package outbox

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "lib-outbox"

const (
	metricEventsClaimed       = "outbox.events.claimed"
	metricEventsPublished     = "outbox.events.published"
	metricEventsRetried       = "outbox.events.retried"
	metricEventsQuarantined   = "outbox.events.quarantined"
	metricEventsReleased      = "outbox.events.released"
	metricEventsDeferred      = "outbox.events.deferred"
	metricEventsReclaimed     = "outbox.events.reclaimed"
	metricClaimConflicts      = "outbox.events.claim_conflicts"
	metricStateUpdateFailures = "outbox.events.state_update_failed"
	metricDispatchLatency     = "outbox.dispatch.latency"
	metricHandlerLatency      = "outbox.handler.latency"
	metricBatchSize           = "outbox.batch.size"
)

type outboxMetrics struct {
	claimed             metric.Int64Counter
	published           metric.Int64Counter
	retried             metric.Int64Counter
	quarantined         metric.Int64Counter
	released            metric.Int64Counter
	deferred            metric.Int64Counter
	reclaimed           metric.Int64Counter
	claimConflicts      metric.Int64Counter
	stateUpdateFailures metric.Int64Counter
	dispatchLatency     metric.Float64Histogram
	handlerLatency      metric.Float64Histogram
	batchSize           metric.Int64Gauge
}

func newOutboxMetrics(provider metric.MeterProvider) (*outboxMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter(meterName)
	metrics := &outboxMetrics{}

	counters := []struct {
		target      *metric.Int64Counter
		name        string
		description string
	}{
		{&metrics.claimed, metricEventsClaimed, "Number of outbox events claimed for dispatch"},
		{&metrics.published, metricEventsPublished, "Number of outbox events marked published"},
		{&metrics.retried, metricEventsRetried, "Number of outbox events scheduled for another attempt"},
		{&metrics.quarantined, metricEventsQuarantined, "Number of outbox events moved to failed-permanently"},
		{&metrics.released, metricEventsReleased, "Number of claimed outbox events released without an outcome"},
		{&metrics.deferred, metricEventsDeferred, "Number of outbox events deferred by an open circuit without spending an attempt"},
		{&metrics.reclaimed, metricEventsReclaimed, "Number of stuck in-process outbox events swept"},
		{&metrics.claimConflicts, metricClaimConflicts, "Number of outcome writes rejected because the claim was lost"},
		{&metrics.stateUpdateFailures, metricStateUpdateFailures, "Number of outcome writes that failed"},
	}

	for _, counter := range counters {
		instrument, err := meter.Int64Counter(
			counter.name,
			metric.WithDescription(counter.description),
			metric.WithUnit("{event}"),
		)
		if err != nil {
			return nil, fmt.Errorf("create %s counter: %w", counter.name, err)
		}

		*counter.target = instrument
	}

	var err error

	metrics.dispatchLatency, err = meter.Float64Histogram(
		metricDispatchLatency,
		metric.WithDescription("Time taken per dispatch cycle"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s histogram: %w", metricDispatchLatency, err)
	}

	metrics.handlerLatency, err = meter.Float64Histogram(
		metricHandlerLatency,
		metric.WithDescription("Time taken by one handler invocation"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s histogram: %w", metricHandlerLatency, err)
	}

	metrics.batchSize, err = meter.Int64Gauge(
		metricBatchSize,
		metric.WithDescription("Number of outbox events claimed in the last dispatch cycle"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s gauge: %w", metricBatchSize, err)
	}

	return metrics, nil
}

func topicAttr(topic string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("topic", topic))
}

func (metrics *outboxMetrics) addOutcome(ctx context.Context, kind DecisionKind, topic string) {
	switch kind {
	case DecisionPublish:
		metrics.published.Add(ctx, 1, topicAttr(topic))
	case DecisionRetry:
		metrics.retried.Add(ctx, 1, topicAttr(topic))
	case DecisionQuarantine:
		metrics.quarantined.Add(ctx, 1, topicAttr(topic))
	case DecisionDefer:
		metrics.deferred.Add(ctx, 1, topicAttr(topic))
	}
}

func (metrics *outboxMetrics) addSweep(ctx context.Context, result SweepResult) {
	if result.Requeued > 0 {
		metrics.reclaimed.Add(ctx, int64(result.Requeued), metric.WithAttributes(attribute.String("result", "requeued")))
	}

	if result.Quarantined > 0 {
		metrics.reclaimed.Add(ctx, int64(result.Quarantined), metric.WithAttributes(attribute.String("result", "quarantined")))
		metrics.quarantined.Add(ctx, int64(result.Quarantined), metric.WithAttributes(attribute.String("source", "sweep")))
	}
}
