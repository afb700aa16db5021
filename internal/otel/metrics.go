package otel

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	initMetricsOnce      sync.Once
	wakeCyclesCounter    metric.Int64Counter
	wakeDuration         metric.Float64Histogram
	classificationsTotal metric.Int64Counter
	taskOpsCounter       metric.Int64Counter
	notificationsTotal   metric.Int64Counter
	sseEventsCounter     metric.Int64Counter
	sseConnectionsGauge  metric.Int64ObservableGauge
	sseConnections       int64
	sseConnectionsMu     sync.Mutex
)

// InitMetrics creates the meter instruments. Safe to call multiple times;
// only runs once. Call after InitMeterProvider.
func InitMetrics(ctx context.Context) error {
	var err error
	initMetricsOnce.Do(func() {
		m := Meter()
		wakeCyclesCounter, err = m.Int64Counter("waked_wake_cycles_total", metric.WithDescription("Total wake cycles by outcome"))
		if err != nil {
			return
		}
		wakeDuration, err = m.Float64Histogram("waked_wake_duration_seconds", metric.WithDescription("Wake cycle duration in seconds"))
		if err != nil {
			return
		}
		classificationsTotal, err = m.Int64Counter("waked_classifications_total", metric.WithDescription("Total constitution classifications by decision"))
		if err != nil {
			return
		}
		taskOpsCounter, err = m.Int64Counter("waked_task_operations_total", metric.WithDescription("Total task operations (add, transition, etc.)"))
		if err != nil {
			return
		}
		notificationsTotal, err = m.Int64Counter("waked_notifications_total", metric.WithDescription("Total notification attempts by result"))
		if err != nil {
			return
		}
		sseEventsCounter, err = m.Int64Counter("waked_sse_events_total", metric.WithDescription("Total SSE events published"))
		if err != nil {
			return
		}
		sseConnectionsGauge, err = m.Int64ObservableGauge("waked_sse_connections", metric.WithDescription("Current SSE subscriber count"))
		if err != nil {
			return
		}
		_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			sseConnectionsMu.Lock()
			n := sseConnections
			sseConnectionsMu.Unlock()
			o.ObserveInt64(sseConnectionsGauge, n)
			return nil
		}, sseConnectionsGauge)
		if err != nil {
			return
		}
	})
	return err
}

// RecordWake records one completed wake cycle and its duration.
func RecordWake(ctx context.Context, outcome string, d time.Duration) {
	if wakeCyclesCounter == nil {
		return
	}
	wakeCyclesCounter.Add(ctx, 1, metric.WithAttributes(AttrOutcome.String(outcome)))
	if wakeDuration != nil {
		wakeDuration.Record(ctx, d.Seconds(), metric.WithAttributes(AttrOutcome.String(outcome)))
	}
}

// RecordClassification records a constitution decision.
func RecordClassification(ctx context.Context, classification string) {
	if classificationsTotal == nil {
		return
	}
	classificationsTotal.Add(ctx, 1, metric.WithAttributes(AttrClassification.String(classification)))
}

// RecordTaskOp records a task operation (add, transition, etc.).
func RecordTaskOp(ctx context.Context, op string, status string) {
	if taskOpsCounter == nil {
		return
	}
	taskOpsCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
		AttrStatus.String(status),
	))
}

// RecordNotification records a notification attempt.
func RecordNotification(ctx context.Context, ok bool) {
	if notificationsTotal == nil {
		return
	}
	result := "sent"
	if !ok {
		result = "failed"
	}
	notificationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordSSEEvent records one published SSE event.
func RecordSSEEvent(ctx context.Context) {
	if sseEventsCounter == nil {
		return
	}
	sseEventsCounter.Add(ctx, 1)
}

// AddSSEConnection / RemoveSSEConnection track the subscriber gauge.
func AddSSEConnection() {
	sseConnectionsMu.Lock()
	sseConnections++
	sseConnectionsMu.Unlock()
}

func RemoveSSEConnection() {
	sseConnectionsMu.Lock()
	if sseConnections > 0 {
		sseConnections--
	}
	sseConnectionsMu.Unlock()
}
