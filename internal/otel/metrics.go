package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all axonstream metrics instruments.
type Metrics struct {
	RequestDuration  metric.Float64Histogram
	TaskDuration     metric.Float64Histogram
	AdapterDuration  metric.Float64Histogram
	AdapterErrors    metric.Int64Counter
	TasksRunning     metric.Int64UpDownCounter
	TasksSubmitted   metric.Int64Counter
	EventsAppended   metric.Int64Counter
	StreamBytes      metric.Int64Counter
	ReceiptsIssued   metric.Int64Counter
	RateLimitRejects metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("axonstream.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("axonstream.task.duration",
		metric.WithDescription("Task processing duration in seconds, from claim to terminal state"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.AdapterDuration, err = meter.Float64Histogram("axonstream.adapter.duration",
		metric.WithDescription("Adapter invocation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.AdapterErrors, err = meter.Int64Counter("axonstream.adapter.errors",
		metric.WithDescription("Adapter invocation error count, by failure kind"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksRunning, err = meter.Int64UpDownCounter("axonstream.task.running",
		metric.WithDescription("Number of tasks currently claimed by a worker"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksSubmitted, err = meter.Int64Counter("axonstream.task.submitted",
		metric.WithDescription("Total tasks submitted"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsAppended, err = meter.Int64Counter("axonstream.event.appended",
		metric.WithDescription("Total events appended to the durable log"),
	)
	if err != nil {
		return nil, err
	}

	m.StreamBytes, err = meter.Int64Counter("axonstream.stream.bytes",
		metric.WithDescription("Total bytes delivered over event streams"),
	)
	if err != nil {
		return nil, err
	}

	m.ReceiptsIssued, err = meter.Int64Counter("axonstream.receipt.issued",
		metric.WithDescription("Total signed receipts issued"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("axonstream.ratelimit.rejects",
		metric.WithDescription("Requests rejected by the quota gate"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
