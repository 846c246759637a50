package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all valet metric instruments.
type Metrics struct {
	TurnsStarted       metric.Int64Counter
	TurnsFailed        metric.Int64Counter
	TurnDuration       metric.Float64Histogram
	EngineAttempts     metric.Int64Counter
	EngineCrashes      metric.Int64Counter
	JobsSpawned        metric.Int64Counter
	JobDuration        metric.Float64Histogram
	ApprovalsRequested metric.Int64Counter
	ApprovalTimeouts   metric.Int64Counter
	StreamEdits        metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TurnsStarted, err = meter.Int64Counter("valet.turns.started",
		metric.WithDescription("User turns received"),
	)
	if err != nil {
		return nil, err
	}

	m.TurnsFailed, err = meter.Int64Counter("valet.turns.failed",
		metric.WithDescription("User turns ending without an engine answer"),
	)
	if err != nil {
		return nil, err
	}

	m.TurnDuration, err = meter.Float64Histogram("valet.turn.duration",
		metric.WithDescription("End-to-end turn duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.EngineAttempts, err = meter.Int64Counter("valet.engine.attempts",
		metric.WithDescription("Engine invocation attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.EngineCrashes, err = meter.Int64Counter("valet.engine.crashes",
		metric.WithDescription("Engine attempts ending in an abnormal exit"),
	)
	if err != nil {
		return nil, err
	}

	m.JobsSpawned, err = meter.Int64Counter("valet.jobs.spawned",
		metric.WithDescription("Background jobs spawned"),
	)
	if err != nil {
		return nil, err
	}

	m.JobDuration, err = meter.Float64Histogram("valet.job.duration",
		metric.WithDescription("Background job wall time in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ApprovalsRequested, err = meter.Int64Counter("valet.approvals.requested",
		metric.WithDescription("Permission requests surfaced to the user"),
	)
	if err != nil {
		return nil, err
	}

	m.ApprovalTimeouts, err = meter.Int64Counter("valet.approvals.timeouts",
		metric.WithDescription("Permission requests denied by expiry"),
	)
	if err != nil {
		return nil, err
	}

	m.StreamEdits, err = meter.Int64Counter("valet.stream.updates",
		metric.WithDescription("Streamed partial reply updates"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
