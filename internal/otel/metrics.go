package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the go-paw instruments.
type Metrics struct {
	ActionDuration   metric.Float64Histogram
	ActionRejects    metric.Int64Counter
	LLMCallDuration  metric.Float64Histogram
	LLMCallErrors    metric.Int64Counter
	AgentRuns        metric.Int64Counter
	AgentPanics      metric.Int64Counter
	ToolCallDuration metric.Float64Histogram
	ToolCallErrors   metric.Int64Counter
	WSConnections    metric.Int64UpDownCounter
	BroadcastDrops   metric.Int64Counter
	BusDrops         metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ActionDuration, err = meter.Float64Histogram("gopaw.action.duration",
		metric.WithDescription("Inbound action handling duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ActionRejects, err = meter.Int64Counter("gopaw.action.rejects",
		metric.WithDescription("Actions rejected by authorization or rate limiting"),
	)
	if err != nil {
		return nil, err
	}

	m.LLMCallDuration, err = meter.Float64Histogram("gopaw.llm.duration",
		metric.WithDescription("LLM provider call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.LLMCallErrors, err = meter.Int64Counter("gopaw.llm.errors",
		metric.WithDescription("Failed LLM provider calls"),
	)
	if err != nil {
		return nil, err
	}

	m.AgentRuns, err = meter.Int64Counter("gopaw.agent.runs",
		metric.WithDescription("Agent runs started"),
	)
	if err != nil {
		return nil, err
	}

	m.AgentPanics, err = meter.Int64Counter("gopaw.agent.panics",
		metric.WithDescription("Kill switch activations"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallDuration, err = meter.Float64Histogram("gopaw.tool.duration",
		metric.WithDescription("Tool call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallErrors, err = meter.Int64Counter("gopaw.tool.errors",
		metric.WithDescription("Tool call error count"),
	)
	if err != nil {
		return nil, err
	}

	m.WSConnections, err = meter.Int64UpDownCounter("gopaw.ws.connections",
		metric.WithDescription("Open dashboard websocket connections"),
	)
	if err != nil {
		return nil, err
	}

	m.BroadcastDrops, err = meter.Int64Counter("gopaw.broadcast.drops",
		metric.WithDescription("Broadcast deliveries dropped for a failing recipient"),
	)
	if err != nil {
		return nil, err
	}

	m.BusDrops, err = meter.Int64Counter("gopaw.bus.drops",
		metric.WithDescription("Background events dropped for a full subscriber"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// NoopMetrics returns instruments backed by a no-op meter.
func NoopMetrics() *Metrics {
	m, err := NewMetrics(Noop().Meter)
	if err != nil {
		panic(err)
	}
	return m
}
