package otel

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the relay's instruments.
type Metrics struct {
	MessagesRelayed   metric.Int64Counter // direction: inbound|outbound
	TopicsCreated     metric.Int64Counter
	AIReplies         metric.Int64Counter
	GeneratorFailures metric.Int64Counter // class attribute
	LLMCallDuration   metric.Float64Histogram
	TransportFailures metric.Int64Counter // operation attribute
	AIModeToggles     metric.Int64Counter
	TagCommands       metric.Int64Counter
	EventDuration     metric.Float64Histogram
}

// NewMetrics creates all instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.MessagesRelayed, "gorelay.messages.relayed", "Messages relayed between users and the support group"},
		{&m.TopicsCreated, "gorelay.topics.created", "Forum topics created for new users"},
		{&m.AIReplies, "gorelay.ai.replies", "AI replies delivered to users"},
		{&m.GeneratorFailures, "gorelay.llm.failures", "Generator calls that failed or returned no text"},
		{&m.TransportFailures, "gorelay.transport.failures", "Rejected outbound transport calls"},
		{&m.AIModeToggles, "gorelay.aimode.toggles", "AI mode toggle button presses"},
		{&m.TagCommands, "gorelay.tag.commands", "Tag commands handled"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
	}

	m.LLMCallDuration, err = meter.Float64Histogram("gorelay.llm.duration",
		metric.WithDescription("LLM API call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.EventDuration, err = meter.Float64Histogram("gorelay.event.duration",
		metric.WithDescription("Time spent handling one inbound event"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// NopMetrics returns instruments backed by a no-op meter.
func NopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	return m
}
