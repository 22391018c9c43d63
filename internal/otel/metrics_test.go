package otel

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestNewMetrics_RecordsUnderRelayNames(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	m, err := NewMetrics(mp.Meter(MeterName))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	ctx := context.Background()
	m.MessagesRelayed.Add(ctx, 2)
	m.AIReplies.Add(ctx, 1)
	m.LLMCallDuration.Record(ctx, 0.25)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	seen := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			seen[md.Name] = true
		}
	}
	for _, name := range []string{"gorelay.messages.relayed", "gorelay.ai.replies", "gorelay.llm.duration"} {
		if !seen[name] {
			t.Errorf("metric %s not collected, got %v", name, seen)
		}
	}
}

func TestNopMetrics(t *testing.T) {
	m := NopMetrics()
	if m == nil || m.TransportFailures == nil || m.EventDuration == nil {
		t.Fatal("expected every instrument to be set")
	}
	m.TransportFailures.Add(context.Background(), 1)
}
