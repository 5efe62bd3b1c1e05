package otel

import (
	"context"
	"testing"

	"github.com/talonhq/talon/internal/config"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), config.OtelConfig{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.RetryAttempts == nil {
		t.Error("RetryAttempts is nil")
	}
	if m.RetryExhausted == nil {
		t.Error("RetryExhausted is nil")
	}
	if m.GatewayRestarts == nil {
		t.Error("GatewayRestarts is nil")
	}
	if m.GatewayUptime == nil {
		t.Error("GatewayUptime is nil")
	}
	if m.StealRequests == nil {
		t.Error("StealRequests is nil")
	}
	if m.TasksStolen == nil {
		t.Error("TasksStolen is nil")
	}
	if m.TaskDuration == nil {
		t.Error("TaskDuration is nil")
	}
	if m.ActiveWorkers == nil {
		t.Error("ActiveWorkers is nil")
	}
	if m.SessionsRestore == nil {
		t.Error("SessionsRestore is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	// Disabled OTel returns a noop meter; metrics must still create without error.
	p, err := Init(context.Background(), config.OtelConfig{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}
