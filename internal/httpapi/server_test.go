package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/talonhq/talon/internal/bus"
	"github.com/talonhq/talon/internal/gateway"
	"github.com/talonhq/talon/internal/worksteal"
)

func startTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	cfg.BindAddr = "127.0.0.1:0"
	s := New(cfg)
	if err := s.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func getJSON(t *testing.T, url string) map[string]any {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: status %d", url, resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
	return body
}

func TestHealthz(t *testing.T) {
	s := startTestServer(t, Config{})
	body := getJSON(t, fmt.Sprintf("http://%s/healthz", s.Addr()))
	if body["status"] != "ok" {
		t.Fatalf("expected status ok, got %#v", body["status"])
	}
	if body["pid"] == nil {
		t.Fatal("expected pid in health response")
	}
}

func TestStatus(t *testing.T) {
	s := startTestServer(t, Config{
		Version:           "test",
		ConfigFingerprint: "cfg-abc123",
		SessionsRestored:  3,
		GatewayStatus: func() gateway.Status {
			return gateway.Status{State: gateway.StateRunning, Running: true, Enabled: true, PID: 4242}
		},
		WorkerStats: func() worksteal.Stats {
			return worksteal.Stats{Workers: 2, TotalTasks: 12, Imbalance: 8}
		},
	})

	body := getJSON(t, fmt.Sprintf("http://%s/v1/status", s.Addr()))
	if body["config_fingerprint"] != "cfg-abc123" {
		t.Fatalf("fingerprint = %#v", body["config_fingerprint"])
	}
	if body["sessions_restored"] != float64(3) {
		t.Fatalf("sessions_restored = %#v", body["sessions_restored"])
	}

	gw, ok := body["gateway"].(map[string]any)
	if !ok {
		t.Fatalf("missing gateway section: %#v", body)
	}
	if gw["state"] != string(gateway.StateRunning) || gw["pid"] != float64(4242) {
		t.Fatalf("gateway section = %#v", gw)
	}

	workers, ok := body["workers"].(map[string]any)
	if !ok {
		t.Fatalf("missing workers section: %#v", body)
	}
	if workers["count"] != float64(2) || workers["imbalance"] != float64(8) {
		t.Fatalf("workers section = %#v", workers)
	}
}

func TestStatus_OmitsUnconfiguredSections(t *testing.T) {
	s := startTestServer(t, Config{Version: "test"})
	body := getJSON(t, fmt.Sprintf("http://%s/v1/status", s.Addr()))
	if _, ok := body["gateway"]; ok {
		t.Fatal("gateway section should be absent without a supervisor")
	}
	if _, ok := body["workers"]; ok {
		t.Fatal("workers section should be absent without a balancer")
	}
}

func TestRequestsRecordServerSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	defer tp.Shutdown(context.Background())

	s := startTestServer(t, Config{Tracer: tp.Tracer("test")})
	getJSON(t, fmt.Sprintf("http://%s/healthz", s.Addr()))

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	sp := spans[0]
	if sp.Name() != "GET /healthz" {
		t.Fatalf("span name = %q", sp.Name())
	}
	if sp.SpanKind() != trace.SpanKindServer {
		t.Fatalf("span kind = %v, want server", sp.SpanKind())
	}
}

func TestEvents_StreamsBusEvents(t *testing.T) {
	b := bus.New()
	s := startTestServer(t, Config{Bus: b})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := fmt.Sprintf("ws://%s/v1/events?topic=gateway.", s.Addr())
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial events: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	// The subscription is registered during the handshake; wait for it.
	deadline := time.Now().Add(2 * time.Second)
	for b.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if b.SubscriberCount() == 0 {
		t.Fatal("event stream never subscribed")
	}

	b.Publish("worker.updated", nil) // filtered out by prefix
	b.Publish(bus.TopicGatewayState, bus.GatewayStateEvent{State: "RUNNING"})

	var frame map[string]any
	if err := wsjson.Read(ctx, conn, &frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if frame["topic"] != bus.TopicGatewayState {
		t.Fatalf("frame topic = %#v, want %s", frame["topic"], bus.TopicGatewayState)
	}
}

func TestEvents_UnsubscribesOnDisconnect(t *testing.T) {
	b := bus.New()
	s := startTestServer(t, Config{Bus: b})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, fmt.Sprintf("ws://%s/v1/events", s.Addr()), nil)
	if err != nil {
		t.Fatalf("dial events: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for b.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if b.SubscriberCount() != 1 {
		t.Fatalf("subscribers = %d, want 1", b.SubscriberCount())
	}

	conn.Close(websocket.StatusNormalClosure, "done")

	deadline = time.Now().Add(2 * time.Second)
	for b.SubscriberCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if b.SubscriberCount() != 0 {
		t.Fatal("subscription leaked after client disconnect")
	}
}
