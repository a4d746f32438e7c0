package paydist

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"
)

func TestResolveOTLPTarget(t *testing.T) {
	cases := []struct {
		raw  string
		want otlpTarget
	}{
		{"collector", otlpTarget{protocol: "grpc", endpoint: "collector:4317", insecure: true}},
		{"collector:5555", otlpTarget{protocol: "grpc", endpoint: "collector:5555", insecure: true}},
		{"grpcs://otel.example.com", otlpTarget{protocol: "grpc", endpoint: "otel.example.com:4317"}},
		{"http://localhost/v1/traces", otlpTarget{protocol: "http", endpoint: "localhost:4318", path: "/v1/traces", insecure: true}},
		{"https://otel.example.com:443/", otlpTarget{protocol: "http", endpoint: "otel.example.com:443"}},
	}
	for _, tc := range cases {
		got, err := resolveOTLPTarget(tc.raw)
		if err != nil {
			t.Fatalf("resolveOTLPTarget(%q): %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("resolveOTLPTarget(%q) = %+v, want %+v", tc.raw, got, tc.want)
		}
	}
	for _, raw := range []string{"", "ftp://collector", "http://"} {
		if _, err := resolveOTLPTarget(raw); err == nil {
			t.Fatalf("resolveOTLPTarget(%q) should fail", raw)
		}
	}
}

func TestStartTelemetryDisabled(t *testing.T) {
	tel, err := StartTelemetry(context.Background(), TelemetryConfig{}, nil)
	if err != nil || tel != nil {
		t.Fatalf("expected nil telemetry, got %v, %v", tel, err)
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("nil Shutdown: %v", err)
	}
	if _, err := StartTelemetry(context.Background(), TelemetryConfig{EnableProfilingMetrics: true}, nil); err == nil {
		t.Fatalf("profiling without metrics listener should fail")
	}
}

func TestStartTelemetryServesMetrics(t *testing.T) {
	ctx := context.Background()
	tel, err := StartTelemetry(ctx, TelemetryConfig{MetricsListen: "127.0.0.1:0"}, nil)
	if err != nil {
		t.Fatalf("StartTelemetry: %v", err)
	}
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	})
	if tel.MetricsAddr == "" {
		t.Fatalf("metrics address not reported")
	}
	resp, err := http.Get("http://" + tel.MetricsAddr + "/metrics")
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("scrape status = %d", resp.StatusCode)
	}
	if _, err := io.ReadAll(resp.Body); err != nil {
		t.Fatalf("read scrape: %v", err)
	}
}
