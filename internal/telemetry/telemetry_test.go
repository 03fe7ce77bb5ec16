package telemetry

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDisabledProviderIsNoop(t *testing.T) {
	p, err := Init(Config{})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	_, span := StartSpan(context.Background(), p.Tracer, "noop")
	if span.SpanContext().IsValid() {
		t.Fatalf("disabled tracer should produce invalid span contexts")
	}
	span.End()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestStdoutExporterWritesSpans(t *testing.T) {
	out := filepath.Join(t.TempDir(), "spans.json")
	p, err := Init(Config{Enabled: true, Exporter: "stdout", Output: out})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	_, span := StartSpan(context.Background(), p.Tracer, "dispatch", AttrSource.String("feed"))
	span.End()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	raw, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(raw), "dispatch") || !strings.Contains(string(raw), "opengoal.dispatch.source") {
		t.Fatalf("span not exported: %s", raw)
	}
}

func TestUnknownExporter(t *testing.T) {
	if _, err := Init(Config{Enabled: true, Exporter: "zipkin"}); err == nil {
		t.Fatalf("expected error for unknown exporter")
	}
}
