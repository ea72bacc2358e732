package telemetry

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSetupNone(t *testing.T) {
	for _, exporter := range []string{"", ExporterNone} {
		shutdown, err := Setup(context.Background(), Options{Service: "test", Exporter: exporter})
		if err != nil {
			t.Fatalf("%q: unexpected error: %v", exporter, err)
		}
		if err := shutdown(context.Background()); err != nil {
			t.Errorf("%q: unexpected shutdown error: %v", exporter, err)
		}
	}
}

func TestSetupUnknownExporter(t *testing.T) {
	_, err := Setup(context.Background(), Options{Service: "test", Exporter: "jaeger"})
	if !errors.Is(err, ErrUnknownExporter) {
		t.Errorf("got %v, want %v", err, ErrUnknownExporter)
	}
}

func TestSetupStdout(t *testing.T) {
	var out syncBuffer
	ctx := context.Background()
	shutdown, err := Setup(ctx, Options{Service: "beatled-test", Exporter: ExporterStdout, Writer: &out})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, span := otel.Tracer("probe").Start(ctx, "probe-span")
	span.End()

	counter, err := otel.Meter("probe").Int64Counter("probe.count")
	if err != nil {
		t.Fatalf("could not create counter: %v", err)
	}
	counter.Add(ctx, 3)

	otelslog.NewLogger("probe").InfoContext(ctx, "probe-log")

	if err := shutdown(ctx); err != nil {
		t.Fatalf("unexpected shutdown error: %v", err)
	}

	got := out.String()
	for _, want := range []string{"probe-span", "probe.count", "probe-log", "beatled-test"} {
		if !strings.Contains(got, want) {
			t.Errorf("exporter output is missing %q", want)
		}
	}
}

func TestSetupOTLPKeepsLogs(t *testing.T) {
	var out syncBuffer
	ctx := context.Background()
	shutdown, err := Setup(ctx, Options{Service: "beatled-test", Exporter: ExporterOTLP, Writer: &out})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	otelslog.NewLogger("probe").InfoContext(ctx, "otlp-log")

	if err := shutdown(ctx); err != nil {
		t.Fatalf("unexpected shutdown error: %v", err)
	}
	if !strings.Contains(out.String(), "otlp-log") {
		t.Errorf("log record missing from %q", out.String())
	}
}

func TestFinish(t *testing.T) {
	var finishtests = []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, 0},
		{"failure", errors.New("no reply before timeout"), 1},
	}

	for _, tt := range finishtests {
		t.Run(tt.name, func(t *testing.T) {
			flushed := false
			shutdown := func(ctx context.Context) error {
				if _, ok := ctx.Deadline(); !ok {
					t.Errorf("shutdown context has no deadline")
				}
				flushed = true
				return nil
			}
			if got := Finish(context.Background(), shutdown, tt.err); got != tt.want {
				t.Errorf("got status %d, want %d", got, tt.want)
			}
			if !flushed {
				t.Errorf("telemetry was not flushed")
			}
		})
	}
}
