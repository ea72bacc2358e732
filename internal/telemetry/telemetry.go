// Package telemetry installs the OpenTelemetry providers used by the
// command line tools.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

var ErrUnknownExporter = errors.New("unknown exporter")

type Options struct {
	Service string

	// Exporter is one of none, stdout or otlp. Empty means none.
	Exporter string

	// Writer receives stdout exporter output, os.Stderr when nil.
	Writer io.Writer
}

// Setup installs global tracer, logger and meter providers. The returned
// function flushes and stops all of them and must be called before exit.
// With otlp, traces go to the collector named by the usual
// OTEL_EXPORTER_OTLP_* variables while logs and metrics still go to Writer.
func Setup(ctx context.Context, opts Options) (func(context.Context) error, error) {
	var shutdownFuncs []func(context.Context) error
	var err error

	shutdown := func(ctx context.Context) error {
		var err error
		for _, fn := range shutdownFuncs {
			err = errors.Join(err, fn(ctx))
		}
		shutdownFuncs = nil
		return err
	}

	handleErr := func(inErr error) {
		err = errors.Join(inErr, shutdown(ctx))
	}

	switch opts.Exporter {
	case "", ExporterNone:
		return shutdown, nil
	case ExporterStdout, ExporterOTLP:
	default:
		return shutdown, fmt.Errorf("%w %q", ErrUnknownExporter, opts.Exporter)
	}
	if opts.Writer == nil {
		opts.Writer = os.Stderr
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(opts.Service),
			semconv.ServiceInstanceID(uuid.NewString()),
		),
	)
	if err != nil {
		return shutdown, err
	}

	traceProvider, err := newTracerProvider(ctx, opts, res)
	if err != nil {
		handleErr(err)
		return shutdown, err
	}
	shutdownFuncs = append(shutdownFuncs, traceProvider.Shutdown)
	otel.SetTracerProvider(traceProvider)

	loggerProvider, err := newLoggerProvider(opts, res)
	if err != nil {
		handleErr(err)
		return shutdown, err
	}
	shutdownFuncs = append(shutdownFuncs, loggerProvider.Shutdown)
	global.SetLoggerProvider(loggerProvider)

	meterProvider, err := newMeterProvider(opts, res)
	if err != nil {
		handleErr(err)
		return shutdown, err
	}
	shutdownFuncs = append(shutdownFuncs, meterProvider.Shutdown)
	otel.SetMeterProvider(meterProvider)

	return shutdown, err
}

func newTracerProvider(ctx context.Context, opts Options, res *resource.Resource) (*trace.TracerProvider, error) {
	var exp trace.SpanExporter
	var err error
	if opts.Exporter == ExporterOTLP {
		exp, err = otlptracehttp.New(ctx, otlptracehttp.WithInsecure())
	} else {
		exp, err = stdouttrace.New(stdouttrace.WithWriter(opts.Writer))
	}
	if err != nil {
		return nil, err
	}

	traceProvider := trace.NewTracerProvider(
		trace.WithBatcher(exp),
		trace.WithResource(res),
	)
	return traceProvider, nil
}

func newLoggerProvider(opts Options, res *resource.Resource) (*sdklog.LoggerProvider, error) {
	exp, err := stdoutlog.New(stdoutlog.WithWriter(opts.Writer))
	if err != nil {
		return nil, err
	}

	loggerProvider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewSimpleProcessor(exp)),
		sdklog.WithResource(res),
	)
	return loggerProvider, nil
}

func newMeterProvider(opts Options, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	exp, err := stdoutmetric.New(stdoutmetric.WithWriter(opts.Writer))
	if err != nil {
		return nil, err
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)),
		sdkmetric.WithResource(res),
	)
	return meterProvider, nil
}

// Finish flushes telemetry through shutdown, waiting at most a few seconds,
// and reports err. It returns the process exit status.
func Finish(ctx context.Context, shutdown func(context.Context) error, err error) int {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if serr := shutdown(ctx); serr != nil {
		log.Printf("telemetry shutdown: %v\n", serr)
	}
	if err != nil {
		log.Println(err)
		return 1
	}
	return 0
}

// Exit is the last call of a tool's main: deferred calls do not run after
// os.Exit, so telemetry is flushed here first.
func Exit(shutdown func(context.Context) error, err error) {
	os.Exit(Finish(context.Background(), shutdown, err))
}
