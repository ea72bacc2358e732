package exchange

import (
	"context"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const name = "beatled/pkg/exchange"

var (
	tracer = otel.Tracer(name)
	meter  = otel.Meter(name)
	logger = otelslog.NewLogger(name)

	results metric.Int64Counter
	rtt     metric.Float64Histogram
)

func init() {
	var err error
	results, err = meter.Int64Counter("beatled.exchange.results",
		metric.WithDescription("Outcomes of exchanges and sends by kind."))
	if err != nil {
		otel.Handle(err)
		results = noop.Int64Counter{}
	}
	rtt, err = meter.Float64Histogram("beatled.exchange.rtt",
		metric.WithDescription("Time from send to reply."),
		metric.WithUnit("s"))
	if err != nil {
		otel.Handle(err)
		rtt = noop.Float64Histogram{}
	}
}

func record(ctx context.Context, span trace.Span, op string, err error) {
	kind := kindName(err)
	results.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("result", kind),
	))
	span.SetAttributes(attribute.String("result", kind))
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, kind)
	if kind == "timeout" {
		logger.DebugContext(ctx, "no reply", "op", op, "err", err)
		return
	}
	logger.WarnContext(ctx, "exchange failed", "op", op, "err", err)
}
