package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"beatled/internal/rxlog"
	"beatled/internal/telemetry"
	"beatled/pkg/pserver"
	"beatled/pkg/sntp"

	"golang.org/x/time/rate"
)

var (
	addr         = flag.String("addr", ":9090", "Local address to listen on")
	reuse        = flag.Bool("reuse", true, "Set SO_REUSEADDR on the listening socket")
	mode         = flag.String("mode", "dump", "What to do with datagrams: dump, echo or time")
	report       = flag.Duration("report", 0, "Print traffic statistics at this interval, 0 disables")
	maxRate      = flag.Float64("rate", 0, "Datagrams per second to handle, 0 is unlimited")
	otelExporter = flag.String("otel", telemetry.ExporterNone, "Telemetry exporter: none, stdout or otlp")
)

var errUnknownMode = errors.New("unknown mode")

func main() {
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	shutdown, err := telemetry.Setup(ctx, telemetry.Options{Service: "udplisten", Exporter: *otelExporter})
	if err != nil {
		stop()
		log.Fatalf("could not set up telemetry: %v\n", err)
	}

	opts := listenOptions{
		Addr:    *addr,
		Reuse:   *reuse,
		Mode:    *mode,
		Report:  *report,
		MaxRate: *maxRate,
	}
	err = listen(ctx, opts, nil)
	stop()
	telemetry.Exit(shutdown, err)
}

type listenOptions struct {
	Addr    string
	Reuse   bool
	Mode    string
	Report  time.Duration
	MaxRate float64
}

// listen serves datagrams until ctx is done. ready, when not nil, receives
// the bound address once the socket is open.
func listen(ctx context.Context, opts listenOptions, ready chan<- *net.UDPAddr) error {
	rx := rxlog.New()
	handler, err := newHandler(opts.Mode, rx, time.Now)
	if err != nil {
		return err
	}
	if opts.MaxRate > 0 {
		burst := int(opts.MaxRate)
		if burst < 1 {
			burst = 1
		}
		handler = pserver.WithMiddleware(handler, pserver.RateLimitMiddleware(rate.Limit(opts.MaxRate), burst))
	}

	s, err := pserver.ListenUDP(ctx, pserver.Options{Addr: opts.Addr, ReuseAddr: opts.Reuse}, handler)
	if err != nil {
		return err
	}
	defer s.Close()
	log.Printf("Listening on %s in %s mode\n", s.Addr(), opts.Mode)
	if ready != nil {
		ready <- s.Addr()
	}

	if opts.Report > 0 {
		go reportLoop(ctx, rx, opts.Report)
	}

	if err := s.Serve(ctx); err != nil {
		return err
	}
	log.Printf("Stopped, %d datagrams received\n", rx.Total().Count)
	return nil
}

func newHandler(mode string, rx *rxlog.Log, now func() time.Time) (pserver.UDPHandlerFunc, error) {
	var h pserver.UDPHandlerFunc
	switch mode {
	case "dump":
		h = dumpHandler
	case "echo":
		h = pserver.EchoHandler
	case "time":
		r := sntp.NewResponder()
		r.Now = now
		h = r.Handle
	default:
		return nil, fmt.Errorf("%w %q", errUnknownMode, mode)
	}

	return pserver.WithMiddleware(h,
		recordMiddleware(rx, now),
		pserver.TracingMiddleware,
		pserver.LoggingMiddleware,
	), nil
}

func dumpHandler(ctx context.Context, d pserver.Datagram) []byte {
	log.Printf("received message: %x, size %d from %s\n", d.Data, len(d.Data), d.From)
	return nil
}

func recordMiddleware(rx *rxlog.Log, now func() time.Time) pserver.Middleware {
	return func(next pserver.UDPHandlerFunc) pserver.UDPHandlerFunc {
		return func(ctx context.Context, d pserver.Datagram) []byte {
			rx.Add(now(), len(d.Data))
			return next(ctx, d)
		}
	}
}

// reportLoop prints the traffic of every interval and forgets older entries.
func reportLoop(ctx context.Context, rx *rxlog.Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			log.Println(summary(rx, now, interval))
			rx.Prune(now.Add(-interval))
		}
	}
}

func summary(rx *rxlog.Log, now time.Time, interval time.Duration) string {
	s := rx.Window(now.Add(-interval), now.Add(time.Nanosecond))
	return fmt.Sprintf("last %v: %d datagrams, %d bytes, %.2f/s",
		interval, s.Count, s.Bytes, rx.Rate(now, interval))
}
