package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"beatled/internal/telemetry"
	"beatled/pkg/exchange"
	"beatled/pkg/sntp"
)

var (
	host         = flag.String("host", "raspberrypi1.local", "Time server host name or IPv4 address")
	portNumber   = flag.Int("port", sntp.Port, "Time server port")
	timeout      = flag.Duration("timeout", exchange.DefaultTimeout, "How long to wait for the reply")
	otelExporter = flag.String("otel", telemetry.ExporterNone, "Telemetry exporter: none, stdout or otlp")
)

func main() {
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	shutdown, err := telemetry.Setup(ctx, telemetry.Options{Service: "sntpclient", Exporter: *otelExporter})
	if err != nil {
		stop()
		log.Fatalf("could not set up telemetry: %v\n", err)
	}

	cfg := exchange.Config{
		DestinationHost: *host,
		DestinationPort: *portNumber,
		Timeout:         *timeout,
	}
	err = query(ctx, cfg)
	stop()
	telemetry.Exit(shutdown, err)
}

func query(ctx context.Context, cfg exchange.Config) error {
	log.Printf("Asking %s for the time\n", cfg.Destination())
	t, err := sntp.Query(ctx, &exchange.Exchanger{}, cfg)
	if err != nil {
		return err
	}
	log.Printf("\tTime = %s\n", formatTime(t))
	return nil
}

// formatTime renders t in local time the way ctime(3) does.
func formatTime(t time.Time) string {
	return t.Local().Format(time.ANSIC)
}
