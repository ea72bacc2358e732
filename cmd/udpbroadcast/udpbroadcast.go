package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"beatled/internal/telemetry"
	"beatled/pkg/command"
	"beatled/pkg/exchange"
	"beatled/pkg/repeat"
)

var (
	host         = flag.String("host", "localhost", "Destination host name or IPv4 address")
	portNumber   = flag.Int("port", 9090, "Destination port")
	interval     = flag.Duration("interval", 3*time.Second, "Delay between two commands")
	rounds       = flag.Int("rounds", 0, "Pattern cycles to send, 0 repeats until interrupted")
	broadcast    = flag.Bool("broadcast", true, "Allow sending to broadcast addresses")
	otelExporter = flag.String("otel", telemetry.ExporterNone, "Telemetry exporter: none, stdout or otlp")
)

type sendFunc func(ctx context.Context, cfg exchange.Config, payload []byte) (exchange.Endpoint, error)

func main() {
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	shutdown, err := telemetry.Setup(ctx, telemetry.Options{Service: "udpbroadcast", Exporter: *otelExporter})
	if err != nil {
		stop()
		log.Fatalf("could not set up telemetry: %v\n", err)
	}

	cfg := exchange.Config{
		DestinationHost: *host,
		DestinationPort: *portNumber,
		Broadcast:       *broadcast,
	}
	log.Printf("UDP target: %s\n", cfg.Destination())

	loop := &repeat.Loop{Interval: *interval, Rounds: *rounds}
	err = run(ctx, cfg, loop, exchange.Send)
	stop()
	telemetry.Exit(shutdown, err)
}

// run cycles through every pattern command until loop is done.
func run(ctx context.Context, cfg exchange.Config, loop *repeat.Loop, send sendFunc) error {
	cycle := command.PatternCycle()
	payloads := make([][]byte, len(cycle))
	for i, c := range cycle {
		payloads[i] = c
	}

	return loop.Run(ctx, payloads, func(ctx context.Context, round, i int, payload []byte) error {
		to, err := send(ctx, cfg, payload)
		if err != nil {
			return err
		}
		log.Printf("Sent %s to %s\n", formatBytes(payload), to)
		return nil
	})
}

// formatBytes prints b as a list of decimal values, e.g. [1, 3].
func formatBytes(b []byte) string {
	s := "["
	for i, v := range b {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprint(v)
	}
	return s + "]"
}
