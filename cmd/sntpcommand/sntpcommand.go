package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"beatled/internal/telemetry"
	"beatled/pkg/command"
	"beatled/pkg/exchange"
)

var (
	host         = flag.String("host", "localhost", "Board host name or IPv4 address")
	portNumber   = flag.Int("port", 9090, "Board command port")
	payload      = flag.String("payload", "text:T1", "Command to send: pattern:N, text:STRING or hex:BYTES")
	timeout      = flag.Duration("timeout", exchange.DefaultTimeout, "How long to wait for the reply")
	otelExporter = flag.String("otel", telemetry.ExporterNone, "Telemetry exporter: none, stdout or otlp")
)

func main() {
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	shutdown, err := telemetry.Setup(ctx, telemetry.Options{Service: "sntpcommand", Exporter: *otelExporter})
	if err != nil {
		stop()
		log.Fatalf("could not set up telemetry: %v\n", err)
	}

	cfg := exchange.Config{
		DestinationHost: *host,
		DestinationPort: *portNumber,
		Timeout:         *timeout,
	}
	err = run(ctx, cfg, *payload)
	stop()
	telemetry.Exit(shutdown, err)
}

func run(ctx context.Context, cfg exchange.Config, desc string) error {
	cmd, err := command.Parse(desc)
	if err != nil {
		return err
	}
	reply, err := send(ctx, &exchange.Exchanger{}, cfg, cmd)
	if err != nil {
		return err
	}
	log.Printf("%q\n", reply.Data)
	return nil
}

func send(ctx context.Context, x *exchange.Exchanger, cfg exchange.Config, cmd command.Command) (exchange.Reply, error) {
	log.Printf("Sending %s to %s\n", cmd.Hex(), cfg.Destination())
	reply, err := x.Exchange(ctx, cfg, cmd)
	if err != nil {
		return reply, err
	}
	log.Printf("Response received from: %s\n", reply.Sender)
	if reply.Truncated {
		log.Printf("Response truncated to %d bytes\n", len(reply.Data))
	}
	return reply, nil
}
