// Package exchange performs single send-then-receive cycles over UDP.
//
// Every call owns one socket for its whole duration and closes it on all
// exit paths. Nothing is retried; a missing reply is reported as ErrTimeout
// and left to the caller.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strconv"
	"time"

	"beatled/internal/sockopt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultTimeout    = 5 * time.Second
	DefaultBufferSize = 1024

	// MaxPayloadSize is the largest payload a single IPv4 UDP datagram carries.
	MaxPayloadSize = 65507
)

// Endpoint is a UDP destination or source. Host is a name or a literal address.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func EndpointFromAddrPort(ap netip.AddrPort) Endpoint {
	return Endpoint{Host: ap.Addr().Unmap().String(), Port: int(ap.Port())}
}

// Config describes one exchange. Zero Timeout and BufferSize select
// DefaultTimeout and DefaultBufferSize.
type Config struct {
	DestinationHost string
	DestinationPort int
	Timeout         time.Duration

	// BufferSize bounds the reply. Longer replies are cut to BufferSize
	// bytes and flagged with Reply.Truncated.
	BufferSize int

	// Broadcast sets SO_BROADCAST so the destination may be a broadcast address.
	Broadcast bool
}

func (c Config) Destination() Endpoint {
	return Endpoint{Host: c.DestinationHost, Port: c.DestinationPort}
}

func (c Config) withDefaults() (Config, error) {
	if c.DestinationPort <= 0 || c.DestinationPort > 65535 {
		return c, fmt.Errorf("port %d out of range", c.DestinationPort)
	}
	if c.Timeout < 0 {
		return c, fmt.Errorf("negative timeout %v", c.Timeout)
	}
	if c.BufferSize < 0 {
		return c, fmt.Errorf("negative buffer size %d", c.BufferSize)
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.BufferSize == 0 {
		c.BufferSize = DefaultBufferSize
	}
	return c, nil
}

// Reply is one received datagram. Sender is whatever address the transport
// reported; it is not checked against the destination.
type Reply struct {
	Data      []byte
	Sender    Endpoint
	Truncated bool
}

// Resolver is the part of *net.Resolver the exchanger needs.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Exchanger holds the dependencies of Exchange and Send. The zero value
// resolves names with net.DefaultResolver.
type Exchanger struct {
	Resolver Resolver

	// open is replaced in tests to observe socket creation.
	open func(ctx context.Context, broadcast bool) (*net.UDPConn, error)
}

var defaultExchanger = &Exchanger{}

// Exchange sends payload with the default Exchanger and waits for one reply.
func Exchange(ctx context.Context, cfg Config, payload []byte) (Reply, error) {
	return defaultExchanger.Exchange(ctx, cfg, payload)
}

// Send sends payload with the default Exchanger without waiting for a reply.
func Send(ctx context.Context, cfg Config, payload []byte) (Endpoint, error) {
	return defaultExchanger.Send(ctx, cfg, payload)
}

// Exchange sends payload to the configured destination in a single datagram
// and blocks until one datagram comes back or the timeout elapses. The
// context may shorten the wait; cancelling it is reported as ErrTimeout
// wrapping context.Canceled.
func (x *Exchanger) Exchange(ctx context.Context, cfg Config, payload []byte) (Reply, error) {
	ctx, span := tracer.Start(ctx, "exchange", trace.WithAttributes(
		attribute.String("destination", cfg.Destination().String()),
		attribute.Int("payload.size", len(payload)),
	))
	defer span.End()

	reply, err := x.exchange(ctx, cfg, payload)
	if err == nil {
		span.SetAttributes(
			attribute.String("sender", reply.Sender.String()),
			attribute.Int("reply.size", len(reply.Data)),
			attribute.Bool("reply.truncated", reply.Truncated),
		)
	}
	record(ctx, span, "exchange", err)
	return reply, err
}

func (x *Exchanger) exchange(ctx context.Context, cfg Config, payload []byte) (Reply, error) {
	const op = "exchange"
	dst := cfg.Destination()

	cfg, err := cfg.withDefaults()
	if err != nil {
		return Reply{}, &Error{Op: op, Endpoint: dst, Kind: ErrInvalidConfig, Err: err}
	}
	if err := validatePayload(payload); err != nil {
		return Reply{}, &Error{Op: op, Endpoint: dst, Kind: err}
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	addr, err := x.resolve(ctx, cfg.DestinationHost, cfg.DestinationPort)
	if err != nil {
		return Reply{}, &Error{Op: op, Endpoint: dst, Kind: ErrResolutionFailed, Err: err}
	}

	conn, err := x.openConn(ctx, cfg.Broadcast)
	if err != nil {
		return Reply{}, &Error{Op: op, Endpoint: dst, Kind: ErrTransportFailure, Err: err}
	}
	defer conn.Close()

	deadline, _ := ctx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		return Reply{}, &Error{Op: op, Endpoint: dst, Kind: ErrTransportFailure, Err: err}
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	start := time.Now()
	if _, err := conn.WriteToUDPAddrPort(payload, addr); err != nil {
		return Reply{}, ioError(ctx, op, dst, err)
	}
	logger.DebugContext(ctx, "request sent", "destination", addr.String(), "size", len(payload))

	buf := make([]byte, cfg.BufferSize+1)
	n, from, err := conn.ReadFromUDPAddrPort(buf)
	if err != nil {
		return Reply{}, ioError(ctx, op, dst, err)
	}
	rtt.Record(ctx, time.Since(start).Seconds())

	reply := Reply{Sender: EndpointFromAddrPort(from)}
	if n > cfg.BufferSize {
		n = cfg.BufferSize
		reply.Truncated = true
	}
	reply.Data = buf[:n]
	return reply, nil
}

// Send resolves the destination and writes payload in a single datagram
// without waiting for an answer. It returns the resolved destination.
func (x *Exchanger) Send(ctx context.Context, cfg Config, payload []byte) (Endpoint, error) {
	ctx, span := tracer.Start(ctx, "send", trace.WithAttributes(
		attribute.String("destination", cfg.Destination().String()),
		attribute.Int("payload.size", len(payload)),
		attribute.Bool("broadcast", cfg.Broadcast),
	))
	defer span.End()

	to, err := x.send(ctx, cfg, payload)
	record(ctx, span, "send", err)
	return to, err
}

func (x *Exchanger) send(ctx context.Context, cfg Config, payload []byte) (Endpoint, error) {
	const op = "send"
	dst := cfg.Destination()

	cfg, err := cfg.withDefaults()
	if err != nil {
		return Endpoint{}, &Error{Op: op, Endpoint: dst, Kind: ErrInvalidConfig, Err: err}
	}
	if err := validatePayload(payload); err != nil {
		return Endpoint{}, &Error{Op: op, Endpoint: dst, Kind: err}
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	addr, err := x.resolve(ctx, cfg.DestinationHost, cfg.DestinationPort)
	if err != nil {
		return Endpoint{}, &Error{Op: op, Endpoint: dst, Kind: ErrResolutionFailed, Err: err}
	}

	conn, err := x.openConn(ctx, cfg.Broadcast)
	if err != nil {
		return Endpoint{}, &Error{Op: op, Endpoint: dst, Kind: ErrTransportFailure, Err: err}
	}
	defer conn.Close()

	deadline, _ := ctx.Deadline()
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return Endpoint{}, &Error{Op: op, Endpoint: dst, Kind: ErrTransportFailure, Err: err}
	}
	if _, err := conn.WriteToUDPAddrPort(payload, addr); err != nil {
		return Endpoint{}, ioError(ctx, op, dst, err)
	}
	return EndpointFromAddrPort(addr), nil
}

func validatePayload(payload []byte) error {
	if len(payload) == 0 {
		return ErrEmptyPayload
	}
	if len(payload) > MaxPayloadSize {
		return ErrPayloadTooLarge
	}
	return nil
}

// resolve picks the first IPv4 address for host. Literal addresses skip the
// resolver entirely.
func (x *Exchanger) resolve(ctx context.Context, host string, port int) (netip.AddrPort, error) {
	if host == "" {
		return netip.AddrPort{}, errors.New("empty host")
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		addr = addr.Unmap()
		if !addr.Is4() {
			return netip.AddrPort{}, fmt.Errorf("%s is not an IPv4 address", host)
		}
		return netip.AddrPortFrom(addr, uint16(port)), nil
	}

	r := x.Resolver
	if r == nil {
		r = net.DefaultResolver
	}
	addrs, err := r.LookupNetIP(ctx, "ip4", host)
	if err != nil {
		return netip.AddrPort{}, err
	}
	for _, addr := range addrs {
		if addr = addr.Unmap(); addr.Is4() {
			return netip.AddrPortFrom(addr, uint16(port)), nil
		}
	}
	return netip.AddrPort{}, fmt.Errorf("no IPv4 address for %q", host)
}

func (x *Exchanger) openConn(ctx context.Context, broadcast bool) (*net.UDPConn, error) {
	if x.open != nil {
		return x.open(ctx, broadcast)
	}
	return listenUDP(ctx, broadcast)
}

// listenUDP opens an unconnected IPv4 socket on an ephemeral port.
func listenUDP(ctx context.Context, broadcast bool) (*net.UDPConn, error) {
	var opts []sockopt.Option
	if broadcast {
		opts = append(opts, sockopt.Broadcast)
	}
	lc := net.ListenConfig{Control: sockopt.Control(opts...)}
	pc, err := lc.ListenPacket(ctx, "udp4", ":0")
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}

func ioError(ctx context.Context, op string, dst Endpoint, err error) error {
	var ne net.Error
	if errors.Is(err, os.ErrDeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		if errors.Is(ctx.Err(), context.Canceled) {
			return &Error{Op: op, Endpoint: dst, Kind: ErrTimeout, Err: ctx.Err()}
		}
		return &Error{Op: op, Endpoint: dst, Kind: ErrTimeout, Err: err}
	}
	return &Error{Op: op, Endpoint: dst, Kind: ErrTransportFailure, Err: err}
}
