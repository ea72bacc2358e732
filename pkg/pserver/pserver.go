package pserver

import (
	"context"
	"errors"
	"fmt"
	"net"

	"beatled/internal/sockopt"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/ipv4"
	"golang.org/x/time/rate"
)

const name = "beatled/pkg/pserver"

const DefaultBufferSize = 1024

var (
	tracer = otel.Tracer(name)
	logger = otelslog.NewLogger(name)
)

// Datagram is one received message together with where it came from and,
// when the platform reports it, where it was sent to.
type Datagram struct {
	Data []byte
	From *net.UDPAddr

	// Dst and IfIndex come from IPv4 control messages and are zero when
	// the platform does not deliver them.
	Dst     net.IP
	IfIndex int

	// Broadcast is set when Dst is the limited broadcast address or the
	// directed broadcast address of the receiving interface.
	Broadcast bool
}

// UDPHandlerFunc handles one datagram. A non-empty return value is sent
// back to the sender.
type UDPHandlerFunc func(ctx context.Context, d Datagram) []byte

type Middleware func(next UDPHandlerFunc) UDPHandlerFunc

type Options struct {
	// Addr is the local address, ":9090" binds every interface.
	Addr string

	// ReuseAddr sets SO_REUSEADDR so repeated runs can rebind at once.
	ReuseAddr bool

	// BufferSize bounds received datagrams, DefaultBufferSize when zero.
	BufferSize int
}

type UDPServer struct {
	conn       *net.UDPConn
	pc         *ipv4.PacketConn
	handler    UDPHandlerFunc
	bufferSize int
}

// ListenUDP binds an IPv4 UDP socket according to opts. Serve must be
// called to start handling datagrams.
func ListenUDP(ctx context.Context, opts Options, handler UDPHandlerFunc) (*UDPServer, error) {
	var so []sockopt.Option
	if opts.ReuseAddr {
		so = append(so, sockopt.ReuseAddr)
	}
	lc := net.ListenConfig{Control: sockopt.Control(so...)}
	ln, err := lc.ListenPacket(ctx, "udp4", opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind to %q, %w", opts.Addr, err)
	}
	conn := ln.(*net.UDPConn)

	s := &UDPServer{
		conn:       conn,
		pc:         ipv4.NewPacketConn(conn),
		handler:    handler,
		bufferSize: opts.BufferSize,
	}
	if s.bufferSize <= 0 {
		s.bufferSize = DefaultBufferSize
	}
	if err := s.pc.SetControlMessage(ipv4.FlagDst|ipv4.FlagInterface, true); err != nil {
		logger.WarnContext(ctx, "destination addresses unavailable", "err", err)
	}
	return s, nil
}

func (s *UDPServer) Addr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

func (s *UDPServer) Close() error {
	return s.conn.Close()
}

// Serve reads datagrams until ctx is done or the server is closed, in which
// case it returns nil. Datagrams are handled one at a time in arrival order.
func (s *UDPServer) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.Close()
	})
	defer stop()

	logger.InfoContext(ctx, "server started", "addr", s.Addr().String())
	buffer := make([]byte, s.bufferSize)
	for {
		n, cm, src, err := s.pc.ReadFrom(buffer)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		from, ok := src.(*net.UDPAddr)
		if !ok {
			continue
		}

		d := Datagram{
			Data: append([]byte(nil), buffer[:n]...),
			From: from,
		}
		if cm != nil {
			d.Dst = cm.Dst
			d.IfIndex = cm.IfIndex
			d.Broadcast = isBroadcast(cm.Dst, cm.IfIndex)
		}

		response := s.handler(ctx, d)
		if len(response) == 0 {
			continue
		}
		if _, err := s.conn.WriteToUDP(response, from); err != nil {
			logger.WarnContext(ctx, "failed to send response", "to", from.String(), "err", err)
		}
	}
}

// ListenServeUDP binds every interface on port with SO_REUSEADDR and serves
// until ctx is done.
func ListenServeUDP(ctx context.Context, handler UDPHandlerFunc, port int) error {
	s, err := ListenUDP(ctx, Options{Addr: fmt.Sprintf(":%d", port), ReuseAddr: true}, handler)
	if err != nil {
		return err
	}
	defer s.Close()
	return s.Serve(ctx)
}

func WithMiddleware(handler UDPHandlerFunc, ms ...Middleware) UDPHandlerFunc {
	for i := len(ms) - 1; i >= 0; i-- {
		handler = ms[i](handler)
	}
	return handler
}

func LoggingMiddleware(next UDPHandlerFunc) UDPHandlerFunc {
	return func(ctx context.Context, d Datagram) []byte {
		logger.DebugContext(ctx, "got message", "from", d.From.String(), "size", len(d.Data), "broadcast", d.Broadcast)
		response := next(ctx, d)
		if len(response) > 0 {
			logger.DebugContext(ctx, "send message", "to", d.From.String(), "size", len(response))
		}
		return response
	}
}

func TracingMiddleware(next UDPHandlerFunc) UDPHandlerFunc {
	return func(ctx context.Context, d Datagram) []byte {
		ctx, span := tracer.Start(ctx, "datagram", trace.WithAttributes(
			attribute.String("from", d.From.String()),
			attribute.Int("size", len(d.Data)),
			attribute.Bool("broadcast", d.Broadcast),
		))
		defer span.End()

		response := next(ctx, d)
		span.SetAttributes(attribute.Int("response.size", len(response)))
		return response
	}
}

// RateLimitMiddleware drops datagrams arriving faster than limit per second,
// allowing bursts of up to burst datagrams. Dropped datagrams get no reply.
func RateLimitMiddleware(limit rate.Limit, burst int) Middleware {
	limiter := rate.NewLimiter(limit, burst)
	return func(next UDPHandlerFunc) UDPHandlerFunc {
		return func(ctx context.Context, d Datagram) []byte {
			if !limiter.Allow() {
				logger.DebugContext(ctx, "rate limited", "from", d.From.String())
				return nil
			}
			return next(ctx, d)
		}
	}
}

// EchoHandler sends every datagram back unchanged.
func EchoHandler(ctx context.Context, d Datagram) []byte {
	return d.Data
}

func isBroadcast(dst net.IP, ifIndex int) bool {
	if dst == nil {
		return false
	}
	if dst.Equal(net.IPv4bcast) {
		return true
	}
	if ifIndex == 0 {
		return false
	}
	ifi, err := net.InterfaceByIndex(ifIndex)
	if err != nil {
		return false
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return false
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.To4() == nil {
			continue
		}
		// point-to-point and /31 networks have no broadcast address
		if ones, bits := ipnet.Mask.Size(); bits-ones < 2 {
			continue
		}
		if dst.Equal(directedBroadcast(ipnet)) {
			return true
		}
	}
	return false
}

func directedBroadcast(n *net.IPNet) net.IP {
	ip := n.IP.To4()
	mask := n.Mask
	if len(mask) == net.IPv6len {
		mask = mask[12:]
	}
	bcast := make(net.IP, net.IPv4len)
	for i := range bcast {
		bcast[i] = ip[i] | ^mask[i]
	}
	return bcast
}
