package pserver

import (
	"context"
	"net"
	"runtime"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func startServer(t *testing.T, opts Options, handler UDPHandlerFunc) (*UDPServer, <-chan error) {
	t.Helper()
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:0"
	}
	ctx, cancel := context.WithCancel(context.Background())
	s, err := ListenUDP(ctx, opts, handler)
	if err != nil {
		cancel()
		t.Fatalf("could not listen: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		done <- s.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		s.Close()
	})
	return s, done
}

func dial(t *testing.T, s *UDPServer) *net.UDPConn {
	t.Helper()
	conn, err := net.DialUDP("udp4", nil, s.Addr())
	if err != nil {
		t.Fatalf("could not dial server: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	return conn
}

func TestEchoHandler(t *testing.T) {
	var echotests = []struct {
		input string
	}{
		{"T1"},
		{"\x01\x05"},
		{"lorem ipsum lorem ipsum lorem ipsum lorem ipsum lorem ipsum lorem ipsum"},
	}

	s, _ := startServer(t, Options{}, EchoHandler)
	conn := dial(t, s)

	for _, tt := range echotests {
		t.Run("check if (echo) server respond with same data", func(t *testing.T) {
			if _, err := conn.Write([]byte(tt.input)); err != nil {
				t.Fatalf("could not write data to server: %v", err)
			}
			buf := make([]byte, 1024)
			n, err := conn.Read(buf)
			if err != nil {
				t.Fatalf("could not read data from server: %v", err)
			}
			if string(buf[:n]) != tt.input {
				t.Fatalf("expected %q data, got %q", tt.input, string(buf[:n]))
			}
		})
	}
}

func TestDatagramMetadata(t *testing.T) {
	got := make(chan Datagram, 1)
	s, _ := startServer(t, Options{}, func(ctx context.Context, d Datagram) []byte {
		got <- d
		return nil
	})
	conn := dial(t, s)

	if _, err := conn.Write([]byte{1, 2}); err != nil {
		t.Fatalf("could not write data to server: %v", err)
	}

	select {
	case d := <-got:
		local := conn.LocalAddr().(*net.UDPAddr)
		if d.From.Port != local.Port {
			t.Errorf("from port is %d, want %d", d.From.Port, local.Port)
		}
		if d.Dst != nil && !d.Dst.Equal(net.IPv4(127, 0, 0, 1)) {
			t.Errorf("dst is %v, want 127.0.0.1", d.Dst)
		}
		if d.Broadcast {
			t.Errorf("unicast datagram flagged as broadcast")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not called")
	}
}

func TestNoResponse(t *testing.T) {
	s, _ := startServer(t, Options{}, func(ctx context.Context, d Datagram) []byte {
		return nil
	})
	conn := dial(t, s)
	_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))

	_, _ = conn.Write([]byte("version"))
	buf := make([]byte, 16)
	if _, err := conn.Read(buf); err == nil {
		t.Errorf("expected no reply but got one")
	}
}

func TestTruncatedByBufferSize(t *testing.T) {
	s, _ := startServer(t, Options{BufferSize: 4}, EchoHandler)
	conn := dial(t, s)

	_, _ = conn.Write([]byte("0123456789"))
	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("could not read data from server: %v", err)
	}
	if string(buf[:n]) != "0123" {
		t.Errorf("got %q, want %q", buf[:n], "0123")
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s, err := ListenUDP(ctx, Options{Addr: "127.0.0.1:0"}, EchoHandler)
	if err != nil {
		t.Fatalf("could not listen: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		done <- s.Serve(ctx)
	}()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestReuseAddr(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("rebinding semantics checked on linux only")
	}
	first, _ := startServer(t, Options{ReuseAddr: true}, EchoHandler)

	second, err := ListenUDP(context.Background(), Options{Addr: first.Addr().String(), ReuseAddr: true}, EchoHandler)
	if err != nil {
		t.Fatalf("could not rebind %v: %v", first.Addr(), err)
	}
	second.Close()
}

func TestWithMiddleware(t *testing.T) {
	var mu sync.Mutex
	var order []string
	mark := func(name string) Middleware {
		return func(next UDPHandlerFunc) UDPHandlerFunc {
			return func(ctx context.Context, d Datagram) []byte {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				return next(ctx, d)
			}
		}
	}

	handler := WithMiddleware(EchoHandler, mark("first"), mark("second"), LoggingMiddleware, TracingMiddleware)
	got := handler(context.Background(), Datagram{Data: []byte("T1"), From: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9090}})

	if string(got) != "T1" {
		t.Errorf("got %q, want %q", got, "T1")
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("middleware ran in order %v, want [first second]", order)
	}
}

func TestDirectedBroadcast(t *testing.T) {
	var bcasttests = []struct {
		cidr string
		want string
	}{
		{"192.168.86.20/24", "192.168.86.255"},
		{"10.100.23.129/16", "10.100.255.255"},
		{"127.0.0.1/8", "127.255.255.255"},
	}

	for _, tt := range bcasttests {
		ip, n, err := net.ParseCIDR(tt.cidr)
		if err != nil {
			t.Fatalf("bad cidr %q: %v", tt.cidr, err)
		}
		n.IP = ip
		got := directedBroadcast(n)
		if !got.Equal(net.ParseIP(tt.want)) {
			t.Errorf("%s: got %v, want %s", tt.cidr, got, tt.want)
		}
	}

	if !isBroadcast(net.IPv4bcast, 0) {
		t.Errorf("255.255.255.255 should be a broadcast address")
	}
	if isBroadcast(nil, 0) {
		t.Errorf("missing destination should not be a broadcast address")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	calls := 0
	handler := WithMiddleware(func(ctx context.Context, d Datagram) []byte {
		calls++
		return d.Data
	}, RateLimitMiddleware(rate.Every(time.Hour), 2))

	d := Datagram{Data: []byte("T1"), From: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9090}}
	for i := 0; i < 2; i++ {
		if got := handler(context.Background(), d); string(got) != "T1" {
			t.Errorf("datagram %d: got %q, want %q", i, got, "T1")
		}
	}
	if got := handler(context.Background(), d); got != nil {
		t.Errorf("datagram over the limit answered with %q", got)
	}
	if calls != 2 {
		t.Errorf("handler called %d times, want 2", calls)
	}
}
