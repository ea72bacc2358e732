//go:build unix

package sockopt

import (
	"context"
	"net"
	"testing"
)

func TestControlSetsOptions(t *testing.T) {
	var sockopttests = []struct {
		name string
		opts []Option
		want map[Option]bool
	}{
		{"none", nil, map[Option]bool{ReuseAddr: false, Broadcast: false}},
		{"reuse", []Option{ReuseAddr}, map[Option]bool{ReuseAddr: true}},
		{"both", []Option{ReuseAddr, Broadcast}, map[Option]bool{ReuseAddr: true, Broadcast: true}},
	}

	for _, tt := range sockopttests {
		t.Run(tt.name, func(t *testing.T) {
			lc := net.ListenConfig{Control: Control(tt.opts...)}
			pc, err := lc.ListenPacket(context.Background(), "udp4", "127.0.0.1:0")
			if err != nil {
				t.Fatalf("could not listen: %v", err)
			}
			defer pc.Close()

			raw, err := pc.(*net.UDPConn).SyscallConn()
			if err != nil {
				t.Fatalf("could not get raw conn: %v", err)
			}

			for o, want := range tt.want {
				var got bool
				var getErr error
				err = raw.Control(func(fd uintptr) {
					got, getErr = Enabled(fd, o)
				})
				if err != nil || getErr != nil {
					t.Fatalf("could not read %v: %v %v", o, err, getErr)
				}
				// Go enables SO_BROADCAST on every UDP socket, only check when requested.
				if o == Broadcast && !want {
					continue
				}
				if got != want {
					t.Errorf("%v is %v, want %v", o, got, want)
				}
			}
		})
	}
}

func TestOptionString(t *testing.T) {
	if got := ReuseAddr.String(); got != "SO_REUSEADDR" {
		t.Errorf("got %q, want %q", got, "SO_REUSEADDR")
	}
	if got := Option(42).String(); got != "Option(42)" {
		t.Errorf("got %q, want %q", got, "Option(42)")
	}
}
