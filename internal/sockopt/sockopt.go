// Package sockopt sets the socket options the UDP tools rely on before a
// socket is bound.
package sockopt

import (
	"fmt"
	"syscall"
)

type Option int

const (
	// ReuseAddr lets a listener rebind a port that is still in TIME_WAIT or
	// held by another process that also set it.
	ReuseAddr Option = iota + 1
	// Broadcast permits sending to a broadcast address.
	Broadcast
)

func (o Option) String() string {
	switch o {
	case ReuseAddr:
		return "SO_REUSEADDR"
	case Broadcast:
		return "SO_BROADCAST"
	}
	return fmt.Sprintf("Option(%d)", int(o))
}

// Control returns a function for net.ListenConfig.Control enabling every
// option in opts. With no options it does nothing.
func Control(opts ...Option) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		if len(opts) == 0 {
			return nil
		}
		var setErr error
		err := c.Control(func(fd uintptr) {
			for _, o := range opts {
				if setErr = enable(fd, o); setErr != nil {
					return
				}
			}
		})
		if err != nil {
			return fmt.Errorf("control %s socket: %w", network, err)
		}
		return setErr
	}
}
