//go:build unix

package sockopt

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func enable(fd uintptr, o Option) error {
	var name int
	switch o {
	case ReuseAddr:
		name = unix.SO_REUSEADDR
	case Broadcast:
		name = unix.SO_BROADCAST
	default:
		return fmt.Errorf("unknown socket option %v", o)
	}
	if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, name, 1); err != nil {
		return fmt.Errorf("set %v: %w", o, err)
	}
	return nil
}

// Enabled reports whether o is currently set on fd.
func Enabled(fd uintptr, o Option) (bool, error) {
	var name int
	switch o {
	case ReuseAddr:
		name = unix.SO_REUSEADDR
	case Broadcast:
		name = unix.SO_BROADCAST
	default:
		return false, fmt.Errorf("unknown socket option %v", o)
	}
	v, err := unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, name)
	if err != nil {
		return false, fmt.Errorf("get %v: %w", o, err)
	}
	return v != 0, nil
}
