//go:build !unix

package sockopt

import (
	"errors"
	"fmt"
)

func enable(fd uintptr, o Option) error {
	return fmt.Errorf("set %v: %w", o, errors.ErrUnsupported)
}

func Enabled(fd uintptr, o Option) (bool, error) {
	return false, fmt.Errorf("get %v: %w", o, errors.ErrUnsupported)
}
