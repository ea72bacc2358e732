// Package command builds the short ad-hoc request payloads the LED boards
// understand. No schema is shared between the formats; the payload to send
// is chosen by configuration through Parse.
package command

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dlclark/regexp2"
)

const (
	// PatternCode is the first byte of a pattern selection command.
	PatternCode byte = 1

	MaxPattern = 6
)

var (
	ErrEmpty         = errors.New("empty command")
	ErrPatternRange  = errors.New("pattern index out of range")
	ErrUnknownFormat = errors.New("unknown command format")
)

// Command is a raw request payload.
type Command []byte

func (c Command) Validate() error {
	if len(c) == 0 {
		return ErrEmpty
	}
	return nil
}

// Hex renders the payload the way the receiver prints it.
func (c Command) Hex() string {
	return hex.EncodeToString(c)
}

// PatternIndex returns n for a [PatternCode, n] command.
func (c Command) PatternIndex() (int, bool) {
	if len(c) != 2 || c[0] != PatternCode || int(c[1]) > MaxPattern {
		return 0, false
	}
	return int(c[1]), true
}

// Pattern returns the two byte command selecting pattern n.
func Pattern(n int) (Command, error) {
	if n < 0 || n > MaxPattern {
		return nil, fmt.Errorf("%w: %d not in [0, %d]", ErrPatternRange, n, MaxPattern)
	}
	return Command{PatternCode, byte(n)}, nil
}

// PatternCycle returns every pattern command in order.
func PatternCycle() []Command {
	cycle := make([]Command, 0, MaxPattern+1)
	for n := 0; n <= MaxPattern; n++ {
		cycle = append(cycle, Command{PatternCode, byte(n)})
	}
	return cycle
}

// Text returns the literal ASCII bytes of s, e.g. "T1".
func Text(s string) Command {
	return Command(s)
}

var descRe = regexp2.MustCompile(`^(?<kind>pattern|text|hex):(?<value>.*)$`, regexp2.Singleline)

// Parse reads a payload description of the form "pattern:N", "text:T1" or
// "hex:0102". Spaces inside a hex value are ignored.
func Parse(desc string) (Command, error) {
	m, err := descRe.FindStringMatch(desc)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", desc, err)
	}
	if m == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, desc)
	}
	kind := m.GroupByName("kind").String()
	value := m.GroupByName("value").String()

	switch kind {
	case "pattern":
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("parse pattern index %q: %w", value, err)
		}
		return Pattern(n)
	case "text":
		if value == "" {
			return nil, ErrEmpty
		}
		return Text(value), nil
	case "hex":
		b, err := hex.DecodeString(strings.ReplaceAll(value, " ", ""))
		if err != nil {
			return nil, fmt.Errorf("parse hex %q: %w", value, err)
		}
		if len(b) == 0 {
			return nil, ErrEmpty
		}
		return Command(b), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, desc)
}
