// Package repeat sends a fixed sequence of payloads over and over at a
// fixed rate. The clock is injectable so schedules can be tested without
// waiting on the wall clock.
package repeat

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, returning ctx.Err() in the
	// latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendFunc sends payload number i of the sequence during the given round.
type SendFunc func(ctx context.Context, round, i int, payload []byte) error

var (
	ErrNoPayloads = errors.New("no payloads to send")

	// ErrNoInterval is returned for an endless loop without a pause.
	ErrNoInterval = errors.New("endless loop needs a positive interval")
)

type Loop struct {
	// Interval separates consecutive sends, also across rounds.
	Interval time.Duration

	// Rounds is how many times the whole sequence is sent, zero repeats
	// until the context is done.
	Rounds int

	// Clock defaults to SystemClock.
	Clock Clock
}

// Run sends payloads in order, one every Interval. Send k is due at
// start + k*Interval so slow sends do not make the schedule drift; a send
// that overruns its slot is followed immediately by the next one.
// Run returns nil when ctx is done and stops at the first send error.
func (l *Loop) Run(ctx context.Context, payloads [][]byte, send SendFunc) error {
	if len(payloads) == 0 {
		return ErrNoPayloads
	}
	if l.Interval < 0 {
		return fmt.Errorf("negative interval %v", l.Interval)
	}
	if l.Rounds < 0 {
		return fmt.Errorf("negative rounds %d", l.Rounds)
	}
	if l.Rounds == 0 && l.Interval == 0 {
		return ErrNoInterval
	}
	clock := l.Clock
	if clock == nil {
		clock = SystemClock
	}

	start := clock.Now()
	k := 0
	for round := 0; l.Rounds == 0 || round < l.Rounds; round++ {
		for i, payload := range payloads {
			if k > 0 {
				due := start.Add(time.Duration(k) * l.Interval)
				if err := clock.Sleep(ctx, due.Sub(clock.Now())); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return fmt.Errorf("sleep before round %d, payload %d: %w", round, i, err)
				}
			}
			if ctx.Err() != nil {
				return nil
			}
			if err := send(ctx, round, i, payload); err != nil {
				return fmt.Errorf("round %d, payload %d: %w", round, i, err)
			}
			k++
		}
	}
	return nil
}
