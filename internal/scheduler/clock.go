package scheduler

import (
	"context"
	"math/rand"
	"time"
)

// Clock is the scheduler's view of time. Tests substitute a simulated clock
// to move across hours without waiting.
type Clock interface {
	Now() time.Time
	// Sleep pauses for d or until ctx is done, whichever comes first.
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

// RealClock returns the wall clock in local time.
func RealClock() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// jitterWindow is the width, in minutes, of the randomized start window.
const jitterWindow = 10

// Delay returns uniform[span, span+10) minutes plus uniform[0, 60) seconds.
func Delay(spanMinutes int, rng *rand.Rand) time.Duration {
	if spanMinutes < 0 {
		spanMinutes = 0
	}
	minutes := spanMinutes + rng.Intn(jitterWindow)
	seconds := rng.Intn(60)
	return time.Duration(minutes)*time.Minute + time.Duration(seconds)*time.Second
}

func newRand() *rand.Rand {
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}
