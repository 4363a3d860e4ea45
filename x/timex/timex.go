package timex

import (
	"context"
	"sync"
	"time"
)

// Clock is the time source of the sensor stack. Sleep returns early with
// ctx.Err() when ctx is done.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// System is the wall clock.
var System Clock = systemClock{}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

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

// Or returns c, or System when c is nil.
func Or(c Clock) Clock {
	if c == nil {
		return System
	}
	return c
}

// Ms returns t as Unix milliseconds.
func Ms(t time.Time) int64 { return t.UnixMilli() }

// DurMs returns d in whole milliseconds.
func DurMs(d time.Duration) int64 { return d.Milliseconds() }

// Manual is a Clock that only moves when slept on or advanced. Sleep never
// blocks. Safe for concurrent use.
type Manual struct {
	mu    sync.Mutex
	t     time.Time
	slept time.Duration
	hook  func(time.Duration)
}

// NewManual returns a Manual clock reading start.
func NewManual(start time.Time) *Manual { return &Manual{t: start} }

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t
}

func (m *Manual) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d > 0 {
		m.Advance(d)
		m.mu.Lock()
		m.slept += d
		hook := m.hook
		m.mu.Unlock()
		if hook != nil {
			hook(d)
		}
	}
	return ctx.Err()
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.t = m.t.Add(d)
	m.mu.Unlock()
}

// Slept is the total duration passed to Sleep so far.
func (m *Manual) Slept() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slept
}

// OnSleep installs fn to run after every non-zero Sleep.
func (m *Manual) OnSleep(fn func(time.Duration)) {
	m.mu.Lock()
	m.hook = fn
	m.mu.Unlock()
}
