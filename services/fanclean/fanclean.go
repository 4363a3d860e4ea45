// Package fanclean runs the SEN5x fan-cleaning procedure, at most once per
// minimum interval, on demand or on a cron schedule.
package fanclean

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"aqm-go/errcode"
	"aqm-go/x/timex"
)

// ErrTooSoon is returned by Clean inside the minimum interval.
var ErrTooSoon = &errcode.E{C: errcode.TooSoon, Op: "fanclean", Msg: "minimum interval not elapsed"}

// Gate allows one action per MinInterval. The zero Gate always allows.
type Gate struct {
	MinInterval time.Duration

	mu   sync.Mutex
	last time.Time
}

// Allowed reports whether an action may run at now and, if not, how long
// until it may.
func (g *Gate) Allowed(now time.Time) (bool, time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.allowed(now)
}

func (g *Gate) allowed(now time.Time) (bool, time.Duration) {
	if g.last.IsZero() {
		return true, 0
	}
	if wait := g.MinInterval - now.Sub(g.last); wait > 0 {
		return false, wait
	}
	return true, 0
}

// take marks an action at now if allowed.
func (g *Gate) take(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ok, _ := g.allowed(now); !ok {
		return false
	}
	g.last = now
	return true
}

// Last is the time of the last accepted action, zero if none.
func (g *Gate) Last() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

// Device is the part of *sen5x.Device used here.
type Device interface {
	StartFanCleaning() error
}

type Config struct {
	MinInterval time.Duration
	Schedule    string // cron, empty = on demand only
	Clock       timex.Clock
	Logger      *slog.Logger
}

type Cleaner struct {
	dev  Device
	gate *Gate
	clk  timex.Clock
	log  *slog.Logger
	cron *cron.Cron
}

// New validates the schedule and returns a Cleaner; Start must be called
// for the schedule to run.
func New(dev Device, cfg Config) (*Cleaner, error) {
	c := &Cleaner{
		dev:  dev,
		gate: &Gate{MinInterval: cfg.MinInterval},
		clk:  timex.Or(cfg.Clock),
		log:  cfg.Logger,
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	c.log = c.log.With("component", "fanclean")
	if cfg.Schedule != "" {
		c.cron = cron.New()
		_, err := c.cron.AddFunc(cfg.Schedule, func() {
			if err := c.Clean(context.Background()); err != nil {
				c.log.Warn("scheduled fan cleaning", "err", err)
			}
		})
		if err != nil {
			return nil, &errcode.E{C: errcode.InvalidConfig, Op: "fanclean", Msg: fmt.Sprintf("schedule %q", cfg.Schedule), Err: err}
		}
	}
	return c, nil
}

// Gate exposes the interval gate for status display.
func (c *Cleaner) Gate() *Gate { return c.gate }

// Allowed is Gate().Allowed at the current time.
func (c *Cleaner) Allowed() (bool, time.Duration) { return c.gate.Allowed(c.clk.Now()) }

// Clean starts fan cleaning if the minimum interval has passed since the
// last accepted run. A failed command does not consume the interval.
func (c *Cleaner) Clean(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := c.clk.Now()
	prev := c.gate.Last()
	if !c.gate.take(now) {
		return ErrTooSoon
	}
	if err := c.dev.StartFanCleaning(); err != nil {
		c.gate.mu.Lock()
		if c.gate.last.Equal(now) {
			c.gate.last = prev
		}
		c.gate.mu.Unlock()
		return fmt.Errorf("fanclean: %w", err)
	}
	c.log.Info("fan cleaning started")
	return nil
}

// Start runs the schedule, if any, until ctx is done.
func (c *Cleaner) Start(ctx context.Context) {
	if c.cron == nil {
		return
	}
	c.cron.Start()
	go func() {
		<-ctx.Done()
		<-c.cron.Stop().Done()
	}()
}
