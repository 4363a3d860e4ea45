package poller

import (
	"context"
	"log/slog"
	"time"

	"aqm-go/bus"
	"aqm-go/store"
	"aqm-go/x/timex"
)

// DefaultRestartDelay is the pause between a poller giving up and the next
// one starting.
const DefaultRestartDelay = 30 * time.Second

// Supervise runs pollers back to back until ctx is done, waiting delay after
// each one stops. Sensor faults never end it; it only returns ctx.Err().
// Restarts reset the sensor, which may have been left measuring.
func Supervise(ctx context.Context, dev Sensor, st *store.Store, conn *bus.Connection, cfg Config, delay time.Duration) error {
	clk := timex.Or(cfg.Clock)
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if delay <= 0 {
		delay = DefaultRestartDelay
	}
	for {
		err := New(dev, st, conn, cfg).Run(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Error("poller stopped, restarting", "err", err, "delay", delay)
		if err := clk.Sleep(ctx, delay); err != nil {
			return err
		}
		cfg.ResetOnStart = true
	}
}
