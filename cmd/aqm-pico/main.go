//go:build rp2040 || rp2350

// Command aqm-pico is the RP2040/RP2350 firmware: it polls the SEN5x into the
// sample store and logs to the USB serial console.
package main

import (
	"context"
	"log/slog"
	"time"

	"aqm-go/bus"
	"aqm-go/drivers/sen5x"
	"aqm-go/platform"
	"aqm-go/services/config"
	"aqm-go/services/heartbeat"
	"aqm-go/services/poller"
	"aqm-go/store"
)

func main() {
	// Allow USB CDC to enumerate before we print.
	time.Sleep(2 * time.Second)

	cfg, _ := config.ForBoard(board)
	log := slog.Default().With("board", board)
	log.Info("aqm init")

	b := bus.NewBus(4)
	config.Publish(b.NewConnection("config"), cfg)

	i2c, err := platform.OpenI2C(cfg.Sensor.I2C)
	if err != nil {
		halt(log, "i2c", err)
	}
	dev := sen5x.New(i2c, sen5x.Config{Address: cfg.Sensor.I2C.Addr})
	if serial, err := dev.SerialNumber(); err != nil {
		log.Warn("sensor serial number", "err", err)
	} else {
		log.Info("sensor found", "serial", serial)
	}

	st, err := store.New(cfg.Sensor.SampleCount, cfg.Sensor.SampleInterval)
	if err != nil {
		halt(log, "store", err)
	}

	ctx := context.Background()
	(&heartbeat.Service{Store: st, Logger: log}).Start(ctx, b.NewConnection("heartbeat"))

	pcfg := poller.Config{
		Interval:      cfg.Sensor.SampleInterval,
		ErrorInterval: cfg.Sensor.ErrorCheckInterval,
		ErrorLimit:    cfg.Sensor.I2C.ErrorLimit,
		ResetOnStart:  cfg.Sensor.ResetOnStart,
		StopOnExit:    cfg.Sensor.StopOnExit,
		TempComp:      cfg.Sensor.TempComp.Value(),
		Verbose:       cfg.Sensor.Verbose,
		Logger:        log,
	}
	poller.Supervise(ctx, dev, st, b.NewConnection("poller"), pcfg, poller.DefaultRestartDelay)
}

func halt(log *slog.Logger, msg string, err error) {
	for {
		log.Error(msg, "err", err)
		time.Sleep(10 * time.Second)
	}
}
