//go:build !rp2040 && !rp2350

// Command aqm runs the air-quality monitor on a Linux host: it polls a SEN5x
// sensor into the sample store and serves the web UI, alerts, metrics and
// MQTT feed.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"tinygo.org/x/drivers"

	"aqm-go/bus"
	"aqm-go/drivers/sen5x"
	"aqm-go/platform"
	"aqm-go/services/alerts"
	"aqm-go/services/config"
	"aqm-go/services/fanclean"
	"aqm-go/services/heartbeat"
	"aqm-go/services/metrics"
	"aqm-go/services/mqttpub"
	"aqm-go/services/poller"
	"aqm-go/services/webui"
	"aqm-go/store"
)

const busQueueLen = 16

func main() {
	cfgPath := flag.String("config", "/etc/aqm/config.yaml", "YAML config file; missing file means defaults")
	board := flag.String("board", "", "start from a board preset (pico, pico2, rpi)")
	sim := flag.Bool("sim", false, "use a simulated sensor instead of the I2C bus")
	dump := flag.Bool("dump-config", false, "print the effective config and exit")
	flag.Parse()

	base := config.Default()
	if *board != "" {
		var ok bool
		if base, ok = config.ForBoard(*board); !ok {
			fatal("unknown board", fmt.Errorf("%q", *board), 2)
		}
	}
	cfg, err := config.Load(*cfgPath, base)
	if err != nil {
		fatal("config", err, 2)
	}
	if *dump {
		b, err := cfg.Marshal()
		if err != nil {
			fatal("config", err, 2)
		}
		os.Stdout.Write(b)
		return
	}
	slog.SetDefault(newLogger(cfg.Log))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, *sim); err != nil {
		fatal("aqm stopped", err, 1)
	}
	slog.Info("aqm stopped")
}

func newLogger(c config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func fatal(msg string, err error, code int) {
	slog.Error(msg, "err", err)
	os.Exit(code)
}

func openSensorBus(cfg *config.Config, sim bool) (drivers.I2C, func(), error) {
	if sim {
		s := sen5x.NewSim()
		s.Addr = cfg.Sensor.I2C.Addr
		s.Source = simSource()
		slog.Warn("using simulated sensor")
		return s, func() {}, nil
	}
	b, err := platform.OpenI2C(cfg.Sensor.I2C)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("i2c bus open", "bus", b, "addr", fmt.Sprintf("%#02x", cfg.Sensor.I2C.Addr))
	return b, func() { b.Close() }, nil
}

func run(ctx context.Context, cfg *config.Config, sim bool) error {
	b := bus.NewBus(busQueueLen)
	config.Publish(b.NewConnection("config"), cfg)

	i2c, closeBus, err := openSensorBus(cfg, sim)
	if err != nil {
		return err
	}
	defer closeBus()

	dev := sen5x.New(i2c, sen5x.Config{Address: cfg.Sensor.I2C.Addr})
	if serial, err := dev.SerialNumber(); err != nil {
		slog.Warn("sensor serial number", "err", err)
	} else {
		slog.SetDefault(slog.Default().With("serial", serial))
		slog.Info("sensor found", "serial", serial)
	}

	st, err := store.New(cfg.Sensor.SampleCount, cfg.Sensor.SampleInterval)
	if err != nil {
		return err
	}

	fan, err := fanclean.New(dev, fanclean.Config{
		MinInterval: cfg.Sensor.FanCleanMinInterval,
		Schedule:    cfg.Sensor.FanCleanSchedule,
	})
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mx, err := metrics.New(reg, st)
	if err != nil {
		return err
	}

	pcfg := poller.Config{
		Interval:      cfg.Sensor.SampleInterval,
		ErrorInterval: cfg.Sensor.ErrorCheckInterval,
		ErrorLimit:    cfg.Sensor.I2C.ErrorLimit,
		ResetOnStart:  cfg.Sensor.ResetOnStart,
		StopOnExit:    cfg.Sensor.StopOnExit,
		TempComp:      cfg.Sensor.TempComp.Value(),
		Verbose:       cfg.Sensor.Verbose,
	}

	g, ctx := errgroup.WithContext(ctx)
	// Sensor faults restart the poller; the exports keep serving the history.
	g.Go(func() error {
		return poller.Supervise(ctx, dev, st, b.NewConnection("poller"), pcfg, poller.DefaultRestartDelay)
	})
	g.Go(func() error { return mx.Run(ctx, b.NewConnection("metrics")) })
	fan.Start(ctx)
	if err := (&heartbeat.Service{Store: st}).Start(ctx, b.NewConnection("heartbeat")); err != nil {
		return err
	}

	acfg := alerts.FromConfig(cfg.Alerts)
	if alerts.Enabled(acfg) {
		a, err := alerts.New(acfg)
		if err != nil {
			return err
		}
		g.Go(func() error { return a.Run(ctx, b.NewConnection("alerts")) })
	}

	if cfg.MQTT.Broker != "" {
		pub := mqttpub.New(mqttpub.Config{
			Broker:   cfg.MQTT.Broker,
			Topic:    cfg.MQTT.Topic,
			ClientID: cfg.MQTT.ClientID,
			QoS:      cfg.MQTT.QoS,
			Timeout:  cfg.MQTT.Timeout,
		})
		g.Go(func() error {
			// Broker trouble does not stop the monitor.
			if err := pub.Run(ctx, b.NewConnection("mqtt")); err != nil {
				slog.Error("mqtt publisher stopped", "err", err)
			}
			return nil
		})
	}

	if cfg.WebUI.Enabled {
		wcfg := webui.Config{
			Title:      cfg.WebUI.Title,
			URLPrefix:  cfg.WebUI.URLPrefix,
			MarksBytes: cfg.WebUI.MarksBytes,
			StaticDir:  cfg.WebUI.StaticDir,
			Verbose:    cfg.WebUI.Verbose,
		}
		if cfg.WebUI.Metrics {
			wcfg.Metrics = metrics.Handler(reg)
		}
		srv := webui.New(st, fan, wcfg)
		g.Go(func() error { return srv.Serve(ctx, cfg.WebUI.Listen) })
	}

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		slog.Warn("systemd notify", "err", err)
	} else if ok {
		slog.Debug("systemd notified")
	}
	slog.Info("aqm started", "interval", cfg.Sensor.SampleInterval, "slots", cfg.Sensor.SampleCount)

	err = g.Wait()
	daemon.SdNotify(false, daemon.SdNotifyStopping)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
