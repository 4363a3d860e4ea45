// Package poller drives a SEN5x sensor on two independent schedules: sample
// reads into the store and status register checks. Transport failures are
// retried under a token-bucket limit; once that is spent the poller stops
// for good and Supervise starts a fresh one after a pause.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"aqm-go/bus"
	"aqm-go/drivers/sen5x"
	"aqm-go/errcode"
	"aqm-go/store"
	"aqm-go/x/mathx"
	"aqm-go/x/ratelimit"
	"aqm-go/x/timex"
)

// ErrExhausted is returned by Run once failures exceed the configured limit.
var ErrExhausted = errors.New("poller: sensor failure limit exhausted")

// Sensor is the part of *sen5x.Device the poller uses.
type Sensor interface {
	Reset() error
	StartMeasurement() error
	StopMeasurement() error
	SetTemperatureCompensation(sen5x.TempCompensation) error
	DataReady() (bool, error)
	ReadMeasuredValues(dst []byte) error
	ReadDeviceStatus(dst []byte) error
}

// Config tunes a Poller; zero fields take the firmware defaults.
type Config struct {
	Interval      time.Duration // sample interval
	ErrorInterval time.Duration // status register check interval
	ErrorLimit    ratelimit.Limit

	ResetOnStart bool
	StopOnExit   bool
	TempComp     *sen5x.TempCompensation

	// Intervals up to ReadyThreshold poll the data-ready flag before each
	// read, up to ReadyAttempts times, ReadyBackoff apart.
	ReadyThreshold time.Duration
	ReadyBackoff   time.Duration
	ReadyAttempts  int

	Warmup time.Duration // after start measurement
	Slack  time.Duration // deadlines closer than this are serviced early

	Verbose bool // log every sample at info level

	Clock  timex.Clock
	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.ErrorInterval <= 0 {
		c.ErrorInterval = 3701 * time.Second
	}
	if c.ErrorLimit.N == 0 {
		c.ErrorLimit = ratelimit.MustParse("8 / 3m")
	}
	if c.ReadyThreshold == 0 {
		c.ReadyThreshold = 1500 * time.Millisecond
	}
	if c.ReadyBackoff <= 0 {
		c.ReadyBackoff = 200 * time.Millisecond
	}
	if c.ReadyAttempts <= 0 {
		c.ReadyAttempts = 25
	}
	if c.Warmup == 0 {
		c.Warmup = time.Second
	}
	if c.Slack <= 0 {
		c.Slack = 10 * time.Millisecond
	}
	c.Clock = timex.Or(c.Clock)
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Poller owns the measurement session of one sensor.
type Poller struct {
	dev  Sensor
	st   *store.Store
	conn *bus.Connection
	cfg  Config
	log  *slog.Logger
	clk  timex.Clock

	limiter   *ratelimit.Bucket
	state     atomic.Uint32
	announced sen5x.Status
}

// New creates a poller writing into st. conn may be nil.
func New(dev Sensor, st *store.Store, conn *bus.Connection, cfg Config) *Poller {
	cfg.setDefaults()
	return &Poller{
		dev:     dev,
		st:      st,
		conn:    conn,
		cfg:     cfg,
		log:     cfg.Logger.With("component", "poller"),
		clk:     cfg.Clock,
		limiter: ratelimit.New(cfg.ErrorLimit, cfg.Clock),
	}
}

func (p *Poller) State() State { return State(p.state.Load()) }

func (p *Poller) setState(s State) {
	if State(p.state.Swap(uint32(s))) == s {
		return
	}
	p.log.Debug("state", "state", s)
	p.publish(TopicState, s, true)
}

func (p *Poller) publish(t bus.Topic, payload any, retained bool) {
	if p.conn != nil {
		p.conn.Publish(p.conn.NewMessage(t, payload, retained))
	}
}

// Run polls until ctx is cancelled or the failure limit is exhausted. It
// returns ctx.Err() or an error wrapping ErrExhausted and the last failure.
// Measurement is started once; failures after that resume polling only.
func (p *Poller) Run(ctx context.Context) error {
	p.state.Store(uint32(Starting))
	p.publish(TopicState, Starting, true)
	defer func() {
		if p.cfg.StopOnExit {
			if err := p.dev.StopMeasurement(); err != nil {
				p.log.Error("stop measurement failed", "err", err)
			}
		}
		p.setState(Stopped)
	}()

	started := false
	for {
		var err error
		if !started {
			err = p.start(ctx)
			started = err == nil
		}
		if started {
			err = p.poll(ctx)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !errcode.Retryable(err) {
			p.log.Error("sensor poller failed", "err", err)
			return err
		}
		p.log.Error("sensor poll failed", "err", err)
		p.publish(TopicFault, FaultEvent{Time: p.clk.Now(), Err: err, Code: errcode.Of(err)}, false)
		if !p.limiter.TryConsume() {
			p.log.Error("sensor-poll failure rate-limiting", "limit", p.cfg.ErrorLimit.String(), "err", err)
			return fmt.Errorf("%w: %w", ErrExhausted, err)
		}
		p.setState(Recovering)
	}
}

// start brings the sensor into measurement mode. It is repeated as a whole
// until it succeeds once.
func (p *Poller) start(ctx context.Context) error {
	if p.cfg.ResetOnStart {
		if err := p.dev.Reset(); err != nil {
			return err
		}
	}
	if p.cfg.TempComp != nil {
		if err := p.dev.SetTemperatureCompensation(*p.cfg.TempComp); err != nil {
			return err
		}
	}
	if err := p.dev.StartMeasurement(); err != nil {
		return err
	}
	p.log.Info("measurement started", "interval", p.cfg.Interval, "error_interval", p.cfg.ErrorInterval)
	return p.clk.Sleep(ctx, p.cfg.Warmup)
}

// poll services both schedules until the first failure.
func (p *Poller) poll(ctx context.Context) error {
	p.setState(Running)
	var (
		interval = p.cfg.Interval
		errEvery = p.cfg.ErrorInterval
		slack    = p.cfg.Slack
		dataAt   time.Time // anchor of the data schedule
		errsAt   time.Time
		first    = true
	)
	for {
		loopAt := p.clk.Now()
		now := loopAt

		waitData := interval - now.Sub(dataAt)
		if dataAt.IsZero() || waitData < slack {
			if err := p.readSample(ctx, first || interval <= p.cfg.ReadyThreshold); err != nil {
				return err
			}
			now = p.clk.Now()
			if dataAt.IsZero() || now.Sub(dataAt)-interval > interval {
				// Late by more than an interval: take it as a gap, no catch-up.
				dataAt, waitData = now, interval
			} else {
				dataAt, waitData = loopAt, interval-now.Sub(loopAt)
			}
		}

		waitErrs := errEvery - now.Sub(errsAt)
		if errsAt.IsZero() || waitErrs < slack {
			if err := p.checkStatus(); err != nil {
				return err
			}
			errsAt, waitErrs = now, errEvery
		}

		first = false
		if err := p.clk.Sleep(ctx, mathx.Max(0, mathx.Min(waitData, waitErrs))); err != nil {
			return err
		}
	}
}

func (p *Poller) readSample(ctx context.Context, gate bool) error {
	if gate {
		for i := 1; ; i++ {
			ready, err := p.dev.DataReady()
			if err != nil {
				return err
			}
			if ready {
				break
			}
			if i >= p.cfg.ReadyAttempts {
				p.log.Warn("data not ready, reading anyway", "attempts", i)
				break
			}
			if err := p.clk.Sleep(ctx, p.cfg.ReadyBackoff); err != nil {
				return err
			}
		}
	}

	ts := p.clk.Now()
	ev := SampleEvent{Time: ts}
	err := p.st.Write(timex.Ms(ts), func(slot []byte) error {
		if err := p.dev.ReadMeasuredValues(slot); err != nil {
			return err
		}
		ev.Raw = [sen5x.SampleSize]byte(slot)
		return nil
	})
	if err != nil {
		return err
	}
	ev.Sample = sen5x.DecodeSample(ev.Raw[:])
	level := slog.LevelDebug
	if p.cfg.Verbose {
		level = slog.LevelInfo
	}
	p.log.Log(ctx, level, "sample", "values", ev.Sample)
	p.publish(TopicSample, ev, false)
	return nil
}

func (p *Poller) checkStatus() error {
	var st sen5x.Status
	err := p.st.WriteStatus(func(region []byte) error {
		if err := p.dev.ReadDeviceStatus(region); err != nil {
			return err
		}
		st = sen5x.DecodeStatus(region)
		return nil
	})
	if err != nil {
		return err
	}

	fresh := st &^ p.announced
	p.announced |= st
	for _, name := range fresh.Names() {
		p.log.Error("sensor error", "bit", name, "msg", sen5x.Describe(name))
	}
	p.publish(TopicStatus, StatusEvent{Time: p.clk.Now(), Status: st, New: fresh.Names()}, true)
	return nil
}
