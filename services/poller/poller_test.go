package poller

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aqm-go/bus"
	"aqm-go/drivers/sen5x"
	"aqm-go/errcode"
	"aqm-go/store"
	"aqm-go/x/ratelimit"
	"aqm-go/x/timex"
)

var t0 = time.UnixMilli(1_700_000_000_000)

type rig struct {
	sim  *sen5x.Sim
	dev  *sen5x.Device
	cfg  Config
	clk  *timex.Manual
	st   *store.Store
	bus  *bus.Bus
	conn *bus.Connection
	p    *Poller
}

func newRig(t *testing.T, cfg Config) *rig {
	t.Helper()
	r := &rig{sim: sen5x.NewSim(), clk: timex.NewManual(t0), bus: bus.NewBus(512)}
	r.sim.SetSample(sen5x.Sample{{V: 3.2, Valid: true}, {V: 4.1, Valid: true}})

	var err error
	r.st, err = store.New(64, cfg.Interval)
	require.NoError(t, err)

	r.conn = r.bus.NewConnection("test")
	cfg.Clock = r.clk
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	r.dev = sen5x.New(r.sim, sen5x.Config{Clock: r.clk})
	r.cfg = cfg
	r.p = New(r.dev, r.st, r.conn, cfg)
	return r
}

// runFor runs the poller until the clock passes t0+d.
func (r *rig) runFor(d time.Duration, hooks ...func(now time.Time)) error {
	return r.until(d, r.p.Run, hooks...)
}

// until calls run with a context cancelled once the clock passes t0+d.
func (r *rig) until(d time.Duration, run func(context.Context) error, hooks ...func(now time.Time)) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.clk.OnSleep(func(time.Duration) {
		now := r.clk.Now()
		for _, h := range hooks {
			h(now)
		}
		if now.Sub(t0) >= d {
			cancel()
		}
	})
	return run(ctx)
}

func drain[T any](sub *bus.Subscription) []T {
	var out []T
	for {
		select {
		case m := <-sub.Channel():
			if v, ok := m.Payload.(T); ok {
				out = append(out, v)
			}
		default:
			return out
		}
	}
}

func countOps(ops []uint16, cmd sen5x.Command) int {
	n := 0
	for _, op := range ops {
		if op == cmd.Opcode() {
			n++
		}
	}
	return n
}

func TestSamplesOnSchedule(t *testing.T) {
	r := newRig(t, Config{Interval: time.Minute, ErrorInterval: 3701 * time.Second, StopOnExit: true})
	samples := r.conn.Subscribe(TopicSample)

	err := r.runFor(10 * time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Stopped, r.p.State())
	assert.False(t, r.sim.Measuring())

	evs := drain[SampleEvent](samples)
	require.Len(t, evs, 10)
	// the first read waits on data-ready, later ones run on the anchor
	assert.InDelta(t, float64(time.Minute), float64(evs[1].Time.Sub(evs[0].Time)), float64(100*time.Millisecond))
	for i := 2; i < len(evs); i++ {
		assert.Equal(t, time.Minute, evs[i].Time.Sub(evs[i-1].Time), "sample %d", i)
	}
	assert.InDelta(t, 3.2, evs[0].Sample[sen5x.PM1_0].V, 1e-9)

	st := r.st.Stats()
	assert.Equal(t, 10, st.Count)
	assert.Zero(t, st.Skips)

	ops := r.sim.Ops()
	assert.Equal(t, 1, countOps(ops, sen5x.CmdReadDataReady), "only the first read is gated")
	assert.Equal(t, 1, countOps(ops, sen5x.CmdReadDeviceStatus))
	assert.Equal(t, sen5x.CmdStopMeasurement.Opcode(), ops[len(ops)-1])
}

func TestLateScheduleReanchors(t *testing.T) {
	r := newRig(t, Config{Interval: time.Minute, ErrorInterval: time.Hour})
	samples := r.conn.Subscribe(TopicSample)

	stalled := false
	err := r.runFor(15*time.Minute, func(now time.Time) {
		if !stalled && now.Sub(t0) > 3*time.Minute {
			stalled = true
			r.clk.Advance(5 * time.Minute)
		}
	})
	assert.ErrorIs(t, err, context.Canceled)

	evs := drain[SampleEvent](samples)
	require.NotEmpty(t, evs)
	gaps := 0
	for i := 1; i < len(evs); i++ {
		d := evs[i].Time.Sub(evs[i-1].Time)
		assert.GreaterOrEqual(t, d, time.Minute, "no catch-up burst")
		if d > 2*time.Minute {
			gaps++
		}
	}
	assert.Equal(t, 1, gaps)
	assert.Equal(t, 1, r.st.Stats().Skips)
	assert.Equal(t, len(evs), r.st.Count())
}

func TestReadyGatingShortInterval(t *testing.T) {
	r := newRig(t, Config{Interval: time.Second, ErrorInterval: time.Hour})
	r.sim.NotReadyFor(3)

	require.ErrorIs(t, r.runFor(10*time.Second), context.Canceled)

	ops := r.sim.Ops()
	reads := countOps(ops, sen5x.CmdReadMeasuredValues)
	assert.Greater(t, reads, 5)
	assert.Equal(t, reads+3, countOps(ops, sen5x.CmdReadDataReady))
}

func TestReadyGatingIsBounded(t *testing.T) {
	r := newRig(t, Config{Interval: time.Second, ErrorInterval: time.Hour, ReadyAttempts: 2})
	r.sim.NotReadyFor(1000)

	require.ErrorIs(t, r.runFor(5*time.Second), context.Canceled)
	assert.Positive(t, r.st.Count())
}

func TestStatusAnnouncedOnce(t *testing.T) {
	r := newRig(t, Config{Interval: time.Minute, ErrorInterval: time.Minute})
	statuses := r.conn.Subscribe(TopicStatus)
	r.sim.Latch(sen5x.StatusFan)

	latched := false
	require.ErrorIs(t, r.runFor(10*time.Minute, func(now time.Time) {
		if !latched && now.Sub(t0) > 5*time.Minute {
			latched = true
			r.sim.Latch(sen5x.StatusLaser)
		}
	}), context.Canceled)

	var announced [][]string
	evs := drain[StatusEvent](statuses)
	require.NotEmpty(t, evs)
	for _, ev := range evs {
		if len(ev.New) > 0 {
			announced = append(announced, ev.New)
		}
	}
	assert.Equal(t, [][]string{{"err_fan"}, {"err_laser"}}, announced)
	assert.Equal(t, sen5x.StatusFan|sen5x.StatusLaser, evs[len(evs)-1].Status)
	assert.Equal(t, sen5x.StatusFan|sen5x.StatusLaser, r.st.Errors())
}

func TestTransientFailureRecovers(t *testing.T) {
	r := newRig(t, Config{Interval: time.Minute, ErrorInterval: time.Hour, ErrorLimit: ratelimit.MustParse("3 / 10s")})
	faults := r.conn.Subscribe(TopicFault)
	states := r.conn.Subscribe(TopicState)
	r.sim.CorruptNext(1)

	require.ErrorIs(t, r.runFor(5*time.Minute), context.Canceled)

	fs := drain[FaultEvent](faults)
	require.Len(t, fs, 1)
	assert.Equal(t, errcode.Integrity, fs[0].Code)
	assert.ErrorIs(t, fs[0].Err, sen5x.ErrCRC)

	assert.Equal(t, []State{Starting, Running, Recovering, Running, Stopped}, drain[State](states))
	assert.Equal(t, 1, countOps(r.sim.Ops(), sen5x.CmdStartMeasurement), "recovery resumes polling only")
	assert.Positive(t, r.st.Count())
}

func TestSingleGlitchDoesNotExhaust(t *testing.T) {
	// One token: a second fault in the same window would stop the poller.
	r := newRig(t, Config{Interval: time.Minute, ErrorInterval: time.Hour, ErrorLimit: ratelimit.MustParse("1 / 10s")})
	faults := r.conn.Subscribe(TopicFault)
	boom := errors.New("arbitration lost")

	injected := false
	err := r.runFor(5*time.Minute, func(time.Time) {
		if !injected {
			injected = true // during warm-up, so the first poll fails
			r.sim.FailNext(1, boom)
		}
	})
	require.ErrorIs(t, err, context.Canceled)

	fs := drain[FaultEvent](faults)
	require.Len(t, fs, 1)
	assert.ErrorIs(t, fs[0].Err, boom)
	assert.Equal(t, 1, countOps(r.sim.Ops(), sen5x.CmdStartMeasurement))
	assert.True(t, r.sim.Measuring())
	assert.Equal(t, 5, r.st.Count())
}

func TestFailedStartIsRetried(t *testing.T) {
	r := newRig(t, Config{Interval: time.Minute, ErrorInterval: time.Hour, ResetOnStart: true})
	faults := r.conn.Subscribe(TopicFault)
	r.sim.FailNext(2, errors.New("bus stuck"))

	require.ErrorIs(t, r.runFor(3*time.Minute), context.Canceled)

	assert.Len(t, drain[FaultEvent](faults), 2)
	ops := r.sim.Ops()
	assert.Equal(t, 1, countOps(ops, sen5x.CmdReset))
	assert.Equal(t, 1, countOps(ops, sen5x.CmdStartMeasurement))
	assert.Equal(t, sen5x.CmdReset.Opcode(), ops[0])
	assert.Positive(t, r.st.Count())
}

func TestLimiterExhaustionStops(t *testing.T) {
	r := newRig(t, Config{Interval: time.Minute, ErrorLimit: ratelimit.MustParse("3 / 10s"), StopOnExit: true})
	faults := r.conn.Subscribe(TopicFault)
	boom := errors.New("bus stuck")
	r.sim.FailNext(1000, boom)

	err := r.runFor(time.Hour)
	require.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, Stopped, r.p.State())

	// three failures are retried, the fourth is refused
	assert.Len(t, drain[FaultEvent](faults), 4)
	assert.Zero(t, r.st.Count())
}

func TestSuperviseRestartsAfterExhaustion(t *testing.T) {
	r := newRig(t, Config{Interval: time.Minute, ErrorInterval: time.Hour, ErrorLimit: ratelimit.MustParse("3 / 10s")})
	states := r.conn.Subscribe(TopicState)
	faults := r.conn.Subscribe(TopicFault)
	r.sim.FailNext(4, errors.New("bus stuck"))

	err := r.until(10*time.Minute, func(ctx context.Context) error {
		return Supervise(ctx, r.dev, r.st, r.conn, r.cfg, time.Minute)
	})
	require.ErrorIs(t, err, context.Canceled)

	assert.Len(t, drain[FaultEvent](faults), 4)
	seen := drain[State](states)
	require.GreaterOrEqual(t, len(seen), 5)
	assert.Equal(t, []State{Starting, Recovering, Stopped, Starting, Running}, seen[:5])
	assert.Equal(t, Stopped, seen[len(seen)-1])

	ops := r.sim.Ops()
	assert.Equal(t, 1, countOps(ops, sen5x.CmdReset), "the restart resets the sensor")
	assert.Positive(t, r.st.Count())
}

func TestResetAndTempCompensationOnStart(t *testing.T) {
	tc := sen5x.TempCompensation{Offset: -1.5, TimeConstant: 600 * time.Second}
	r := newRig(t, Config{Interval: time.Minute, ResetOnStart: true, TempComp: &tc})

	require.ErrorIs(t, r.runFor(2*time.Minute), context.Canceled)

	ops := r.sim.Ops()
	require.GreaterOrEqual(t, len(ops), 3)
	assert.Equal(t, sen5x.CmdReset.Opcode(), ops[0])
	assert.Equal(t, sen5x.CmdSetTemperatureCompensation.Opcode(), ops[1])
	assert.Equal(t, sen5x.CmdStartMeasurement.Opcode(), ops[2])
	assert.True(t, r.sim.Measuring(), "StopOnExit is off")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "recovering", Recovering.String())
	assert.Equal(t, "unknown", State(42).String())
}
