package sen5x

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sigurn/crc8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aqm-go/errcode"
	"aqm-go/x/timex"
)

// recBus records writes and answers reads with canned frames.
type recBus struct {
	mu      sync.Mutex
	writes  [][]byte
	replies [][]byte
}

func (b *recBus) Tx(addr uint16, w, r []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(w) > 0 {
		b.writes = append(b.writes, append([]byte(nil), w...))
	}
	if len(r) > 0 {
		if len(b.replies) > 0 {
			copy(r, b.replies[0])
			b.replies = b.replies[1:]
		}
	}
	return nil
}

func newTestDevice(t *testing.T) (*Device, *Sim, *timex.Manual) {
	t.Helper()
	sim := NewSim()
	clk := timex.NewManual(time.UnixMilli(0))
	return New(sim, Config{Clock: clk}), sim, clk
}

func TestCRC8(t *testing.T) {
	assert.Equal(t, byte(0x92), CRC8(0xBE, 0xEF))
	assert.Equal(t, byte(0xF7), crc8.Checksum([]byte("123456789"), crcTable))
}

func TestUnframe(t *testing.T) {
	buf := frame(nil, []byte{0x01, 0x02, 0xBE, 0xEF})
	require.Len(t, buf, 6)

	n, err := unframe(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0xBE, 0xEF}, buf[:n])

	buf = frame(nil, []byte{0x01, 0x02, 0xBE, 0xEF})
	buf[5] ^= 0x01
	_, err = unframe(buf)
	assert.ErrorIs(t, err, ErrCRC)
}

func TestSetTemperatureCompensationFraming(t *testing.T) {
	bus := &recBus{}
	d := New(bus, Config{Clock: timex.NewManual(time.Unix(0, 0))})

	err := d.SetTemperatureCompensation(TempCompensation{Offset: 1.5, Slope: 0.1, TimeConstant: 10 * time.Second})
	require.NoError(t, err)

	require.Len(t, bus.writes, 1)
	want := []byte{
		0x60, 0xB2,
		0x01, 0x2C, CRC8(0x01, 0x2C),
		0x03, 0xE8, CRC8(0x03, 0xE8),
		0x00, 0x0A, CRC8(0x00, 0x0A),
	}
	assert.Equal(t, want, bus.writes[0])
}

func TestReadMeasuredValues(t *testing.T) {
	d, sim, _ := newTestDevice(t)
	require.NoError(t, d.StartMeasurement())
	want := Sample{{1.2, true}, {2.5, true}, {3, true}, {4.1, true}, {45.5, true}, {21.25, true}, {100, true}, {}}
	sim.SetSample(want)

	var slot [SampleSize]byte
	require.NoError(t, d.ReadMeasuredValues(slot[:]))
	got := DecodeSample(slot[:])
	for f := Field(0); f < NumFields; f++ {
		assert.Equal(t, want[f].Valid, got[f].Valid, f.Key())
		assert.InDelta(t, want[f].V, got[f].V, 1e-9, f.Key())
	}
}

func TestCRCMismatchReturnsNoData(t *testing.T) {
	d, sim, _ := newTestDevice(t)
	require.NoError(t, d.StartMeasurement())
	sim.SetSample(Sample{{1, true}})
	sim.CorruptNext(1)

	slot := [SampleSize]byte{}
	for i := range slot {
		slot[i] = 0xAA
	}
	err := d.ReadMeasuredValues(slot[:])
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCRC)
	assert.Equal(t, errcode.Integrity, errcode.Of(err))
	for _, b := range slot {
		require.Equal(t, byte(0xAA), b)
	}

	require.NoError(t, d.ReadMeasuredValues(slot[:]))
	v, ok := DecodeSample(slot[:]).Get(PM1_0)
	assert.True(t, ok)
	assert.Equal(t, 1.0, v)
}

func TestBusErrorIsIO(t *testing.T) {
	d, sim, _ := newTestDevice(t)
	boom := errors.New("bus stuck")
	sim.FailNext(1, boom)

	_, err := d.DataReady()
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, errcode.IO, errcode.Of(err))
	assert.True(t, errcode.Retryable(err))
}

func TestQuietTimeWaitsOnlyRemainder(t *testing.T) {
	d, _, clk := newTestDevice(t)

	require.NoError(t, d.StartMeasurement())
	assert.Zero(t, clk.Slept())

	clk.Advance(30 * time.Millisecond)
	require.NoError(t, d.StopMeasurement())
	assert.Equal(t, 20*time.Millisecond, clk.Slept())

	clk.Advance(60 * time.Millisecond)
	_, err := d.DataReady()
	require.NoError(t, err)
	// 100ms left of the stop quiet time, then the 20ms settle before reading.
	assert.Equal(t, 140*time.Millisecond, clk.Slept())

	_, err = d.DataReady()
	require.NoError(t, err)
	assert.Equal(t, 160*time.Millisecond, clk.Slept())
}

func TestDataReady(t *testing.T) {
	d, sim, _ := newTestDevice(t)

	ready, err := d.DataReady()
	require.NoError(t, err)
	assert.False(t, ready)

	require.NoError(t, d.StartMeasurement())
	sim.NotReadyFor(1)
	ready, err = d.DataReady()
	require.NoError(t, err)
	assert.False(t, ready)
	ready, err = d.DataReady()
	require.NoError(t, err)
	assert.True(t, ready)
}

func TestSimRejectsCommandsOutsideMode(t *testing.T) {
	d, sim, _ := newTestDevice(t)
	var slot [SampleSize]byte

	err := d.ReadMeasuredValues(slot[:])
	assert.ErrorIs(t, err, ErrSimNack)
	assert.Equal(t, errcode.IO, errcode.Of(err))
	assert.ErrorIs(t, d.StartFanCleaning(), ErrSimNack)
	assert.Zero(t, sim.FanCleanings())

	require.NoError(t, d.StartMeasurement())
	assert.ErrorIs(t, d.StartMeasurement(), ErrSimNack, "already measuring")
	assert.True(t, sim.Measuring())
	require.NoError(t, d.ReadMeasuredValues(slot[:]))
	require.NoError(t, d.StartFanCleaning())
	assert.Equal(t, 1, sim.FanCleanings())

	require.NoError(t, d.StopMeasurement())
	require.NoError(t, d.StartMeasurement())
}

func TestStatusRegister(t *testing.T) {
	d, sim, _ := newTestDevice(t)
	sim.Latch(StatusFan | StatusFanSpeed)

	var b [4]byte
	require.NoError(t, d.ReadDeviceStatus(b[:]))
	assert.Equal(t, []string{"warn_fan_speed", "err_fan"}, DecodeStatus(b[:]).Names())

	require.NoError(t, d.ReadAndClearDeviceStatus(b[:]))
	assert.Equal(t, StatusFan|StatusFanSpeed, DecodeStatus(b[:]))

	require.NoError(t, d.ReadDeviceStatus(b[:]))
	assert.Zero(t, DecodeStatus(b[:]))
}

func TestSerialAndTempCompensation(t *testing.T) {
	d, _, _ := newTestDevice(t)

	sn, err := d.SerialNumber()
	require.NoError(t, err)
	assert.Equal(t, "SIM5X0000000001", sn)

	want := TempCompensation{Offset: -2.5, Slope: 0.05, TimeConstant: 600 * time.Second}
	require.NoError(t, d.SetTemperatureCompensation(want))
	got, err := d.TemperatureCompensation()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestExecuteContractViolations(t *testing.T) {
	d, sim, _ := newTestDevice(t)

	_, err := d.Execute(CmdReadMeasuredValues, nil, make([]byte, 8))
	assert.Equal(t, errcode.InvalidParams, errcode.Of(err))

	_, err = d.Execute(CmdStartMeasurement, []byte{1, 2}, nil)
	assert.Equal(t, errcode.InvalidParams, errcode.Of(err))

	_, err = d.Execute(numCommands, nil, nil)
	assert.Equal(t, errcode.InvalidParams, errcode.Of(err))

	assert.Empty(t, sim.Ops())
}

func TestExecuteSerializesCallers(t *testing.T) {
	d, sim, _ := newTestDevice(t)
	require.NoError(t, d.StartMeasurement())
	sim.SetSample(Sample{{12.3, true}})

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				if g%2 == 0 {
					sn, err := d.SerialNumber()
					if err == nil && sn != "SIM5X0000000001" {
						err = fmt.Errorf("serial %q", sn)
					}
					if err != nil {
						errs <- err
					}
					continue
				}
				var slot [SampleSize]byte
				if err := d.ReadMeasuredValues(slot[:]); err != nil {
					errs <- err
					continue
				}
				if v, _ := DecodeSample(slot[:]).Get(PM1_0); v != 12.3 {
					errs <- fmt.Errorf("pm1.0 %v", v)
				}
			}
		}(g)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}
