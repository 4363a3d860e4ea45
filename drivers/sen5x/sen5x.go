// Package sen5x provides a driver for the Sensirion SEN5x environmental
// sensor node (particulate matter, humidity, temperature, VOC and NOx).
//
// Every exchange is a 16-bit command word optionally followed by argument
// words; each word on the wire carries a CRC8. Responses are read in a
// separate transaction after a command-specific settle delay. Some commands
// additionally require the bus to stay quiet for a while after them; the
// Device tracks that and waits out only the remainder before the next call.
//
// All calls on a Device are serialized. The driver performs no retries.
package sen5x

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/drivers"

	"aqm-go/errcode"
	"aqm-go/x/mathx"
	"aqm-go/x/timex"
)

// Address is the fixed I2C address of the sensor.
const Address = 0x69

const (
	maxTx = 2 + 3*3 // opcode + three framed argument words
	maxRx = 48      // serial number response
)

// ErrCRC reports a response word whose checksum did not match.
var ErrCRC = errors.New("sen5x: crc mismatch")

// Config controls non-hardware behaviour. All fields are optional.
type Config struct {
	// Address defaults to 0x69 if zero.
	Address uint16
	// Clock provides delays; defaults to the system clock.
	Clock timex.Clock
}

// Device wraps an I2C connection to a SEN5x sensor.
type Device struct {
	bus   drivers.I2C
	addr  uint16
	clock timex.Clock

	mu        sync.Mutex
	tx        [maxTx]byte
	rx        [maxRx]byte
	quietFrom time.Time
	quietFor  time.Duration
}

// New creates a Device on an already configured bus. It does not touch the
// sensor.
func New(bus drivers.I2C, cfg Config) *Device {
	if cfg.Address == 0 {
		cfg.Address = Address
	}
	return &Device{
		bus:   bus,
		addr:  cfg.Address,
		clock: timex.Or(cfg.Clock),
	}
}

// Execute runs cmd with the given argument bytes. For commands with a
// response, the CRC-checked payload is copied into dst and its length
// returned; dst is left untouched on any error.
func (d *Device) Execute(cmd Command, args, dst []byte) (int, error) {
	if cmd >= numCommands {
		return 0, &errcode.E{C: errcode.InvalidParams, Op: "execute", Msg: "unknown command"}
	}
	c := &commands[cmd]
	if len(args) != c.args {
		return 0, &errcode.E{C: errcode.InvalidParams, Op: c.name, Msg: "bad argument length"}
	}
	if c.kind == kindRead && len(dst) < cmd.ResponseLen() {
		return 0, &errcode.E{C: errcode.InvalidParams, Op: c.name, Msg: "destination too short"}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	w := append(d.tx[:0], byte(c.op>>8), byte(c.op))
	w = frame(w, args)

	d.waitQuiet()
	if err := d.bus.Tx(d.addr, w, nil); err != nil {
		return 0, errcode.Wrap(errcode.IO, c.name, err)
	}
	if c.kind != kindRead {
		d.quietFrom, d.quietFor = d.clock.Now(), c.delay
		return 0, nil
	}

	// Sleep only fails on a done context; a started exchange always completes.
	_ = d.clock.Sleep(context.Background(), c.delay)
	r := d.rx[:c.rx]
	if err := d.bus.Tx(d.addr, nil, r); err != nil {
		return 0, errcode.Wrap(errcode.IO, c.name, err)
	}
	n, err := unframe(r)
	if err != nil {
		return 0, errcode.Wrap(errcode.Integrity, c.name, err)
	}
	return copy(dst, r[:n]), nil
}

// waitQuiet sleeps out whatever is left of the previous command's quiet time.
func (d *Device) waitQuiet() {
	if d.quietFor <= 0 {
		return
	}
	left := d.quietFor - d.clock.Now().Sub(d.quietFrom)
	d.quietFor = 0
	if left > 0 {
		// Never cancelled: the background context cannot be done.
		_ = d.clock.Sleep(context.Background(), left)
	}
}

// StartMeasurement enters measurement mode.
func (d *Device) StartMeasurement() error {
	_, err := d.Execute(CmdStartMeasurement, nil, nil)
	return err
}

// StopMeasurement returns the sensor to idle mode.
func (d *Device) StopMeasurement() error {
	_, err := d.Execute(CmdStopMeasurement, nil, nil)
	return err
}

// Reset performs a device reset; the sensor comes back idle.
func (d *Device) Reset() error {
	_, err := d.Execute(CmdReset, nil, nil)
	return err
}

// StartFanCleaning spins the fan at full speed for about ten seconds.
// Only valid in measurement mode.
func (d *Device) StartFanCleaning() error {
	_, err := d.Execute(CmdStartFanCleaning, nil, nil)
	return err
}

// DataReady reports whether a new measurement can be read.
func (d *Device) DataReady() (bool, error) {
	var b [2]byte
	if _, err := d.Execute(CmdReadDataReady, nil, b[:]); err != nil {
		return false, err
	}
	return b[1] != 0, nil
}

// ReadMeasuredValues reads one raw 16-byte sample into dst.
func (d *Device) ReadMeasuredValues(dst []byte) error {
	_, err := d.Execute(CmdReadMeasuredValues, nil, dst)
	return err
}

// ReadDeviceStatus reads the latched 4-byte status register into dst
// without clearing it.
func (d *Device) ReadDeviceStatus(dst []byte) error {
	_, err := d.Execute(CmdReadDeviceStatus, nil, dst)
	return err
}

// ReadAndClearDeviceStatus reads the status register into dst and clears
// the latched bits.
func (d *Device) ReadAndClearDeviceStatus(dst []byte) error {
	_, err := d.Execute(CmdReadAndClearDeviceStatus, nil, dst)
	return err
}

// SerialNumber returns the ASCII serial number of the sensor.
func (d *Device) SerialNumber() (string, error) {
	var b [32]byte
	n, err := d.Execute(CmdReadSerialNumber, nil, b[:])
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(b[:n]), "\x00"), nil
}

// TempCompensation are the temperature offset parameters of the sensor.
type TempCompensation struct {
	Offset       float64       // °C
	Slope        float64       // normalized, applied as offset + slope*T
	TimeConstant time.Duration // whole seconds on the wire
}

func (tc TempCompensation) encode() [6]byte {
	var b [6]byte
	off := int16(mathx.Clamp(math.Round(tc.Offset*200), math.MinInt16, math.MaxInt16))
	slope := int16(mathx.Clamp(math.Round(tc.Slope*10000), math.MinInt16, math.MaxInt16))
	tcs := uint16(mathx.Clamp(math.Round(tc.TimeConstant.Seconds()), 0, math.MaxUint16))
	b[0], b[1] = byte(uint16(off)>>8), byte(off)
	b[2], b[3] = byte(uint16(slope)>>8), byte(slope)
	b[4], b[5] = byte(tcs>>8), byte(tcs)
	return b
}

func decodeTempCompensation(b []byte) TempCompensation {
	off := int16(uint16(b[0])<<8 | uint16(b[1]))
	slope := int16(uint16(b[2])<<8 | uint16(b[3]))
	tcs := uint16(b[4])<<8 | uint16(b[5])
	return TempCompensation{
		Offset:       float64(off) / 200,
		Slope:        float64(slope) / 10000,
		TimeConstant: time.Duration(tcs) * time.Second,
	}
}

// SetTemperatureCompensation writes the temperature offset parameters.
func (d *Device) SetTemperatureCompensation(tc TempCompensation) error {
	b := tc.encode()
	_, err := d.Execute(CmdSetTemperatureCompensation, b[:], nil)
	return err
}

// TemperatureCompensation reads back the temperature offset parameters.
func (d *Device) TemperatureCompensation() (TempCompensation, error) {
	var b [6]byte
	if _, err := d.Execute(CmdGetTemperatureCompensation, nil, b[:]); err != nil {
		return TempCompensation{}, err
	}
	return decodeTempCompensation(b[:]), nil
}
