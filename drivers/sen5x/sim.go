//go:build !rp2040 && !rp2350

package sen5x

import (
	"encoding/binary"
	"errors"
	"sync"
)

// ErrSimNack is returned by Sim for transfers to a foreign address, with a
// bad argument checksum, or carrying a command the current mode rejects.
var ErrSimNack = errors.New("sen5x sim: nack")

// Sim is an in-memory SEN5x answering on the drivers.I2C interface. It
// produces correctly framed responses and can inject bus errors and
// corrupted checksums. Safe for concurrent use.
type Sim struct {
	mu sync.Mutex

	Addr   uint16
	Serial string

	// Source, when set, produces the sample for each read.
	Source func() Sample

	measuring bool
	pending   uint16
	sample    [SampleSize]byte
	status    Status
	tempComp  [6]byte
	notReady  int
	failTx    int
	failErr   error
	corruptRx int

	ops       []uint16
	cleanings int
}

// NewSim returns a simulator at the default address with every reading
// absent.
func NewSim() *Sim {
	s := &Sim{Addr: Address, Serial: "SIM5X0000000001"}
	EncodeSample(s.sample[:], Sample{})
	return s
}

// SetSample sets the sample returned by subsequent reads.
func (s *Sim) SetSample(v Sample) {
	s.mu.Lock()
	EncodeSample(s.sample[:], v)
	s.mu.Unlock()
}

// SetRawSample sets the raw 16 bytes returned by subsequent reads.
func (s *Sim) SetRawSample(b [SampleSize]byte) {
	s.mu.Lock()
	s.sample = b
	s.mu.Unlock()
}

// Latch sets status bits, as the device does on a fault.
func (s *Sim) Latch(st Status) {
	s.mu.Lock()
	s.status |= st
	s.mu.Unlock()
}

// NotReadyFor makes the next n data-ready reads report false.
func (s *Sim) NotReadyFor(n int) {
	s.mu.Lock()
	s.notReady = n
	s.mu.Unlock()
}

// FailNext makes the next n transfers fail with err.
func (s *Sim) FailNext(n int, err error) {
	s.mu.Lock()
	s.failTx, s.failErr = n, err
	s.mu.Unlock()
}

// CorruptNext flips the first checksum of the next n responses.
func (s *Sim) CorruptNext(n int) {
	s.mu.Lock()
	s.corruptRx = n
	s.mu.Unlock()
}

// Measuring reports whether the sensor is in measurement mode.
func (s *Sim) Measuring() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.measuring
}

// FanCleanings counts accepted fan-cleaning commands.
func (s *Sim) FanCleanings() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleanings
}

// Ops returns the opcodes written so far.
func (s *Sim) Ops() []uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint16(nil), s.ops...)
}

// Tx implements drivers.I2C.
func (s *Sim) Tx(addr uint16, w, r []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if addr != s.Addr {
		return ErrSimNack
	}
	if s.failTx > 0 {
		s.failTx--
		return s.failErr
	}
	if len(w) >= 2 {
		if err := s.write(w); err != nil {
			return err
		}
	}
	if len(r) > 0 {
		s.read(r)
	}
	return nil
}

func (s *Sim) write(w []byte) error {
	op := binary.BigEndian.Uint16(w)
	args := w[2:]
	if len(args)%3 != 0 {
		return ErrSimNack
	}
	if _, err := unframe(append([]byte(nil), args...)); err != nil {
		return ErrSimNack
	}
	s.ops = append(s.ops, op)
	s.pending = 0
	if !s.validInMode(op) {
		return ErrSimNack
	}

	switch op {
	case CmdStartMeasurement.Opcode():
		s.measuring = true
	case CmdStopMeasurement.Opcode():
		s.measuring = false
	case CmdReset.Opcode():
		s.measuring = false
		s.status = 0
	case CmdStartFanCleaning.Opcode():
		s.cleanings++
	case CmdSetTemperatureCompensation.Opcode():
		if len(args) == 9 {
			tmp := append([]byte(nil), args...)
			n, _ := unframe(tmp)
			copy(s.tempComp[:], tmp[:n])
			return nil
		}
		s.pending = op
	default:
		s.pending = op
	}
	return nil
}

// validInMode reports whether the device accepts op in its current mode.
// Start is idle-only; fan cleaning and reading values need measurement mode.
func (s *Sim) validInMode(op uint16) bool {
	switch op {
	case CmdStartMeasurement.Opcode():
		return !s.measuring
	case CmdStartFanCleaning.Opcode(), CmdReadMeasuredValues.Opcode():
		return s.measuring
	}
	return true
}

func (s *Sim) read(r []byte) {
	var payload []byte
	switch s.pending {
	case CmdReadDataReady.Opcode():
		ready := byte(0)
		if s.measuring && s.notReady == 0 {
			ready = 1
		}
		if s.notReady > 0 {
			s.notReady--
		}
		payload = []byte{0, ready}
	case CmdReadMeasuredValues.Opcode():
		if s.Source != nil && s.measuring {
			EncodeSample(s.sample[:], s.Source())
		}
		payload = s.sample[:]
	case CmdReadDeviceStatus.Opcode():
		payload = binary.BigEndian.AppendUint32(nil, uint32(s.status))
	case CmdReadAndClearDeviceStatus.Opcode():
		payload = binary.BigEndian.AppendUint32(nil, uint32(s.status))
		s.status = 0
	case CmdReadSerialNumber.Opcode():
		payload = make([]byte, 32)
		copy(payload, s.Serial)
	case CmdGetTemperatureCompensation.Opcode():
		payload = s.tempComp[:]
	}

	framed := frame(make([]byte, 0, len(r)), payload)
	for len(framed) < len(r) {
		framed = frame(framed, []byte{0, 0})
	}
	copy(r, framed)
	if s.corruptRx > 0 && len(r) >= 3 {
		s.corruptRx--
		r[2] ^= 0xFF
	}
}
