package sen5x

import (
	"encoding/binary"
	"strings"
)

// Status is the latched device status register. Bits stay set until the
// register is read-and-cleared or the device is reset.
type Status uint32

const (
	StatusFanSpeed Status = 1 << 21 // warning, fan speed out of range
	StatusGas      Status = 1 << 7
	StatusRHT      Status = 1 << 6
	StatusLaser    Status = 1 << 5
	StatusFan      Status = 1 << 4
)

var statusBits = [...]struct {
	bit  Status
	name string
	msg  string
}{
	{StatusFanSpeed, "warn_fan_speed", "Fan - speed out of range"},
	{StatusGas, "err_gas", "Gas sensor error (VOC/NOx)"},
	{StatusRHT, "err_rht", "RHT (temp/humidity) sensor communication error"},
	{StatusLaser, "err_laser", "Laser failure"},
	{StatusFan, "err_fan", "Fan - mechanical failure (blocked/broken)"},
}

// DecodeStatus decodes the 4-byte big-endian register value.
func DecodeStatus(b []byte) Status { return Status(binary.BigEndian.Uint32(b)) }

// Names returns the names of the known bits that are set. Unknown bits are
// ignored; an empty result means healthy.
func (s Status) Names() []string {
	var names []string
	for _, sb := range statusBits {
		if s&sb.bit != 0 {
			names = append(names, sb.name)
		}
	}
	return names
}

// Bit returns the mask for a status name, zero if unknown.
func Bit(name string) Status {
	for _, sb := range statusBits {
		if sb.name == name {
			return sb.bit
		}
	}
	return 0
}

// StatusNames lists every known status name.
func StatusNames() []string {
	names := make([]string, len(statusBits))
	for i, sb := range statusBits {
		names[i] = sb.name
	}
	return names
}

// Describe returns the operator-facing message for a status name.
func Describe(name string) string {
	for _, sb := range statusBits {
		if sb.name == name {
			return sb.msg
		}
	}
	return name
}

func (s Status) String() string {
	if n := s.Names(); len(n) > 0 {
		return strings.Join(n, ",")
	}
	return "ok"
}
