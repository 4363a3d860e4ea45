package sen5x

import "time"

// Command names one entry of the fixed SEN5x command table.
type Command uint8

const (
	CmdStartMeasurement Command = iota
	CmdStopMeasurement
	CmdReset
	CmdStartFanCleaning
	CmdSetTemperatureCompensation
	CmdGetTemperatureCompensation
	CmdReadDataReady
	CmdReadMeasuredValues
	CmdReadDeviceStatus
	CmdReadAndClearDeviceStatus
	CmdReadSerialNumber

	numCommands
)

type kind uint8

const (
	kindWrite     kind = iota // opcode only, bus must stay quiet for delay afterwards
	kindWriteArgs             // opcode + CRC-framed argument words, quiet for delay afterwards
	kindRead                  // opcode, settle for delay, then read rx framed bytes
)

type desc struct {
	name  string
	op    uint16
	delay time.Duration
	kind  kind
	args  int // argument bytes (kindWriteArgs)
	rx    int // framed response bytes (kindRead)
}

const ms = time.Millisecond

var commands = [numCommands]desc{
	CmdStartMeasurement:           {name: "start_measurement", op: 0x0021, delay: 50 * ms, kind: kindWrite},
	CmdStopMeasurement:            {name: "stop_measurement", op: 0x0104, delay: 160 * ms, kind: kindWrite},
	CmdReset:                      {name: "reset", op: 0xD304, delay: 100 * ms, kind: kindWrite},
	CmdStartFanCleaning:           {name: "start_fan_cleaning", op: 0x5607, delay: 20 * ms, kind: kindWrite},
	CmdSetTemperatureCompensation: {name: "set_temp_compensation", op: 0x60B2, delay: 20 * ms, kind: kindWriteArgs, args: 6},
	CmdGetTemperatureCompensation: {name: "get_temp_compensation", op: 0x60B2, delay: 20 * ms, kind: kindRead, rx: 9},
	CmdReadDataReady:              {name: "read_data_ready", op: 0x0202, delay: 20 * ms, kind: kindRead, rx: 3},
	CmdReadMeasuredValues:         {name: "read_measured_values", op: 0x03C4, delay: 20 * ms, kind: kindRead, rx: 24},
	CmdReadDeviceStatus:           {name: "read_device_status", op: 0xD206, delay: 20 * ms, kind: kindRead, rx: 6},
	CmdReadAndClearDeviceStatus:   {name: "read_and_clear_device_status", op: 0xD210, delay: 20 * ms, kind: kindRead, rx: 6},
	CmdReadSerialNumber:           {name: "read_serial_number", op: 0xD033, delay: 20 * ms, kind: kindRead, rx: 48},
}

func (c Command) String() string {
	if c >= numCommands {
		return "unknown"
	}
	return commands[c].name
}

// Opcode is the 16-bit command word sent on the bus.
func (c Command) Opcode() uint16 {
	if c >= numCommands {
		return 0
	}
	return commands[c].op
}

// ResponseLen is the decoded (CRC-stripped) response size, zero for writes.
func (c Command) ResponseLen() int {
	if c >= numCommands {
		return 0
	}
	return commands[c].rx / 3 * 2
}
