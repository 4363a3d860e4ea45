// Package platform opens the sensor I2C bus for the build target: periph.io
// drivers on hosts, the machine package on RP2040/RP2350.
package platform

import (
	"io"

	"tinygo.org/x/drivers"
)

// Bus is an opened I2C bus.
type Bus interface {
	drivers.I2C
	io.Closer
}
