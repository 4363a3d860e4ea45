//go:build !rp2040 && !rp2350

package platform

import (
	"log/slog"

	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"

	"aqm-go/errcode"
	"aqm-go/services/config"
)

var hostInit = func() error {
	_, err := host.Init()
	return err
}

// OpenI2C opens cfg.Bus ("/dev/i2c-1", "1", or empty for the first bus
// found) and sets its clock when the driver allows it.
func OpenI2C(cfg config.I2CConfig) (Bus, error) {
	if err := hostInit(); err != nil {
		return nil, errcode.Wrap(errcode.IO, "platform: host init", err)
	}
	b, err := i2creg.Open(cfg.Bus)
	if err != nil {
		return nil, errcode.Wrap(errcode.IO, "platform: open "+cfg.Bus, err)
	}
	if cfg.Freq > 0 {
		if err := b.SetSpeed(physic.Frequency(cfg.Freq) * physic.Hertz); err != nil {
			slog.Warn("i2c bus speed left unchanged", "bus", b.String(), "freq", cfg.Freq, "err", err)
		}
	}
	return b, nil
}

// Buses lists the registered host I2C buses.
func Buses() []string {
	if err := hostInit(); err != nil {
		return nil
	}
	var names []string
	for _, ref := range i2creg.All() {
		names = append(names, ref.Name)
	}
	return names
}
