//go:build rp2040 || rp2350

package platform

import (
	"machine"

	"aqm-go/errcode"
	"aqm-go/services/config"
)

type rp2Bus struct{ *machine.I2C }

func (rp2Bus) Close() error { return nil }

// OpenI2C configures i2c0 (default) or i2c1 on the given pins.
func OpenI2C(cfg config.I2CConfig) (Bus, error) {
	var hw *machine.I2C
	switch cfg.Bus {
	case "", "0", "i2c0":
		hw = machine.I2C0
	case "1", "i2c1":
		hw = machine.I2C1
	default:
		return nil, &errcode.E{C: errcode.InvalidConfig, Op: "platform", Msg: "unknown i2c bus " + cfg.Bus}
	}
	sda := machine.Pin(cfg.SDA)
	scl := machine.Pin(cfg.SCL)
	sda.Configure(machine.PinConfig{Mode: machine.PinI2C})
	scl.Configure(machine.PinConfig{Mode: machine.PinI2C})
	if err := hw.Configure(machine.I2CConfig{SDA: sda, SCL: scl, Frequency: cfg.Freq}); err != nil {
		return nil, errcode.Wrap(errcode.IO, "platform", err)
	}
	return rp2Bus{hw}, nil
}

// Buses lists the hardware I2C blocks.
func Buses() []string { return []string{"i2c0", "i2c1"} }
