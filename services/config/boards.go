package config

import "time"

// Board presets adjust the defaults to a specific piece of hardware.
// Key: device ID as passed on the command line or baked into the firmware.
var boards = map[string]func(*Config){
	"pico": func(c *Config) {
		c.Sensor.I2C.SDA, c.Sensor.I2C.SCL = 4, 5
		c.Sensor.SampleCount = 1000
		c.WebUI.Enabled = false
		c.Heartbeat.Interval = 2 * time.Minute
	},
	"pico2": func(c *Config) {
		c.Sensor.I2C.SDA, c.Sensor.I2C.SCL = 4, 5
		c.Sensor.SampleCount = 4000
		c.WebUI.Enabled = false
		c.Heartbeat.Interval = 2 * time.Minute
	},
	"rpi": func(c *Config) {
		c.Sensor.I2C.Bus = "/dev/i2c-1"
		c.Sensor.SampleCount = 10080 // a week at one per minute
	},
}

// ForBoard returns the defaults with the named board preset applied.
func ForBoard(device string) (*Config, bool) {
	c := Default()
	fn, ok := boards[device]
	if ok {
		fn(c)
	}
	return c, ok
}
