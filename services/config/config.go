// Package config holds the typed configuration of the monitor, its defaults,
// validation, per-board presets and the retained bus publication that lets
// running services pick up their section.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"aqm-go/bus"
	"aqm-go/drivers/sen5x"
	"aqm-go/errcode"
	"aqm-go/store"
	"aqm-go/x/ratelimit"
	"aqm-go/x/strx"
)

const configPrefix = "config"

// Config is the whole configuration.
type Config struct {
	Sensor    SensorConfig    `yaml:"sensor"`
	WebUI     WebUIConfig     `yaml:"webui"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Log       LogConfig       `yaml:"log"`
}

type SensorConfig struct {
	Verbose             bool            `yaml:"verbose"`
	SampleInterval      time.Duration   `yaml:"sample_interval"`
	SampleCount         int             `yaml:"sample_count"` // ring buffer slots
	ResetOnStart        bool            `yaml:"reset_on_start"`
	StopOnExit          bool            `yaml:"stop_on_exit"`
	ErrorCheckInterval  time.Duration   `yaml:"error_check_interval"`
	FanCleanMinInterval time.Duration   `yaml:"fan_clean_min_interval"`
	FanCleanSchedule    string          `yaml:"fan_clean_schedule"` // cron, empty = manual only
	I2C                 I2CConfig       `yaml:"i2c"`
	TempComp            *TempCompConfig `yaml:"temp_comp,omitempty"`
}

type I2CConfig struct {
	Bus        string          `yaml:"bus"` // host bus name ("/dev/i2c-1", "1"), empty = first found
	SDA        int             `yaml:"sda"` // RP2 pins
	SCL        int             `yaml:"scl"`
	Addr       uint16          `yaml:"addr"`
	Freq       uint32          `yaml:"freq"`
	ErrorLimit ratelimit.Limit `yaml:"error_limit"`
}

type TempCompConfig struct {
	Offset    float64       `yaml:"offset"`
	Slope     float64       `yaml:"slope"`
	TimeConst time.Duration `yaml:"time_const"`
}

// Value converts to the driver form; nil stays nil.
func (t *TempCompConfig) Value() *sen5x.TempCompensation {
	if t == nil {
		return nil
	}
	return &sen5x.TempCompensation{Offset: t.Offset, Slope: t.Slope, TimeConstant: t.TimeConst}
}

type WebUIConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Listen     string `yaml:"listen"`
	Title      string `yaml:"title"`
	URLPrefix  string `yaml:"url_prefix"`
	MarksBytes int    `yaml:"marks_storage_bytes"`
	StaticDir  string `yaml:"static_dir"`
	Metrics    bool   `yaml:"metrics"`
	Verbose    bool   `yaml:"verbose"`
}

type AlertsConfig struct {
	Verbose  bool             `yaml:"verbose"`
	SendTo   []string         `yaml:"send_to,omitempty"` // host:port
	BindPort int              `yaml:"bind_port"`
	Bounds   map[string]Range `yaml:"bounds,omitempty"` // keys: pm rh t voc nox
}

// Range is an inclusive bound; nil ends are open.
type Range struct {
	Min *float64 `yaml:"min,omitempty"`
	Max *float64 `yaml:"max,omitempty"`
}

// BoundKeys are the valid alert bound names.
var BoundKeys = []string{"pm", "rh", "t", "voc", "nox"}

type MQTTConfig struct {
	Broker   string        `yaml:"broker"` // tcp://host:1883, empty = disabled
	Topic    string        `yaml:"topic"`
	ClientID string        `yaml:"client_id"`
	QoS      byte          `yaml:"qos"`
	Timeout  time.Duration `yaml:"timeout"`
}

type HeartbeatConfig struct {
	Interval time.Duration `yaml:"interval"` // zero disables
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// SlogLevel parses Level, defaulting to info.
func (l LogConfig) SlogLevel() slog.Level {
	var lv slog.Level
	if err := lv.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo
	}
	return lv
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		Sensor: SensorConfig{
			SampleInterval:      60 * time.Second,
			SampleCount:         1000,
			StopOnExit:          true,
			ErrorCheckInterval:  3701 * time.Second,
			FanCleanMinInterval: 24 * time.Hour,
			I2C: I2CConfig{
				Addr:       sen5x.Address,
				Freq:       100_000,
				SDA:        4,
				SCL:        5,
				ErrorLimit: ratelimit.MustParse("8 / 3m"),
			},
		},
		WebUI: WebUIConfig{
			Enabled:    true,
			Listen:     ":80",
			Title:      "SEN5x Air Quality Monitor",
			MarksBytes: 512,
			Metrics:    true,
		},
		Alerts: AlertsConfig{
			BindPort: 5683,
		},
		MQTT: MQTTConfig{
			Topic:    "aqm",
			ClientID: "aqm",
			Timeout:  10 * time.Second,
		},
		Heartbeat: HeartbeatConfig{Interval: 10 * time.Minute},
		Log:       LogConfig{Level: "info", Format: "text"},
	}
}

// ensureDefaults fills zero values left by a partial config file.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.Sensor.SampleInterval == 0 {
		c.Sensor.SampleInterval = def.Sensor.SampleInterval
	}
	if c.Sensor.SampleCount == 0 {
		c.Sensor.SampleCount = def.Sensor.SampleCount
	}
	if c.Sensor.ErrorCheckInterval == 0 {
		c.Sensor.ErrorCheckInterval = def.Sensor.ErrorCheckInterval
	}
	if c.Sensor.FanCleanMinInterval == 0 {
		c.Sensor.FanCleanMinInterval = def.Sensor.FanCleanMinInterval
	}
	if c.Sensor.I2C.Addr == 0 {
		c.Sensor.I2C.Addr = def.Sensor.I2C.Addr
	}
	if c.Sensor.I2C.Freq == 0 {
		c.Sensor.I2C.Freq = def.Sensor.I2C.Freq
	}
	if c.Sensor.I2C.ErrorLimit.N == 0 {
		c.Sensor.I2C.ErrorLimit = def.Sensor.I2C.ErrorLimit
	}

	c.WebUI.Listen = strx.Coalesce(c.WebUI.Listen, def.WebUI.Listen)
	c.WebUI.Title = strx.Coalesce(c.WebUI.Title, def.WebUI.Title)
	c.WebUI.URLPrefix = strings.TrimRight(c.WebUI.URLPrefix, "/")

	if c.Alerts.BindPort == 0 {
		c.Alerts.BindPort = def.Alerts.BindPort
	}
	c.MQTT.Topic = strings.TrimRight(strx.Coalesce(c.MQTT.Topic, def.MQTT.Topic), "/")
	c.MQTT.ClientID = strx.Coalesce(c.MQTT.ClientID, def.MQTT.ClientID)
	if c.MQTT.Timeout == 0 {
		c.MQTT.Timeout = def.MQTT.Timeout
	}
	c.Log.Level = strx.Coalesce(c.Log.Level, def.Log.Level)
	c.Log.Format = strx.Coalesce(c.Log.Format, def.Log.Format)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	s := c.Sensor
	if s.SampleCount < 1 || s.SampleCount > store.MaxCapacity {
		bad("sensor.sample_count %d out of range 1..%d", s.SampleCount, store.MaxCapacity)
	}
	if s.SampleInterval < 100*time.Millisecond {
		bad("sensor.sample_interval %s too short", s.SampleInterval)
	}
	if s.ErrorCheckInterval <= 0 {
		bad("sensor.error_check_interval must be positive")
	}
	if s.FanCleanMinInterval < 0 {
		bad("sensor.fan_clean_min_interval must not be negative")
	}
	if s.FanCleanSchedule != "" {
		if _, err := cron.ParseStandard(s.FanCleanSchedule); err != nil {
			bad("sensor.fan_clean_schedule %q: %v", s.FanCleanSchedule, err)
		}
	}
	if s.I2C.Addr > 0x7F {
		bad("sensor.i2c.addr %#x is not a 7-bit address", s.I2C.Addr)
	}
	if s.I2C.ErrorLimit.N < 1 || s.I2C.ErrorLimit.Period <= 0 {
		bad("sensor.i2c.error_limit %q invalid", s.I2C.ErrorLimit)
	}

	if c.WebUI.MarksBytes < 0 {
		bad("webui.marks_storage_bytes must not be negative")
	}

	for _, dst := range c.Alerts.SendTo {
		host, port, err := net.SplitHostPort(dst)
		if err == nil && host == "" {
			err = errors.New("missing host")
		}
		if err == nil {
			if p, perr := strconv.Atoi(port); perr != nil || p < 1 || p > 65535 {
				err = errors.New("bad port")
			}
		}
		if err != nil {
			bad("alerts.send_to %q: %v", dst, err)
		}
	}
	if c.Alerts.BindPort < 0 || c.Alerts.BindPort > 65535 {
		bad("alerts.bind_port %d out of range", c.Alerts.BindPort)
	}
	for k, r := range c.Alerts.Bounds {
		if !knownBound(k) {
			bad("alerts.bounds: unknown key %q", k)
		}
		if r.Min != nil && r.Max != nil && *r.Min > *r.Max {
			bad("alerts.bounds.%s: min above max", k)
		}
	}

	if c.MQTT.QoS > 2 {
		bad("mqtt.qos %d out of range", c.MQTT.QoS)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		bad("log.level %q unknown", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		bad("log.format %q unknown", c.Log.Format)
	}

	if len(errs) == 0 {
		return nil
	}
	return &errcode.E{C: errcode.InvalidConfig, Err: errors.Join(errs...)}
}

func knownBound(k string) bool {
	for _, b := range BoundKeys {
		if b == k {
			return true
		}
	}
	return false
}

// Publish announces each section as a retained message under config/<section>.
func Publish(conn *bus.Connection, c *Config) {
	sections := []struct {
		name string
		v    any
	}{
		{"sensor", c.Sensor},
		{"webui", c.WebUI},
		{"alerts", c.Alerts},
		{"mqtt", c.MQTT},
		{"heartbeat", c.Heartbeat},
		{"log", c.Log},
	}
	for _, s := range sections {
		conn.Publish(conn.NewMessage(bus.T(configPrefix, s.name), s.v, true))
	}
}

// Topic is the retained topic of a config section.
func Topic(section string) bus.Topic { return bus.T(configPrefix, section) }
