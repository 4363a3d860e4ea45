//go:build !rp2040 && !rp2350

// Command sen5x-probe checks a SEN5x on a host I2C bus: it reads the serial
// number, status register and temperature compensation, then takes a few
// measurements and reports pass or fail.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"aqm-go/drivers/sen5x"
	"aqm-go/platform"
	"aqm-go/services/config"
	"aqm-go/x/timex"
)

// ---------- Configuration ----------

const (
	readyTimeout = 5 * time.Second
	readyPoll    = 200 * time.Millisecond
)

// ---------- Output ----------

type out struct {
	failed int
	start  time.Time
}

func (o *out) printf(format string, a ...any) { fmt.Printf(format, a...) }

func (o *out) check(name string, err error) bool {
	if err != nil {
		o.failed++
		o.printf("FAIL %-24s %v\n", name, err)
		return false
	}
	o.printf("ok   %s\n", name)
	return true
}

// ---------- Helpers ----------

func waitReady(ctx context.Context, dev *sen5x.Device, clk timex.Clock) error {
	dead := clk.Now().Add(readyTimeout)
	for clk.Now().Before(dead) {
		ready, err := dev.DataReady()
		if err != nil {
			return err
		}
		if ready {
			return nil
		}
		if err := clk.Sleep(ctx, readyPoll); err != nil {
			return err
		}
	}
	return errors.New("data not ready within " + readyTimeout.String())
}

func describe(st sen5x.Status) string {
	if st == 0 {
		return "ok"
	}
	var msgs []string
	for _, name := range st.Names() {
		msgs = append(msgs, name+" ("+sen5x.Describe(name)+")")
	}
	return strings.Join(msgs, ", ")
}

// ---------- Main ----------

func main() {
	busName := flag.String("bus", "", "I2C bus name, empty for the first one found")
	addr := flag.Uint("addr", sen5x.Address, "sensor I2C address")
	freq := flag.Uint("freq", 100_000, "bus frequency in Hz")
	samples := flag.Int("samples", 3, "measurements to take")
	interval := flag.Duration("interval", time.Second, "time between measurements")
	clean := flag.Bool("fan-clean", false, "run the fan cleaning procedure after measuring")
	clearStatus := flag.Bool("clear-status", false, "clear the status register after reading it")
	sim := flag.Bool("sim", false, "probe a simulated sensor")
	list := flag.Bool("list", false, "list I2C buses and exit")
	flag.Parse()

	if *list {
		for _, name := range platform.Buses() {
			fmt.Println(name)
		}
		return
	}

	ctx := context.Background()
	clk := timex.System
	o := &out{start: clk.Now()}

	var dev *sen5x.Device
	if *sim {
		s := sen5x.NewSim()
		s.SetSample(sen5x.Sample{{V: 3.1, Valid: true}, {V: 4.2, Valid: true}})
		dev = sen5x.New(s, sen5x.Config{})
	} else {
		b, err := platform.OpenI2C(config.I2CConfig{Bus: *busName, Addr: uint16(*addr), Freq: uint32(*freq)})
		if err != nil {
			fmt.Fprintln(os.Stderr, "open bus:", err)
			os.Exit(2)
		}
		defer b.Close()
		dev = sen5x.New(b, sen5x.Config{Address: uint16(*addr)})
	}

	serial, err := dev.SerialNumber()
	if o.check("serial number", err) {
		o.printf("     serial: %s\n", serial)
	}

	var raw [4]byte
	read := dev.ReadDeviceStatus
	if *clearStatus {
		read = dev.ReadAndClearDeviceStatus
	}
	if o.check("status register", read(raw[:])) {
		o.printf("     status: %s\n", describe(sen5x.DecodeStatus(raw[:])))
	}

	tc, err := dev.TemperatureCompensation()
	if o.check("temperature compensation", err) {
		o.printf("     offset %.3f°C slope %.4f time constant %s\n", tc.Offset, tc.Slope, tc.TimeConstant)
	}

	if o.check("start measurement", dev.StartMeasurement()) {
		var buf [sen5x.SampleSize]byte
		for i := range *samples {
			if i > 0 {
				clk.Sleep(ctx, *interval)
			}
			if !o.check(fmt.Sprintf("data ready #%d", i+1), waitReady(ctx, dev, clk)) {
				continue
			}
			if o.check(fmt.Sprintf("measurement #%d", i+1), dev.ReadMeasuredValues(buf[:])) {
				o.printf("     %s\n", sen5x.DecodeSample(buf[:]))
			}
		}
		if *clean {
			o.check("fan cleaning", dev.StartFanCleaning())
		}
		o.check("stop measurement", dev.StopMeasurement())
	}

	o.printf("\n%d check(s) failed, probe took %s (started %s)\n",
		o.failed, clk.Now().Sub(o.start).Round(time.Millisecond), humanize.Time(o.start))
	if o.failed > 0 {
		os.Exit(1)
	}
}
