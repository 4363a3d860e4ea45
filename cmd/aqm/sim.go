//go:build !rp2040 && !rp2350

package main

import (
	"math"
	"math/rand/v2"
	"time"

	"aqm-go/drivers/sen5x"
)

// simSource produces slowly drifting readings with a daily cycle.
func simSource() func() sen5x.Sample {
	return func() sen5x.Sample {
		day := float64(time.Now().Unix()%86400) / 86400 * 2 * math.Pi
		noise := func(scale float64) float64 { return (rand.Float64() - 0.5) * scale }
		v := func(x float64) sen5x.Value { return sen5x.Value{V: x, Valid: true} }

		pm := 8 + 6*math.Sin(day) + noise(2)
		return sen5x.Sample{
			v(pm * 0.7), v(pm), v(pm * 1.1), v(pm * 1.2),
			v(45 + 10*math.Cos(day) + noise(1)),
			v(21 + 3*math.Sin(day) + noise(0.2)),
			v(100 + noise(20)),
			v(1 + math.Abs(noise(2))),
		}
	}
}
