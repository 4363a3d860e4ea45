package sen5x

import (
	"encoding/binary"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"aqm-go/x/mathx"
)

// SampleSize is the CRC-stripped size of one measured-values response.
const SampleSize = 16

// Field indexes the readings of a Sample in wire order.
type Field int

const (
	PM1_0 Field = iota // µg/m³
	PM2_5              // µg/m³
	PM4_0              // µg/m³
	PM10               // µg/m³
	RH                 // %
	T                  // °C
	VOC                // index
	NOx                // index

	NumFields
)

var (
	fieldKeys  = [NumFields]string{"pm10", "pm25", "pm40", "pm100", "rh", "t", "voc", "nox"}
	fieldScale = [NumFields]float64{10, 10, 10, 10, 100, 200, 10, 10}
)

const (
	naUnsigned = 0xFFFF
	naSigned   = 0x7FFF
)

// Key is the short field name used in exports, alerts and metrics.
func (f Field) Key() string { return fieldKeys[f] }

// Scale is the fixed-point divisor of the field.
func (f Field) Scale() float64 { return fieldScale[f] }

// Signed reports whether the wire field is a signed 16-bit integer.
func (f Field) Signed() bool { return f >= RH }

// Keys returns the field keys in wire order.
func Keys() []string { return fieldKeys[:] }

// Value is one reading. Valid is false when the sensor reported "not
// available" for it.
type Value struct {
	V     float64
	Valid bool
}

// Sample is one set of readings, indexed by Field.
type Sample [NumFields]Value

// DecodeSample decodes a 16-byte raw sample.
func DecodeSample(b []byte) Sample {
	var s Sample
	for f := Field(0); f < NumFields; f++ {
		raw := binary.BigEndian.Uint16(b[2*f:])
		if f.Signed() {
			if raw == naSigned {
				continue
			}
			s[f] = Value{V: float64(int16(raw)) / f.Scale(), Valid: true}
			continue
		}
		if raw == naUnsigned {
			continue
		}
		s[f] = Value{V: float64(raw) / f.Scale(), Valid: true}
	}
	return s
}

// EncodeSample writes s into dst in wire format. Absent values become the
// field sentinel; out-of-range values saturate below it.
func EncodeSample(dst []byte, s Sample) {
	_ = dst[SampleSize-1]
	for f := Field(0); f < NumFields; f++ {
		var raw uint16
		v := s[f]
		switch {
		case f.Signed() && !v.Valid:
			raw = naSigned
		case f.Signed():
			raw = uint16(int16(mathx.Clamp(math.Round(v.V*f.Scale()), math.MinInt16, naSigned-1)))
		case !v.Valid:
			raw = naUnsigned
		default:
			raw = uint16(mathx.Clamp(math.Round(v.V*f.Scale()), 0, naUnsigned-1))
		}
		binary.BigEndian.PutUint16(dst[2*f:], raw)
	}
}

// Get returns the value of f and whether it is present.
func (s Sample) Get(f Field) (float64, bool) { return s[f].V, s[f].Valid }

// String renders "key=value" pairs, "-" for absent values.
func (s Sample) String() string {
	var b strings.Builder
	for f := Field(0); f < NumFields; f++ {
		if f > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(f.Key())
		b.WriteByte('=')
		if !s[f].Valid {
			b.WriteByte('-')
			continue
		}
		b.WriteString(strconv.FormatFloat(s[f].V, 'f', -1, 64))
	}
	return b.String()
}

// LogValue groups the present readings.
func (s Sample) LogValue() slog.Value {
	attrs := make([]slog.Attr, 0, NumFields)
	for f := Field(0); f < NumFields; f++ {
		if s[f].Valid {
			attrs = append(attrs, slog.Float64(f.Key(), s[f].V))
		}
	}
	return slog.GroupValue(attrs...)
}
