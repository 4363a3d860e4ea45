package webui

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"aqm-go/drivers/sen5x"
	"aqm-go/store"
)

const (
	csvHeader = "time_offset, pm10, pm25, pm40, pm100, rh, t, voc, nox\n"
	csvLine   = " 123456.0, 123.0, 123.0, 123.0, 123.0, 12.34, 12.345, 1234.0, 1234.0\n"

	binRecordSize = 8 + store.SlotSize
	binFormat     = "[ 8B double time-offset ms || 16B SEN5x sample ]*"
	rawFormat     = "Raw sample ring buffer contents for debugging"
	marksFormat   = "[ uint8 label-length || uint8 color || uint32 posix-time || label-utf8 ]* || \\x00"
)

// csvFields are (position, width) of each column in csvLine.
var csvFields = [1 + sen5x.NumFields][2]int{
	{0, 9}, {10, 6}, {17, 6}, {24, 6}, {31, 6}, {38, 6}, {45, 7}, {53, 7}, {61, 7},
}

// formatCell renders v into a right-aligned cell of the given width: the
// shortest decimal form with at least one fractional digit, cut to width,
// and without a dangling decimal point.
func formatCell(cell []byte, v float64) error {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	if len(s) > len(cell) {
		s = s[:len(cell)]
	}
	if !strings.Contains(s, ".") {
		return fmt.Errorf("webui: value %v too wide for %d-char csv field", v, len(cell))
	}
	s = strings.TrimSuffix(s, ".")
	pad := len(cell) - len(s)
	for i := range pad {
		cell[i] = ' '
	}
	copy(cell[pad:], s)
	return nil
}

func blankCell(cell []byte) {
	for i := range cell {
		cell[i] = ' '
	}
}

// writeCSV renders every sample, newest first, with time offsets in seconds.
func writeCSV(buf *bytes.Buffer, v store.View, now int64) error {
	buf.Grow(len(csvHeader) + v.Count()*len(csvLine))
	buf.WriteString(csvHeader)
	line := []byte(csvLine)
	for off, raw := range v.SamplesRaw(now) {
		s := sen5x.DecodeSample(raw[:])
		f := csvFields[0]
		if err := formatCell(line[f[0]:f[0]+f[1]], math.Abs(float64(off))/1000); err != nil {
			return err
		}
		for i, val := range s {
			f := csvFields[i+1]
			cell := line[f[0] : f[0]+f[1]]
			if !val.Valid {
				blankCell(cell)
				continue
			}
			if err := formatCell(cell, val.V); err != nil {
				return fmt.Errorf("%s: %w", sen5x.Field(i).Key(), err)
			}
		}
		buf.Write(line)
	}
	return nil
}

// writeBinary renders [f64 BE offset ms][16B raw sample] records.
func writeBinary(buf *bytes.Buffer, v store.View, now int64) {
	buf.Grow(v.Count() * binRecordSize)
	var rec [binRecordSize]byte
	for off, raw := range v.SamplesRaw(now) {
		binary.BigEndian.PutUint64(rec[:8], math.Float64bits(float64(off)))
		copy(rec[8:], raw[:])
		buf.Write(rec[:])
	}
}
