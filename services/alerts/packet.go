package alerts

import (
	"encoding/binary"
	"errors"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/sigurn/crc16"

	"aqm-go/drivers/sen5x"
	"aqm-go/x/mathx"
)

var crcTable = crc16.MakeTable(crc16.Params{
	Poly:   0x5935,
	Init:   0x0000,
	RefIn:  false,
	RefOut: false,
	XorOut: 0x0000,
	Check:  0x5D38,
	Name:   "CRC-16/OPENSAFETY-A",
})

var (
	ErrShort  = errors.New("alerts: packet too short")
	ErrCRC    = errors.New("alerts: crc mismatch")
	ErrKeys   = errors.New("alerts: no known alert keys")
	ErrSnooze = errors.New("alerts: bad snooze duration")
)

// maxSnooze bounds the duration a peer can request.
const maxSnooze = 365 * 24 * time.Hour

// Keys are the bound names alerts are raised for.
var Keys = []string{"nox", "pm", "rh", "t", "voc"}

// fieldKey maps each sample field to its bound name.
var fieldKey = [sen5x.NumFields]string{"pm", "pm", "pm", "pm", "rh", "t", "voc", "nox"}

// Checksum is CRC-16/OPENSAFETY-A.
func Checksum(b []byte) uint16 { return crc16.Checksum(b, crcTable) }

func seal(pkt []byte) []byte { return binary.BigEndian.AppendUint16(pkt, Checksum(pkt)) }

func open(pkt []byte, min int) ([]byte, error) {
	if len(pkt) < min+2 {
		return nil, ErrShort
	}
	body := pkt[:len(pkt)-2]
	if Checksum(body) != binary.BigEndian.Uint16(pkt[len(pkt)-2:]) {
		return nil, ErrCRC
	}
	return body, nil
}

// AlertPacket is the raw sample, the space-separated sorted keys of the
// violated bounds, and a big-endian checksum.
func AlertPacket(raw []byte, keys []string) []byte {
	keys = slices.Sorted(slices.Values(keys))
	pkt := make([]byte, 0, len(raw)+32)
	pkt = append(pkt, raw...)
	pkt = append(pkt, strings.Join(keys, " ")...)
	return seal(pkt)
}

// SnoozePacket asks the monitor to hold alerts for keys during d.
func SnoozePacket(d time.Duration, keys []string) []byte {
	pkt := binary.BigEndian.AppendUint64(nil, math.Float64bits(d.Seconds()))
	pkt = append(pkt, strings.Join(keys, " ")...)
	return seal(pkt)
}

// ParseSnooze checks a snooze packet and returns its duration and the known
// keys it names.
func ParseSnooze(pkt []byte) (time.Duration, []string, error) {
	body, err := open(pkt, 8)
	if err != nil {
		return 0, nil, err
	}
	secs := math.Float64frombits(binary.BigEndian.Uint64(body))
	if math.IsNaN(secs) {
		return 0, nil, ErrSnooze
	}
	var keys []string
	for _, k := range strings.Fields(string(body[8:])) {
		if slices.Contains(Keys, k) && !slices.Contains(keys, k) {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return 0, nil, ErrKeys
	}
	secs = mathx.Clamp(secs, 0, maxSnooze.Seconds())
	return time.Duration(secs * float64(time.Second)), keys, nil
}
