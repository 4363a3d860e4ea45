package alerts

import (
	"context"
	"encoding/binary"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aqm-go/bus"
	"aqm-go/drivers/sen5x"
	"aqm-go/services/config"
	"aqm-go/services/poller"
	"aqm-go/x/timex"
)

func ptr(v float64) *float64 { return &v }

func val(v float64) sen5x.Value { return sen5x.Value{V: v, Valid: true} }

// peer is a UDP socket standing in for an alert receiver.
func peer(t *testing.T) *net.UDPConn {
	t.Helper()
	c, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func recv(t *testing.T, c *net.UDPConn) []byte {
	t.Helper()
	buf := make([]byte, 256)
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := c.Read(buf)
	require.NoError(t, err)
	return buf[:n]
}

func newAlerts(t *testing.T, clk timex.Clock, peers ...*net.UDPConn) *Alerts {
	t.Helper()
	cfg := Config{
		Bounds: map[string]config.Range{
			"pm": {Max: ptr(50)},
			"t":  {Min: ptr(5), Max: ptr(35)},
			"rh": {},
		},
		Clock: clk,
	}
	for _, p := range peers {
		cfg.SendTo = append(cfg.SendTo, p.LocalAddr().String())
	}
	a, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestChecksum(t *testing.T) {
	assert.Equal(t, uint16(0x5D38), Checksum([]byte("123456789")))
}

func TestAlertPacket(t *testing.T) {
	raw := make([]byte, 16)
	pkt := AlertPacket(raw, []string{"t", "pm"})
	require.Len(t, pkt, 16+4+2)
	assert.Equal(t, "pm t", string(pkt[16:20]))
	assert.Equal(t, uint16(0xF0CF), binary.BigEndian.Uint16(pkt[20:]))
}

func TestParseSnooze(t *testing.T) {
	pkt := SnoozePacket(time.Hour, []string{"pm", "bogus", "pm"})
	d, keys, err := ParseSnooze(pkt)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, d)
	assert.Equal(t, []string{"pm"}, keys)

	pkt[len(pkt)-1] ^= 1
	_, _, err = ParseSnooze(pkt)
	assert.ErrorIs(t, err, ErrCRC)

	_, _, err = ParseSnooze([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrShort)

	_, _, err = ParseSnooze(SnoozePacket(time.Hour, []string{"bogus"}))
	assert.ErrorIs(t, err, ErrKeys)
}

func TestViolations(t *testing.T) {
	a := newAlerts(t, nil)

	var s sen5x.Sample
	assert.Empty(t, a.Violations(s))

	s[sen5x.PM10] = val(51)
	s[sen5x.PM2_5] = val(60)
	s[sen5x.T] = val(4.5)
	s[sen5x.RH] = val(99)
	assert.Equal(t, []string{"pm", "t"}, a.Violations(s))

	s[sen5x.T] = val(35)
	assert.Equal(t, []string{"pm"}, a.Violations(s))
}

func TestEnabled(t *testing.T) {
	assert.False(t, Enabled(Config{SendTo: []string{"127.0.0.1:9"}}))
	assert.False(t, Enabled(Config{Bounds: map[string]config.Range{"pm": {Max: ptr(1)}}}))
	assert.True(t, Enabled(Config{SendTo: []string{"127.0.0.1:9"}, Bounds: map[string]config.Range{"pm": {Max: ptr(1)}}}))
}

func TestCheckSendsAndSnoozes(t *testing.T) {
	clk := timex.NewManual(time.Unix(1_700_000_000, 0))
	p1, p2 := peer(t), peer(t)
	a := newAlerts(t, clk, p1, p2)

	var s sen5x.Sample
	s[sen5x.PM1_0] = val(80)
	s[sen5x.T] = val(40)
	raw := make([]byte, 16)
	sen5x.EncodeSample(raw, s)

	n, err := a.Check(raw, s)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, AlertPacket(raw, []string{"pm", "t"}), recv(t, p1))
	assert.Equal(t, AlertPacket(raw, []string{"pm", "t"}), recv(t, p2))

	lo := netip.MustParseAddr("127.0.0.1")
	require.True(t, a.Snooze(lo, []string{"pm"}, clk.Now().Add(time.Hour)))

	// One key still open: both peers (same host) are alerted.
	n, err = a.Check(raw, s)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	recv(t, p1)
	recv(t, p2)

	require.True(t, a.Snooze(lo, []string{"t"}, clk.Now().Add(time.Hour)))
	n, err = a.Check(raw, s)
	require.NoError(t, err)
	assert.Zero(t, n)

	clk.Advance(time.Hour)
	n, err = a.Check(raw, s)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 6, a.Sent())
}

func TestSnoozeFromUnknownPeerIgnored(t *testing.T) {
	a := newAlerts(t, nil, peer(t))
	assert.False(t, a.Snooze(netip.MustParseAddr("10.1.2.3"), []string{"pm"}, time.Now().Add(time.Hour)))
}

func TestRunHandlesSnoozeAndSamples(t *testing.T) {
	clk := timex.NewManual(time.Unix(1_700_000_000, 0))
	p := peer(t)
	a := newAlerts(t, clk, p)

	b := bus.NewBus(4)
	conn := b.NewConnection("test")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, conn) }()

	var s sen5x.Sample
	s[sen5x.PM10] = val(100)
	ev := poller.SampleEvent{Sample: s}
	sen5x.EncodeSample(ev.Raw[:], s)

	require.Eventually(t, func() bool {
		conn.Publish(conn.NewMessage(poller.TopicSample, ev, false))
		_ = p.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		buf := make([]byte, 64)
		_, err := p.Read(buf)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	dst := a.LocalAddr().(*net.UDPAddr)
	_, err := p.WriteToUDP(SnoozePacket(time.Hour, []string{"pm"}), &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: dst.Port})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return len(a.snooze) == 1
	}, 2*time.Second, 10*time.Millisecond)

	sent := a.Sent()
	n, err := a.Check(ev.Raw[:], s)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, sent, a.Sent())

	cancel()
	require.NoError(t, <-done)
}
