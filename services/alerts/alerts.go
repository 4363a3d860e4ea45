// Package alerts sends a UDP packet to a set of peers whenever a sample falls
// outside the configured bounds. Peers can snooze alerts for some keys by
// sending a snooze packet back to the bind port.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/netip"
	"slices"
	"sync"
	"time"

	"aqm-go/bus"
	"aqm-go/drivers/sen5x"
	"aqm-go/errcode"
	"aqm-go/services/config"
	"aqm-go/services/poller"
	"aqm-go/x/mathx"
	"aqm-go/x/timex"
)

type Config struct {
	SendTo   []string // host:port
	BindPort int      // 0 picks a free port
	Bounds   map[string]config.Range
	Verbose  bool

	Clock  timex.Clock
	Logger *slog.Logger
}

// FromConfig maps the alerts config section.
func FromConfig(c config.AlertsConfig) Config {
	return Config{SendTo: c.SendTo, BindPort: c.BindPort, Bounds: c.Bounds, Verbose: c.Verbose}
}

type bound struct {
	key    string
	lo, hi float64
}

type snoozeKey struct {
	peer netip.Addr
	key  string
}

type Alerts struct {
	sock   *net.UDPConn
	peers  []*net.UDPAddr
	bounds [sen5x.NumFields]*bound
	clk    timex.Clock
	log    *slog.Logger
	debug  slog.Level

	mu     sync.Mutex
	snooze map[snoozeKey]time.Time
	sent   int
}

// Enabled reports whether cfg has both peers and at least one bound.
func Enabled(cfg Config) bool {
	if len(cfg.SendTo) == 0 {
		return false
	}
	for _, r := range cfg.Bounds {
		if r.Min != nil || r.Max != nil {
			return true
		}
	}
	return false
}

// New resolves the peers and binds the UDP socket.
func New(cfg Config) (*Alerts, error) {
	a := &Alerts{
		clk:    timex.Or(cfg.Clock),
		log:    cfg.Logger,
		debug:  slog.LevelDebug,
		snooze: make(map[snoozeKey]time.Time),
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	a.log = a.log.With("component", "alerts")
	if cfg.Verbose {
		a.debug = slog.LevelInfo
	}

	for key, r := range cfg.Bounds {
		if r.Min == nil && r.Max == nil {
			continue
		}
		b := &bound{key: key, lo: math.Inf(-1), hi: math.Inf(1)}
		if r.Min != nil {
			b.lo = *r.Min
		}
		if r.Max != nil {
			b.hi = *r.Max
		}
		matched := false
		for f, k := range fieldKey {
			if k == key {
				a.bounds[f] = b
				matched = true
			}
		}
		if !matched {
			return nil, &errcode.E{C: errcode.InvalidConfig, Op: "alerts", Msg: fmt.Sprintf("unknown bound %q", key)}
		}
	}

	for _, dst := range cfg.SendTo {
		addr, err := net.ResolveUDPAddr("udp4", dst)
		if err != nil {
			return nil, &errcode.E{C: errcode.InvalidConfig, Op: "alerts", Msg: dst, Err: err}
		}
		a.peers = append(a.peers, addr)
	}

	sock, err := net.ListenUDP("udp4", &net.UDPAddr{Port: cfg.BindPort})
	if err != nil {
		return nil, errcode.Wrap(errcode.IO, "alerts", err)
	}
	a.sock = sock
	a.log.Info("sending alerts", "peers", len(a.peers), "bind", sock.LocalAddr())
	return a, nil
}

// LocalAddr is the bound socket address.
func (a *Alerts) LocalAddr() net.Addr { return a.sock.LocalAddr() }

func (a *Alerts) Close() error { return a.sock.Close() }

// Sent counts alert packets sent.
func (a *Alerts) Sent() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sent
}

// Violations returns the sorted keys of the bounds s is outside of. Absent
// readings never violate.
func (a *Alerts) Violations(s sen5x.Sample) []string {
	var keys []string
	for f, b := range a.bounds {
		if b == nil || !s[f].Valid || mathx.Between(s[f].V, b.lo, b.hi) {
			continue
		}
		if !slices.Contains(keys, b.key) {
			keys = append(keys, b.key)
		}
	}
	slices.Sort(keys)
	return keys
}

// Snooze holds alerts for keys to peer until the given time. Peers that are
// not alert destinations are ignored.
func (a *Alerts) Snooze(peer netip.Addr, keys []string, until time.Time) bool {
	peer = peer.Unmap()
	if !a.isPeer(peer) {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, k := range keys {
		a.snooze[snoozeKey{peer, k}] = until
	}
	return true
}

func (a *Alerts) isPeer(ip netip.Addr) bool {
	for _, p := range a.peers {
		if pa, ok := netip.AddrFromSlice(p.IP); ok && pa.Unmap() == ip {
			return true
		}
	}
	return false
}

// snoozed reports whether every key is snoozed for peer, dropping expired
// entries on the way.
func (a *Alerts) snoozed(peer netip.Addr, keys []string, now time.Time) bool {
	for _, k := range keys {
		sk := snoozeKey{peer, k}
		until, ok := a.snooze[sk]
		if !ok {
			return false
		}
		if !now.Before(until) {
			delete(a.snooze, sk)
			return false
		}
	}
	return true
}

// Check sends an alert for a sample to every peer that has not snoozed all of
// its violated keys. It returns the number of peers alerted.
func (a *Alerts) Check(raw []byte, s sen5x.Sample) (int, error) {
	keys := a.Violations(s)
	if len(keys) == 0 {
		return 0, nil
	}
	now := a.clk.Now()

	a.mu.Lock()
	var dst []*net.UDPAddr
	for _, p := range a.peers {
		ip, _ := netip.AddrFromSlice(p.IP)
		if !a.snoozed(ip.Unmap(), keys, now) {
			dst = append(dst, p)
		}
	}
	a.mu.Unlock()
	if len(dst) == 0 {
		a.log.Log(context.Background(), a.debug, "alert suppressed", "keys", keys)
		return 0, nil
	}

	pkt := AlertPacket(raw, keys)
	a.log.Log(context.Background(), a.debug, "sending alert", "keys", keys, "peers", len(dst), "bytes", len(pkt))
	var errs []error
	n := 0
	for _, p := range dst {
		if _, err := a.sock.WriteToUDP(pkt, p); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p, err))
			continue
		}
		n++
	}
	a.mu.Lock()
	a.sent += n
	a.mu.Unlock()
	return n, errcode.Wrap(errcode.IO, "alerts", errors.Join(errs...))
}

// handle processes one inbound packet.
func (a *Alerts) handle(pkt []byte, from netip.AddrPort) {
	d, keys, err := ParseSnooze(pkt)
	if err != nil {
		a.log.Log(context.Background(), a.debug, "dropping packet", "from", from, "err", err)
		return
	}
	if !a.Snooze(from.Addr(), keys, a.clk.Now().Add(d)) {
		a.log.Log(context.Background(), a.debug, "dropping packet from unknown source", "from", from)
		return
	}
	a.log.Log(context.Background(), a.debug, "snoozed", "from", from, "keys", keys, "for", d)
}

func (a *Alerts) readLoop() {
	buf := make([]byte, 128)
	for {
		n, from, err := a.sock.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			a.log.Warn("read", "err", err)
			continue
		}
		a.handle(buf[:n], from)
	}
}

// Run reads snooze packets and checks every sample published on the bus
// until ctx is done. It closes the socket on return.
func (a *Alerts) Run(ctx context.Context, conn *bus.Connection) error {
	sub := conn.Subscribe(poller.TopicSample)
	defer sub.Unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.readLoop()
	}()
	defer func() { a.Close(); <-done }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.Channel():
			if !ok {
				return nil
			}
			ev, ok := msg.Payload.(poller.SampleEvent)
			if !ok {
				continue
			}
			if _, err := a.Check(ev.Raw[:], ev.Sample); err != nil {
				a.log.Warn("send failed", "err", err)
			}
		}
	}
}
