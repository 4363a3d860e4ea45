// Package ratelimit is a token bucket for bounding retries, configured as
// "N / M<unit>": at most N events per M seconds, minutes, hours or days.
package ratelimit

import (
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"aqm-go/x/mathx"
	"aqm-go/x/timex"
)

var ErrSyntax = errors.New("ratelimit: expected \"N / M[smhd]\"")

// Limit is a burst of N events per Period.
type Limit struct {
	N      int
	Period time.Duration

	text string
}

var units = map[byte]time.Duration{
	's': time.Second,
	'm': time.Minute,
	'h': time.Hour,
	'd': 24 * time.Hour,
}

// Parse reads a limit such as "8 / 3m" or "3/10s".
func Parse(text string) (Limit, error) {
	ns, ms, ok := strings.Cut(text, "/")
	if !ok {
		return Limit{}, ErrSyntax
	}
	ns, ms = strings.TrimSpace(ns), strings.TrimSpace(ms)
	if ms == "" {
		return Limit{}, ErrSyntax
	}
	unit, ok := units[ms[len(ms)-1]]
	if !ok {
		return Limit{}, ErrSyntax
	}
	n, err := strconv.Atoi(ns)
	if err != nil || n < 1 {
		return Limit{}, ErrSyntax
	}
	m, err := strconv.ParseFloat(strings.TrimSpace(ms[:len(ms)-1]), 64)
	if err != nil || m <= 0 {
		return Limit{}, ErrSyntax
	}
	return Limit{N: n, Period: time.Duration(m * float64(unit)), text: text}, nil
}

// MustParse is Parse for constants.
func MustParse(text string) Limit {
	l, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return l
}

func (l Limit) String() string {
	if l.text != "" {
		return l.text
	}
	return strconv.Itoa(l.N) + " / " + strconv.FormatFloat(l.Period.Seconds(), 'f', -1, 64) + "s"
}

// UnmarshalText lets a Limit be used directly in config files.
func (l *Limit) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

func (l Limit) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

// Bucket holds up to N tokens, refilled continuously at N per Period.
// It starts with N-1 tokens; a check passes while the bucket is non-negative
// and spends one token either way, so N back-to-back checks pass.
type Bucket struct {
	mu     sync.Mutex
	clock  timex.Clock
	burst  float64
	rate   float64 // tokens per ms
	tokens float64
	last   time.Time
}

// New returns a bucket for l. A nil clock means the system clock.
func New(l Limit, clk timex.Clock) *Bucket {
	clk = timex.Or(clk)
	n := float64(mathx.Max(l.N, 1))
	period := mathx.Max(l.Period.Milliseconds(), 1)
	return &Bucket{
		clock:  clk,
		burst:  n,
		rate:   n / float64(period),
		tokens: mathx.Max(0, n-1),
		last:   clk.Now(),
	}
}

// TryConsume refills the bucket for the time elapsed since the last check,
// reports whether it was non-negative and takes one token.
func (b *Bucket) TryConsume() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	dt := float64(now.Sub(b.last).Milliseconds())
	b.last = now
	b.tokens = mathx.Min(b.burst, b.tokens+dt*b.rate)
	ok := b.tokens >= 0
	b.tokens--
	return ok
}

// Tokens returns the current token count without refilling.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}
