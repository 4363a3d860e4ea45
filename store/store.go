// Package store keeps a fixed-size rolling history of raw SEN5x samples in
// RAM, without per-sample timestamps.
//
// Samples are expected at a nominal interval. A gap of more than two
// intervals is recorded as a skip marker slot carrying the extra delay in
// milliseconds, so a long pause costs one slot instead of one per missed
// sample. Timestamps are reconstructed on read, walking back from the most
// recent commit.
//
// Layout of the backing buffer:
//
//	[4B status register][16B slot] x capacity
//
// A skip marker slot is FF FE 00 00, a big-endian uint32 extra delay, then
// zeros. FFFE is out of range for the PM1.0 field (the sensor reports at most
// 1000.0 µg/m³ and uses FFFF for "not available"), and a committed sample that
// still matches the pattern is rewritten to read as "not available".
package store

import (
	"encoding/binary"
	"math"
	"sync"
	"time"

	"aqm-go/drivers/sen5x"
	"aqm-go/errcode"
)

const (
	SlotSize    = sen5x.SampleSize
	StatusSize  = 4
	MaxCapacity = 65535
)

var skipMagic = [4]byte{0xFF, 0xFE, 0x00, 0x00}

// Store is the ring buffer. All methods are safe for concurrent use; the
// writer and every reader share one lock.
type Store struct {
	mu       sync.Mutex
	buf      []byte
	capacity int
	interval int64 // ms

	cursor  int   // next slot to write
	loops   int   // completed laps
	skips   int   // marker slots in the buffer
	lastTs  int64 // ms, last commit
	hasLast bool
	skipPos int  // marker written by the last commit, -1 if that was a sample
	openWas bool // slot handed out by acquire held a marker

	sanitized int
	resets    int
}

// New allocates a store of capacity slots for samples taken every interval.
func New(capacity int, interval time.Duration) (*Store, error) {
	if capacity < 1 || capacity > MaxCapacity {
		return nil, &errcode.E{C: errcode.InvalidParams, Op: "store", Msg: "capacity must be in 1..65535"}
	}
	if interval < time.Millisecond {
		return nil, &errcode.E{C: errcode.InvalidParams, Op: "store", Msg: "interval must be at least 1ms"}
	}
	return &Store{
		buf:      make([]byte, StatusSize+capacity*SlotSize),
		capacity: capacity,
		interval: interval.Milliseconds(),
		skipPos:  -1,
	}, nil
}

// Capacity is the number of slots.
func (s *Store) Capacity() int { return s.capacity }

// Interval is the nominal sample interval.
func (s *Store) Interval() time.Duration { return time.Duration(s.interval) * time.Millisecond }

// Write stores one sample taken at ts (ms). fill receives the 16-byte slot
// to decode the sample into; the sample is committed only if fill returns
// nil, otherwise the slot is restored and the error returned.
func (s *Store) Write(ts int64, fill func(slot []byte) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot := s.acquire(ts)
	prev := [SlotSize]byte(slot)
	if err := fill(slot); err != nil {
		copy(slot, prev[:])
		return err
	}
	s.commit(ts)
	return nil
}

// Put stores a copy of a raw 16-byte sample taken at ts (ms).
func (s *Store) Put(ts int64, raw []byte) error {
	if len(raw) != SlotSize {
		return &errcode.E{C: errcode.InvalidParams, Op: "store", Msg: "sample must be 16 bytes"}
	}
	return s.Write(ts, func(slot []byte) error {
		copy(slot, raw)
		return nil
	})
}

// WriteStatus hands the 4-byte status region to fill under the store lock.
// The region is restored if fill fails.
func (s *Store) WriteStatus(fill func(region []byte) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	region := s.buf[:StatusSize:StatusSize]
	prev := [StatusSize]byte(region)
	if err := fill(region); err != nil {
		copy(region, prev[:])
		return err
	}
	return nil
}

func (s *Store) slot(i int) []byte {
	off := StatusSize + i*SlotSize
	return s.buf[off : off+SlotSize : off+SlotSize]
}

func isSkip(b []byte) bool { return [4]byte(b[:4]) == skipMagic }

// acquire returns the slot for a sample taken at ts, recording a skip marker
// first when ts is more than two intervals after the last commit.
func (s *Store) acquire(ts int64) []byte {
	if s.hasLast {
		if extra := ts - s.lastTs - s.interval; extra > s.interval {
			s.commitSkip(ts, extra)
		}
	}
	b := s.slot(s.cursor)
	s.openWas = isSkip(b)
	return b
}

func (s *Store) commitSkip(ts, extra int64) {
	if s.skipPos >= 0 {
		// Nothing was committed after the last marker: extend it.
		b := s.slot(s.skipPos)
		extra += s.interval + int64(binary.BigEndian.Uint32(b[4:]))
		if extra > math.MaxUint32 {
			s.reset()
			return
		}
		binary.BigEndian.PutUint32(b[4:], uint32(extra))
		s.lastTs = ts
		return
	}
	if extra > math.MaxUint32 {
		s.reset()
		return
	}

	b := s.slot(s.cursor)
	if isSkip(b) {
		s.skips--
	}
	copy(b, skipMagic[:])
	binary.BigEndian.PutUint32(b[4:], uint32(extra))
	clear(b[8:])
	s.skips++
	s.skipPos = s.cursor
	s.lastTs = ts
	s.advance()
}

func (s *Store) commit(ts int64) {
	b := s.slot(s.cursor)
	if isSkip(b) {
		binary.BigEndian.PutUint16(b, 0xFFFF)
		s.sanitized++
	}
	if s.openWas {
		s.skips--
		s.openWas = false
	}
	s.skipPos = -1
	s.lastTs, s.hasLast = ts, true
	s.advance()
}

func (s *Store) advance() {
	s.cursor++
	if s.cursor == s.capacity {
		s.cursor = 0
		s.loops++
	}
}

// reset empties the store; used when a gap is too long to encode.
func (s *Store) reset() {
	clear(s.buf[StatusSize:])
	s.cursor, s.loops, s.skips = 0, 0, 0
	s.lastTs, s.hasLast = 0, false
	s.skipPos = -1
	s.resets++
}

func (s *Store) count() int {
	n := s.cursor
	if s.loops > 0 {
		n = s.capacity
	}
	return n - s.skips
}

// chunks returns the written slots as at most two contiguous byte ranges,
// oldest first: the part after the cursor (only once wrapped) and the part
// before it.
func (s *Store) chunks() (older, newer []byte) {
	split := StatusSize + s.cursor*SlotSize
	newer = s.buf[StatusSize:split]
	if s.loops > 0 {
		older = s.buf[split:]
	}
	return older, newer
}

// Stats is a snapshot of the store counters.
type Stats struct {
	Count     int // real samples
	Capacity  int
	Skips     int // marker slots
	Loops     int
	Sanitized int // samples rewritten because they looked like markers
	Resets    int // gap overflows
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Count:     s.count(),
		Capacity:  s.capacity,
		Skips:     s.skips,
		Loops:     s.loops,
		Sanitized: s.sanitized,
		Resets:    s.resets,
	}
}
