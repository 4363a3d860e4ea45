package store

import (
	"encoding/binary"
	"iter"
	"time"

	"aqm-go/drivers/sen5x"
)

// View reads the store while its lock is held. A View and the sequences it
// returns are only valid inside the function passed to Store.View.
type View struct{ s *Store }

// View runs fn with the store locked, so that several reads (a count and a
// full listing, say) see the same contents.
func (s *Store) View(fn func(v View) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(View{s})
}

// Count is the number of real samples held.
func (v View) Count() int { return v.s.count() }

// SamplesRaw yields (age in ms relative to now, raw sample) newest first.
func (v View) SamplesRaw(now int64) iter.Seq2[int64, [SlotSize]byte] {
	return func(yield func(int64, [SlotSize]byte) bool) {
		s := v.s
		off := now - s.lastTs
		if s.skipPos >= 0 {
			// Newest slot is a marker with no sample after it yet.
			off += s.interval
		}
		older, newer := s.chunks()
		for _, c := range [2][]byte{newer, older} {
			for i := len(c) - SlotSize; i >= 0; i -= SlotSize {
				b := c[i : i+SlotSize]
				if isSkip(b) {
					off += int64(binary.BigEndian.Uint32(b[4:]))
					continue
				}
				if !yield(off, [SlotSize]byte(b)) {
					return
				}
				off += s.interval
			}
		}
	}
}

// Samples yields (timestamp, decoded sample) newest first.
func (v View) Samples(now time.Time) iter.Seq2[time.Time, sen5x.Sample] {
	return func(yield func(time.Time, sen5x.Sample) bool) {
		for off, raw := range v.SamplesRaw(now.UnixMilli()) {
			if !yield(now.Add(-time.Duration(off)*time.Millisecond), sen5x.DecodeSample(raw[:])) {
				return
			}
		}
	}
}

// Errors decodes the last stored status register.
func (v View) Errors() sen5x.Status { return sen5x.DecodeStatus(v.s.buf[:StatusSize]) }

// Bytes is the whole backing buffer, status region first.
func (v View) Bytes() []byte { return v.s.buf }

// Count locks and returns the number of real samples.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count()
}

// Errors locks and decodes the stored status register.
func (s *Store) Errors() sen5x.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return View{s}.Errors()
}

// SamplesRaw is View.SamplesRaw holding the lock for the whole iteration.
// The loop body must not call back into the store.
func (s *Store) SamplesRaw(now int64) iter.Seq2[int64, [SlotSize]byte] {
	return func(yield func(int64, [SlotSize]byte) bool) {
		s.mu.Lock()
		defer s.mu.Unlock()
		View{s}.SamplesRaw(now)(yield)
	}
}

// Samples is View.Samples holding the lock for the whole iteration.
// The loop body must not call back into the store.
func (s *Store) Samples(now time.Time) iter.Seq2[time.Time, sen5x.Sample] {
	return func(yield func(time.Time, sen5x.Sample) bool) {
		s.mu.Lock()
		defer s.mu.Unlock()
		View{s}.Samples(now)(yield)
	}
}
