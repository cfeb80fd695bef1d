package chunkuploader

import (
	"sync"
	"time"
)

// StatsSnapshot is a point-in-time copy of the transmission counters.
type StatsSnapshot struct {
	Transmitted    int64
	FailedAttempts int64
	Bytes          int64
	Busy           time.Duration
}

// Average is the mean duration of a successful transmission.
func (s StatsSnapshot) Average() time.Duration {
	if s.Transmitted == 0 {
		return 0
	}
	return s.Busy / time.Duration(s.Transmitted)
}

// Throughput is the bytes per second a single worker achieved while transmitting.
func (s StatsSnapshot) Throughput() float64 {
	if s.Busy <= 0 {
		return 0
	}
	return float64(s.Bytes) / s.Busy.Seconds()
}

// Stats collects chunk transmission counters shared by the workers of an uploader.
type Stats struct {
	mu   sync.Mutex
	snap StatsSnapshot
}

// NewStats ...
func NewStats() *Stats {
	return &Stats{}
}

// Transmitted records a chunk of n bytes that was accepted after d.
func (s *Stats) Transmitted(d time.Duration, n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Transmitted++
	s.snap.Bytes += n
	s.snap.Busy += d
}

// Failed records a rejected transmission attempt.
func (s *Stats) Failed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.FailedAttempts++
}

// Snapshot returns the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}
