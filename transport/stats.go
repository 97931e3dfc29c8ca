package transport

import (
	"sync"
	"time"
)

// Stats tracks successful chunk upload durations.
type Stats struct {
	mu       sync.Mutex
	sum      time.Duration
	finished int64
}

// NewStats ...
func NewStats() *Stats {
	return &Stats{}
}

// Record adds the duration of a successful chunk upload.
func (s *Stats) Record(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sum += d
	s.finished++
}

// Average returns the average duration of successful uploads, 0 before the first one.
func (s *Stats) Average() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished == 0 {
		return 0
	}
	return s.sum / time.Duration(s.finished)
}

// FinishedCount ...
func (s *Stats) FinishedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// TotalDuration ...
func (s *Stats) TotalDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sum
}
