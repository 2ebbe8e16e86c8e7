package s3

import (
	"sync"
	"time"
)

// RequestStats counts S3 HTTP attempts for the driver's lifetime. Retries are every
// attempt after the first one of an operation.
type RequestStats struct {
	Requests        int64            `json:"requests"`
	Errors          int64            `json:"errors"`
	Retries         int64            `json:"retries"`
	BytesUploaded   int64            `json:"bytes_uploaded"`
	BytesDownloaded int64            `json:"bytes_downloaded"`
	AverageLatency  time.Duration    `json:"average_latency"`
	ByOperation     map[string]int64 `json:"by_operation"`
	LastError       string           `json:"last_error,omitempty"`
	LastErrorTime   time.Time        `json:"last_error_time,omitempty"`
}

type requestStats struct {
	mu    sync.Mutex
	stats RequestStats
	now   func() time.Time
}

func newRequestStats() *requestStats {
	return &requestStats{
		stats: RequestStats{ByOperation: make(map[string]int64)},
		now:   time.Now,
	}
}

// attempt records one HTTP round trip of op. Latency is an exponentially weighted average.
func (s *requestStats) attempt(op string, n int, d time.Duration, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.Requests++
	s.stats.ByOperation[op]++
	if n > 1 {
		s.stats.Retries++
	}
	if failed {
		s.stats.Errors++
	}
	if s.stats.Requests == 1 {
		s.stats.AverageLatency = d
		return
	}
	s.stats.AverageLatency = (s.stats.AverageLatency*9 + d) / 10
}

// failed records the final error of an operation once retries are exhausted.
func (s *requestStats) failed(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.LastError = err.Error()
	s.stats.LastErrorTime = s.now()
}

func (s *requestStats) uploaded(n int64) {
	s.mu.Lock()
	s.stats.BytesUploaded += n
	s.mu.Unlock()
}

func (s *requestStats) downloaded(n int64) {
	s.mu.Lock()
	s.stats.BytesDownloaded += n
	s.mu.Unlock()
}

func (s *requestStats) snapshot() RequestStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.stats
	out.ByOperation = make(map[string]int64, len(s.stats.ByOperation))
	for op, n := range s.stats.ByOperation {
		out.ByOperation[op] = n
	}
	return out
}
