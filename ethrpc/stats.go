package ethrpc

import (
	"sync"
	"time"
)

// latency rolling average smoothing factor
const ewmaAlpha = 0.2

// URLStats is the persisted per-endpoint counters, it marshals into the
// rpc_stats JSON column of the sync state.
type URLStats struct {
	Ok           uint64  `json:"ok"`
	Fail         uint64  `json:"fail"`
	LastOkAt     int64   `json:"lastOkAt,omitempty"`
	LastFailAt   int64   `json:"lastFailAt,omitempty"`
	AvgLatencyMS float64 `json:"avgLatencyMs,omitempty"`
}

// EndpointStats holds rolling per-URL statistics shared between the executor
// and the sync state bookkeeping. Safe for concurrent use.
type EndpointStats struct {
	mu    sync.Mutex
	stats map[string]*URLStats
}

func NewEndpointStats() *EndpointStats {
	return &EndpointStats{
		stats: make(map[string]*URLStats),
	}
}

// Restore seeds the counters from a previously persisted snapshot.
func (s *EndpointStats) Restore(snapshot map[string]URLStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for url, st := range snapshot {
		cp := st
		s.stats[url] = &cp
	}
}

func (s *EndpointStats) RecordSuccess(url string, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(url)
	st.Ok++
	st.LastOkAt = time.Now().UnixMilli()
	sample := float64(latency.Milliseconds())
	if st.AvgLatencyMS == 0 {
		st.AvgLatencyMS = sample
	} else {
		st.AvgLatencyMS = st.AvgLatencyMS*(1-ewmaAlpha) + sample*ewmaAlpha
	}
}

func (s *EndpointStats) RecordFailure(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(url)
	st.Fail++
	st.LastFailAt = time.Now().UnixMilli()
}

// AvgLatency returns the rolling average latency observed for url, and false
// if there is no sample yet.
func (s *EndpointStats) AvgLatency(url string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stats[url]
	if !ok || st.AvgLatencyMS == 0 {
		return 0, false
	}
	return time.Duration(st.AvgLatencyMS * float64(time.Millisecond)), true
}

// Snapshot returns a copy of the counters for persistence.
func (s *EndpointStats) Snapshot() map[string]URLStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]URLStats, len(s.stats))
	for url, st := range s.stats {
		out[url] = *st
	}
	return out
}

func (s *EndpointStats) get(url string) *URLStats {
	st, ok := s.stats[url]
	if !ok {
		st = &URLStats{}
		s.stats[url] = st
	}
	return st
}
