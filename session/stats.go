// stats.go
package session

import "go.uber.org/atomic"

// Stats counts interactions. It is safe to read while the server runs.
type Stats struct {
	Accepted  atomic.Int64
	Listed    atomic.Int64
	Served    atomic.Int64
	NotFound  atomic.Int64
	TooLarge  atomic.Int64
	Rejected  atomic.Int64
	Failed    atomic.Int64
	BytesSent atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Accepted  int64 `json:"accepted"`
	Listed    int64 `json:"listed"`
	Served    int64 `json:"served"`
	NotFound  int64 `json:"not_found"`
	TooLarge  int64 `json:"too_large"`
	Rejected  int64 `json:"rejected"`
	Failed    int64 `json:"failed"`
	BytesSent int64 `json:"bytes_sent"`
}

// Snapshot copies the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Accepted:  s.Accepted.Load(),
		Listed:    s.Listed.Load(),
		Served:    s.Served.Load(),
		NotFound:  s.NotFound.Load(),
		TooLarge:  s.TooLarge.Load(),
		Rejected:  s.Rejected.Load(),
		Failed:    s.Failed.Load(),
		BytesSent: s.BytesSent.Load(),
	}
}
