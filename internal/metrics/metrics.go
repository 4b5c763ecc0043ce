// Package metrics holds process-wide atomic counters, grounded on the
// teacher's Room metrics fields (totalDatagrams, totalBytes,
// skippedDatagrams) and Transport's atomic RTT/jitter/drop accounting.
// Eventual consistency across readers is acceptable, per spec.md §9.
package metrics

import "sync/atomic"

// Global is the process-wide counter set. Each guild also keeps its own
// frames-sent/nulled pair (see speak.Loop); those are not included here.
type Global struct {
	Reconnects     atomic.Int64
	FatalShutdowns atomic.Int64
	DaveRecoveries atomic.Int64
	TracksStarted  atomic.Int64
	TracksFailed   atomic.Int64
}

// Snapshot is a point-in-time, non-atomic copy suitable for marshaling.
type Snapshot struct {
	Reconnects     int64
	FatalShutdowns int64
	DaveRecoveries int64
	TracksStarted  int64
	TracksFailed   int64
}

// Snapshot reads all counters into a plain struct.
func (g *Global) Snapshot() Snapshot {
	return Snapshot{
		Reconnects:     g.Reconnects.Load(),
		FatalShutdowns: g.FatalShutdowns.Load(),
		DaveRecoveries: g.DaveRecoveries.Load(),
		TracksStarted:  g.TracksStarted.Load(),
		TracksFailed:   g.TracksFailed.Load(),
	}
}
