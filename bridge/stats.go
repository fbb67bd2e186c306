package bridge

import (
	"sync/atomic"
	"time"
)

// Stats tracks session counters across the whole supervisor lifetime,
// not one session. All fields are updated lock-free from the supervisor
// loop and read from the health endpoint and the shutdown report.
type Stats struct {
	connections    atomic.Int64
	disconnections atomic.Int64
	framesReceived atomic.Int64
	parseFailures  atomic.Int64
	lastData       atomic.Int64 // unix nanos, 0 = never
	startedAt      time.Time
}

// NewStats creates a stats block anchored at now.
func NewStats() *Stats {
	return &Stats{startedAt: time.Now()}
}

func (s *Stats) ConnectionOpened() { s.connections.Add(1) }
func (s *Stats) ConnectionClosed() { s.disconnections.Add(1) }

func (s *Stats) FrameReceived() {
	s.framesReceived.Add(1)
	s.lastData.Store(time.Now().UnixNano())
}

func (s *Stats) ParseFailed() { s.parseFailures.Add(1) }

// LastData returns the time of the last successfully parsed frame, or
// the zero time if none arrived yet.
func (s *Stats) LastData() time.Time {
	ns := s.lastData.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// FramesReceived returns the total number of decoded frames.
func (s *Stats) FramesReceived() int64 { return s.framesReceived.Load() }

// StatsSnapshot is a point-in-time copy of all counters.
type StatsSnapshot struct {
	Connections    int64
	Disconnections int64
	FramesReceived int64
	ParseFailures  int64
	LastData       time.Time
	Uptime         time.Duration
}

// Snapshot captures all counters at once.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Connections:    s.connections.Load(),
		Disconnections: s.disconnections.Load(),
		FramesReceived: s.framesReceived.Load(),
		ParseFailures:  s.parseFailures.Load(),
		LastData:       s.LastData(),
		Uptime:         time.Since(s.startedAt),
	}
}
