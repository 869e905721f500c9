// Package metrics tracks connection and throughput counters and logs a
// periodic summary. The ticker/Start/Stop loop shape is adapted from the
// teacher's internal/monitor/monitor.go, repurposed from pool health
// checks to counter snapshots.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/romeomihailus/dualproxy/internal/logging"
)

// Metrics holds the atomic counters the acceptor reports through.
type Metrics struct {
	totalConnections  atomic.Int64
	activeConnections atomic.Int64
	socks5Dispatched  atomic.Int64
	httpDispatched    atomic.Int64
	bytesAToB         atomic.Int64
	bytesBToA         atomic.Int64
	authFailures      atomic.Int64

	interval time.Duration
	stop     chan struct{}
	wg       sync.WaitGroup
	log      *logging.Logger
}

// New creates a Metrics tracker. If interval is positive, Start launches
// a goroutine that logs a summary on that cadence. log may be nil, in
// which case the summary log is a no-op.
func New(interval time.Duration, log *logging.Logger) *Metrics {
	if log == nil {
		log = logging.New("metrics", logging.LevelOff)
	}
	return &Metrics{interval: interval, stop: make(chan struct{}), log: log}
}

// ConnectionOpened records the start of a new connection.
func (m *Metrics) ConnectionOpened() {
	m.totalConnections.Add(1)
	m.activeConnections.Add(1)
}

// ConnectionClosed records a connection's end.
func (m *Metrics) ConnectionClosed() {
	m.activeConnections.Add(-1)
}

// Dispatched records which protocol handler a connection was routed to.
func (m *Metrics) Dispatched(protocol string) {
	switch protocol {
	case "socks5":
		m.socks5Dispatched.Add(1)
	case "http":
		m.httpDispatched.Add(1)
	}
}

// Forwarded accumulates bytes moved in each direction.
func (m *Metrics) Forwarded(aToB, bToA int64) {
	m.bytesAToB.Add(aToB)
	m.bytesBToA.Add(bToA)
}

// AuthFailure records a failed authentication attempt.
func (m *Metrics) AuthFailure() {
	m.authFailures.Add(1)
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	TotalConnections  int64
	ActiveConnections int64
	SOCKS5Dispatched  int64
	HTTPDispatched    int64
	BytesClientToHost int64
	BytesHostToClient int64
	AuthFailures      int64
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		TotalConnections:  m.totalConnections.Load(),
		ActiveConnections: m.activeConnections.Load(),
		SOCKS5Dispatched:  m.socks5Dispatched.Load(),
		HTTPDispatched:    m.httpDispatched.Load(),
		BytesClientToHost: m.bytesAToB.Load(),
		BytesHostToClient: m.bytesBToA.Load(),
		AuthFailures:      m.authFailures.Load(),
	}
}

// Start launches the periodic summary-logging goroutine. No-op if
// interval is non-positive.
func (m *Metrics) Start() {
	if m.interval <= 0 {
		return
	}
	m.wg.Add(1)
	go m.loop()
}

// Stop shuts down the summary-logging goroutine and waits for it to exit.
func (m *Metrics) Stop() {
	if m.interval <= 0 {
		return
	}
	close(m.stop)
	m.wg.Wait()
}

func (m *Metrics) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.logSummary()
		case <-m.stop:
			return
		}
	}
}

func (m *Metrics) logSummary() {
	s := m.Snapshot()
	m.log.Info("active=%d total=%d socks5=%d http=%d bytes_c2h=%d bytes_h2c=%d auth_failures=%d",
		s.ActiveConnections, s.TotalConnections, s.SOCKS5Dispatched, s.HTTPDispatched,
		s.BytesClientToHost, s.BytesHostToClient, s.AuthFailures)
}
