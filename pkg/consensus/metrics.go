package consensus

import (
	"sync"
	"time"
)

// latencyAlpha is the EWMA smoothing factor for round durations
const latencyAlpha = 0.1

// EngineMetrics tracks engine activity counters and a smoothed round
// latency. All methods are safe for concurrent use.
type EngineMetrics struct {
	mu sync.Mutex

	RoundsStarted   uint64
	RoundsFinalized uint64
	RoundsFailed    uint64
	RoundsCancelled uint64

	CommitmentsAccepted uint64
	CommitmentsRejected uint64
	RevealsAccepted     uint64
	RevealsRejected     uint64
	SharesAccepted      uint64
	SharesRejected      uint64

	EventsDropped uint64

	// AvgRoundDuration is an exponentially weighted moving average of
	// finalized round durations
	AvgRoundDuration time.Duration
}

func NewEngineMetrics() *EngineMetrics {
	return &EngineMetrics{}
}

func (m *EngineMetrics) RoundStarted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RoundsStarted++
}

func (m *EngineMetrics) RoundFinalized(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RoundsFinalized++
	if m.AvgRoundDuration == 0 {
		m.AvgRoundDuration = duration
	} else {
		m.AvgRoundDuration = time.Duration(latencyAlpha*float64(duration) + (1-latencyAlpha)*float64(m.AvgRoundDuration))
	}
}

func (m *EngineMetrics) RoundFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RoundsFailed++
}

func (m *EngineMetrics) RoundCancelled() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RoundsCancelled++
}

func (m *EngineMetrics) Commitment(accepted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if accepted {
		m.CommitmentsAccepted++
	} else {
		m.CommitmentsRejected++
	}
}

func (m *EngineMetrics) Reveal(accepted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if accepted {
		m.RevealsAccepted++
	} else {
		m.RevealsRejected++
	}
}

func (m *EngineMetrics) Share(accepted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if accepted {
		m.SharesAccepted++
	} else {
		m.SharesRejected++
	}
}

func (m *EngineMetrics) EventDropped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.EventsDropped++
}

// Snapshot returns a copy of the current counters
func (m *EngineMetrics) Snapshot() EngineMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return EngineMetrics{
		RoundsStarted:       m.RoundsStarted,
		RoundsFinalized:     m.RoundsFinalized,
		RoundsFailed:        m.RoundsFailed,
		RoundsCancelled:     m.RoundsCancelled,
		CommitmentsAccepted: m.CommitmentsAccepted,
		CommitmentsRejected: m.CommitmentsRejected,
		RevealsAccepted:     m.RevealsAccepted,
		RevealsRejected:     m.RevealsRejected,
		SharesAccepted:      m.SharesAccepted,
		SharesRejected:      m.SharesRejected,
		EventsDropped:       m.EventsDropped,
		AvgRoundDuration:    m.AvgRoundDuration,
	}
}
