package metrics

import (
	"sort"
	"sync"
	"time"
)

type Metrics struct {
	mutex         sync.RWMutex
	requests      map[string]int64
	selections    map[string]int64
	responseTimes map[string][]time.Duration
	statusCodes   map[string]map[int]int64
	healthStatus  map[string]bool
	activeTunnels map[string]int64
	totalTunnels  map[string]int64
	startTime     time.Time
}

type Snapshot struct {
	TotalRequests int64                    `json:"total_requests"`
	Uptime        time.Duration            `json:"uptime"`
	Origins       map[string]OriginMetrics `json:"origins"`
	Mode          string                   `json:"mode"`
}

type OriginMetrics struct {
	Requests      int64         `json:"requests"`
	Selections    int64         `json:"selections"`
	Healthy       bool          `json:"healthy"`
	ActiveTunnels int64         `json:"active_tunnels"`
	TotalTunnels  int64         `json:"total_tunnels"`
	AvgResponse   time.Duration `json:"avg_response"`
	P50Response   time.Duration `json:"p50_response"`
	P95Response   time.Duration `json:"p95_response"`
	P99Response   time.Duration `json:"p99_response"`
	StatusCodes   map[int]int64 `json:"status_codes"`
}

func NewMetrics() *Metrics {
	return &Metrics{
		requests:      make(map[string]int64),
		selections:    make(map[string]int64),
		responseTimes: make(map[string][]time.Duration),
		statusCodes:   make(map[string]map[int]int64),
		healthStatus:  make(map[string]bool),
		activeTunnels: make(map[string]int64),
		totalTunnels:  make(map[string]int64),
		startTime:     time.Now(),
	}
}

func (m *Metrics) IncrementRequests(origin string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.requests[origin]++
}

func (m *Metrics) RecordSelection(origin string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.selections[origin]++
}

func (m *Metrics) RecordResponse(origin string, duration time.Duration, statusCode int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.responseTimes[origin] = append(m.responseTimes[origin], duration)

	if len(m.responseTimes[origin]) > 1000 {
		m.responseTimes[origin] = m.responseTimes[origin][1:]
	}

	if m.statusCodes[origin] == nil {
		m.statusCodes[origin] = make(map[int]int64)
	}
	m.statusCodes[origin][statusCode]++
}

func (m *Metrics) UpdateHealthStatus(origin string, healthy bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.healthStatus[origin] = healthy
}

func (m *Metrics) TunnelOpened(origin string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.activeTunnels[origin]++
	m.totalTunnels[origin]++
}

func (m *Metrics) TunnelClosed(origin string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.activeTunnels[origin] > 0 {
		m.activeTunnels[origin]--
	}
}

func (m *Metrics) Snapshot(mode string) Snapshot {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	snap := Snapshot{
		Uptime:  time.Since(m.startTime),
		Origins: make(map[string]OriginMetrics),
		Mode:    mode,
	}

	allOrigins := make(map[string]bool)
	for origin := range m.requests {
		allOrigins[origin] = true
	}
	for origin := range m.selections {
		allOrigins[origin] = true
	}
	for origin := range m.responseTimes {
		allOrigins[origin] = true
	}
	for origin := range m.healthStatus {
		allOrigins[origin] = true
	}
	for origin := range m.totalTunnels {
		allOrigins[origin] = true
	}

	for origin := range allOrigins {
		snap.TotalRequests += m.requests[origin]

		om := OriginMetrics{
			Requests:      m.requests[origin],
			Selections:    m.selections[origin],
			Healthy:       m.healthStatus[origin],
			ActiveTunnels: m.activeTunnels[origin],
			TotalTunnels:  m.totalTunnels[origin],
			StatusCodes:   m.statusCodes[origin],
		}

		durations := m.responseTimes[origin]
		if len(durations) > 0 {
			sorted := make([]time.Duration, len(durations))
			copy(sorted, durations)
			sort.Slice(sorted, func(i, j int) bool {
				return sorted[i] < sorted[j]
			})

			om.AvgResponse = average(sorted)
			om.P50Response = percentile(sorted, 0.50)
			om.P95Response = percentile(sorted, 0.95)
			om.P99Response = percentile(sorted, 0.99)
		}

		snap.Origins[origin] = om
	}

	return snap
}

func average(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return sum / time.Duration(len(durations))
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}

	index := int(float64(len(sorted)) * p)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}

	return sorted[index]
}
