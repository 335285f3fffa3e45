// Package health tracks process health: per-request outcomes, periodic
// dependency checks, and alert rules evaluated on demand into a
// point-in-time report.
package health

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/lingokit/lingokit/internal/logging"
)

// Status is a three-level health state. Report status is the worst
// status across all registered checks.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func statusRank(s Status) int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

func worse(a, b Status) Status {
	if statusRank(b) > statusRank(a) {
		return b
	}
	return a
}

// CheckResult is what a health check returns.
type CheckResult struct {
	Status   Status
	Message  string
	Metadata map[string]any
}

// CheckFunc probes one dependency. An error or panic is recorded as
// unhealthy with the error text as the message.
type CheckFunc func(ctx context.Context) (CheckResult, error)

// CheckRecord is the latest captured outcome of a registered check.
type CheckRecord struct {
	Name         string         `json:"name"`
	Status       Status         `json:"status"`
	Message      string         `json:"message,omitempty"`
	ResponseTime float64        `json:"responseTime"`
	LastCheck    time.Time      `json:"lastCheck"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// RequestCounts summarizes request traffic.
type RequestCounts struct {
	Total      uint64 `json:"total"`
	Success    uint64 `json:"success"`
	Failure    uint64 `json:"failure"`
	LastMinute int    `json:"lastMinute"`
}

// Metrics is a point-in-time view of process-level numbers.
type Metrics struct {
	Uptime              float64       `json:"uptime"`
	MemoryUsage         uint64        `json:"memoryUsage"`
	RequestCounts       RequestCounts `json:"requestCounts"`
	AverageResponseTime float64       `json:"averageResponseTime"`
	ErrorRate           float64       `json:"errorRate"`
}

// AlertRule fires when its predicate holds over the current metrics and
// check records. After firing it stays silent for Cooldown.
type AlertRule struct {
	Condition string
	Severity  string
	Message   string
	Cooldown  time.Duration
	Predicate func(Metrics, []CheckRecord) bool
}

// Alert is one fired rule in a report.
type Alert struct {
	Condition   string    `json:"condition"`
	Severity    string    `json:"severity"`
	Message     string    `json:"message"`
	TriggeredAt time.Time `json:"triggeredAt"`
}

// Report is the full point-in-time health view.
type Report struct {
	OverallStatus Status        `json:"overallStatus"`
	Checks        []CheckRecord `json:"checks"`
	Metrics       Metrics       `json:"metrics"`
	Alerts        []Alert       `json:"alerts"`
}

const (
	// DefaultCheckInterval is how often registered checks re-run.
	DefaultCheckInterval = 30 * time.Second

	maxLatencySamples = 100
	recentWindow      = time.Minute
)

type check struct {
	name   string
	fn     CheckFunc
	stopCh chan struct{}
}

type rule struct {
	AlertRule
	lastFired time.Time
}

// Monitor is the shared health tracker. One instance per process,
// constructed explicitly and passed to whoever records into it.
type Monitor struct {
	startTime time.Time
	interval  time.Duration

	mu           sync.Mutex
	success      uint64
	failure      uint64
	latencies    []float64 // ring, newest at end
	recent       []time.Time
	checks       map[string]*check
	latest       map[string]CheckRecord
	rules        []*rule
	checkTimeout time.Duration
	closed       bool
}

// NewMonitor returns a Monitor re-running checks every interval.
// A non-positive interval means DefaultCheckInterval.
func NewMonitor(interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	return &Monitor{
		startTime:    time.Now(),
		interval:     interval,
		checks:       make(map[string]*check),
		latest:       make(map[string]CheckRecord),
		checkTimeout: 10 * time.Second,
	}
}

// RecordRequest tracks one handled request outcome and its latency.
func (m *Monitor) RecordRequest(success bool, latency time.Duration) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	if success {
		m.success++
	} else {
		m.failure++
	}

	m.latencies = append(m.latencies, float64(latency.Milliseconds()))
	if len(m.latencies) > maxLatencySamples {
		m.latencies = m.latencies[len(m.latencies)-maxLatencySamples:]
	}

	m.recent = append(m.recent, now)
	m.pruneRecentLocked(now)
}

// caller holds m.mu
func (m *Monitor) pruneRecentLocked(now time.Time) {
	cutoff := now.Add(-recentWindow)
	i := 0
	for i < len(m.recent) && m.recent[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		m.recent = m.recent[i:]
	}
}

// RegisterCheck runs fn immediately, then on the monitor's interval.
// Re-registering a name replaces the previous check.
func (m *Monitor) RegisterCheck(name string, fn CheckFunc) error {
	if name == "" {
		return fmt.Errorf("check name is required")
	}
	if fn == nil {
		return fmt.Errorf("check function is required")
	}

	c := &check{name: name, fn: fn, stopCh: make(chan struct{})}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("monitor is closed")
	}
	if prev, ok := m.checks[name]; ok {
		close(prev.stopCh)
	}
	m.checks[name] = c
	m.mu.Unlock()

	m.runCheck(c)
	go m.checkLoop(c)
	return nil
}

func (m *Monitor) checkLoop(c *check) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			m.runCheck(c)
		}
	}
}

func (m *Monitor) runCheck(c *check) {
	ctx, cancel := context.WithTimeout(context.Background(), m.checkTimeout)
	defer cancel()

	start := time.Now()
	result, err := invoke(ctx, c.fn)
	elapsed := time.Since(start)

	record := CheckRecord{
		Name:         c.name,
		Status:       result.Status,
		Message:      result.Message,
		ResponseTime: float64(elapsed.Milliseconds()),
		LastCheck:    time.Now(),
		Metadata:     result.Metadata,
	}
	if err != nil {
		record.Status = StatusUnhealthy
		record.Message = err.Error()
	}
	if record.Status == "" {
		record.Status = StatusHealthy
	}

	if record.Status != StatusHealthy {
		logging.Op().Warn("health check not healthy",
			"check", c.name,
			"status", string(record.Status),
			"message", record.Message)
	}

	m.mu.Lock()
	m.latest[c.name] = record
	m.mu.Unlock()
}

// invoke shields the monitor from panicking checks.
func invoke(ctx context.Context, fn CheckFunc) (result CheckResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("health check panic: %v", r)
		}
	}()
	return fn(ctx)
}

// AddAlertRule registers an alert rule evaluated on every Report call.
func (m *Monitor) AddAlertRule(r AlertRule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, &rule{AlertRule: r})
}

// GetMetrics computes the current process metrics snapshot.
func (m *Monitor) GetMetrics() Metrics {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneRecentLocked(now)

	total := m.success + m.failure
	var avg float64
	for _, l := range m.latencies {
		avg += l
	}
	if len(m.latencies) > 0 {
		avg /= float64(len(m.latencies))
	}
	var errorRate float64
	if total > 0 {
		errorRate = float64(m.failure) / float64(total)
	}

	return Metrics{
		Uptime:              now.Sub(m.startTime).Seconds(),
		MemoryUsage:         ms.Alloc,
		RequestCounts:       RequestCounts{Total: total, Success: m.success, Failure: m.failure, LastMinute: len(m.recent)},
		AverageResponseTime: avg,
		ErrorRate:           errorRate,
	}
}

// GetHealthReport combines the latest check records with metrics and
// evaluates alert rules. Overall status is the worst across checks; a
// rule fires at most once per cooldown.
func (m *Monitor) GetHealthReport() Report {
	metrics := m.GetMetrics()

	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	checks := make([]CheckRecord, 0, len(m.latest))
	overall := StatusHealthy
	for _, record := range m.latest {
		checks = append(checks, record)
		overall = worse(overall, record.Status)
	}

	alerts := []Alert{}
	for _, r := range m.rules {
		if r.Predicate == nil || !r.Predicate(metrics, checks) {
			continue
		}
		if !r.lastFired.IsZero() && now.Sub(r.lastFired) < r.Cooldown {
			continue
		}
		r.lastFired = now
		alerts = append(alerts, Alert{
			Condition:   r.Condition,
			Severity:    r.Severity,
			Message:     r.Message,
			TriggeredAt: now,
		})
	}

	return Report{
		OverallStatus: overall,
		Checks:        checks,
		Metrics:       metrics,
		Alerts:        alerts,
	}
}

// Close stops all check loops.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for _, c := range m.checks {
		close(c.stopCh)
	}
}
