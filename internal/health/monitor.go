// Auditcast - Real-Time Security Audit Event Distribution
// Copyright 2026 Schoolworks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/schoolworks/auditcast

package health

import (
	"sync"
	"time"

	"github.com/schoolworks/auditcast/internal/audit"
	"github.com/schoolworks/auditcast/internal/fallback"
	"github.com/schoolworks/auditcast/internal/logging"
	"github.com/schoolworks/auditcast/internal/metrics"
	"github.com/schoolworks/auditcast/internal/registry"
)

// Status buckets for the composite health score.
const (
	StatusHealthy  = "healthy"
	StatusWarning  = "warning"
	StatusCritical = "critical"
)

// snapshotRingCap bounds the retained history.
const snapshotRingCap = 1000

// Thresholds configure the scoring penalties.
type Thresholds struct {
	// ErrorRatePercent is the pending-retry-to-connection ratio above
	// which delivery is considered degraded.
	ErrorRatePercent float64

	// MaxConnectionsPerIP flags single-source concentration.
	MaxConnectionsPerIP int

	// QueueBacklogThreshold flags fallback queue backlog.
	QueueBacklogThreshold int

	// MinAvgConnectionAge flags churny short-lived connections.
	MinAvgConnectionAge time.Duration
}

// DefaultThresholds returns the standard scoring thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ErrorRatePercent:      20,
		MaxConnectionsPerIP:   10,
		QueueBacklogThreshold: 100,
		MinAvgConnectionAge:   5 * time.Minute,
	}
}

// Snapshot is one collected observation of the distribution subsystem.
type Snapshot struct {
	Timestamp   time.Time        `json:"timestamp"`
	Connections registry.Stats   `json:"connections"`
	Fallback    fallback.Stats   `json:"fallback"`
	Aggregator  AggregatorStats  `json:"aggregator"`
}

// AggregatorStats is the subset of metrics-aggregator counters the
// monitor keeps per snapshot.
type AggregatorStats struct {
	CachedSnapshots int   `json:"cachedSnapshots"`
	QueuedUpdates   int   `json:"queuedUpdates"`
	TotalBroadcasts int64 `json:"totalBroadcasts"`
	TotalThrottled  int64 `json:"totalThrottled"`
}

// Assessment is the scored verdict over the latest snapshot.
type Assessment struct {
	Score     int       `json:"score"`
	Status    string    `json:"status"`
	Issues    []string  `json:"issues,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StatsProvider supplies the monitor with component observations.
type StatsProvider interface {
	ConnectionStats() registry.Stats
	FallbackStats() fallback.Stats
	AggregatorStats() AggregatorStats
}

// Monitor collects periodic snapshots of the distribution subsystem and
// scores them. It schedules nothing itself; Collect and Assess are
// driven by supervised periodic tasks.
type Monitor struct {
	mu         sync.Mutex
	provider   StatsProvider
	sink       audit.Sink
	thresholds Thresholds

	// ring of recent snapshots, next points at the oldest slot.
	snapshots []Snapshot
	next      int

	lastAssessment *Assessment
	totalScore     int64
	assessments    int64
}

// NewMonitor builds a monitor over the provider. The sink receives
// escalation events when the score leaves the healthy band.
func NewMonitor(provider StatsProvider, sink audit.Sink, thresholds Thresholds) *Monitor {
	if thresholds == (Thresholds{}) {
		thresholds = DefaultThresholds()
	}
	return &Monitor{
		provider:   provider,
		sink:       sink,
		thresholds: thresholds,
		snapshots:  make([]Snapshot, 0, snapshotRingCap),
	}
}

// Collect records one observation. A panicking provider is contained so
// a buggy stats source cannot take the monitor down with it.
func (m *Monitor) Collect() {
	defer func() {
		if r := recover(); r != nil {
			logging.Error().Interface("panic", r).Msg("health collection panicked")
		}
	}()

	snap := Snapshot{
		Timestamp:   time.Now(),
		Connections: m.provider.ConnectionStats(),
		Fallback:    m.provider.FallbackStats(),
		Aggregator:  m.provider.AggregatorStats(),
	}

	m.mu.Lock()
	if len(m.snapshots) < snapshotRingCap {
		m.snapshots = append(m.snapshots, snap)
	} else {
		m.snapshots[m.next] = snap
		m.next = (m.next + 1) % snapshotRingCap
	}
	m.mu.Unlock()

	logging.Debug().
		Int("active_connections", snap.Connections.Active).
		Int("queue_size", snap.Fallback.Size).
		Msg("health snapshot collected")
}

// Assess scores the latest snapshot and escalates when the subsystem
// leaves the healthy band. With no snapshot yet it reports healthy.
func (m *Monitor) Assess() Assessment {
	defer func() {
		if r := recover(); r != nil {
			logging.Error().Interface("panic", r).Msg("health assessment panicked")
		}
	}()

	snap, ok := m.Latest()
	if !ok {
		return Assessment{Score: 100, Status: StatusHealthy, Timestamp: time.Now()}
	}

	score := 100
	var issues []string

	if rate := errorRate(snap); rate > m.thresholds.ErrorRatePercent {
		score -= 30
		issues = append(issues, "elevated delivery failure rate")
	}
	if maxPerIP(snap.Connections) > m.thresholds.MaxConnectionsPerIP {
		score -= 20
		issues = append(issues, "connection concentration from single source")
	}
	if snap.Fallback.Size > m.thresholds.QueueBacklogThreshold {
		score -= 25
		issues = append(issues, "fallback queue backlog")
	}
	if snap.Connections.Active > 0 && snap.Connections.AvgConnectionAge < m.thresholds.MinAvgConnectionAge {
		score -= 15
		issues = append(issues, "short-lived connection churn")
	}
	if score < 0 {
		score = 0
	}

	status := StatusCritical
	switch {
	case score >= 80:
		status = StatusHealthy
	case score >= 60:
		status = StatusWarning
	}

	assessment := Assessment{
		Score:     score,
		Status:    status,
		Issues:    issues,
		Timestamp: time.Now(),
	}

	m.mu.Lock()
	m.lastAssessment = &assessment
	m.totalScore += int64(score)
	m.assessments++
	m.mu.Unlock()

	metrics.HealthScore.Set(float64(score))
	m.report(assessment, snap)
	return assessment
}

// report logs the verdict and escalates degraded states to the audit
// sink.
func (m *Monitor) report(a Assessment, snap Snapshot) {
	switch a.Status {
	case StatusHealthy:
		logging.Debug().Int("score", a.Score).Msg("distribution subsystem healthy")
		return
	case StatusWarning:
		logging.Warn().Int("score", a.Score).Strs("issues", a.Issues).Msg("distribution subsystem degraded")
	default:
		logging.Error().Int("score", a.Score).Strs("issues", a.Issues).Msg("distribution subsystem critical")
	}

	if m.sink == nil {
		return
	}
	severity := audit.SeverityHigh
	if a.Status == StatusCritical {
		severity = audit.SeverityCritical
	}
	m.sink.LogActivity(&audit.Event{
		Action:   "system.health_degraded",
		Resource: "distribution_subsystem",
		Severity: severity,
		Details: map[string]interface{}{
			"score":             a.Score,
			"status":            a.Status,
			"issues":            a.Issues,
			"activeConnections": snap.Connections.Active,
			"fallbackQueueSize": snap.Fallback.Size,
		},
	})
}

// Latest returns the most recent snapshot.
func (m *Monitor) Latest() (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.snapshots) == 0 {
		return Snapshot{}, false
	}
	if len(m.snapshots) < snapshotRingCap {
		return m.snapshots[len(m.snapshots)-1], true
	}
	// next points at the oldest slot, so the newest sits just before it.
	return m.snapshots[(m.next+snapshotRingCap-1)%snapshotRingCap], true
}

// MonitoringStats is the external view over the monitor's state.
type MonitoringStats struct {
	Latest         *Snapshot   `json:"latest,omitempty"`
	LastAssessment *Assessment `json:"lastAssessment,omitempty"`
	AverageScore   float64     `json:"averageScore"`
	SnapshotCount  int         `json:"snapshotCount"`
}

// MonitoringStats reports the latest observation, verdict and the
// rolling average score.
func (m *Monitor) MonitoringStats() MonitoringStats {
	latest, ok := m.Latest()

	m.mu.Lock()
	defer m.mu.Unlock()

	stats := MonitoringStats{
		LastAssessment: m.lastAssessment,
		SnapshotCount:  len(m.snapshots),
		AverageScore:   100,
	}
	if ok {
		stats.Latest = &latest
	}
	if m.assessments > 0 {
		stats.AverageScore = float64(m.totalScore) / float64(m.assessments)
	}
	return stats
}

// errorRate is the pending-retry backlog as a percentage of active
// connections; with no connections any backlog counts as fully errored.
func errorRate(snap Snapshot) float64 {
	if snap.Connections.Active == 0 {
		if snap.Fallback.PendingRetries > 0 {
			return 100
		}
		return 0
	}
	return float64(snap.Fallback.PendingRetries) / float64(snap.Connections.Active) * 100
}

// maxPerIP returns the largest per-IP connection bucket.
func maxPerIP(stats registry.Stats) int {
	maxCount := 0
	for _, n := range stats.ConnectionsPerIP {
		if n > maxCount {
			maxCount = n
		}
	}
	return maxCount
}
