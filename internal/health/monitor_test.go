// Auditcast - Real-Time Security Audit Event Distribution
// Copyright 2026 Schoolworks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/schoolworks/auditcast

package health

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/schoolworks/auditcast/internal/audit"
	"github.com/schoolworks/auditcast/internal/fallback"
	"github.com/schoolworks/auditcast/internal/logging"
	"github.com/schoolworks/auditcast/internal/registry"
)

//nolint:gochecknoinits // init ensures consistent logging for tests
func init() {
	logging.Init(logging.Config{
		Level:  "info",
		Format: "console",
		Output: io.Discard,
	})
}

// fakeProvider returns canned stats for scoring tests.
type fakeProvider struct {
	conns registry.Stats
	queue fallback.Stats
	agg   AggregatorStats
}

func (p *fakeProvider) ConnectionStats() registry.Stats  { return p.conns }
func (p *fakeProvider) FallbackStats() fallback.Stats    { return p.queue }
func (p *fakeProvider) AggregatorStats() AggregatorStats { return p.agg }

// recordingSink captures escalation events.
type recordingSink struct {
	mu     sync.Mutex
	events []*audit.Event
}

func (s *recordingSink) LogActivity(event *audit.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) last() *audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return nil
	}
	return s.events[len(s.events)-1]
}

func healthyStats() registry.Stats {
	return registry.Stats{
		Active:           50,
		ConnectionsPerIP: map[string]int{"10.0.0.1": 3},
		AvgConnectionAge: time.Hour,
	}
}

func TestAssessHealthy(t *testing.T) {
	p := &fakeProvider{conns: healthyStats()}
	m := NewMonitor(p, nil, DefaultThresholds())

	m.Collect()
	a := m.Assess()

	if a.Score != 100 {
		t.Errorf("Score = %d, want 100", a.Score)
	}
	if a.Status != StatusHealthy {
		t.Errorf("Status = %s, want healthy", a.Status)
	}
	if len(a.Issues) != 0 {
		t.Errorf("Issues = %v, want none", a.Issues)
	}
}

func TestAssessPenalties(t *testing.T) {
	cases := []struct {
		name       string
		conns      registry.Stats
		queue      fallback.Stats
		wantScore  int
		wantStatus string
	}{
		{
			name: "elevated error rate",
			conns: registry.Stats{
				Active:           10,
				ConnectionsPerIP: map[string]int{"10.0.0.1": 2},
				AvgConnectionAge: time.Hour,
			},
			queue:      fallback.Stats{PendingRetries: 5},
			wantScore:  70,
			wantStatus: StatusWarning,
		},
		{
			name: "ip concentration",
			conns: registry.Stats{
				Active:           50,
				ConnectionsPerIP: map[string]int{"10.0.0.1": 15},
				AvgConnectionAge: time.Hour,
			},
			wantScore:  80,
			wantStatus: StatusHealthy,
		},
		{
			name: "queue backlog",
			conns: registry.Stats{
				Active:           50,
				ConnectionsPerIP: map[string]int{"10.0.0.1": 2},
				AvgConnectionAge: time.Hour,
			},
			queue:      fallback.Stats{Size: 500},
			wantScore:  75,
			wantStatus: StatusWarning,
		},
		{
			name: "connection churn",
			conns: registry.Stats{
				Active:           50,
				ConnectionsPerIP: map[string]int{"10.0.0.1": 2},
				AvgConnectionAge: time.Minute,
			},
			wantScore:  85,
			wantStatus: StatusHealthy,
		},
		{
			name: "everything wrong",
			conns: registry.Stats{
				Active:           10,
				ConnectionsPerIP: map[string]int{"10.0.0.1": 15},
				AvgConnectionAge: time.Minute,
			},
			queue:      fallback.Stats{Size: 500, PendingRetries: 5},
			wantScore:  10,
			wantStatus: StatusCritical,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			p := &fakeProvider{conns: c.conns, queue: c.queue}
			m := NewMonitor(p, nil, DefaultThresholds())
			m.Collect()

			a := m.Assess()
			if a.Score != c.wantScore {
				t.Errorf("Score = %d, want %d (issues: %v)", a.Score, c.wantScore, a.Issues)
			}
			if a.Status != c.wantStatus {
				t.Errorf("Status = %s, want %s", a.Status, c.wantStatus)
			}
		})
	}
}

func TestAssessEscalatesToSink(t *testing.T) {
	sink := &recordingSink{}
	p := &fakeProvider{conns: registry.Stats{
		Active:           10,
		ConnectionsPerIP: map[string]int{"10.0.0.1": 15},
		AvgConnectionAge: time.Minute,
	}, queue: fallback.Stats{Size: 500, PendingRetries: 5}}
	m := NewMonitor(p, sink, DefaultThresholds())

	m.Collect()
	a := m.Assess()
	if a.Status != StatusCritical {
		t.Fatalf("Status = %s, want critical", a.Status)
	}

	event := sink.last()
	if event == nil {
		t.Fatal("critical assessment should emit an escalation event")
	}
	if event.Severity != audit.SeverityCritical {
		t.Errorf("escalation severity = %s, want critical", event.Severity)
	}
	if event.Action != "system.health_degraded" {
		t.Errorf("escalation action = %s", event.Action)
	}
}

func TestAssessHealthyDoesNotEscalate(t *testing.T) {
	sink := &recordingSink{}
	p := &fakeProvider{conns: healthyStats()}
	m := NewMonitor(p, sink, DefaultThresholds())

	m.Collect()
	m.Assess()

	if sink.last() != nil {
		t.Error("healthy assessment should not emit escalation events")
	}
}

func TestAssessWithoutSnapshot(t *testing.T) {
	m := NewMonitor(&fakeProvider{}, nil, DefaultThresholds())

	a := m.Assess()
	if a.Score != 100 || a.Status != StatusHealthy {
		t.Errorf("assessment without snapshots = %d/%s, want 100/healthy", a.Score, a.Status)
	}
}

func TestSnapshotRingWraps(t *testing.T) {
	p := &fakeProvider{conns: healthyStats()}
	m := NewMonitor(p, nil, DefaultThresholds())

	for i := 0; i < snapshotRingCap+10; i++ {
		p.conns.Active = i
		m.Collect()
	}

	stats := m.MonitoringStats()
	if stats.SnapshotCount != snapshotRingCap {
		t.Errorf("SnapshotCount = %d, want %d", stats.SnapshotCount, snapshotRingCap)
	}
	latest, ok := m.Latest()
	if !ok {
		t.Fatal("Latest returned no snapshot")
	}
	if latest.Connections.Active != snapshotRingCap+9 {
		t.Errorf("latest Active = %d, want %d", latest.Connections.Active, snapshotRingCap+9)
	}
}

func TestMonitoringStatsAverage(t *testing.T) {
	p := &fakeProvider{conns: healthyStats()}
	m := NewMonitor(p, nil, DefaultThresholds())

	m.Collect()
	m.Assess() // 100

	p.conns = registry.Stats{
		Active:           50,
		ConnectionsPerIP: map[string]int{"10.0.0.1": 15},
		AvgConnectionAge: time.Hour,
	}
	m.Collect()
	m.Assess() // 80

	stats := m.MonitoringStats()
	if stats.AverageScore != 90 {
		t.Errorf("AverageScore = %.1f, want 90", stats.AverageScore)
	}
	if stats.LastAssessment == nil || stats.LastAssessment.Score != 80 {
		t.Errorf("LastAssessment = %+v, want score 80", stats.LastAssessment)
	}
}
