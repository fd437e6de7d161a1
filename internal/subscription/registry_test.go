// Auditcast - Real-Time Security Audit Event Distribution
// Copyright 2026 Schoolworks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/schoolworks/auditcast

package subscription

import (
	"testing"
	"time"

	"github.com/schoolworks/auditcast/internal/audit"
)

func TestCreateAppliesDefaults(t *testing.T) {
	r := NewRegistry()

	sub := r.Create("conn-1", "user-1", nil, nil)
	if sub == nil {
		t.Fatal("Create returned nil")
	}
	if sub.Preferences.BatchSize != 10 {
		t.Errorf("BatchSize = %d, want 10", sub.Preferences.BatchSize)
	}
	if sub.Preferences.Priority != PriorityMedium {
		t.Errorf("Priority = %s, want medium", sub.Preferences.Priority)
	}
	if !sub.Active {
		t.Error("new subscription should be active")
	}
	if !sub.Filter.Matches(testEvent()) {
		t.Error("default subscription should match events")
	}
}

func TestUpdateMergesFilter(t *testing.T) {
	r := NewRegistry()
	r.Create("conn-1", "user-1", nil, nil)

	sev := audit.SeverityCritical
	if !r.Update("conn-1", FilterUpdate{MinSeverity: &sev}) {
		t.Fatal("Update returned false for existing subscription")
	}

	snap := r.Snapshot("conn-1")
	if snap == nil {
		t.Fatal("Snapshot returned nil")
	}
	if snap.Filter.MinSeverity != audit.SeverityCritical {
		t.Errorf("MinSeverity = %s, want critical", snap.Filter.MinSeverity)
	}

	if r.Update("conn-missing", FilterUpdate{MinSeverity: &sev}) {
		t.Error("Update should return false for unknown connection")
	}
}

func TestReplaceMutesSubscription(t *testing.T) {
	r := NewRegistry()
	r.Create("conn-1", "user-1", nil, nil)

	if !r.Replace("conn-1", EmptyFilterSet()) {
		t.Fatal("Replace returned false")
	}
	if r.Matches(testEvent(), "conn-1") {
		t.Error("muted subscription should not match events")
	}
}

func TestRemovePrunesUserIndex(t *testing.T) {
	r := NewRegistry()
	r.Create("conn-1", "user-1", nil, nil)
	r.Create("conn-2", "user-1", nil, nil)

	if !r.Remove("conn-1") {
		t.Fatal("Remove returned false")
	}
	ids := r.ConnectionIDsForUser("user-1")
	if len(ids) != 1 || ids[0] != "conn-2" {
		t.Errorf("ConnectionIDsForUser = %v, want [conn-2]", ids)
	}

	r.Remove("conn-2")
	if got := r.ConnectionIDsForUser("user-1"); len(got) != 0 {
		t.Errorf("user bucket should be empty after last removal, got %v", got)
	}
	if r.Remove("conn-2") {
		t.Error("second Remove should return false")
	}
}

func TestMatchingConnections(t *testing.T) {
	r := NewRegistry()
	r.Create("conn-all", "user-1", nil, nil)

	muted := EmptyFilterSet()
	r.Create("conn-muted", "user-2", &muted, nil)

	scoped := DefaultFilterSet()
	scoped.MinSeverity = audit.SeverityCritical
	r.Create("conn-critical", "user-3", &scoped, nil)

	matches := r.MatchingConnections(testEvent())
	if len(matches) != 1 || matches[0] != "conn-all" {
		t.Errorf("MatchingConnections = %v, want [conn-all]", matches)
	}

	critical := testEvent()
	critical.Severity = audit.SeverityCritical
	matches = r.MatchingConnections(critical)
	if len(matches) != 2 {
		t.Errorf("critical event should match 2 connections, got %v", matches)
	}
}

func TestSweepInactive(t *testing.T) {
	r := NewRegistry()
	sub := r.Create("conn-old", "user-1", nil, nil)
	r.Create("conn-fresh", "user-2", nil, nil)

	r.mu.Lock()
	sub.LastActivity = time.Now().Add(-48 * time.Hour)
	r.mu.Unlock()

	removed := r.SweepInactive(24 * time.Hour)
	if removed != 1 {
		t.Errorf("SweepInactive removed %d, want 1", removed)
	}
	if r.Get("conn-old") != nil {
		t.Error("stale subscription should be gone")
	}
	if r.Get("conn-fresh") == nil {
		t.Error("fresh subscription should survive the sweep")
	}
}

func TestTouchBumpsActivity(t *testing.T) {
	r := NewRegistry()
	sub := r.Create("conn-1", "user-1", nil, nil)

	r.mu.Lock()
	sub.LastActivity = time.Now().Add(-time.Hour)
	r.mu.Unlock()

	r.Touch("conn-1")
	snap := r.Snapshot("conn-1")
	if time.Since(snap.LastActivity) > time.Minute {
		t.Error("Touch should refresh LastActivity")
	}
}
