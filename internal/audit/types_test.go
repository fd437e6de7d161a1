// Auditcast - Real-Time Security Audit Event Distribution
// Copyright 2026 Schoolworks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/schoolworks/auditcast

package audit

import "testing"

func TestSeverityOrdering(t *testing.T) {
	cases := []struct {
		severity Severity
		minimum  Severity
		want     bool
	}{
		{SeverityLow, SeverityLow, true},
		{SeverityLow, SeverityMedium, false},
		{SeverityMedium, SeverityLow, true},
		{SeverityHigh, SeverityHigh, true},
		{SeverityCritical, SeverityLow, true},
		{SeverityCritical, SeverityCritical, true},
		{SeverityHigh, SeverityCritical, false},
		{Severity("bogus"), SeverityLow, false},
		{SeverityHigh, Severity("bogus"), false},
	}
	for _, c := range cases {
		if got := c.severity.AtLeast(c.minimum); got != c.want {
			t.Errorf("%s.AtLeast(%s) = %v, want %v", c.severity, c.minimum, got, c.want)
		}
	}
}

func TestSeverityValid(t *testing.T) {
	for _, s := range []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical} {
		if !s.Valid() {
			t.Errorf("%s should be valid", s)
		}
	}
	if Severity("urgent").Valid() {
		t.Error("unknown severity should be invalid")
	}
}

func TestEventTypeDerivation(t *testing.T) {
	cases := []struct {
		name   string
		action string
		detail string
		want   string
	}{
		{"explicit detail wins", "login", "custom_category", "custom_category"},
		{"action mapping", "login", "", "authentication"},
		{"action mapping dotted", "asset.update", "", "asset_management"},
		{"unknown action", "frobnicate", "", "general"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			e := &Event{Action: c.action}
			if c.detail != "" {
				e.Details = map[string]interface{}{"eventType": c.detail}
			}
			if got := e.EventType(); got != c.want {
				t.Errorf("EventType() = %s, want %s", got, c.want)
			}
		})
	}
}

func TestEventTypeIgnoresNonStringDetail(t *testing.T) {
	e := &Event{
		Action:  "login",
		Details: map[string]interface{}{"eventType": 42},
	}
	if got := e.EventType(); got != "authentication" {
		t.Errorf("EventType() = %s, want fallback to action mapping", got)
	}
}
