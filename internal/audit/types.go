// Auditcast - Real-Time Security Audit Event Distribution
// Copyright 2026 Schoolworks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/schoolworks/auditcast

// Package audit defines the security audit event model and the sink that
// persists events for compliance and forensic analysis.
package audit

import (
	"context"
	"time"
)

// Severity indicates the severity level of an audit event.
// Severities are totally ordered: low < medium < high < critical.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityLevels maps each severity to its numeric rank for threshold
// comparisons.
var severityLevels = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Level returns the numeric rank of the severity, or 0 for an unknown value.
func (s Severity) Level() int {
	return severityLevels[s]
}

// Valid reports whether the severity is one of the four known levels.
func (s Severity) Valid() bool {
	_, ok := severityLevels[s]
	return ok
}

// AtLeast reports whether the severity meets or exceeds the minimum.
// An unknown minimum never matches.
func (s Severity) AtLeast(minimum Severity) bool {
	minLevel, ok := severityLevels[minimum]
	if !ok {
		return false
	}
	return severityLevels[s] >= minLevel
}

// Event represents a security audit event. Events are immutable once
// created; consumers must not mutate the Details map.
type Event struct {
	// ID is a unique identifier for this event.
	ID string `json:"id,omitempty"`

	// UserID identifies the actor who performed the action.
	UserID string `json:"userId"`

	// Action describes what was done (e.g. "login", "asset.update").
	Action string `json:"action"`

	// Resource is the kind of object acted on (e.g. "authentication").
	Resource string `json:"resource"`

	// ResourceID identifies the specific object, if any.
	ResourceID string `json:"resourceId,omitempty"`

	// Severity of the event.
	Severity Severity `json:"severity"`

	// Details carries event-specific context. The "eventType" key, when
	// present, overrides the action-derived category for filtering.
	Details map[string]interface{} `json:"details,omitempty"`

	// SchoolID scopes the event to a school, if applicable.
	SchoolID string `json:"schoolId,omitempty"`

	// SessionID links the event to an authenticated session.
	SessionID string `json:"sessionId,omitempty"`

	// Timestamp when the event occurred.
	Timestamp time.Time `json:"timestamp"`
}

// EventType returns the category used for subscription filtering:
// the explicit "eventType" detail when present, otherwise a category
// derived from the action, otherwise "general".
func (e *Event) EventType() string {
	if e.Details != nil {
		if t, ok := e.Details["eventType"].(string); ok && t != "" {
			return t
		}
	}
	if c, ok := actionCategories[e.Action]; ok {
		return c
	}
	return "general"
}

// actionCategories maps well-known platform actions to event categories.
var actionCategories = map[string]string{
	"login":                "authentication",
	"logout":               "authentication",
	"login_failed":         "authentication",
	"password_change":      "authentication",
	"password_reset":       "authentication",
	"user.create":          "user_management",
	"user.update":          "user_management",
	"user.delete":          "user_management",
	"role.assign":          "user_management",
	"asset.create":         "asset_management",
	"asset.update":         "asset_management",
	"asset.delete":         "asset_management",
	"asset.allocate":       "asset_management",
	"inventory.adjust":     "inventory",
	"maintenance.schedule": "maintenance",
	"maintenance.complete": "maintenance",
	"config.change":        "administration",
	"data.export":          "data_access",
	"data.import":          "data_access",
	"security.alert":       "security",
}

// Sink accepts audit events for durable storage. Writes are
// fire-and-forget: failures are logged by the implementation and never
// propagate to callers.
type Sink interface {
	LogActivity(event *Event)
}

// Store is the persistence boundary behind the sink. Durable audit
// storage lives outside the distribution layer; implementations may write
// to a database, a log pipeline, or stdout.
type Store interface {
	Save(ctx context.Context, event *Event) error
}
