// Auditcast - Real-Time Security Audit Event Distribution
// Copyright 2026 Schoolworks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/schoolworks/auditcast

package subscription

import (
	"sync"
	"time"

	"github.com/schoolworks/auditcast/internal/audit"
	"github.com/schoolworks/auditcast/internal/logging"
)

// Priority orders delivery preferences.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Preferences holds per-subscriber delivery tuning.
type Preferences struct {
	BatchSize  int           `json:"batchSize"`
	ThrottleMs time.Duration `json:"throttleMs"`
	Priority   Priority      `json:"priority"`
}

// DefaultPreferences returns the delivery defaults applied when a
// subscriber omits them.
func DefaultPreferences() Preferences {
	return Preferences{
		BatchSize:  10,
		ThrottleMs: 100 * time.Millisecond,
		Priority:   PriorityMedium,
	}
}

// Subscription is one client's interest declaration, 1:1 with a live
// connection.
type Subscription struct {
	ConnectionID string      `json:"connectionId"`
	UserID       string      `json:"userId"`
	Filter       FilterSet   `json:"filter"`
	Preferences  Preferences `json:"preferences"`
	MessageCount int64       `json:"messageCount"`
	CreatedAt    time.Time   `json:"createdAt"`
	LastActivity time.Time   `json:"lastActivity"`
	Active       bool        `json:"active"`
}

// Registry owns subscription records, indexed by connection and by user.
type Registry struct {
	mu        sync.RWMutex
	subs      map[string]*Subscription
	userIndex map[string]map[string]struct{}
}

// NewRegistry creates an empty subscription registry.
func NewRegistry() *Registry {
	return &Registry{
		subs:      make(map[string]*Subscription),
		userIndex: make(map[string]map[string]struct{}),
	}
}

// Create registers a subscription for the connection, defaulting every
// omitted filter dimension to match-anything and preferences to the
// delivery defaults. An existing subscription for the connection is
// replaced.
func (r *Registry) Create(connectionID, userID string, filter *FilterSet, prefs *Preferences) *Subscription {
	f := DefaultFilterSet()
	if filter != nil {
		f = normalizeFilter(*filter)
	}
	p := DefaultPreferences()
	if prefs != nil {
		p = normalizePreferences(*prefs)
	}

	now := time.Now()
	sub := &Subscription{
		ConnectionID: connectionID,
		UserID:       userID,
		Filter:       f,
		Preferences:  p,
		CreatedAt:    now,
		LastActivity: now,
		Active:       true,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.subs[connectionID] = sub
	bucket, ok := r.userIndex[userID]
	if !ok {
		bucket = make(map[string]struct{})
		r.userIndex[userID] = bucket
	}
	bucket[connectionID] = struct{}{}

	return sub
}

// normalizeFilter fills nil dimensions of a caller-supplied filter with
// the match-anything defaults.
func normalizeFilter(f FilterSet) FilterSet {
	if f.EventTypes == nil {
		f.EventTypes = []string{Wildcard}
	}
	if f.Severities == nil {
		f.Severities = []string{Wildcard}
	}
	if f.MinSeverity == "" {
		f.MinSeverity = audit.SeverityLow
	}
	if f.Resources == nil {
		f.Resources = []string{Wildcard}
	}
	if f.ExcludeResources == nil {
		f.ExcludeResources = []string{}
	}
	if f.Users == nil {
		f.Users = []string{Wildcard}
	}
	if f.ExcludeUsers == nil {
		f.ExcludeUsers = []string{}
	}
	if f.SchoolIDs == nil {
		f.SchoolIDs = []string{Wildcard}
	}
	return f
}

func normalizePreferences(p Preferences) Preferences {
	d := DefaultPreferences()
	if p.BatchSize <= 0 {
		p.BatchSize = d.BatchSize
	}
	if p.ThrottleMs <= 0 {
		p.ThrottleMs = d.ThrottleMs
	}
	switch p.Priority {
	case PriorityLow, PriorityMedium, PriorityHigh:
	default:
		p.Priority = d.Priority
	}
	return p
}

// Update merges a partial filter change into the subscription.
// Returns false for an unknown or inactive subscription.
func (r *Registry) Update(connectionID string, update FilterUpdate) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[connectionID]
	if !ok || !sub.Active {
		return false
	}

	sub.Filter.Apply(update)
	sub.LastActivity = time.Now()
	return true
}

// Replace swaps the subscription's whole filter set. Used by unsubscribe
// to install the match-nothing filter.
func (r *Registry) Replace(connectionID string, filter FilterSet) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[connectionID]
	if !ok || !sub.Active {
		return false
	}

	sub.Filter = filter
	sub.LastActivity = time.Now()
	return true
}

// Remove deactivates and de-indexes the subscription.
// Returns false when the subscription is unknown.
func (r *Registry) Remove(connectionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(connectionID)
}

func (r *Registry) removeLocked(connectionID string) bool {
	sub, ok := r.subs[connectionID]
	if !ok {
		return false
	}

	sub.Active = false
	delete(r.subs, connectionID)

	if bucket, ok := r.userIndex[sub.UserID]; ok {
		delete(bucket, connectionID)
		if len(bucket) == 0 {
			delete(r.userIndex, sub.UserID)
		}
	}
	return true
}

// Get returns the subscription for a connection, or nil.
func (r *Registry) Get(connectionID string) *Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.subs[connectionID]
}

// Snapshot returns a copy of the subscription for a connection, or nil.
// The copy is safe to serialize without holding registry state.
func (r *Registry) Snapshot(connectionID string) *Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sub, ok := r.subs[connectionID]
	if !ok {
		return nil
	}
	cp := *sub
	return &cp
}

// Touch records delivery activity on the subscription.
func (r *Registry) Touch(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sub, ok := r.subs[connectionID]; ok {
		sub.MessageCount++
		sub.LastActivity = time.Now()
	}
}

// Matches applies the subscription's filter to the event.
func (r *Registry) Matches(event *audit.Event, connectionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sub, ok := r.subs[connectionID]
	if !ok || !sub.Active {
		return false
	}
	return sub.Filter.Matches(event)
}

// MatchingConnections returns the connection ids of every active
// subscription whose filter accepts the event. Linear scan; the
// subscriber population is bounded by the admission ceilings.
func (r *Registry) MatchingConnections(event *audit.Event) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matched := make([]string, 0)
	for id, sub := range r.subs {
		if sub.Active && sub.Filter.Matches(event) {
			matched = append(matched, id)
		}
	}
	return matched
}

// ConnectionIDsForUser returns the connection ids subscribed by a user.
func (r *Registry) ConnectionIDsForUser(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bucket := r.userIndex[userID]
	ids := make([]string, 0, len(bucket))
	for id := range bucket {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of active subscriptions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// SweepInactive removes subscriptions idle beyond maxAge and returns the
// number removed.
func (r *Registry) SweepInactive(maxAge time.Duration) int {
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	cutoff := time.Now().Add(-maxAge)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, sub := range r.subs {
		if sub.LastActivity.Before(cutoff) {
			r.removeLocked(id)
			removed++
		}
	}

	if removed > 0 {
		logging.Info().Int("removed", removed).Msg("swept inactive subscriptions")
	}
	return removed
}
