// Auditcast - Real-Time Security Audit Event Distribution
// Copyright 2026 Schoolworks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/schoolworks/auditcast

// Package subscription owns per-connection interest declarations and the
// stateless filter engine that decides whether an audit event is
// delivered to a given subscriber.
package subscription

import (
	"github.com/schoolworks/auditcast/internal/audit"
)

// Wildcard matches any value when present in an allow-list.
const Wildcard = "*"

// FilterSet declares which audit events a subscriber wants.
//
// Allow-list semantics: a list containing Wildcard matches anything; an
// empty list matches nothing. Deny lists reject on membership and deny
// always wins over a matching allow-list.
type FilterSet struct {
	// EventTypes is the event-category allow-list.
	EventTypes []string `json:"eventTypes"`

	// Severities is the severity allow-list.
	Severities []string `json:"severities"`

	// MinSeverity is the minimum severity threshold, applied after the
	// severity allow-list.
	MinSeverity audit.Severity `json:"minSeverity"`

	// Resources is the resource allow-list.
	Resources []string `json:"resources"`

	// ExcludeResources is the resource deny-list.
	ExcludeResources []string `json:"excludeResources"`

	// Users is the actor allow-list.
	Users []string `json:"users"`

	// ExcludeUsers is the actor deny-list.
	ExcludeUsers []string `json:"excludeUsers"`

	// SchoolIDs is the school scope allow-list.
	SchoolIDs []string `json:"schoolIds"`
}

// DefaultFilterSet matches every event.
func DefaultFilterSet() FilterSet {
	return FilterSet{
		EventTypes:       []string{Wildcard},
		Severities:       []string{Wildcard},
		MinSeverity:      audit.SeverityLow,
		Resources:        []string{Wildcard},
		ExcludeResources: []string{},
		Users:            []string{Wildcard},
		ExcludeUsers:     []string{},
		SchoolIDs:        []string{Wildcard},
	}
}

// EmptyFilterSet matches no event. Applied on unsubscribe so the
// connection stays open but receives nothing.
func EmptyFilterSet() FilterSet {
	return FilterSet{
		EventTypes:       []string{},
		Severities:       []string{},
		MinSeverity:      audit.SeverityCritical,
		Resources:        []string{},
		ExcludeResources: []string{},
		Users:            []string{},
		ExcludeUsers:     []string{},
		SchoolIDs:        []string{},
	}
}

// Matches reports whether the event passes every filter dimension.
// Evaluation short-circuits in a fixed order: event type, severity
// allow-list, minimum severity, resource allow, resource deny, user
// allow, user deny, school scope.
func (f *FilterSet) Matches(event *audit.Event) bool {
	if event == nil {
		return false
	}

	if !allowListMatches(f.EventTypes, event.EventType()) {
		return false
	}

	if !allowListMatches(f.Severities, string(event.Severity)) {
		return false
	}

	if f.MinSeverity != "" && !event.Severity.AtLeast(f.MinSeverity) {
		return false
	}

	if !allowListMatches(f.Resources, event.Resource) {
		return false
	}
	if denyListMatches(f.ExcludeResources, event.Resource) {
		return false
	}

	if !allowListMatches(f.Users, event.UserID) {
		return false
	}
	if denyListMatches(f.ExcludeUsers, event.UserID) {
		return false
	}

	// Events without a school scope are visible to every subscriber.
	if event.SchoolID != "" && !allowListMatches(f.SchoolIDs, event.SchoolID) {
		return false
	}

	return true
}

// allowListMatches implements allow-list semantics: wildcard passes
// everything, an empty list passes nothing, otherwise membership.
func allowListMatches(list []string, value string) bool {
	if len(list) == 0 {
		return false
	}
	for _, item := range list {
		if item == Wildcard || item == value {
			return true
		}
	}
	return false
}

// denyListMatches rejects on membership; a wildcard denies everything.
func denyListMatches(list []string, value string) bool {
	for _, item := range list {
		if item == Wildcard || item == value {
			return true
		}
	}
	return false
}

// FilterUpdate carries a partial filter change; nil fields are left
// untouched by a merge.
type FilterUpdate struct {
	EventTypes       []string        `json:"eventTypes,omitempty"`
	Severities       []string        `json:"severities,omitempty"`
	MinSeverity      *audit.Severity `json:"minSeverity,omitempty"`
	Resources        []string        `json:"resources,omitempty"`
	ExcludeResources []string        `json:"excludeResources,omitempty"`
	Users            []string        `json:"users,omitempty"`
	ExcludeUsers     []string        `json:"excludeUsers,omitempty"`
	SchoolIDs        []string        `json:"schoolIds,omitempty"`
}

// Apply merges the update into the filter set.
func (f *FilterSet) Apply(u FilterUpdate) {
	if u.EventTypes != nil {
		f.EventTypes = u.EventTypes
	}
	if u.Severities != nil {
		f.Severities = u.Severities
	}
	if u.MinSeverity != nil {
		f.MinSeverity = *u.MinSeverity
	}
	if u.Resources != nil {
		f.Resources = u.Resources
	}
	if u.ExcludeResources != nil {
		f.ExcludeResources = u.ExcludeResources
	}
	if u.Users != nil {
		f.Users = u.Users
	}
	if u.ExcludeUsers != nil {
		f.ExcludeUsers = u.ExcludeUsers
	}
	if u.SchoolIDs != nil {
		f.SchoolIDs = u.SchoolIDs
	}
}
