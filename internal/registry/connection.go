// Auditcast - Real-Time Security Audit Event Distribution
// Copyright 2026 Schoolworks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/schoolworks/auditcast

// Package registry owns live connection records, the identity and IP
// indexes over them, and the admission counters that bound resource use.
package registry

import (
	"time"
)

// Connection is one live viewer session.
type Connection struct {
	ID                string    `json:"id"`
	UserID            string    `json:"userId"`
	Role              string    `json:"role"`
	IP                string    `json:"ip"`
	UserAgent         string    `json:"userAgent"`
	ConnectedAt       time.Time `json:"connectedAt"`
	LastActivity      time.Time `json:"lastActivity"`
	MessageCount      int64     `json:"messageCount"`
	SubscriptionCount int       `json:"subscriptionCount"`
	Active            bool      `json:"active"`
}

// Disconnector closes the live transport behind a connection. Implemented
// by the broadcast gateway, which alone holds socket handles.
type Disconnector interface {
	CloseConnection(connectionID, reason string)
}

// Limits bounds admission.
type Limits struct {
	// MaxTotal is the global active connection ceiling.
	MaxTotal int

	// MaxPerUser is the per-user active connection ceiling.
	MaxPerUser int

	// MaxPerIP is the per-IP active connection ceiling.
	MaxPerIP int

	// SuspiciousThreshold is the (user, ip) admission-attempt count at
	// which further attempts are refused.
	SuspiciousThreshold int

	// SuspiciousDecay is how long each admission attempt counts against
	// the (user, ip) pair.
	SuspiciousDecay time.Duration
}

// DefaultLimits returns production defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxTotal:            1000,
		MaxPerUser:          5,
		MaxPerIP:            20,
		SuspiciousThreshold: 10,
		SuspiciousDecay:     time.Minute,
	}
}

// Stats is a point-in-time view over the registry.
type Stats struct {
	TotalRegistered   int64            `json:"totalRegistered"`
	TotalRejected     int64            `json:"totalRejected"`
	Active            int              `json:"active"`
	Stale             int              `json:"stale"`
	AvgPerUser        float64          `json:"avgPerUser"`
	TopUsers          []BucketCount    `json:"topUsers"`
	TopIPs            []BucketCount    `json:"topIps"`
	ConnectionsPerIP  map[string]int   `json:"-"`
	AvgConnectionAge  time.Duration    `json:"avgConnectionAgeMs"`
}

// BucketCount pairs an index key with its active connection count.
type BucketCount struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}
