// Auditcast - Real-Time Security Audit Event Distribution
// Copyright 2026 Schoolworks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/schoolworks/auditcast

package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/schoolworks/auditcast/internal/audit"
	"github.com/schoolworks/auditcast/internal/logging"
	"github.com/schoolworks/auditcast/internal/metrics"
)

// Registry owns live connections and their user/IP indexes. All state is
// guarded by one mutex; the registry is the only writer of its maps.
type Registry struct {
	mu     sync.Mutex
	limits Limits
	sink   audit.Sink

	conns     map[string]*Connection
	userIndex map[string]map[string]struct{}
	ipIndex   map[string]map[string]struct{}

	// suspicious counts recent admission attempts per (user, ip) pair.
	// Every increment schedules a single decrement after the decay
	// window, so bursts decay gradually rather than reset.
	suspicious map[string]int

	disconnector Disconnector

	totalRegistered int64
	totalRejected   int64
}

// New creates a connection registry enforcing the given limits, emitting
// audit records through sink.
func New(limits Limits, sink audit.Sink) *Registry {
	if limits.MaxTotal <= 0 {
		limits = DefaultLimits()
	}
	if limits.SuspiciousDecay <= 0 {
		limits.SuspiciousDecay = time.Minute
	}
	return &Registry{
		limits:     limits,
		sink:       sink,
		conns:      make(map[string]*Connection),
		userIndex:  make(map[string]map[string]struct{}),
		ipIndex:    make(map[string]map[string]struct{}),
		suspicious: make(map[string]int),
	}
}

// SetDisconnector wires the gateway in after construction; the gateway
// and registry reference each other, so one side attaches late.
func (r *Registry) SetDisconnector(d Disconnector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnector = d
}

// Register admits a connection if it fits under the global, per-user and
// per-IP ceilings and the (user, ip) pair has not tripped the
// suspicious-activity counter. A refused call mutates no connection
// state. Every attempt, accepted or not, counts against the pair until
// its decay window lapses.
func (r *Registry) Register(id, userID, role, ip, userAgent string) bool {
	r.mu.Lock()

	pairKey := userID + "|" + ip
	attempts := r.suspicious[pairKey]
	r.suspicious[pairKey] = attempts + 1
	time.AfterFunc(r.limits.SuspiciousDecay, func() { r.decaySuspicious(pairKey) })

	reason := ""
	switch {
	case attempts >= r.limits.SuspiciousThreshold:
		reason = "suspicious_activity"
	case len(r.conns) >= r.limits.MaxTotal:
		reason = "max_total_exceeded"
	case len(r.userIndex[userID]) >= r.limits.MaxPerUser:
		reason = "max_per_user_exceeded"
	case len(r.ipIndex[ip]) >= r.limits.MaxPerIP:
		reason = "max_per_ip_exceeded"
	}

	if reason != "" {
		r.totalRejected++
		r.mu.Unlock()

		metrics.ConnectionsRejected.WithLabelValues(reason).Inc()
		logging.Warn().
			Str("connection_id", id).
			Str("user_id", userID).
			Str("ip", ip).
			Str("reason", reason).
			Msg("connection refused")
		r.logActivity(userID, "connection.refused", audit.SeverityMedium, map[string]interface{}{
			"connectionId": id,
			"ip":           ip,
			"reason":       reason,
		})
		return false
	}

	now := time.Now()
	conn := &Connection{
		ID:           id,
		UserID:       userID,
		Role:         role,
		IP:           ip,
		UserAgent:    userAgent,
		ConnectedAt:  now,
		LastActivity: now,
		Active:       true,
	}
	r.conns[id] = conn
	r.indexAdd(r.userIndex, userID, id)
	r.indexAdd(r.ipIndex, ip, id)
	r.totalRegistered++
	active := len(r.conns)
	r.mu.Unlock()

	metrics.ActiveConnections.Set(float64(active))
	metrics.ConnectionsAccepted.Inc()
	logging.Info().
		Str("connection_id", id).
		Str("user_id", userID).
		Int("active", active).
		Msg("connection registered")
	r.logActivity(userID, "connection.registered", audit.SeverityLow, map[string]interface{}{
		"connectionId": id,
		"ip":           ip,
		"role":         role,
	})
	return true
}

// decaySuspicious removes one admission attempt from the pair.
func (r *Registry) decaySuspicious(pairKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n, ok := r.suspicious[pairKey]; ok {
		if n <= 1 {
			delete(r.suspicious, pairKey)
		} else {
			r.suspicious[pairKey] = n - 1
		}
	}
}

// Unregister deactivates the connection and removes it from both indexes.
// Idempotent: a second call on the same id is a safe no-op.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()

	conn, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return
	}

	conn.Active = false
	delete(r.conns, id)
	r.indexRemove(r.userIndex, conn.UserID, id)
	r.indexRemove(r.ipIndex, conn.IP, id)
	active := len(r.conns)
	r.mu.Unlock()

	duration := time.Since(conn.ConnectedAt)
	metrics.ActiveConnections.Set(float64(active))
	logging.Info().
		Str("connection_id", id).
		Str("user_id", conn.UserID).
		Dur("session_duration", duration).
		Int("active", active).
		Msg("connection unregistered")
	r.logActivity(conn.UserID, "connection.closed", audit.SeverityLow, map[string]interface{}{
		"connectionId":      id,
		"ip":                conn.IP,
		"sessionDurationMs": duration.Milliseconds(),
		"messageCount":      conn.MessageCount,
		"subscriptionCount": conn.SubscriptionCount,
	})
}

// TouchActivity records inbound traffic on the connection.
func (r *Registry) TouchActivity(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conn, ok := r.conns[id]; ok {
		conn.LastActivity = time.Now()
		conn.MessageCount++
	}
}

// SetSubscriptionCount updates the connection's subscription counter.
func (r *Registry) SetSubscriptionCount(id string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conn, ok := r.conns[id]; ok {
		conn.SubscriptionCount = n
	}
}

// Get returns a copy of the connection record, or nil.
func (r *Registry) Get(id string) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[id]
	if !ok {
		return nil
	}
	cp := *conn
	return &cp
}

// UserConnections returns the active connection ids for a user.
func (r *Registry) UserConnections(userID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return indexKeys(r.userIndex[userID])
}

// IPConnections returns the active connection ids for an IP.
func (r *Registry) IPConnections(ip string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return indexKeys(r.ipIndex[ip])
}

// ForceDisconnectUser closes every connection held by the user and
// returns how many were closed.
func (r *Registry) ForceDisconnectUser(userID, reason string) int {
	return r.forceDisconnect(r.UserConnections(userID), reason)
}

// ForceDisconnectIP closes every connection from the IP and returns how
// many were closed.
func (r *Registry) ForceDisconnectIP(ip, reason string) int {
	return r.forceDisconnect(r.IPConnections(ip), reason)
}

func (r *Registry) forceDisconnect(ids []string, reason string) int {
	r.mu.Lock()
	d := r.disconnector
	r.mu.Unlock()

	count := 0
	for _, id := range ids {
		conn := r.Get(id)
		if conn == nil {
			continue
		}
		if d != nil {
			d.CloseConnection(id, reason)
		}
		r.Unregister(id)
		count++

		r.logActivity(conn.UserID, "connection.force_disconnect", audit.SeverityHigh, map[string]interface{}{
			"connectionId": id,
			"ip":           conn.IP,
			"reason":       reason,
		})
	}
	return count
}

// SweepStale unregisters connections inactive beyond the timeout and
// returns how many were removed. Sockets are closed through the gateway
// before the registry entry is dropped.
func (r *Registry) SweepStale(timeout time.Duration) int {
	cutoff := time.Now().Add(-timeout)

	r.mu.Lock()
	d := r.disconnector
	stale := make([]string, 0)
	for id, conn := range r.conns {
		if conn.LastActivity.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()

	for _, id := range stale {
		if d != nil {
			d.CloseConnection(id, "stale")
		}
		r.Unregister(id)
	}

	if len(stale) > 0 {
		logging.Info().Int("removed", len(stale)).Msg("swept stale connections")
	}
	return len(stale)
}

// Shutdown force-closes everything still active. Called once at process
// teardown after the periodic sweeps have stopped.
func (r *Registry) Shutdown(reason string) int {
	r.mu.Lock()
	d := r.disconnector
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		if d != nil {
			d.CloseConnection(id, reason)
		}
		r.Unregister(id)
	}
	return len(ids)
}

// Stats returns a point-in-time view over the registry.
func (r *Registry) Stats(staleTimeout time.Duration) Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	staleCutoff := now.Add(-staleTimeout)

	stale := 0
	var totalAge time.Duration
	perIP := make(map[string]int, len(r.ipIndex))
	for _, conn := range r.conns {
		if staleTimeout > 0 && conn.LastActivity.Before(staleCutoff) {
			stale++
		}
		totalAge += now.Sub(conn.ConnectedAt)
		perIP[conn.IP]++
	}

	var avgAge time.Duration
	if len(r.conns) > 0 {
		avgAge = totalAge / time.Duration(len(r.conns))
	}

	avgPerUser := 0.0
	if len(r.userIndex) > 0 {
		avgPerUser = float64(len(r.conns)) / float64(len(r.userIndex))
	}

	return Stats{
		TotalRegistered:  r.totalRegistered,
		TotalRejected:    r.totalRejected,
		Active:           len(r.conns),
		Stale:            stale,
		AvgPerUser:       avgPerUser,
		TopUsers:         topBuckets(r.userIndex, 10),
		TopIPs:           topBuckets(r.ipIndex, 10),
		ConnectionsPerIP: perIP,
		AvgConnectionAge: avgAge,
	}
}

func (r *Registry) logActivity(userID, action string, severity audit.Severity, details map[string]interface{}) {
	if r.sink == nil {
		return
	}
	r.sink.LogActivity(&audit.Event{
		UserID:   userID,
		Action:   action,
		Resource: "connection",
		Severity: severity,
		Details:  details,
	})
}

func (r *Registry) indexAdd(index map[string]map[string]struct{}, key, id string) {
	bucket, ok := index[key]
	if !ok {
		bucket = make(map[string]struct{})
		index[key] = bucket
	}
	bucket[id] = struct{}{}
}

// indexRemove drops the id and prunes the bucket if it became empty, so
// no index entry is ever present-but-empty.
func (r *Registry) indexRemove(index map[string]map[string]struct{}, key, id string) {
	if bucket, ok := index[key]; ok {
		delete(bucket, id)
		if len(bucket) == 0 {
			delete(index, key)
		}
	}
}

func indexKeys(bucket map[string]struct{}) []string {
	ids := make([]string, 0, len(bucket))
	for id := range bucket {
		ids = append(ids, id)
	}
	return ids
}

func topBuckets(index map[string]map[string]struct{}, n int) []BucketCount {
	counts := make([]BucketCount, 0, len(index))
	for key, bucket := range index {
		counts = append(counts, BucketCount{Key: key, Count: len(bucket)})
	}
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].Count != counts[j].Count {
			return counts[i].Count > counts[j].Count
		}
		return counts[i].Key < counts[j].Key
	})
	if len(counts) > n {
		counts = counts[:n]
	}
	return counts
}
