// Auditcast - Real-Time Security Audit Event Distribution
// Copyright 2026 Schoolworks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/schoolworks/auditcast

// Package metricsagg caches and derives dashboard metrics for broadcast,
// throttling re-broadcasts so dashboard churn cannot flood subscribers.
package metricsagg

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/schoolworks/auditcast/internal/logging"
)

// StatsSource supplies activity statistics for enrichment and summaries.
// Implemented outside the distribution layer (the platform's reporting
// store); the aggregator only reads from it.
type StatsSource interface {
	// ActivityWindow returns aggregate activity for the trailing window.
	ActivityWindow(ctx context.Context, window time.Duration) (map[string]interface{}, error)
}

// Broadcaster pushes a metrics update to live subscribers. Implemented
// by the gateway.
type Broadcaster interface {
	BroadcastMetricsUpdate(metrics map[string]interface{})
}

// Options qualify a metrics update.
type Options struct {
	// Priority tags the update for consumers.
	Priority string

	// Historical marks the update as containing historical context.
	Historical bool

	// TargetClients narrows the intended audience; empty means all.
	TargetClients []string
}

// Snapshot is a cached, timestamped metrics aggregate.
type Snapshot struct {
	ID         string                 `json:"id"`
	Data       map[string]interface{} `json:"data"`
	Priority   string                 `json:"priority"`
	Historical bool                   `json:"historical"`
	Targets    []string               `json:"targets,omitempty"`
	CreatedAt  time.Time              `json:"createdAt"`
	ExpiresAt  time.Time              `json:"expiresAt"`
}

// Expired reports whether the snapshot's TTL has lapsed.
func (s *Snapshot) Expired() bool {
	return time.Now().After(s.ExpiresAt)
}

// clone copies the snapshot so a caller cannot mutate the cached entry
// or a queued broadcast through the returned maps and slices.
func (s *Snapshot) clone() *Snapshot {
	cp := *s
	cp.Data = make(map[string]interface{}, len(s.Data))
	for k, v := range s.Data {
		cp.Data[k] = v
	}
	if s.Targets != nil {
		cp.Targets = append([]string(nil), s.Targets...)
	}
	return &cp
}

// Config holds aggregator tuning.
type Config struct {
	// CacheTTL bounds snapshot staleness.
	CacheTTL time.Duration

	// SummaryTTL bounds summary staleness.
	SummaryTTL time.Duration

	// ThrottleWindow suppresses repeat immediate broadcasts per key.
	ThrottleWindow time.Duration

	// SendGap is the pause between queued broadcasts.
	SendGap time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		CacheTTL:       5 * time.Minute,
		SummaryTTL:     time.Minute,
		ThrottleWindow: 5 * time.Second,
		SendGap:        100 * time.Millisecond,
	}
}

// summaryWindows maps the accepted summary ranges to durations.
var summaryWindows = map[string]time.Duration{
	"1h":  time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
}

// Stats is a point-in-time view over the aggregator.
type Stats struct {
	CachedSnapshots int   `json:"cachedSnapshots"`
	QueuedUpdates   int   `json:"queuedUpdates"`
	ThrottledKeys   int   `json:"throttledKeys"`
	TotalUpdates    int64 `json:"totalUpdates"`
	TotalBroadcasts int64 `json:"totalBroadcasts"`
	TotalThrottled  int64 `json:"totalThrottled"`
}

// Aggregator caches dashboard metrics and feeds the gateway's metrics
// fan-out.
type Aggregator struct {
	config      Config
	source      StatsSource
	broadcaster Broadcaster

	mu        sync.Mutex
	cache     map[string]*Snapshot
	summaries map[string]*Snapshot
	queue     []*Snapshot
	throttled map[string]struct{}

	// draining guards the queue drain loop so overlapping invocations
	// send one entry at a time.
	draining atomic.Bool

	totalUpdates    atomic.Int64
	totalBroadcasts atomic.Int64
	totalThrottled  atomic.Int64
}

// New creates a metrics aggregator.
func New(config Config, source StatsSource, broadcaster Broadcaster) *Aggregator {
	d := DefaultConfig()
	if config.CacheTTL <= 0 {
		config.CacheTTL = d.CacheTTL
	}
	if config.SummaryTTL <= 0 {
		config.SummaryTTL = d.SummaryTTL
	}
	if config.ThrottleWindow <= 0 {
		config.ThrottleWindow = d.ThrottleWindow
	}
	if config.SendGap <= 0 {
		config.SendGap = d.SendGap
	}

	return &Aggregator{
		config:      config,
		source:      source,
		broadcaster: broadcaster,
		cache:       make(map[string]*Snapshot),
		summaries:   make(map[string]*Snapshot),
		throttled:   make(map[string]struct{}),
	}
}

// CacheKey derives the cache key for a set of options.
func CacheKey(opts Options) string {
	priority := opts.Priority
	if priority == "" {
		priority = "medium"
	}
	return fmt.Sprintf("%s|%t|%s", priority, opts.Historical, strings.Join(opts.TargetClients, ","))
}

// UpdateMetrics records a metrics update: defaults are filled, a missing
// trailing-hour sample is enriched from the statistics source, the
// snapshot is cached under its options key, and the update joins the
// broadcast queue.
func (a *Aggregator) UpdateMetrics(ctx context.Context, partial map[string]interface{}, opts Options) *Snapshot {
	if opts.Priority == "" {
		opts.Priority = "medium"
	}

	data := make(map[string]interface{}, len(partial)+2)
	for k, v := range partial {
		data[k] = v
	}
	if _, ok := data["timestamp"]; !ok {
		data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	}

	if _, ok := data["lastHour"]; !ok && a.source != nil {
		sample, err := a.source.ActivityWindow(ctx, time.Hour)
		if err != nil {
			logging.Warn().Err(err).Msg("failed to enrich metrics with trailing hour sample")
		} else {
			data["lastHour"] = sample
		}
	}

	now := time.Now()
	snap := &Snapshot{
		ID:         uuid.New().String(),
		Data:       data,
		Priority:   opts.Priority,
		Historical: opts.Historical,
		Targets:    opts.TargetClients,
		CreatedAt:  now,
		ExpiresAt:  now.Add(a.config.CacheTTL),
	}

	a.mu.Lock()
	a.cache[CacheKey(opts)] = snap
	a.queue = append(a.queue, snap)
	a.mu.Unlock()

	a.totalUpdates.Add(1)
	return snap
}

// GetCachedMetrics returns a copy of the cached snapshot for the key, or
// nil when absent or expired. Expired entries are evicted lazily on read.
func (a *Aggregator) GetCachedMetrics(key string) *Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap, ok := a.cache[key]
	if !ok {
		return nil
	}
	if snap.Expired() {
		delete(a.cache, key)
		return nil
	}
	return snap.clone()
}

// GetMetricsSummary computes or returns the cached aggregate for one of
// the accepted ranges (1h, 24h, 7d, 30d). Summaries carry a short TTL of
// their own.
func (a *Aggregator) GetMetricsSummary(ctx context.Context, rangeKey string) (map[string]interface{}, error) {
	window, ok := summaryWindows[rangeKey]
	if !ok {
		return nil, fmt.Errorf("unknown summary range %q", rangeKey)
	}

	a.mu.Lock()
	if cached, ok := a.summaries[rangeKey]; ok && !cached.Expired() {
		data := cached.clone().Data
		a.mu.Unlock()
		return data, nil
	}
	a.mu.Unlock()

	if a.source == nil {
		return nil, fmt.Errorf("no statistics source configured")
	}

	sample, err := a.source.ActivityWindow(ctx, window)
	if err != nil {
		return nil, fmt.Errorf("failed to compute %s summary: %w", rangeKey, err)
	}

	data := map[string]interface{}{
		"range":       rangeKey,
		"activity":    sample,
		"generatedAt": time.Now().UTC().Format(time.RFC3339),
	}

	now := time.Now()
	a.mu.Lock()
	a.summaries[rangeKey] = &Snapshot{
		Data:      data,
		CreatedAt: now,
		ExpiresAt: now.Add(a.config.SummaryTTL),
	}
	a.mu.Unlock()

	return data, nil
}

// BroadcastImmediately pushes metrics to the gateway, honoring a
// per-key throttle: while the throttle is armed the call is a silent
// no-op; otherwise the update is dispatched and a timer clears the
// throttle after the window.
func (a *Aggregator) BroadcastImmediately(metrics map[string]interface{}, opts Options) {
	key := CacheKey(opts)

	a.mu.Lock()
	if _, busy := a.throttled[key]; busy {
		a.mu.Unlock()
		a.totalThrottled.Add(1)
		return
	}
	a.throttled[key] = struct{}{}
	a.mu.Unlock()

	time.AfterFunc(a.config.ThrottleWindow, func() {
		a.mu.Lock()
		delete(a.throttled, key)
		a.mu.Unlock()
	})

	a.dispatch(metrics)
}

// DrainQueue sends queued updates one at a time with a fixed gap between
// sends. Single-flight: an invocation overlapping a running drain
// returns immediately. The context cancels a drain mid-backlog.
func (a *Aggregator) DrainQueue(ctx context.Context) {
	if !a.draining.CompareAndSwap(false, true) {
		return
	}
	defer a.draining.Store(false)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		a.mu.Lock()
		if len(a.queue) == 0 {
			a.mu.Unlock()
			return
		}
		snap := a.queue[0]
		a.queue = a.queue[1:]
		a.mu.Unlock()

		a.dispatch(snap.Data)

		select {
		case <-ctx.Done():
			return
		case <-time.After(a.config.SendGap):
		}
	}
}

func (a *Aggregator) dispatch(metrics map[string]interface{}) {
	if a.broadcaster == nil {
		logging.Warn().Msg("metrics broadcaster not initialized, dropping update")
		return
	}
	a.broadcaster.BroadcastMetricsUpdate(metrics)
	a.totalBroadcasts.Add(1)
}

// QueueDepth returns the number of queued, unsent updates.
func (a *Aggregator) QueueDepth() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

// Stats returns a point-in-time view over the aggregator.
func (a *Aggregator) Stats() Stats {
	a.mu.Lock()
	cached := len(a.cache)
	queued := len(a.queue)
	throttledKeys := len(a.throttled)
	a.mu.Unlock()

	return Stats{
		CachedSnapshots: cached,
		QueuedUpdates:   queued,
		ThrottledKeys:   throttledKeys,
		TotalUpdates:    a.totalUpdates.Load(),
		TotalBroadcasts: a.totalBroadcasts.Load(),
		TotalThrottled:  a.totalThrottled.Load(),
	}
}
