// Auditcast - Real-Time Security Audit Event Distribution
// Copyright 2026 Schoolworks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/schoolworks/auditcast

// Package fallback provides the at-least-once delivery queue used when
// direct transport delivery fails. Messages are priority-ordered at
// insertion, retried with linear backoff against the audit store, and
// discarded with an error log once their retry budget is exhausted.
package fallback

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"

	"github.com/schoolworks/auditcast/internal/audit"
	"github.com/schoolworks/auditcast/internal/logging"
	"github.com/schoolworks/auditcast/internal/metrics"
)

// Priority orders queued messages. Higher priorities drain first.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

var priorityRanks = map[Priority]int{
	PriorityLow:    1,
	PriorityMedium: 2,
	PriorityHigh:   3,
}

// Rank returns the numeric rank of the priority; unknown values rank as
// medium.
func (p Priority) Rank() int {
	if r, ok := priorityRanks[p]; ok {
		return r
	}
	return priorityRanks[PriorityMedium]
}

// Message types dispatched by the batch processor.
const (
	TypeAuditEvent      = "audit_event"
	TypeMetricsSnapshot = "metrics_snapshot"
)

// Message is one queued unit of non-delivered work.
type Message struct {
	ID          string      `json:"id"`
	Type        string      `json:"type"`
	Payload     interface{} `json:"payload"`
	Priority    Priority    `json:"priority"`
	EnqueuedAt  time.Time   `json:"enqueuedAt"`
	RetryCount  int         `json:"retryCount"`
	MaxRetries  int         `json:"maxRetries"`
	NextRetryAt time.Time   `json:"nextRetryAt"`
}

// Config holds queue tuning.
type Config struct {
	Enabled       bool
	MaxSize       int
	BatchSize     int
	MaxRetries    int
	RetryInterval time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		MaxSize:       10000,
		BatchSize:     50,
		MaxRetries:    3,
		RetryInterval: 30 * time.Second,
	}
}

// Stats is a point-in-time view over the queue.
type Stats struct {
	Size           int   `json:"size"`
	InFlight       int   `json:"inFlight"`
	PendingRetries int   `json:"pendingRetries"`
	TotalEnqueued  int64 `json:"totalEnqueued"`
	TotalDelivered int64 `json:"totalDelivered"`
	TotalRetries   int64 `json:"totalRetries"`
	TotalDiscarded int64 `json:"totalDiscarded"`
	TotalRejected  int64 `json:"totalRejected"`
}

// handler delivers one message; an error schedules a retry.
type handler func(ctx context.Context, msg *Message) error

// Queue is the fallback delivery queue.
type Queue struct {
	config Config
	store  audit.Store

	mu       sync.Mutex
	messages []*Message
	inFlight map[string]struct{}

	// processing guards ProcessBatch against overlapping invocations;
	// the timer drain and the shutdown flush may race.
	processing atomic.Bool

	breaker  *gobreaker.CircuitBreaker[any]
	handlers map[string]handler

	totalEnqueued  atomic.Int64
	totalDelivered atomic.Int64
	totalRetries   atomic.Int64
	totalDiscarded atomic.Int64
	totalRejected  atomic.Int64
}

// New creates a fallback queue writing through to the given store.
func New(config Config, store audit.Store) *Queue {
	if config.MaxSize <= 0 {
		config.MaxSize = DefaultConfig().MaxSize
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConfig().BatchSize
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultConfig().MaxRetries
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = DefaultConfig().RetryInterval
	}

	q := &Queue{
		config:   config,
		store:    store,
		messages: make([]*Message, 0),
		inFlight: make(map[string]struct{}),
		breaker: gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
			Name: "fallback-store",
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			Timeout: config.RetryInterval,
		}),
	}
	q.handlers = map[string]handler{
		TypeAuditEvent:      q.deliverAuditEvent,
		TypeMetricsSnapshot: q.deliverMetricsSnapshot,
	}
	return q
}

// Enqueue accepts a message for deferred delivery. Returns false (with a
// warning log, never an error) when the queue is disabled or full.
// Insertion keeps the queue priority-ordered: the message is placed
// before the first strictly-lower-priority entry scanning from the head,
// defaulting to the tail, so equal priorities stay FIFO.
func (q *Queue) Enqueue(msgType string, payload interface{}, priority Priority) bool {
	if !q.config.Enabled {
		logging.Warn().Str("type", msgType).Msg("fallback queue disabled, dropping message")
		q.totalRejected.Add(1)
		return false
	}
	if _, ok := q.handlers[msgType]; !ok {
		logging.Warn().Str("type", msgType).Msg("fallback queue has no handler for message type")
		q.totalRejected.Add(1)
		return false
	}

	msg := &Message{
		ID:         uuid.New().String(),
		Type:       msgType,
		Payload:    payload,
		Priority:   priority,
		EnqueuedAt: time.Now(),
		MaxRetries: q.config.MaxRetries,
	}
	if _, ok := priorityRanks[priority]; !ok {
		msg.Priority = PriorityMedium
	}

	q.mu.Lock()
	if len(q.messages) >= q.config.MaxSize {
		q.mu.Unlock()
		logging.Warn().
			Str("type", msgType).
			Int("max_size", q.config.MaxSize).
			Msg("fallback queue full, dropping message")
		q.totalRejected.Add(1)
		return false
	}

	inserted := false
	for i, existing := range q.messages {
		if existing.Priority.Rank() < msg.Priority.Rank() {
			q.messages = append(q.messages[:i], append([]*Message{msg}, q.messages[i:]...)...)
			inserted = true
			break
		}
	}
	if !inserted {
		q.messages = append(q.messages, msg)
	}
	depth := len(q.messages)
	q.mu.Unlock()

	q.totalEnqueued.Add(1)
	metrics.FallbackEnqueued.WithLabelValues(string(msg.Priority)).Inc()
	metrics.FallbackQueueDepth.Set(float64(depth))
	return true
}

// ProcessBatch drains up to one batch of retry-eligible messages.
// Single-flight: a call overlapping a running batch is a no-op, as is a
// call on an empty queue.
func (q *Queue) ProcessBatch(ctx context.Context) {
	if !q.processing.CompareAndSwap(false, true) {
		return
	}
	defer q.processing.Store(false)

	batch := q.popEligible(q.config.BatchSize)
	if len(batch) == 0 {
		return
	}

	for _, msg := range batch {
		q.processMessage(ctx, msg)
	}

	q.mu.Lock()
	depth := len(q.messages)
	q.mu.Unlock()
	metrics.FallbackQueueDepth.Set(float64(depth))
}

// popEligible removes up to n retry-eligible messages from the head,
// skipping entries whose backoff has not lapsed and entries already in
// flight.
func (q *Queue) popEligible(n int) []*Message {
	now := time.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	batch := make([]*Message, 0, n)
	remaining := q.messages[:0]
	for _, msg := range q.messages {
		if len(batch) >= n || msg.NextRetryAt.After(now) {
			remaining = append(remaining, msg)
			continue
		}
		if _, busy := q.inFlight[msg.ID]; busy {
			// Defensive: an in-flight message must not be processed twice.
			remaining = append(remaining, msg)
			continue
		}
		q.inFlight[msg.ID] = struct{}{}
		batch = append(batch, msg)
	}
	q.messages = remaining
	return batch
}

// processMessage dispatches one message to its handler. Success drops
// it; failure reschedules with linear backoff until the retry budget is
// spent, then discards with an error log. The in-flight mark is cleared
// regardless of outcome.
func (q *Queue) processMessage(ctx context.Context, msg *Message) {
	defer func() {
		q.mu.Lock()
		delete(q.inFlight, msg.ID)
		q.mu.Unlock()
	}()

	h := q.handlers[msg.Type]
	err := h(ctx, msg)
	if err == nil {
		q.totalDelivered.Add(1)
		return
	}

	if msg.RetryCount < msg.MaxRetries {
		msg.RetryCount++
		msg.NextRetryAt = time.Now().Add(q.config.RetryInterval * time.Duration(msg.RetryCount))
		q.totalRetries.Add(1)
		metrics.FallbackRetries.Inc()

		q.mu.Lock()
		q.messages = append(q.messages, msg)
		q.mu.Unlock()

		logging.Warn().
			Err(err).
			Str("message_id", msg.ID).
			Int("retry", msg.RetryCount).
			Int("max_retries", msg.MaxRetries).
			Msg("fallback delivery failed, scheduled retry")
		return
	}

	q.totalDiscarded.Add(1)
	metrics.FallbackDiscarded.Inc()
	logging.Error().
		Err(err).
		Str("message_id", msg.ID).
		Str("type", msg.Type).
		Int("retries", msg.RetryCount).
		Msg("fallback message discarded after exhausting retries")
}

// deliverAuditEvent writes an audit event through to the store.
func (q *Queue) deliverAuditEvent(ctx context.Context, msg *Message) error {
	event, ok := msg.Payload.(*audit.Event)
	if !ok {
		return fmt.Errorf("unexpected payload type %T for audit event", msg.Payload)
	}
	return q.save(ctx, tagged(event, "fallback_delivery"))
}

// deliverMetricsSnapshot wraps a metrics snapshot in an audit event and
// writes it through to the store.
func (q *Queue) deliverMetricsSnapshot(ctx context.Context, msg *Message) error {
	event := &audit.Event{
		UserID:   "system",
		Action:   "metrics.snapshot",
		Resource: "metrics",
		Severity: audit.SeverityLow,
		Details: map[string]interface{}{
			"snapshot":    msg.Payload,
			"deliveredBy": "fallback_delivery",
		},
	}
	return q.save(ctx, event)
}

// save writes through the circuit breaker so a failing store trips open
// instead of being hammered on every batch.
func (q *Queue) save(ctx context.Context, event *audit.Event) error {
	_, err := q.breaker.Execute(func() (any, error) {
		return nil, q.store.Save(ctx, event)
	})
	return err
}

func tagged(event *audit.Event, tag string) *audit.Event {
	cp := *event
	details := make(map[string]interface{}, len(event.Details)+1)
	for k, v := range event.Details {
		details[k] = v
	}
	details["deliveredBy"] = tag
	cp.Details = details
	return &cp
}

// Flush runs one final batch. Called once at shutdown after the drain
// timer has stopped; partial failure is logged, never returned.
func (q *Queue) Flush(ctx context.Context) {
	q.ProcessBatch(ctx)

	q.mu.Lock()
	remaining := len(q.messages)
	q.mu.Unlock()
	if remaining > 0 {
		logging.Warn().Int("remaining", remaining).Msg("fallback queue not fully drained at shutdown")
	}
}

// Size returns the current queue depth.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// Stats returns a point-in-time view over the queue.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	pendingRetries := 0
	for _, msg := range q.messages {
		if msg.RetryCount > 0 {
			pendingRetries++
		}
	}
	size := len(q.messages)
	inFlight := len(q.inFlight)
	q.mu.Unlock()

	return Stats{
		Size:           size,
		InFlight:       inFlight,
		PendingRetries: pendingRetries,
		TotalEnqueued:  q.totalEnqueued.Load(),
		TotalDelivered: q.totalDelivered.Load(),
		TotalRetries:   q.totalRetries.Load(),
		TotalDiscarded: q.totalDiscarded.Load(),
		TotalRejected:  q.totalRejected.Load(),
	}
}
