// Auditcast - Real-Time Security Audit Event Distribution
// Copyright 2026 Schoolworks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/schoolworks/auditcast

package gateway

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/schoolworks/auditcast/internal/audit"
	"github.com/schoolworks/auditcast/internal/logging"
	"github.com/schoolworks/auditcast/internal/metrics"
)

// ErrRateLimited is returned by the admission interceptor when a
// connection exceeds its inbound message budget.
var ErrRateLimited = errors.New("message rate limit exceeded")

// AdmissionInterceptor enforces a per-connection token bucket on inbound
// control messages.
type AdmissionInterceptor struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// NewAdmissionInterceptor creates an interceptor allowing ratePerSecond
// messages with the given burst per connection.
func NewAdmissionInterceptor(ratePerSecond float64, burst int) *AdmissionInterceptor {
	if ratePerSecond <= 0 {
		ratePerSecond = 10
	}
	if burst <= 0 {
		burst = 20
	}
	return &AdmissionInterceptor{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(ratePerSecond),
		burst:    burst,
	}
}

// Allow reports whether the connection may send another message now.
func (i *AdmissionInterceptor) Allow(connectionID string) bool {
	i.mu.Lock()
	limiter, ok := i.limiters[connectionID]
	if !ok {
		limiter = rate.NewLimiter(i.rate, i.burst)
		i.limiters[connectionID] = limiter
	}
	i.mu.Unlock()

	return limiter.Allow()
}

// Remove drops the connection's limiter state.
func (i *AdmissionInterceptor) Remove(connectionID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.limiters, connectionID)
}

// messagePolicy declares the cross-cutting concerns applied to a message
// type by the dispatcher's middleware chain.
type messagePolicy struct {
	// rateLimited applies the admission interceptor.
	rateLimited bool

	// audited records an activity event per message.
	audited bool
}

// messagePolicies parameterizes the middleware chain per message type.
var messagePolicies = map[string]messagePolicy{
	MessageTypeSubscribe:         {rateLimited: true, audited: true},
	MessageTypeUnsubscribe:       {rateLimited: true, audited: true},
	MessageTypePing:              {rateLimited: true, audited: false},
	MessageTypeGetConnectionInfo: {rateLimited: true, audited: false},
}

// handlerFunc processes one inbound message for a connection.
type handlerFunc func(c *Client, msg InboundMessage) error

// middleware wraps a handler with a cross-cutting concern.
type middleware func(next handlerFunc) handlerFunc

// chain composes middlewares outermost-first around a handler.
func chain(h handlerFunc, mws ...middleware) handlerFunc {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// containmentMiddleware converts panics into errors so a handler failure
// can never tear down the connection or the hub.
func containmentMiddleware() middleware {
	return func(next handlerFunc) handlerFunc {
		return func(c *Client, msg InboundMessage) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logging.Error().
						Str("connection_id", c.id).
						Str("message_type", msg.Type).
						Interface("panic", r).
						Msg("message handler panicked")
					err = fmt.Errorf("internal error handling %s", msg.Type)
				}
			}()
			return next(c, msg)
		}
	}
}

// rateLimitMiddleware applies the admission interceptor when the message
// policy asks for it.
func rateLimitMiddleware(interceptor *AdmissionInterceptor) middleware {
	return func(next handlerFunc) handlerFunc {
		return func(c *Client, msg InboundMessage) error {
			if messagePolicies[msg.Type].rateLimited && !interceptor.Allow(c.id) {
				metrics.RateLimitedMessages.Inc()
				logging.Warn().
					Str("connection_id", c.id).
					Str("message_type", msg.Type).
					Msg("inbound message rate limited")
				return ErrRateLimited
			}
			return next(c, msg)
		}
	}
}

// auditMiddleware records an activity event for message types whose
// policy asks for it.
func auditMiddleware(sink audit.Sink) middleware {
	return func(next handlerFunc) handlerFunc {
		return func(c *Client, msg InboundMessage) error {
			if messagePolicies[msg.Type].audited && sink != nil {
				sink.LogActivity(&audit.Event{
					UserID:   c.identity.SubjectID,
					Action:   "stream." + msg.Type,
					Resource: "audit_stream",
					Severity: audit.SeverityLow,
					Details: map[string]interface{}{
						"connectionId": c.id,
					},
					SchoolID:  c.identity.SchoolID,
					SessionID: c.identity.SessionID,
				})
			}
			return next(c, msg)
		}
	}
}
