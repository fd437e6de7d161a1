// Auditcast - Real-Time Security Audit Event Distribution
// Copyright 2026 Schoolworks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/schoolworks/auditcast

package gateway

import (
	"context"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/schoolworks/auditcast/internal/audit"
	"github.com/schoolworks/auditcast/internal/auth"
	"github.com/schoolworks/auditcast/internal/fallback"
	"github.com/schoolworks/auditcast/internal/logging"
	"github.com/schoolworks/auditcast/internal/metrics"
	"github.com/schoolworks/auditcast/internal/registry"
	"github.com/schoolworks/auditcast/internal/subscription"
)

// ShutdownReason identifies why the hub is shutting down.
type ShutdownReason string

const (
	// ShutdownReasonContextCanceled indicates the parent context was canceled.
	// This is the normal graceful shutdown path (e.g., SIGTERM).
	ShutdownReasonContextCanceled ShutdownReason = "context_canceled"

	// ShutdownReasonContextDeadline indicates the context deadline was exceeded.
	ShutdownReasonContextDeadline ShutdownReason = "context_deadline"
)

// Hub owns the set of live websocket clients and fans events out to the
// subset whose subscription filters match. It implements
// registry.Disconnector so the connection registry can force-close
// transports, and metricsagg.Broadcaster for metrics delivery.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client

	conns       *registry.Registry
	subs        *subscription.Registry
	sink        audit.Sink
	verifier    *auth.Verifier
	rolePolicy  *auth.RolePolicy
	fallback    *fallback.Queue
	interceptor *AdmissionInterceptor

	handlers map[string]handlerFunc
	upgrader websocket.Upgrader

	// ready gates broadcasts until RunWithContext is live; broadcasts
	// against an unready hub are logged and dropped, never queued.
	ready atomic.Bool

	startedAt       time.Time
	messagesSent    atomic.Int64
	broadcastsTotal atomic.Int64
}

// NewHub wires a hub from its collaborators. The hub does not schedule
// its own periodic work; heartbeats and sweeps are driven externally.
func NewHub(conns *registry.Registry, subs *subscription.Registry, sink audit.Sink, verifier *auth.Verifier, rolePolicy *auth.RolePolicy, queue *fallback.Queue, interceptor *AdmissionInterceptor) *Hub {
	h := &Hub{
		clients:     make(map[string]*Client),
		conns:       conns,
		subs:        subs,
		sink:        sink,
		verifier:    verifier,
		rolePolicy:  rolePolicy,
		fallback:    queue,
		interceptor: interceptor,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		startedAt: time.Now(),
	}

	auditMW := auditMiddleware(sink)
	rateMW := rateLimitMiddleware(interceptor)
	wrap := func(fn handlerFunc) handlerFunc {
		return chain(fn, containmentMiddleware(), rateMW, auditMW)
	}

	h.handlers = map[string]handlerFunc{
		MessageTypeSubscribe:         wrap(h.handleSubscribe),
		MessageTypeUnsubscribe:       wrap(h.handleUnsubscribe),
		MessageTypePing:              wrap(h.handlePing),
		MessageTypeGetConnectionInfo: wrap(h.handleGetConnectionInfo),
	}
	return h
}

// HandleConnection authenticates the HTTP request, admits it against the
// connection registry and upgrades it to a websocket. Refusals are
// answered before the upgrade so the client gets a real status code.
func (h *Hub) HandleConnection(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)

	token, err := auth.ExtractBearer(r)
	if err != nil {
		h.rejectHandshake(w, r, ip, "", "missing_credential", http.StatusUnauthorized)
		return
	}

	identity, err := h.verifier.VerifyToken(token)
	if err != nil {
		h.rejectHandshake(w, r, ip, "", "invalid_token", http.StatusUnauthorized)
		return
	}

	if !h.rolePolicy.Allowed(identity.Role) {
		h.rejectHandshake(w, r, ip, identity.SubjectID, "role_not_allowed", http.StatusForbidden)
		return
	}

	connectionID := uuid.NewString()
	if !h.conns.Register(connectionID, identity.SubjectID, identity.Role, ip, r.UserAgent()) {
		// Register already audited and counted the refusal.
		http.Error(w, "connection limit exceeded", http.StatusTooManyRequests)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error().Err(err).Str("connection_id", connectionID).Msg("websocket upgrade error")
		h.conns.Unregister(connectionID)
		return
	}

	client := newClient(h, conn, connectionID, *identity)

	h.mu.Lock()
	h.clients[connectionID] = client
	h.mu.Unlock()

	// Every connection starts with a match-all subscription.
	h.subs.Create(connectionID, identity.SubjectID, nil, nil)
	h.conns.SetSubscriptionCount(connectionID, 1)

	client.start()
	h.send(client, Message{
		Type: MessageTypeConnected,
		Data: ConnectedData{
			Message:   "connected to audit event stream",
			UserID:    identity.SubjectID,
			Timestamp: nowRFC3339(),
		},
	})
}

// rejectHandshake answers a failed handshake and records it as a
// security event. Handshake failures are audited at medium severity
// since repeated failures indicate probing.
func (h *Hub) rejectHandshake(w http.ResponseWriter, r *http.Request, ip, userID, reason string, status int) {
	logging.Warn().
		Str("ip", ip).
		Str("path", r.URL.Path).
		Str("reason", reason).
		Msg("websocket handshake refused")

	if h.sink != nil {
		h.sink.LogActivity(&audit.Event{
			UserID:   userID,
			Action:   "stream.handshake_refused",
			Resource: "audit_stream",
			Severity: audit.SeverityMedium,
			Details: map[string]interface{}{
				"ip":     ip,
				"reason": reason,
			},
		})
	}
	http.Error(w, reason, status)
}

// dispatch routes one inbound message through the middleware chain to
// its handler. Unknown types and handler errors are answered with an
// error message on the same connection; the connection stays open.
func (h *Hub) dispatch(c *Client, msg InboundMessage) {
	handler, ok := h.handlers[msg.Type]
	if !ok {
		logging.Debug().
			Str("connection_id", c.id).
			Str("message_type", msg.Type).
			Msg("unknown message type")
		h.send(c, Message{Type: MessageTypeError, Data: ErrorData{Message: "unknown message type: " + msg.Type}})
		return
	}

	h.conns.TouchActivity(c.id)
	h.subs.Touch(c.id)

	if err := handler(c, msg); err != nil {
		h.send(c, Message{Type: MessageTypeError, Data: ErrorData{Message: err.Error()}})
	}
}

func (h *Hub) handleSubscribe(c *Client, msg InboundMessage) error {
	var req SubscribeRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return err
		}
	}

	update := subscription.FilterUpdate{
		EventTypes:       req.EventTypes,
		Severities:       req.Severities,
		Resources:        req.Resources,
		ExcludeResources: req.ExcludeResources,
		Users:            req.Users,
		ExcludeUsers:     req.ExcludeUsers,
		SchoolIDs:        req.SchoolIDs,
	}
	if req.MinSeverity != "" {
		sev := audit.Severity(strings.ToLower(req.MinSeverity))
		if !sev.Valid() {
			return &invalidFilterError{field: "minSeverity", value: req.MinSeverity}
		}
		update.MinSeverity = &sev
	}

	if !h.subs.Update(c.id, update) {
		h.subs.Create(c.id, c.identity.SubjectID, nil, nil)
		h.subs.Update(c.id, update)
	}

	snap := h.subs.Snapshot(c.id)
	if snap == nil {
		return &invalidFilterError{field: "subscription", value: "not found"}
	}
	h.send(c, Message{
		Type: MessageTypeSubscribed,
		Data: SubscribedData{
			Message:   "subscription updated",
			Filters:   snap.Filter,
			Timestamp: nowRFC3339(),
		},
	})
	return nil
}

func (h *Hub) handleUnsubscribe(c *Client, _ InboundMessage) error {
	// Unsubscribe keeps the connection but mutes it: the record stays so
	// a later subscribe can re-activate, with filters that match nothing.
	h.subs.Replace(c.id, subscription.EmptyFilterSet())
	h.send(c, Message{
		Type: MessageTypeUnsubscribed,
		Data: ConnectedData{
			Message:   "unsubscribed from audit event stream",
			UserID:    c.identity.SubjectID,
			Timestamp: nowRFC3339(),
		},
	})
	return nil
}

func (h *Hub) handlePing(c *Client, _ InboundMessage) error {
	h.send(c, Message{
		Type: MessageTypePong,
		Data: PongData{
			Timestamp:  nowRFC3339(),
			ServerTime: time.Now().UnixMilli(),
		},
	})
	return nil
}

func (h *Hub) handleGetConnectionInfo(c *Client, _ InboundMessage) error {
	h.send(c, Message{
		Type: MessageTypeConnectionInfo,
		Data: ConnectionInfoData{
			Subscription: h.subs.Snapshot(c.id),
			Gateway:      h.Metrics(),
			Timestamp:    nowRFC3339(),
		},
	})
	return nil
}

// send enqueues a message to one client, counting delivery and treating
// a full buffer as a slow consumer.
func (h *Hub) send(c *Client, msg Message) bool {
	if c.enqueue(msg) {
		h.messagesSent.Add(1)
		metrics.MessagesSent.WithLabelValues(msg.Type).Inc()
		return true
	}
	metrics.DeliveryFailures.WithLabelValues("send_buffer_full").Inc()
	logging.Warn().
		Str("connection_id", c.id).
		Str("message_type", msg.Type).
		Msg("send buffer full, dropping message")
	return false
}

// BroadcastAuditEvent delivers the event to every connection whose
// subscription filters match. A matching connection with no live
// transport is a delivery failure: the event is queued for retry on the
// fallback path and the broadcast continues.
func (h *Hub) BroadcastAuditEvent(event *audit.Event) {
	if !h.ready.Load() {
		logging.Warn().Str("action", event.Action).Msg("hub not ready, dropping audit event broadcast")
		return
	}

	targets := h.subs.MatchingConnections(event)
	if len(targets) == 0 {
		return
	}
	sort.Strings(targets)

	broadcastID := uuid.NewString()
	msg := Message{
		Type: MessageTypeAuditEvent,
		Data: AuditEventData{
			Event:       event,
			Timestamp:   nowRFC3339(),
			BroadcastID: broadcastID,
		},
	}

	delivered := 0
	for _, id := range targets {
		h.mu.RLock()
		client := h.clients[id]
		h.mu.RUnlock()

		if client == nil {
			metrics.DeliveryFailures.WithLabelValues("missing_transport").Inc()
			logging.Warn().
				Str("connection_id", id).
				Str("broadcast_id", broadcastID).
				Msg("subscription without live transport, queueing for retry")
			h.fallback.Enqueue(fallback.TypeAuditEvent, event, priorityFor(event.Severity))
			continue
		}
		if h.send(client, msg) {
			delivered++
		}
	}

	h.broadcastsTotal.Add(1)
	metrics.BroadcastsTotal.WithLabelValues("audit_event").Inc()
	logging.Debug().
		Str("broadcast_id", broadcastID).
		Str("action", event.Action).
		Int("targets", len(targets)).
		Int("delivered", delivered).
		Msg("broadcast audit_event")
}

// BroadcastMetricsUpdate delivers a metrics snapshot to all clients.
// Metrics updates are not filtered; every authenticated viewer gets them.
func (h *Hub) BroadcastMetricsUpdate(data map[string]interface{}) {
	if !h.ready.Load() {
		logging.Warn().Msg("hub not ready, dropping metrics broadcast")
		return
	}

	msg := Message{
		Type: MessageTypeMetricsUpdate,
		Data: MetricsUpdateData{
			Metrics:   data,
			Timestamp: nowRFC3339(),
			UpdateID:  uuid.NewString(),
		},
	}

	failed := h.broadcastAll(msg)
	if failed > 0 {
		h.fallback.Enqueue(fallback.TypeMetricsSnapshot, data, fallback.PriorityLow)
	}
	h.broadcastsTotal.Add(1)
	metrics.BroadcastsTotal.WithLabelValues("metrics_update").Inc()
}

// BroadcastHeartbeat sends the periodic liveness beacon to all clients.
func (h *Hub) BroadcastHeartbeat() {
	if !h.ready.Load() {
		return
	}
	h.broadcastAll(Message{
		Type: MessageTypeHeartbeat,
		Data: HeartbeatData{Timestamp: nowRFC3339()},
	})
	metrics.BroadcastsTotal.WithLabelValues("heartbeat").Inc()
}

// broadcastAll sends to every client in ID order, returning the number
// of failed deliveries.
func (h *Hub) broadcastAll(msg Message) int {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	sort.Slice(clients, func(i, j int) bool { return clients[i].id < clients[j].id })

	failed := 0
	for _, client := range clients {
		if !h.send(client, msg) {
			failed++
		}
	}
	return failed
}

// CloseConnection implements registry.Disconnector: it tears down the
// transport for a connection the registry has evicted. The registry has
// already removed its own record, so only hub and subscription state
// remain to clean.
func (h *Hub) CloseConnection(connectionID, reason string) {
	h.mu.Lock()
	client := h.clients[connectionID]
	delete(h.clients, connectionID)
	h.mu.Unlock()

	h.subs.Remove(connectionID)
	h.interceptor.Remove(connectionID)

	if client != nil {
		client.close()
		logging.Info().
			Str("connection_id", connectionID).
			Str("reason", reason).
			Msg("connection closed by registry")
	}
}

// handleDisconnect cleans up after a client whose read side ended.
// Safe to call more than once per connection.
func (h *Hub) handleDisconnect(c *Client, reason string) {
	h.mu.Lock()
	_, present := h.clients[c.id]
	delete(h.clients, c.id)
	h.mu.Unlock()

	if !present {
		return
	}

	c.close()
	h.subs.Remove(c.id)
	h.interceptor.Remove(c.id)
	h.conns.Unregister(c.id)

	logging.Info().
		Str("connection_id", c.id).
		Str("reason", reason).
		Msg("websocket client disconnected")
}

// SweepIdle force-closes connections without activity inside the idle
// window. Driven by a supervised periodic task.
func (h *Hub) SweepIdle(idleTimeout time.Duration) int {
	return h.conns.SweepStale(idleTimeout)
}

// ClientCount returns the number of live transports.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Metrics returns the hub's aggregate counters.
func (h *Hub) Metrics() GatewayMetrics {
	return GatewayMetrics{
		ActiveClients:   h.ClientCount(),
		MessagesSent:    h.messagesSent.Load(),
		BroadcastsTotal: h.broadcastsTotal.Load(),
		UptimeSeconds:   int64(time.Since(h.startedAt).Seconds()),
		StartedAt:       h.startedAt.UTC().Format(time.RFC3339),
	}
}

// RunWithContext marks the hub ready and blocks until the context ends,
// then closes every client. Designed for suture supervision.
func (h *Hub) RunWithContext(ctx context.Context) error {
	h.ready.Store(true)
	logging.Info().Str("component", "gateway-hub").Msg("gateway hub started")

	<-ctx.Done()
	h.ready.Store(false)

	clientCount := h.closeAllClients()
	logging.Info().
		Str("component", "gateway-hub").
		Str("reason", string(shutdownReason(ctx))).
		Int("clients_closed", clientCount).
		Msg("gateway hub stopped")
	return ctx.Err()
}

// closeAllClients closes all live transports in ID order and returns
// how many were closed.
func (h *Hub) closeAllClients() int {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	sort.Slice(clients, func(i, j int) bool { return clients[i].id < clients[j].id })
	for _, client := range clients {
		client.close()
		h.subs.Remove(client.id)
		h.interceptor.Remove(client.id)
	}
	return len(clients)
}

// shutdownReason maps the context error onto a log label.
func shutdownReason(ctx context.Context) ShutdownReason {
	if ctx.Err() == context.DeadlineExceeded {
		return ShutdownReasonContextDeadline
	}
	return ShutdownReasonContextCanceled
}

// priorityFor maps event severity onto a retry queue priority.
func priorityFor(s audit.Severity) fallback.Priority {
	switch s {
	case audit.SeverityCritical, audit.SeverityHigh:
		return fallback.PriorityHigh
	case audit.SeverityMedium:
		return fallback.PriorityMedium
	default:
		return fallback.PriorityLow
	}
}

// clientIP prefers the first X-Forwarded-For hop, falling back to the
// socket peer address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx >= 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// invalidFilterError reports a subscribe payload the filter model
// cannot accept.
type invalidFilterError struct {
	field string
	value string
}

func (e *invalidFilterError) Error() string {
	return "invalid " + e.field + ": " + e.value
}
