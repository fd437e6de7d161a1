// Auditcast - Real-Time Security Audit Event Distribution
// Copyright 2026 Schoolworks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/schoolworks/auditcast

package gateway

import (
	"time"

	"github.com/goccy/go-json"

	"github.com/schoolworks/auditcast/internal/audit"
	"github.com/schoolworks/auditcast/internal/subscription"
)

// Inbound control message types.
const (
	MessageTypeSubscribe         = "subscribe"
	MessageTypeUnsubscribe       = "unsubscribe"
	MessageTypePing              = "ping"
	MessageTypeGetConnectionInfo = "get_connection_info"
)

// Outbound message types.
const (
	MessageTypeConnected      = "connected"
	MessageTypeSubscribed     = "subscribed"
	MessageTypeUnsubscribed   = "unsubscribed"
	MessageTypePong           = "pong"
	MessageTypeConnectionInfo = "connection_info"
	MessageTypeAuditEvent     = "audit_event"
	MessageTypeMetricsUpdate  = "metrics_update"
	MessageTypeHeartbeat      = "heartbeat"
	MessageTypeError          = "error"
)

// Message is the wire envelope for both directions.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// InboundMessage is the envelope as read off the socket; Data stays raw
// until the handler for the type decodes it.
type InboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ConnectedData acknowledges a successful connection.
type ConnectedData struct {
	Message   string `json:"message"`
	UserID    string `json:"userId"`
	Timestamp string `json:"timestamp"`
}

// SubscribedData acknowledges a filter change.
type SubscribedData struct {
	Message   string                 `json:"message"`
	Filters   subscription.FilterSet `json:"filters"`
	Timestamp string                 `json:"timestamp"`
}

// PongData answers a ping.
type PongData struct {
	Timestamp  string `json:"timestamp"`
	ServerTime int64  `json:"serverTime"`
}

// ConnectionInfoData answers get_connection_info.
type ConnectionInfoData struct {
	Subscription *subscription.Subscription `json:"subscription,omitempty"`
	Gateway      GatewayMetrics             `json:"gateway"`
	Timestamp    string                     `json:"timestamp"`
}

// GatewayMetrics is the aggregate view included in connection_info.
type GatewayMetrics struct {
	ActiveClients   int    `json:"activeClients"`
	MessagesSent    int64  `json:"messagesSent"`
	BroadcastsTotal int64  `json:"broadcastsTotal"`
	UptimeSeconds   int64  `json:"uptimeSeconds"`
	StartedAt       string `json:"startedAt"`
}

// AuditEventData wraps a matched audit event for delivery.
type AuditEventData struct {
	Event       *audit.Event `json:"event"`
	Timestamp   string       `json:"timestamp"`
	BroadcastID string       `json:"broadcastId"`
}

// MetricsUpdateData wraps a metrics update for delivery.
type MetricsUpdateData struct {
	Metrics   map[string]interface{} `json:"metrics"`
	Timestamp string                 `json:"timestamp"`
	UpdateID  string                 `json:"updateId"`
}

// HeartbeatData is the periodic liveness beacon.
type HeartbeatData struct {
	Timestamp string `json:"timestamp"`
}

// ErrorData reports a handler failure without closing the connection.
type ErrorData struct {
	Message string `json:"message"`
}

// SubscribeRequest is the payload of a subscribe control message; nil
// fields leave the corresponding filter dimension untouched.
type SubscribeRequest struct {
	EventTypes       []string `json:"eventTypes,omitempty"`
	Severities       []string `json:"severities,omitempty"`
	Resources        []string `json:"resources,omitempty"`
	ExcludeResources []string `json:"excludeResources,omitempty"`
	Users            []string `json:"users,omitempty"`
	ExcludeUsers     []string `json:"excludeUsers,omitempty"`
	SchoolIDs        []string `json:"schoolIds,omitempty"`
	MinSeverity      string   `json:"minSeverity,omitempty"`
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}
