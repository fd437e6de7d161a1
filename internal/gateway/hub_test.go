// Auditcast - Real-Time Security Audit Event Distribution
// Copyright 2026 Schoolworks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/schoolworks/auditcast

package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/schoolworks/auditcast/internal/audit"
	"github.com/schoolworks/auditcast/internal/auth"
	"github.com/schoolworks/auditcast/internal/fallback"
	"github.com/schoolworks/auditcast/internal/registry"
	"github.com/schoolworks/auditcast/internal/subscription"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type nullStore struct{}

func (nullStore) Save(context.Context, *audit.Event) error { return nil }

type hubFixture struct {
	hub      *Hub
	server   *httptest.Server
	verifier *auth.Verifier
	sink     *recordingSink
	queue    *fallback.Queue
	subs     *subscription.Registry
	conns    *registry.Registry
}

func newHubFixture(t *testing.T, limits registry.Limits) *hubFixture {
	t.Helper()

	verifier, err := auth.NewVerifier(testSecret)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	sink := &recordingSink{}
	conns := registry.New(limits, sink)
	subs := subscription.NewRegistry()
	queue := fallback.New(fallback.Config{
		Enabled:       true,
		MaxSize:       100,
		BatchSize:     10,
		MaxRetries:    3,
		RetryInterval: time.Second,
	}, nullStore{})

	hub := NewHub(conns, subs, sink, verifier, auth.NewRolePolicy(nil), queue, NewAdmissionInterceptor(100, 100))
	conns.SetDisconnector(hub)
	hub.ready.Store(true)

	server := httptest.NewServer(http.HandlerFunc(hub.HandleConnection))
	t.Cleanup(server.Close)

	return &hubFixture{
		hub:      hub,
		server:   server,
		verifier: verifier,
		sink:     sink,
		queue:    queue,
		subs:     subs,
		conns:    conns,
	}
}

func testLimits() registry.Limits {
	return registry.Limits{
		MaxTotal:            100,
		MaxPerUser:          5,
		MaxPerIP:            20,
		SuspiciousThreshold: 50,
		SuspiciousDecay:     time.Minute,
	}
}

func (f *hubFixture) token(t *testing.T, subjectID, role string) string {
	t.Helper()
	tok, err := f.verifier.GenerateToken(&auth.Identity{
		SubjectID: subjectID,
		Role:      role,
		SchoolID:  "school-1",
	}, time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	return tok
}

func (f *hubFixture) wsURL(token string) string {
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	if token != "" {
		url += "?token=" + token
	}
	return url
}

func (f *hubFixture) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL(token), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	// Every accepted connection leads with a connected ack.
	msg := readMessage(t, conn)
	if msg.Type != MessageTypeConnected {
		t.Fatalf("first message type = %q, want connected", msg.Type)
	}
	return conn
}

type wireMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func readMessage(t *testing.T, conn *websocket.Conn) wireMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg wireMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestHandshakeRejectsMissingCredential(t *testing.T) {
	f := newHubFixture(t, testLimits())

	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL(""), nil)
	if err == nil {
		t.Fatal("expected the handshake to fail")
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
	if f.sink.last() == nil || f.sink.last().Action != "stream.handshake_refused" {
		t.Error("expected the refusal to be audited")
	}
}

func TestHandshakeRejectsBadToken(t *testing.T) {
	f := newHubFixture(t, testLimits())

	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL("not-a-token"), nil)
	if err == nil {
		t.Fatal("expected the handshake to fail")
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestHandshakeRejectsDisallowedRole(t *testing.T) {
	f := newHubFixture(t, testLimits())

	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL(f.token(t, "user-1", "student")), nil)
	if err == nil {
		t.Fatal("expected the handshake to fail")
	}
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}

func TestHandshakeRefusesOverPerUserCeiling(t *testing.T) {
	limits := testLimits()
	limits.MaxPerUser = 1
	f := newHubFixture(t, limits)

	f.dial(t, f.token(t, "user-1", "admin"))

	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL(f.token(t, "user-1", "admin")), nil)
	if err == nil {
		t.Fatal("expected the second connection to be refused")
	}
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", resp.StatusCode)
	}
}

func TestHandshakeAcceptsAuthorizationHeader(t *testing.T) {
	f := newHubFixture(t, testLimits())

	header := http.Header{}
	header.Set("Authorization", "Bearer "+f.token(t, "user-1", "admin"))
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL(""), header)
	if err != nil {
		t.Fatalf("dial with header: %v", err)
	}
	defer conn.Close()

	if msg := readMessage(t, conn); msg.Type != MessageTypeConnected {
		t.Errorf("first message type = %q, want connected", msg.Type)
	}
}

func TestPingPong(t *testing.T) {
	f := newHubFixture(t, testLimits())
	conn := f.dial(t, f.token(t, "user-1", "admin"))

	if err := conn.WriteJSON(Message{Type: MessageTypePing}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != MessageTypePong {
		t.Errorf("reply type = %q, want pong", msg.Type)
	}
}

func TestUnknownMessageTypeAnswered(t *testing.T) {
	f := newHubFixture(t, testLimits())
	conn := f.dial(t, f.token(t, "user-1", "admin"))

	if err := conn.WriteJSON(Message{Type: "bogus"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg := readMessage(t, conn)
	if msg.Type != MessageTypeError {
		t.Fatalf("reply type = %q, want error", msg.Type)
	}

	// The connection survives the bad message.
	if err := conn.WriteJSON(Message{Type: MessageTypePing}); err != nil {
		t.Fatalf("write after error: %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != MessageTypePong {
		t.Errorf("reply type = %q, want pong", msg.Type)
	}
}

func TestSubscribeUpdatesFilters(t *testing.T) {
	f := newHubFixture(t, testLimits())
	conn := f.dial(t, f.token(t, "user-1", "admin"))

	payload, _ := json.Marshal(SubscribeRequest{MinSeverity: "high"})
	if err := conn.WriteJSON(Message{Type: MessageTypeSubscribe, Data: json.RawMessage(payload)}); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg := readMessage(t, conn)
	if msg.Type != MessageTypeSubscribed {
		t.Fatalf("reply type = %q, want subscribed", msg.Type)
	}

	var data SubscribedData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("decode subscribed data: %v", err)
	}
	if data.Filters.MinSeverity != audit.SeverityHigh {
		t.Error("expected the ack to carry the applied minSeverity filter")
	}
}

func TestSubscribeRejectsInvalidSeverity(t *testing.T) {
	f := newHubFixture(t, testLimits())
	conn := f.dial(t, f.token(t, "user-1", "admin"))

	payload, _ := json.Marshal(SubscribeRequest{MinSeverity: "catastrophic"})
	if err := conn.WriteJSON(Message{Type: MessageTypeSubscribe, Data: json.RawMessage(payload)}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != MessageTypeError {
		t.Errorf("reply type = %q, want error", msg.Type)
	}
}

func TestUnsubscribeMutesDelivery(t *testing.T) {
	f := newHubFixture(t, testLimits())
	conn := f.dial(t, f.token(t, "user-1", "admin"))

	if err := conn.WriteJSON(Message{Type: MessageTypeUnsubscribe}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != MessageTypeUnsubscribed {
		t.Fatalf("reply type = %q, want unsubscribed", msg.Type)
	}

	f.hub.BroadcastAuditEvent(&audit.Event{
		UserID:   "actor-1",
		Action:   "login",
		Severity: audit.SeverityCritical,
	})

	conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	var msg wireMessage
	if err := conn.ReadJSON(&msg); err == nil {
		t.Errorf("received %q after unsubscribe, want silence", msg.Type)
	}
}

func TestBroadcastAuditEventDelivered(t *testing.T) {
	f := newHubFixture(t, testLimits())
	conn := f.dial(t, f.token(t, "user-1", "admin"))

	event := &audit.Event{
		UserID:   "actor-1",
		Action:   "security.alert",
		Resource: "security",
		Severity: audit.SeverityCritical,
		SchoolID: "school-1",
	}
	f.hub.BroadcastAuditEvent(event)

	msg := readMessage(t, conn)
	if msg.Type != MessageTypeAuditEvent {
		t.Fatalf("message type = %q, want audit_event", msg.Type)
	}
	var data AuditEventData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if data.Event == nil || data.Event.Action != "security.alert" {
		t.Error("expected the broadcast event payload")
	}
	if data.BroadcastID == "" {
		t.Error("expected a broadcast ID")
	}
}

func TestBroadcastQueuesFallbackForMissingTransport(t *testing.T) {
	f := newHubFixture(t, testLimits())

	// Subscription record without a live transport: delivery must fall
	// back to the retry queue instead of silently dropping.
	f.subs.Create("ghost-conn", "user-2", nil, nil)

	f.hub.BroadcastAuditEvent(&audit.Event{
		UserID:   "actor-1",
		Action:   "login",
		Severity: audit.SeverityHigh,
	})

	if size := f.queue.Size(); size != 1 {
		t.Errorf("fallback queue size = %d, want 1", size)
	}
}

func TestBroadcastDroppedWhenNotReady(t *testing.T) {
	f := newHubFixture(t, testLimits())
	f.subs.Create("ghost-conn", "user-2", nil, nil)
	f.hub.ready.Store(false)

	f.hub.BroadcastAuditEvent(&audit.Event{Action: "login", Severity: audit.SeverityHigh})

	if size := f.queue.Size(); size != 0 {
		t.Errorf("fallback queue size = %d, want 0 for an unready hub", size)
	}
}

func TestGetConnectionInfo(t *testing.T) {
	f := newHubFixture(t, testLimits())
	conn := f.dial(t, f.token(t, "user-1", "admin"))

	if err := conn.WriteJSON(Message{Type: MessageTypeGetConnectionInfo}); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg := readMessage(t, conn)
	if msg.Type != MessageTypeConnectionInfo {
		t.Fatalf("reply type = %q, want connection_info", msg.Type)
	}
	var data ConnectionInfoData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if data.Subscription == nil {
		t.Error("expected the default subscription snapshot")
	}
	if data.Gateway.ActiveClients != 1 {
		t.Errorf("ActiveClients = %d, want 1", data.Gateway.ActiveClients)
	}
}

func TestDisconnectCleansUp(t *testing.T) {
	f := newHubFixture(t, testLimits())
	conn := f.dial(t, f.token(t, "user-1", "admin"))

	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for f.hub.ClientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("client not removed after transport close")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if stats := f.conns.Stats(time.Minute); stats.Active != 0 {
		t.Errorf("registry Active = %d, want 0", stats.Active)
	}
}

func TestBroadcastRacesDisconnect(t *testing.T) {
	f := newHubFixture(t, testLimits())
	f.dial(t, f.token(t, "user-1", "admin"))

	f.hub.mu.RLock()
	var connectionID string
	for id := range f.hub.clients {
		connectionID = id
	}
	f.hub.mu.RUnlock()

	event := &audit.Event{
		UserID:   "actor-1",
		Action:   "login",
		Severity: audit.SeverityHigh,
	}

	// The broadcaster holds the client pointer outside the hub lock, so
	// a disconnect landing mid-fanout must degrade to a failed delivery.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			f.hub.BroadcastAuditEvent(event)
			f.hub.BroadcastHeartbeat()
		}
	}()

	f.hub.CloseConnection(connectionID, "registry_evicted")
	<-done
}

func TestPriorityFor(t *testing.T) {
	cases := []struct {
		severity audit.Severity
		want     fallback.Priority
	}{
		{audit.SeverityCritical, fallback.PriorityHigh},
		{audit.SeverityHigh, fallback.PriorityHigh},
		{audit.SeverityMedium, fallback.PriorityMedium},
		{audit.SeverityLow, fallback.PriorityLow},
		{audit.Severity("unknown"), fallback.PriorityLow},
	}
	for _, tc := range cases {
		if got := priorityFor(tc.severity); got != tc.want {
			t.Errorf("priorityFor(%s) = %v, want %v", tc.severity, got, tc.want)
		}
	}
}

func TestClientIP(t *testing.T) {
	cases := []struct {
		name       string
		remoteAddr string
		forwarded  string
		want       string
	}{
		{"socket peer", "203.0.113.9:4567", "", "203.0.113.9"},
		{"forwarded single", "10.0.0.1:80", "198.51.100.7", "198.51.100.7"},
		{"forwarded chain", "10.0.0.1:80", "198.51.100.7, 10.0.0.2", "198.51.100.7"},
		{"unparseable peer", "bad-addr", "", "bad-addr"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			r.RemoteAddr = tc.remoteAddr
			if tc.forwarded != "" {
				r.Header.Set("X-Forwarded-For", tc.forwarded)
			}
			if got := clientIP(r); got != tc.want {
				t.Errorf("clientIP = %q, want %q", got, tc.want)
			}
		})
	}
}
