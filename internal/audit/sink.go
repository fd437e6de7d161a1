// Auditcast - Real-Time Security Audit Event Distribution
// Copyright 2026 Schoolworks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/schoolworks/auditcast

package audit

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/schoolworks/auditcast/internal/logging"
)

// SinkConfig holds configuration for the buffered sink.
type SinkConfig struct {
	// Enabled controls whether events are accepted.
	Enabled bool `json:"enabled"`

	// BufferSize is the size of the async write buffer.
	BufferSize int `json:"buffer_size"`

	// WriteTimeout bounds each store write.
	WriteTimeout time.Duration `json:"write_timeout"`
}

// DefaultSinkConfig returns sensible defaults.
func DefaultSinkConfig() *SinkConfig {
	return &SinkConfig{
		Enabled:      true,
		BufferSize:   1000,
		WriteTimeout: 5 * time.Second,
	}
}

// BufferedSink implements Sink with an asynchronous write buffer so the
// broadcast hot path never blocks on storage. A full buffer drops the
// event with a warning; callers are never failed.
type BufferedSink struct {
	config    *SinkConfig
	store     Store
	eventChan chan *Event
	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewBufferedSink creates a sink writing to the given store and starts
// its async writer.
func NewBufferedSink(store Store, config *SinkConfig) *BufferedSink {
	if config == nil {
		config = DefaultSinkConfig()
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 1000
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 5 * time.Second
	}

	s := &BufferedSink{
		config:    config,
		store:     store,
		eventChan: make(chan *Event, config.BufferSize),
		stopChan:  make(chan struct{}),
	}

	s.wg.Add(1)
	go s.asyncWriter()

	return s
}

// LogActivity records an audit event. Fire-and-forget: a disabled sink or
// full buffer silently drops the event (with a warning log).
func (s *BufferedSink) LogActivity(event *Event) {
	if event == nil || !s.config.Enabled {
		return
	}

	if event.ID == "" {
		event.ID = generateEventID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case s.eventChan <- event:
	default:
		logging.Warn().Str("event_id", event.ID).Msg("audit buffer full, dropping event")
	}
}

// asyncWriter drains the buffer into the store.
func (s *BufferedSink) asyncWriter() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopChan:
			// Drain remaining events
			for {
				select {
				case event := <-s.eventChan:
					s.writeEvent(event)
				default:
					return
				}
			}
		case event := <-s.eventChan:
			s.writeEvent(event)
		}
	}
}

func (s *BufferedSink) writeEvent(event *Event) {
	if s.store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.WriteTimeout)
	defer cancel()

	if err := s.store.Save(ctx, event); err != nil {
		logging.Error().Err(err).Str("event_id", event.ID).Msg("failed to save audit event")
	}
}

// Close shuts down the sink after draining buffered events.
func (s *BufferedSink) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
	return nil
}

func generateEventID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return time.Now().Format("20060102150405.000000000")
	}
	return hex.EncodeToString(b)
}

// LogStore is a Store that emits events to the structured log. It stands
// in for the platform's durable audit store, which lives outside the
// distribution layer.
type LogStore struct{}

// NewLogStore creates a log-backed store.
func NewLogStore() *LogStore {
	return &LogStore{}
}

// Save writes the event as structured JSON at info level.
func (s *LogStore) Save(_ context.Context, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	logging.Info().RawJSON("event", data).Msg("audit event")
	return nil
}
