// Auditcast - Real-Time Security Audit Event Distribution
// Copyright 2026 Schoolworks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/schoolworks/auditcast

package services

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/schoolworks/auditcast/internal/logging"
)

func init() {
	logging.Init(logging.Config{Level: "info", Format: "console", Output: io.Discard})
}

func TestPeriodicServiceRunsOnInterval(t *testing.T) {
	var runs atomic.Int32
	svc := NewPeriodicService("counter", 5*time.Millisecond, func(context.Context) {
		runs.Add(1)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	err := svc.Serve(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Serve returned %v, want context deadline", err)
	}
	if runs.Load() < 2 {
		t.Errorf("runs = %d, want at least 2", runs.Load())
	}
}

func TestPeriodicServiceContainsPanic(t *testing.T) {
	var runs atomic.Int32
	svc := NewPeriodicService("panicky", 5*time.Millisecond, func(context.Context) {
		runs.Add(1)
		panic("tick failed")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()

	// A panicking task body must not escape Serve.
	if err := svc.Serve(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Serve returned %v, want context deadline", err)
	}
	if runs.Load() < 2 {
		t.Errorf("runs = %d, want the task to keep ticking after a panic", runs.Load())
	}
}

func TestPeriodicServiceStopsOnCancel(t *testing.T) {
	svc := NewPeriodicService("idle", time.Hour, func(context.Context) {
		t.Error("task should never run with an hour interval")
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := svc.Serve(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Serve returned %v, want context.Canceled", err)
	}
}

func TestPeriodicServiceString(t *testing.T) {
	svc := NewPeriodicService("heartbeat", time.Second, func(context.Context) {})
	if svc.String() != "heartbeat" {
		t.Errorf("String = %q, want heartbeat", svc.String())
	}
}

type fakeRunner struct {
	err error
}

func (r *fakeRunner) RunWithContext(ctx context.Context) error {
	<-ctx.Done()
	if r.err != nil {
		return r.err
	}
	return ctx.Err()
}

func TestRunnerServicePassesThrough(t *testing.T) {
	want := errors.New("hub stopped")
	svc := NewRunnerService("gateway-hub", &fakeRunner{err: want})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := svc.Serve(ctx); !errors.Is(err, want) {
		t.Fatalf("Serve returned %v, want %v", err, want)
	}
	if svc.String() != "gateway-hub" {
		t.Errorf("String = %q, want gateway-hub", svc.String())
	}
}
