// Auditcast - Real-Time Security Audit Event Distribution
// Copyright 2026 Schoolworks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/schoolworks/auditcast

package services

import (
	"context"
	"time"

	"github.com/schoolworks/auditcast/internal/logging"
)

// PeriodicService runs a function on a fixed interval under supervision.
//
// Components never schedule their own timers; every recurring task
// (heartbeats, sweeps, queue drains, health checks) is declared here and
// owned by the supervisor tree, so a wedged task gets restarted and a
// stopped tree stops its timers with it.
type PeriodicService struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context)
}

// NewPeriodicService wraps fn as a supervised ticker task.
func NewPeriodicService(name string, interval time.Duration, fn func(ctx context.Context)) *PeriodicService {
	return &PeriodicService{
		name:     name,
		interval: interval,
		fn:       fn,
	}
}

// Serve implements suture.Service. The task body is panic-contained so
// one bad tick cannot crash-loop the whole layer.
func (p *PeriodicService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.runOnce(ctx)
		}
	}
}

func (p *PeriodicService) runOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error().
				Str("task", p.name).
				Interface("panic", r).
				Msg("periodic task panicked")
		}
	}()
	p.fn(ctx)
}

// String implements fmt.Stringer for logging.
func (p *PeriodicService) String() string {
	return p.name
}
