// Auditcast - Real-Time Security Audit Event Distribution
// Copyright 2026 Schoolworks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/schoolworks/auditcast

package services

import "context"

// Runner matches components that run until their context ends.
// Satisfied by *gateway.Hub.
type Runner interface {
	RunWithContext(ctx context.Context) error
}

// RunnerService wraps a long-running component as a supervised service.
type RunnerService struct {
	runner Runner
	name   string
}

// NewRunnerService creates a supervised wrapper around the runner.
func NewRunnerService(name string, runner Runner) *RunnerService {
	return &RunnerService{runner: runner, name: name}
}

// Serve implements suture.Service.
func (r *RunnerService) Serve(ctx context.Context) error {
	return r.runner.RunWithContext(ctx)
}

// String implements fmt.Stringer for logging.
func (r *RunnerService) String() string {
	return r.name
}
