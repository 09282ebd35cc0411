// Package core provides the shared kernel for the gobus library.
// This file defines the cross-cutting interfaces every other package
// builds on: structured logging and optional metrics collection.
//
// Purpose:
// - Establishes the Logger contract used by transports, buses and caches
// - Provides no-op implementations so instrumentation is always optional
// - Defines the Metrics interface that telemetry backends implement
//
// Scope:
// - Logger: structured logging with field maps
// - Metrics: counters and histograms for operational visibility
// - NoOpLogger / NoOpMetrics: safe defaults when nothing is configured
//
// Design principle: every component accepts these interfaces as optional
// dependencies and nil-checks or defaults to the no-op implementations.
// The library never forces a logging or metrics backend on the caller.
package core

import "context"

// Logger provides structured logging capabilities.
// Fields are free-form key/value pairs; implementations decide rendering.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
}

// Metrics records operational measurements. Implementations must be
// safe for concurrent use and must never block the caller.
type Metrics interface {
	// Counter increments a named counter by delta with optional labels.
	Counter(ctx context.Context, name string, delta int64, labels map[string]string)

	// Histogram records a single observation for a named distribution.
	Histogram(ctx context.Context, name string, value float64, labels map[string]string)
}

// NoOpLogger is a logger that discards all messages.
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

// NoOpMetrics discards all measurements.
type NoOpMetrics struct{}

func (n *NoOpMetrics) Counter(ctx context.Context, name string, delta int64, labels map[string]string) {
}
func (n *NoOpMetrics) Histogram(ctx context.Context, name string, value float64, labels map[string]string) {
}

// EnsureLogger returns the given logger or a NoOpLogger when nil.
func EnsureLogger(l Logger) Logger {
	if l == nil {
		return &NoOpLogger{}
	}
	return l
}

// EnsureMetrics returns the given metrics sink or a NoOpMetrics when nil.
func EnsureMetrics(m Metrics) Metrics {
	if m == nil {
		return &NoOpMetrics{}
	}
	return m
}
