// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry exposes prometheus metrics for the stream engine.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's prometheus collectors.
type Metrics struct {
	operations    *prometheus.CounterVec
	opDuration    *prometheus.HistogramVec
	verifications *prometheus.CounterVec
	anchored      prometheus.Counter
}

// NewMetrics creates and registers the engine collectors. Pass
// prometheus.DefaultRegisterer in production; tests use a private
// registry to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "auditstream",
			Name:      "operations_total",
			Help:      "Engine operations by name and outcome.",
		}, []string{"operation", "outcome"}),
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "auditstream",
			Name:      "operation_duration_seconds",
			Help:      "Engine operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "auditstream",
			Name:      "verifications_total",
			Help:      "Record verifications by final state.",
		}, []string{"state"}),
		anchored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "auditstream",
			Name:      "anchored_credentials_total",
			Help:      "Credentials written to immutable storage.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.operations, m.opDuration, m.verifications, m.anchored)
	}
	return m
}

// NopMetrics returns unregistered collectors for tests and tooling that
// do not scrape.
func NopMetrics() *Metrics {
	return NewMetrics(nil)
}

// ObserveOperation records one engine operation with its outcome and
// duration.
func (m *Metrics) ObserveOperation(operation string, err error, started time.Time) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.opDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}

// ObserveVerification records the final state of one verification pass.
func (m *Metrics) ObserveVerification(state string) {
	m.verifications.WithLabelValues(state).Inc()
}

// ObserveAnchor records one credential written to immutable storage.
func (m *Metrics) ObserveAnchor() {
	m.anchored.Inc()
}
