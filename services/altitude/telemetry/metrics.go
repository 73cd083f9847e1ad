// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	telemetryBufferedGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "altitude_telemetry_buffered_readings",
		Help: "Readings currently buffered and awaiting delivery",
	})

	telemetryFlushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "altitude_telemetry_flushes_total",
		Help: "Flush attempts by outcome",
	}, []string{"outcome"})

	telemetryFlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "altitude_telemetry_flush_duration_seconds",
		Help:    "Time to write one batch to the sink",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	telemetryWrittenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "altitude_telemetry_readings_written_total",
		Help: "Readings successfully delivered to the sink",
	})

	telemetryBreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "altitude_telemetry_breaker_transitions_total",
		Help: "Circuit breaker state transitions by target state",
	}, []string{"to"})
)
