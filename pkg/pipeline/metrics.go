// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_stage_duration_seconds",
		Help:    "Duration of the execution of one stage for one request step.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 20),
	}, []string{"stage"})

	stageFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_stage_failures_total",
		Help: "Number of failed stage executions.",
	}, []string{"stage"})

	stepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_steps_total",
		Help: "Number of generation steps completed, over all requests.",
	})

	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_requests_total",
		Help: "Number of requests, by final status.",
	}, []string{"status"})

	inFlightTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pipeline_inflight_tasks",
		Help: "Number of stage tasks submitted to the workers and not yet drained.",
	})

	framesBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pipeline_frame_buffer_bytes",
		Help: "Bytes of device memory held by the recurrent-state and inter-stage buffers of live requests.",
	})
)

const (
	statusCompleted = "completed"
	statusFailed    = "failed"
	statusAbandoned = "abandoned"
)

var requestIDCounter atomic.Uint64

// nextRequestID returns a process-wide unique request id.
func nextRequestID() uint64 {
	return requestIDCounter.Add(1)
}
