// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package onnxop

import "github.com/prometheus/client_golang/prometheus"

var (
	modelLoadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "antfly",
			Subsystem: "onnxop",
			Name:      "model_load_duration_seconds",
			Help:      "Time taken to load a model.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"backend"},
	)

	modelLoadFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "onnxop",
			Name:      "model_load_failures_total",
			Help:      "Total number of failed model loads.",
		},
	)

	inferenceDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "antfly",
			Subsystem: "onnxop",
			Name:      "inference_duration_seconds",
			Help:      "Time taken by one model run.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"mode"}, // single, multi
	)

	inferenceRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "onnxop",
			Name:      "inference_runs_total",
			Help:      "Total number of model runs.",
		},
		[]string{"status"},
	)

	cacheFills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "onnxop",
			Name:      "cache_fills_total",
			Help:      "Total number of processed image cache fills.",
		},
		[]string{"status"},
	)

	cacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "onnxop",
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits.",
		},
		[]string{"type"},
	)

	cacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "onnxop",
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses.",
		},
		[]string{"type"},
	)

	passthroughRows = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "onnxop",
			Name:      "passthrough_rows_total",
			Help:      "Total number of rows served from the primary input unprocessed.",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(modelLoadDuration)
	prometheus.MustRegister(modelLoadFailures)
	prometheus.MustRegister(inferenceDuration)
	prometheus.MustRegister(inferenceRuns)
	prometheus.MustRegister(cacheFills)
	prometheus.MustRegister(cacheHits)
	prometheus.MustRegister(cacheMisses)
	prometheus.MustRegister(passthroughRows)
}

// RecordModelLoadDuration records how long it took to load a model
func RecordModelLoadDuration(backend string, seconds float64) {
	modelLoadDuration.WithLabelValues(backend).Observe(seconds)
}

// RecordModelLoadFailure increments the failed load counter
func RecordModelLoadFailure() {
	modelLoadFailures.Inc()
}

// RecordInference records one model run
func RecordInference(mode, status string, seconds float64) {
	inferenceRuns.WithLabelValues(status).Inc()
	if status == "ok" {
		inferenceDuration.WithLabelValues(mode).Observe(seconds)
	}
}

// RecordCacheFill increments the cache fill counter
func RecordCacheFill(status string) {
	cacheFills.WithLabelValues(status).Inc()
}

// RecordCacheHit increments the cache hit counter
func RecordCacheHit(cacheType string) {
	cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss increments the cache miss counter
func RecordCacheMiss(cacheType string) {
	cacheMisses.WithLabelValues(cacheType).Inc()
}

// RecordPassthroughRow increments the pass-through row counter
func RecordPassthroughRow(reason string) {
	passthroughRows.WithLabelValues(reason).Inc()
}
