/*
Copyright 2022 The Numaproj Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package spill

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/numaproj/shuffler/pkg/metrics"
)

// spilledSegmentsCount is the number of segments written to secondary storage
var spilledSegmentsCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Subsystem: "spill",
	Name:      "segments_total",
	Help:      "Total number of spilled segments",
}, []string{metrics.LabelPartition})

// spilledBytesCount is the number of value bytes written to secondary storage
var spilledBytesCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Subsystem: "spill",
	Name:      "bytes_total",
	Help:      "Total number of spilled value bytes",
}, []string{metrics.LabelPartition})

// outstandingSegments is the number of spilled segments not yet released
var outstandingSegments = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Subsystem: "spill",
	Name:      "outstanding_segments",
	Help:      "Number of spilled segments not yet released",
}, []string{metrics.LabelPartition})

// spillErrorsCount is the number of failed spill manager operations
var spillErrorsCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Subsystem: "spill",
	Name:      "errors_total",
	Help:      "Total number of spill errors",
}, []string{metrics.LabelPartition, metrics.LabelReason})

// spillProcessingTime is the time taken to write one segment
var spillProcessingTime = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Subsystem: "spill",
	Name:      "write_time",
	Help:      "Processing times of segment writes (100 microseconds to 20 minutes)",
	Buckets:   prometheus.ExponentialBucketsRange(100, 60000000*20, 10),
}, []string{metrics.LabelPartition})
