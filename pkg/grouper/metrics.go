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

package grouper

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/numaproj/shuffler/pkg/metrics"
)

// groupedRecordsCount is the number of records accepted by a grouper
var groupedRecordsCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Subsystem: "grouper",
	Name:      "records_total",
	Help:      "Total number of records accepted by the grouper",
}, []string{metrics.LabelPartition})

// bufferedBytes is the current memory estimate of a grouper
var bufferedBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Subsystem: "grouper",
	Name:      "buffered_bytes",
	Help:      "Bytes currently buffered in memory by the grouper",
}, []string{metrics.LabelPartition})

// spillTriggeredCount is the number of buffers spilled, by policy
var spillTriggeredCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Subsystem: "grouper",
	Name:      "spills_total",
	Help:      "Total number of buffers spilled because the memory budget was exceeded",
}, []string{metrics.LabelPartition, metrics.LabelPolicy})

// keysCount is the number of distinct keys seen by a grouper
var keysCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Subsystem: "grouper",
	Name:      "keys",
	Help:      "Number of distinct keys held by the grouper",
}, []string{metrics.LabelPartition})
