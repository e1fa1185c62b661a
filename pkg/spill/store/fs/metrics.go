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

package fs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	labelErrorKind = "kind"
)

var filesCount = promauto.NewCounter(prometheus.CounterOpts{
	Subsystem: "spill_fs",
	Name:      "segment_files_total",
	Help:      "Total number of segment files created",
})

var activeFilesCount = promauto.NewGauge(prometheus.GaugeOpts{
	Subsystem: "spill_fs",
	Name:      "active_segment_files",
	Help:      "Number of committed segment files not yet deleted",
})

var fileSyncWaitTime = promauto.NewSummary(prometheus.SummaryOpts{
	Subsystem: "spill_fs",
	Name:      "file_sync_wait_time",
	Help:      "File Sync wait time (milliseconds)",
})

var storeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Subsystem: "spill_fs",
	Name:      "errors_total",
	Help:      "Errors encountered",
}, []string{labelErrorKind})
