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

package emitter

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/numaproj/shuffler/pkg/metrics"
)

// emittedGroupsCount is the number of groups handed downstream
var emittedGroupsCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Subsystem: "emitter",
	Name:      "groups_total",
	Help:      "Total number of emitted key groups",
}, []string{metrics.LabelPartition})

// emittedValuesCount is the number of values read from group sequences
var emittedValuesCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Subsystem: "emitter",
	Name:      "values_total",
	Help:      "Total number of values read from group sequences",
}, []string{metrics.LabelPartition})

// mergePassesCount is the number of intermediate segments written to bound the merge fan-in
var mergePassesCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Subsystem: "emitter",
	Name:      "merge_segments_total",
	Help:      "Total number of intermediate segments written by multi-pass merges",
}, []string{metrics.LabelPartition})
