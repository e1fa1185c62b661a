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

package shuffle

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/numaproj/shuffler/pkg/metrics"
)

// routedRecordsCount is used to indicate the number of records routed to each partition
var routedRecordsCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Subsystem: "shuffle",
	Name:      "routed_records_total",
	Help:      "Total number of records routed to a partition",
}, []string{metrics.LabelPartition})
