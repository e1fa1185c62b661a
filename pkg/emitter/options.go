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

import "strconv"

// Comparator orders values, it returns a negative number when a sorts before b, a positive
// number when it sorts after and zero when they are equal.
type Comparator func(a, b []byte) int

// DefaultMaxFanIn is the default number of spilled runs merged at once.
const DefaultMaxFanIn = 64

type options struct {
	comparator Comparator
	maxFanIn   int
	partition  string
}

type Option func(*options)

// WithComparator makes every GroupSequence merge its sorted runs lazily in comparator order.
// Runs handed to the emitter must already be sorted by the same comparator.
func WithComparator(cmp Comparator) Option {
	return func(o *options) {
		o.comparator = cmp
	}
}

// WithMaxFanIn bounds the number of segments a sorted merge reads at the same time. Keys
// with more spilled runs are first merged in passes into fewer, longer segments.
// Values below 2 are raised to 2.
func WithMaxFanIn(n int) Option {
	return func(o *options) {
		o.maxFanIn = max(n, 2)
	}
}

// WithPartitionID sets the partition reported in the metrics of the emitter
func WithPartitionID(id int) Option {
	return func(o *options) {
		o.partition = strconv.Itoa(id)
	}
}
