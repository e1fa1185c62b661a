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

import "github.com/numaproj/shuffler/pkg/emitter"

const (
	// DefaultMemoryBudgetBytes is the per partition budget used when none is configured.
	DefaultMemoryBudgetBytes = 64 * 1024 * 1024
)

type options struct {
	// memoryBudget is the maximum number of buffered bytes before spilling
	memoryBudget int64
	// policy selects which buffers are spilled first
	policy SpillPolicy
	// comparator enables sorted runs and an ordered GroupSequence
	comparator emitter.Comparator
	// mergeFanIn bounds the segments read at once by a sorted merge, 0 keeps the emitter default
	mergeFanIn int
}

func defaultOptions() *options {
	return &options{
		memoryBudget: DefaultMemoryBudgetBytes,
		policy:       LargestFirst,
	}
}

type Option func(*options)

// WithMemoryBudget sets the memory budget of the partition in bytes
func WithMemoryBudget(bytes int64) Option {
	return func(o *options) {
		o.memoryBudget = bytes
	}
}

// WithSpillPolicy sets the spill selection policy
func WithSpillPolicy(p SpillPolicy) Option {
	return func(o *options) {
		o.policy = p
	}
}

// WithValueComparator sorts the values of a key with cmp, making the value order of every
// GroupSequence deterministic.
func WithValueComparator(cmp emitter.Comparator) Option {
	return func(o *options) {
		o.comparator = cmp
	}
}

// WithMergeFanIn bounds the number of segments a sorted GroupSequence reads at once.
func WithMergeFanIn(n int) Option {
	return func(o *options) {
		o.mergeFanIn = n
	}
}
