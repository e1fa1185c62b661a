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

package bbolt

import "time"

const (
	// DefaultChunkSize is the maximum number of segment bytes stored under one bbolt key.
	DefaultChunkSize = 64 * 1024
	// DefaultOpenTimeout bounds the wait for the database file lock.
	DefaultOpenTimeout = time.Second
)

type options struct {
	chunkSize   int
	openTimeout time.Duration
	noSync      bool
}

type Option func(*options)

// WithChunkSize sets the chunk size, non-positive values are ignored
func WithChunkSize(size int) Option {
	return func(o *options) {
		if size > 0 {
			o.chunkSize = size
		}
	}
}

// WithOpenTimeout sets how long to wait for the database file lock
func WithOpenTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.openTimeout = timeout
	}
}

// WithNoSync skips fsync after each commit. Spilled data does not outlive the process,
// so this is only a durability trade for crash inspection.
func WithNoSync(noSync bool) Option {
	return func(o *options) {
		o.noSync = noSync
	}
}
