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

import "strconv"

type options struct {
	compression Compression
	// partition is only used as a metric label
	partition string
}

func defaultOptions() *options {
	return &options{
		compression: CompressionNone,
		partition:   "-1",
	}
}

type Option func(*options)

// WithCompression sets the codec used for new segments
func WithCompression(c Compression) Option {
	return func(o *options) {
		o.compression = c
	}
}

// WithPartitionID sets the partition reported in the metrics of the manager
func WithPartitionID(id int) Option {
	return func(o *options) {
		o.partition = strconv.Itoa(id)
	}
}
