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
	"fmt"

	"github.com/numaproj/shuffler/pkg/record"
)

// Partitioner assigns records to one of a fixed number of partitions by key hash.
// It holds no mutable state and is safe for concurrent use.
type Partitioner struct {
	count  uint64
	hasher KeyHasher
}

// NewPartitioner accepts the number of downstream partitions and a key hasher
// and returns a new Partitioner. A nil hasher defaults to xxhash.
func NewPartitioner(partitionCount int, hasher KeyHasher) (*Partitioner, error) {
	if partitionCount <= 0 {
		return nil, fmt.Errorf("partition count must be positive, got %d", partitionCount)
	}
	if hasher == nil {
		hasher = xxHasher{}
	}
	return &Partitioner{
		count:  uint64(partitionCount),
		hasher: hasher,
	}, nil
}

// Partitions returns the number of partitions.
func (p *Partitioner) Partitions() int {
	return int(p.count)
}

// Partition returns the partition of the record, in [0, Partitions()).
func (p *Partitioner) Partition(rec record.Record) int {
	return p.PartitionKey(rec.Key)
}

// PartitionKey returns the partition for the encoded key bytes.
// A zero-length key is valid and hashes like any other key.
func (p *Partitioner) PartitionKey(key []byte) int {
	// hash of the key returns a unique hashValue,
	// mod of hashValue decides which partition it belongs to
	return int(p.hasher.Sum64(key) % p.count)
}
