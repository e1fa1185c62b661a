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

	"github.com/cespare/xxhash/v2"
	"github.com/spaolacci/murmur3"
)

// HashType names a KeyHasher implementation.
type HashType string

const (
	XXHash  HashType = "xxhash"
	Murmur3 HashType = "murmur3"
)

// KeyHasher computes a stable 64-bit hash of encoded key bytes.
// Implementations must be pure: the same bytes always produce the same hash,
// across goroutines and across processes of the same batch execution.
type KeyHasher interface {
	Sum64(key []byte) uint64
}

type xxHasher struct{}

func (xxHasher) Sum64(key []byte) uint64 {
	return xxhash.Sum64(key)
}

type murmur3Hasher struct{}

func (murmur3Hasher) Sum64(key []byte) uint64 {
	return murmur3.Sum64(key)
}

// NewKeyHasher returns the KeyHasher for the given type, xxhash if t is empty.
func NewKeyHasher(t HashType) (KeyHasher, error) {
	switch t {
	case XXHash, "":
		return xxHasher{}, nil
	case Murmur3:
		return murmur3Hasher{}, nil
	default:
		return nil, fmt.Errorf("unsupported key hash %q", t)
	}
}
