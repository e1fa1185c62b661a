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

import (
	"fmt"
	"strings"
)

// Compression is the codec applied to a segment's encoded bytes before they reach the store.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionLZ4  Compression = "lz4"
)

// ParseCompression parses a compression name, the empty string means CompressionNone.
func ParseCompression(s string) (Compression, error) {
	switch c := Compression(strings.ToLower(s)); c {
	case "", CompressionNone:
		return CompressionNone, nil
	case CompressionLZ4:
		return c, nil
	default:
		return "", fmt.Errorf("unsupported spill compression %q", s)
	}
}

// Handle addresses a spilled segment. It carries what is needed to read the segment back
// without consulting the manager's bookkeeping.
type Handle struct {
	// ID is the store id of the segment, unique across every partition sharing the store.
	ID string
	// Key the segment's values belong to.
	Key []byte
	// Count of values in the segment.
	Count int64
	// Bytes is the size of the spilled values before encoding.
	Bytes int64
	// StoredBytes is the number of bytes written to the store.
	StoredBytes int64
	Compression Compression
}

func (h Handle) String() string {
	return fmt.Sprintf("segment(%s, key=%q, count=%d)", h.ID, h.Key, h.Count)
}
