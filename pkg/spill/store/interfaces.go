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

// Package store defines the secondary storage capability used for spilling: a
// write-once-read-many byte segment store addressed by segment id.
package store

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrSegmentNotFound is returned when opening or deleting an unknown segment.
	ErrSegmentNotFound = errors.New("segment not found")
	// ErrSegmentExists is returned when creating a segment id twice.
	ErrSegmentExists = errors.New("segment already exists")
	// ErrStoreClosed is returned by any operation after Close.
	ErrStoreClosed = errors.New("store is closed")
)

// Store is a write-once-read-many segment store. Implementations must be safe for
// concurrent use by multiple partitions, each working on distinct segment ids.
type Store interface {
	// Create returns a writer for a new segment. The segment becomes durable and
	// readable only after the writer is closed without error.
	Create(ctx context.Context, id string) (io.WriteCloser, error)
	// Open returns a sequential reader over a committed segment.
	Open(ctx context.Context, id string) (io.ReadCloser, error)
	// Delete removes a committed segment.
	Delete(ctx context.Context, id string) error
	// Close releases the store's resources.
	Close() error
}
