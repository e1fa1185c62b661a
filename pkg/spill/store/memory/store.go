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

// Package memory is a Store that keeps segments in memory. It is meant for tests.
package memory

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/numaproj/shuffler/pkg/spill/store"
)

// memoryStore implements store.Store which stores the segments in memory
type memoryStore struct {
	segments map[string][]byte
	pending  map[string]struct{}
	closed   bool
	mu       sync.RWMutex
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() store.Store {
	return &memoryStore{
		segments: make(map[string][]byte),
		pending:  make(map[string]struct{}),
	}
}

func (m *memoryStore) Create(_ context.Context, id string) (io.WriteCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, store.ErrStoreClosed
	}
	if _, ok := m.segments[id]; ok {
		return nil, store.ErrSegmentExists
	}
	if _, ok := m.pending[id]; ok {
		return nil, store.ErrSegmentExists
	}
	m.pending[id] = struct{}{}
	return &memoryWriter{store: m, id: id}, nil
}

func (m *memoryStore) Open(_ context.Context, id string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, store.ErrStoreClosed
	}
	data, ok := m.segments[id]
	if !ok {
		return nil, store.ErrSegmentNotFound
	}
	// committed segments are never mutated, so the slice can be shared
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return store.ErrStoreClosed
	}
	if _, ok := m.segments[id]; !ok {
		return store.ErrSegmentNotFound
	}
	delete(m.segments, id)
	return nil
}

func (m *memoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.segments = nil
	return nil
}

type memoryWriter struct {
	store  *memoryStore
	id     string
	buf    bytes.Buffer
	closed bool
}

func (w *memoryWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, store.ErrStoreClosed
	}
	return w.buf.Write(p)
}

func (w *memoryWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	delete(w.store.pending, w.id)
	if w.store.closed {
		return store.ErrStoreClosed
	}
	w.store.segments[w.id] = w.buf.Bytes()
	return nil
}
