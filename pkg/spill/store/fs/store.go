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

// Package fs is a Store that keeps one file per segment in a local directory.
package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/numaproj/shuffler/pkg/spill/store"
)

const (
	SegmentPrefix = "segment"
	pendingSuffix = ".pending"
)

type fsStore struct {
	storePath   string
	syncOnClose bool
	closed      bool
	mu          sync.RWMutex
	// pending holds the uncommitted writers of this store by pending file path
	pending   map[string]*segmentWriter
	pendingMu sync.Mutex
}

// NewFSStore is a FileSystem segment store. The store directory is created if it does not exist.
func NewFSStore(opts ...Option) (store.Store, error) {
	s := &fsStore{
		storePath:   DefaultStorePath,
		syncOnClose: true,
		pending:     make(map[string]*segmentWriter),
	}
	for _, o := range opts {
		o(s)
	}
	if err := os.MkdirAll(s.storePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory %s, %w", s.storePath, err)
	}
	return s, nil
}

func (s *fsStore) segmentFilePath(id string) (string, error) {
	if id == "" || filepath.Base(id) != id || strings.HasSuffix(id, pendingSuffix) {
		return "", fmt.Errorf("invalid segment id %q", id)
	}
	return filepath.Join(s.storePath, fmt.Sprintf("%s_%s", SegmentPrefix, id)), nil
}

// Create creates the pending file of a segment. The segment is committed by renaming
// the pending file when the writer is closed.
func (s *fsStore) Create(_ context.Context, id string) (_ io.WriteCloser, err error) {
	defer func() {
		if err != nil {
			storeErrors.WithLabelValues("create").Inc()
		}
	}()
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrStoreClosed
	}
	filePath, err := s.segmentFilePath(id)
	if err != nil {
		return nil, err
	}
	if _, err = os.Stat(filePath); err == nil {
		return nil, store.ErrSegmentExists
	}
	fp, err := os.OpenFile(filePath+pendingSuffix, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if errors.Is(err, os.ErrExist) {
		return nil, store.ErrSegmentExists
	}
	if err != nil {
		return nil, err
	}
	filesCount.Inc()
	w := &segmentWriter{fp: fp, filePath: filePath, sync: s.syncOnClose, store: s}
	s.pendingMu.Lock()
	s.pending[fp.Name()] = w
	s.pendingMu.Unlock()
	return w, nil
}

func (s *fsStore) Open(_ context.Context, id string) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrStoreClosed
	}
	filePath, err := s.segmentFilePath(id)
	if err != nil {
		return nil, err
	}
	fp, err := os.Open(filePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, store.ErrSegmentNotFound
	}
	if err != nil {
		storeErrors.WithLabelValues("open").Inc()
		return nil, err
	}
	return fp, nil
}

// Delete deletes the segment file. An open file can also be deleted, readers holding it
// keep reading until they close it.
func (s *fsStore) Delete(_ context.Context, id string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.ErrStoreClosed
	}
	filePath, err := s.segmentFilePath(id)
	if err != nil {
		return err
	}
	err = os.Remove(filePath)
	if errors.Is(err, os.ErrNotExist) {
		return store.ErrSegmentNotFound
	}
	if err != nil {
		storeErrors.WithLabelValues("delete").Inc()
		return err
	}
	activeFilesCount.Dec()
	return nil
}

// Close removes the pending files of writers of this store that were never closed. Pending
// files of other stores sharing the directory are left alone.
func (s *fsStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.pendingMu.Lock()
	pending := s.pending
	s.pending = make(map[string]*segmentWriter)
	s.pendingMu.Unlock()
	var errs []error
	for p, w := range pending {
		_ = w.fp.Close()
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *fsStore) forget(pendingPath string) {
	s.pendingMu.Lock()
	delete(s.pending, pendingPath)
	s.pendingMu.Unlock()
}

type segmentWriter struct {
	fp       *os.File
	filePath string
	sync     bool
	closed   bool
	store    *fsStore
}

func (w *segmentWriter) Write(p []byte) (int, error) {
	return w.fp.Write(p)
}

// Close syncs and commits the segment. On failure the pending file is removed.
func (w *segmentWriter) Close() (err error) {
	if w.closed {
		return nil
	}
	w.closed = true
	pendingPath := w.fp.Name()
	defer w.store.forget(pendingPath)
	defer func() {
		if err != nil {
			storeErrors.WithLabelValues("commit").Inc()
			_ = os.Remove(pendingPath)
		}
	}()
	if w.sync {
		start := time.Now()
		err = w.fp.Sync()
		fileSyncWaitTime.Observe(float64(time.Since(start).Milliseconds()))
		if err != nil {
			_ = w.fp.Close()
			return err
		}
	}
	if err = w.fp.Close(); err != nil {
		return err
	}
	if err = os.Rename(pendingPath, w.filePath); err != nil {
		return err
	}
	activeFilesCount.Inc()
	return nil
}
