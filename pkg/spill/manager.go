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

// Package spill moves value runs of a key out of memory into secondary storage and streams
// them back. Every segment written by a Manager must eventually be released.
package spill

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pierrec/lz4/v4"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/numaproj/shuffler/pkg/gbkerr"
	"github.com/numaproj/shuffler/pkg/shared/logging"
	"github.com/numaproj/shuffler/pkg/spill/segment"
	"github.com/numaproj/shuffler/pkg/spill/store"
)

// Manager writes, reads and releases spill segments.
type Manager interface {
	// Spill writes values of key as one immutable segment. Errors wrap gbkerr.ErrSpillFailure.
	Spill(ctx context.Context, key []byte, values [][]byte) (Handle, error)
	// SpillFrom writes count values of key pulled from next as one segment. Errors returned by
	// next are passed through as they are.
	SpillFrom(ctx context.Context, key []byte, count int64, next func() ([]byte, error)) (Handle, error)
	// Read opens a streaming reader over a segment.
	Read(ctx context.Context, h Handle) (*SegmentReader, error)
	// Release deletes a segment. Releasing an unknown or already released segment is a no-op.
	Release(ctx context.Context, h Handle) error
}

// StoreManager is a Manager writing segments to a store.Store.
type StoreManager struct {
	store       store.Store
	opts        *options
	mu          sync.Mutex
	outstanding map[string]Handle
	segments    *atomic.Int64
	bytes       *atomic.Int64
}

var _ Manager = (*StoreManager)(nil)

// NewManager returns a StoreManager writing to s. Several managers may share the same store.
func NewManager(s store.Store, opts ...Option) *StoreManager {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return &StoreManager{
		store:       s,
		opts:        o,
		outstanding: make(map[string]Handle),
		segments:    atomic.NewInt64(0),
		bytes:       atomic.NewInt64(0),
	}
}

// Spill writes the values in order. On failure nothing is left behind in the store.
func (m *StoreManager) Spill(ctx context.Context, key []byte, values [][]byte) (Handle, error) {
	i := 0
	return m.SpillFrom(ctx, key, int64(len(values)), func() ([]byte, error) {
		v := values[i]
		i++
		return v, nil
	})
}

// SpillFrom streams count values into a new segment, holding one value at a time. On failure
// nothing is left behind in the store.
func (m *StoreManager) SpillFrom(ctx context.Context, key []byte, count int64, next func() ([]byte, error)) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}
	start := time.Now()
	h := Handle{
		ID:          uuid.NewString(),
		Key:         key,
		Count:       count,
		Compression: m.opts.compression,
	}
	var srcErr error
	pull := func() ([]byte, error) {
		v, err := next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = fmt.Errorf("source ended before %d values: %w", count, io.ErrUnexpectedEOF)
			}
			srcErr = err
		}
		return v, err
	}
	stored, data, err := m.write(ctx, h, pull)
	if err != nil {
		spillErrorsCount.WithLabelValues(m.opts.partition, "write").Inc()
		if srcErr != nil {
			logging.FromContext(ctx).Debugw("Source failed while spilling", "segment", h.ID, "error", err)
			return Handle{}, srcErr
		}
		return Handle{}, fmt.Errorf("%w: writing %s: %w", gbkerr.ErrSpillFailure, h, err)
	}
	h.Bytes = data
	h.StoredBytes = stored

	m.mu.Lock()
	m.outstanding[h.ID] = h
	m.mu.Unlock()
	m.segments.Inc()
	m.bytes.Add(h.StoredBytes)

	spilledSegmentsCount.WithLabelValues(m.opts.partition).Inc()
	spilledBytesCount.WithLabelValues(m.opts.partition).Add(float64(h.Bytes))
	outstandingSegments.WithLabelValues(m.opts.partition).Inc()
	spillProcessingTime.WithLabelValues(m.opts.partition).Observe(float64(time.Since(start).Microseconds()))
	logging.FromContext(ctx).Debugw("Spilled segment", "segment", h.ID, "count", h.Count, "bytes", h.Bytes, "storedBytes", h.StoredBytes)
	return h, nil
}

// write encodes the segment into the store and returns the number of stored bytes and of
// value bytes.
func (m *StoreManager) write(ctx context.Context, h Handle, next func() ([]byte, error)) (_ int64, _ int64, err error) {
	w, err := m.store.Create(ctx, h.ID)
	if err != nil {
		return 0, 0, err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		// closing a partially written segment may commit it, remove it either way
		err = multierr.Append(err, w.Close())
		if derr := m.store.Delete(ctx, h.ID); derr != nil && !errors.Is(derr, store.ErrSegmentNotFound) {
			err = multierr.Append(err, derr)
		}
	}()

	cw := &countingWriter{w: w}
	var (
		dst io.Writer = cw
		zw  *lz4.Writer
	)
	if h.Compression == CompressionLZ4 {
		zw = lz4.NewWriter(cw)
		if err = zw.Apply(lz4.BlockChecksumOption(true)); err != nil {
			return 0, 0, err
		}
		dst = zw
	}
	sw, err := segment.NewWriter(dst, h.Key, h.Count)
	if err != nil {
		return 0, 0, err
	}
	var data int64
	for i := int64(0); i < h.Count; i++ {
		v, err := next()
		if err != nil {
			return 0, 0, err
		}
		if err = sw.Append(v); err != nil {
			return 0, 0, err
		}
		data += int64(len(v))
	}
	if err = sw.Flush(); err != nil {
		return 0, 0, err
	}
	if zw != nil {
		if err = zw.Close(); err != nil {
			return 0, 0, err
		}
	}
	committed = true
	if err = w.Close(); err != nil {
		committed = false
		return 0, 0, err
	}
	return cw.n, data, nil
}

// Read opens the segment and verifies its header against the handle. Storage errors wrap
// gbkerr.ErrSpillFailure, undecodable data wraps gbkerr.ErrCorruptSegment.
func (m *StoreManager) Read(ctx context.Context, h Handle) (*SegmentReader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rc, err := m.store.Open(ctx, h.ID)
	if err != nil {
		spillErrorsCount.WithLabelValues(m.opts.partition, "open").Inc()
		return nil, fmt.Errorf("%w: opening %s: %w", gbkerr.ErrSpillFailure, h, err)
	}
	var src io.Reader = rc
	switch h.Compression {
	case CompressionLZ4:
		src = lz4.NewReader(rc)
	case CompressionNone, "":
	default:
		_ = rc.Close()
		return nil, fmt.Errorf("%w: %s has unknown compression %q", gbkerr.ErrCorruptSegment, h, h.Compression)
	}
	dec, err := segment.NewReader(src, segment.WithExpectedKey(h.Key), segment.WithDataBytes(h.Bytes))
	if err == nil && dec.Count() != h.Count {
		err = fmt.Errorf("%w: segment declares %d values, expected %d", gbkerr.ErrCorruptSegment, dec.Count(), h.Count)
	}
	if err != nil {
		_ = rc.Close()
		spillErrorsCount.WithLabelValues(m.opts.partition, "read").Inc()
		return nil, classifyReadError(h, err)
	}
	return &SegmentReader{handle: h, closer: rc, dec: dec, partition: m.opts.partition}, nil
}

// Release deletes the segment from the store. A failed release keeps the segment
// outstanding so that it can be retried.
func (m *StoreManager) Release(ctx context.Context, h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.outstanding[h.ID]; !ok {
		return nil
	}
	if err := m.store.Delete(ctx, h.ID); err != nil && !errors.Is(err, store.ErrSegmentNotFound) {
		spillErrorsCount.WithLabelValues(m.opts.partition, "release").Inc()
		return fmt.Errorf("%w: releasing %s: %w", gbkerr.ErrSpillFailure, h, err)
	}
	delete(m.outstanding, h.ID)
	m.segments.Dec()
	m.bytes.Sub(h.StoredBytes)
	outstandingSegments.WithLabelValues(m.opts.partition).Dec()
	return nil
}

// ReleaseAll releases every outstanding segment of the manager.
func (m *StoreManager) ReleaseAll(ctx context.Context) error {
	m.mu.Lock()
	handles := make([]Handle, 0, len(m.outstanding))
	for _, h := range m.outstanding {
		handles = append(handles, h)
	}
	m.mu.Unlock()
	var err error
	for _, h := range handles {
		err = multierr.Append(err, m.Release(ctx, h))
	}
	return err
}

// Outstanding returns the number of unreleased segments and their stored size.
func (m *StoreManager) Outstanding() (segments int64, bytes int64) {
	return m.segments.Load(), m.bytes.Load()
}

// classifyReadError maps decoding failures to gbkerr.ErrCorruptSegment and anything else
// to gbkerr.ErrSpillFailure.
func classifyReadError(h Handle, err error) error {
	switch {
	case errors.Is(err, gbkerr.ErrCorruptSegment):
		return fmt.Errorf("reading %s: %w", h, err)
	case isLZ4Corruption(err):
		return fmt.Errorf("%w: reading %s: %w", gbkerr.ErrCorruptSegment, h, err)
	default:
		return fmt.Errorf("%w: reading %s: %w", gbkerr.ErrSpillFailure, h, err)
	}
}

func isLZ4Corruption(err error) bool {
	return errors.Is(err, lz4.ErrInvalidFrame) ||
		errors.Is(err, lz4.ErrInvalidHeaderChecksum) ||
		errors.Is(err, lz4.ErrInvalidBlockChecksum) ||
		errors.Is(err, lz4.ErrInvalidFrameChecksum) ||
		errors.Is(err, lz4.ErrInvalidSourceShortBuffer)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
