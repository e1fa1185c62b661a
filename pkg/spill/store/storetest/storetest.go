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

// Package storetest holds the behaviour every store.Store implementation must share.
package storetest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/numaproj/shuffler/pkg/spill/store"
)

// RunStoreTests runs the conformance tests against stores built by newStore.
func RunStoreTests(t *testing.T, newStore func(t *testing.T) store.Store) {
	ctx := context.Background()

	t.Run("roundtrip", func(t *testing.T) {
		s := newStore(t)
		defer func() { _ = s.Close() }()
		payload := bytes.Repeat([]byte("0123456789"), 20000)
		writeSegment(t, s, "seg-1", payload)

		r, err := s.Open(ctx, "seg-1")
		require.NoError(t, err)
		got, err := io.ReadAll(r)
		require.NoError(t, err)
		assert.NoError(t, r.Close())
		assert.Equal(t, payload, got)
	})

	t.Run("empty segment", func(t *testing.T) {
		s := newStore(t)
		defer func() { _ = s.Close() }()
		writeSegment(t, s, "empty", nil)
		r, err := s.Open(ctx, "empty")
		require.NoError(t, err)
		got, err := io.ReadAll(r)
		require.NoError(t, err)
		assert.Empty(t, got)
		assert.NoError(t, r.Close())
	})

	t.Run("not visible before close", func(t *testing.T) {
		s := newStore(t)
		defer func() { _ = s.Close() }()
		w, err := s.Create(ctx, "pending")
		require.NoError(t, err)
		_, err = w.Write([]byte("abc"))
		require.NoError(t, err)
		_, err = s.Open(ctx, "pending")
		assert.ErrorIs(t, err, store.ErrSegmentNotFound)
		require.NoError(t, w.Close())
		r, err := s.Open(ctx, "pending")
		require.NoError(t, err)
		assert.NoError(t, r.Close())
	})

	t.Run("duplicate id", func(t *testing.T) {
		s := newStore(t)
		defer func() { _ = s.Close() }()
		writeSegment(t, s, "dup", []byte("x"))
		_, err := s.Create(ctx, "dup")
		assert.ErrorIs(t, err, store.ErrSegmentExists)
	})

	t.Run("delete", func(t *testing.T) {
		s := newStore(t)
		defer func() { _ = s.Close() }()
		writeSegment(t, s, "gone", []byte("x"))
		require.NoError(t, s.Delete(ctx, "gone"))
		_, err := s.Open(ctx, "gone")
		assert.ErrorIs(t, err, store.ErrSegmentNotFound)
		assert.ErrorIs(t, s.Delete(ctx, "gone"), store.ErrSegmentNotFound)
	})

	t.Run("unknown segment", func(t *testing.T) {
		s := newStore(t)
		defer func() { _ = s.Close() }()
		_, err := s.Open(ctx, "missing")
		assert.ErrorIs(t, err, store.ErrSegmentNotFound)
	})

	t.Run("closed", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Close())
		_, err := s.Create(ctx, "late")
		assert.ErrorIs(t, err, store.ErrStoreClosed)
		_, err = s.Open(ctx, "late")
		assert.ErrorIs(t, err, store.ErrStoreClosed)
		assert.ErrorIs(t, s.Delete(ctx, "late"), store.ErrStoreClosed)
		assert.NoError(t, s.Close())
	})

	t.Run("concurrent writers", func(t *testing.T) {
		s := newStore(t)
		defer func() { _ = s.Close() }()
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				id := fmt.Sprintf("p-%d", i)
				w, err := s.Create(ctx, id)
				if !assert.NoError(t, err) {
					return
				}
				_, err = w.Write(bytes.Repeat([]byte{byte(i)}, 1000))
				assert.NoError(t, err)
				assert.NoError(t, w.Close())
			}(i)
		}
		wg.Wait()
		for i := 0; i < 8; i++ {
			r, err := s.Open(ctx, fmt.Sprintf("p-%d", i))
			require.NoError(t, err)
			got, err := io.ReadAll(r)
			require.NoError(t, err)
			assert.Equal(t, bytes.Repeat([]byte{byte(i)}, 1000), got)
			assert.NoError(t, r.Close())
		}
	})
}

func writeSegment(t *testing.T, s store.Store, id string, payload []byte) {
	t.Helper()
	w, err := s.Create(context.Background(), id)
	require.NoError(t, err)
	// write in uneven pieces to cross chunk and buffer boundaries
	for len(payload) > 0 {
		n := 7919
		if n > len(payload) {
			n = len(payload)
		}
		wrote, err := w.Write(payload[:n])
		require.NoError(t, err)
		require.Equal(t, n, wrote)
		payload = payload[n:]
	}
	require.NoError(t, w.Close())
}
