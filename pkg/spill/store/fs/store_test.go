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

package fs

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/numaproj/shuffler/pkg/spill/store"
	"github.com/numaproj/shuffler/pkg/spill/store/storetest"
)

func TestFSStore(t *testing.T) {
	storetest.RunStoreTests(t, func(t *testing.T) store.Store {
		s, err := NewFSStore(WithStorePath(t.TempDir()))
		require.NoError(t, err)
		return s
	})
}

func TestFSStore_InvalidID(t *testing.T) {
	s, err := NewFSStore(WithStorePath(t.TempDir()))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	for _, id := range []string{"", "../escape", "a/b", "x" + pendingSuffix} {
		_, err := s.Create(context.Background(), id)
		assert.Error(t, err, id)
	}
}

func TestFSStore_CloseRemovesPending(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFSStore(WithStorePath(dir), WithSyncOnClose(false))
	require.NoError(t, err)
	w, err := s.Create(context.Background(), "abandoned")
	require.NoError(t, err)
	_, err = w.Write([]byte("partial"))
	require.NoError(t, err)

	require.NoError(t, s.Close())
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	_ = w.Close()
	_, err = os.Stat(filepath.Join(dir, SegmentPrefix+"_abandoned"))
	assert.True(t, os.IsNotExist(err))
}

func TestFSStore_CloseKeepsOtherStoresPending(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	a, err := NewFSStore(WithStorePath(dir), WithSyncOnClose(false))
	require.NoError(t, err)
	defer func() { _ = a.Close() }()
	b, err := NewFSStore(WithStorePath(dir), WithSyncOnClose(false))
	require.NoError(t, err)

	inflight, err := a.Create(ctx, "inflight")
	require.NoError(t, err)
	_, err = inflight.Write([]byte("data"))
	require.NoError(t, err)
	abandoned, err := b.Create(ctx, "abandoned")
	require.NoError(t, err)

	require.NoError(t, b.Close())
	_ = abandoned.Close()
	_, err = os.Stat(filepath.Join(dir, SegmentPrefix+"_abandoned"+pendingSuffix))
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, inflight.Close())
	rc, err := a.Open(ctx, "inflight")
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))
}
