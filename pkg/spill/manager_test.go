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
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/numaproj/shuffler/pkg/gbkerr"
	"github.com/numaproj/shuffler/pkg/spill/segment"
	"github.com/numaproj/shuffler/pkg/spill/store"
	"github.com/numaproj/shuffler/pkg/spill/store/memory"
)

// faultyStore wraps a store and fails or tampers with operations on demand.
type faultyStore struct {
	store.Store
	failCreate  bool
	failWriteAt int
	failDelete  bool
	tamper      func([]byte) []byte
}

var errInjected = errors.New("injected failure")

func (f *faultyStore) Create(ctx context.Context, id string) (io.WriteCloser, error) {
	if f.failCreate {
		return nil, errInjected
	}
	w, err := f.Store.Create(ctx, id)
	if err != nil || f.failWriteAt <= 0 {
		return w, err
	}
	return &faultyWriter{WriteCloser: w, remaining: f.failWriteAt}, nil
}

func (f *faultyStore) Open(ctx context.Context, id string) (io.ReadCloser, error) {
	rc, err := f.Store.Open(ctx, id)
	if err != nil || f.tamper == nil {
		return rc, err
	}
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(f.tamper(append([]byte(nil), data...)))), nil
}

func (f *faultyStore) Delete(ctx context.Context, id string) error {
	if f.failDelete {
		return errInjected
	}
	return f.Store.Delete(ctx, id)
}

type faultyWriter struct {
	io.WriteCloser
	remaining int
}

func (w *faultyWriter) Write(p []byte) (int, error) {
	if len(p) >= w.remaining {
		return 0, errInjected
	}
	w.remaining -= len(p)
	return w.WriteCloser.Write(p)
}

func readAll(t *testing.T, r *SegmentReader) [][]byte {
	t.Helper()
	var out [][]byte
	for {
		v, err := r.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, v)
	}
}

func TestStoreManager_Roundtrip(t *testing.T) {
	tests := []struct {
		name        string
		compression Compression
		values      [][]byte
	}{
		{name: "plain", compression: CompressionNone, values: [][]byte{[]byte("1"), []byte("3"), []byte("5")}},
		{name: "lz4", compression: CompressionLZ4, values: [][]byte{[]byte("1"), []byte("3"), []byte("5")}},
		{name: "empty values", compression: CompressionNone, values: [][]byte{{}, []byte("x"), {}}},
		{name: "no values", compression: CompressionLZ4, values: nil},
		{name: "large lz4", compression: CompressionLZ4, values: func() [][]byte {
			var vs [][]byte
			for i := 0; i < 5000; i++ {
				vs = append(vs, []byte(fmt.Sprintf("value-%06d", i)))
			}
			return vs
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			m := NewManager(memory.NewMemoryStore(), WithCompression(tt.compression))
			h, err := m.Spill(ctx, []byte("A"), tt.values)
			require.NoError(t, err)
			assert.Equal(t, int64(len(tt.values)), h.Count)
			assert.Equal(t, tt.compression, h.Compression)
			assert.Greater(t, h.StoredBytes, int64(0))
			segments, stored := m.Outstanding()
			assert.Equal(t, int64(1), segments)
			assert.Equal(t, h.StoredBytes, stored)

			r, err := m.Read(ctx, h)
			require.NoError(t, err)
			got := readAll(t, r)
			assert.Equal(t, len(tt.values), len(got))
			for i := range tt.values {
				assert.Equal(t, tt.values[i], got[i])
			}
			// sticky end of data
			_, err = r.Next()
			assert.Equal(t, io.EOF, err)

			require.NoError(t, m.Release(ctx, h))
			segments, stored = m.Outstanding()
			assert.Zero(t, segments)
			assert.Zero(t, stored)
		})
	}
}

func TestStoreManager_LZ4Compresses(t *testing.T) {
	ctx := context.Background()
	values := make([][]byte, 1000)
	for i := range values {
		values[i] = bytes.Repeat([]byte("a"), 100)
	}
	plain, err := NewManager(memory.NewMemoryStore()).Spill(ctx, []byte("k"), values)
	require.NoError(t, err)
	compressed, err := NewManager(memory.NewMemoryStore(), WithCompression(CompressionLZ4)).Spill(ctx, []byte("k"), values)
	require.NoError(t, err)
	assert.Equal(t, plain.Bytes, compressed.Bytes)
	assert.Less(t, compressed.StoredBytes, plain.StoredBytes)
}

func TestStoreManager_SharedStoreUniqueIDs(t *testing.T) {
	ctx := context.Background()
	s := memory.NewMemoryStore()
	m1 := NewManager(s, WithPartitionID(0))
	m2 := NewManager(s, WithPartitionID(1))
	seen := make(map[string]struct{})
	for i := 0; i < 50; i++ {
		for _, m := range []*StoreManager{m1, m2} {
			h, err := m.Spill(ctx, []byte("k"), [][]byte{[]byte("v")})
			require.NoError(t, err)
			_, dup := seen[h.ID]
			require.False(t, dup)
			seen[h.ID] = struct{}{}
		}
	}
	// a manager never releases segments it did not write
	h1, err := m1.Spill(ctx, []byte("k"), [][]byte{[]byte("v")})
	require.NoError(t, err)
	require.NoError(t, m2.Release(ctx, h1))
	r, err := m1.Read(ctx, h1)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("v")}, readAll(t, r))
}

func TestStoreManager_SpillFailure(t *testing.T) {
	ctx := context.Background()
	values := [][]byte{bytes.Repeat([]byte("x"), 1024), bytes.Repeat([]byte("y"), 1024)}

	t.Run("create", func(t *testing.T) {
		m := NewManager(&faultyStore{Store: memory.NewMemoryStore(), failCreate: true})
		_, err := m.Spill(ctx, []byte("k"), values)
		assert.ErrorIs(t, err, gbkerr.ErrSpillFailure)
		assert.ErrorIs(t, err, errInjected)
		segments, _ := m.Outstanding()
		assert.Zero(t, segments)
	})

	for _, c := range []Compression{CompressionNone, CompressionLZ4} {
		t.Run("write "+string(c), func(t *testing.T) {
			backing := memory.NewMemoryStore()
			m := NewManager(&faultyStore{Store: backing, failWriteAt: 10}, WithCompression(c))
			_, err := m.Spill(ctx, []byte("k"), values)
			assert.ErrorIs(t, err, gbkerr.ErrSpillFailure)
			segments, _ := m.Outstanding()
			assert.Zero(t, segments)
		})
	}

	t.Run("release", func(t *testing.T) {
		fs := &faultyStore{Store: memory.NewMemoryStore()}
		m := NewManager(fs)
		h, err := m.Spill(ctx, []byte("k"), values)
		require.NoError(t, err)
		fs.failDelete = true
		assert.ErrorIs(t, m.Release(ctx, h), gbkerr.ErrSpillFailure)
		segments, _ := m.Outstanding()
		assert.Equal(t, int64(1), segments)
		fs.failDelete = false
		assert.NoError(t, m.ReleaseAll(ctx))
		segments, _ = m.Outstanding()
		assert.Zero(t, segments)
	})

	t.Run("cancelled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		m := NewManager(memory.NewMemoryStore())
		_, err := m.Spill(cctx, []byte("k"), values)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

// idStore remembers the ids of the segments created through it.
type idStore struct {
	store.Store
	ids []string
}

func (s *idStore) Create(ctx context.Context, id string) (io.WriteCloser, error) {
	s.ids = append(s.ids, id)
	return s.Store.Create(ctx, id)
}

func TestStoreManager_SpillFrom(t *testing.T) {
	ctx := context.Background()
	values := [][]byte{[]byte("a"), []byte("bb"), []byte("ccc")}
	source := func(fail error) func() ([]byte, error) {
		i := 0
		return func() ([]byte, error) {
			if i == 2 && fail != nil {
				return nil, fail
			}
			if i == len(values) {
				return nil, io.EOF
			}
			v := values[i]
			i++
			return v, nil
		}
	}

	t.Run("streams values", func(t *testing.T) {
		m := NewManager(memory.NewMemoryStore(), WithCompression(CompressionLZ4))
		h, err := m.SpillFrom(ctx, []byte("k"), 3, source(nil))
		require.NoError(t, err)
		assert.Equal(t, int64(3), h.Count)
		assert.Equal(t, int64(6), h.Bytes)
		r, err := m.Read(ctx, h)
		require.NoError(t, err)
		assert.Equal(t, values, readAll(t, r))
	})

	t.Run("source error is returned as is", func(t *testing.T) {
		s := &idStore{Store: memory.NewMemoryStore()}
		m := NewManager(s)
		_, err := m.SpillFrom(ctx, []byte("k"), 3, source(gbkerr.ErrCorruptSegment))
		assert.ErrorIs(t, err, gbkerr.ErrCorruptSegment)
		assert.NotErrorIs(t, err, gbkerr.ErrSpillFailure)
		require.Len(t, s.ids, 1)
		_, err = s.Open(ctx, s.ids[0])
		assert.ErrorIs(t, err, store.ErrSegmentNotFound)
		segments, _ := m.Outstanding()
		assert.Zero(t, segments)
	})

	t.Run("source shorter than count", func(t *testing.T) {
		m := NewManager(memory.NewMemoryStore())
		_, err := m.SpillFrom(ctx, []byte("k"), 4, source(nil))
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
		segments, _ := m.Outstanding()
		assert.Zero(t, segments)
	})
}

func TestStoreManager_ReadMissingSegment(t *testing.T) {
	ctx := context.Background()
	s := memory.NewMemoryStore()
	m := NewManager(s)
	h, err := m.Spill(ctx, []byte("k"), [][]byte{[]byte("v")})
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, h.ID))
	_, err = m.Read(ctx, h)
	assert.ErrorIs(t, err, gbkerr.ErrSpillFailure)
	assert.ErrorIs(t, err, store.ErrSegmentNotFound)
	// the store lost it already, releasing is still fine
	assert.NoError(t, m.Release(ctx, h))
}

func TestStoreManager_CorruptSegment(t *testing.T) {
	ctx := context.Background()
	values := [][]byte{[]byte("first"), []byte("second"), []byte("third")}
	tests := []struct {
		name        string
		compression Compression
		tamper      func([]byte) []byte
		// whether the corruption is detected when opening rather than while reading values
		onOpen bool
	}{
		{name: "bad magic", tamper: func(b []byte) []byte { b[0] ^= 0xff; return b }, onOpen: true},
		{name: "truncated header", tamper: func(b []byte) []byte { return b[:10] }, onOpen: true},
		{name: "flipped value byte", tamper: func(b []byte) []byte { b[len(b)-1] ^= 0xff; return b }},
		{name: "truncated value", tamper: func(b []byte) []byte { return b[:len(b)-2] }},
		{name: "huge value length", tamper: func(b []byte) []byte {
			binary.LittleEndian.PutUint64(b[segment.HeaderSize+len("key"):], 1<<39)
			return b
		}},
		{name: "value length beyond segment data", tamper: func(b []byte) []byte {
			binary.LittleEndian.PutUint64(b[segment.HeaderSize+len("key"):], uint64(len("first")+len("second")+len("third")+1))
			return b
		}},
		{name: "huge key length", tamper: func(b []byte) []byte { binary.LittleEndian.PutUint32(b[8:], 1<<29); return b }, onOpen: true},
		{name: "lz4 bad frame", compression: CompressionLZ4, tamper: func(b []byte) []byte { b[0] ^= 0xff; return b }, onOpen: true},
		{name: "lz4 truncated", compression: CompressionLZ4, tamper: func(b []byte) []byte { return b[:len(b)/2] }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := tt.compression
			if c == "" {
				c = CompressionNone
			}
			m := NewManager(&faultyStore{Store: memory.NewMemoryStore(), tamper: tt.tamper}, WithCompression(c))
			h, err := m.Spill(ctx, []byte("key"), values)
			require.NoError(t, err)
			r, err := m.Read(ctx, h)
			if tt.onOpen {
				assert.ErrorIs(t, err, gbkerr.ErrCorruptSegment)
				return
			}
			if err != nil {
				// small segments may fail as early as the header
				assert.ErrorIs(t, err, gbkerr.ErrCorruptSegment)
				return
			}
			for {
				_, err = r.Next()
				if err != nil {
					break
				}
			}
			assert.ErrorIs(t, err, gbkerr.ErrCorruptSegment)
			_, again := r.Next()
			assert.Equal(t, err, again)
		})
	}
}

func TestStoreManager_HandleMismatch(t *testing.T) {
	ctx := context.Background()
	m := NewManager(memory.NewMemoryStore())
	h, err := m.Spill(ctx, []byte("A"), [][]byte{[]byte("1")})
	require.NoError(t, err)

	wrongKey := h
	wrongKey.Key = []byte("B")
	_, err = m.Read(ctx, wrongKey)
	assert.ErrorIs(t, err, gbkerr.ErrCorruptSegment)

	wrongCount := h
	wrongCount.Count = 2
	_, err = m.Read(ctx, wrongCount)
	assert.ErrorIs(t, err, gbkerr.ErrCorruptSegment)

	wrongCodec := h
	wrongCodec.Compression = "zstd"
	_, err = m.Read(ctx, wrongCodec)
	assert.ErrorIs(t, err, gbkerr.ErrCorruptSegment)
}

func TestStoreManager_ReleaseUnknown(t *testing.T) {
	ctx := context.Background()
	m := NewManager(memory.NewMemoryStore())
	assert.NoError(t, m.Release(ctx, Handle{ID: "unknown"}))
	h, err := m.Spill(ctx, []byte("A"), [][]byte{[]byte("1")})
	require.NoError(t, err)
	assert.NoError(t, m.Release(ctx, h))
	assert.NoError(t, m.Release(ctx, h))
}

func TestSegmentReader_Close(t *testing.T) {
	ctx := context.Background()
	m := NewManager(memory.NewMemoryStore())
	h, err := m.Spill(ctx, []byte("A"), [][]byte{[]byte("1"), []byte("2")})
	require.NoError(t, err)
	r, err := m.Read(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, h, r.Handle())
	v, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)
	require.NoError(t, r.Close())
	_, err = r.Next()
	assert.ErrorIs(t, err, errReaderClosed)
	assert.NoError(t, r.Close())
}

func TestParseCompression(t *testing.T) {
	for in, want := range map[string]Compression{"": CompressionNone, "none": CompressionNone, "LZ4": CompressionLZ4} {
		got, err := ParseCompression(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseCompression("gzip")
	assert.Error(t, err)
}
