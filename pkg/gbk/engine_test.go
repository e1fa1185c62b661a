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

package gbk

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/numaproj/shuffler/pkg/config"
	"github.com/numaproj/shuffler/pkg/emitter"
	"github.com/numaproj/shuffler/pkg/gbkerr"
	"github.com/numaproj/shuffler/pkg/record"
	"github.com/numaproj/shuffler/pkg/shuffle"
	"github.com/numaproj/shuffler/pkg/spill/store"
	"github.com/numaproj/shuffler/pkg/spill/store/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// trackingStore remembers every segment id it was asked to create and fails creates on demand.
type trackingStore struct {
	store.Store
	mu          sync.Mutex
	ids         []string
	failCreates bool
	failAfter   int
}

var errDiskFull = errors.New("no space left on device")

func newTrackingStore() *trackingStore {
	return &trackingStore{Store: memory.NewMemoryStore()}
}

func (s *trackingStore) Create(ctx context.Context, id string) (io.WriteCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreates && len(s.ids) >= s.failAfter {
		return nil, errDiskFull
	}
	s.ids = append(s.ids, id)
	return s.Store.Create(ctx, id)
}

// leaked returns the segments still present in the store.
func (s *trackingStore) leaked(t *testing.T) []string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, id := range s.ids {
		r, err := s.Store.Open(context.Background(), id)
		if err == nil {
			_ = r.Close()
			out = append(out, id)
			continue
		}
		require.ErrorIs(t, err, store.ErrSegmentNotFound)
	}
	return out
}

func (s *trackingStore) created() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

// collector is a Sink gathering groups per partition.
type collector struct {
	mu         sync.Mutex
	groups     map[string][]string
	partitions map[string]int
	calls      int
}

func newCollector() *collector {
	return &collector{groups: map[string][]string{}, partitions: map[string]int{}}
}

func (c *collector) sink(ctx context.Context, partition int, g *emitter.Group) error {
	var values []string
	if err := g.Values.ForEach(ctx, func(v []byte) error {
		values = append(values, string(v))
		return nil
	}); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	key := string(g.Key)
	if _, dup := c.groups[key]; dup {
		return fmt.Errorf("key %q emitted twice", key)
	}
	c.groups[key] = values
	c.partitions[key] = partition
	return nil
}

func (c *collector) multisets() map[string][]string {
	out := make(map[string][]string, len(c.groups))
	for k, vs := range c.groups {
		sorted := append([]string(nil), vs...)
		sort.Strings(sorted)
		out[k] = sorted
	}
	return out
}

func testConfig(partitions int, budget int64) *config.Config {
	c := config.Default()
	c.PartitionCount = partitions
	c.MemoryBudgetBytes = budget
	c.ExchangeBufferSize = 4
	c.Spill.Backend = config.BackendMemory
	return c
}

func buildRecords(n, keys int) []record.Record {
	records := make([]record.Record, n)
	for i := range records {
		records[i] = record.New([]byte(fmt.Sprintf("key-%d", (i*7)%keys)), []byte(fmt.Sprintf("value-%d", i)))
	}
	return records
}

func expected(records []record.Record) map[string][]string {
	out := map[string][]string{}
	for _, r := range records {
		out[string(r.Key)] = append(out[string(r.Key)], string(r.Value))
	}
	for k := range out {
		sort.Strings(out[k])
	}
	return out
}

func TestEngine_Example(t *testing.T) {
	records := []record.Record{
		record.New([]byte("A"), []byte("1")),
		record.New([]byte("B"), []byte("2")),
		record.New([]byte("A"), []byte("3")),
		record.New([]byte("B"), []byte("4")),
		record.New([]byte("A"), []byte("5")),
	}
	s := newTrackingStore()
	e, err := NewEngine(testConfig(2, 3), WithStore(s))
	require.NoError(t, err)
	defer func() { assert.NoError(t, e.Close()) }()

	c := newCollector()
	require.NoError(t, e.Run(context.Background(), shuffle.NewSliceReader(records), c.sink))
	assert.Equal(t, map[string][]string{"A": {"1", "3", "5"}, "B": {"2", "4"}}, c.multisets())
	assert.Equal(t, 2, c.calls)
	assert.Positive(t, s.created())
	assert.Empty(t, s.leaked(t))
}

func TestEngine_Backends(t *testing.T) {
	records := buildRecords(3000, 101)
	want := expected(records)
	tests := []struct {
		name   string
		modify func(t *testing.T, c *config.Config)
	}{
		{name: "memory", modify: func(t *testing.T, c *config.Config) {}},
		{name: "fs", modify: func(t *testing.T, c *config.Config) {
			c.Spill.Backend = config.BackendFS
			c.Spill.Path = t.TempDir()
			c.Spill.SyncOnClose = false
		}},
		{name: "fs lz4 oldest first", modify: func(t *testing.T, c *config.Config) {
			c.Spill.Backend = config.BackendFS
			c.Spill.Path = t.TempDir()
			c.Spill.Compression = "lz4"
			c.SpillSelectionPolicy = "oldest-first"
		}},
		{name: "bbolt murmur3", modify: func(t *testing.T, c *config.Config) {
			c.Spill.Backend = config.BackendBbolt
			c.Spill.Path = filepath.Join(t.TempDir(), "spill.db")
			c.Spill.ChunkSize = 512
			c.Hash = "murmur3"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(4, 256)
			tt.modify(t, cfg)
			e, err := NewEngine(cfg)
			require.NoError(t, err)
			defer func() { assert.NoError(t, e.Close()) }()

			c := newCollector()
			require.NoError(t, e.Run(context.Background(), shuffle.NewSliceReader(records), c.sink))
			assert.Equal(t, want, c.multisets())
			for key, p := range c.partitions {
				assert.Equal(t, e.Partitioner().PartitionKey([]byte(key)), p, key)
			}
		})
	}
}

func TestEngine_SpillFailureAndRerun(t *testing.T) {
	ctx := context.Background()
	records := buildRecords(2000, 50)

	s := newTrackingStore()
	s.failCreates = true
	s.failAfter = 5
	e, err := NewEngine(testConfig(3, 128), WithStore(s))
	require.NoError(t, err)
	c := newCollector()
	err = e.Run(ctx, shuffle.NewSliceReader(records), c.sink)
	require.ErrorIs(t, err, gbkerr.ErrSpillFailure)
	assert.ErrorIs(t, err, errDiskFull)
	assert.Empty(t, s.leaked(t))

	// the same input on a healthy store gives the groups of a run that never spills
	s.failCreates = false
	rerun := newCollector()
	require.NoError(t, e.Run(ctx, shuffle.NewSliceReader(records), rerun.sink))
	assert.Empty(t, s.leaked(t))

	baselineEngine, err := NewEngine(testConfig(3, 1<<30))
	require.NoError(t, err)
	defer func() { assert.NoError(t, baselineEngine.Close()) }()
	baseline := newCollector()
	require.NoError(t, baselineEngine.Run(ctx, shuffle.NewSliceReader(records), baseline.sink))
	assert.Equal(t, baseline.multisets(), rerun.multisets())
	assert.Equal(t, expected(records), rerun.multisets())
}

func TestEngine_SinkError(t *testing.T) {
	s := newTrackingStore()
	e, err := NewEngine(testConfig(4, 64), WithStore(s))
	require.NoError(t, err)
	boom := errors.New("sink unavailable")
	err = e.Run(context.Background(), shuffle.NewSliceReader(buildRecords(1000, 40)), func(ctx context.Context, partition int, g *emitter.Group) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Positive(t, s.created())
	assert.Empty(t, s.leaked(t))
}

type failingReader struct {
	records []record.Record
	next    int
}

var errUpstream = errors.New("upstream failed")

func (f *failingReader) Read(ctx context.Context) (record.Record, error) {
	if f.next >= len(f.records) {
		return record.Record{}, errUpstream
	}
	r := f.records[f.next]
	f.next++
	return r, nil
}

func TestEngine_SourceError(t *testing.T) {
	s := newTrackingStore()
	e, err := NewEngine(testConfig(2, 64), WithStore(s))
	require.NoError(t, err)
	c := newCollector()
	err = e.Run(context.Background(), &failingReader{records: buildRecords(500, 20)}, c.sink)
	assert.ErrorIs(t, err, errUpstream)
	// partial input is never emitted
	assert.Zero(t, c.calls)
	assert.Empty(t, s.leaked(t))
}

func TestEngine_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := newTrackingStore()
	e, err := NewEngine(testConfig(2, 64), WithStore(s))
	require.NoError(t, err)
	c := newCollector()
	err = e.Run(ctx, shuffle.NewSliceReader(buildRecords(100, 10)), c.sink)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, c.calls)
	assert.Empty(t, s.leaked(t))
}

func TestEngine_Sorted(t *testing.T) {
	e, err := NewEngine(testConfig(3, 100), WithStore(newTrackingStore()), WithValueComparator(bytes.Compare))
	require.NoError(t, err)
	c := newCollector()
	require.NoError(t, e.Run(context.Background(), shuffle.NewSliceReader(buildRecords(1500, 30)), c.sink))
	for key, values := range c.groups {
		assert.True(t, sort.StringsAreSorted(values), key)
	}
}

func TestEngine_EmptyInput(t *testing.T) {
	e, err := NewEngine(testConfig(3, 100), WithStore(newTrackingStore()))
	require.NoError(t, err)
	c := newCollector()
	require.NoError(t, e.Run(context.Background(), shuffle.NewSliceReader(nil), c.sink))
	assert.Zero(t, c.calls)
}

func TestNewEngine_InvalidConfig(t *testing.T) {
	c := testConfig(0, 100)
	_, err := NewEngine(c)
	assert.Error(t, err)

	c = testConfig(1, 100)
	c.Spill.Backend = config.BackendFS
	c.Spill.Path = ""
	_, err = NewEngine(c)
	assert.Error(t, err)
}

func TestOpenStore(t *testing.T) {
	for _, c := range []config.SpillConfig{
		{Backend: config.BackendMemory},
		{Backend: config.BackendFS, Path: t.TempDir()},
		{Backend: config.BackendBbolt, Path: filepath.Join(t.TempDir(), "spill.db")},
	} {
		s, err := OpenStore(c)
		require.NoError(t, err, c.Backend)
		assert.NoError(t, s.Close())
	}
	_, err := OpenStore(config.SpillConfig{Backend: "tape"})
	assert.Error(t, err)
}
