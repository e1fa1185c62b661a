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

// Package grouper accumulates the values of every key of one partition under a memory budget.
// When the buffered values exceed the budget, buffers are spilled to secondary storage through
// a spill.Manager. At end of input the grouper is finalized into an emitter.Emitter.
package grouper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/numaproj/shuffler/pkg/emitter"
	"github.com/numaproj/shuffler/pkg/gbkerr"
	"github.com/numaproj/shuffler/pkg/record"
	"github.com/numaproj/shuffler/pkg/shared/logging"
	"github.com/numaproj/shuffler/pkg/shuffle"
	"github.com/numaproj/shuffler/pkg/spill"
)

// keyBuffer is the append-only value buffer of a key and the segments spilled for it.
type keyBuffer struct {
	// id is the key, shared with the buffers map
	id       string
	values   [][]byte
	size     int64
	segments []spill.Handle
	// order is the first-seen position of the key
	order     int
	heapIndex int
}

type state int

const (
	stateActive state = iota
	stateFinalized
	stateAborted
)

// Grouper groups the records of a single partition. It is not safe for concurrent use,
// partitions are expected to run one Grouper each.
type Grouper struct {
	partitionID int
	partition   string
	spiller     spill.Manager
	opts        *options
	buffers     map[string]*keyBuffer
	ordered     []*keyBuffer
	selector    selector
	// memory is the estimate of buffered bytes: key and values of every non-empty buffer
	memory    int64
	highWater int64
	state     state
	// err is the first spill failure, after which no input is accepted
	err error
	// log is replaced by the logger of the first ctx passed to Add or Consume
	log       *zap.SugaredLogger
	ctxLogger bool
}

// New returns a Grouper for the partition. The logger is taken from the ctx of the first
// record that arrives.
func New(partitionID int, spiller spill.Manager, opts ...Option) (*Grouper, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if spiller == nil {
		return nil, errors.New("spill manager is required")
	}
	if o.memoryBudget < 0 {
		return nil, fmt.Errorf("memory budget must not be negative, got %d", o.memoryBudget)
	}
	sel, err := newSelector(o.policy)
	if err != nil {
		return nil, err
	}
	return &Grouper{
		partitionID: partitionID,
		partition:   strconv.Itoa(partitionID),
		spiller:     spiller,
		opts:        o,
		buffers:     make(map[string]*keyBuffer),
		selector:    sel,
		log:         logging.NewLogger().With("partition", partitionID),
	}, nil
}

// PartitionID returns the partition of the grouper.
func (g *Grouper) PartitionID() int {
	return g.partitionID
}

// MemoryEstimate returns the number of bytes currently buffered.
func (g *Grouper) MemoryEstimate() int64 {
	return g.memory
}

// HighWaterMark returns the largest memory estimate observed so far, including the record
// that triggered a spill.
func (g *Grouper) HighWaterMark() int64 {
	return g.highWater
}

// Add appends the record's value to its key. If the buffered bytes exceed the memory budget,
// buffers are spilled until the estimate is back within budget. A spill failure is returned
// wrapping gbkerr.ErrSpillFailure and every later call fails with the same error.
func (g *Grouper) Add(ctx context.Context, rec record.Record) error {
	switch {
	case g.state != stateActive:
		return gbkerr.ErrFinalized
	case g.err != nil:
		return g.err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	g.useLogger(ctx)
	b, ok := g.buffers[string(rec.Key)]
	if !ok {
		b = &keyBuffer{id: string(rec.Key), order: len(g.ordered), heapIndex: -1}
		g.buffers[b.id] = b
		g.ordered = append(g.ordered, b)
		keysCount.WithLabelValues(g.partition).Inc()
	}
	grow := int64(len(rec.Value))
	if len(b.values) == 0 {
		// the key is accounted while its buffer holds values
		grow = rec.Size()
	}
	b.values = append(b.values, rec.Value)
	b.size += grow
	g.memory += grow
	g.selector.touch(b)
	if g.memory > g.highWater {
		g.highWater = g.memory
	}
	groupedRecordsCount.WithLabelValues(g.partition).Inc()

	for g.memory > g.opts.memoryBudget {
		victim := g.selector.next()
		if victim == nil {
			break
		}
		if err := g.spill(ctx, victim); err != nil {
			g.err = err
			return err
		}
	}
	bufferedBytes.WithLabelValues(g.partition).Set(float64(g.memory))
	return nil
}

// spill writes the buffer as one segment and releases its memory. On failure the buffer
// is left untouched.
func (g *Grouper) spill(ctx context.Context, b *keyBuffer) error {
	if g.opts.comparator != nil {
		slices.SortStableFunc(b.values, g.opts.comparator)
	}
	h, err := g.spiller.Spill(ctx, b.keyBytes(), b.values)
	if err != nil {
		g.log.Errorw("Failed to spill buffer", zap.String("key", b.id), zap.Error(err))
		return fmt.Errorf("partition %d: failed to spill key %q, %w", g.partitionID, b.id, err)
	}
	b.segments = append(b.segments, h)
	g.memory -= b.size
	g.selector.remove(b)
	b.values = nil
	b.size = 0
	spillTriggeredCount.WithLabelValues(g.partition, string(g.opts.policy)).Inc()
	return nil
}

// Consume adds every record of r until io.EOF. If ctx is cancelled or any error occurs, the
// grouper is aborted and its spill segments released.
func (g *Grouper) Consume(ctx context.Context, r shuffle.Reader) error {
	g.useLogger(ctx)
	for {
		rec, err := r.Read(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err == nil {
			err = g.Add(ctx, rec)
		} else {
			err = fmt.Errorf("partition %d: failed to read record, %w", g.partitionID, err)
		}
		if err != nil {
			if aerr := g.Abort(context.WithoutCancel(ctx)); aerr != nil {
				g.log.Errorw("Failed to release spill segments on abort", zap.Error(aerr))
			}
			return err
		}
	}
}

// Finalize ends the input and hands every key over to an emitter.Emitter in first-seen
// order. It may only be called once, and not after a spill failure.
func (g *Grouper) Finalize() (*emitter.Emitter, error) {
	if g.state != stateActive {
		return nil, gbkerr.ErrFinalized
	}
	if g.err != nil {
		return nil, g.err
	}
	g.state = stateFinalized
	groups := make([]emitter.KeyGroup, 0, len(g.ordered))
	for _, b := range g.ordered {
		groups = append(groups, emitter.KeyGroup{Key: b.keyBytes(), Segments: b.segments, Residual: b.values})
	}
	g.log.Debugw("Finalized partition", zap.Int("keys", len(groups)), zap.Int64("bufferedBytes", g.memory), zap.Int64("highWaterMark", g.highWater))
	g.reset()
	eopts := []emitter.Option{emitter.WithPartitionID(g.partitionID)}
	if g.opts.comparator != nil {
		eopts = append(eopts, emitter.WithComparator(g.opts.comparator))
	}
	if g.opts.mergeFanIn > 0 {
		eopts = append(eopts, emitter.WithMaxFanIn(g.opts.mergeFanIn))
	}
	return emitter.New(g.spiller, groups, eopts...), nil
}

// Abort drops every buffer and releases every spill segment of the grouper. Abort can be
// called any number of times; after a successful Abort no segment of the grouper remains.
func (g *Grouper) Abort(ctx context.Context) error {
	if g.state == stateFinalized {
		return nil
	}
	g.state = stateAborted
	var err error
	for _, b := range g.ordered {
		kept := b.segments[:0]
		for _, h := range b.segments {
			if rerr := g.spiller.Release(ctx, h); rerr != nil {
				err = multierr.Append(err, rerr)
				kept = append(kept, h)
			}
		}
		b.segments = kept
		b.values = nil
	}
	g.memory = 0
	bufferedBytes.WithLabelValues(g.partition).Set(0)
	return err
}

// useLogger switches to the partition scoped logger of ctx on first use.
func (g *Grouper) useLogger(ctx context.Context) {
	if g.ctxLogger {
		return
	}
	g.ctxLogger = true
	g.log = logging.FromContext(ctx).With("partition", g.partitionID)
}

// keyBytes returns the key as bytes. The segments of a key share one copy.
func (b *keyBuffer) keyBytes() []byte {
	if len(b.segments) > 0 {
		return b.segments[0].Key
	}
	return []byte(b.id)
}

// reset drops the grouper's references once ownership moved to the emitter.
func (g *Grouper) reset() {
	g.buffers = nil
	g.ordered = nil
	g.memory = 0
	bufferedBytes.WithLabelValues(g.partition).Set(0)
	keysCount.WithLabelValues(g.partition).Set(0)
}
