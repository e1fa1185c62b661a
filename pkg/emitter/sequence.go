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

package emitter

import (
	"container/heap"
	"context"
	"io"
	"slices"

	"go.uber.org/multierr"

	"github.com/numaproj/shuffler/pkg/gbkerr"
	"github.com/numaproj/shuffler/pkg/spill"
)

// GroupSequence is the lazy, single-pass sequence of a key's values.
//
// Without a comparator the values of each spilled segment come first, in spill order,
// followed by the values still held in memory. That order depends on when the memory budget
// was hit and is not stable across runs. With a comparator the runs are merged and values
// come out in comparator order, ties broken by run order.
//
// Once the sequence has returned io.EOF, or after it has been closed, Next and ForEach fail
// with gbkerr.ErrAlreadyConsumed. A GroupSequence is not safe for concurrent use.
type GroupSequence struct {
	key      []byte
	spiller  spill.Manager
	segments []spill.Handle
	released []bool
	residual [][]byte
	cmp      Comparator
	opts     *options

	// unordered iteration
	segIdx  int
	current *spill.SegmentReader
	resIdx  int

	// ordered iteration
	merge *mergeHeap

	forEachCalled bool
	done          bool
	err           error
}

func newGroupSequence(spiller spill.Manager, kg KeyGroup, opts *options) *GroupSequence {
	return &GroupSequence{
		key:      kg.Key,
		spiller:  spiller,
		segments: kg.Segments,
		released: make([]bool, len(kg.Segments)),
		residual: kg.Residual,
		cmp:      opts.comparator,
		opts:     opts,
	}
}

// Count returns the total number of values of the key.
func (s *GroupSequence) Count() int64 {
	n := int64(len(s.residual))
	for _, h := range s.segments {
		n += h.Count
	}
	return n
}

// Next returns the next value, or io.EOF when there are no more values. Reaching the end
// releases the key's spill segments.
func (s *GroupSequence) Next(ctx context.Context) ([]byte, error) {
	if s.done {
		return nil, gbkerr.ErrAlreadyConsumed
	}
	if s.err != nil {
		return nil, s.err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var (
		v   []byte
		err error
	)
	if s.cmp != nil {
		v, err = s.nextMerged(ctx)
	} else {
		v, err = s.nextInOrder(ctx)
	}
	if err == io.EOF {
		s.done = true
		if rerr := s.releaseAll(ctx); rerr != nil {
			return nil, rerr
		}
		return nil, io.EOF
	}
	if err != nil {
		s.err = err
		return nil, err
	}
	emittedValuesCount.WithLabelValues(s.opts.partition).Inc()
	return v, nil
}

// ForEach calls fn with every remaining value. It may only be called once.
func (s *GroupSequence) ForEach(ctx context.Context, fn func([]byte) error) error {
	if s.forEachCalled || s.done {
		return gbkerr.ErrAlreadyConsumed
	}
	s.forEachCalled = true
	for {
		v, err := s.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(v); err != nil {
			return err
		}
	}
}

// Close stops the iteration and releases the key's spill segments that are still held.
func (s *GroupSequence) Close(ctx context.Context) error {
	s.done = true
	var err error
	if s.current != nil {
		err = multierr.Append(err, s.current.Close())
		s.current = nil
	}
	if s.merge != nil {
		for _, c := range s.merge.cursors {
			if c.reader != nil {
				err = multierr.Append(err, c.reader.Close())
			}
		}
		s.merge = nil
	}
	s.residual = nil
	return multierr.Append(err, s.releaseAll(ctx))
}

func (s *GroupSequence) release(ctx context.Context, i int) error {
	if s.released[i] {
		return nil
	}
	if err := s.spiller.Release(ctx, s.segments[i]); err != nil {
		return err
	}
	s.released[i] = true
	return nil
}

func (s *GroupSequence) releaseAll(ctx context.Context) error {
	var err error
	for i := range s.segments {
		err = multierr.Append(err, s.release(ctx, i))
	}
	return err
}

// nextInOrder walks the segments in spill order and then the residual values. A segment is
// released as soon as its last value has been read.
func (s *GroupSequence) nextInOrder(ctx context.Context) ([]byte, error) {
	for s.segIdx < len(s.segments) {
		if s.current == nil {
			r, err := s.spiller.Read(ctx, s.segments[s.segIdx])
			if err != nil {
				return nil, err
			}
			s.current = r
		}
		v, err := s.current.Next()
		if err == nil {
			return v, nil
		}
		if err != io.EOF {
			return nil, err
		}
		s.current = nil
		if err := s.release(ctx, s.segIdx); err != nil {
			return nil, err
		}
		s.segIdx++
	}
	if s.resIdx < len(s.residual) {
		v := s.residual[s.resIdx]
		s.residual[s.resIdx] = nil
		s.resIdx++
		return v, nil
	}
	return nil, io.EOF
}

// nextMerged returns the smallest head among all runs.
func (s *GroupSequence) nextMerged(ctx context.Context) ([]byte, error) {
	if s.merge == nil {
		if err := s.startMerge(ctx); err != nil {
			return nil, err
		}
	}
	if s.merge.Len() == 0 {
		return nil, io.EOF
	}
	c := s.merge.cursors[0]
	v := c.head
	more, err := s.advance(ctx, c)
	if err != nil {
		return nil, err
	}
	if more {
		heap.Fix(s.merge, 0)
	} else {
		heap.Pop(s.merge)
	}
	return v, nil
}

// startMerge opens every run and loads its first value. Keys with more runs than the fan-in
// are compacted first.
func (s *GroupSequence) startMerge(ctx context.Context) error {
	if err := s.compact(ctx); err != nil {
		return err
	}
	m := &mergeHeap{cmp: s.cmp}
	// run order: segments in spill order, the residual last
	for i := range s.segments {
		r, err := s.spiller.Read(ctx, s.segments[i])
		if err != nil {
			for _, c := range m.cursors {
				_ = c.reader.Close()
			}
			return err
		}
		m.cursors = append(m.cursors, &cursor{run: i, reader: r})
	}
	if len(s.residual) > 0 {
		residual := slices.Clone(s.residual)
		slices.SortStableFunc(residual, s.cmp)
		m.cursors = append(m.cursors, &cursor{run: len(s.segments), residual: residual})
	}
	s.merge = m
	live := m.cursors[:0]
	for _, c := range m.cursors {
		more, err := s.advance(ctx, c)
		if err != nil {
			return err
		}
		if more {
			live = append(live, c)
		}
	}
	m.cursors = live
	heap.Init(m)
	return nil
}

// compact merges adjacent groups of at most maxFanIn segments into single sorted segments,
// pass after pass, until the segments and the residual fit into one merge. Each merged
// segment takes the place of its inputs, so ties keep following run order.
func (s *GroupSequence) compact(ctx context.Context) error {
	fanIn := s.opts.maxFanIn
	if fanIn < 2 {
		fanIn = DefaultMaxFanIn
	}
	limit := fanIn
	if len(s.residual) > 0 {
		limit--
	}
	for len(s.segments) > limit {
		segs := s.segments
		next := make([]spill.Handle, 0, (len(segs)+fanIn-1)/fanIn)
		for i := 0; i < len(segs); i += fanIn {
			end := min(i+fanIn, len(segs))
			if end-i == 1 {
				next = append(next, segs[i])
				continue
			}
			h, err := s.mergeSegments(ctx, segs[i:end])
			if err != nil {
				s.setSegments(append(next, segs[i:]...))
				return err
			}
			next = append(next, h)
			mergePassesCount.WithLabelValues(s.opts.partition).Inc()
			var rerr error
			for _, in := range segs[i:end] {
				rerr = multierr.Append(rerr, s.spiller.Release(ctx, in))
			}
			if rerr != nil {
				// inputs that could not be released stay with the sequence for Close
				s.setSegments(append(next, segs[i:]...))
				return rerr
			}
		}
		s.setSegments(next)
	}
	return nil
}

func (s *GroupSequence) setSegments(segs []spill.Handle) {
	s.segments = segs
	s.released = make([]bool, len(segs))
}

// mergeSegments streams the sorted merge of segs into a new segment. The inputs are left
// for the caller to release.
func (s *GroupSequence) mergeSegments(ctx context.Context, segs []spill.Handle) (spill.Handle, error) {
	m := &mergeHeap{cmp: s.cmp}
	readers := make([]*spill.SegmentReader, 0, len(segs))
	defer func() {
		for _, r := range readers {
			_ = r.Close()
		}
	}()
	var count int64
	for i, h := range segs {
		r, err := s.spiller.Read(ctx, h)
		if err != nil {
			return spill.Handle{}, err
		}
		readers = append(readers, r)
		count += h.Count
		c := &cursor{run: i, reader: r}
		more, err := c.load()
		if err != nil {
			return spill.Handle{}, err
		}
		if more {
			m.cursors = append(m.cursors, c)
		}
	}
	heap.Init(m)
	return s.spiller.SpillFrom(ctx, s.key, count, func() ([]byte, error) {
		if m.Len() == 0 {
			return nil, io.EOF
		}
		c := m.cursors[0]
		v := c.head
		more, err := c.load()
		if err != nil {
			return nil, err
		}
		if more {
			heap.Fix(m, 0)
		} else {
			heap.Pop(m)
		}
		return v, nil
	})
}

// advance loads the next value of the cursor's run, releasing the run's segment once it is
// exhausted.
func (s *GroupSequence) advance(ctx context.Context, c *cursor) (bool, error) {
	fromSegment := c.reader != nil
	more, err := c.load()
	if err != nil || more || !fromSegment {
		return more, err
	}
	return false, s.release(ctx, c.run)
}

type cursor struct {
	run      int
	head     []byte
	reader   *spill.SegmentReader
	residual [][]byte
}

// load moves the cursor to the next value of its run.
func (c *cursor) load() (bool, error) {
	if c.reader == nil {
		if len(c.residual) == 0 {
			c.head = nil
			return false, nil
		}
		c.head = c.residual[0]
		c.residual = c.residual[1:]
		return true, nil
	}
	v, err := c.reader.Next()
	if err == nil {
		c.head = v
		return true, nil
	}
	c.reader = nil
	c.head = nil
	if err != io.EOF {
		return false, err
	}
	return false, nil
}

// mergeHeap is a min-heap of run cursors ordered by their head value.
type mergeHeap struct {
	cursors []*cursor
	cmp     Comparator
}

func (h *mergeHeap) Len() int { return len(h.cursors) }

func (h *mergeHeap) Less(i, j int) bool {
	if c := h.cmp(h.cursors[i].head, h.cursors[j].head); c != 0 {
		return c < 0
	}
	return h.cursors[i].run < h.cursors[j].run
}

func (h *mergeHeap) Swap(i, j int) { h.cursors[i], h.cursors[j] = h.cursors[j], h.cursors[i] }

func (h *mergeHeap) Push(x any) { h.cursors = append(h.cursors, x.(*cursor)) }

func (h *mergeHeap) Pop() any {
	old := h.cursors
	n := len(old)
	c := old[n-1]
	old[n-1] = nil
	h.cursors = old[:n-1]
	return c
}
