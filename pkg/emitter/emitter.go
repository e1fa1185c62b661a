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

// Package emitter hands finalized key groups downstream. Each group exposes its values as a
// lazy single-pass GroupSequence, spilled values are read from secondary storage on demand.
package emitter

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/multierr"

	"github.com/numaproj/shuffler/pkg/spill"
)

// KeyGroup is a finalized key: the segments spilled for it, in spill order, and the values
// still held in memory.
type KeyGroup struct {
	Key      []byte
	Segments []spill.Handle
	Residual [][]byte
}

// Group is one key with all of its values.
type Group struct {
	Key    []byte
	Values *GroupSequence
}

// Emitter yields the groups of one partition in the order their keys were first seen.
// It is not safe for concurrent use.
type Emitter struct {
	spiller spill.Manager
	groups  []KeyGroup
	next    int
	issued  []*GroupSequence
	opts    *options
	closed  bool
}

// New takes ownership of groups and of their spill segments.
func New(spiller spill.Manager, groups []KeyGroup, opts ...Option) *Emitter {
	o := &options{maxFanIn: DefaultMaxFanIn, partition: "-1"}
	for _, opt := range opts {
		opt(o)
	}
	return &Emitter{
		spiller: spiller,
		groups:  groups,
		opts:    o,
	}
}

// Len returns the total number of groups, including those already emitted.
func (e *Emitter) Len() int {
	return len(e.groups)
}

// Next returns the next group, or io.EOF once every group has been returned.
func (e *Emitter) Next(ctx context.Context) (*Group, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.closed || e.next >= len(e.groups) {
		return nil, io.EOF
	}
	kg := e.groups[e.next]
	// the sequence owns the values from now on
	e.groups[e.next] = KeyGroup{}
	e.next++
	seq := newGroupSequence(e.spiller, kg, e.opts)
	e.issued = append(e.issued, seq)
	emittedGroupsCount.WithLabelValues(e.opts.partition).Inc()
	return &Group{Key: kg.Key, Values: seq}, nil
}

// ForEach calls fn for every remaining group. The group's values are only valid during fn;
// whatever fn leaves unread is discarded and its segments are released when fn returns.
func (e *Emitter) ForEach(ctx context.Context, fn func(*Group) error) error {
	for {
		g, err := e.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		err = fn(g)
		if cerr := g.Values.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("failed to emit group %q, %w", g.Key, err)
		}
	}
}

// Close releases the segments of every group that has not been fully drained. It is safe
// to call Close more than once.
func (e *Emitter) Close(ctx context.Context) error {
	var err error
	for _, seq := range e.issued {
		err = multierr.Append(err, seq.Close(ctx))
	}
	for i := e.next; i < len(e.groups); i++ {
		for _, h := range e.groups[i].Segments {
			err = multierr.Append(err, e.spiller.Release(ctx, h))
		}
		e.groups[i] = KeyGroup{}
	}
	e.next = len(e.groups)
	e.issued = nil
	e.closed = true
	return err
}
