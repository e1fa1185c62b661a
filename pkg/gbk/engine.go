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

// Package gbk runs a group-by-key over a bounded input: records are routed to partitions by
// key hash, every partition groups its records under its own memory budget, and the groups
// are handed to a sink.
package gbk

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/numaproj/shuffler/pkg/config"
	"github.com/numaproj/shuffler/pkg/emitter"
	"github.com/numaproj/shuffler/pkg/gbkerr"
	"github.com/numaproj/shuffler/pkg/grouper"
	"github.com/numaproj/shuffler/pkg/shared/logging"
	"github.com/numaproj/shuffler/pkg/shuffle"
	"github.com/numaproj/shuffler/pkg/spill"
	"github.com/numaproj/shuffler/pkg/spill/store"
)

// Sink receives the groups of a partition. It is called concurrently for different
// partitions, and sequentially within a partition in first-seen key order. The group's values
// are only valid until the sink returns.
type Sink func(ctx context.Context, partition int, g *emitter.Group) error

// Engine runs group-by-key operations. An Engine can run any number of operations, one
// after the other or concurrently, they share the spill store.
type Engine struct {
	cfg         *config.Config
	partitioner *shuffle.Partitioner
	policy      grouper.SpillPolicy
	compression spill.Compression
	store       store.Store
	ownsStore   bool
	opts        *options
}

// NewEngine validates the configuration and opens the spill store.
func NewEngine(cfg *config.Config, opts ...Option) (*Engine, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration, %w", err)
	}
	hasher, err := shuffle.NewKeyHasher(shuffle.HashType(strings.ToLower(cfg.Hash)))
	if err != nil {
		return nil, err
	}
	partitioner, err := shuffle.NewPartitioner(cfg.PartitionCount, hasher)
	if err != nil {
		return nil, err
	}
	policy, err := grouper.ParseSpillPolicy(cfg.SpillSelectionPolicy)
	if err != nil {
		return nil, err
	}
	compression, err := spill.ParseCompression(cfg.Spill.Compression)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:         cfg,
		partitioner: partitioner,
		policy:      policy,
		compression: compression,
		store:       o.store,
		opts:        o,
	}
	if e.store == nil {
		if e.store, err = OpenStore(cfg.Spill); err != nil {
			return nil, fmt.Errorf("failed to open spill store, %w", err)
		}
		e.ownsStore = true
	}
	return e, nil
}

// Partitioner returns the partitioner routing the records.
func (e *Engine) Partitioner() *shuffle.Partitioner {
	return e.partitioner
}

// Run groups every record of source and passes the groups to sink. The first error of any
// partition, of the source or of the sink cancels every other partition; all spill segments
// are released before Run returns.
func (e *Engine) Run(ctx context.Context, source shuffle.Reader, sink Sink) error {
	log := logging.FromContext(ctx)
	n := e.partitioner.Partitions()
	ex := shuffle.NewLocalExchange(n, e.cfg.ExchangeBufferSize)
	g, gctx := errgroup.WithContext(ctx)

	var distErr error
	distributed := make(chan struct{})
	g.Go(func() error {
		defer close(distributed)
		distErr = shuffle.Distribute(gctx, source, e.partitioner, ex)
		return distErr
	})
	for i := 0; i < n; i++ {
		partition := i
		g.Go(func() error {
			return e.runPartition(gctx, partition, ex.Reader(partition), distributed, &distErr, sink)
		})
	}
	if err := g.Wait(); err != nil {
		// storage failures are re-run from the input, anything else is reported as is
		log.Errorw("Group by key failed", zap.Bool("rerunnable", gbkerr.IsFatal(err)), zap.Error(err))
		return err
	}
	log.Infow("Group by key finished", zap.Int("partitions", n))
	return nil
}

func (e *Engine) runPartition(ctx context.Context, partition int, r shuffle.Reader, distributed <-chan struct{}, distErr *error, sink Sink) (err error) {
	log := logging.FromContext(ctx).With("partition", partition)
	ctx = logging.WithLogger(ctx, log)
	mgr := spill.NewManager(e.store, spill.WithCompression(e.compression), spill.WithPartitionID(partition))
	// nothing of this partition may outlive the run
	defer func() {
		if rerr := mgr.ReleaseAll(context.WithoutCancel(ctx)); rerr != nil {
			log.Errorw("Failed to release spill segments", zap.Error(rerr))
			err = multierr.Append(err, rerr)
		}
	}()

	gopts := []grouper.Option{grouper.WithMemoryBudget(e.cfg.MemoryBudgetBytes), grouper.WithSpillPolicy(e.policy), grouper.WithMergeFanIn(e.cfg.MergeFanIn)}
	if e.opts.comparator != nil {
		gopts = append(gopts, grouper.WithValueComparator(e.opts.comparator))
	}
	grp, err := grouper.New(partition, mgr, gopts...)
	if err != nil {
		return err
	}
	if err = grp.Consume(ctx, r); err != nil {
		return fmt.Errorf("partition %d: %w", partition, err)
	}
	// end of input is only trusted once the source was read completely
	<-distributed
	if *distErr != nil {
		_ = grp.Abort(context.WithoutCancel(ctx))
		return fmt.Errorf("partition %d: input incomplete, %w", partition, *distErr)
	}
	em, err := grp.Finalize()
	if err != nil {
		return fmt.Errorf("partition %d: %w", partition, err)
	}
	defer func() {
		err = multierr.Append(err, em.Close(context.WithoutCancel(ctx)))
	}()
	log.Debugw("Emitting groups", zap.Int("keys", em.Len()), zap.Int64("highWaterMark", grp.HighWaterMark()))
	return em.ForEach(ctx, func(g *emitter.Group) error {
		return sink(ctx, partition, g)
	})
}

// Close closes the spill store if the engine opened it.
func (e *Engine) Close() error {
	if e.ownsStore {
		return e.store.Close()
	}
	return nil
}
