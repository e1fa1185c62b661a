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

package shuffle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/numaproj/shuffler/pkg/metrics"
	"github.com/numaproj/shuffler/pkg/record"
)

// ErrExchangeClosed is returned by Send after CloseSend.
var ErrExchangeClosed = errors.New("exchange closed for sending")

// Reader pulls records one at a time. Read returns io.EOF once the input is
// exhausted; io.EOF is the only end-of-input signal.
type Reader interface {
	Read(ctx context.Context) (record.Record, error)
}

// Exchange moves records from senders to the partition that owns them.
// It is the transport the grouping engine consumes; delivery is reliable and
// exactly-once, ordering across partitions is not guaranteed.
type Exchange interface {
	// Send delivers rec to the given partition.
	Send(ctx context.Context, partition int, rec record.Record) error
	// CloseSend signals that no more records will be sent to any partition.
	CloseSend()
	// Reader returns the reader for records routed to the given partition.
	Reader(partition int) Reader
	// Partitions returns the number of partitions served by the exchange.
	Partitions() int
}

// LocalExchange is an in-process Exchange backed by one buffered channel per partition.
type LocalExchange struct {
	channels []chan record.Record
	closed   bool
	mu       sync.RWMutex
}

var _ Exchange = (*LocalExchange)(nil)

// NewLocalExchange returns a LocalExchange for n partitions, each with the given channel buffer size.
func NewLocalExchange(n int, bufferSize int) *LocalExchange {
	channels := make([]chan record.Record, n)
	for i := range channels {
		channels[i] = make(chan record.Record, bufferSize)
	}
	return &LocalExchange{channels: channels}
}

func (e *LocalExchange) Send(ctx context.Context, partition int, rec record.Record) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrExchangeClosed
	}
	if partition < 0 || partition >= len(e.channels) {
		return fmt.Errorf("partition %d out of range [0, %d)", partition, len(e.channels))
	}
	select {
	case e.channels[partition] <- rec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *LocalExchange) CloseSend() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for _, ch := range e.channels {
		close(ch)
	}
}

func (e *LocalExchange) Reader(partition int) Reader {
	return &channelReader{ch: e.channels[partition]}
}

func (e *LocalExchange) Partitions() int {
	return len(e.channels)
}

type channelReader struct {
	ch <-chan record.Record
}

func (r *channelReader) Read(ctx context.Context) (record.Record, error) {
	select {
	case rec, ok := <-r.ch:
		if !ok {
			return record.Record{}, io.EOF
		}
		return rec, nil
	case <-ctx.Done():
		return record.Record{}, ctx.Err()
	}
}

// SliceReader is a Reader over an in-memory slice of records.
type SliceReader struct {
	records []record.Record
	next    int
}

// NewSliceReader returns a Reader which yields records in order and then io.EOF.
func NewSliceReader(records []record.Record) *SliceReader {
	return &SliceReader{records: records}
}

func (s *SliceReader) Read(ctx context.Context) (record.Record, error) {
	if err := ctx.Err(); err != nil {
		return record.Record{}, err
	}
	if s.next >= len(s.records) {
		return record.Record{}, io.EOF
	}
	rec := s.records[s.next]
	s.next++
	return rec, nil
}

// Distribute reads src until io.EOF, routes every record through the partitioner
// into the exchange, and closes the exchange for sending. The exchange is closed
// on every return path so that readers observe end-of-input or their context error.
func Distribute(ctx context.Context, src Reader, p *Partitioner, ex Exchange) error {
	defer ex.CloseSend()
	if p.Partitions() != ex.Partitions() {
		return fmt.Errorf("partitioner has %d partitions, exchange has %d", p.Partitions(), ex.Partitions())
	}
	for {
		rec, err := src.Read(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read upstream record, %w", err)
		}
		idx := p.Partition(rec)
		if err = ex.Send(ctx, idx, rec); err != nil {
			return fmt.Errorf("failed to send record to partition %d, %w", idx, err)
		}
		routedRecordsCount.With(map[string]string{metrics.LabelPartition: strconv.Itoa(idx)}).Inc()
	}
}
