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
	"errors"
	"io"

	"github.com/numaproj/shuffler/pkg/gbkerr"
	"github.com/numaproj/shuffler/pkg/spill/segment"
)

var errReaderClosed = errors.New("segment reader is closed")

// SegmentReader streams the values of one segment. Only the current value is held in memory.
type SegmentReader struct {
	handle    Handle
	closer    io.Closer
	dec       *segment.Reader
	partition string
	err       error
}

// Handle returns the handle the reader was opened with.
func (r *SegmentReader) Handle() Handle {
	return r.handle
}

// Next returns the next value, io.EOF once every value has been returned. The reader closes
// itself on io.EOF or on error; the error is sticky.
func (r *SegmentReader) Next() ([]byte, error) {
	if r.err != nil {
		return nil, r.err
	}
	v, err := r.dec.Next()
	if err == nil {
		return v, nil
	}
	// truncated data is reported as corrupt and also wraps io.EOF
	if errors.Is(err, io.EOF) && !errors.Is(err, gbkerr.ErrCorruptSegment) {
		r.err = io.EOF
	} else {
		spillErrorsCount.WithLabelValues(r.partition, "read").Inc()
		r.err = classifyReadError(r.handle, err)
	}
	_ = r.closer.Close()
	return nil, r.err
}

// Close releases the underlying store reader. It does not release the segment.
func (r *SegmentReader) Close() error {
	if r.err != nil {
		return nil
	}
	r.err = errReaderClosed
	return r.closer.Close()
}
