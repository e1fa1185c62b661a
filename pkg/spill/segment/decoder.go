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

package segment

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/numaproj/shuffler/pkg/gbkerr"
)

// maxKeyLen and maxValueLen bound allocations driven by an untrusted header.
const (
	maxKeyLen   = 1 << 30
	maxValueLen = 1 << 40
)

// readChunkSize is the largest buffer allocated up front for a value. Longer values grow
// with the bytes actually present, so a corrupt length cannot allocate more than the data.
const readChunkSize = 64 * 1024

var errChecksumMismatch = fmt.Errorf("%w: data checksum not match", gbkerr.ErrCorruptSegment)

type readerOptions struct {
	expectedKey []byte
	verifyKey   bool
	dataBytes   int64
}

// ReaderOption configures a Reader.
type ReaderOption func(*readerOptions)

// WithExpectedKey rejects a segment whose header key is not key before the key is read.
func WithExpectedKey(key []byte) ReaderOption {
	return func(o *readerOptions) {
		o.expectedKey = key
		o.verifyKey = true
	}
}

// WithDataBytes sets the total number of value bytes the segment holds. A value length
// above what is left of that total is reported as corrupt.
func WithDataBytes(n int64) ReaderOption {
	return func(o *readerOptions) {
		o.dataBytes = n
	}
}

// Reader decodes a segment one value at a time.
type Reader struct {
	r     *bufio.Reader
	key   []byte
	count int64
	read  int64
	// remaining value bytes, negative when unknown
	remaining int64
}

// NewReader decodes the segment header from r. Only the header and the key are read.
func NewReader(r io.Reader, opts ...ReaderOption) (*Reader, error) {
	o := &readerOptions{dataBytes: -1}
	for _, opt := range opts {
		opt(o)
	}
	br := bufio.NewReader(r)
	var hp headerPreamble
	if err := binary.Read(br, binary.LittleEndian, &hp); err != nil {
		return nil, corruptOnEOF(err, "header")
	}
	if hp.Magic != Magic {
		return nil, fmt.Errorf("%w: bad magic %#x", gbkerr.ErrCorruptSegment, hp.Magic)
	}
	if hp.Version != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", gbkerr.ErrCorruptSegment, hp.Version)
	}
	if hp.KeyLen < 0 || hp.KeyLen > maxKeyLen || hp.Count < 0 {
		return nil, fmt.Errorf("%w: invalid header key-len=%d count=%d", gbkerr.ErrCorruptSegment, hp.KeyLen, hp.Count)
	}
	if o.verifyKey && int(hp.KeyLen) != len(o.expectedKey) {
		return nil, fmt.Errorf("%w: key length %d, expected %d", gbkerr.ErrCorruptSegment, hp.KeyLen, len(o.expectedKey))
	}
	key, err := readBounded(br, int64(hp.KeyLen))
	if err != nil {
		return nil, corruptOnEOF(err, "key")
	}
	sr := &Reader{r: br, key: key, count: hp.Count, remaining: o.dataBytes}
	if o.verifyKey {
		if err := sr.VerifyKey(o.expectedKey); err != nil {
			return nil, err
		}
	}
	return sr, nil
}

// Key returns the key stored in the segment header.
func (sr *Reader) Key() []byte {
	return sr.key
}

// Count returns the number of values declared by the segment header.
func (sr *Reader) Count() int64 {
	return sr.count
}

// VerifyKey fails with ErrCorruptSegment unless the segment belongs to key.
func (sr *Reader) VerifyKey(key []byte) error {
	if !bytes.Equal(sr.key, key) {
		return fmt.Errorf("%w: segment key %q does not match %q", gbkerr.ErrCorruptSegment, sr.key, key)
	}
	return nil
}

// Next returns the next value, or io.EOF after the declared number of values.
// Errors wrap gbkerr.ErrCorruptSegment when the data cannot be decoded; errors of the
// underlying reader are returned as they are.
func (sr *Reader) Next() ([]byte, error) {
	if sr.read >= sr.count {
		return nil, io.EOF
	}
	var eh entryHeaderPreamble
	if err := binary.Read(sr.r, binary.LittleEndian, &eh); err != nil {
		return nil, corruptOnEOF(err, "entry header")
	}
	if eh.ValueLen < 0 || eh.ValueLen > maxValueLen {
		return nil, fmt.Errorf("%w: invalid value length %d", gbkerr.ErrCorruptSegment, eh.ValueLen)
	}
	if sr.remaining >= 0 && eh.ValueLen > sr.remaining {
		return nil, fmt.Errorf("%w: value length %d exceeds the %d bytes left in the segment", gbkerr.ErrCorruptSegment, eh.ValueLen, sr.remaining)
	}
	value, err := readBounded(sr.r, eh.ValueLen)
	if err != nil {
		return nil, corruptOnEOF(err, "value")
	}
	// verify the checksum
	if calculateChecksum(value) != eh.Checksum {
		return nil, errChecksumMismatch
	}
	sr.read++
	if sr.remaining >= 0 {
		sr.remaining -= eh.ValueLen
	}
	return value, nil
}

// readBounded reads exactly n bytes. Only readChunkSize bytes are allocated before any data
// has been read.
func readBounded(r io.Reader, n int64) ([]byte, error) {
	if n <= readChunkSize {
		b := make([]byte, n)
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, err
		}
		return b, nil
	}
	var buf bytes.Buffer
	buf.Grow(readChunkSize)
	copied, err := io.CopyN(&buf, r, n)
	if err != nil {
		if errors.Is(err, io.EOF) && copied < n {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf.Bytes(), nil
}

// corruptOnEOF converts a premature end of data into ErrCorruptSegment.
func corruptOnEOF(err error, what string) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: truncated %s: %w", gbkerr.ErrCorruptSegment, what, err)
	}
	return err
}
