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

// Package segment implements the binary layout of a spill segment: an immutable run of
// values for a single key.
//
// A segment is laid out as follows (little endian):
//
//	+----------------+------------------+-----------------+---------------+-------------+
//	| magic (uint32) | version (uint32) | key-len (int32) | count (int64) | key []byte  |
//	+----------------+------------------+-----------------+---------------+-------------+
//
// followed by count entries of
//
//	+-------------------+--------------+---------------+
//	| value-len (int64) | CRC (uint32) | value []byte  |
//	+-------------------+--------------+---------------+
//
// CRC will be used for detecting value corruptions.
package segment

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

const (
	Magic   uint32 = 0x53504c53 // "SPLS"
	Version uint32 = 1

	HeaderSize      = 20
	EntryHeaderSize = 12
)

// headerPreamble is the segment header preamble (excludes variadic key)
type headerPreamble struct {
	Magic   uint32
	Version uint32
	KeyLen  int32
	Count   int64
}

// entryHeaderPreamble is the header of each value entry
type entryHeaderPreamble struct {
	ValueLen int64
	Checksum uint32
}

func calculateChecksum(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// Writer encodes one segment to an underlying io.Writer.
type Writer struct {
	w       *bufio.Writer
	count   int64
	written int64
	bytes   int64
}

// NewWriter writes the segment header for key and count values and returns a Writer
// expecting exactly count calls to Append.
func NewWriter(w io.Writer, key []byte, count int64) (*Writer, error) {
	bw := bufio.NewWriter(w)
	buf := new(bytes.Buffer)
	hp := headerPreamble{
		Magic:   Magic,
		Version: Version,
		KeyLen:  int32(len(key)),
		Count:   count,
	}
	// write the fixed values
	if err := binary.Write(buf, binary.LittleEndian, hp); err != nil {
		return nil, err
	}
	// write the variadic key
	buf.Write(key)
	n, err := bw.Write(buf.Bytes())
	if err != nil {
		return nil, err
	}
	return &Writer{w: bw, count: count, bytes: int64(n)}, nil
}

// Append encodes a single value.
func (sw *Writer) Append(value []byte) error {
	if sw.written >= sw.count {
		return fmt.Errorf("segment declared %d values, refusing to write more", sw.count)
	}
	eh := entryHeaderPreamble{
		ValueLen: int64(len(value)),
		Checksum: calculateChecksum(value),
	}
	if err := binary.Write(sw.w, binary.LittleEndian, eh); err != nil {
		return err
	}
	wrote, err := sw.w.Write(value)
	if err != nil {
		return err
	}
	if wrote != len(value) {
		return fmt.Errorf("expected to write %d, but wrote only %d, %w", len(value), wrote, io.ErrShortWrite)
	}
	sw.written++
	sw.bytes += EntryHeaderSize + int64(wrote)
	return nil
}

// Flush verifies every declared value was appended and flushes buffered data.
// It does not close the underlying writer.
func (sw *Writer) Flush() error {
	if sw.written != sw.count {
		return fmt.Errorf("segment declared %d values, but only %d were written", sw.count, sw.written)
	}
	return sw.w.Flush()
}

// Size returns the number of encoded bytes produced so far.
func (sw *Writer) Size() int64 {
	return sw.bytes
}
