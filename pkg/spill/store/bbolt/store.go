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

// Package bbolt is a Store backed by a single bbolt database file. Each segment is a nested
// bucket holding the segment bytes split into fixed size chunks, so neither writing nor
// reading a segment needs to hold it in memory.
package bbolt

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/numaproj/shuffler/pkg/spill/store"
)

var (
	segmentsBucket = []byte("segments")
	// committedKey marks a fully written segment, its value is the number of chunks.
	// Chunk keys are always 8 bytes long so they never collide with it.
	committedKey = []byte("committed")
)

type bboltStore struct {
	db     *bolt.DB
	opts   *options
	closed bool
	mu     sync.RWMutex
}

// NewBboltStore opens (or creates) the database at dbPath.
func NewBboltStore(dbPath string, opts ...Option) (store.Store, error) {
	o := &options{
		chunkSize:   DefaultChunkSize,
		openTimeout: DefaultOpenTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: o.openTimeout, NoSync: o.noSync})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(segmentsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &bboltStore{db: db, opts: o}, nil
}

func chunkKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

func (s *bboltStore) Create(_ context.Context, id string) (io.WriteCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrStoreClosed
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(segmentsBucket)
		if root.Bucket([]byte(id)) != nil {
			return store.ErrSegmentExists
		}
		_, err := root.CreateBucket([]byte(id))
		return err
	})
	if err != nil {
		return nil, err
	}
	return &chunkWriter{store: s, id: []byte(id), buf: make([]byte, 0, s.opts.chunkSize)}, nil
}

func (s *bboltStore) Open(_ context.Context, id string) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrStoreClosed
	}
	var chunks uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(segmentsBucket).Bucket([]byte(id))
		if bkt == nil {
			return store.ErrSegmentNotFound
		}
		v := bkt.Get(committedKey)
		if v == nil {
			// still being written
			return store.ErrSegmentNotFound
		}
		chunks = binary.BigEndian.Uint64(v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &chunkReader{store: s, id: []byte(id), chunks: chunks}, nil
}

func (s *bboltStore) Delete(_ context.Context, id string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.ErrStoreClosed
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		err := tx.Bucket(segmentsBucket).DeleteBucket([]byte(id))
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return store.ErrSegmentNotFound
		}
		return err
	})
}

// Close drops segments that were never committed and closes the database.
func (s *bboltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(segmentsBucket)
		var pending [][]byte
		err := root.ForEachBucket(func(k []byte) error {
			if root.Bucket(k).Get(committedKey) == nil {
				pending = append(pending, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range pending {
			if err := root.DeleteBucket(k); err != nil {
				return err
			}
		}
		return nil
	})
	return errors.Join(err, s.db.Close())
}

// update runs fn in a read-write transaction on the segment bucket.
func (s *bboltStore) update(id []byte, fn func(bkt *bolt.Bucket) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.ErrStoreClosed
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(segmentsBucket).Bucket(id)
		if bkt == nil {
			return store.ErrSegmentNotFound
		}
		return fn(bkt)
	})
}

// view runs fn in a read-only transaction on the segment bucket.
func (s *bboltStore) view(id []byte, fn func(bkt *bolt.Bucket) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.ErrStoreClosed
	}
	return s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(segmentsBucket).Bucket(id)
		if bkt == nil {
			return store.ErrSegmentNotFound
		}
		return fn(bkt)
	})
}

// chunkWriter buffers writes and stores one chunk per transaction.
type chunkWriter struct {
	store  *bboltStore
	id     []byte
	buf    []byte
	seq    uint64
	closed bool
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, store.ErrStoreClosed
	}
	written := 0
	for len(p) > 0 {
		n := copy(w.buf[len(w.buf):cap(w.buf)], p)
		w.buf = w.buf[:len(w.buf)+n]
		p = p[n:]
		written += n
		if len(w.buf) == cap(w.buf) {
			if err := w.store.update(w.id, w.putChunk); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

func (w *chunkWriter) putChunk(bkt *bolt.Bucket) error {
	if len(w.buf) == 0 {
		return nil
	}
	// bbolt keeps a reference to the value until the transaction commits
	chunk := make([]byte, len(w.buf))
	copy(chunk, w.buf)
	if err := bkt.Put(chunkKey(w.seq), chunk); err != nil {
		return err
	}
	w.seq++
	w.buf = w.buf[:0]
	return nil
}

// Close stores the last chunk and commits the segment in the same transaction.
func (w *chunkWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.store.update(w.id, func(bkt *bolt.Bucket) error {
		if err := w.putChunk(bkt); err != nil {
			return err
		}
		return bkt.Put(committedKey, chunkKey(w.seq))
	})
}

// chunkReader fetches one chunk at a time.
type chunkReader struct {
	store  *bboltStore
	id     []byte
	chunks uint64
	next   uint64
	buf    []byte
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.next >= r.chunks {
			return 0, io.EOF
		}
		err := r.store.view(r.id, func(bkt *bolt.Bucket) error {
			v := bkt.Get(chunkKey(r.next))
			if v == nil {
				return fmt.Errorf("segment %s is missing chunk %d, %w", r.id, r.next, io.ErrUnexpectedEOF)
			}
			// the value is only valid during the transaction
			r.buf = append(r.buf[:0], v...)
			return nil
		})
		if err != nil {
			return 0, err
		}
		r.next++
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *chunkReader) Close() error {
	r.buf = nil
	r.next = r.chunks
	return nil
}
