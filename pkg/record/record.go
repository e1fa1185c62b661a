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

// Package record defines the key/value pair that flows through the shuffle.
// Keys and values are already encoded by an external coder and are treated
// as opaque bytes; only key equality and key hashing are ever observed.
package record

// Record is an encoded (key, value) pair. A Record must not be mutated once produced.
type Record struct {
	Key   []byte
	Value []byte
}

// New returns a Record for the given key and value.
func New(key, value []byte) Record {
	return Record{Key: key, Value: value}
}

// Size returns the number of bytes held by the record. The grouper accounts a record with
// this size when it opens a key's buffer.
func (r Record) Size() int64 {
	return int64(len(r.Key) + len(r.Value))
}
