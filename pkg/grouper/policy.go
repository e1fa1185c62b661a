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

package grouper

import (
	"container/heap"
	"fmt"
	"math"
	"strings"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// SpillPolicy decides which buffer is spilled first when a partition is over budget.
type SpillPolicy string

const (
	// LargestFirst spills the biggest buffer first, minimizing the number of segments.
	LargestFirst SpillPolicy = "largest-first"
	// OldestFirst spills the buffer that has gone the longest without an append.
	OldestFirst SpillPolicy = "oldest-first"
)

// ParseSpillPolicy parses a policy name, the empty string means LargestFirst.
func ParseSpillPolicy(s string) (SpillPolicy, error) {
	switch p := SpillPolicy(strings.ToLower(s)); p {
	case "":
		return LargestFirst, nil
	case LargestFirst, OldestFirst:
		return p, nil
	default:
		return "", fmt.Errorf("unsupported spill selection policy %q", s)
	}
}

// selector tracks the non-empty buffers and picks spill victims.
type selector interface {
	// touch is called after a value was appended to b.
	touch(b *keyBuffer)
	// remove forgets b, it is called once b has been spilled.
	remove(b *keyBuffer)
	// next returns the next victim, nil if there are no buffers.
	next() *keyBuffer
}

func newSelector(p SpillPolicy) (selector, error) {
	switch p {
	case LargestFirst:
		return &largestFirst{}, nil
	case OldestFirst:
		// entries are removed explicitly, the size only has to be large enough to never evict
		lru, err := simplelru.NewLRU[string, *keyBuffer](math.MaxInt, nil)
		if err != nil {
			return nil, err
		}
		return &oldestFirst{lru: lru}, nil
	default:
		return nil, fmt.Errorf("unsupported spill selection policy %q", p)
	}
}

// largestFirst is a max-heap of buffers by size.
type largestFirst struct {
	buffers []*keyBuffer
}

func (l *largestFirst) touch(b *keyBuffer) {
	if b.heapIndex < 0 {
		heap.Push(l, b)
		return
	}
	heap.Fix(l, b.heapIndex)
}

func (l *largestFirst) remove(b *keyBuffer) {
	if b.heapIndex >= 0 {
		heap.Remove(l, b.heapIndex)
	}
}

func (l *largestFirst) next() *keyBuffer {
	if len(l.buffers) == 0 {
		return nil
	}
	return l.buffers[0]
}

func (l *largestFirst) Len() int { return len(l.buffers) }

func (l *largestFirst) Less(i, j int) bool {
	if l.buffers[i].size != l.buffers[j].size {
		return l.buffers[i].size > l.buffers[j].size
	}
	// equal sizes spill in first-seen order
	return l.buffers[i].order < l.buffers[j].order
}

func (l *largestFirst) Swap(i, j int) {
	l.buffers[i], l.buffers[j] = l.buffers[j], l.buffers[i]
	l.buffers[i].heapIndex = i
	l.buffers[j].heapIndex = j
}

func (l *largestFirst) Push(x any) {
	b := x.(*keyBuffer)
	b.heapIndex = len(l.buffers)
	l.buffers = append(l.buffers, b)
}

func (l *largestFirst) Pop() any {
	old := l.buffers
	n := len(old)
	b := old[n-1]
	old[n-1] = nil
	b.heapIndex = -1
	l.buffers = old[:n-1]
	return b
}

// oldestFirst orders buffers by their last append, least recent first.
type oldestFirst struct {
	lru *simplelru.LRU[string, *keyBuffer]
}

func (o *oldestFirst) touch(b *keyBuffer) {
	// Add moves an existing entry to the front
	o.lru.Add(b.id, b)
}

func (o *oldestFirst) remove(b *keyBuffer) {
	o.lru.Remove(b.id)
}

func (o *oldestFirst) next() *keyBuffer {
	_, b, ok := o.lru.GetOldest()
	if !ok {
		return nil
	}
	return b
}
