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

// Package gbkerr holds the errors surfaced by the group-by-key engine.
// Errors returned by the engine wrap one of these sentinels and must be
// matched with errors.Is.
package gbkerr

import "errors"

var (
	// ErrSpillFailure indicates secondary storage could not persist or return spilled data.
	// It is fatal for the partition; the enclosing engine is expected to re-run it.
	ErrSpillFailure = errors.New("spill failure")
	// ErrAlreadyConsumed is returned when a GroupSequence is iterated more than once.
	ErrAlreadyConsumed = errors.New("group sequence already consumed")
	// ErrCorruptSegment is returned when a spilled segment fails to decode.
	ErrCorruptSegment = errors.New("corrupt spill segment")
	// ErrFinalized is returned when records are added to, or a finalize is requested from,
	// a grouper that has already been finalized or aborted.
	ErrFinalized = errors.New("grouper already finalized")
)

// IsFatal reports whether err must fail the whole partition.
func IsFatal(err error) bool {
	return errors.Is(err, ErrSpillFailure) || errors.Is(err, ErrCorruptSegment)
}
