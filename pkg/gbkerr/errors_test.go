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

package gbkerr

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"spill", fmt.Errorf("%w: write segment: %w", ErrSpillFailure, io.ErrShortWrite), true},
		{"corrupt", fmt.Errorf("segment abc: %w", ErrCorruptSegment), true},
		{"consumed", ErrAlreadyConsumed, false},
		{"other", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsFatal(tt.err))
		})
	}
}

func TestWrappedCauseIsKept(t *testing.T) {
	err := fmt.Errorf("%w: write segment: %w", ErrSpillFailure, io.ErrShortWrite)
	assert.ErrorIs(t, err, io.ErrShortWrite)
	assert.ErrorIs(t, err, ErrSpillFailure)
}
