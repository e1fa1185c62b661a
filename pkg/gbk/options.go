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

package gbk

import (
	"github.com/numaproj/shuffler/pkg/emitter"
	"github.com/numaproj/shuffler/pkg/spill/store"
)

type options struct {
	// store replaces the store built from the spill configuration
	store      store.Store
	comparator emitter.Comparator
}

type Option func(*options)

// WithStore uses s for spilling instead of the configured backend. The engine does not close it.
func WithStore(s store.Store) Option {
	return func(o *options) {
		o.store = s
	}
}

// WithValueComparator sorts the values of every key with cmp
func WithValueComparator(cmp emitter.Comparator) Option {
	return func(o *options) {
		o.comparator = cmp
	}
}
