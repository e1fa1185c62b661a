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

package fs

// DefaultStorePath is the default directory holding spill segments.
const DefaultStorePath = "/var/lib/shuffler/spill"

type Option func(stores *fsStore)

// WithStorePath sets the directory in which segments are written
func WithStorePath(path string) Option {
	return func(stores *fsStore) {
		stores.storePath = path
	}
}

// WithSyncOnClose sets whether a segment is fsynced before it is committed
func WithSyncOnClose(sync bool) Option {
	return func(stores *fsStore) {
		stores.syncOnClose = sync
	}
}
