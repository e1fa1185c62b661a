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
	"fmt"

	"github.com/numaproj/shuffler/pkg/config"
	"github.com/numaproj/shuffler/pkg/spill/store"
	"github.com/numaproj/shuffler/pkg/spill/store/bbolt"
	"github.com/numaproj/shuffler/pkg/spill/store/fs"
	"github.com/numaproj/shuffler/pkg/spill/store/memory"
)

// OpenStore opens the spill store of the configured backend.
func OpenStore(c config.SpillConfig) (store.Store, error) {
	switch c.Backend {
	case config.BackendFS:
		return fs.NewFSStore(fs.WithStorePath(c.Path), fs.WithSyncOnClose(c.SyncOnClose))
	case config.BackendBbolt:
		return bbolt.NewBboltStore(c.Path, bbolt.WithChunkSize(c.ChunkSize), bbolt.WithNoSync(!c.SyncOnClose))
	case config.BackendMemory:
		return memory.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported spill backend %q", c.Backend)
	}
}
