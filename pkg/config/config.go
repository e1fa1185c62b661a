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

// Package config holds the configuration of the group-by-key engine. It is loaded from an
// optional file and SHUFFLER_ prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/numaproj/shuffler/pkg/emitter"
	"github.com/numaproj/shuffler/pkg/grouper"
	"github.com/numaproj/shuffler/pkg/shuffle"
	"github.com/numaproj/shuffler/pkg/spill"
)

// EnvPrefix is the prefix of environment variables overriding the configuration.
const EnvPrefix = "SHUFFLER"

// Spill backends
const (
	BackendFS     = "fs"
	BackendMemory = "memory"
	BackendBbolt  = "bbolt"
)

type Config struct {
	// PartitionCount is the number of output partitions
	PartitionCount int `json:"partitionCount" mapstructure:"partitionCount"`
	// MemoryBudgetBytes is the per partition threshold before spilling
	MemoryBudgetBytes int64 `json:"memoryBudgetBytes" mapstructure:"memoryBudgetBytes"`
	// SpillSelectionPolicy is largest-first or oldest-first
	SpillSelectionPolicy string `json:"spillSelectionPolicy" mapstructure:"spillSelectionPolicy"`
	// Hash is the key hash used by the partitioner, xxhash or murmur3
	Hash string `json:"hash" mapstructure:"hash"`
	// ExchangeBufferSize is the number of records buffered per partition between the
	// partitioner and the groupers
	ExchangeBufferSize int `json:"exchangeBufferSize" mapstructure:"exchangeBufferSize"`
	// MergeFanIn is the maximum number of spilled runs a sorted merge reads at once
	MergeFanIn int `json:"mergeFanIn" mapstructure:"mergeFanIn"`
	// MetricsAddr is the listen address of the metrics server, empty disables it
	MetricsAddr string      `json:"metricsAddr" mapstructure:"metricsAddr"`
	Spill       SpillConfig `json:"spill" mapstructure:"spill"`
}

type SpillConfig struct {
	// Backend is fs, memory or bbolt
	Backend string `json:"backend" mapstructure:"backend"`
	// Path is the directory of the fs backend, or the database file of the bbolt backend
	Path string `json:"path" mapstructure:"path"`
	// Compression is none or lz4
	Compression string `json:"compression" mapstructure:"compression"`
	// SyncOnClose fsyncs fs segments before they are committed
	SyncOnClose bool `json:"syncOnClose" mapstructure:"syncOnClose"`
	// ChunkSize is the bbolt chunk size in bytes
	ChunkSize int `json:"chunkSize" mapstructure:"chunkSize"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		PartitionCount:       4,
		MemoryBudgetBytes:    grouper.DefaultMemoryBudgetBytes,
		SpillSelectionPolicy: string(grouper.LargestFirst),
		Hash:                 string(shuffle.XXHash),
		ExchangeBufferSize:   1024,
		MergeFanIn:           emitter.DefaultMaxFanIn,
		Spill: SpillConfig{
			Backend:     BackendFS,
			Path:        "/tmp/shuffler/spill",
			Compression: string(spill.CompressionNone),
			SyncOnClose: true,
			ChunkSize:   64 * 1024,
		},
	}
}

// Validate checks the configuration, every problem is reported.
func (c *Config) Validate() error {
	var errs []error
	if c.PartitionCount <= 0 {
		errs = append(errs, fmt.Errorf("partitionCount must be positive, got %d", c.PartitionCount))
	}
	if c.MemoryBudgetBytes < 0 {
		errs = append(errs, fmt.Errorf("memoryBudgetBytes must not be negative, got %d", c.MemoryBudgetBytes))
	}
	if _, err := grouper.ParseSpillPolicy(c.SpillSelectionPolicy); err != nil {
		errs = append(errs, err)
	}
	if _, err := shuffle.NewKeyHasher(shuffle.HashType(strings.ToLower(c.Hash))); err != nil {
		errs = append(errs, err)
	}
	if c.ExchangeBufferSize < 0 {
		errs = append(errs, fmt.Errorf("exchangeBufferSize must not be negative, got %d", c.ExchangeBufferSize))
	}
	if c.MergeFanIn < 2 {
		errs = append(errs, fmt.Errorf("mergeFanIn must be at least 2, got %d", c.MergeFanIn))
	}
	switch c.Spill.Backend {
	case BackendMemory:
	case BackendFS, BackendBbolt:
		if c.Spill.Path == "" {
			errs = append(errs, fmt.Errorf("spill.path is required by the %s backend", c.Spill.Backend))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported spill backend %q", c.Spill.Backend))
	}
	if _, err := spill.ParseCompression(c.Spill.Compression); err != nil {
		errs = append(errs, err)
	}
	if c.Spill.ChunkSize < 0 {
		errs = append(errs, fmt.Errorf("spill.chunkSize must not be negative, got %d", c.Spill.ChunkSize))
	}
	return errors.Join(errs...)
}

// Load reads the configuration file at path, if any, on top of the defaults and applies
// environment overrides such as SHUFFLER_MEMORYBUDGETBYTES or SHUFFLER_SPILL_BACKEND.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to load configuration file. %w", err)
		}
	}
	conf := &Config{}
	if err := v.Unmarshal(conf); err != nil {
		return nil, fmt.Errorf("failed unmarshal configuration file. %w", err)
	}
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration, %w", err)
	}
	return conf, nil
}

// setDefaults registers every key, which is also what makes AutomaticEnv see them.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("partitionCount", d.PartitionCount)
	v.SetDefault("memoryBudgetBytes", d.MemoryBudgetBytes)
	v.SetDefault("spillSelectionPolicy", d.SpillSelectionPolicy)
	v.SetDefault("hash", d.Hash)
	v.SetDefault("exchangeBufferSize", d.ExchangeBufferSize)
	v.SetDefault("mergeFanIn", d.MergeFanIn)
	v.SetDefault("metricsAddr", d.MetricsAddr)
	v.SetDefault("spill.backend", d.Spill.Backend)
	v.SetDefault("spill.path", d.Spill.Path)
	v.SetDefault("spill.compression", d.Spill.Compression)
	v.SetDefault("spill.syncOnClose", d.Spill.SyncOnClose)
	v.SetDefault("spill.chunkSize", d.Spill.ChunkSize)
}
