// Copyright 2025 Cirro Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"time"

	"github.com/BurntSushi/toml"

	"github.com/cirrodb/cirro/pkg/common/cerr"
	"github.com/cirrodb/cirro/pkg/logutil"
)

// RefreshConfig holds all tunables of the materialized view refresh
// orchestrator. Zero values are replaced by defaults in Adjust.
type RefreshConfig struct {
	// LockTimeout timeout for every database lock acquisition
	LockTimeout time.Duration `toml:"lock-timeout"`
	// MaxLockRetryTimes maximum retries after lock-timeout failures,
	// independent from the general failure budget
	MaxLockRetryTimes int `toml:"max-lock-retry-times"`
	// MinRefreshRetryTimes lower bound of the general failure budget; a task
	// run may request more
	MinRefreshRetryTimes int `toml:"min-refresh-retry-times"`
	// RetryInterval fixed delay between refresh retry attempts
	RetryInterval time.Duration `toml:"retry-interval"`
	// MaxSyncRetryTimes maximum snapshot+verify cycles when base table
	// partition layouts keep changing
	MaxSyncRetryTimes int `toml:"max-sync-retry-times"`
	// SyncRetryInterval delay between snapshot+verify cycles
	SyncRetryInterval time.Duration `toml:"sync-retry-interval"`
	// CreatePartitionBatchSize number of partitions added by a single DDL
	CreatePartitionBatchSize int `toml:"create-partition-batch-size"`
	// PartitionBatchInterval delay between two add-partition DDL batches
	PartitionBatchInterval time.Duration `toml:"partition-batch-interval"`
	// MaxErrorMessageLength truncation bound for persisted error messages
	MaxErrorMessageLength int `toml:"max-error-message-length"`
	// Parallelism maximum number of concurrently executing refresh runs
	Parallelism int `toml:"parallelism"`

	// Log logging configuration
	Log logutil.LogConfig `toml:"log"`
}

// Load reads a RefreshConfig from a TOML file.
func Load(path string) (*RefreshConfig, error) {
	cfg := &RefreshConfig{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, cerr.NewInvalidArg("config file", path)
	}
	cfg.Adjust()
	return cfg, nil
}

// Adjust fills defaults for unset fields.
func (c *RefreshConfig) Adjust() {
	if c.LockTimeout == 0 {
		c.LockTimeout = time.Second * 30
	}
	if c.MaxLockRetryTimes == 0 {
		c.MaxLockRetryTimes = 3
	}
	if c.MinRefreshRetryTimes == 0 {
		c.MinRefreshRetryTimes = 1
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = time.Second
	}
	if c.MaxSyncRetryTimes == 0 {
		c.MaxSyncRetryTimes = 3
	}
	if c.SyncRetryInterval == 0 {
		c.SyncRetryInterval = time.Millisecond * 100
	}
	if c.CreatePartitionBatchSize == 0 {
		c.CreatePartitionBatchSize = 64
	}
	if c.PartitionBatchInterval == 0 {
		c.PartitionBatchInterval = time.Millisecond * 10
	}
	if c.MaxErrorMessageLength == 0 {
		c.MaxErrorMessageLength = 65535
	}
	if c.Parallelism == 0 {
		c.Parallelism = 4
	}
}
