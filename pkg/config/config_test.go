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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdjustDefaults(t *testing.T) {
	cfg := &RefreshConfig{}
	cfg.Adjust()

	assert.Equal(t, 30*time.Second, cfg.LockTimeout)
	assert.Equal(t, 3, cfg.MaxLockRetryTimes)
	assert.Equal(t, 1, cfg.MinRefreshRetryTimes)
	assert.Equal(t, time.Second, cfg.RetryInterval)
	assert.Equal(t, 3, cfg.MaxSyncRetryTimes)
	assert.Equal(t, 100*time.Millisecond, cfg.SyncRetryInterval)
	assert.Equal(t, 64, cfg.CreatePartitionBatchSize)
	assert.Equal(t, 10*time.Millisecond, cfg.PartitionBatchInterval)
	assert.Equal(t, 65535, cfg.MaxErrorMessageLength)
	assert.Equal(t, 4, cfg.Parallelism)
}

func TestAdjustKeepsExplicitValues(t *testing.T) {
	cfg := &RefreshConfig{
		MaxLockRetryTimes:        7,
		CreatePartitionBatchSize: 16,
	}
	cfg.Adjust()
	assert.Equal(t, 7, cfg.MaxLockRetryTimes)
	assert.Equal(t, 16, cfg.CreatePartitionBatchSize)
}

func TestLoadFromTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "refresh.toml")
	content := `
lock-timeout = 5000000000
max-lock-retry-times = 5
create-partition-batch-size = 32
parallelism = 8

[log]
level = "debug"
format = "json"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.LockTimeout)
	assert.Equal(t, 5, cfg.MaxLockRetryTimes)
	assert.Equal(t, 32, cfg.CreatePartitionBatchSize)
	assert.Equal(t, 8, cfg.Parallelism)
	assert.Equal(t, "debug", cfg.Log.Level)
	// unset fields still get defaults
	assert.Equal(t, 3, cfg.MaxSyncRetryTimes)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}
