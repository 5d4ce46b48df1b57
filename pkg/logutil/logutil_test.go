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

package logutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSetupLoggerWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cirro.log")
	logger := SetupLogger(LogConfig{Level: "info", Format: "json", Filename: path})
	logger.Info("hello from test", zap.String("k", "v"))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello from test")
	assert.Contains(t, string(data), `"k":"v"`)
}

func TestSetupLoggerLevel(t *testing.T) {
	logger := SetupLogger(LogConfig{Level: "warn"})
	assert.False(t, logger.Core().Enabled(zap.InfoLevel))
	assert.True(t, logger.Core().Enabled(zap.WarnLevel))

	// bad level falls back to info
	logger = SetupLogger(LogConfig{Level: "nope"})
	assert.True(t, logger.Core().Enabled(zap.InfoLevel))
}

func TestGlobalLogger(t *testing.T) {
	require.NotNil(t, GetGlobalLogger())

	own := zap.NewNop()
	assert.Same(t, own, Adjust(own))
	assert.NotNil(t, Adjust(nil))
}
