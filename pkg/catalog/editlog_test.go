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

package catalog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileEditLogAppendsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edit.log")
	l, err := NewFileEditLog(path)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, l.Close())
	}()

	rc := NewRefreshContext()
	rc.BaseTableVersions[10] = map[string]BasePartitionInfo{
		"p20240101_20240201": {PartitionID: 1, Version: 3, VersionTime: 300},
	}
	rc.MVToBasePartitions["p20240101_20240201"] = []string{"p20240101_20240201"}

	require.NoError(t, l.LogMVRefreshChange(&RefreshSchemeChange{
		MVID:            20,
		Timestamp:       1000,
		LastRefreshTime: 1000,
		RefreshContext:  rc,
	}))
	require.NoError(t, l.LogMVRefreshChange(&RefreshSchemeChange{
		MVID:      20,
		Timestamp: 2000,
	}))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var records []RefreshSchemeChange
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec RefreshSchemeChange
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		records = append(records, rec)
	}
	require.NoError(t, scanner.Err())

	require.Len(t, records, 2)
	assert.Equal(t, uint64(20), records[0].MVID)
	assert.Equal(t, int64(3),
		records[0].RefreshContext.BaseTableVersions[10]["p20240101_20240201"].Version)
	assert.Equal(t, int64(2000), records[1].Timestamp)
}

func TestNopEditLog(t *testing.T) {
	l := NewNopEditLog()
	assert.NoError(t, l.LogMVRefreshChange(&RefreshSchemeChange{MVID: 1}))
	assert.NoError(t, l.Close())
}
