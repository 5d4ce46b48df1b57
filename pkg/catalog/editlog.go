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
	"encoding/json"
	"os"
	"sync"
)

// RefreshSchemeChange is the persisted record appended after every
// successful metadata update of a refresh run, used for replay on recovery.
type RefreshSchemeChange struct {
	MVID            uint64         `json:"mv_id"`
	Timestamp       int64          `json:"timestamp"`
	LastRefreshTime int64          `json:"last_refresh_time"`
	RefreshContext  RefreshContext `json:"refresh_context"`
}

// EditLog records durable catalog changes.
type EditLog interface {
	// LogMVRefreshChange appends one change record
	LogMVRefreshChange(change *RefreshSchemeChange) error
	// Close close the edit log
	Close() error
}

type nopEditLog struct{}

// NewNopEditLog returns an edit log that drops every record. Used in tests
// and in deployments where replay is handled upstream.
func NewNopEditLog() EditLog {
	return nopEditLog{}
}

func (nopEditLog) LogMVRefreshChange(*RefreshSchemeChange) error { return nil }
func (nopEditLog) Close() error                                  { return nil }

type fileEditLog struct {
	mu  sync.Mutex
	f   *os.File
	enc *json.Encoder
}

// NewFileEditLog appends JSON records, one per line, to the given path.
func NewFileEditLog(path string) (EditLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &fileEditLog{f: f, enc: json.NewEncoder(f)}, nil
}

func (l *fileEditLog) LogMVRefreshChange(change *RefreshSchemeChange) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enc.Encode(change); err != nil {
		return err
	}
	return l.f.Sync()
}

func (l *fileEditLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}
