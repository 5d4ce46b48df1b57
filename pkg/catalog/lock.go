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
	"context"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/cirrodb/cirro/pkg/common/cerr"
)

const maxReaders = 1 << 30

// TimedRWMutex is a reader/writer lock whose every acquisition carries an
// explicit timeout. Acquisition failures surface as cerr.ErrLockTimeout so
// retry policies can tell them apart from other failures. Unbounded waits
// are never allowed on catalog locks.
type TimedRWMutex struct {
	name string
	sem  *semaphore.Weighted
}

func NewTimedRWMutex(name string) *TimedRWMutex {
	return &TimedRWMutex{
		name: name,
		sem:  semaphore.NewWeighted(maxReaders),
	}
}

func (l *TimedRWMutex) TryReadLock(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return cerr.NewLockTimeout(l.name, timeout.Milliseconds())
	}
	return nil
}

func (l *TimedRWMutex) ReadUnlock() {
	l.sem.Release(1)
}

func (l *TimedRWMutex) TryWriteLock(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := l.sem.Acquire(ctx, maxReaders); err != nil {
		return cerr.NewLockTimeout(l.name, timeout.Milliseconds())
	}
	return nil
}

func (l *TimedRWMutex) WriteUnlock() {
	l.sem.Release(maxReaders)
}
