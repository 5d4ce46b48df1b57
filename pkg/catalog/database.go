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
	"sync"
	"time"

	"github.com/cirrodb/cirro/pkg/common/cerr"
)

// Database owns tables and materialized views. The metadata of those
// entities (partition ranges, stats, refresh context) is guarded by the
// database's TimedRWMutex; the entity registry itself is guarded by a small
// internal mutex so that lookups never block behind metadata work.
type Database struct {
	ID   uint64
	Name string

	lock *TimedRWMutex

	mu struct {
		sync.RWMutex
		tables  map[uint64]*Table
		views   map[uint64]*MaterializedView
		dropped bool
	}
}

func NewDatabase(id uint64, name string) *Database {
	d := &Database{
		ID:   id,
		Name: name,
		lock: NewTimedRWMutex("database " + name),
	}
	d.mu.tables = make(map[uint64]*Table)
	d.mu.views = make(map[uint64]*MaterializedView)
	return d
}

func (d *Database) TryReadLock(timeout time.Duration) error {
	return d.lock.TryReadLock(timeout)
}

func (d *Database) ReadUnlock() {
	d.lock.ReadUnlock()
}

func (d *Database) TryWriteLock(timeout time.Duration) error {
	return d.lock.TryWriteLock(timeout)
}

func (d *Database) WriteUnlock() {
	d.lock.WriteUnlock()
}

// WriteLockAndCheckExist acquires the write lock, failing with
// ConcurrentDrop when the database was dropped while waiting.
func (d *Database) WriteLockAndCheckExist(timeout time.Duration) error {
	if err := d.lock.TryWriteLock(timeout); err != nil {
		return err
	}
	if d.Dropped() {
		d.lock.WriteUnlock()
		return cerr.NewConcurrentDrop("database " + d.Name)
	}
	return nil
}

func (d *Database) Dropped() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.mu.dropped
}

func (d *Database) MarkDropped() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mu.dropped = true
}

func (d *Database) AddTable(t *Table) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mu.tables[t.ID] = t
}

func (d *Database) AddMaterializedView(mv *MaterializedView) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mu.views[mv.ID] = mv
}

// GetTable resolves a table id, falling back to the view registry so that a
// materialized view serving as another view's base table is found too.
func (d *Database) GetTable(id uint64) (*Table, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if t, ok := d.mu.tables[id]; ok {
		return t, true
	}
	if mv, ok := d.mu.views[id]; ok {
		return &mv.Table, true
	}
	return nil, false
}

func (d *Database) GetMaterializedView(id uint64) (*MaterializedView, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	mv, ok := d.mu.views[id]
	return mv, ok
}

func (d *Database) DropTable(id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.mu.tables, id)
	delete(d.mu.views, id)
}

// Catalog is the root of the metadata tree.
type Catalog struct {
	mu        sync.RWMutex
	databases map[uint64]*Database
	editLog   EditLog
}

// Option option for create catalog
type Option func(*Catalog)

// WithEditLog set the edit log used for persisted metadata changes
func WithEditLog(l EditLog) Option {
	return func(c *Catalog) {
		c.editLog = l
	}
}

func NewCatalog(opts ...Option) *Catalog {
	c := &Catalog{databases: make(map[uint64]*Database)}
	for _, opt := range opts {
		opt(c)
	}
	if c.editLog == nil {
		c.editLog = NewNopEditLog()
	}
	return c
}

func (c *Catalog) CreateDatabase(id uint64, name string) *Database {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := NewDatabase(id, name)
	c.databases[id] = d
	return d
}

func (c *Catalog) GetDatabase(id uint64) (*Database, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.databases[id]
	if !ok {
		return nil, cerr.NewBadDB("unknown database")
	}
	return d, nil
}

func (c *Catalog) EditLog() EditLog {
	return c.editLog
}
