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
	"sort"

	"github.com/cirrodb/cirro/pkg/partition"
)

// TableKind distinguishes native, transactionally versioned tables from
// external tables that only expose partition modified times.
type TableKind int8

const (
	KindNative TableKind = iota + 1
	KindExternal
)

// PartitionStats is the version information of one base table partition.
// Native tables carry visible versions; external tables carry modified
// times.
type PartitionStats struct {
	ID                 uint64 `json:"id"`
	VisibleVersion     int64  `json:"visible_version"`
	VisibleVersionTime int64  `json:"visible_version_time"`
	ModifiedTime       int64  `json:"modified_time"`
}

// Table is a catalog table entity. Its partition metadata (Ranges, Stats) is
// mutated only while holding the owning database's write lock; snapshots
// taken by refresh runs use Clone under the read lock.
type Table struct {
	ID              uint64
	Name            string
	Kind            TableKind
	PartitionColumn string
	// NoPartitionRefresh marks tables (views, limited connectors) whose
	// changes cannot be tracked per partition; any change forces a full
	// refresh of dependent views.
	NoPartitionRefresh bool

	Ranges *partition.RangeMap
	Stats  map[string]PartitionStats
}

func NewTable(id uint64, name string, kind TableKind) *Table {
	return &Table{
		ID:     id,
		Name:   name,
		Kind:   kind,
		Ranges: partition.NewRangeMap(),
		Stats:  make(map[string]PartitionStats),
	}
}

func (t *Table) IsNative() bool {
	return t.Kind == KindNative
}

// VisiblePartitionNames returns the sorted partition names of the table.
func (t *Table) VisiblePartitionNames() []string {
	names := make([]string, 0, len(t.Stats))
	for name := range t.Stats {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasPartition reports whether the partition is currently visible.
func (t *Table) HasPartition(name string) bool {
	_, ok := t.Stats[name]
	return ok
}

// Clone returns a deep point-in-time copy of the table. The clone is owned
// solely by the refresh run that took it and is discarded at run end.
func (t *Table) Clone() *Table {
	out := &Table{
		ID:                 t.ID,
		Name:               t.Name,
		Kind:               t.Kind,
		PartitionColumn:    t.PartitionColumn,
		NoPartitionRefresh: t.NoPartitionRefresh,
		Ranges:             t.Ranges.Clone(),
		Stats:              make(map[string]PartitionStats, len(t.Stats)),
	}
	for name, st := range t.Stats {
		out.Stats[name] = st
	}
	return out
}
