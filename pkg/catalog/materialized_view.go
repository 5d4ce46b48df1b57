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

// PartitionType is the closed set of materialized view partition schemes.
type PartitionType int8

const (
	// PartitionNone unpartitioned view, one logical partition
	PartitionNone PartitionType = iota + 1
	// PartitionRange range partitioned on a column or an expression of the
	// ref base table's partition column
	PartitionRange
)

// PartitionDesc describes how a materialized view is partitioned.
type PartitionDesc struct {
	Type      PartitionType
	Transform partition.Transform
}

// RefreshScheme holds the refresh tunables persisted with the view.
type RefreshScheme struct {
	// TTLNumber keeps at most the most recent N partitions live for refresh
	TTLNumber int
	// RefreshNumber caps how many partitions one task run may rebuild; the
	// remainder is scheduled as a continuation run
	RefreshNumber int
	// CronSpec non-empty for scheduled refresh
	CronSpec string
	// LastRefreshTime latest base partition version time consumed
	LastRefreshTime int64
}

// BasePartitionInfo is the recorded provenance of one consumed base table
// partition. External tables record the modified time in both version
// fields.
type BasePartitionInfo struct {
	PartitionID uint64 `json:"partition_id"`
	Version     int64  `json:"version"`
	VersionTime int64  `json:"version_time"`
}

// BaseTableRef identifies one base table of a materialized view. IsRef marks
// the partition-determining table.
type BaseTableRef struct {
	DatabaseID uint64
	TableID    uint64
	IsRef      bool
}

// RefreshContext is the persisted provenance of a materialized view: which
// base table partition versions each refresh consumed, and the association
// between view partitions and ref base table partitions. Mutated only by the
// meta version updater under the database write lock.
type RefreshContext struct {
	BaseTableVersions  map[uint64]map[string]BasePartitionInfo `json:"base_table_versions"`
	MVToBasePartitions map[string][]string                     `json:"mv_to_base_partitions"`
}

func NewRefreshContext() RefreshContext {
	return RefreshContext{
		BaseTableVersions:  make(map[uint64]map[string]BasePartitionInfo),
		MVToBasePartitions: make(map[string][]string),
	}
}

func (rc RefreshContext) clone() RefreshContext {
	out := NewRefreshContext()
	for tid, parts := range rc.BaseTableVersions {
		m := make(map[string]BasePartitionInfo, len(parts))
		for name, info := range parts {
			m[name] = info
		}
		out.BaseTableVersions[tid] = m
	}
	for name, bases := range rc.MVToBasePartitions {
		out.MVToBasePartitions[name] = append([]string(nil), bases...)
	}
	return out
}

// ActivateCheck re-validates a view's base table dependencies, returning
// true when the view may be reactivated.
type ActivateCheck func(*MaterializedView) bool

// MaterializedView is a persisted, partitioned query result kept consistent
// with its base tables by the refresh orchestrator. Like Table, its metadata
// is mutated only under the owning database's write lock.
type MaterializedView struct {
	Table

	PartitionDesc PartitionDesc
	RefreshScheme RefreshScheme
	BaseTables    []BaseTableRef
	// Definition is the view's defining query, opaque to the orchestrator;
	// it is handed to the execution engine inside the rebuild statement.
	Definition string

	RefreshContext RefreshContext

	active         bool
	inactiveReason string
	activateCheck  ActivateCheck
}

func NewMaterializedView(id uint64, name string, desc PartitionDesc) *MaterializedView {
	mv := &MaterializedView{
		Table:          *NewTable(id, name, KindNative),
		PartitionDesc:  desc,
		RefreshContext: NewRefreshContext(),
		active:         true,
	}
	if desc.Type == PartitionNone {
		// the view's single logical partition, named after the view itself
		mv.Stats[name] = PartitionStats{}
	}
	return mv
}

func (mv *MaterializedView) IsActive() bool {
	return mv.active
}

func (mv *MaterializedView) InactiveReason() string {
	return mv.inactiveReason
}

// SetInactive deactivates the view, recording why.
func (mv *MaterializedView) SetInactive(reason string) {
	mv.active = false
	mv.inactiveReason = reason
}

// SetActivateCheck installs the best-effort reactivation hook.
func (mv *MaterializedView) SetActivateCheck(check ActivateCheck) {
	mv.activateCheck = check
}

// TryActivate attempts a best-effort reactivation of an inactive view.
func (mv *MaterializedView) TryActivate() bool {
	if mv.active {
		return true
	}
	if mv.activateCheck != nil && mv.activateCheck(mv) {
		mv.active = true
		mv.inactiveReason = ""
	}
	return mv.active
}

// RefTable returns the partition-determining base table ref.
func (mv *MaterializedView) RefTable() (BaseTableRef, bool) {
	for _, ref := range mv.BaseTables {
		if ref.IsRef {
			return ref, true
		}
	}
	return BaseTableRef{}, false
}

// UpdatedPartitionNames returns the base table partitions whose recorded
// version no longer matches the snapshot, including partitions never
// consumed before. Sorted for deterministic scope resolution.
func (mv *MaterializedView) UpdatedPartitionNames(base *Table) []string {
	recorded := mv.RefreshContext.BaseTableVersions[base.ID]
	var updated []string
	for name, st := range base.Stats {
		info, ok := recorded[name]
		if !ok || changed(base.Kind, info, st) {
			updated = append(updated, name)
		}
	}
	sort.Strings(updated)
	return updated
}

func changed(kind TableKind, recorded BasePartitionInfo, current PartitionStats) bool {
	if kind == KindExternal {
		return recorded.VersionTime != current.ModifiedTime
	}
	return recorded.Version != current.VisibleVersion ||
		recorded.VersionTime != current.VisibleVersionTime
}

// Clone deep-copies the view for snapshotting.
func (mv *MaterializedView) Clone() *MaterializedView {
	out := &MaterializedView{
		Table:          *mv.Table.Clone(),
		PartitionDesc:  mv.PartitionDesc,
		RefreshScheme:  mv.RefreshScheme,
		BaseTables:     append([]BaseTableRef(nil), mv.BaseTables...),
		Definition:     mv.Definition,
		RefreshContext: mv.RefreshContext.clone(),
		active:         mv.active,
		inactiveReason: mv.inactiveReason,
		activateCheck:  mv.activateCheck,
	}
	return out
}
