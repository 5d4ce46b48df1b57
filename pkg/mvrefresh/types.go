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

package mvrefresh

import (
	"context"
	"sync/atomic"

	"github.com/cirrodb/cirro/pkg/catalog"
)

// Status is the terminal outcome of one refresh task run.
type Status int8

const (
	// StatusSuccess the rebuild executed and metadata was committed
	StatusSuccess Status = iota + 1
	// StatusFailed the run failed after exhausting its retry budgets
	StatusFailed
	// StatusEmpty nothing was stale, no work done
	StatusEmpty
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusFailed:
		return "FAILED"
	case StatusEmpty:
		return "EMPTY"
	default:
		return "UNKNOWN"
	}
}

// TaskRunPriority orders task runs in the external scheduler's queue.
type TaskRunPriority int8

const (
	PriorityLowest  TaskRunPriority = 0
	PriorityNormal  TaskRunPriority = 50
	PriorityHighest TaskRunPriority = 100
)

// TaskRunContext carries the parameters of one refresh task run. Its
// lifetime is one run.
type TaskRunContext struct {
	// RunID unique id of this run, assigned by the manager when empty
	RunID string
	// DatabaseID database owning the materialized view
	DatabaseID uint64
	// MVID the materialized view to refresh
	MVID uint64
	// Force refresh regardless of change detection
	Force bool
	// PartitionStart, PartitionEnd inclusive partition key bounds narrowing
	// the refresh window; empty means unbounded
	PartitionStart string
	PartitionEnd   string
	// MaxRetryTimes session-requested general failure budget; the effective
	// budget is max(config minimum, this)
	MaxRetryTimes int
	// Properties opaque property bag forwarded by the scheduler
	Properties map[string]string

	killed atomic.Bool
}

// Kill requests cancellation. The run observes the flag before invoking the
// execution engine and before scheduling a continuation.
func (c *TaskRunContext) Kill() {
	c.killed.Store(true)
}

func (c *TaskRunContext) Killed() bool {
	return c.killed.Load()
}

// RebuildStatement is the logical insert-overwrite handed to the execution
// engine, scoped to exactly the resolved target partitions.
type RebuildStatement struct {
	QueryID          string
	MVID             uint64
	Definition       string
	TargetPartitions []string
	// SourcePartitions base table id -> partitions the rebuild must scan
	SourcePartitions map[uint64][]string
}

// ExecResult reports what the execution engine actually did.
type ExecResult struct {
	// ScannedPartitions base table id -> partitions the plan scanned; drives
	// the post-refresh version bookkeeping
	ScannedPartitions map[uint64][]string
}

// ExecutionEngine plans and executes a rebuild statement. Black box to the
// orchestrator: only the pass/fail outcome and the scanned partition set
// matter here.
type ExecutionEngine interface {
	Execute(ctx context.Context, stmt *RebuildStatement) (*ExecResult, error)
}

// ExternalMetaProvider exposes partition metadata of non-native base tables.
type ExternalMetaProvider interface {
	// RefreshMetaCache refreshes the catalog's cached partition metadata of
	// an external table from the remote source
	RefreshMetaCache(ctx context.Context, table *catalog.Table) error
	// PartitionNames lists the table's current partition names
	PartitionNames(ctx context.Context, table *catalog.Table) ([]string, error)
	// PartitionModifiedTimes returns the modified time of each named partition
	PartitionModifiedTimes(ctx context.Context, table *catalog.Table, names []string) (map[string]int64, error)
}

// TaskScheduler receives continuation runs when a refresh scope was
// truncated by the per-run batch cap.
type TaskScheduler interface {
	ScheduleContinuation(ctx context.Context, mvID uint64, nextStart, nextEnd string, priority TaskRunPriority) error
}

// BaseTableSnapshot is a point-in-time view of one base table, captured once
// per run under the database read lock. Native tables are deep copies;
// external tables keep a cloned cache of the last fetched metadata.
type BaseTableSnapshot struct {
	Ref   catalog.BaseTableRef
	Table *catalog.Table
}
