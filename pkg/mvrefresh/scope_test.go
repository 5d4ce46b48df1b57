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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandToFixedPoint(t *testing.T) {
	// mv1 and mv2 both draw from b2: touching mv1 must pull in mv2, and
	// mv2's other base b3 pulls in mv3
	mvToBase := map[string][]string{
		"mv1": {"b1", "b2"},
		"mv2": {"b2", "b3"},
		"mv3": {"b3"},
		"mv4": {"b4"},
	}
	baseToMV := map[string][]string{
		"b1": {"mv1"},
		"b2": {"mv1", "mv2"},
		"b3": {"mv2", "mv3"},
		"b4": {"mv4"},
	}

	scope := map[string]struct{}{"mv1": {}}
	expandToFixedPoint(scope, mvToBase, baseToMV)
	assert.Len(t, scope, 3)
	assert.Contains(t, scope, "mv2")
	assert.Contains(t, scope, "mv3")
	assert.NotContains(t, scope, "mv4")

	// idempotent on a closed set
	before := len(scope)
	expandToFixedPoint(scope, mvToBase, baseToMV)
	assert.Len(t, scope, before)
}

func TestExpandToFixedPointEmptyScope(t *testing.T) {
	scope := map[string]struct{}{}
	expandToFixedPoint(scope, map[string][]string{"a": {"b"}}, map[string][]string{"b": {"a"}})
	assert.Empty(t, scope)
}

func TestBoundedWindowNarrowsScope(t *testing.T) {
	f := newFixture(t)
	f.run(t, f.taskCtx())

	names := f.base.Ranges.SortedNames()
	for _, name := range names {
		bumpBasePartition(f.base, name)
	}

	taskCtx := f.taskCtx()
	taskCtx.PartitionStart = "2024-02-01"
	taskCtx.PartitionEnd = "2024-02-15"
	status, _ := f.run(t, taskCtx)
	assert.Equal(t, StatusSuccess, status)
	assert.Equal(t, []string{names[1]}, f.engine.lastStmt().TargetPartitions,
		"user bounds narrow the scope even when everything changed")
}

func TestForceWithBoundsRefreshesWindow(t *testing.T) {
	f := newFixture(t)
	f.run(t, f.taskCtx())
	status, _ := f.run(t, f.taskCtx())
	require.Equal(t, StatusEmpty, status, "fixture is fresh before the forced run")

	names := f.base.Ranges.SortedNames()
	taskCtx := f.taskCtx()
	taskCtx.Force = true
	taskCtx.PartitionStart = "2024-02-01"
	taskCtx.PartitionEnd = "2024-03-15"
	status, _ = f.run(t, taskCtx)
	assert.Equal(t, StatusSuccess, status)
	assert.Equal(t, names[1:3], f.engine.lastStmt().TargetPartitions)
}

func TestTruncationRecordsContinuationWindow(t *testing.T) {
	f := newFixture(t)
	f.mv.RefreshScheme.RefreshNumber = 2

	names := f.base.Ranges.SortedNames()
	require.Len(t, names, 4)

	status, rc := f.run(t, f.taskCtx())
	assert.Equal(t, StatusSuccess, status)
	assert.Equal(t, names[:2], f.engine.lastStmt().TargetPartitions)
	assert.True(t, rc.hasNextBatch())
	assert.Equal(t, "2024-03-01", rc.nextStart)
	assert.Equal(t, "2024-05-01", rc.nextEnd)

	// the continuation window covers exactly the deferred partitions
	cont := f.taskCtx()
	cont.PartitionStart = rc.nextStart
	cont.PartitionEnd = rc.nextEnd
	status, rc = f.run(t, cont)
	assert.Equal(t, StatusSuccess, status)
	assert.Equal(t, names[2:], f.engine.lastStmt().TargetPartitions)
	assert.False(t, rc.hasNextBatch())

	status, _ = f.run(t, f.taskCtx())
	assert.Equal(t, StatusEmpty, status)
}

func TestContinuationAfterNonRefChangeRebuildsDeferred(t *testing.T) {
	f := newFixture(t)
	dim := addNonRefBase(t, f)
	dimPart := dim.Ranges.SortedNames()[0]
	names := f.base.Ranges.SortedNames()

	status, _ := f.run(t, f.taskCtx())
	require.Equal(t, StatusSuccess, status)

	f.mv.RefreshScheme.RefreshNumber = 2
	bumpBasePartition(dim, dimPart)

	status, rc := f.run(t, f.taskCtx())
	require.Equal(t, StatusSuccess, status)
	assert.Equal(t, names[:2], f.engine.lastStmt().TargetPartitions)
	require.True(t, rc.hasNextBatch())

	// the continuation window must still see the non-ref staleness, even
	// though it cannot intersect with ref table updates
	cont := f.taskCtx()
	cont.PartitionStart = rc.nextStart
	cont.PartitionEnd = rc.nextEnd
	status, rc = f.run(t, cont)
	require.Equal(t, StatusSuccess, status)
	assert.Equal(t, names[2:], f.engine.lastStmt().TargetPartitions)
	assert.False(t, rc.hasNextBatch())

	status, _ = f.run(t, f.taskCtx())
	assert.Equal(t, StatusEmpty, status, "the non-ref change is consumed once fully rebuilt")
}

func TestTruncationWithUnboundedUpperLeavesEndOpen(t *testing.T) {
	f := newFixture(t, "2024-01-01", "2024-02-01", "2024-03-01")
	addBasePartition(t, f.base, "2024-03-01", "max", 1)
	f.mv.RefreshScheme.RefreshNumber = 1

	names := f.base.Ranges.SortedNames()
	require.Len(t, names, 3)

	status, rc := f.run(t, f.taskCtx())
	assert.Equal(t, StatusSuccess, status)
	assert.Equal(t, names[:1], f.engine.lastStmt().TargetPartitions)
	assert.True(t, rc.hasNextBatch())
	assert.Equal(t, "2024-02-01", rc.nextStart)
	assert.Empty(t, rc.nextEnd, "unbounded upper keeps the continuation end open")

	cont := f.taskCtx()
	cont.PartitionStart = rc.nextStart
	f.mv.RefreshScheme.RefreshNumber = 0
	status, rc = f.run(t, cont)
	assert.Equal(t, StatusSuccess, status)
	assert.Equal(t, names[1:], f.engine.lastStmt().TargetPartitions)
	assert.False(t, rc.hasNextBatch())
}

// While a continuation is pending, only the ref base table's versions are
// recorded so the deferred partitions still observe other tables as stale.
func TestPendingContinuationRecordsRefTableOnly(t *testing.T) {
	f := newFixture(t)
	f.mv.RefreshScheme.RefreshNumber = 2

	// second, non-ref base table
	dim := addNonRefBase(t, f)

	status, rc := f.run(t, f.taskCtx())
	require.Equal(t, StatusSuccess, status)
	require.True(t, rc.hasNextBatch())

	assert.NotEmpty(t, f.mv.RefreshContext.BaseTableVersions[testBaseID])
	assert.Empty(t, f.mv.RefreshContext.BaseTableVersions[dim.ID],
		"non-ref versions must not be recorded while a continuation is pending")
}
