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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cirrodb/cirro/pkg/catalog"
	"github.com/cirrodb/cirro/pkg/config"
	"github.com/cirrodb/cirro/pkg/partition"
)

const (
	testDBID   = uint64(1)
	testBaseID = uint64(10)
	testMVID   = uint64(20)
)

func newTestConfig() *config.RefreshConfig {
	cfg := &config.RefreshConfig{
		LockTimeout:            200 * time.Millisecond,
		RetryInterval:          time.Millisecond,
		SyncRetryInterval:      time.Millisecond,
		PartitionBatchInterval: time.Millisecond,
	}
	cfg.Adjust()
	return cfg
}

// fakeEngine records every rebuild statement and replays a scripted error
// sequence; once the script is exhausted every call succeeds, scanning
// exactly what the statement asked for.
type fakeEngine struct {
	mu    sync.Mutex
	stmts []*RebuildStatement
	errs  []error
	// gate blocks Execute until closed; entered is signalled once per call
	// before the wait so tests can act while execution is in flight
	gate    chan struct{}
	entered chan struct{}
}

func (e *fakeEngine) Execute(_ context.Context, stmt *RebuildStatement) (*ExecResult, error) {
	if e.gate != nil {
		if e.entered != nil {
			select {
			case e.entered <- struct{}{}:
			default:
			}
		}
		<-e.gate
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stmts = append(e.stmts, stmt)
	if len(e.errs) > 0 {
		err := e.errs[0]
		e.errs = e.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	scanned := make(map[uint64][]string, len(stmt.SourcePartitions))
	for id, parts := range stmt.SourcePartitions {
		scanned[id] = append([]string(nil), parts...)
	}
	return &ExecResult{ScannedPartitions: scanned}, nil
}

func (e *fakeEngine) executions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.stmts)
}

func (e *fakeEngine) lastStmt() *RebuildStatement {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.stmts) == 0 {
		return nil
	}
	return e.stmts[len(e.stmts)-1]
}

// fakeMetaProvider serves external partition metadata straight from the
// catalog. driftListings injects phantom partitions into that many verify
// listings to simulate concurrent layout changes.
type fakeMetaProvider struct {
	mu            sync.Mutex
	refreshErrs   []error
	driftListings int
	onRefresh     func(table *catalog.Table)
}

func (p *fakeMetaProvider) RefreshMetaCache(_ context.Context, table *catalog.Table) error {
	p.mu.Lock()
	var err error
	if len(p.refreshErrs) > 0 {
		err = p.refreshErrs[0]
		p.refreshErrs = p.refreshErrs[1:]
	}
	hook := p.onRefresh
	p.mu.Unlock()
	if err != nil {
		return err
	}
	if hook != nil {
		hook(table)
	}
	return nil
}

func (p *fakeMetaProvider) PartitionNames(_ context.Context, table *catalog.Table) ([]string, error) {
	names := table.VisiblePartitionNames()
	p.mu.Lock()
	if p.driftListings > 0 {
		p.driftListings--
		names = append(names, "phantom")
	}
	p.mu.Unlock()
	return names, nil
}

func (p *fakeMetaProvider) PartitionModifiedTimes(
	_ context.Context, table *catalog.Table, names []string,
) (map[string]int64, error) {
	out := make(map[string]int64, len(names))
	for _, name := range names {
		out[name] = table.Stats[name].ModifiedTime
	}
	return out, nil
}

type continuation struct {
	mvID      uint64
	nextStart string
	nextEnd   string
	priority  TaskRunPriority
}

type fakeScheduler struct {
	mu    sync.Mutex
	calls []continuation
}

func (s *fakeScheduler) ScheduleContinuation(
	_ context.Context, mvID uint64, nextStart, nextEnd string, priority TaskRunPriority,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, continuation{mvID, nextStart, nextEnd, priority})
	return nil
}

func (s *fakeScheduler) continuations() []continuation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]continuation(nil), s.calls...)
}

// countingEditLog counts committed refresh records.
type countingEditLog struct {
	mu      sync.Mutex
	records []*catalog.RefreshSchemeChange
}

func (l *countingEditLog) LogMVRefreshChange(change *catalog.RefreshSchemeChange) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, change)
	return nil
}

func (l *countingEditLog) Close() error { return nil }

func (l *countingEditLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

type fixture struct {
	cfg      *config.RefreshConfig
	cat      *catalog.Catalog
	db       *catalog.Database
	base     *catalog.Table
	mv       *catalog.MaterializedView
	engine   *fakeEngine
	external *fakeMetaProvider
	editLog  *countingEditLog
	proc     *processor
}

// newFixture builds a database with one native base table holding monthly
// partitions and a range partitioned view over it with an identity
// transform. The view starts with an empty layout; the first run's layout
// sync populates it.
func newFixture(t *testing.T, months ...string) *fixture {
	t.Helper()
	if len(months) == 0 {
		months = []string{"2024-01-01", "2024-02-01", "2024-03-01", "2024-04-01", "2024-05-01"}
	}
	f := &fixture{
		cfg:      newTestConfig(),
		engine:   &fakeEngine{},
		external: &fakeMetaProvider{},
		editLog:  &countingEditLog{},
	}
	f.cat = catalog.NewCatalog(catalog.WithEditLog(f.editLog))
	f.db = f.cat.CreateDatabase(testDBID, "db1")

	f.base = catalog.NewTable(testBaseID, "sales", catalog.KindNative)
	f.base.PartitionColumn = "dt"
	for i := 0; i+1 < len(months); i++ {
		addBasePartition(t, f.base, months[i], months[i+1], 1)
	}
	f.db.AddTable(f.base)

	f.mv = catalog.NewMaterializedView(testMVID, "sales_mv", catalog.PartitionDesc{
		Type: catalog.PartitionRange,
	})
	f.mv.BaseTables = []catalog.BaseTableRef{
		{DatabaseID: testDBID, TableID: testBaseID, IsRef: true},
	}
	f.mv.Definition = "select dt, sum(amount) from sales group by dt"
	f.db.AddMaterializedView(f.mv)

	f.proc = newProcessor(f.cfg, f.cat, f.engine, f.external, zap.NewNop())
	return f
}

func boundKey(s string) partition.Key {
	if s == "max" {
		return partition.MaxKey()
	}
	return partition.NewKey(partition.ParseValue(s))
}

func addBasePartition(t *testing.T, tbl *catalog.Table, lo, hi string, version int64) string {
	t.Helper()
	r, err := partition.NewRange(boundKey(lo), boundKey(hi))
	require.NoError(t, err)
	name := partition.Name(r)
	require.NoError(t, tbl.Ranges.Add(name, r))
	tbl.Stats[name] = catalog.PartitionStats{
		ID:                 uint64(tbl.Ranges.Len()),
		VisibleVersion:     version,
		VisibleVersionTime: version * 100,
		ModifiedTime:       version * 100,
	}
	return name
}

func bumpBasePartition(tbl *catalog.Table, name string) {
	st := tbl.Stats[name]
	st.VisibleVersion++
	st.VisibleVersionTime = st.VisibleVersion * 100
	st.ModifiedTime = st.VisibleVersion * 100
	tbl.Stats[name] = st
}

func dropBasePartition(tbl *catalog.Table, name string) {
	tbl.Ranges.Remove(name)
	delete(tbl.Stats, name)
}

func (f *fixture) run(t *testing.T, taskCtx *TaskRunContext) (Status, *runContext) {
	t.Helper()
	status, rc, err := f.proc.process(context.Background(), taskCtx)
	require.NoError(t, err)
	return status, rc
}

func (f *fixture) taskCtx() *TaskRunContext {
	return &TaskRunContext{DatabaseID: testDBID, MVID: testMVID}
}

// addNonRefBase joins a second, non-ref base table to the fixture's view.
func addNonRefBase(t *testing.T, f *fixture) *catalog.Table {
	t.Helper()
	dim := catalog.NewTable(11, "dim_region", catalog.KindNative)
	addBasePartition(t, dim, "2024-01-01", "max", 1)
	f.db.AddTable(dim)
	f.mv.BaseTables = append(f.mv.BaseTables,
		catalog.BaseTableRef{DatabaseID: testDBID, TableID: 11})
	return dim
}
