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
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cirrodb/cirro/pkg/catalog"
	"github.com/cirrodb/cirro/pkg/common/cerr"
	"github.com/cirrodb/cirro/pkg/config"
)

// runStats counts what happened inside one run, for the manager's status
// accessors and for tests.
type runStats struct {
	lockRetries    int
	generalRetries int
	syncRetries    int
	ddlBatches     int
}

// runContext is the per-run working state threaded through the pipeline
// stages. One task run, one runContext.
type runContext struct {
	taskCtx *TaskRunContext
	db      *catalog.Database
	mv      *catalog.MaterializedView

	// snapshots and associations are rebuilt by every layout sync cycle
	snapshots   map[uint64]*BaseTableSnapshot
	refSnapshot *BaseTableSnapshot
	mvToBase    map[string][]string
	baseToMV    map[string][]string

	// continuation window recorded by scope truncation
	nextStart string
	nextEnd   string

	stats runStats
}

// hasNextBatch reports whether scope truncation deferred partitions to a
// continuation run.
func (rc *runContext) hasNextBatch() bool {
	return rc.nextStart != "" || rc.nextEnd != ""
}

// processor runs one refresh task end to end: prepare, layout sync, scope
// resolution, rebuild execution, metadata commit.
type processor struct {
	cfg      *config.RefreshConfig
	catalog  *catalog.Catalog
	engine   ExecutionEngine
	logger   *zap.Logger
	syncer   *layoutSyncer
	resolver *scopeResolver
	meta     *metaUpdater
}

func newProcessor(
	cfg *config.RefreshConfig,
	cat *catalog.Catalog,
	engine ExecutionEngine,
	external ExternalMetaProvider,
	logger *zap.Logger,
) *processor {
	snap := newSnapshotter(cfg, cat, external, logger)
	return &processor{
		cfg:      cfg,
		catalog:  cat,
		engine:   engine,
		logger:   logger,
		syncer:   newLayoutSyncer(cfg, cat, snap, logger),
		resolver: newScopeResolver(cfg, logger),
		meta:     newMetaUpdater(cfg, cat, logger),
	}
}

func (p *processor) process(ctx context.Context, taskCtx *TaskRunContext) (Status, *runContext, error) {
	rc, err := p.prepare(taskCtx)
	if err != nil {
		return StatusFailed, nil, err
	}
	status, err := p.refreshWithRetry(ctx, rc)
	return status, rc, err
}

// prepare resolves the catalog entities and validates that the view can be
// refreshed, attempting a best-effort reactivation of inactive views first.
func (p *processor) prepare(taskCtx *TaskRunContext) (*runContext, error) {
	db, err := p.catalog.GetDatabase(taskCtx.DatabaseID)
	if err != nil {
		return nil, err
	}
	mv, ok := db.GetMaterializedView(taskCtx.MVID)
	if !ok {
		return nil, cerr.NewInvalidTask("mv-refresh", taskCtx.MVID)
	}
	if !mv.TryActivate() {
		return nil, cerr.NewInactiveMV(mv.Name, mv.InactiveReason())
	}
	return &runContext{taskCtx: taskCtx, db: db, mv: mv}, nil
}

// refreshWithRetry drives doRefresh under two isolated failure budgets: lock
// timeouts consume only the lock budget, every other retryable failure
// consumes only the general budget. Exhausting either budget fails the run.
func (p *processor) refreshWithRetry(ctx context.Context, rc *runContext) (Status, error) {
	maxGeneral := p.cfg.MinRefreshRetryTimes
	if rc.taskCtx.MaxRetryTimes > maxGeneral {
		maxGeneral = rc.taskCtx.MaxRetryTimes
	}
	maxLock := p.cfg.MaxLockRetryTimes

	lockFailed, generalFailed := 0, 0
	for {
		status, err := p.doRefresh(ctx, rc)
		if err == nil {
			return status, nil
		}
		if !retryable(err) || rc.taskCtx.Killed() {
			return StatusFailed, err
		}
		if cerr.IsErrCode(err, cerr.ErrLockTimeout) {
			lockFailed++
		} else {
			generalFailed++
		}
		if lockFailed > maxLock || generalFailed > maxGeneral {
			return StatusFailed, cerr.NewExecutionFailed(
				"refresh of %s gave up after %d general and %d lock failures: %s",
				rc.mv.Name, generalFailed, lockFailed,
				truncateMessage(err.Error(), p.cfg.MaxErrorMessageLength))
		}
		if cerr.IsErrCode(err, cerr.ErrLockTimeout) {
			rc.stats.lockRetries++
			refreshLockRetryCounter.Inc()
		} else {
			rc.stats.generalRetries++
			refreshGeneralRetryCounter.Inc()
		}
		p.logger.Warn("refresh attempt failed, retrying",
			zap.String("view", rc.mv.Name),
			zap.Int("lock-failures", lockFailed),
			zap.Int("general-failures", generalFailed),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return StatusFailed, cerr.NewExecutionFailed("refresh of %s cancelled", rc.mv.Name)
		case <-time.After(p.cfg.RetryInterval):
		}
	}
}

// retryable classifies failures by error code. Concurrent drops, inactive
// views and analysis failures cannot be cured by retrying.
func retryable(err error) bool {
	switch {
	case cerr.IsErrCode(err, cerr.ErrConcurrentDrop),
		cerr.IsErrCode(err, cerr.ErrInactiveMV),
		cerr.IsErrCode(err, cerr.ErrAnalysisFailed),
		cerr.IsErrCode(err, cerr.ErrInvalidTask):
		return false
	}
	return true
}

func (p *processor) doRefresh(ctx context.Context, rc *runContext) (Status, error) {
	rc.nextStart, rc.nextEnd = "", ""

	if err := p.syncer.run(ctx, rc); err != nil {
		return StatusFailed, err
	}

	scope, err := p.resolveScope(rc)
	if err != nil {
		return StatusFailed, err
	}
	if len(scope) == 0 {
		p.logger.Info("nothing to refresh", zap.String("view", rc.mv.Name))
		return StatusEmpty, nil
	}
	if rc.taskCtx.Killed() {
		return StatusFailed, cerr.NewExecutionFailed("refresh of %s killed", rc.mv.Name)
	}

	stmt := p.buildRebuildStatement(rc, scope)
	p.logger.Info("executing rebuild",
		zap.String("view", rc.mv.Name),
		zap.String("query-id", stmt.QueryID),
		zap.Strings("partitions", scope))
	res, err := p.engine.Execute(ctx, stmt)
	if err != nil {
		if cerr.IsErrCode(err, cerr.ErrLockTimeout) {
			return StatusFailed, err
		}
		return StatusFailed, cerr.NewExecutionFailed("rebuild of %s: %s", rc.mv.Name,
			truncateMessage(err.Error(), p.cfg.MaxErrorMessageLength))
	}
	// a kill that landed while the engine was executing must not commit
	if rc.taskCtx.Killed() {
		return StatusFailed, cerr.NewExecutionFailed("refresh of %s killed", rc.mv.Name)
	}

	if err := p.meta.commit(rc, scope, res); err != nil {
		return StatusFailed, err
	}
	return StatusSuccess, nil
}

// resolveScope runs the resolver under the database read lock so that the
// view layout cannot shift mid-resolution.
func (p *processor) resolveScope(rc *runContext) ([]string, error) {
	if err := rc.db.TryReadLock(p.cfg.LockTimeout); err != nil {
		return nil, err
	}
	defer rc.db.ReadUnlock()
	return p.resolver.resolve(rc)
}

// buildRebuildStatement scopes the insert-overwrite to exactly the resolved
// view partitions. The ref base table contributes only the associated
// partitions; every other base table is scanned whole.
func (p *processor) buildRebuildStatement(rc *runContext, scope []string) *RebuildStatement {
	sources := make(map[uint64][]string, len(rc.snapshots))
	for tableID, snap := range rc.snapshots {
		if rc.refSnapshot != nil && tableID == rc.refSnapshot.Table.ID && rc.mvToBase != nil {
			seen := make(map[string]struct{})
			var parts []string
			for _, name := range scope {
				for _, base := range rc.mvToBase[name] {
					if _, ok := seen[base]; !ok {
						seen[base] = struct{}{}
						parts = append(parts, base)
					}
				}
			}
			sort.Strings(parts)
			sources[tableID] = parts
			continue
		}
		sources[tableID] = snap.Table.VisiblePartitionNames()
	}
	return &RebuildStatement{
		QueryID:          uuid.NewString(),
		MVID:             rc.mv.ID,
		Definition:       rc.mv.Definition,
		TargetPartitions: append([]string(nil), scope...),
		SourcePartitions: sources,
	}
}

func truncateMessage(msg string, max int) string {
	if max <= 0 || len(msg) <= max {
		return msg
	}
	return msg[:max]
}
