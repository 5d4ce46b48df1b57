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
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/cirrodb/cirro/pkg/catalog"
	"github.com/cirrodb/cirro/pkg/common/cerr"
	"github.com/cirrodb/cirro/pkg/common/stopper"
	"github.com/cirrodb/cirro/pkg/config"
	"github.com/cirrodb/cirro/pkg/logutil"
)

// JobStatus is the last observed outcome of a view's refresh runs.
type JobStatus struct {
	LastRunID      string
	LastStatus     Status
	LastError      string
	LastDuration   time.Duration
	LastFinishTime time.Time
	LockRetries    int
	GeneralRetries int
	SyncRetries    int
}

// ManagerOption configures a RefreshManager.
type ManagerOption func(*RefreshManager)

// WithManagerLogger sets the logger used by the manager and every pipeline
// stage under it.
func WithManagerLogger(logger *zap.Logger) ManagerOption {
	return func(m *RefreshManager) {
		m.logger = logger
	}
}

// RefreshManager owns the refresh pipeline of every materialized view: it
// serializes runs per view, caps global parallelism, drives cron scheduled
// refreshes and hands truncated scopes back to the task scheduler as
// continuation runs.
type RefreshManager struct {
	cfg       *config.RefreshConfig
	catalog   *catalog.Catalog
	scheduler TaskScheduler
	logger    *zap.Logger
	proc      *processor
	stopper   *stopper.Stopper
	pool      *ants.Pool
	cron      *cron.Cron

	mu struct {
		sync.RWMutex
		jobs        map[uint64]*JobStatus
		running     map[uint64]*TaskRunContext
		cronEntries map[uint64]cron.EntryID
	}
}

func NewRefreshManager(
	cfg *config.RefreshConfig,
	cat *catalog.Catalog,
	engine ExecutionEngine,
	external ExternalMetaProvider,
	scheduler TaskScheduler,
	opts ...ManagerOption,
) (*RefreshManager, error) {
	m := &RefreshManager{
		cfg:       cfg,
		catalog:   cat,
		scheduler: scheduler,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logutil.Adjust(nil)
	}
	m.logger = m.logger.Named("mvrefresh")

	pool, err := ants.NewPool(cfg.Parallelism)
	if err != nil {
		return nil, cerr.NewInvalidArg("parallelism", cfg.Parallelism)
	}
	m.pool = pool
	m.proc = newProcessor(cfg, cat, engine, external, m.logger)
	m.stopper = stopper.NewStopper("mv-refresh", stopper.WithLogger(m.logger))
	m.cron = cron.New()
	m.mu.jobs = make(map[uint64]*JobStatus)
	m.mu.running = make(map[uint64]*TaskRunContext)
	m.mu.cronEntries = make(map[uint64]cron.EntryID)
	return m, nil
}

// Start begins firing cron scheduled refreshes.
func (m *RefreshManager) Start() {
	m.cron.Start()
}

// Stop cancels every in-flight run and waits for them to drain.
func (m *RefreshManager) Stop() {
	<-m.cron.Stop().Done()
	m.mu.RLock()
	for _, taskCtx := range m.mu.running {
		taskCtx.Kill()
	}
	m.mu.RUnlock()
	m.stopper.Stop()
	m.pool.Release()
}

// Run executes one refresh task synchronously. At most one run per view may
// be in flight; overlapping submissions are rejected.
func (m *RefreshManager) Run(ctx context.Context, taskCtx *TaskRunContext) (Status, error) {
	if taskCtx.RunID == "" {
		taskCtx.RunID = uuid.NewString()
	}
	if err := m.markRunning(taskCtx); err != nil {
		return StatusFailed, err
	}
	defer m.clearRunning(taskCtx.MVID)

	start := time.Now()
	status, rc, err := m.proc.process(ctx, taskCtx)
	m.observe(taskCtx, status, rc, err, time.Since(start))

	if err == nil && status == StatusSuccess && rc != nil &&
		rc.hasNextBatch() && !taskCtx.Killed() && m.scheduler != nil {
		if serr := m.scheduler.ScheduleContinuation(
			ctx, taskCtx.MVID, rc.nextStart, rc.nextEnd, PriorityHighest); serr != nil {
			m.logger.Error("schedule continuation run",
				zap.Uint64("mv-id", taskCtx.MVID),
				zap.Error(serr))
		} else {
			m.logger.Info("scheduled continuation run",
				zap.Uint64("mv-id", taskCtx.MVID),
				zap.String("next-start", rc.nextStart),
				zap.String("next-end", rc.nextEnd))
		}
	}
	return status, err
}

// Submit runs a refresh task asynchronously on the worker pool, bounded by
// the configured parallelism. The run is cancelled when the manager stops.
func (m *RefreshManager) Submit(taskCtx *TaskRunContext) error {
	return m.stopper.RunNamedTask(fmt.Sprintf("refresh-mv-%d", taskCtx.MVID),
		func(ctx context.Context) {
			done := make(chan struct{})
			if err := m.pool.Submit(func() {
				defer close(done)
				if _, err := m.Run(ctx, taskCtx); err != nil {
					m.logger.Error("async refresh failed",
						zap.Uint64("mv-id", taskCtx.MVID),
						zap.String("run-id", taskCtx.RunID),
						zap.Error(err))
				}
			}); err != nil {
				m.logger.Error("submit refresh to worker pool",
					zap.Uint64("mv-id", taskCtx.MVID),
					zap.Error(err))
				return
			}
			<-done
		})
}

// ScheduleCron registers the view's cron spec with the scheduler. Each
// firing submits a normal, non-forced refresh.
func (m *RefreshManager) ScheduleCron(databaseID, mvID uint64) (cron.EntryID, error) {
	db, err := m.catalog.GetDatabase(databaseID)
	if err != nil {
		return 0, err
	}
	mv, ok := db.GetMaterializedView(mvID)
	if !ok {
		return 0, cerr.NewInvalidTask("mv-refresh", mvID)
	}
	spec := mv.RefreshScheme.CronSpec
	if spec == "" {
		return 0, cerr.NewInvalidArg("cron spec", mv.Name)
	}
	entry, err := m.cron.AddFunc(spec, func() {
		taskCtx := &TaskRunContext{DatabaseID: databaseID, MVID: mvID}
		if err := m.Submit(taskCtx); err != nil {
			m.logger.Error("submit scheduled refresh",
				zap.Uint64("mv-id", mvID),
				zap.Error(err))
		}
	})
	if err != nil {
		return 0, cerr.NewInvalidArg("cron spec", spec)
	}
	m.mu.Lock()
	m.mu.cronEntries[mvID] = entry
	m.mu.Unlock()
	m.logger.Info("scheduled cron refresh",
		zap.Uint64("mv-id", mvID),
		zap.String("spec", spec))
	return entry, nil
}

// UnscheduleCron removes the view's cron registration, no-op when absent.
func (m *RefreshManager) UnscheduleCron(mvID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.mu.cronEntries[mvID]; ok {
		m.cron.Remove(entry)
		delete(m.mu.cronEntries, mvID)
	}
}

// Kill flags the view's in-flight run for cancellation, reported false when
// no run is in flight.
func (m *RefreshManager) Kill(mvID uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	taskCtx, ok := m.mu.running[mvID]
	if ok {
		taskCtx.Kill()
	}
	return ok
}

// JobStatus returns the last observed outcome of the view's refresh runs.
func (m *RefreshManager) JobStatus(mvID uint64) (JobStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.mu.jobs[mvID]
	if !ok {
		return JobStatus{}, false
	}
	return *st, true
}

func (m *RefreshManager) markRunning(taskCtx *TaskRunContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.mu.running[taskCtx.MVID]; ok {
		return cerr.NewInvalidState("refresh of view %d already running", taskCtx.MVID)
	}
	m.mu.running[taskCtx.MVID] = taskCtx
	return nil
}

func (m *RefreshManager) clearRunning(mvID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.mu.running, mvID)
}

func (m *RefreshManager) observe(
	taskCtx *TaskRunContext,
	status Status,
	rc *runContext,
	err error,
	elapsed time.Duration,
) {
	refreshDurationHistogram.Observe(elapsed.Seconds())
	switch {
	case err != nil, status == StatusFailed:
		refreshJobFailedCounter.Inc()
	case status == StatusEmpty:
		refreshJobEmptyCounter.Inc()
	default:
		refreshJobSuccessCounter.Inc()
	}

	st := &JobStatus{
		LastRunID:      taskCtx.RunID,
		LastStatus:     status,
		LastDuration:   elapsed,
		LastFinishTime: time.Now(),
	}
	if err != nil {
		st.LastStatus = StatusFailed
		st.LastError = truncateMessage(err.Error(), m.cfg.MaxErrorMessageLength)
	}
	if rc != nil {
		st.LockRetries = rc.stats.lockRetries
		st.GeneralRetries = rc.stats.generalRetries
		st.SyncRetries = rc.stats.syncRetries
	}
	m.mu.Lock()
	m.mu.jobs[taskCtx.MVID] = st
	m.mu.Unlock()
}
