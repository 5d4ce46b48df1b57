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
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/cirrodb/cirro/pkg/catalog"
	"github.com/cirrodb/cirro/pkg/common/cerr"
	"github.com/cirrodb/cirro/pkg/config"
	"github.com/cirrodb/cirro/pkg/partition"
)

// layoutSyncer aligns the view's partition layout with the transformed ref
// base table layout before every rebuild. It runs an optimistic cycle:
// snapshot the base tables, apply the partition diff, then verify nothing
// drifted meanwhile; a drift restarts the cycle up to the configured bound.
type layoutSyncer struct {
	cfg     *config.RefreshConfig
	catalog *catalog.Catalog
	snap    *snapshotter
	logger  *zap.Logger
}

func newLayoutSyncer(
	cfg *config.RefreshConfig,
	cat *catalog.Catalog,
	snap *snapshotter,
	logger *zap.Logger,
) *layoutSyncer {
	return &layoutSyncer{
		cfg:     cfg,
		catalog: cat,
		snap:    snap,
		logger:  logger,
	}
}

func (s *layoutSyncer) run(ctx context.Context, rc *runContext) error {
	for attempt := 1; ; attempt++ {
		err := s.snap.collect(ctx, rc)
		if err == nil {
			if err = s.syncViewPartitions(ctx, rc); err != nil {
				return err
			}
			var drifted bool
			drifted, err = s.snap.verify(ctx, rc)
			if err == nil && !drifted {
				return s.buildAssociations(rc)
			}
		}
		// lock timeouts and concurrent drops are the outer retry loop's
		// business, not the sync cycle's
		if err != nil &&
			!cerr.IsErrCode(err, cerr.ErrExecutionFailed) {
			return err
		}
		rc.stats.syncRetries++
		refreshSyncRetryCounter.Inc()
		if attempt >= s.cfg.MaxSyncRetryTimes {
			return cerr.NewUnstableLayout(rc.mv.Name, attempt)
		}
		s.logger.Info("base table layout drifted, retrying sync",
			zap.String("view", rc.mv.Name),
			zap.Int("attempt", attempt),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return cerr.NewExecutionFailed("layout sync of %s cancelled", rc.mv.Name)
		case <-time.After(s.cfg.SyncRetryInterval):
		}
	}
}

// syncViewPartitions computes the diff between the transformed ref base
// layout and the view's current layout, then applies deletes first and adds
// second. The TTL window bounds adds only; partitions that merely aged out
// of the window are left alone.
func (s *layoutSyncer) syncViewPartitions(ctx context.Context, rc *runContext) error {
	mv := rc.mv
	if mv.PartitionDesc.Type != catalog.PartitionRange || rc.refSnapshot == nil {
		return nil
	}
	target, err := mv.PartitionDesc.Transform.Apply(rc.refSnapshot.Table.Ranges)
	if err != nil {
		return err
	}

	if err := rc.db.TryReadLock(s.cfg.LockTimeout); err != nil {
		return err
	}
	current := mv.Ranges.Clone()
	rc.db.ReadUnlock()

	diff := partition.ComputeDiff(target, current, mv.RefreshScheme.TTLNumber)
	if diff.Empty() {
		return nil
	}
	if err := s.dropViewPartitions(rc, diff.Deletes); err != nil {
		return err
	}
	return s.addViewPartitions(ctx, rc, diff.Adds)
}

// dropViewPartitions drops stale view partitions one write lock transaction
// each, re-validating existence under the lock every time.
func (s *layoutSyncer) dropViewPartitions(rc *runContext, deletes map[string]partition.Range) error {
	names := make([]string, 0, len(deletes))
	for name := range deletes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := rc.db.WriteLockAndCheckExist(s.cfg.LockTimeout); err != nil {
			return err
		}
		live, ok := rc.db.GetMaterializedView(rc.mv.ID)
		if !ok {
			rc.db.WriteUnlock()
			return cerr.NewConcurrentDrop(fmt.Sprintf("materialized view %s", rc.mv.Name))
		}
		if live.Ranges.Has(name) {
			live.Ranges.Remove(name)
			delete(live.Stats, name)
			refreshPartitionDropCounter.Inc()
		}
		rc.db.WriteUnlock()
		s.logger.Info("dropped view partition",
			zap.String("view", rc.mv.Name),
			zap.String("partition", name))
	}
	return nil
}

// addViewPartitions creates missing view partitions in fixed-size batches,
// one write lock transaction per batch, pausing between batches to bound
// catalog write pressure.
func (s *layoutSyncer) addViewPartitions(ctx context.Context, rc *runContext, adds map[string]partition.Range) error {
	names := make([]string, 0, len(adds))
	for name := range adds {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return adds[names[i]].Compare(adds[names[j]]) < 0
	})

	batch := s.cfg.CreatePartitionBatchSize
	for i := 0; i < len(names); i += batch {
		if i > 0 {
			select {
			case <-ctx.Done():
				return cerr.NewExecutionFailed("partition creation of %s cancelled", rc.mv.Name)
			case <-time.After(s.cfg.PartitionBatchInterval):
			}
		}
		j := i + batch
		if j > len(names) {
			j = len(names)
		}
		if err := s.addPartitionBatch(rc, names[i:j], adds); err != nil {
			return err
		}
		rc.stats.ddlBatches++
	}
	return nil
}

func (s *layoutSyncer) addPartitionBatch(rc *runContext, names []string, adds map[string]partition.Range) error {
	if err := rc.db.WriteLockAndCheckExist(s.cfg.LockTimeout); err != nil {
		return err
	}
	defer rc.db.WriteUnlock()

	live, ok := rc.db.GetMaterializedView(rc.mv.ID)
	if !ok {
		return cerr.NewConcurrentDrop(fmt.Sprintf("materialized view %s", rc.mv.Name))
	}
	for _, name := range names {
		if live.Ranges.Has(name) {
			continue
		}
		if err := live.Ranges.Add(name, adds[name]); err != nil {
			return err
		}
		live.Stats[name] = catalog.PartitionStats{}
		refreshPartitionAddCounter.Inc()
	}
	s.logger.Info("created view partitions",
		zap.String("view", rc.mv.Name),
		zap.Int("count", len(names)))
	return nil
}

// buildAssociations computes the bidirectional association between view
// partitions and ref base table partitions by range intersection. Both maps
// feed scope resolution and the post-refresh bookkeeping.
func (s *layoutSyncer) buildAssociations(rc *runContext) error {
	rc.mvToBase, rc.baseToMV = nil, nil
	if rc.mv.PartitionDesc.Type != catalog.PartitionRange || rc.refSnapshot == nil {
		return nil
	}
	if err := rc.db.TryReadLock(s.cfg.LockTimeout); err != nil {
		return err
	}
	mvRanges := rc.mv.Ranges.Clone()
	rc.db.ReadUnlock()

	base := rc.refSnapshot.Table.Ranges
	rc.mvToBase = partition.Intersect(mvRanges, base)
	rc.baseToMV = partition.Intersect(base, mvRanges)
	return nil
}
