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

	"go.uber.org/zap"

	"github.com/cirrodb/cirro/pkg/catalog"
	"github.com/cirrodb/cirro/pkg/common/cerr"
	"github.com/cirrodb/cirro/pkg/config"
)

// snapshotter captures point-in-time base table state without holding the
// database lock across the run. Snapshots are collected under a short read
// lock, the layout sync works against them lock-free, and verify detects
// whether any base table drifted meanwhile so the run can restart the sync.
type snapshotter struct {
	cfg      *config.RefreshConfig
	catalog  *catalog.Catalog
	external ExternalMetaProvider
	logger   *zap.Logger
}

func newSnapshotter(
	cfg *config.RefreshConfig,
	cat *catalog.Catalog,
	external ExternalMetaProvider,
	logger *zap.Logger,
) *snapshotter {
	return &snapshotter{
		cfg:      cfg,
		catalog:  cat,
		external: external,
		logger:   logger,
	}
}

// collect refreshes external table metadata and clones every base table of
// the view under its database read lock. A base table that vanished from the
// catalog deactivates the view and aborts the run.
func (s *snapshotter) collect(ctx context.Context, rc *runContext) error {
	if err := s.refreshExternalTables(ctx, rc.mv); err != nil {
		return err
	}

	snapshots := make(map[uint64]*BaseTableSnapshot, len(rc.mv.BaseTables))
	byDatabase := groupRefsByDatabase(rc.mv.BaseTables)
	for _, dbID := range sortedDatabaseIDs(byDatabase) {
		db, err := s.catalog.GetDatabase(dbID)
		if err != nil {
			return err
		}
		if err := db.TryReadLock(s.cfg.LockTimeout); err != nil {
			return err
		}
		for _, ref := range byDatabase[dbID] {
			table, ok := db.GetTable(ref.TableID)
			if !ok {
				db.ReadUnlock()
				return s.deactivate(rc.mv, ref)
			}
			snapshots[ref.TableID] = &BaseTableSnapshot{
				Ref:   ref,
				Table: table.Clone(),
			}
		}
		db.ReadUnlock()
	}

	rc.snapshots = snapshots
	rc.refSnapshot = nil
	if ref, ok := rc.mv.RefTable(); ok {
		rc.refSnapshot = snapshots[ref.TableID]
	}
	return nil
}

// refreshExternalTables pulls the latest partition metadata of every
// external base table into the catalog cache before the snapshot is taken.
func (s *snapshotter) refreshExternalTables(ctx context.Context, mv *catalog.MaterializedView) error {
	for _, ref := range mv.BaseTables {
		db, err := s.catalog.GetDatabase(ref.DatabaseID)
		if err != nil {
			return err
		}
		table, ok := db.GetTable(ref.TableID)
		if !ok {
			return s.deactivate(mv, ref)
		}
		if table.IsNative() {
			continue
		}
		if err := s.external.RefreshMetaCache(ctx, table); err != nil {
			return cerr.NewExecutionFailed("refresh external meta of %s: %s", table.Name, err)
		}
	}
	return nil
}

// verify reports whether any base table's partition layout drifted since the
// snapshot was taken. Native tables are compared against the live catalog,
// external tables against a fresh listing from the meta provider.
func (s *snapshotter) verify(ctx context.Context, rc *runContext) (bool, error) {
	byDatabase := groupRefsByDatabase(rc.mv.BaseTables)
	for _, dbID := range sortedDatabaseIDs(byDatabase) {
		db, err := s.catalog.GetDatabase(dbID)
		if err != nil {
			return false, err
		}
		if err := db.TryReadLock(s.cfg.LockTimeout); err != nil {
			return false, err
		}
		for _, ref := range byDatabase[dbID] {
			snap := rc.snapshots[ref.TableID]
			live, ok := db.GetTable(ref.TableID)
			if !ok {
				db.ReadUnlock()
				return false, s.deactivate(rc.mv, ref)
			}
			drifted, err := s.drifted(ctx, snap, live)
			if err != nil {
				db.ReadUnlock()
				return false, err
			}
			if drifted {
				s.logger.Info("base table layout drifted during sync",
					zap.String("table", live.Name),
					zap.Uint64("table-id", live.ID))
				db.ReadUnlock()
				return true, nil
			}
		}
		db.ReadUnlock()
	}
	return false, nil
}

func (s *snapshotter) drifted(ctx context.Context, snap *BaseTableSnapshot, live *catalog.Table) (bool, error) {
	if live.IsNative() {
		return !snap.Table.Ranges.Equal(live.Ranges), nil
	}

	names, err := s.external.PartitionNames(ctx, live)
	if err != nil {
		return false, cerr.NewExecutionFailed("list external partitions of %s: %s", live.Name, err)
	}
	if len(names) != len(snap.Table.Stats) {
		return true, nil
	}
	times, err := s.external.PartitionModifiedTimes(ctx, live, names)
	if err != nil {
		return false, cerr.NewExecutionFailed("read external partition times of %s: %s", live.Name, err)
	}
	for _, name := range names {
		st, ok := snap.Table.Stats[name]
		if !ok || st.ModifiedTime != times[name] {
			return true, nil
		}
	}
	return false, nil
}

func (s *snapshotter) deactivate(mv *catalog.MaterializedView, ref catalog.BaseTableRef) error {
	reason := fmt.Sprintf("base table %d.%d dropped", ref.DatabaseID, ref.TableID)
	mv.SetInactive(reason)
	s.logger.Warn("materialized view deactivated",
		zap.String("view", mv.Name),
		zap.String("reason", reason))
	return cerr.NewConcurrentDrop(fmt.Sprintf("base table %d.%d of view %s", ref.DatabaseID, ref.TableID, mv.Name))
}

func groupRefsByDatabase(refs []catalog.BaseTableRef) map[uint64][]catalog.BaseTableRef {
	grouped := make(map[uint64][]catalog.BaseTableRef, len(refs))
	for _, ref := range refs {
		grouped[ref.DatabaseID] = append(grouped[ref.DatabaseID], ref)
	}
	return grouped
}

func sortedDatabaseIDs(grouped map[uint64][]catalog.BaseTableRef) []uint64 {
	ids := make([]uint64, 0, len(grouped))
	for id := range grouped {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
