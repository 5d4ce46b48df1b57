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
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/cirrodb/cirro/pkg/catalog"
	"github.com/cirrodb/cirro/pkg/common/cerr"
	"github.com/cirrodb/cirro/pkg/config"
)

// metaUpdater commits the refresh provenance after a successful rebuild:
// which base partition versions the run consumed and which base partitions
// each view partition was built from. All mutation happens in one database
// write lock transaction and produces at most one edit log record.
type metaUpdater struct {
	cfg     *config.RefreshConfig
	catalog *catalog.Catalog
	logger  *zap.Logger
}

func newMetaUpdater(cfg *config.RefreshConfig, cat *catalog.Catalog, logger *zap.Logger) *metaUpdater {
	return &metaUpdater{cfg: cfg, catalog: cat, logger: logger}
}

func (u *metaUpdater) commit(rc *runContext, scope []string, res *ExecResult) error {
	if err := rc.db.WriteLockAndCheckExist(u.cfg.LockTimeout); err != nil {
		return err
	}
	defer rc.db.WriteUnlock()

	live, ok := rc.db.GetMaterializedView(rc.mv.ID)
	if !ok {
		return cerr.NewConcurrentDrop(fmt.Sprintf("materialized view %s", rc.mv.Name))
	}

	changed := u.recordBaseVersions(rc, live, res)
	if u.recordAssociations(rc, live, scope) {
		changed = true
	}
	if !changed {
		return nil
	}

	live.RefreshScheme.LastRefreshTime = time.Now().UnixMilli()
	record := &catalog.RefreshSchemeChange{
		MVID:            live.ID,
		Timestamp:       live.RefreshScheme.LastRefreshTime,
		LastRefreshTime: live.RefreshScheme.LastRefreshTime,
		RefreshContext:  live.RefreshContext,
	}
	if err := u.catalog.EditLog().LogMVRefreshChange(record); err != nil {
		return cerr.NewExecutionFailed("log refresh change of %s: %s", live.Name, err)
	}
	u.logger.Info("committed refresh metadata",
		zap.String("view", live.Name),
		zap.Int("partitions", len(scope)))
	return nil
}

// recordBaseVersions stamps the consumed version of every scanned base
// partition and prunes records of partitions gone from the snapshot. While a
// continuation is pending only the ref base table is recorded, so the
// deferred partitions still see the other tables as changed.
func (u *metaUpdater) recordBaseVersions(rc *runContext, live *catalog.MaterializedView, res *ExecResult) bool {
	changed := false
	for _, tableID := range sortedTableIDs(res.ScannedPartitions) {
		snap := rc.snapshots[tableID]
		if snap == nil {
			continue
		}
		if rc.hasNextBatch() && rc.refSnapshot != nil && tableID != rc.refSnapshot.Table.ID {
			continue
		}
		recorded := live.RefreshContext.BaseTableVersions[tableID]
		if recorded == nil {
			recorded = make(map[string]catalog.BasePartitionInfo)
			live.RefreshContext.BaseTableVersions[tableID] = recorded
		}
		for _, name := range res.ScannedPartitions[tableID] {
			st, ok := snap.Table.Stats[name]
			if !ok {
				continue
			}
			info := basePartitionInfo(snap.Table.Kind, st)
			if recorded[name] != info {
				recorded[name] = info
				changed = true
			}
		}
		for name := range recorded {
			if !snap.Table.HasPartition(name) {
				delete(recorded, name)
				changed = true
			}
		}
	}
	return changed
}

// recordAssociations persists, for every rebuilt view partition, the ref
// base partitions it was built from.
func (u *metaUpdater) recordAssociations(rc *runContext, live *catalog.MaterializedView, scope []string) bool {
	if live.PartitionDesc.Type != catalog.PartitionRange || rc.mvToBase == nil {
		return false
	}
	changed := false
	for _, name := range scope {
		bases := append([]string(nil), rc.mvToBase[name]...)
		sort.Strings(bases)
		if !equalStrings(live.RefreshContext.MVToBasePartitions[name], bases) {
			live.RefreshContext.MVToBasePartitions[name] = bases
			changed = true
		}
	}
	// forget associations of partitions the layout sync dropped
	for name := range live.RefreshContext.MVToBasePartitions {
		if !live.Ranges.Has(name) {
			delete(live.RefreshContext.MVToBasePartitions, name)
			changed = true
		}
	}
	return changed
}

func basePartitionInfo(kind catalog.TableKind, st catalog.PartitionStats) catalog.BasePartitionInfo {
	if kind == catalog.KindExternal {
		return catalog.BasePartitionInfo{
			PartitionID: st.ID,
			Version:     st.ModifiedTime,
			VersionTime: st.ModifiedTime,
		}
	}
	return catalog.BasePartitionInfo{
		PartitionID: st.ID,
		Version:     st.VisibleVersion,
		VersionTime: st.VisibleVersionTime,
	}
}

func sortedTableIDs(scanned map[uint64][]string) []uint64 {
	ids := make([]uint64, 0, len(scanned))
	for id := range scanned {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
