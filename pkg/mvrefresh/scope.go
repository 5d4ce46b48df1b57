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
	"go.uber.org/zap"

	"github.com/cirrodb/cirro/pkg/catalog"
	"github.com/cirrodb/cirro/pkg/common/cerr"
	"github.com/cirrodb/cirro/pkg/config"
	"github.com/cirrodb/cirro/pkg/partition"
)

// scopeResolver decides which view partitions one run rebuilds. Resolution
// runs against the snapshots captured by the layout sync, under the owning
// database's read lock.
type scopeResolver struct {
	cfg    *config.RefreshConfig
	logger *zap.Logger
}

func newScopeResolver(cfg *config.RefreshConfig, logger *zap.Logger) *scopeResolver {
	return &scopeResolver{cfg: cfg, logger: logger}
}

// resolve returns the stale view partitions in ascending range order. An
// empty result means the view is fresh and the run finishes as EMPTY.
func (r *scopeResolver) resolve(rc *runContext) ([]string, error) {
	switch rc.mv.PartitionDesc.Type {
	case catalog.PartitionNone:
		return r.resolveUnpartitioned(rc), nil
	case catalog.PartitionRange:
		return r.resolveRange(rc)
	default:
		return nil, cerr.NewAnalysisFailed("unsupported partition type %d of view %s",
			rc.mv.PartitionDesc.Type, rc.mv.Name)
	}
}

// resolveUnpartitioned refreshes all or nothing: any stale base table makes
// the whole view stale.
func (r *scopeResolver) resolveUnpartitioned(rc *runContext) []string {
	if rc.taskCtx.Force || r.anyBaseStale(rc) {
		return rc.mv.VisiblePartitionNames()
	}
	return nil
}

func (r *scopeResolver) resolveRange(rc *runContext) ([]string, error) {
	if rc.refSnapshot == nil {
		return nil, cerr.NewAnalysisFailed("range partitioned view %s has no ref base table", rc.mv.Name)
	}
	taskCtx := rc.taskCtx
	window := r.window(rc)
	bounded := taskCtx.PartitionStart != "" || taskCtx.PartitionEnd != ""

	// force without bounds rebuilds the whole window regardless of change
	// detection
	if taskCtx.Force && !bounded {
		return r.truncate(rc, window), nil
	}
	// a changed non-ref base table invalidates the whole window, bounded or
	// not; its staleness is not visible through the ref table associations
	if r.nonRefStale(rc) {
		return r.truncate(rc, window), nil
	}
	scope := r.staleWithin(rc, window, taskCtx.Force)
	return r.truncate(rc, scope), nil
}

// window returns the candidate view partitions: the user-specified key
// window when bounds are given, otherwise the most recent TTL partitions.
func (r *scopeResolver) window(rc *runContext) []string {
	taskCtx := rc.taskCtx
	if taskCtx.PartitionStart == "" && taskCtx.PartitionEnd == "" {
		return rc.mv.Ranges.WindowNames(rc.mv.RefreshScheme.TTLNumber)
	}
	var start, end *partition.Key
	if taskCtx.PartitionStart != "" {
		k := partition.NewKey(partition.ParseValue(taskCtx.PartitionStart))
		start = &k
	}
	if taskCtx.PartitionEnd != "" {
		k := partition.NewKey(partition.ParseValue(taskCtx.PartitionEnd))
		end = &k
	}
	return rc.mv.Ranges.NamesBetween(start, end)
}

// staleWithin narrows the window to partitions whose ref base partitions
// changed, then expands across the partition association maps until no new
// partition joins. Expansion matters for non-identity transforms where view
// and base partitions associate many-to-many.
func (r *scopeResolver) staleWithin(rc *runContext, window []string, force bool) []string {
	if force || rc.refSnapshot.Table.NoPartitionRefresh {
		return window
	}
	updated := rc.mv.UpdatedPartitionNames(rc.refSnapshot.Table)
	if len(updated) == 0 {
		return nil
	}
	scope := make(map[string]struct{})
	for _, base := range updated {
		for _, name := range rc.baseToMV[base] {
			scope[name] = struct{}{}
		}
	}
	expandToFixedPoint(scope, rc.mvToBase, rc.baseToMV)

	out := make([]string, 0, len(scope))
	for _, name := range window {
		if _, ok := scope[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

// expandToFixedPoint grows the scope until it is closed under the view to
// base and base to view association maps. Idempotent once closed.
func expandToFixedPoint(scope map[string]struct{}, mvToBase, baseToMV map[string][]string) {
	for {
		grew := false
		for name := range scope {
			for _, base := range mvToBase[name] {
				for _, peer := range baseToMV[base] {
					if _, ok := scope[peer]; !ok {
						scope[peer] = struct{}{}
						grew = true
					}
				}
			}
		}
		if !grew {
			return
		}
	}
}

// truncate caps the scope at the per-run batch size and records the key
// window of the remainder, which the manager schedules as a continuation run.
func (r *scopeResolver) truncate(rc *runContext, scope []string) []string {
	n := rc.mv.RefreshScheme.RefreshNumber
	if n <= 0 || len(scope) <= n {
		return scope
	}
	kept, dropped := scope[:n], scope[n:]

	first, _ := rc.mv.Ranges.Get(dropped[0])
	rc.nextStart = first.Lower.String()
	last, _ := rc.mv.Ranges.Get(dropped[len(dropped)-1])
	if !last.Upper.IsMax() {
		rc.nextEnd = last.Upper.String()
	}
	r.logger.Info("refresh scope truncated",
		zap.String("view", rc.mv.Name),
		zap.Int("kept", len(kept)),
		zap.Int("deferred", len(dropped)),
		zap.String("next-start", rc.nextStart),
		zap.String("next-end", rc.nextEnd))
	return kept
}

// anyBaseStale reports whether any base table has partitions the view has
// not consumed. Tables without change tracking always count as stale.
func (r *scopeResolver) anyBaseStale(rc *runContext) bool {
	for _, snap := range rc.snapshots {
		if snap.Table.NoPartitionRefresh {
			return true
		}
		if len(rc.mv.UpdatedPartitionNames(snap.Table)) > 0 {
			return true
		}
	}
	return false
}

// nonRefStale reports whether a base table other than the ref table changed.
// Tables without change tracking are skipped here: they cannot prove
// staleness on their own for a range partitioned view.
func (r *scopeResolver) nonRefStale(rc *runContext) bool {
	for _, snap := range rc.snapshots {
		if snap.Ref.IsRef || snap.Table.NoPartitionRefresh {
			continue
		}
		if len(rc.mv.UpdatedPartitionNames(snap.Table)) > 0 {
			return true
		}
	}
	return false
}
