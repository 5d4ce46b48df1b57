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

package partition

import "sort"

// Diff is the partition set reconciliation between a materialized view and
// the transformed partition map of its ref base table. Deletes must be
// applied before adds: a deleted range's key space may be reused by a
// differently-bounded add.
type Diff struct {
	Adds    map[string]Range
	Deletes map[string]Range
}

func (d Diff) Empty() bool {
	return len(d.Adds) == 0 && len(d.Deletes) == 0
}

// ComputeDiff reconciles the view's current range map against the transformed
// target map. Deletes are view partitions whose name or range no longer
// appears in the target. Adds are target partitions missing from the view,
// bounded by the retention window: only the most recent ttl target partitions
// are required adds. The window never forces deletion of in-window existing
// partitions; retention eviction is a separate job.
func ComputeDiff(target, current *RangeMap, ttl int) Diff {
	diff := Diff{
		Adds:    make(map[string]Range),
		Deletes: make(map[string]Range),
	}

	current.Ascend(func(name string, r Range) bool {
		if tr, ok := target.Get(name); !ok || !tr.Equal(r) {
			diff.Deletes[name] = r
		}
		return true
	})

	for _, name := range target.WindowNames(ttl) {
		tr, _ := target.Get(name)
		if cr, ok := current.Get(name); !ok || !cr.Equal(tr) {
			diff.Adds[name] = tr
		}
	}
	return diff
}

// Apply rewrites the current map in place, deletes before adds. Used by the
// diff round-trip tests and by catalog-free callers; the orchestrator itself
// applies the diff through partition DDL.
func (d Diff) Apply(current *RangeMap) error {
	for name := range d.Deletes {
		current.Remove(name)
	}
	// deterministic order keeps error reporting stable
	names := make([]string, 0, len(d.Adds))
	for name := range d.Adds {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := current.Add(name, d.Adds[name]); err != nil {
			return err
		}
	}
	return nil
}

// Intersect associates every partition of from with the partitions of to
// whose ranges overlap it. The mapping is by interval overlap, never by name
// equality: view partition names are synthetic.
func Intersect(from, to *RangeMap) map[string][]string {
	out := make(map[string][]string, from.Len())
	from.Ascend(func(name string, r Range) bool {
		var hits []string
		to.Ascend(func(oname string, or Range) bool {
			if r.Lower.Compare(or.Upper) >= 0 {
				return true
			}
			if or.Lower.Compare(r.Upper) >= 0 {
				return false
			}
			hits = append(hits, oname)
			return true
		})
		out[name] = hits
		return true
	})
	return out
}

// HasChange reports whether two range maps differ in names or bounds. Used
// by the optimistic snapshot verification step.
func HasChange(a, b *RangeMap) bool {
	return !a.Equal(b)
}
