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

import (
	"github.com/google/btree"

	"github.com/cirrodb/cirro/pkg/common/cerr"
)

type rangeItem struct {
	name string
	rng  Range
}

func rangeItemLess(a, b rangeItem) bool {
	if c := a.rng.Compare(b.rng); c != 0 {
		return c < 0
	}
	return a.name < b.name
}

// RangeMap maps partition names to their key ranges and keeps a btree index
// ordered by range so that sorted iteration and overlap checks stay cheap
// for large partition catalogs. Ranges are pairwise non-overlapping by
// invariant; Add enforces it.
type RangeMap struct {
	ranges map[string]Range
	tree   *btree.BTreeG[rangeItem]
}

func NewRangeMap() *RangeMap {
	return &RangeMap{
		ranges: make(map[string]Range),
		tree:   btree.NewG[rangeItem](8, rangeItemLess),
	}
}

// Add inserts a named range, rejecting duplicate names and overlaps.
func (m *RangeMap) Add(name string, r Range) error {
	if _, ok := m.ranges[name]; ok {
		return cerr.NewInvalidState("partition %s already exists", name)
	}
	// only neighbors in range order can overlap a candidate
	probe := rangeItem{name: name, rng: r}
	var conflict *rangeItem
	m.tree.DescendLessOrEqual(probe, func(it rangeItem) bool {
		if it.rng.Overlaps(r) {
			conflict = &it
		}
		return false
	})
	if conflict == nil {
		m.tree.AscendGreaterOrEqual(probe, func(it rangeItem) bool {
			if it.rng.Overlaps(r) {
				conflict = &it
			}
			return false
		})
	}
	if conflict != nil {
		return cerr.NewInvalidState("partition %s range %s overlaps %s range %s",
			name, r, conflict.name, conflict.rng)
	}
	m.ranges[name] = r
	m.tree.ReplaceOrInsert(probe)
	return nil
}

// Remove deletes a named range, no-op when absent.
func (m *RangeMap) Remove(name string) {
	r, ok := m.ranges[name]
	if !ok {
		return
	}
	delete(m.ranges, name)
	m.tree.Delete(rangeItem{name: name, rng: r})
}

func (m *RangeMap) Get(name string) (Range, bool) {
	r, ok := m.ranges[name]
	return r, ok
}

func (m *RangeMap) Has(name string) bool {
	_, ok := m.ranges[name]
	return ok
}

func (m *RangeMap) Len() int {
	return len(m.ranges)
}

// Ascend visits entries in ascending range order.
func (m *RangeMap) Ascend(fn func(name string, r Range) bool) {
	m.tree.Ascend(func(it rangeItem) bool {
		return fn(it.name, it.rng)
	})
}

// SortedNames returns partition names in ascending range order.
func (m *RangeMap) SortedNames() []string {
	names := make([]string, 0, m.Len())
	m.Ascend(func(name string, _ Range) bool {
		names = append(names, name)
		return true
	})
	return names
}

// WindowNames returns the most recent ttl partitions in ascending range
// order. A non-positive ttl keeps every partition.
func (m *RangeMap) WindowNames(ttl int) []string {
	names := m.SortedNames()
	if ttl <= 0 || ttl >= len(names) {
		return names
	}
	return names[len(names)-ttl:]
}

// NamesBetween restricts names to partitions intersecting the inclusive
// [start, end] key window. Nil bounds leave the corresponding side open.
func (m *RangeMap) NamesBetween(start, end *Key) []string {
	var names []string
	m.Ascend(func(name string, r Range) bool {
		if start != nil && r.Upper.Compare(*start) <= 0 {
			return true
		}
		if end != nil && r.Lower.Compare(*end) > 0 {
			return false
		}
		names = append(names, name)
		return true
	})
	return names
}

func (m *RangeMap) Clone() *RangeMap {
	out := NewRangeMap()
	for name, r := range m.ranges {
		out.ranges[name] = r
		out.tree.ReplaceOrInsert(rangeItem{name: name, rng: r})
	}
	return out
}

// Equal reports whether both maps hold the same names with the same ranges.
func (m *RangeMap) Equal(o *RangeMap) bool {
	if m.Len() != o.Len() {
		return false
	}
	for name, r := range m.ranges {
		or, ok := o.ranges[name]
		if !ok || !r.Equal(or) {
			return false
		}
	}
	return true
}
