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
	"time"

	"github.com/cirrodb/cirro/pkg/common/cerr"
)

// TransformKind is the closed set of partition transform expressions a
// materialized view may apply to its ref base table's partition column.
type TransformKind int8

const (
	TransformIdentity TransformKind = iota
	TransformTruncDay
	TransformTruncMonth
	TransformTruncYear
)

// Transform rewrites base table partition ranges into the materialized
// view's partition granularity, e.g. daily base partitions bucketed into
// monthly view partitions.
type Transform struct {
	Kind TransformKind
}

func (t Transform) IsIdentity() bool {
	return t.Kind == TransformIdentity
}

func (t Transform) String() string {
	switch t.Kind {
	case TransformTruncDay:
		return "date_trunc(day)"
	case TransformTruncMonth:
		return "date_trunc(month)"
	case TransformTruncYear:
		return "date_trunc(year)"
	default:
		return "identity"
	}
}

// Apply maps every base range through the transform, merging base ranges
// that land on the same view range. Transformed ranges that overlap without
// being equal cannot form a valid partitioning and fail analysis.
func (t Transform) Apply(base *RangeMap) (*RangeMap, error) {
	out := NewRangeMap()
	var applyErr error
	base.Ascend(func(_ string, r Range) bool {
		tr, err := t.applyRange(r)
		if err != nil {
			applyErr = err
			return false
		}
		name := Name(tr)
		if prev, ok := out.Get(name); ok {
			if prev.Equal(tr) {
				return true
			}
			applyErr = cerr.NewAnalysisFailed(
				"transform %s produced conflicting ranges %s and %s", t, prev, tr)
			return false
		}
		if err := out.Add(name, tr); err != nil {
			applyErr = cerr.NewAnalysisFailed(
				"transform %s produced overlapping range %s: %s", t, tr, err)
			return false
		}
		return true
	})
	if applyErr != nil {
		return nil, applyErr
	}
	return out, nil
}

func (t Transform) applyRange(r Range) (Range, error) {
	if t.IsIdentity() {
		return r, nil
	}
	lower, err := t.truncDown(r.Lower)
	if err != nil {
		return Range{}, err
	}
	upper := MaxKey()
	if !r.Upper.IsMax() {
		if upper, err = t.truncUp(r.Upper); err != nil {
			return Range{}, err
		}
	}
	return NewRange(lower, upper)
}

func (t Transform) truncDown(k Key) (Key, error) {
	v, err := t.dateOf(k)
	if err != nil {
		return Key{}, err
	}
	return NewKey(DateValue(t.floor(v))), nil
}

// truncUp rounds an exclusive upper endpoint up to the next bucket boundary,
// keeping it exclusive.
func (t Transform) truncUp(k Key) (Key, error) {
	v, err := t.dateOf(k)
	if err != nil {
		return Key{}, err
	}
	fl := t.floor(v)
	if fl.Equal(v) {
		return NewKey(DateValue(v)), nil
	}
	return NewKey(DateValue(t.next(fl))), nil
}

func (t Transform) dateOf(k Key) (time.Time, error) {
	vs := k.Values()
	if len(vs) != 1 || vs[0].Kind() != KindDate {
		return time.Time{}, cerr.NewAnalysisFailed(
			"transform %s requires a single date partition column, got %s", t, k)
	}
	return vs[0].Time(), nil
}

func (t Transform) floor(v time.Time) time.Time {
	switch t.Kind {
	case TransformTruncMonth:
		return time.Date(v.Year(), v.Month(), 1, 0, 0, 0, 0, time.UTC)
	case TransformTruncYear:
		return time.Date(v.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
	default:
		return v
	}
}

func (t Transform) next(v time.Time) time.Time {
	switch t.Kind {
	case TransformTruncMonth:
		return v.AddDate(0, 1, 0)
	case TransformTruncYear:
		return v.AddDate(1, 0, 0)
	default:
		return v.AddDate(0, 0, 1)
	}
}
