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
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ValueKind is the closed set of partition key column types supported by the
// refresh orchestrator.
type ValueKind int8

const (
	KindDate ValueKind = iota + 1
	KindInt
	KindString
)

// Value is one typed partition key column value.
type Value struct {
	kind ValueKind
	i    int64
	s    string
	t    time.Time
}

func DateValue(t time.Time) Value {
	return Value{kind: KindDate, t: t.UTC().Truncate(24 * time.Hour)}
}

func IntValue(i int64) Value {
	return Value{kind: KindInt, i: i}
}

func StringValue(s string) Value {
	return Value{kind: KindString, s: s}
}

// ParseValue parses a partition bound literal. Dates are tried first since
// partition bounds are date strings in the common case.
func ParseValue(s string) Value {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return DateValue(t)
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return IntValue(i)
	}
	return StringValue(s)
}

func (v Value) Kind() ValueKind {
	return v.kind
}

func (v Value) Time() time.Time {
	return v.t
}

// Compare orders two values. Values of different kinds order by kind so that
// comparisons stay total even on malformed inputs.
func (v Value) Compare(o Value) int {
	if v.kind != o.kind {
		return int(v.kind) - int(o.kind)
	}
	switch v.kind {
	case KindDate:
		switch {
		case v.t.Before(o.t):
			return -1
		case v.t.After(o.t):
			return 1
		}
		return 0
	case KindInt:
		switch {
		case v.i < o.i:
			return -1
		case v.i > o.i:
			return 1
		}
		return 0
	default:
		return strings.Compare(v.s, o.s)
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindDate:
		return v.t.Format("2006-01-02")
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	default:
		return v.s
	}
}

// compact is the form used when deriving synthetic partition names.
func (v Value) compact() string {
	switch v.kind {
	case KindDate:
		return v.t.Format("20060102")
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	default:
		return v.s
	}
}

// Key is a partition key over one or more typed columns. The max sentinel
// represents an unbounded upper endpoint.
type Key struct {
	values []Value
	max    bool
}

func NewKey(values ...Value) Key {
	return Key{values: values}
}

// MaxKey returns the unbounded "max" sentinel, greater than every other key.
func MaxKey() Key {
	return Key{max: true}
}

func (k Key) IsMax() bool {
	return k.max
}

func (k Key) Values() []Value {
	return k.values
}

// Compare orders keys lexicographically by column; the max sentinel is
// greater than everything except itself.
func (k Key) Compare(o Key) int {
	if k.max || o.max {
		switch {
		case k.max && o.max:
			return 0
		case k.max:
			return 1
		default:
			return -1
		}
	}
	n := len(k.values)
	if len(o.values) < n {
		n = len(o.values)
	}
	for i := 0; i < n; i++ {
		if c := k.values[i].Compare(o.values[i]); c != 0 {
			return c
		}
	}
	return len(k.values) - len(o.values)
}

func (k Key) String() string {
	if k.max {
		return "MAXVALUE"
	}
	parts := make([]string, 0, len(k.values))
	for _, v := range k.values {
		parts = append(parts, v.String())
	}
	return strings.Join(parts, "/")
}

func (k Key) compact() string {
	if k.max {
		return "max"
	}
	parts := make([]string, 0, len(k.values))
	for _, v := range k.values {
		parts = append(parts, v.compact())
	}
	return strings.Join(parts, "_")
}

// Range is a half-open partition key range [Lower, Upper).
type Range struct {
	Lower Key
	Upper Key
}

// NewRange builds a range, rejecting empty or inverted bounds.
func NewRange(lower, upper Key) (Range, error) {
	if lower.IsMax() {
		return Range{}, fmt.Errorf("partition range lower bound cannot be MAXVALUE")
	}
	if !upper.IsMax() && upper.Compare(lower) <= 0 {
		return Range{}, fmt.Errorf("empty partition range [%s, %s)", lower, upper)
	}
	return Range{Lower: lower, Upper: upper}, nil
}

// Overlaps reports whether two half-open ranges intersect.
func (r Range) Overlaps(o Range) bool {
	return r.Lower.Compare(o.Upper) < 0 && o.Lower.Compare(r.Upper) < 0
}

// Contains reports whether the key falls inside the range.
func (r Range) Contains(k Key) bool {
	return r.Lower.Compare(k) <= 0 && k.Compare(r.Upper) < 0
}

func (r Range) Equal(o Range) bool {
	return r.Lower.Compare(o.Lower) == 0 && r.Upper.Compare(o.Upper) == 0
}

// Compare orders ranges by lower bound, then upper bound. Non-overlapping
// ranges order the same way under either bound.
func (r Range) Compare(o Range) int {
	if c := r.Lower.Compare(o.Lower); c != 0 {
		return c
	}
	return r.Upper.Compare(o.Upper)
}

func (r Range) String() string {
	return fmt.Sprintf("[%s, %s)", r.Lower, r.Upper)
}

// Name derives the synthetic partition name for a range. Materialized view
// partition names are always derived from bounds, never copied from base
// tables.
func Name(r Range) string {
	return "p" + r.Lower.compact() + "_" + r.Upper.compact()
}
