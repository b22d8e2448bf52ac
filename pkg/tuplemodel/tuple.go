// Package tuplemodel defines the Tuple, the tagged Scalar/Vector value
// union, and the half-open TimeRange shared by every storage and scheduling
// component. It is the C1 module: immutable once constructed, no
// uniqueness constraint on timestamp.
package tuplemodel

import (
	"sort"

	"github.com/streamwindow/joindb/pkg/engineerr"
)

// ValueKind tags which variant of Value is populated, matching the WAL/SSTable
// on-disk encoding in spec.md §6.2 (0 = scalar, 1 = vector).
type ValueKind uint8

const (
	ValueScalar ValueKind = 0
	ValueVector ValueKind = 1
)

// Value is the tagged union Scalar(f64) | Vector([]f64) from spec.md §9.
type Value struct {
	Kind   ValueKind
	Scalar float64
	Vector []float64
}

// NewScalar builds a scalar Value.
func NewScalar(v float64) Value { return Value{Kind: ValueScalar, Scalar: v} }

// NewVector builds a vector Value. The slice is copied defensively.
func NewVector(v []float64) Value {
	cp := make([]float64, len(v))
	copy(cp, v)
	return Value{Kind: ValueVector, Vector: cp}
}

// AsFloat64 converts a scalar Value to its float64, or the first element of
// a vector Value (0 for an empty vector) — the explicit scalar-aggregation
// conversion spec.md §9 calls for.
func (v Value) AsFloat64() float64 {
	if v.Kind == ValueVector {
		if len(v.Vector) == 0 {
			return 0
		}
		return v.Vector[0]
	}
	return v.Scalar
}

// Equal reports deep equality between two Values.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	if v.Kind == ValueScalar {
		return v.Scalar == o.Scalar
	}
	if len(v.Vector) != len(o.Vector) {
		return false
	}
	for i := range v.Vector {
		if v.Vector[i] != o.Vector[i] {
			return false
		}
	}
	return true
}

// KV is an ordered key/value pair, used to keep Tuple.Tags/Fields
// deterministic for serialization and equality, per spec.md's "ordered map".
type KV struct {
	Key   string
	Value string
}

// OrderedMap is an insertion-ordered string->string map.
type OrderedMap struct {
	entries []KV
}

// NewOrderedMap builds an OrderedMap from key/value pairs in order.
func NewOrderedMap(pairs ...KV) *OrderedMap {
	om := &OrderedMap{}
	for _, p := range pairs {
		om.Set(p.Key, p.Value)
	}
	return om
}

// Set inserts or updates a key, preserving first-insertion order.
func (om *OrderedMap) Set(key, value string) {
	for i, e := range om.entries {
		if e.Key == key {
			om.entries[i].Value = value
			return
		}
	}
	om.entries = append(om.entries, KV{Key: key, Value: value})
}

// Get returns the value for key and whether it was present.
func (om *OrderedMap) Get(key string) (string, bool) {
	if om == nil {
		return "", false
	}
	for _, e := range om.entries {
		if e.Key == key {
			return e.Value, true
		}
	}
	return "", false
}

// Entries returns the key/value pairs in insertion order.
func (om *OrderedMap) Entries() []KV {
	if om == nil {
		return nil
	}
	out := make([]KV, len(om.entries))
	copy(out, om.entries)
	return out
}

// Len returns the number of entries.
func (om *OrderedMap) Len() int {
	if om == nil {
		return 0
	}
	return len(om.entries)
}

// Clone returns a deep copy.
func (om *OrderedMap) Clone() *OrderedMap {
	if om == nil {
		return NewOrderedMap()
	}
	out := &OrderedMap{entries: make([]KV, len(om.entries))}
	copy(out.entries, om.entries)
	return out
}

// Equal reports whether two OrderedMaps hold the same entries in the same
// order.
func (om *OrderedMap) Equal(o *OrderedMap) bool {
	a, b := om.Entries(), o.Entries()
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

// Tuple is one timestamped observation in a stream: the unit of storage.
// Immutable once inserted; no uniqueness constraint on Ts.
type Tuple struct {
	Ts     int64 // microseconds since epoch
	Value  Value
	Tags   *OrderedMap // queryable
	Fields *OrderedMap // opaque
}

// New builds a Tuple, defaulting nil tag/field maps to empty ones.
func New(ts int64, value Value, tags, fields *OrderedMap) Tuple {
	if tags == nil {
		tags = NewOrderedMap()
	}
	if fields == nil {
		fields = NewOrderedMap()
	}
	return Tuple{Ts: ts, Value: value, Tags: tags, Fields: fields}
}

// Equal reports deep equality between two tuples.
func (t Tuple) Equal(o Tuple) bool {
	return t.Ts == o.Ts && t.Value.Equal(o.Value) && t.Tags.Equal(o.Tags) && t.Fields.Equal(o.Fields)
}

// Tag returns a tag value and whether it is present.
func (t Tuple) Tag(key string) (string, bool) {
	return t.Tags.Get(key)
}

// TimeRange is a half-open interval [Start, End) with End > Start. Invariant:
// Contains(ts) iff Start <= ts < End.
type TimeRange struct {
	Start int64
	End   int64
}

// NewTimeRange validates and constructs a TimeRange.
func NewTimeRange(start, end int64) (TimeRange, error) {
	if end <= start {
		return TimeRange{}, engineerr.InvalidArgument("NewTimeRange", "end must be greater than start")
	}
	return TimeRange{Start: start, End: end}, nil
}

// Contains reports whether ts falls in [Start, End).
func (r TimeRange) Contains(ts int64) bool {
	return ts >= r.Start && ts < r.End
}

// Overlaps reports whether two half-open ranges share any point.
func (r TimeRange) Overlaps(o TimeRange) bool {
	return r.Start < o.End && o.Start < r.End
}

// Len returns End - Start.
func (r TimeRange) Len() int64 {
	return r.End - r.Start
}

// SortByTs sorts tuples by timestamp, stable so equal-ts insertion order is
// preserved (spec.md's "preserve insertion order within one table").
func SortByTs(tuples []Tuple) {
	sort.SliceStable(tuples, func(i, j int) bool {
		return tuples[i].Ts < tuples[j].Ts
	})
}
