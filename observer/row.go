package observer

import (
	"reflect"
)

// Row is one result row of an observed query: its serialized content, keyed
// by field name, and its zero-indexed position within the full result.
type Row struct {
	Content map[string]interface{}
	Order   int
}

// ContentEquals returns whether |other| carries identical content,
// irrespective of Order.
func (r *Row) ContentEquals(other *Row) bool {
	return reflect.DeepEqual(r.Content, other.Content)
}

// Results is an ordered snapshot of rows keyed by primary-key value.
// Insertion order is result order; re-adding an existing key replaces its
// Row in place without disturbing that order.
type Results struct {
	keys  []interface{}
	index map[interface{}]*Row
}

// NewResults returns an empty Results.
func NewResults() *Results {
	return &Results{index: make(map[interface{}]*Row)}
}

// Add inserts or replaces the Row at |key|.
func (r *Results) Add(key interface{}, row *Row) {
	if _, ok := r.index[key]; !ok {
		r.keys = append(r.keys, key)
	}
	r.index[key] = row
}

// Get returns the Row at |key|, or nil.
func (r *Results) Get(key interface{}) *Row { return r.index[key] }

// Len returns the number of rows.
func (r *Results) Len() int { return len(r.keys) }

// Keys returns primary-key values in insertion order.
func (r *Results) Keys() []interface{} { return r.keys }

// Rows returns all rows in insertion order.
func (r *Results) Rows() []*Row {
	var out = make([]*Row, 0, len(r.keys))
	for _, key := range r.keys {
		out = append(out, r.index[key])
	}
	return out
}
