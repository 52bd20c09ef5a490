// Package capture implements scoped recording of the storage tables touched
// by a query execution. A Recorder is attached to a context.Context, and the
// package's database/sql driver wrapper records the tables referenced by
// each statement executed under that context. Because the Recorder is
// context-scoped rather than a process-wide hook, concurrent captures are
// fully isolated from one another and compose without restoration logic.
package capture

import (
	"context"
	"sort"
	"sync"
)

type recorderKey struct{}

// Recorder accumulates the names of tables touched during a capture scope.
// It's safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	tables map[string]struct{}
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{tables: make(map[string]struct{})}
}

// Record notes that |table| was accessed.
func (r *Recorder) Record(table string) {
	if r == nil || table == "" {
		return
	}
	r.mu.Lock()
	r.tables[table] = struct{}{}
	r.mu.Unlock()
}

// Tables returns the sorted set of recorded table names.
func (r *Recorder) Tables() []string {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var out = make([]string, 0, len(r.tables))
	for table := range r.tables {
		out = append(out, table)
	}
	sort.Strings(out)
	return out
}

// WithRecorder returns a context carrying |rec|. Statements executed under
// the returned context through a wrapped driver record their tables to it.
func WithRecorder(ctx context.Context, rec *Recorder) context.Context {
	return context.WithValue(ctx, recorderKey{}, rec)
}

// FromContext returns the Recorder attached to |ctx|, or nil.
func FromContext(ctx context.Context) *Recorder {
	var rec, _ = ctx.Value(recorderKey{}).(*Recorder)
	return rec
}

// Capture runs |fn| under a fresh Recorder and returns the sorted set of
// tables it touched. The recorded set is returned even if |fn| fails, and
// the capture scope always ends with |fn|: a Recorder attached to the
// parent context is shadowed for the duration of the call and unaffected
// by it.
func Capture(ctx context.Context, fn func(ctx context.Context) error) ([]string, error) {
	var rec = NewRecorder()
	var err = fn(WithRecorder(ctx, rec))
	return rec.Tables(), err
}
