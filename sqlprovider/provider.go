// Package sqlprovider implements observer.Provider over database/sql. The
// database handle is expected to be opened through a capture-wrapped driver
// (see the capture package) so that evaluations record their touched tables.
package sqlprovider

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"

	"go.liveq.dev/core/observer"
)

// Query is one named, parametrized query definition.
type Query struct {
	// Name identifies the query to subscribers.
	Name string `yaml:"name"`
	// SQL is the statement to execute, with driver placeholders.
	SQL string `yaml:"sql"`
	// Args are bound to the statement's placeholders.
	Args []interface{} `yaml:"args"`
	// PrimaryKey names the result column used as the diff key. If empty,
	// the first result column is used.
	PrimaryKey string `yaml:"primaryKey"`
}

// Validate returns an error if the Query is malformed.
func (q Query) Validate() error {
	if q.Name == "" {
		return errors.New("expected query name")
	} else if q.SQL == "" {
		return errors.Errorf("query %s: expected SQL", q.Name)
	}
	return nil
}

// Provider resolves a Query against a *sql.DB.
type Provider struct {
	db    *sql.DB
	query Query

	mu sync.Mutex
	pk string // Discovered primary-key field name.
}

// New returns a Provider which resolves |query| against |db|.
func New(db *sql.DB, query Query) *Provider {
	return &Provider{db: db, query: query, pk: query.PrimaryKey}
}

// ResolveQuery executes the query and returns its rows, serialized as
// column-name to value mappings, in result order. A missing dependent
// relation maps to observer.ErrEntityNotFound.
func (p *Provider) ResolveQuery(ctx context.Context) ([]map[string]interface{}, error) {
	var rows, err = p.db.QueryContext(ctx, p.query.SQL, p.query.Args...)
	if err != nil {
		if isEntityNotFound(err) {
			return nil, errors.WithMessagef(observer.ErrEntityNotFound, "query %s: %s", p.query.Name, err)
		}
		return nil, errors.WithMessagef(err, "query %s", p.query.Name)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, errors.WithMessagef(err, "columns of query %s", p.query.Name)
	}
	p.mu.Lock()
	if p.pk == "" && len(columns) != 0 {
		p.pk = columns[0]
	}
	p.mu.Unlock()

	var out []map[string]interface{}
	var scan = make([]interface{}, len(columns))
	for i := range scan {
		scan[i] = new(interface{})
	}

	for rows.Next() {
		if err = rows.Scan(scan...); err != nil {
			return nil, errors.WithMessagef(err, "scanning query %s", p.query.Name)
		}
		var content = make(map[string]interface{}, len(columns))
		for i, col := range columns {
			content[col] = normalize(*scan[i].(*interface{}))
		}
		out = append(out, content)
	}
	if err = rows.Err(); err != nil {
		if isEntityNotFound(err) {
			return nil, errors.WithMessagef(observer.ErrEntityNotFound, "query %s: %s", p.query.Name, err)
		}
		return nil, errors.WithMessagef(err, "reading query %s", p.query.Name)
	}
	return out, nil
}

// PrimaryKeyFieldName returns the configured primary key, or the first
// result column discovered on resolution.
func (p *Provider) PrimaryKeyFieldName() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pk
}

// normalize maps driver value types onto a stable serialized form: []byte
// becomes string, so that snapshots compare structurally across drivers.
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return v
	}
}

// isEntityNotFound classifies errors indicating a dependent entity (table
// or required row) no longer exists.
func isEntityNotFound(err error) bool {
	if errors.Cause(err) == sql.ErrNoRows {
		return true
	}
	if pqErr, ok := errors.Cause(err).(*pq.Error); ok {
		// undefined_table.
		return pqErr.Code == "42P01"
	}
	// SQLite reports a dropped relation only via its message text.
	return strings.Contains(err.Error(), "no such table")
}
