package observer

import (
	"context"

	"github.com/pkg/errors"

	"go.liveq.dev/core/async"
)

var (
	// ErrObserverStopped is returned by Evaluate of a stopped Observer.
	ErrObserverStopped = errors.New("observer has been stopped")
	// ErrEntityNotFound is returned by a Provider when an entity the query
	// depends upon no longer exists. The Observer recovers by stopping
	// itself; the error is never surfaced to the Evaluate caller.
	ErrEntityNotFound = errors.New("dependent entity not found")
)

// Provider resolves an observer's query definition into an ordered sequence
// of serialized rows. Implementations must perform all storage access
// through |ctx| so that dependency capture can observe touched tables.
type Provider interface {
	// ResolveQuery executes the query and returns its rows in result order,
	// without Order annotations (the Observer assigns them). It returns
	// ErrEntityNotFound (possibly wrapped) when a dependent entity was
	// deleted out from under the query.
	ResolveQuery(ctx context.Context) ([]map[string]interface{}, error)
	// PrimaryKeyFieldName names the field used as the diff key. It's read
	// after the first successful resolution and assumed stable thereafter.
	PrimaryKeyFieldName() string
}

// Registry is the subset of the owning registry / pool which the Observer
// calls back into. All methods must be safe for concurrent use and must not
// synchronously re-enter the Observer.
type Registry interface {
	// RegisterDependency records that |o| depends on |table|. Idempotent.
	RegisterDependency(o *Observer, table string)
	// UnregisterDependency removes a dependency recorded by RegisterDependency.
	UnregisterDependency(o *Observer, table string)
	// RemoveSubscriber unbinds |subscriber| from |o| in the registry's
	// subscriber index.
	RemoveSubscriber(o *Observer, subscriber string)
	// RemoveObserver removes |o| from the registry's observer index.
	RemoveObserver(o *Observer)
	// NewGate returns a one-shot signal used to single-flight first
	// initialization. It may return nil to disable cooperative blocking.
	NewGate() async.Promise
}
