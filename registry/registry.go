// Package registry implements the observer pool: it indexes observers by ID
// and by dependent table, routes write notifications to re-evaluations, and
// tracks which observers each subscriber is attached to. The registry is
// the sole owner of observer lifecycles; hosts interact with observers only
// through it.
package registry

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"go.liveq.dev/core/async"
	"go.liveq.dev/core/observer"
	"go.liveq.dev/core/transport"
)

// Registry is an in-process observer pool. It implements observer.Registry.
type Registry struct {
	// DisableGating, if set before use, disables the single-flight
	// initialization gate: concurrent first evaluations each execute the
	// query. Intended for hosts without cooperative blocking.
	DisableGating bool

	publisher transport.Publisher
	flight    singleflight.Group

	mu           sync.Mutex
	observers    map[string]*observer.Observer
	byTable      map[string]map[string]*observer.Observer
	bySubscriber map[string]map[string]*observer.Observer
}

// New returns an empty Registry which fans observer notifications out
// through |publisher|.
func New(publisher transport.Publisher) *Registry {
	return &Registry{
		publisher:    publisher,
		observers:    make(map[string]*observer.Observer),
		byTable:      make(map[string]map[string]*observer.Observer),
		bySubscriber: make(map[string]map[string]*observer.Observer),
	}
}

// Observe attaches |subscriber| to the observer identified by |id|,
// creating it over |provider| if required, and evaluates it. It returns the
// observer's current full result snapshot.
func (r *Registry) Observe(ctx context.Context, id string, provider observer.Provider, subscriber string) ([]*observer.Row, error) {
	r.mu.Lock()
	var o, ok = r.observers[id]
	if !ok {
		o = observer.New(id, r, provider, r.publisher)
		r.observers[id] = o
	}
	var subs = r.bySubscriber[subscriber]
	if subs == nil {
		subs = make(map[string]*observer.Observer)
		r.bySubscriber[subscriber] = subs
	}
	subs[id] = o
	r.mu.Unlock()

	o.Subscribe(subscriber)

	var rows, _, err = o.Evaluate(ctx, true, false)
	return rows, err
}

// Invalidate re-evaluates every observer depending on |table|. Concurrent
// invalidations of the same observer collapse into a single evaluation.
func (r *Registry) Invalidate(ctx context.Context, table string) error {
	r.mu.Lock()
	var dependents = make([]*observer.Observer, 0, len(r.byTable[table]))
	for _, o := range r.byTable[table] {
		dependents = append(dependents, o)
	}
	r.mu.Unlock()

	var eg errgroup.Group
	for _, o := range dependents {
		var o = o
		eg.Go(func() error { return r.evaluate(ctx, o) })
	}
	return eg.Wait()
}

// evaluate runs a single-flighted evaluation of |o|, discarding its result.
func (r *Registry) evaluate(ctx context.Context, o *observer.Observer) error {
	var _, err, _ = r.flight.Do(o.ID, func() (interface{}, error) {
		var _, _, err = o.Evaluate(ctx, false, false)
		return nil, err
	})
	if errors.Cause(err) == observer.ErrObserverStopped {
		return nil // Stopped between snapshot and evaluation.
	} else if err != nil {
		log.WithFields(log.Fields{"observer": o.ID, "err": err}).
			Warn("failed to evaluate query observer")
	}
	return err
}

// Unsubscribe detaches |subscriber| from every observer it's attached to.
// Observers left with no subscribers stop.
func (r *Registry) Unsubscribe(subscriber string) {
	r.mu.Lock()
	var attached = make([]*observer.Observer, 0, len(r.bySubscriber[subscriber]))
	for _, o := range r.bySubscriber[subscriber] {
		attached = append(attached, o)
	}
	delete(r.bySubscriber, subscriber)
	r.mu.Unlock()

	for _, o := range attached {
		o.Unsubscribe(subscriber)
	}
}

// Observer returns the observer identified by |id|, or nil.
func (r *Registry) Observer(id string) *observer.Observer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.observers[id]
}

// Len returns the number of indexed observers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.observers)
}

// RegisterDependency indexes |o| under |table|.
func (r *Registry) RegisterDependency(o *observer.Observer, table string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var deps = r.byTable[table]
	if deps == nil {
		deps = make(map[string]*observer.Observer)
		r.byTable[table] = deps
	}
	deps[o.ID] = o
}

// UnregisterDependency removes |o| from |table|'s index.
func (r *Registry) UnregisterDependency(o *observer.Observer, table string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.byTable[table], o.ID)
	if len(r.byTable[table]) == 0 {
		delete(r.byTable, table)
	}
}

// RemoveSubscriber unbinds |subscriber| from |o| in the subscriber index.
func (r *Registry) RemoveSubscriber(o *observer.Observer, subscriber string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.bySubscriber[subscriber], o.ID)
	if len(r.bySubscriber[subscriber]) == 0 {
		delete(r.bySubscriber, subscriber)
	}
}

// RemoveObserver drops |o| from the observer index.
func (r *Registry) RemoveObserver(o *observer.Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.observers, o.ID)
}

// NewGate returns the one-shot initialization gate for a new observer, or
// nil if gating is disabled.
func (r *Registry) NewGate() async.Promise {
	if r.DisableGating {
		return nil
	}
	return async.NewPromise()
}
