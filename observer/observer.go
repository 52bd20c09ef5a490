package observer

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"go.liveq.dev/core/async"
	"go.liveq.dev/core/capture"
	"go.liveq.dev/core/transport"
)

// Status is the lifecycle state of an Observer.
type Status int

const (
	// StatusNew is the initial state: the Observer has never evaluated.
	StatusNew Status = iota
	// StatusInitializing is entered, permanently and exactly once, by the
	// first Evaluate. Concurrent evaluations block on the initialization
	// gate until the first completes.
	StatusInitializing
	// StatusObserving is the steady state after a successful first evaluation.
	StatusObserving
	// StatusStopped is terminal. A stopped Observer holds no dependencies
	// or subscribers and never again emits notifications.
	StatusStopped
)

// String returns the Status name.
func (s Status) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusInitializing:
		return "initializing"
	case StatusObserving:
		return "observing"
	case StatusStopped:
		return "stopped"
	default:
		return "invalid"
	}
}

// Observer tracks one query's last-known result and its subscribers, and
// propagates result changes to them. Observer identity is its ID alone: two
// Observers with equal IDs are the same Observer, regardless of other state.
type Observer struct {
	// ID is the opaque, stable identifier supplied at creation.
	ID string

	pool      Registry
	provider  Provider
	publisher transport.Publisher

	// evalMu serializes evaluations of this Observer. It is never held
	// while blocking on the initialization gate.
	evalMu sync.Mutex
	// mu guards all remaining fields.
	mu           sync.Mutex
	status       Status
	gate         async.Promise // Non-nil only while status is StatusInitializing.
	last         *Results
	subscribers  map[string]struct{}
	dependencies map[string]struct{}
	primaryKey   string
}

// New returns an Observer over |provider| in StatusNew. The |pool| owns the
// table dependency index and supplies the initialization gate; |publisher|
// receives fan-out messages.
func New(id string, pool Registry, provider Provider, publisher transport.Publisher) *Observer {
	observersGauge.Inc()
	return &Observer{
		ID:           id,
		pool:         pool,
		provider:     provider,
		publisher:    publisher,
		last:         NewResults(),
		subscribers:  make(map[string]struct{}),
		dependencies: make(map[string]struct{}),
	}
}

// Status returns the Observer's current lifecycle state.
func (o *Observer) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// Stopped returns whether the Observer has been stopped.
func (o *Observer) Stopped() bool { return o.Status() == StatusStopped }

// PrimaryKey returns the name of the field used as the diff key. It's empty
// until the first successful evaluation.
func (o *Observer) PrimaryKey() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.primaryKey
}

// Evaluate runs the Observer's query, computes the diff against the last
// observed snapshot, and notifies subscribers of changes. The first
// successful evaluation initializes the Observer and emits nothing;
// concurrent evaluations arriving during initialization block until it
// completes and share its snapshot without re-executing the query.
//
// If |wantFull| the full ordered row sequence is returned; if |wantDiff|
// the computed diff is returned (empty on an initializing evaluation).
// Evaluate fails with ErrObserverStopped on a stopped Observer. A query
// failure due to a deleted dependent entity stops the Observer and returns
// an empty result with no error.
func (o *Observer) Evaluate(ctx context.Context, wantFull, wantDiff bool) ([]*Row, Diff, error) {
	// Resolve the status transition before any blocking operation, so that
	// concurrent callers deterministically either wait on the gate or
	// observe a terminal status.
	o.mu.Lock()

	switch o.status {
	case StatusStopped:
		o.mu.Unlock()
		return nil, Diff{}, ErrObserverStopped

	case StatusInitializing:
		if gate := o.gate; gate != nil {
			o.mu.Unlock()
			return o.waitInitialized(ctx, gate, wantFull)
		}
		// Gating is disabled by the host; evaluate concurrently.

	case StatusNew:
		o.gate = o.pool.NewGate()
		o.status = StatusInitializing
	}
	o.mu.Unlock()

	o.evalMu.Lock()
	defer o.evalMu.Unlock()

	defer func(started time.Time) {
		evaluationSecondsTotal.Add(time.Since(started).Seconds())
	}(time.Now())

	// Execute the query under dependency capture. This is the suspension
	// point: status must be re-checked afterward.
	var resolved []map[string]interface{}
	var tables, err = capture.Capture(ctx, func(ctx context.Context) error {
		var err error
		resolved, err = o.provider.ResolveQuery(ctx)
		return err
	})

	if err != nil {
		if errors.Cause(err) == ErrEntityNotFound {
			// A dependent entity was deleted out from under the query.
			// This is unrecoverable: stop, and return empty without error.
			log.WithFields(log.Fields{"observer": o.ID, "err": err}).
				Info("dependent entity removed; stopping observer")
			o.Stop()
			return nil, Diff{}, nil
		}
		evaluationsTotal.WithLabelValues("fail").Inc()
		return nil, Diff{}, errors.WithMessagef(err, "evaluating observer %s", o.ID)
	}

	o.mu.Lock()

	if o.status == StatusStopped {
		// Raced with an external stop; don't register dependencies or
		// complete a diff against a stopped Observer.
		o.mu.Unlock()
		return nil, Diff{}, nil
	}

	for _, table := range tables {
		o.addDependency(table)
	}
	o.primaryKey = o.provider.PrimaryKeyFieldName()

	var next = NewResults()
	for order, content := range resolved {
		next.Add(content[o.primaryKey], &Row{Content: content, Order: order})
	}
	var diff = DiffResults(o.last, next)
	o.last = next

	var emit bool
	var subscribers []string
	if o.status == StatusInitializing {
		// Transition to observing, waking any gate waiters. The first
		// evaluation never emits: subscribers receive diffs only from
		// subsequent ones.
		o.status = StatusObserving
		var gate = o.gate
		o.gate = nil
		gate.Resolve()
	} else {
		emit = true
		for s := range o.subscribers {
			subscribers = append(subscribers, s)
		}
	}

	var primaryKey = o.primaryKey
	var rows []*Row
	if wantFull {
		rows = o.last.Rows()
	}
	o.mu.Unlock()

	evaluationsTotal.WithLabelValues("ok").Inc()
	diffRowsTotal.WithLabelValues("added").Add(float64(len(diff.Added)))
	diffRowsTotal.WithLabelValues("changed").Add(float64(len(diff.Changed)))
	diffRowsTotal.WithLabelValues("removed").Add(float64(len(diff.Removed)))

	if emit {
		o.emit(subscribers, primaryKey, diff)
	}
	if !emit || !wantDiff {
		diff = Diff{}
	}
	return rows, diff, nil
}

// waitInitialized blocks on |gate| until a concurrent first evaluation
// completes, and returns its snapshot without re-executing the query.
func (o *Observer) waitInitialized(ctx context.Context, gate async.Promise, wantFull bool) ([]*Row, Diff, error) {
	if err := gate.WaitContext(ctx); err != nil {
		return nil, Diff{}, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.status == StatusStopped {
		// The initializing evaluation stopped the Observer.
		return nil, Diff{}, nil
	}
	var rows []*Row
	if wantFull {
		rows = o.last.Rows()
	}
	return rows, Diff{}, nil
}

// addDependency registers |table| with the pool if not already registered.
// Called with o.mu held.
func (o *Observer) addDependency(table string) {
	if _, ok := o.dependencies[table]; ok {
		return
	}
	o.dependencies[table] = struct{}{}
	o.pool.RegisterDependency(o, table)
}

// Dependencies returns the tables this Observer's query currently touches.
func (o *Observer) Dependencies() []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	var out = make([]string, 0, len(o.dependencies))
	for table := range o.dependencies {
		out = append(out, table)
	}
	return out
}

// emit publishes one Message per change kind, per subscriber, per row.
// Publish failures are logged and counted, and don't affect observer state.
func (o *Observer) emit(subscribers []string, primaryKey string, diff Diff) {
	for _, group := range []struct {
		kind transport.Kind
		rows []*Row
	}{
		{transport.KindAdded, diff.Added},
		{transport.KindChanged, diff.Changed},
		{transport.KindRemoved, diff.Removed},
	} {
		for _, subscriber := range subscribers {
			for _, row := range group.rows {
				var order = row.Order
				var err = o.publisher.Publish(subscriber, transport.Message{
					Msg:        group.kind,
					Observer:   o.ID,
					PrimaryKey: primaryKey,
					Order:      &order,
					Item:       row.Content,
				})
				if err != nil {
					publishFailureTotal.Inc()
					log.WithFields(log.Fields{
						"observer":   o.ID,
						"subscriber": subscriber,
						"err":        err,
					}).Warn("failed to publish observer notification")
				} else {
					publishTotal.Inc()
				}
			}
		}
	}
}

// Subscribe adds |subscriber| to the Observer. It's idempotent, and a no-op
// on a stopped Observer.
func (o *Observer) Subscribe(subscriber string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.status == StatusStopped {
		return
	}
	o.subscribers[subscriber] = struct{}{}
}

// Unsubscribe removes |subscriber| (a no-op if absent). When the last
// subscriber leaves, the Observer stops.
func (o *Observer) Unsubscribe(subscriber string) {
	o.mu.Lock()
	delete(o.subscribers, subscriber)
	var empty = len(o.subscribers) == 0
	o.mu.Unlock()

	if empty {
		o.Stop()
	}
}

// Subscribers returns the number of current subscribers.
func (o *Observer) Subscribers() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.subscribers)
}

// Stop terminates the Observer, unregistering its dependencies and
// subscribers with the pool and removing it from the pool's index. Stop is
// idempotent; StatusStopped is terminal.
func (o *Observer) Stop() {
	o.mu.Lock()
	if o.status == StatusStopped {
		o.mu.Unlock()
		return
	}
	o.status = StatusStopped

	// Wake any gate waiters; they'll observe the stopped status.
	var gate = o.gate
	o.gate = nil
	gate.Resolve()

	var dependencies = o.dependencies
	var subscribers = o.subscribers
	o.dependencies = make(map[string]struct{})
	o.subscribers = make(map[string]struct{})
	o.mu.Unlock()

	for table := range dependencies {
		o.pool.UnregisterDependency(o, table)
	}
	for subscriber := range subscribers {
		o.pool.RemoveSubscriber(o, subscriber)
	}
	o.pool.RemoveObserver(o)

	observersGauge.Dec()
	log.WithField("observer", o.ID).Debug("stopped query observer")
}
