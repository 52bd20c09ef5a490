package observer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"go.liveq.dev/core/async"
	"go.liveq.dev/core/capture"
	"go.liveq.dev/core/transport"
)

// fakePool implements Registry, recording its invocations.
type fakePool struct {
	mu           sync.Mutex
	gateDisabled bool
	dependencies map[string]int
	removedSubs  []string
	removedObs   int
}

func newFakePool() *fakePool {
	return &fakePool{dependencies: make(map[string]int)}
}

func (p *fakePool) RegisterDependency(o *Observer, table string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dependencies[table]++
}

func (p *fakePool) UnregisterDependency(o *Observer, table string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dependencies[table]--
}

func (p *fakePool) RemoveSubscriber(o *Observer, subscriber string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removedSubs = append(p.removedSubs, subscriber)
}

func (p *fakePool) RemoveObserver(o *Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removedObs++
}

func (p *fakePool) NewGate() async.Promise {
	if p.gateDisabled {
		return nil
	}
	return async.NewPromise()
}

// fakeProvider implements Provider over a mutable row fixture. It records
// its touched tables with the capture Recorder of the evaluation context.
type fakeProvider struct {
	mu       sync.Mutex
	rows     []map[string]interface{}
	tables   []string
	err      error
	resolves int

	// If non-nil, ResolveQuery signals |resolving| and blocks on |release|.
	resolving chan struct{}
	release   chan struct{}
}

func newFakeProvider(rows ...map[string]interface{}) *fakeProvider {
	return &fakeProvider{rows: rows, tables: []string{"users"}}
}

func (p *fakeProvider) setRows(rows ...map[string]interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rows = rows
}

func (p *fakeProvider) ResolveQuery(ctx context.Context) ([]map[string]interface{}, error) {
	p.mu.Lock()
	p.resolves++
	var rows, tables, err = p.rows, p.tables, p.err
	var resolving, release = p.resolving, p.release
	p.mu.Unlock()

	if resolving != nil {
		resolving <- struct{}{}
		<-release
	}
	if err != nil {
		return nil, err
	}
	for _, table := range tables {
		capture.FromContext(ctx).Record(table)
	}
	return rows, nil
}

func (p *fakeProvider) PrimaryKeyFieldName() string { return "id" }

func (p *fakeProvider) resolveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resolves
}

// fakePublisher implements transport.Publisher, recording Messages.
type fakePublisher struct {
	mu       sync.Mutex
	err      error
	messages map[string][]transport.Message
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{messages: make(map[string][]transport.Message)}
}

func (p *fakePublisher) Publish(subscriber string, msg transport.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.messages[subscriber] = append(p.messages[subscriber], msg)
	return nil
}

func (p *fakePublisher) of(subscriber string) []transport.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]transport.Message(nil), p.messages[subscriber]...)
}

func TestFirstEvaluationInitializesWithoutEmitting(t *testing.T) {
	var pool, pub = newFakePool(), newFakePublisher()
	var provider = newFakeProvider(map[string]interface{}{"id": 1, "name": "a"})
	var o = New("obs-1", pool, provider, pub)

	o.Subscribe("S1")
	require.Equal(t, StatusNew, o.Status())

	var rows, diff, err = o.Evaluate(context.Background(), true, true)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, 0, rows[0].Order)
	require.True(t, diff.Empty())

	require.Equal(t, StatusObserving, o.Status())
	require.Equal(t, "id", o.PrimaryKey())
	require.Equal(t, []string{"users"}, o.Dependencies())
	require.Equal(t, 1, pool.dependencies["users"])
	require.Empty(t, pub.of("S1"))
}

func TestEvaluationIsIdempotentWithoutDataChange(t *testing.T) {
	var pool, pub = newFakePool(), newFakePublisher()
	var provider = newFakeProvider(map[string]interface{}{"id": 1, "name": "a"})
	var o = New("obs-1", pool, provider, pub)
	o.Subscribe("S1")

	var _, _, err = o.Evaluate(context.Background(), false, false)
	require.NoError(t, err)

	_, diff, err := o.Evaluate(context.Background(), false, true)
	require.NoError(t, err)
	require.True(t, diff.Empty())
	require.Empty(t, pub.of("S1"))
}

func TestDependencyRegistrationIsIdempotent(t *testing.T) {
	var pool, pub = newFakePool(), newFakePublisher()
	var provider = newFakeProvider(map[string]interface{}{"id": 1})
	var o = New("obs-1", pool, provider, pub)

	for i := 0; i != 3; i++ {
		var _, _, err = o.Evaluate(context.Background(), false, false)
		require.NoError(t, err)
	}
	require.Equal(t, 1, pool.dependencies["users"])
}

// Reproduces the documented example: [{id:1,name:a}] followed by
// [{id:2,name:b},{id:1,name:a}] yields added=[2] and changed=[1].
func TestOrderShiftProducesChange(t *testing.T) {
	var pool, pub = newFakePool(), newFakePublisher()
	var provider = newFakeProvider(map[string]interface{}{"id": 1, "name": "a"})
	var o = New("obs-1", pool, provider, pub)
	o.Subscribe("S1")

	var _, _, err = o.Evaluate(context.Background(), false, false)
	require.NoError(t, err)

	provider.setRows(
		map[string]interface{}{"id": 2, "name": "b"},
		map[string]interface{}{"id": 1, "name": "a"},
	)
	_, diff, err := o.Evaluate(context.Background(), false, true)
	require.NoError(t, err)

	require.Len(t, diff.Added, 1)
	require.Equal(t, 2, diff.Added[0].Content["id"])
	require.Len(t, diff.Changed, 1)
	require.Equal(t, 1, diff.Changed[0].Content["id"])
	require.Empty(t, diff.Removed)

	// One "added" and one "changed" message were published to S1.
	var msgs = pub.of("S1")
	require.Len(t, msgs, 2)
	require.Equal(t, transport.KindAdded, msgs[0].Msg)
	require.Equal(t, transport.KindChanged, msgs[1].Msg)
	require.Equal(t, "id", msgs[0].PrimaryKey)
	require.Equal(t, "obs-1", msgs[0].Observer)
	require.Equal(t, 0, *msgs[0].Order)
	require.Equal(t, 1, *msgs[1].Order)
}

func TestFanOutReachesEverySubscriber(t *testing.T) {
	var pool, pub = newFakePool(), newFakePublisher()
	var provider = newFakeProvider(map[string]interface{}{"id": 1, "name": "a"})
	var o = New("obs-1", pool, provider, pub)
	o.Subscribe("S1")
	o.Subscribe("S2")
	o.Subscribe("S2") // Idempotent.
	require.Equal(t, 2, o.Subscribers())

	var _, _, err = o.Evaluate(context.Background(), false, false)
	require.NoError(t, err)

	provider.setRows(
		map[string]interface{}{"id": 1, "name": "a"},
		map[string]interface{}{"id": 2, "name": "b"},
	)
	_, _, err = o.Evaluate(context.Background(), false, false)
	require.NoError(t, err)

	for _, subscriber := range []string{"S1", "S2"} {
		var msgs = pub.of(subscriber)
		require.Len(t, msgs, 1)
		require.Equal(t, transport.KindAdded, msgs[0].Msg)
		require.Equal(t, 2, msgs[0].Item["id"])
	}
}

func TestConcurrentFirstEvaluationsSingleFlight(t *testing.T) {
	var pool, pub = newFakePool(), newFakePublisher()
	var provider = newFakeProvider(map[string]interface{}{"id": 1, "name": "a"})
	provider.resolving = make(chan struct{}, 1)
	provider.release = make(chan struct{})

	var o = New("obs-1", pool, provider, pub)

	const n = 5
	var wg sync.WaitGroup
	var results [n][]*Row

	wg.Add(n)
	for i := 0; i != n; i++ {
		go func(i int) {
			defer wg.Done()
			var rows, _, err = o.Evaluate(context.Background(), true, false)
			require.NoError(t, err)
			results[i] = rows
		}(i)
	}

	<-provider.resolving // One evaluation reached the provider.

	// Give the remaining callers a moment to block on the gate, then
	// release the resolving evaluation.
	time.Sleep(10 * time.Millisecond)
	close(provider.release)
	wg.Wait()

	require.Equal(t, 1, provider.resolveCount())
	require.Equal(t, StatusObserving, o.Status())
	for i := 0; i != n; i++ {
		require.Len(t, results[i], 1)
		require.Equal(t, 1, results[i][0].Content["id"])
	}
}

func TestGateWaitObservesContextCancellation(t *testing.T) {
	var pool, pub = newFakePool(), newFakePublisher()
	var provider = newFakeProvider(map[string]interface{}{"id": 1})
	provider.resolving = make(chan struct{}, 1)
	provider.release = make(chan struct{})

	var o = New("obs-1", pool, provider, pub)

	var done = make(chan struct{})
	go func() {
		var _, _, err = o.Evaluate(context.Background(), false, false)
		require.NoError(t, err)
		close(done)
	}()
	<-provider.resolving

	var ctx, cancel = context.WithCancel(context.Background())
	cancel()
	var _, _, err = o.Evaluate(ctx, false, false)
	require.Equal(t, context.Canceled, err)

	close(provider.release)
	<-done
}

func TestEntityNotFoundStopsObserverWithoutError(t *testing.T) {
	var pool, pub = newFakePool(), newFakePublisher()
	var provider = newFakeProvider(map[string]interface{}{"id": 1})
	var o = New("obs-1", pool, provider, pub)
	o.Subscribe("S1")

	var _, _, err = o.Evaluate(context.Background(), false, false)
	require.NoError(t, err)
	require.Equal(t, 1, pool.dependencies["users"])

	provider.mu.Lock()
	provider.err = ErrEntityNotFound
	provider.mu.Unlock()

	rows, diff, err := o.Evaluate(context.Background(), true, true)
	require.NoError(t, err)
	require.Empty(t, rows)
	require.True(t, diff.Empty())

	require.Equal(t, StatusStopped, o.Status())
	require.Equal(t, 0, pool.dependencies["users"])
	require.Equal(t, []string{"S1"}, pool.removedSubs)
	require.Equal(t, 1, pool.removedObs)

	// Further evaluations fail fast.
	_, _, err = o.Evaluate(context.Background(), false, false)
	require.Equal(t, ErrObserverStopped, err)
}

func TestUnsubscribeOfLastSubscriberStops(t *testing.T) {
	var pool, pub = newFakePool(), newFakePublisher()
	var provider = newFakeProvider(map[string]interface{}{"id": 1})
	var o = New("obs-1", pool, provider, pub)

	o.Subscribe("S1")
	o.Subscribe("S2")

	var _, _, err = o.Evaluate(context.Background(), false, false)
	require.NoError(t, err)

	o.Unsubscribe("S2")
	require.Equal(t, StatusObserving, o.Status())

	o.Unsubscribe("S2") // No-op: already removed.
	require.Equal(t, StatusObserving, o.Status())

	o.Unsubscribe("S1")
	require.Equal(t, StatusStopped, o.Status())
	require.Equal(t, 1, pool.removedObs)

	// Stop is idempotent.
	o.Stop()
	require.Equal(t, 1, pool.removedObs)

	// A stopped observer accepts no new subscribers.
	o.Subscribe("S3")
	require.Equal(t, 0, o.Subscribers())
}

func TestStopDuringEvaluationShortCircuits(t *testing.T) {
	var pool, pub = newFakePool(), newFakePublisher()
	var provider = newFakeProvider(map[string]interface{}{"id": 1})
	var o = New("obs-1", pool, provider, pub)
	o.Subscribe("S1")

	var _, _, err = o.Evaluate(context.Background(), false, false)
	require.NoError(t, err)

	provider.resolving = make(chan struct{}, 1)
	provider.release = make(chan struct{})
	provider.setRows(map[string]interface{}{"id": 2})

	var done = make(chan struct{})
	go func() {
		var rows, diff, err = o.Evaluate(context.Background(), true, true)
		require.NoError(t, err)
		require.Empty(t, rows)
		require.True(t, diff.Empty())
		close(done)
	}()

	<-provider.resolving
	o.Stop() // Race an external stop with the in-flight evaluation.
	close(provider.release)
	<-done

	require.Empty(t, pub.of("S1"))
}

func TestPublishFailureDoesNotAffectEvaluation(t *testing.T) {
	var pool, pub = newFakePool(), newFakePublisher()
	var provider = newFakeProvider(map[string]interface{}{"id": 1})
	var o = New("obs-1", pool, provider, pub)
	o.Subscribe("S1")

	var _, _, err = o.Evaluate(context.Background(), false, false)
	require.NoError(t, err)

	pub.mu.Lock()
	pub.err = errFake
	pub.mu.Unlock()

	provider.setRows(map[string]interface{}{"id": 2})
	_, diff, err := o.Evaluate(context.Background(), false, true)
	require.NoError(t, err)
	require.Len(t, diff.Added, 1)
	require.Equal(t, StatusObserving, o.Status())
}

func TestDisabledGateStillEvaluates(t *testing.T) {
	var pool, pub = newFakePool(), newFakePublisher()
	pool.gateDisabled = true
	var provider = newFakeProvider(map[string]interface{}{"id": 1})
	var o = New("obs-1", pool, provider, pub)

	var rows, _, err = o.Evaluate(context.Background(), true, false)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, StatusObserving, o.Status())
}

var errFake = errors.New("fake publish failure")
