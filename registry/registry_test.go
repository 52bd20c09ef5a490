package registry

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"go.liveq.dev/core/capture"
	"go.liveq.dev/core/observer"
	"go.liveq.dev/core/transport"
)

// tableProvider is a Provider fixture over a mutable row slice, touching a
// fixed table.
type tableProvider struct {
	mu    sync.Mutex
	table string
	rows  []map[string]interface{}
}

func (p *tableProvider) setRows(rows ...map[string]interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rows = rows
}

func (p *tableProvider) ResolveQuery(ctx context.Context) ([]map[string]interface{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	capture.FromContext(ctx).Record(p.table)
	return p.rows, nil
}

func (p *tableProvider) PrimaryKeyFieldName() string { return "id" }

func TestObserveEvaluatesAndIndexes(t *testing.T) {
	var loopback = transport.NewLoopback(16)
	var reg = New(loopback)
	var provider = &tableProvider{table: "users",
		rows: []map[string]interface{}{{"id": 1, "name": "a"}}}

	loopback.Attach("S1")
	var rows, err = reg.Observe(context.Background(), "q1", provider, "S1")
	require.NoError(t, err)
	require.Len(t, rows, 1)

	require.Equal(t, 1, reg.Len())
	var o = reg.Observer("q1")
	require.NotNil(t, o)
	require.Equal(t, observer.StatusObserving, o.Status())
	require.Equal(t, []string{"users"}, o.Dependencies())
}

func TestInvalidateFansOutToSubscribers(t *testing.T) {
	var loopback = transport.NewLoopback(16)
	var reg = New(loopback)
	var provider = &tableProvider{table: "users",
		rows: []map[string]interface{}{{"id": 1, "name": "a"}}}

	var ch1 = loopback.Attach("S1")
	var ch2 = loopback.Attach("S2")

	var _, err = reg.Observe(context.Background(), "q1", provider, "S1")
	require.NoError(t, err)
	_, err = reg.Observe(context.Background(), "q1", provider, "S2")
	require.NoError(t, err)

	provider.setRows(
		map[string]interface{}{"id": 1, "name": "a"},
		map[string]interface{}{"id": 2, "name": "b"},
	)
	require.NoError(t, reg.Invalidate(context.Background(), "users"))

	for _, ch := range []<-chan transport.Message{ch1, ch2} {
		var msg = <-ch
		require.Equal(t, transport.KindAdded, msg.Msg)
		require.Equal(t, "q1", msg.Observer)
		require.Equal(t, "id", msg.PrimaryKey)
		require.Equal(t, 2, msg.Item["id"])
	}
}

func TestInvalidateOfUnknownTableIsNoop(t *testing.T) {
	var reg = New(transport.NewLoopback(1))
	require.NoError(t, reg.Invalidate(context.Background(), "nothing"))
}

func TestUnsubscribeStopsOrphanedObservers(t *testing.T) {
	var loopback = transport.NewLoopback(16)
	var reg = New(loopback)
	var provider = &tableProvider{table: "users",
		rows: []map[string]interface{}{{"id": 1}}}

	var _, err = reg.Observe(context.Background(), "q1", provider, "S1")
	require.NoError(t, err)
	_, err = reg.Observe(context.Background(), "q1", provider, "S2")
	require.NoError(t, err)

	var o = reg.Observer("q1")

	reg.Unsubscribe("S1")
	require.Equal(t, observer.StatusObserving, o.Status())
	require.Equal(t, 1, reg.Len())

	reg.Unsubscribe("S2")
	require.Equal(t, observer.StatusStopped, o.Status())
	require.Equal(t, 0, reg.Len())

	// The stopped observer is no longer invalidated.
	require.NoError(t, reg.Invalidate(context.Background(), "users"))
}

func TestObserveAfterStopRecreates(t *testing.T) {
	var loopback = transport.NewLoopback(16)
	var reg = New(loopback)
	var provider = &tableProvider{table: "users",
		rows: []map[string]interface{}{{"id": 1}}}

	var _, err = reg.Observe(context.Background(), "q1", provider, "S1")
	require.NoError(t, err)
	reg.Unsubscribe("S1")
	require.Equal(t, 0, reg.Len())

	// A new subscription for the same query creates a fresh observer.
	rows, err := reg.Observe(context.Background(), "q1", provider, "S1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, observer.StatusObserving, reg.Observer("q1").Status())
}

func TestConcurrentInvalidationsCollapse(t *testing.T) {
	var loopback = transport.NewLoopback(1024)
	var reg = New(loopback)
	var provider = &tableProvider{table: "users",
		rows: []map[string]interface{}{{"id": 1}}}

	var _, err = reg.Observe(context.Background(), "q1", provider, "S1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i != 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = reg.Invalidate(context.Background(), "users")
		}()
	}
	wg.Wait()

	require.Equal(t, observer.StatusObserving, reg.Observer("q1").Status())
}
