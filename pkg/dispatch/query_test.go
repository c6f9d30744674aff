package dispatch

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQueryDispatchReturnsHandlerResult(t *testing.T) {
	d, err := NewQueryDispatcher(16)
	require.NoError(t, err)
	d.Register(QueryOptions{
		Type: "ListOrders",
		Handler: func(ctx context.Context, payload []byte) ([]byte, error) {
			return []byte(`[1,2,3]`), nil
		},
	})

	result, err := d.Dispatch(context.Background(), QueryRequest{Type: "ListOrders"})
	require.NoError(t, err)
	require.Equal(t, 3, result.TotalCount)
}

func TestQueryDispatchNormalizesPagination(t *testing.T) {
	d, err := NewQueryDispatcher(16)
	require.NoError(t, err)
	d.Register(QueryOptions{
		Type:        "ListOrders",
		MaxPageSize: 10,
		Handler: func(ctx context.Context, payload []byte) ([]byte, error) {
			return []byte(`[]`), nil
		},
	})

	result, err := d.Dispatch(context.Background(), QueryRequest{Type: "ListOrders", Page: -1, PageSize: 500})
	require.NoError(t, err)
	require.Equal(t, 1, result.Page)
	require.Equal(t, 10, result.PageSize)
}

func TestQueryDispatchCachesResults(t *testing.T) {
	var calls int32
	d, err := NewQueryDispatcher(16)
	require.NoError(t, err)
	d.Register(QueryOptions{
		Type:      "GetOrder",
		Cacheable: true,
		CacheTTL:  time.Minute,
		Handler: func(ctx context.Context, payload []byte) ([]byte, error) {
			atomic.AddInt32(&calls, 1)
			return []byte(`{"id":"order-1"}`), nil
		},
	})

	req := QueryRequest{Type: "GetOrder", Params: map[string]interface{}{"id": "order-1"}}
	_, err = d.Dispatch(context.Background(), req)
	require.NoError(t, err)
	_, err = d.Dispatch(context.Background(), req)
	require.NoError(t, err)

	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestQueryDispatchCacheExpiresAfterTTL(t *testing.T) {
	var calls int32
	d, err := NewQueryDispatcher(16)
	require.NoError(t, err)
	d.Register(QueryOptions{
		Type:      "GetOrder",
		Cacheable: true,
		CacheTTL:  time.Millisecond,
		Handler: func(ctx context.Context, payload []byte) ([]byte, error) {
			atomic.AddInt32(&calls, 1)
			return []byte(`{}`), nil
		},
	})

	req := QueryRequest{Type: "GetOrder"}
	_, err = d.Dispatch(context.Background(), req)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = d.Dispatch(context.Background(), req)
	require.NoError(t, err)

	require.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestOptimizeFiltersOrdersBySelectivity(t *testing.T) {
	filters := []Filter{
		{Field: "name", Op: "like"},
		{Field: "id", Op: "="},
		{Field: "age", Op: ">"},
		{Field: "status", Op: "in"},
	}

	ordered := optimizeFilters(filters)
	require.Equal(t, "=", ordered[0].Op)
	require.Equal(t, "in", ordered[1].Op)
	require.Equal(t, ">", ordered[2].Op)
	require.Equal(t, "like", ordered[3].Op)
}

func TestSelectReplicaPrefersHealthyWeighted(t *testing.T) {
	weights := map[string]int{"a": 1, "b": 9}
	healthy := map[string]bool{"a": true, "b": false}

	replica := selectReplica(weights, healthy)
	require.Equal(t, "a", replica)
}

func TestSelectReplicaReturnsEmptyWhenNoneHealthy(t *testing.T) {
	replica := selectReplica(map[string]int{"a": 1}, map[string]bool{"a": false})
	require.Equal(t, "", replica)
}
