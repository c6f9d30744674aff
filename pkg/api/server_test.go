package api

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/aegis/pkg/cluster"
	"github.com/cuemby/aegis/pkg/discovery"
	"github.com/cuemby/aegis/pkg/dispatch"
	"github.com/cuemby/aegis/pkg/raft"
	"github.com/cuemby/aegis/pkg/storage"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *cluster.Manager {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	network := raft.NewLocalNetwork()
	transport := raft.NewLocalTransport(network, "node-0")
	fsm := cluster.NewFSM()

	r, err := raft.NewRaft("node-0", "node-0", map[string]string{}, fsm, transport, store,
		raft.WithElectionTimeout(30*time.Millisecond, 60*time.Millisecond),
		raft.WithHeartbeatInterval(10*time.Millisecond),
	)
	require.NoError(t, err)
	network.Register("node-0", r)
	require.NoError(t, r.Start())
	t.Cleanup(func() { _ = r.Stop() })

	disc := discovery.NewStaticDiscovery([]discovery.Peer{{ID: "node-0", Address: "node-0"}})
	mgr := cluster.NewManager("node-0", r, fsm, disc, cluster.DefaultOptions())
	mgr.Start()
	t.Cleanup(mgr.Stop)

	require.Eventually(t, func() bool {
		return r.Status().State == raft.Leader
	}, time.Second, 10*time.Millisecond)

	return mgr
}

func TestServerSubmitCommandDispatchesToHandler(t *testing.T) {
	mgr := newTestManager(t)
	commands := dispatch.NewDispatcher(0)
	commands.Register(dispatch.CommandOptions{
		Type: "Ping",
		Handler: func(ctx context.Context, payload []byte) ([]byte, error) {
			return []byte(`{"pong":true}`), nil
		},
	})
	queries, err := dispatch.NewQueryDispatcher(16)
	require.NoError(t, err)

	s := NewServer(mgr, commands, queries, false)

	resp, err := s.SubmitCommand(context.Background(), &SubmitCommandRequest{Type: "Ping"})
	require.NoError(t, err)
	require.JSONEq(t, `{"pong":true}`, string(resp.Result))
}

func TestServerSubmitQueryDispatchesToHandler(t *testing.T) {
	mgr := newTestManager(t)
	commands := dispatch.NewDispatcher(0)
	queries, err := dispatch.NewQueryDispatcher(16)
	require.NoError(t, err)
	queries.Register(dispatch.QueryOptions{
		Type: "ListThings",
		Handler: func(ctx context.Context, payload []byte) ([]byte, error) {
			return []byte(`[1,2]`), nil
		},
	})

	s := NewServer(mgr, commands, queries, false)

	resp, err := s.SubmitQuery(context.Background(), &SubmitQueryRequest{Type: "ListThings"})
	require.NoError(t, err)
	require.Equal(t, 2, resp.TotalCount)
}

func TestServerClusterStatusReportsLeader(t *testing.T) {
	mgr := newTestManager(t)
	commands := dispatch.NewDispatcher(0)
	queries, err := dispatch.NewQueryDispatcher(16)
	require.NoError(t, err)

	s := NewServer(mgr, commands, queries, false)

	resp, err := s.ClusterStatus(context.Background(), &ClusterStatusRequest{})
	require.NoError(t, err)
	require.Equal(t, "node-0", resp.NodeID)
	require.Equal(t, "leader", resp.State)
}
