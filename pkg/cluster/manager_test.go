package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/aegis/pkg/discovery"
	"github.com/cuemby/aegis/pkg/raft"
	"github.com/cuemby/aegis/pkg/storage"
	"github.com/stretchr/testify/require"
)

func newSingleNodeManager(t *testing.T) (*Manager, *FSM) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	network := raft.NewLocalNetwork()
	transport := raft.NewLocalTransport(network, "node-0")
	fsm := NewFSM()

	r, err := raft.NewRaft("node-0", "node-0", map[string]string{}, fsm, transport, store,
		raft.WithElectionTimeout(30*time.Millisecond, 60*time.Millisecond),
		raft.WithHeartbeatInterval(10*time.Millisecond),
	)
	require.NoError(t, err)
	network.Register("node-0", r)
	require.NoError(t, r.Start())
	t.Cleanup(func() { _ = r.Stop() })

	disc := discovery.NewStaticDiscovery([]discovery.Peer{{ID: "node-0", Address: "node-0"}})
	mgr := NewManager("node-0", r, fsm, disc, DefaultOptions())
	mgr.Start()
	t.Cleanup(mgr.Stop)

	require.Eventually(t, func() bool {
		return r.Status().State == raft.Leader
	}, time.Second, 10*time.Millisecond)

	return mgr, fsm
}

func TestManagerSetGetDelete(t *testing.T) {
	mgr, _ := newSingleNodeManager(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, mgr.Set(ctx, "foo", []byte("bar")))

	value, ok := mgr.Get("foo")
	require.True(t, ok)
	require.Equal(t, []byte("bar"), value)

	require.NoError(t, mgr.Delete(ctx, "foo"))
	_, ok = mgr.Get("foo")
	require.False(t, ok)
}

func TestManagerIncrement(t *testing.T) {
	mgr, _ := newSingleNodeManager(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, mgr.Increment(ctx, "counter", 2))
	require.NoError(t, mgr.Increment(ctx, "counter", 3))

	value, ok := mgr.Get("counter")
	require.True(t, ok)
	require.Equal(t, []byte("5"), value)
}

func TestManagerSubscribeStateChanges(t *testing.T) {
	mgr, _ := newSingleNodeManager(t)
	sub := mgr.SubscribeStateChanges()
	defer mgr.UnsubscribeStateChanges(sub)
	require.NotNil(t, sub)
}
