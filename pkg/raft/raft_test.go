package raft

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/aegis/pkg/crypto"
	"github.com/cuemby/aegis/pkg/storage"
	"github.com/stretchr/testify/require"
)

// memoryFSM is a trivial StateMachine that records applied entries, used
// so tests can assert on replication without a real domain on top.
type memoryFSM struct {
	mu      sync.Mutex
	applied [][]byte
}

func (f *memoryFSM) Apply(entry *LogEntry) (interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, entry.Data)
	return len(f.applied), nil
}

func (f *memoryFSM) Snapshot() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]byte, 0)
	for _, e := range f.applied {
		out = append(out, e...)
		out = append(out, '\n')
	}
	return out, nil
}

func (f *memoryFSM) Restore(snapshot []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = nil
	return nil
}

func (f *memoryFSM) NeedSnapshot(logSize int) bool { return false }

func (f *memoryFSM) appliedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.applied)
}

type testCluster struct {
	t       *testing.T
	network *LocalNetwork
	nodes   map[string]*Raft
	fsms    map[string]*memoryFSM
}

func newTestCluster(t *testing.T, n int) *testCluster {
	t.Helper()
	network := NewLocalNetwork()
	cluster := &testCluster{t: t, network: network, nodes: make(map[string]*Raft), fsms: make(map[string]*memoryFSM)}

	ids := make([]string, n)
	addrs := make(map[string]string, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("node-%d", i)
		ids[i] = id
		addrs[id] = id
	}

	for _, id := range ids {
		peers := make(map[string]string, n-1)
		for _, other := range ids {
			if other != id {
				peers[other] = addrs[other]
			}
		}
		store, err := storage.NewBoltStore(t.TempDir())
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })

		fsm := &memoryFSM{}
		transport := NewLocalTransport(network, addrs[id])
		r, err := NewRaft(id, addrs[id], peers, fsm, transport, store,
			WithElectionTimeout(60*time.Millisecond, 120*time.Millisecond),
			WithHeartbeatInterval(15*time.Millisecond),
		)
		require.NoError(t, err)
		network.Register(addrs[id], r)
		cluster.nodes[id] = r
		cluster.fsms[id] = fsm
	}

	for _, r := range cluster.nodes {
		require.NoError(t, r.Start())
	}
	t.Cleanup(func() {
		for _, r := range cluster.nodes {
			_ = r.Stop()
		}
	})

	return cluster
}

func (c *testCluster) awaitLeader(timeout time.Duration) *Raft {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, r := range c.nodes {
			if r.Status().State == Leader {
				return r
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	c.t.Fatal("no leader elected before timeout")
	return nil
}

func TestRaftElectsASingleLeader(t *testing.T) {
	cluster := newTestCluster(t, 3)
	leader := cluster.awaitLeader(2 * time.Second)
	require.NotNil(t, leader)

	leaders := 0
	for _, r := range cluster.nodes {
		if r.Status().State == Leader {
			leaders++
		}
	}
	require.Equal(t, 1, leaders)
}

func TestRaftReplicatesCommittedEntries(t *testing.T) {
	cluster := newTestCluster(t, 3)
	leader := cluster.awaitLeader(2 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := leader.SubmitOperation(ctx, []byte("hello"), CommandEntry)
	require.NoError(t, err)
	require.NotZero(t, result.Index)

	require.Eventually(t, func() bool {
		for _, fsm := range cluster.fsms {
			if fsm.appliedCount() == 0 {
				return false
			}
		}
		return true
	}, 2*time.Second, 20*time.Millisecond, "all replicas should apply the committed entry")
}

func TestRaftRejectsSubmitOnFollower(t *testing.T) {
	cluster := newTestCluster(t, 3)
	cluster.awaitLeader(2 * time.Second)

	var follower *Raft
	for _, r := range cluster.nodes {
		if r.Status().State != Leader {
			follower = r
			break
		}
	}
	require.NotNil(t, follower)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := follower.SubmitOperation(ctx, []byte("nope"), CommandEntry)
	require.Error(t, err)
}

func TestRaftSurvivesMinorityPartition(t *testing.T) {
	cluster := newTestCluster(t, 3)
	leader := cluster.awaitLeader(2 * time.Second)

	var isolated *Raft
	for id, r := range cluster.nodes {
		if r != leader {
			isolated = r
			_ = id
			break
		}
	}
	require.NotNil(t, isolated)

	for id, r := range cluster.nodes {
		if r != isolated {
			cluster.network.Partition(isolated.address, cluster.nodes[id].address)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := leader.SubmitOperation(ctx, []byte("still-works"), CommandEntry)
	require.NoError(t, err)

	require.Equal(t, Leader, leader.Status().State, "the majority side should keep its leader")
}

func TestHasQuorumCountsSelf(t *testing.T) {
	r := &Raft{peers: map[string]string{"b": "b", "c": "c"}}
	require.False(t, r.hasQuorum(1))
	require.True(t, r.hasQuorum(2))

	solo := &Raft{peers: map[string]string{}}
	require.True(t, solo.hasQuorum(1))
}

func newSigningTestNode(t *testing.T, kp *crypto.KeyPair, opts ...Option) *Raft {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	fullOpts := append([]Option{WithSigning(kp, kp), WithSuspicionThreshold(2)}, opts...)
	r, err := NewRaft("node-a", "node-a", map[string]string{"node-b": "node-b"}, &memoryFSM{},
		NewLocalTransport(NewLocalNetwork(), "node-a"), store, fullOpts...)
	require.NoError(t, err)
	return r
}

func TestRequestVoteValidSignatureIsNotSuspicious(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	r := newSigningTestNode(t, kp)

	req := &RequestVoteRequest{Term: 1, CandidateID: "node-b"}
	req.Signature = kp.Sign(req.signingPayload())
	r.RequestVote(req)

	r.mu.Lock()
	_, suspected := r.suspects["node-b"]
	r.mu.Unlock()
	require.False(t, suspected)
}

func TestRequestVoteSignatureMismatchQuarantinesPeer(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	rogue, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	r := newSigningTestNode(t, kp)

	req := &RequestVoteRequest{Term: 1, CandidateID: "node-b"}
	req.Signature = rogue.Sign(req.signingPayload())

	r.RequestVote(req)
	r.mu.Lock()
	_, quarantinedEarly := r.quarantined["node-b"]
	r.mu.Unlock()
	require.False(t, quarantinedEarly, "one mismatch should not yet cross the suspicion threshold")

	r.RequestVote(req)
	r.mu.Lock()
	_, quarantined := r.quarantined["node-b"]
	r.mu.Unlock()
	require.True(t, quarantined, "repeated signature mismatches should quarantine the peer")
}

func TestAppendEntriesMissingSignatureIsTreatedAsMismatch(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	r := newSigningTestNode(t, kp)

	req := &AppendEntriesRequest{Term: 1, LeaderID: "node-b"}
	r.AppendEntries(req)
	r.AppendEntries(req)

	r.mu.Lock()
	_, quarantined := r.quarantined["node-b"]
	r.mu.Unlock()
	require.True(t, quarantined, "an unsigned message should count as an envelope anomaly once signing is configured")
}
