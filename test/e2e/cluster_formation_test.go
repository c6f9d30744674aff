package e2e

import (
	"context"
	"testing"

	"github.com/cuemby/aegis/test/framework"
)

// TestClusterFormation exercises a fresh 3-replica cluster from bootstrap
// through leader election, quorum, and a replicated write.
func TestClusterFormation(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping cluster formation test in short mode")
	}

	cluster, err := framework.NewCluster(nil)
	if err != nil {
		t.Fatalf("failed to create cluster: %v", err)
	}
	defer func() { _ = cluster.Cleanup() }()

	if err := cluster.Start(); err != nil {
		t.Fatalf("failed to start cluster: %v", err)
	}
	defer func() { _ = cluster.Stop() }()

	assert := framework.NewAssertions(t)
	waiter := framework.DefaultWaiter()
	ctx := context.Background()

	t.Run("LeaderElectionAndQuorum", func(t *testing.T) {
		t.Log("waiting for Raft leader election...")
		if err := waiter.WaitForLeaderElection(ctx, cluster); err != nil {
			t.Fatalf("leader election failed: %v", err)
		}

		leader, err := cluster.GetLeader()
		if err != nil {
			t.Fatalf("failed to get leader: %v", err)
		}
		t.Logf("leader elected: %s", leader.ID)

		assert.HasLeader(cluster)
		assert.ReplicaCount(3, cluster)

		status, err := leader.Client.ClusterStatus(ctx)
		if err != nil {
			t.Fatalf("failed to get cluster status: %v", err)
		}
		if status.Peers != 2 {
			t.Errorf("expected 2 peers from leader's view, got %d", status.Peers)
		}
		if status.LeaderID == "" {
			t.Error("no leader ID in cluster status")
		}
	})

	t.Run("WriteReplicatesToAllReplicas", func(t *testing.T) {
		leader, err := cluster.GetLeader()
		if err != nil {
			t.Fatalf("failed to get leader: %v", err)
		}

		if err := leader.Client.Set(ctx, "formation-key", []byte("formation-value")); err != nil {
			t.Fatalf("Set failed: %v", err)
		}

		if err := waiter.WaitForReplication(ctx, cluster, "formation-key"); err != nil {
			t.Fatalf("replication failed: %v", err)
		}
		assert.KeyReplicated(cluster, "formation-key")

		for _, r := range cluster.Replicas {
			assert.KeyValue(r, "formation-key", []byte("formation-value"))
		}
	})

	t.Run("ClusterRemainsHealthy", func(t *testing.T) {
		if err := waiter.WaitForClusterHealthy(ctx, cluster); err != nil {
			t.Fatalf("cluster not healthy: %v", err)
		}
	})
}
