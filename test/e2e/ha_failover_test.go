package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/aegis/test/framework"
)

// TestLeaderFailover kills the current Raft leader in a 3-replica cluster
// and verifies a new leader is elected with the prior term's writes intact.
func TestLeaderFailover(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping leader failover test in short mode")
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

	var firstLeaderID string
	var firstTerm uint64

	t.Run("SetupInitialCluster", func(t *testing.T) {
		t.Log("waiting for initial leader election...")
		if err := waiter.WaitForLeaderElection(ctx, cluster); err != nil {
			t.Fatalf("leader election failed: %v", err)
		}
		assert.ReplicaCount(3, cluster)

		leader, err := cluster.GetLeader()
		if err != nil {
			t.Fatalf("failed to get leader: %v", err)
		}
		firstLeaderID = leader.ID
		t.Logf("initial leader: %s", firstLeaderID)

		status, err := leader.Client.ClusterStatus(ctx)
		if err != nil {
			t.Fatalf("failed to get cluster status: %v", err)
		}
		firstTerm = status.Term

		if err := leader.Client.Set(ctx, "pre-failover-key", []byte("pre-failover-value")); err != nil {
			t.Fatalf("failed to write before failover: %v", err)
		}
		if err := waiter.WaitForReplication(ctx, cluster, "pre-failover-key"); err != nil {
			t.Fatalf("pre-failover write did not replicate: %v", err)
		}
	})

	t.Run("KillLeaderAndVerifyFailover", func(t *testing.T) {
		t.Logf("killing leader %s...", firstLeaderID)
		if err := cluster.KillReplica(firstLeaderID); err != nil {
			t.Fatalf("failed to kill leader: %v", err)
		}

		t.Log("waiting for a new leader to be elected...")
		if err := waiter.WaitForLeaderElection(ctx, cluster); err != nil {
			t.Fatalf("no new leader elected after failover: %v", err)
		}

		newLeader, err := cluster.GetLeader()
		if err != nil {
			t.Fatalf("failed to get new leader: %v", err)
		}
		if newLeader.ID == firstLeaderID {
			t.Fatalf("new leader %s is the same as the killed leader", newLeader.ID)
		}
		t.Logf("new leader elected: %s", newLeader.ID)

		status, err := newLeader.Client.ClusterStatus(ctx)
		if err != nil {
			t.Fatalf("failed to get new leader status: %v", err)
		}
		if status.Term <= firstTerm {
			t.Errorf("expected term to advance past %d, got %d", firstTerm, status.Term)
		}
	})

	t.Run("PreFailoverDataSurvives", func(t *testing.T) {
		newLeader, err := cluster.GetLeader()
		if err != nil {
			t.Fatalf("failed to get leader: %v", err)
		}
		assert.KeyValue(newLeader, "pre-failover-key", []byte("pre-failover-value"))
	})

	t.Run("ClusterAcceptsWritesAfterFailover", func(t *testing.T) {
		newLeader, err := cluster.GetLeader()
		if err != nil {
			t.Fatalf("failed to get leader: %v", err)
		}

		if err := newLeader.Client.Set(ctx, "post-failover-key", []byte("post-failover-value")); err != nil {
			t.Fatalf("write after failover failed: %v", err)
		}
		if err := waiter.WaitForReplication(ctx, cluster, "post-failover-key"); err != nil {
			t.Fatalf("post-failover write did not replicate: %v", err)
		}
	})

	t.Run("RestartedReplicaRejoinsAndCatchesUp", func(t *testing.T) {
		t.Logf("restarting %s...", firstLeaderID)
		if err := cluster.RestartReplica(firstLeaderID); err != nil {
			t.Fatalf("failed to restart replica: %v", err)
		}

		ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := waiter.WaitForReplication(ctx, cluster, "post-failover-key"); err != nil {
			t.Fatalf("restarted replica did not catch up: %v", err)
		}
	})
}
