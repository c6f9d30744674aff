package framework

import (
	"context"
	"fmt"
	"time"
)

// Waiter provides utilities for waiting on conditions with timeouts.
type Waiter struct {
	timeout  time.Duration
	interval time.Duration
}

// NewWaiter creates a new Waiter with the given timeout and polling interval.
func NewWaiter(timeout, interval time.Duration) *Waiter {
	return &Waiter{timeout: timeout, interval: interval}
}

// DefaultWaiter returns a waiter with sensible defaults (30s timeout, 1s interval).
func DefaultWaiter() *Waiter {
	return NewWaiter(30*time.Second, 1*time.Second)
}

// WaitFor waits for a condition to become true.
func (w *Waiter) WaitFor(ctx context.Context, condition func() bool, description string) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	if condition() {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for: %s (timeout: %v)", description, w.timeout)
		case <-ticker.C:
			if condition() {
				return nil
			}
		}
	}
}

// WaitForLeaderElection waits for a leader to be elected in the cluster.
func (w *Waiter) WaitForLeaderElection(ctx context.Context, cluster *Cluster) error {
	return w.WaitFor(ctx, func() bool {
		_, err := cluster.GetLeader()
		return err == nil
	}, "leader election to complete")
}

// WaitForQuorum waits for Raft quorum to be established.
func (w *Waiter) WaitForQuorum(ctx context.Context, cluster *Cluster) error {
	return w.WaitFor(ctx, func() bool {
		return cluster.hasQuorum()
	}, "Raft quorum to be established")
}

// WaitForTerm waits for a replica to observe a Raft term at or above min.
func (w *Waiter) WaitForTerm(ctx context.Context, r *Replica, min uint64) error {
	return w.WaitFor(ctx, func() bool {
		status, err := r.Client.ClusterStatus(ctx)
		return err == nil && status.Term >= min
	}, fmt.Sprintf("%s to reach term >= %d", r.ID, min))
}

// WaitForKey waits for a key to become visible through a replica's Get
// query, i.e. for the replica to have applied the command that wrote it.
func (w *Waiter) WaitForKey(ctx context.Context, r *Replica, key string) error {
	return w.WaitFor(ctx, func() bool {
		_, found, err := r.Client.Get(ctx, key)
		return err == nil && found
	}, fmt.Sprintf("%s to observe key %q", r.ID, key))
}

// WaitForReplication waits for every replica in the cluster to observe the
// given key, i.e. for the write to have replicated across the whole set.
func (w *Waiter) WaitForReplication(ctx context.Context, cluster *Cluster, key string) error {
	return w.WaitFor(ctx, func() bool {
		for _, r := range cluster.Replicas {
			if r.Client == nil {
				return false
			}
			_, found, err := r.Client.Get(ctx, key)
			if err != nil || !found {
				return false
			}
		}
		return true
	}, fmt.Sprintf("key %q to replicate to all replicas", key))
}

// WaitForClusterHealthy waits for every replica to answer ClusterStatus.
func (w *Waiter) WaitForClusterHealthy(ctx context.Context, cluster *Cluster) error {
	return w.WaitFor(ctx, func() bool {
		for _, r := range cluster.Replicas {
			if r.Client == nil {
				return false
			}
			if _, err := r.Client.ClusterStatus(ctx); err != nil {
				return false
			}
		}
		return true
	}, "all replicas to be healthy")
}

// PollUntil polls a condition until it returns true or context is cancelled.
func PollUntil(ctx context.Context, interval time.Duration, condition func() bool) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if condition() {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if condition() {
				return nil
			}
		}
	}
}

// Retry retries an operation with exponential backoff.
func Retry(ctx context.Context, attempts int, initialDelay time.Duration, operation func() error) error {
	var err error
	delay := initialDelay

	for i := 0; i < attempts; i++ {
		err = operation()
		if err == nil {
			return nil
		}
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(delay):
				delay *= 2
			}
		}
	}
	return fmt.Errorf("operation failed after %d attempts: %w", attempts, err)
}
