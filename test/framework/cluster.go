package framework

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// DefaultClusterConfig returns a default three-replica local cluster
// configuration, reading AEGISD_BINARY/AEGISD_TEST_DATA_DIR for the
// binary path and data directory overrides.
func DefaultClusterConfig() *ClusterConfig {
	binary := os.Getenv("AEGISD_BINARY")
	if binary == "" {
		binary = "bin/aegisd"
	}

	dataDir := os.Getenv("AEGISD_TEST_DATA_DIR")
	if dataDir == "" {
		dataDir = "/tmp/aegis-test"
	}

	return &ClusterConfig{
		NumReplicas:  3,
		DataDir:      dataDir,
		AegisdBinary: binary,
		BasePort:     17000,
		LogLevel:     "warn",
	}
}

// NewCluster creates a cluster with the given configuration (or the default
// if nil) without starting it.
func NewCluster(config *ClusterConfig) (*Cluster, error) {
	if config == nil {
		config = DefaultClusterConfig()
	}
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid cluster config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Cluster{
		Config:   config,
		Replicas: make([]*Replica, 0, config.NumReplicas),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start bootstraps the first replica, then joins the rest, waiting for
// quorum before returning.
func (c *Cluster) Start() error {
	for i := 0; i < c.Config.NumReplicas; i++ {
		if err := c.startReplica(i); err != nil {
			return fmt.Errorf("start replica-%d: %w", i+1, err)
		}
	}
	return c.WaitForQuorum()
}

// Stop stops every replica process gracefully.
func (c *Cluster) Stop() error {
	for _, r := range c.Replicas {
		if err := c.stopReplica(r); err != nil {
			return fmt.Errorf("stop %s: %w", r.ID, err)
		}
	}
	return nil
}

// Cleanup stops the cluster and removes its data directories unless
// KeepOnFailure is set.
func (c *Cluster) Cleanup() error {
	if err := c.Stop(); err != nil {
		fmt.Printf("warning: error during stop: %v\n", err)
	}
	if c.cancel != nil {
		c.cancel()
	}
	if !c.Config.KeepOnFailure {
		if err := os.RemoveAll(c.Config.DataDir); err != nil {
			return fmt.Errorf("remove data dir: %w", err)
		}
	}
	return nil
}

// Context returns the cluster's lifetime context, cancelled on Cleanup.
func (c *Cluster) Context() context.Context {
	return c.ctx
}

// GetLeader returns the replica that reports itself (or is reported) as
// Raft leader.
func (c *Cluster) GetLeader() (*Replica, error) {
	for _, r := range c.Replicas {
		if r.Client == nil {
			continue
		}
		status, err := r.Client.ClusterStatus(c.ctx)
		if err != nil {
			continue
		}
		if status.LeaderID == r.ID {
			return r, nil
		}
	}
	return nil, fmt.Errorf("no leader found in cluster")
}

// WaitForQuorum blocks until a leader is reachable and reports a quorum of
// known peers.
func (c *Cluster) WaitForQuorum() error {
	ctx, cancel := context.WithTimeout(c.ctx, 30*time.Second)
	defer cancel()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for quorum: %w", ctx.Err())
		case <-ticker.C:
			if c.hasQuorum() {
				return nil
			}
		}
	}
}

// KillReplica simulates a crash by sending SIGKILL to a replica's process.
func (c *Cluster) KillReplica(id string) error {
	for _, r := range c.Replicas {
		if r.ID == id {
			if r.Process == nil {
				return fmt.Errorf("replica %s has no process", id)
			}
			return r.Process.Kill()
		}
	}
	return fmt.Errorf("replica %s not found", id)
}

// RestartReplica stops and restarts a replica in place, rejoining the
// existing cluster on the same data directory.
func (c *Cluster) RestartReplica(id string) error {
	index := -1
	for i, r := range c.Replicas {
		if r.ID == id {
			index = i
			break
		}
	}
	if index == -1 {
		return fmt.Errorf("replica %s not found", id)
	}

	if err := c.stopReplica(c.Replicas[index]); err != nil {
		return fmt.Errorf("stop replica: %w", err)
	}
	time.Sleep(time.Second)
	return c.restartReplicaAt(index)
}

func (c *Cluster) startReplica(index int) error {
	id := fmt.Sprintf("replica-%d", index+1)
	dataDir := filepath.Join(c.Config.DataDir, id)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	port := c.Config.BasePort + index*10
	r := &Replica{
		ID:      id,
		Address: "127.0.0.1",
		Port:    port,
		DataDir: dataDir,
	}

	process := NewProcess(c.Config.AegisdBinary)
	process.Args = []string{
		"node", "run",
		"--node-id=" + id,
		"--node-address=" + r.Address,
		"--node-port=" + strconv.Itoa(port),
		"--cluster-id=test-cluster",
		"--data-dir=" + dataDir,
		"--log-level=" + c.Config.LogLevel,
	}
	if index == 0 {
		process.Args = append(process.Args, "--bootstrap")
	} else {
		process.Args = append(process.Args, "--peers="+c.peerFlag())
	}

	if err := process.Start(); err != nil {
		return fmt.Errorf("start process: %w", err)
	}
	r.Process = process

	if err := c.waitForHealth(r, 30*time.Second); err != nil {
		return fmt.Errorf("health check: %w", err)
	}

	client, err := NewClient(r.APIAddr())
	if err != nil {
		return fmt.Errorf("dial client API: %w", err)
	}
	r.Client = client

	c.Replicas = append(c.Replicas, r)
	return nil
}

func (c *Cluster) restartReplicaAt(index int) error {
	r := c.Replicas[index]

	process := NewProcess(c.Config.AegisdBinary)
	process.Args = []string{
		"node", "run",
		"--node-id=" + r.ID,
		"--node-address=" + r.Address,
		"--node-port=" + strconv.Itoa(r.Port),
		"--cluster-id=test-cluster",
		"--data-dir=" + r.DataDir,
		"--log-level=" + c.Config.LogLevel,
		"--peers=" + c.peerFlag(),
	}
	if err := process.Start(); err != nil {
		return fmt.Errorf("start process: %w", err)
	}
	r.Process = process

	if err := c.waitForHealth(r, 30*time.Second); err != nil {
		return fmt.Errorf("health check: %w", err)
	}

	client, err := NewClient(r.APIAddr())
	if err != nil {
		return fmt.Errorf("dial client API: %w", err)
	}
	r.Client = client
	return nil
}

// peerFlag builds the id=address --peers value for every known replica.
func (c *Cluster) peerFlag() string {
	peers := make([]string, 0, len(c.Replicas))
	for _, r := range c.Replicas {
		peers = append(peers, r.ID+"="+addrWithPort(r.Address, r.Port))
	}
	out := ""
	for i, p := range peers {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}

func (c *Cluster) stopReplica(r *Replica) error {
	if r.Client != nil {
		_ = r.Client.Close()
	}
	if r.Process != nil {
		return r.Process.Stop()
	}
	return nil
}

func (c *Cluster) hasQuorum() bool {
	leader, err := c.GetLeader()
	if err != nil {
		return false
	}
	status, err := leader.Client.ClusterStatus(c.ctx)
	if err != nil {
		return false
	}
	return status.LeaderID != "" && status.Peers+1 >= (c.Config.NumReplicas/2+1)
}

func (c *Cluster) waitForHealth(r *Replica, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(c.ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for %s health: %w", r.ID, ctx.Err())
		case <-ticker.C:
			client, err := NewClient(r.APIAddr())
			if err != nil {
				continue
			}
			_, err = client.ClusterStatus(ctx)
			client.Close()
			if err == nil {
				return nil
			}
		}
	}
}

func addrWithPort(host string, port int) string {
	return host + ":" + strconv.Itoa(port)
}

func validateConfig(config *ClusterConfig) error {
	if config.NumReplicas < 1 {
		return fmt.Errorf("NumReplicas must be >= 1, got %d", config.NumReplicas)
	}
	if config.NumReplicas%2 == 0 {
		return fmt.Errorf("NumReplicas should be odd for Raft quorum, got %d", config.NumReplicas)
	}
	if config.AegisdBinary == "" {
		return fmt.Errorf("AegisdBinary cannot be empty")
	}
	if config.DataDir == "" {
		return fmt.Errorf("DataDir cannot be empty")
	}
	return nil
}
