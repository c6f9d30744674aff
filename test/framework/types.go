package framework

import (
	"context"
	"time"
)

// ClusterConfig defines the configuration for a test cluster of aegisd
// replicas spawned as local processes.
type ClusterConfig struct {
	// NumReplicas is the number of replicas to start.
	NumReplicas int
	// DataDir is the base directory for replica data directories.
	DataDir string
	// AegisdBinary is the path to the aegisd binary under test.
	AegisdBinary string
	// BasePort is the Raft/API port of the first replica; replica i listens
	// on BasePort+i*10 (leaving room for the +1/+2 API/health offsets).
	BasePort int
	// KeepOnFailure makes Cleanup keep the replica data dirs, for
	// debugging; processes are still stopped, and the dirs are kept
	// whether or not the test failed.
	KeepOnFailure bool
	// LogLevel sets the replicas' --log-level flag.
	LogLevel string
}

// Cluster represents a running test cluster of aegisd replicas.
type Cluster struct {
	Config   *ClusterConfig
	Replicas []*Replica

	ctx    context.Context
	cancel context.CancelFunc
}

// Replica represents one aegisd node in the test cluster.
type Replica struct {
	// ID is the node ID passed via --node-id.
	ID string
	// Address is the host this replica listens on.
	Address string
	// Port is the Raft/peer port; the client API is Port+1, health is Port+2.
	Port int
	// DataDir is this replica's data directory.
	DataDir string
	// Process manages the running aegisd subprocess.
	Process *Process
	// Client talks to this replica's client API.
	Client *Client
}

// APIAddr returns the replica's client-facing gRPC API address.
func (r *Replica) APIAddr() string {
	return addrWithPort(r.Address, r.Port+1)
}

// HealthAddr returns the replica's HTTP health server address.
func (r *Replica) HealthAddr() string {
	return addrWithPort(r.Address, r.Port+2)
}

// TestContext bundles a context, a deadline, and deferred cleanup for one
// test's cluster lifecycle.
type TestContext struct {
	T       TestingT
	Ctx     context.Context
	Cancel  context.CancelFunc
	Timeout time.Duration

	cleanup []func()
}

// TestingT is an interface matching *testing.T, so the framework does not
// import the testing package directly.
type TestingT interface {
	Logf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
	FailNow()
	Failed() bool
	Name() string
	Helper()
}
