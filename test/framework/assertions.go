package framework

import (
	"context"
	"strings"
	"time"
)

// Assertions provides test assertion helpers
type Assertions struct {
	t TestingT
}

// NewAssertions creates a new Assertions instance
func NewAssertions(t TestingT) *Assertions {
	return &Assertions{t: t}
}

// KeyReplicated asserts that every replica in the cluster observes key.
func (a *Assertions) KeyReplicated(cluster *Cluster, key string) {
	a.t.Helper()

	ctx := context.Background()
	for _, r := range cluster.Replicas {
		_, found, err := r.Client.Get(ctx, key)
		if err != nil {
			a.t.Fatalf("%s: Get(%q) failed: %v", r.ID, key, err)
		}
		if !found {
			a.t.Fatalf("%s: key %q not replicated", r.ID, key)
		}
	}
}

// KeyValue asserts that a key's value on a replica equals expected.
func (a *Assertions) KeyValue(r *Replica, key string, expected []byte) {
	a.t.Helper()

	value, found, err := r.Client.Get(context.Background(), key)
	if err != nil {
		a.t.Fatalf("%s: Get(%q) failed: %v", r.ID, key, err)
	}
	if !found {
		a.t.Fatalf("%s: key %q not found", r.ID, key)
	}
	if string(value) != string(expected) {
		a.t.Fatalf("%s: key %q = %q, expected %q", r.ID, key, value, expected)
	}
}

// HasLeader asserts that the cluster has a leader.
func (a *Assertions) HasLeader(cluster *Cluster) {
	a.t.Helper()

	leader, err := cluster.GetLeader()
	if err != nil {
		a.t.Fatalf("Cluster has no leader: %v", err)
	}
	if leader == nil {
		a.t.Fatalf("Leader is nil")
	}
}

// ReplicaCount asserts that the cluster has the expected number of replicas.
func (a *Assertions) ReplicaCount(expected int, cluster *Cluster) {
	a.t.Helper()

	if len(cluster.Replicas) != expected {
		a.t.Fatalf("Cluster has %d replicas, expected %d", len(cluster.Replicas), expected)
	}
}

// TermAtLeast asserts that a replica's observed Raft term is >= min.
func (a *Assertions) TermAtLeast(r *Replica, min uint64) {
	a.t.Helper()

	status, err := r.Client.ClusterStatus(context.Background())
	if err != nil {
		a.t.Fatalf("%s: ClusterStatus failed: %v", r.ID, err)
	}
	if status.Term < min {
		a.t.Fatalf("%s: term %d, expected >= %d", r.ID, status.Term, min)
	}
}

// Eventually repeatedly runs a condition until it returns true or timeout occurs
func (a *Assertions) Eventually(condition func() bool, timeout, interval time.Duration, msg string) {
	a.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.t.Fatalf("Timeout waiting for condition: %s (timeout: %v)", msg, timeout)
		case <-ticker.C:
			if condition() {
				return
			}
		}
	}
}

// EventuallyWithContext is like Eventually but uses a provided context
func (a *Assertions) EventuallyWithContext(ctx context.Context, condition func() bool, interval time.Duration, msg string) {
	a.t.Helper()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.t.Fatalf("Context cancelled waiting for condition: %s (error: %v)", msg, ctx.Err())
		case <-ticker.C:
			if condition() {
				return
			}
		}
	}
}

// NoError asserts that the error is nil
func (a *Assertions) NoError(err error, msg string) {
	a.t.Helper()

	if err != nil {
		a.t.Fatalf("%s: %v", msg, err)
	}
}

// Error asserts that the error is not nil
func (a *Assertions) Error(err error, msg string) {
	a.t.Helper()

	if err == nil {
		a.t.Fatalf("%s: expected error but got nil", msg)
	}
}

// Equal asserts that two values are equal
func (a *Assertions) Equal(expected, actual interface{}, msg string) {
	a.t.Helper()

	if expected != actual {
		a.t.Fatalf("%s: expected %v, got %v", msg, expected, actual)
	}
}

// NotEqual asserts that two values are not equal
func (a *Assertions) NotEqual(expected, actual interface{}, msg string) {
	a.t.Helper()

	if expected == actual {
		a.t.Fatalf("%s: expected values to be different, but both are %v", msg, expected)
	}
}

// True asserts that a condition is true
func (a *Assertions) True(condition bool, msg string) {
	a.t.Helper()

	if !condition {
		a.t.Fatalf("%s: expected true, got false", msg)
	}
}

// False asserts that a condition is false
func (a *Assertions) False(condition bool, msg string) {
	a.t.Helper()

	if condition {
		a.t.Fatalf("%s: expected false, got true", msg)
	}
}

// Contains asserts that a string contains a substring
func (a *Assertions) Contains(haystack, needle, msg string) {
	a.t.Helper()

	if !strings.Contains(haystack, needle) {
		a.t.Fatalf("%s: expected %q to contain %q", msg, haystack, needle)
	}
}

// NotContains asserts that a string does not contain a substring
func (a *Assertions) NotContains(haystack, needle, msg string) {
	a.t.Helper()

	if strings.Contains(haystack, needle) {
		a.t.Fatalf("%s: expected %q not to contain %q", msg, haystack, needle)
	}
}

// Len asserts that a slice or map has a specific length
func (a *Assertions) Len(obj interface{}, expected int, msg string) {
	a.t.Helper()

	var length int

	switch v := obj.(type) {
	case []interface{}:
		length = len(v)
	case map[string]interface{}:
		length = len(v)
	case string:
		length = len(v)
	default:
		a.t.Fatalf("%s: unsupported type for Len assertion: %T", msg, obj)
		return
	}

	if length != expected {
		a.t.Fatalf("%s: expected length %d, got %d", msg, expected, length)
	}
}

// Nil asserts that a value is nil
func (a *Assertions) Nil(obj interface{}, msg string) {
	a.t.Helper()

	if obj != nil {
		a.t.Fatalf("%s: expected nil, got %v", msg, obj)
	}
}

// NotNil asserts that a value is not nil
func (a *Assertions) NotNil(obj interface{}, msg string) {
	a.t.Helper()

	if obj == nil {
		a.t.Fatalf("%s: expected non-nil value", msg)
	}
}

// Logf logs a formatted message (non-failing)
func (a *Assertions) Logf(format string, args ...interface{}) {
	a.t.Helper()
	a.t.Logf(format, args...)
}

// Log logs a message (non-failing)
func (a *Assertions) Log(msg string) {
	a.t.Helper()
	a.t.Logf("%s", msg)
}

// Step logs a test step (for visibility in test output)
func (a *Assertions) Step(step string) {
	a.t.Helper()
	a.t.Logf("\n==> %s", step)
}

// Success logs a success message
func (a *Assertions) Success(msg string) {
	a.t.Helper()
	a.t.Logf("✓ %s", msg)
}

// Info logs an informational message
func (a *Assertions) Info(msg string) {
	a.t.Helper()
	a.t.Logf("ℹ %s", msg)
}

// Warning logs a warning message
func (a *Assertions) Warning(msg string) {
	a.t.Helper()
	a.t.Logf("⚠ %s", msg)
}

// Errorf logs an error and fails the test
func (a *Assertions) Errorf(format string, args ...interface{}) {
	a.t.Helper()
	a.t.Errorf(format, args...)
}

// Fatalf logs a fatal error and stops the test immediately
func (a *Assertions) Fatalf(format string, args ...interface{}) {
	a.t.Helper()
	a.t.Fatalf(format, args...)
}

// FailNow fails the test immediately without logging
func (a *Assertions) FailNow() {
	a.t.Helper()
	a.t.FailNow()
}

// Fail marks the test as failed but continues execution
func (a *Assertions) Fail(msg string) {
	a.t.Helper()
	a.t.Errorf("Test failed: %s", msg)
}
