/*
Package health provides pluggable liveness checks and hysteresis-based
status tracking used to decide whether a cluster peer is still reachable.

# Core Components

Checker is the common interface every check type implements:

	type Checker interface {
		Check(ctx context.Context) Result
		Type() CheckType
	}

TCPChecker is the one pkg/cluster drives today, dialing a peer's
address on an interval and reporting success or failure. HTTPChecker is
also provided for endpoints that expose an HTTP health probe (used by
pkg/api's own /health and /ready handlers as the model, though those
are served rather than checked).

Status applies hysteresis on top of a Checker's raw results:

	type Status struct {
		ConsecutiveFailures  int
		ConsecutiveSuccesses int
		LastCheck            time.Time
		LastResult           Result
		Healthy              bool
		StartedAt            time.Time
	}

A peer only flips to unhealthy after Config.Retries consecutive
failures, and back to healthy after a single success — this avoids
flapping membership changes from a transient network blip.

# Usage

	checker := health.NewTCPChecker(peerAddr)
	status := health.NewStatus()
	config := health.Config{Timeout: 2 * time.Second, Retries: 3}

	ctx, cancel := context.WithTimeout(context.Background(), config.Timeout)
	result := checker.Check(ctx)
	cancel()

	status.Update(result, config)
	if !status.Healthy {
		// propose removal
	}

# Integration Points

  - pkg/cluster: drives one TCPChecker/Status pair per known peer and
    proposes a configChange removal once a peer goes unhealthy.
*/
package health
