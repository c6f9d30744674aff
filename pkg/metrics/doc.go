/*
Package metrics defines and registers the Prometheus metrics exposed by
every Aegis component: consensus state, event store throughput,
dispatcher latency, and saga progress. Metrics are registered once at
package init and exposed over HTTP via Handler for scraping.

# Metric Categories

Cluster: membership and replicated-map size.

Raft: current state (leader/candidate/follower), term, peers, commit and
applied index, quarantined-peer count, apply latency, elections started.

Event store: events appended per partition, append latency, optimistic
concurrency conflicts, active subscriptions by kind, snapshot latency.

Dispatcher: commands and queries by type and outcome, dispatch latency,
backpressure rejections.

Saga: instances started/completed by definition and outcome, per-step
duration, instances currently compensating.

# Usage

	timer := metrics.NewTimer()
	_, _, err := store.Append(streamID, events, expectedVersion)
	timer.ObserveDuration(metrics.EventStoreAppendDuration)
	if err != nil {
		metrics.EventStoreConflictsTotal.Inc()
	}
*/
package metrics
