/*
Package api implements the client-facing gRPC service for submitting
commands and queries to a cluster replica, plus an HTTP health/readiness
surface for orchestrators.

# gRPC methods

  - SubmitCommand: routes to the local dispatch.Dispatcher's command
    pipeline (audit, validate, authorize, retry, handler).
  - SubmitQuery: routes to the local dispatch.QueryDispatcher's query
    pipeline (cache, paginate, optimize, handler).
  - ClusterStatus: reports this replica's Raft status (state, term,
    commit/applied index, leader, peer count).

No .proto source exists in this repo; service.go hand-builds the
grpc.ServiceDesc that protoc-gen-go-grpc would normally generate, and
pkg/transport's JSON codec (registered under the "proto" content-subtype)
lets the plain request/response structs in types.go travel the wire
without generated marshal code.

# Read-only listeners

ReadOnlyInterceptor rejects SubmitCommand on listeners that should never
accept writes (e.g. a local, unauthenticated socket); SubmitQuery and
ClusterStatus remain reachable.

# Health

HealthServer exposes /health (liveness), /ready (Raft leader known), and
/metrics (Prometheus) over plain HTTP, independent of the gRPC service.
*/
package api
