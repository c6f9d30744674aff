// Package dispatch is the Command & Query Dispatchers of:
// a registry of handlers keyed by request type, run through a linear
// middleware chain (audit → validate → authorize → retry → handler for
// commands; cache → paginate → optimize → handler for queries), backed
// by an in-flight request table for observability and a configurable
// concurrency bound for backpressure.
package dispatch

import (
	"context"
	"time"
)

// Handler executes one request type's business logic.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// Validator reports whether payload is acceptable for a command type.
type Validator func(payload []byte) bool

// Authorizer reports whether ctx is permitted to execute a command type.
type Authorizer func(ctx context.Context, payload []byte) bool

// BackoffKind selects a retry policy's delay curve.
type BackoffKind string

const (
	BackoffFixed BackoffKind = "fixed"
	BackoffLinear BackoffKind = "linear"
	BackoffExponential BackoffKind = "exponential"
)

// RetryPolicy configures the retry middleware for one command type, per
//
type RetryPolicy struct {
	MaxRetries int
	Backoff BackoffKind
	BaseDelay time.Duration
}

// delay returns the backoff before retry attempt n (1-based).
func (p RetryPolicy) delay(attempt int) time.Duration {
	switch p.Backoff {
	case BackoffLinear:
		return p.BaseDelay * time.Duration(attempt)
	case BackoffExponential:
		d := p.BaseDelay
		for i := 1; i < attempt; i++ {
			d *= 2
		}
		return d
	default:
		return p.BaseDelay
	}
}

// CommandOptions registers a command type's handler and policies.
type CommandOptions struct {
	Type string
	Handler Handler
	Validator Validator
	Authorizer Authorizer
	Retry RetryPolicy
	Timeout time.Duration // default 30s
}

// QueryOptions registers a query type's handler and policies.
type QueryOptions struct {
	Type string
	Handler Handler
	Cacheable bool
	CacheTTL time.Duration
	MaxPageSize int
	ReplicaWeights map[string]int // replica address -> weight, for read-replica routing
	ReplicaHealthy map[string]bool
}

// inFlight is one entry in the live map of in-flight requests
// (id -> start time, type, attempts), carrying the dispatcher envelope
// so an in-flight snapshot or audit log entry can be tied back to the
// request and saga that produced it.
type inFlight struct {
	ID string
	Type string
	StartedAt time.Time
	Attempts int
	CorrelationID string
	CausationID string
	UserID string
}

// slowQuery is one entry in the slow-query ring buffer.
type slowQuery struct {
	Type string
	Duration time.Duration
	At time.Time
}

// Pagination is the normalized request/response envelope's
// paginate stage attaches.
type Pagination struct {
	Page int `json:"page"`
	PageSize int `json:"pageSize"`
}

// PaginatedResult is the shape query responses get wrapped in: {data,
// totalCount}.
type PaginatedResult struct {
	Data interface{} `json:"data"`
	TotalCount int `json:"totalCount"`
	Page int `json:"page"`
	PageSize int `json:"pageSize"`
}
