package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/aegis/pkg/errs"
	applog "github.com/cuemby/aegis/pkg/log"
	"github.com/cuemby/aegis/pkg/metrics"
	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	defaultMaxPageSize = 100
	slowQueryThreshold = time.Second
	slowQueryRingSize = 100
)

// cacheEntry is one query result cache row with its own TTL.
type cacheEntry struct {
	value []byte
	expiresAt time.Time
}

// QueryDispatcher routes queries through cache -> paginate -> optimize
// -> handler
type QueryDispatcher struct {
	mu sync.RWMutex
	queries map[string]QueryOptions

	cache *lru.Cache
	flight singleflight.Group

	inflightMu sync.Mutex
	inflight map[string]*inFlight

	slowMu sync.Mutex
	slow []slowQuery
	slowNext int

	logger zerolog.Logger
}

// NewQueryDispatcher constructs a QueryDispatcher with an LRU result
// cache bounded at cacheSize entries ("LRU eviction on
// capacity").
func NewQueryDispatcher(cacheSize int) (*QueryDispatcher, error) {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("dispatch: create query cache: %w", err)
	}
	return &QueryDispatcher{
		queries: make(map[string]QueryOptions),
		cache: cache,
		inflight: make(map[string]*inFlight),
		slow: make([]slowQuery, 0, slowQueryRingSize),
		logger: applog.WithComponent("dispatch"),
	}, nil
}

// Register adds or replaces a query type's handler and policies.
func (d *QueryDispatcher) Register(opts QueryOptions) {
	if opts.MaxPageSize == 0 {
		opts.MaxPageSize = defaultMaxPageSize
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queries[opts.Type] = opts
}

// QueryRequest is a query submission, its filters ordered as the caller
// supplied them — the optimizer stage reorders a copy, never this one.
// CorrelationID, CausationID, and UserID are the dispatcher envelope,
// carried into the in-flight table for observability; queries don't
// currently emit an audit log the way commands do.
type QueryRequest struct {
	Type string
	Params map[string]interface{}
	Filters []Filter
	Page int
	PageSize int
	CorrelationID string
	CausationID string
	UserID string
}

// Dispatch runs req through cache -> paginate -> optimize -> handler.
func (d *QueryDispatcher) Dispatch(ctx context.Context, req QueryRequest) (*PaginatedResult, error) {
	d.mu.RLock()
	opts, ok := d.queries[req.Type]
	d.mu.RUnlock()
	if !ok {
		metrics.QueriesTotal.WithLabelValues(req.Type, "handler_not_found").Inc()
		return nil, errs.New(errs.KindHandlerNotFound, fmt.Sprintf("no handler registered for query type %q", req.Type))
	}

	page, pageSize := normalizePagination(req.Page, req.PageSize, opts.MaxPageSize)
	filters := optimizeFilters(req.Filters)

	key := ""
	if opts.Cacheable {
		key = cacheKey(req.Type, req.Params, filters, page, pageSize)
		if cached, ok := d.cache.Get(key); ok {
			entry := cached.(cacheEntry)
			if time.Now().Before(entry.expiresAt) {
				metrics.QueriesTotal.WithLabelValues(req.Type, "hit").Inc()
				var result PaginatedResult
				if err := json.Unmarshal(entry.value, &result); err != nil {
					return nil, fmt.Errorf("dispatch: decode cached query result: %w", err)
				}
				return &result, nil
			}
			d.cache.Remove(key)
		}
	}

	id := fmt.Sprintf("%s-%d", req.Type, time.Now().UnixNano())
	flight := &inFlight{ID: id, Type: req.Type, StartedAt: time.Now(), CorrelationID: req.CorrelationID, CausationID: req.CausationID, UserID: req.UserID}
	d.inflightMu.Lock()
	d.inflight[id] = flight
	d.inflightMu.Unlock()
	defer func() {
		d.inflightMu.Lock()
		delete(d.inflight, id)
		d.inflightMu.Unlock()
	}()

	timer := metrics.NewTimer()
	result, err := d.runSingleflight(ctx, key, opts, req, filters, page, pageSize)
	elapsed := timer.Duration()
	metrics.QueryDuration.WithLabelValues(req.Type).Observe(elapsed.Seconds())

	if elapsed > slowQueryThreshold {
		d.recordSlowQuery(req.Type, elapsed)
	}

	outcome := "miss"
	if err != nil {
		outcome = "error"
	}
	metrics.QueriesTotal.WithLabelValues(req.Type, outcome).Inc()
	return result, err
}

// runSingleflight executes opts.Handler, collapsing concurrent identical
// cache keys into one execution ("true single-flight per
// key"), then stores the result in the cache if cacheable.
func (d *QueryDispatcher) runSingleflight(ctx context.Context, key string, opts QueryOptions, req QueryRequest, filters []Filter, page, pageSize int) (*PaginatedResult, error) {
	flightKey := key
	if flightKey == "" {
		flightKey = fmt.Sprintf("%s-%d-%d", req.Type, page, pageSize)
	}

	v, err, _ := d.flight.Do(flightKey, func() (interface{}, error) {
		payload, err := json.Marshal(struct {
			Params map[string]interface{} `json:"params"`
			Filters []Filter `json:"filters"`
		}{Params: req.Params, Filters: filters})
		if err != nil {
			return nil, fmt.Errorf("dispatch: encode query params: %w", err)
		}
		replica := selectReplica(opts.ReplicaWeights, opts.ReplicaHealthy)
		handlerCtx := ctx
		if replica != "" {
			handlerCtx = context.WithValue(ctx, replicaContextKey{}, replica)
		}

		data, err := opts.Handler(handlerCtx, payload)
		if err != nil {
			return nil, err
		}

		var decoded interface{}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &decoded); err != nil {
				return nil, fmt.Errorf("dispatch: decode query response: %w", err)
			}
		}

		result := &PaginatedResult{Data: decoded, Page: page, PageSize: pageSize}
		if list, ok := decoded.([]interface{}); ok {
			result.TotalCount = len(list)
		}

		if opts.Cacheable && key != "" {
			encoded, err := json.Marshal(result)
			if err == nil {
				ttl := opts.CacheTTL
				if ttl == 0 {
					ttl = time.Minute
				}
				d.cache.Add(key, cacheEntry{value: encoded, expiresAt: time.Now().Add(ttl)})
			}
		}
		return result, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*PaginatedResult), nil
}

type replicaContextKey struct{}

// ReplicaFromContext returns the replica address a query handler was
// routed to, if any.
func ReplicaFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(replicaContextKey{}).(string)
	return v, ok
}

func (d *QueryDispatcher) recordSlowQuery(queryType string, duration time.Duration) {
	d.slowMu.Lock()
	defer d.slowMu.Unlock()
	entry := slowQuery{Type: queryType, Duration: duration, At: time.Now()}
	if len(d.slow) < slowQueryRingSize {
		d.slow = append(d.slow, entry)
	} else {
		d.slow[d.slowNext] = entry
		d.slowNext = (d.slowNext + 1) % slowQueryRingSize
	}
	d.logger.Warn().Str("type", queryType).Dur("duration", duration).Msg("slow query")
}

// SlowQueries returns a snapshot of the bounded slow-query ring.
func (d *QueryDispatcher) SlowQueries() []slowQuery {
	d.slowMu.Lock()
	defer d.slowMu.Unlock()
	out := make([]slowQuery, len(d.slow))
	copy(out, d.slow)
	return out
}

// normalizePagination implements "page >= 1, pageSize <=
// maxPageSize."
func normalizePagination(page, pageSize, maxPageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = maxPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return page, pageSize
}

// cacheKey implements "stable serialization of query
// (keys sorted) hashed."
func cacheKey(queryType string, params map[string]interface{}, filters []Filter, page, pageSize int) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	canonical := struct {
		Type string `json:"type"`
		Params map[string]interface{} `json:"params"`
		Filters []Filter `json:"filters"`
		Page int `json:"page"`
		PageSize int `json:"pageSize"`
	}{Type: queryType, Params: params, Filters: filters, Page: page, PageSize: pageSize}

	encoded, _ := json.Marshal(canonical)
	sum := sha256.Sum256(encoded)
	return fmt.Sprintf("%x", sum)
}

// selectReplica implements "weighted-random selector
// over healthy replicas." Returns "" if no healthy replica is known,
// meaning the caller should use its default target.
func selectReplica(weights map[string]int, healthy map[string]bool) string {
	total := 0
	candidates := make([]string, 0, len(weights))
	cumulative := make([]int, 0, len(weights))
	for replica, weight := range weights {
		if !healthy[replica] || weight <= 0 {
			continue
		}
		total += weight
		candidates = append(candidates, replica)
		cumulative = append(cumulative, total)
	}
	if total == 0 {
		return ""
	}

	pick := rand.Intn(total)
	for i, c := range cumulative {
		if pick < c {
			return candidates[i]
		}
	}
	return candidates[len(candidates)-1]
}

// InFlight returns a snapshot of currently executing queries.
func (d *QueryDispatcher) InFlight() []inFlight {
	d.inflightMu.Lock()
	defer d.inflightMu.Unlock()
	out := make([]inFlight, 0, len(d.inflight))
	for _, f := range d.inflight {
		out = append(out, *f)
	}
	return out
}
