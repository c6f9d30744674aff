package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/aegis/pkg/errs"
	applog "github.com/cuemby/aegis/pkg/log"
	"github.com/cuemby/aegis/pkg/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const defaultCommandTimeout = 30 * time.Second

// Dispatcher routes commands through audit -> validate -> authorize ->
// retry -> handler. It satisfies pkg/saga's CommandDispatcher interface.
type Dispatcher struct {
	mu sync.RWMutex
	commands map[string]CommandOptions

	inflightMu sync.Mutex
	inflight map[string]*inFlight

	limiter *rate.Limiter
	logger zerolog.Logger
}

// NewDispatcher constructs a command Dispatcher. concurrencyBound gates
// admission into the pipeline ("backpressure error when
// executing-count exceeds a configurable concurrency bound"), enforced
// as a token-bucket rate of concurrencyBound admissions/sec with a
// matching burst; 0 means unbounded.
func NewDispatcher(concurrencyBound int) *Dispatcher {
	d := &Dispatcher{
		commands: make(map[string]CommandOptions),
		inflight: make(map[string]*inFlight),
		logger: applog.WithComponent("dispatch"),
	}
	if concurrencyBound > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(concurrencyBound), concurrencyBound)
	}
	return d
}

// Register adds or replaces a command type's handler and policies.
func (d *Dispatcher) Register(opts CommandOptions) {
	if opts.Timeout == 0 {
		opts.Timeout = defaultCommandTimeout
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commands[opts.Type] = opts
}

// Dispatch implements pkg/saga.CommandDispatcher and is the entry point
// used by pkg/api's gRPC service for SubmitCommand. correlationID,
// causationID, and userID are the dispatcher envelope: correlationID
// ties the command back to the request or saga that issued it,
// causationID names the specific event or command that directly caused
// it, and userID is who (or what saga step) is responsible for it. Any
// of the three may be empty; they are carried into the audit log and
// the in-flight table as-is.
func (d *Dispatcher) Dispatch(ctx context.Context, commandType string, payload []byte, correlationID, causationID, userID string) ([]byte, error) {
	d.mu.RLock()
	opts, ok := d.commands[commandType]
	d.mu.RUnlock()
	if !ok {
		metrics.CommandsTotal.WithLabelValues(commandType, "handler_not_found").Inc()
		return nil, errs.New(errs.KindHandlerNotFound, fmt.Sprintf("no handler registered for command type %q", commandType))
	}

	if d.limiter != nil && !d.limiter.Allow() {
		metrics.DispatcherBackpressureTotal.Inc()
		return nil, errs.New(errs.KindBackpressure, "command dispatcher is over its concurrency bound")
	}

	id := uuid.NewString()
	flight := &inFlight{ID: id, Type: commandType, StartedAt: time.Now(), CorrelationID: correlationID, CausationID: causationID, UserID: userID}
	d.inflightMu.Lock()
	d.inflight[id] = flight
	d.inflightMu.Unlock()
	defer func() {
		d.inflightMu.Lock()
		delete(d.inflight, id)
		d.inflightMu.Unlock()
	}()

	timer := metrics.NewTimer()
	d.logger.Info().Str("command_id", id).Str("type", commandType).Str("correlation_id", correlationID).Str("causation_id", causationID).Str("user_id", userID).Str("payload", sanitizePayload(payload)).Msg("command started")

	result, err := d.runPipeline(ctx, opts, payload, flight)

	outcome := "success"
	if err != nil {
		outcome = "failure"
		d.logger.Error().Str("command_id", id).Str("type", commandType).Str("correlation_id", correlationID).Err(err).Msg("command failed")
	} else {
		d.logger.Info().Str("command_id", id).Str("type", commandType).Str("correlation_id", correlationID).Msg("command completed")
	}
	metrics.CommandsTotal.WithLabelValues(commandType, outcome).Inc()
	timer.ObserveDurationVec(metrics.CommandDuration, commandType)

	return result, err
}

// runPipeline implements validate -> authorize -> retry -> handler; the
// audit stage surrounds this call in Dispatch itself since it needs the
// outcome of the whole pipeline, not just the handler.
func (d *Dispatcher) runPipeline(ctx context.Context, opts CommandOptions, payload []byte, flight *inFlight) ([]byte, error) {
	if opts.Validator != nil && !opts.Validator(payload) {
		return nil, errs.New(errs.KindValidation, fmt.Sprintf("payload failed validation for command type %q", opts.Type))
	}
	if opts.Authorizer != nil && !opts.Authorizer(ctx, payload) {
		return nil, errs.New(errs.KindAuthorization, fmt.Sprintf("not authorized to execute command type %q", opts.Type))
	}

	return d.runWithRetry(ctx, opts, payload, flight)
}

// runWithRetry wraps handler execution in up to opts.Retry.MaxRetries
// additional attempts, skipping retry entirely for the non-retryable
// error kinds (Validation, Authorization, HandlerNotFound).
func (d *Dispatcher) runWithRetry(ctx context.Context, opts CommandOptions, payload []byte, flight *inFlight) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= opts.Retry.MaxRetries+1; attempt++ {
		flight.Attempts = attempt

		result, err := d.runHandlerWithTimeout(ctx, opts, payload)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !isRetriable(err) {
			return nil, err
		}
		if attempt <= opts.Retry.MaxRetries {
			select {
			case <-time.After(opts.Retry.delay(attempt)):
			case <-ctx.Done():
				return nil, errs.Wrap(errs.KindCancelled, ctx.Err(), "command cancelled during retry backoff")
			}
		}
	}
	return nil, lastErr
}

func isRetriable(err error) bool {
	kind, ok := errs.KindOf(err)
	if !ok {
		return true
	}
	switch kind {
	case errs.KindValidation, errs.KindAuthorization, errs.KindHandlerNotFound:
		return false
	default:
		return true
	}
}

// runHandlerWithTimeout enforces a default 30s handler timeout (or
// opts.Timeout), returning Timeout on expiry.
func (d *Dispatcher) runHandlerWithTimeout(ctx context.Context, opts CommandOptions, payload []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	type result struct {
		data []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		data, err := opts.Handler(ctx, payload)
		done <- result{data: data, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && ctx.Err() == context.DeadlineExceeded {
			return nil, errs.New(errs.KindTimeout, fmt.Sprintf("command type %q exceeded its timeout", opts.Type))
		}
		return r.data, r.err
	case <-ctx.Done():
		return nil, errs.New(errs.KindTimeout, fmt.Sprintf("command type %q exceeded its timeout", opts.Type))
	}
}

// InFlight returns a snapshot of currently executing commands.
func (d *Dispatcher) InFlight() []inFlight {
	d.inflightMu.Lock()
	defer d.inflightMu.Unlock()
	out := make([]inFlight, 0, len(d.inflight))
	for _, f := range d.inflight {
		out = append(out, *f)
	}
	return out
}
