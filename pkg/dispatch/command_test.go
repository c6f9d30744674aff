package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/aegis/pkg/errs"
	"github.com/stretchr/testify/require"
)

func TestDispatchRunsRegisteredHandler(t *testing.T) {
	d := NewDispatcher(0)
	d.Register(CommandOptions{
		Type: "CreateOrder",
		Handler: func(ctx context.Context, payload []byte) ([]byte, error) {
			return []byte(`{"ok":true}`), nil
		},
	})

	result, err := d.Dispatch(context.Background(), "CreateOrder", []byte(`{}`), "", "", "")
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(result))
}

func TestDispatchReturnsHandlerNotFound(t *testing.T) {
	d := NewDispatcher(0)
	_, err := d.Dispatch(context.Background(), "Unknown", nil, "", "", "")
	require.Error(t, err)
	kind, ok := errs.KindOf(err)
	require.True(t, ok)
	require.Equal(t, errs.KindHandlerNotFound, kind)
}

func TestDispatchValidationFailsWithoutRetry(t *testing.T) {
	calls := 0
	d := NewDispatcher(0)
	d.Register(CommandOptions{
		Type:      "CreateOrder",
		Validator: func(payload []byte) bool { return false },
		Retry:     RetryPolicy{MaxRetries: 3, Backoff: BackoffFixed, BaseDelay: time.Millisecond},
		Handler: func(ctx context.Context, payload []byte) ([]byte, error) {
			calls++
			return nil, nil
		},
	})

	_, err := d.Dispatch(context.Background(), "CreateOrder", []byte(`{}`), "", "", "")
	require.Error(t, err)
	kind, _ := errs.KindOf(err)
	require.Equal(t, errs.KindValidation, kind)
	require.Equal(t, 0, calls)
}

func TestDispatchAuthorizationFailsWithoutRetry(t *testing.T) {
	d := NewDispatcher(0)
	d.Register(CommandOptions{
		Type:       "CreateOrder",
		Authorizer: func(ctx context.Context, payload []byte) bool { return false },
		Handler: func(ctx context.Context, payload []byte) ([]byte, error) {
			return nil, nil
		},
	})

	_, err := d.Dispatch(context.Background(), "CreateOrder", []byte(`{}`), "", "", "")
	require.Error(t, err)
	kind, _ := errs.KindOf(err)
	require.Equal(t, errs.KindAuthorization, kind)
}

func TestDispatchRetriesRetriableFailures(t *testing.T) {
	attempts := 0
	d := NewDispatcher(0)
	d.Register(CommandOptions{
		Type:  "FlakyCommand",
		Retry: RetryPolicy{MaxRetries: 2, Backoff: BackoffFixed, BaseDelay: time.Millisecond},
		Handler: func(ctx context.Context, payload []byte) ([]byte, error) {
			attempts++
			if attempts < 3 {
				return nil, errs.New(errs.KindTransportUnavailable, "transient")
			}
			return []byte(`{"ok":true}`), nil
		},
	})

	result, err := d.Dispatch(context.Background(), "FlakyCommand", nil, "", "", "")
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(result))
	require.Equal(t, 3, attempts)
}

func TestDispatchHandlerTimeout(t *testing.T) {
	d := NewDispatcher(0)
	d.Register(CommandOptions{
		Type:    "SlowCommand",
		Timeout: 10 * time.Millisecond,
		Handler: func(ctx context.Context, payload []byte) ([]byte, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})

	_, err := d.Dispatch(context.Background(), "SlowCommand", nil, "", "", "")
	require.Error(t, err)
	kind, _ := errs.KindOf(err)
	require.Equal(t, errs.KindTimeout, kind)
}

func TestDispatchBackpressureRejectsOverBound(t *testing.T) {
	d := NewDispatcher(1)
	d.Register(CommandOptions{
		Type: "Bounded",
		Handler: func(ctx context.Context, payload []byte) ([]byte, error) {
			return nil, nil
		},
	})

	_, err := d.Dispatch(context.Background(), "Bounded", nil, "", "", "")
	require.NoError(t, err)

	_, err = d.Dispatch(context.Background(), "Bounded", nil, "", "", "")
	require.Error(t, err)
	kind, _ := errs.KindOf(err)
	require.Equal(t, errs.KindBackpressure, kind)
}

func TestRetryPolicyDelays(t *testing.T) {
	linear := RetryPolicy{Backoff: BackoffLinear, BaseDelay: time.Second}
	require.Equal(t, 2*time.Second, linear.delay(2))

	exponential := RetryPolicy{Backoff: BackoffExponential, BaseDelay: time.Second}
	require.Equal(t, 4*time.Second, exponential.delay(3))

	fixed := RetryPolicy{Backoff: BackoffFixed, BaseDelay: time.Second}
	require.Equal(t, time.Second, fixed.delay(5))
}

func TestDispatchCarriesEnvelopeIntoInFlight(t *testing.T) {
	seen := make(chan []inFlight, 1)
	d := NewDispatcher(0)
	d.Register(CommandOptions{
		Type: "CreateOrder",
		Handler: func(ctx context.Context, payload []byte) ([]byte, error) {
			seen <- d.InFlight()
			return []byte(`{}`), nil
		},
	})

	_, err := d.Dispatch(context.Background(), "CreateOrder", []byte(`{}`), "corr-1", "cause-1", "user-1")
	require.NoError(t, err)

	flights := <-seen
	require.Len(t, flights, 1)
	require.Equal(t, "corr-1", flights[0].CorrelationID)
	require.Equal(t, "cause-1", flights[0].CausationID)
	require.Equal(t, "user-1", flights[0].UserID)
}

func TestSanitizePayloadRedactsSensitiveFields(t *testing.T) {
	out := sanitizePayload([]byte(`{"username":"alice","password":"hunter2","nested":{"token":"abc"}}`))
	require.Contains(t, out, `"password":"[REDACTED]"`)
	require.Contains(t, out, `"token":"[REDACTED]"`)
	require.Contains(t, out, `"username":"alice"`)
}
