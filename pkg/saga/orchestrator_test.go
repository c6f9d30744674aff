package saga

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cuemby/aegis/pkg/eventstore"
	"github.com/cuemby/aegis/pkg/storage"
	"github.com/stretchr/testify/require"
)

func newTestOrchestrator(t *testing.T, dispatcher CommandDispatcher) *Orchestrator {
	t.Helper()
	backing, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = backing.Close() })

	store := eventstore.NewEventStore(backing, eventstore.DefaultOptions())
	t.Cleanup(store.Close)

	return NewOrchestrator(store, dispatcher, nil)
}

func TestOrchestratorRunsStepsToCompletion(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	require.NoError(t, o.Register(&Definition{
		Name: "order-fulfillment",
		Steps: []Step{
			{Name: "reserve", Type: StepAction, Action: func(d Data) (Data, error) {
				return Data{"reserved": true}, nil
			}},
			{Name: "charge", Type: StepAction, Action: func(d Data) (Data, error) {
				return Data{"charged": true}, nil
			}},
		},
	}))

	inst, err := o.Start(context.Background(), "order-fulfillment", Data{"orderId": "o-1"})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, inst.Status)
	require.Equal(t, true, inst.Data["reserved"])
	require.Equal(t, true, inst.Data["charged"])
}

func TestOrchestratorCompensatesOnFailure(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	var compensated []string

	require.NoError(t, o.Register(&Definition{
		Name:       "two-step",
		MaxRetries: 0,
		Steps: []Step{
			{Name: "reserve", Type: StepAction,
				Action: func(d Data) (Data, error) { return Data{}, nil },
				Compensation: func(d Data, result Data) error {
					compensated = append(compensated, "reserve")
					return nil
				}},
			{Name: "charge", Type: StepAction, Action: func(d Data) (Data, error) {
				return nil, errors.New("card declined")
			}},
		},
	}))

	inst, err := o.Start(context.Background(), "two-step", Data{})
	require.NoError(t, err)
	require.Equal(t, StatusFailed, inst.Status)
	require.Equal(t, []string{"reserve"}, compensated)

	require.Len(t, inst.Compensated, 1)
	require.Equal(t, "reserve", inst.Compensated[0].StepName)
	require.Empty(t, inst.Compensated[0].Error)
	require.Empty(t, inst.compensation, "the pending stack should be fully drained")
}

func TestOrchestratorRetriesBeforeCompensating(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	attempts := 0

	require.NoError(t, o.Register(&Definition{
		Name:       "flaky",
		MaxRetries: 2,
		Steps: []Step{
			{Name: "flaky-step", Type: StepAction, Action: func(d Data) (Data, error) {
				attempts++
				if attempts < 3 {
					return nil, errors.New("transient")
				}
				return Data{"ok": true}, nil
			}},
		},
	}))

	o.clock = fastClock{}
	inst, err := o.Start(context.Background(), "flaky", Data{})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, inst.Status)
	require.Equal(t, 3, attempts)
}

func TestOrchestratorWaitsForEventThenResumes(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	require.NoError(t, o.Register(&Definition{
		Name: "approval-flow",
		Steps: []Step{
			{Name: "request-approval", Type: StepAction,
				Action:       func(d Data) (Data, error) { return Data{}, nil },
				WaitForEvent: "ApprovalGranted"},
			{Name: "finalize", Type: StepAction, Action: func(d Data) (Data, error) {
				return Data{"finalized": true}, nil
			}},
		},
		EventHandlers: map[string]EventHandlerFunc{
			"ApprovalGranted": func(d Data, eventType string, eventData []byte) (Data, error) {
				d["approved"] = true
				return d, nil
			},
		},
	}))

	inst, err := o.Start(context.Background(), "approval-flow", Data{})
	require.NoError(t, err)
	require.Equal(t, StatusWaiting, inst.Status)

	require.NoError(t, o.HandleEvent(context.Background(), "ApprovalGranted", nil))

	resumed, ok := o.Get(inst.ID)
	require.True(t, ok)
	require.Equal(t, StatusCompleted, resumed.Status)
	require.Equal(t, true, resumed.Data["finalized"])
}

func TestOrchestratorTriggersFromEvent(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	started := false
	require.NoError(t, o.Register(&Definition{
		Name:     "on-order-created",
		Triggers: []string{"OrderCreated"},
		Steps: []Step{
			{Name: "noop", Type: StepAction, Action: func(d Data) (Data, error) {
				started = true
				return Data{}, nil
			}},
		},
	}))

	require.NoError(t, o.HandleEvent(context.Background(), "OrderCreated", []byte(`{}`)))
	require.True(t, started)
}

func TestRecoverReplaysPersistedState(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	require.NoError(t, o.Register(&Definition{
		Name: "recoverable",
		Steps: []Step{
			{Name: "step-1", Type: StepAction,
				Action:       func(d Data) (Data, error) { return Data{}, nil },
				WaitForEvent: "Resume"},
		},
	}))

	inst, err := o.Start(context.Background(), "recoverable", Data{"x": float64(1)})
	require.NoError(t, err)
	require.Equal(t, StatusWaiting, inst.Status)

	recovered, err := o.Recover(context.Background(), "recoverable", inst.ID)
	require.NoError(t, err)
	require.Equal(t, StatusWaiting, recovered.Status)
	require.Equal(t, float64(1), recovered.Data["x"])
}

func TestRecoverReconstructsPendingCompensationStack(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	var compensatedCalls []string
	def := &Definition{
		Name: "crash-mid-compensation",
		Steps: []Step{
			{Name: "reserve", Type: StepAction,
				Action: func(d Data) (Data, error) { return Data{}, nil },
				Compensation: func(d Data, result Data) error {
					compensatedCalls = append(compensatedCalls, "reserve")
					return nil
				}},
		},
	}
	require.NoError(t, o.Register(def))

	// Simulate a crash partway through beginCompensation: the instance
	// recorded StatusCompensating with "reserve" still pending, but never
	// got to run its compensation before the process died.
	inst := &Instance{
		ID: "crashed-1",
		Definition: def.Name,
		Status: StatusCompensating,
		Data: Data{},
		StartedAt: time.Now(),
		DeadlineAt: time.Now().Add(def.Timeout),
		compensation: []compensationEntry{
			{StepName: "reserve", Result: Data{"reserved": true}},
		},
	}
	require.NoError(t, o.persist(inst))

	recovered, err := o.Recover(context.Background(), def.Name, inst.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompensating, recovered.Status)
	require.Len(t, recovered.compensation, 1)
	require.Equal(t, "reserve", recovered.compensation[0].StepName)
	require.NotNil(t, recovered.compensation[0].Compensation, "Recover must rebind the step name back to its CompensationFunc")

	require.NoError(t, recovered.compensation[0].Compensation(recovered.Data, recovered.compensation[0].Result))
	require.Equal(t, []string{"reserve"}, compensatedCalls)
}

type stubDispatcher struct {
	response []byte
	err      error

	lastCorrelationID string
	lastCausationID   string
}

func (d *stubDispatcher) Dispatch(ctx context.Context, commandType string, payload []byte, correlationID, causationID, userID string) ([]byte, error) {
	d.lastCorrelationID = correlationID
	d.lastCausationID = causationID
	return d.response, d.err
}

func TestOrchestratorCommandStepDispatches(t *testing.T) {
	stub := &stubDispatcher{response: []byte(`{"shipped":true}`)}
	o := newTestOrchestrator(t, stub)
	require.NoError(t, o.Register(&Definition{
		Name: "ship-order",
		Steps: []Step{
			{Name: "ship", Type: StepCommand, CommandType: "ShipOrder"},
		},
	}))

	inst, err := o.Start(context.Background(), "ship-order", Data{})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, inst.Status)
	require.Equal(t, true, inst.Data["shipped"])
	require.Equal(t, inst.ID, stub.lastCorrelationID, "command steps correlate to their saga instance")
	require.Equal(t, inst.ID+"/ship", stub.lastCausationID)
}

// fastClock sleeps for microseconds instead of real seconds so retry
// backoff tests stay fast.
type fastClock struct{}

func (fastClock) Now() time.Time                        { return time.Now() }
func (fastClock) MonotonicNow() time.Time                { return time.Now() }
func (fastClock) After(d time.Duration) <-chan time.Time { return time.After(time.Microsecond) }
func (fastClock) NewTimer(d time.Duration) *time.Timer   { return time.NewTimer(time.Microsecond) }
func (fastClock) NewTicker(d time.Duration) *time.Ticker { return time.NewTicker(time.Millisecond) }
func (fastClock) Sleep(d time.Duration)                  { time.Sleep(time.Microsecond) }
