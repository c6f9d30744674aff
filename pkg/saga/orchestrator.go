package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/aegis/pkg/clock"
	"github.com/cuemby/aegis/pkg/errs"
	"github.com/cuemby/aegis/pkg/eventstore"
	applog "github.com/cuemby/aegis/pkg/log"
	"github.com/cuemby/aegis/pkg/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultTimeout = 5 * time.Minute
	defaultMaxRetries = 3
	defaultCompensationTimeout = 60 * time.Second
)

// CommandDispatcher is the subset of pkg/dispatch's Dispatcher a "command"
// step needs. Defined here (rather than imported) so pkg/saga has no
// compile-time dependency on pkg/dispatch's middleware machinery.
// correlationID, causationID, and userID are the dispatcher envelope; a
// saga always dispatches with correlationID set to its instance ID.
type CommandDispatcher interface {
	Dispatch(ctx context.Context, commandType string, payload []byte, correlationID, causationID, userID string) ([]byte, error)
}

// Orchestrator runs saga instances against registered Definitions,
// persisting every transition through an EventStore.
type Orchestrator struct {
	mu sync.Mutex
	definitions map[string]*Definition
	instances map[string]*Instance

	store *eventstore.EventStore
	dispatcher CommandDispatcher
	clock clock.Clock
	logger zerolog.Logger
}

// NewOrchestrator constructs an Orchestrator. dispatcher may be nil if no
// registered Definition uses a "command" step.
func NewOrchestrator(store *eventstore.EventStore, dispatcher CommandDispatcher, clk clock.Clock) *Orchestrator {
	if clk == nil {
		clk = clock.New()
	}
	return &Orchestrator{
		definitions: make(map[string]*Definition),
		instances: make(map[string]*Instance),
		store: store,
		dispatcher: dispatcher,
		clock: clk,
		logger: applog.WithComponent("saga"),
	}
}

// Register adds def to the orchestrator, filling in its defaults for
// any zero-valued field.
func (o *Orchestrator) Register(def *Definition) error {
	if def.Name == "" {
		return errs.New(errs.KindValidation, "saga definition requires a name")
	}
	if def.Timeout == 0 {
		def.Timeout = defaultTimeout
	}
	if def.MaxRetries == 0 {
		def.MaxRetries = defaultMaxRetries
	}
	if def.CompensationTimeout == 0 {
		def.CompensationTimeout = defaultCompensationTimeout
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.definitions[def.Name] = def
	return nil
}

// Start implements explicit start(type, data), creating a
// new instance and running it to its first suspension point.
func (o *Orchestrator) Start(ctx context.Context, defName string, data Data) (*Instance, error) {
	o.mu.Lock()
	def, ok := o.definitions[defName]
	o.mu.Unlock()
	if !ok {
		return nil, errs.New(errs.KindValidation, fmt.Sprintf("saga: unknown definition %q", defName))
	}

	now := o.clock.Now()
	inst := &Instance{
		ID: uuid.NewString(),
		Definition: defName,
		Status: StatusRunning,
		Data: data.Clone(),
		StartedAt: now,
		DeadlineAt: now.Add(def.Timeout),
	}

	o.mu.Lock()
	o.instances[inst.ID] = inst
	o.mu.Unlock()

	metrics.SagasStartedTotal.WithLabelValues(defName).Inc()
	if err := o.persist(inst); err != nil {
		return nil, err
	}

	o.run(ctx, inst, def)
	return inst, nil
}

// HandleEvent implements two event roles: starting a new
// instance when eventType matches a Definition's trigger, and resuming
// any instance currently waiting on eventType.
func (o *Orchestrator) HandleEvent(ctx context.Context, eventType string, eventData []byte) error {
	o.mu.Lock()
	var toStart []*Definition
	for _, def := range o.definitions {
		for _, trigger := range def.Triggers {
			if trigger != eventType {
				continue
			}
			if def.TriggerCondition != nil && !def.TriggerCondition(eventType, eventData) {
				continue
			}
			toStart = append(toStart, def)
		}
	}
	var toResume []*Instance
	for _, inst := range o.instances {
		if inst.Status == StatusWaiting && inst.WaitingEvent == eventType {
			toResume = append(toResume, inst)
		}
	}
	o.mu.Unlock()

	for _, def := range toStart {
		if _, err := o.Start(ctx, def.Name, Data{"triggerEventType": eventType, "triggerEventData": json.RawMessage(eventData)}); err != nil {
			o.logger.Error().Err(err).Str("definition", def.Name).Msg("failed to start triggered saga")
		}
	}

	for _, inst := range toResume {
		o.mu.Lock()
		def := o.definitions[inst.Definition]
		o.mu.Unlock()
		handler, ok := def.EventHandlers[eventType]
		if !ok {
			continue
		}
		newData, err := handler(inst.Data.Clone(), eventType, eventData)
		if err != nil {
			o.logger.Error().Err(err).Str("instance_id", inst.ID).Msg("event handler failed")
			continue
		}
		inst.Data = newData
		inst.Status = StatusRunning
		inst.WaitingEvent = ""
		if err := o.persist(inst); err != nil {
			o.logger.Error().Err(err).Str("instance_id", inst.ID).Msg("failed to persist resumed saga state")
			continue
		}
		o.run(ctx, inst, def)
	}
	return nil
}

// run executes inst's steps from its current position until it
// completes, fails, starts compensating, or suspends waiting for an
// event. Each saga instance is single-threaded.
func (o *Orchestrator) run(ctx context.Context, inst *Instance, def *Definition) {
	for inst.CurrentStep < len(def.Steps) {
		if o.clock.Now().After(inst.DeadlineAt) {
			o.beginCompensation(ctx, inst, def, errs.New(errs.KindTimeout, "saga instance exceeded its deadline"))
			return
		}

		step := def.Steps[inst.CurrentStep]
		result, err := o.runStepWithRetry(ctx, inst, def, step)
		if err != nil {
			o.beginCompensation(ctx, inst, def, err)
			return
		}

		if step.Compensation != nil {
			inst.compensation = append(inst.compensation, compensationEntry{
				StepName: step.Name, Compensation: step.Compensation, Result: result,
			})
		}
		for k, v := range result {
			inst.Data[k] = v
		}

		next := inst.CurrentStep + 1
		if step.Type == StepCondition {
			next = o.nextStepForCondition(def, step, inst.Data)
		}
		inst.CurrentStep = next
		inst.RetryCount = 0

		if step.WaitForEvent != "" {
			inst.Status = StatusWaiting
			inst.WaitingEvent = step.WaitForEvent
			_ = o.persist(inst)
			return
		}
		_ = o.persist(inst)
	}

	inst.Status = StatusCompleted
	metrics.SagasCompletedTotal.WithLabelValues(def.Name, "completed").Inc()
	_ = o.persist(inst)
}

// nextStepForCondition resolves a condition step's branch to a step
// index, terminating the saga successfully if the named branch is empty.
func (o *Orchestrator) nextStepForCondition(def *Definition, step Step, data Data) int {
	branch := step.OnFalse
	if step.Condition(data) {
		branch = step.OnTrue
	}
	if branch == "" {
		return len(def.Steps)
	}
	for i, s := range def.Steps {
		if s.Name == branch {
			return i
		}
	}
	return len(def.Steps)
}

// runStepWithRetry executes one step, retrying up to def.MaxRetries
// times with linear backoff (1s * attempt).
func (o *Orchestrator) runStepWithRetry(ctx context.Context, inst *Instance, def *Definition, step Step) (Data, error) {
	var lastErr error
	for attempt := 1; attempt <= def.MaxRetries+1; attempt++ {
		timer := metrics.NewTimer()
		result, err := o.runStep(ctx, inst, step, inst.Data)
		timer.ObserveDurationVec(metrics.SagaStepDuration, def.Name, step.Name)
		if err == nil {
			return result, nil
		}
		lastErr = err
		inst.RetryCount = attempt
		if attempt <= def.MaxRetries {
			o.clock.Sleep(time.Duration(attempt) * time.Second)
		}
	}
	return nil, lastErr
}

func (o *Orchestrator) runStep(ctx context.Context, inst *Instance, step Step, data Data) (Data, error) {
	switch step.Type {
	case StepAction:
		return step.Action(data.Clone())

	case StepCommand:
		if o.dispatcher == nil {
			return nil, errs.New(errs.KindValidation, "saga: command step with no dispatcher configured")
		}
		payload, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("saga: encode command payload: %w", err)
		}
		causationID := fmt.Sprintf("%s/%s", inst.ID, step.Name)
		respBody, err := o.dispatcher.Dispatch(ctx, step.CommandType, payload, inst.ID, causationID, "")
		if err != nil {
			return nil, err
		}
		var result Data
		if len(respBody) > 0 {
			if err := json.Unmarshal(respBody, &result); err != nil {
				return nil, fmt.Errorf("saga: decode command response: %w", err)
			}
		}
		return result, nil

	case StepParallel:
		return o.runParallel(step, data)

	case StepCondition:
		return Data{}, nil

	default:
		return nil, errs.New(errs.KindValidation, fmt.Sprintf("saga: unknown step type %q", step.Type))
	}
}

// runParallel runs every action concurrently, rejoining before the next
// step starts. WaitForAll propagates the first error; "settled" mode
// collects every result (and every error, merged under a per-index key)
// without failing the step.
func (o *Orchestrator) runParallel(step Step, data Data) (Data, error) {
	type outcome struct {
		result Data
		err error
	}
	outcomes := make([]outcome, len(step.ParallelActions))

	var wg sync.WaitGroup
	for i, action := range step.ParallelActions {
		wg.Add(1)
		go func(i int, action ActionFunc) {
			defer wg.Done()
			result, err := action(data.Clone())
			outcomes[i] = outcome{result: result, err: err}
		}(i, action)
	}
	wg.Wait()

	merged := Data{}
	for i, oc := range outcomes {
		if oc.err != nil {
			if step.WaitForAll {
				return nil, oc.err
			}
			merged[fmt.Sprintf("error_%d", i)] = oc.err.Error()
			continue
		}
		for k, v := range oc.result {
			merged[k] = v
		}
	}
	return merged, nil
}

// beginCompensation enters StatusCompensating and unwinds the
// compensation stack in LIFO order; a compensation failure is logged
// but never halts the sweep.
func (o *Orchestrator) beginCompensation(ctx context.Context, inst *Instance, def *Definition, cause error) {
	inst.Status = StatusCompensating
	inst.Error = cause.Error()
	metrics.SagasCompensatingTotal.Inc()
	_ = o.persist(inst)

	for len(inst.compensation) > 0 {
		entry := inst.compensation[len(inst.compensation)-1]
		cctx, cancel := context.WithTimeout(ctx, def.CompensationTimeout)
		data := inst.Data.Clone()
		errCh := make(chan error, 1)
		go func() { errCh <- entry.Compensation(data, entry.Result) }()
		var err error
		select {
		case err = <-errCh:
		case <-cctx.Done():
			err = errs.New(errs.KindTimeout, fmt.Sprintf("saga: compensation for step %q exceeded its timeout", entry.StepName))
		}
		cancel()

		record := CompensationRecord{StepName: entry.StepName, CompensatedAt: o.clock.Now()}
		if err != nil {
			record.Error = err.Error()
			o.logger.Error().Err(err).Str("instance_id", inst.ID).Str("step", entry.StepName).
				Msg("compensation failed; continuing sweep")
		}
		inst.Compensated = append(inst.Compensated, record)
		inst.compensation = inst.compensation[:len(inst.compensation)-1]
		_ = o.persist(inst)
	}

	inst.Status = StatusFailed
	metrics.SagasCompensatingTotal.Dec()
	metrics.SagasCompletedTotal.WithLabelValues(def.Name, "failed").Inc()
	_ = o.persist(inst)
}

// Get returns a tracked instance by ID.
func (o *Orchestrator) Get(id string) (*Instance, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	inst, ok := o.instances[id]
	return inst, ok
}

// persist writes a SagaStateChanged event to the instance's saga-scoped
// stream, the basis for Recover's crash-recovery replay.
func (o *Orchestrator) persist(inst *Instance) error {
	if o.store == nil {
		return nil
	}
	change := stateChange{
		Status: inst.Status,
		CurrentStep: inst.CurrentStep,
		Data: inst.Data,
		RetryCount: inst.RetryCount,
		Error: inst.Error,
		PendingCompensation: inst.compensation,
		Compensated: inst.Compensated,
	}
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("saga: encode state change: %w", err)
	}
	_, _, err = o.store.Append(streamID(inst.ID), []eventstore.EventInput{
		{Type: "SagaStateChanged", Data: payload},
	}, -1)
	return err
}

// Recover reconstructs an instance by replaying its saga-{id} stream,
// for use after a process restart.
func (o *Orchestrator) Recover(ctx context.Context, defName, instanceID string) (*Instance, error) {
	o.mu.Lock()
	def, ok := o.definitions[defName]
	o.mu.Unlock()
	if !ok {
		return nil, errs.New(errs.KindValidation, fmt.Sprintf("saga: unknown definition %q", defName))
	}

	events, _, _, err := o.store.ReadStream(streamID(instanceID), 1, 0)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, errs.New(errs.KindValidation, fmt.Sprintf("saga: no recorded state for instance %q", instanceID))
	}

	compensationByStep := make(map[string]CompensationFunc, len(def.Steps))
	for _, step := range def.Steps {
		if step.Compensation != nil {
			compensationByStep[step.Name] = step.Compensation
		}
	}

	inst := &Instance{ID: instanceID, Definition: defName, StartedAt: events[0].Timestamp, DeadlineAt: events[0].Timestamp.Add(def.Timeout)}
	var pending []compensationEntry
	for _, ev := range events {
		var change stateChange
		if err := json.Unmarshal(ev.Data, &change); err != nil {
			return nil, fmt.Errorf("saga: decode recorded state: %w", err)
		}
		inst.Status = change.Status
		inst.CurrentStep = change.CurrentStep
		inst.Data = change.Data
		inst.RetryCount = change.RetryCount
		inst.Error = change.Error
		inst.Compensated = change.Compensated
		pending = change.PendingCompensation
	}

	for _, entry := range pending {
		entry.Compensation = compensationByStep[entry.StepName]
		inst.compensation = append(inst.compensation, entry)
	}

	o.mu.Lock()
	o.instances[inst.ID] = inst
	o.mu.Unlock()

	if inst.Status == StatusRunning || inst.Status == StatusWaiting {
		o.logger.Info().Str("instance_id", inst.ID).Str("status", string(inst.Status)).Msg("recovered saga instance")
	}
	return inst, nil
}
