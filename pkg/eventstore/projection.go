package eventstore

import (
	"sync"
)

// ProjectionHandler mutates a projection's private state in response to
// one event, returning the new state. Returning an error leaves state
// and the projection's checkpoint unchanged — a projection advances its
// checkpoint only on success.
type ProjectionHandler func(state interface{}, ev *Event) (interface{}, error)

// runningProjection is one registered projection: the streams/event
// types it consumes, its handlers, and its private state.
type runningProjection struct {
	name string
	streamFilter map[string]bool // nil = every stream
	handlers map[string]ProjectionHandler
	onError func(name string, ev *Event, err error)

	mu sync.Mutex
	state interface{}
	checkpoint map[string]uint64 // streamID -> last successfully applied version
}

// RegisterProjection declares a projection consuming streamIDs (nil/empty
// for every stream) with one handler per event type it understands.
// onError, if non-nil, is invoked whenever a handler fails; the
// projection's checkpoint for that stream does not advance.
func (s *EventStore) RegisterProjection(name string, streamIDs []string, initialState interface{}, handlers map[string]ProjectionHandler, onError func(name string, ev *Event, err error)) {
	proj := &runningProjection{
		name: name,
		handlers: handlers,
		onError: onError,
		state: initialState,
		checkpoint: make(map[string]uint64),
	}
	if len(streamIDs) > 0 {
		proj.streamFilter = make(map[string]bool, len(streamIDs))
		for _, id := range streamIDs {
			proj.streamFilter[id] = true
		}
	}

	s.projMu.Lock()
	s.projections[name] = proj
	s.projMu.Unlock()
}

// UnregisterProjection stops a projection from receiving further events.
func (s *EventStore) UnregisterProjection(name string) {
	s.projMu.Lock()
	delete(s.projections, name)
	s.projMu.Unlock()
}

// ProjectionState returns a projection's current private state.
func (s *EventStore) ProjectionState(name string) (interface{}, bool) {
	s.projMu.Lock()
	proj, ok := s.projections[name]
	s.projMu.Unlock()
	if !ok {
		return nil, false
	}
	proj.mu.Lock()
	defer proj.mu.Unlock()
	return proj.state, true
}

// ProjectionCheckpoint returns how far a projection has advanced on
// streamID.
func (s *EventStore) ProjectionCheckpoint(name, streamID string) (uint64, bool) {
	s.projMu.Lock()
	proj, ok := s.projections[name]
	s.projMu.Unlock()
	if !ok {
		return 0, false
	}
	proj.mu.Lock()
	defer proj.mu.Unlock()
	v, ok := proj.checkpoint[streamID]
	return v, ok
}

// applyProjections invokes every registered projection interested in ev,
// called from within appendLocked so ordering within ev.StreamID is
// exactly append order.
func (s *EventStore) applyProjections(ev *Event) {
	s.projMu.Lock()
	matching := make([]*runningProjection, 0, len(s.projections))
	for _, proj := range s.projections {
		if proj.streamFilter != nil && !proj.streamFilter[ev.StreamID] {
			continue
		}
		if _, ok := proj.handlers[ev.Type]; !ok {
			continue
		}
		matching = append(matching, proj)
	}
	s.projMu.Unlock()

	for _, proj := range matching {
		proj.mu.Lock()
		handler := proj.handlers[ev.Type]
		newState, err := handler(proj.state, ev)
		if err != nil {
			proj.mu.Unlock()
			if proj.onError != nil {
				proj.onError(proj.name, ev, err)
			}
			continue
		}
		proj.state = newState
		proj.checkpoint[ev.StreamID] = ev.Version
		proj.mu.Unlock()
	}
}
