package eventstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cuemby/aegis/pkg/errs"
	"github.com/cuemby/aegis/pkg/events"
	"github.com/cuemby/aegis/pkg/metrics"
	"github.com/google/uuid"
)

// liveSubscription is one subscriber's channel plus the optional stream
// filter it was registered with.
type liveSubscription struct {
	id string
	streamFilter map[string]bool
	ch chan *Event
}

// Subscription is what a caller of Subscribe/SubscribeCatchUp/
// SubscribePersistent receives: an Events channel to range over and a
// Close method to release it.
type Subscription struct {
	Events <-chan *Event
	close func()
}

// Close releases the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	if s.close != nil {
		s.close()
	}
}

// errorBroker lazily starts the store's dedicated subscription-error
// feed, a direct descendant of events.Broker used only for "your
// subscription was dropped" notifications, never for event payloads.
func (s *EventStore) errorBroker() *events.Broker {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.errBroker == nil {
		s.errBroker = events.NewBroker()
		s.errBroker.Start()
	}
	return s.errBroker
}

// SubscribeErrors reports dropped-subscription notifications: overflow
// drops the slowest subscription, reported via an error event.
func (s *EventStore) SubscribeErrors() events.Subscriber {
	return s.errorBroker().Subscribe()
}

// UnsubscribeErrors releases a subscription returned by SubscribeErrors.
func (s *EventStore) UnsubscribeErrors(sub events.Subscriber) {
	s.errorBroker().Unsubscribe(sub)
}

func (s *EventStore) registerLive(streamIDs []string) *liveSubscription {
	sub := &liveSubscription{
		id: uuid.NewString(),
		ch: make(chan *Event, s.opts.LiveSubscriptionBuffer),
	}
	if len(streamIDs) > 0 {
		sub.streamFilter = make(map[string]bool, len(streamIDs))
		for _, id := range streamIDs {
			sub.streamFilter[id] = true
		}
	}

	s.subMu.Lock()
	s.liveSubs[sub] = struct{}{}
	s.subMu.Unlock()

	metrics.EventStoreSubscriptionsActive.WithLabelValues("live").Inc()
	return sub
}

func (s *EventStore) removeLive(sub *liveSubscription) {
	s.subMu.Lock()
	_, ok := s.liveSubs[sub]
	delete(s.liveSubs, sub)
	s.subMu.Unlock()
	if ok {
		close(sub.ch)
		metrics.EventStoreSubscriptionsActive.WithLabelValues("live").Dec()
	}
}

// publishLive fans ev out to every matching live subscriber. A
// subscriber whose buffer is full is dropped outright (not just the one
// event) and reported on the error feed — overflow drops the slowest
// subscription rather than the best-effort per-message drop
// pkg/events.Broker uses for cluster notifications.
func (s *EventStore) publishLive(ev *Event) {
	s.subMu.Lock()
	var dropped []*liveSubscription
	for sub := range s.liveSubs {
		if sub.streamFilter != nil && !sub.streamFilter[ev.StreamID] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			dropped = append(dropped, sub)
			delete(s.liveSubs, sub)
		}
	}
	s.subMu.Unlock()

	for _, sub := range dropped {
		close(sub.ch)
		metrics.EventStoreSubscriptionsActive.WithLabelValues("live").Dec()
		s.errorBroker().Publish(&events.Event{
			Type: events.TypeStateChanged,
			Message: fmt.Sprintf("subscription %s dropped: buffer overflow", sub.id),
		})
	}
}

// Subscribe implements live subscription mode: the
// returned channel receives only events appended after this call.
// An empty streamIDs subscribes to every stream.
func (s *EventStore) Subscribe(streamIDs...string) *Subscription {
	sub := s.registerLive(streamIDs)
	return &Subscription{
		Events: sub.ch,
		close: func() { s.removeLive(sub) },
	}
}

// SubscribeCatchUp implements catch-up mode: it first
// streams stored events from fromVersion until it reaches the tail, then
// transitions to live, preserving ordering within streamID throughout.
func (s *EventStore) SubscribeCatchUp(ctx context.Context, streamID string, fromVersion uint64) (*Subscription, error) {
	live := s.registerLive([]string{streamID})
	out := make(chan *Event, s.opts.LiveSubscriptionBuffer)

	go func() {
		defer close(out)

		cursor := fromVersion
		for {
			batch, next, isEnd, err := s.ReadStream(streamID, cursor, 256)
			if err != nil {
				s.errorBroker().Publish(&events.Event{Type: events.TypeStateChanged, Message: fmt.Sprintf("catch-up subscription for %s failed: %v", streamID, err)})
				s.removeLive(live)
				return
			}
			for _, ev := range batch {
				select {
				case out <- ev:
				case <-ctx.Done():
					s.removeLive(live)
					return
				}
			}
			cursor = next
			if isEnd {
				break
			}
		}

		// Caught up: relay everything the live registration has
		// buffered since, skipping anything at or below what catch-up
		// already delivered in case of overlap at the handover point.
		for {
			select {
			case ev, ok := <-live.ch:
				if !ok {
					return
				}
				if ev.Version < cursor {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					s.removeLive(live)
					return
				}
			case <-ctx.Done():
				s.removeLive(live)
				return
			}
		}
	}()

	return &Subscription{
		Events: out,
		close: func() { s.removeLive(live) },
	}, nil
}

// persistentCheckpoint is the durable (subscriptionId, lastAckedVersion)
// row persistent mode records.
type persistentCheckpoint struct {
	SubscriptionID string `json:"subscriptionId"`
	StreamID string `json:"streamId"`
	LastAckedVersion uint64 `json:"lastAckedVersion"`
}

// SubscribePersistent implements persistent mode: it
// resumes from the durably recorded checkpoint (or version 0 on first
// use) and the caller must call Ack after successfully processing each
// event so the checkpoint advances.
func (s *EventStore) SubscribePersistent(ctx context.Context, subscriptionID, streamID string) (*Subscription, error) {
	checkpoint, err := s.loadCheckpoint(subscriptionID, streamID)
	if err != nil {
		return nil, err
	}

	sub, err := s.SubscribeCatchUp(ctx, streamID, checkpoint.LastAckedVersion+1)
	if err != nil {
		return nil, err
	}
	metrics.EventStoreSubscriptionsActive.WithLabelValues("persistent").Inc()

	origClose := sub.close
	sub.close = func() {
		origClose()
		metrics.EventStoreSubscriptionsActive.WithLabelValues("persistent").Dec()
	}
	return sub, nil
}

// Ack persists subscriptionID's checkpoint at version, so a restart
// resumes after the last successfully processed event.
func (s *EventStore) Ack(subscriptionID, streamID string, version uint64) error {
	checkpoint := persistentCheckpoint{SubscriptionID: subscriptionID, StreamID: streamID, LastAckedVersion: version}
	data, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("eventstore: encode checkpoint: %w", err)
	}
	return s.store.Put(subscriptionsNamespace, subscriptionID, data)
}

func (s *EventStore) loadCheckpoint(subscriptionID, streamID string) (persistentCheckpoint, error) {
	data, ok, err := s.store.Get(subscriptionsNamespace, subscriptionID)
	if err != nil {
		return persistentCheckpoint{}, fmt.Errorf("eventstore: read checkpoint: %w", err)
	}
	if !ok {
		return persistentCheckpoint{SubscriptionID: subscriptionID, StreamID: streamID}, nil
	}
	var checkpoint persistentCheckpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return persistentCheckpoint{}, errs.Wrap(errs.KindCorruption, err, "decode subscription checkpoint")
	}
	return checkpoint, nil
}
