package eventstore

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/cuemby/aegis/pkg/crypto"
	"github.com/cuemby/aegis/pkg/errs"
	"github.com/cuemby/aegis/pkg/events"
	applog "github.com/cuemby/aegis/pkg/log"
	"github.com/cuemby/aegis/pkg/metrics"
	"github.com/cuemby/aegis/pkg/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	streamsNamespace = "event_streams"
	snapshotsNamespace = "event_snapshots"
	subscriptionsNamespace = "event_subscriptions"
)

// Options configures an EventStore.
type Options struct {
	// PartitionCount is P in partitionIndex = hash(streamId) mod P.
	PartitionCount int

	// SnapshotInterval, if non-zero, makes the store write an automatic
	// marker snapshot (nil state, at the stream's current version)
	// whenever an append leaves the stream's version at a multiple of N; a
	// batch append that steps past a multiple without ending on it
	// writes none.
	// The recommended mode is caller-driven snapshotting instead
	// (SnapshotInterval left at its zero value).
	SnapshotInterval uint64

	// Compress gzips event payloads before they are persisted.
	Compress bool

	// Encryptor, if set, AES-256-GCM-seals event payloads (after
	// compression, if both are enabled) before persistence.
	Encryptor *crypto.Encryptor

	// LiveSubscriptionBuffer bounds each live subscriber's queue before
	// the subscription itself is dropped and reported via SubscribeErrors.
	LiveSubscriptionBuffer int
}

// DefaultOptions returns the package defaults: 16 partitions, no
// automatic snapshotting, no compression or encryption, a 256-event live
// subscription buffer.
func DefaultOptions() Options {
	return Options{
		PartitionCount: 16,
		SnapshotInterval: 0,
		Compress: false,
		LiveSubscriptionBuffer: 256,
	}
}

// EventStore is the partitioned, append-only log of versioned streams,
// with optional snapshotting, compression, encryption, and live/catch-up
// subscriptions.
type EventStore struct {
	store storage.Store
	opts Options

	logger zerolog.Logger

	streamMu sync.Mutex // guards streamLocks
	streamLocks map[string]*sync.Mutex

	subMu sync.Mutex
	liveSubs map[*liveSubscription]struct{}
	errBroker *events.Broker

	projMu sync.Mutex
	projections map[string]*runningProjection
}

// NewEventStore opens an EventStore over the given storage.Store.
func NewEventStore(store storage.Store, opts Options) *EventStore {
	if opts.PartitionCount <= 0 {
		opts.PartitionCount = DefaultOptions().PartitionCount
	}
	if opts.LiveSubscriptionBuffer <= 0 {
		opts.LiveSubscriptionBuffer = DefaultOptions().LiveSubscriptionBuffer
	}
	return &EventStore{
		store: store,
		opts: opts,
		logger: applog.WithComponent("eventstore"),
		streamLocks: make(map[string]*sync.Mutex),
		liveSubs: make(map[*liveSubscription]struct{}),
		projections: make(map[string]*runningProjection),
	}
}

// partitionFor computes partitionIndex = hash(streamId) mod P.
func (s *EventStore) partitionFor(streamID string) int {
	return int(xxhash.Sum64String(streamID) % uint64(s.opts.PartitionCount))
}

func partitionNamespace(partition int) string {
	return fmt.Sprintf("events_p%d", partition)
}

// lockFor returns the per-stream mutex, creating it on first use. Locks
// are per stream, never per partition, so unrelated streams sharing a
// partition never block each other.
func (s *EventStore) lockFor(streamID string) *sync.Mutex {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	l, ok := s.streamLocks[streamID]
	if !ok {
		l = &sync.Mutex{}
		s.streamLocks[streamID] = l
	}
	return l
}

func (s *EventStore) readMeta(streamID string) (streamMeta, bool, error) {
	data, ok, err := s.store.Get(streamsNamespace, streamID)
	if err != nil {
		return streamMeta{}, false, fmt.Errorf("eventstore: read stream metadata: %w", err)
	}
	if !ok {
		return streamMeta{}, false, nil
	}
	var meta streamMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return streamMeta{}, false, fmt.Errorf("eventstore: decode stream metadata: %w", err)
	}
	return meta, true, nil
}

// Append implements append(streamId, events[], expectedVersion).
// expectedVersion of -1 skips the optimistic-concurrency check.
func (s *EventStore) Append(streamID string, inputs []EventInput, expectedVersion int64) (newVersion uint64, eventIDs []string, err error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.EventStoreAppendDuration)

	lock := s.lockFor(streamID)
	lock.Lock()
	defer lock.Unlock()

	return s.appendLocked(streamID, inputs, expectedVersion)
}

// appendLocked performs the write assuming the caller already holds
// streamID's lock; used directly by Append and by transaction commit.
func (s *EventStore) appendLocked(streamID string, inputs []EventInput, expectedVersion int64) (uint64, []string, error) {
	meta, exists, err := s.readMeta(streamID)
	if err != nil {
		return 0, nil, err
	}
	if !exists {
		meta = streamMeta{StreamID: streamID, CurrentVersion: 0, Partition: s.partitionFor(streamID)}
	}

	if expectedVersion != -1 && uint64(expectedVersion) != meta.CurrentVersion {
		metrics.EventStoreConflictsTotal.Inc()
		return 0, nil, errs.New(errs.KindConcurrencyConflict,
			fmt.Sprintf("stream %s: expected version %d, actual %d", streamID, expectedVersion, meta.CurrentVersion))
	}

	now := time.Now().UTC()
	entries := make([]storage.Entry, 0, len(inputs))
	events := make([]*Event, 0, len(inputs))
	ids := make([]string, 0, len(inputs))

	version := meta.CurrentVersion
	for _, in := range inputs {
		version++
		ev := &Event{
			ID: uuid.NewString(),
			StreamID: streamID,
			Version: version,
			Type: in.Type,
			Data: in.Data,
			Metadata: in.Metadata,
			CorrelationID: in.CorrelationID,
			CausationID: in.CausationID,
			Timestamp: now,
		}

		packed, compressed, encrypted, err := s.packPayload(ev.Data)
		if err != nil {
			return 0, nil, err
		}
		ev.Data = packed
		ev.Compressed = compressed
		ev.Encrypted = encrypted
		ev.Checksum = fmt.Sprintf("%x", crypto.Checksum(ev.canonicalFields()))

		encoded, err := json.Marshal(ev)
		if err != nil {
			return 0, nil, fmt.Errorf("eventstore: encode event: %w", err)
		}
		entries = append(entries, storage.Entry{Key: eventStorageKey(streamID, version), Value: encoded})
		events = append(events, ev)
		ids = append(ids, ev.ID)
	}

	meta.CurrentVersion = version
	meta.Partition = s.partitionFor(streamID)
	metaEncoded, err := json.Marshal(meta)
	if err != nil {
		return 0, nil, fmt.Errorf("eventstore: encode stream metadata: %w", err)
	}

	ns := partitionNamespace(meta.Partition)
	if err := s.store.BatchPut(ns, entries); err != nil {
		return 0, nil, fmt.Errorf("eventstore: write events: %w", err)
	}
	if err := s.store.Put(streamsNamespace, streamID, metaEncoded); err != nil {
		return 0, nil, fmt.Errorf("eventstore: write stream metadata: %w", err)
	}

	metrics.EventStoreAppendedTotal.WithLabelValues(fmt.Sprintf("%d", meta.Partition)).Add(float64(len(events)))

	for _, ev := range events {
		s.publishLive(ev)
		s.applyProjections(ev)
	}

	if s.opts.SnapshotInterval > 0 {
		s.maybeAutoSnapshot(streamID, meta.CurrentVersion)
	}

	return meta.CurrentVersion, ids, nil
}

func (s *EventStore) packPayload(data []byte) (packed []byte, compressed, encrypted bool, err error) {
	packed = data
	if s.opts.Compress {
		packed, err = gzipCompress(packed)
		if err != nil {
			return nil, false, false, fmt.Errorf("eventstore: compress payload: %w", err)
		}
		compressed = true
	}
	if s.opts.Encryptor != nil {
		packed, err = s.opts.Encryptor.Encrypt(packed)
		if err != nil {
			return nil, false, false, fmt.Errorf("eventstore: encrypt payload: %w", err)
		}
		encrypted = true
	}
	return packed, compressed, encrypted, nil
}

func (s *EventStore) unpackPayload(ev *Event) error {
	data := ev.Data
	var err error
	if ev.Encrypted {
		if s.opts.Encryptor == nil {
			return errs.New(errs.KindCorruption, fmt.Sprintf("event %s is encrypted but no decryption key is configured", ev.ID))
		}
		data, err = s.opts.Encryptor.Decrypt(data)
		if err != nil {
			return errs.Wrap(errs.KindCorruption, err, fmt.Sprintf("event %s: decrypt payload", ev.ID))
		}
	}
	if ev.Compressed {
		data, err = gzipDecompress(data)
		if err != nil {
			return errs.Wrap(errs.KindCorruption, err, fmt.Sprintf("event %s: decompress payload", ev.ID))
		}
	}
	ev.Data = data
	return nil
}

// verifyChecksum checks ev's checksum against its packed (on-disk) form,
// which must happen before unpackPayload mutates ev.Data.
func verifyChecksum(ev *Event) error {
	expected := ev.Checksum
	got := fmt.Sprintf("%x", crypto.Checksum(ev.canonicalFields()))
	if got != expected {
		return errs.New(errs.KindCorruption, fmt.Sprintf("event %s: checksum mismatch", ev.ID))
	}
	return nil
}

// ReadStream implements readStream(streamId, fromVersion,
// maxCount). Callers that want to resume from a snapshot should call
// GetSnapshot first and pass snapshot.Version+1 as fromVersion.
func (s *EventStore) ReadStream(streamID string, fromVersion uint64, maxCount int) (events []*Event, nextVersion uint64, isEnd bool, err error) {
	meta, exists, err := s.readMeta(streamID)
	if err != nil {
		return nil, 0, true, err
	}
	if !exists {
		return nil, fromVersion, true, nil
	}

	ns := partitionNamespace(meta.Partition)
	prefix := streamPrefix(streamID)

	var collected []*Event
	scanErr := s.store.Scan(ns, prefix, func(entry storage.Entry) error {
		var ev Event
		if err := json.Unmarshal(entry.Value, &ev); err != nil {
			return fmt.Errorf("eventstore: decode event: %w", err)
		}
		if ev.Version < fromVersion {
			return nil
		}
		if err := verifyChecksum(&ev); err != nil {
			return err
		}
		if err := s.unpackPayload(&ev); err != nil {
			return err
		}
		collected = append(collected, &ev)
		if maxCount > 0 && len(collected) >= maxCount {
			return errStopScan
		}
		return nil
	})
	if scanErr != nil && scanErr != errStopScan {
		return nil, 0, true, scanErr
	}

	next := fromVersion
	if len(collected) > 0 {
		next = collected[len(collected)-1].Version + 1
	}
	return collected, next, next > meta.CurrentVersion, nil
}

var errStopScan = fmt.Errorf("eventstore: scan limit reached")

// ReadAllOptions filters ReadAll.
type ReadAllOptions struct {
	StreamIDs []string
	FromTs time.Time
	ToTs time.Time
	Max int
	Dir Direction
}

// ReadAll implements readAll(streamIds?, fromTs, toTs,
// max, dir): events across all partitions merged by timestamp, ties
// broken by (streamId, version) ascending.
func (s *EventStore) ReadAll(opts ReadAllOptions) ([]*Event, error) {
	filter := make(map[string]bool, len(opts.StreamIDs))
	for _, id := range opts.StreamIDs {
		filter[id] = true
	}

	var all []*Event
	for p := 0; p < s.opts.PartitionCount; p++ {
		ns := partitionNamespace(p)
		err := s.store.Scan(ns, "", func(entry storage.Entry) error {
			var ev Event
			if err := json.Unmarshal(entry.Value, &ev); err != nil {
				return fmt.Errorf("eventstore: decode event: %w", err)
			}
			if len(filter) > 0 && !filter[ev.StreamID] {
				return nil
			}
			if !opts.FromTs.IsZero() && ev.Timestamp.Before(opts.FromTs) {
				return nil
			}
			if !opts.ToTs.IsZero() && ev.Timestamp.After(opts.ToTs) {
				return nil
			}
			if err := verifyChecksum(&ev); err != nil {
				return err
			}
			if err := s.unpackPayload(&ev); err != nil {
				return err
			}
			all = append(all, &ev)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	sort.Slice(all, func(i, j int) bool {
		if !all[i].Timestamp.Equal(all[j].Timestamp) {
			if opts.Dir == Backward {
				return all[i].Timestamp.After(all[j].Timestamp)
			}
			return all[i].Timestamp.Before(all[j].Timestamp)
		}
		if all[i].StreamID != all[j].StreamID {
			return all[i].StreamID < all[j].StreamID
		}
		return all[i].Version < all[j].Version
	})

	if opts.Max > 0 && len(all) > opts.Max {
		all = all[:opts.Max]
	}
	return all, nil
}

// CreateSnapshot implements createSnapshot(streamId,
// version, state).
func (s *EventStore) CreateSnapshot(streamID string, version uint64, state []byte) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.EventStoreSnapshotDuration)

	snap := Snapshot{StreamID: streamID, Version: version, State: state, CreatedAt: time.Now().UTC()}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("eventstore: encode snapshot: %w", err)
	}
	key := streamPrefix(streamID) + streamKey(version)
	return s.store.Put(snapshotsNamespace, key, data)
}

// GetSnapshot implements getSnapshot(streamId, maxVersion):
// the newest snapshot with version <= maxVersion, if any.
func (s *EventStore) GetSnapshot(streamID string, maxVersion uint64) (*Snapshot, bool, error) {
	var best *Snapshot
	err := s.store.Scan(snapshotsNamespace, streamPrefix(streamID), func(entry storage.Entry) error {
		var snap Snapshot
		if err := json.Unmarshal(entry.Value, &snap); err != nil {
			return fmt.Errorf("eventstore: decode snapshot: %w", err)
		}
		if snap.Version > maxVersion {
			return nil
		}
		if best == nil || snap.Version > best.Version {
			best = &snap
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return best, best != nil, nil
}

// Close releases background resources (the subscription-error broker).
// It does not close the underlying storage.Store, which the owning
// component retains.
func (s *EventStore) Close() {
	s.subMu.Lock()
	broker := s.errBroker
	s.subMu.Unlock()
	if broker != nil {
		broker.Stop()
	}
}

// maybeAutoSnapshot takes a marker snapshot with nil state; the event
// store has no way to compute domain state itself, which is exactly why
// callers are expected to drive their own snapshotting when richer
// state needs to be captured.
func (s *EventStore) maybeAutoSnapshot(streamID string, version uint64) {
	if version%s.opts.SnapshotInterval != 0 {
		return
	}
	if err := s.CreateSnapshot(streamID, version, nil); err != nil {
		s.logger.Warn().Err(err).Str("stream_id", streamID).Msg("automatic snapshot failed")
	}
}
