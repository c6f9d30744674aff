package eventstore

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/aegis/pkg/crypto"
	"github.com/cuemby/aegis/pkg/errs"
	"github.com/cuemby/aegis/pkg/storage"
	"github.com/stretchr/testify/require"
)

func newTestEncryptor(t *testing.T) (*crypto.Encryptor, error) {
	t.Helper()
	return crypto.NewEncryptor([]byte("test-cluster-secret"))
}

func newTestStore(t *testing.T, opts Options) *EventStore {
	t.Helper()
	backing, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = backing.Close() })

	es := NewEventStore(backing, opts)
	t.Cleanup(es.Close)
	return es
}

func TestAppendAssignsSequentialVersions(t *testing.T) {
	es := newTestStore(t, DefaultOptions())

	version, ids, err := es.Append("order-1", []EventInput{
		{Type: "OrderCreated", Data: []byte(`{"id":"order-1"}`)},
		{Type: "OrderPaid", Data: []byte(`{}`)},
	}, -1)
	require.NoError(t, err)
	require.Equal(t, uint64(2), version)
	require.Len(t, ids, 2)
}

func TestAppendRejectsConcurrencyConflict(t *testing.T) {
	es := newTestStore(t, DefaultOptions())

	_, _, err := es.Append("order-1", []EventInput{{Type: "OrderCreated"}}, -1)
	require.NoError(t, err)

	_, _, err = es.Append("order-1", []EventInput{{Type: "OrderPaid"}}, 0)
	require.Error(t, err)
	kind, ok := errs.KindOf(err)
	require.True(t, ok)
	require.Equal(t, errs.KindConcurrencyConflict, kind)
}

func TestAppendAcceptsMatchingExpectedVersion(t *testing.T) {
	es := newTestStore(t, DefaultOptions())

	_, _, err := es.Append("order-1", []EventInput{{Type: "OrderCreated"}}, -1)
	require.NoError(t, err)

	version, _, err := es.Append("order-1", []EventInput{{Type: "OrderPaid"}}, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(2), version)
}

func TestReadStreamReturnsEventsInOrder(t *testing.T) {
	es := newTestStore(t, DefaultOptions())

	for i := 0; i < 5; i++ {
		_, _, err := es.Append("stream-a", []EventInput{{Type: "Tick"}}, -1)
		require.NoError(t, err)
	}

	events, next, isEnd, err := es.ReadStream("stream-a", 1, 100)
	require.NoError(t, err)
	require.True(t, isEnd)
	require.Equal(t, uint64(6), next)
	require.Len(t, events, 5)
	for i, ev := range events {
		require.Equal(t, uint64(i+1), ev.Version)
	}
}

func TestReadStreamPagination(t *testing.T) {
	es := newTestStore(t, DefaultOptions())
	for i := 0; i < 10; i++ {
		_, _, err := es.Append("paged", []EventInput{{Type: "Tick"}}, -1)
		require.NoError(t, err)
	}

	events, next, isEnd, err := es.ReadStream("paged", 1, 4)
	require.NoError(t, err)
	require.False(t, isEnd)
	require.Len(t, events, 4)
	require.Equal(t, uint64(5), next)
}

func TestAppendRoundTripsPayload(t *testing.T) {
	es := newTestStore(t, DefaultOptions())
	payload := []byte(`{"amount":42}`)

	_, _, err := es.Append("order-1", []EventInput{{Type: "OrderPaid", Data: payload}}, -1)
	require.NoError(t, err)

	events, _, _, err := es.ReadStream("order-1", 1, 10)
	require.NoError(t, err)
	require.Equal(t, payload, events[0].Data)
}

func TestAppendWithCompressionAndEncryptionRoundTrips(t *testing.T) {
	opts := DefaultOptions()
	opts.Compress = true
	enc, err := newTestEncryptor(t)
	require.NoError(t, err)
	opts.Encryptor = enc
	es := newTestStore(t, opts)

	payload := []byte(`{"secret":"value"}`)
	_, _, err = es.Append("secure-1", []EventInput{{Type: "Secret", Data: payload}}, -1)
	require.NoError(t, err)

	events, _, _, err := es.ReadStream("secure-1", 1, 10)
	require.NoError(t, err)
	require.Equal(t, payload, events[0].Data)
	require.True(t, events[0].Compressed)
	require.True(t, events[0].Encrypted)
}

func TestReadAllMergesAcrossPartitionsByTimestamp(t *testing.T) {
	es := newTestStore(t, DefaultOptions())

	_, _, err := es.Append("stream-a", []EventInput{{Type: "A1"}}, -1)
	require.NoError(t, err)
	_, _, err = es.Append("stream-b", []EventInput{{Type: "B1"}}, -1)
	require.NoError(t, err)
	_, _, err = es.Append("stream-a", []EventInput{{Type: "A2"}}, 1)
	require.NoError(t, err)

	all, err := es.ReadAll(ReadAllOptions{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	for i := 1; i < len(all); i++ {
		require.False(t, all[i].Timestamp.Before(all[i-1].Timestamp))
	}
}

func TestReadAllFiltersByStreamID(t *testing.T) {
	es := newTestStore(t, DefaultOptions())
	_, _, err := es.Append("stream-a", []EventInput{{Type: "A1"}}, -1)
	require.NoError(t, err)
	_, _, err = es.Append("stream-b", []EventInput{{Type: "B1"}}, -1)
	require.NoError(t, err)

	all, err := es.ReadAll(ReadAllOptions{StreamIDs: []string{"stream-a"}})
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "stream-a", all[0].StreamID)
}

func TestSnapshotReturnsNewestAtOrBelowMaxVersion(t *testing.T) {
	es := newTestStore(t, DefaultOptions())
	require.NoError(t, es.CreateSnapshot("s1", 5, []byte("state-5")))
	require.NoError(t, es.CreateSnapshot("s1", 10, []byte("state-10")))

	snap, ok, err := es.GetSnapshot("s1", 8)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(5), snap.Version)

	snap, ok, err = es.GetSnapshot("s1", 10)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(10), snap.Version)
}

func TestGetSnapshotMissing(t *testing.T) {
	es := newTestStore(t, DefaultOptions())
	_, ok, err := es.GetSnapshot("nonexistent", 100)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLiveSubscriptionReceivesOnlyFutureEvents(t *testing.T) {
	es := newTestStore(t, DefaultOptions())
	_, _, err := es.Append("order-1", []EventInput{{Type: "Before"}}, -1)
	require.NoError(t, err)

	sub := es.Subscribe("order-1")
	defer sub.Close()

	_, _, err = es.Append("order-1", []EventInput{{Type: "After"}}, 1)
	require.NoError(t, err)

	select {
	case ev := <-sub.Events:
		require.Equal(t, "After", ev.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for live event")
	}
}

func TestLiveSubscriptionFiltersOtherStreams(t *testing.T) {
	es := newTestStore(t, DefaultOptions())
	sub := es.Subscribe("only-this")
	defer sub.Close()

	_, _, err := es.Append("other", []EventInput{{Type: "Ignored"}}, -1)
	require.NoError(t, err)

	select {
	case <-sub.Events:
		t.Fatal("should not have received event for a different stream")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCatchUpSubscriptionDeliversStoredThenLiveEvents(t *testing.T) {
	es := newTestStore(t, DefaultOptions())
	_, _, err := es.Append("catchup-1", []EventInput{{Type: "Old1"}, {Type: "Old2"}}, -1)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := es.SubscribeCatchUp(ctx, "catchup-1", 1)
	require.NoError(t, err)
	defer sub.Close()

	first := <-sub.Events
	require.Equal(t, "Old1", first.Type)
	second := <-sub.Events
	require.Equal(t, "Old2", second.Type)

	_, _, err = es.Append("catchup-1", []EventInput{{Type: "New1"}}, 2)
	require.NoError(t, err)

	select {
	case ev := <-sub.Events:
		require.Equal(t, "New1", ev.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for live event after catch-up")
	}
}

func TestPersistentSubscriptionResumesFromCheckpoint(t *testing.T) {
	es := newTestStore(t, DefaultOptions())
	_, _, err := es.Append("persist-1", []EventInput{{Type: "E1"}, {Type: "E2"}, {Type: "E3"}}, -1)
	require.NoError(t, err)

	require.NoError(t, es.Ack("sub-a", "persist-1", 1))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := es.SubscribePersistent(ctx, "sub-a", "persist-1")
	require.NoError(t, err)
	defer sub.Close()

	ev := <-sub.Events
	require.Equal(t, uint64(2), ev.Version)
}

func TestTransactionCommitsAllOrNothing(t *testing.T) {
	es := newTestStore(t, DefaultOptions())

	tx := es.StartTx()
	require.NoError(t, tx.AddTx("tx-a", []EventInput{{Type: "A"}}, -1))
	require.NoError(t, tx.AddTx("tx-b", []EventInput{{Type: "B"}}, -1))

	results, err := tx.Commit()
	require.NoError(t, err)
	require.Equal(t, uint64(1), results["tx-a"])
	require.Equal(t, uint64(1), results["tx-b"])
}

func TestTransactionRejectsOnAnyConflict(t *testing.T) {
	es := newTestStore(t, DefaultOptions())
	_, _, err := es.Append("tx-c", []EventInput{{Type: "Existing"}}, -1)
	require.NoError(t, err)

	tx := es.StartTx()
	require.NoError(t, tx.AddTx("tx-c", []EventInput{{Type: "A"}}, 0))
	require.NoError(t, tx.AddTx("tx-d", []EventInput{{Type: "B"}}, -1))

	_, err = tx.Commit()
	require.Error(t, err)

	_, exists, err := es.readMeta("tx-d")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestTransactionRollbackWritesNothing(t *testing.T) {
	es := newTestStore(t, DefaultOptions())

	tx := es.StartTx()
	require.NoError(t, tx.AddTx("tx-rb", []EventInput{{Type: "A"}}, -1))
	tx.Rollback()

	_, exists, err := es.readMeta("tx-rb")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestProjectionAdvancesOnlyOnSuccess(t *testing.T) {
	es := newTestStore(t, DefaultOptions())

	var failNext bool
	var errCount int
	es.RegisterProjection("totals", nil, 0, map[string]ProjectionHandler{
		"Deposit": func(state interface{}, ev *Event) (interface{}, error) {
			if failNext {
				return nil, errs.New(errs.KindValidation, "forced failure")
			}
			return state.(int) + 1, nil
		},
	}, func(name string, ev *Event, err error) { errCount++ })

	_, _, err := es.Append("acct-1", []EventInput{{Type: "Deposit"}}, -1)
	require.NoError(t, err)

	state, ok := es.ProjectionState("totals")
	require.True(t, ok)
	require.Equal(t, 1, state)

	failNext = true
	_, _, err = es.Append("acct-1", []EventInput{{Type: "Deposit"}}, 1)
	require.NoError(t, err)

	state, ok = es.ProjectionState("totals")
	require.True(t, ok)
	require.Equal(t, 1, state)
	require.Equal(t, 1, errCount)

	checkpoint, ok := es.ProjectionCheckpoint("totals", "acct-1")
	require.True(t, ok)
	require.Equal(t, uint64(1), checkpoint)
}

func TestPartitionForIsStableAndBounded(t *testing.T) {
	es := newTestStore(t, DefaultOptions())
	p1 := es.partitionFor("stream-x")
	p2 := es.partitionFor("stream-x")
	require.Equal(t, p1, p2)
	require.True(t, p1 >= 0 && p1 < es.opts.PartitionCount)
}
