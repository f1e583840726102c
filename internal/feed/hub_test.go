package feed

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
)

func TestHub_PublishReachesOnlySessionSubscribers(t *testing.T) {
	h := NewHub(nil)
	sessA := uuid.Must(uuid.NewV4())
	sessB := uuid.Must(uuid.NewV4())

	subA := h.Subscribe(sessA)
	defer subA.Close()
	subB := h.Subscribe(sessB)
	defer subB.Close()

	ev, err := NewEvent(EventInsert, TableMessages, MessageRow{ID: uuid.Must(uuid.NewV4())})
	require.NoError(t, err)
	h.Publish(sessA, ev)

	select {
	case got := <-subA.C:
		require.Equal(t, EventInsert, got.Type)
		require.Equal(t, TableMessages, got.Table)
	case <-time.After(time.Second):
		t.Fatal("subscriber A got nothing")
	}
	select {
	case <-subB.C:
		t.Fatal("subscriber B must not see session A events")
	default:
	}
}

func TestHub_PublishPreservesOrder(t *testing.T) {
	h := NewHub(nil)
	sess := uuid.Must(uuid.NewV4())
	sub := h.Subscribe(sess)
	defer sub.Close()

	ids := make([]uuid.UUID, 5)
	for i := range ids {
		ids[i] = uuid.Must(uuid.NewV4())
		ev, err := NewEvent(EventInsert, TableMessages, MessageRow{ID: ids[i]})
		require.NoError(t, err)
		h.Publish(sess, ev)
	}
	for i := range ids {
		got := <-sub.C
		var row MessageRow
		require.NoError(t, json.Unmarshal(got.Row, &row))
		require.Equal(t, ids[i], row.ID, "event %d out of order", i)
	}
}

func TestHub_SlowSubscriberIsDroppedNotBlocking(t *testing.T) {
	h := NewHub(nil)
	sess := uuid.Must(uuid.NewV4())
	sub := h.Subscribe(sess)

	ev, err := NewEvent(EventUpdate, TableTyping, TypingRow{SessionID: sess})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		// One more than the buffer; the overflow drops the subscriber
		// instead of blocking this publish.
		for i := 0; i < cap(sub.C)+1; i++ {
			h.Publish(sess, ev)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	require.Equal(t, 0, h.SubscriberCount(sess))

	// The dropped subscriber's channel ends with a close after the
	// buffered events drain.
	for range sub.C {
	}
}

func TestHub_CloseSessionClosesAllSubscribers(t *testing.T) {
	h := NewHub(nil)
	sess := uuid.Must(uuid.NewV4())
	a := h.Subscribe(sess)
	b := h.Subscribe(sess)
	require.Equal(t, 2, h.SubscriberCount(sess))

	h.CloseSession(sess)
	require.Equal(t, 0, h.SubscriberCount(sess))

	_, okA := <-a.C
	_, okB := <-b.C
	require.False(t, okA)
	require.False(t, okB)

	// Close after CloseSession must not panic.
	a.Close()
	b.Close()
}

func TestSubscriber_CloseIsIdempotent(t *testing.T) {
	h := NewHub(nil)
	sub := h.Subscribe(uuid.Must(uuid.NewV4()))
	sub.Close()
	sub.Close()
}
