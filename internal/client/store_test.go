package client

import (
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"

	"github.com/seclith/qsession/internal/feed"
	"github.com/seclith/qsession/internal/model"
)

func storeMsg(created time.Time) *model.Message {
	return &model.Message{
		ID:        uuid.Must(uuid.NewV4()),
		SessionID: uuid.Must(uuid.NewV4()),
		SenderID:  uuid.Must(uuid.NewV4()),
		Content:   "hello",
		ChatMode:  model.ModeNormal,
		CreatedAt: created,
	}
}

func TestMessageStore_InsertIsIdempotent(t *testing.T) {
	st := NewMessageStore()
	msg := storeMsg(time.Now())

	st.Insert(msg)
	changed := *msg
	changed.Content = "changed"
	st.Insert(&changed)

	require.Equal(t, 1, st.Len())
	require.Equal(t, "hello", st.Visible()[0].Content)
}

func TestMessageStore_UpdateBeforeInsertIsBuffered(t *testing.T) {
	st := NewMessageStore()
	msg := storeMsg(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC))

	row := feed.MessageRowFrom(msg)
	row.ReadBy = []string{msg.SenderID.String()}
	st.Update(row)
	require.Equal(t, 0, st.Len())

	st.Insert(msg)
	got := st.Visible()
	require.Len(t, got, 1)
	require.Len(t, got[0].ReadBy, 1)
}

func TestMessageStore_UpdateKeepsOriginalTimestamp(t *testing.T) {
	st := NewMessageStore()
	created := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	msg := storeMsg(created)
	st.Insert(msg)

	row := feed.MessageRowFrom(msg)
	row.Content = "edited"
	row.CreatedAt = created.Add(time.Hour)
	st.Update(row)

	got := st.Visible()[0]
	require.Equal(t, "edited", got.Content)
	require.Equal(t, created, got.CreatedAt)
}

func TestMessageStore_DeletedUpdateRemovesRow(t *testing.T) {
	st := NewMessageStore()
	msg := storeMsg(time.Now())
	st.Insert(msg)

	row := feed.MessageRowFrom(msg)
	row.IsDeleted = true
	st.Update(row)

	require.Equal(t, 0, st.Len())
	require.Empty(t, st.Visible())
}

func TestMessageStore_ReconcileSwapsDraftForServerRow(t *testing.T) {
	st := NewMessageStore()
	created := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	draft := storeMsg(created.Add(time.Minute))
	st.ApplyOptimistic("temp-1", draft)
	require.Len(t, st.Visible(), 1)

	server := *draft
	server.ID = uuid.Must(uuid.NewV4())
	server.CreatedAt = created
	st.Reconcile("temp-1", &server)

	got := st.Visible()
	require.Len(t, got, 1)
	require.Equal(t, server.ID, got[0].ID)
	require.Equal(t, created, got[0].CreatedAt)
}

func TestMessageStore_DropOptimistic(t *testing.T) {
	st := NewMessageStore()
	st.ApplyOptimistic("temp-1", storeMsg(time.Now()))
	st.DropOptimistic("temp-1")
	require.Empty(t, st.Visible())
}

func TestMessageStore_VisibleOrdersByTimestamp(t *testing.T) {
	st := NewMessageStore()
	base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	late := storeMsg(base.Add(2 * time.Second))
	early := storeMsg(base)
	mid := storeMsg(base.Add(time.Second))
	st.Insert(late)
	st.Insert(early)
	st.Insert(mid)

	got := st.Visible()
	require.Equal(t, []uuid.UUID{early.ID, mid.ID, late.ID},
		[]uuid.UUID{got[0].ID, got[1].ID, got[2].ID})
}

func TestMessageStore_SweepRemovesPastDeadline(t *testing.T) {
	st := NewMessageStore()
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	due := storeMsg(now.Add(-time.Minute))
	dueAt := now.Add(-time.Second)
	due.AutoDeleteAt = &dueAt

	pending := storeMsg(now.Add(-time.Minute))
	pendingAt := now.Add(model.SelfDestructDelay)
	pending.AutoDeleteAt = &pendingAt

	st.Insert(due)
	st.Insert(pending)
	st.Insert(storeMsg(now))

	require.Equal(t, 1, st.Sweep(now))
	require.Equal(t, 2, st.Len())
	require.Equal(t, 0, st.Sweep(now))
}
