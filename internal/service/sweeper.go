package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/seclith/qsession/internal/feed"
	"github.com/seclith/qsession/internal/model"
	"github.com/seclith/qsession/internal/repository"
)

// Sweeper performs the authoritative server-side sweeps: hard-deleting
// self-destruct messages whose timer elapsed, and clearing stale typing
// signals. Clients run a courtesy copy of the message sweep; the deletion
// of record happens here.
type Sweeper struct {
	messages repository.MessageRepository
	typing   repository.TypingRepository
	feed     feed.Publisher
	log      *zap.Logger
	now      func() time.Time
}

// NewSweeper constructs a Sweeper.
func NewSweeper(messages repository.MessageRepository, typing repository.TypingRepository, pub feed.Publisher, log *zap.Logger) *Sweeper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{messages: messages, typing: typing, feed: pub, log: log, now: time.Now}
}

// SweepMessages deletes every due self-destruct message and echoes the
// UPDATE so clients drop it from view. Returns the number deleted.
func (sw *Sweeper) SweepMessages(ctx context.Context) (int, error) {
	due, err := sw.messages.ListDue(ctx, sw.now())
	if err != nil {
		return 0, err
	}
	deleted := 0
	for i := range due {
		msg := &due[i]
		if err := sw.messages.MarkDeleted(ctx, msg.ID); err != nil {
			sw.log.Error("sweep message", zap.String("message", msg.ID.String()), zap.Error(err))
			continue
		}
		deleted++
		msg.IsDeleted = true
		if sw.feed != nil {
			if ev, ferr := feed.NewEvent(feed.EventUpdate, feed.TableMessages, feed.MessageRowFrom(msg)); ferr == nil {
				sw.feed.Publish(msg.SessionID, ev)
			}
		}
	}
	return deleted, nil
}

// SweepTyping clears typing signals not refreshed within the TTL.
func (sw *Sweeper) SweepTyping(ctx context.Context) (int64, error) {
	return sw.typing.DeleteStale(ctx, sw.now().Add(-model.TypingTTL))
}

// Run drives both sweeps at the given cadence until ctx is canceled.
func (sw *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := sw.SweepMessages(ctx); err != nil {
				sw.log.Error("message sweep", zap.Error(err))
			}
			if _, err := sw.SweepTyping(ctx); err != nil {
				sw.log.Error("typing sweep", zap.Error(err))
			}
		}
	}
}
