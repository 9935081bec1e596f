package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fluencyhub/fluency-sync/pkg/retry"
)

// NotifyChannel is the Postgres channel the game backend's trigger notifies
// on insert/update of unsent queue rows.
const NotifyChannel = "event_queue_changes"

// WakeReason tells the delivery loop why it was woken.
type WakeReason string

const (
	// WakeNotify is an insert/update notification from the store.
	WakeNotify WakeReason = "notify"

	// WakeResubscribe fires once per (re)established subscription; the
	// delivery loop answers with a full backlog sweep.
	WakeResubscribe WakeReason = "resubscribe"
)

// QueueListener holds a dedicated connection LISTENing for queue changes
// and wakes the delivery loop on every notification. Lost connections are
// re-established with backoff, and each new subscription triggers a backlog
// sweep so nothing that changed while detached is missed.
type QueueListener struct {
	conn   *Connection
	logger *slog.Logger

	// reconnectDelay is the pause between failed subscription cycles.
	reconnectDelay time.Duration
}

// NewQueueListener creates a listener on the shared pool.
func NewQueueListener(conn *Connection, logger *slog.Logger) *QueueListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueListener{
		conn:           conn,
		logger:         logger,
		reconnectDelay: 5 * time.Second,
	}
}

// Run blocks, delivering wake calls until ctx is cancelled. onWake must be
// cheap and non-blocking; the delivery loop coalesces wakes on its side.
func (l *QueueListener) Run(ctx context.Context, onWake func(WakeReason)) {
	for {
		if ctx.Err() != nil {
			return
		}

		if err := l.listenOnce(ctx, onWake); err != nil && ctx.Err() == nil {
			l.logger.Warn("queue subscription lost, reconnecting",
				"channel", NotifyChannel,
				"delay", l.reconnectDelay.String(),
				"error", err,
			)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(l.reconnectDelay):
		}
	}
}

// listenOnce establishes one subscription and pumps notifications until the
// connection dies or ctx is cancelled.
func (l *QueueListener) listenOnce(ctx context.Context, onWake func(WakeReason)) error {
	poolConn, err := l.conn.Pool().Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer poolConn.Release()

	// LISTEN can fail transiently right after a failover; give it a few
	// tries before tearing the cycle down.
	err = retry.Do(ctx, func(ctx context.Context) error {
		_, err := poolConn.Exec(ctx, "LISTEN "+NotifyChannel)
		return err
	}, retry.WithMaxAttempts(3), retry.WithInitialDelay(100*time.Millisecond))
	if err != nil {
		return fmt.Errorf("LISTEN %s: %w", NotifyChannel, err)
	}

	l.logger.Info("subscribed to queue notifications", "channel", NotifyChannel)
	onWake(WakeResubscribe)

	for {
		notification, err := poolConn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		l.logger.Debug("queue notification received", "payload", notification.Payload)
		onWake(WakeNotify)
	}
}
