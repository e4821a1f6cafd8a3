package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ChannelOutcomes carries the org ID of every newly recorded outcome so
// other instances can drop their cached analytics for that org.
const ChannelOutcomes = "shinsa_outcomes"

// ErrNoNotifyConn is returned by the LISTEN side when no notify DSN was
// configured.
var ErrNoNotifyConn = errors.New("storage: notify connection not configured")

// NotifyOutcome announces that an outcome was recorded for orgID. It goes
// through the pool, so it works without a notify connection.
func (db *DB) NotifyOutcome(ctx context.Context, orgID uuid.UUID) error {
	if _, err := db.pool.Exec(ctx, "SELECT pg_notify($1, $2)", ChannelOutcomes, orgID.String()); err != nil {
		return fmt.Errorf("storage: notify outcome: %w", err)
	}
	return nil
}

// ListenOutcomes subscribes the notify connection to ChannelOutcomes.
func (db *DB) ListenOutcomes(ctx context.Context) error {
	db.notifyMu.Lock()
	defer db.notifyMu.Unlock()
	if db.notifyConn == nil {
		return ErrNoNotifyConn
	}
	return listenOutcomes(ctx, db.notifyConn)
}

func listenOutcomes(ctx context.Context, conn *pgx.Conn) error {
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ChannelOutcomes}.Sanitize()); err != nil {
		return fmt.Errorf("storage: listen %s: %w", ChannelOutcomes, err)
	}
	return nil
}

// WaitForOutcome blocks until an outcome notification arrives and returns
// the org it names. Notifications on other channels and malformed payloads
// are skipped. When the connection fails it is redialed and resubscribed
// before the error is returned, so the caller only has to retry.
func (db *DB) WaitForOutcome(ctx context.Context) (uuid.UUID, error) {
	db.notifyMu.Lock()
	defer db.notifyMu.Unlock()
	if db.notifyConn == nil {
		return uuid.Nil, ErrNoNotifyConn
	}

	for {
		n, err := db.notifyConn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil && db.notifyConn.IsClosed() {
				if rerr := db.redialNotify(ctx); rerr != nil {
					err = errors.Join(err, rerr)
				}
			}
			return uuid.Nil, fmt.Errorf("storage: wait for outcome: %w", err)
		}
		if orgID, ok := parseOutcomeNotification(n.Channel, n.Payload); ok {
			return orgID, nil
		}
		db.logger.Debug("storage: ignoring notification", "channel", n.Channel, "payload", n.Payload)
	}
}

// redialNotify replaces a dead notify connection. Callers hold notifyMu.
func (db *DB) redialNotify(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, db.notifyDSN)
	if err != nil {
		return fmt.Errorf("storage: reconnect notify: %w", err)
	}
	if err := listenOutcomes(ctx, conn); err != nil {
		_ = conn.Close(ctx)
		return err
	}
	_ = db.notifyConn.Close(ctx)
	db.notifyConn = conn
	db.logger.Info("storage: notify connection re-established")
	return nil
}

func parseOutcomeNotification(channel, payload string) (uuid.UUID, bool) {
	if channel != ChannelOutcomes {
		return uuid.Nil, false
	}
	orgID, err := uuid.Parse(payload)
	if err != nil || orgID == uuid.Nil {
		return uuid.Nil, false
	}
	return orgID, true
}
