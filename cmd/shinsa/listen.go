package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/shinsa/internal/storage"
)

// outcomeSource is the LISTEN side of storage.DB.
type outcomeSource interface {
	ListenOutcomes(ctx context.Context) error
	WaitForOutcome(ctx context.Context) (uuid.UUID, error)
}

type analyticsInvalidator interface {
	InvalidateAnalytics(orgID uuid.UUID)
}

// listenRetryDelay spaces out retries when the notify connection errors.
const listenRetryDelay = time.Second

// outcomeListener drops cached analytics for every org that another
// instance records an outcome for. It returns when ctx is done.
func outcomeListener(ctx context.Context, src outcomeSource, inv analyticsInvalidator, logger *slog.Logger) {
	if err := src.ListenOutcomes(ctx); err != nil {
		logger.Error("outcome listener: listen", "error", err)
		return
	}
	logger.Info("outcome listener: listening", "channel", storage.ChannelOutcomes)

	for {
		orgID, err := src.WaitForOutcome(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("outcome listener: notification error, retrying", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(listenRetryDelay):
			}
			continue
		}
		inv.InvalidateAnalytics(orgID)
	}
}
