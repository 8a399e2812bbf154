package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"billing-gateways/internal/logger"

	"go.uber.org/zap"
)

// Notification is a verified processor callback.
type Notification struct {
	Provider   string
	EventID    string
	EventType  string
	ExternalID string
	Payload    json.RawMessage
}

// ProcessOnce runs process for n unless the webhook log already holds n as
// processed or another delivery of n is in flight. The outcome is written
// back to the log. A nil log disables deduplication.
func ProcessOnce(ctx context.Context, wl WebhookLog, n Notification, process func() error) (duplicate bool, err error) {
	if wl == nil {
		return false, process()
	}

	log := logger.ForGateway(ctx, n.Provider).With(
		zap.String("event_id", n.EventID),
		zap.String("event_type", n.EventType),
	)

	id, dup, err := wl.Save(ctx, n.Provider, n.EventID, n.EventType, n.ExternalID, n.Payload, true)
	if err != nil {
		return false, fmt.Errorf("save webhook: %w", err)
	}
	if dup {
		log.Info("duplicate notification ignored", zap.Int64("webhook_id", id))
		return true, nil
	}

	if err := process(); err != nil {
		if markErr := wl.MarkFailed(ctx, id, err.Error()); markErr != nil {
			log.Error("failed to mark webhook failed", zap.Error(markErr))
		}
		return false, err
	}

	if err := wl.MarkProcessed(ctx, id); err != nil {
		log.Error("failed to mark webhook processed", zap.Error(err))
	}
	return false, nil
}
