package gateway

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// WebhookLog records processor notifications so redeliveries are not
// processed twice.
type WebhookLog interface {
	// Save stores the notification and claims it for processing. duplicate is
	// true when the event was already processed or another delivery holds the
	// claim.
	Save(
		ctx context.Context,
		provider string,
		eventID string,
		eventType string,
		externalID string,
		payload json.RawMessage,
		signatureValid bool,
	) (webhookID int64, duplicate bool, err error)

	MarkProcessed(ctx context.Context, webhookID int64) error
	// MarkFailed stores reason and releases the claim so a redelivery can
	// retry the event.
	MarkFailed(ctx context.Context, webhookID int64, reason string) error
}

// claimTimeout is how long a claim blocks redeliveries before it is treated
// as abandoned.
const claimTimeout = 5 * time.Minute

type webhookRepository struct {
	db *sql.DB
}

func NewWebhookRepository(db *sql.DB) WebhookLog {
	return &webhookRepository{db: db}
}

func (r *webhookRepository) Save(
	ctx context.Context,
	provider string,
	eventID string,
	eventType string,
	externalID string,
	payload json.RawMessage,
	signatureValid bool,
) (int64, bool, error) {

	const q = `
	INSERT INTO payment_webhooks (
		provider,
		event_id,
		event_type,
		external_id,
		signature_valid,
		payload,
		received_at,
		processing_started_at
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	ON CONFLICT (provider, event_id)
	DO NOTHING
	RETURNING id;
	`

	now := time.Now().UTC()
	var id int64
	err := r.db.QueryRowContext(
		ctx,
		q,
		provider,
		eventID,
		eventType,
		externalID,
		signatureValid,
		string(payload),
		now,
	).Scan(&id)

	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, err
	}

	// Already stored: take the claim unless the event is processed or another
	// delivery is working on it.
	const claim = `
	UPDATE payment_webhooks
	SET processing_started_at = $1
	WHERE provider = $2 AND event_id = $3
		AND processed_at IS NULL
		AND (processing_started_at IS NULL OR processing_started_at < $4)
	RETURNING id;
	`

	err = r.db.QueryRowContext(ctx, claim, now, provider, eventID, now.Add(-claimTimeout)).Scan(&id)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, err
	}

	const existing = `
	SELECT id
	FROM payment_webhooks
	WHERE provider = $1 AND event_id = $2;
	`

	if err := r.db.QueryRowContext(ctx, existing, provider, eventID).Scan(&id); err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (r *webhookRepository) MarkProcessed(
	ctx context.Context,
	webhookID int64,
) error {

	const q = `
	UPDATE payment_webhooks
	SET processed_at = $1, process_error = NULL
	WHERE id = $2;
	`

	_, err := r.db.ExecContext(ctx, q, time.Now().UTC(), webhookID)
	return err
}

func (r *webhookRepository) MarkFailed(
	ctx context.Context,
	webhookID int64,
	reason string,
) error {

	const q = `
	UPDATE payment_webhooks
	SET process_error = $1, processing_started_at = NULL
	WHERE id = $2;
	`

	_, err := r.db.ExecContext(ctx, q, reason, webhookID)
	return err
}
