package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/frappe/press-sub003/internal/domain"
	"github.com/frappe/press-sub003/internal/repository"
)

// CreateNotification inserts a failure notification.
func (r *Repository) CreateNotification(ctx context.Context, notification *domain.Notification) error {
	const query = `INSERT INTO notifications (id, team_id, reference_type, reference_id, kind, summary, traceback, help_url, actionable, addressed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := r.pool.Exec(ctx, query,
		notification.ID,
		notification.TeamID,
		notification.ReferenceType,
		notification.ReferenceID,
		notification.Kind,
		notification.Summary,
		notification.Traceback,
		emptyToNil(notification.HelpURL),
		notification.Actionable,
		notification.Addressed,
		notification.CreatedAt,
	)
	return mapPgError(err)
}

// GetNotificationByID fetches a notification.
func (r *Repository) GetNotificationByID(ctx context.Context, notificationID string) (*domain.Notification, error) {
	const query = `SELECT id, team_id, reference_type, reference_id, kind, summary, traceback, COALESCE(help_url, ''), actionable, addressed, created_at
		FROM notifications WHERE id = $1`
	var n domain.Notification
	err := r.pool.QueryRow(ctx, query, notificationID).Scan(
		&n.ID,
		&n.TeamID,
		&n.ReferenceType,
		&n.ReferenceID,
		&n.Kind,
		&n.Summary,
		&n.Traceback,
		&n.HelpURL,
		&n.Actionable,
		&n.Addressed,
		&n.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &n, nil
}

// HasUnaddressed reports whether the team already has an open notification
// of the given kind. Used to suppress repeats.
func (r *Repository) HasUnaddressed(ctx context.Context, teamID, kind string) (bool, error) {
	const query = `SELECT 1 FROM notifications
		WHERE team_id = $1 AND kind = $2 AND NOT addressed LIMIT 1`
	var one int
	err := r.pool.QueryRow(ctx, query, teamID, kind).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MarkAddressed closes a notification.
func (r *Repository) MarkAddressed(ctx context.Context, notificationID string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE notifications SET addressed = TRUE WHERE id = $1`, notificationID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// SaveIncoming stores a raw inbound webhook before processing.
func (r *Repository) SaveIncoming(ctx context.Context, hook *domain.IncomingWebhook) error {
	const query = `INSERT INTO incoming_webhooks (id, event, signature, payload, processed, process_error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.pool.Exec(ctx, query,
		hook.ID,
		hook.Event,
		hook.Signature,
		hook.Payload,
		hook.Processed,
		emptyToNil(hook.ProcessError),
		hook.CreatedAt,
	)
	return mapPgError(err)
}

// GetIncoming fetches a stored inbound webhook, for replay.
func (r *Repository) GetIncoming(ctx context.Context, hookID string) (*domain.IncomingWebhook, error) {
	const query = `SELECT id, event, signature, payload, processed, COALESCE(process_error, ''), created_at
		FROM incoming_webhooks WHERE id = $1`
	var h domain.IncomingWebhook
	err := r.pool.QueryRow(ctx, query, hookID).Scan(&h.ID, &h.Event, &h.Signature, &h.Payload, &h.Processed, &h.ProcessError, &h.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &h, nil
}

// MarkIncomingProcessed records the processing outcome of an inbound
// webhook. An empty processError means success.
func (r *Repository) MarkIncomingProcessed(ctx context.Context, hookID, processError string) error {
	const query = `UPDATE incoming_webhooks SET processed = TRUE, process_error = $2 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, hookID, emptyToNil(processError))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// CreateOutboundWebhook inserts a tenant webhook subscription.
func (r *Repository) CreateOutboundWebhook(ctx context.Context, webhook *domain.OutboundWebhook) error {
	const query = `INSERT INTO outbound_webhooks (id, team_id, url, secret_cipher, enabled, events, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.pool.Exec(ctx, query,
		webhook.ID,
		webhook.TeamID,
		webhook.URL,
		webhook.SecretCipher,
		webhook.Enabled,
		webhook.Events,
		webhook.CreatedAt,
	)
	return mapPgError(err)
}

// ListEnabledWebhooks returns the team's enabled webhooks subscribed to the
// event.
func (r *Repository) ListEnabledWebhooks(ctx context.Context, teamID, event string) ([]domain.OutboundWebhook, error) {
	const query = `SELECT id, team_id, url, secret_cipher, enabled, events, created_at
		FROM outbound_webhooks
		WHERE team_id = $1 AND enabled AND $2 = ANY(events)
		ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query, teamID, event)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	webhooks := make([]domain.OutboundWebhook, 0)
	for rows.Next() {
		var w domain.OutboundWebhook
		if err := rows.Scan(&w.ID, &w.TeamID, &w.URL, &w.SecretCipher, &w.Enabled, &w.Events, &w.CreatedAt); err != nil {
			return nil, err
		}
		webhooks = append(webhooks, w)
	}
	return webhooks, rows.Err()
}

// CreateEvent queues an outbound event for fan-out.
func (r *Repository) CreateEvent(ctx context.Context, event *domain.WebhookEvent) error {
	const query = `INSERT INTO webhook_events (id, event, team_id, reference_type, reference_id, payload, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.pool.Exec(ctx, query,
		event.ID,
		event.Event,
		event.TeamID,
		event.ReferenceType,
		event.ReferenceID,
		[]byte(event.Payload),
		event.Status,
		event.CreatedAt,
	)
	return mapPgError(err)
}

// ListPendingEvents returns queued events in arrival order.
func (r *Repository) ListPendingEvents(ctx context.Context, limit int) ([]domain.WebhookEvent, error) {
	const query = `SELECT id, event, team_id, reference_type, reference_id, payload, status, created_at
		FROM webhook_events WHERE status = $1 ORDER BY created_at LIMIT $2`
	rows, err := r.pool.Query(ctx, query, domain.EventStatusPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	events := make([]domain.WebhookEvent, 0)
	for rows.Next() {
		var (
			e       domain.WebhookEvent
			payload []byte
		)
		if err := rows.Scan(&e.ID, &e.Event, &e.TeamID, &e.ReferenceType, &e.ReferenceID, &payload, &e.Status, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Payload = payload
		events = append(events, e)
	}
	return events, rows.Err()
}

// UpdateEventStatus mutates the event status after fan-out.
func (r *Repository) UpdateEventStatus(ctx context.Context, eventID, status string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE webhook_events SET status = $2 WHERE id = $1`, eventID, status)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// LogDelivery appends one delivery attempt.
func (r *Repository) LogDelivery(ctx context.Context, delivery *domain.WebhookDelivery) error {
	const query = `INSERT INTO webhook_deliveries (event_id, webhook_id, response_code, error, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := r.pool.Exec(ctx, query,
		delivery.EventID,
		delivery.WebhookID,
		delivery.ResponseCode,
		delivery.Error,
		delivery.CreatedAt,
	)
	return mapPgError(err)
}
