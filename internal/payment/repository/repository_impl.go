package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/tenantbilling/internal/payment/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindEvent(ctx context.Context, db *gorm.DB, provider, id string) (*domain.EventRecord, error) {
	var items []domain.EventRecord
	err := db.WithContext(ctx).Raw(
		`SELECT provider, id, event_type, subscription_id, invoice_id,
			payload, received_at, processed, processed_at, claimed_at, attempts, last_error
		 FROM payment_events
		 WHERE provider = ? AND id = ?
		 LIMIT 1`,
		provider,
		id,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, event *domain.EventRecord) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO payment_events (
			provider, id, event_type, subscription_id, invoice_id,
			payload, received_at, processed, processed_at, attempts, last_error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, id) DO NOTHING`,
		event.Provider,
		event.ID,
		event.EventType,
		event.SubscriptionID,
		event.InvoiceID,
		event.Payload,
		event.ReceivedAt,
		event.Processed,
		event.ProcessedAt,
		event.Attempts,
		event.LastError,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Claim is a conditional update, so of two overlapping deliveries only one
// sees a row affected. A claim older than staleBefore is treated as abandoned.
func (r *repo) Claim(ctx context.Context, db *gorm.DB, provider, id string, now, staleBefore time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payment_events
		 SET claimed_at = ?, attempts = attempts + 1
		 WHERE provider = ? AND id = ? AND processed = FALSE
		   AND (claimed_at IS NULL OR claimed_at < ?)`,
		now,
		provider,
		id,
		staleBefore,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkProcessed(ctx context.Context, db *gorm.DB, provider, id string, processedAt time.Time, note *string) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payment_events
		 SET processed = TRUE, processed_at = ?, claimed_at = NULL, last_error = ?
		 WHERE provider = ? AND id = ? AND processed = FALSE`,
		processedAt,
		note,
		provider,
		id,
	).Error
}

// RecordFailure stores the error and releases the claim so redelivery retries.
func (r *repo) RecordFailure(ctx context.Context, db *gorm.DB, provider, id string, lastError string) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payment_events
		 SET last_error = ?, claimed_at = NULL
		 WHERE provider = ? AND id = ?`,
		lastError,
		provider,
		id,
	).Error
}
