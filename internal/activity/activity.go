// Package activity records gateway operations in the activity log.
package activity

import (
	"context"
	"database/sql"
	"time"

	"billing-gateways/internal/logger"

	"go.uber.org/zap"
)

const (
	statusStarted = "started"
	statusDone    = "done"
	statusFailed  = "failed"
)

type Recorder interface {
	Start(ctx context.Context, category, class string, invoiceID int64) *Activity
}

type Helper struct {
	db *sql.DB
}

func NewHelper(db *sql.DB) *Helper {
	return &Helper{db: db}
}

// Activity is one open log entry. A nil or unsaved Activity still logs.
type Activity struct {
	id        int64
	db        *sql.DB
	category  string
	class     string
	invoiceID int64
	start     time.Time
}

func (h *Helper) Start(ctx context.Context, category, class string, invoiceID int64) *Activity {
	a := &Activity{db: h.db, category: category, class: class, invoiceID: invoiceID, start: time.Now().UTC()}

	if h.db != nil {
		err := h.db.QueryRowContext(ctx, `
			INSERT INTO activity_logs (category, class, invoice_id, status, started_at)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id
		`, category, class, invoiceID, statusStarted, a.start).Scan(&a.id)
		if err != nil {
			a.logger(ctx).Warn("Failed to record activity start", zap.Error(err))
		}
	}

	a.logger(ctx).Info("Activity started")
	return a
}

func (a *Activity) End(ctx context.Context) {
	a.finish(ctx, statusDone, "")
}

func (a *Activity) Fail(ctx context.Context, details string) {
	a.finish(ctx, statusFailed, details)
}

func (a *Activity) finish(ctx context.Context, status, details string) {
	if a == nil {
		return
	}
	log := a.logger(ctx).With(zap.String("status", status), zap.Duration("elapsed", time.Since(a.start)))
	if details != "" {
		log = log.With(zap.String("details", details))
	}

	if a.db != nil && a.id != 0 {
		_, err := a.db.ExecContext(ctx, `
			UPDATE activity_logs SET status = $1, details = $2, ended_at = $3 WHERE id = $4
		`, status, details, time.Now().UTC(), a.id)
		if err != nil {
			log.Warn("Failed to record activity end", zap.Error(err))
		}
	}

	if status == statusFailed {
		log.Warn("Activity failed")
		return
	}
	log.Info("Activity finished")
}

func (a *Activity) logger(ctx context.Context) *zap.Logger {
	return logger.FromCtx(ctx).With(
		zap.String("category", a.category),
		zap.String("activity", a.class),
		zap.Int64("invoice_id", a.invoiceID),
	)
}
