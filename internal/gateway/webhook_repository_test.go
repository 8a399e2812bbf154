package gateway

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"

	"billing-gateways/internal/gateway/gatewaytest"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestWebhookRepository_Save(t *testing.T) {
	db, dbMock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewWebhookRepository(db)
	ctx := context.Background()
	payload := json.RawMessage(`{"order":{"orderId":"ORD"}}`)

	t.Run("New", func(t *testing.T) {
		dbMock.ExpectQuery(`INSERT INTO payment_webhooks`).
			WithArgs("payu", "ORD:COMPLETED", "COMPLETED", "ORD", true, string(payload), sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(10))

		id, dup, err := repo.Save(ctx, "payu", "ORD:COMPLETED", "COMPLETED", "ORD", payload, true)
		assert.NoError(t, err)
		assert.False(t, dup)
		assert.Equal(t, int64(10), id)
	})

	t.Run("DuplicateProcessed", func(t *testing.T) {
		dbMock.ExpectQuery(`INSERT INTO payment_webhooks`).
			WillReturnError(sql.ErrNoRows)
		dbMock.ExpectQuery(`UPDATE payment_webhooks SET processing_started_at = \$1 .* processed_at IS NULL`).
			WithArgs(sqlmock.AnyArg(), "payu", "ORD:COMPLETED", sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))
		dbMock.ExpectQuery(`SELECT id FROM payment_webhooks`).
			WithArgs("payu", "ORD:COMPLETED").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(10))

		id, dup, err := repo.Save(ctx, "payu", "ORD:COMPLETED", "COMPLETED", "ORD", payload, true)
		assert.NoError(t, err)
		assert.True(t, dup)
		assert.Equal(t, int64(10), id)
	})

	t.Run("DuplicateFailedIsClaimed", func(t *testing.T) {
		dbMock.ExpectQuery(`INSERT INTO payment_webhooks`).
			WillReturnError(sql.ErrNoRows)
		dbMock.ExpectQuery(`UPDATE payment_webhooks SET processing_started_at`).
			WithArgs(sqlmock.AnyArg(), "payu", "ORD:COMPLETED", sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(10))

		id, dup, err := repo.Save(ctx, "payu", "ORD:COMPLETED", "COMPLETED", "ORD", payload, true)
		assert.NoError(t, err)
		assert.False(t, dup)
		assert.Equal(t, int64(10), id)
	})

	t.Run("ClaimError", func(t *testing.T) {
		dbMock.ExpectQuery(`INSERT INTO payment_webhooks`).
			WillReturnError(sql.ErrNoRows)
		dbMock.ExpectQuery(`UPDATE payment_webhooks SET processing_started_at`).
			WillReturnError(errors.New("db error"))

		_, _, err := repo.Save(ctx, "payu", "ORD:COMPLETED", "COMPLETED", "ORD", payload, true)
		assert.Error(t, err)
	})

	t.Run("DBError", func(t *testing.T) {
		dbMock.ExpectQuery(`INSERT INTO payment_webhooks`).
			WillReturnError(errors.New("db error"))

		_, _, err := repo.Save(ctx, "payu", "ORD:COMPLETED", "COMPLETED", "ORD", payload, true)
		assert.Error(t, err)
	})

	assert.NoError(t, dbMock.ExpectationsWereMet())
}

func TestWebhookRepository_Mark(t *testing.T) {
	db, dbMock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewWebhookRepository(db)
	ctx := context.Background()

	t.Run("Processed", func(t *testing.T) {
		dbMock.ExpectExec(`UPDATE payment_webhooks SET processed_at = \$1, process_error = NULL WHERE id = \$2`).
			WithArgs(sqlmock.AnyArg(), int64(10)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, repo.MarkProcessed(ctx, 10))
	})

	t.Run("Failed", func(t *testing.T) {
		dbMock.ExpectExec(`UPDATE payment_webhooks SET process_error = \$1, processing_started_at = NULL WHERE id = \$2`).
			WithArgs("boom", int64(10)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, repo.MarkFailed(ctx, 10, "boom"))
	})

	t.Run("DBError", func(t *testing.T) {
		dbMock.ExpectExec(`UPDATE payment_webhooks`).
			WillReturnError(errors.New("db error"))

		assert.Error(t, repo.MarkProcessed(ctx, 10))
	})

	assert.NoError(t, dbMock.ExpectationsWereMet())
}

type MockWebhookLog struct {
	mock.Mock
}

func (m *MockWebhookLog) Save(ctx context.Context, provider, eventID, eventType, externalID string, payload json.RawMessage, signatureValid bool) (int64, bool, error) {
	args := m.Called(ctx, provider, eventID, eventType, externalID, payload, signatureValid)
	return args.Get(0).(int64), args.Bool(1), args.Error(2)
}

func (m *MockWebhookLog) MarkProcessed(ctx context.Context, webhookID int64) error {
	args := m.Called(ctx, webhookID)
	return args.Error(0)
}

func (m *MockWebhookLog) MarkFailed(ctx context.Context, webhookID int64, reason string) error {
	args := m.Called(ctx, webhookID, reason)
	return args.Error(0)
}

func TestProcessOnce(t *testing.T) {
	ctx := context.Background()
	n := Notification{Provider: "payu", EventID: "ORD:COMPLETED", EventType: "COMPLETED", ExternalID: "ORD", Payload: json.RawMessage(`{}`)}

	t.Run("Processed", func(t *testing.T) {
		wl := new(MockWebhookLog)
		wl.On("Save", ctx, "payu", "ORD:COMPLETED", "COMPLETED", "ORD", n.Payload, true).Return(int64(3), false, nil)
		wl.On("MarkProcessed", ctx, int64(3)).Return(nil)

		calls := 0
		dup, err := ProcessOnce(ctx, wl, n, func() error { calls++; return nil })
		assert.NoError(t, err)
		assert.False(t, dup)
		assert.Equal(t, 1, calls)
		wl.AssertExpectations(t)
	})

	t.Run("Duplicate", func(t *testing.T) {
		wl := new(MockWebhookLog)
		wl.On("Save", ctx, "payu", "ORD:COMPLETED", "COMPLETED", "ORD", n.Payload, true).Return(int64(3), true, nil)

		dup, err := ProcessOnce(ctx, wl, n, func() error {
			t.Fatal("duplicate must not be processed")
			return nil
		})
		assert.NoError(t, err)
		assert.True(t, dup)
		wl.AssertNotCalled(t, "MarkProcessed", mock.Anything, mock.Anything)
	})

	t.Run("ProcessFails", func(t *testing.T) {
		wl := new(MockWebhookLog)
		wl.On("Save", ctx, "payu", "ORD:COMPLETED", "COMPLETED", "ORD", n.Payload, true).Return(int64(3), false, nil)
		wl.On("MarkFailed", ctx, int64(3), "boom").Return(nil)

		_, err := ProcessOnce(ctx, wl, n, func() error { return errors.New("boom") })
		assert.EqualError(t, err, "boom")
		wl.AssertExpectations(t)
	})

	t.Run("SaveFails", func(t *testing.T) {
		wl := new(MockWebhookLog)
		wl.On("Save", ctx, "payu", "ORD:COMPLETED", "COMPLETED", "ORD", n.Payload, true).Return(int64(0), false, errors.New("db down"))

		_, err := ProcessOnce(ctx, wl, n, func() error { return nil })
		assert.ErrorContains(t, err, "save webhook")
	})

	t.Run("NoLog", func(t *testing.T) {
		calls := 0
		dup, err := ProcessOnce(ctx, nil, n, func() error { calls++; return nil })
		assert.NoError(t, err)
		assert.False(t, dup)
		assert.Equal(t, 1, calls)
	})
}

func TestProcessOnce_ConcurrentDelivery(t *testing.T) {
	ctx := context.Background()
	wl := gatewaytest.NewMemWebhookLog()
	n := Notification{Provider: "payu", EventID: "ORD:CANCELED", EventType: "CANCELED", ExternalID: "ORD", Payload: json.RawMessage(`{}`)}

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := ProcessOnce(ctx, wl, n, func() error {
			close(started)
			<-release
			return nil
		})
		done <- err
	}()
	<-started

	// Redelivered while the first delivery is still running.
	dup, err := ProcessOnce(ctx, wl, n, func() error {
		t.Error("in-flight event processed twice")
		return nil
	})
	require.NoError(t, err)
	assert.True(t, dup)

	close(release)
	require.NoError(t, <-done)

	dup, err = ProcessOnce(ctx, wl, n, func() error {
		t.Error("processed event processed again")
		return nil
	})
	require.NoError(t, err)
	assert.True(t, dup)
}

func TestProcessOnce_FailedDeliveryReleasesClaim(t *testing.T) {
	ctx := context.Background()
	wl := gatewaytest.NewMemWebhookLog()
	n := Notification{Provider: "razorpay", EventID: "evt_1", EventType: "payment.captured", ExternalID: "pay_1", Payload: json.RawMessage(`{}`)}

	_, err := ProcessOnce(ctx, wl, n, func() error { return errors.New("db down") })
	require.EqualError(t, err, "db down")

	entry, ok := wl.Entry("razorpay", "evt_1")
	require.True(t, ok)
	assert.False(t, entry.Claimed)
	assert.Equal(t, "db down", entry.Error)

	calls := 0
	dup, err := ProcessOnce(ctx, wl, n, func() error { calls++; return nil })
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, 1, calls)
}
