package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outreachly/campd/internal/model"
)

func newCampaignsMock(t *testing.T) (*CampaignsRepositoryImpl, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewCampaignsRepository(sqlx.NewDb(db, "mysql")), mock
}

func TestGetByIDReturnsCampaign(t *testing.T) {
	repo, mock := newCampaignsMock(t)

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "name", "contact_list_id", "subject", "body", "status",
		"failure_reason", "sent_count", "failed_count", "created_at", "updated_at",
	}).AddRow(1, "Launch", 10, "Hello {{goesBy}}", "Hi {{firstName}}", "ready", nil, 0, 0, now, now)

	mock.ExpectQuery("SELECT id, name, contact_list_id").
		WithArgs(int64(1)).
		WillReturnRows(rows)

	c, err := repo.GetByID(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(10), c.ContactListID)
	assert.Equal(t, model.CampaignReady, c.Status)
	assert.False(t, c.FailureReason.Valid)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetByIDNotFound(t *testing.T) {
	repo, mock := newCampaignsMock(t)

	mock.ExpectQuery("SELECT id, name, contact_list_id").
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.GetByID(context.Background(), 42)
	assert.ErrorIs(t, err, ErrCampaignNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetStatusWithFailureReason(t *testing.T) {
	repo, mock := newCampaignsMock(t)

	mock.ExpectExec("UPDATE campaigns").
		WithArgs("failed", model.RunFailureAuth, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.SetStatus(context.Background(), 1, model.CampaignFailed, model.RunFailureAuth)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetStatusClearsFailureReason(t *testing.T) {
	repo, mock := newCampaignsMock(t)

	mock.ExpectExec("UPDATE campaigns").
		WithArgs("sending", nil, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.SetStatus(context.Background(), 1, model.CampaignSending, ""))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetStatusUnknownCampaign(t *testing.T) {
	repo, mock := newCampaignsMock(t)

	mock.ExpectExec("UPDATE campaigns").
		WithArgs("paused", nil, int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT 1 FROM campaigns").
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"1"}))

	err := repo.SetStatus(context.Background(), 42, model.CampaignPaused, "")
	assert.ErrorIs(t, err, ErrCampaignNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIncrementCountersSkipsZeroDeltas(t *testing.T) {
	repo, mock := newCampaignsMock(t)

	// no SQL expected
	require.NoError(t, repo.IncrementCounters(context.Background(), 1, 0, 0))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIncrementCounters(t *testing.T) {
	repo, mock := newCampaignsMock(t)

	mock.ExpectExec("UPDATE campaigns").
		WithArgs(int64(1), int64(0), int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.IncrementCounters(context.Background(), 1, 1, 0))
	assert.NoError(t, mock.ExpectationsWereMet())
}
