package database

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lot-describe-pipeline/models"
)

func newMockDatabase(t *testing.T) (*Database, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &Database{db: db}, mock
}

func TestSaveDeadLetter(t *testing.T) {
	d, mock := newMockDatabase(t)
	dl := &models.DeadLetter{
		ID:        "dl-1",
		URL:       "https://example.com/hook",
		Payload:   `{"version":"1.0.0"}`,
		Reason:    "status 502",
		CreatedAt: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
	}

	mock.ExpectExec("INSERT INTO callback_dead_letters").
		WithArgs(dl.ID, dl.URL, dl.Payload, dl.Reason, dl.CreatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, d.SaveDeadLetter(dl))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveLostJob(t *testing.T) {
	d, mock := newMockDatabase(t)

	mock.ExpectExec("INSERT INTO lost_batch_jobs").
		WithArgs("batch-1", "analysis", "connection refused").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, d.SaveLostJob("batch-1", "analysis", "connection refused"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListDeadLetters(t *testing.T) {
	d, mock := newMockDatabase(t)
	created := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"id", "url", "payload", "reason", "created_at"}).
		AddRow("dl-2", "https://b.example.com", "{}", "status 500", created).
		AddRow("dl-1", "https://a.example.com", "{}", nil, created.Add(-time.Hour))

	mock.ExpectQuery("SELECT id, url, payload, reason, created_at").
		WithArgs(10).
		WillReturnRows(rows)

	letters, err := d.ListDeadLetters(10)
	require.NoError(t, err)
	require.Len(t, letters, 2)
	assert.Equal(t, "dl-2", letters[0].ID)
	assert.Equal(t, "status 500", letters[0].Reason)
	assert.Empty(t, letters[1].Reason, "NULL reason scans to empty string")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveDeadLetterError(t *testing.T) {
	d, mock := newMockDatabase(t)

	mock.ExpectExec("INSERT INTO callback_dead_letters").
		WillReturnError(assert.AnError)

	err := d.SaveDeadLetter(&models.DeadLetter{ID: "dl-1"})
	assert.Error(t, err)
}
