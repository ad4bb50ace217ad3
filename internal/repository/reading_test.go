package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"decibel-monitor/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *ReadingRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	logger := zap.NewNop()
	repo := NewReadingRepository(db, logger)

	return db, mock, repo
}

func sampleReading() *models.Reading {
	return &models.Reading{
		DeviceID:  7,
		AvgDB:     42.5,
		MinDB:     30.0,
		MaxDB:     55.0,
		Timestamp: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestPersist_NewDevice(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	reading := sampleReading()

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO microcontrollers`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectQuery(`INSERT INTO sensor_reports`).
		WithArgs(int64(7), 42.5, 30.0, 55.0, nil, nil, reading.Timestamp).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectCommit()

	stored, err := repo.Persist(context.Background(), reading)

	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.ID)
	assert.Equal(t, int64(7), stored.DeviceID)
	assert.True(t, stored.DeviceCreated)
	assert.Nil(t, stored.Location)
	assert.Equal(t, reading.Timestamp, stored.Timestamp)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPersist_ExistingDeviceWithLocation(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	reading := sampleReading()
	reading.Location = &models.GeoPoint{Latitude: -23.55, Longitude: -46.63}

	mock.ExpectBegin()
	// ON CONFLICT DO NOTHING 不返回行：设备已存在
	mock.ExpectQuery(`INSERT INTO microcontrollers`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(`INSERT INTO sensor_reports`).
		WithArgs(int64(7), 42.5, 30.0, 55.0, -23.55, -46.63, reading.Timestamp).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))
	mock.ExpectCommit()

	stored, err := repo.Persist(context.Background(), reading)

	require.NoError(t, err)
	assert.Equal(t, int64(42), stored.ID)
	assert.False(t, stored.DeviceCreated)
	require.NotNil(t, stored.Location)
	assert.Equal(t, -23.55, stored.Location.Latitude)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPersist_ReportInsertFailureRollsBack(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO microcontrollers`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectQuery(`INSERT INTO sensor_reports`).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	stored, err := repo.Persist(context.Background(), sampleReading())

	require.Error(t, err)
	assert.Nil(t, stored)

	var storageErr *StorageError
	require.True(t, errors.As(err, &storageErr))
	assert.Equal(t, "insert_report", storageErr.Op)
	assert.Equal(t, int64(7), storageErr.DeviceID)
	assert.Contains(t, err.Error(), "disk full")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPersist_DeviceInsertFailureRollsBack(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO microcontrollers`).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := repo.Persist(context.Background(), sampleReading())

	var storageErr *StorageError
	require.True(t, errors.As(err, &storageErr))
	assert.Equal(t, "ensure_device", storageErr.Op)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPersist_BeginFailure(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	mock.ExpectBegin().WillReturnError(errors.New("too many connections"))

	_, err := repo.Persist(context.Background(), sampleReading())

	var storageErr *StorageError
	require.True(t, errors.As(err, &storageErr))
	assert.Equal(t, "begin", storageErr.Op)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPersist_CommitFailure(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO microcontrollers`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectQuery(`INSERT INTO sensor_reports`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectCommit().WillReturnError(errors.New("could not serialize access"))

	stored, err := repo.Persist(context.Background(), sampleReading())

	assert.Nil(t, stored)
	var storageErr *StorageError
	require.True(t, errors.As(err, &storageErr))
	assert.Equal(t, "commit", storageErr.Op)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListReports_AllFilters(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	deviceID := int64(7)
	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	until := time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC)
	ts := time.Date(2024, 3, 2, 8, 30, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"id", "microcontroller_id", "avg_db", "min_db", "max_db", "latitude", "longitude", "timestamp"}).
		AddRow(2, 7, 50.0, 40.0, 60.0, -23.5, -46.6, ts).
		AddRow(1, 7, 42.5, 30.0, 55.0, nil, nil, ts.Add(-time.Hour))

	mock.ExpectQuery(`WHERE microcontroller_id = \$1 AND timestamp >= \$2 AND timestamp < \$3 ORDER BY timestamp DESC, id DESC LIMIT \$4 OFFSET \$5`).
		WithArgs(deviceID, from, until, 100, 10).
		WillReturnRows(rows)

	reports, err := repo.ListReports(context.Background(), ReportFilter{
		DeviceID: &deviceID,
		From:     &from,
		Until:    &until,
		Limit:    100,
		Offset:   10,
	})

	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, int64(2), reports[0].ID)
	require.NotNil(t, reports[0].Location)
	assert.Equal(t, -23.5, reports[0].Location.Latitude)
	assert.Nil(t, reports[1].Location)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListReports_NoFilters(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	mock.ExpectQuery(`FROM sensor_reports\s+ORDER BY timestamp DESC, id DESC LIMIT \$1 OFFSET \$2`).
		WithArgs(1000, 0).
		WillReturnRows(sqlmock.NewRows([]string{"id", "microcontroller_id", "avg_db", "min_db", "max_db", "latitude", "longitude", "timestamp"}))

	reports, err := repo.ListReports(context.Background(), ReportFilter{Limit: 1000})

	require.NoError(t, err)
	assert.NotNil(t, reports)
	assert.Len(t, reports, 0)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetReport_NotFound(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	mock.ExpectQuery(`WHERE id = \$1`).
		WithArgs(int64(99)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.GetReport(context.Background(), 99)

	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetReport_Success(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`WHERE id = \$1`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "microcontroller_id", "avg_db", "min_db", "max_db", "latitude", "longitude", "timestamp"}).
			AddRow(1, 7, 42.5, 30.0, 55.0, nil, nil, ts))

	report, err := repo.GetReport(context.Background(), 1)

	require.NoError(t, err)
	assert.Equal(t, int64(7), report.DeviceID)
	assert.Equal(t, ts, report.Timestamp)
	assert.NoError(t, mock.ExpectationsWereMet())
}
