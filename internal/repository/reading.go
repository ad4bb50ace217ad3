package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"decibel-monitor/internal/models"

	"go.uber.org/zap"
)

const (
	// 设备首次出现时创建；并发创建时后到者看到已提交的行，不会触发唯一约束错误
	ensureDeviceSQL = `
		INSERT INTO microcontrollers (id)
		VALUES ($1)
		ON CONFLICT (id) DO NOTHING
		RETURNING id
	`

	insertReportSQL = `
		INSERT INTO sensor_reports (
			microcontroller_id,
			avg_db,
			min_db,
			max_db,
			latitude,
			longitude,
			timestamp
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`

	selectReportColumns = `
		SELECT
			id,
			microcontroller_id,
			avg_db,
			min_db,
			max_db,
			latitude,
			longitude,
			timestamp
		FROM sensor_reports
	`
)

// ReadingRepository 噪声采样仓库
type ReadingRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewReadingRepository 创建噪声采样仓库
func NewReadingRepository(db *sql.DB, logger *zap.Logger) *ReadingRepository {
	return &ReadingRepository{
		db:     db,
		logger: logger,
	}
}

// Persist 在单个事务内确保设备存在并写入采样
// 任一步失败整体回滚，返回 *StorageError
func (r *ReadingRepository) Persist(ctx context.Context, reading *models.Reading) (*models.StoredReading, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &StorageError{Op: "begin", DeviceID: reading.DeviceID, Err: err}
	}
	finished := false
	defer func() {
		if !finished {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				r.logger.Warn("Failed to rollback transaction",
					zap.Int64("device_id", reading.DeviceID),
					zap.Error(rbErr),
				)
			}
		}
	}()

	// 1. 确保设备存在
	created, err := ensureDevice(ctx, tx, reading.DeviceID)
	if err != nil {
		return nil, &StorageError{Op: "ensure_device", DeviceID: reading.DeviceID, Err: err}
	}

	// 2. 写入采样
	var lat, lon sql.NullFloat64
	if reading.Location != nil {
		lat = sql.NullFloat64{Float64: reading.Location.Latitude, Valid: true}
		lon = sql.NullFloat64{Float64: reading.Location.Longitude, Valid: true}
	}

	var id int64
	err = tx.QueryRowContext(ctx, insertReportSQL,
		reading.DeviceID,
		reading.AvgDB,
		reading.MinDB,
		reading.MaxDB,
		lat,
		lon,
		reading.Timestamp,
	).Scan(&id)
	if err != nil {
		return nil, &StorageError{Op: "insert_report", DeviceID: reading.DeviceID, Err: err}
	}

	// 3. 提交（提交失败时事务已结束，无需再回滚）
	finished = true
	if err := tx.Commit(); err != nil {
		return nil, &StorageError{Op: "commit", DeviceID: reading.DeviceID, Err: err}
	}

	if created {
		r.logger.Info("Microcontroller registered", zap.Int64("device_id", reading.DeviceID))
	}

	return &models.StoredReading{
		ID:            id,
		Reading:       *reading,
		DeviceCreated: created,
	}, nil
}

func ensureDevice(ctx context.Context, tx *sql.Tx, deviceID int64) (bool, error) {
	var id int64
	err := tx.QueryRowContext(ctx, ensureDeviceSQL, deviceID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		// 已存在
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ReportFilter 采样查询条件
type ReportFilter struct {
	DeviceID *int64
	From     *time.Time // 含
	Until    *time.Time // 不含
	Limit    int
	Offset   int
}

// ListReports 按时间倒序分页查询采样
func (r *ReadingRepository) ListReports(ctx context.Context, filter ReportFilter) ([]*models.StoredReading, error) {
	var conds []string
	var args []interface{}

	if filter.DeviceID != nil {
		args = append(args, *filter.DeviceID)
		conds = append(conds, fmt.Sprintf("microcontroller_id = $%d", len(args)))
	}
	if filter.From != nil {
		args = append(args, *filter.From)
		conds = append(conds, fmt.Sprintf("timestamp >= $%d", len(args)))
	}
	if filter.Until != nil {
		args = append(args, *filter.Until)
		conds = append(conds, fmt.Sprintf("timestamp < $%d", len(args)))
	}

	query := selectReportColumns
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, filter.Limit, filter.Offset)
	query += fmt.Sprintf(" ORDER BY timestamp DESC, id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sensor_reports: %w", err)
	}
	defer rows.Close()

	reports := make([]*models.StoredReading, 0)
	for rows.Next() {
		report, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		reports = append(reports, report)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sensor_reports: %w", err)
	}
	return reports, nil
}

// GetReport 根据ID获取采样
func (r *ReadingRepository) GetReport(ctx context.Context, id int64) (*models.StoredReading, error) {
	row := r.db.QueryRowContext(ctx, selectReportColumns+" WHERE id = $1", id)
	report, err := scanReport(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return report, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanReport(row rowScanner) (*models.StoredReading, error) {
	var (
		report   models.StoredReading
		lat, lon sql.NullFloat64
	)
	err := row.Scan(
		&report.ID,
		&report.DeviceID,
		&report.AvgDB,
		&report.MinDB,
		&report.MaxDB,
		&lat,
		&lon,
		&report.Timestamp,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan sensor_report: %w", err)
	}
	if lat.Valid && lon.Valid {
		report.Location = &models.GeoPoint{Latitude: lat.Float64, Longitude: lon.Float64}
	}
	return &report, nil
}
