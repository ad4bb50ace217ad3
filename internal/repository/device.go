package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"decibel-monitor/internal/models"
)

// DeviceRepository 设备仓库（只读；设备由 ReadingRepository.Persist 创建）
type DeviceRepository struct {
	db *sql.DB
}

// NewDeviceRepository 创建设备仓库
func NewDeviceRepository(db *sql.DB) *DeviceRepository {
	return &DeviceRepository{db: db}
}

// ListDevices 按ID升序分页查询设备
func (r *DeviceRepository) ListDevices(ctx context.Context, limit, offset int) ([]models.Device, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM microcontrollers ORDER BY id LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query microcontrollers: %w", err)
	}
	defer rows.Close()

	devices := make([]models.Device, 0)
	for rows.Next() {
		var d models.Device
		if err := rows.Scan(&d.ID); err != nil {
			return nil, fmt.Errorf("failed to scan microcontroller: %w", err)
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate microcontrollers: %w", err)
	}
	return devices, nil
}

// GetDevice 根据ID获取设备
func (r *DeviceRepository) GetDevice(ctx context.Context, id int64) (*models.Device, error) {
	var d models.Device
	err := r.db.QueryRowContext(ctx, `SELECT id FROM microcontrollers WHERE id = $1`, id).Scan(&d.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query microcontroller: %w", err)
	}
	return &d, nil
}
