package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// schemaStatements 启动时确保表存在（幂等）
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS microcontrollers (
		id BIGINT PRIMARY KEY
	)`,
	`CREATE TABLE IF NOT EXISTS sensor_reports (
		id                 BIGSERIAL PRIMARY KEY,
		microcontroller_id BIGINT NOT NULL REFERENCES microcontrollers (id),
		avg_db             DOUBLE PRECISION NOT NULL,
		min_db             DOUBLE PRECISION NOT NULL,
		max_db             DOUBLE PRECISION NOT NULL,
		latitude           DOUBLE PRECISION,
		longitude          DOUBLE PRECISION,
		timestamp          TIMESTAMP NOT NULL,
		CHECK ((latitude IS NULL) = (longitude IS NULL))
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sensor_reports_mc_ts ON sensor_reports (microcontroller_id, timestamp DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_sensor_reports_ts ON sensor_reports (timestamp DESC)`,
	`CREATE TABLE IF NOT EXISTS log_entries (
		id                 BIGSERIAL PRIMARY KEY,
		level              TEXT NOT NULL,
		message            TEXT NOT NULL,
		timestamp          TIMESTAMP NOT NULL,
		microcontroller_id BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_log_entries_ts ON log_entries (timestamp DESC)`,
}

// EnsureSchema 创建缺失的表和索引
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}
