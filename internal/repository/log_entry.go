package repository

import (
	"context"
	"database/sql"
	"fmt"

	"decibel-monitor/internal/models"
)

// LogEntryRepository 日志面板仓库
type LogEntryRepository struct {
	db *sql.DB
}

// NewLogEntryRepository 创建日志面板仓库
func NewLogEntryRepository(db *sql.DB) *LogEntryRepository {
	return &LogEntryRepository{db: db}
}

// InsertLogEntry 写入一条日志
func (r *LogEntryRepository) InsertLogEntry(ctx context.Context, entry *models.LogEntry) error {
	var mcID sql.NullInt64
	if entry.MicrocontrollerID != nil {
		mcID = sql.NullInt64{Int64: *entry.MicrocontrollerID, Valid: true}
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO log_entries (level, message, timestamp, microcontroller_id) VALUES ($1, $2, $3, $4)`,
		entry.Level, entry.Message, entry.Timestamp, mcID,
	)
	if err != nil {
		return fmt.Errorf("failed to insert log entry: %w", err)
	}
	return nil
}

// ListLogEntries 按时间倒序分页查询日志
func (r *LogEntryRepository) ListLogEntries(ctx context.Context, limit, offset int) ([]*models.LogEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, level, message, timestamp, microcontroller_id
		FROM log_entries
		ORDER BY timestamp DESC, id DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query log_entries: %w", err)
	}
	defer rows.Close()

	entries := make([]*models.LogEntry, 0)
	for rows.Next() {
		var (
			e    models.LogEntry
			mcID sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.Level, &e.Message, &e.Timestamp, &mcID); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		if mcID.Valid {
			id := mcID.Int64
			e.MicrocontrollerID = &id
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate log_entries: %w", err)
	}
	return entries, nil
}
